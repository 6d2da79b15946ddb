package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	outputDir  string
	validYears int
	hosts      []string
	Cmd        = &cobra.Command{
		Use:   "certs",
		Short: "Generate a CA and a server certificate for the QUIC transport",
		RunE:  runGenerate,
	}
)

func init() {
	Cmd.Flags().StringVarP(&outputDir, "output", "o", "./certs", "output directory")
	Cmd.Flags().IntVarP(&validYears, "years", "y", 10, "certificate validity in years")
	Cmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1", "::1"}, "server certificate DNS names or IP addresses")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "generate").Logger()

	logger.Info().Str("dir", outputDir).Int("years", validYears).Strs("hosts", hosts).Msg("generating certificates")

	caKey, caCert, err := GenerateCA(validYears)
	if err != nil {
		return fmt.Errorf("generate CA: %w", err)
	}
	serverKey, serverCert, err := GenerateServerCert(caKey, caCert, validYears, hosts)
	if err != nil {
		return fmt.Errorf("generate server cert: %w", err)
	}

	written, err := WriteFiles(outputDir, map[string][]byte{
		"ca.key":     EncodePrivateKey(caKey),
		"ca.crt":     EncodeCertificate(caCert),
		"server.key": EncodePrivateKey(serverKey),
		"server.crt": EncodeCertificate(serverCert),
	})
	for _, path := range written {
		logger.Info().Str("file", path).Msg("generated")
	}
	if err != nil {
		return err
	}

	logger.Info().Msg("certificate generation complete")
	return nil
}

// WriteFiles writes each file into dir with owner-only permissions and
// returns the paths written.
func WriteFiles(dir string, files map[string][]byte) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	written := make([]string, 0, len(files))
	for name, data := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0600); err != nil {
			return written, fmt.Errorf("write %s: %w", name, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// GenerateCA generates a CA certificate
func GenerateCA(validYears int) (*rsa.PrivateKey, *x509.Certificate, error) {
	template := &x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{"framelink CA"},
			CommonName:   "framelink Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(validYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	return issue(template, nil, nil, 4096)
}

// GenerateServerCert generates a server certificate signed by the CA. Each
// host becomes an IP SAN when it parses as an address, a DNS SAN otherwise.
func GenerateServerCert(caKey *rsa.PrivateKey, caCert *x509.Certificate, validYears int, hosts []string) (*rsa.PrivateKey, *x509.Certificate, error) {
	template := &x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{"framelink"},
			CommonName:   "framelink server",
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().AddDate(validYears, 0, 0),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	return issue(template, caCert, caKey, 2048)
}

// issue creates a key and a certificate for template, self-signed when parent is nil.
func issue(template, parent *x509.Certificate, parentKey *rsa.PrivateKey, bits int) (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}
	template.SerialNumber = serialNumber

	if parent == nil {
		parent, parentKey = template, key
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate: %w", err)
	}

	return key, cert, nil
}

// EncodePrivateKey encodes a private key to PEM format
func EncodePrivateKey(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// EncodeCertificate encodes a certificate to PEM format
func EncodeCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
}
