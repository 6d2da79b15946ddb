package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Mmx233/framelink/config"
	"github.com/Mmx233/framelink/examples"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	configFile string // --config flag value

	Cmd = &cobra.Command{
		Use:   "config",
		Short: "Generate configuration files",
		Args:  cobra.NoArgs,
	}

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "Generate server configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return generate("server", GetConfigFile(), examples.ServerConfig, func() any { return &config.Server{} })
		},
	}

	ClientCmd = &cobra.Command{
		Use:   "client",
		Short: "Generate client configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return generate("client", GetConfigFile(), examples.ClientConfig, func() any { return &config.Client{} })
		},
	}
)

func init() {
	Cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "output config file path, .toml writes TOML")
	Cmd.AddCommand(ServerCmd)
	Cmd.AddCommand(ClientCmd)
}

// GetConfigFile returns the value of the --config flag
func GetConfigFile() string {
	return configFile
}

func generate(kind, outputPath string, template func() ([]byte, error), target func() any) error {
	logger := log.With().Str("com", "generate").Logger()

	// Check if file exists
	if _, err := os.Stat(outputPath); err == nil {
		return fmt.Errorf("file already exists: %s", outputPath)
	}

	content, err := template()
	if err != nil {
		return fmt.Errorf("load %s config template: %w", kind, err)
	}
	content, err = render(outputPath, content, target())
	if err != nil {
		return fmt.Errorf("render %s config: %w", kind, err)
	}

	if err := os.WriteFile(outputPath, content, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	logger.Info().Str("file", outputPath).Msgf("generated %s configuration", kind)
	return nil
}

// render returns the YAML template as is, or re-encodes it as TOML when the
// output path ends in .toml.
func render(outputPath string, yamlTemplate []byte, target any) ([]byte, error) {
	if !strings.EqualFold(filepath.Ext(outputPath), ".toml") {
		return yamlTemplate, nil
	}
	if err := yaml.Unmarshal(yamlTemplate, target); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(target); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
