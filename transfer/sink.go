package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	partSuffix    = ".part"
	dataSuffix    = ".bin"
	receiptSuffix = ".json"
)

var ErrNotStoreSink = errors.New("transfer: sink was not created by this store")

// TempSink stores a transfer in a uniquely named file in the system temp directory.
func TempSink(key Key) (Sink, error) {
	f, err := os.CreateTemp("", fmt.Sprintf("framelink-%d-*%s", key.TransferID, partSuffix))
	if err != nil {
		return nil, fmt.Errorf("create temp sink: %w", err)
	}
	return f, nil
}

// Receipt is the JSON sidecar written next to a finalized transfer.
type Receipt struct {
	ID         string    `json:"id"`
	TransferID uint64    `json:"transfer_id"`
	Peer       string    `json:"peer"`
	Size       int64     `json:"size"`
	Chunks     uint32    `json:"chunks"`
	SHA256     string    `json:"sha256"`
	DurationMS int64     `json:"duration_ms"`
	ReceivedAt time.Time `json:"received_at"`
}

// DirStore keeps transfers as uuid-named files in one directory. In-progress
// transfers carry a .part suffix until Finalize renames them.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

func (d *DirStore) Dir() string {
	return d.dir
}

// NewSink is a SinkFactory.
func (d *DirStore) NewSink(key Key) (Sink, error) {
	path := filepath.Join(d.dir, uuid.NewString()+partSuffix)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create sink: %w", err)
	}
	return f, nil
}

// Finalize closes a completed transfer's sink, renames it to <id>.bin and
// writes the <id>.json receipt. It returns the data file path.
func (d *DirStore) Finalize(r Received) (string, *Receipt, error) {
	f, ok := r.Sink.(*os.File)
	if !ok || filepath.Dir(f.Name()) != filepath.Clean(d.dir) || !strings.HasSuffix(f.Name(), partSuffix) {
		return "", nil, ErrNotStoreSink
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return "", nil, fmt.Errorf("rewind sink: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(f, r.Size)); err != nil {
		_ = f.Close()
		return "", nil, fmt.Errorf("hash sink: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", nil, fmt.Errorf("close sink: %w", err)
	}

	id := strings.TrimSuffix(filepath.Base(f.Name()), partSuffix)
	dataPath := filepath.Join(d.dir, id+dataSuffix)
	if err := os.Rename(f.Name(), dataPath); err != nil {
		return "", nil, fmt.Errorf("rename sink: %w", err)
	}

	receipt := &Receipt{
		ID:         id,
		TransferID: r.TransferID,
		Peer:       r.Peer,
		Size:       r.Size,
		Chunks:     r.Chunks,
		SHA256:     hex.EncodeToString(h.Sum(nil)),
		DurationMS: r.Duration.Milliseconds(),
		ReceivedAt: time.Now(),
	}
	data, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("encode receipt: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.dir, id+receiptSuffix), data, 0644); err != nil {
		return "", nil, fmt.Errorf("write receipt: %w", err)
	}
	return dataPath, receipt, nil
}

// LoadReceipt reads the receipt of a finalized transfer.
func (d *DirStore) LoadReceipt(id string) (*Receipt, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, id+receiptSuffix))
	if err != nil {
		return nil, fmt.Errorf("read receipt: %w", err)
	}
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &receipt, nil
}
