package coldstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Manifest is the sibling record of an archive data file. Its recorded
// bounds must match the file's actual content; verification happens before
// any destructive hot-side action relies on the file.
type Manifest struct {
	RowCount   int64     `json:"row_count"`
	MinTs      int64     `json:"min_ts"`
	MaxTs      int64     `json:"max_ts"`
	Checksum   string    `json:"checksum"`
	PointCount int       `json:"point_count"`
	CreatedAt  time.Time `json:"created_at"`

	// Supersedes is the checksum of the data file this manifest replaced,
	// set when a force-restart rewrites a day.
	Supersedes string `json:"supersedes,omitempty"`
}

// writeManifest writes the manifest atomically (temp file then rename).
// The manifest is always the last artifact written for a day: a data file
// without a manifest is treated as absent.
func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// readManifest reads a manifest file.
func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(path), err)
	}
	return m, nil
}

// fileChecksum returns the hex sha256 of a file's content.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
