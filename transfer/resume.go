package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	partSuffix    = ".part"
	sidecarSuffix = ".part.json"
)

// resumeState is the sidecar written next to a .part file.
type resumeState struct {
	FileName     string  `json:"file_name"`
	FileSize     int64   `json:"file_size"`
	ContentHash  string  `json:"content_hash,omitempty"`
	ReceivedSize int64   `json:"received_size"`
	TransferID   string  `json:"transfer_id"`
	Timestamp    float64 `json:"timestamp"`
	VerifyFailed bool    `json:"verify_failed,omitempty"`
}

// matches reports whether the sidecar describes the same file as an incoming
// offer: same transfer, or same name, size and a known hash.
func (s resumeState) matches(transferID, name string, size int64, hash string) bool {
	if s.TransferID != "" && s.TransferID == transferID {
		return true
	}
	return s.FileName == name &&
		s.FileSize == size &&
		hash != "" &&
		strings.EqualFold(s.ContentHash, hash)
}

func sidecarPathFor(partPath string) string {
	return strings.TrimSuffix(partPath, partSuffix) + sidecarSuffix
}

func loadResumeState(path string) (resumeState, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return resumeState{}, false
	}
	var state resumeState
	if err := json.Unmarshal(raw, &state); err != nil {
		return resumeState{}, false
	}
	return state, true
}

func saveResumeState(path string, state resumeState) error {
	state.Timestamp = float64(time.Now().UnixNano()) / 1e9
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal resume state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write resume state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace resume state: %w", err)
	}
	return nil
}

// resumeOffset decides where a receiver continues writing partPath for an
// offered file. A mismatched or unusable part file is truncated to zero.
func resumeOffset(partPath, transferID, name string, size int64, hash string) (int64, error) {
	info, err := os.Stat(partPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, createEmpty(partPath)
	}
	if err != nil {
		return 0, fmt.Errorf("stat partial file: %w", err)
	}

	state, ok := loadResumeState(sidecarPathFor(partPath))
	partSize := info.Size()
	switch {
	case !ok || !state.matches(transferID, name, size, hash):
		partSize = 0
	case partSize > size:
		partSize = 0
	case partSize == size && state.VerifyFailed:
		partSize = 0
	}

	if partSize == 0 {
		return 0, createEmpty(partPath)
	}
	return partSize, nil
}

func createEmpty(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create partial file: %w", err)
	}
	return file.Close()
}

func removePartial(partPath string) {
	_ = os.Remove(partPath)
	_ = os.Remove(sidecarPathFor(partPath))
}

// usableDir creates dir if needed and checks that files can be written there.
func usableDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".lanshare-probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

// sanitizeFileName keeps only the base name of a peer-supplied file name.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || strings.TrimSpace(base) == "" {
		return "file.bin"
	}
	return base
}

// availablePath returns dir/name, or "name (n).ext" for the first n that does
// not exist yet.
func availablePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
		return candidate
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, stem+" ("+strconv.Itoa(i)+")"+ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

func fileChecksumHex(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
