package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	roleSender   = "sender"
	roleReceiver = "receiver"
)

const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
	statusRejected  = "rejected"
)

// TransferRecord is one finished transfer as seen by one side.
type TransferRecord struct {
	TransferID       string
	Role             string
	FileID           string
	BatchID          string
	PeerDeviceID     string
	PeerDeviceName   string
	FileName         string
	FileSize         int64
	ContentHash      string
	BytesTransferred int64
	Status           string
	SavePath         string
	LastError        string
	Reconnects       int
	StartedAt        int64
	FinishedAt       int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateRole(role string) error {
	switch role {
	case roleSender, roleReceiver:
		return nil
	default:
		return fmt.Errorf("invalid transfer role %q", role)
	}
}

func validateStatus(status string) error {
	switch status {
	case statusCompleted, statusFailed, statusCancelled, statusRejected:
		return nil
	default:
		return fmt.Errorf("invalid terminal transfer status %q", status)
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
