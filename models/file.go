package models

import "time"

const (
	// DefaultChunkSize is used when a sender does not pick a chunk size.
	DefaultChunkSize = 8 * 1024
	// MaxChunkSize caps chunk payloads on the wire.
	MaxChunkSize = 2 * 1024 * 1024
)

// TransferStatus is the lifecycle state of one file transfer.
type TransferStatus string

const (
	StatusPending      TransferStatus = "pending"
	StatusTransferring TransferStatus = "transferring"
	StatusPaused       TransferStatus = "paused"
	StatusCompleted    TransferStatus = "completed"
	StatusFailed       TransferStatus = "failed"
	StatusCancelled    TransferStatus = "cancelled"
	StatusRejected     TransferStatus = "rejected"
)

// Terminal reports whether no further transitions are possible.
func (s TransferStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status value.
func (s TransferStatus) Valid() bool {
	switch s {
	case StatusPending, StatusTransferring, StatusPaused, StatusCompleted,
		StatusFailed, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// Role is the side of a transfer a task runs on.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// FileDescriptor describes one file moving between two devices.
// FileID and FileSize are fixed once set. TransferID identifies this one
// transfer of the file; BatchID groups files offered in the same request.
type FileDescriptor struct {
	FileID         string         `json:"file_id"`
	TransferID     string         `json:"transfer_id"`
	BatchID        string         `json:"batch_id,omitempty"`
	OwningDeviceID string         `json:"owning_device_id"`
	FileName       string         `json:"file_name"`
	FileSize       int64          `json:"file_size"`
	ContentHash    string         `json:"file_hash,omitempty"`
	ChunkSize      int            `json:"chunk_size"`
	Status         TransferStatus `json:"status"`
	SavePath       string         `json:"save_path,omitempty"`
	SourcePath     string         `json:"-"`
}

// ClampChunkSize returns a usable chunk size for network sends.
func ClampChunkSize(size int) int {
	if size <= 0 {
		return DefaultChunkSize
	}
	if size > MaxChunkSize {
		return MaxChunkSize
	}
	return size
}

// PendingTransfer is an incoming file waiting for an accept or reject decision.
type PendingTransfer struct {
	Descriptor FileDescriptor `json:"descriptor"`
	Peer       DeviceIdentity `json:"peer"`
	ReceivedAt time.Time      `json:"received_at"`
}

// TaskSnapshot is a read-only copy of a transfer task's state.
type TaskSnapshot struct {
	Descriptor       FileDescriptor `json:"descriptor"`
	Peer             DeviceIdentity `json:"peer"`
	Role             Role           `json:"role"`
	BytesTransferred int64          `json:"bytes_transferred"`
	Paused           bool           `json:"paused"`
	Cancelled        bool           `json:"cancelled"`
	Reconnects       int            `json:"reconnects"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          time.Time      `json:"end_time,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
}

// Percent returns progress in the 0..100 range.
func (s TaskSnapshot) Percent() float64 {
	return Percent(s.BytesTransferred, s.Descriptor.FileSize)
}

// Percent computes done/total as a percentage. Empty files are 100% done.
func Percent(done, total int64) float64 {
	if total <= 0 {
		return 100
	}
	if done >= total {
		return 100
	}
	if done <= 0 {
		return 0
	}
	return float64(done) * 100 / float64(total)
}
