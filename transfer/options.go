package transfer

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"lanshare/models"
)

const (
	// DefaultMaxReconnects bounds sender reconnect attempts per file.
	DefaultMaxReconnects = 3
	// DefaultChunkTimeout bounds each chunk read or write.
	DefaultChunkTimeout = 30 * time.Second
	// DefaultAckTimeout bounds the wait for COMPLETE_ACK after COMPLETE.
	DefaultAckTimeout = 10 * time.Second
	// DefaultDecisionTimeout bounds how long a sender waits for the receiver
	// to accept or reject a batch.
	DefaultDecisionTimeout = 10 * time.Minute
	// DefaultProgressInterval throttles progress callbacks.
	DefaultProgressInterval = 200 * time.Millisecond
	// DefaultPausePoll is the sleep between pause checks.
	DefaultPausePoll = 50 * time.Millisecond
)

var (
	// ErrUnknownTransfer indicates no task or pending request has the id.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer id")
	// ErrTerminal indicates the task already reached a terminal status.
	ErrTerminal = errors.New("transfer: task already finished")
	// ErrClosed indicates the manager was closed.
	ErrClosed = errors.New("transfer: manager closed")
	// ErrHashMismatch indicates the received bytes do not match the declared hash.
	ErrHashMismatch = errors.New("transfer: content hash mismatch")
	// ErrGap indicates a chunk arrived ahead of the expected offset.
	ErrGap = errors.New("transfer: chunk offset gap")
)

// Events receives task notifications. Implementations must be safe for
// concurrent use; callbacks run on transfer goroutines.
type Events interface {
	// OnTransferRequest returns true to accept every offered file at once.
	// Otherwise the files wait as pending transfers.
	OnTransferRequest(peer models.DeviceIdentity, files []models.FileDescriptor) bool
	OnProgress(task models.TaskSnapshot, percent float64, bytesPerSecond float64)
	OnComplete(task models.TaskSnapshot)
	OnError(task models.TaskSnapshot, message string)
}

// Recorder persists terminal task outcomes.
type Recorder interface {
	RecordTransfer(task models.TaskSnapshot) error
}

// Options configures a Manager.
type Options struct {
	Identity models.DeviceIdentity

	// SaveDir receives completed files. TempDir is used when SaveDir is not
	// writable.
	SaveDir string
	TempDir string

	ChunkSize   int
	DisableHash bool

	// MaxReconnects bounds sender reconnects per file; negative disables
	// reconnects.
	MaxReconnects int
	// NewBackOff builds the delay policy between reconnects.
	NewBackOff func() backoff.BackOff

	DialTimeout      time.Duration
	ChunkTimeout     time.Duration
	AckTimeout       time.Duration
	DecisionTimeout  time.Duration
	ReconnectGrace   time.Duration
	ProgressInterval time.Duration
	PausePoll        time.Duration

	Logger   logrus.FieldLogger
	Events   Events
	Recorder Recorder
}

func (o Options) withDefaults() Options {
	out := o
	out.ChunkSize = models.ClampChunkSize(out.ChunkSize)
	if out.TempDir == "" {
		out.TempDir = filepath.Join(os.TempDir(), "lanshare")
	}
	if out.SaveDir == "" {
		out.SaveDir = out.TempDir
	}
	if out.MaxReconnects == 0 {
		out.MaxReconnects = DefaultMaxReconnects
	}
	if out.NewBackOff == nil {
		out.NewBackOff = defaultBackOff
	}
	if out.ChunkTimeout <= 0 {
		out.ChunkTimeout = DefaultChunkTimeout
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	if out.DecisionTimeout <= 0 {
		out.DecisionTimeout = DefaultDecisionTimeout
	}
	if out.ReconnectGrace <= 0 {
		out.ReconnectGrace = 2 * out.ChunkTimeout
	}
	if out.ProgressInterval <= 0 {
		out.ProgressInterval = DefaultProgressInterval
	}
	if out.PausePoll <= 0 {
		out.PausePoll = DefaultPausePoll
	}
	if out.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		out.Logger = logger
	}
	if out.Events == nil {
		out.Events = noopEvents{}
	}
	return out
}

func (o Options) validate() error {
	if o.Identity.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	return nil
}

// reconnectPolicy bounds the configured backoff by MaxReconnects.
func (o Options) reconnectPolicy() backoff.BackOff {
	if o.MaxReconnects < 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(o.NewBackOff(), uint64(o.MaxReconnects))
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type noopEvents struct{}

func (noopEvents) OnTransferRequest(models.DeviceIdentity, []models.FileDescriptor) bool {
	return false
}
func (noopEvents) OnProgress(models.TaskSnapshot, float64, float64) {}
func (noopEvents) OnComplete(models.TaskSnapshot)                   {}
func (noopEvents) OnError(models.TaskSnapshot, string)              {}
