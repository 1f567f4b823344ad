package transfer

import (
	"sync"
	"time"

	"lanshare/models"
	"lanshare/network"
)

// Task is the runtime state of one file moving in one direction.
type Task struct {
	role models.Role

	mu         sync.Mutex
	desc       models.FileDescriptor
	peer       models.PeerRecord
	bytes      int64
	paused     bool
	cancelled  bool
	startTime  time.Time
	endTime    time.Time
	lastErr    string
	reconnects int

	// conn is the live data connection, replaced on reconnect. control is
	// the batch connection used before a data connection exists.
	conn    *network.Conn
	control *network.Conn

	// Receiver only.
	partPath    string
	sidecarPath string
	generation  int
	loopDone    chan struct{}
	expectHash  string
}

func newTask(role models.Role, desc models.FileDescriptor, peer models.PeerRecord) *Task {
	desc.Status = models.StatusPending
	return &Task{
		role:      role,
		desc:      desc,
		peer:      peer,
		startTime: time.Now(),
	}
}

// ID returns the transfer id.
func (t *Task) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc.TransferID
}

// Snapshot copies the task state.
func (t *Task) Snapshot() models.TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Task) snapshotLocked() models.TaskSnapshot {
	return models.TaskSnapshot{
		Descriptor:       t.desc,
		Peer:             t.peer.Identity,
		Role:             t.role,
		BytesTransferred: t.bytes,
		Paused:           t.paused,
		Cancelled:        t.cancelled,
		Reconnects:       t.reconnects,
		StartTime:        t.startTime,
		EndTime:          t.endTime,
		LastError:        t.lastErr,
	}
}

func (t *Task) status() models.TransferStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc.Status
}

func (t *Task) isTerminal() bool {
	return t.status().Terminal()
}

func (t *Task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Task) isPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// setPaused flips the pause flag and mirrors it into the status while the
// task is streaming. It reports whether anything changed.
func (t *Task) setPaused(paused bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.desc.Status.Terminal() || t.paused == paused {
		return false
	}
	t.paused = paused
	switch {
	case paused && t.desc.Status == models.StatusTransferring:
		t.desc.Status = models.StatusPaused
	case !paused && t.desc.Status == models.StatusPaused:
		t.desc.Status = models.StatusTransferring
	}
	return true
}

func (t *Task) setCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.desc.Status.Terminal() || t.cancelled {
		return false
	}
	t.cancelled = true
	return true
}

// markTransferring moves a pending task into streaming, keeping a pause
// requested before the stream opened.
func (t *Task) markTransferring() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.desc.Status.Terminal() {
		return
	}
	if t.paused {
		t.desc.Status = models.StatusPaused
		return
	}
	t.desc.Status = models.StatusTransferring
}

func (t *Task) bytesDone() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

func (t *Task) setBytes(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > t.desc.FileSize {
		n = t.desc.FileSize
	}
	t.bytes = n
}

func (t *Task) addBytes(n int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytes += n
	if t.bytes > t.desc.FileSize {
		t.bytes = t.desc.FileSize
	}
	return t.bytes
}

func (t *Task) descriptor() models.FileDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc
}

func (t *Task) currentConn() *network.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// peerConn returns the data connection if one is live, else the batch
// control connection.
func (t *Task) peerConn() *network.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn
	}
	return t.control
}

// finish moves the task to a terminal status once. It returns false when the
// task was already terminal.
func (t *Task) finish(status models.TransferStatus, errMsg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.desc.Status.Terminal() {
		return false
	}
	t.desc.Status = status
	t.paused = false
	t.endTime = time.Now()
	if errMsg != "" {
		t.lastErr = errMsg
	}
	return true
}
