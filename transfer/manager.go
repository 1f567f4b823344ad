package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"lanshare/models"
	"lanshare/network"
	"lanshare/protocol"
)

// maxRecent bounds how many finished task snapshots stay queryable.
const maxRecent = 512

// Manager runs every send and receive task of the local device. Sender
// tasks, receiver tasks and pending offers each live in their own table.
type Manager struct {
	opts Options
	log  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	sendMu    sync.Mutex
	sendTasks map[string]*Task

	recvMu    sync.Mutex
	recvTasks map[string]*Task

	pendingMu sync.Mutex
	pending   map[string]*pendingOffer

	recentMu    sync.Mutex
	recent      map[string]models.TaskSnapshot
	recentOrder []string

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a manager. It does not listen; feed inbound connections to
// HandleConn.
func New(options Options) (*Manager, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:      opts,
		log:       opts.Logger.WithField("component", "transfer"),
		ctx:       ctx,
		cancel:    cancel,
		sendTasks: make(map[string]*Task),
		recvTasks: make(map[string]*Task),
		pending:   make(map[string]*pendingOffer),
		recent:    make(map[string]models.TaskSnapshot),
	}, nil
}

// Close aborts every connection and waits for transfer goroutines to exit.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		for _, task := range append(m.tasks(&m.sendMu, m.sendTasks), m.tasks(&m.recvMu, m.recvTasks)...) {
			task.mu.Lock()
			conn, control := task.conn, task.control
			task.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			if control != nil {
				_ = control.Close()
			}
		}
		m.wg.Wait()
	})
}

// HandleConn triages one inbound connection by its first message. It is the
// transport server's handler.
func (m *Manager) HandleConn(conn *network.Conn) {
	if m.ctx.Err() != nil {
		return
	}

	log := m.log.WithField("addr", conn.RemoteAddr().String())
	msg, err := conn.NextMessage(m.opts.ChunkTimeout)
	if err != nil {
		log.WithError(err).Debug("drop connection before first message")
		return
	}

	switch msg.Type {
	case protocol.TypeTransferRequest:
		m.serveRequest(conn, msg)
	case protocol.TypeFileInfo:
		m.serveData(conn, msg)
	case protocol.TypePause, protocol.TypeResume, protocol.TypeCancel:
		m.applyControlMessage(msg, nil)
	default:
		log.WithField("type", msg.Type).Warn("unexpected first message")
		m.sendError(conn, "", "unexpected_message", "unexpected message type "+msg.Type)
	}
}

// Pause holds a task and asks the peer to do the same.
func (m *Manager) Pause(transferID string) error {
	task, err := m.activeTask(transferID)
	if err != nil {
		return err
	}
	if task.setPaused(true) {
		m.sendControl(task, protocol.TypePause)
		m.log.WithField("transfer_id", transferID).Info("transfer paused")
	}
	return nil
}

// Resume releases a paused task.
func (m *Manager) Resume(transferID string) error {
	task, err := m.activeTask(transferID)
	if err != nil {
		return err
	}
	if task.setPaused(false) {
		m.sendControl(task, protocol.TypeResume)
		m.log.WithField("transfer_id", transferID).Info("transfer resumed")
	}
	return nil
}

// Cancel aborts a task or withdraws a pending offer. A cancelled receiver
// task deletes its partial file.
func (m *Manager) Cancel(transferID string) error {
	if offer := m.takePending(transferID); offer != nil {
		offer.decisions <- decision{transferID: transferID, reason: "cancelled by receiver"}
		return nil
	}

	task, err := m.activeTask(transferID)
	if err != nil {
		return err
	}
	if !task.setCancelled() {
		return nil
	}
	m.sendControl(task, protocol.TypeCancel)

	if conn := task.currentConn(); conn != nil {
		_ = conn.Close()
	} else {
		m.finishTask(task, models.StatusCancelled, "")
	}
	return nil
}

// SendTasks lists active sender tasks, oldest first.
func (m *Manager) SendTasks() []models.TaskSnapshot {
	return snapshots(m.tasks(&m.sendMu, m.sendTasks))
}

// ReceiveTasks lists active receiver tasks, oldest first.
func (m *Manager) ReceiveTasks() []models.TaskSnapshot {
	return snapshots(m.tasks(&m.recvMu, m.recvTasks))
}

// PendingTransfers lists offers waiting for Accept or Reject.
func (m *Manager) PendingTransfers() []models.PendingTransfer {
	m.pendingMu.Lock()
	out := make([]models.PendingTransfer, 0, len(m.pending))
	for _, offer := range m.pending {
		out = append(out, offer.transfer)
	}
	m.pendingMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].Descriptor.TransferID < out[j].Descriptor.TransferID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

// Snapshot returns the state of an active or recently finished task.
func (m *Manager) Snapshot(transferID string) (models.TaskSnapshot, bool) {
	if task := m.lookup(transferID); task != nil {
		return task.Snapshot(), true
	}
	m.recentMu.Lock()
	defer m.recentMu.Unlock()
	snap, ok := m.recent[transferID]
	return snap, ok
}

func (m *Manager) tasks(mu *sync.Mutex, table map[string]*Task) []*Task {
	mu.Lock()
	defer mu.Unlock()
	out := make([]*Task, 0, len(table))
	for _, task := range table {
		out = append(out, task)
	}
	return out
}

func snapshots(tasks []*Task) []models.TaskSnapshot {
	out := make([]models.TaskSnapshot, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].Descriptor.TransferID < out[j].Descriptor.TransferID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

func (m *Manager) sendTask(transferID string) *Task {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return m.sendTasks[transferID]
}

func (m *Manager) recvTask(transferID string) *Task {
	m.recvMu.Lock()
	defer m.recvMu.Unlock()
	return m.recvTasks[transferID]
}

func (m *Manager) lookup(transferID string) *Task {
	if task := m.sendTask(transferID); task != nil {
		return task
	}
	return m.recvTask(transferID)
}

func (m *Manager) activeTask(transferID string) (*Task, error) {
	task := m.lookup(transferID)
	if task == nil {
		if _, ok := m.Snapshot(transferID); ok {
			return nil, ErrTerminal
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	if task.isTerminal() {
		return nil, ErrTerminal
	}
	return task, nil
}

// sendControl forwards PAUSE, RESUME or CANCEL to the peer over whatever
// connection the task currently has. Failures are logged only.
func (m *Manager) sendControl(task *Task, msgType string) {
	conn := task.peerConn()
	if conn == nil {
		return
	}
	m.sendControlOn(conn, task.ID(), msgType)
}

func (m *Manager) sendControlOn(conn *network.Conn, transferID, msgType string) {
	err := conn.Send(msgType, protocol.ControlPayload{
		SchemaVersion: protocol.SchemaVersion,
		TransferID:    transferID,
		Action:        strings.ToLower(msgType),
	})
	if err != nil {
		m.log.WithError(err).WithField("transfer_id", transferID).Debug("forward control message failed")
	}
}

// applyControlMessage handles a PAUSE, RESUME or CANCEL sent by the peer.
// owner is the task whose connection carried the message, if any.
func (m *Manager) applyControlMessage(msg protocol.Message, owner *Task) {
	var payload protocol.ControlPayload
	if err := msg.Bind(&payload); err != nil {
		m.log.WithError(err).Warn("drop malformed control message")
		return
	}

	task := owner
	if task == nil || task.ID() != payload.TransferID {
		task = m.lookup(payload.TransferID)
	}
	if task == nil {
		if msg.Type == protocol.TypeCancel {
			if offer := m.takePending(payload.TransferID); offer != nil {
				offer.decisions <- decision{transferID: payload.TransferID, reason: "cancelled by sender"}
				return
			}
		}
		m.log.WithFields(logrus.Fields{
			"transfer_id": payload.TransferID,
			"type":        msg.Type,
		}).Warn("control message for unknown transfer ignored")
		return
	}

	switch msg.Type {
	case protocol.TypePause:
		task.setPaused(true)
	case protocol.TypeResume:
		task.setPaused(false)
	case protocol.TypeCancel:
		if task.setCancelled() && task.currentConn() == nil {
			m.finishTask(task, models.StatusCancelled, "cancelled by peer")
		}
	}
}

func (m *Manager) sendError(conn *network.Conn, transferID, code, message string) {
	err := conn.Send(protocol.TypeError, protocol.ErrorPayload{
		SchemaVersion: protocol.SchemaVersion,
		TransferID:    transferID,
		Code:          code,
		Message:       message,
	})
	if err != nil {
		m.log.WithError(err).Debug("send error message failed")
	}
}

// finishTask moves task to a terminal status exactly once, removes it from
// its table, records it and fires the completion or error callback.
func (m *Manager) finishTask(task *Task, status models.TransferStatus, errMsg string) {
	if !task.finish(status, errMsg) {
		return
	}

	task.mu.Lock()
	task.control = nil
	partPath := task.partPath
	task.mu.Unlock()

	snap := task.Snapshot()
	id := snap.Descriptor.TransferID
	if task.role == models.RoleSender {
		m.sendMu.Lock()
		if m.sendTasks[id] == task {
			delete(m.sendTasks, id)
		}
		m.sendMu.Unlock()
	} else {
		m.recvMu.Lock()
		if m.recvTasks[id] == task {
			delete(m.recvTasks, id)
		}
		m.recvMu.Unlock()
		if status == models.StatusCancelled && partPath != "" {
			removePartial(partPath)
		}
	}
	m.remember(snap)
	m.record(snap)

	log := m.log.WithFields(logrus.Fields{
		"transfer_id": id,
		"role":        snap.Role,
		"status":      status,
	})
	switch status {
	case models.StatusCompleted:
		log.Info("transfer completed")
		m.emitComplete(snap)
	case models.StatusFailed:
		log.WithField("error", errMsg).Error("transfer failed")
		m.emitError(snap, errMsg)
	default:
		if errMsg == "" {
			errMsg = "transfer " + string(status)
		}
		log.Info("transfer ended")
		m.emitError(snap, errMsg)
	}
}

func (m *Manager) remember(snap models.TaskSnapshot) {
	m.recentMu.Lock()
	defer m.recentMu.Unlock()

	id := snap.Descriptor.TransferID
	if _, exists := m.recent[id]; !exists {
		m.recentOrder = append(m.recentOrder, id)
	}
	m.recent[id] = snap
	for len(m.recentOrder) > maxRecent {
		delete(m.recent, m.recentOrder[0])
		m.recentOrder = m.recentOrder[1:]
	}
}

func (m *Manager) record(snap models.TaskSnapshot) {
	if m.opts.Recorder == nil {
		return
	}
	if err := m.opts.Recorder.RecordTransfer(snap); err != nil {
		m.log.WithError(err).WithField("transfer_id", snap.Descriptor.TransferID).Warn("record transfer history failed")
	}
}

func (m *Manager) emitProgress(task *Task, rate float64) {
	snap := task.Snapshot()
	m.guard("progress", func() {
		m.opts.Events.OnProgress(snap, snap.Percent(), rate)
	})
}

func (m *Manager) emitComplete(snap models.TaskSnapshot) {
	m.guard("complete", func() {
		m.opts.Events.OnComplete(snap)
	})
}

func (m *Manager) emitError(snap models.TaskSnapshot, message string) {
	m.guard("error", func() {
		m.opts.Events.OnError(snap, message)
	})
}

// guard runs a callback and logs instead of propagating a panic.
func (m *Manager) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("callback", name).Errorf("event callback panic: %v", r)
		}
	}()
	fn()
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// permanentError marks a failure that reconnecting cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
