package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"lanshare/models"
	"lanshare/network"
	"lanshare/protocol"
)

// pendingOffer is one offered file waiting for the local user.
type pendingOffer struct {
	transfer  models.PendingTransfer
	peer      models.PeerRecord
	decisions chan<- decision
	// finished closes when the request connection handler returns.
	finished <-chan struct{}
}

type decision struct {
	transferID string
	accept     bool
	reason     string
	// applied, when set, closes once the decision was answered.
	applied chan struct{}
}

func (d decision) settle() {
	if d.applied != nil {
		close(d.applied)
	}
}

// Accept accepts a pending offer. It returns once the receiver task exists,
// so the task can be paused or cancelled right away. The sender opens the
// data stream next.
func (m *Manager) Accept(transferID string) error {
	offer := m.takePending(transferID)
	if offer == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	applied := make(chan struct{})
	offer.decisions <- decision{transferID: transferID, accept: true, applied: applied}

	timer := time.NewTimer(m.opts.ChunkTimeout)
	defer timer.Stop()
	select {
	case <-applied:
		return nil
	case <-offer.finished:
		select {
		case <-applied:
			return nil
		default:
			return fmt.Errorf("%w: %s: request closed before accept", ErrUnknownTransfer, transferID)
		}
	case <-m.ctx.Done():
		return ErrClosed
	case <-timer.C:
		m.log.WithField("transfer_id", transferID).Warn("accept still queued")
		return nil
	}
}

// Reject declines a pending offer with an optional reason.
func (m *Manager) Reject(transferID, reason string) error {
	offer := m.takePending(transferID)
	if offer == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "rejected by receiver"
	}
	offer.decisions <- decision{transferID: transferID, reason: reason}
	return nil
}

func (m *Manager) takePending(transferID string) *pendingOffer {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	offer, ok := m.pending[transferID]
	if !ok {
		return nil
	}
	delete(m.pending, transferID)
	return offer
}

// serveRequest answers one TRANSFER_REQUEST. The connection stays open until
// every offered file has been accepted or rejected.
func (m *Manager) serveRequest(conn *network.Conn, msg protocol.Message) {
	var req protocol.TransferRequestPayload
	if err := msg.Bind(&req); err != nil {
		m.sendError(conn, "", "bad_request", err.Error())
		return
	}

	peer := models.PeerRecord{
		Identity: models.DeviceIdentity{DeviceID: req.SenderID, DisplayName: req.SenderName},
		Address:  conn.RemoteIP(),
		LastSeen: time.Now(),
	}
	log := m.log.WithFields(logrus.Fields{"batch_id": req.BatchID, "peer": peer.Identity.String()})

	finished := make(chan struct{})
	defer close(finished)
	decisions := make(chan decision, len(req.Files))
	offers := make(map[string]*pendingOffer, len(req.Files))
	files := make([]models.FileDescriptor, 0, len(req.Files))
	now := time.Now()
	for _, entry := range req.Files {
		if entry.TransferID == "" || entry.FileSize < 0 || offers[entry.TransferID] != nil {
			log.WithField("transfer_id", entry.TransferID).Warn("skip invalid file entry")
			continue
		}
		desc := models.FileDescriptor{
			FileID:         entry.FileID,
			TransferID:     entry.TransferID,
			BatchID:        req.BatchID,
			OwningDeviceID: req.SenderID,
			FileName:       sanitizeFileName(entry.FileName),
			FileSize:       entry.FileSize,
			ContentHash:    strings.ToLower(entry.FileHash),
			ChunkSize:      models.ClampChunkSize(entry.ChunkSize),
			Status:         models.StatusPending,
		}
		offers[desc.TransferID] = &pendingOffer{
			transfer:  models.PendingTransfer{Descriptor: desc, Peer: peer.Identity, ReceivedAt: now},
			peer:      peer,
			decisions: decisions,
			finished:  finished,
		}
		files = append(files, desc)
	}
	if len(offers) == 0 {
		return
	}
	log.WithField("files", len(files)).Info("incoming transfer request")

	auto := false
	m.guard("request", func() {
		auto = m.opts.Events.OnTransferRequest(peer.Identity, files)
	})
	if auto {
		for id := range offers {
			decisions <- decision{transferID: id, accept: true}
		}
	} else {
		m.pendingMu.Lock()
		for id, offer := range offers {
			m.pending[id] = offer
		}
		m.pendingMu.Unlock()
	}

	// The sender may cancel offers while they wait; a closed connection
	// withdraws whatever is still undecided.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			msg, err := conn.NextMessage(0)
			if errors.Is(err, protocol.ErrDecode) {
				continue
			}
			if err != nil {
				return
			}
			if protocol.IsControl(msg.Type) {
				m.applyControlMessage(msg, nil)
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		<-readerDone
	}()

	remaining := len(offers)
	for remaining > 0 {
		select {
		case d := <-decisions:
			remaining--
			m.answer(conn, offers[d.transferID], d)
		case <-readerDone:
			m.withdraw(offers, decisions, "sender closed the request")
			return
		case <-m.ctx.Done():
			m.withdraw(offers, decisions, ErrClosed.Error())
			return
		}
	}
}

// withdraw drops offers still pending after the request connection ended.
func (m *Manager) withdraw(offers map[string]*pendingOffer, decisions <-chan decision, reason string) {
	for id, offer := range offers {
		if m.takePending(id) == nil {
			continue
		}
		m.recordRejected(offer, reason)
	}
	for {
		select {
		case d := <-decisions:
			m.recordRejected(offers[d.transferID], reason)
			d.settle()
		default:
			return
		}
	}
}

// answer sends the decision for one offer and, on accept, creates the
// receiver task the data stream will attach to.
func (m *Manager) answer(conn *network.Conn, offer *pendingOffer, d decision) {
	defer d.settle()
	id := d.transferID
	log := m.log.WithField("transfer_id", id)

	if d.accept {
		_, err := m.createReceiveTask(offer, conn)
		if err == nil {
			err = conn.Send(protocol.TypeTransferAccept, protocol.TransferDecisionPayload{
				SchemaVersion: protocol.SchemaVersion,
				TransferID:    id,
				FileID:        offer.transfer.Descriptor.FileID,
				Accepted:      true,
				ReceiverID:    m.opts.Identity.DeviceID,
				ReceiverName:  m.opts.Identity.DisplayName,
			})
			if err != nil {
				log.WithError(err).Warn("send accept failed")
			}
			log.Info("file accepted")
			return
		}

		log.WithError(err).Error("cannot receive file")
		d.reason = err.Error()
		snap := m.rejectedSnapshot(offer, models.StatusFailed, d.reason)
		m.remember(snap)
		m.record(snap)
		m.emitError(snap, d.reason)
	} else {
		m.recordRejected(offer, d.reason)
	}

	err := conn.Send(protocol.TypeTransferReject, protocol.TransferDecisionPayload{
		SchemaVersion: protocol.SchemaVersion,
		TransferID:    id,
		FileID:        offer.transfer.Descriptor.FileID,
		ReceiverID:    m.opts.Identity.DeviceID,
		ReceiverName:  m.opts.Identity.DisplayName,
		Reason:        d.reason,
	})
	if err != nil {
		log.WithError(err).Debug("send reject failed")
	}
}

func (m *Manager) rejectedSnapshot(offer *pendingOffer, status models.TransferStatus, reason string) models.TaskSnapshot {
	desc := offer.transfer.Descriptor
	desc.Status = status
	now := time.Now()
	return models.TaskSnapshot{
		Descriptor: desc,
		Peer:       offer.peer.Identity,
		Role:       models.RoleReceiver,
		StartTime:  offer.transfer.ReceivedAt,
		EndTime:    now,
		LastError:  reason,
	}
}

func (m *Manager) recordRejected(offer *pendingOffer, reason string) {
	snap := m.rejectedSnapshot(offer, models.StatusRejected, reason)
	m.remember(snap)
	m.record(snap)
	m.log.WithFields(logrus.Fields{
		"transfer_id": snap.Descriptor.TransferID,
		"reason":      reason,
	}).Info("file rejected")
}

// createReceiveTask picks the save directory and part path for an accepted
// offer. The save directory falls back to the temp directory.
func (m *Manager) createReceiveTask(offer *pendingOffer, control *network.Conn) (*Task, error) {
	desc := offer.transfer.Descriptor
	log := m.log.WithField("transfer_id", desc.TransferID)

	dir := m.opts.SaveDir
	if err := usableDir(dir); err != nil {
		log.WithError(err).WithField("dir", dir).Warn("save directory unusable, falling back to temp directory")
		dir = m.opts.TempDir
		if err := usableDir(dir); err != nil {
			return nil, fmt.Errorf("no writable directory for %s: %w", desc.FileName, err)
		}
	}
	desc.SavePath = filepath.Join(dir, desc.FileName)

	m.recvMu.Lock()
	if _, exists := m.recvTasks[desc.TransferID]; exists {
		m.recvMu.Unlock()
		return nil, fmt.Errorf("transfer %s is already active", desc.TransferID)
	}
	partPath := desc.SavePath + partSuffix
	for _, other := range m.recvTasks {
		if other.partPath == partPath {
			partPath = desc.SavePath + "." + desc.TransferID + partSuffix
			break
		}
	}
	task := newTask(models.RoleReceiver, desc, offer.peer)
	task.partPath = partPath
	task.sidecarPath = sidecarPathFor(partPath)
	task.expectHash = desc.ContentHash
	task.control = control
	m.recvTasks[desc.TransferID] = task
	m.recvMu.Unlock()

	m.armGrace(task)
	return task, nil
}

// serveData runs one data connection for an accepted file.
func (m *Manager) serveData(conn *network.Conn, msg protocol.Message) {
	var info protocol.FileInfoPayload
	if err := msg.Bind(&info); err != nil {
		m.sendError(conn, "", "bad_request", err.Error())
		return
	}

	log := m.log.WithField("transfer_id", info.TransferID)
	task := m.recvTask(info.TransferID)
	if task == nil || task.isTerminal() {
		if m.cancelledHere(info.TransferID) {
			log.Info("data stream for cancelled transfer")
			m.sendControlOn(conn, info.TransferID, protocol.TypeCancel)
			return
		}
		log.Warn("data stream for unknown transfer")
		m.sendError(conn, info.TransferID, "unknown_transfer", "no accepted transfer with this id")
		return
	}
	desc := task.descriptor()
	if info.FileSize != desc.FileSize {
		m.sendError(conn, info.TransferID, "size_mismatch",
			fmt.Sprintf("offered %d bytes, stream declares %d", desc.FileSize, info.FileSize))
		return
	}

	// A reconnect replaces the previous stream; wait until it has let go of
	// the part file.
	task.mu.Lock()
	prevConn, prevDone := task.conn, task.loopDone
	done := make(chan struct{})
	task.conn = conn
	task.loopDone = done
	task.generation++
	task.mu.Unlock()
	defer close(done)
	if prevConn != nil {
		_ = prevConn.Close()
	}
	if prevDone != nil {
		select {
		case <-prevDone:
		case <-m.ctx.Done():
			return
		}
	}
	if task.isTerminal() {
		return
	}

	hash := strings.ToLower(info.FileHash)
	if hash == "" {
		hash = task.expectHash
	} else {
		task.mu.Lock()
		task.expectHash = hash
		task.desc.ContentHash = hash
		task.mu.Unlock()
	}

	offset, err := resumeOffset(task.partPath, desc.TransferID, desc.FileName, desc.FileSize, hash)
	if err != nil {
		m.sendError(conn, desc.TransferID, "write_failed", err.Error())
		m.failReceiver(task, err.Error(), false)
		return
	}
	task.setBytes(offset)
	task.markTransferring()
	m.saveSidecar(task, false)

	file, err := os.OpenFile(task.partPath, os.O_WRONLY, 0o600)
	if err != nil {
		m.sendError(conn, desc.TransferID, "write_failed", err.Error())
		m.failReceiver(task, "open partial file: "+err.Error(), false)
		return
	}
	defer func() {
		_ = file.Close()
	}()

	err = conn.Send(protocol.TypeFileReady, protocol.FileReadyPayload{
		SchemaVersion: protocol.SchemaVersion,
		TransferID:    desc.TransferID,
		ResumeOffset:  offset,
	})
	if err == nil {
		log.WithField("offset", offset).Info("receiving file")
		if task.isPaused() {
			m.sendControl(task, protocol.TypePause)
		}
	}

	var complete *protocol.CompletePayload
	if err == nil {
		buf := make([]byte, desc.ChunkSize)
		step := func() (int64, bool, error) {
			return m.receiveStep(task, conn, file, &buf, &complete)
		}
		err = m.runLoop(chunkLoop{task: task, step: step})
	}

	switch {
	case task.isTerminal():
	case err == nil && complete != nil:
		_ = file.Close()
		m.verify(task, conn, *complete)
	case task.isCancelled() || errors.Is(err, errCancelled):
		_ = file.Close()
		m.finishTask(task, models.StatusCancelled, "")
	default:
		m.saveSidecar(task, false)
		task.mu.Lock()
		if task.conn == conn {
			task.conn = nil
		}
		task.mu.Unlock()
		log.WithError(err).WithField("received", task.bytesDone()).Warn("data stream interrupted, waiting for sender to reconnect")
		m.armGrace(task)
	}
}

// cancelledHere reports whether the local user cancelled the receiver task
// for transferID.
func (m *Manager) cancelledHere(transferID string) bool {
	snap, ok := m.Snapshot(transferID)
	return ok && snap.Role == models.RoleReceiver && snap.Descriptor.Status == models.StatusCancelled
}

// receiveStep consumes one frame from the data stream.
func (m *Manager) receiveStep(task *Task, conn *network.Conn, file *os.File, buf *[]byte, complete **protocol.CompletePayload) (int64, bool, error) {
	frame, err := conn.Next()
	if err != nil {
		if errors.Is(err, protocol.ErrDecode) {
			return 0, false, nil
		}
		if network.IsTimeout(err) && task.isPaused() {
			return 0, false, nil
		}
		return 0, false, err
	}

	if msg := frame.Message; msg != nil {
		switch msg.Type {
		case protocol.TypeComplete:
			var payload protocol.CompletePayload
			if err := msg.Bind(&payload); err != nil {
				return 0, false, nil
			}
			*complete = &payload
			return 0, true, nil
		case protocol.TypePause, protocol.TypeResume, protocol.TypeCancel:
			m.applyControlMessage(*msg, task)
		case protocol.TypeError:
			var e protocol.ErrorPayload
			_ = msg.Bind(&e)
			m.log.WithFields(logrus.Fields{
				"transfer_id": task.ID(),
				"code":        e.Code,
				"message":     e.Message,
			}).Warn("sender reported error")
		}
		return 0, false, nil
	}

	return m.writeChunk(task, conn, file, buf, *frame.Chunk)
}

// writeChunk applies one chunk to the part file. Duplicates and bad chunks
// are skipped; a chunk past the expected offset aborts the stream so the
// sender resumes from what was actually written.
func (m *Manager) writeChunk(task *Task, conn *network.Conn, file *os.File, buf *[]byte, h protocol.ChunkHeader) (int64, bool, error) {
	desc := task.descriptor()
	log := m.log.WithField("transfer_id", desc.TransferID)

	skip := func(reason string) (int64, bool, error) {
		log.WithFields(logrus.Fields{"offset": h.Offset, "length": h.Length}).Debug(reason)
		return 0, false, conn.DiscardChunk(&h)
	}

	if h.TransferID != desc.TransferID {
		return skip("drop chunk for another transfer")
	}
	if err := h.Validate(models.MaxChunkSize); err != nil {
		return skip("drop oversized chunk")
	}
	if h.End() > uint64(desc.FileSize) {
		return skip("drop chunk beyond end of file")
	}

	expected := uint64(task.bytesDone())
	if h.Offset > expected {
		return 0, false, fmt.Errorf("%w: got offset %d, expected %d", ErrGap, h.Offset, expected)
	}
	if h.End() <= expected {
		return skip("drop duplicate chunk")
	}

	if cap(*buf) < int(h.Length) {
		*buf = make([]byte, h.Length)
	}
	data := (*buf)[:h.Length]
	if err := conn.ReadChunkData(data); err != nil {
		return 0, false, err
	}

	fresh := data[expected-h.Offset:]
	n, err := file.WriteAt(fresh, int64(expected))
	if err != nil {
		m.sendError(conn, desc.TransferID, "write_failed", err.Error())
		m.failReceiver(task, "write partial file: "+err.Error(), false)
		return 0, false, permanent(err)
	}
	task.addBytes(int64(n))
	return int64(n), false, nil
}

// verify checks the finished part file against the declared hash, moves it
// into place and acknowledges the result.
func (m *Manager) verify(task *Task, conn *network.Conn, complete protocol.CompletePayload) {
	desc := task.descriptor()
	log := m.log.WithField("transfer_id", desc.TransferID)

	ack := func(success bool, reason string) {
		err := conn.Send(protocol.TypeCompleteAck, protocol.CompleteAckPayload{
			SchemaVersion: protocol.SchemaVersion,
			TransferID:    desc.TransferID,
			Success:       success,
			Reason:        reason,
		})
		if err != nil {
			log.WithError(err).Debug("send ack failed")
		}
	}

	if got := task.bytesDone(); got < desc.FileSize {
		reason := fmt.Sprintf("incomplete file: received %d of %d bytes", got, desc.FileSize)
		m.failReceiver(task, reason, false)
		ack(false, reason)
		return
	}

	actual, err := fileChecksumHex(task.partPath)
	if err != nil {
		m.failReceiver(task, err.Error(), false)
		ack(false, err.Error())
		return
	}
	declared := strings.ToLower(complete.FileHash)
	if declared == "" {
		task.mu.Lock()
		declared = task.expectHash
		task.mu.Unlock()
	}
	if declared != "" && declared != actual {
		reason := fmt.Sprintf("%v: expected %s, got %s", ErrHashMismatch, declared, actual)
		m.failReceiver(task, reason, true)
		ack(false, reason)
		return
	}

	final := availablePath(filepath.Dir(desc.SavePath), filepath.Base(desc.SavePath))
	if err := os.Rename(task.partPath, final); err != nil {
		reason := "move completed file: " + err.Error()
		m.failReceiver(task, reason, false)
		ack(false, reason)
		return
	}
	_ = os.Remove(task.sidecarPath)

	task.mu.Lock()
	task.desc.SavePath = final
	task.desc.ContentHash = actual
	task.mu.Unlock()

	ack(true, "")
	log.WithField("path", final).Info("file saved")
	m.finishTask(task, models.StatusCompleted, "")
}

// failReceiver fails a receiver task and keeps the part file and sidecar so
// a later offer of the same file can resume.
func (m *Manager) failReceiver(task *Task, reason string, verifyFailed bool) {
	if task.isTerminal() {
		return
	}
	m.saveSidecar(task, verifyFailed)
	m.finishTask(task, models.StatusFailed, reason)
}

func (m *Manager) saveSidecar(task *Task, verifyFailed bool) {
	task.mu.Lock()
	state := resumeState{
		FileName:     task.desc.FileName,
		FileSize:     task.desc.FileSize,
		ContentHash:  task.expectHash,
		ReceivedSize: task.bytes,
		TransferID:   task.desc.TransferID,
		VerifyFailed: verifyFailed,
	}
	path := task.sidecarPath
	task.mu.Unlock()

	if path == "" {
		return
	}
	if err := saveResumeState(path, state); err != nil {
		m.log.WithError(err).WithField("transfer_id", state.TransferID).Warn("save resume state failed")
	}
}

// armGrace fails the task if no data stream attaches within ReconnectGrace.
func (m *Manager) armGrace(task *Task) {
	task.mu.Lock()
	gen := task.generation
	task.mu.Unlock()

	time.AfterFunc(m.opts.ReconnectGrace, func() {
		if m.ctx.Err() != nil {
			return
		}
		task.mu.Lock()
		stale := task.generation != gen || task.conn != nil
		task.mu.Unlock()
		if stale || task.isTerminal() {
			return
		}
		if task.isCancelled() {
			m.finishTask(task, models.StatusCancelled, "")
			return
		}
		m.failReceiver(task, "sender did not reconnect in time", false)
	})
}
