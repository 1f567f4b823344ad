package transfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lanshare/models"
	"lanshare/network"
	"lanshare/protocol"
)

// prepareConcurrency bounds parallel stat+hash work when offering files.
const prepareConcurrency = 4

// SendFiles offers the files at paths to peer in one request and returns one
// transfer id per file, in order. Transfers continue in the background.
func (m *Manager) SendFiles(peer models.PeerRecord, paths []string) ([]string, error) {
	if m.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if len(paths) == 0 {
		return nil, errors.New("no files to send")
	}
	if peer.Address == "" || peer.Port <= 0 || peer.Port > 65535 {
		return nil, fmt.Errorf("peer %s has no usable transfer address", peer.Identity)
	}

	descs, err := m.prepareFiles(paths)
	if err != nil {
		return nil, err
	}

	batchID := uuid.NewString()
	tasks := make([]*Task, 0, len(descs))
	ids := make([]string, 0, len(descs))
	m.sendMu.Lock()
	for _, desc := range descs {
		desc.BatchID = batchID
		task := newTask(models.RoleSender, desc, peer)
		m.sendTasks[desc.TransferID] = task
		tasks = append(tasks, task)
		ids = append(ids, desc.TransferID)
	}
	m.sendMu.Unlock()

	m.log.WithFields(logrus.Fields{
		"batch_id": batchID,
		"peer":     peer.Identity.String(),
		"files":    len(tasks),
	}).Info("offering files")

	m.wg.Add(1)
	go m.runBatch(peer, batchID, tasks)
	return ids, nil
}

// prepareFiles stats and hashes every path. Any unreadable path fails the
// whole call before anything is offered.
func (m *Manager) prepareFiles(paths []string) ([]models.FileDescriptor, error) {
	descs := make([]models.FileDescriptor, len(paths))

	group, _ := errgroup.WithContext(m.ctx)
	group.SetLimit(prepareConcurrency)
	for i, path := range paths {
		group.Go(func() error {
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("stat %s: %w", path, err)
			}
			if !info.Mode().IsRegular() {
				return fmt.Errorf("%s is not a regular file", path)
			}

			desc := models.FileDescriptor{
				FileID:         uuid.NewString(),
				TransferID:     uuid.NewString(),
				OwningDeviceID: m.opts.Identity.DeviceID,
				FileName:       filepath.Base(path),
				FileSize:       info.Size(),
				ChunkSize:      m.opts.ChunkSize,
				SourcePath:     path,
			}
			if !m.opts.DisableHash {
				sum, err := fileChecksumHex(path)
				if err != nil {
					return fmt.Errorf("hash %s: %w", path, err)
				}
				desc.ContentHash = sum
			}
			descs[i] = desc
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return descs, nil
}

// runBatch sends the request over a control connection and starts one data
// stream per accepted file as decisions arrive.
func (m *Manager) runBatch(peer models.PeerRecord, batchID string, tasks []*Task) {
	defer m.wg.Done()

	log := m.log.WithFields(logrus.Fields{"batch_id": batchID, "peer": peer.Identity.String()})
	conn, err := network.Dial(m.ctx, peerAddress(peer), m.opts.DialTimeout, m.opts.ChunkTimeout)
	if err != nil {
		log.WithError(err).Warn("connect for transfer request failed")
		for _, task := range tasks {
			m.finishTask(task, models.StatusFailed, "connect: "+err.Error())
		}
		return
	}
	batchDone := make(chan struct{})
	defer func() {
		close(batchDone)
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-m.ctx.Done():
			_ = conn.Close()
		case <-batchDone:
		}
	}()

	undecided := make(map[string]*Task, len(tasks))
	request := protocol.TransferRequestPayload{
		SchemaVersion: protocol.SchemaVersion,
		BatchID:       batchID,
		SenderID:      m.opts.Identity.DeviceID,
		SenderName:    m.opts.Identity.DisplayName,
	}
	for _, task := range tasks {
		task.mu.Lock()
		task.control = conn
		desc := task.desc
		task.mu.Unlock()

		undecided[desc.TransferID] = task
		request.Files = append(request.Files, protocol.FileEntry{
			TransferID: desc.TransferID,
			FileID:     desc.FileID,
			FileName:   desc.FileName,
			FileSize:   desc.FileSize,
			FileHash:   desc.ContentHash,
			ChunkSize:  desc.ChunkSize,
		})
	}
	defer func() {
		for _, task := range tasks {
			task.mu.Lock()
			if task.control == conn {
				task.control = nil
			}
			task.mu.Unlock()
		}
	}()

	if err := conn.Send(protocol.TypeTransferRequest, request); err != nil {
		for _, task := range tasks {
			m.finishTask(task, models.StatusFailed, "send request: "+err.Error())
		}
		return
	}

	deadline := time.Now().Add(m.opts.DecisionTimeout)
	for len(undecided) > 0 {
		wait := time.Until(deadline)
		if wait <= 0 {
			m.failUndecided(undecided, "no decision from receiver before timeout")
			return
		}

		msg, err := conn.NextMessage(wait)
		if errors.Is(err, protocol.ErrDecode) {
			log.WithError(err).Warn("drop malformed message")
			continue
		}
		if err != nil {
			reason := "request connection lost: " + err.Error()
			if network.IsTimeout(err) {
				reason = "no decision from receiver before timeout"
			}
			m.failUndecided(undecided, reason)
			return
		}

		switch msg.Type {
		case protocol.TypeTransferAccept, protocol.TypeTransferReject:
			var d protocol.TransferDecisionPayload
			if err := msg.Bind(&d); err != nil {
				log.WithError(err).Warn("drop malformed decision")
				continue
			}
			task, ok := undecided[d.TransferID]
			if !ok {
				continue
			}
			delete(undecided, d.TransferID)

			if msg.Type == protocol.TypeTransferReject || !d.Accepted {
				reason := d.Reason
				if reason == "" {
					reason = "rejected by receiver"
				}
				if task.isCancelled() {
					m.finishTask(task, models.StatusCancelled, "")
				} else {
					m.finishTask(task, models.StatusRejected, reason)
				}
				continue
			}
			if task.isCancelled() {
				m.finishTask(task, models.StatusCancelled, "")
				continue
			}
			log.WithField("transfer_id", d.TransferID).Info("file accepted")
			m.wg.Add(1)
			go m.sendFile(task)
		case protocol.TypePause, protocol.TypeResume, protocol.TypeCancel:
			m.applyControlMessage(msg, nil)
		case protocol.TypeError:
			var e protocol.ErrorPayload
			_ = msg.Bind(&e)
			log.WithFields(logrus.Fields{"code": e.Code, "message": e.Message}).Warn("receiver reported error")
		default:
			log.WithField("type", msg.Type).Debug("ignore message on request connection")
		}
	}
}

func (m *Manager) failUndecided(undecided map[string]*Task, reason string) {
	for _, task := range undecided {
		if task.isCancelled() {
			m.finishTask(task, models.StatusCancelled, "")
			continue
		}
		m.finishTask(task, models.StatusFailed, reason)
	}
}

// sendFile streams one accepted file, reconnecting with backoff after
// connection faults.
func (m *Manager) sendFile(task *Task) {
	defer m.wg.Done()

	log := m.log.WithField("transfer_id", task.ID())
	policy := m.opts.reconnectPolicy()
	for {
		err := m.streamFile(task)
		if err == nil || task.isTerminal() {
			return
		}

		switch {
		case task.isCancelled() || errors.Is(err, errCancelled):
			m.finishTask(task, models.StatusCancelled, "")
			return
		case m.ctx.Err() != nil:
			m.finishTask(task, models.StatusFailed, ErrClosed.Error())
			return
		case isPermanent(err):
			m.finishTask(task, models.StatusFailed, err.Error())
			return
		}

		delay := policy.NextBackOff()
		task.mu.Lock()
		attempts := task.reconnects
		task.mu.Unlock()
		if delay == backoff.Stop {
			m.finishTask(task, models.StatusFailed,
				fmt.Sprintf("connection lost after %d reconnect attempts: %v", attempts, err))
			return
		}

		task.mu.Lock()
		task.reconnects++
		task.mu.Unlock()
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempts + 1,
			"delay":   delay.String(),
		}).Warn("transfer connection lost, reconnecting")

		if !m.sleep(delay) {
			m.finishTask(task, models.StatusFailed, ErrClosed.Error())
			return
		}
		if task.isCancelled() {
			m.finishTask(task, models.StatusCancelled, "")
			return
		}
	}
}

// streamFile runs one data connection: FILE_INFO, chunks from the offset the
// receiver reports, COMPLETE and the ack. A nil return means the task ended.
func (m *Manager) streamFile(task *Task) error {
	if task.isTerminal() {
		return nil
	}
	desc := task.descriptor()

	conn, err := network.Dial(m.ctx, peerAddress(task.peer), m.opts.DialTimeout, m.opts.ChunkTimeout)
	if err != nil {
		return err
	}
	task.mu.Lock()
	task.conn = conn
	task.mu.Unlock()
	defer func() {
		_ = conn.Close()
		task.mu.Lock()
		if task.conn == conn {
			task.conn = nil
		}
		task.mu.Unlock()
	}()
	task.markTransferring()

	err = conn.Send(protocol.TypeFileInfo, protocol.FileInfoPayload{
		SchemaVersion: protocol.SchemaVersion,
		TransferID:    desc.TransferID,
		FileID:        desc.FileID,
		SenderID:      m.opts.Identity.DeviceID,
		FileName:      desc.FileName,
		FileSize:      desc.FileSize,
		FileHash:      desc.ContentHash,
		ChunkSize:     desc.ChunkSize,
		ResumeOffset:  task.bytesDone(),
	})
	if err != nil {
		return err
	}

	offset, err := m.awaitReady(task, conn)
	if err != nil {
		return err
	}
	task.setBytes(offset)
	if task.isPaused() {
		m.sendControl(task, protocol.TypePause)
	}

	file, err := os.Open(desc.SourcePath)
	if err != nil {
		return permanent(fmt.Errorf("open source file: %w", err))
	}
	defer func() {
		_ = file.Close()
	}()

	acks := make(chan protocol.CompleteAckPayload, 1)
	readerErr := make(chan error, 1)
	m.wg.Add(1)
	go m.readSenderReplies(task, conn, acks, readerErr)

	buf := make([]byte, desc.ChunkSize)
	step := func() (int64, bool, error) {
		select {
		case err := <-readerErr:
			return 0, false, err
		default:
		}

		pos := task.bytesDone()
		if pos >= desc.FileSize {
			return 0, true, nil
		}
		want := int64(len(buf))
		if remaining := desc.FileSize - pos; remaining < want {
			want = remaining
		}
		n, err := file.ReadAt(buf[:want], pos)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, false, permanent(fmt.Errorf("read source file: %w", err))
		}
		if n == 0 {
			return 0, false, permanent(errors.New("source file shrank during transfer"))
		}
		if err := conn.SendChunk(desc.TransferID, pos, buf[:n]); err != nil {
			return 0, false, err
		}
		total := task.addBytes(int64(n))
		return int64(n), total >= desc.FileSize, nil
	}

	if err := m.runLoop(chunkLoop{task: task, step: step, holdWhilePaused: true}); err != nil {
		return err
	}

	err = conn.Send(protocol.TypeComplete, protocol.CompletePayload{
		SchemaVersion: protocol.SchemaVersion,
		TransferID:    desc.TransferID,
		FileHash:      desc.ContentHash,
	})
	if err != nil {
		return err
	}

	timer := time.NewTimer(m.opts.AckTimeout)
	defer timer.Stop()
	select {
	case ack := <-acks:
		if err := ackError(ack); err != nil {
			return err
		}
	case err := <-readerErr:
		// The ack may already be queued behind the close.
		select {
		case ack := <-acks:
			if err := ackError(ack); err != nil {
				return err
			}
		default:
			if task.isCancelled() {
				return errCancelled
			}
			if isPermanent(err) {
				return err
			}
			m.log.WithField("transfer_id", desc.TransferID).Debug("connection closed before ack, treating as delivered")
		}
	case <-timer.C:
		m.log.WithField("transfer_id", desc.TransferID).Warn("no ack from receiver, treating as delivered")
	case <-m.ctx.Done():
		return ErrClosed
	}

	m.finishTask(task, models.StatusCompleted, "")
	return nil
}

// awaitReady reads the receiver's FILE_READY and returns the offset to
// continue from.
func (m *Manager) awaitReady(task *Task, conn *network.Conn) (int64, error) {
	size := task.descriptor().FileSize
	for {
		msg, err := conn.NextMessage(m.opts.ChunkTimeout)
		if errors.Is(err, protocol.ErrDecode) {
			continue
		}
		if err != nil {
			return 0, err
		}

		switch msg.Type {
		case protocol.TypeFileReady:
			var ready protocol.FileReadyPayload
			if err := msg.Bind(&ready); err != nil {
				return 0, err
			}
			offset := ready.ResumeOffset
			if offset < 0 || offset > size {
				offset = 0
			}
			return offset, nil
		case protocol.TypeError:
			var e protocol.ErrorPayload
			_ = msg.Bind(&e)
			return 0, permanent(fmt.Errorf("receiver error %s: %s", e.Code, e.Message))
		case protocol.TypePause, protocol.TypeResume, protocol.TypeCancel:
			m.applyControlMessage(msg, task)
			if task.isCancelled() {
				return 0, errCancelled
			}
		default:
			return 0, fmt.Errorf("unexpected %s before FILE_READY", msg.Type)
		}
	}
}

// readSenderReplies reads what the receiver sends while chunks flow out:
// control messages, errors and the final ack.
func (m *Manager) readSenderReplies(task *Task, conn *network.Conn, acks chan<- protocol.CompleteAckPayload, errs chan<- error) {
	defer m.wg.Done()

	for {
		msg, err := conn.NextMessage(0)
		if errors.Is(err, protocol.ErrDecode) {
			continue
		}
		if err != nil {
			errs <- err
			return
		}

		switch msg.Type {
		case protocol.TypeCompleteAck:
			var ack protocol.CompleteAckPayload
			if err := msg.Bind(&ack); err != nil {
				continue
			}
			select {
			case acks <- ack:
			default:
			}
		case protocol.TypePause, protocol.TypeResume, protocol.TypeCancel:
			m.applyControlMessage(msg, task)
		case protocol.TypeError:
			var e protocol.ErrorPayload
			_ = msg.Bind(&e)
			errs <- permanent(fmt.Errorf("receiver error %s: %s", e.Code, e.Message))
			return
		}
	}
}

func ackError(ack protocol.CompleteAckPayload) error {
	if ack.Success {
		return nil
	}
	reason := ack.Reason
	if reason == "" {
		reason = "receiver could not verify file"
	}
	return permanent(errors.New(reason))
}

func peerAddress(peer models.PeerRecord) string {
	return net.JoinHostPort(peer.Address, strconv.Itoa(peer.Port))
}
