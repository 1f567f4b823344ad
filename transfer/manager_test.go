package transfer

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"lanshare/models"
	"lanshare/network"
	"lanshare/protocol"
)

type recordingEvents struct {
	autoAccept bool
	progress   func(snap models.TaskSnapshot, percent float64)

	mu        sync.Mutex
	requests  int
	completed map[string]int
	failures  map[string]string
	last      map[string]models.TaskSnapshot
}

func newRecordingEvents(autoAccept bool) *recordingEvents {
	return &recordingEvents{
		autoAccept: autoAccept,
		completed:  make(map[string]int),
		failures:   make(map[string]string),
		last:       make(map[string]models.TaskSnapshot),
	}
}

func (e *recordingEvents) OnTransferRequest(models.DeviceIdentity, []models.FileDescriptor) bool {
	e.mu.Lock()
	e.requests++
	e.mu.Unlock()
	return e.autoAccept
}

func (e *recordingEvents) OnProgress(snap models.TaskSnapshot, percent float64, _ float64) {
	if e.progress != nil {
		e.progress(snap, percent)
	}
}

func (e *recordingEvents) OnComplete(snap models.TaskSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed[snap.Descriptor.TransferID]++
	e.last[snap.Descriptor.TransferID] = snap
}

func (e *recordingEvents) OnError(snap models.TaskSnapshot, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[snap.Descriptor.TransferID] = message
	e.last[snap.Descriptor.TransferID] = snap
}

func (e *recordingEvents) completions(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed[id]
}

func (e *recordingEvents) failure(id string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	msg, ok := e.failures[id]
	return msg, ok
}

type testPeer struct {
	manager *Manager
	server  *network.Server
	events  *recordingEvents
	saveDir string
	id      models.DeviceIdentity
}

func newTestPeer(t *testing.T, deviceID string, events *recordingEvents, tweak func(*Options)) *testPeer {
	t.Helper()

	identity := models.DeviceIdentity{DeviceID: deviceID, DisplayName: "Peer " + deviceID}
	saveDir := filepath.Join(t.TempDir(), "received")
	opts := Options{
		Identity:         identity,
		SaveDir:          saveDir,
		TempDir:          filepath.Join(t.TempDir(), "tmp"),
		ChunkSize:        64 * 1024,
		ChunkTimeout:     5 * time.Second,
		AckTimeout:       3 * time.Second,
		ProgressInterval: 5 * time.Millisecond,
		Events:           events,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(50 * time.Millisecond)
		},
	}
	if tweak != nil {
		tweak(&opts)
	}

	manager, err := New(opts)
	if err != nil {
		t.Fatalf("New manager failed: %v", err)
	}
	server, err := network.Listen(network.ServerOptions{
		Address:   "127.0.0.1:0",
		IOTimeout: opts.ChunkTimeout,
	}, manager.HandleConn)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	peer := &testPeer{manager: manager, server: server, events: events, saveDir: saveDir, id: identity}
	t.Cleanup(func() {
		manager.Close()
		_ = server.Close()
	})
	return peer
}

func (p *testPeer) record() models.PeerRecord {
	return models.PeerRecord{
		Identity: p.id,
		Address:  "127.0.0.1",
		Port:     p.server.Port(),
		LastSeen: time.Now(),
	}
}

func (p *testPeer) status(id string) models.TransferStatus {
	snap, ok := p.manager.Snapshot(id)
	if !ok {
		return ""
	}
	return snap.Descriptor.Status
}

func createFixtureFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(int64(size)))
	_, _ = rng.Read(data)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fixture failed: %v", err)
	}
	return path
}

func assertSameFile(t *testing.T, gotPath, wantPath string) {
	t.Helper()
	got, err := os.ReadFile(gotPath)
	if err != nil {
		t.Fatalf("read received file failed: %v", err)
	}
	want, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("read source file failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("received file differs from source: got %d bytes, want %d", len(got), len(want))
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func TestNewRequiresIdentity(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without device id")
	}
}

func TestControlOnUnknownTransfer(t *testing.T) {
	receiver := newTestPeer(t, "receiver", newRecordingEvents(true), nil)

	for _, op := range []func(string) error{
		receiver.manager.Pause,
		receiver.manager.Resume,
		receiver.manager.Cancel,
		receiver.manager.Accept,
	} {
		if err := op("missing"); !errors.Is(err, ErrUnknownTransfer) {
			t.Fatalf("expected ErrUnknownTransfer, got %v", err)
		}
	}

	conn, err := network.Dial(t.Context(), receiver.server.Addr().String(), time.Second, time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	err = conn.Send(protocol.TypePause, protocol.ControlPayload{
		SchemaVersion: protocol.SchemaVersion,
		TransferID:    "missing",
		Action:        "pause",
	})
	if err != nil {
		t.Fatalf("send pause failed: %v", err)
	}

	// The stray control message is dropped and the manager keeps serving.
	time.Sleep(50 * time.Millisecond)
	if got := len(receiver.manager.ReceiveTasks()); got != 0 {
		t.Fatalf("expected no receive tasks, got %d", got)
	}
}

func TestSendFilesValidatesInput(t *testing.T) {
	sender := newTestPeer(t, "sender", newRecordingEvents(false), nil)
	peer := models.PeerRecord{Identity: models.DeviceIdentity{DeviceID: "x"}, Address: "127.0.0.1", Port: 1}

	if _, err := sender.manager.SendFiles(peer, nil); err == nil {
		t.Fatal("expected error for empty path list")
	}
	if _, err := sender.manager.SendFiles(peer, []string{filepath.Join(t.TempDir(), "missing.bin")}); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := sender.manager.SendFiles(peer, []string{t.TempDir()}); err == nil {
		t.Fatal("expected error for directory")
	}
	if got := len(sender.manager.SendTasks()); got != 0 {
		t.Fatalf("expected no tasks after failed SendFiles, got %d", got)
	}
}

func TestSendToUnreachablePeerFails(t *testing.T) {
	events := newRecordingEvents(false)
	sender := newTestPeer(t, "sender", events, func(o *Options) {
		o.DialTimeout = 500 * time.Millisecond
	})

	// Grab a free port and release it so nothing listens there.
	probe, err := network.Listen(network.ServerOptions{Address: "127.0.0.1:0"}, func(*network.Conn) {})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	port := probe.Port()
	_ = probe.Close()

	source := createFixtureFile(t, t.TempDir(), "lost.bin", 1024)
	ids, err := sender.manager.SendFiles(models.PeerRecord{
		Identity: models.DeviceIdentity{DeviceID: "ghost"},
		Address:  "127.0.0.1",
		Port:     port,
	}, []string{source})
	if err != nil {
		t.Fatalf("SendFiles failed: %v", err)
	}

	waitForCondition(t, 5*time.Second, func() bool {
		return sender.status(ids[0]) == models.StatusFailed
	})
	if _, ok := events.failure(ids[0]); !ok {
		t.Fatal("expected error callback for unreachable peer")
	}
	if got := len(sender.manager.SendTasks()); got != 0 {
		t.Fatalf("failed task still listed as active: %d", got)
	}
}

func TestCallbackPanicDoesNotStopTransfer(t *testing.T) {
	events := newRecordingEvents(false)
	events.progress = func(models.TaskSnapshot, float64) {
		panic("boom")
	}
	sender := newTestPeer(t, "sender", events, nil)
	receiver := newTestPeer(t, "receiver", newRecordingEvents(true), nil)

	source := createFixtureFile(t, t.TempDir(), "panic.bin", 256*1024)
	ids, err := sender.manager.SendFiles(receiver.record(), []string{source})
	if err != nil {
		t.Fatalf("SendFiles failed: %v", err)
	}
	waitForCondition(t, 10*time.Second, func() bool {
		return events.completions(ids[0]) == 1
	})
}

func TestRecorderReceivesTerminalTasks(t *testing.T) {
	recorder := &memoryRecorder{}
	sender := newTestPeer(t, "sender", newRecordingEvents(false), func(o *Options) {
		o.Recorder = recorder
	})
	receiver := newTestPeer(t, "receiver", newRecordingEvents(true), func(o *Options) {
		o.Recorder = recorder
	})

	source := createFixtureFile(t, t.TempDir(), "history.bin", 32*1024)
	ids, err := sender.manager.SendFiles(receiver.record(), []string{source})
	if err != nil {
		t.Fatalf("SendFiles failed: %v", err)
	}
	waitForCondition(t, 10*time.Second, func() bool {
		return recorder.count(ids[0]) == 2
	})
}

type memoryRecorder struct {
	mu    sync.Mutex
	items []models.TaskSnapshot
}

func (r *memoryRecorder) RecordTransfer(snap models.TaskSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, snap)
	return nil
}

func (r *memoryRecorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, item := range r.items {
		if item.Descriptor.TransferID == id {
			n++
		}
	}
	return n
}
