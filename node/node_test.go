package node

import (
	"bytes"
	"errors"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"lanshare/models"
	"lanshare/storage"
	"lanshare/transfer"
)

type recordingCollaborator struct {
	BaseCollaborator

	autoAccept      bool
	panicOnProgress bool

	mu        sync.Mutex
	found     map[string]models.PeerRecord
	requests  int
	completed map[string]bool
	errors    []string
	errorIDs  []string
}

func newRecordingCollaborator(autoAccept bool) *recordingCollaborator {
	return &recordingCollaborator{
		autoAccept: autoAccept,
		found:      make(map[string]models.PeerRecord),
		completed:  make(map[string]bool),
	}
}

func (c *recordingCollaborator) OnDeviceFound(peer models.PeerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.found[peer.DeviceID()] = peer
}

func (c *recordingCollaborator) OnTransferRequest(models.PeerRecord, []models.FileDescriptor) bool {
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()
	return c.autoAccept
}

func (c *recordingCollaborator) OnProgress(models.FileDescriptor, float64, float64) {
	if c.panicOnProgress {
		panic("progress observer exploded")
	}
}

func (c *recordingCollaborator) OnComplete(file models.FileDescriptor, isSender bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed[file.TransferID] = isSender
}

func (c *recordingCollaborator) OnError(file models.FileDescriptor, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, message)
	c.errorIDs = append(c.errorIDs, file.TransferID)
}

func (c *recordingCollaborator) sawDevice(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.found[deviceID]
	return ok
}

func (c *recordingCollaborator) completion(transferID string) (isSender bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	isSender, ok = c.completed[transferID]
	return isSender, ok
}

func (c *recordingCollaborator) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors)
}

func (c *recordingCollaborator) lastError() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errors) == 0 {
		return "", ""
	}
	return c.errorIDs[len(c.errorIDs)-1], c.errors[len(c.errors)-1]
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("allocate udp port failed: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func testOptions(t *testing.T, deviceID string, discoveryPort int, targets []string) Options {
	t.Helper()
	return Options{
		Identity:          models.DeviceIdentity{DeviceID: deviceID, DisplayName: "Device " + deviceID},
		ListenAddress:     "127.0.0.1",
		TransferPort:      -1,
		DiscoveryPort:     discoveryPort,
		BroadcastInterval: 100 * time.Millisecond,
		Targets:           targets,
		Transfer: transfer.Options{
			SaveDir:          filepath.Join(t.TempDir(), "received"),
			TempDir:          filepath.Join(t.TempDir(), "tmp"),
			ChunkSize:        32 * 1024,
			ChunkTimeout:     5 * time.Second,
			AckTimeout:       3 * time.Second,
			ProgressInterval: 5 * time.Millisecond,
		},
	}
}

func startNode(t *testing.T, opts Options, collab Collaborator) *Node {
	t.Helper()
	n, err := New(opts, collab)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !n.Start() {
		t.Fatal("Start failed")
	}
	t.Cleanup(n.Stop)
	return n
}

// startPair starts two nodes that announce to each other over loopback.
func startPair(t *testing.T, sender, receiver *recordingCollaborator, tweak func(a, b *Options)) (*Node, *Node) {
	t.Helper()
	portA := freeUDPPort(t)
	portB := freeUDPPort(t)
	optsA := testOptions(t, "node-a", portA, []string{"127.0.0.1:" + strconv.Itoa(portB)})
	optsB := testOptions(t, "node-b", portB, []string{"127.0.0.1:" + strconv.Itoa(portA)})
	if tweak != nil {
		tweak(&optsA, &optsB)
	}
	a := startNode(t, optsA, sender)
	b := startNode(t, optsB, receiver)

	waitForCondition(t, 5*time.Second, func() bool {
		return hasDevice(a.ListDevices(), "node-b") && hasDevice(b.ListDevices(), "node-a")
	})
	return a, b
}

func hasDevice(peers []models.PeerRecord, deviceID string) bool {
	for _, peer := range peers {
		if peer.DeviceID() == deviceID {
			return true
		}
	}
	return false
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
	if _, err := New(Options{}, nil); err == nil {
		t.Fatal("expected error without device id")
	}
}

func TestStartReportsBindFailure(t *testing.T) {
	blocker, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer blocker.Close()

	collab := newRecordingCollaborator(false)
	opts := testOptions(t, "node-a", freeUDPPort(t), nil)
	opts.TransferPort = blocker.Addr().(*net.TCPAddr).Port

	n, err := New(opts, collab)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer n.Stop()

	if n.Start() {
		t.Fatal("expected Start to fail while the transfer port is taken")
	}
	if collab.errorCount() != 1 {
		t.Fatalf("expected one error report, got %d", collab.errorCount())
	}
	if n.TransferPort() != 0 || n.DiscoveryPort() != 0 {
		t.Fatal("expected nothing bound after failed start")
	}
	if ids := n.SendFiles("anyone", []string{"x"}); ids != nil {
		t.Fatalf("expected nil ids before start, got %v", ids)
	}
}

func TestStoppedNodeCannotRestart(t *testing.T) {
	collab := newRecordingCollaborator(false)
	n, err := New(testOptions(t, "node-a", freeUDPPort(t), nil), collab)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !n.Start() {
		t.Fatal("Start failed")
	}
	if !n.Start() {
		t.Fatal("second Start should be a no-op")
	}
	n.Stop()
	n.Stop()

	if n.Start() {
		t.Fatal("expected Start after Stop to fail")
	}
	if _, msg := collab.lastError(); !strings.Contains(msg, ErrStopped.Error()) {
		t.Fatalf("unexpected error report: %q", msg)
	}
	if devices := n.ListDevices(); devices != nil {
		t.Fatalf("expected no devices after stop, got %v", devices)
	}
}

func TestNodesDiscoverAndTransfer(t *testing.T) {
	senderCollab := newRecordingCollaborator(false)
	senderCollab.panicOnProgress = true
	receiverCollab := newRecordingCollaborator(true)

	dbDir := t.TempDir()
	history, _, err := storage.Open(dbDir)
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = history.Close() })

	a, b := startPair(t, senderCollab, receiverCollab, func(_, b *Options) {
		b.History = history
	})
	waitForCondition(t, 2*time.Second, func() bool {
		return senderCollab.sawDevice("node-b") && receiverCollab.sawDevice("node-a")
	})

	source := createFixtureFile(t, t.TempDir(), "payload.bin", 512*1024)
	ids := a.SendFiles("node-b", []string{source})
	if len(ids) != 1 {
		t.Fatalf("expected one transfer id, got %v", ids)
	}
	id := ids[0]

	waitForCondition(t, 20*time.Second, func() bool {
		_, sent := senderCollab.completion(id)
		_, received := receiverCollab.completion(id)
		return sent && received
	})
	if isSender, _ := senderCollab.completion(id); !isSender {
		t.Fatal("expected sender completion flagged isSender")
	}
	if isSender, _ := receiverCollab.completion(id); isSender {
		t.Fatal("expected receiver completion not flagged isSender")
	}

	snap, ok := b.Transfer(id)
	if !ok {
		t.Fatal("receiver snapshot missing")
	}
	got, err := os.ReadFile(snap.Descriptor.SavePath)
	if err != nil {
		t.Fatalf("read received file failed: %v", err)
	}
	want, err := os.ReadFile(source)
	if err != nil {
		t.Fatalf("read source file failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("received file differs from source")
	}

	records := b.TransferHistory(10)
	if len(records) != 1 || records[0].TransferID != id || records[0].Status != string(models.StatusCompleted) {
		t.Fatalf("unexpected history: %+v", records)
	}
	if records := a.TransferHistory(10); records != nil {
		t.Fatalf("expected no history without a store, got %+v", records)
	}
}

func TestPendingTransferAcceptedThroughNode(t *testing.T) {
	senderCollab := newRecordingCollaborator(false)
	receiverCollab := newRecordingCollaborator(false)
	a, b := startPair(t, senderCollab, receiverCollab, nil)

	source := createFixtureFile(t, t.TempDir(), "pending.bin", 64*1024)
	ids := a.SendFiles("node-b", []string{source})
	if len(ids) != 1 {
		t.Fatalf("expected one transfer id, got %v", ids)
	}
	id := ids[0]

	waitForCondition(t, 5*time.Second, func() bool {
		return len(b.ListPendingTransfers()) == 1
	})
	pending := b.ListPendingTransfers()[0]
	if pending.Descriptor.TransferID != id || pending.Peer.DeviceID != "node-a" {
		t.Fatalf("unexpected pending transfer: %+v", pending)
	}
	if len(a.ListSendTasks()) != 1 {
		t.Fatalf("expected one send task, got %d", len(a.ListSendTasks()))
	}

	if !b.AcceptTransfer(id) {
		t.Fatal("AcceptTransfer failed")
	}
	waitForCondition(t, 10*time.Second, func() bool {
		_, done := receiverCollab.completion(id)
		return done
	})
	if len(b.ListReceiveTasks()) != 0 {
		t.Fatal("expected no active receive tasks after completion")
	}
}

func TestControlCallsReportUnknownTransfers(t *testing.T) {
	collab := newRecordingCollaborator(false)
	n := startNode(t, testOptions(t, "node-a", freeUDPPort(t), nil), collab)

	calls := []func(string) bool{
		n.AcceptTransfer,
		n.PauseTransfer,
		n.ResumeTransfer,
		n.CancelTransfer,
		func(id string) bool { return n.RejectTransfer(id, "no") },
	}
	for i, call := range calls {
		if call("missing") {
			t.Fatalf("call %d: expected false for unknown transfer", i)
		}
		id, msg := collab.lastError()
		if id != "missing" || msg == "" {
			t.Fatalf("call %d: unexpected error report %q/%q", i, id, msg)
		}
	}

	if ids := n.SendFiles("ghost", []string{"x"}); ids != nil {
		t.Fatalf("expected nil ids for unknown device, got %v", ids)
	}
	if _, msg := collab.lastError(); !strings.Contains(msg, ErrUnknownDevice.Error()) {
		t.Fatalf("unexpected error report: %q", msg)
	}
}

func TestNotifyRecoversCollaboratorPanic(t *testing.T) {
	n, err := New(testOptions(t, "node-a", freeUDPPort(t), nil), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer n.Stop()

	ran := false
	n.notify("test", func() {
		ran = true
		panic(errors.New("boom"))
	})
	if !ran {
		t.Fatal("callback did not run")
	}
}
