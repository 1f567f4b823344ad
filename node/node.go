package node

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"lanshare/discovery"
	"lanshare/models"
	"lanshare/network"
	"lanshare/storage"
	"lanshare/transfer"
)

var (
	// ErrNotStarted indicates a call that needs the network before Start.
	ErrNotStarted = errors.New("node: not started")
	// ErrStopped indicates the node was stopped and cannot be restarted.
	ErrStopped = errors.New("node: stopped")
	// ErrUnknownDevice indicates no discovered peer has the device id.
	ErrUnknownDevice = errors.New("node: unknown device")
)

// Node ties discovery, the transfer listener and the transfer manager
// together behind a boolean API. Failures are reported to the collaborator's
// OnError and never returned as panics.
type Node struct {
	opts   Options
	collab Collaborator
	log    logrus.FieldLogger

	manager *transfer.Manager

	mu      sync.Mutex
	server  *network.Server
	engine  *discovery.Engine
	started bool
	stopped bool
}

// New creates a stopped node. A nil collaborator gets BaseCollaborator.
func New(options Options, collab Collaborator) (*Node, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if collab == nil {
		collab = BaseCollaborator{}
	}

	n := &Node{
		opts:   opts,
		collab: collab,
		log:    opts.Logger.WithField("component", "node"),
	}

	topts := opts.Transfer
	topts.Identity = opts.Identity
	topts.Logger = opts.Logger
	topts.Events = events{n: n}
	if opts.History != nil {
		topts.Recorder = opts.History
	}
	manager, err := transfer.New(topts)
	if err != nil {
		return nil, fmt.Errorf("create transfer manager: %w", err)
	}
	n.manager = manager
	return n, nil
}

// Start binds the transfer listener, then the discovery socket. Any bind
// failure is reported through OnError and leaves nothing running.
func (n *Node) Start() bool {
	if err := n.start(); err != nil {
		n.fail(models.FileDescriptor{}, err)
		return false
	}
	return true
}

func (n *Node) start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return ErrStopped
	}
	if n.started {
		return nil
	}

	addr := net.JoinHostPort(n.opts.ListenAddress, strconv.Itoa(n.opts.TransferPort))
	server, err := network.Listen(network.ServerOptions{
		Address:   addr,
		IOTimeout: n.opts.Transfer.ChunkTimeout,
		Logger:    n.opts.Logger,
	}, n.manager.HandleConn)
	if err != nil {
		return fmt.Errorf("start transfer listener: %w", err)
	}

	var mdns *discovery.MDNSConfig
	if n.opts.EnableMDNS {
		mdns = &discovery.MDNSConfig{}
	}
	engine, err := discovery.NewEngine(discovery.Config{
		SelfDeviceID:  n.opts.Identity.DeviceID,
		DeviceName:    n.opts.Identity.DisplayName,
		DiscoveryPort: n.opts.DiscoveryPort,
		TransferPort:  server.Port(),
		Interval:      n.opts.BroadcastInterval,
		PeerTimeout:   n.opts.PeerTimeout,
		ListenAddress: n.opts.ListenAddress,
		Targets:       n.opts.Targets,
		Logger:        n.opts.Logger,
		OnFound:       n.deviceFound,
		OnLost:        n.deviceLost,
		MDNS:          mdns,
	})
	if err == nil {
		err = engine.Start()
	}
	if err != nil {
		_ = server.Close()
		return fmt.Errorf("start discovery: %w", err)
	}

	n.server = server
	n.engine = engine
	n.started = true
	n.log.WithFields(logrus.Fields{
		"device_id":      n.opts.Identity.DeviceID,
		"transfer_port":  server.Port(),
		"discovery_port": engine.Port(),
	}).Info("node started")
	return nil
}

// Stop shuts down discovery, the listener and every transfer. A stopped node
// cannot be started again.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	engine, server := n.engine, n.server
	n.mu.Unlock()

	if engine != nil {
		engine.Stop()
	}
	if server != nil {
		_ = server.Close()
	}
	n.manager.Close()
	n.log.Info("node stopped")
}

// TransferPort returns the bound transfer port, or 0 when not started.
func (n *Node) TransferPort() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.server == nil {
		return 0
	}
	return n.server.Port()
}

// DiscoveryPort returns the bound discovery port, or 0 when not started.
func (n *Node) DiscoveryPort() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.engine == nil {
		return 0
	}
	return n.engine.Port()
}

// ListDevices returns the currently known peers.
func (n *Node) ListDevices() []models.PeerRecord {
	engine := n.currentEngine()
	if engine == nil {
		return nil
	}
	return engine.Registry().All()
}

// SendFiles offers paths to a discovered device and returns one transfer id
// per file. It returns nil and reports through OnError on failure.
func (n *Node) SendFiles(deviceID string, paths []string) []string {
	engine := n.currentEngine()
	if engine == nil {
		n.fail(models.FileDescriptor{}, ErrNotStarted)
		return nil
	}
	peer, ok := engine.Registry().Find(deviceID)
	if !ok {
		n.fail(models.FileDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID))
		return nil
	}

	ids, err := n.manager.SendFiles(peer, paths)
	if err != nil {
		n.fail(models.FileDescriptor{}, fmt.Errorf("send to %s: %w", peer.Identity, err))
		return nil
	}
	return ids
}

// AcceptTransfer accepts one pending incoming file.
func (n *Node) AcceptTransfer(transferID string) bool {
	return n.apply(transferID, n.manager.Accept)
}

// RejectTransfer declines one pending incoming file.
func (n *Node) RejectTransfer(transferID, reason string) bool {
	return n.apply(transferID, func(id string) error {
		return n.manager.Reject(id, reason)
	})
}

// PauseTransfer pauses an active task on either side.
func (n *Node) PauseTransfer(transferID string) bool {
	return n.apply(transferID, n.manager.Pause)
}

// ResumeTransfer resumes a paused task.
func (n *Node) ResumeTransfer(transferID string) bool {
	return n.apply(transferID, n.manager.Resume)
}

// CancelTransfer cancels an active task or withdraws a pending offer.
func (n *Node) CancelTransfer(transferID string) bool {
	return n.apply(transferID, n.manager.Cancel)
}

// ListSendTasks returns snapshots of active outgoing tasks.
func (n *Node) ListSendTasks() []models.TaskSnapshot {
	return n.manager.SendTasks()
}

// ListReceiveTasks returns snapshots of active incoming tasks.
func (n *Node) ListReceiveTasks() []models.TaskSnapshot {
	return n.manager.ReceiveTasks()
}

// ListPendingTransfers returns incoming files awaiting a decision.
func (n *Node) ListPendingTransfers() []models.PendingTransfer {
	return n.manager.PendingTransfers()
}

// Transfer returns the latest known state of one task.
func (n *Node) Transfer(transferID string) (models.TaskSnapshot, bool) {
	return n.manager.Snapshot(transferID)
}

// TransferHistory lists recorded outcomes, newest first. It returns nil when
// history is disabled.
func (n *Node) TransferHistory(limit int) []storage.TransferRecord {
	if n.opts.History == nil {
		return nil
	}
	records, err := n.opts.History.ListTransfers(limit)
	if err != nil {
		n.log.WithError(err).Warn("list transfer history failed")
		return nil
	}
	return records
}

func (n *Node) currentEngine() *discovery.Engine {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started || n.stopped {
		return nil
	}
	return n.engine
}

func (n *Node) apply(transferID string, fn func(string) error) bool {
	desc := n.describe(transferID)
	if err := fn(transferID); err != nil {
		n.fail(desc, err)
		return false
	}
	return true
}

// describe finds a descriptor for error reports before the call changes it.
func (n *Node) describe(transferID string) models.FileDescriptor {
	if snap, ok := n.manager.Snapshot(transferID); ok {
		return snap.Descriptor
	}
	for _, pending := range n.manager.PendingTransfers() {
		if pending.Descriptor.TransferID == transferID {
			return pending.Descriptor
		}
	}
	return models.FileDescriptor{TransferID: transferID}
}

func (n *Node) fail(file models.FileDescriptor, err error) {
	n.log.WithError(err).WithField("transfer_id", file.TransferID).Warn("node call failed")
	n.notify("error", func() {
		n.collab.OnError(file, err.Error())
	})
}

// notify runs one collaborator callback and swallows its panics.
func (n *Node) notify(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.log.WithField("callback", name).Errorf("collaborator panic: %v", r)
		}
	}()
	fn()
}

func (n *Node) deviceFound(peer models.PeerRecord) {
	n.notify("device_found", func() {
		n.collab.OnDeviceFound(peer)
	})
}

func (n *Node) deviceLost(peer models.PeerRecord) {
	n.notify("device_lost", func() {
		n.collab.OnDeviceLost(peer)
	})
}

// peerRecord resolves an identity to its registry entry when known.
func (n *Node) peerRecord(identity models.DeviceIdentity) models.PeerRecord {
	if engine := n.currentEngine(); engine != nil {
		if peer, ok := engine.Registry().Find(identity.DeviceID); ok {
			return peer
		}
	}
	return models.PeerRecord{Identity: identity}
}

// events adapts transfer notifications to the collaborator.
type events struct {
	n *Node
}

func (e events) OnTransferRequest(peer models.DeviceIdentity, files []models.FileDescriptor) bool {
	accept := false
	record := e.n.peerRecord(peer)
	e.n.notify("transfer_request", func() {
		accept = e.n.collab.OnTransferRequest(record, files)
	})
	return accept
}

func (e events) OnProgress(task models.TaskSnapshot, percent float64, bytesPerSecond float64) {
	e.n.notify("progress", func() {
		e.n.collab.OnProgress(task.Descriptor, percent, bytesPerSecond)
	})
}

func (e events) OnComplete(task models.TaskSnapshot) {
	e.n.notify("complete", func() {
		e.n.collab.OnComplete(task.Descriptor, task.Role == models.RoleSender)
	})
}

func (e events) OnError(task models.TaskSnapshot, message string) {
	e.n.notify("error", func() {
		e.n.collab.OnError(task.Descriptor, message)
	})
}
