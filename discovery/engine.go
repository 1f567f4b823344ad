package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"lanshare/models"
	"lanshare/protocol"
)

const (
	// DefaultDiscoveryPort is the well-known UDP port for presence datagrams.
	DefaultDiscoveryPort = 45678
	// DefaultInterval is the broadcast and prune cadence.
	DefaultInterval = 5 * time.Second
	// readTimeout bounds each receive so the listen loop observes shutdown.
	readTimeout = time.Second
	// maxDatagramSize is the largest presence datagram accepted.
	maxDatagramSize = 64 * 1024
)

// ErrEngineStopped indicates Start was called on a stopped engine.
var ErrEngineStopped = errors.New("discovery: engine stopped")

// Config controls the broadcast discovery engine.
type Config struct {
	SelfDeviceID string
	DeviceName   string
	// DiscoveryPort defaults to DefaultDiscoveryPort; a negative value binds
	// an ephemeral port.
	DiscoveryPort int
	TransferPort  int

	// Interval is the broadcast period. Peers not seen for PeerTimeout are
	// pruned; PeerTimeout defaults to 3x Interval.
	Interval    time.Duration
	PeerTimeout time.Duration

	// ListenAddress is the local IPv4 address to bind; empty means all.
	ListenAddress string
	// Targets replaces the default broadcast destinations. Entries are
	// "host" or "host:port"; a missing port means DiscoveryPort.
	Targets []string

	Logger  logrus.FieldLogger
	OnFound func(models.PeerRecord)
	OnLost  func(models.PeerRecord)

	// MDNS enables the zeroconf assist; sightings feed the same registry.
	MDNS *MDNSConfig
}

func (c Config) withDefaults() Config {
	out := c
	if out.DiscoveryPort == 0 {
		out.DiscoveryPort = DefaultDiscoveryPort
	}
	if out.DiscoveryPort < 0 {
		out.DiscoveryPort = 0
	}
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.PeerTimeout <= 0 {
		out.PeerTimeout = 3 * out.Interval
	}
	if out.Logger == nil {
		out.Logger = discardLogger()
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if c.TransferPort <= 0 {
		return errors.New("transfer port must be > 0")
	}
	return nil
}

// Engine broadcasts local presence over UDP and tracks peers that answer.
type Engine struct {
	cfg      Config
	log      logrus.FieldLogger
	registry *Registry

	pconn *ipv4.PacketConn
	port  int
	mdns  *MDNS

	mu      sync.Mutex
	started bool
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates an engine and its registry. Nothing is bound until Start.
func NewEngine(config Config) (*Engine, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "discovery"),
		registry: NewRegistry(cfg.SelfDeviceID),
		stopCh:   make(chan struct{}),
	}, nil
}

// Registry exposes the peer table.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Port returns the bound discovery port, or 0 before Start.
func (e *Engine) Port() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port
}

// Start binds the discovery socket and launches the listen and broadcast
// loops. A bind failure is returned and nothing keeps running.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}
	if e.started {
		return nil
	}

	lc := net.ListenConfig{Control: controlReuse}
	addr := net.JoinHostPort(e.cfg.ListenAddress, strconv.Itoa(e.cfg.DiscoveryPort))
	conn, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return fmt.Errorf("bind discovery socket %s: %w", addr, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		e.log.WithError(err).Debug("control messages unavailable on discovery socket")
	}

	e.pconn = pconn
	if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		e.port = udpAddr.Port
	}

	if e.cfg.MDNS != nil {
		mdnsCfg := *e.cfg.MDNS
		mdnsCfg.SelfDeviceID = e.cfg.SelfDeviceID
		mdnsCfg.DeviceName = e.cfg.DeviceName
		mdnsCfg.TransferPort = e.cfg.TransferPort
		mdnsCfg.DiscoveryPort = e.port
		mdnsCfg.Logger = e.cfg.Logger
		mdnsCfg.onSighting = e.observe
		svc, err := StartMDNS(mdnsCfg)
		if err != nil {
			e.log.WithError(err).Warn("mDNS assist unavailable, continuing with broadcast only")
		} else {
			e.mdns = svc
		}
	}

	e.started = true
	e.wg.Add(2)
	go e.listenLoop()
	go e.broadcastLoop()

	e.log.WithFields(logrus.Fields{
		"port":     e.port,
		"interval": e.cfg.Interval,
	}).Info("discovery started")
	return nil
}

// Stop announces GOODBYE, closes the socket and waits for both loops.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		started := e.started
		e.mu.Unlock()

		if !started {
			return
		}

		e.sendGoodbye()
		close(e.stopCh)
		if e.mdns != nil {
			e.mdns.Stop()
		}
		_ = e.pconn.Close()
		e.wg.Wait()
		e.log.Info("discovery stopped")
	})
}

func (e *Engine) isStopping() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *Engine) broadcastLoop() {
	defer e.wg.Done()

	e.announce()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.announce()
			e.prune()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) announce() {
	raw, err := protocol.Encode(protocol.TypeDiscover, e.presence())
	if err != nil {
		e.log.WithError(err).Error("encode DISCOVER failed")
		return
	}
	for _, dst := range e.destinations() {
		e.send(raw, dst)
	}
}

func (e *Engine) prune() {
	for _, record := range e.registry.Prune(e.cfg.PeerTimeout) {
		e.log.WithField("device_id", record.DeviceID()).Info("peer lost")
		if e.cfg.OnLost != nil {
			e.cfg.OnLost(record)
		}
	}
}

func (e *Engine) sendGoodbye() {
	raw, err := protocol.Encode(protocol.TypeGoodbye, protocol.GoodbyePayload{
		SchemaVersion: protocol.SchemaVersion,
		DeviceID:      e.cfg.SelfDeviceID,
	})
	if err != nil {
		return
	}
	for _, dst := range e.destinations() {
		e.send(raw, dst)
	}
}

// destinations is the broadcast target list plus every known peer's unicast
// discovery address, deduplicated.
func (e *Engine) destinations() []*net.UDPAddr {
	seen := make(map[string]struct{})
	var out []*net.UDPAddr
	add := func(addr *net.UDPAddr) {
		if addr == nil {
			return
		}
		key := addr.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}

	targets := e.cfg.Targets
	if targets == nil {
		targets = defaultBroadcastTargets()
	}
	for _, target := range targets {
		addr, err := resolveTarget(target, e.port)
		if err != nil {
			e.log.WithError(err).WithField("target", target).Debug("skip discovery target")
			continue
		}
		add(addr)
	}

	for _, peer := range e.registry.All() {
		port := peer.DiscoveryPort
		if port == 0 {
			port = e.port
		}
		ip := net.ParseIP(peer.Address)
		if ip == nil || port == 0 {
			continue
		}
		add(&net.UDPAddr{IP: ip, Port: port})
	}
	return out
}

func (e *Engine) send(raw []byte, dst *net.UDPAddr) {
	e.sendVia(raw, dst, nil)
}

// sendVia writes one datagram, pinned to an outgoing interface when cm is
// set.
func (e *Engine) sendVia(raw []byte, dst *net.UDPAddr, cm *ipv4.ControlMessage) {
	if _, err := e.pconn.WriteTo(raw, cm, dst); err != nil {
		if !e.isStopping() {
			e.log.WithError(err).WithField("addr", dst.String()).Debug("discovery send failed")
		}
	}
}

func (e *Engine) listenLoop() {
	defer e.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		if e.isStopping() {
			return
		}
		_ = e.pconn.SetReadDeadline(time.Now().Add(readTimeout))
		n, cm, src, err := e.pconn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if e.isStopping() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return
			}
			e.log.WithError(err).Warn("discovery receive failed")
			continue
		}

		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		e.handleDatagram(buf[:n], udpSrc, cm)
	}
}

func (e *Engine) handleDatagram(raw []byte, src *net.UDPAddr, cm *ipv4.ControlMessage) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		e.log.WithError(err).WithField("addr", src.String()).Debug("drop malformed datagram")
		return
	}

	log := e.log.WithFields(logrus.Fields{"addr": src.String(), "type": msg.Type})
	if cm != nil {
		log = log.WithFields(logrus.Fields{"ifindex": cm.IfIndex, "dst": cm.Dst.String()})
	}

	switch msg.Type {
	case protocol.TypeDiscover, protocol.TypeDiscoverResponse:
		var payload protocol.DiscoverPayload
		if err := msg.Bind(&payload); err != nil {
			log.WithError(err).Debug("drop malformed presence payload")
			return
		}
		if payload.DeviceID == "" || payload.DeviceID == e.cfg.SelfDeviceID {
			return
		}

		address := src.IP.String()
		if payload.IPAddress != "" && payload.IPAddress != address {
			log.WithField("announced", payload.IPAddress).Debug("announced address differs from source")
		}
		identity := models.DeviceIdentity{DeviceID: payload.DeviceID, DisplayName: payload.DeviceName}
		e.observe(identity, address, payload.Port, src.Port)

		if msg.Type == protocol.TypeDiscover {
			e.respond(src, cm)
		}
	case protocol.TypeGoodbye:
		var payload protocol.GoodbyePayload
		if err := msg.Bind(&payload); err != nil || payload.DeviceID == "" {
			return
		}
		if record, ok := e.registry.Remove(payload.DeviceID); ok {
			log.WithField("device_id", record.DeviceID()).Info("peer left")
			if e.cfg.OnLost != nil {
				e.cfg.OnLost(record)
			}
		}
	default:
		log.Debug("ignore unexpected datagram type")
	}
}

// respond answers a DISCOVER out of the interface it arrived on.
func (e *Engine) respond(dst *net.UDPAddr, received *ipv4.ControlMessage) {
	raw, err := protocol.Encode(protocol.TypeDiscoverResponse, e.presence())
	if err != nil {
		return
	}
	e.sendVia(raw, dst, replyControl(received))
}

// replyControl builds the control message for a unicast reply. Only the
// interface index carries over; the kernel picks the source address.
func replyControl(received *ipv4.ControlMessage) *ipv4.ControlMessage {
	if received == nil || received.IfIndex <= 0 {
		return nil
	}
	return &ipv4.ControlMessage{IfIndex: received.IfIndex}
}

// observe records one sighting from any source and fires OnFound for new
// devices.
func (e *Engine) observe(identity models.DeviceIdentity, address string, transferPort, discoveryPort int) {
	if !e.registry.upsert(identity, address, transferPort, discoveryPort) {
		return
	}
	record, ok := e.registry.Find(identity.DeviceID)
	if !ok {
		return
	}
	e.log.WithFields(logrus.Fields{
		"device_id": record.DeviceID(),
		"addr":      record.Address,
	}).Info("peer found")
	if e.cfg.OnFound != nil {
		e.cfg.OnFound(record)
	}
}

func (e *Engine) presence() protocol.DiscoverPayload {
	return protocol.DiscoverPayload{
		SchemaVersion: protocol.SchemaVersion,
		DeviceID:      e.cfg.SelfDeviceID,
		DeviceName:    e.cfg.DeviceName,
		IPAddress:     localIPv4(),
		Port:          e.cfg.TransferPort,
	}
}

func resolveTarget(target string, defaultPort int) (*net.UDPAddr, error) {
	host, port := target, strconv.Itoa(defaultPort)
	if h, p, err := net.SplitHostPort(target); err == nil {
		host, port = h, p
	}
	return net.ResolveUDPAddr("udp4", net.JoinHostPort(host, port))
}

// defaultBroadcastTargets returns the limited broadcast address plus the
// directed broadcast address of every up, non-loopback IPv4 interface.
func defaultBroadcastTargets() []string {
	out := []string{"255.255.255.255"}
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			mask := ipNet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			if ip == nil || len(mask) != net.IPv4len {
				continue
			}
			bcast := make(net.IP, net.IPv4len)
			for i := range ip {
				bcast[i] = ip[i] | ^mask[i]
			}
			out = append(out, bcast.String())
		}
	}
	return out
}

// localIPv4 picks the first non-loopback IPv4 address, falling back to
// loopback. Receivers prefer the observed source address anyway.
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip := ipNet.IP.To4(); ip != nil {
			return ip.String()
		}
	}
	return "127.0.0.1"
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
