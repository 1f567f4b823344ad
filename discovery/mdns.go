package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"lanshare/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_lanshare._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the mDNS browse interval.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultScanTimeout bounds each browse.
	DefaultScanTimeout = 2 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
type sightingFunc func(identity models.DeviceIdentity, address string, transferPort, discoveryPort int)

// MDNSConfig controls the optional zeroconf assist. Identity and ports are
// filled in by the Engine.
type MDNSConfig struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID  string
	DeviceName    string
	TransferPort  int
	DiscoveryPort int

	Logger logrus.FieldLogger

	onSighting sightingFunc
	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.ScanTimeout >= out.RefreshInterval {
		out.ScanTimeout = out.RefreshInterval / 2
	}
	if out.Logger == nil {
		out.Logger = discardLogger()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c MDNSConfig) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if c.TransferPort <= 0 {
		return errors.New("transfer port must be > 0")
	}
	return nil
}

// Broadcaster advertises the local device via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the lanshare service record.
func StartBroadcaster(config MDNSConfig) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	instance := cfg.DeviceName
	if strings.TrimSpace(instance) == "" {
		instance = cfg.SelfDeviceID
	}
	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.TransferPort, txtRecords(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Broadcaster{server: server}, nil
}

// Stop withdraws the service record.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

func txtRecords(cfg MDNSConfig) []string {
	return []string{
		"device_id=" + cfg.SelfDeviceID,
		"device_name=" + cfg.DeviceName,
		"transfer_port=" + strconv.Itoa(cfg.TransferPort),
		"discovery_port=" + strconv.Itoa(cfg.DiscoveryPort),
	}
}

// MDNS runs the advertiser and the periodic browser together.
type MDNS struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// StartMDNS advertises the device and starts browsing.
func StartMDNS(config MDNSConfig) (*MDNS, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	scanner.Start()

	return &MDNS{Broadcaster: broadcaster, Scanner: scanner}, nil
}

// Stop stops browsing and withdraws the record.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	if m.Scanner != nil {
		m.Scanner.Stop()
	}
	if m.Broadcaster != nil {
		m.Broadcaster.Stop()
	}
}
