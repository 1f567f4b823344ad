package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"lanshare/models"
)

type sightingLog struct {
	mu   sync.Mutex
	seen map[string]models.PeerRecord
}

func (l *sightingLog) record(identity models.DeviceIdentity, address string, transferPort, discoveryPort int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[string]models.PeerRecord)
	}
	l.seen[identity.DeviceID] = models.PeerRecord{
		Identity:      identity,
		Address:       address,
		Port:          transferPort,
		DiscoveryPort: discoveryPort,
	}
}

func (l *sightingLog) get(deviceID string) (models.PeerRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.seen[deviceID]
	return record, ok
}

func (l *sightingLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

func TestPeerScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	sightings := &sightingLog{}
	cfg := MDNSConfig{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		onSighting:      sightings.record,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-device", "Self", 45679, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Bob", 45679, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "Carol", 45680, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.LastScan()
		return len(peers) == 1 && peers[0].DeviceID() == "peer-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if got := len(scanner.LastScan()); got != 2 {
		t.Fatalf("expected 2 peers after refresh, got %d", got)
	}
	if sightings.count() != 2 {
		t.Fatalf("expected sightings for two peers, got %d", sightings.count())
	}

	carol, ok := sightings.get("peer-2")
	if !ok {
		t.Fatalf("expected sighting for peer-2")
	}
	if carol.Address != "10.0.0.3" || carol.Port != 45680 || carol.DiscoveryPort != 45678 {
		t.Fatalf("unexpected sighting: %+v", carol)
	}
}

func TestPeerScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := MDNSConfig{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 45679, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	peers := scanner.LastScan()
	if len(peers) != 1 || peers[0].DeviceID() != "peer-1" {
		t.Fatalf("unexpected scan result: %+v", peers)
	}
}

func TestParseEntrySkipsEntriesWithoutIPv4(t *testing.T) {
	entry := testServiceEntry("peer-1", "Bob", 45679, "10.0.0.2")
	entry.AddrIPv4 = nil
	if _, _, ok := parseEntry(entry, "self"); ok {
		t.Fatalf("expected entry without IPv4 address to be skipped")
	}
}

func testServiceEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"device_id=" + deviceID,
			"device_name=" + instance,
			"transfer_port=" + strconv.Itoa(port),
			"discovery_port=45678",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
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
