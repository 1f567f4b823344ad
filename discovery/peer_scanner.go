package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"lanshare/models"
)

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner browses mDNS periodically and reports every sighting. It does
// not decide liveness; the Engine's registry prunes peers that stop appearing.
type PeerScanner struct {
	cfg    MDNSConfig
	log    logrus.FieldLogger
	browse browseFunc

	mu       sync.RWMutex
	lastScan []models.PeerRecord

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config MDNSConfig) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfDeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		log:             cfg.Logger.WithField("component", "mdns"),
		browse:          browse,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background browsing.
func (s *PeerScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop cancels browsing and waits for the loop.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// Refresh runs one browse immediately.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// LastScan returns the peers seen by the most recent browse.
func (s *PeerScanner) LastScan() []models.PeerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.PeerRecord(nil), s.lastScan...)
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]models.PeerRecord)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				record, discoveryPort, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				record.LastSeen = time.Now()
				collected[record.DeviceID()] = record
				if s.cfg.onSighting != nil {
					s.cfg.onSighting(record.Identity, record.Address, record.Port, discoveryPort)
				}
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		s.log.WithError(browseErr).Debug("mDNS browse failed")
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	next := make([]models.PeerRecord, 0, len(collected))
	for _, record := range collected {
		next = append(next, record)
	}
	sortPeers(next)

	s.mu.Lock()
	s.lastScan = next
	s.mu.Unlock()
	return nil
}

// parseEntry turns a service entry into a peer record plus the advertised
// discovery port. Entries for selfDeviceID or without an IPv4 address are
// skipped.
func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (models.PeerRecord, int, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return models.PeerRecord{}, 0, false
	}

	var addresses []string
	for _, ip := range entry.AddrIPv4 {
		if ip == nil {
			continue
		}
		addresses = append(addresses, ip.String())
	}
	if len(addresses) == 0 {
		return models.PeerRecord{}, 0, false
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(txt["device_name"])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = deviceID
	}

	port := entry.Port
	if raw := txt["transfer_port"]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			port = parsed
		}
	}
	discoveryPort := 0
	if raw := txt["discovery_port"]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			discoveryPort = parsed
		}
	}

	return models.PeerRecord{
		Identity:      models.DeviceIdentity{DeviceID: deviceID, DisplayName: name},
		Address:       addresses[0],
		Port:          port,
		DiscoveryPort: discoveryPort,
	}, discoveryPort, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
