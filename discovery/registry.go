package discovery

import (
	"sort"
	"sync"
	"time"

	"lanshare/models"
)

// Registry is the in-memory table of known peers keyed by device id.
// It holds no goroutines; the Engine drives pruning.
type Registry struct {
	selfID string
	now    func() time.Time

	mu    sync.RWMutex
	peers map[string]models.PeerRecord
}

// NewRegistry creates an empty registry. Upserts of selfID are ignored.
func NewRegistry(selfID string) *Registry {
	return &Registry{
		selfID: selfID,
		now:    time.Now,
		peers:  make(map[string]models.PeerRecord),
	}
}

// Upsert records a sighting and reports whether the device was new.
func (r *Registry) Upsert(identity models.DeviceIdentity, address string, port int) bool {
	return r.upsert(identity, address, port, 0)
}

func (r *Registry) upsert(identity models.DeviceIdentity, address string, port, discoveryPort int) bool {
	if identity.DeviceID == "" || identity.DeviceID == r.selfID {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	record, exists := r.peers[identity.DeviceID]
	if !exists {
		record = models.PeerRecord{Identity: identity}
	}
	record.Address = address
	if port > 0 {
		record.Port = port
	}
	if discoveryPort > 0 {
		record.DiscoveryPort = discoveryPort
	}
	record.LastSeen = now
	r.peers[identity.DeviceID] = record
	return !exists
}

// Prune removes records not seen for longer than timeout and returns them.
func (r *Registry) Prune(timeout time.Duration) []models.PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var removed []models.PeerRecord
	for id, record := range r.peers {
		if now.Sub(record.LastSeen) > timeout {
			removed = append(removed, record)
			delete(r.peers, id)
		}
	}
	sortPeers(removed)
	return removed
}

// Remove drops one record, returning it when present.
func (r *Registry) Remove(deviceID string) (models.PeerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.peers[deviceID]
	if ok {
		delete(r.peers, deviceID)
	}
	return record, ok
}

// All returns a snapshot sorted by display name, then device id.
func (r *Registry) All() []models.PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.PeerRecord, 0, len(r.peers))
	for _, record := range r.peers {
		out = append(out, record)
	}
	sortPeers(out)
	return out
}

// Find looks a peer up by device id.
func (r *Registry) Find(deviceID string) (models.PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.peers[deviceID]
	return record, ok
}

func sortPeers(peers []models.PeerRecord) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Identity.DisplayName == peers[j].Identity.DisplayName {
			return peers[i].Identity.DeviceID < peers[j].Identity.DeviceID
		}
		return peers[i].Identity.DisplayName < peers[j].Identity.DisplayName
	})
}
