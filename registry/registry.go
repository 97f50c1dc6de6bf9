// Package registry maintains the set of known remote peers and their
// liveness, fed by the signaling channel and internal timers.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/models"
)

const (
	// DefaultHeartbeatWindow bounds the online classification.
	DefaultHeartbeatWindow = 60 * time.Second
	// DefaultPruneWindow bounds the stale classification; peers past it
	// are removed by the sweep.
	DefaultPruneWindow = 120 * time.Second
	// DefaultPruneInterval is the background sweep period.
	DefaultPruneInterval = 30 * time.Second

	eventBufferSize = 128
)

var (
	// ErrInvalidDescriptor indicates an announce payload missing required fields.
	ErrInvalidDescriptor = errors.New("registry: invalid peer descriptor")
	// ErrUnknownPeer indicates the requested peer id is not in the registry.
	ErrUnknownPeer = errors.New("registry: unknown peer")
)

const (
	// EventPeerUpserted is emitted when a peer appears or its metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a peer is pruned or marked offline.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies registry change notifications.
type EventType string

// Event carries one registry change for subscribers.
type Event struct {
	Type EventType
	Peer models.Peer
}

// Config controls liveness windows and sweep cadence.
type Config struct {
	HeartbeatWindow time.Duration
	PruneWindow     time.Duration
	PruneInterval   time.Duration

	nowFn func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.HeartbeatWindow <= 0 {
		out.HeartbeatWindow = DefaultHeartbeatWindow
	}
	if out.PruneWindow <= 0 {
		out.PruneWindow = DefaultPruneWindow
	}
	if out.PruneWindow < out.HeartbeatWindow {
		out.PruneWindow = out.HeartbeatWindow
	}
	if out.PruneInterval <= 0 {
		out.PruneInterval = DefaultPruneInterval
	}
	if out.nowFn == nil {
		out.nowFn = time.Now
	}
	return out
}

type record struct {
	peer models.Peer
	seq  uint64
}

// Registry is the single source of truth for reachable peers. All
// mutations go through its operations; reads never block on I/O.
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	peers   map[string]*record
	nextSeq uint64

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a registry with config defaults applied.
func New(config Config) *Registry {
	cfg := config.withDefaults()
	return &Registry{
		cfg:    cfg,
		peers:  make(map[string]*record),
		events: make(chan Event, eventBufferSize),
	}
}

// Start launches the background prune sweep.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.ctx, r.cancel = context.WithCancel(context.Background())
		r.wg.Add(1)
		go r.pruneLoop()
	})
}

// Stop halts the background sweep. The event stream stays open since
// direct operations may still emit after the sweep is gone.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	})
}

// Events provides asynchronous registry change notifications. Slow
// consumers lose events rather than blocking registry operations.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// UpsertFromAnnounce inserts or refreshes one peer from an announce
// payload. The whole descriptor is validated before any mutation.
func (r *Registry) UpsertFromAnnounce(descriptor models.PeerDescriptor) error {
	if err := validateDescriptor(descriptor); err != nil {
		logrus.WithFields(logrus.Fields{
			"peer_id": descriptor.ID,
			"address": descriptor.Address,
		}).WithError(err).Warn("dropping malformed announce")
		return err
	}

	now := r.cfg.nowFn()

	r.mu.Lock()
	rec, exists := r.peers[descriptor.ID]
	if !exists {
		rec = &record{
			peer: models.Peer{
				ID:          descriptor.ID,
				FirstSeenAt: now,
			},
			seq: r.nextSeq,
		}
		r.nextSeq++
		r.peers[descriptor.ID] = rec
	}
	rec.peer.DisplayName = descriptor.DisplayName
	rec.peer.Address = descriptor.Address
	rec.peer.PlatformClass = models.NormalizePlatformClass(descriptor.PlatformClass)
	rec.peer.LastSeenAt = now
	rec.peer.Liveness = r.livenessAt(rec.peer.LastSeenAt, now)
	updated := rec.peer
	r.mu.Unlock()

	r.emit(Event{Type: EventPeerUpserted, Peer: updated})
	return nil
}

// RecordHeartbeat refreshes LastSeenAt for a known peer. Other fields
// are left untouched.
func (r *Registry) RecordHeartbeat(peerID string) error {
	return r.refreshLastSeen(peerID)
}

// RecordPong refreshes LastSeenAt for a known peer after a pong.
func (r *Registry) RecordPong(peerID string) error {
	return r.refreshLastSeen(peerID)
}

func (r *Registry) refreshLastSeen(peerID string) error {
	now := r.cfg.nowFn()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.peers[peerID]
	if !exists {
		return ErrUnknownPeer
	}
	rec.peer.LastSeenAt = now
	rec.peer.Liveness = r.livenessAt(rec.peer.LastSeenAt, now)
	return nil
}

// MarkOffline removes a peer immediately rather than waiting for the
// prune window, e.g. after an explicit departure notification.
func (r *Registry) MarkOffline(peerID string) {
	r.mu.Lock()
	rec, exists := r.peers[peerID]
	if exists {
		delete(r.peers, peerID)
		rec.peer.Liveness = models.LivenessOffline
	}
	r.mu.Unlock()

	if exists {
		logrus.WithField("peer_id", peerID).Debug("peer marked offline")
		r.emit(Event{Type: EventPeerRemoved, Peer: rec.peer})
	}
}

// Lookup returns the peer for an id, recomputing liveness at call time.
func (r *Registry) Lookup(peerID string) (models.Peer, bool) {
	now := r.cfg.nowFn()

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.peers[peerID]
	if !exists {
		return models.Peer{}, false
	}
	peer := rec.peer
	peer.Liveness = r.livenessAt(peer.LastSeenAt, now)
	return peer, true
}

// Snapshot returns a point-in-time copy of all known peers in
// first-seen order.
func (r *Registry) Snapshot() []models.Peer {
	now := r.cfg.nowFn()

	r.mu.RLock()
	records := make([]*record, 0, len(r.peers))
	for _, rec := range r.peers {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].seq < records[j].seq
	})
	out := make([]models.Peer, 0, len(records))
	for _, rec := range records {
		peer := rec.peer
		peer.Liveness = r.livenessAt(peer.LastSeenAt, now)
		out = append(out, peer)
	}
	r.mu.RUnlock()

	return out
}

// Prune removes every peer whose last activity is at or past the prune
// window relative to now. Safe to call concurrently with reads and
// with the background sweep.
func (r *Registry) Prune(now time.Time) {
	r.mu.Lock()
	var removed []models.Peer
	for id, rec := range r.peers {
		if now.Sub(rec.peer.LastSeenAt) >= r.cfg.PruneWindow {
			delete(r.peers, id)
			rec.peer.Liveness = models.LivenessOffline
			removed = append(removed, rec.peer)
		}
	}
	r.mu.Unlock()

	for _, peer := range removed {
		logrus.WithFields(logrus.Fields{
			"peer_id":      peer.ID,
			"last_seen_at": peer.LastSeenAt,
		}).Info("pruned expired peer")
		r.emit(Event{Type: EventPeerRemoved, Peer: peer})
	}
}

func (r *Registry) pruneLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Prune(r.cfg.nowFn())
		}
	}
}

func (r *Registry) livenessAt(lastSeen, now time.Time) string {
	age := now.Sub(lastSeen)
	switch {
	case age < r.cfg.HeartbeatWindow:
		return models.LivenessOnline
	case age < r.cfg.PruneWindow:
		return models.LivenessStale
	default:
		return models.LivenessOffline
	}
}

func (r *Registry) emit(event Event) {
	select {
	case r.events <- event:
	default:
	}
}

func validateDescriptor(descriptor models.PeerDescriptor) error {
	if strings.TrimSpace(descriptor.ID) == "" {
		return ErrInvalidDescriptor
	}
	if strings.TrimSpace(descriptor.DisplayName) == "" {
		return ErrInvalidDescriptor
	}
	if strings.TrimSpace(descriptor.Address) == "" {
		return ErrInvalidDescriptor
	}
	return nil
}
