package signaling

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/models"
	"peerdrop/registry"
)

const (
	// DefaultAnnounceInterval is the local presence broadcast period.
	DefaultAnnounceInterval = 30 * time.Second
	// DefaultHeartbeatInterval is the liveness refresh period, shorter
	// than the registry heartbeat window so peers stay online.
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultProbeTimeout bounds a ping/pong liveness probe.
	DefaultProbeTimeout = 5 * time.Second
)

// ErrProbeTimeout indicates no pong arrived within the probe timeout.
var ErrProbeTimeout = errors.New("signaling: probe timeout")

// ErrNoChannel indicates an operation that needs an addressed channel
// on a bridge running in scanner-only mode.
var ErrNoChannel = errors.New("signaling: no channel configured")

// Identity describes the local device as announced to peers.
type Identity struct {
	ID            string
	DisplayName   string
	Address       string
	PlatformClass string
}

// BridgeConfig wires a channel to a registry. Channel may be nil; the
// bridge then only ingests messages handed to Handle (the mDNS scanner
// path) and cannot send or probe.
type BridgeConfig struct {
	Identity Identity
	Channel  Channel
	Registry *registry.Registry

	AnnounceInterval  time.Duration
	HeartbeatInterval time.Duration
	ProbeTimeout      time.Duration
}

func (c BridgeConfig) withDefaults() BridgeConfig {
	out := c
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	return out
}

func (c BridgeConfig) validate() error {
	if strings.TrimSpace(c.Identity.ID) == "" {
		return errors.New("identity id is required")
	}
	if strings.TrimSpace(c.Identity.DisplayName) == "" {
		return errors.New("identity display name is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	return nil
}

// Bridge pumps inbound signaling events into the registry and runs the
// local announce/heartbeat tickers. Self-announcements are filtered
// here so the registry never stores the local identity.
type Bridge struct {
	cfg BridgeConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pongMu      sync.Mutex
	pongWaiters map[string][]chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewBridge creates a bridge with validated configuration.
func NewBridge(config BridgeConfig) (*Bridge, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Bridge{
		cfg:         cfg,
		pongWaiters: make(map[string][]chan struct{}),
	}, nil
}

// Start launches the event pump and the announce/heartbeat tickers.
// The first announce is sent immediately.
func (b *Bridge) Start() {
	b.startOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(context.Background())

		if b.cfg.Channel != nil {
			b.wg.Add(2)
			go b.eventLoop()
			go b.tickerLoop()
		}
	})
}

// Stop sends a departure notification and halts background work.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.ctx == nil {
			return
		}
		if b.cfg.Channel != nil {
			if err := b.cfg.Channel.Send(Message{
				Type:   TypePeerOffline,
				FromID: b.cfg.Identity.ID,
			}); err != nil && !errors.Is(err, ErrChannelClosed) {
				logrus.WithError(err).Warn("departure notification failed")
			}
		}
		b.cancel()
		b.wg.Wait()
	})
}

// Handle processes one inbound signaling message. Exposed so that
// non-channel sources (the mDNS scanner) can feed the same path.
func (b *Bridge) Handle(message Message) {
	if message.FromID == b.cfg.Identity.ID {
		return
	}

	switch message.Type {
	case TypeAnnounce:
		err := b.cfg.Registry.UpsertFromAnnounce(models.PeerDescriptor{
			ID:            message.FromID,
			DisplayName:   message.DisplayName,
			Address:       message.Address,
			PlatformClass: message.PlatformClass,
		})
		if err != nil && !errors.Is(err, registry.ErrInvalidDescriptor) {
			logrus.WithError(err).WithField("peer_id", message.FromID).Warn("announce upsert failed")
		}
	case TypeHeartbeat:
		// Heartbeats from never-announced peers carry no metadata to
		// build a record from; ignore until their announce arrives.
		_ = b.cfg.Registry.RecordHeartbeat(message.FromID)
	case TypePeerOffline:
		b.cfg.Registry.MarkOffline(message.FromID)
	case TypePing:
		if message.ToID != "" && message.ToID != b.cfg.Identity.ID {
			return
		}
		if b.cfg.Channel == nil {
			return
		}
		if err := b.cfg.Channel.Send(Message{
			Type:   TypePong,
			FromID: b.cfg.Identity.ID,
			ToID:   message.FromID,
		}); err != nil && !errors.Is(err, ErrChannelClosed) {
			logrus.WithError(err).WithField("peer_id", message.FromID).Warn("pong send failed")
		}
	case TypePong:
		_ = b.cfg.Registry.RecordPong(message.FromID)
		b.notifyPong(message.FromID)
	default:
		logrus.WithField("message_type", message.Type).Debug("dropping unhandled signaling message")
	}
}

// Probe sends a ping and waits for the matching pong. It resolves to
// nil on pong and ErrProbeTimeout after the configured timeout.
func (b *Bridge) Probe(ctx context.Context, peerID string) error {
	if b.cfg.Channel == nil {
		return ErrNoChannel
	}
	waiter := b.registerPongWaiter(peerID)
	defer b.unregisterPongWaiter(peerID, waiter)

	if err := b.cfg.Channel.Send(Message{
		Type:   TypePing,
		FromID: b.cfg.Identity.ID,
		ToID:   peerID,
	}); err != nil {
		return err
	}

	timer := time.NewTimer(b.cfg.ProbeTimeout)
	defer timer.Stop()

	select {
	case <-waiter:
		return nil
	case <-timer.C:
		return ErrProbeTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) eventLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case message, ok := <-b.cfg.Channel.Events():
			if !ok {
				return
			}
			b.Handle(message)
		}
	}
}

func (b *Bridge) tickerLoop() {
	defer b.wg.Done()

	b.sendAnnounce()

	announce := time.NewTicker(b.cfg.AnnounceInterval)
	defer announce.Stop()
	heartbeat := time.NewTicker(b.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-announce.C:
			b.sendAnnounce()
		case <-heartbeat.C:
			if err := b.cfg.Channel.Send(Message{
				Type:   TypeHeartbeat,
				FromID: b.cfg.Identity.ID,
			}); err != nil && !errors.Is(err, ErrChannelClosed) {
				logrus.WithError(err).Warn("heartbeat send failed")
			}
		}
	}
}

func (b *Bridge) sendAnnounce() {
	err := b.cfg.Channel.Send(Message{
		Type:          TypeAnnounce,
		FromID:        b.cfg.Identity.ID,
		DisplayName:   b.cfg.Identity.DisplayName,
		Address:       b.cfg.Identity.Address,
		PlatformClass: b.cfg.Identity.PlatformClass,
	})
	if err != nil && !errors.Is(err, ErrChannelClosed) {
		logrus.WithError(err).Warn("announce send failed")
	}
}

func (b *Bridge) registerPongWaiter(peerID string) chan struct{} {
	waiter := make(chan struct{}, 1)
	b.pongMu.Lock()
	b.pongWaiters[peerID] = append(b.pongWaiters[peerID], waiter)
	b.pongMu.Unlock()
	return waiter
}

func (b *Bridge) unregisterPongWaiter(peerID string, waiter chan struct{}) {
	b.pongMu.Lock()
	defer b.pongMu.Unlock()

	waiters := b.pongWaiters[peerID]
	for i, candidate := range waiters {
		if candidate == waiter {
			b.pongWaiters[peerID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(b.pongWaiters[peerID]) == 0 {
		delete(b.pongWaiters, peerID)
	}
}

func (b *Bridge) notifyPong(peerID string) {
	b.pongMu.Lock()
	defer b.pongMu.Unlock()

	for _, waiter := range b.pongWaiters[peerID] {
		select {
		case waiter <- struct{}{}:
		default:
		}
	}
}
