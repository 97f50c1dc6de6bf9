package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/link"
	"peerdrop/models"
	"peerdrop/registry"
)

// memProvider is an in-memory IOProvider. Reads serve from source,
// writes land in a staged buffer and move to committed on Commit.
type memProvider struct {
	mu sync.Mutex

	source     []byte
	failReadAt int64 // byte offset at which reads start failing; -1 disables

	// writeGate, when set, is received from before every chunk write.
	writeGate chan struct{}

	committed map[string][]byte
}

func newMemProvider(source []byte) *memProvider {
	return &memProvider{
		source:     source,
		failReadAt: -1,
		committed:  make(map[string][]byte),
	}
}

func (p *memProvider) setFailReadAt(offset int64) {
	p.mu.Lock()
	p.failReadAt = offset
	p.mu.Unlock()
}

func (p *memProvider) committedData(name string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.committed[name]
	return data, ok
}

func (p *memProvider) OpenReader(resource models.Resource) (ChunkReader, error) {
	if resource.TotalSizeBytes != int64(len(p.source)) {
		return nil, fmt.Errorf("%w: size mismatch", ErrInvalidResource)
	}
	return &memReader{provider: p}, nil
}

func (p *memProvider) OpenWriter(resource models.Resource) (ChunkWriter, error) {
	return &memWriter{
		provider: p,
		name:     resource.Name,
		staged:   make([]byte, resource.TotalSizeBytes),
	}, nil
}

type memReader struct {
	provider *memProvider
}

func (r *memReader) ReadChunkAt(offset int64, size int) ([]byte, error) {
	r.provider.mu.Lock()
	failAt := r.provider.failReadAt
	source := r.provider.source
	r.provider.mu.Unlock()

	if failAt >= 0 && offset >= failAt {
		return nil, errors.New("injected read failure")
	}
	end := offset + int64(size)
	if end > int64(len(source)) {
		end = int64(len(source))
	}
	return source[offset:end], nil
}

func (r *memReader) Close() error { return nil }

type memWriter struct {
	provider *memProvider
	name     string
	staged   []byte
}

func (w *memWriter) WriteChunkAt(offset int64, data []byte) error {
	w.provider.mu.Lock()
	gate := w.provider.writeGate
	w.provider.mu.Unlock()
	if gate != nil {
		<-gate
	}
	copy(w.staged[offset:], data)
	return nil
}

func (w *memWriter) Commit() error {
	w.provider.mu.Lock()
	w.provider.committed[w.name] = w.staged
	w.provider.mu.Unlock()
	return nil
}

func (w *memWriter) Close() error { return nil }

// recordingHistory captures appended terminal records.
type recordingHistory struct {
	mu      sync.Mutex
	records []models.TransferRecord
}

func (h *recordingHistory) Append(record models.TransferRecord) error {
	h.mu.Lock()
	h.records = append(h.records, record)
	h.mu.Unlock()
	return nil
}

func (h *recordingHistory) all() []models.TransferRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.TransferRecord(nil), h.records...)
}

type probeFunc func(ctx context.Context, peerID string) error

func (f probeFunc) Probe(ctx context.Context, peerID string) error { return f(ctx, peerID) }

// recordingPeers tracks probe outcome feedback.
type recordingPeers struct {
	mu      sync.Mutex
	peers   map[string]models.Peer
	offline []string
	pongs   []string
}

func newRecordingPeers(peers ...models.Peer) *recordingPeers {
	byID := make(map[string]models.Peer, len(peers))
	for _, peer := range peers {
		byID[peer.ID] = peer
	}
	return &recordingPeers{peers: byID}
}

func (p *recordingPeers) Lookup(peerID string) (models.Peer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.peers[peerID]
	return peer, ok
}

func (p *recordingPeers) MarkOffline(peerID string) {
	p.mu.Lock()
	p.offline = append(p.offline, peerID)
	delete(p.peers, peerID)
	p.mu.Unlock()
}

func (p *recordingPeers) RecordPong(peerID string) error {
	p.mu.Lock()
	p.pongs = append(p.pongs, peerID)
	p.mu.Unlock()
	return nil
}

// endpoint bundles one side of a sender/receiver pair.
type endpoint struct {
	coordinator *Coordinator
	registry    *registry.Registry
	io          *memProvider
	history     *recordingHistory
	server      *link.Server
}

func newEndpoint(t *testing.T, deviceID string, source []byte) *endpoint {
	t.Helper()

	reg := registry.New(registry.Config{})
	io := newMemProvider(source)
	history := &recordingHistory{}

	coordinator, err := NewCoordinator(CoordinatorOptions{
		DeviceID:       deviceID,
		DisplayName:    deviceID,
		Peers:          reg,
		IO:             io,
		History:        history,
		ConnectTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	server, err := link.NewServer(link.ServerOptions{
		ListenAddress: "127.0.0.1:0",
		DeviceID:      deviceID,
		DisplayName:   deviceID,
		Handler:       coordinator.HandleConn,
	})
	require.NoError(t, err)
	server.Start()

	t.Cleanup(func() {
		coordinator.Shutdown()
		server.Stop()
	})

	return &endpoint{
		coordinator: coordinator,
		registry:    reg,
		io:          io,
		history:     history,
		server:      server,
	}
}

func introduce(t *testing.T, a, b *endpoint, aID, bID string) {
	t.Helper()
	require.NoError(t, a.registry.UpsertFromAnnounce(models.PeerDescriptor{
		ID:            bID,
		DisplayName:   bID,
		Address:       b.server.Addr(),
		PlatformClass: models.PlatformLinux,
	}))
	require.NoError(t, b.registry.UpsertFromAnnounce(models.PeerDescriptor{
		ID:            aID,
		DisplayName:   aID,
		Address:       a.server.Addr(),
		PlatformClass: models.PlatformLinux,
	}))
}

func randomBytes(n int) []byte {
	data := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	rng.Read(data)
	return data
}

func waitForState(t *testing.T, c *Coordinator, id, state string) Progress {
	t.Helper()
	var progress Progress
	require.Eventually(t, func() bool {
		var err error
		progress, err = c.ProgressOf(id)
		return err == nil && progress.State == state
	}, 5*time.Second, 10*time.Millisecond, "waiting for state %s", state)
	return progress
}

func TestOutboundTransferCompletes(t *testing.T) {
	source := randomBytes(1_000_000)
	sender := newEndpoint(t, "alice", source)
	receiver := newEndpoint(t, "bob", nil)
	introduce(t, sender, receiver, "alice", "bob")

	resource := models.Resource{
		Name:           "payload.bin",
		TotalSizeBytes: int64(len(source)),
		ContentKind:    "application/octet-stream",
	}
	id, err := sender.coordinator.Initiate(resource, "bob", models.DirectionOutbound)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	progress := waitForState(t, sender.coordinator, id, StateCompleted)
	assert.Equal(t, int64(len(source)), progress.BytesTransferred)
	assert.Equal(t, 1.0, progress.ProgressRatio)
	assert.Empty(t, progress.LastError)
	assert.Equal(t, models.DirectionOutbound, progress.Direction)

	received, ok := receiver.io.committedData("payload.bin")
	require.True(t, ok, "receiver never committed the file")
	assert.True(t, bytes.Equal(source, received), "received bytes differ from source")

	inbound := waitForState(t, receiver.coordinator, id, StateCompleted)
	assert.Equal(t, models.DirectionInbound, inbound.Direction)
	assert.Equal(t, int64(len(source)), inbound.BytesTransferred)

	records := sender.history.all()
	require.Len(t, records, 1)
	assert.Equal(t, StateCompleted, records[0].FinalState)
	assert.Equal(t, int64(len(source)), records[0].BytesTransferred)
	assert.Equal(t, "payload.bin", records[0].ResourceName)
	assert.False(t, records[0].EndedAt.IsZero())

	require.Eventually(t, func() bool {
		return len(receiver.history.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelWhileConnecting(t *testing.T) {
	// A listener that accepts but never completes the hello keeps the
	// transfer parked in connecting.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	defer func() {
		select {
		case conn := <-accepted:
			_ = conn.Close()
		default:
		}
	}()

	source := randomBytes(4096)
	sender := newEndpoint(t, "alice", source)
	require.NoError(t, sender.registry.UpsertFromAnnounce(models.PeerDescriptor{
		ID:            "mute",
		DisplayName:   "mute",
		Address:       listener.Addr().String(),
		PlatformClass: models.PlatformLinux,
	}))

	resource := models.Resource{Name: "stalled.bin", TotalSizeBytes: int64(len(source))}
	id, err := sender.coordinator.Initiate(resource, "mute", models.DirectionOutbound)
	require.NoError(t, err)

	waitForState(t, sender.coordinator, id, StateConnecting)
	require.NoError(t, sender.coordinator.Cancel(id))

	progress, err := sender.coordinator.ProgressOf(id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, progress.State)
	assert.Zero(t, progress.BytesTransferred)

	// Repeated cancel is a no-op success and appends nothing.
	require.NoError(t, sender.coordinator.Cancel(id))

	sender.coordinator.Shutdown()

	records := sender.history.all()
	require.Len(t, records, 1)
	assert.Equal(t, StateCancelled, records[0].FinalState)
	assert.Zero(t, records[0].BytesTransferred)
}

func TestChunkReadFailureFailsAndRetryResets(t *testing.T) {
	// Ten 64KiB chunks; reads fail from the fifth chunk on.
	const chunkSize = chunkSizeSmall
	source := randomBytes(10 * chunkSize)
	sender := newEndpoint(t, "alice", source)
	receiver := newEndpoint(t, "bob", nil)
	introduce(t, sender, receiver, "alice", "bob")

	sender.io.setFailReadAt(4 * chunkSize)

	resource := models.Resource{Name: "flaky.bin", TotalSizeBytes: int64(len(source))}
	id, err := sender.coordinator.Initiate(resource, "bob", models.DirectionOutbound)
	require.NoError(t, err)

	progress := waitForState(t, sender.coordinator, id, StateFailed)
	assert.Equal(t, int64(4*chunkSize), progress.BytesTransferred)
	assert.NotEmpty(t, progress.LastError)

	records := sender.history.all()
	require.Len(t, records, 1)
	assert.Equal(t, StateFailed, records[0].FinalState)
	assert.Equal(t, int64(4*chunkSize), records[0].BytesTransferred)
	assert.NotEmpty(t, records[0].LastError)

	// Retry restarts from scratch. Reads now fail on the very first
	// chunk, so the re-run ends failed with zero bytes, proving the
	// byte counter was reset rather than carried over.
	sender.io.setFailReadAt(0)
	require.NoError(t, sender.coordinator.Retry(id))

	require.Eventually(t, func() bool {
		p, err := sender.coordinator.ProgressOf(id)
		return err == nil && p.State == StateFailed && p.BytesTransferred == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPauseHoldsBytesUntilResume(t *testing.T) {
	// Ten 64KiB chunks with a gated receive path: three writes may
	// proceed, then the stream stalls until the gate opens.
	const chunkSize = chunkSizeSmall
	source := randomBytes(10 * chunkSize)
	sender := newEndpoint(t, "alice", source)
	receiver := newEndpoint(t, "bob", nil)
	introduce(t, sender, receiver, "alice", "bob")

	gate := make(chan struct{}, 16)
	receiver.io.writeGate = gate
	gate <- struct{}{}
	gate <- struct{}{}
	gate <- struct{}{}

	resource := models.Resource{Name: "gated.bin", TotalSizeBytes: int64(len(source))}
	id, err := sender.coordinator.Initiate(resource, "bob", models.DirectionOutbound)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, err := sender.coordinator.ProgressOf(id)
		return err == nil && p.BytesTransferred == int64(3*chunkSize)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sender.coordinator.Pause(id))
	progress, err := sender.coordinator.ProgressOf(id)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, progress.State)

	// Everything downstream is parked, so bytes cannot move.
	time.Sleep(50 * time.Millisecond)
	progress, err = sender.coordinator.ProgressOf(id)
	require.NoError(t, err)
	assert.Equal(t, int64(3*chunkSize), progress.BytesTransferred)

	close(gate)
	require.NoError(t, sender.coordinator.Resume(id))

	progress = waitForState(t, sender.coordinator, id, StateCompleted)
	assert.Equal(t, int64(len(source)), progress.BytesTransferred)

	received, ok := receiver.io.committedData("gated.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(source, received))
}

func TestPauseParksChunkLoop(t *testing.T) {
	c := newBareCoordinator(t)
	defer c.Shutdown()
	registerTransfer(c, "t1")
	forceState(c, "t1", StateActive)

	tr, err := c.lookup("t1")
	require.NoError(t, err)
	require.NoError(t, c.Pause("t1"))

	resumed := make(chan int64, 1)
	go func() {
		offset, ok := c.awaitRunnable(tr)
		if ok {
			resumed <- offset
		}
	}()

	select {
	case <-resumed:
		t.Fatal("chunk loop ran while paused")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, c.Resume("t1"))
	select {
	case offset := <-resumed:
		assert.Zero(t, offset)
	case <-time.After(time.Second):
		t.Fatal("chunk loop never resumed")
	}
}

func TestInitiateValidation(t *testing.T) {
	source := randomBytes(1024)
	sender := newEndpoint(t, "alice", source)
	require.NoError(t, sender.registry.UpsertFromAnnounce(models.PeerDescriptor{
		ID:            "bob",
		DisplayName:   "bob",
		Address:       "127.0.0.1:1",
		PlatformClass: models.PlatformLinux,
	}))

	valid := models.Resource{Name: "x.bin", TotalSizeBytes: 1024}

	_, err := sender.coordinator.Initiate(valid, "nobody", models.DirectionOutbound)
	assert.ErrorIs(t, err, ErrUnknownPeer)

	_, err = sender.coordinator.Initiate(models.Resource{Name: "x.bin"}, "bob", models.DirectionOutbound)
	assert.ErrorIs(t, err, ErrInvalidResource)

	_, err = sender.coordinator.Initiate(valid, "bob", models.DirectionInbound)
	assert.ErrorIs(t, err, ErrInvalidResource)

	// Source that cannot be resolved is rejected up front.
	_, err = sender.coordinator.Initiate(models.Resource{Name: "y.bin", TotalSizeBytes: 4096}, "bob", models.DirectionOutbound)
	assert.ErrorIs(t, err, ErrInvalidResource)
}

func TestDialFailureClassifiedAsIO(t *testing.T) {
	source := randomBytes(1024)
	sender := newEndpoint(t, "alice", source)
	require.NoError(t, sender.registry.UpsertFromAnnounce(models.PeerDescriptor{
		ID:            "gone",
		DisplayName:   "gone",
		Address:       "127.0.0.1:1",
		PlatformClass: models.PlatformLinux,
	}))

	resource := models.Resource{Name: "x.bin", TotalSizeBytes: 1024}
	id, err := sender.coordinator.Initiate(resource, "gone", models.DirectionOutbound)
	require.NoError(t, err)

	progress := waitForState(t, sender.coordinator, id, StateFailed)
	assert.NotEmpty(t, progress.LastError)
}

func TestProbeOutcomesFeedDirectory(t *testing.T) {
	peer := models.Peer{ID: "bob", DisplayName: "bob", Address: "127.0.0.1:1"}

	t.Run("pong refreshes liveness", func(t *testing.T) {
		peers := newRecordingPeers(peer)
		c, err := NewCoordinator(CoordinatorOptions{
			DeviceID: "alice",
			Peers:    peers,
			IO:       newMemProvider(nil),
			Prober: probeFunc(func(ctx context.Context, peerID string) error {
				return nil
			}),
		})
		require.NoError(t, err)
		defer c.Shutdown()

		online, err := c.Probe(context.Background(), "bob")
		require.NoError(t, err)
		assert.True(t, online)
		assert.Equal(t, []string{"bob"}, peers.pongs)
		assert.Empty(t, peers.offline)
	})

	t.Run("timeout marks peer offline", func(t *testing.T) {
		peers := newRecordingPeers(peer)
		c, err := NewCoordinator(CoordinatorOptions{
			DeviceID: "alice",
			Peers:    peers,
			IO:       newMemProvider(nil),
			Prober: probeFunc(func(ctx context.Context, peerID string) error {
				return errors.New("no pong")
			}),
		})
		require.NoError(t, err)
		defer c.Shutdown()

		online, err := c.Probe(context.Background(), "bob")
		assert.False(t, online)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, []string{"bob"}, peers.offline)
		assert.Empty(t, peers.pongs)
	})

	t.Run("unknown peer", func(t *testing.T) {
		peers := newRecordingPeers()
		c, err := NewCoordinator(CoordinatorOptions{
			DeviceID: "alice",
			Peers:    peers,
			IO:       newMemProvider(nil),
			Prober:   probeFunc(func(ctx context.Context, peerID string) error { return nil }),
		})
		require.NoError(t, err)
		defer c.Shutdown()

		_, err = c.Probe(context.Background(), "bob")
		assert.ErrorIs(t, err, ErrUnknownPeer)
	})
}

func TestInboundOfferRejections(t *testing.T) {
	receiver := newEndpoint(t, "bob", nil)
	require.NoError(t, receiver.registry.UpsertFromAnnounce(models.PeerDescriptor{
		ID:            "alice",
		DisplayName:   "alice",
		Address:       "127.0.0.1:1",
		PlatformClass: models.PlatformLinux,
	}))

	dialer := link.Dialer{DeviceID: "alice", DisplayName: "alice", DialTimeout: 2 * time.Second}
	conn, err := dialer.Dial(receiver.server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	sendOffer := func(offer link.TransferOffer) link.TransferReply {
		t.Helper()
		offer.Type = link.TypeTransferOffer
		require.NoError(t, conn.SendMessage(offer))
		for {
			payload, messageType, err := conn.ReadMessage(2 * time.Second)
			require.NoError(t, err)
			if messageType != link.TypeTransferReply {
				continue
			}
			var reply link.TransferReply
			require.NoError(t, json.Unmarshal(payload, &reply))
			return reply
		}
	}

	reply := sendOffer(link.TransferOffer{TransferID: "t1", FromID: "mallory", ResourceName: "a", TotalSizeBytes: 10})
	assert.Equal(t, link.ReplyRejected, reply.Status)

	reply = sendOffer(link.TransferOffer{TransferID: "t2", FromID: "alice", ResourceName: "a", TotalSizeBytes: 0})
	assert.Equal(t, link.ReplyRejected, reply.Status)

	reply = sendOffer(link.TransferOffer{TransferID: "t3", FromID: "alice", ResourceName: "a", TotalSizeBytes: 10})
	assert.Equal(t, link.ReplyAccepted, reply.Status)

	reply = sendOffer(link.TransferOffer{TransferID: "t3", FromID: "alice", ResourceName: "a", TotalSizeBytes: 10})
	assert.Equal(t, link.ReplyRejected, reply.Status, "duplicate transfer id must be rejected")
}
