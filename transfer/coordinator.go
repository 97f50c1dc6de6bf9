package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"peerdrop/link"
	"peerdrop/models"
)

const (
	// DefaultConnectTimeout guards the connecting phase: dial, offer,
	// and the peer's accept/reject reply.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultMaxActiveTransfers bounds concurrent outbound chunk loops.
	DefaultMaxActiveTransfers = 8
)

// PeerDirectory is the registry surface the coordinator depends on.
// Reachability checks go through Lookup; probe outcomes feed back
// through MarkOffline and RecordPong only.
type PeerDirectory interface {
	Lookup(peerID string) (models.Peer, bool)
	MarkOffline(peerID string)
	RecordPong(peerID string) error
}

// Prober resolves a peer's liveness with a ping/pong round trip.
type Prober interface {
	Probe(ctx context.Context, peerID string) error
}

// HistorySink accepts terminal transfer records for durable storage.
// The coordinator only ever writes to it.
type HistorySink interface {
	Append(record models.TransferRecord) error
}

// CoordinatorOptions configures transfer lifecycle management.
type CoordinatorOptions struct {
	DeviceID    string
	DisplayName string

	Peers   PeerDirectory
	IO      IOProvider
	Prober  Prober
	History HistorySink

	ConnectTimeout     time.Duration
	MaxActiveTransfers int64

	nowFn func() time.Time
}

// Coordinator owns every transfer's lifecycle and enforces at most one
// active byte stream per transfer id.
type Coordinator struct {
	options CoordinatorOptions
	dialer  link.Dialer
	sem     *semaphore.Weighted

	mu        sync.Mutex
	transfers map[string]*Transfer

	wg sync.WaitGroup
}

// NewCoordinator creates a coordinator with validated configuration.
func NewCoordinator(options CoordinatorOptions) (*Coordinator, error) {
	if options.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if options.Peers == nil {
		return nil, errors.New("peer directory is required")
	}
	if options.IO == nil {
		return nil, errors.New("io provider is required")
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.MaxActiveTransfers <= 0 {
		options.MaxActiveTransfers = DefaultMaxActiveTransfers
	}
	if options.nowFn == nil {
		options.nowFn = time.Now
	}

	return &Coordinator{
		options: options,
		dialer: link.Dialer{
			DeviceID:    options.DeviceID,
			DisplayName: options.DisplayName,
			DialTimeout: options.ConnectTimeout,
		},
		sem:       semaphore.NewWeighted(options.MaxActiveTransfers),
		transfers: make(map[string]*Transfer),
	}, nil
}

func (c *Coordinator) now() time.Time {
	return c.options.nowFn()
}

// Initiate validates the target peer and resource, creates a pending
// outbound transfer, and returns its id immediately. The connect and
// streaming sequence proceeds in the background.
func (c *Coordinator) Initiate(resource models.Resource, peerID, direction string) (string, error) {
	if direction != models.DirectionOutbound {
		return "", fmt.Errorf("%w: direction %q: inbound transfers are created by remote offers", ErrInvalidResource, direction)
	}
	if _, ok := c.options.Peers.Lookup(peerID); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if resource.TotalSizeBytes <= 0 {
		return "", fmt.Errorf("%w: total size must be > 0", ErrInvalidResource)
	}

	// Resolvability check up front; the runner reopens for streaming.
	reader, err := c.options.IO.OpenReader(resource)
	if err != nil {
		if errors.Is(err, ErrInvalidResource) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}
	_ = reader.Close()

	t := newTransfer(uuid.NewString(), models.DirectionOutbound, peerID, resource, c.now())

	c.mu.Lock()
	c.transfers[t.id] = t
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"transfer_id": t.id,
		"peer_id":     peerID,
		"resource":    resource.Name,
		"total_bytes": resource.TotalSizeBytes,
	}).Info("transfer initiated")

	c.wg.Add(1)
	go c.runOutbound(t)

	return t.id, nil
}

// Pause halts an active transfer at the next chunk boundary. Pausing
// an already paused transfer is a no-op success.
func (c *Coordinator) Pause(id string) error {
	t, err := c.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StatePaused {
		return nil
	}
	if !legalTransition(t.state, StatePaused) {
		return stateConflict("pause", id, t.state)
	}
	t.state = StatePaused
	t.resumeCh = make(chan struct{})
	logrus.WithField("transfer_id", id).Info("transfer paused")
	return nil
}

// Resume re-enters the chunk loop at the next unacknowledged chunk
// boundary. Resuming an already active transfer is a no-op success.
func (c *Coordinator) Resume(id string) error {
	t, err := c.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateActive {
		return nil
	}
	if t.state != StatePaused {
		return stateConflict("resume", id, t.state)
	}
	t.state = StateActive
	if t.resumeCh != nil {
		close(t.resumeCh)
		t.resumeCh = nil
	}
	logrus.WithField("transfer_id", id).Info("transfer resumed")
	return nil
}

// Cancel aborts a transfer; it takes effect before the next chunk
// boundary. A repeated cancel on a cancelled transfer is a no-op
// success and appends no second history record.
func (c *Coordinator) Cancel(id string) error {
	t, err := c.lookup(id)
	if err != nil {
		return err
	}

	if c.transition(t, StateCancelled, nil) {
		return nil
	}

	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state == StateCancelled {
		return nil
	}
	return stateConflict("cancel", id, state)
}

// Retry re-runs a failed transfer from scratch: bytes reset to zero,
// a fresh start time, and a new pending lifecycle. Retrying a transfer
// already back in pending is a no-op success.
func (c *Coordinator) Retry(id string) error {
	t, err := c.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.direction != models.DirectionOutbound {
		t.mu.Unlock()
		return fmt.Errorf("%w: inbound transfer %s is re-sent by its originator", ErrStateConflict, id)
	}
	if t.state == StatePending {
		t.mu.Unlock()
		return nil
	}
	if !legalTransition(t.state, StatePending) {
		state := t.state
		t.mu.Unlock()
		return stateConflict("retry", id, state)
	}
	t.state = StatePending
	t.bytes = 0
	t.lastErr = nil
	t.rate = 0
	t.startedAt = c.now()
	t.endedAt = time.Time{}
	t.lastChunkAt = t.startedAt
	t.runCtx, t.runCancel = context.WithCancel(context.Background())
	t.mu.Unlock()

	logrus.WithField("transfer_id", id).Info("transfer retrying")

	c.wg.Add(1)
	go c.runOutbound(t)
	return nil
}

// ProgressOf returns a read-only snapshot of one transfer.
func (c *Coordinator) ProgressOf(id string) (Progress, error) {
	t, err := c.lookup(id)
	if err != nil {
		return Progress{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressLocked(), nil
}

// Transfers returns snapshots of every known transfer.
func (c *Coordinator) Transfers() []Progress {
	c.mu.Lock()
	all := make([]*Transfer, 0, len(c.transfers))
	for _, t := range c.transfers {
		all = append(all, t)
	}
	c.mu.Unlock()

	out := make([]Progress, 0, len(all))
	for _, t := range all {
		t.mu.Lock()
		out = append(out, t.progressLocked())
		t.mu.Unlock()
	}
	return out
}

// Probe resolves a peer's reachability with a bounded liveness round
// trip. The outcome feeds the registry through its own operations.
func (c *Coordinator) Probe(ctx context.Context, peerID string) (bool, error) {
	if _, ok := c.options.Peers.Lookup(peerID); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if c.options.Prober == nil {
		return false, errors.New("no prober configured")
	}

	if err := c.options.Prober.Probe(ctx, peerID); err != nil {
		if errors.Is(err, context.Canceled) {
			return false, err
		}
		c.options.Peers.MarkOffline(peerID)
		return false, fmt.Errorf("%w: probe %s: %v", ErrTimeout, peerID, err)
	}
	_ = c.options.Peers.RecordPong(peerID)
	return true, nil
}

// Shutdown interrupts every running transfer loop and waits for them.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	for _, t := range c.transfers {
		t.mu.Lock()
		t.runCancel()
		t.mu.Unlock()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) lookup(id string) (*Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	return t, nil
}

// transition applies a guarded state change. Terminal entries stamp
// endedAt, interrupt the run loop, and append exactly one history
// record.
func (c *Coordinator) transition(t *Transfer, to string, cause error) bool {
	t.mu.Lock()
	if !legalTransition(t.state, to) {
		t.mu.Unlock()
		return false
	}
	from := t.state
	t.state = to
	if cause != nil {
		t.lastErr = cause
	}
	var record *models.TransferRecord
	if isTerminal(to) {
		t.endedAt = c.now()
		snapshot := t.record()
		record = &snapshot
		t.runCancel()
	}
	t.mu.Unlock()

	entry := logrus.WithFields(logrus.Fields{
		"transfer_id": t.id,
		"from":        from,
		"to":          to,
	})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Info("transfer state changed")

	if record != nil && c.options.History != nil {
		if err := c.options.History.Append(*record); err != nil {
			logrus.WithError(err).WithField("transfer_id", t.id).Error("history append failed")
		}
	}
	return true
}

func (c *Coordinator) fail(t *Transfer, cause error) {
	c.transition(t, StateFailed, cause)
}

func (c *Coordinator) runOutbound(t *Transfer) {
	defer c.wg.Done()

	if err := c.sem.Acquire(t.runCtx, 1); err != nil {
		return
	}
	defer c.sem.Release(1)

	if !c.transition(t, StateConnecting, nil) {
		return
	}

	peer, ok := c.options.Peers.Lookup(t.peerID)
	if !ok {
		c.fail(t, fmt.Errorf("%w: %s", ErrUnknownPeer, t.peerID))
		return
	}

	conn, err := c.dialer.Dial(peer.Address)
	if err != nil {
		c.fail(t, classifyNetError(err, "connect to "+peer.Address))
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	// Cancellation unblocks in-flight socket I/O by closing the link.
	go func() {
		select {
		case <-t.runCtx.Done():
			_ = conn.Close()
		case <-conn.Done():
		}
	}()

	chunkSize := chunkSizeFor(t.resource.TotalSizeBytes)
	offer := link.TransferOffer{
		Type:           link.TypeTransferOffer,
		TransferID:     t.id,
		FromID:         c.options.DeviceID,
		ResourceName:   t.resource.Name,
		TotalSizeBytes: t.resource.TotalSizeBytes,
		ContentKind:    t.resource.ContentKind,
		ChunkSize:      chunkSize,
		Timestamp:      c.now().UnixMilli(),
	}
	if err := conn.SendMessage(offer); err != nil {
		c.fail(t, classifyNetError(err, "send offer"))
		return
	}

	reply, err := c.awaitReply(t, conn)
	if err != nil {
		if !c.cancelled(t) {
			c.fail(t, err)
		}
		return
	}
	if reply.Status != link.ReplyAccepted {
		c.fail(t, fmt.Errorf("%w: peer rejected transfer: %s", ErrIO, reply.Message))
		return
	}

	if !c.transition(t, StateActive, nil) {
		// Cancelled while connecting.
		c.sendAbort(conn, t.id, "cancelled")
		return
	}

	reader, err := c.options.IO.OpenReader(t.resource)
	if err != nil {
		c.fail(t, fmt.Errorf("%w: %v", ErrIO, err))
		c.sendAbort(conn, t.id, "source unavailable")
		return
	}
	defer func() {
		_ = reader.Close()
	}()

	total := t.resource.TotalSizeBytes
	for index := 0; ; index++ {
		offset, proceed := c.awaitRunnable(t)
		if !proceed {
			c.sendAbort(conn, t.id, "cancelled")
			return
		}

		size := chunkSize
		if remaining := total - offset; remaining < int64(size) {
			size = int(remaining)
		}

		data, err := reader.ReadChunkAt(offset, size)
		if err != nil {
			c.fail(t, fmt.Errorf("%w: read chunk %d: %v", ErrIO, index, err))
			c.sendAbort(conn, t.id, "read failure")
			return
		}

		if err := conn.SendMessage(link.ChunkData{
			Type:       link.TypeChunkData,
			TransferID: t.id,
			ChunkIndex: index,
			Data:       data,
			Timestamp:  c.now().UnixMilli(),
		}); err != nil {
			if !c.cancelled(t) {
				c.fail(t, classifyNetError(err, fmt.Sprintf("send chunk %d", index)))
			}
			return
		}

		if err := c.awaitAck(t, conn, index); err != nil {
			if !c.cancelled(t) {
				c.fail(t, err)
			}
			return
		}

		t.mu.Lock()
		t.addBytesLocked(int64(len(data)), c.now())
		done := t.bytes == total
		t.mu.Unlock()

		if done {
			// Size-based completion; no separate done signal from the peer.
			c.transition(t, StateCompleted, nil)
			return
		}
	}
}

// awaitRunnable blocks while the transfer is paused and reports the
// resume offset, or false once the transfer left the runnable states.
func (c *Coordinator) awaitRunnable(t *Transfer) (int64, bool) {
	for {
		t.mu.Lock()
		switch t.state {
		case StateActive:
			offset := t.bytes
			t.mu.Unlock()
			return offset, true
		case StatePaused:
			resume := t.resumeCh
			ctx := t.runCtx
			t.mu.Unlock()
			select {
			case <-resume:
			case <-ctx.Done():
				return 0, false
			}
		default:
			t.mu.Unlock()
			return 0, false
		}
	}
}

func (c *Coordinator) awaitReply(t *Transfer, conn *link.Conn) (link.TransferReply, error) {
	for {
		payload, messageType, err := conn.ReadMessage(c.options.ConnectTimeout)
		if err != nil {
			return link.TransferReply{}, classifyNetError(err, "await transfer reply")
		}
		if messageType != link.TypeTransferReply {
			continue
		}
		var reply link.TransferReply
		if err := json.Unmarshal(payload, &reply); err != nil {
			return link.TransferReply{}, fmt.Errorf("%w: decode transfer reply: %v", ErrIO, err)
		}
		if reply.TransferID != t.id {
			continue
		}
		return reply, nil
	}
}

// awaitAck blocks until the ack for chunk index arrives. There is no
// transfer-level timeout while active; stalls are a caller policy.
func (c *Coordinator) awaitAck(t *Transfer, conn *link.Conn, index int) error {
	for {
		payload, messageType, err := conn.ReadMessage(0)
		if err != nil {
			return classifyNetError(err, fmt.Sprintf("await ack for chunk %d", index))
		}
		switch messageType {
		case link.TypeChunkAck:
			var ack link.ChunkAck
			if err := json.Unmarshal(payload, &ack); err != nil {
				return fmt.Errorf("%w: decode chunk ack: %v", ErrIO, err)
			}
			if ack.TransferID == t.id && ack.ChunkIndex == index {
				return nil
			}
		case link.TypeTransferAbort:
			var abort link.TransferAbort
			if err := json.Unmarshal(payload, &abort); err != nil {
				return fmt.Errorf("%w: decode abort: %v", ErrIO, err)
			}
			if abort.TransferID == t.id {
				return fmt.Errorf("%w: aborted by peer: %s", ErrIO, abort.Reason)
			}
		}
	}
}

func (c *Coordinator) cancelled(t *Transfer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateCancelled
}

func (c *Coordinator) sendAbort(conn *link.Conn, transferID, reason string) {
	_ = conn.SendMessage(link.TransferAbort{
		Type:       link.TypeTransferAbort,
		TransferID: transferID,
		Reason:     reason,
		Timestamp:  c.now().UnixMilli(),
	})
}

func classifyNetError(err error, op string) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrIO, op, err)
}
