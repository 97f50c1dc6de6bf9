// Package transfer owns the full lifecycle of outbound and inbound
// file transfers: chunked streaming with stop-and-wait acknowledgement,
// pause/resume/cancel/retry, and progress accounting.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peerdrop/models"
)

// Transfer lifecycle states.
const (
	StatePending    = "pending"
	StateConnecting = "connecting"
	StateActive     = "active"
	StatePaused     = "paused"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
)

var (
	// ErrUnknownTransfer indicates the transfer id is not known.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
	// ErrUnknownPeer indicates the target peer is not in the registry.
	ErrUnknownPeer = errors.New("transfer: unknown peer")
	// ErrInvalidResource indicates the resource is empty or unresolvable.
	ErrInvalidResource = errors.New("transfer: invalid resource")
	// ErrStateConflict indicates an operation not applicable in the
	// transfer's current state. The wrapped message names both.
	ErrStateConflict = errors.New("transfer: not applicable in current state")

	// ErrTimeout classifies connect and probe deadline failures so
	// retry policies can back off before retrying.
	ErrTimeout = errors.New("transfer: timeout")
	// ErrIO classifies chunk read/write failures and peer drops.
	ErrIO = errors.New("transfer: i/o failure")
)

// legalTransition mirrors the lifecycle table: anything not listed is
// rejected.
func legalTransition(from, to string) bool {
	switch from {
	case StatePending:
		return to == StateConnecting || to == StateFailed
	case StateConnecting:
		return to == StateActive || to == StateFailed || to == StateCancelled
	case StateActive:
		return to == StatePaused || to == StateCompleted || to == StateFailed || to == StateCancelled
	case StatePaused:
		return to == StateActive || to == StateCancelled
	case StateFailed:
		return to == StatePending
	default:
		return false
	}
}

// isTerminal reports whether a state has no outgoing transitions other
// than explicit retry.
func isTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateCancelled
}

// Progress is a read-only snapshot of one transfer.
type Progress struct {
	TransferID       string
	PeerID           string
	Direction        string
	State            string
	BytesTransferred int64
	TotalSizeBytes   int64
	ProgressRatio    float64
	RateBytesPerSec  float64
	LastError        string
}

// rate smoothing factor, exponential moving average.
const rateAlpha = 0.3

// Transfer tracks one file transfer. All fields are guarded by mu;
// the chunk loop never holds mu across I/O.
type Transfer struct {
	mu sync.Mutex

	id        string
	direction string
	peerID    string
	resource  models.Resource

	state     string
	bytes     int64
	startedAt time.Time
	endedAt   time.Time
	lastErr   error

	rate        float64
	lastChunkAt time.Time

	// runCtx is cancelled on cancel/failure to unblock in-flight I/O.
	runCtx    context.Context
	runCancel context.CancelFunc

	// resumeCh is replaced on pause and closed on resume.
	resumeCh chan struct{}
}

func newTransfer(id, direction, peerID string, resource models.Resource, now time.Time) *Transfer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transfer{
		id:          id,
		direction:   direction,
		peerID:      peerID,
		resource:    resource,
		state:       StatePending,
		startedAt:   now,
		lastChunkAt: now,
		runCtx:      ctx,
		runCancel:   cancel,
	}
}

// progressLocked builds a snapshot; callers hold mu.
func (t *Transfer) progressLocked() Progress {
	ratio := 0.0
	if t.resource.TotalSizeBytes > 0 {
		ratio = float64(t.bytes) / float64(t.resource.TotalSizeBytes)
	}
	lastError := ""
	if t.lastErr != nil {
		lastError = t.lastErr.Error()
	}
	return Progress{
		TransferID:       t.id,
		PeerID:           t.peerID,
		Direction:        t.direction,
		State:            t.state,
		BytesTransferred: t.bytes,
		TotalSizeBytes:   t.resource.TotalSizeBytes,
		ProgressRatio:    ratio,
		RateBytesPerSec:  t.rate,
		LastError:        lastError,
	}
}

// addBytesLocked applies one chunk's worth of progress. Bytes are
// monotonic and clamped to the resource total; exceeding the total
// indicates a defect upstream.
func (t *Transfer) addBytesLocked(n int64, now time.Time) {
	if n < 0 {
		panic(fmt.Sprintf("transfer %s: negative chunk size %d", t.id, n))
	}
	next := t.bytes + n
	if next > t.resource.TotalSizeBytes {
		panic(fmt.Sprintf("transfer %s: bytes %d exceed total %d", t.id, next, t.resource.TotalSizeBytes))
	}
	t.bytes = next

	elapsed := now.Sub(t.lastChunkAt).Seconds()
	if elapsed > 0 {
		instant := float64(n) / elapsed
		if t.rate == 0 {
			t.rate = instant
		} else {
			t.rate = (1-rateAlpha)*t.rate + rateAlpha*instant
		}
	}
	t.lastChunkAt = now
}

func (t *Transfer) record() models.TransferRecord {
	lastError := ""
	if t.lastErr != nil {
		lastError = t.lastErr.Error()
	}
	return models.TransferRecord{
		TransferID:       t.id,
		PeerID:           t.peerID,
		Direction:        t.direction,
		ResourceName:     t.resource.Name,
		TotalSizeBytes:   t.resource.TotalSizeBytes,
		ContentKind:      t.resource.ContentKind,
		FinalState:       t.state,
		BytesTransferred: t.bytes,
		LastError:        lastError,
		StartedAt:        t.startedAt,
		EndedAt:          t.endedAt,
	}
}

func stateConflict(op, id, state string) error {
	return fmt.Errorf("%w: cannot %s transfer %s while %s", ErrStateConflict, op, id, state)
}
