package storage

import (
	"errors"
	"testing"
	"time"

	"peerdrop/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func sampleRecord(transferID, finalState string) models.TransferRecord {
	started := time.Now().Add(-time.Minute)
	return models.TransferRecord{
		TransferID:       transferID,
		PeerID:           "peer-1",
		Direction:        models.DirectionOutbound,
		ResourceName:     "photo.png",
		TotalSizeBytes:   2048,
		ContentKind:      "image/png",
		FinalState:       finalState,
		BytesTransferred: 2048,
		StartedAt:        started,
		EndedAt:          started.Add(30 * time.Second),
	}
}

func TestAppendAndGetTransferRecord(t *testing.T) {
	store := newTestStore(t)

	record := sampleRecord("xfer-1", finalStateCompleted)
	if err := store.AppendTransferRecord(record); err != nil {
		t.Fatalf("AppendTransferRecord failed: %v", err)
	}

	got, err := store.GetTransferRecord("xfer-1")
	if err != nil {
		t.Fatalf("GetTransferRecord failed: %v", err)
	}
	if got.PeerID != record.PeerID || got.ResourceName != record.ResourceName {
		t.Fatalf("unexpected record: got %+v", got)
	}
	if got.FinalState != finalStateCompleted {
		t.Fatalf("unexpected final state: %q", got.FinalState)
	}
	if got.BytesTransferred != record.BytesTransferred {
		t.Fatalf("unexpected bytes: %d", got.BytesTransferred)
	}
	if got.StartedAt.UnixMilli() != record.StartedAt.UnixMilli() {
		t.Fatalf("started_at mismatch: got %v want %v", got.StartedAt, record.StartedAt)
	}
}

func TestAppendTransferRecordValidation(t *testing.T) {
	store := newTestStore(t)

	cases := []struct {
		name   string
		mutate func(*models.TransferRecord)
	}{
		{"missing transfer id", func(r *models.TransferRecord) { r.TransferID = "" }},
		{"missing peer id", func(r *models.TransferRecord) { r.PeerID = "" }},
		{"missing resource name", func(r *models.TransferRecord) { r.ResourceName = "" }},
		{"bad direction", func(r *models.TransferRecord) { r.Direction = "sideways" }},
		{"non-terminal state", func(r *models.TransferRecord) { r.FinalState = "active" }},
		{"negative bytes", func(r *models.TransferRecord) { r.BytesTransferred = -1 }},
	}

	for _, tc := range cases {
		record := sampleRecord("xfer-invalid", finalStateFailed)
		tc.mutate(&record)
		if err := store.AppendTransferRecord(record); err == nil {
			t.Fatalf("%s: expected an error", tc.name)
		}
	}
}

func TestGetTransferRecordNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTransferRecord("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHistoryIsAppendOnlyAcrossRetries(t *testing.T) {
	store := newTestStore(t)

	failed := sampleRecord("xfer-retry", finalStateFailed)
	failed.BytesTransferred = 512
	failed.LastError = "transfer: i/o failure: read chunk 4"
	if err := store.AppendTransferRecord(failed); err != nil {
		t.Fatalf("append failed attempt: %v", err)
	}

	completed := sampleRecord("xfer-retry", finalStateCompleted)
	completed.StartedAt = failed.EndedAt.Add(time.Second)
	completed.EndedAt = completed.StartedAt.Add(time.Minute)
	if err := store.AppendTransferRecord(completed); err != nil {
		t.Fatalf("append completed attempt: %v", err)
	}

	all, err := store.ListTransferRecords(TransferRecordFilter{})
	if err != nil {
		t.Fatalf("ListTransferRecords failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(all))
	}

	// Lookup by id returns the newest attempt.
	got, err := store.GetTransferRecord("xfer-retry")
	if err != nil {
		t.Fatalf("GetTransferRecord failed: %v", err)
	}
	if got.FinalState != finalStateCompleted {
		t.Fatalf("expected newest attempt, got state %q", got.FinalState)
	}
	if got.LastError != "" {
		t.Fatalf("unexpected last error on completed attempt: %q", got.LastError)
	}
}

func TestListTransferRecordsFilters(t *testing.T) {
	store := newTestStore(t)

	outbound := sampleRecord("xfer-out", finalStateCompleted)
	if err := store.AppendTransferRecord(outbound); err != nil {
		t.Fatalf("append outbound: %v", err)
	}

	inbound := sampleRecord("xfer-in", finalStateCancelled)
	inbound.PeerID = "peer-2"
	inbound.Direction = models.DirectionInbound
	inbound.BytesTransferred = 100
	if err := store.AppendTransferRecord(inbound); err != nil {
		t.Fatalf("append inbound: %v", err)
	}

	byPeer, err := store.ListTransferRecords(TransferRecordFilter{PeerID: "peer-2"})
	if err != nil {
		t.Fatalf("list by peer: %v", err)
	}
	if len(byPeer) != 1 || byPeer[0].TransferID != "xfer-in" {
		t.Fatalf("unexpected peer filter result: %+v", byPeer)
	}

	byDirection, err := store.ListTransferRecords(TransferRecordFilter{Direction: models.DirectionOutbound})
	if err != nil {
		t.Fatalf("list by direction: %v", err)
	}
	if len(byDirection) != 1 || byDirection[0].TransferID != "xfer-out" {
		t.Fatalf("unexpected direction filter result: %+v", byDirection)
	}

	byState, err := store.ListTransferRecords(TransferRecordFilter{FinalState: finalStateCancelled})
	if err != nil {
		t.Fatalf("list by state: %v", err)
	}
	if len(byState) != 1 || byState[0].TransferID != "xfer-in" {
		t.Fatalf("unexpected state filter result: %+v", byState)
	}

	if _, err := store.ListTransferRecords(TransferRecordFilter{Direction: "sideways"}); err == nil {
		t.Fatal("expected invalid direction filter to error")
	}

	limited, err := store.ListTransferRecords(TransferRecordFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 row, got %d", len(limited))
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dataDir := t.TempDir()

	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := store.AppendTransferRecord(sampleRecord("xfer-persist", finalStateCompleted)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenPath(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetTransferRecord("xfer-persist")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.FinalState != finalStateCompleted {
		t.Fatalf("unexpected state after reopen: %q", got.FinalState)
	}
}
