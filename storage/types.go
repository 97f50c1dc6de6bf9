package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	directionOutbound = "outbound"
	directionInbound  = "inbound"
)

const (
	finalStateCompleted = "completed"
	finalStateFailed    = "failed"
	finalStateCancelled = "cancelled"
)

// TransferRecordFilter narrows ListTransferRecords query results.
type TransferRecordFilter struct {
	PeerID     string
	Direction  string
	FinalState string
	Limit      int
	Offset     int
}

func validateDirection(direction string) error {
	switch direction {
	case directionOutbound, directionInbound:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateFinalState(state string) error {
	switch state {
	case finalStateCompleted, finalStateFailed, finalStateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid final state %q", state)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func stringValue(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
