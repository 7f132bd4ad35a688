// Package storage defines persistence contracts for proctoring state.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// Account maps a participant id onto the numeric account id used by the
// continuous authentication engine.
type Account struct {
	ID          int64
	Participant string
	DisplayName string
	CreatedAt   time.Time
}

// Escalation is one delivered supervisor escalation.
type Escalation struct {
	SessionID   string
	AccountID   int64
	Participant string
	Supervisor  string
	RoomID      int64
	FraudScore  float64
	HasImage    bool
	DeliveredAt time.Time
}

// AccountStore resolves and registers participant accounts.
type AccountStore interface {
	PutAccount(ctx context.Context, account Account) error
	ResolveAccount(ctx context.Context, participant string) (int64, error)
}

// EscalationJournal keeps an audit trail of delivered escalations.
type EscalationJournal interface {
	RecordEscalation(ctx context.Context, escalation Escalation) error
	ListEscalations(ctx context.Context, accountID int64, limit int) ([]Escalation, error)
}
