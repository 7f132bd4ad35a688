// Package sqlite provides a SQLite-backed proctoring storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/proctorvision/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/proctorvision/internal/services/proctor/storage"
	"github.com/louisbranch/proctorvision/internal/services/proctor/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const defaultEscalationLimit = 50

// Store persists accounts and the escalation journal in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite proctoring store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutAccount inserts one participant account.
func (s *Store) PutAccount(ctx context.Context, account storage.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	participant := strings.TrimSpace(account.Participant)
	if participant == "" {
		return fmt.Errorf("participant is required")
	}
	if account.ID <= 0 {
		return fmt.Errorf("account id must be greater than zero")
	}
	createdAt := account.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO accounts (id, participant, display_name, created_at)
		 VALUES (?, ?, ?, ?)`,
		account.ID,
		participant,
		strings.TrimSpace(account.DisplayName),
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

// ResolveAccount returns the account id registered for participant.
func (s *Store) ResolveAccount(ctx context.Context, participant string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	participant = strings.TrimSpace(participant)
	if participant == "" {
		return 0, storage.ErrNotFound
	}

	var accountID int64
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id FROM accounts WHERE participant = ?`,
		participant,
	).Scan(&accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("resolve account: %w", err)
	}
	return accountID, nil
}

// RecordEscalation appends one delivered escalation to the journal.
func (s *Store) RecordEscalation(ctx context.Context, escalation storage.Escalation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	sessionID := strings.TrimSpace(escalation.SessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	deliveredAt := escalation.DeliveredAt.UTC()
	if deliveredAt.IsZero() {
		deliveredAt = time.Now().UTC()
	}
	hasImage := 0
	if escalation.HasImage {
		hasImage = 1
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO escalations (
		   session_id,
		   account_id,
		   participant,
		   supervisor,
		   room_id,
		   fraud_score,
		   has_image,
		   delivered_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID,
		escalation.AccountID,
		escalation.Participant,
		escalation.Supervisor,
		escalation.RoomID,
		escalation.FraudScore,
		hasImage,
		toMillis(deliveredAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("record escalation: %w", err)
	}
	return nil
}

// ListEscalations returns the account's most recent escalations, newest
// first.
func (s *Store) ListEscalations(ctx context.Context, accountID int64, limit int) ([]storage.Escalation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = defaultEscalationLimit
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT session_id, account_id, participant, supervisor, room_id,
		        fraud_score, has_image, delivered_at
		   FROM escalations
		  WHERE account_id = ?
		  ORDER BY delivered_at DESC, session_id ASC
		  LIMIT ?`,
		accountID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var escalations []storage.Escalation
	for rows.Next() {
		var escalation storage.Escalation
		var hasImage int
		var deliveredAt int64
		if err := rows.Scan(
			&escalation.SessionID,
			&escalation.AccountID,
			&escalation.Participant,
			&escalation.Supervisor,
			&escalation.RoomID,
			&escalation.FraudScore,
			&hasImage,
			&deliveredAt,
		); err != nil {
			return nil, fmt.Errorf("list escalations: %w", err)
		}
		escalation.HasImage = hasImage != 0
		escalation.DeliveredAt = fromMillis(deliveredAt)
		escalations = append(escalations, escalation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	return escalations, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var (
	_ storage.AccountStore      = (*Store)(nil)
	_ storage.EscalationJournal = (*Store)(nil)
)
