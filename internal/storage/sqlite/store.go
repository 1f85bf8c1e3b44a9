// Package sqlite provides the local SQLite implementation of storage.Repository.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/feederwatch/internal/logging"
	"github.com/scrypster/feederwatch/internal/storage"
	"github.com/scrypster/feederwatch/pkg/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Ensure *Store implements storage.Repository at compile time.
var _ storage.Repository = (*Store)(nil)

// Store implements storage.Repository using SQLite.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore opens a SQLite store with WAL self-healing and applies pending
// migrations. If the initial open fails due to stale WAL files left behind by
// a crashed process, it verifies no other process holds them and retries once
// after removing the stale -shm/-wal files.
func NewStore(dsn string, opts ...Option) (*Store, error) {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger)

	db, err := openDB(dsn)
	if err == nil {
		s.db = db
		return s, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(s.logger, dbPath)

	db, retryErr := openDB(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	s.logger.WithField("path", dbPath).Warn("sqlite: recovered from stale WAL files")
	s.db = db
	return s, nil
}

// openDB opens a SQLite database, configures WAL mode, and migrates the schema.
func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	mgr, err := storage.NewMigrationManager(db, migrationFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create migration manager: %w", err)
	}
	if _, err := mgr.Up(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to run migrations: %w", err)
	}

	return db, nil
}

// Ping verifies the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Close releases any resources held by the store.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// LoadGallerySnapshot returns every identity with its reference vectors.
func (s *Store) LoadGallerySnapshot(ctx context.Context) ([]*types.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, first_seen, last_seen, total_visits, created_at, updated_at
		FROM identities
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load identities: %w", err)
	}

	var (
		identities []*types.Identity
		byID       = make(map[string]*types.Identity)
	)
	for rows.Next() {
		var (
			identity                                  types.Identity
			name                                      sql.NullString
			firstSeen, lastSeen, createdAt, updatedAt sql.NullInt64
		)
		if err := rows.Scan(&identity.ID, &name, &firstSeen, &lastSeen, &identity.TotalVisits, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		identity.Name = name.String
		identity.FirstSeen = fromNanos(firstSeen)
		identity.LastSeen = fromNanos(lastSeen)
		identity.CreatedAt = fromNanos(createdAt)
		identity.UpdatedAt = fromNanos(updatedAt)
		identities = append(identities, &identity)
		byID[identity.ID] = &identity
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate identities: %w", err)
	}
	rows.Close()

	refRows, err := s.db.QueryContext(ctx, `
		SELECT identity_id, dimension, vector
		FROM identity_references
		ORDER BY identity_id, seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference vectors: %w", err)
	}
	defer refRows.Close()

	for refRows.Next() {
		var (
			identityID string
			dimension  int
			blob       []byte
		)
		if err := refRows.Scan(&identityID, &dimension, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan reference vector: %w", err)
		}
		vec, err := storage.DecodeVector(blob, dimension)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", identityID, err)
		}
		if identity, ok := byID[identityID]; ok {
			identity.References = append(identity.References, vec)
		}
	}
	if err := refRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reference vectors: %w", err)
	}

	return identities, nil
}

// PersistIdentity upserts an identity and replaces its reference vectors in
// one transaction.
func (s *Store) PersistIdentity(ctx context.Context, identity *types.Identity) error {
	if err := storage.ValidateIdentity(identity); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO identities (id, name, first_seen, last_seen, total_visits, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			total_visits = excluded.total_visits,
			updated_at = excluded.updated_at
	`,
		identity.ID,
		nullableString(identity.Name),
		toNanos(identity.FirstSeen),
		toNanos(identity.LastSeen),
		identity.TotalVisits,
		toNanos(identity.CreatedAt),
		toNanos(identity.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store identity: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM identity_references WHERE identity_id = ?`, identity.ID); err != nil {
		return fmt.Errorf("failed to clear reference vectors: %w", err)
	}
	for seq, ref := range identity.References {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO identity_references (identity_id, seq, dimension, vector)
			VALUES (?, ?, ?, ?)
		`, identity.ID, seq, len(ref), storage.EncodeVector(ref)); err != nil {
			return fmt.Errorf("failed to store reference vector: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit identity: %w", err)
	}
	return nil
}

// DeleteIdentity removes an identity and its reference vectors.
func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: identity ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// LoadFeederState returns the state of one feeder.
func (s *Store) LoadFeederState(ctx context.Context, feederID string) (*types.FeederState, error) {
	if feederID == "" {
		return nil, fmt.Errorf("%w: feeder ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT feeder_id, visits_since_refill, remaining, last_refill, updated_at
		FROM feeder_states
		WHERE feeder_id = ?
	`, feederID)

	state, err := scanFeederState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feeder state: %w", err)
	}
	return state, nil
}

// ListFeederStates returns every feeder's state ordered by ID.
func (s *Store) ListFeederStates(ctx context.Context) ([]*types.FeederState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT feeder_id, visits_since_refill, remaining, last_refill, updated_at
		FROM feeder_states
		ORDER BY feeder_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeder states: %w", err)
	}
	defer rows.Close()

	var states []*types.FeederState
	for rows.Next() {
		state, err := scanFeederState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feeder state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// PersistFeederState upserts a feeder state.
func (s *Store) PersistFeederState(ctx context.Context, state *types.FeederState) error {
	if state == nil || state.FeederID == "" {
		return fmt.Errorf("%w: feeder ID is required", storage.ErrInvalidInput)
	}
	if state.Remaining < 0 || state.Remaining > 1 || math.IsNaN(state.Remaining) {
		return fmt.Errorf("%w: remaining %v outside [0,1]", storage.ErrInvalidInput, state.Remaining)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feeder_states (feeder_id, visits_since_refill, remaining, last_refill, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(feeder_id) DO UPDATE SET
			visits_since_refill = excluded.visits_since_refill,
			remaining = excluded.remaining,
			last_refill = excluded.last_refill,
			updated_at = excluded.updated_at
	`, state.FeederID, state.VisitsSinceRefill, state.Remaining, toNanos(state.LastRefill), toNanos(state.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to store feeder state: %w", err)
	}
	return nil
}

// PersistVisit upserts a finalized visit.
func (s *Store) PersistVisit(ctx context.Context, visit *types.Visit) error {
	if err := storage.ValidateVisit(visit); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO visits (id, feeder_id, camera_id, attribution_kind, identity_id,
			start_at, end_at, mean_confidence, capture_count, closed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_at = excluded.end_at,
			mean_confidence = excluded.mean_confidence,
			capture_count = excluded.capture_count,
			closed = excluded.closed
	`,
		visit.ID,
		visit.FeederID,
		nullableString(visit.CameraID),
		string(attributionKind(visit.Attribution)),
		nullableString(visit.Attribution.IdentityID),
		toNanos(visit.Start),
		toNanos(visit.End),
		visit.MeanConfidence,
		visit.CaptureCount,
		visit.Closed,
	)
	if err != nil {
		return fmt.Errorf("failed to store visit: %w", err)
	}
	return nil
}

// ListVisits returns visits matching the filter ordered by start time.
func (s *Store) ListVisits(ctx context.Context, filter storage.VisitFilter) ([]*types.Visit, error) {
	filter.Normalize()

	var (
		where []string
		args  []any
	)
	if filter.FeederID != "" {
		where = append(where, "feeder_id = ?")
		args = append(args, filter.FeederID)
	}
	if filter.IdentityID != "" {
		where = append(where, "identity_id = ?")
		args = append(args, filter.IdentityID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "start_at >= ?")
		args = append(args, toNanos(filter.Since))
	}
	if !filter.Until.IsZero() {
		where = append(where, "start_at < ?")
		args = append(args, toNanos(filter.Until))
	}

	query := `
		SELECT id, feeder_id, camera_id, attribution_kind, identity_id,
			start_at, end_at, mean_confidence, capture_count, closed
		FROM visits`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.NewestFirst {
		query += " ORDER BY start_at DESC, id DESC LIMIT ?"
	} else {
		query += " ORDER BY start_at ASC, id ASC LIMIT ?"
	}
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list visits: %w", err)
	}
	defer rows.Close()

	var visits []*types.Visit
	for rows.Next() {
		var (
			v                  types.Visit
			cameraID, identity sql.NullString
			kind               string
			start, end         sql.NullInt64
		)
		if err := rows.Scan(&v.ID, &v.FeederID, &cameraID, &kind, &identity,
			&start, &end, &v.MeanConfidence, &v.CaptureCount, &v.Closed); err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		v.CameraID = cameraID.String
		v.Start = fromNanos(start)
		v.End = fromNanos(end)
		if types.AttributionKind(kind) == types.KindIdentified && identity.Valid {
			v.Attribution = types.Identified(identity.String)
		} else {
			v.Attribution = types.Unidentified()
		}
		visits = append(visits, &v)
	}
	return visits, rows.Err()
}

const alertColumns = `
	id, feeder_id, kind, severity, state, remaining, days_to_empty, visits_since_refill,
	created_at, updated_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by
`

// PersistAlert upserts an alert. The partial unique index on open alerts
// rejects a second non-resolved alert for the same (feeder, kind).
func (s *Store) PersistAlert(ctx context.Context, alert *types.Alert) error {
	if err := storage.ValidateAlert(alert); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			state = excluded.state,
			remaining = excluded.remaining,
			days_to_empty = excluded.days_to_empty,
			visits_since_refill = excluded.visits_since_refill,
			updated_at = excluded.updated_at,
			acknowledged_at = excluded.acknowledged_at,
			acknowledged_by = excluded.acknowledged_by,
			resolved_at = excluded.resolved_at,
			resolved_by = excluded.resolved_by
	`,
		alert.ID,
		alert.FeederID,
		string(alert.Kind),
		string(alert.Severity),
		string(alert.State),
		alert.Snapshot.Remaining,
		nullableFloat(alert.Snapshot.DaysToEmpty),
		alert.Snapshot.VisitsSinceRefill,
		toNanos(alert.CreatedAt),
		toNanos(alert.UpdatedAt),
		nullableNanos(alert.AcknowledgedAt),
		nullableString(alert.AcknowledgedBy),
		nullableNanos(alert.ResolvedAt),
		nullableString(alert.ResolvedBy),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: open alert already exists for feeder %s", types.ErrPreconditionFailed, alert.FeederID)
		}
		return fmt.Errorf("failed to store alert: %w", err)
	}
	return nil
}

// GetAlert retrieves an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: alert ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

// FindOpenAlert returns the non-resolved alert for (feeder, kind).
func (s *Store) FindOpenAlert(ctx context.Context, feederID string, kind types.AlertKind) (*types.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE feeder_id = ? AND kind = ? AND state <> 'resolved'
		LIMIT 1
	`, feederID, string(kind))

	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open alert: %w", err)
	}
	return alert, nil
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *Store) ListAlerts(ctx context.Context, filter storage.AlertFilter) ([]*types.Alert, error) {
	filter.Normalize()

	var (
		where []string
		args  []any
	)
	if filter.FeederID != "" {
		where = append(where, "feeder_id = ?")
		args = append(args, filter.FeederID)
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toNanos(filter.Since))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC LIMIT ?"
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*types.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeederState(row rowScanner) (*types.FeederState, error) {
	var (
		state                 types.FeederState
		lastRefill, updatedAt sql.NullInt64
	)
	if err := row.Scan(&state.FeederID, &state.VisitsSinceRefill, &state.Remaining, &lastRefill, &updatedAt); err != nil {
		return nil, err
	}
	state.LastRefill = fromNanos(lastRefill)
	state.UpdatedAt = fromNanos(updatedAt)
	return &state, nil
}

func scanAlert(row rowScanner) (*types.Alert, error) {
	var (
		alert                      types.Alert
		kind, severity, state      string
		daysToEmpty                sql.NullFloat64
		createdAt, updatedAt       sql.NullInt64
		acknowledgedAt, resolvedAt sql.NullInt64
		acknowledgedBy, resolvedBy sql.NullString
	)
	if err := row.Scan(
		&alert.ID, &alert.FeederID, &kind, &severity, &state,
		&alert.Snapshot.Remaining, &daysToEmpty, &alert.Snapshot.VisitsSinceRefill,
		&createdAt, &updatedAt, &acknowledgedAt, &acknowledgedBy, &resolvedAt, &resolvedBy,
	); err != nil {
		return nil, err
	}

	alert.Kind = types.AlertKind(kind)
	alert.Severity = types.Severity(severity)
	alert.State = types.AlertState(state)
	alert.Snapshot.DaysToEmpty = math.Inf(1)
	if daysToEmpty.Valid {
		alert.Snapshot.DaysToEmpty = daysToEmpty.Float64
	}
	alert.CreatedAt = fromNanos(createdAt)
	alert.UpdatedAt = fromNanos(updatedAt)
	alert.AcknowledgedAt = optionalTime(acknowledgedAt)
	alert.AcknowledgedBy = acknowledgedBy.String
	alert.ResolvedAt = optionalTime(resolvedAt)
	alert.ResolvedBy = resolvedBy.String
	return &alert, nil
}

func attributionKind(a types.Attribution) types.AttributionKind {
	if a.IsIdentified() {
		return types.KindIdentified
	}
	return types.KindUnidentified
}

// toNanos stores zero times as NULL.
func toNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return toNanos(*t)
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}

func optionalTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n)
	return &t
}

// nullableFloat stores non-finite values as NULL.
func nullableFloat(f float64) sql.NullFloat64 {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

// nullableString converts a string to sql.NullString.
// An empty string is treated as NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
