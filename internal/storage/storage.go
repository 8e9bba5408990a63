// Package storage implements the optional Postgres durability layer for
// closed incidents and audit entries, supplementing the in-memory Incident
// Pipeline store and the append-only audit JSON-lines file so an operator
// who restarts nightwatchd does not lose incident history. Grounded on
// codeready-toolchain-tarsy's pkg/database/client.go (golang-migrate with
// an embedded migrations filesystem, applied via the iofs source driver
// against a postgres driver instance) and the teacher's own use of
// github.com/lib/pq for its Postgres-backed stores
// (internal/memory/backend/pgvector/backend.go), combined with
// github.com/jmoiron/sqlx for typed row scanning the way the pack's
// jordigilh-kubernaut repo uses sqlx.DB against its datastorage tables.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/nightwatch/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// Config configures the durability store.
type Config struct {
	DSN           string
	RunMigrations bool
}

// Store durably persists closed incidents and audit entries to Postgres.
// It is an optional supplement to the Incident Pipeline's in-memory store
// and the audit package's JSON-lines file, not a replacement for either:
// the pipeline and audit logger remain the source of truth for a running
// process, and Store exists so that history survives a restart.
type Store struct {
	db *sqlx.DB
}

// New opens a Postgres connection and, if cfg.RunMigrations is set, applies
// every pending migration from the embedded migrations directory.
func New(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage: dsn is required")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	s := &Store{db: db}
	if cfg.RunMigrations {
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewFromDB wraps an already-open *sql.DB, for tests that inject a
// sqlmock-backed connection instead of a real Postgres instance.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

func (s *Store) migrate() error {
	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("storage: migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("storage: migration source: %w", err)
	}
	defer source.Close()

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("storage: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("storage: apply migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveIncident upserts a closed incident, keyed by id, per spec.md §3's
// "MemoryRecord.id == Incident.id; memory is only written at terminal
// status" invariant extended to this secondary store.
func (s *Store) SaveIncident(ctx context.Context, incident models.Incident) error {
	payload, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("storage: marshal incident %s: %w", incident.ID, err)
	}

	var closedAt any
	if !incident.ClosedAt.IsZero() {
		closedAt = incident.ClosedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, fingerprint, status, severity, outcome, summary, received_at, closed_at, tokens_in, tokens_out, cost_usd, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			outcome = EXCLUDED.outcome,
			summary = EXCLUDED.summary,
			closed_at = EXCLUDED.closed_at,
			tokens_in = EXCLUDED.tokens_in,
			tokens_out = EXCLUDED.tokens_out,
			cost_usd = EXCLUDED.cost_usd,
			payload = EXCLUDED.payload
	`, incident.ID, incident.Fingerprint, incident.Status, incident.Severity, incident.Outcome, incident.Summary,
		incident.ReceivedAt, closedAt, incident.Cost.TokensIn, incident.Cost.TokensOut, incident.Cost.USD, payload)
	if err != nil {
		return fmt.Errorf("storage: save incident %s: %w", incident.ID, err)
	}
	return nil
}

// incidentRow mirrors the incidents table for sqlx.GetContext/SelectContext
// scanning, matching the pack's sqlx.DB row-struct idiom.
type incidentRow struct {
	Payload json.RawMessage `db:"payload"`
}

// GetIncident returns the durably stored incident by id, if present.
func (s *Store) GetIncident(ctx context.Context, id string) (models.Incident, bool, error) {
	var row incidentRow
	err := s.db.GetContext(ctx, &row, `SELECT payload FROM incidents WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return models.Incident{}, false, nil
	}
	if err != nil {
		return models.Incident{}, false, fmt.Errorf("storage: get incident %s: %w", id, err)
	}
	var incident models.Incident
	if err := json.Unmarshal(row.Payload, &incident); err != nil {
		return models.Incident{}, false, fmt.Errorf("storage: decode incident %s: %w", id, err)
	}
	return incident, true, nil
}

// ListIncidents returns the most recently received incidents, most recent
// first, bounded by limit.
func (s *Store) ListIncidents(ctx context.Context, limit int) ([]models.Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []incidentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT payload FROM incidents ORDER BY received_at DESC LIMIT $1`, limit); err != nil {
		return nil, fmt.Errorf("storage: list incidents: %w", err)
	}
	out := make([]models.Incident, 0, len(rows))
	for _, r := range rows {
		var incident models.Incident
		if err := json.Unmarshal(r.Payload, &incident); err != nil {
			return nil, fmt.Errorf("storage: decode incident: %w", err)
		}
		out = append(out, incident)
	}
	return out, nil
}

// SaveAuditEntry appends one AuditEntry row, satisfying audit.Sink so the
// audit logger can dual-write to Postgres in addition to its JSON-lines
// file. Append-only: there is no update or delete path, matching spec.md
// §3's "AuditEntry is append-only" invariant.
func (s *Store) SaveAuditEntry(ctx context.Context, entry models.AuditEntry) error {
	args := entry.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (ts, incident_id, approval_id, tool, args, outcome, approver)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.Timestamp, entry.IncidentID, entry.ApprovalID, entry.Tool, args, entry.Outcome, entry.Approver)
	if err != nil {
		return fmt.Errorf("storage: save audit entry: %w", err)
	}
	return nil
}
