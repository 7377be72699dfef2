package journal

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
)

// PostgresConfig locates the journal database.
type PostgresConfig struct {
	URL          string        `yaml:"url"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
}

func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("postgres journal url is required")
	}
	if c.PingTimeout < 0 {
		return errors.New("postgres ping_timeout must be positive")
	}
	if c.MaxOpenConns < 0 {
		return errors.New("postgres max_open_conns must be >= 0")
	}
	return nil
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS fleet_journal (
	seq         BIGSERIAL PRIMARY KEY,
	entry_id    TEXT NOT NULL UNIQUE,
	run_id      BIGINT NOT NULL,
	at          TIMESTAMPTZ NOT NULL,
	event_type  TEXT NOT NULL,
	coordinates TEXT NOT NULL,
	state       TEXT NOT NULL,
	message     TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS fleet_journal_run_idx ON fleet_journal (run_id, seq)`,
}

type postgresJournal struct {
	db *sql.DB
}

// NewPostgresJournal connects through the pgx driver and creates the
// journal table if it is missing.
func NewPostgresJournal(ctx context.Context, cfg PostgresConfig) (Journal, *sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening journal database")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, errors.Wrap(err, "pinging journal database")
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, nil, errors.Wrap(err, "creating journal schema")
		}
	}
	return &postgresJournal{db: db}, db, nil
}

func (j *postgresJournal) Append(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO fleet_journal (entry_id, run_id, at, event_type, coordinates, state, message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.RunID, e.Time, e.Type.String(), e.Coordinates, e.State, e.Message)
	if isUniqueViolation(err) {
		return nil
	}
	return errors.Wrapf(err, "journaling %s of run %d", e.Type, e.RunID)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (j *postgresJournal) Entries(ctx context.Context, runID int64) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT entry_id, at, event_type, coordinates, state, message
		 FROM fleet_journal WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "reading journal of run %d", runID)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e := Entry{RunID: runID}
		var eventType string
		if err := rows.Scan(&e.ID, &e.Time, &eventType, &e.Coordinates, &e.State, &e.Message); err != nil {
			return nil, errors.Wrapf(err, "scanning journal of run %d", runID)
		}
		if e.Type, err = ParseEventType(eventType); err != nil {
			return nil, CorruptedJournalError{runID, err.Error()}
		}
		entries = append(entries, e)
	}
	return entries, errors.Wrapf(rows.Err(), "reading journal of run %d", runID)
}

func (j *postgresJournal) Runs(ctx context.Context) ([]int64, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT DISTINCT run_id FROM fleet_journal ORDER BY run_id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing journaled runs")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scanning journaled runs")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "listing journaled runs")
}
