// Package db is the probe ledger: which game ids have been asked for, what
// the api said, and the crawl runs that asked. The flat file cache alone
// cannot tell "never fetched" from "fetched and the game does not exist".
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"pbpcache/utils"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	StatusFound    = "FOUND"
	StatusNotFound = "NOT_FOUND"
	StatusError    = "ERROR"
)

type Probe struct {
	GameID     string    `db:"game_id"`
	SeasonYear int       `db:"season_year"`
	SeasonType string    `db:"season_type"`
	Status     string    `db:"status"`
	Attempts   int       `db:"attempts"`
	Detail     string    `db:"detail"`
	RunID      string    `db:"run_id"`
	ProbedAt   time.Time `db:"probed_at"`
}

func NewProbe(gameID string, seasonYear int, seasonType, status string, attempts int, detail, runID string) *Probe {
	return &Probe{
		GameID:     gameID,
		SeasonYear: seasonYear,
		SeasonType: seasonType,
		Status:     status,
		Attempts:   attempts,
		Detail:     detail,
		RunID:      runID,
		ProbedAt:   time.Now().UTC(),
	}
}

type Run struct {
	ID         string       `db:"id"`
	Command    string       `db:"command"`
	SeasonYear int          `db:"season_year"`
	StartedAt  time.Time    `db:"started_at"`
	FinishedAt sql.NullTime `db:"finished_at"`
	Found      int          `db:"found"`
	NotFound   int          `db:"not_found"`
	Skipped    int          `db:"skipped"`
	Failed     int          `db:"failed"`
}

type DB struct {
	path string
	x    *sqlx.DB
}

// Open creates the database file if needed, opens it and brings the schema
// up to date.
func Open(path string) (*DB, error) {
	if err := setupDatabase(path); err != nil {
		return nil, err
	}
	x, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	x.SetMaxOpenConns(1)
	d := &DB{path: path, x: x}
	if err := d.RunMigrations(); err != nil {
		x.Close()
		return nil, err
	}
	if err := d.ValidateMigrations(); err != nil {
		x.Close()
		return nil, err
	}
	return d, nil
}

func setupDatabase(path string) error {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		log.Printf("database file %s not found, creating a new database", path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return utils.ErrorWithTrace(err)
		}
		file, err := os.Create(path)
		if err != nil {
			return utils.ErrorWithTrace(err)
		}
		file.Close()
	} else if err != nil {
		return utils.ErrorWithTrace(err)
	}
	return nil
}

func (d *DB) RunMigrations() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return utils.ErrorWithTrace(err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite3://"+d.path)
	if err != nil {
		return utils.ErrorWithTrace(err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return utils.ErrorWithTrace(err)
	}
	return nil
}

func (d *DB) ValidateMigrations() error {
	for _, table := range []string{"probes", "runs", "crawl_jobs"} {
		var count int
		if err := d.x.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return utils.ErrorWithTrace(fmt.Errorf("table %s missing after migrations: %w", table, err))
		}
	}
	return nil
}

func (d *DB) Close() error {
	if d == nil || d.x == nil {
		return nil
	}
	return d.x.Close()
}

func (d *DB) RecordProbe(p *Probe) error {
	query := `
		REPLACE INTO probes (
			game_id, season_year, season_type, status, attempts, detail, run_id, probed_at
		) VALUES (
			:game_id, :season_year, :season_type, :status, :attempts, :detail, :run_id, :probed_at
		)
	`
	if _, err := d.x.NamedExec(query, p); err != nil {
		return utils.ErrorWithTrace(err)
	}
	return nil
}

// SelectProbe returns sql.ErrNoRows (wrapped) when the game was never probed.
func (d *DB) SelectProbe(gameID string) (*Probe, error) {
	p := Probe{}
	if err := d.x.Get(&p, `SELECT * FROM probes WHERE game_id = ?`, gameID); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return &p, nil
}

// SelectProbes lists probes, newest first. An empty status matches every
// status and a negative year matches every season.
func (d *DB) SelectProbes(status string, seasonYear int) ([]Probe, error) {
	query := `
		SELECT * FROM probes
		WHERE (? = '' OR status = ?) AND (? < 0 OR season_year = ?)
		ORDER BY probed_at DESC, game_id;
	`
	probes := []Probe{}
	if err := d.x.Select(&probes, query, status, status, seasonYear, seasonYear); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return probes, nil
}

// SelectGameIDsByStatus returns the ids of a season whose last probe ended
// with status, in id order.
func (d *DB) SelectGameIDsByStatus(seasonYear int, status string) ([]string, error) {
	ids := []string{}
	query := `SELECT game_id FROM probes WHERE season_year = ? AND status = ? ORDER BY game_id;`
	if err := d.x.Select(&ids, query, seasonYear, status); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return ids, nil
}

// NotFoundSet is the negative cache for a season: ids whose last probe came
// back empty at or after since. A zero since returns every such id.
func (d *DB) NotFoundSet(seasonYear int, since time.Time) (map[string]struct{}, error) {
	ids := []string{}
	query := `SELECT game_id FROM probes WHERE season_year = ? AND status = ? AND probed_at >= ? ORDER BY game_id;`
	if err := d.x.Select(&ids, query, seasonYear, StatusNotFound, since.UTC()); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (d *DB) InsertRun(r *Run) error {
	query := `
		INSERT INTO runs (id, command, season_year, started_at)
		VALUES (:id, :command, :season_year, :started_at)
	`
	if _, err := d.x.NamedExec(query, r); err != nil {
		return utils.ErrorWithTrace(err)
	}
	return nil
}

func (d *DB) FinishRun(r *Run) error {
	r.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	query := `
		UPDATE runs SET
			finished_at = :finished_at,
			found = :found,
			not_found = :not_found,
			skipped = :skipped,
			failed = :failed
		WHERE id = :id
	`
	res, err := d.x.NamedExec(query, r)
	if err != nil {
		return utils.ErrorWithTrace(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return utils.ErrorWithTrace(fmt.Errorf("run %s not found", r.ID))
	}
	return nil
}

func (d *DB) SelectRun(id string) (*Run, error) {
	r := Run{}
	if err := d.x.Get(&r, `SELECT * FROM runs WHERE id = ?`, id); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return &r, nil
}
