package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pbpcache/utils"
)

const (
	JobQueued   = "QUEUED"
	JobRunning  = "RUNNING"
	JobFinished = "FINISHED"
	JobError    = "ERROR"
)

var ErrQueueEmpty = errors.New("QUEUE EMPTY")

// Job is a crawl requested over http and run by a scheduler worker.
type Job struct {
	Id         int64     `db:"id" json:"id"`
	Command    string    `db:"command" json:"command"`
	SeasonYear int       `db:"season_year" json:"season_year"`
	State      string    `db:"state" json:"state"`
	Error      string    `db:"error" json:"error,omitempty"`
	RunID      string    `db:"run_id" json:"run_id,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

func NewJob(command string, seasonYear int) *Job {
	now := time.Now().UTC()
	return &Job{
		Command:    command,
		SeasonYear: seasonYear,
		State:      JobQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (d *DB) InsertJob(j *Job) (*Job, error) {
	query := `
		INSERT INTO crawl_jobs (command, season_year, state, error, run_id, created_at, updated_at)
		VALUES (:command, :season_year, :state, :error, :run_id, :created_at, :updated_at)
	`
	res, err := d.x.NamedExec(query, j)
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	j.Id = id
	return j, nil
}

func (d *DB) SelectJob(id int64) (*Job, error) {
	j := Job{}
	if err := d.x.Get(&j, `SELECT * FROM crawl_jobs WHERE id = ?`, id); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return &j, nil
}

// ClaimJob marks the oldest queued job as running and returns it.
// ErrQueueEmpty means there was nothing to claim.
func (d *DB) ClaimJob() (*Job, error) {
	tx, err := d.x.Beginx()
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	defer tx.Rollback()

	j := Job{}
	err = tx.Get(&j, `SELECT * FROM crawl_jobs WHERE state = ? ORDER BY created_at, id LIMIT 1`, JobQueued)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}

	j.State = JobRunning
	j.UpdatedAt = time.Now().UTC()
	if _, err := tx.NamedExec(`UPDATE crawl_jobs SET state = :state, updated_at = :updated_at WHERE id = :id`, &j); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return &j, nil
}

func (d *DB) UpdateJob(j *Job) error {
	j.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE crawl_jobs SET
			state = :state,
			error = :error,
			run_id = :run_id,
			updated_at = :updated_at
		WHERE id = :id
	`
	res, err := d.x.NamedExec(query, j)
	if err != nil {
		return utils.ErrorWithTrace(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return utils.ErrorWithTrace(fmt.Errorf("job %d not found", j.Id))
	}
	return nil
}

// TouchJob marks a running job as still alive so ResetStaleJobs leaves it be.
func (d *DB) TouchJob(id int64) error {
	res, err := d.x.Exec(`UPDATE crawl_jobs SET updated_at = ? WHERE id = ? AND state = ?`,
		time.Now().UTC(), id, JobRunning)
	if err != nil {
		return utils.ErrorWithTrace(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return utils.ErrorWithTrace(fmt.Errorf("job %d is not running", id))
	}
	return nil
}

// ResetStaleJobs puts running jobs that have not been touched for
// olderThan back on the queue. A process that died mid crawl leaves those.
func (d *DB) ResetStaleJobs(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := d.x.Exec(`UPDATE crawl_jobs SET state = ?, updated_at = ? WHERE state = ? AND updated_at < ?`,
		JobQueued, time.Now().UTC(), JobRunning, cutoff)
	if err != nil {
		return 0, utils.ErrorWithTrace(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, utils.ErrorWithTrace(err)
	}
	return n, nil
}
