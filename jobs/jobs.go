// Package jobs runs queued crawl jobs on a small pool of workers.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pbpcache/db"
	"pbpcache/scrape"
	"pbpcache/utils"
)

// Queue is the job table. *db.DB satisfies it.
type Queue interface {
	ClaimJob() (*db.Job, error)
	UpdateJob(j *db.Job) error
	TouchJob(id int64) error
	ResetStaleJobs(olderThan time.Duration) (int64, error)
}

// RunFunc performs one crawl. (*scrape.Crawler).Run fits.
type RunFunc func(ctx context.Context, command string, year int) (scrape.Summary, error)

type Worker struct {
	Id int
	// Heartbeat is how often a running job's updated_at is refreshed. Zero
	// disables it.
	Heartbeat time.Duration
	idle      atomic.Bool
	logger    *slog.Logger
}

func NewWorker(id int, logger *slog.Logger) *Worker {
	w := &Worker{Id: id, logger: logger.With("worker_id", id)}
	w.idle.Store(true)
	return w
}

func (w *Worker) IsIdle() bool {
	return w.idle.Load()
}

func (w *Worker) DoYourJob(ctx context.Context, queue Queue, run RunFunc, job *db.Job) {
	defer w.idle.Store(true)
	w.logger.Info("starting job", "job_id", job.Id, "command", job.Command, "year", job.SeasonYear)

	beatCtx, stop := context.WithCancel(ctx)
	var beats sync.WaitGroup
	beats.Add(1)
	go func() {
		defer beats.Done()
		w.heartbeat(beatCtx, queue, job.Id)
	}()
	summary, err := run(ctx, job.Command, job.SeasonYear)
	stop()
	beats.Wait()

	job.RunID = summary.RunID
	if err != nil {
		w.ohNo(queue, job, err)
		return
	}

	job.State = db.JobFinished
	job.Error = ""
	if err := queue.UpdateJob(job); err != nil {
		w.logger.Error("could not mark job finished", "job_id", job.Id, "err", err)
		return
	}
	w.logger.Info("finished job", "job_id", job.Id, "run_id", summary.RunID,
		"found", summary.Found, "not_found", summary.NotFound, "skipped", summary.Skipped)
}

func (w *Worker) heartbeat(ctx context.Context, queue Queue, id int64) {
	if w.Heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(w.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := queue.TouchJob(id); err != nil {
				w.logger.Warn("could not touch job", "job_id", id, "err", err)
			}
		}
	}
}

func (w *Worker) ohNo(queue Queue, job *db.Job, cause error) {
	w.logger.Error("job failed", "job_id", job.Id, "err", cause)
	job.State = db.JobError
	job.Error = cause.Error()
	if err := queue.UpdateJob(job); err != nil {
		w.logger.Error("could not record job failure", "job_id", job.Id, "err", err)
	}
}

type Scheduler struct {
	Id           int
	MaxWorkers   int
	PollInterval time.Duration
	Workers      []*Worker

	queue  Queue
	run    RunFunc
	logger *slog.Logger
	wg     sync.WaitGroup
}

// DefaultHeartbeat must stay well under the janitor's olderThan.
const DefaultHeartbeat = time.Minute

func NewScheduler(id int, maxWorkers int, pollInterval time.Duration, queue Queue, run RunFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("scheduler_id", id)
	s := Scheduler{
		Id:           id,
		MaxWorkers:   maxWorkers,
		PollInterval: pollInterval,
		Workers:      make([]*Worker, 0, maxWorkers),
		queue:        queue,
		run:          run,
		logger:       logger,
	}
	for i := range maxWorkers {
		w := NewWorker(i, logger)
		w.Heartbeat = DefaultHeartbeat
		s.Workers = append(s.Workers, w)
	}
	return &s
}

// Start polls the queue and hands jobs to idle workers until ctx is done,
// then waits for running jobs to return.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	defer s.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w := s.GetIdleWorker()
		if w == nil {
			continue
		}

		job, err := s.queue.ClaimJob()
		if errors.Is(err, db.ErrQueueEmpty) {
			continue
		} else if err != nil {
			s.logger.Error("could not claim job", "err", utils.ErrorWithTrace(err))
			continue
		}
		w.idle.Store(false)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.DoYourJob(ctx, s.queue, s.run, job)
		}()
	}
}

func (s *Scheduler) GetIdleWorker() *Worker {
	for _, w := range s.Workers {
		if w.IsIdle() {
			return w
		}
	}
	return nil
}

// StalledJobsJanitor requeues jobs stuck in RUNNING for longer than
// olderThan, checking every interval until ctx is done.
func StalledJobsJanitor(ctx context.Context, queue Queue, interval, olderThan time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := queue.ResetStaleJobs(olderThan)
			if err != nil {
				logger.Error("could not reset stale jobs", "err", err)
				continue
			}
			if n > 0 {
				logger.Warn("requeued stale jobs", "count", n)
			}
		}
	}
}
