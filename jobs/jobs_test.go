package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pbpcache/db"
	"pbpcache/scrape"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openQueue(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func waitForState(t *testing.T, d *db.DB, id int64, state string) *db.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := d.SelectJob(id)
		if err != nil {
			t.Fatalf("SelectJob: %v", err)
		}
		if j.State == state {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %d never reached %s", id, state)
	return nil
}

func TestSchedulerRunsQueuedJobs(t *testing.T) {
	d := openQueue(t)
	var mu sync.Mutex
	ran := []string{}
	run := func(ctx context.Context, command string, year int) (scrape.Summary, error) {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, command)
		if command == "explode" {
			return scrape.Summary{RunID: "run-bad"}, errors.New("boom")
		}
		return scrape.Summary{RunID: "run-" + command, Found: 1}, nil
	}

	ok, _ := d.InsertJob(db.NewJob("save-regular", 16))
	bad, _ := d.InsertJob(db.NewJob("explode", 16))

	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(0, 2, time.Millisecond, d, run, discardLogger())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	finished := waitForState(t, d, ok.Id, db.JobFinished)
	if finished.RunID != "run-save-regular" {
		t.Fatalf("run id not stored: %+v", finished)
	}
	failed := waitForState(t, d, bad.Id, db.JobError)
	if failed.Error != "boom" {
		t.Fatalf("error not stored: %+v", failed)
	}

	cancel()
	<-done
	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 2 {
		t.Fatalf("expected each job to run once, ran %v", ran)
	}
}

func TestGetIdleWorker(t *testing.T) {
	s := NewScheduler(1, 2, time.Second, nil, nil, discardLogger())
	s.Workers[0].idle.Store(false)
	if w := s.GetIdleWorker(); w == nil || w.Id != 1 {
		t.Fatalf("expected worker 1, got %+v", w)
	}
	s.Workers[1].idle.Store(false)
	if w := s.GetIdleWorker(); w != nil {
		t.Fatalf("expected no idle worker, got %d", w.Id)
	}
}

type staleQueue struct {
	mu    sync.Mutex
	calls int
}

func (q *staleQueue) ClaimJob() (*db.Job, error) { return nil, db.ErrQueueEmpty }
func (q *staleQueue) UpdateJob(*db.Job) error { return nil }
func (q *staleQueue) TouchJob(int64) error { return nil }
func (q *staleQueue) ResetStaleJobs(time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	return 1, nil
}

func TestStalledJobsJanitor(t *testing.T) {
	q := &staleQueue{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	StalledJobsJanitor(ctx, q, time.Millisecond, time.Minute, discardLogger())

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.calls == 0 {
		t.Fatalf("janitor never ran")
	}
}

type touchQueue struct {
	mu      sync.Mutex
	touches int
	final   *db.Job
}

func (q *touchQueue) ClaimJob() (*db.Job, error) { return nil, db.ErrQueueEmpty }
func (q *touchQueue) ResetStaleJobs(time.Duration) (int64, error) {
	return 0, nil
}

func (q *touchQueue) UpdateJob(j *db.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.final = j
	return nil
}

func (q *touchQueue) TouchJob(int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.touches++
	return nil
}

func (q *touchQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.touches
}

func TestWorkerKeepsLongJobAlive(t *testing.T) {
	q := &touchQueue{}
	w := NewWorker(0, discardLogger())
	w.Heartbeat = time.Millisecond
	run := func(ctx context.Context, command string, year int) (scrape.Summary, error) {
		deadline := time.Now().Add(5 * time.Second)
		for q.count() < 3 {
			if time.Now().After(deadline) {
				return scrape.Summary{}, errors.New("no heartbeat")
			}
			time.Sleep(time.Millisecond)
		}
		return scrape.Summary{RunID: "run-long"}, nil
	}

	w.DoYourJob(context.Background(), q, run, &db.Job{Id: 7, Command: "save-regular", SeasonYear: 16})

	q.mu.Lock()
	final := q.final
	q.mu.Unlock()
	if final == nil || final.State != db.JobFinished {
		t.Fatalf("expected the job to finish, got %+v", final)
	}
	after := q.count()
	time.Sleep(20 * time.Millisecond)
	if q.count() != after {
		t.Fatalf("heartbeat kept running after the job returned")
	}
}
