package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pbpcache/gameid"
	"pbpcache/metrics"
	"pbpcache/nba"
	"pbpcache/store"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

type Status int

const (
	NotFound Status = iota
	Found
)

func (s Status) String() string {
	if s == Found {
		return "found"
	}
	return "not found"
}

type Source int

const (
	SourceCache Source = iota
	SourceNetwork
)

func (s Source) String() string {
	if s == SourceNetwork {
		return "network"
	}
	return "cache"
}

// Result is what a lookup produced. NotFound means the api answered with an
// empty rowSet and nothing was written; Rows is nil in that case.
type Result struct {
	Status   Status
	Source   Source
	Rows     []byte
	Path     string
	Attempts int
}

// Fetcher is the part of nba.Client the retriever needs.
type Fetcher interface {
	PlayByPlayV2(ctx context.Context, id gameid.ID, opts ...nba.QueryOption) (nba.PlayByPlay, error)
}

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Retriever implements cache-or-fetch: a cached file is returned as is and
// the network is only used on a miss.
type Retriever struct {
	fetcher Fetcher
	retry   RetryPolicy
	logger  *slog.Logger
	metrics *metrics.Recorder
	group   singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
	gen     uint64
}

// flight is one shared lookup. Its context outlives any single caller and is
// cancelled once every caller waiting on it has gone.
type flight struct {
	key     string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func NewRetriever(fetcher Fetcher, retry RetryPolicy, logger *slog.Logger, rec *metrics.Recorder) *Retriever {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		fetcher: fetcher,
		retry:   retry,
		logger:  logger,
		metrics: rec,
		flights: map[string]*flight{},
	}
}

// Get returns the record for id cached under prefix. Concurrent calls for
// the same path share one lookup, so a game is fetched at most once even
// when several callers miss together. A caller whose ctx ends stops waiting
// without aborting the lookup for the others.
func (r *Retriever) Get(ctx context.Context, prefix string, id gameid.ID) (Result, error) {
	path := store.Path(prefix, id)
	f := r.join(ctx, path)
	defer r.leave(path, f)

	ch := r.group.DoChan(f.key, func() (interface{}, error) {
		defer r.land(path, f)
		return r.get(f.ctx, path, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{Path: path}, res.Err
		}
		return res.Val.(Result), nil
	case <-ctx.Done():
		return Result{Path: path}, ctx.Err()
	}
}

func (r *Retriever) join(ctx context.Context, path string) *flight {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flights[path]
	if !ok {
		r.gen++
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{key: fmt.Sprintf("%s#%d", path, r.gen), ctx: fctx, cancel: cancel}
		r.flights[path] = f
	}
	f.waiters++
	return f
}

func (r *Retriever) leave(path string, f *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if r.flights[path] == f {
		delete(r.flights, path)
	}
}

// land retires a finished flight so later callers start a fresh lookup.
func (r *Retriever) land(path string, f *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flights[path] == f {
		delete(r.flights, path)
	}
}

func (r *Retriever) get(ctx context.Context, path string, id gameid.ID) (Result, error) {
	r.logger.Info("getting game data", "game_id", id)

	data, ok, err := store.Load(path)
	if err != nil {
		return Result{}, err
	}
	if ok {
		r.logger.Info("cache hit", "game_id", id, "path", path)
		r.metrics.CacheHit()
		return Result{Status: Found, Source: SourceCache, Rows: data, Path: path}, nil
	}

	r.logger.Info("cache miss, sending request", "game_id", id)
	r.metrics.CacheMiss()
	pbp, attempts, err := r.fetch(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s after %d attempt(s): %w", id, attempts, err)
	}
	if pbp.Empty() {
		r.logger.Info("game does not exist", "game_id", id)
		return Result{Status: NotFound, Source: SourceNetwork, Path: path, Attempts: attempts}, nil
	}

	if err := store.Save(path, pbp.Rows); err != nil {
		return Result{}, err
	}
	r.logger.Info("saved game", "game_id", id, "path", path, "rows", pbp.Count)
	return Result{Status: Found, Source: SourceNetwork, Rows: pbp.Rows, Path: path, Attempts: attempts}, nil
}

func (r *Retriever) fetch(ctx context.Context, id gameid.ID) (nba.PlayByPlay, int, error) {
	b := backoff.NewExponentialBackOff()
	if r.retry.InitialBackoff > 0 {
		b.InitialInterval = r.retry.InitialBackoff
	}
	if r.retry.MaxBackoff > 0 {
		b.MaxInterval = r.retry.MaxBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.retry.MaxAttempts-1)), ctx)

	var pbp nba.PlayByPlay
	attempts := 0
	op := func() error {
		attempts++
		start := time.Now()
		res, err := r.fetcher.PlayByPlayV2(ctx, id)
		switch {
		case err != nil:
			r.metrics.FetchAttempt(metrics.OutcomeError, time.Since(start))
		case res.Empty():
			r.metrics.FetchAttempt(metrics.OutcomeNotFound, time.Since(start))
		default:
			r.metrics.FetchAttempt(metrics.OutcomeFound, time.Since(start))
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		pbp = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("fetch failed, retrying", "game_id", id, "attempt", attempts, "max_attempts", r.retry.MaxAttempts, "wait", wait, "err", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nba.PlayByPlay{}, attempts, err
	}
	return pbp, attempts, nil
}

// retryable reports whether another attempt could help: transport errors,
// 429 and 5xx. Other statuses and malformed bodies will not change.
func retryable(err error) bool {
	if errors.Is(err, nba.ErrMalformedResponse) {
		return false
	}
	var statusErr *nba.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return true
}
