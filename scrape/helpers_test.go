package scrape

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"pbpcache/db"
	"pbpcache/gameid"
	"pbpcache/nba"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

// stubFetcher serves games from memory. Unknown ids come back empty.
type stubFetcher struct {
	mu    sync.Mutex
	games map[gameid.ID][]byte
	errs  map[gameid.ID][]error
	calls map[gameid.ID]int
}

func newStubFetcher(games map[gameid.ID][]byte) *stubFetcher {
	if games == nil {
		games = map[gameid.ID][]byte{}
	}
	return &stubFetcher{games: games, errs: map[gameid.ID][]error{}, calls: map[gameid.ID]int{}}
}

func (s *stubFetcher) PlayByPlayV2(ctx context.Context, id gameid.ID, opts ...nba.QueryOption) (nba.PlayByPlay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[id]++
	if pending := s.errs[id]; len(pending) > 0 {
		s.errs[id] = pending[1:]
		return nba.PlayByPlay{}, pending[0]
	}
	rows, ok := s.games[id]
	if !ok {
		return nba.PlayByPlay{Rows: []byte("[]")}, nil
	}
	return nba.PlayByPlay{Rows: rows, Count: 1}, nil
}

func (s *stubFetcher) setGame(id gameid.ID, rows []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.games[id] = rows
}

func (s *stubFetcher) callsFor(id gameid.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *stubFetcher) fail(id gameid.ID, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[id] = append(s.errs[id], errs...)
}

func (s *stubFetcher) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// memLedger is an in-memory Ledger for crawls too long to push through sqlite.
type memLedger struct {
	probes map[string]db.Probe
	runs   map[string]db.Run
}

func newMemLedger() *memLedger {
	return &memLedger{probes: map[string]db.Probe{}, runs: map[string]db.Run{}}
}

func (m *memLedger) RecordProbe(p *db.Probe) error {
	m.probes[p.GameID] = *p
	return nil
}

func (m *memLedger) NotFoundSet(year int, since time.Time) (map[string]struct{}, error) {
	set := map[string]struct{}{}
	for id, p := range m.probes {
		if p.SeasonYear == year && p.Status == db.StatusNotFound && !p.ProbedAt.Before(since) {
			set[id] = struct{}{}
		}
	}
	return set, nil
}

func (m *memLedger) SelectGameIDsByStatus(year int, status string) ([]string, error) {
	ids := []string{}
	for id, p := range m.probes {
		if p.SeasonYear == year && p.Status == status {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memLedger) InsertRun(r *db.Run) error {
	m.runs[r.ID] = *r
	return nil
}

func (m *memLedger) FinishRun(r *db.Run) error {
	m.runs[r.ID] = *r
	return nil
}
