package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pbpcache/db"
	"pbpcache/metrics"
	"pbpcache/nba"
	"pbpcache/nba/nbatest"
	"pbpcache/scrape"
	"pbpcache/store"
)

type fixture struct {
	root   string
	api    *nbatest.Server
	ledger *db.DB
	srv    *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	api := nbatest.NewServer(t, map[string][]byte{
		"0021600001": nbatest.Game("0021600001", "GSW", "SAS"),
	})
	client, err := nba.NewClient(nba.Config{BaseURL: api.BaseURL(), Timeout: time.Second, StartPeriod: 1, EndPeriod: 10})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := metrics.NewRecorder()
	retriever := scrape.NewRetriever(client, scrape.RetryPolicy{MaxAttempts: 1}, logger, rec)

	ledger, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })

	root := t.TempDir()
	srv := New(Config{Root: root, Retriever: retriever, Ledger: ledger, Metrics: rec, Logger: logger})
	return &fixture{root: root, api: api, ledger: ledger, srv: srv}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestGameFetchesThenServesCache(t *testing.T) {
	f := newFixture(t)

	first := f.do(t, http.MethodGet, "/games/0021600001", "")
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d %s", first.Code, first.Body.String())
	}
	if first.Header().Get("X-Cache-Source") != "network" {
		t.Fatalf("expected a network fetch, got %q", first.Header().Get("X-Cache-Source"))
	}
	second := f.do(t, http.MethodGet, "/games/0021600001", "")
	if second.Header().Get("X-Cache-Source") != "cache" {
		t.Fatalf("expected a cache hit, got %q", second.Header().Get("X-Cache-Source"))
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("cached body differs from fetched body")
	}
	if f.api.Hits("0021600001") != 1 {
		t.Fatalf("api hit %d times", f.api.Hits("0021600001"))
	}
	if ok, _ := store.Exists(filepath.Join(f.root, "16", "0021600001")); !ok {
		t.Fatalf("game was not cached under the season directory")
	}
}

func TestGameErrors(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/games/0021600002", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing game = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/games/banana", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d", rec.Code)
	}
	f.api.Fail("0021600003", http.StatusForbidden)
	if rec := f.do(t, http.MethodGet, "/games/0021600003", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("upstream failure = %d", rec.Code)
	}
}

func TestGameRowsAndScores(t *testing.T) {
	f := newFixture(t)

	rows := f.do(t, http.MethodGet, "/games/0021600001/rows", "")
	if rows.Code != http.StatusOK || !strings.Contains(rows.Body.String(), `"SAS"`) {
		t.Fatalf("rows = %d %s", rows.Code, rows.Body.String())
	}

	rec := f.do(t, http.MethodGet, "/games/0021600001/scores", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("scores = %d %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{
		`"team_a":[{"seconds":0,"score":0},{"seconds":10,"score":2}]`,
		`"team_b":[{"seconds":0,"score":0},{"seconds":45,"score":3}]`,
		`"length":2880`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scores body %s missing %s", body, want)
		}
	}
}

func TestTeamGames(t *testing.T) {
	f := newFixture(t)
	if err := store.Save(filepath.Join(f.root, "16", "GSW", "0021600001"), []byte("[]")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/teams/16/GSW", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"games":["0021600001"]`) {
		t.Fatalf("team games = %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/teams/16/gsw", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid team = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/teams/16/SEA", ""); rec.Code != http.StatusOK {
		t.Fatalf("former franchise = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/teams/1999/GSW", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad year = %d", rec.Code)
	}
}

func TestProbes(t *testing.T) {
	f := newFixture(t)
	if err := f.ledger.RecordProbe(db.NewProbe("0041600105", 16, "Playoffs", db.StatusNotFound, 1, "", "run-1")); err != nil {
		t.Fatalf("RecordProbe: %v", err)
	}
	if err := f.ledger.RecordProbe(db.NewProbe("0021600001", 16, "Regular Season", db.StatusFound, 1, "", "run-1")); err != nil {
		t.Fatalf("RecordProbe: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/probes?status=NOT_FOUND&year=16", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("probes = %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "0041600105") || strings.Contains(rec.Body.String(), "0021600001") {
		t.Fatalf("unexpected probes %s", rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/probes?status=MAYBE", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status = %d", rec.Code)
	}
}

func TestCrawlQueue(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/crawls", `{"command":"save-playoffs","year":16}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue = %d %s", rec.Code, rec.Body.String())
	}
	loc := rec.Header().Get("Location")
	if loc == "" {
		t.Fatalf("missing Location header")
	}
	got := f.do(t, http.MethodGet, loc, "")
	if got.Code != http.StatusOK || !strings.Contains(got.Body.String(), `"state":"QUEUED"`) {
		t.Fatalf("job = %d %s", got.Code, got.Body.String())
	}

	if rec := f.do(t, http.MethodPost, "/crawls", `{"command":"delete-all","year":16}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad command = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/crawls/999", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing job = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/games/0021600001", "")

	rec := f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pbpcache_cache_misses_total 1") {
		t.Fatalf("metrics = %d %s", rec.Code, rec.Body.String())
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.srv.cfg.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("server did not shut down")
	}
}
