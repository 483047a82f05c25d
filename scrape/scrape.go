// Package scrape crawls a season's game ids through the cache-or-fetch
// retriever and keeps the probe ledger up to date.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"pbpcache/db"
	"pbpcache/gameid"
	"pbpcache/metrics"
	"pbpcache/utils"

	"github.com/google/uuid"
)

// Ledger records what each probe found. *db.DB satisfies it.
type Ledger interface {
	RecordProbe(p *db.Probe) error
	NotFoundSet(seasonYear int, since time.Time) (map[string]struct{}, error)
	SelectGameIDsByStatus(seasonYear int, status string) ([]string, error)
	InsertRun(r *db.Run) error
	FinishRun(r *db.Run) error
}

type Crawler struct {
	retriever *Retriever
	ledger    Ledger
	root      string
	reprobe   bool
	notFound  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

type CrawlerConfig struct {
	Root string
	// Reprobe ignores the ledger's record of games that do not exist.
	Reprobe bool
	// NotFoundTTL is how long a missing game stays skipped. Zero keeps it
	// skipped until Reprobe is set.
	NotFoundTTL time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// NewCrawler builds a crawler. ledger may be nil, in which case nothing is
// recorded and every id is probed.
func NewCrawler(retriever *Retriever, ledger Ledger, cfg CrawlerConfig) *Crawler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{
		retriever: retriever,
		ledger:    ledger,
		root:      cfg.Root,
		reprobe:   cfg.Reprobe,
		notFound:  cfg.NotFoundTTL,
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

type Summary struct {
	RunID    string
	Found    int
	NotFound int
	Skipped  int
	Failed   int
}

func (s *Summary) add(o Summary) {
	s.Found += o.Found
	s.NotFound += o.NotFound
	s.Skipped += o.Skipped
	s.Failed += o.Failed
}

// Daemon crawls the season now and then again every interval until ctx is
// done. New games show up on the api while a season is being played, so a
// missing game is probed again once it has been missing for an interval.
func (c *Crawler) Daemon(ctx context.Context, year int, interval time.Duration) {
	if c.notFound <= 0 || c.notFound > interval {
		d := *c
		d.notFound = interval
		c = &d
	}
	if _, err := c.Scrape(ctx, year); err != nil {
		c.logger.Error("scrape failed", "year", year, "err", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Scrape(ctx, year); err != nil {
				c.logger.Error("scrape failed", "year", year, "err", err)
			}
		}
	}
}

// Scrape saves the regular season, the playoffs and retries earlier errors.
func (c *Crawler) Scrape(ctx context.Context, year int) (Summary, error) {
	total := Summary{}
	var errs []error

	c.logger.Info("scraping regular season", "year", year)
	s, err := c.SaveRegularSeason(ctx, year)
	total.add(s)
	if err != nil {
		errs = append(errs, err)
	}
	if ctx.Err() != nil {
		return total, errors.Join(append(errs, ctx.Err())...)
	}

	c.logger.Info("scraping playoffs", "year", year)
	s, err = c.SavePlayoffs(ctx, year)
	total.add(s)
	if err != nil {
		errs = append(errs, err)
	}
	if ctx.Err() != nil {
		return total, errors.Join(append(errs, ctx.Err())...)
	}

	// Anything that failed above is retried once more here.
	c.logger.Info("re-scraping prior errors", "year", year)
	s, err = c.RescrapeErrors(ctx, year)
	total.add(s)
	if err != nil {
		errs = append(errs, err)
	}
	c.logger.Info("finished scraping", "year", year, "found", total.Found, "not_found", total.NotFound, "skipped", total.Skipped, "failed", total.Failed)
	return total, errors.Join(errs...)
}

const (
	CommandSaveRegular  = "save-regular"
	CommandSavePlayoffs = "save-playoffs"
	CommandRescrape     = "rescrape"
	CommandScrape       = "scrape"
)

var ErrUnknownCommand = errors.New("unknown crawl command")

// Run dispatches a crawl by command name.
func (c *Crawler) Run(ctx context.Context, command string, year int) (Summary, error) {
	switch command {
	case CommandSaveRegular:
		return c.SaveRegularSeason(ctx, year)
	case CommandSavePlayoffs:
		return c.SavePlayoffs(ctx, year)
	case CommandRescrape:
		return c.RescrapeErrors(ctx, year)
	case CommandScrape:
		return c.Scrape(ctx, year)
	}
	return Summary{}, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
}

func (c *Crawler) SaveRegularSeason(ctx context.Context, year int) (Summary, error) {
	if utils.IsInvalidYear(year) {
		return Summary{}, utils.ErrorWithTrace(fmt.Errorf("invalid season year: %d", year))
	}
	return c.crawl(ctx, CommandSaveRegular, year, gameid.Regular(year))
}

// SavePlayoffs walks the whole bracket. Once a game in a series comes back
// missing the rest of that series is not requested.
func (c *Crawler) SavePlayoffs(ctx context.Context, year int) (Summary, error) {
	if utils.IsInvalidYear(year) {
		return Summary{}, utils.ErrorWithTrace(fmt.Errorf("invalid season year: %d", year))
	}
	return c.crawl(ctx, CommandSavePlayoffs, year, gameid.Playoffs(year))
}

// RescrapeErrors probes again every id of the season whose last probe failed.
func (c *Crawler) RescrapeErrors(ctx context.Context, year int) (Summary, error) {
	if c.ledger == nil {
		return Summary{}, nil
	}
	raw, err := c.ledger.SelectGameIDsByStatus(year, db.StatusError)
	if err != nil {
		return Summary{}, utils.ErrorWithTrace(err)
	}
	if len(raw) == 0 {
		return Summary{}, nil
	}
	ids := make([]gameid.ID, 0, len(raw))
	for _, s := range raw {
		id, err := gameid.Parse(s)
		if err != nil {
			c.logger.Warn("skipping unparseable ledger id", "game_id", s, "err", err)
			continue
		}
		ids = append(ids, id)
	}
	return c.crawl(ctx, CommandRescrape, year, slices.Values(ids))
}

func (c *Crawler) crawl(ctx context.Context, command string, year int, ids iter.Seq[gameid.ID]) (Summary, error) {
	run := &db.Run{ID: uuid.NewString(), Command: command, SeasonYear: year, StartedAt: time.Now().UTC()}
	summary := Summary{RunID: run.ID}
	errs := []error{}

	known := map[string]struct{}{}
	if c.ledger != nil {
		if err := c.ledger.InsertRun(run); err != nil {
			return summary, utils.ErrorWithTrace(err)
		}
		if !c.reprobe {
			since := time.Time{}
			if c.notFound > 0 {
				since = time.Now().Add(-c.notFound)
			}
			set, err := c.ledger.NotFoundSet(year, since)
			if err != nil {
				return summary, utils.ErrorWithTrace(err)
			}
			known = set
		}
	}

	ended := map[string]bool{}
	for id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		series := gameid.SeriesKey(id)
		if series != "" && ended[series] {
			summary.Skipped++
			continue
		}
		if _, missing := known[id.String()]; missing {
			c.logger.Info("skipping game known to be missing", "game_id", id)
			summary.Skipped++
			if series != "" {
				ended[series] = true
			}
			continue
		}

		prefix, err := gameid.Prefix(c.root, id)
		if err != nil {
			summary.Failed++
			errs = append(errs, utils.ErrorWithTrace(err))
			continue
		}
		res, err := c.retriever.Get(ctx, prefix, id)
		if err != nil && ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		var status string
		detail := ""
		switch {
		case err != nil:
			status = db.StatusError
			detail = err.Error()
			summary.Failed++
			c.logger.Error("failed to get game", "game_id", id, "err", err)
			errs = append(errs, utils.ErrorWithTrace(fmt.Errorf("%s: %w", id, err)))
		case res.Status == NotFound:
			status = db.StatusNotFound
			summary.NotFound++
			if series != "" {
				ended[series] = true
			}
		default:
			status = db.StatusFound
			summary.Found++
		}
		c.metrics.Probe(status)
		c.record(id, year, status, res.Attempts, detail, run.ID, &errs)
	}

	if c.ledger != nil {
		run.Found, run.NotFound, run.Skipped, run.Failed = summary.Found, summary.NotFound, summary.Skipped, summary.Failed
		if err := c.ledger.FinishRun(run); err != nil {
			errs = append(errs, utils.ErrorWithTrace(err))
		}
	}
	c.logger.Info("crawl done", "command", command, "year", year, "run_id", run.ID,
		"found", summary.Found, "not_found", summary.NotFound, "skipped", summary.Skipped, "failed", summary.Failed)
	return summary, errors.Join(errs...)
}

func (c *Crawler) record(id gameid.ID, year int, status string, attempts int, detail, runID string, errs *[]error) {
	if c.ledger == nil {
		return
	}
	seasonType := ""
	if f, err := gameid.Decode(id); err == nil {
		seasonType = f.Type.String()
	}
	p := db.NewProbe(id.String(), year, seasonType, status, attempts, detail, runID)
	if err := c.ledger.RecordProbe(p); err != nil {
		*errs = append(*errs, utils.ErrorWithTrace(err))
	}
}
