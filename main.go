package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pbpcache/config"
	"pbpcache/db"
	"pbpcache/gameid"
	"pbpcache/jobs"
	"pbpcache/metrics"
	"pbpcache/nba"
	"pbpcache/scores"
	"pbpcache/scrape"
	"pbpcache/server"
	"pbpcache/teams"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const usage = `usage: pbpcache [flags] <command>

commands:
  save-regular    cache every regular season game of --year
  save-playoffs   cache the playoff bracket of --year
  rescrape        retry games whose last probe failed
  scrape          all three of the above
  bucket          copy cached games into one directory per team
  scores <id>     print the score timeline of a game
  watch           scrape now and again every --interval
  serve           run the http api and the crawl job workers`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Recorder
	ledger    *db.DB
	retriever *scrape.Retriever
	crawler   *scrape.Crawler
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	if cfg.Command == "" {
		return errors.New(usage)
	}

	a, err := newApp(cfg, stderr)
	if err != nil {
		return err
	}
	defer func() {
		a.logger.Info("closing database...")
		if err := a.ledger.Close(); err != nil {
			a.logger.Error("close database", "err", err)
		}
	}()

	switch cfg.Command {
	case scrape.CommandSaveRegular, scrape.CommandSavePlayoffs, scrape.CommandRescrape, scrape.CommandScrape:
		summary, err := a.crawler.Run(ctx, cfg.Command, cfg.Year)
		fmt.Fprintf(stdout, "run %s: %d found, %d not found, %d skipped, %d failed\n",
			summary.RunID, summary.Found, summary.NotFound, summary.Skipped, summary.Failed)
		return err
	case "bucket":
		summary, err := teams.NewBucketer(a.logger, a.metrics).Bucket(ctx, cfg.DataDir, cfg.Year)
		fmt.Fprintf(stdout, "%s: %d games, %d copied, %d already present, %d failed\n",
			cfg.YearDir(), summary.Games, summary.Copied, summary.Skipped, summary.Failed)
		return err
	case "scores":
		return a.printScores(ctx, stdout)
	case "watch":
		a.crawler.Daemon(ctx, cfg.Year, cfg.WatchInterval)
		return nil
	case "serve":
		return a.serve(ctx)
	}
	return fmt.Errorf("unknown command %q\n\n%s", cfg.Command, usage)
}

func newApp(cfg *config.Config, stderr io.Writer) (*app, error) {
	logger := slog.New(slog.NewTextHandler(stderr, nil))
	rec := metrics.NewRecorder()

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	client, err := nba.NewClient(nba.Config{
		BaseURL:     cfg.BaseURL,
		UserAgent:   cfg.UserAgent,
		Referer:     cfg.Referer,
		Timeout:     cfg.Timeout,
		StartPeriod: cfg.StartPeriod,
		EndPeriod:   cfg.EndPeriod,
		Limiter:     limiter,
	})
	if err != nil {
		return nil, err
	}

	ledger, err := db.Open(cfg.DatabaseFile)
	if err != nil {
		return nil, err
	}

	retriever := scrape.NewRetriever(client, scrape.RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}, logger, rec)
	crawler := scrape.NewCrawler(retriever, ledger, scrape.CrawlerConfig{
		Root:        cfg.DataDir,
		Reprobe:     cfg.Reprobe,
		NotFoundTTL: cfg.NotFoundTTL,
		Logger:      logger,
		Metrics:     rec,
	})

	return &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   rec,
		ledger:    ledger,
		retriever: retriever,
		crawler:   crawler,
	}, nil
}

func (a *app) printScores(ctx context.Context, stdout io.Writer) error {
	if len(a.cfg.Args) != 1 {
		return errors.New("scores takes exactly one game id")
	}
	id, err := gameid.Parse(a.cfg.Args[0])
	if err != nil {
		return err
	}
	prefix, err := gameid.Prefix(a.cfg.DataDir, id)
	if err != nil {
		return err
	}
	res, err := a.retriever.Get(ctx, prefix, id)
	if err != nil {
		return err
	}
	if res.Status == scrape.NotFound {
		return fmt.Errorf("game %s does not exist", id)
	}
	rows, err := nba.DecodeRows(res.Rows)
	if err != nil {
		return err
	}
	tl, err := scores.FromRows(rows, scores.NBA)
	if err != nil {
		return err
	}
	if tl.SimultaneousChanges > 0 {
		a.logger.Warn("both teams scored on the same row", "game_id", id, "rows", tl.SimultaneousChanges)
	}
	return json.NewEncoder(stdout).Encode(tl)
}

func (a *app) serve(ctx context.Context) error {
	scheduler := jobs.NewScheduler(0, 2, 10*time.Second, a.ledger, a.crawler.Run, a.logger)
	go scheduler.Start(ctx)
	go jobs.StalledJobsJanitor(ctx, a.ledger, time.Minute, 6*time.Hour, a.logger)

	srv := server.New(server.Config{
		Addr:      a.cfg.Addr,
		Root:      a.cfg.DataDir,
		Retriever: a.retriever,
		Ledger:    a.ledger,
		Metrics:   a.metrics,
		Logger:    a.logger,
	})
	return srv.Start(ctx)
}
