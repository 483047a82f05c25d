// Package server exposes the cache, the probe ledger and the crawl queue
// over http.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"pbpcache/db"
	"pbpcache/gameid"
	"pbpcache/metrics"
	"pbpcache/nba"
	"pbpcache/scores"
	"pbpcache/scrape"
	"pbpcache/teams"
	"pbpcache/utils"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ledger is what the handlers read from and queue into. *db.DB satisfies it.
type Ledger interface {
	SelectProbes(status string, seasonYear int) ([]db.Probe, error)
	InsertJob(j *db.Job) (*db.Job, error)
	SelectJob(id int64) (*db.Job, error)
}

type Config struct {
	Addr      string
	Root      string
	Retriever *scrape.Retriever
	Ledger    Ledger
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	e      *echo.Echo
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = jsonSerializer{}
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/healthz", s.healthz)
	e.GET("/games/:id", s.game)
	e.GET("/games/:id/rows", s.gameRows)
	e.GET("/games/:id/scores", s.gameScores)
	e.GET("/teams/:year/:team", s.teamGames)
	e.GET("/probes", s.probes)
	e.POST("/crawls", s.enqueueCrawl)
	e.GET("/crawls/:id", s.crawl)
	e.GET("/metrics", echo.WrapHandler(cfg.Metrics.Handler()))

	s.e = e
	return s
}

func (s *Server) Handler() http.Handler {
	return s.e
}

// Start serves until ctx is done and then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		errCh <- s.e.Start(s.cfg.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return utils.ErrorWithTrace(err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// lookup fetches the game named by the :id param, going to the api on a
// cache miss.
func (s *Server) lookup(c echo.Context) (scrape.Result, error) {
	id, err := gameid.Parse(c.Param("id"))
	if err != nil {
		return scrape.Result{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	prefix, err := gameid.Prefix(s.cfg.Root, id)
	if err != nil {
		return scrape.Result{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := s.cfg.Retriever.Get(c.Request().Context(), prefix, id)
	if err != nil {
		s.logger.Error("lookup failed", "game_id", id, "err", err)
		return scrape.Result{}, echo.NewHTTPError(http.StatusBadGateway, "could not fetch game")
	}
	if res.Status == scrape.NotFound {
		return scrape.Result{}, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("game %s does not exist", id))
	}
	c.Response().Header().Set("X-Cache-Source", res.Source.String())
	return res, nil
}

func (s *Server) game(c echo.Context) error {
	res, err := s.lookup(c)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, res.Rows)
}

func (s *Server) gameRows(c echo.Context) error {
	res, err := s.lookup(c)
	if err != nil {
		return err
	}
	rows, err := nba.DecodeRows(res.Rows)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rows)
}

type scoresResponse struct {
	scores.Timeline
	AverageScoreDiff        float64 `json:"average_score_diff"`
	ReverseAverageScoreDiff float64 `json:"reverse_average_score_diff"`
}

func (s *Server) gameScores(c echo.Context) error {
	res, err := s.lookup(c)
	if err != nil {
		return err
	}
	rows, err := nba.DecodeRows(res.Rows)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	tl, err := scores.FromRows(rows, scores.NBA)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, scoresResponse{
		Timeline:                tl,
		AverageScoreDiff:        tl.AverageScoreDiff(false),
		ReverseAverageScoreDiff: tl.AverageScoreDiff(true),
	})
}

func (s *Server) teamGames(c echo.Context) error {
	year, err := strconv.Atoi(c.Param("year"))
	if err != nil || utils.IsInvalidYear(year) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid year")
	}
	team := c.Param("team")
	games, err := teams.TeamGames(s.cfg.Root, year, team)
	if errors.Is(err, teams.ErrInvalidTeam) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"team": team, "year": year, "games": games})
}

func (s *Server) probes(c echo.Context) error {
	status := c.QueryParam("status")
	switch status {
	case "", db.StatusFound, db.StatusNotFound, db.StatusError:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
	}
	year := -1
	if raw := c.QueryParam("year"); raw != "" {
		y, err := strconv.Atoi(raw)
		if err != nil || utils.IsInvalidYear(y) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid year")
		}
		year = y
	}
	probes, err := s.cfg.Ledger.SelectProbes(status, year)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, probes)
}

type crawlRequest struct {
	Command string `json:"command" form:"command"`
	Year    int    `json:"year" form:"year"`
}

func (s *Server) enqueueCrawl(c echo.Context) error {
	req := crawlRequest{}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	switch req.Command {
	case scrape.CommandSaveRegular, scrape.CommandSavePlayoffs, scrape.CommandRescrape, scrape.CommandScrape:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown command %q", req.Command))
	}
	if utils.IsInvalidYear(req.Year) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid year")
	}
	job, err := s.cfg.Ledger.InsertJob(db.NewJob(req.Command, req.Year))
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, fmt.Sprintf("/crawls/%d", job.Id))
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) crawl(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	job, err := s.cfg.Ledger.SelectJob(id)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// jsonSerializer swaps echo's encoding/json for jsoniter.
type jsonSerializer struct{}

func (jsonSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (jsonSerializer) Deserialize(c echo.Context, i interface{}) error {
	err := json.NewDecoder(c.Request().Body).Decode(i)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}
