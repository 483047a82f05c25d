// Package nba talks to the stats.nba.com play-by-play endpoint.
package nba

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pbpcache/gameid"
	"pbpcache/utils"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	playByPlayPath = "/playbyplayv2"
	bodyExcerpt    = 512
)

var (
	ErrUnexpectedStatus  = errors.New("unexpected status from stats api")
	ErrMalformedResponse = errors.New("malformed stats api response")
)

// StatusError is returned for any non-200 response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stats api: unexpected status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// Temporary reports whether another attempt could succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type Config struct {
	BaseURL     string
	UserAgent   string
	Referer     string
	Timeout     time.Duration
	StartPeriod int
	EndPeriod   int
	// Limiter paces outgoing requests. Nil means no pacing.
	Limiter    *rate.Limiter
	HTTPClient *http.Client
}

type Client struct {
	baseURL     string
	userAgent   string
	referer     string
	startPeriod int
	endPeriod   int
	limiter     *rate.Limiter
	httpClient  *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, utils.ErrorWithTrace(err)
		}
		httpClient = &http.Client{Timeout: cfg.Timeout, Jar: jar}
	}
	if cfg.BaseURL == "" {
		return nil, utils.ErrorWithTrace(errors.New("stats api base url required"))
	}
	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		userAgent:   cfg.UserAgent,
		referer:     cfg.Referer,
		startPeriod: cfg.StartPeriod,
		endPeriod:   cfg.EndPeriod,
		limiter:     cfg.Limiter,
		httpClient:  httpClient,
	}, nil
}

// QueryOption adds the optional parameters some play-by-play urls carry.
type QueryOption func(url.Values)

func WithSeason(year int, seasonType gameid.SeasonType) QueryOption {
	return func(v url.Values) {
		v.Set("Season", utils.SeasonLabel(year))
		v.Set("SeasonType", seasonType.String())
	}
}

func WithRange(rangeType, start, end int) QueryOption {
	return func(v url.Values) {
		v.Set("RangeType", strconv.Itoa(rangeType))
		v.Set("StartRange", strconv.Itoa(start))
		v.Set("EndRange", strconv.Itoa(end))
	}
}

// URL is the play-by-play url for a game.
func (c *Client) URL(id gameid.ID, opts ...QueryOption) string {
	v := url.Values{}
	v.Set("GameID", id.String())
	v.Set("StartPeriod", strconv.Itoa(c.startPeriod))
	v.Set("EndPeriod", strconv.Itoa(c.endPeriod))
	for _, opt := range opts {
		opt(v)
	}
	return c.baseURL + playByPlayPath + "?" + v.Encode()
}

// ParseURL checks that raw is a play-by-play url and returns its game id.
func ParseURL(raw string) (gameid.ID, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", utils.ErrorWithTrace(err)
	}
	if !strings.HasSuffix(u.Path, playByPlayPath) {
		return "", fmt.Errorf("not a play-by-play url: %s", raw)
	}
	q := u.Query()
	for _, key := range []string{"GameID", "StartPeriod", "EndPeriod"} {
		if q.Get(key) == "" {
			return "", fmt.Errorf("play-by-play url missing %s: %s", key, raw)
		}
	}
	return gameid.Parse(q.Get("GameID"))
}

func (c *Client) initNBAReq(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Referer", c.referer)
	req.Header.Add("User-Agent", c.userAgent)
	return req, nil
}

type playByPlayResp struct {
	ResultSets []struct {
		RowSet jsoniter.RawMessage `json:"rowSet"`
	} `json:"resultSets"`
}

// PlayByPlay is the raw rowSet of a game plus how many rows it holds.
// An empty rowSet is how the api says the game does not exist.
type PlayByPlay struct {
	Rows  []byte
	Count int
}

func (p PlayByPlay) Empty() bool {
	return p.Count == 0
}

// PlayByPlayV2 performs exactly one request for the game.
func (c *Client) PlayByPlayV2(ctx context.Context, id gameid.ID, opts ...QueryOption) (PlayByPlay, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return PlayByPlay{}, err
		}
	}

	req, err := c.initNBAReq(ctx, c.URL(id, opts...))
	if err != nil {
		return PlayByPlay{}, utils.ErrorWithTrace(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PlayByPlay{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, bodyExcerpt))
		return PlayByPlay{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PlayByPlay{}, err
	}
	return decodePlayByPlay(body)
}

func decodePlayByPlay(body []byte) (PlayByPlay, error) {
	var payload playByPlayResp
	if err := json.Unmarshal(body, &payload); err != nil {
		return PlayByPlay{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(payload.ResultSets) == 0 || len(payload.ResultSets[0].RowSet) == 0 {
		return PlayByPlay{}, fmt.Errorf("%w: missing resultSets[0].rowSet", ErrMalformedResponse)
	}
	raw := payload.ResultSets[0].RowSet
	var rows []jsoniter.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return PlayByPlay{}, fmt.Errorf("%w: rowSet is not an array: %v", ErrMalformedResponse, err)
	}
	return PlayByPlay{Rows: []byte(raw), Count: len(rows)}, nil
}

func maybe[T any](x any) *T {
	if x, ok := x.(T); ok {
		return &x
	}
	return nil
}
