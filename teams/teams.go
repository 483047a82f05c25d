// Package teams reorganizes a season's cached games into one directory per
// team. Files are copied, never moved, so the season directory stays intact.
package teams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"pbpcache/gameid"
	"pbpcache/metrics"
	"pbpcache/nba"
	"pbpcache/store"
	"pbpcache/utils"
)

var (
	ErrInvalidTeam = errors.New("invalid team abbreviation")
	ErrNoMatchup   = errors.New("record does not name two teams")
)

type Bucketer struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func NewBucketer(logger *slog.Logger, rec *metrics.Recorder) *Bucketer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bucketer{logger: logger, metrics: rec}
}

type Summary struct {
	Games   int
	Copied  int
	Skipped int
	Failed  int
}

// Dir is where a team's games for year are kept.
func Dir(root string, year int, team string) string {
	return filepath.Join(root, gameid.YearDir(year), team)
}

// Bucket copies every regular season game cached in root/YY into
// root/YY/TEAM for both of its teams. Destinations that already exist are
// left alone, which makes a second run a no-op. A record that cannot be
// bucketed is reported and the walk carries on.
func (b *Bucketer) Bucket(ctx context.Context, root string, year int) (Summary, error) {
	summary := Summary{}
	if utils.IsInvalidYear(year) {
		return summary, utils.ErrorWithTrace(fmt.Errorf("invalid season year: %d", year))
	}
	seasonDir := filepath.Join(root, gameid.YearDir(year))
	errs := []error{}

	for entry, err := range store.Entries(seasonDir) {
		if err != nil {
			return summary, utils.ErrorWithTrace(err)
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		summary.Games++

		teams, id, err := matchup(entry)
		if err != nil {
			summary.Failed++
			b.logger.Warn("cannot bucket game", "file", entry.Path, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name, err))
			continue
		}

		for _, team := range teams {
			if !nba.IsTeam(team) {
				b.logger.Debug("bucketing former franchise", "game_id", id, "team", team)
			}
			dst := filepath.Join(Dir(root, year, team), id)
			copied, err := store.Copy(entry.Path, dst)
			if err != nil {
				summary.Failed++
				errs = append(errs, utils.ErrorWithTrace(err))
				continue
			}
			if !copied {
				summary.Skipped++
				continue
			}
			summary.Copied++
			b.metrics.BucketCopy()
			b.logger.Debug("bucketed game", "game_id", id, "team", team)
		}
	}

	b.logger.Info("bucketed season", "year", year, "games", summary.Games, "copied", summary.Copied, "skipped", summary.Skipped, "failed", summary.Failed)
	return summary, errors.Join(errs...)
}

func matchup(entry store.Entry) ([]string, string, error) {
	data, err := entry.Read()
	if err != nil {
		return nil, "", err
	}
	rows, err := nba.DecodeRows(data)
	if err != nil {
		return nil, "", err
	}
	teams := nba.MatchupTeams(rows)
	if len(teams) < 2 {
		return nil, "", fmt.Errorf("%w: found %v", ErrNoMatchup, teams)
	}
	for _, team := range teams {
		if !nba.IsAbbreviation(team) {
			return nil, "", fmt.Errorf("%w: %q", ErrInvalidTeam, team)
		}
	}
	id, ok := nba.GameIDOf(rows)
	if !ok {
		id = entry.Name
	}
	if _, err := gameid.Parse(id); err != nil {
		return nil, "", err
	}
	return teams, id, nil
}

// TeamGames lists the game ids bucketed for team in year.
func TeamGames(root string, year int, team string) ([]string, error) {
	if !nba.IsAbbreviation(team) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTeam, team)
	}
	return store.Names(Dir(root, year, team))
}
