// Package gameid encodes, decodes and enumerates the ten character game
// identifiers used by the stats api.
//
// Regular season ids look like 002YY0NNNN where NNNN is the absolute game
// number. Playoff ids look like 004YY00RSG: round, series within the round
// and game within the series.
package gameid

import (
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strconv"
)

type SeasonType int

const (
	RegularSeason SeasonType = iota
	PlayoffSeason
)

func (t SeasonType) String() string {
	switch t {
	case RegularSeason:
		return "Regular Season"
	case PlayoffSeason:
		return "Playoffs"
	}
	return "Unknown"
}

const (
	Length          = 10
	MaxRegularGames = 1230
	MaxRounds       = 4
	MaxSeriesGames  = 7

	leaguePrefix = "00"
	regularDigit = '2'
	playoffDigit = '4'
)

// seriesPerRound is the bracket size: 8 first round series down to 1 final.
var seriesPerRound = [MaxRounds]int{8, 4, 2, 1}

// MaxPlayoffGames is the size of the full bracket enumeration.
var MaxPlayoffGames = func() int {
	n := 0
	for _, s := range seriesPerRound {
		n += s * MaxSeriesGames
	}
	return n
}()

var ErrInvalid = errors.New("invalid game id")

type ID string

func (id ID) String() string {
	return string(id)
}

// Fields is the structured form of an ID. Game is the absolute game number
// for the regular season and the game within the series for playoffs.
type Fields struct {
	Type   SeasonType
	Year   int
	Game   int
	Round  int
	Series int
}

func SeriesCount(round int) int {
	if round < 1 || round > MaxRounds {
		return 0
	}
	return seriesPerRound[round-1]
}

func RegularID(year, game int) (ID, error) {
	return Encode(Fields{Type: RegularSeason, Year: year, Game: game})
}

func PlayoffID(year, round, series, game int) (ID, error) {
	return Encode(Fields{Type: PlayoffSeason, Year: year, Round: round, Series: series, Game: game})
}

func Encode(f Fields) (ID, error) {
	if f.Year < 0 || f.Year > 99 {
		return "", fmt.Errorf("%w: year %d out of range", ErrInvalid, f.Year)
	}
	switch f.Type {
	case RegularSeason:
		if f.Game < 1 || f.Game > MaxRegularGames {
			return "", fmt.Errorf("%w: regular season game %d out of range", ErrInvalid, f.Game)
		}
		return ID(fmt.Sprintf("%s%c%02d0%04d", leaguePrefix, regularDigit, f.Year, f.Game)), nil
	case PlayoffSeason:
		if f.Round < 1 || f.Round > MaxRounds {
			return "", fmt.Errorf("%w: playoff round %d out of range", ErrInvalid, f.Round)
		}
		if f.Series < 0 || f.Series >= SeriesCount(f.Round) {
			return "", fmt.Errorf("%w: series %d out of range for round %d", ErrInvalid, f.Series, f.Round)
		}
		if f.Game < 1 || f.Game > MaxSeriesGames {
			return "", fmt.Errorf("%w: series game %d out of range", ErrInvalid, f.Game)
		}
		return ID(fmt.Sprintf("%s%c%02d00%d%d%d", leaguePrefix, playoffDigit, f.Year, f.Round, f.Series, f.Game)), nil
	}
	return "", fmt.Errorf("%w: unknown season type %d", ErrInvalid, f.Type)
}

// Parse validates s and returns it as an ID.
func Parse(s string) (ID, error) {
	if _, err := Decode(ID(s)); err != nil {
		return "", err
	}
	return ID(s), nil
}

func Decode(id ID) (Fields, error) {
	s := string(id)
	if len(s) != Length {
		return Fields{}, fmt.Errorf("%w: %q has length %d", ErrInvalid, s, len(s))
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return Fields{}, fmt.Errorf("%w: %q is not numeric", ErrInvalid, s)
		}
	}
	if s[:2] != leaguePrefix {
		return Fields{}, fmt.Errorf("%w: %q has unknown league prefix", ErrInvalid, s)
	}
	year, _ := strconv.Atoi(s[3:5])

	var f Fields
	switch s[2] {
	case regularDigit:
		game, _ := strconv.Atoi(s[6:])
		f = Fields{Type: RegularSeason, Year: year, Game: game}
	case playoffDigit:
		f = Fields{
			Type:   PlayoffSeason,
			Year:   year,
			Round:  int(s[7] - '0'),
			Series: int(s[8] - '0'),
			Game:   int(s[9] - '0'),
		}
	default:
		return Fields{}, fmt.Errorf("%w: %q has unknown season type digit %q", ErrInvalid, s, s[2])
	}

	// Re-encoding catches out of range numbers and stray padding digits.
	back, err := Encode(f)
	if err != nil {
		return Fields{}, err
	}
	if back != id {
		return Fields{}, fmt.Errorf("%w: %q is not canonical", ErrInvalid, s)
	}
	return f, nil
}

// Regular yields every regular season id for the season starting in year,
// game 1 through 1230.
func Regular(year int) iter.Seq[ID] {
	return func(yield func(ID) bool) {
		for n := 1; n <= MaxRegularGames; n++ {
			id, err := RegularID(year, n)
			if err != nil {
				return
			}
			if !yield(id) {
				return
			}
		}
	}
}

// Playoffs yields the full bracket: every round, every series, games 1-7.
// It has no idea when a series ended; callers stop probing a series once the
// api reports a game that does not exist.
func Playoffs(year int) iter.Seq[ID] {
	return func(yield func(ID) bool) {
		for round := 1; round <= MaxRounds; round++ {
			for series := 0; series < SeriesCount(round); series++ {
				for game := 1; game <= MaxSeriesGames; game++ {
					id, err := PlayoffID(year, round, series, game)
					if err != nil {
						return
					}
					if !yield(id) {
						return
					}
				}
			}
		}
	}
}

// SeriesKey identifies the playoff series an id belongs to, e.g. "R1S3".
// Regular season ids have no series and return "".
func SeriesKey(id ID) string {
	f, err := Decode(id)
	if err != nil || f.Type != PlayoffSeason {
		return ""
	}
	return fmt.Sprintf("R%dS%d", f.Round, f.Series)
}

func YearDir(year int) string {
	return strconv.Itoa(year)
}

// Prefix is the directory a game's cache entry lives in:
// root/YY for the regular season and root/YY/RoundN for playoffs.
func Prefix(root string, id ID) (string, error) {
	f, err := Decode(id)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, YearDir(f.Year))
	if f.Type == PlayoffSeason {
		dir = filepath.Join(dir, fmt.Sprintf("Round%d", f.Round))
	}
	return dir, nil
}
