// Package scores turns a game's play-by-play rows into per-team score
// timelines and the time-weighted averages computed from them.
package scores

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pbpcache/nba"
)

var (
	ErrBadScore = errors.New("malformed score")
	ErrBadClock = errors.New("malformed clock")
)

// Clock describes how a game is divided into periods.
type Clock struct {
	RegulationPeriods int
	PeriodLength      time.Duration
	OvertimeLength    time.Duration
}

// NBA is four twelve minute quarters and five minute overtimes.
var NBA = Clock{RegulationPeriods: 4, PeriodLength: 12 * time.Minute, OvertimeLength: 5 * time.Minute}

func (c Clock) periodLength(period int) int {
	if period > c.RegulationPeriods {
		return int(c.OvertimeLength.Seconds())
	}
	return int(c.PeriodLength.Seconds())
}

// periodStart is the number of seconds played before period begins.
func (c Clock) periodStart(period int) int {
	if period <= c.RegulationPeriods {
		return (period - 1) * int(c.PeriodLength.Seconds())
	}
	return c.RegulationPeriods*int(c.PeriodLength.Seconds()) +
		(period-c.RegulationPeriods-1)*int(c.OvertimeLength.Seconds())
}

// Elapsed converts a period and the game clock ("M:SS", time remaining in
// the period) into seconds since tip off.
func (c Clock) Elapsed(period int, clock string) (int, error) {
	if period < 1 {
		return 0, fmt.Errorf("%w: period %d", ErrBadClock, period)
	}
	remaining, err := parseClock(clock)
	if err != nil {
		return 0, err
	}
	length := c.periodLength(period)
	if remaining > length {
		return 0, fmt.Errorf("%w: %q is longer than the period", ErrBadClock, clock)
	}
	return c.periodStart(period) + length - remaining, nil
}

// GameLength is the length in seconds of a game whose last period was
// maxPeriod. Anything short of regulation counts as a full game.
func (c Clock) GameLength(maxPeriod int) int {
	if maxPeriod < c.RegulationPeriods {
		maxPeriod = c.RegulationPeriods
	}
	return c.periodStart(maxPeriod) + c.periodLength(maxPeriod)
}

func parseClock(clock string) (int, error) {
	mins, secs, ok := strings.Cut(strings.TrimSpace(clock), ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadClock, clock)
	}
	// Late in a period the api sometimes sends tenths, e.g. "0:04.3".
	secs, _, _ = strings.Cut(secs, ".")
	m, err := strconv.Atoi(mins)
	if err != nil || m < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadClock, clock)
	}
	s, err := strconv.Atoi(secs)
	if err != nil || s < 0 || s > 59 {
		return 0, fmt.Errorf("%w: %q", ErrBadClock, clock)
	}
	return m*60 + s, nil
}

// ParseScore splits a score string such as "102 - 99" into the two team
// scores in the order they appear.
func ParseScore(score string) (int, int, error) {
	a, b, ok := strings.Cut(strings.ReplaceAll(score, " ", ""), "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadScore, score)
	}
	x, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadScore, score)
	}
	y, err := strconv.Atoi(b)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadScore, score)
	}
	return x, y, nil
}

type Point struct {
	Seconds int `json:"seconds"`
	Score   int `json:"score"`
}

// Timeline holds each side's score every time it changed. TeamA is the
// first number of the score string and TeamB the second. Both start at
// (0, 0).
type Timeline struct {
	TeamA  []Point `json:"team_a"`
	TeamB  []Point `json:"team_b"`
	Length int     `json:"length"`
	// SimultaneousChanges counts rows where both scores moved at once. It
	// should always be zero; both changes are still recorded.
	SimultaneousChanges int `json:"simultaneous_changes"`
}

// FromRows scans rows in order and records a point whenever a team's score
// differs from the last one seen. Rows without a score are ignored.
func FromRows(rows []nba.Row, clock Clock) (Timeline, error) {
	tl := Timeline{TeamA: []Point{{0, 0}}, TeamB: []Point{{0, 0}}}
	lastA, lastB := 0, 0
	maxPeriod := 0

	for i, row := range rows {
		period := row.PeriodNumber()
		if period > maxPeriod {
			maxPeriod = period
		}
		if row.Score == nil || *row.Score == "" {
			continue
		}
		a, b, err := ParseScore(*row.Score)
		if err != nil {
			return Timeline{}, fmt.Errorf("row %d: %w", i, err)
		}
		if a == lastA && b == lastB {
			continue
		}
		if row.Clock == nil {
			return Timeline{}, fmt.Errorf("row %d: %w: missing", i, ErrBadClock)
		}
		elapsed, err := clock.Elapsed(period, *row.Clock)
		if err != nil {
			return Timeline{}, fmt.Errorf("row %d: %w", i, err)
		}

		if a != lastA && b != lastB {
			tl.SimultaneousChanges++
		}
		if a != lastA {
			tl.TeamA = append(tl.TeamA, Point{Seconds: elapsed, Score: a})
			lastA = a
		}
		if b != lastB {
			tl.TeamB = append(tl.TeamB, Point{Seconds: elapsed, Score: b})
			lastB = b
		}
	}

	tl.Length = clock.GameLength(maxPeriod)
	return tl, nil
}

// AverageScores returns, for every second t of a game of length seconds, the
// running time-weighted average score: each basket adds its points weighted
// by the share of the game still left when it was scored. The last value is
// the team's score averaged over the whole game.
func AverageScores(points []Point, length int) []float64 {
	return averages(deltas(points), length)
}

// AverageScoreDiffs is AverageScores for team a minus team b. With reverse
// set the game is read from the final buzzer backwards, so late baskets
// carry the most weight.
func AverageScoreDiffs(a, b []Point, length int, reverse bool) []float64 {
	da, db := deltas(a), deltas(b)
	if reverse {
		da, db = mirror(da, length), mirror(db, length)
	}
	avgA, avgB := averages(da, length), averages(db, length)
	diffs := make([]float64, len(avgA))
	for i := range avgA {
		diffs[i] = avgA[i] - avgB[i]
	}
	return diffs
}

// AverageScoreDiff is the final value of AverageScoreDiffs.
func (tl Timeline) AverageScoreDiff(reverse bool) float64 {
	diffs := AverageScoreDiffs(tl.TeamA, tl.TeamB, tl.Length, reverse)
	if len(diffs) == 0 {
		return 0
	}
	return diffs[len(diffs)-1]
}

// deltas maps each second to the points scored in it.
func deltas(points []Point) map[int]int {
	d := map[int]int{}
	last := 0
	for _, p := range points {
		d[p.Seconds] += p.Score - last
		last = p.Score
	}
	return d
}

func mirror(d map[int]int, length int) map[int]int {
	m := make(map[int]int, len(d))
	for t, v := range d {
		m[length-t] += v
	}
	return m
}

func averages(d map[int]int, length int) []float64 {
	if length <= 0 {
		return nil
	}
	avgs := make([]float64, length)
	avg := 0.0
	for t := 0; t < length; t++ {
		avg += float64((length-t)*d[t]) / float64(length)
		avgs[t] = avg
	}
	return avgs
}
