package scores

import (
	"errors"
	"math"
	"slices"
	"testing"

	"pbpcache/nba"
	"pbpcache/nba/nbatest"
)

func decode(t *testing.T, raw []byte) []nba.Row {
	t.Helper()
	rows, err := nba.DecodeRows(raw)
	if err != nil {
		t.Fatalf("DecodeRows: %v", err)
	}
	return rows
}

func TestFromRowsTwoBaskets(t *testing.T) {
	rows := decode(t, nbatest.Game("0021600001", "GSW", "SAS"))

	tl, err := FromRows(rows, NBA)
	if err != nil {
		t.Fatalf("FromRows: %v", err)
	}
	if want := []Point{{0, 0}, {10, 2}}; !slices.Equal(tl.TeamA, want) {
		t.Fatalf("team A = %v, want %v", tl.TeamA, want)
	}
	if want := []Point{{0, 0}, {45, 3}}; !slices.Equal(tl.TeamB, want) {
		t.Fatalf("team B = %v, want %v", tl.TeamB, want)
	}
	if tl.Length != 2880 || tl.SimultaneousChanges != 0 {
		t.Fatalf("unexpected timeline %+v", tl)
	}
}

func TestFromRowsCountsSimultaneousChanges(t *testing.T) {
	rows := decode(t, nbatest.RowSet("0021600001",
		nbatest.Event{Period: 1, Clock: "11:00", Score: "2 - 2"},
		nbatest.Event{Period: 5, Clock: "4:00", Score: "4 - 2"},
	))

	tl, err := FromRows(rows, NBA)
	if err != nil {
		t.Fatalf("FromRows: %v", err)
	}
	if tl.SimultaneousChanges != 1 {
		t.Fatalf("simultaneous changes = %d", tl.SimultaneousChanges)
	}
	if want := []Point{{0, 0}, {60, 2}, {2940, 4}}; !slices.Equal(tl.TeamA, want) {
		t.Fatalf("team A = %v", tl.TeamA)
	}
	if want := []Point{{0, 0}, {60, 2}}; !slices.Equal(tl.TeamB, want) {
		t.Fatalf("team B = %v", tl.TeamB)
	}
	if tl.Length != 3180 {
		t.Fatalf("overtime game length = %d", tl.Length)
	}
}

func TestFromRowsRejectsBadScore(t *testing.T) {
	rows := decode(t, nbatest.RowSet("0021600001", nbatest.Event{Period: 1, Clock: "11:00", Score: "TIE"}))
	if _, err := FromRows(rows, NBA); !errors.Is(err, ErrBadScore) {
		t.Fatalf("expected ErrBadScore, got %v", err)
	}
}

func TestElapsed(t *testing.T) {
	cases := []struct {
		period int
		clock  string
		want   int
	}{
		{1, "12:00", 0},
		{1, "11:50", 10},
		{2, "12:00", 720},
		{4, "0:00", 2880},
		{5, "5:00", 2880},
		{5, "0:00", 3180},
		{6, "2:30", 3330},
		{4, "0:04.3", 2876},
	}
	for _, c := range cases {
		got, err := NBA.Elapsed(c.period, c.clock)
		if err != nil {
			t.Fatalf("Elapsed(%d, %q): %v", c.period, c.clock, err)
		}
		if got != c.want {
			t.Fatalf("Elapsed(%d, %q) = %d, want %d", c.period, c.clock, got, c.want)
		}
	}

	for _, bad := range []struct {
		period int
		clock  string
	}{{0, "1:00"}, {1, "soon"}, {1, "1:75"}, {5, "6:00"}, {1, "-1:00"}} {
		if _, err := NBA.Elapsed(bad.period, bad.clock); !errors.Is(err, ErrBadClock) {
			t.Fatalf("Elapsed(%d, %q) should fail, got %v", bad.period, bad.clock, err)
		}
	}
}

func TestGameLength(t *testing.T) {
	for maxPeriod, want := range map[int]int{0: 2880, 3: 2880, 4: 2880, 5: 3180, 6: 3480} {
		if got := NBA.GameLength(maxPeriod); got != want {
			t.Fatalf("GameLength(%d) = %d, want %d", maxPeriod, got, want)
		}
	}
}

func TestParseScore(t *testing.T) {
	a, b, err := ParseScore("102 - 99")
	if err != nil || a != 102 || b != 99 {
		t.Fatalf("ParseScore = %d %d %v", a, b, err)
	}
	for _, bad := range []string{"", "102", "a - 3", "3 - b"} {
		if _, _, err := ParseScore(bad); !errors.Is(err, ErrBadScore) {
			t.Fatalf("ParseScore(%q) should fail", bad)
		}
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestAverageScores(t *testing.T) {
	avgs := AverageScores([]Point{{0, 0}, {5, 2}, {10, 4}, {15, 7}}, 20)
	if len(avgs) != 20 {
		t.Fatalf("expected one value per second, got %d", len(avgs))
	}
	// 2 points with 15/20 left, 2 with 10/20, 3 with 5/20.
	checks := map[int]float64{4: 0, 5: 1.5, 10: 2.5, 19: 3.25}
	for sec, want := range checks {
		if !approx(avgs[sec], want) {
			t.Fatalf("avg at %d = %v, want %v", sec, avgs[sec], want)
		}
	}
	if AverageScores(nil, 0) != nil {
		t.Fatalf("zero length game should have no averages")
	}
}

func TestAverageScoreDiffs(t *testing.T) {
	a := []Point{{0, 0}, {10, 2}}
	b := []Point{{0, 0}, {15, 3}}

	forward := AverageScoreDiffs(a, b, 20, false)
	if !approx(forward[19], 1.0-0.75) {
		t.Fatalf("forward diff = %v", forward[19])
	}
	backward := AverageScoreDiffs(a, b, 20, true)
	if !approx(backward[19], 1.0-2.25) {
		t.Fatalf("reverse diff = %v", backward[19])
	}

	// A basket on the final buzzer only counts when read backwards.
	buzzer := []Point{{0, 0}, {20, 2}}
	if got := AverageScoreDiffs(buzzer, nil, 20, false)[19]; got != 0 {
		t.Fatalf("forward buzzer diff = %v", got)
	}
	if got := AverageScoreDiffs(buzzer, nil, 20, true)[19]; !approx(got, 2) {
		t.Fatalf("reverse buzzer diff = %v", got)
	}
}

func TestTimelineAverageScoreDiff(t *testing.T) {
	tl := Timeline{TeamA: []Point{{0, 0}, {10, 2}}, TeamB: []Point{{0, 0}, {15, 3}}, Length: 20}
	if got := tl.AverageScoreDiff(false); !approx(got, 0.25) {
		t.Fatalf("AverageScoreDiff = %v", got)
	}
	if got := (Timeline{}).AverageScoreDiff(false); got != 0 {
		t.Fatalf("empty timeline diff = %v", got)
	}
}
