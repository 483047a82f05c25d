package nba

import (
	"fmt"
)

// Positions of the fields inside a play-by-play row.
const (
	idxGameID             = 0
	idxEventNum           = 1
	idxEventMsgType       = 2
	idxEventMsgActionType = 3
	idxPeriod             = 4
	idxWallClock          = 5
	idxClock              = 6
	idxHomeDescription    = 7
	idxNeutralDescription = 8
	idxVisitorDescription = 9
	idxScore              = 10
	idxScoreMargin        = 11

	// Each participant is seven consecutive fields starting here.
	idxParticipant1 = 12
	idxParticipant2 = 19
	idxParticipant3 = 26
)

var participantOffsets = [3]int{idxParticipant1, idxParticipant2, idxParticipant3}

type Participant struct {
	PersonType       *float64
	PlayerID         *float64
	PlayerName       *string
	TeamID           *float64
	TeamCity         *string
	TeamNickname     *string
	TeamAbbreviation *string
}

// Row is one play-by-play event. Anything the api sent as null, or did not
// send at all, is nil.
type Row struct {
	GameID             *string
	EventNum           *float64
	EventMsgType       *float64
	EventMsgActionType *float64
	Period             *float64
	WallClock          *string
	Clock              *string
	HomeDescription    *string
	NeutralDescription *string
	VisitorDescription *string
	Score              *string
	ScoreMargin        *string
	Participants       [3]Participant
}

func (r Row) PeriodNumber() int {
	if r.Period == nil {
		return 0
	}
	return int(*r.Period)
}

// DecodeRows turns a cached rowSet into typed rows.
func DecodeRows(raw []byte) ([]Row, error) {
	var rowSet [][]interface{}
	if err := json.Unmarshal(raw, &rowSet); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	rows := make([]Row, len(rowSet))
	for i, r := range rowSet {
		rows[i] = decodeRow(r)
	}
	return rows, nil
}

func decodeRow(raw []interface{}) Row {
	at := func(i int) any {
		if i < len(raw) {
			return raw[i]
		}
		return nil
	}
	row := Row{
		GameID:             maybe[string](at(idxGameID)),
		EventNum:           maybe[float64](at(idxEventNum)),
		EventMsgType:       maybe[float64](at(idxEventMsgType)),
		EventMsgActionType: maybe[float64](at(idxEventMsgActionType)),
		Period:             maybe[float64](at(idxPeriod)),
		WallClock:          maybe[string](at(idxWallClock)),
		Clock:              maybe[string](at(idxClock)),
		HomeDescription:    maybe[string](at(idxHomeDescription)),
		NeutralDescription: maybe[string](at(idxNeutralDescription)),
		VisitorDescription: maybe[string](at(idxVisitorDescription)),
		Score:              maybe[string](at(idxScore)),
		ScoreMargin:        maybe[string](at(idxScoreMargin)),
	}
	for i, base := range participantOffsets {
		row.Participants[i] = Participant{
			PersonType:       maybe[float64](at(base)),
			PlayerID:         maybe[float64](at(base + 1)),
			PlayerName:       maybe[string](at(base + 2)),
			TeamID:           maybe[float64](at(base + 3)),
			TeamCity:         maybe[string](at(base + 4)),
			TeamNickname:     maybe[string](at(base + 5)),
			TeamAbbreviation: maybe[string](at(base + 6)),
		}
	}
	return row
}

// GameIDOf returns the game id carried by the first row.
func GameIDOf(rows []Row) (string, bool) {
	if len(rows) == 0 || rows[0].GameID == nil {
		return "", false
	}
	return *rows[0].GameID, true
}

// MatchupTeams scans the participant team abbreviations in order and stops
// as soon as two distinct teams are seen. Fewer than two means the record
// never named both sides.
func MatchupTeams(rows []Row) []string {
	teams := make([]string, 0, 2)
	for _, r := range rows {
		for _, p := range r.Participants {
			if p.TeamAbbreviation == nil || *p.TeamAbbreviation == "" {
				continue
			}
			abbr := *p.TeamAbbreviation
			if len(teams) == 1 && teams[0] == abbr {
				continue
			}
			teams = append(teams, abbr)
			if len(teams) == 2 {
				return teams
			}
		}
	}
	return teams
}
