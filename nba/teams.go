package nba

import "regexp"

// Teams are the current franchises. Older seasons also carry codes of teams
// that have since moved or been renamed (SEA, NJN, VAN, NOH, ...).

var Teams = map[string]struct{}{
	"ATL": {}, "BKN": {}, "BOS": {}, "CHA": {}, "CHI": {},
	"CLE": {}, "DAL": {}, "DEN": {}, "DET": {}, "GSW": {},
	"HOU": {}, "IND": {}, "LAC": {}, "LAL": {}, "MEM": {},
	"MIA": {}, "MIL": {}, "MIN": {}, "NOP": {}, "NYK": {},
	"OKC": {}, "ORL": {}, "PHI": {}, "PHX": {}, "POR": {},
	"SAC": {}, "SAS": {}, "TOR": {}, "UTA": {}, "WAS": {},
}

func IsTeam(abbr string) bool {
	_, ok := Teams[abbr]
	return ok
}

var abbreviation = regexp.MustCompile(`^[A-Z]{2,4}$`)

// IsAbbreviation reports whether s looks like a team code from any season.
// It is also safe to use as a directory name.
func IsAbbreviation(s string) bool {
	return abbreviation.MatchString(s)
}
