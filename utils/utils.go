package utils

import (
	"fmt"
	"runtime"
)

func ErrorWithTrace(e error) error {
	_, file, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s:%d\n\t%w", file, line, e)
}

// SeasonLabel turns the two digit starting year of a season into the
// "2016-17" form the stats api expects in its Season parameter.
// Years 46-99 are read as 19xx.
func SeasonLabel(year int) string {
	start := 2000 + year
	if year >= 46 {
		start = 1900 + year
	}
	return fmt.Sprintf("%d-%02d", start, (start+1)%100)
}

func IsInvalidYear(year int) bool {
	return year < 0 || year > 99
}
