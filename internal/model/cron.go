package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const day = 24 * time.Hour

// cronParser accepts the dialect of gocron.CronJob without seconds: five
// fields or a @macro, @every included.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a retention schedule written as a cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, errors.New("empty cron expression")
	}
	return cronParser.Parse(e)
}

// IsCron reports whether expr looks like a cron expression rather than a
// duration: a @macro or five space separated fields.
func IsCron(expr string) bool {
	e := strings.TrimSpace(expr)
	return strings.HasPrefix(e, "@") || len(strings.Fields(e)) == 5
}

var daysRx = regexp.MustCompile(`^(\d+)d(.*)$`)

// ParseDuration accepts Go durations (90s, 1h30m), a leading day count
// (1d, 2d12h) and ISO8601 days and time (P1D, PT1H30M).
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return 0, errors.New("empty duration")
	case strings.HasPrefix(s, "P"):
		return parseISODuration(s)
	}

	var days int64
	rest := s
	if m := daysRx.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || n > math.MaxInt64/int64(day) {
			return 0, fmt.Errorf("invalid duration format: %q", s)
		}
		days, rest = n, m[2]
	}

	var d time.Duration
	if rest != "" {
		var err error
		d, err = time.ParseDuration(rest)
		if err != nil || d < 0 {
			return 0, fmt.Errorf("invalid duration format: %q", s)
		}
	}
	total := time.Duration(days) * day
	if d > math.MaxInt64-total {
		return 0, fmt.Errorf("duration overflow: %q", s)
	}
	return total + d, nil
}

var isoRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d+)?)S)?)?$`)

// parseISODuration handles the day and time designators only; years, months
// and weeks have no fixed length.
func parseISODuration(s string) (time.Duration, error) {
	m := isoRx.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("invalid ISO8601 duration: %q", s)
	}

	var total time.Duration
	for i, unit := range []time.Duration{day, time.Hour, time.Minute} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil || n > math.MaxInt64/int64(unit) {
			return 0, fmt.Errorf("invalid ISO8601 duration: %q", s)
		}
		total += time.Duration(n) * unit
	}
	if m[4] != "" {
		secs, err := strconv.ParseFloat(strings.Replace(m[4], ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO8601 duration: %q", s)
		}
		total += time.Duration(secs * float64(time.Second))
	}
	if total < 0 {
		return 0, fmt.Errorf("duration overflow: %q", s)
	}
	return total, nil
}
