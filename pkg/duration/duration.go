// Package duration parses and formats durations with units above the
// hour ceiling of time.ParseDuration: days (d), weeks (w), months (mo),
// and years (y). Unit names may be abbreviated or spelled out, and
// whitespace between number and unit is optional, so "36h", "1d12h",
// and "1 day 12 hours" all describe the same span.
//
// Months and years are fixed spans of 30 and 365 days. Callers that
// need calendar arithmetic should use time.AddDate instead.
package duration

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Fixed extended units.
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
	Year  = 365 * Day
)

// units maps every accepted unit spelling to its span. Input is
// lowercased before lookup, so "1D" and "1 Day" resolve like "1d".
var units = map[string]time.Duration{
	"ns": time.Nanosecond, "nano": time.Nanosecond, "nanos": time.Nanosecond,
	"nanosecond": time.Nanosecond, "nanoseconds": time.Nanosecond,

	"us": time.Microsecond, "µs": time.Microsecond, "μs": time.Microsecond,
	"micro": time.Microsecond, "micros": time.Microsecond,
	"microsecond": time.Microsecond, "microseconds": time.Microsecond,

	"ms": time.Millisecond, "milli": time.Millisecond, "millis": time.Millisecond,
	"millisecond": time.Millisecond, "milliseconds": time.Millisecond,

	"s": time.Second, "sec": time.Second, "secs": time.Second,
	"second": time.Second, "seconds": time.Second,

	"m": time.Minute, "min": time.Minute, "mins": time.Minute,
	"minute": time.Minute, "minutes": time.Minute,

	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour,
	"hour": time.Hour, "hours": time.Hour,

	"d": Day, "day": Day, "days": Day,

	"w": Week, "wk": Week, "wks": Week, "week": Week, "weeks": Week,

	"mo": Month, "mos": Month, "month": Month, "months": Month,

	"y": Year, "yr": Year, "yrs": Year, "year": Year, "years": Year,
}

// tokenPattern matches one number-unit pair. The unit is a full letter
// run, so "1mo" tokenizes as months rather than a minute followed by
// junk.
var tokenPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([a-zµμ]+)`)

// Parse converts a human-readable duration string to a time.Duration.
// It accepts everything time.ParseDuration does, plus the extended and
// spelled-out units listed in the package documentation. A single
// leading sign applies to the whole value.
func Parse(s string) (time.Duration, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	if in == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	neg := false
	switch in[0] {
	case '-':
		neg = true
		in = strings.TrimSpace(in[1:])
	case '+':
		in = strings.TrimSpace(in[1:])
	}

	pairs := tokenPattern.FindAllStringSubmatch(in, -1)
	leftover := strings.TrimSpace(tokenPattern.ReplaceAllString(in, " "))
	if len(pairs) == 0 || leftover != "" {
		return 0, fmt.Errorf("duration: invalid syntax %q", s)
	}

	var total time.Duration
	for _, p := range pairs {
		span, ok := units[p[2]]
		if !ok {
			return 0, fmt.Errorf("duration: unknown unit %q in %q", p[2], s)
		}
		value, err := strconv.ParseFloat(p[1], 64)
		if err != nil {
			return 0, fmt.Errorf("duration: bad number %q in %q", p[1], s)
		}
		ns := math.Round(value * float64(span))
		if ns >= math.MaxInt64 || float64(total)+ns >= math.MaxInt64 {
			return 0, fmt.Errorf("duration: value out of range: %q", s)
		}
		total += time.Duration(ns)
	}

	if neg {
		total = -total
	}
	return total, nil
}

// MustParse is Parse for trusted, typically constant, inputs. It panics
// on error.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// formatUnits orders the components Format emits, largest first.
var formatUnits = []struct {
	suffix string
	span   time.Duration
}{
	{"y", Year},
	{"mo", Month},
	{"w", Week},
	{"d", Day},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
	{"ms", time.Millisecond},
	{"µs", time.Microsecond},
	{"ns", time.Nanosecond},
}

// Format renders d using the largest units that fit, omitting zero
// components: 90 minutes formats as "1h30m", 36 hours as "1d12h". The
// output round-trips through Parse.
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	neg := d < 0
	if neg {
		d = -d
	}

	var b strings.Builder
	for _, u := range formatUnits {
		if n := d / u.span; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, u.suffix)
			d -= n * u.span
		}
	}
	if b.Len() == 0 {
		return "0s"
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
