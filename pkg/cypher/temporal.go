package cypher

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Duration is NervusDB's single temporal representation: a signed count of
// microseconds since an implicit epoch when used as a point in time
// (datetime()), or a signed span of microseconds when used as an interval
// (duration()). Keeping one underlying representation for both, as the
// storage layer's TagDateTime already does, avoids a second wire format;
// the distinction is purely which constructor produced the value.
type Duration struct {
	Microseconds int64
}

const (
	usPerSecond = int64(1_000_000)
	usPerMinute = 60 * usPerSecond
	usPerHour   = 60 * usPerMinute
	usPerDay    = 24 * usPerHour
)

var isoDurationRe = regexp.MustCompile(`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseISODuration parses an ISO-8601 duration literal, e.g. "P1Y2DT3H4M5S".
// Years are treated as 365 days and months as 30 days: NervusDB's durations
// are a flat microsecond count with no calendar awareness, matching the
// legacy v1 archive's duration handling (original_source's
// evaluator_duration.rs normalizes days as seconds*86400 with no
// month/year distinction either — carried forward here as the Open
// Question decision recorded in DESIGN.md).
func ParseISODuration(s string) (Duration, error) {
	m := isoDurationRe.FindStringSubmatch(s)
	if m == nil {
		return Duration{}, fmt.Errorf("%w: invalid duration literal %q", ErrInvalidArgumentValue, s)
	}
	var days, us int64
	if m[1] != "" {
		n, _ := strconv.ParseInt(m[1], 10, 64)
		days += n * 365
	}
	if m[2] != "" {
		n, _ := strconv.ParseInt(m[2], 10, 64)
		days += n * 30
	}
	if m[3] != "" {
		n, _ := strconv.ParseInt(m[3], 10, 64)
		days += n
	}
	if m[4] != "" {
		n, _ := strconv.ParseInt(m[4], 10, 64)
		us += n * usPerHour
	}
	if m[5] != "" {
		n, _ := strconv.ParseInt(m[5], 10, 64)
		us += n * usPerMinute
	}
	if m[6] != "" {
		f, _ := strconv.ParseFloat(m[6], 64)
		us += int64(f * float64(usPerSecond))
	}
	return Duration{Microseconds: days*usPerDay + us}, nil
}

// String renders a Duration back to its ISO-8601 form for display.
func (d Duration) String() string {
	us := d.Microseconds
	neg := us < 0
	if neg {
		us = -us
	}
	days := us / usPerDay
	us -= days * usPerDay
	hours := us / usPerHour
	us -= hours * usPerHour
	minutes := us / usPerMinute
	us -= minutes * usPerMinute
	seconds := us / usPerSecond
	us -= seconds * usPerSecond

	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	sb.WriteByte('P')
	if days != 0 {
		fmt.Fprintf(&sb, "%dD", days)
	}
	if hours != 0 || minutes != 0 || seconds != 0 || us != 0 {
		sb.WriteByte('T')
		if hours != 0 {
			fmt.Fprintf(&sb, "%dH", hours)
		}
		if minutes != 0 {
			fmt.Fprintf(&sb, "%dM", minutes)
		}
		if seconds != 0 || us != 0 {
			if us != 0 {
				fmt.Fprintf(&sb, "%d.%06dS", seconds, us)
			} else {
				fmt.Fprintf(&sb, "%dS", seconds)
			}
		}
	}
	if sb.Len() == 1 || (neg && sb.Len() == 2) {
		sb.WriteString("0D")
	}
	return sb.String()
}

// Add/Sub implement duration arithmetic for BinaryExpr's "+"/"-" operators
// when both operands are durations.
func (d Duration) Add(o Duration) Duration { return Duration{Microseconds: d.Microseconds + o.Microseconds} }
func (d Duration) Sub(o Duration) Duration { return Duration{Microseconds: d.Microseconds - o.Microseconds} }
