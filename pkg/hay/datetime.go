package hay

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DateTime is an absolute timestamp with millisecond precision paired with
// the timezone name it should be rendered in. The name uses the city form
// ("New_York", "Los_Angeles") or "UTC".
type DateTime struct {
	ts time.Time
	tz string
}

// NewDateTime builds a DateTime from an absolute time and a timezone name.
// The instant is truncated to millisecond precision.
func NewDateTime(ts time.Time, tz string) (DateTime, error) {
	loc, err := LoadTZ(tz)
	if err != nil {
		return DateTime{}, err
	}
	return DateTime{ts: ts.In(loc).Truncate(time.Millisecond), tz: tz}, nil
}

// MustDateTime is NewDateTime for known-good timezone names.
func MustDateTime(ts time.Time, tz string) DateTime {
	dt, err := NewDateTime(ts, tz)
	if err != nil {
		panic(err)
	}
	return dt
}

// DateTimeNow returns the current instant in the given zone.
func DateTimeNow(tz string) (DateTime, error) {
	return NewDateTime(time.Now(), tz)
}

// Ts returns the underlying instant.
func (dt DateTime) Ts() time.Time { return dt.ts }

// TZ returns the timezone name.
func (dt DateTime) TZ() string { return dt.tz }

// UnixMilli returns the epoch timestamp in whole milliseconds.
func (dt DateTime) UnixMilli() int64 { return dt.ts.UnixMilli() }

// In re-expresses the same instant in another zone.
func (dt DateTime) In(tz string) (DateTime, error) {
	return NewDateTime(dt.ts, tz)
}

// Equal reports whether two DateTimes denote the same instant in the same
// zone.
func (dt DateTime) Equal(o DateTime) bool {
	return dt.tz == o.tz && dt.ts.Equal(o.ts)
}

// Before reports whether dt's instant precedes o's.
func (dt DateTime) Before(o DateTime) bool { return dt.ts.Before(o.ts) }

func (DateTime) Kind() Kind { return KindDateTime }

// String renders the ISO instant followed by the timezone name.
func (dt DateTime) String() string {
	var iso string
	if _, off := dt.ts.Zone(); off == 0 {
		iso = dt.ts.Format("2006-01-02T15:04:05.999") + "Z"
	} else {
		iso = dt.ts.Format("2006-01-02T15:04:05.999-07:00")
	}
	return iso + " " + dt.tz
}

// tzPrefixes are the IANA zone directories searched when mapping a city
// name to a location.
var tzPrefixes = []string{
	"America/", "Europe/", "Asia/", "Australia/", "Africa/", "Pacific/",
	"Atlantic/", "Indian/", "Antarctica/", "Etc/", "US/", "",
}

var tzCache sync.Map // name -> *time.Location

// LoadTZ resolves a Haystack-style timezone city name ("New_York") to a
// *time.Location by searching the standard continent prefixes. "UTC" and
// fully qualified IANA names resolve directly.
func LoadTZ(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	if loc, ok := tzCache.Load(name); ok {
		return loc.(*time.Location), nil
	}
	if strings.Contains(name, "/") {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", name, err)
		}
		tzCache.Store(name, loc)
		return loc, nil
	}
	for _, prefix := range tzPrefixes {
		loc, err := time.LoadLocation(prefix + name)
		if err == nil {
			tzCache.Store(name, loc)
			return loc, nil
		}
	}
	return nil, fmt.Errorf("unknown timezone %q", name)
}

// TZName derives the city name from a location ("America/New_York" ->
// "New_York").
func TZName(loc *time.Location) string {
	s := loc.String()
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Span is a half-open time interval [Start, End).
type Span struct {
	Start time.Time
	End   time.Time
}

// NewSpan builds a span, normalizing to millisecond precision.
func NewSpan(start, end time.Time) Span {
	return Span{Start: start.Truncate(time.Millisecond), End: end.Truncate(time.Millisecond)}
}

// Contains reports whether ts lies inside the interval.
func (s Span) Contains(ts time.Time) bool {
	return !ts.Before(s.Start) && ts.Before(s.End)
}

func (s Span) String() string {
	return s.Start.Format(time.RFC3339) + ".." + s.End.Format(time.RFC3339)
}
