// Package hay implements the tag value model: the tagged union of value
// kinds that records are built from, ordered dicts, refs, diffs and the
// time/timezone helpers shared by the storage engine.
package hay

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind enumerates the value kinds a tag may hold.
type Kind int

const (
	KindMarker Kind = iota
	KindRemove
	KindNA
	KindBool
	KindNumber
	KindStr
	KindUri
	KindRef
	KindDate
	KindTime
	KindDateTime
	KindCoord
	KindBin
	KindXStr
	KindDict
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindMarker:
		return "Marker"
	case KindRemove:
		return "Remove"
	case KindNA:
		return "NA"
	case KindBool:
		return "Bool"
	case KindNumber:
		return "Number"
	case KindStr:
		return "Str"
	case KindUri:
		return "Uri"
	case KindRef:
		return "Ref"
	case KindDate:
		return "Date"
	case KindTime:
		return "Time"
	case KindDateTime:
		return "DateTime"
	case KindCoord:
		return "Coord"
	case KindBin:
		return "Bin"
	case KindXStr:
		return "XStr"
	case KindDict:
		return "Dict"
	case KindList:
		return "List"
	}
	return "Unknown"
}

// Val is a tag value. Implementations are immutable value types with the
// exception of Ref, whose display slot may be updated out-of-band.
type Val interface {
	Kind() Kind
	String() string
}

// Marker is the singleton valueless tag value.
type MarkerVal struct{}

// Marker is the marker singleton.
var Marker = MarkerVal{}

func (MarkerVal) Kind() Kind     { return KindMarker }
func (MarkerVal) String() string { return "M" }

// RemoveVal is the sentinel used in diffs to delete a tag, and in history
// writes to delete the item at a timestamp. It never appears in a stored
// record.
type RemoveVal struct{}

// Remove is the remove sentinel.
var Remove = RemoveVal{}

func (RemoveVal) Kind() Kind     { return KindRemove }
func (RemoveVal) String() string { return "R" }

// NAVal marks a value as not available, distinct from the tag being absent.
type NAVal struct{}

// NA is the not-available singleton.
var NA = NAVal{}

func (NAVal) Kind() Kind     { return KindNA }
func (NAVal) String() string { return "NA" }

// Bool is a boolean tag value.
type Bool bool

func (Bool) Kind() Kind { return KindBool }
func (b Bool) String() string {
	if b {
		return "true"
	}
	return "false"
}

// Number is a floating point value with an optional unit symbol.
type Number struct {
	Val  float64
	Unit string
}

// Num is shorthand for a unitless Number.
func Num(v float64) Number { return Number{Val: v} }

// NumUnit builds a Number carrying a unit symbol.
func NumUnit(v float64, unit string) Number { return Number{Val: v, Unit: unit} }

func (Number) Kind() Kind { return KindNumber }

func (n Number) String() string {
	var s string
	switch {
	case math.IsInf(n.Val, 1):
		s = "INF"
	case math.IsInf(n.Val, -1):
		s = "-INF"
	case math.IsNaN(n.Val):
		return "NaN" // a NaN never carries a unit
	default:
		s = strconv.FormatFloat(n.Val, 'g', -1, 64)
	}
	if n.Unit != "" {
		s += n.Unit
	}
	return s
}

// Str is a string tag value.
type Str string

func (Str) Kind() Kind       { return KindStr }
func (s Str) String() string { return string(s) }

// Uri is a URI tag value. The engine does not interpret it.
type Uri string

func (Uri) Kind() Kind       { return KindUri }
func (u Uri) String() string { return string(u) }

// Date is a calendar date without a time or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate builds a Date from its parts.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

func (Date) Kind() Kind { return KindDate }
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Time is a time of day with millisecond precision.
type Time struct {
	Hour int
	Min  int
	Sec  int
	Ms   int
}

func (Time) Kind() Kind { return KindTime }
func (t Time) String() string {
	if t.Ms != 0 {
		return fmt.Sprintf("%02d:%02d:%02d.%03d", t.Hour, t.Min, t.Sec, t.Ms)
	}
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Min, t.Sec)
}

// Coord is a geographic coordinate. Lat/lng compare at 6 decimal places.
type Coord struct {
	Lat float64
	Lng float64
}

func (Coord) Kind() Kind { return KindCoord }
func (c Coord) String() string {
	return "C(" + formatCoord(c.Lat) + "," + formatCoord(c.Lng) + ")"
}

func formatCoord(f float64) string {
	s := strconv.FormatFloat(f, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

// Bin is a MIME-typed binary value marker.
type Bin struct {
	Mime string
}

func (Bin) Kind() Kind       { return KindBin }
func (b Bin) String() string { return "Bin(" + strconv.Quote(b.Mime) + ")" }

// XStr is the extended typed-string escape hatch: a type name plus an
// opaque string payload.
type XStr struct {
	Type string
	Val  string
}

func (XStr) Kind() Kind { return KindXStr }
func (x XStr) String() string {
	return x.Type + "(" + strconv.Quote(x.Val) + ")"
}

// List is an ordered collection of values.
type List []Val

func (List) Kind() Kind { return KindList }
func (l List) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range l {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(v.String())
	}
	sb.WriteByte(']')
	return sb.String()
}

// Equal reports deep equality of two values. Refs compare by id only; a
// Number compares value and unit; NaN equals NaN so that round-trips and
// record comparisons behave.
func Equal(a, b Val) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch av := a.(type) {
	case MarkerVal, RemoveVal, NAVal:
		return true
	case Bool:
		return av == b.(Bool)
	case Number:
		bv := b.(Number)
		if av.Unit != bv.Unit {
			return false
		}
		if math.IsNaN(av.Val) && math.IsNaN(bv.Val) {
			return true
		}
		return av.Val == bv.Val
	case Str:
		return av == b.(Str)
	case Uri:
		return av == b.(Uri)
	case *Ref:
		return av.Id() == b.(*Ref).Id()
	case Date:
		return av == b.(Date)
	case Time:
		return av == b.(Time)
	case DateTime:
		return av.Equal(b.(DateTime))
	case Coord:
		bv := b.(Coord)
		return coordEq(av.Lat, bv.Lat) && coordEq(av.Lng, bv.Lng)
	case Bin:
		return av == b.(Bin)
	case XStr:
		return av == b.(XStr)
	case *Dict:
		return av.Equal(b.(*Dict))
	case List:
		bv := b.(List)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func coordEq(a, b float64) bool {
	return math.Round(a*1e6) == math.Round(b*1e6)
}
