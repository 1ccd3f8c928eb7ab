// Package trio encodes and decodes dicts in the line-oriented textual form
// used by the storage engine as its record payload. The engine treats the
// format as opaque; the contract is that Read(Write(d)) equals d for every
// supported value kind.
package trio

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/foliodb/folio/pkg/hay"
)

// Write encodes one dict, one tag per line. Marker tags encode as a bare
// name line; all other tags encode as "name: literal".
func Write(w io.Writer, d *hay.Dict) error {
	var sb strings.Builder
	d.Each(func(name string, val hay.Val) {
		sb.WriteString(name)
		if _, ok := val.(hay.MarkerVal); !ok {
			sb.WriteString(": ")
			writeVal(&sb, val)
		}
		sb.WriteByte('\n')
	})
	_, err := io.WriteString(w, sb.String())
	return err
}

// WriteString encodes one dict to a string.
func WriteString(d *hay.Dict) string {
	var sb strings.Builder
	Write(&sb, d) // strings.Builder never errors
	return sb.String()
}

// WriteAll encodes a sequence of dicts separated by "---" lines.
func WriteAll(w io.Writer, dicts []*hay.Dict) error {
	for i, d := range dicts {
		if i > 0 {
			if _, err := io.WriteString(w, "---\n"); err != nil {
				return err
			}
		}
		if err := Write(w, d); err != nil {
			return err
		}
	}
	return nil
}

func writeVal(sb *strings.Builder, val hay.Val) {
	switch v := val.(type) {
	case hay.MarkerVal:
		sb.WriteString("M")
	case hay.RemoveVal:
		sb.WriteString("R")
	case hay.NAVal:
		sb.WriteString("NA")
	case hay.Bool:
		if v {
			sb.WriteString("T")
		} else {
			sb.WriteString("F")
		}
	case hay.Number:
		sb.WriteString(v.String())
	case hay.Str:
		sb.WriteString(strconv.Quote(string(v)))
	case hay.Uri:
		sb.WriteByte('`')
		sb.WriteString(string(v))
		sb.WriteByte('`')
	case *hay.Ref:
		sb.WriteByte('@')
		sb.WriteString(v.Id())
	case hay.Date:
		sb.WriteString(v.String())
	case hay.Time:
		sb.WriteString(v.String())
	case hay.DateTime:
		sb.WriteString(v.String())
	case hay.Coord:
		sb.WriteString(v.String())
	case hay.Bin:
		sb.WriteString(v.String())
	case hay.XStr:
		sb.WriteString(v.String())
	case *hay.Dict:
		sb.WriteByte('{')
		first := true
		v.Each(func(name string, nv hay.Val) {
			if !first {
				sb.WriteByte(' ')
			}
			first = false
			sb.WriteString(name)
			if _, ok := nv.(hay.MarkerVal); !ok {
				sb.WriteByte(':')
				writeVal(sb, nv)
			}
		})
		sb.WriteByte('}')
	case hay.List:
		sb.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeVal(sb, item)
		}
		sb.WriteByte(']')
	default:
		panic(fmt.Sprintf("trio: unsupported value kind %T", val))
	}
}

// Read decodes one dict from r. Input past the first "---" separator is
// left unconsumed by ReadAll but is an error here.
func Read(r io.Reader) (*hay.Dict, error) {
	dicts, err := ReadAll(r)
	if err != nil {
		return nil, err
	}
	switch len(dicts) {
	case 0:
		return hay.NewDict(), nil
	case 1:
		return dicts[0], nil
	}
	return nil, fmt.Errorf("trio: expected one record, got %d", len(dicts))
}

// ReadString decodes one dict from a string.
func ReadString(s string) (*hay.Dict, error) {
	return Read(strings.NewReader(s))
}

// ReadAll decodes every "---"-separated dict from r.
func ReadAll(r io.Reader) ([]*hay.Dict, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var dicts []*hay.Dict
	cur := hay.NewDict()
	flush := func() {
		if !cur.IsEmpty() {
			dicts = append(dicts, cur)
			cur = hay.NewDict()
		}
	}
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), " \t\r")
		if text == "" || strings.HasPrefix(text, "//") {
			continue
		}
		if strings.HasPrefix(text, "---") {
			flush()
			continue
		}
		name, val, err := parseLine(text)
		if err != nil {
			return nil, fmt.Errorf("trio: line %d: %w", line, err)
		}
		cur.Set(name, val)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("trio: %w", err)
	}
	flush()
	return dicts, nil
}

func parseLine(text string) (string, hay.Val, error) {
	colon := strings.IndexByte(text, ':')
	if colon < 0 {
		name := strings.TrimSpace(text)
		if !hay.IsValidTagName(name) {
			return "", nil, fmt.Errorf("invalid tag name %q", name)
		}
		return name, hay.Marker, nil
	}
	name := strings.TrimSpace(text[:colon])
	if !hay.IsValidTagName(name) {
		return "", nil, fmt.Errorf("invalid tag name %q", name)
	}
	p := &parser{src: strings.TrimSpace(text[colon+1:])}
	val, err := p.parseVal()
	if err != nil {
		return "", nil, fmt.Errorf("tag %q: %w", name, err)
	}
	p.skipSpace()
	if !p.eof() {
		return "", nil, fmt.Errorf("tag %q: trailing input %q", name, p.rest())
	}
	return name, val, nil
}
