package wire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReplyKind discriminates the reply frames the server can send.
type ReplyKind int

const (
	ReplyStatus ReplyKind = iota // simple status line ("+OK")
	ReplyInt                     // integer (":1")
	ReplyBulk                    // opaque bytes ("$n")
	ReplyNil                     // absent bulk or array ("$-1" / "*-1")
	ReplyArray                   // ordered list of replies ("*n")
	ReplyErr                     // server error ("-ERR ...")
)

// Reply is one decoded reply frame.
type Reply struct {
	Kind   ReplyKind
	Status string
	Int    int64
	Bulk   []byte
	Array  []Reply
}

// Err returns the reply as a RemoteError when it is an error frame.
func (r Reply) Err() error {
	if r.Kind == ReplyErr {
		return &RemoteError{Msg: r.Status}
	}
	return nil
}

// readReply decodes one frame, recursing into arrays. Bulk payloads are
// read with a full-read loop; the trailing frame separator is consumed and
// excluded.
func readReply(br *bufio.Reader) (Reply, error) {
	line, err := readLine(br)
	if err != nil {
		return Reply{}, err
	}
	if len(line) == 0 {
		return Reply{}, &ProtocolError{Msg: "empty reply line"}
	}
	switch line[0] {
	case '+':
		return Reply{Kind: ReplyStatus, Status: line[1:]}, nil
	case '-':
		return Reply{Kind: ReplyErr, Status: line[1:]}, nil
	case ':':
		n, err := strconv.ParseInt(line[1:], 10, 64)
		if err != nil {
			return Reply{}, &ProtocolError{Msg: "bad integer reply " + strconv.Quote(line)}
		}
		return Reply{Kind: ReplyInt, Int: n}, nil
	case '$':
		n, err := strconv.ParseInt(line[1:], 10, 64)
		if err != nil {
			return Reply{}, &ProtocolError{Msg: "bad bulk length " + strconv.Quote(line)}
		}
		if n < 0 {
			return Reply{Kind: ReplyNil}, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(br, buf); err != nil {
			return Reply{}, &TransportError{Op: "read bulk", Err: err}
		}
		if buf[n] != '\r' || buf[n+1] != '\n' {
			return Reply{}, &ProtocolError{Msg: "bulk payload missing frame separator"}
		}
		return Reply{Kind: ReplyBulk, Bulk: buf[:n]}, nil
	case '*':
		n, err := strconv.ParseInt(line[1:], 10, 64)
		if err != nil {
			return Reply{}, &ProtocolError{Msg: "bad array length " + strconv.Quote(line)}
		}
		if n < 0 {
			return Reply{Kind: ReplyNil}, nil
		}
		arr := make([]Reply, n)
		for i := range arr {
			arr[i], err = readReply(br)
			if err != nil {
				return Reply{}, err
			}
		}
		return Reply{Kind: ReplyArray, Array: arr}, nil
	}
	return Reply{}, &ProtocolError{Msg: fmt.Sprintf("unknown frame type %q", line[0])}
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", &TransportError{Op: "read reply", Err: err}
	}
	if !strings.HasSuffix(line, "\r\n") {
		return "", &ProtocolError{Msg: "reply line missing frame separator"}
	}
	return line[:len(line)-2], nil
}

// writeRequest frames one request as an array of bulk strings.
func writeRequest(bw *bufio.Writer, args []string) error {
	bw.WriteByte('*')
	bw.WriteString(strconv.Itoa(len(args)))
	bw.WriteString("\r\n")
	for _, a := range args {
		bw.WriteByte('$')
		bw.WriteString(strconv.Itoa(len(a)))
		bw.WriteString("\r\n")
		bw.WriteString(a)
		if _, err := bw.WriteString("\r\n"); err != nil {
			return &TransportError{Op: "write request", Err: err}
		}
	}
	return nil
}
