package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// frame is a single Server-Sent Event record: an event name, an opaque
// data payload, and (for transport-level resumption only — the protocol
// itself never reads this back) a monotonically increasing id.
//
// The shape and the field-prefix byte constants below follow the
// encoder/decoder split used throughout the example pack's dedicated SSE
// packages, generalized to the two event names this protocol defines
// (next, complete) plus the unnamed comment keep-alive.
type frame struct {
	event string
	id    string
	data  []byte
}

var (
	fieldEventPrefix = []byte("event: ")
	fieldDataPrefix  = []byte("data: ")
	fieldIDPrefix    = []byte("id: ")
	newline          = []byte("\n")
)

// defaultEventName is substituted for frames with no explicit event
// field, per the SSE specification.
const defaultEventName = "message"

// writeFrame serializes f to w in SSE wire format and flushes if w
// supports it. The data payload must not contain embedded newlines; the
// message codec guarantees this by encoding JSON without indentation.
func writeFrame(w io.Writer, f frame) error {
	var buf bytes.Buffer
	if f.id != "" {
		buf.Write(fieldIDPrefix)
		buf.WriteString(f.id)
		buf.Write(newline)
	}
	if f.event != "" && f.event != defaultEventName {
		buf.Write(fieldEventPrefix)
		buf.WriteString(f.event)
		buf.Write(newline)
	}
	if bytes.ContainsAny(f.data, "\r\n") {
		return fmt.Errorf("sse: data payload contains an embedded newline")
	}
	buf.Write(fieldDataPrefix)
	buf.Write(f.data)
	buf.Write(newline)
	buf.Write(newline) // blank line terminates the record
	_, err := w.Write(buf.Bytes())
	if err == nil {
		if f, ok := w.(flusher); ok {
			f.Flush()
		}
	}
	return err
}

// writeComment emits a single SSE comment line, used as a keep-alive.
// Comments are ignored by any conforming receiver.
func writeComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	if err == nil {
		if f, ok := w.(flusher); ok {
			f.Flush()
		}
	}
	return err
}

type flusher interface {
	Flush()
}

// frameScanner incrementally parses an SSE byte stream into frames. It
// tolerates records split across read boundaries, since it is fed from
// a bufio.Scanner operating directly on the response body.
type frameScanner struct {
	scanner   *bufio.Scanner
	pendEvent string
	pendData  bytes.Buffer
	pendID    string
	haveAny   bool
	err       error
}

// newFrameScanner returns a frameScanner reading from r.
func newFrameScanner(r io.Reader) *frameScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &frameScanner{scanner: s}
}

// Next advances to the next dispatchable frame, returning false at EOF
// or on error (distinguishable via Err).
func (p *frameScanner) Next() (frame, bool) {
	for p.scanner.Scan() {
		line := p.scanner.Text()

		if line == "" {
			if !p.haveAny {
				continue // blank lines before any field are ignored
			}
			f := frame{
				event: p.pendEvent,
				id:    p.pendID,
				data:  bytes.TrimSuffix(p.pendData.Bytes(), newline),
			}
			if f.event == "" {
				f.event = defaultEventName
			}
			p.resetPending()
			return f, true
		}

		if strings.HasPrefix(line, ":") {
			continue // comment / keep-alive
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			p.pendEvent = value
			p.haveAny = true
		case "data":
			p.pendData.WriteString(value)
			p.pendData.Write(newline)
			p.haveAny = true
		case "id":
			p.pendID = value
			p.haveAny = true
		default:
			// retry: and unknown fields carry no meaning for this protocol.
		}
	}
	p.err = p.scanner.Err()
	return frame{}, false
}

func (p *frameScanner) resetPending() {
	p.pendEvent = ""
	p.pendID = ""
	p.pendData.Reset()
	p.haveAny = false
}

// Err returns the first non-EOF error encountered while scanning.
func (p *frameScanner) Err() error {
	return p.err
}

// nextEventID formats the id written with the idx'th frame emitted on a
// single-connection reservation. Nothing in this package reads these ids
// back, and the server does not look at a Last-Event-ID header.
func nextEventID(idx int) string {
	return strconv.Itoa(idx)
}
