package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joeycumines/go-aionet/eventloop"
)

// ErrMalformed is the root of every protocol error raised by the
// parser. Specific failures wrap it with detail. A protocol error is
// fatal for the connection.
var ErrMalformed = errors.New("httpx: malformed message")

// bodyState tracks the chunked decoder between feeds.
type bodyState uint8

const (
	bodyUnstarted bodyState = iota
	chunkSize
	chunkData
	chunkDataEnd
	chunkTrailers
	bodyComplete
)

// wire is the transport-facing half shared by Request and Response: the
// carry-over receive buffer and the incremental header/body machine.
type wire struct {
	io      *eventloop.IO
	buf     []byte
	scratch []byte

	headers Headers
	lastKey string
	body    []byte

	remaining uint64
	bstate    bodyState

	startDone  bool
	headerDone bool
	bodyDone   bool
}

// reset rearms the machine for the next message. The carry-over buffer
// is preserved: bytes past the previous body belong to the next
// pipelined message.
func (w *wire) reset() {
	w.headers = nil
	w.lastKey = ""
	w.body = nil
	w.remaining = 0
	w.bstate = bodyUnstarted
	w.startDone = false
	w.headerDone = false
	w.bodyDone = false
}

// recvMore performs one bounded receive and appends it to the carry-over
// buffer. ok is false on timeout; an orderly peer close surfaces as
// [eventloop.ErrPeerClosed].
func (w *wire) recvMore(ctx context.Context, d time.Duration) (ok bool, err error) {
	if w.scratch == nil {
		w.scratch = make([]byte, eventloop.BufMaxSize)
	}
	n, timedOut, err := w.io.RecvLinkTimeout(ctx, w.scratch, d)
	if err != nil {
		return false, err
	}
	if timedOut {
		return false, nil
	}
	if n == 0 {
		return false, eventloop.ErrPeerClosed
	}
	w.buf = append(w.buf, w.scratch[:n]...)
	return true, nil
}

// cutLine returns the next CRLF-terminated line and consumes it.
func (w *wire) cutLine() (string, bool) {
	i := bytes.Index(w.buf, []byte(crlf))
	if i < 0 {
		return "", false
	}
	line := string(w.buf[:i])
	w.buf = w.buf[i+2:]
	return line, true
}

// stepHead advances through the start line and headers. It reports
// whether more bytes are needed; parseStart is invoked exactly once.
func (w *wire) stepHead(parseStart func(line string) error) (more bool, err error) {
	if !w.startDone {
		line, ok := w.cutLine()
		if !ok {
			return true, nil
		}
		if err := parseStart(line); err != nil {
			return false, err
		}
		w.startDone = true
		if w.headers == nil {
			w.headers = make(Headers)
		}
	}
	for !w.headerDone {
		line, ok := w.cutLine()
		if !ok {
			return true, nil
		}
		if line == "" {
			w.headerDone = true
			break
		}
		key, val, found := strings.Cut(line, headerSeparator)
		if !found {
			key, val, found = strings.Cut(line, ":")
		}
		if !found {
			// A separator-less non-empty line continues the previous
			// header (folding).
			if w.lastKey == "" {
				return false, fmt.Errorf("%w: header continuation without a header", ErrMalformed)
			}
			w.headers[w.lastKey] += line
			continue
		}
		key = strings.ToLower(key)
		w.headers[key] = strings.TrimLeft(val, " ")
		w.lastKey = key
	}
	return false, nil
}

// stepBody advances body consumption, handing completed spans to sink.
// It reports whether more bytes are needed.
func (w *wire) stepBody(sink func([]byte) error) (more bool, err error) {
	switch {
	case w.headers.Has(HeaderContentLength):
		return w.stepBodyLength(sink)
	case w.headers.Has(HeaderTransferEncoding):
		return w.stepBodyChunked(sink)
	default:
		w.bstate = bodyComplete
		return false, nil
	}
}

func (w *wire) stepBodyLength(sink func([]byte) error) (bool, error) {
	if w.bstate == bodyUnstarted {
		v, _ := w.headers.Get(HeaderContentLength)
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return false, fmt.Errorf("%w: content-length %q", ErrMalformed, v)
		}
		w.remaining = n
		w.bstate = chunkData
	}
	if w.remaining > 0 && len(w.buf) > 0 {
		take := w.remaining
		if take > uint64(len(w.buf)) {
			take = uint64(len(w.buf))
		}
		if err := sink(w.buf[:take]); err != nil {
			return false, err
		}
		w.buf = w.buf[take:]
		w.remaining -= take
	}
	if w.remaining == 0 {
		w.bstate = bodyComplete
		return false, nil
	}
	return true, nil
}

func (w *wire) stepBodyChunked(sink func([]byte) error) (bool, error) {
	if w.bstate == bodyUnstarted {
		w.bstate = chunkSize
	}
	for {
		switch w.bstate {
		case chunkSize:
			line, ok := w.cutLine()
			if !ok {
				return true, nil
			}
			// Chunk extensions are accepted and ignored.
			if i := strings.IndexByte(line, ';'); i >= 0 {
				line = line[:i]
			}
			n, err := strconv.ParseUint(strings.TrimSpace(line), 16, 64)
			if err != nil {
				return false, fmt.Errorf("%w: chunk size %q", ErrMalformed, line)
			}
			w.remaining = n
			if n == 0 {
				w.bstate = chunkTrailers
				continue
			}
			w.bstate = chunkData
		case chunkData:
			if len(w.buf) == 0 {
				return true, nil
			}
			take := w.remaining
			if take > uint64(len(w.buf)) {
				take = uint64(len(w.buf))
			}
			if err := sink(w.buf[:take]); err != nil {
				return false, err
			}
			w.buf = w.buf[take:]
			w.remaining -= take
			if w.remaining == 0 {
				w.bstate = chunkDataEnd
			}
		case chunkDataEnd:
			if len(w.buf) < 2 {
				return true, nil
			}
			if w.buf[0] != '\r' || w.buf[1] != '\n' {
				return false, fmt.Errorf("%w: chunk data not CRLF-terminated", ErrMalformed)
			}
			w.buf = w.buf[2:]
			w.bstate = chunkSize
		case chunkTrailers:
			// Trailers are accepted syntactically and discarded; the
			// empty line ends the body.
			line, ok := w.cutLine()
			if !ok {
				return true, nil
			}
			if line == "" {
				w.bstate = bodyComplete
				return false, nil
			}
		case bodyComplete:
			return false, nil
		}
	}
}

// driveHead runs the recv/step loop for the start line and headers.
// ok is false on timeout or peer close before completion.
func (w *wire) driveHead(ctx context.Context, d time.Duration, parseStart func(string) error) (bool, error) {
	for {
		more, err := w.stepHead(parseStart)
		if err != nil {
			return false, err
		}
		if !more {
			return true, nil
		}
		ok, err := w.recvMore(ctx, d)
		if errors.Is(err, eventloop.ErrPeerClosed) {
			// A clean close between requests unwinds the keep-alive
			// loop without an error.
			return false, nil
		}
		if err != nil || !ok {
			return false, err
		}
	}
}

// driveBody runs the recv/step loop for the body phase.
func (w *wire) driveBody(ctx context.Context, d time.Duration, sink func([]byte) error) error {
	if w.bodyDone {
		return errors.New("httpx: body already consumed")
	}
	w.bodyDone = true
	for {
		more, err := w.stepBody(sink)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		ok, err := w.recvMore(ctx, d)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("httpx: body recv: %w", eventloop.ErrTimeout)
		}
	}
}
