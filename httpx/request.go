package httpx

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joeycumines/go-aionet/eventloop"
)

const (
	// Version is the only protocol version the engine speaks.
	Version = "HTTP/1.1"

	// fileChunkSize bounds each chunk of a chunked upload.
	fileChunkSize = 4096

	// clearDrainBudget caps the drain of an unread body at the end of a
	// keep-alive cycle.
	clearDrainBudget = 250 * time.Millisecond
)

// ErrBodyOwned reports that Content-Length was added manually; the
// sender owns that header.
var ErrBodyOwned = errors.New("httpx: Content-Length is added by the sender")

// Request is an HTTP/1.1 request: the client composes and sends it, the
// server parses it incrementally off the socket.
type Request struct {
	wire
	method  string
	path    string
	version string
	sendBuf []byte
}

// NewRequest binds a request to io.
func NewRequest(io *eventloop.IO) *Request {
	return &Request{wire: wire{io: io}}
}

// --- client side ---

// SetReqLine sets the request line; the version is always HTTP/1.1.
func (r *Request) SetReqLine(method, path string) *Request {
	r.method, r.path, r.version = method, path, Version
	return r
}

// AddHeader sets one header. Keys are sent as written; do not add the
// same key under differing cases.
func (r *Request) AddHeader(key, val string) *Request {
	if r.headers == nil {
		r.headers = make(Headers)
	}
	r.headers.Set(key, val)
	return r
}

// TryAddHeader sets one header unless already present.
func (r *Request) TryAddHeader(key, val string) *Request {
	if r.headers == nil {
		r.headers = make(Headers)
	}
	r.headers.TryAdd(key, val)
	return r
}

// AddHeaders merges heads into the request headers.
func (r *Request) AddHeaders(heads Headers) *Request {
	for k, v := range heads {
		r.AddHeader(k, v)
	}
	return r
}

// SetBody replaces the request body.
func (r *Request) SetBody(data []byte) *Request {
	r.body = data
	return r
}

// buildLineAndHead assembles the request line and headers, without the
// Content-Length and without the final blank line.
func (r *Request) buildLineAndHead(buf []byte) []byte {
	buf = append(buf, r.method...)
	buf = append(buf, ' ')
	buf = append(buf, r.path...)
	buf = append(buf, ' ')
	buf = append(buf, r.version...)
	buf = append(buf, crlf...)
	for k, v := range r.headers {
		buf = append(buf, k...)
		buf = append(buf, headerSeparator...)
		buf = append(buf, v...)
		buf = append(buf, crlf...)
	}
	return buf
}

// SendHTTP composes and writes the request, every send bounded by d.
func (r *Request) SendHTTP(ctx context.Context, d time.Duration) error {
	if r.headers.Has(HeaderContentLength) {
		return ErrBodyOwned
	}
	buf := r.buildLineAndHead(r.sendBuf[:0])
	if len(r.body) == 0 {
		buf = append(buf, crlf...)
		r.sendBuf = buf
		return r.io.SendLinkTimeout(ctx, buf, d)
	}
	buf = append(buf, "Content-Length"...)
	buf = append(buf, headerSeparator...)
	buf = strconv.AppendInt(buf, int64(len(r.body)), 10)
	buf = append(buf, crlf...)
	buf = append(buf, crlf...)
	r.sendBuf = buf
	if err := r.io.SendLinkTimeout(ctx, buf, d); err != nil {
		return err
	}
	return r.io.SendLinkTimeout(ctx, r.body, d)
}

// SendChunked streams the file at path as the request body with chunked
// transfer coding, fileChunkSize bytes per chunk.
func (r *Request) SendChunked(ctx context.Context, path string, d time.Duration) error {
	if r.headers.Has(HeaderContentLength) {
		return ErrBodyOwned
	}
	file := eventloop.NewFile(r.io.Loop())
	if err := file.Open(ctx, path, eventloop.OpenRead, eventloop.AtCwd, 0); err != nil {
		return err
	}
	defer file.Close(ctx)

	r.AddHeader("Transfer-Encoding", "chunked")
	head := r.buildLineAndHead(r.sendBuf[:0])
	head = append(head, crlf...)
	r.sendBuf = head
	if err := r.io.SendLinkTimeout(ctx, head, d); err != nil {
		return err
	}

	data := make([]byte, fileChunkSize)
	frame := make([]byte, 0, 16)
	for {
		n, err := file.Read(ctx, data)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		frame = strconv.AppendUint(frame[:0], uint64(n), 16)
		frame = append(frame, crlf...)
		if err := r.io.SendLinkTimeout(ctx, upperHex(frame), d); err != nil {
			return err
		}
		if err := r.io.SendLinkTimeout(ctx, data[:n], d); err != nil {
			return err
		}
		if err := r.io.SendLinkTimeout(ctx, []byte(crlf), d); err != nil {
			return err
		}
	}
	return r.io.SendLinkTimeout(ctx, []byte("0\r\n\r\n"), d)
}

// upperHex uppercases the hex digits of a chunk-size frame in place.
func upperHex(frame []byte) []byte {
	for i, c := range frame {
		if c >= 'a' && c <= 'f' {
			frame[i] = c - ('a' - 'A')
		}
	}
	return frame
}

// --- server side ---

// ParseRequest drives the request line and header parse. ok is false
// when the peer closed or the per-recv deadline d expired before a full
// header section arrived.
func (r *Request) ParseRequest(ctx context.Context, d time.Duration) (ok bool, err error) {
	return r.driveHead(ctx, d, func(line string) error {
		parts := strings.Split(line, " ")
		if len(parts) != 3 {
			return fmt.Errorf("%w: request line %q", ErrMalformed, line)
		}
		r.method, r.path, r.version = parts[0], parts[1], parts[2]
		return nil
	})
}

// ParseBody consumes the request body per the framing headers and
// returns it. Each recv is bounded by d. Calling it twice is an error.
func (r *Request) ParseBody(ctx context.Context, d time.Duration) ([]byte, error) {
	err := r.driveBody(ctx, d, func(span []byte) error {
		r.body = append(r.body, span...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.body, nil
}

// SaveToFile streams the request body into the file at path instead of
// accumulating it in memory.
func (r *Request) SaveToFile(ctx context.Context, path string, d time.Duration) error {
	file := eventloop.NewFile(r.io.Loop())
	if err := file.Open(ctx, path, eventloop.OpenWrite, eventloop.AtCwd, 0o644); err != nil {
		return err
	}
	defer file.Close(ctx)
	return r.driveBody(ctx, d, func(span []byte) error {
		_, err := file.Write(ctx, span)
		return err
	})
}

// Method returns the request method, e.g. "GET".
func (r *Request) Method() string { return r.method }

// Path returns the raw request path, query string included.
func (r *Request) Path() string { return r.path }

// PurePath returns the path with any query string removed.
func (r *Request) PurePath() string {
	if i := strings.IndexByte(r.path, '?'); i >= 0 {
		return r.path[:i]
	}
	return r.path
}

// ProtocolVersion returns the version from the request line.
func (r *Request) ProtocolVersion() string { return r.version }

// Headers returns the header map; lowercased keys on the parse side.
func (r *Request) Headers() Headers { return r.headers }

// Body returns whatever body bytes have been consumed so far.
func (r *Request) Body() []byte { return r.body }

// QueryParams parses the query string on demand. A key without '='
// maps to the empty string.
func (r *Request) QueryParams() map[string]string {
	i := strings.IndexByte(r.path, '?')
	if i < 0 {
		return nil
	}
	out := make(map[string]string)
	for _, kv := range strings.Split(r.path[i+1:], "&") {
		if kv == "" {
			continue
		}
		k, v, found := strings.Cut(kv, "=")
		if !found {
			out[kv] = ""
			continue
		}
		out[k] = v
	}
	return out
}

// IO returns the transport the request is bound to.
func (r *Request) IO() *eventloop.IO { return r.io }

// Clear resets the request for the next keep-alive cycle. An unread
// body is drained first, under a short budget; a peer that cannot
// deliver it in time forfeits the connection.
func (r *Request) Clear(ctx context.Context) error {
	if r.headerDone && !r.bodyDone {
		if _, err := r.ParseBody(ctx, clearDrainBudget); err != nil {
			return err
		}
	}
	r.method, r.path, r.version = "", "", ""
	r.reset()
	return nil
}
