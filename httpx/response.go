package httpx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joeycumines/go-aionet/eventloop"
)

// Response is an HTTP/1.1 response: the server composes and sends it,
// the client parses it incrementally off the socket.
type Response struct {
	wire
	version string
	status  int
	reason  string
	sendBuf []byte
}

// ResponseData is the detached, transport-free view handed to client
// callers once a response has been fully read.
type ResponseData struct {
	Status  int
	Reason  string
	Headers Headers
	Body    []byte
}

// NewResponse binds a response to io.
func NewResponse(io *eventloop.IO) *Response {
	return &Response{wire: wire{io: io}}
}

// --- client side ---

// ParseResponse drives the status line and header parse. ok is false
// when the peer closed or the per-recv deadline d expired first.
func (r *Response) ParseResponse(ctx context.Context, d time.Duration) (ok bool, err error) {
	return r.driveHead(ctx, d, func(line string) error {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			return fmt.Errorf("%w: status line %q", ErrMalformed, line)
		}
		code, convErr := strconv.Atoi(parts[1])
		if convErr != nil {
			return fmt.Errorf("%w: status %q", ErrMalformed, parts[1])
		}
		r.version = parts[0]
		r.status = code
		if len(parts) == 3 {
			r.reason = parts[2]
		}
		return nil
	})
}

// ParseBody consumes the response body per the framing headers.
func (r *Response) ParseBody(ctx context.Context, d time.Duration) ([]byte, error) {
	err := r.driveBody(ctx, d, func(span []byte) error {
		r.body = append(r.body, span...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.body, nil
}

// SaveToFile streams the response body into the file at path.
func (r *Response) SaveToFile(ctx context.Context, path string, d time.Duration) error {
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

// Status returns the parsed (or composed) status code.
func (r *Response) Status() int { return r.status }

// Reason returns the reason phrase.
func (r *Response) Reason() string { return r.reason }

// Headers returns the header map; lowercased keys on the parse side.
func (r *Response) Headers() Headers { return r.headers }

// Body returns whatever body bytes have been consumed so far.
func (r *Response) Body() []byte { return r.body }

// Data detaches the response into a transport-free value.
func (r *Response) Data() ResponseData {
	return ResponseData{
		Status:  r.status,
		Reason:  r.reason,
		Headers: r.headers,
		Body:    r.body,
	}
}

// --- server side ---

// SetStatusLine sets the status code; the reason phrase follows the
// code.
func (r *Response) SetStatusLine(code int) *Response {
	r.version = Version
	r.status = code
	r.reason = StatusText(code)
	return r
}

// AddHeader sets one response header.
func (r *Response) AddHeader(key, val string) *Response {
	if r.headers == nil {
		r.headers = make(Headers)
	}
	r.headers.Set(key, val)
	return r
}

// SetBody replaces the response body.
func (r *Response) SetBody(data []byte) *Response {
	r.body = data
	return r
}

// SendRes composes and writes the response, every send bounded by d. A
// Content-Length is added whenever a body is present.
func (r *Response) SendRes(ctx context.Context, d time.Duration) error {
	buf := r.sendBuf[:0]
	buf = append(buf, r.version...)
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, int64(r.status), 10)
	buf = append(buf, ' ')
	buf = append(buf, r.reason...)
	buf = append(buf, crlf...)
	for k, v := range r.headers {
		buf = append(buf, k...)
		buf = append(buf, headerSeparator...)
		buf = append(buf, v...)
		buf = append(buf, crlf...)
	}
	if len(r.body) > 0 {
		buf = append(buf, "Content-Length"...)
		buf = append(buf, headerSeparator...)
		buf = strconv.AppendInt(buf, int64(len(r.body)), 10)
		buf = append(buf, crlf...)
	}
	buf = append(buf, crlf...)
	r.sendBuf = buf
	if err := r.io.SendLinkTimeout(ctx, buf, d); err != nil {
		return err
	}
	if len(r.body) > 0 {
		return r.io.SendLinkTimeout(ctx, r.body, d)
	}
	return nil
}

// Clear resets the response for the next keep-alive cycle, draining an
// unread body under a short budget.
func (r *Response) Clear(ctx context.Context) error {
	if r.headerDone && !r.bodyDone {
		if _, err := r.ParseBody(ctx, clearDrainBudget); err != nil {
			return err
		}
	}
	r.version, r.status, r.reason = "", 0, ""
	r.reset()
	return nil
}
