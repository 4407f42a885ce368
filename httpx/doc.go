// Package httpx implements the HTTP/1.1 request/response engine driven
// by the eventloop socket facade: an incremental two-stage parser
// (start line and headers, then a lazily-consumed body delimited by
// Content-Length or chunked transfer coding), and the matching senders,
// including chunked upload streamed straight from an async file.
//
// The parser is transport-driven: the owner loops "receive into the
// carry-over buffer, step the state machine" until the machine reports
// completion. Header keys are lowercased on storage; values keep their
// case. Bodies are not consumed until [Request.ParseBody] (or
// [Request.SaveToFile]) asks for them, and [Request.Clear] drains an
// unread body under a short budget so keep-alive connections stay in
// sync.
package httpx
