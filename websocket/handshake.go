package websocket

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"time"

	"github.com/joeycumines/go-aionet/eventloop"
	"github.com/joeycumines/go-aionet/httpx"
	"github.com/joeycumines/go-aionet/urlx"
)

// wsGUID is the key-hashing constant RFC 6455 §1.3 prescribes.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Handshake failures.
var (
	ErrMissingOrigin  = errors.New("websocket: client is missing the origin header")
	ErrNotUpgrade     = errors.New("websocket: not a websocket upgrade")
	ErrUpgradeNeeded  = errors.New("websocket: upgrade required")
	ErrMissingKey     = errors.New("websocket: sec-websocket-key not in headers")
	ErrBadAcceptHash  = errors.New("websocket: accept hash mismatch")
	ErrHandshakeAbort = errors.New("websocket: upgrade response timed out")
)

// SecretHash derives the Sec-WebSocket-Accept value for key.
func SecretHash(key string) string {
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// randomKey returns the 16-byte base64 nonce of a client handshake.
func randomKey() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return base64.StdEncoding.EncodeToString(b[:])
}

// Accept upgrades a parsed server-side request. It validates Origin,
// Upgrade, Connection, and Sec-WebSocket-Key; a bad Origin, Upgrade, or
// Connection header is answered with 403, 400, or 416 before the error
// is reported, while a missing key is reported without a response. On
// success it answers 101 and returns the server endpoint on the
// request's transport.
func Accept(ctx context.Context, req *httpx.Request, res *httpx.Response, d time.Duration) (*WebSocket, error) {
	headers := req.Headers()
	if !headers.Has("origin") {
		// Absent Origin gets 403 per the RFC's advice for browsers.
		if err := res.SetStatusLine(httpx.StatusForbidden).SendRes(ctx, d); err != nil {
			return nil, err
		}
		return nil, ErrMissingOrigin
	}
	if v, ok := headers.Get("upgrade"); !ok || v != "websocket" {
		if err := res.SetStatusLine(httpx.StatusBadRequest).SendRes(ctx, d); err != nil {
			return nil, err
		}
		return nil, ErrNotUpgrade
	}
	if v, ok := headers.Get("connection"); !ok || !strings.Contains(v, "Upgrade") {
		if err := res.SetStatusLine(httpx.StatusRangeNotSatisfied).SendRes(ctx, d); err != nil {
			return nil, err
		}
		return nil, ErrUpgradeNeeded
	}
	key, ok := headers.Get("sec-websocket-key")
	if !ok {
		return nil, ErrMissingKey
	}

	err := res.SetStatusLine(httpx.StatusSwitchingProtocols).
		AddHeader("Connection", "keep-alive, Upgrade").
		AddHeader("Upgrade", "websocket").
		AddHeader("Sec-Websocket-Accept", SecretHash(key)).
		SendRes(ctx, d)
	if err != nil {
		return nil, err
	}
	return newWebSocket(req.IO(), true, 0), nil
}

// Connect performs the client upgrade on an established transport and
// verifies the server's accept hash.
func Connect(ctx context.Context, url string, io *eventloop.IO, d time.Duration) (*WebSocket, error) {
	origin, err := urlx.ExtractWsOrigin(url)
	if err != nil {
		return nil, err
	}
	key := randomKey()
	req := httpx.NewRequest(io)
	req.SetReqLine("GET", urlx.ExtractPath(url)).
		AddHeader("Origin", origin).
		AddHeader("Connection", "Upgrade").
		AddHeader("Upgrade", "websocket").
		AddHeader("Sec-WebSocket-Key", key).
		AddHeader("Sec-WebSocket-Version", "13")
	if err := req.SendHTTP(ctx, d); err != nil {
		return nil, err
	}

	res := httpx.NewResponse(io)
	ok, err := res.ParseResponse(ctx, d)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHandshakeAbort
	}
	headers := res.Headers()
	if v, okH := headers.Get("connection"); !okH || !strings.Contains(v, "Upgrade") {
		return nil, ErrNotUpgrade
	}
	if v, okH := headers.Get("upgrade"); !okH || v != "websocket" {
		return nil, ErrNotUpgrade
	}
	if v, okH := headers.Get("sec-websocket-accept"); !okH || v != SecretHash(key) {
		return nil, ErrBadAcceptHash
	}

	var seed [4]byte
	_, _ = rand.Read(seed[:])
	return newWebSocket(io, false, binary.LittleEndian.Uint32(seed[:])), nil
}
