// Package websocket implements the RFC 6455 engine on top of the
// eventloop socket facade: frame parse and emit with client-side
// masking, fragmentation reassembly, transparent ping/pong, the close
// handshake, and the server/client upgrade factory.
package websocket

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-aionet/eventloop"
)

// OpCode is the 4-bit frame opcode.
type OpCode uint8

const (
	Cont    OpCode = 0
	Text    OpCode = 1
	Binary  OpCode = 2
	Close   OpCode = 8
	Ping    OpCode = 9
	Pong    OpCode = 10
	Unknown OpCode = 255
)

func (op OpCode) String() string {
	switch op {
	case Cont:
		return "cont"
	case Text:
		return "text"
	case Binary:
		return "binary"
	case Close:
		return "close"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	}
	return "unknown"
}

// Packet is one logical message: the first frame's opcode and the
// reassembled payload.
type Packet struct {
	OpCode  OpCode
	Payload []byte
}

// Default timeouts, mirroring the protocol engine's tuning: the
// ping/pong probe budget and the plain read budget.
const (
	DefaultPingPongTimeout = 20 * time.Second
	DefaultReadTimeout     = 60 * time.Second
)

var (
	// ErrProtocol reports an illegal FIN/RSV/opcode/mask combination.
	// Fatal for the connection.
	ErrProtocol = errors.New("websocket: protocol error")

	// ErrReadTimeout reports that the peer answered neither data nor the
	// probing ping within the configured budget.
	ErrReadTimeout = errors.New("websocket: read timeout")

	// ErrUnexpectedType reports a data frame of a kind the caller did
	// not ask for.
	ErrUnexpectedType = errors.New("websocket: frame type not the expected type")
)

// ClosedError reports a peer-initiated close handshake. The engine
// always treats it as a normal closure.
type ClosedError struct {
	Code int
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("websocket: connection closed ok: %d", e.Code)
}

// WebSocket is one endpoint of an upgraded connection. Server frames go
// out unmasked; client frames carry a fresh mask per frame drawn from
// the connection's generator. Only one coroutine may send at a time,
// and only one may receive.
type WebSocket struct {
	io     *eventloop.IO
	server bool
	prg    xorshift32 // client mask source; unused on the server side

	// PingPongTimeout bounds the pong wait after a probing ping.
	PingPongTimeout time.Duration

	// ReadTimeout bounds each quiet stretch before the engine probes.
	ReadTimeout time.Duration

	// owedPong marks a probe pong that was outrun by a user frame; it is
	// consumed silently by a later receive.
	owedPong bool
}

func newWebSocket(io *eventloop.IO, server bool, seed uint32) *WebSocket {
	return &WebSocket{
		io:              io,
		server:          server,
		prg:             xorshift32(seed | 1),
		PingPongTimeout: DefaultPingPongTimeout,
		ReadTimeout:     DefaultReadTimeout,
	}
}

// IO returns the underlying transport.
func (ws *WebSocket) IO() *eventloop.IO { return ws.io }

// RecvText receives one text message.
func (ws *WebSocket) RecvText(ctx context.Context) (string, error) {
	p, err := ws.Recv(ctx, Text)
	if err != nil {
		return "", err
	}
	return string(p.Payload), nil
}

// RecvBytes receives one binary message.
func (ws *WebSocket) RecvBytes(ctx context.Context) ([]byte, error) {
	p, err := ws.Recv(ctx, Binary)
	if err != nil {
		return nil, err
	}
	return p.Payload, nil
}

// Recv receives the next message of the wanted kind. Pings are answered
// transparently; a peer close completes the handshake and surfaces as
// *[ClosedError]. A quiet stretch longer than ReadTimeout triggers a
// probing ping: if the pong also stays out the connection is declared
// dead, while a user frame racing the pong is returned immediately and
// the late pong is consumed by the next Recv.
func (ws *WebSocket) Recv(ctx context.Context, want OpCode) (Packet, error) {
	return ws.recv(ctx, want, Unknown, ws.ReadTimeout, false)
}

func (ws *WebSocket) recv(ctx context.Context, want, alternative OpCode, timeout time.Duration, timeoutIsError bool) (Packet, error) {
	for {
		p, timedOut, err := ws.recvPacket(ctx, timeout)
		if err != nil {
			return Packet{}, err
		}
		switch {
		case timedOut:
			if timeoutIsError {
				return Packet{}, ErrReadTimeout
			}
			// Probe: ping, then insist on a pong within the budget. A
			// user frame that raced the probe wins immediately; its pong
			// is still owed and is consumed by the next receive.
			if err := ws.Ping(ctx, nil); err != nil {
				return Packet{}, err
			}
			res, err := ws.recv(ctx, Pong, want, ws.PingPongTimeout, true)
			if err != nil {
				return Packet{}, err
			}
			if res.OpCode == want {
				ws.owedPong = true
				return res, nil
			}
			continue
		case p.OpCode == Ping:
			if err := ws.pong(ctx, p.Payload); err != nil {
				return Packet{}, err
			}
			continue
		case p.OpCode == Pong && ws.owedPong && want != Pong && alternative != Pong:
			// The pong owed from an outrun probe.
			ws.owedPong = false
			continue
		case p.OpCode == Close:
			if err := ws.answerClose(ctx, p.Payload); err != nil {
				return Packet{}, err
			}
			return Packet{}, &ClosedError{Code: 1000}
		case p.OpCode != want && p.OpCode != alternative:
			return Packet{}, fmt.Errorf("%w: got %v, want %v", ErrUnexpectedType, p.OpCode, want)
		}
		if p.OpCode == Pong {
			ws.owedPong = false
		}
		return p, nil
	}
}

// SendText sends one text message.
func (ws *WebSocket) SendText(ctx context.Context, text string) error {
	return ws.Send(ctx, Text, []byte(text))
}

// SendBytes sends one binary message.
func (ws *WebSocket) SendBytes(ctx context.Context, data []byte) error {
	return ws.Send(ctx, Binary, data)
}

// Ping sends a ping carrying data.
func (ws *WebSocket) Ping(ctx context.Context, data []byte) error {
	return ws.Send(ctx, Ping, data)
}

func (ws *WebSocket) pong(ctx context.Context, data []byte) error {
	return ws.Send(ctx, Pong, data)
}

func (ws *WebSocket) answerClose(ctx context.Context, payload []byte) error {
	return ws.Send(ctx, Close, payload)
}

// Send emits one unfragmented frame. Client frames are masked in place;
// callers must not reuse payload afterwards on the client side.
func (ws *WebSocket) Send(ctx context.Context, op OpCode, payload []byte) error {
	var mask uint32
	if !ws.server {
		mask = ws.prg.next()
	}
	head := appendFrameHead(make([]byte, 0, 2+8+4), op, len(payload), !ws.server, mask)
	if !ws.server {
		maskBytes(payload, [4]byte{byte(mask), byte(mask >> 8), byte(mask >> 16), byte(mask >> 24)})
	}
	if err := ws.io.FullySend(ctx, head); err != nil {
		return err
	}
	return ws.io.FullySend(ctx, payload)
}

// Close performs the closing handshake: send Close, wait briefly for
// the peer's Close, confirm with a final Close. A deaf peer is assumed
// gone.
func (ws *WebSocket) Close(ctx context.Context) error {
	if err := ws.Send(ctx, Close, nil); err != nil {
		return err
	}
	p, timedOut, err := ws.recvPacket(ctx, ws.PingPongTimeout)
	if err != nil {
		return err
	}
	if timedOut || p.OpCode != Close {
		return nil
	}
	return ws.Send(ctx, Close, nil)
}

// recvPacket reads one complete message off the wire, reassembling
// fragments. timedOut is reported when a frame's first header byte does
// not arrive within d; later reads use the plain transport deadline
// semantics because a started frame must finish. A peer close surfaces
// as [eventloop.ErrPeerClosed].
func (ws *WebSocket) recvPacket(ctx context.Context, d time.Duration) (Packet, bool, error) {
	var packet Packet
	var head [2]byte
	var ext [8]byte
	firstOp := Unknown
	for {
		n, timedOut, err := ws.io.RecvLinkTimeout(ctx, head[:], d)
		if err != nil {
			return Packet{}, false, err
		}
		if timedOut {
			return Packet{}, true, nil
		}
		if n == 0 {
			return Packet{}, false, eventloop.ErrPeerClosed
		}
		if n < 2 {
			if err := ws.io.FullyRecv(ctx, head[n:]); err != nil {
				return Packet{}, false, err
			}
		}
		fin := head[0]>>7 == 1
		if head[0]&0x70 != 0 {
			return Packet{}, false, fmt.Errorf("%w: nonzero RSV", ErrProtocol)
		}
		op := OpCode(head[0] & 0x0F)
		masked := head[1]&0x80 != 0
		if masked != ws.server {
			return Packet{}, false, fmt.Errorf("%w: mask bit %v on %s side", ErrProtocol, masked, ws.side())
		}
		len7 := head[1] & 0x7F

		switch {
		case op <= Binary:
			if firstOp == Unknown {
				if op == Cont {
					return Packet{}, false, fmt.Errorf("%w: initial continuation frame", ErrProtocol)
				}
				firstOp = op
			} else if op != Cont {
				return Packet{}, false, fmt.Errorf("%w: fragment opcode %v, want cont", ErrProtocol, op)
			}
		case op >= Close && op <= Pong:
			if !fin {
				return Packet{}, false, fmt.Errorf("%w: fragmented control frame", ErrProtocol)
			}
			if len7 >= 126 {
				return Packet{}, false, fmt.Errorf("%w: oversized control frame", ErrProtocol)
			}
			firstOp = op
		default:
			return Packet{}, false, fmt.Errorf("%w: reserved opcode %d", ErrProtocol, uint8(op))
		}

		var payloadLen uint64
		switch len7 {
		case 126:
			if err := ws.io.FullyRecv(ctx, ext[:2]); err != nil {
				return Packet{}, false, err
			}
			payloadLen = uint64(binary.BigEndian.Uint16(ext[:2]))
		case 127:
			if err := ws.io.FullyRecv(ctx, ext[:8]); err != nil {
				return Packet{}, false, err
			}
			payloadLen = binary.BigEndian.Uint64(ext[:8])
		default:
			payloadLen = uint64(len7)
		}

		var key [4]byte
		if ws.server {
			if err := ws.io.FullyRecv(ctx, key[:]); err != nil {
				return Packet{}, false, err
			}
		}
		fragment := make([]byte, payloadLen)
		if err := ws.io.FullyRecv(ctx, fragment); err != nil {
			return Packet{}, false, err
		}
		if ws.server {
			maskBytes(fragment, key)
		}
		packet.Payload = append(packet.Payload, fragment...)
		if fin {
			break
		}
	}
	packet.OpCode = firstOp
	return packet, false, nil
}

func (ws *WebSocket) side() string {
	if ws.server {
		return "server"
	}
	return "client"
}

// appendFrameHead writes a FIN=1 frame header with the smallest valid
// length encoding, plus the masking key when masked.
func appendFrameHead(buf []byte, op OpCode, payloadLen int, masked bool, mask uint32) []byte {
	buf = append(buf, 1<<7|byte(op))
	maskBit := byte(0)
	if masked {
		maskBit = 1 << 7
	}
	switch {
	case payloadLen < 126:
		buf = append(buf, maskBit|byte(payloadLen))
	case payloadLen <= 0xFFFF:
		buf = append(buf, maskBit|126)
		buf = binary.BigEndian.AppendUint16(buf, uint16(payloadLen))
	default:
		buf = append(buf, maskBit|127)
		buf = binary.BigEndian.AppendUint64(buf, uint64(payloadLen))
	}
	if masked {
		buf = append(buf, byte(mask), byte(mask>>8), byte(mask>>16), byte(mask>>24))
	}
	return buf
}

// maskBytes xors data with the 4-byte key in place.
func maskBytes(data []byte, key [4]byte) {
	for i := range data {
		data[i] ^= key[i%4]
	}
}

// xorshift32 is the per-connection client mask generator.
type xorshift32 uint32

func (x *xorshift32) next() uint32 {
	v := uint32(*x)
	v ^= v << 13
	v ^= v >> 17
	v ^= v << 5
	*x = xorshift32(v)
	return v
}
