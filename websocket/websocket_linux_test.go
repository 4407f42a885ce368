//go:build linux

package websocket

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-aionet/eventloop"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func newTestLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l, err := eventloop.New(eventloop.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// wsPair returns connected server and client endpoints on one loop.
func wsPair(l *eventloop.Loop, a, b int) (*WebSocket, *WebSocket) {
	srv := newWebSocket(eventloop.NewIO(l, a), true, 0)
	cli := newWebSocket(eventloop.NewIO(l, b), false, 0xC0FFEE)
	return srv, cli
}

func TestEcho_TextPayloadPreserved(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketPair(t)
	err := l.Sync(context.Background(), func(ctx context.Context) error {
		srv, cli := wsPair(l, a, b)
		defer srv.io.Close(ctx)
		defer cli.io.Close(ctx)

		echo := eventloop.Spawn(ctx, func(ctx context.Context) (eventloop.Unit, error) {
			text, err := srv.RecvText(ctx)
			if err != nil {
				return eventloop.Unit{}, err
			}
			return eventloop.Unit{}, srv.SendText(ctx, text)
		})

		if err := cli.SendText(ctx, "héllo"); err != nil {
			return err
		}
		got, err := cli.RecvText(ctx)
		if err != nil {
			return err
		}
		if _, err := eventloop.Await(ctx, echo); err != nil {
			return err
		}
		assert.Equal(t, "héllo", got)
		assert.Len(t, []byte(got), 6)
		return nil
	})
	require.NoError(t, err)
}

func TestEcho_LargeBinaryUses64BitLength(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketPair(t)
	payload := bytes.Repeat([]byte{0x5A}, 0x10000)
	err := l.Sync(context.Background(), func(ctx context.Context) error {
		srv, cli := wsPair(l, a, b)
		defer srv.io.Close(ctx)
		defer cli.io.Close(ctx)

		recvd := eventloop.Spawn(ctx, func(ctx context.Context) ([]byte, error) {
			return srv.RecvBytes(ctx)
		})
		if err := cli.SendBytes(ctx, append([]byte(nil), payload...)); err != nil {
			return err
		}
		got, err := eventloop.Await(ctx, recvd)
		if err != nil {
			return err
		}
		assert.Equal(t, payload, got)
		return nil
	})
	require.NoError(t, err)
}

func TestPing_AnsweredTransparentlyWithSamePayload(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketPair(t)
	probe := bytes.Repeat([]byte{0x21}, 125)
	err := l.Sync(context.Background(), func(ctx context.Context) error {
		srv, cli := wsPair(l, a, b)
		defer srv.io.Close(ctx)
		defer cli.io.Close(ctx)

		server := eventloop.Spawn(ctx, func(ctx context.Context) (string, error) {
			// Blocks on a text read; the ping must be answered inside.
			return srv.RecvText(ctx)
		})

		if err := cli.Ping(ctx, append([]byte(nil), probe...)); err != nil {
			return err
		}
		pong, err := cli.Recv(ctx, Pong)
		if err != nil {
			return err
		}
		assert.Equal(t, Pong, pong.OpCode)
		assert.Equal(t, probe, pong.Payload)

		if err := cli.SendText(ctx, "bye"); err != nil {
			return err
		}
		text, err := eventloop.Await(ctx, server)
		if err != nil {
			return err
		}
		assert.Equal(t, "bye", text)
		return nil
	})
	require.NoError(t, err)
}

func TestClose_HandshakeBothSides(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketPair(t)
	err := l.Sync(context.Background(), func(ctx context.Context) error {
		srv, cli := wsPair(l, a, b)
		defer srv.io.Close(ctx)
		defer cli.io.Close(ctx)

		server := eventloop.Spawn(ctx, func(ctx context.Context) (eventloop.Unit, error) {
			_, err := srv.RecvText(ctx)
			return eventloop.Unit{}, err
		})

		if err := cli.Close(ctx); err != nil {
			return err
		}
		_, err := eventloop.Await(ctx, server)
		var closed *ClosedError
		require.ErrorAs(t, err, &closed)
		assert.Equal(t, 1000, closed.Code)
		return nil
	})
	require.NoError(t, err)
}

// rawClientFrame builds one masked client frame with an explicit FIN.
func rawClientFrame(fin bool, op OpCode, payload []byte) []byte {
	key := [4]byte{0x11, 0x22, 0x33, 0x44}
	head0 := byte(op)
	if fin {
		head0 |= 1 << 7
	}
	frame := []byte{head0, 0x80 | byte(len(payload))}
	frame = append(frame, key[:]...)
	masked := append([]byte(nil), payload...)
	maskBytes(masked, key)
	return append(frame, masked...)
}

func TestFragmentation_ReassembledWithFirstOpcode(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketPair(t)
	err := l.Sync(context.Background(), func(ctx context.Context) error {
		srv := newWebSocket(eventloop.NewIO(l, a), true, 0)
		raw := eventloop.NewIO(l, b)
		defer srv.io.Close(ctx)
		defer raw.Close(ctx)

		var stream []byte
		stream = append(stream, rawClientFrame(false, Text, []byte("Hel"))...)
		stream = append(stream, rawClientFrame(false, Cont, []byte("lo "))...)
		stream = append(stream, rawClientFrame(true, Cont, []byte("ws"))...)

		reader := eventloop.Spawn(ctx, func(ctx context.Context) (Packet, error) {
			return srv.Recv(ctx, Text)
		})
		if err := raw.FullySend(ctx, stream); err != nil {
			return err
		}
		p, err := eventloop.Await(ctx, reader)
		if err != nil {
			return err
		}
		assert.Equal(t, Text, p.OpCode)
		assert.Equal(t, "Hello ws", string(p.Payload))
		return nil
	})
	require.NoError(t, err)
}

func TestProtocolErrors(t *testing.T) {
	for name, frame := range map[string][]byte{
		"unmasked client frame": {0x81, 0x02, 'h', 'i'},
		"nonzero rsv":           append([]byte{0xF1, 0x82, 0, 0, 0, 0}, 'h', 'i'),
		"fragmented control":    rawClientFrame(false, Ping, []byte("x")),
		"fragment not cont":     append(rawClientFrame(false, Text, []byte("a")), rawClientFrame(true, Binary, []byte("b"))...),
		"reserved opcode":       rawClientFrame(true, OpCode(3), []byte("x")),
		"initial continuation":  rawClientFrame(true, Cont, []byte("x")),
	} {
		t.Run(name, func(t *testing.T) {
			l := newTestLoop(t)
			a, b := socketPair(t)
			err := l.Sync(context.Background(), func(ctx context.Context) error {
				srv := newWebSocket(eventloop.NewIO(l, a), true, 0)
				raw := eventloop.NewIO(l, b)
				defer srv.io.Close(ctx)
				defer raw.Close(ctx)

				reader := eventloop.Spawn(ctx, func(ctx context.Context) (Packet, error) {
					return srv.Recv(ctx, Text)
				})
				if err := raw.FullySend(ctx, frame); err != nil {
					return err
				}
				_, err := eventloop.Await(ctx, reader)
				assert.ErrorIs(t, err, ErrProtocol)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestSendView_BroadcastReusesHeader(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketPair(t)
	view := MakeView(Text, []byte("fanout"))
	err := l.Sync(context.Background(), func(ctx context.Context) error {
		srv, cli := wsPair(l, a, b)
		defer srv.io.Close(ctx)
		defer cli.io.Close(ctx)

		reader := eventloop.Spawn(ctx, func(ctx context.Context) (string, error) {
			first, err := cli.RecvText(ctx)
			if err != nil {
				return "", err
			}
			second, err := cli.RecvText(ctx)
			return first + "/" + second, nil
		})
		if err := srv.SendView(ctx, view); err != nil {
			return err
		}
		if err := srv.SendView(ctx, view); err != nil {
			return err
		}
		got, err := eventloop.Await(ctx, reader)
		if err != nil {
			return err
		}
		assert.Equal(t, "fanout/fanout", got)
		return nil
	})
	require.NoError(t, err)
}

func TestSendView_RejectedOnClient(t *testing.T) {
	cli := newWebSocket(nil, false, 1)
	assert.ErrorIs(t, cli.SendView(context.Background(), MakeView(Text, nil)), ErrProtocol)
}

func TestRecv_SoftTimeoutProbesThenFails(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketPair(t)
	start := time.Now()
	err := l.Sync(context.Background(), func(ctx context.Context) error {
		srv := newWebSocket(eventloop.NewIO(l, a), true, 0)
		srv.ReadTimeout = 10 * time.Millisecond
		srv.PingPongTimeout = 10 * time.Millisecond
		raw := eventloop.NewIO(l, b)
		defer srv.io.Close(ctx)
		defer raw.Close(ctx)

		// The peer stays silent: after the read budget the engine pings,
		// and after the pong budget it gives up.
		_, err := srv.Recv(ctx, Text)
		assert.ErrorIs(t, err, ErrReadTimeout)
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestJSON_RoundTrip(t *testing.T) {
	type msg struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	l := newTestLoop(t)
	a, b := socketPair(t)
	err := l.Sync(context.Background(), func(ctx context.Context) error {
		srv, cli := wsPair(l, a, b)
		defer srv.io.Close(ctx)
		defer cli.io.Close(ctx)

		reader := eventloop.Spawn(ctx, func(ctx context.Context) (msg, error) {
			return RecvJSON[msg](ctx, srv)
		})
		if err := SendJSON(ctx, cli, msg{Name: "loli", N: 7}); err != nil {
			return err
		}
		got, err := eventloop.Await(ctx, reader)
		if err != nil {
			return err
		}
		assert.Equal(t, msg{Name: "loli", N: 7}, got)
		return nil
	})
	require.NoError(t, err)
}

func TestRecv_UserFrameOutrunsProbePong(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketPair(t)
	err := l.Sync(context.Background(), func(ctx context.Context) error {
		srv := newWebSocket(eventloop.NewIO(l, a), true, 0)
		srv.ReadTimeout = 10 * time.Millisecond
		srv.PingPongTimeout = time.Second
		raw := eventloop.NewIO(l, b)
		defer srv.io.Close(ctx)
		defer raw.Close(ctx)

		// The peer answers the probe with a user frame first; the pong
		// trails it, followed by more data.
		peer := eventloop.Spawn(ctx, func(ctx context.Context) (eventloop.Unit, error) {
			var ping [2]byte
			if err := raw.FullyRecv(ctx, ping[:]); err != nil {
				return eventloop.Unit{}, err
			}
			var stream []byte
			stream = append(stream, rawClientFrame(true, Text, []byte("data"))...)
			stream = append(stream, rawClientFrame(true, Pong, nil)...)
			stream = append(stream, rawClientFrame(true, Text, []byte("next"))...)
			return eventloop.Unit{}, raw.FullySend(ctx, stream)
		})

		// The user frame must come back immediately, not a timeout.
		first, err := srv.RecvText(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, "data", first)
		assert.True(t, srv.owedPong)

		// The trailing pong is eaten silently by the next receive.
		second, err := srv.RecvText(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, "next", second)
		assert.False(t, srv.owedPong)

		_, err = eventloop.Await(ctx, peer)
		return err
	})
	require.NoError(t, err)
}
