//go:build linux

package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-aionet/httpx"
	"github.com/joeycumines/go-aionet/websocket"
)

// startServer listens on loopback and drives the accept loop in the
// background until the test ends.
func startServer(t *testing.T, handler Handler) string {
	t.Helper()
	s, err := New(handler, Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	addr, err := s.Listen("127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	t.Cleanup(func() {
		s.Stop()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, ErrServerClosed) {
				t.Errorf("server run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return addr.String()
}

func okHandler(ctx context.Context, req *httpx.Request, res *httpx.Response) error {
	if _, err := req.ParseBody(ctx, time.Second); err != nil {
		return err
	}
	res.SetStatusLine(httpx.StatusOK).
		AddHeader("Connection", "keep-alive").
		SetBody([]byte("ok"))
	return res.SendRes(ctx, time.Second)
}

func TestServer_KeepAliveTwoRequestsOneConn(t *testing.T) {
	addr := startServer(t, okHandler)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	rd := bufio.NewReader(conn)

	for i := 0; i < 2; i++ {
		_, err = fmt.Fprintf(conn, "GET /a HTTP/1.1\r\nHost: t\r\n\r\n")
		require.NoError(t, err)
		res, err := http.ReadResponse(rd, nil)
		require.NoError(t, err, "request %d", i)
		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, 200, res.StatusCode)
		assert.Equal(t, "ok", string(body))
	}
}

func TestServer_QueryParamsReachHandler(t *testing.T) {
	addr := startServer(t, func(ctx context.Context, req *httpx.Request, res *httpx.Response) error {
		params := req.QueryParams()
		res.SetStatusLine(httpx.StatusOK).
			SetBody([]byte(params["name"] + "/" + params["flag"]))
		return res.SendRes(ctx, time.Second)
	})

	res, err := http.Get("http://" + addr + "/greet?name=loli&flag")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "loli/", string(body))
}

func TestServer_ChunkedUploadByteCount(t *testing.T) {
	addr := startServer(t, func(ctx context.Context, req *httpx.Request, res *httpx.Response) error {
		body, err := req.ParseBody(ctx, time.Second)
		if err != nil {
			return err
		}
		res.SetStatusLine(httpx.StatusOK).
			SetBody([]byte(fmt.Sprintf("%d", len(body))))
		return res.SendRes(ctx, time.Second)
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	payload := make([]byte, 10001)
	_, err = fmt.Fprintf(conn, "PUT /blob HTTP/1.1\r\nHost: t\r\nTransfer-Encoding: chunked\r\n\r\n")
	require.NoError(t, err)
	for off := 0; off < len(payload); off += 4096 {
		end := off + 4096
		if end > len(payload) {
			end = len(payload)
		}
		_, err = fmt.Fprintf(conn, "%X\r\n", end-off)
		require.NoError(t, err)
		_, err = conn.Write(payload[off:end])
		require.NoError(t, err)
		_, err = io.WriteString(conn, "\r\n")
		require.NoError(t, err)
	}
	_, err = io.WriteString(conn, "0\r\n\r\n")
	require.NoError(t, err)

	res, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "10001", string(body))
}

func TestServer_WebSocketEchoAgainstGorilla(t *testing.T) {
	addr := startServer(t, func(ctx context.Context, req *httpx.Request, res *httpx.Response) error {
		ws, err := websocket.Accept(ctx, req, res, time.Second)
		if err != nil {
			return err
		}
		defer req.IO().Close(ctx)
		for {
			p, err := ws.Recv(ctx, websocket.Text)
			if err != nil {
				var closed *websocket.ClosedError
				if errors.As(err, &closed) {
					return nil
				}
				return err
			}
			if err := ws.Send(ctx, p.OpCode, p.Payload); err != nil {
				return err
			}
		}
	})

	header := http.Header{"Origin": []string{"http://" + addr}}
	conn, res, err := gws.DefaultDialer.Dial("ws://"+addr+"/echo", header)
	require.NoError(t, err)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte("héllo")))
	mt, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gws.TextMessage, mt)
	assert.Equal(t, "héllo", string(msg))

	// Ping must come back as a pong with the identical payload.
	pong := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})
	require.NoError(t, conn.WriteMessage(gws.PingMessage, []byte("probe")))
	// A read drives gorilla's control-frame processing.
	go conn.WriteMessage(gws.TextMessage, []byte("x"))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)
	select {
	case data := <-pong:
		assert.Equal(t, "probe", data)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong")
	}

	require.NoError(t, conn.WriteMessage(gws.CloseMessage,
		gws.FormatCloseMessage(gws.CloseNormalClosure, "")))
}
