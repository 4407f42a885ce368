// Package server provides the acceptor and per-connection glue that
// hosts the HTTP engine: a listening socket whose accepts run through
// the event driver, one detached coroutine per connection driving the
// keep-alive request loop, and the upgrade hook for WebSocket
// endpoints.
package server

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-aionet/eventloop"
	"github.com/joeycumines/go-aionet/httpx"
)

// DefaultTimeout bounds each per-connection header recv.
const DefaultTimeout = 30 * time.Second

// ErrServerClosed is returned by Run after Stop.
var ErrServerClosed = errors.New("server: closed")

// Handler serves one parsed request. Writing the response (or upgrading
// the connection) is the handler's job; returning an error tears the
// connection down.
type Handler func(ctx context.Context, req *httpx.Request, res *httpx.Response) error

// Options configures a [Server].
type Options struct {
	// Timeout bounds each per-connection header read; zero means
	// DefaultTimeout. Handlers pass their own budget to their sends.
	Timeout time.Duration

	// Logger receives structured diagnostics. Nil disables logging.
	Logger *logiface.Logger[logiface.Event]
}

// Server owns one loop, one listening socket, and the accept coroutine.
type Server struct {
	loop    *eventloop.Loop
	handler Handler
	opts    Options
	fd      int
	addr    netip.AddrPort
	closing atomic.Bool
}

// New creates a server with its private loop.
func New(handler Handler, opts Options) (*Server, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	loop, err := eventloop.New(eventloop.Options{Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	return &Server{loop: loop, handler: handler, opts: opts, fd: eventloop.InvalidFd}, nil
}

// Listen binds addr (e.g. "127.0.0.1:0") and returns the bound address.
func (s *Server) Listen(addr string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	fd, bound, err := eventloop.ListenTCP(ap)
	if err != nil {
		return netip.AddrPort{}, err
	}
	s.fd = fd
	s.addr = bound
	return bound, nil
}

// Addr returns the bound address after Listen.
func (s *Server) Addr() netip.AddrPort { return s.addr }

// Run drives the accept loop on the calling goroutine until Stop. Each
// accepted connection is served by a detached coroutine on the same
// loop.
func (s *Server) Run() error {
	err := s.loop.Sync(context.Background(), func(ctx context.Context) error {
		defer func() {
			if s.fd != eventloop.InvalidFd {
				_ = eventloop.CloseFd(s.fd)
				s.fd = eventloop.InvalidFd
			}
		}()
		for {
			fd, err := eventloop.Await(ctx, s.loop.Prepare().PrepAccept(s.fd))
			if err != nil {
				if s.closing.Load() {
					return ErrServerClosed
				}
				return err
			}
			s.log().Debug().Int("fd", fd).Log("connection accepted")
			conn := fd
			eventloop.SpawnDetached(ctx, func(ctx context.Context) error {
				return s.serveConn(ctx, conn)
			})
		}
	})
	if errors.Is(err, ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}

// Stop aborts the pending accept by shutting the listening socket
// down; Run closes the descriptor on its way out. Safe to call from any
// goroutine.
func (s *Server) Stop() {
	s.closing.Store(true)
	if s.fd != eventloop.InvalidFd {
		_ = eventloop.ShutdownFd(s.fd)
	}
}

// serveConn runs the keep-alive request loop on one connection.
func (s *Server) serveConn(ctx context.Context, fd int) error {
	io := eventloop.NewIO(s.loop, fd)
	defer io.Close(ctx)
	req := httpx.NewRequest(io)
	res := httpx.NewResponse(io)
	for {
		ok, err := req.ParseRequest(ctx, s.opts.Timeout)
		if err != nil {
			s.log().Debug().Err(err).Int("fd", fd).Log("request parse failed")
			return err
		}
		if !ok {
			// Peer closed or went quiet; unwind without fuss.
			return nil
		}
		if err := s.handler(ctx, req, res); err != nil {
			s.log().Debug().Err(err).Int("fd", fd).Log("handler failed")
			return err
		}
		if io.Fd() == eventloop.InvalidFd {
			// The handler took the transport (e.g. a WebSocket upgrade
			// that ran to completion).
			return nil
		}
		if err := req.Clear(ctx); err != nil {
			return err
		}
		if err := res.Clear(ctx); err != nil {
			return err
		}
	}
}

func (s *Server) log() *logiface.Logger[logiface.Event] { return s.opts.Logger }
