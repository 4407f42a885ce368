package client

import (
	"context"
	"errors"
	"sync"

	"github.com/joeycumines/go-aionet/eventloop"
	"github.com/joeycumines/go-aionet/httpx"
	"github.com/joeycumines/go-aionet/websocket"
)

// Pool owns a fixed set of clients and hands requests to them in
// round-robin order. It performs no health checking; a broken member
// simply reconnects on its next turn.
type Pool struct {
	mu      sync.Mutex
	clients []*Client
	index   uint64
}

// NewPool creates size clients sharing opts.
func NewPool(size int, opts Options) (*Pool, error) {
	if size <= 0 {
		return nil, errors.New("client: pool size must be at least 1")
	}
	p := &Pool{clients: make([]*Client, 0, size)}
	for i := 0; i < size; i++ {
		c, err := New(opts)
		if err != nil {
			return nil, err
		}
		p.clients = append(p.clients, c)
	}
	return p, nil
}

// next returns the member whose turn it is.
func (p *Pool) next() *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.clients[p.index%uint64(len(p.clients))]
	p.index++
	return c
}

// Size returns the member count.
func (p *Pool) Size() int { return len(p.clients) }

// Get issues a GET on the next member.
func (p *Pool) Get(url string, headers httpx.Headers) *eventloop.FutureResult[httpx.ResponseData] {
	return p.next().GetAsync(url, headers)
}

// Post issues a POST on the next member.
func (p *Pool) Post(url string, headers httpx.Headers, body []byte, contentType string) *eventloop.FutureResult[httpx.ResponseData] {
	return p.next().PostAsync(url, headers, body, contentType)
}

// Request issues an arbitrary request on the next member.
func (p *Pool) Request(method, url string, headers httpx.Headers, body []byte, contentType string) *eventloop.FutureResult[httpx.ResponseData] {
	return p.next().RequestAsync(method, url, headers, body, contentType)
}

// UploadChunked streams a file on the next member.
func (p *Pool) UploadChunked(method, url, path, contentType string, headers httpx.Headers) *eventloop.FutureResult[httpx.ResponseData] {
	c := p.next()
	fut := eventloop.NewFutureResult[httpx.ResponseData]()
	go func() {
		data, err := c.UploadChunked(method, url, path, contentType, headers)
		if err != nil {
			fut.SetErr(err)
			return
		}
		fut.Set(data)
	}()
	return fut
}

// WsLoop runs a WebSocket session on the next member.
func (p *Pool) WsLoop(url string, fn func(ctx context.Context, ws *websocket.WebSocket) error) *eventloop.FutureResult[eventloop.Unit] {
	return p.next().WsLoopAsync(url, fn)
}

// Close closes every member.
func (p *Pool) Close() error {
	var firstErr error
	for _, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
