//go:build linux

package server_test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/joeycumines/go-aionet/client"
	"github.com/joeycumines/go-aionet/httpx"
	"github.com/joeycumines/go-aionet/server"
)

// Example_helloServer starts a server with structured logging, issues
// one request against it, and shuts down.
func Example_helloServer() {
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(logiface.LevelError),
	)

	srv, err := server.New(func(ctx context.Context, req *httpx.Request, res *httpx.Response) error {
		res.SetStatusLine(httpx.StatusOK).SetBody([]byte("hello, " + req.PurePath()[1:]))
		return res.SendRes(ctx, time.Second)
	}, server.Options{Logger: logger.Logger()})
	if err != nil {
		panic(err)
	}
	addr, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	go srv.Run()
	defer srv.Stop()

	cli, err := client.New(client.Options{})
	if err != nil {
		panic(err)
	}
	defer cli.Close()

	data, err := cli.Get(fmt.Sprintf("http://%s/world", addr), nil)
	if err != nil {
		panic(err)
	}
	fmt.Println(string(data.Body))
	// Output: hello, world
}
