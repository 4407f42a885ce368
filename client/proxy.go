package client

import (
	"context"
	"fmt"

	"github.com/joeycumines/go-aionet/eventloop"
	"github.com/joeycumines/go-aionet/urlx"
)

// socks5 protocol bytes (RFC 1928 / 1929).
const (
	socksVersion      = 0x05
	socksAuthVersion  = 0x01
	socksMethodNone   = 0x00
	socksMethodUser   = 0x02
	socksCmdConnect   = 0x01
	socksAtypIPv4     = 0x01
	socksAtypDomain   = 0x03
	socksAtypIPv6     = 0x04
	socksRepSucceeded = 0x00
)

// Proxy tunnels a connection to a target through an intermediary. The
// runtime ships SOCKS5; the interface keeps the client indifferent.
type Proxy interface {
	// Connect negotiates the tunnel on io toward targetURL. proxyURL is
	// the configured proxy address, credentials included.
	Connect(ctx context.Context, io *eventloop.IO, proxyURL, targetURL string) error
}

// Socks5Proxy negotiates RFC 1928 with optional RFC 1929 user/pass
// sub-negotiation. CONNECT only; the target is always sent as a domain
// (ATYP 0x03).
type Socks5Proxy struct{}

func (Socks5Proxy) Connect(ctx context.Context, io *eventloop.IO, proxyURL, targetURL string) error {
	user, hasUser := urlx.ExtractUser(proxyURL)
	if err := socks5Handshake(ctx, io, hasUser); err != nil {
		return err
	}
	if hasUser {
		if err := socks5SubNegotiation(ctx, io, user.Account, user.Password); err != nil {
			return err
		}
	}
	return socks5ConnectRequest(ctx, io, targetURL)
}

// socks5Handshake offers exactly one method and verifies the proxy
// picked it.
func socks5Handshake(ctx context.Context, io *eventloop.IO, auth bool) error {
	method := byte(socksMethodNone)
	if auth {
		method = socksMethodUser
	}
	if err := io.FullySend(ctx, []byte{socksVersion, 0x01, method}); err != nil {
		return err
	}
	var reply [2]byte
	if err := io.FullyRecv(ctx, reply[:]); err != nil {
		return err
	}
	if reply[0] != socksVersion || reply[1] != method {
		return fmt.Errorf("client: socks5 handshake: method is %#02x", reply[1])
	}
	return nil
}

// socks5SubNegotiation runs the username/password exchange.
func socks5SubNegotiation(ctx context.Context, io *eventloop.IO, username, password string) error {
	if len(username) > 255 || len(password) > 255 {
		return fmt.Errorf("client: socks5 credentials exceed 255 bytes")
	}
	req := make([]byte, 0, 3+len(username)+len(password))
	req = append(req, socksAuthVersion, byte(len(username)))
	req = append(req, username...)
	req = append(req, byte(len(password)))
	req = append(req, password...)
	if err := io.FullySend(ctx, req); err != nil {
		return err
	}
	var reply [2]byte
	if err := io.FullyRecv(ctx, reply[:]); err != nil {
		return err
	}
	if reply[1] != socksRepSucceeded {
		return fmt.Errorf("client: socks5 sub-negotiation: status is %#02x", reply[1])
	}
	return nil
}

// socks5ConnectRequest issues CONNECT with the target as a domain and
// consumes the reply, whose trailing address length depends on ATYP.
func socks5ConnectRequest(ctx context.Context, io *eventloop.IO, targetURL string) error {
	host, err := urlx.Hostname(targetURL)
	if err != nil {
		return err
	}
	service, err := urlx.Service(targetURL)
	if err != nil {
		return err
	}
	port := urlx.ProtocolPort(service)
	if len(host) > 255 {
		return fmt.Errorf("client: socks5 target hostname exceeds 255 bytes")
	}

	req := make([]byte, 0, 7+len(host))
	req = append(req, socksVersion, socksCmdConnect, 0x00, socksAtypDomain, byte(len(host)))
	req = append(req, host...)
	req = append(req, byte(port>>8), byte(port))
	if err := io.FullySend(ctx, req); err != nil {
		return err
	}

	var head [4]byte // VER REP RSV ATYP
	if err := io.FullyRecv(ctx, head[:]); err != nil {
		return err
	}
	if head[1] != socksRepSucceeded {
		return fmt.Errorf("client: socks5 connect: REP is %#02x", head[1])
	}
	var bndLen int
	switch head[3] {
	case socksAtypIPv4:
		bndLen = 4
	case socksAtypIPv6:
		bndLen = 16
	case socksAtypDomain:
		var n [1]byte
		if err := io.FullyRecv(ctx, n[:]); err != nil {
			return err
		}
		bndLen = int(n[0])
	default:
		return fmt.Errorf("client: socks5 connect: ATYP is %#02x", head[3])
	}
	bnd := make([]byte, bndLen+2) // BND.ADDR + BND.PORT
	return io.FullyRecv(ctx, bnd)
}
