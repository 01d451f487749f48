package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"
)

// Endpoint names the exchanger to connect to and the local identity to use
type Endpoint struct {
	Server    string
	Port      int
	LocalAddr string // source IP, empty for the system default
	HeloName  string // EHLO name, defaults to the pool hostname
}

type poolKey struct {
	server    string
	port      int
	localAddr string
	heloName  string
}

// key separates sessions by source address and EHLO name, so a session is
// never reused for an identity it did not introduce itself as
func (e Endpoint) key() poolKey {
	return poolKey{server: e.Server, port: e.Port, localAddr: e.LocalAddr, heloName: e.HeloName}
}

func (e Endpoint) address() string {
	return net.JoinHostPort(e.Server, strconv.Itoa(e.Port))
}

// DialFunc opens the TCP connection for a session
type DialFunc func(ctx context.Context, network, address string, local net.Addr) (net.Conn, error)

func defaultDial(timeout time.Duration) DialFunc {
	return func(ctx context.Context, network, address string, local net.Addr) (net.Conn, error) {
		d := &net.Dialer{Timeout: timeout, LocalAddr: local}
		return d.DialContext(ctx, network, address)
	}
}

// PooledConnection is an SMTP session that has completed EHLO and, where
// offered, STARTTLS
type PooledConnection struct {
	ID         uint64    `json:"id"`
	Server     string    `json:"server"`
	Port       int       `json:"port"`
	LocalAddr  string    `json:"local_addr,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	UseCount   int64     `json:"use_count"`
	TLSEnabled bool      `json:"tls_enabled"`

	key    poolKey
	client *smtp.Client
}

// Send transmits one message to one recipient on the session
func (c *PooledConnection) Send(ctx context.Context, from, to string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.client.Mail(from, nil); err != nil {
		return err
	}
	if err := c.client.Rcpt(to, nil); err != nil {
		return err
	}
	w, err := c.client.Data()
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, bytes.NewReader(msg)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (c *PooledConnection) noop() error {
	return c.client.Noop()
}

func (c *PooledConnection) reset() error {
	return c.client.Reset()
}

func (c *PooledConnection) close() {
	if err := c.client.Quit(); err != nil {
		c.client.Close()
	}
}

// dialSession connects and greets. When the exchanger offers STARTTLS the
// session is reopened over TLS, since the client can only upgrade right after
// connecting. A failed upgrade aborts the session; a server that does not
// offer STARTTLS gets plain text.
func dialSession(ctx context.Context, dial DialFunc, network string, ep Endpoint, tlsConfig *tls.Config, commandTimeout time.Duration) (*smtp.Client, bool, error) {
	var local net.Addr
	if ep.LocalAddr != "" {
		ip := net.ParseIP(ep.LocalAddr)
		if ip == nil {
			return nil, false, newError(KindConnect, ErrConnectFailed, ep.Server,
				fmt.Errorf("invalid source address %q", ep.LocalAddr), true)
		}
		local = &net.TCPAddr{IP: ip}
	}

	conn, err := dial(ctx, network, ep.address(), local)
	if err != nil {
		return nil, false, newError(KindConnect, ErrConnectFailed, ep.Server, err, true)
	}
	client := newSessionClient(conn, commandTimeout)
	if err := client.Hello(ep.HeloName); err != nil {
		client.Close()
		return nil, false, newError(KindHandshake, ErrHandshakeFailed, ep.Server, err, true)
	}
	if ok, _ := client.Extension("STARTTLS"); !ok || tlsConfig == nil {
		return client, false, nil
	}
	if err := client.Quit(); err != nil {
		client.Close()
	}

	conn, err = dial(ctx, network, ep.address(), local)
	if err != nil {
		return nil, false, newError(KindConnect, ErrConnectFailed, ep.Server, err, true)
	}
	cfg := tlsConfig.Clone()
	cfg.ServerName = ep.Server
	client, err = smtp.NewClientStartTLS(conn, cfg)
	if err != nil {
		return nil, false, newError(KindHandshake, ErrHandshakeFailed, ep.Server,
			fmt.Errorf("starttls: %w", err), true)
	}
	if commandTimeout > 0 {
		client.CommandTimeout = commandTimeout
	}
	// the TLS handshake runs with the second EHLO
	if err := client.Hello(ep.HeloName); err != nil {
		client.Close()
		return nil, false, newError(KindHandshake, ErrHandshakeFailed, ep.Server,
			fmt.Errorf("starttls: %w", err), true)
	}
	return client, true, nil
}

func newSessionClient(conn net.Conn, commandTimeout time.Duration) *smtp.Client {
	client := smtp.NewClient(conn)
	if commandTimeout > 0 {
		client.CommandTimeout = commandTimeout
	}
	return client
}

// Network maps an address family setting to a dial network
func Network(family string) string {
	switch family {
	case "ipv4":
		return "tcp4"
	case "ipv6":
		return "tcp6"
	default:
		return "tcp"
	}
}
