package delivery

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/require"
)

type receivedMessage struct {
	From string
	To   []string
	Data string
}

// testBackend is an in-process exchanger. Recipients listed in refuse get
// the given reply at RCPT time.
type testBackend struct {
	sessions atomic.Int64

	mu       sync.Mutex
	refuse   map[string]*smtp.SMTPError
	received []receivedMessage
}

func (b *testBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	b.sessions.Add(1)
	return &testSession{backend: b}, nil
}

func (b *testBackend) Refuse(rcpt string, code int, enhanced smtp.EnhancedCode, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse[strings.ToLower(rcpt)] = &smtp.SMTPError{Code: code, EnhancedCode: enhanced, Message: msg}
}

func (b *testBackend) Received() []receivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]receivedMessage(nil), b.received...)
}

type testSession struct {
	backend *testBackend
	from    string
	to      []string
}

func (s *testSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *testSession) Logout() error { return nil }

func (s *testSession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *testSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.backend.mu.Lock()
	reply := s.backend.refuse[strings.ToLower(to)]
	s.backend.mu.Unlock()
	if reply != nil {
		return reply
	}
	s.to = append(s.to, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.received = append(s.backend.received, receivedMessage{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Data: string(data),
	})
	return nil
}

// startTestServer runs an exchanger on a loopback port
func startTestServer(t *testing.T) (*testBackend, int) {
	t.Helper()
	return serveTestBackend(t, nil)
}

// startTLSTestServer runs an exchanger that offers STARTTLS with a
// self-signed certificate
func startTLSTestServer(t *testing.T) (*testBackend, int) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mx.example.test"},
		DNSNames:     []string{"mx.example.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return serveTestBackend(t, &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	})
}

func serveTestBackend(t *testing.T, tlsConfig *tls.Config) (*testBackend, int) {
	t.Helper()
	be := &testBackend{refuse: make(map[string]*smtp.SMTPError)}
	srv := smtp.NewServer(be)
	srv.Domain = "mx.example.test"
	srv.AllowInsecureAuth = true
	srv.TLSConfig = tlsConfig

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	return be, ln.Addr().(*net.TCPAddr).Port
}

var errUnreachable = errors.New("no route to host")

// loopbackDial sends every exchanger name to the test server except those
// listed as down
func loopbackDial(port int, down ...string) DialFunc {
	return func(ctx context.Context, network, address string, _ net.Addr) (net.Conn, error) {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		for _, d := range down {
			if d == host {
				return nil, errUnreachable
			}
		}
		var dialer net.Dialer
		return dialer.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	}
}
