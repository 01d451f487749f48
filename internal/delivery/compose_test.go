package delivery

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob() *Job {
	return &Job{
		ID:          "job-1",
		CampaignID:  "spring-sale",
		FromAddress: "news@example.com",
		FromName:    "Example News",
		ToAddress:   "bob@example.net",
		Subject:     "Spring sale",
		TextBody:    "Plain body",
		HTMLBody:    "<p>HTML body</p>",
		Headers:     map[string]string{"x-mailer-tag": "spring"},
	}
}

func TestComposeMultipart(t *testing.T) {
	c := NewComposer()
	c.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }

	raw, messageID, err := c.Compose(testJob())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(messageID, "<"))
	assert.True(t, strings.HasSuffix(messageID, "@example.com>"))

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)

	from, err := mail.ParseAddress(msg.Header.Get("From"))
	require.NoError(t, err)
	assert.Equal(t, "news@example.com", from.Address)
	assert.Equal(t, "Example News", from.Name)
	assert.Equal(t, "bob@example.net", msg.Header.Get("To"))
	assert.Equal(t, "Spring sale", msg.Header.Get("Subject"))
	assert.Equal(t, messageID, msg.Header.Get("Message-Id"))
	assert.Equal(t, "spring-sale", msg.Header.Get("X-Campaign-Id"))
	assert.Equal(t, "spring", msg.Header.Get("X-Mailer-Tag"))
	assert.Contains(t, msg.Header.Get("Content-Type"), "multipart/alternative")

	date, err := msg.Header.Date()
	require.NoError(t, err)
	assert.Equal(t, int64(1772442000), date.Unix())

	body := string(raw)
	assert.Contains(t, body, "Plain body")
	assert.Contains(t, body, "<p>HTML body</p>")
}

func TestComposeSingleBody(t *testing.T) {
	job := testJob()
	job.TextBody = ""
	job.FromName = ""
	job.ReplyTo = "support@example.com"

	raw, _, err := NewComposer().Compose(job)
	require.NoError(t, err)

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)
	assert.Contains(t, msg.Header.Get("Content-Type"), "text/html")
	assert.Equal(t, "support@example.com", msg.Header.Get("Reply-To"))
	assert.Equal(t, "news@example.com", msg.Header.Get("From"))
}

func TestComposeRequiresSenderDomain(t *testing.T) {
	job := testJob()
	job.FromAddress = "nobody"
	_, _, err := NewComposer().Compose(job)
	assert.Error(t, err)
}

func TestComposeRejectsBadHeaders(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"X-Bad Name", "v"},
		{"X-Colon:", "v"},
		{"", "v"},
		{"X-Tab\t", "v"},
		{"X-Ünicode", "v"},
		{"Subject", "override"},
		{"message-id", "<dup@example.com>"},
		{"X-Injected", "ok\r\nBcc: victim@example.org"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := testJob()
			job.Headers = map[string]string{tt.name: tt.value}
			_, _, err := NewComposer().Compose(job)
			assert.Error(t, err)
			assert.Error(t, job.Prepare(3))
		})
	}

	job := testJob()
	job.Headers = map[string]string{"List-Unsubscribe": "<mailto:unsub@example.com>", "X-Mailer-Tag!": "ok"}
	raw, _, err := NewComposer().Compose(job)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "List-Unsubscribe: <mailto:unsub@example.com>")
	assert.NoError(t, job.Prepare(3))
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestSignerAddsSignature(t *testing.T) {
	keys := NewKeyStore("")
	keys.Put("example-com", generateKey(t))
	signer := NewSigner(keys, "s2026", nil)

	job := testJob()
	job.DKIMPrivateKeyRef = "example-com"
	raw, _, err := NewComposer().Compose(job)
	require.NoError(t, err)

	signed, err := signer.Sign(job, raw)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(signed), "DKIM-Signature:"))

	msg, err := mail.ReadMessage(strings.NewReader(string(signed)))
	require.NoError(t, err)
	sig := strings.Join(strings.Fields(msg.Header.Get("Dkim-Signature")), "")
	assert.Contains(t, sig, "d=example.com")
	assert.Contains(t, sig, "s=s2026")
	assert.Contains(t, sig, "c=relaxed/relaxed")
	assert.Contains(t, strings.ToLower(sig), "x-mailer-tag")
	assert.True(t, strings.HasSuffix(string(signed), string(raw)[strings.Index(string(raw), "\r\n\r\n"):]))
}

func TestSignerSelectorFromJob(t *testing.T) {
	keys := NewKeyStore("")
	keys.Put("k", generateKey(t))
	signer := NewSigner(keys, "default", nil)

	job := testJob()
	job.DKIMPrivateKeyRef = "k"
	job.DKIMSelector = "campaign"
	raw, _, err := NewComposer().Compose(job)
	require.NoError(t, err)

	signed, err := signer.Sign(job, raw)
	require.NoError(t, err)
	header := strings.SplitN(string(signed), "\r\n\r\n", 2)[0]
	assert.Contains(t, strings.Join(strings.Fields(header), ""), "s=campaign")
}

func TestSignerWithoutKeyRef(t *testing.T) {
	signer := NewSigner(NewKeyStore(""), "default", nil)
	raw := []byte("Subject: x\r\n\r\nbody\r\n")

	out, err := signer.Sign(testJob(), raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestKeyStoreLoadsPEM(t *testing.T) {
	dir := t.TempDir()
	key := generateKey(t)

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.pem"), pkcs1, 0600))

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two"), pkcs8, 0600))

	ks := NewKeyStore(dir)
	one, err := ks.Signer("one")
	require.NoError(t, err)
	assert.Equal(t, key.Public(), one.Public())

	two, err := ks.Signer("two")
	require.NoError(t, err)
	assert.Equal(t, key.Public(), two.Public())

	// cached after the first read
	require.NoError(t, os.Remove(filepath.Join(dir, "one.pem")))
	_, err = ks.Signer("one")
	assert.NoError(t, err)

	_, err = ks.Signer("missing")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
	_, err = ks.Signer("../etc/passwd")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.pem"), []byte("not pem"), 0600))
	_, err = ks.Signer("bad")
	assert.Error(t, err)
}
