package delivery

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/emersion/go-msgauth/dkim"
)

// ErrKeyNotFound means no key file exists for a key reference
var ErrKeyNotFound = errors.New("dkim key not found")

// KeyStore resolves DKIM key references to private keys stored as PEM files
// in a directory. Parsed keys are cached.
type KeyStore struct {
	dir  string
	mu   sync.RWMutex
	keys map[string]crypto.Signer
}

// NewKeyStore creates a key store reading from dir
func NewKeyStore(dir string) *KeyStore {
	return &KeyStore{dir: dir, keys: make(map[string]crypto.Signer)}
}

// Put registers a key under ref without touching the filesystem
func (ks *KeyStore) Put(ref string, key crypto.Signer) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[ref] = key
}

// Signer returns the key for ref, loading <dir>/<ref>.pem or <dir>/<ref>
func (ks *KeyStore) Signer(ref string) (crypto.Signer, error) {
	ks.mu.RLock()
	key, ok := ks.keys[ref]
	ks.mu.RUnlock()
	if ok {
		return key, nil
	}

	if ref == "" || strings.ContainsAny(ref, `/\`) || strings.Contains(ref, "..") {
		return nil, fmt.Errorf("invalid dkim key reference %q", ref)
	}
	if ks.dir == "" {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, ref)
	}

	var data []byte
	var err error
	for _, name := range []string{ref + ".pem", ref} {
		data, err = os.ReadFile(filepath.Join(ks.dir, name))
		if err == nil {
			break
		}
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, ref)
		}
		return nil, fmt.Errorf("failed to read dkim key %s: %w", ref, err)
	}

	key, err = ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("dkim key %s: %w", ref, err)
	}
	ks.Put(ref, key)
	return key, nil
}

// ParsePrivateKey decodes a PKCS#1 RSA or PKCS#8 RSA/Ed25519 private key
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("could not decode pem")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported pem type %s", block.Type)
	}
}

// Signer adds DKIM-Signature headers to composed messages
type Signer struct {
	keys            *KeyStore
	headers         []string
	defaultSelector string
}

// NewSigner creates a signer. headers lists the header fields to sign.
func NewSigner(keys *KeyStore, defaultSelector string, headers []string) *Signer {
	if len(headers) == 0 {
		headers = []string{"From", "To", "Subject", "Date", "Message-ID"}
	}
	return &Signer{keys: keys, headers: headers, defaultSelector: defaultSelector}
}

// Sign returns msg with a DKIM signature for the sender domain. Jobs without
// a key reference are returned unsigned.
func (s *Signer) Sign(job *Job, msg []byte) ([]byte, error) {
	if job.DKIMPrivateKeyRef == "" {
		return msg, nil
	}
	key, err := s.keys.Signer(job.DKIMPrivateKeyRef)
	if err != nil {
		return nil, err
	}

	selector := job.DKIMSelector
	if selector == "" {
		selector = s.defaultSelector
	}
	headers := append([]string(nil), s.headers...)
	for name := range job.Headers {
		if !containsFold(headers, name) {
			headers = append(headers, name)
		}
	}

	opts := &dkim.SignOptions{
		Domain:                 DomainOf(job.FromAddress),
		Selector:               selector,
		Signer:                 key,
		HeaderKeys:             headers,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(msg), opts); err != nil {
		return nil, fmt.Errorf("dkim sign: %w", err)
	}
	return signed.Bytes(), nil
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
