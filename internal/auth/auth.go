// Package auth implements the challenge/response exchange that opens a session.
//
// The server stores an argon2id verifier per identity. A client proves knowledge of the
// password by returning HMAC-SHA256(verifier, nonce|identity); both sides then derive the
// session key from the verifier with HKDF.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

var ErrAuthFailed = errors.New("authentication failed")

const (
	SaltLen  = 16
	NonceLen = 32
	KeyLen   = 32

	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1

	sessionInfo = "voxelgrid session v1"
)

// Challenge is one pending exchange. It can be answered once, before Expires.
type Challenge struct {
	ID       string
	Identity string
	Salt     []byte
	Nonce    []byte
	Expires  time.Time
}

// Authenticator is the primitive the session layer relies on.
type Authenticator interface {
	BeginExchange(identity string) (Challenge, error)
	// Respond checks proof and returns the session key.
	Respond(ch Challenge, proof []byte) ([]byte, error)
}

// Record is what the server keeps per identity.
type Record struct {
	Salt     []byte `json:"salt"`
	Verifier []byte `json:"verifier"`
}

type Credentials interface {
	Lookup(identity string) (Record, bool, error)
}

// NewRecord derives the stored verifier for password with a fresh salt.
func NewRecord(password string) (Record, error) {
	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Record{}, err
	}
	return Record{Salt: salt, Verifier: deriveVerifier(password, salt)}, nil
}

func deriveVerifier(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeyLen)
}

func proofFor(verifier []byte, identity string, nonce []byte) []byte {
	m := hmac.New(sha256.New, verifier)
	m.Write(nonce)
	m.Write([]byte(identity))
	return m.Sum(nil)
}

func sessionKey(verifier []byte, identity string, nonce []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, verifier, nonce, []byte(sessionInfo+"|"+identity))
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// KeyID names a session key without revealing it. The server sends it once the exchange
// succeeds so the client can confirm both sides derived the same key.
func KeyID(key []byte) string {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(sessionInfo + " key id"))
	return hex.EncodeToString(m.Sum(nil)[:8])
}

// ClientProof is the client half of the exchange: it returns the proof to send and the
// session key the server will derive on success.
func ClientProof(identity, password string, salt, nonce []byte) (proof, key []byte, err error) {
	v := deriveVerifier(password, salt)
	key, err = sessionKey(v, identity, nonce)
	if err != nil {
		return nil, nil, err
	}
	return proofFor(v, identity, nonce), key, nil
}

type pending struct {
	identity string
	nonce    []byte
	expires  time.Time
}

// Verifier is the server side Authenticator.
type Verifier struct {
	creds Credentials
	ttl   time.Duration
	now   func() time.Time

	// Salts for unknown identities are derived from secret so they look stable.
	secret []byte

	mu      sync.Mutex
	pending map[string]pending
}

func NewVerifier(creds Credentials, ttl time.Duration) (*Verifier, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, err
	}
	return &Verifier{
		creds:   creds,
		ttl:     ttl,
		now:     time.Now,
		secret:  secret,
		pending: map[string]pending{},
	}, nil
}

func (v *Verifier) BeginExchange(identity string) (Challenge, error) {
	if identity == "" || len(identity) > 64 {
		return Challenge{}, fmt.Errorf("%w: bad identity", ErrAuthFailed)
	}
	rec, ok, err := v.creds.Lookup(identity)
	if err != nil {
		return Challenge{}, err
	}
	salt := rec.Salt
	if !ok {
		m := hmac.New(sha256.New, v.secret)
		m.Write([]byte(identity))
		salt = m.Sum(nil)[:SaltLen]
	}

	nonce := make([]byte, NonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Challenge{}, err
	}
	now := v.now()
	ch := Challenge{
		ID:       hex.EncodeToString(nonce),
		Identity: identity,
		Salt:     salt,
		Nonce:    nonce,
		Expires:  now.Add(v.ttl),
	}

	v.mu.Lock()
	for id, p := range v.pending {
		if now.After(p.expires) {
			delete(v.pending, id)
		}
	}
	v.pending[ch.ID] = pending{identity: identity, nonce: nonce, expires: ch.Expires}
	v.mu.Unlock()
	return ch, nil
}

func (v *Verifier) Respond(ch Challenge, proof []byte) ([]byte, error) {
	v.mu.Lock()
	p, ok := v.pending[ch.ID]
	delete(v.pending, ch.ID)
	v.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown or used challenge", ErrAuthFailed)
	}
	if v.now().After(p.expires) {
		return nil, fmt.Errorf("%w: challenge expired", ErrAuthFailed)
	}

	rec, found, err := v.creds.Lookup(p.identity)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: bad proof", ErrAuthFailed)
	}
	if !hmac.Equal(proof, proofFor(rec.Verifier, p.identity, p.nonce)) {
		return nil, fmt.Errorf("%w: bad proof", ErrAuthFailed)
	}
	return sessionKey(rec.Verifier, p.identity, p.nonce)
}

// Pending reports the number of outstanding challenges.
func (v *Verifier) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}
