package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// KV is the small key/value table of the world database.
type KV interface {
	GetKV(ctx context.Context, key string) ([]byte, bool, error)
	PutKV(ctx context.Context, key string, value []byte) error
}

const userPrefix = "user:"

// KVCredentials keeps records in the world database's key/value table.
type KVCredentials struct {
	KV      KV
	Timeout time.Duration
}

func (c KVCredentials) ctx() (context.Context, context.CancelFunc) {
	d := c.Timeout
	if d <= 0 {
		d = 5 * time.Second
	}
	return context.WithTimeout(context.Background(), d)
}

func (c KVCredentials) Lookup(identity string) (Record, bool, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	raw, ok, err := c.KV.GetKV(ctx, userPrefix+identity)
	if err != nil || !ok {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("credentials for %q: %w", identity, err)
	}
	return rec, true, nil
}

// AddUser creates or replaces the record for identity.
func (c KVCredentials) AddUser(identity, password string) error {
	if identity == "" || len(identity) > 64 {
		return fmt.Errorf("bad identity %q", identity)
	}
	rec, err := NewRecord(password)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ctx, cancel := c.ctx()
	defer cancel()
	return c.KV.PutKV(ctx, userPrefix+identity, raw)
}

// MemCredentials is an in-memory Credentials for tests and embedded use.
type MemCredentials struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemCredentials() *MemCredentials {
	return &MemCredentials{records: map[string]Record{}}
}

func (m *MemCredentials) AddUser(identity, password string) error {
	rec, err := NewRecord(password)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.records[identity] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemCredentials) Lookup(identity string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[identity]
	return rec, ok, nil
}
