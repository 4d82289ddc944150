// Package memlease is an in-memory lease.Service used by tests, grounded
// on the same compare-and-set contract as lease.RedisService but without a
// Redis dependency.
package memlease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genorch/orchestrator/lease"
)

type entry struct {
	token   string
	expires time.Time
}

// Service is an in-memory lease.Service.
type Service struct {
	mu      sync.Mutex
	entries map[string]entry
}

// New returns an empty in-memory lease Service.
func New() *Service {
	return &Service{entries: make(map[string]entry)}
}

var _ lease.Service = (*Service)(nil)

func (s *Service) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if e, ok := s.entries[key]; ok && e.expires.After(now) {
		return "", false, nil
	}
	token := uuid.NewString()
	s.entries[key] = entry{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (s *Service) Renew(ctx context.Context, key, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.token != token || !e.expires.After(time.Now()) {
		return lease.ErrNotHeld
	}
	e.expires = time.Now().Add(ttl)
	s.entries[key] = e
	return nil
}

func (s *Service) Release(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.token != token {
		return lease.ErrNotHeld
	}
	delete(s.entries, key)
	return nil
}
