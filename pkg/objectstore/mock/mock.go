// Package mock provides an in-memory implementation of [objectstore.Store]
// for use in unit tests and local development.
//
// The store is safe for concurrent use. It records every Get and Put call so
// tests can assert on access patterns, and its GetErr/PutErr fields inject
// failures.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jbang2004/waveshift/pkg/objectstore"
)

// Store is an in-memory [objectstore.Store].
type Store struct {
	mu      sync.Mutex
	objects map[string]object

	// PublicDomain mirrors the production store's public URL behavior. When
	// empty, PublicURL returns the raw key.
	PublicDomain string

	// GetErr and PutErr, when set, are returned by every Get or Put call.
	GetErr error
	PutErr error

	// GetCalls and PutCalls record the keys of every Get and Put, in order.
	GetCalls []string
	PutCalls []string
}

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

var _ objectstore.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{objects: make(map[string]object)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetCalls = append(s.GetCalls, key)
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("mock: get %q: %w", key, objectstore.ErrNotFound)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (s *Store) Put(_ context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PutCalls = append(s.PutCalls, key)
	if s.PutErr != nil {
		return s.PutErr
	}
	if s.objects == nil {
		s.objects = make(map[string]object)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[key] = object{data: stored, contentType: contentType, modified: time.Now()}
	return nil
}

func (s *Store) Head(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, fmt.Errorf("mock: head %q: %w", key, objectstore.ErrNotFound)
	}
	return objectstore.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
	}, nil
}

func (s *Store) PublicURL(key string) string {
	if s.PublicDomain == "" {
		return key
	}
	return "https://" + s.PublicDomain + "/" + key
}
