package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepgoing-assistant/internal/apperr"
	"keepgoing-assistant/internal/intent"
)

func TestHTTPLocationSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bondi", r.URL.Query().Get("location"))
		assert.Equal(t, "yoga studio", r.URL.Query().Get("service"))
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"results":[
			{"name":"Bondi Yoga Studio","address":"12 Campbell Parade","suburb":"Bondi Beach","phone":"02 9365 1234","distance_km":0.4},
			{"name":"","address":"nameless"},
			{"name":"Flow Yoga Bondi","suburb":"Bondi","distance_km":1.1}
		]}`))
	}))
	defer srv.Close()

	s := NewHTTPLocationSearcher(srv.URL+"/", "key", time.Second)
	got, err := s.Search(context.Background(), map[string]string{
		intent.EntityLocation: "Bondi",
		intent.EntityService:  "yoga studio",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Bondi Yoga Studio", got[0].Name)
	assert.Equal(t, "Flow Yoga Bondi", got[1].Name)
}

func TestHTTPLocationSearchFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewHTTPLocationSearcher(srv.URL, "", time.Second)
	_, err := s.Search(context.Background(), map[string]string{intent.EntityLocation: "Bondi"})
	assert.ErrorIs(t, err, apperr.Tool)

	_, err = s.Search(context.Background(), map[string]string{})
	assert.ErrorIs(t, err, apperr.Tool)
}

type memCache struct {
	mu     sync.Mutex
	data   map[string]string
	getErr error
	sets   int
}

func (m *memCache) Get(_ context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return redis.NewStringResult("", m.getErr)
	}
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

type countingSearcher struct {
	results []ProviderResult
	err     error
	calls   int
}

func (c *countingSearcher) Search(context.Context, map[string]string) ([]ProviderResult, error) {
	c.calls++
	return c.results, c.err
}

func TestCachedSearcher(t *testing.T) {
	next := &countingSearcher{results: []ProviderResult{{Name: "Bondi Yoga Studio"}}}
	cache := &memCache{data: map[string]string{}}
	s := NewCachedSearcher(next, cache, time.Hour, nil)
	q := map[string]string{intent.EntityLocation: "Bondi", intent.EntityService: "yoga studio"}

	first, err := s.Search(context.Background(), q)
	require.NoError(t, err)
	second, err := s.Search(context.Background(), map[string]string{intent.EntityLocation: " bondi", intent.EntityService: "Yoga Studio"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, 1, cache.sets)
	for k := range cache.data {
		assert.NotContains(t, k, "ondi")
	}
}

func TestCachedSearcherFallsThroughOnCacheError(t *testing.T) {
	next := &countingSearcher{results: []ProviderResult{{Name: "A"}}}
	cache := &memCache{data: map[string]string{}, getErr: errors.New("connection refused")}
	s := NewCachedSearcher(next, cache, time.Hour, nil)

	got, err := s.Search(context.Background(), map[string]string{intent.EntityLocation: "Bondi"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, next.calls)
}

func TestCachedSearcherDoesNotCacheFailures(t *testing.T) {
	next := &countingSearcher{err: apperr.New(apperr.KindTool, "test", errors.New("down"))}
	cache := &memCache{data: map[string]string{}}
	s := NewCachedSearcher(next, cache, time.Hour, nil)

	_, err := s.Search(context.Background(), map[string]string{intent.EntityLocation: "Bondi"})
	assert.ErrorIs(t, err, apperr.Tool)
	assert.Zero(t, cache.sets)
}
