package weather

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/krishi-advisor-service/internal/cache"
	"github.com/kjstillabower/krishi-advisor-service/internal/client"
	"github.com/kjstillabower/krishi-advisor-service/internal/models"
)

type mockProvider struct {
	reading models.WeatherReading
	err     error
	delay   time.Duration
	calls   int32

	mu        sync.Mutex
	locations []string
}

func (m *mockProvider) GetCurrentWeather(ctx context.Context, location string) (models.WeatherReading, error) {
	atomic.AddInt32(&m.calls, 1)
	m.mu.Lock()
	m.locations = append(m.locations, location)
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.reading, m.err
}

func (m *mockProvider) ValidateAPIKey(ctx context.Context) error { return nil }

func (m *mockProvider) Calls() int { return int(atomic.LoadInt32(&m.calls)) }

type mockShared struct {
	mu     sync.Mutex
	data   map[string]models.WeatherReading
	getErr error
	setErr error
	sets   int
}

func newMockShared() *mockShared {
	return &mockShared{data: make(map[string]models.WeatherReading)}
}

func (m *mockShared) Get(ctx context.Context, location string) (models.WeatherReading, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return models.WeatherReading{}, false, m.getErr
	}
	r, ok := m.data[cache.NormalizeLocation(location)]
	return r, ok, nil
}

func (m *mockShared) Set(ctx context.Context, location string, reading models.WeatherReading, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.setErr != nil {
		return m.setErr
	}
	m.data[cache.NormalizeLocation(location)] = reading
	return nil
}

var kochi = models.WeatherReading{
	Location:    "Kochi",
	Country:     "IN",
	Temperature: 29,
	Humidity:    80,
	Pressure:    1008,
	Conditions:  "Rain",
	Description: "light rain",
	WindSpeed:   4.1,
	Visibility:  6.5,
}

func newTestService(p client.WeatherProvider) *Service {
	c := cache.New[models.WeatherReading](cache.Options{
		Name:      "weather",
		Capacity:  cache.WeatherCapacity,
		Normalize: cache.NormalizeLocation,
	})
	return NewService(p, c, time.Hour, nil)
}

func TestService_GetWeatherData_UnspecifiedLocation(t *testing.T) {
	tests := []string{"", "   ", "Not specified", "not SPECIFIED", "  Not specified  "}
	for _, loc := range tests {
		t.Run(fmt.Sprintf("%q", loc), func(t *testing.T) {
			p := &mockProvider{reading: kochi}
			s := newTestService(p)

			if _, ok := s.GetWeatherData(context.Background(), loc); ok {
				t.Error("GetWeatherData() ok = true, want false")
			}
			if p.Calls() != 0 {
				t.Errorf("provider calls = %d, want 0", p.Calls())
			}
		})
	}
}

func TestService_GetWeatherData_CacheAside(t *testing.T) {
	p := &mockProvider{reading: kochi}
	s := newTestService(p)
	ctx := context.Background()

	got, ok := s.GetWeatherData(ctx, "Kochi")
	if !ok || got.Location != "Kochi" {
		t.Fatalf("GetWeatherData() = %+v, %v", got, ok)
	}

	// Case and spacing variants share the cached entry.
	for _, loc := range []string{"kochi", "  KOCHI  "} {
		if _, ok := s.GetWeatherData(ctx, loc); !ok {
			t.Errorf("GetWeatherData(%q) ok = false", loc)
		}
	}
	if p.Calls() != 1 {
		t.Errorf("provider calls = %d, want 1", p.Calls())
	}
	if st := s.Cache().Stats(); st.Hits != 2 || st.Misses != 1 || st.Sets != 1 {
		t.Errorf("stats = %+v, want 2 hits, 1 miss, 1 set", st)
	}
}

func TestService_GetWeatherData_PassesTrimmedLocationUpstream(t *testing.T) {
	p := &mockProvider{reading: kochi}
	s := newTestService(p)

	s.GetWeatherData(context.Background(), "  New Delhi ")
	if len(p.locations) != 1 || p.locations[0] != "New Delhi" {
		t.Errorf("upstream locations = %v, want [New Delhi]", p.locations)
	}
}

func TestService_GetWeatherData_ProviderErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"invalid key", client.ErrInvalidAPIKey},
		{"not found", client.ErrLocationNotFound},
		{"rate limited", client.ErrRateLimited},
		{"timeout", fmt.Errorf("request timeout: %w", context.DeadlineExceeded)},
		{"network", errors.New("dial tcp: connection refused")},
		{"circuit open", client.ErrCircuitOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockProvider{err: tt.err}
			s := newTestService(p)

			got, ok := s.GetWeatherData(context.Background(), "Atlantis")
			if ok {
				t.Fatalf("GetWeatherData() ok = true, want false")
			}
			if got != (models.WeatherReading{}) {
				t.Errorf("GetWeatherData() = %+v, want zero reading", got)
			}
			if s.Cache().Len() != 0 {
				t.Error("failed lookup must not be cached")
			}
		})
	}
}

func TestService_GetWeatherData_ConcurrentMissesCoalesce(t *testing.T) {
	p := &mockProvider{reading: kochi, delay: 50 * time.Millisecond}
	s := newTestService(p)

	var wg sync.WaitGroup
	var okCount int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.GetWeatherData(context.Background(), "Kochi"); ok {
				atomic.AddInt32(&okCount, 1)
			}
		}()
	}
	wg.Wait()

	if okCount != 10 {
		t.Errorf("successful lookups = %d, want 10", okCount)
	}
	if p.Calls() != 1 {
		t.Errorf("provider calls = %d, want 1", p.Calls())
	}
}

func TestService_GetWeatherData_CallerCancelled(t *testing.T) {
	p := &mockProvider{reading: kochi, delay: 100 * time.Millisecond}
	s := newTestService(p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := s.GetWeatherData(ctx, "Kochi"); ok {
		t.Error("GetWeatherData() ok = true after cancel, want false")
	}
}

func TestService_SharedTier(t *testing.T) {
	t.Run("hit populates process cache without upstream call", func(t *testing.T) {
		p := &mockProvider{reading: kochi}
		shared := newMockShared()
		shared.data["kochi"] = kochi
		s := newTestService(p)
		s.SetSharedTier(shared)

		if _, ok := s.GetWeatherData(context.Background(), "Kochi"); !ok {
			t.Fatal("GetWeatherData() ok = false")
		}
		if p.Calls() != 0 {
			t.Errorf("provider calls = %d, want 0", p.Calls())
		}
		if s.Cache().Len() != 1 {
			t.Errorf("process cache len = %d, want 1", s.Cache().Len())
		}
	})

	t.Run("promoted reading keeps its remaining TTL", func(t *testing.T) {
		p := &mockProvider{reading: kochi}
		shared := newMockShared()
		aged := kochi
		aged.Timestamp = time.Now().Add(-time.Hour + 300*time.Millisecond)
		shared.data["kochi"] = aged
		s := newTestService(p)
		s.SetSharedTier(shared)

		if _, ok := s.GetWeatherData(context.Background(), "Kochi"); !ok {
			t.Fatal("GetWeatherData() ok = false")
		}
		if _, ok := s.Cache().Get("kochi"); !ok {
			t.Fatal("promoted reading missing from process cache")
		}
		time.Sleep(400 * time.Millisecond)
		if _, ok := s.Cache().Get("kochi"); ok {
			t.Error("promoted reading outlived its remaining TTL")
		}
		if p.Calls() != 0 {
			t.Errorf("provider calls = %d, want 0", p.Calls())
		}
	})

	t.Run("expired shared reading is refetched", func(t *testing.T) {
		p := &mockProvider{reading: kochi}
		shared := newMockShared()
		stale := kochi
		stale.Timestamp = time.Now().Add(-2 * time.Hour)
		shared.data["kochi"] = stale
		s := newTestService(p)
		s.SetSharedTier(shared)

		if _, ok := s.GetWeatherData(context.Background(), "Kochi"); !ok {
			t.Fatal("GetWeatherData() ok = false")
		}
		if p.Calls() != 1 {
			t.Errorf("provider calls = %d, want 1", p.Calls())
		}
	})

	t.Run("miss writes back to shared tier", func(t *testing.T) {
		p := &mockProvider{reading: kochi}
		shared := newMockShared()
		s := newTestService(p)
		s.SetSharedTier(shared)

		s.GetWeatherData(context.Background(), "Kochi")
		if _, ok := shared.data["kochi"]; !ok {
			t.Error("shared tier not populated")
		}
	})

	t.Run("shared errors fall through to upstream", func(t *testing.T) {
		p := &mockProvider{reading: kochi}
		shared := newMockShared()
		shared.getErr = errors.New("memcache: connection refused")
		shared.setErr = errors.New("memcache: timeout")
		s := newTestService(p)
		s.SetSharedTier(shared)

		if _, ok := s.GetWeatherData(context.Background(), "Kochi"); !ok {
			t.Fatal("GetWeatherData() ok = false")
		}
		if p.Calls() != 1 || shared.sets != 1 {
			t.Errorf("provider calls = %d, shared sets = %d, want 1 and 1", p.Calls(), shared.sets)
		}
	})
}

func TestService_Shapes(t *testing.T) {
	p := &mockProvider{reading: kochi}
	s := newTestService(p)
	ctx := context.Background()

	nudge, ok := s.GetWeatherForNudges(ctx, "Kochi")
	if !ok {
		t.Fatal("GetWeatherForNudges() ok = false")
	}
	want := models.NudgeWeather{Location: "Kochi", Temperature: 29, Humidity: 80, Conditions: "light rain", WindSpeed: 4.1, IsRaining: true}
	if nudge != want {
		t.Errorf("GetWeatherForNudges() = %+v, want %+v", nudge, want)
	}

	cw, ok := s.GetWeatherForContext(ctx, "Kochi")
	if !ok {
		t.Fatal("GetWeatherForContext() ok = false")
	}
	if cw.Pressure != 1008 || cw.Visibility != 6.5 || cw.Country != "IN" || cw.Conditions != "light rain" {
		t.Errorf("GetWeatherForContext() = %+v", cw)
	}

	if _, ok := s.GetWeatherForContext(ctx, "Not specified"); ok {
		t.Error("GetWeatherForContext(Not specified) ok = true")
	}
	if _, ok := s.GetWeatherForNudges(ctx, ""); ok {
		t.Error("GetWeatherForNudges(\"\") ok = true")
	}
}

func TestCategorizeCacheError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("i/o timeout"), "timeout"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("connection reset"), "connection"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		if got := categorizeCacheError(tt.err); got != tt.want {
			t.Errorf("categorizeCacheError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
