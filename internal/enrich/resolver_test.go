package enrich

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmhsqBase/monitor/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestResolver(t *testing.T, opts Options) *Resolver {
	t.Helper()
	resolver, err := NewResolver(opts)
	if err != nil {
		t.Fatalf("NewResolver error: %v", err)
	}
	return resolver
}

func TestResolveIP_RacesProvidersAndCaches(t *testing.T) {
	var calls atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"ip":"203.0.113.7"}`))
	}))
	defer working.Close()

	clock := newClock()
	store := storage.NewMemoryStore()
	resolver := newTestResolver(t, Options{
		IPProviders: []string{failing.URL, working.URL},
		Store:       store,
		Now:         clock.Now,
	})

	info := resolver.ResolveIP(context.Background())
	if info.IP != "203.0.113.7" || info.IsPrivate {
		t.Fatalf("unexpected ip info: %+v", info)
	}
	_ = resolver.ResolveIP(context.Background())
	if calls.Load() != 1 {
		t.Fatalf("expected cached second lookup, provider calls=%d", calls.Load())
	}

	// a fresh resolver hydrates the persisted cache
	hydrated := newTestResolver(t, Options{IPProviders: []string{working.URL}, Store: store, Now: clock.Now})
	if got := hydrated.ResolveIP(context.Background()); got.IP != "203.0.113.7" {
		t.Fatalf("unexpected hydrated ip: %+v", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("hydrated resolver must not hit providers, calls=%d", calls.Load())
	}

	clock.Advance(IPCacheTTL)
	_ = hydrated.ResolveIP(context.Background())
	if calls.Load() != 2 {
		t.Fatalf("expired cache must trigger a lookup, calls=%d", calls.Load())
	}
}

func TestResolveIP_PlainTextBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("198.51.100.20\n"))
	}))
	defer server.Close()

	resolver := newTestResolver(t, Options{IPProviders: []string{server.URL}})
	if got := resolver.ResolveIP(context.Background()); got.IP != "198.51.100.20" {
		t.Fatalf("unexpected ip: %+v", got)
	}
}

func TestResolveIP_FallbackAndDiscovery(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"garbage"}`))
	}))
	defer failing.Close()

	store := storage.NewMemoryStore()
	resolver := newTestResolver(t, Options{
		IPProviders:   []string{failing.URL},
		DiscoverLocal: true,
		Store:         store,
		Discover: func(context.Context) (string, error) {
			return "", errors.New("no route")
		},
	})
	got := resolver.ResolveIP(context.Background())
	if got.IP != FallbackIP || !got.IsPrivate {
		t.Fatalf("unexpected fallback: %+v", got)
	}
	if _, err := store.Load(storage.KeyIPCache); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("fallback must not be cached, err=%v", err)
	}

	discovering := newTestResolver(t, Options{
		IPProviders:   []string{failing.URL},
		DiscoverLocal: true,
		Discover: func(context.Context) (string, error) {
			return "192.168.1.20", nil
		},
	})
	got = discovering.ResolveIP(context.Background())
	if got.IP != "192.168.1.20" || !got.IsPrivate {
		t.Fatalf("unexpected discovered ip: %+v", got)
	}
}

func TestResolveGeo_PrivateIPSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	resolver := newTestResolver(t, Options{
		GeoProviders: []GeoProvider{{Kind: GeoKindIPAPI, URL: server.URL + "/{ip}"}},
		Timezone:     func() string { return "Asia/Shanghai" },
	})

	for _, ip := range []string{"192.168.1.5", FallbackIP} {
		got := resolver.ResolveGeo(context.Background(), ip)
		want := GeoInfo{Country: "Local", Region: "Local", City: "Local", ISP: "Local", Timezone: "Asia/Shanghai"}
		if got != want {
			t.Fatalf("ResolveGeo(%q) = %+v, want %+v", ip, got, want)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("private lookups must not reach providers, calls=%d", calls.Load())
	}
}

func TestResolveGeo_FreshStaleAndEmpty(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.URL.Path != "/json/203.0.113.7" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"success","country":"Japan","regionName":"Tokyo","city":"Tokyo","isp":"Example","timezone":"Asia/Tokyo"}`))
	}))
	defer server.Close()

	clock := newClock()
	resolver := newTestResolver(t, Options{
		GeoProviders: []GeoProvider{{Kind: GeoKindIPAPI, URL: server.URL + "/json/{ip}"}},
		Store:        storage.NewMemoryStore(),
		Now:          clock.Now,
	})

	want := GeoInfo{Country: "Japan", Region: "Tokyo", City: "Tokyo", ISP: "Example", Timezone: "Asia/Tokyo"}
	if got := resolver.ResolveGeo(context.Background(), "203.0.113.7"); got != want {
		t.Fatalf("unexpected geo: %+v", got)
	}
	_ = resolver.ResolveGeo(context.Background(), "203.0.113.7")
	if calls.Load() != 1 {
		t.Fatalf("fresh entry must be served from cache, calls=%d", calls.Load())
	}

	healthy.Store(false)
	clock.Advance(GeoFreshTTL + time.Hour)
	if got := resolver.ResolveGeo(context.Background(), "203.0.113.7"); got != want {
		t.Fatalf("stale entry must be served on failure: %+v", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("stale entry must trigger a refresh attempt, calls=%d", calls.Load())
	}

	clock.Advance(GeoStaleTTL)
	if got := resolver.ResolveGeo(context.Background(), "203.0.113.7"); !got.IsEmpty() {
		t.Fatalf("expired entry must yield empty geo: %+v", got)
	}
}

func TestResolveGeo_HydratesPersistedCache(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"status":"success","country":"Japan","regionName":"Osaka","city":"Osaka","isp":"Example","timezone":"Asia/Tokyo"}`))
	}))
	defer server.Close()

	clock := newClock()
	store := storage.NewMemoryStore()
	providers := []GeoProvider{{Kind: GeoKindIPAPI, URL: server.URL + "/json/{ip}"}}

	first := newTestResolver(t, Options{GeoProviders: providers, Store: store, Now: clock.Now})
	want := first.ResolveGeo(context.Background(), "203.0.113.7")
	if want.City != "Osaka" || calls.Load() != 1 {
		t.Fatalf("unexpected first lookup: %+v calls=%d", want, calls.Load())
	}

	clock.Advance(time.Hour)
	restarted := newTestResolver(t, Options{GeoProviders: providers, Store: store, Now: clock.Now})
	if got := restarted.ResolveGeo(context.Background(), "203.0.113.7"); got != want {
		t.Fatalf("unexpected hydrated geo: %+v", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("hydrated resolver must serve geo from cache, calls=%d", calls.Load())
	}
}

func TestNewResolver_DropsExpiredGeoEntries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	clock := newClock()
	store := storage.NewMemoryStore()
	stale := GeoInfo{Country: "Japan", Region: "Tokyo", City: "Tokyo", ISP: "Example", Timezone: "Asia/Tokyo"}
	persisted := map[string]geoCacheEntry{
		"203.0.113.7":  {GeoInfo: stale, ResolvedAt: clock.Now().Add(-2 * 24 * time.Hour).UnixMilli()},
		"198.51.100.9": {GeoInfo: stale, ResolvedAt: clock.Now().Add(-GeoStaleTTL - time.Hour).UnixMilli()},
	}
	if err := storage.SaveJSON(store, storage.KeyGeoCache, persisted); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}

	resolver := newTestResolver(t, Options{
		GeoProviders: []GeoProvider{{Kind: GeoKindIPAPI, URL: server.URL + "/json/{ip}"}},
		Store:        store,
		Now:          clock.Now,
	})
	if resolver.geoCache.Len() != 1 {
		t.Fatalf("entries older than the stale window must be dropped, have=%d", resolver.geoCache.Len())
	}
	if got := resolver.ResolveGeo(context.Background(), "203.0.113.7"); got != stale {
		t.Fatalf("stale hydrated entry must be served on failure: %+v", got)
	}
	if got := resolver.ResolveGeo(context.Background(), "198.51.100.9"); !got.IsEmpty() {
		t.Fatalf("expired hydrated entry must not be served: %+v", got)
	}
}

func TestResolveGeo_IPInfoProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"198.51.100.9","country":"DE","region":"Berlin","city":"Berlin","org":"AS1 Example","timezone":"Europe/Berlin"}`))
	}))
	defer server.Close()

	resolver := newTestResolver(t, Options{
		GeoProviders: []GeoProvider{{Kind: GeoKindIPInfo, URL: server.URL + "/{ip}/json"}},
	})
	got := resolver.ResolveGeo(context.Background(), "198.51.100.9")
	if got.Country != "DE" || got.ISP != "AS1 Example" || got.Timezone != "Europe/Berlin" {
		t.Fatalf("unexpected ipinfo mapping: %+v", got)
	}
}

func TestDecodeGeo_ProviderFailures(t *testing.T) {
	if _, err := decodeGeo(GeoKindIPAPI, []byte(`{"status":"fail","message":"reserved range"}`)); err == nil {
		t.Fatalf("expected ip-api failure")
	}
	if _, err := decodeGeo(GeoKindIPInfo, []byte(`{"bogon":true}`)); err == nil {
		t.Fatalf("expected bogon failure")
	}
	if _, err := decodeGeo("unknown", []byte(`{}`)); err == nil {
		t.Fatalf("expected unsupported kind failure")
	}
}

func TestNewResolver_IgnoresCorruptCaches(t *testing.T) {
	store := storage.NewMemoryStore()
	_ = store.Save(storage.KeyIPCache, []byte("{not json"))
	_ = store.Save(storage.KeyGeoCache, []byte("[1,2"))

	resolver := newTestResolver(t, Options{Store: store})
	if _, ok := resolver.cachedIP(); ok {
		t.Fatalf("corrupt ip cache must be ignored")
	}
	if resolver.geoCache.Len() != 0 {
		t.Fatalf("corrupt geo cache must be ignored")
	}
}
