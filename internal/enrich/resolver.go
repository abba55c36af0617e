package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/dmhsqBase/monitor/internal/storage"
)

const (
	IPCacheTTL      = 12 * time.Hour
	GeoFreshTTL     = 24 * time.Hour
	GeoStaleTTL     = 7 * 24 * time.Hour
	DefaultTimeout  = 3 * time.Second
	geoCacheEntries = 256
	localLabel      = "Local"
	discoverTarget  = "8.8.8.8:80"
)

// IPInfo is the resolved public address of this process.
type IPInfo struct {
	IP        string `json:"ip"`
	IsPrivate bool   `json:"isPrivate"`
}

// GeoInfo is network-origin location metadata.
type GeoInfo struct {
	Country  string `json:"country,omitempty"`
	Region   string `json:"region,omitempty"`
	City     string `json:"city,omitempty"`
	ISP      string `json:"isp,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// IsEmpty reports whether no geo field is set.
func (g GeoInfo) IsEmpty() bool {
	return g == GeoInfo{}
}

type ipCacheEntry struct {
	IPInfo
	ResolvedAt int64 `json:"resolvedAt"`
}

type geoCacheEntry struct {
	GeoInfo
	ResolvedAt int64 `json:"resolvedAt"`
}

// Options configures a Resolver.
// Params: provider lists, request timeout, local discovery switch, persistence and test hooks.
// Returns: options value for NewResolver.
type Options struct {
	IPProviders   []string
	GeoProviders  []GeoProvider
	Timeout       time.Duration
	DiscoverLocal bool

	Store      storage.Store
	Logger     *slog.Logger
	HTTPClient *http.Client
	Now        func() time.Time

	// Discover overrides local-network address discovery.
	Discover func(context.Context) (string, error)
	// Timezone overrides local timezone detection for synthetic "Local" geo records.
	Timezone func() string
}

// Resolver resolves and caches IP and geo enrichment.
// Params: providers raced per lookup, caches mirrored to durable storage.
// Returns: instance-owned enrichment service.
type Resolver struct {
	ipProviders   []string
	geoProviders  []GeoProvider
	timeout       time.Duration
	discoverLocal bool

	store    storage.Store
	logger   *slog.Logger
	client   *http.Client
	now      func() time.Time
	discover func(context.Context) (string, error)
	timezone func() string

	mu       sync.Mutex
	ipCache  *ipCacheEntry
	geoCache *lru.Cache[string, geoCacheEntry]
	flight   singleflight.Group
}

// NewResolver builds a resolver and hydrates its caches.
// Params: opts resolver options.
// Returns: resolver or cache construction error.
func NewResolver(opts Options) (*Resolver, error) {
	geoCache, err := lru.New[string, geoCacheEntry](geoCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("create geo cache: %w", err)
	}

	r := &Resolver{
		ipProviders:   trimNonEmpty(opts.IPProviders),
		geoProviders:  opts.GeoProviders,
		timeout:       opts.Timeout,
		discoverLocal: opts.DiscoverLocal,
		store:         opts.Store,
		logger:        opts.Logger,
		client:        opts.HTTPClient,
		now:           opts.Now,
		discover:      opts.Discover,
		timezone:      opts.Timezone,
		geoCache:      geoCache,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.client == nil {
		r.client = &http.Client{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.discover == nil {
		r.discover = discoverLocalIP
	}
	if r.timezone == nil {
		r.timezone = localTimezone
	}

	r.hydrate()
	return r, nil
}

// ResolveIP returns the public address, consulting the 12h cache first.
// Params: ctx lifecycle context.
// Returns: resolved info, discovered local address, or {0.0.0.0, private} fallback.
func (r *Resolver) ResolveIP(ctx context.Context) IPInfo {
	if cached, ok := r.cachedIP(); ok {
		return cached
	}

	value, _, _ := r.flight.Do("ip", func() (any, error) {
		if cached, ok := r.cachedIP(); ok {
			return cached, nil
		}
		return r.resolveIPLive(ctx), nil
	})
	info, ok := value.(IPInfo)
	if !ok {
		return fallbackIPInfo()
	}
	return info
}

// ResolveGeo returns location metadata for ip.
// Params: ctx lifecycle context; ip address to look up.
// Returns: Local record for private/fallback addresses, cached or live data, stale data on failure, or empty info.
func (r *Resolver) ResolveGeo(ctx context.Context, ip string) GeoInfo {
	address := strings.TrimSpace(ip)
	if address == "" || address == FallbackIP || IsPrivateIP(address) {
		return r.localGeo()
	}

	entry, cached := r.cachedGeo(address)
	if cached && r.age(entry.ResolvedAt) < GeoFreshTTL {
		return entry.GeoInfo
	}

	value, err, _ := r.flight.Do("geo:"+address, func() (any, error) {
		return r.resolveGeoLive(ctx, address)
	})
	if err == nil {
		if info, ok := value.(GeoInfo); ok {
			return info
		}
	}

	r.logger.Debug("geo lookup failed", slog.String("ip", address), slog.String("error", errString(err)))
	if cached && r.age(entry.ResolvedAt) < GeoStaleTTL {
		return entry.GeoInfo
	}
	return GeoInfo{}
}

// resolveIPLive races IP providers and falls back to local discovery.
// Params: ctx lifecycle context.
// Returns: resolved info; never fails.
func (r *Resolver) resolveIPLive(ctx context.Context) IPInfo {
	ops := make([]func(context.Context) (string, error), 0, len(r.ipProviders))
	for _, provider := range r.ipProviders {
		target := provider
		ops = append(ops, func(raceCtx context.Context) (string, error) {
			reqCtx, cancel := context.WithTimeout(raceCtx, r.timeout)
			defer cancel()
			body, err := fetch(reqCtx, r.client, target)
			if err != nil {
				return "", err
			}
			return parseIPBody(body)
		})
	}

	ip, err := FirstSuccess(ctx, ops...)
	if err == nil {
		info := IPInfo{IP: ip, IsPrivate: IsPrivateIP(ip)}
		r.storeIP(info)
		return info
	}
	r.logger.Debug("ip providers failed", slog.String("error", err.Error()))

	if r.discoverLocal {
		discoverCtx, cancel := context.WithTimeout(ctx, r.timeout)
		local, discoverErr := r.discover(discoverCtx)
		cancel()
		if discoverErr == nil && net.ParseIP(local) != nil {
			return IPInfo{IP: local, IsPrivate: IsPrivateIP(local)}
		}
	}
	return fallbackIPInfo()
}

// resolveGeoLive races geo providers and caches the winner.
// Params: ctx lifecycle context; ip public address.
// Returns: geo info or joined provider error.
func (r *Resolver) resolveGeoLive(ctx context.Context, ip string) (GeoInfo, error) {
	if len(r.geoProviders) == 0 {
		return GeoInfo{}, errors.New("no geo providers configured")
	}

	ops := make([]func(context.Context) (GeoInfo, error), 0, len(r.geoProviders))
	for _, provider := range r.geoProviders {
		current := provider
		ops = append(ops, func(raceCtx context.Context) (GeoInfo, error) {
			reqCtx, cancel := context.WithTimeout(raceCtx, r.timeout)
			defer cancel()
			body, err := fetch(reqCtx, r.client, expandGeoURL(current.URL, ip))
			if err != nil {
				return GeoInfo{}, err
			}
			return decodeGeo(current.Kind, body)
		})
	}

	info, err := FirstSuccess(ctx, ops...)
	if err != nil {
		return GeoInfo{}, err
	}
	r.storeGeo(ip, info)
	return info, nil
}

func (r *Resolver) cachedIP() (IPInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ipCache == nil || r.age(r.ipCache.ResolvedAt) >= IPCacheTTL {
		return IPInfo{}, false
	}
	return r.ipCache.IPInfo, true
}

func (r *Resolver) cachedGeo(ip string) (geoCacheEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.geoCache.Get(ip)
}

// storeIP caches a resolved address and mirrors it to durable storage.
func (r *Resolver) storeIP(info IPInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ipCache = &ipCacheEntry{IPInfo: info, ResolvedAt: r.now().UnixMilli()}
	if err := storage.SaveJSON(r.store, storage.KeyIPCache, r.ipCache); err != nil {
		r.logger.Warn("persist ip cache failed", slog.String("error", err.Error()))
	}
}

// storeGeo caches geo info for ip and mirrors the whole cache to durable storage.
func (r *Resolver) storeGeo(ip string, info GeoInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.geoCache.Add(ip, geoCacheEntry{GeoInfo: info, ResolvedAt: r.now().UnixMilli()})
	snapshot := make(map[string]geoCacheEntry, r.geoCache.Len())
	for _, key := range r.geoCache.Keys() {
		if entry, ok := r.geoCache.Peek(key); ok {
			snapshot[key] = entry
		}
	}
	if err := storage.SaveJSON(r.store, storage.KeyGeoCache, snapshot); err != nil {
		r.logger.Warn("persist geo cache failed", slog.String("error", err.Error()))
	}
}

// hydrate restores caches from durable storage; corrupt values are ignored.
func (r *Resolver) hydrate() {
	var ipEntry ipCacheEntry
	if err := storage.LoadJSON(r.store, storage.KeyIPCache, &ipEntry); err == nil {
		if net.ParseIP(ipEntry.IP) != nil {
			r.ipCache = &ipEntry
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("load ip cache failed", slog.String("error", err.Error()))
	}

	var geoEntries map[string]geoCacheEntry
	if err := storage.LoadJSON(r.store, storage.KeyGeoCache, &geoEntries); err == nil {
		for ip, entry := range geoEntries {
			if r.age(entry.ResolvedAt) < GeoStaleTTL {
				r.geoCache.Add(ip, entry)
			}
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("load geo cache failed", slog.String("error", err.Error()))
	}
}

func (r *Resolver) age(resolvedAt int64) time.Duration {
	return time.Duration(r.now().UnixMilli()-resolvedAt) * time.Millisecond
}

func (r *Resolver) localGeo() GeoInfo {
	return GeoInfo{
		Country:  localLabel,
		Region:   localLabel,
		City:     localLabel,
		ISP:      localLabel,
		Timezone: r.timezone(),
	}
}

func fallbackIPInfo() IPInfo {
	return IPInfo{IP: FallbackIP, IsPrivate: true}
}

// discoverLocalIP finds the source address the host would use for outbound traffic.
// Params: ctx dial context.
// Returns: local source IP or dial error; no packets are sent for UDP.
func discoverLocalIP(ctx context.Context) (string, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", discoverTarget)
	if err != nil {
		return "", fmt.Errorf("discover local ip: %w", err)
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || localAddr.IP == nil {
		return "", fmt.Errorf("discover local ip: unexpected local addr")
	}
	return localAddr.IP.String(), nil
}

// localTimezone returns the IANA zone from TZ or the local zone name.
func localTimezone() string {
	if tz := strings.TrimSpace(os.Getenv("TZ")); tz != "" {
		return tz
	}
	if name := time.Local.String(); name != "" && name != "Local" {
		return name
	}
	name, _ := time.Now().Zone()
	return name
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
