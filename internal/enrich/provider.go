package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

const maxProviderBody = 64 << 10

// Geo provider kinds.
const (
	GeoKindIPAPI  = "ipapi"
	GeoKindIPInfo = "ipinfo"
)

// Default public resolvers.
var (
	DefaultIPProviders = []string{
		"https://api.ipify.org?format=json",
		"https://ipinfo.io/json",
		"https://api.seeip.org/jsonip",
	}
	DefaultGeoProviders = []GeoProvider{
		{Kind: GeoKindIPAPI, URL: "http://ip-api.com/json/{ip}?fields=status,message,country,regionName,city,isp,timezone"},
		{Kind: GeoKindIPInfo, URL: "https://ipinfo.io/{ip}/json"},
	}
)

// GeoProvider describes one geo lookup endpoint.
// Params: Kind selects response mapping; URL may contain "{ip}" placeholder.
// Returns: provider definition.
type GeoProvider struct {
	Kind string
	URL  string
}

type ipapiResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Country    string `json:"country"`
	RegionName string `json:"regionName"`
	City       string `json:"city"`
	ISP        string `json:"isp"`
	Timezone   string `json:"timezone"`
}

type ipinfoResponse struct {
	Country  string `json:"country"`
	Region   string `json:"region"`
	City     string `json:"city"`
	Org      string `json:"org"`
	Timezone string `json:"timezone"`
	Bogon    bool   `json:"bogon"`
}

// fetch performs one GET and returns a bounded body.
// Params: ctx request context; client HTTP client; target URL.
// Returns: body bytes or HTTP/status error.
func fetch(ctx context.Context, client *http.Client, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: unexpected status %s", target, resp.Status)
	}
	return body, nil
}

// parseIPBody extracts an address from JSON {"ip": "..."} or plain-text responses.
// Params: body provider response.
// Returns: validated IP string or parse error.
func parseIPBody(body []byte) (string, error) {
	var payload struct {
		IP string `json:"ip"`
	}
	candidate := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil {
		candidate = strings.TrimSpace(payload.IP)
	}
	if net.ParseIP(candidate) == nil {
		return "", fmt.Errorf("response does not contain a valid ip")
	}
	return candidate, nil
}

// decodeGeo maps provider-specific JSON into GeoInfo.
// Params: kind provider kind; body provider response.
// Returns: geo info or decode/provider error.
func decodeGeo(kind string, body []byte) (GeoInfo, error) {
	switch kind {
	case GeoKindIPInfo:
		var payload ipinfoResponse
		if err := json.Unmarshal(body, &payload); err != nil {
			return GeoInfo{}, fmt.Errorf("decode ipinfo response: %w", err)
		}
		if payload.Bogon {
			return GeoInfo{}, fmt.Errorf("ipinfo: bogon address")
		}
		return GeoInfo{
			Country:  payload.Country,
			Region:   payload.Region,
			City:     payload.City,
			ISP:      payload.Org,
			Timezone: payload.Timezone,
		}, nil
	case GeoKindIPAPI:
		var payload ipapiResponse
		if err := json.Unmarshal(body, &payload); err != nil {
			return GeoInfo{}, fmt.Errorf("decode ip-api response: %w", err)
		}
		if strings.EqualFold(payload.Status, "fail") {
			return GeoInfo{}, fmt.Errorf("ip-api: %s", payload.Message)
		}
		return GeoInfo{
			Country:  payload.Country,
			Region:   payload.RegionName,
			City:     payload.City,
			ISP:      payload.ISP,
			Timezone: payload.Timezone,
		}, nil
	default:
		return GeoInfo{}, fmt.Errorf("unsupported geo provider kind %q", kind)
	}
}

// expandGeoURL substitutes the "{ip}" placeholder.
func expandGeoURL(template string, ip string) string {
	return strings.ReplaceAll(template, "{ip}", url.PathEscape(ip))
}
