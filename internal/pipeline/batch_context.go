package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/mssola/useragent"
	"github.com/shirou/gopsutil/v4/host"
)

// SDK identity sent with every batch.
const (
	SDKName    = "monitor-sdk"
	SDKVersion = "1.0.9"
)

// DeviceOptions carries device descriptors the host cannot detect itself.
type DeviceOptions struct {
	UserAgent  string
	Language   string
	ScreenSize string
}

// DeviceInfo is the device section of the batch context.
type DeviceInfo struct {
	UserAgent      string
	Language       string
	ScreenSize     string
	Browser        string
	BrowserVersion string
	Platform       string
	OS             string
	DeviceType     string
	Hostname       string
	KernelArch     string
}

// hostInfoFunc is replaced in tests.
var hostInfoFunc = host.InfoWithContext

// DetectDevice combines user-agent parsing with host facts.
// Params: ctx bounds the host lookup; opts caller-provided descriptors.
// Returns: device info; host lookup failures leave host fields empty.
func DetectDevice(ctx context.Context, opts DeviceOptions) DeviceInfo {
	info := DeviceInfo{
		UserAgent:  strings.TrimSpace(opts.UserAgent),
		Language:   strings.TrimSpace(opts.Language),
		ScreenSize: strings.TrimSpace(opts.ScreenSize),
		DeviceType: "desktop",
	}
	if info.UserAgent == "" {
		info.UserAgent = fmt.Sprintf("%s/%s (%s; %s)", SDKName, SDKVersion, runtime.GOOS, runtime.GOARCH)
	}

	ua := useragent.New(info.UserAgent)
	info.Browser, info.BrowserVersion = ua.Browser()
	info.Platform = ua.Platform()
	info.OS = ua.OS()
	switch {
	case ua.Bot():
		info.DeviceType = "bot"
	case ua.Mobile():
		info.DeviceType = "mobile"
	}

	if stat, err := hostInfoFunc(ctx); err == nil && stat != nil {
		info.Hostname = stat.Hostname
		info.KernelArch = stat.KernelArch
		if info.OS == "" {
			info.OS = strings.TrimSpace(stat.Platform + " " + stat.PlatformVersion)
		}
		if info.Platform == "" {
			info.Platform = stat.OS
		}
	}
	if info.Platform == "" {
		info.Platform = runtime.GOOS
	}
	return info
}

// BrowserInfo returns the metadata.browser projection of the device.
func (d DeviceInfo) BrowserInfo() *BrowserInfo {
	return &BrowserInfo{UserAgent: d.UserAgent, Language: d.Language, Platform: d.Platform}
}

func (d DeviceInfo) toMap() map[string]any {
	return map[string]any{
		"userAgent":      d.UserAgent,
		"language":       d.Language,
		"screenSize":     d.ScreenSize,
		"browser":        d.Browser,
		"browserVersion": d.BrowserVersion,
		"platform":       d.Platform,
		"os":             d.OS,
		"deviceType":     d.DeviceType,
		"hostname":       d.Hostname,
		"kernelArch":     d.KernelArch,
	}
}

// buildBatchContext assembles sdk, app, session and device sections, then merges static context last.
// Params: appID/sessionID identity; device detected info; static caller context (wins on key conflicts).
// Returns: fresh context map.
func buildBatchContext(appID, sessionID string, device DeviceInfo, static map[string]any) map[string]any {
	out := map[string]any{
		"sdk":     map[string]any{"name": SDKName, "version": SDKVersion},
		"app":     map[string]any{"id": appID},
		"session": map[string]any{"id": sessionID},
		"device":  device.toMap(),
	}
	for key, value := range static {
		out[key] = cloneAny(value)
	}
	return out
}
