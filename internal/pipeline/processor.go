package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dmhsqBase/monitor/internal/enrich"
	"github.com/dmhsqBase/monitor/internal/event"
	"github.com/dmhsqBase/monitor/internal/similarity"
)

// Processor identity stamped into every delivered event.
const (
	ProcessorName    = "DMHSQMonitorProcessor"
	ProcessorVersion = "1.0.20"
)

const (
	metadataKey      = "metadata"
	isoMillisLayout  = "2006-01-02T15:04:05.000Z"
	componentProcess = "processor"
)

// Transform is a caller-supplied per-event rule run before enrichment.
// Params: ev event copy owned by the transform; batchCtx static batch context.
// Returns: replacement event, keep=false to filter it out, or an error (event passes unmodified).
type Transform interface {
	Apply(ev event.Event, batchCtx map[string]any) (event.Event, bool, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(ev event.Event, batchCtx map[string]any) (event.Event, bool, error)

// Apply calls f.
func (f TransformFunc) Apply(ev event.Event, batchCtx map[string]any) (event.Event, bool, error) {
	return f(ev, batchCtx)
}

// Enricher resolves network-origin metadata.
type Enricher interface {
	ResolveIP(ctx context.Context) enrich.IPInfo
	ResolveGeo(ctx context.Context, ip string) enrich.GeoInfo
}

// BrowserInfo describes the client agent recorded under metadata.browser.
type BrowserInfo struct {
	UserAgent string `json:"userAgent"`
	Language  string `json:"language"`
	Platform  string `json:"platform"`
}

// ProcessorOptions configures a Processor.
// Params: transforms, enrichment switches, similarity settings, logger and clock.
// Returns: options value for NewProcessor.
type ProcessorOptions struct {
	Transforms          []Transform
	Enricher            Enricher
	CollectUserIP       bool
	CollectGeo          bool
	Browser             *BrowserInfo
	MergeSimilar        bool
	SimilarityThreshold float64
	Logger              *slog.Logger
	Now                 func() time.Time
}

// ProcessStats counts what one Process call did.
type ProcessStats struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Filtered  int `json:"filtered"`
	Merged    int `json:"merged"`
}

// ProcessResult is the outcome of one Process call.
// Params: Events ready for transmission; Absorbed maps representative id to merged member ids.
// Returns: processed batch plus statistics.
type ProcessResult struct {
	Events   []event.Event
	Filtered []string
	Absorbed map[string][]string
	Stats    ProcessStats
}

// Processor turns a queue snapshot into a transmittable batch.
type Processor struct {
	transforms   []Transform
	enricher     Enricher
	collectIP    bool
	collectGeo   bool
	browser      *BrowserInfo
	mergeSimilar bool
	threshold    float64
	logger       *slog.Logger
	now          func() time.Time
}

// NewProcessor builds a processor.
// Params: opts processor options.
// Returns: processor with defaults applied.
func NewProcessor(opts ProcessorOptions) *Processor {
	p := &Processor{
		transforms:   opts.Transforms,
		enricher:     opts.Enricher,
		collectIP:    opts.CollectUserIP,
		collectGeo:   opts.CollectGeo,
		browser:      opts.Browser,
		mergeSimilar: opts.MergeSimilar,
		threshold:    opts.SimilarityThreshold,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if p.threshold <= 0 {
		p.threshold = similarity.DefaultThreshold
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Process runs transforms, enrichment and similarity merge over events.
// Params: ctx bounds enrichment lookups; events snapshot in queue order; batchCtx static batch context.
// Returns: processed events with statistics; input events are never mutated.
func (p *Processor) Process(ctx context.Context, events []event.Event, batchCtx map[string]any) ProcessResult {
	result := ProcessResult{Stats: ProcessStats{Total: len(events)}}

	kept := make([]event.Event, 0, len(events))
	for _, item := range events {
		transformed, keep := p.applyTransforms(item.Clone(), batchCtx)
		if !keep {
			result.Filtered = append(result.Filtered, item.ID)
			continue
		}
		kept = append(kept, transformed)
	}
	result.Stats.Filtered = len(result.Filtered)

	if len(kept) > 0 {
		metadata := p.batchMetadata(ctx)
		for idx := range kept {
			kept[idx] = p.stamp(kept[idx], metadata)
		}
	}

	if p.mergeSimilar {
		grouped := similarity.Group(kept, p.threshold)
		kept = grouped.Events
		result.Absorbed = grouped.Absorbed
		result.Stats.Merged = grouped.Merged
	}

	result.Events = kept
	result.Stats.Processed = len(kept)
	return result
}

// applyTransforms runs every transform in order.
// Params: ev event copy; batchCtx static batch context, handed to transforms as a private copy.
// Returns: resulting event and keep flag.
func (p *Processor) applyTransforms(ev event.Event, batchCtx map[string]any) (event.Event, bool) {
	if len(p.transforms) == 0 {
		return ev, true
	}
	view, _ := cloneAny(batchCtx).(map[string]any)
	current := ev
	for idx, transform := range p.transforms {
		next, keep, err := p.safeApply(transform, current.Clone(), view)
		if err != nil {
			p.logger.Warn(
				"custom transform failed, event passes unmodified",
				slog.String("component", componentProcess),
				slog.Int("transform", idx),
				slog.String("event_id", current.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !keep {
			return event.Event{}, false
		}
		current = next
	}
	return current, true
}

// safeApply converts transform panics into errors.
func (p *Processor) safeApply(transform Transform, ev event.Event, batchCtx map[string]any) (out event.Event, keep bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("transform panicked: %v", recovered)
		}
	}()
	return transform.Apply(ev, batchCtx)
}

// batchMetadata resolves the enrichment shared by every event in one batch.
func (p *Processor) batchMetadata(ctx context.Context) map[string]any {
	metadata := make(map[string]any, 5)
	if p.collectIP && p.enricher != nil {
		ipInfo := p.enricher.ResolveIP(ctx)
		metadata["userIp"] = ipInfo.IP
		metadata["isPrivateIp"] = ipInfo.IsPrivate
		if p.collectGeo {
			geo := p.enricher.ResolveGeo(ctx, ipInfo.IP)
			metadata["geo"] = map[string]any{
				"country":  geo.Country,
				"region":   geo.Region,
				"city":     geo.City,
				"isp":      geo.ISP,
				"timezone": geo.Timezone,
			}
		}
	}
	if p.browser != nil {
		metadata["browser"] = map[string]any{
			"userAgent": p.browser.UserAgent,
			"language":  p.browser.Language,
			"platform":  p.browser.Platform,
		}
	}
	return metadata
}

// stamp merges batch metadata and the processor stamp over the event's existing metadata.
func (p *Processor) stamp(ev event.Event, batchMetadata map[string]any) event.Event {
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	merged := make(map[string]any, len(batchMetadata)+1)
	if existing, ok := ev.Data[metadataKey].(map[string]any); ok {
		for key, value := range existing {
			merged[key] = value
		}
	}
	for key, value := range batchMetadata {
		merged[key] = cloneAny(value)
	}
	merged["processor"] = map[string]any{
		"name":        ProcessorName,
		"version":     ProcessorVersion,
		"processedAt": p.now().UTC().Format(isoMillisLayout),
	}
	ev.Data[metadataKey] = merged
	return ev
}

func cloneAny(value any) any {
	nested, ok := value.(map[string]any)
	if !ok {
		return value
	}
	out := make(map[string]any, len(nested))
	for key, item := range nested {
		out[key] = cloneAny(item)
	}
	return out
}
