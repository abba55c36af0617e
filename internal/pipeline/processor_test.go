package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmhsqBase/monitor/internal/enrich"
	"github.com/dmhsqBase/monitor/internal/event"
)

type fakeEnricher struct {
	ip        enrich.IPInfo
	geo       enrich.GeoInfo
	ipCalls   int
	geoCalls  int
	lastGeoIP string
}

func (f *fakeEnricher) ResolveIP(context.Context) enrich.IPInfo {
	f.ipCalls++
	return f.ip
}

func (f *fakeEnricher) ResolveGeo(_ context.Context, ip string) enrich.GeoInfo {
	f.geoCalls++
	f.lastGeoIP = ip
	return f.geo
}

var processorNow = time.Date(2024, 3, 5, 10, 20, 30, 456000000, time.UTC)

func errorEvent(id, message string, ts int64) event.Event {
	return event.Event{
		ID:        id,
		Type:      event.TypeError,
		Name:      "js_error",
		Data:      map[string]any{"message": message, "errorType": "TypeError"},
		Timestamp: ts,
	}
}

func metadataOf(t *testing.T, ev event.Event) map[string]any {
	t.Helper()
	metadata, ok := ev.Data["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("event %s has no metadata: %#v", ev.ID, ev.Data)
	}
	return metadata
}

// TestProcessor_EnrichesAndStamps checks batch metadata and the processor stamp.
// Params: testing.T for assertions.
// Returns: none.
func TestProcessor_EnrichesAndStamps(t *testing.T) {
	enricher := &fakeEnricher{
		ip:  enrich.IPInfo{IP: "203.0.113.9"},
		geo: enrich.GeoInfo{Country: "DE", Region: "Berlin", City: "Berlin", ISP: "Example", Timezone: "Europe/Berlin"},
	}
	processor := NewProcessor(ProcessorOptions{
		Enricher:      enricher,
		CollectUserIP: true,
		CollectGeo:    true,
		Browser:       &BrowserInfo{UserAgent: "ua", Language: "en-US", Platform: "Linux"},
		Now:           func() time.Time { return processorNow },
	})

	input := []event.Event{
		{ID: "a", Type: event.TypeBehavior, Name: "click", Data: map[string]any{"metadata": map[string]any{"page": "/cart"}}},
		{ID: "b", Type: event.TypeCustom, Name: "custom"},
	}
	result := processor.Process(context.Background(), input, nil)

	if len(result.Events) != 2 || result.Stats.Processed != 2 || result.Stats.Total != 2 {
		t.Fatalf("unexpected result: %+v", result.Stats)
	}
	if enricher.ipCalls != 1 || enricher.geoCalls != 1 || enricher.lastGeoIP != "203.0.113.9" {
		t.Fatalf("enrichment must resolve once per batch: ip=%d geo=%d ip=%q", enricher.ipCalls, enricher.geoCalls, enricher.lastGeoIP)
	}

	metadata := metadataOf(t, result.Events[0])
	if metadata["page"] != "/cart" {
		t.Fatalf("existing metadata lost: %#v", metadata)
	}
	if metadata["userIp"] != "203.0.113.9" || metadata["isPrivateIp"] != false {
		t.Fatalf("unexpected ip metadata: %#v", metadata)
	}
	geo := metadata["geo"].(map[string]any)
	if geo["country"] != "DE" || geo["timezone"] != "Europe/Berlin" {
		t.Fatalf("unexpected geo metadata: %#v", geo)
	}
	browser := metadata["browser"].(map[string]any)
	if browser["language"] != "en-US" {
		t.Fatalf("unexpected browser metadata: %#v", browser)
	}
	stamp := metadata["processor"].(map[string]any)
	if stamp["name"] != ProcessorName || stamp["version"] != ProcessorVersion {
		t.Fatalf("unexpected processor stamp: %#v", stamp)
	}
	if stamp["processedAt"] != "2024-03-05T10:20:30.456Z" {
		t.Fatalf("unexpected processedAt: %v", stamp["processedAt"])
	}

	if _, ok := input[1].Data["metadata"]; ok {
		t.Fatalf("input event mutated")
	}
	if original := input[0].Data["metadata"].(map[string]any); len(original) != 1 {
		t.Fatalf("input metadata mutated: %#v", original)
	}
}

func TestProcessor_SkipsDisabledEnrichment(t *testing.T) {
	enricher := &fakeEnricher{ip: enrich.IPInfo{IP: "203.0.113.9"}}
	processor := NewProcessor(ProcessorOptions{Enricher: enricher, Now: func() time.Time { return processorNow }})

	result := processor.Process(context.Background(), []event.Event{{ID: "a", Type: event.TypeCustom}}, nil)

	if enricher.ipCalls != 0 || enricher.geoCalls != 0 {
		t.Fatalf("enricher must not be called")
	}
	metadata := metadataOf(t, result.Events[0])
	if _, ok := metadata["userIp"]; ok {
		t.Fatalf("userIp must be absent: %#v", metadata)
	}
	if _, ok := metadata["processor"]; !ok {
		t.Fatalf("processor stamp missing")
	}
}

func TestProcessor_PrivateIPGetsLocalGeo(t *testing.T) {
	resolver, err := enrich.NewResolver(enrich.Options{
		IPProviders:   []string{},
		GeoProviders:  []enrich.GeoProvider{},
		DiscoverLocal: true,
		Discover:      func(context.Context) (string, error) { return "10.0.0.7", nil },
		Timezone:      func() string { return "UTC" },
	})
	if err != nil {
		t.Fatalf("NewResolver error: %v", err)
	}
	processor := NewProcessor(ProcessorOptions{Enricher: resolver, CollectUserIP: true, CollectGeo: true})

	result := processor.Process(context.Background(), []event.Event{{ID: "a", Type: event.TypeCustom}}, nil)

	metadata := metadataOf(t, result.Events[0])
	if metadata["userIp"] != "10.0.0.7" || metadata["isPrivateIp"] != true {
		t.Fatalf("unexpected ip metadata: %#v", metadata)
	}
	geo := metadata["geo"].(map[string]any)
	if geo["country"] != "Local" || geo["city"] != "Local" || geo["timezone"] != "UTC" {
		t.Fatalf("unexpected private geo: %#v", geo)
	}
}

func TestProcessor_TransformsFilterAndPassThrough(t *testing.T) {
	dropBehavior := TransformFunc(func(ev event.Event, _ map[string]any) (event.Event, bool, error) {
		return ev, ev.Type != event.TypeBehavior, nil
	})
	failing := TransformFunc(func(ev event.Event, _ map[string]any) (event.Event, bool, error) {
		ev.Data["touched"] = true
		return ev, false, errors.New("rule crashed")
	})
	panicking := TransformFunc(func(event.Event, map[string]any) (event.Event, bool, error) {
		panic("bad rule")
	})
	tagging := TransformFunc(func(ev event.Event, batchCtx map[string]any) (event.Event, bool, error) {
		ev.Data["env"] = batchCtx["env"]
		return ev, true, nil
	})

	processor := NewProcessor(ProcessorOptions{Transforms: []Transform{dropBehavior, failing, panicking, tagging}})
	result := processor.Process(context.Background(), []event.Event{
		{ID: "keep", Type: event.TypeCustom, Data: map[string]any{}},
		{ID: "drop", Type: event.TypeBehavior, Data: map[string]any{}},
	}, map[string]any{"env": "prod"})

	if result.Stats.Filtered != 1 || len(result.Filtered) != 1 || result.Filtered[0] != "drop" {
		t.Fatalf("unexpected filter result: %+v %v", result.Stats, result.Filtered)
	}
	if len(result.Events) != 1 || result.Events[0].ID != "keep" {
		t.Fatalf("unexpected events: %#v", result.Events)
	}
	kept := result.Events[0]
	if _, ok := kept.Data["touched"]; ok {
		t.Fatalf("failing transform output must be discarded")
	}
	if kept.Data["env"] != "prod" {
		t.Fatalf("transform after failures must still run: %#v", kept.Data)
	}
}

func TestProcessor_TransformsCannotAlterBatchContext(t *testing.T) {
	var seen []any
	mutating := TransformFunc(func(ev event.Event, batchCtx map[string]any) (event.Event, bool, error) {
		seen = append(seen, batchCtx["env"])
		batchCtx["env"] = "tampered"
		batchCtx["app"].(map[string]any)["id"] = "tampered"
		delete(batchCtx, "session")
		return ev, true, nil
	})

	batchCtx := map[string]any{
		"env":     "prod",
		"app":     map[string]any{"id": "shop-web"},
		"session": map[string]any{"id": "s-1"},
	}
	processor := NewProcessor(ProcessorOptions{Transforms: []Transform{mutating}})
	result := processor.Process(context.Background(), []event.Event{
		{ID: "a", Type: event.TypeCustom, Data: map[string]any{}},
		{ID: "b", Type: event.TypeCustom, Data: map[string]any{}},
	}, batchCtx)

	if len(result.Events) != 2 {
		t.Fatalf("unexpected events: %#v", result.Events)
	}
	if len(seen) != 2 || seen[0] != "prod" || seen[1] != "prod" {
		t.Fatalf("each event must see the original context: %v", seen)
	}
	if batchCtx["env"] != "prod" || batchCtx["app"].(map[string]any)["id"] != "shop-web" || batchCtx["session"] == nil {
		t.Fatalf("batch context mutated by transform: %#v", batchCtx)
	}
}

func TestProcessor_MergesSimilarErrors(t *testing.T) {
	processor := NewProcessor(ProcessorOptions{MergeSimilar: true})
	result := processor.Process(context.Background(), []event.Event{
		errorEvent("e1", "Cannot read property 'a' of undefined", 100),
		{ID: "c1", Type: event.TypeCustom, Data: map[string]any{}},
		errorEvent("e2", "Cannot read property 'b' of undefined", 200),
		errorEvent("e3", "Network request failed with status 502", 300),
	}, nil)

	if result.Stats.Merged != 1 || result.Stats.Processed != 3 {
		t.Fatalf("unexpected stats: %+v", result.Stats)
	}
	if got := event.IDs(result.Events); len(got) != 3 || got[0] != "e1" || got[1] != "e3" || got[2] != "c1" {
		t.Fatalf("unexpected order: %v", got)
	}
	representative := result.Events[0]
	if representative.Data["occurrences"] != 2 || representative.Data["lastOccurrence"] != int64(200) {
		t.Fatalf("unexpected merge fields: %#v", representative.Data)
	}
	if members := result.Absorbed["e1"]; len(members) != 1 || members[0] != "e2" {
		t.Fatalf("unexpected absorbed: %#v", result.Absorbed)
	}
}

func TestProcessor_MergeDisabledKeepsAll(t *testing.T) {
	processor := NewProcessor(ProcessorOptions{})
	result := processor.Process(context.Background(), []event.Event{
		errorEvent("e1", "same", 1),
		errorEvent("e2", "same", 2),
	}, nil)
	if len(result.Events) != 2 || result.Stats.Merged != 0 {
		t.Fatalf("unexpected result: %+v", result.Stats)
	}
}
