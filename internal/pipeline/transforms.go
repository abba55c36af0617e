package pipeline

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/dmhsqBase/monitor/internal/config"
	"github.com/dmhsqBase/monitor/internal/event"
	"github.com/dmhsqBase/monitor/internal/match"
)

// RedactedValue replaces sensitive values.
const RedactedValue = "***FILTERED***"

// DefaultSensitiveKeys are matched case-insensitively as substrings of data keys.
var DefaultSensitiveKeys = []string{
	"password", "pwd", "secret", "token", "auth", "key", "apikey", "api_key",
	"credentials", "credit", "card", "cvv", "ssn", "social", "passport",
}

// BuildTransforms creates built-in transforms from config sections.
// Params: cfgs transform sections in order; random source for sampling (nil uses math/rand).
// Returns: transforms in config order or the first build error.
func BuildTransforms(cfgs []config.TransformConfig, random func() float64) ([]Transform, error) {
	out := make([]Transform, 0, len(cfgs))
	for idx, cfg := range cfgs {
		var (
			transform Transform
			err       error
		)
		switch cfg.Kind {
		case config.TransformIgnoreErrors:
			transform, err = NewIgnoreErrors(cfg.Patterns)
		case config.TransformRedact:
			transform = NewRedact(cfg.Keys)
		case config.TransformSample:
			rate := 1.0
			if cfg.Rate != nil {
				rate = *cfg.Rate
			}
			transform = NewSample(rate, cfg.Types, random)
		default:
			err = fmt.Errorf("unsupported kind %q", cfg.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("build transform[%d]: %w", idx, err)
		}
		out = append(out, transform)
	}
	return out, nil
}

// IgnoreErrors drops error events whose message matches a pattern.
type IgnoreErrors struct {
	patterns match.PatternSet
}

// NewIgnoreErrors compiles message patterns.
// Params: patterns substring, '*' wildcard or "re:" regexp entries.
// Returns: transform or pattern compile error.
func NewIgnoreErrors(patterns []string) (*IgnoreErrors, error) {
	set, err := match.CompilePatterns(patterns)
	if err != nil {
		return nil, err
	}
	return &IgnoreErrors{patterns: set}, nil
}

func (t *IgnoreErrors) Apply(ev event.Event, _ map[string]any) (event.Event, bool, error) {
	if ev.Type != event.TypeError {
		return ev, true, nil
	}
	return ev, !t.patterns.MatchAny(ev.String("message")), nil
}

// Redact replaces values of sensitive keys anywhere inside event data.
type Redact struct {
	keys []string
}

// NewRedact builds a redaction transform.
// Params: keys extra sensitive key fragments; DefaultSensitiveKeys are always included.
// Returns: transform.
func NewRedact(keys []string) *Redact {
	merged := make([]string, 0, len(DefaultSensitiveKeys)+len(keys))
	for _, key := range append(append([]string{}, DefaultSensitiveKeys...), keys...) {
		if normalized := strings.ToLower(strings.TrimSpace(key)); normalized != "" {
			merged = append(merged, normalized)
		}
	}
	return &Redact{keys: merged}
}

func (t *Redact) Apply(ev event.Event, _ map[string]any) (event.Event, bool, error) {
	ev.Data = t.redactMap(ev.Data)
	return ev, true, nil
}

func (t *Redact) redactMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	for key, value := range in {
		if t.sensitive(key) {
			in[key] = RedactedValue
			continue
		}
		in[key] = t.redactValue(value)
	}
	return in
}

func (t *Redact) redactValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return t.redactMap(typed)
	case []any:
		for idx := range typed {
			typed[idx] = t.redactValue(typed[idx])
		}
		return typed
	default:
		return value
	}
}

func (t *Redact) sensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range t.keys {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// Sample keeps events of selected types with a fixed probability.
type Sample struct {
	rate  float64
	types map[event.Type]struct{}

	mu     sync.Mutex
	random func() float64
}

// NewSample builds a sampling transform.
// Params: rate keep probability 0..1; types restricts sampling (empty = all types); random source in [0,1).
// Returns: transform.
func NewSample(rate float64, types []string, random func() float64) *Sample {
	selected := make(map[event.Type]struct{}, len(types))
	for _, value := range types {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			selected[event.Type(trimmed)] = struct{}{}
		}
	}
	if random == nil {
		random = rand.Float64
	}
	return &Sample{rate: rate, types: selected, random: random}
}

func (t *Sample) Apply(ev event.Event, _ map[string]any) (event.Event, bool, error) {
	if len(t.types) > 0 {
		if _, ok := t.types[ev.Type]; !ok {
			return ev, true, nil
		}
	}
	t.mu.Lock()
	roll := t.random()
	t.mu.Unlock()
	return ev, roll < t.rate, nil
}
