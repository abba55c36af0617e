package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmhsqBase/monitor/internal/config"
	"github.com/dmhsqBase/monitor/internal/dedup"
	"github.com/dmhsqBase/monitor/internal/enrich"
	"github.com/dmhsqBase/monitor/internal/queue"
	"github.com/dmhsqBase/monitor/internal/storage"
)

// Agent owns one monitor plus its optional ingest endpoint.
// Params: built by NewFromConfig.
// Returns: runnable pipeline runtime.
type Agent struct {
	monitor *Monitor
	ingest  *httpIngestServer
	logger  *slog.Logger
}

// NewFromConfig wires dedup, queue, enrichment, transport and monitor from config on top of store.
// Params: ctx used for device detection; cfg validated config; store durable state (nil opens cfg.Storage); logger root logger; reg metrics registry (nil disables metrics registration).
// Returns: agent ready to Run or wiring error.
func NewFromConfig(ctx context.Context, cfg *config.Config, store storage.Store, logger *slog.Logger, reg prometheus.Registerer) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if store == nil {
		store = OpenStore(cfg.Storage, logger)
	}

	hashes := dedup.New(dedup.Options{Store: store, Logger: logger.With(slog.String("component", "dedup"))})
	eventQueue := queue.New(queue.Options{
		MaxCache:    cfg.Monitor.MaxCache,
		Dedup:       hashes,
		DedupWindow: cfg.Processor.DeduplicateWindow.Duration,
		DedupEnable: cfg.Processor.DedupEnabled(),
		Store:       store,
		Logger:      logger.With(slog.String("component", "queue")),
	})

	resolver, err := enrich.NewResolver(enrich.Options{
		IPProviders:   ipProviders(cfg.Processor),
		GeoProviders:  geoProviders(cfg.Processor),
		Timeout:       cfg.Processor.ResolveTimeout.Duration,
		DiscoverLocal: cfg.Processor.DiscoverLocalEnabled(),
		Store:         store,
		Logger:        logger.With(slog.String("component", "enrich")),
	})
	if err != nil {
		return nil, fmt.Errorf("init enrichment: %w", err)
	}

	transforms, err := BuildTransforms(cfg.Processor.Transforms, nil)
	if err != nil {
		return nil, err
	}

	device := DetectDevice(ctx, DeviceOptions{
		UserAgent:  cfg.Monitor.UserAgent,
		Language:   cfg.Monitor.Language,
		ScreenSize: cfg.Monitor.ScreenSize,
	})

	processor := NewProcessor(ProcessorOptions{
		Transforms:          transforms,
		Enricher:            resolver,
		CollectUserIP:       cfg.Processor.UserIPEnabled(),
		CollectGeo:          cfg.Processor.CollectGeoInfo,
		Browser:             device.BrowserInfo(),
		MergeSimilar:        cfg.Processor.MergeEnabled(),
		SimilarityThreshold: cfg.Processor.SimilarityThreshold,
		Logger:              logger,
	})

	transport, err := newTransport(cfg.Monitor)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(reg, eventQueue.Len)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	monitor, err := NewMonitor(MonitorOptions{
		AppID:             cfg.Monitor.AppID,
		ReportInterval:    cfg.Monitor.ReportInterval.Duration,
		HashSweepInterval: cfg.Processor.HashSweepInterval.Duration,
		DedupWindow:       cfg.Processor.DeduplicateWindow.Duration,
		Queue:             eventQueue,
		Hashes:            hashes,
		Processor:         processor,
		Transport:         transport,
		Store:             store,
		Device:            device,
		StaticContext:     cfg.Monitor.Context,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	agent := &Agent{monitor: monitor, logger: logger}
	if cfg.Ingest.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Ingest.Path, NewIngestHandler(monitor, cfg.Ingest.MaxBody, logger.With(slog.String("component", "ingest"))))
		agent.ingest, err = newHTTPIngestServer(cfg.Ingest.Listen, mux, logger)
		if err != nil {
			_ = monitor.Close()
			return nil, err
		}
	}
	return agent, nil
}

// Monitor returns the wrapped monitor.
func (a *Agent) Monitor() *Monitor {
	return a.monitor
}

// Run starts the monitor and ingest endpoint and blocks until ctx is canceled.
// Params: ctx lifecycle context.
// Returns: ingest server failure or nil on graceful stop.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.monitor.Start(ctx); err != nil {
		if a.ingest != nil {
			a.ingest.close()
		}
		return err
	}

	var (
		wg        sync.WaitGroup
		ingestErr error
	)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.ingest != nil {
		a.logger.Info("ingest endpoint listening", slog.String("listen", a.ingest.addr()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.ingest.run(runCtx); err != nil {
				ingestErr = err
				cancel()
			}
		}()
	}

	<-runCtx.Done()
	wg.Wait()
	if err := a.monitor.Close(); err != nil {
		a.logger.Warn("monitor close failed", slog.String("error", err.Error()))
	}
	if ingestErr != nil {
		return fmt.Errorf("ingest server: %w", ingestErr)
	}
	return nil
}

// OpenStore opens the durable state store selected by cfg.
// Params: cfg storage settings; logger receives the fallback warning.
// Returns: file store, or a memory store when memory is requested or the dir is unusable.
func OpenStore(cfg config.StorageConfig, logger *slog.Logger) storage.Store {
	if cfg.Memory || cfg.Dir == "" {
		return storage.NewMemoryStore()
	}
	store, err := storage.OpenFileStore(cfg.Dir)
	if err != nil {
		logger.Warn("state dir unusable, keeping state in memory",
			slog.String("dir", cfg.Dir),
			slog.String("error", err.Error()),
		)
		return storage.NewMemoryStore()
	}
	return store
}

func newTransport(cfg config.MonitorConfig) (Transport, error) {
	switch cfg.Transport {
	case config.TransportGRPC:
		return NewGRPCTransport(cfg.GRPCAddr, cfg.AppID, cfg.AppToken, cfg.Timeout.Duration)
	default:
		return NewHTTPTransport(HTTPTransportOptions{
			ServerURL: cfg.ServerURL,
			AppID:     cfg.AppID,
			AppToken:  cfg.AppToken,
			Timeout:   cfg.Timeout.Duration,
			Compress:  cfg.Compress,
		})
	}
}

func ipProviders(cfg config.ProcessorConfig) []string {
	if len(cfg.IPProviders) == 0 {
		return enrich.DefaultIPProviders
	}
	return cfg.IPProviders
}

func geoProviders(cfg config.ProcessorConfig) []enrich.GeoProvider {
	if len(cfg.GeoProviders) == 0 {
		return enrich.DefaultGeoProviders
	}
	out := make([]enrich.GeoProvider, 0, len(cfg.GeoProviders))
	for _, provider := range cfg.GeoProviders {
		out = append(out, enrich.GeoProvider{Kind: provider.Kind, URL: provider.URL})
	}
	return out
}
