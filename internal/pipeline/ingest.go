package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dmhsqBase/monitor/internal/event"
	"github.com/dmhsqBase/monitor/internal/queue"
)

// Reporter accepts one draft; Monitor implements it.
type Reporter interface {
	Report(draft event.Draft) (event.Event, queue.Status, error)
}

type ingestResponse struct {
	Queued     int    `json:"queued"`
	Duplicates int    `json:"duplicates"`
	Error      string `json:"error,omitempty"`
}

// NewIngestHandler builds the local report endpoint.
// Params: reporter target; maxBody request size limit; logger for diagnostics.
// Returns: handler accepting one JSON draft or an array of drafts via POST.
func NewIngestHandler(reporter Reporter, maxBody int64, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		body := io.Reader(r.Body)
		if maxBody > 0 {
			body = http.MaxBytesReader(w, r.Body, maxBody)
		}
		drafts, err := decodeDrafts(body)
		if err != nil {
			logger.Warn("ingest decode failed", slog.String("error", err.Error()))
			code := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				code = http.StatusRequestEntityTooLarge
			}
			writeIngestResponse(w, code, ingestResponse{Error: err.Error()})
			return
		}

		var response ingestResponse
		for idx, draft := range drafts {
			_, status, reportErr := reporter.Report(draft)
			if reportErr != nil {
				response.Error = fmt.Sprintf("draft[%d]: %s", idx, reportErr.Error())
				code := http.StatusBadRequest
				if errors.Is(reportErr, ErrClosed) {
					code = http.StatusServiceUnavailable
				}
				writeIngestResponse(w, code, response)
				return
			}
			if status == queue.StatusDuplicate {
				response.Duplicates++
				continue
			}
			response.Queued++
		}
		writeIngestResponse(w, http.StatusAccepted, response)
	}
}

// decodeDrafts accepts either one JSON object or an array of objects.
func decodeDrafts(body io.Reader) ([]event.Draft, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	if trimmed[0] == '[' {
		var drafts []event.Draft
		if err := json.Unmarshal(trimmed, &drafts); err != nil {
			return nil, fmt.Errorf("decode drafts: %w", err)
		}
		if len(drafts) == 0 {
			return nil, fmt.Errorf("empty draft list")
		}
		return drafts, nil
	}

	var draft event.Draft
	if err := json.Unmarshal(trimmed, &draft); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	return []event.Draft{draft}, nil
}

func writeIngestResponse(w http.ResponseWriter, code int, response ingestResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response)
}

// httpIngestServer runs an HTTP server tied to a lifecycle context.
// Params: listen address, handler, and logger for diagnostics.
// Returns: runnable HTTP server instance.
type httpIngestServer struct {
	listen string
	ln     net.Listener
	server *http.Server
	logger *slog.Logger
}

// newHTTPIngestServer creates an HTTP server and binds to the listen address.
// Params: listen address in host:port; handler HTTP handler; logger root logger.
// Returns: server instance or bind error.
func newHTTPIngestServer(listen string, handler http.Handler, logger *slog.Logger) (*httpIngestServer, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", listen, err)
	}

	return &httpIngestServer{
		listen: listen,
		ln:     ln,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}, nil
}

// addr returns the bound listener address.
func (s *httpIngestServer) addr() string {
	return s.ln.Addr().String()
}

// run starts serving and shuts down on context cancellation.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop; error on early serve failures.
func (s *httpIngestServer) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		err := <-errCh
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("http ingest server stopped unexpectedly", slog.String("listen", s.listen), slog.String("error", err.Error()))
		return err
	}
}

// close releases the listener of a server that never ran.
func (s *httpIngestServer) close() {
	_ = s.ln.Close()
}
