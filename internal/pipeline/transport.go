package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/dmhsqBase/monitor/internal/event"
)

const (
	collectPath         = "collect"
	headerAppID         = "X-App-Id"
	headerAppToken      = "X-App-Token"
	maxErrorBodyPreview = 512
)

// Batch is the payload delivered to the collection endpoint.
type Batch struct {
	Events  []event.Event  `json:"events"`
	Context map[string]any `json:"context"`
}

// Transport delivers one batch.
// Params: ctx bounds the request; batch processed events plus batch context.
// Returns: nil only when the endpoint accepted the batch.
type Transport interface {
	Send(ctx context.Context, batch Batch) error
}

// StatusError reports a non-2xx response from the collection endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("collector responded with status %d: %s", e.StatusCode, e.Body)
}

// HTTPTransportOptions configures HTTPTransport.
// Params: endpoint base URL, app credentials, timeout, gzip switch and optional client.
// Returns: options value for NewHTTPTransport.
type HTTPTransportOptions struct {
	ServerURL string
	AppID     string
	AppToken  string
	Timeout   time.Duration
	Compress  bool
	Client    *http.Client
}

// HTTPTransport posts JSON batches to {serverUrl}collect.
type HTTPTransport struct {
	endpoint string
	appID    string
	appToken string
	timeout  time.Duration
	compress bool
	client   *http.Client
}

// NewHTTPTransport builds an HTTP transport.
// Params: opts transport options; ServerURL is expected to end with '/'.
// Returns: transport or error for an empty server URL.
func NewHTTPTransport(opts HTTPTransportOptions) (*HTTPTransport, error) {
	base := strings.TrimSpace(opts.ServerURL)
	if base == "" {
		return nil, fmt.Errorf("server url is empty")
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		endpoint: base + collectPath,
		appID:    opts.AppID,
		appToken: opts.AppToken,
		timeout:  opts.Timeout,
		compress: opts.Compress,
		client:   client,
	}, nil
}

// Send posts one batch.
// Params: ctx request context; batch payload.
// Returns: nil on 2xx, *StatusError on other statuses, or encode/transport error.
func (t *HTTPTransport) Send(ctx context.Context, batch Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if t.compress {
		body, err = gzipBytes(body)
		if err != nil {
			return err
		}
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAppID, t.appID)
	if t.appToken != "" {
		req.Header.Set(headerAppToken, t.appToken)
	}
	if t.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", t.endpoint, err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyPreview))
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(preview))}
	}
	return nil
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(raw); err != nil {
		return nil, fmt.Errorf("gzip batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip batch: %w", err)
	}
	return buf.Bytes(), nil
}
