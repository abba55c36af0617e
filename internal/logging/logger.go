package logging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dmhsqBase/monitor/internal/config"
)

const (
	ansiReset   = "\x1b[0m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
	ansiGray    = "\x1b[90m"
)

// New builds the process logger from console and file sinks.
// Params: cfg logging section with per-sink level and format.
// Returns: logger, close function for opened files, or setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	handlers := make([]slog.Handler, 0, 2)
	closers := make([]io.Closer, 0, 1)

	if cfg.Console.Enabled {
		handler, err := newSinkHandler(os.Stderr, cfg.Console, true)
		if err != nil {
			return nil, nil, fmt.Errorf("log.console: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("log.file: create dir: %w", err)
		}
		file, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("log.file: open %q: %w", cfg.File.Path, err)
		}
		handler, err := newSinkHandler(file, cfg.File, false)
		if err != nil {
			_ = file.Close()
			return nil, nil, fmt.Errorf("log.file: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, file)
	}

	closeFn := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, nil)), closeFn, nil
	case 1:
		return slog.New(handlers[0]), closeFn, nil
	default:
		return slog.New(fanoutHandler(handlers)), closeFn, nil
	}
}

// newSinkHandler creates one slog handler for a sink.
// Params: dst output; sink level/format; colorize enables ANSI highlighting for line format.
// Returns: handler or unsupported-setting error.
func newSinkHandler(dst io.Writer, sink config.LogSinkConfig, colorize bool) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "json":
		return slog.NewJSONHandler(dst, opts), nil
	case "line", "":
		if colorize {
			dst = &colorLineWriter{dst: dst}
		}
		return slog.NewTextHandler(dst, opts), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", sink.Format)
	}
}

func parseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error", "panic":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
	}
}

// fanoutHandler duplicates records to every sink that accepts the level.
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(h))
	for idx, handler := range h {
		out[idx] = handler.WithAttrs(attrs)
	}
	return out
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(h))
	for idx, handler := range h {
		out[idx] = handler.WithGroup(name)
	}
	return out
}

// colorLineWriter highlights slog text lines for terminals.
// Params: dst underlying writer.
// Returns: writer coloring by level with quoted strings, IPs and numbers highlighted.
type colorLineWriter struct {
	dst io.Writer
}

func (w *colorLineWriter) Write(p []byte) (int, error) {
	line := string(p)
	base := levelColor(line)
	if base == "" {
		if _, err := w.dst.Write(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	body := strings.TrimRight(line, "\n")
	newline := line[len(body):]

	var out bytes.Buffer
	out.Grow(len(p) + 64)
	out.WriteString(base)
	writeTokens(&out, body, base)
	out.WriteString(ansiReset)
	out.WriteString(newline)

	if _, err := w.dst.Write(out.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

func levelColor(line string) string {
	idx := strings.Index(line, "level=")
	if idx < 0 {
		return ""
	}
	rest := line[idx+len("level="):]
	if end := strings.IndexByte(rest, ' '); end >= 0 {
		rest = rest[:end]
	}
	switch {
	case strings.HasPrefix(rest, "DEBUG"):
		return ansiGray
	case strings.HasPrefix(rest, "INFO"):
		return ansiBlue
	case strings.HasPrefix(rest, "WARN"):
		return ansiMagenta
	case strings.HasPrefix(rest, "ERROR"):
		return ansiRed
	default:
		return ""
	}
}

// writeTokens copies body, wrapping quoted strings, IPs and numbers in token colors.
func writeTokens(out *bytes.Buffer, body string, base string) {
	for idx := 0; idx < len(body); {
		ch := body[idx]
		switch {
		case ch == '"':
			end := closingQuote(body, idx)
			writeColored(out, body[idx:end], ansiGreen, base)
			idx = end
		case ch == ' ' || ch == '=':
			out.WriteByte(ch)
			idx++
		default:
			end := idx
			for end < len(body) && body[end] != ' ' && body[end] != '=' && body[end] != '"' {
				end++
			}
			word := body[idx:end]
			switch {
			case net.ParseIP(word) != nil:
				writeColored(out, word, ansiCyan, base)
			case isNumber(word):
				writeColored(out, word, ansiYellow, base)
			default:
				out.WriteString(word)
			}
			idx = end
		}
	}
}

func closingQuote(body string, start int) int {
	for idx := start + 1; idx < len(body); idx++ {
		switch body[idx] {
		case '\\':
			idx++
		case '"':
			return idx + 1
		}
	}
	return len(body)
}

func writeColored(out *bytes.Buffer, token string, color string, base string) {
	out.WriteString(color)
	out.WriteString(token)
	out.WriteString(ansiReset)
	out.WriteString(base)
}

func isNumber(word string) bool {
	if word == "" || (word[0] != '-' && (word[0] < '0' || word[0] > '9')) {
		return false
	}
	_, err := strconv.ParseFloat(word, 64)
	return err == nil
}
