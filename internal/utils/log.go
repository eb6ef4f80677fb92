package utils

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// MultiLogHandler fans a record out to several handlers
type MultiLogHandler struct {
	handlers []slog.Handler
}

func NewMultiLogHandler(handlers ...slog.Handler) *MultiLogHandler {
	return &MultiLogHandler{handlers: handlers}
}

func (h *MultiLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *MultiLogHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *MultiLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(handler slog.Handler) slog.Handler { return handler.WithAttrs(attrs) })
}

func (h *MultiLogHandler) WithGroup(name string) slog.Handler {
	return h.derive(func(handler slog.Handler) slog.Handler { return handler.WithGroup(name) })
}

func (h *MultiLogHandler) derive(fn func(slog.Handler) slog.Handler) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = fn(handler)
	}
	return NewMultiLogHandler(handlers...)
}

// LineStamper prefixes every complete line written through it with a
// sequence number and a timestamp. A trailing partial line is held until the
// next newline or Close.
type LineStamper struct {
	target io.Writer
	seq    uint64
	buf    bytes.Buffer
	now    func() time.Time
	mu     sync.Mutex
}

func NewLineStamper(target io.Writer) *LineStamper {
	return &LineStamper{target: target, now: time.Now}
}

func (s *LineStamper) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Write(p)
	for {
		idx := bytes.IndexByte(s.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := s.buf.Next(idx + 1)
		if err := s.writeLine(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Close flushes a pending partial line
func (s *LineStamper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf.Len() == 0 {
		return nil
	}
	line := append(s.buf.Bytes(), '\n')
	s.buf.Reset()
	return s.writeLine(line)
}

func (s *LineStamper) writeLine(line []byte) error {
	s.seq++
	prefix := make([]byte, 0, 64)
	prefix = append(prefix, "seq="...)
	prefix = strconv.AppendUint(prefix, s.seq, 10)
	prefix = append(prefix, " time="...)
	prefix = s.now().AppendFormat(prefix, time.RFC3339)
	prefix = append(prefix, ' ')

	if _, err := s.target.Write(prefix); err != nil {
		return err
	}
	_, err := s.target.Write(line)
	return err
}
