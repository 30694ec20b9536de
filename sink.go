package hourtail

import (
	"io"
	"log/slog"
	"sync"
)

// Sink receives framed lines. Send is fire and forget: it must not block on
// delivery and reports no error, so a failed delivery is lost (at most once).
// line is only valid for the duration of the call; implementations that keep
// it must copy it.
type Sink interface {
	Send(destination string, line []byte)
	Close() error
}

// LineWriterSink writes each line followed by '\n' to an io.Writer. The
// destination is ignored.
type LineWriterSink struct {
	mu      sync.Mutex
	w       io.Writer
	logger  *slog.Logger
	metrics *Metrics
}

// NewLineWriterSink returns a sink writing to w. logger and metrics may be nil.
func NewLineWriterSink(w io.Writer, logger *slog.Logger, metrics *Metrics) *LineWriterSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineWriterSink{w: w, logger: logger, metrics: metrics}
}

func (s *LineWriterSink) Send(_ string, line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(line[:len(line):len(line)], '\n')); err != nil {
		s.logger.Error("Failed to write line", slog.Any("error", err))
		s.metrics.sinkFailed("writer", 1)
	}
}

// Close closes the underlying writer if it is an io.Closer.
func (s *LineWriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
