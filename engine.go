package hourtail

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Engine tails every file of one hourly bucket at a time and rotates the
// whole set to the next hour once all of them are exhausted.
//
// The session registry is only replaced when a bucket is loaded, never while
// a cycle is reading or framing. Run and Shutdown must not be called
// concurrently.
type Engine struct {
	cfg      Config
	fs       afero.Fs
	clock    Clock
	logger   *slog.Logger
	metrics  *Metrics
	sink     Sink
	resolver *Resolver

	bucket   time.Time
	sessions []*Session
	// pendingSince is when the next bucket was first found not ready.
	pendingSince time.Time
	shutdown     bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithFs replaces the OS filesystem.
func WithFs(fs afero.Fs) Option { return func(e *Engine) { e.fs = fs } }

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics enables instrumentation.
func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// Build validates cfg and opens every file of the starting bucket, which
// must already be complete. Offsets from cfg apply to this bucket only.
func Build(cfg Config, sink Sink, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if sink == nil {
		return nil, errors.New("a sink is required")
	}
	if cfg.MaxBufferSize < cfg.BufferSize {
		cfg.MaxBufferSize = cfg.BufferSize
	}
	loc, _ := cfg.location()
	start, _ := cfg.startHour()

	e := &Engine{
		cfg:    cfg,
		fs:     afero.NewOsFs(),
		clock:  SystemClock{},
		logger: slog.Default(),
		sink:   sink,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resolver = NewResolver(e.fs, cfg.BasePath, cfg.Suffix, loc)

	if err := e.resolver.Check(start, cfg.ExpectedFiles); err != nil {
		return nil, errors.Wrap(err, "loading start bucket")
	}
	sessions, err := e.open(start, cfg.StartOffsets())
	if err != nil {
		return nil, err
	}
	e.bucket = start
	e.sessions = sessions
	e.metrics.bucketLoaded(start)
	return e, nil
}

// Bucket returns the start of the hour being tailed.
func (e *Engine) Bucket() time.Time { return e.bucket }

// Sessions returns the sessions of the active bucket in file order.
func (e *Engine) Sessions() []*Session { return e.sessions }

// open creates one session per file of the bucket. On error every session
// opened so far is closed again.
func (e *Engine) open(hour time.Time, offsets map[string]int64) ([]*Session, error) {
	dir := e.resolver.Dir(hour)
	paths, err := e.resolver.Files(hour)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool, len(offsets))
	sessions := make([]*Session, 0, len(paths))
	for _, path := range paths {
		name, err := filepath.Rel(dir, path)
		if err != nil {
			name = filepath.Base(path)
		}
		offset, ok := offsets[name]
		used[name] = ok
		s, err := openSession(e.fs, name, path, offset, e.cfg.BufferSize, e.cfg.MaxBufferSize)
		if err != nil {
			for _, opened := range sessions {
				_ = opened.close()
			}
			return nil, err
		}
		sessions = append(sessions, s)
		e.logger.Info("Opened file", slog.String("path", path), slog.Int64("offset", offset))
	}
	for name := range offsets {
		if !used[name] {
			e.logger.Warn("Starting offset does not match any file", slog.String("name", name), slog.String("dir", dir))
		}
	}
	e.logger.Info("Loaded bucket", slog.String("dir", dir), slog.Int("files", len(sessions)))
	return sessions, nil
}

// Run tails until a fatal error or until ctx is done, in which case it
// returns ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	if e.shutdown {
		return errors.New("engine is shut down")
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressed, err := e.cycle(ctx)
		if err != nil {
			return err
		}
		if e.quiescent() {
			rotated, err := e.rotate()
			if err != nil {
				return err
			}
			if rotated {
				continue
			}
		} else if progressed {
			continue
		}
		if err := sleep(ctx, e.clock, e.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// cycle reads every session concurrently, waits for all reads, then frames
// the new bytes in file order. It reports whether any file had new data.
func (e *Engine) cycle(ctx context.Context) (bool, error) {
	sessions := e.sessions
	counts := make([]int, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sessions {
		g.Go(func() error {
			n, err := e.read(gctx, s)
			counts[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	elapsed := e.hourElapsed()
	progressed := false
	for i, s := range sessions {
		if counts[i] > 0 {
			progressed = true
			if s.state == stateAwaitingRotation {
				// a late write reopens the file for this hour
				s.state = stateReading
				e.logger.Debug("File grew after end of bucket", slog.String("path", s.path), slog.Int64("offset", s.offset))
			}
			e.metrics.consumed(s.frame(counts[i], e.cfg.KeepBlankLines, e.forward))
			continue
		}
		if elapsed && s.state == stateReading {
			s.state = stateAwaitingRotation
			e.logger.Debug("File reached end of bucket", slog.String("path", s.path), slog.Int64("offset", s.offset))
		}
	}
	return progressed, nil
}

func (e *Engine) forward(line []byte) {
	e.sink.Send(e.cfg.Destination, line)
	e.metrics.lineForwarded()
}

// read retries failed reads with jittered exponential backoff before giving
// up on the whole run.
func (e *Engine) read(ctx context.Context, s *Session) (int, error) {
	b := &backoff.Backoff{
		Min:    e.cfg.PollInterval / 4,
		Max:    4 * e.cfg.PollInterval,
		Factor: 2,
		Jitter: true,
	}
	for {
		n, err := s.read()
		if err == nil {
			return n, nil
		}
		if errors.Is(err, ErrLineTooLong) {
			return 0, err
		}
		if int(b.Attempt()) >= e.cfg.ReadRetries {
			return 0, &ReadError{Path: s.path, Offset: s.readPos(), Err: err}
		}
		d := b.Duration()
		e.logger.Warn("Read failed, retrying",
			slog.String("path", s.path),
			slog.Int64("offset", s.readPos()),
			slog.Duration("backoff", d),
			slog.Any("error", err))
		e.metrics.readRetried()
		if err := sleep(ctx, e.clock, d); err != nil {
			return 0, err
		}
	}
}

// hourElapsed reports whether the wall clock has moved past the bucket hour.
func (e *Engine) hourElapsed() bool {
	return !e.clock.Now().Before(e.bucket.Add(time.Hour))
}

func (e *Engine) quiescent() bool {
	for _, s := range e.sessions {
		if s.state != stateAwaitingRotation {
			return false
		}
	}
	return len(e.sessions) > 0
}

// rotate moves to the next bucket if it is complete. A bucket that stays
// incomplete for longer than the rotation grace is fatal.
func (e *Engine) rotate() (bool, error) {
	next := e.bucket.Add(time.Hour)
	if dir := e.resolver.Dir(next); dir == e.resolver.Dir(e.bucket) {
		// The hour repeats when daylight saving time ends and both share one
		// directory, so the open sessions go on from where they are.
		e.logger.Info("Hour repeats, keeping files open", slog.String("dir", dir), slog.Time("to", next))
		for _, s := range e.sessions {
			s.state = stateReading
		}
		e.bucket = next
		e.pendingSince = time.Time{}
		e.metrics.bucketLoaded(next)
		return true, nil
	}
	if err := e.resolver.Check(next, e.cfg.ExpectedFiles); err != nil {
		now := e.clock.Now()
		if e.pendingSince.IsZero() {
			e.pendingSince = now
		}
		if now.Sub(e.pendingSince) >= e.cfg.RotationGrace {
			e.logger.Error("Next bucket never became ready", slog.String("dir", e.resolver.Dir(next)), slog.Any("error", err))
			return false, &RotationError{Bucket: next, Dir: e.resolver.Dir(next), Err: err}
		}
		e.logger.Info("Next bucket not ready", slog.String("dir", e.resolver.Dir(next)), slog.Any("error", err))
		return false, nil
	}

	sessions, err := e.open(next, nil)
	if err != nil {
		return false, &RotationError{Bucket: next, Dir: e.resolver.Dir(next), Err: err}
	}
	for _, s := range e.sessions {
		if s.carry > 0 {
			e.logger.Warn("Dropping unterminated line",
				slog.String("path", s.path),
				slog.Int64("offset", s.offset),
				slog.Int("carry", s.carry))
		}
	}
	if err := closeAll(e.sessions); err != nil {
		e.logger.Warn("Failed to close previous bucket", slog.Any("error", err))
	}
	e.logger.Info("Rotated bucket",
		slog.Time("from", e.bucket),
		slog.Time("to", next))
	e.bucket = next
	e.sessions = sessions
	e.pendingSince = time.Time{}
	e.metrics.rotated(next)
	return true, nil
}

// Shutdown closes every open file and the sink. Calling it again is a no-op.
func (e *Engine) Shutdown() error {
	if e.shutdown {
		return nil
	}
	e.shutdown = true
	var result *multierror.Error
	if err := closeAll(e.sessions); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.sink.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "closing sink"))
	}
	return result.ErrorOrNil()
}

func closeAll(sessions []*Session) error {
	var result *multierror.Error
	for _, s := range sessions {
		if err := s.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
