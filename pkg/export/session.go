// Package export implements the raw file export pipeline: an event-driven
// state machine that copies a regular file to a caller-supplied descriptor,
// optionally compressing the stream, without ever blocking the reactor.
//
// Each reactor wake-up performs one unit of work through the first
// applicable copy strategy:
//
//  1. reflink: clone the whole source extent into the destination (only for
//     uncompressed exports to reflink-capable destinations; completes the
//     export in a single step)
//  2. sendfile: move one 16KiB chunk kernel-side, no user-space staging
//  3. buffered: read a chunk, run it through the compressor into the
//     staging queue, write as much of the queue head as the destination
//     accepts
//
// Reflink and sendfile are tried at most once per session; a failure latches
// the session onto the next strategy within the same wake-up. Linux only.
package export

import (
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/marmos91/rawexport/internal/logger"
	"github.com/marmos91/rawexport/pkg/bufpool"
	"github.com/marmos91/rawexport/pkg/compress"
	"github.com/marmos91/rawexport/pkg/fsutil"
	"github.com/marmos91/rawexport/pkg/metrics"
	"github.com/marmos91/rawexport/pkg/notify"
	"github.com/marmos91/rawexport/pkg/reactor"
)

// CopyBufferSize is the per-step copy unit. One chunk per reactor wake-up
// keeps the loop responsive when many sessions share it.
const CopyBufferSize = 16 << 10

var (
	// ErrBusy is returned by Start when the session already has a
	// destination bound. Sessions are one-shot.
	ErrBusy = errors.New("export session already started")

	// ErrNotRegularFile is returned by Start when the source path does not
	// name a plain file. Exporting directories or devices is unsupported.
	ErrNotRegularFile = errors.New("source is not a regular file")
)

// CompletionFunc receives the final result of a session exactly once. The
// callback owns subsequent lifetime decisions, including calling Close.
type CompletionFunc func(s *Session, result error)

// phase is the active copy strategy. Transitions are one-way: a failed fast
// strategy is never retried.
type phase int

const (
	phaseReflink phase = iota
	phaseSendfile
	phaseBuffered
	phaseDone
)

// Config configures an export session.
type Config struct {
	// Reactor drives the session. Required; sessions never fall back to
	// process-wide state, so independent sessions can run under independent
	// loops in tests.
	Reactor *reactor.Reactor

	// OnFinished receives the final result. When nil, the session instead
	// stops the reactor with the result code as its exit status.
	OnFinished CompletionFunc

	// Notifier receives progress notifications. Defaults to the
	// NOTIFY_SOCKET-based notifier from the environment.
	Notifier notify.Notifier

	// Metrics records session activity. Optional.
	Metrics metrics.ExportMetrics

	// PreserveTimes propagates source timestamps onto the destination after
	// a successful export (best-effort).
	PreserveTimes bool

	// PreserveXattr propagates user xattrs onto the destination after a
	// successful export (best-effort).
	PreserveXattr bool

	// ChunkSize is the per-step copy unit in bytes. Zero means
	// CopyBufferSize.
	ChunkSize int
}

// DefaultConfig returns a session configuration bound to the given reactor
// with metadata propagation enabled.
func DefaultConfig(r *reactor.Reactor) Config {
	return Config{
		Reactor:       r,
		PreserveTimes: true,
		PreserveXattr: true,
	}
}

// Session is one in-flight export. All state is confined to the reactor's
// goroutine; a session must not be shared across goroutines.
type Session struct {
	id         string
	reactor    *reactor.Reactor
	onFinished CompletionFunc
	notifier   notify.Notifier
	metrics    metrics.ExportMetrics

	preserveTimes bool
	preserveXattr bool

	path  string
	srcFd int // owned; possibly a reflink snapshot of path
	dstFd int // borrowed; never closed by the session
	size  int64

	stream  *compress.Stream
	staging byteQueue

	writtenCompressed   uint64
	writtenUncompressed uint64

	lastPercent int // -1 until the first report
	limiter     *rateLimit

	chunkSize int

	phase   phase
	eof     bool
	done    bool
	source  *reactor.Source
	started time.Time
}

// New creates an unbound session. Call Start to begin an export.
func New(cfg Config) (*Session, error) {
	if cfg.Reactor == nil {
		return nil, errors.New("export session requires a reactor")
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.FromEnv()
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = CopyBufferSize
	}

	return &Session{
		id:            uuid.NewString(),
		reactor:       cfg.Reactor,
		onFinished:    cfg.OnFinished,
		notifier:      notifier,
		metrics:       cfg.Metrics,
		preserveTimes: cfg.PreserveTimes,
		preserveXattr: cfg.PreserveXattr,
		chunkSize:     chunkSize,
		srcFd:         -1,
		dstFd:         -1,
		lastPercent:   -1,
		limiter:       newRateLimit(100*time.Millisecond, 1),
	}, nil
}

// ID returns the session identifier used in logs and notifications.
func (s *Session) ID() string {
	return s.id
}

// Path returns the source path bound by Start.
func (s *Session) Path() string {
	return s.path
}

// Size returns the source size recorded at Start.
func (s *Session) Size() int64 {
	return s.size
}

// WrittenUncompressed returns the source bytes consumed so far.
func (s *Session) WrittenUncompressed() uint64 {
	return s.writtenUncompressed
}

// WrittenCompressed returns the encoded bytes pushed to the destination so
// far. Equal to WrittenUncompressed for uncompressed exports.
func (s *Session) WrittenCompressed() uint64 {
	return s.writtenCompressed
}

// Start binds the session to a source path, destination descriptor, and
// compression kind, and registers it with the reactor.
//
// The destination is switched to non-blocking mode but remains owned by the
// caller. The source is opened read-only and, when the filesystem supports
// it, replaced by a reflink snapshot so concurrent writers don't race the
// export. A failed Start leaves the session unbound: it can be started
// again or closed safely.
func (s *Session) Start(path string, dstFd int, kind compress.Kind) error {
	if s.dstFd >= 0 {
		return ErrBusy
	}

	if err := fsutil.SetNonblock(dstFd, true); err != nil {
		return err
	}

	srcFd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
	if err != nil {
		return &os.PathError{Op: "open", Path: path, Err: err}
	}

	var st unix.Stat_t
	if err := unix.Fstat(srcFd, &st); err != nil {
		_ = unix.Close(srcFd)
		return os.NewSyscallError("fstat", err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		_ = unix.Close(srcFd)
		return ErrNotRegularFile
	}

	// Freeze the source if the filesystem can clone it; otherwise export
	// the live file.
	if snapFd, err := fsutil.ReflinkSnapshot(srcFd, path); err == nil {
		_ = unix.Close(srcFd)
		srcFd = snapFd
	} else {
		logger.Debug("reflink snapshot unavailable, exporting live file",
			logger.KeySessionID, s.id,
			logger.KeyPath, path,
			logger.KeyError, err.Error())
	}

	stream, err := compress.NewStream(kind, &s.staging)
	if err != nil {
		_ = unix.Close(srcFd)
		return err
	}

	source, err := s.reactor.AddWritable(dstFd, s.step)
	if errors.Is(err, reactor.ErrNotPollable) {
		// Unpollable destinations (regular files) are driven by a deferred
		// source that re-arms every loop iteration instead.
		source = s.reactor.AddDefer(s.step)
		err = source.Enable()
	}
	if err != nil {
		stream.Close()
		_ = unix.Close(srcFd)
		return err
	}

	s.path = path
	s.size = st.Size
	s.srcFd = srcFd
	s.stream = stream
	s.source = source
	s.started = time.Now()

	if kind == compress.KindNone {
		s.phase = phaseReflink
	} else {
		// Fast whole-file strategies only produce verbatim copies
		s.phase = phaseBuffered
	}

	// Bound last so Busy detection and failed-start recovery stay correct
	s.dstFd = dstFd

	logger.Info("export started",
		logger.KeySessionID, s.id,
		logger.KeyPath, path,
		logger.KeyFormat, kind.String(),
		logger.KeySize, st.Size)

	return nil
}

// Close tears the session down: releases the reactor registration, the
// compressor, the staging buffer, and the owned source descriptor. The
// destination descriptor is left untouched. Safe on never-started and
// partially-started sessions.
func (s *Session) Close() error {
	if s.source != nil {
		s.source.Close()
		s.source = nil
	}
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	if s.srcFd >= 0 {
		_ = unix.Close(s.srcFd)
		s.srcFd = -1
	}
	s.staging.Reset()
	return nil
}

// step performs one unit of work. Invoked by the reactor whenever the
// destination is writable, or once per loop iteration on the deferred
// fallback path.
func (s *Session) step() {
	if s.done {
		return
	}
	s.process()
}

func (s *Session) process() {
	if s.phase == phaseReflink {
		err := fsutil.Reflink(s.srcFd, s.dstFd)
		if err == nil {
			s.recordStrategy("reflink", metrics.OutcomeOK)
			s.finish(nil)
			return
		}

		logger.Debug("reflink copy not possible, falling back",
			logger.KeySessionID, s.id,
			logger.KeyError, err.Error())
		s.recordStrategy("reflink", metrics.OutcomeFailed)
		s.phase = phaseSendfile
	}

	if s.phase == phaseSendfile {
		n, err := fsutil.Sendfile(s.dstFd, s.srcFd, s.chunkSize)
		switch {
		case errors.Is(err, unix.EAGAIN):
			// Destination full; wait for the next wake-up
			return

		case err != nil:
			logger.Debug("sendfile not usable, falling back to buffered copy",
				logger.KeySessionID, s.id,
				logger.KeyError, err.Error())
			s.recordStrategy("sendfile", metrics.OutcomeFailed)
			s.phase = phaseBuffered

		case n == 0:
			// Source exhausted
			s.finish(nil)
			return

		default:
			s.writtenUncompressed += uint64(n)
			s.writtenCompressed += uint64(n)
			s.recordBytes(metrics.CurrencyUncompressed, n)
			s.recordBytes(metrics.CurrencyCompressed, n)
			s.reportProgress()
			return
		}
	}

	// Buffered path: refill the staging queue from the source, then push
	// its head at the destination.
	for s.staging.Len() == 0 {
		if s.eof {
			s.finish(nil)
			return
		}

		chunk := bufpool.Get(s.chunkSize)
		n, err := readRetry(s.srcFd, chunk)
		if err != nil {
			bufpool.Put(chunk)
			err = os.NewSyscallError("read", err)
			logger.Error("failed to read source file",
				logger.KeySessionID, s.id,
				logger.KeyPath, s.path,
				logger.KeyError, err.Error())
			s.finish(err)
			return
		}

		if n == 0 {
			s.eof = true
			if ferr := s.stream.Finish(); ferr != nil {
				bufpool.Put(chunk)
				logger.Error("failed to finalize encoder",
					logger.KeySessionID, s.id,
					logger.KeyError, ferr.Error())
				s.finish(ferr)
				return
			}
		} else {
			s.writtenUncompressed += uint64(n)
			s.recordBytes(metrics.CurrencyUncompressed, n)
			if cerr := s.stream.Feed(chunk[:n]); cerr != nil {
				bufpool.Put(chunk)
				logger.Error("failed to encode chunk",
					logger.KeySessionID, s.id,
					logger.KeyError, cerr.Error())
				s.finish(cerr)
				return
			}
		}
		bufpool.Put(chunk)
	}

	n, err := writeRetry(s.dstFd, s.staging.Head())
	if errors.Is(err, unix.EAGAIN) {
		// Destination full; buffered bytes are retained for the next step
		return
	}
	if err != nil {
		err = os.NewSyscallError("write", err)
		logger.Error("failed to write output",
			logger.KeySessionID, s.id,
			logger.KeyPath, s.path,
			logger.KeyError, err.Error())
		s.finish(err)
		return
	}

	s.staging.Discard(n)
	s.writtenCompressed += uint64(n)
	s.recordBytes(metrics.CurrencyCompressed, n)
	s.reportProgress()

	if s.eof && s.staging.Len() == 0 {
		s.finish(nil)
	}
}

// finish propagates metadata, then dispatches the result exactly once:
// either to the completion callback or, absent one, as the reactor's exit
// status. After finish the session performs no further I/O.
func (s *Session) finish(result error) {
	if s.done {
		return
	}
	s.done = true
	s.phase = phaseDone

	if s.source != nil {
		_ = s.source.Disable()
	}

	if result == nil {
		if s.preserveTimes {
			if err := fsutil.CopyTimes(s.srcFd, s.dstFd); err != nil {
				logger.Debug("could not copy timestamps to destination",
					logger.KeySessionID, s.id,
					logger.KeyError, err.Error())
			}
		}
		if s.preserveXattr {
			if err := fsutil.CopyXattr(s.srcFd, s.dstFd); err != nil {
				logger.Debug("could not copy extended attributes to destination",
					logger.KeySessionID, s.id,
					logger.KeyError, err.Error())
			}
		}
	}

	if s.metrics != nil {
		s.metrics.RecordExport(time.Since(s.started), result)
	}

	code := ResultCode(result)
	if result == nil {
		logger.Info("export finished",
			logger.KeySessionID, s.id,
			logger.KeyPath, s.path,
			logger.KeyWrittenRaw, s.writtenUncompressed,
			logger.KeyWrittenCompressed, s.writtenCompressed,
			logger.KeyDurationMs, logger.Duration(s.started))
	} else {
		logger.Error("export failed",
			logger.KeySessionID, s.id,
			logger.KeyPath, s.path,
			logger.KeyErrorCode, code,
			logger.KeyError, result.Error())
	}

	if s.onFinished != nil {
		s.onFinished(s, result)
		return
	}
	s.reactor.Exit(code)
}

func (s *Session) recordStrategy(strategy, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordStrategy(strategy, outcome)
	}
}

func (s *Session) recordBytes(currency string, n int) {
	if s.metrics != nil {
		s.metrics.RecordBytes(currency, int64(n))
	}
}

// ResultCode maps a session result to the integer completion code: 0 for
// success, the negated errno for OS failures, -EIO otherwise.
func ResultCode(err error) int {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	return -int(unix.EIO)
}

// readRetry reads into p, retrying on EINTR.
func readRetry(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// writeRetry writes p, retrying on EINTR. Partial writes are returned as-is.
func writeRetry(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}
