package export

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/marmos91/rawexport/internal/logger"
	"github.com/marmos91/rawexport/pkg/compress"
	"github.com/marmos91/rawexport/pkg/notify"
	"github.com/marmos91/rawexport/pkg/reactor"
)

func TestMain(m *testing.M) {
	logger.InitWithWriter(io.Discard, "ERROR", "text", false)
	os.Exit(m.Run())
}

// ============================================================================
// Helpers
// ============================================================================

func writeSourceFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.img")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	_, err := rng.Read(buf)
	require.NoError(t, err)
	return buf
}

// testPipe creates a pipe and returns the read end as a file and the raw
// write end descriptor, with cleanup registered for both.
func testPipe(t *testing.T) (*os.File, int, func()) {
	t.Helper()

	p := make([]int, 2)
	require.NoError(t, unix.Pipe(p))

	rd := os.NewFile(uintptr(p[0]), "pipe-read")
	t.Cleanup(func() { _ = rd.Close() })

	closed := false
	closeWrite := func() {
		if !closed {
			closed = true
			_ = unix.Close(p[1])
		}
	}
	t.Cleanup(closeWrite)

	return rd, p[1], closeWrite
}

func newTestReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// exportResult captures completion dispatches.
type exportResult struct {
	dispatches int
	err        error
}

func newTestSession(t *testing.T, r *reactor.Reactor) (*Session, *exportResult) {
	t.Helper()

	res := &exportResult{}
	cfg := DefaultConfig(r)
	cfg.Notifier = notify.Discard
	cfg.OnFinished = func(_ *Session, err error) {
		res.dispatches++
		res.err = err
		r.Exit(ResultCode(err))
	}

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, res
}

// runExportToPipe drives the session to completion while draining the pipe's
// read end, and returns everything that arrived at the destination.
func runExportToPipe(t *testing.T, r *reactor.Reactor, rd *os.File, closeWrite func()) (int, []byte) {
	t.Helper()

	var got []byte
	var readErr error
	done := make(chan struct{})
	go func() {
		got, readErr = io.ReadAll(rd)
		close(done)
	}()

	code, err := r.Run()
	require.NoError(t, err)

	closeWrite()
	<-done
	require.NoError(t, readErr)
	return code, got
}

// ============================================================================
// Construction and start validation
// ============================================================================

func TestNew(t *testing.T) {
	t.Run("RequiresReactor", func(t *testing.T) {
		_, err := New(Config{})
		assert.Error(t, err)
	})

	t.Run("AssignsSessionID", func(t *testing.T) {
		r := newTestReactor(t)

		a, err := New(DefaultConfig(r))
		require.NoError(t, err)
		b, err := New(DefaultConfig(r))
		require.NoError(t, err)

		assert.NotEmpty(t, a.ID())
		assert.NotEqual(t, a.ID(), b.ID())
	})
}

func TestStart(t *testing.T) {
	t.Run("SecondStartIsBusy", func(t *testing.T) {
		r := newTestReactor(t)
		s, _ := newTestSession(t, r)
		_, wr, _ := testPipe(t)
		path := writeSourceFile(t, []byte("data"))

		require.NoError(t, s.Start(path, wr, compress.KindNone))
		assert.ErrorIs(t, s.Start(path, wr, compress.KindNone), ErrBusy)
	})

	t.Run("RejectsNonRegularFile", func(t *testing.T) {
		r := newTestReactor(t)
		s, _ := newTestSession(t, r)
		_, wr, _ := testPipe(t)

		err := s.Start(t.TempDir(), wr, compress.KindNone)
		assert.ErrorIs(t, err, ErrNotRegularFile)

		// The failed start leaves the session unbound
		path := writeSourceFile(t, []byte("data"))
		assert.NoError(t, s.Start(path, wr, compress.KindNone))
	})

	t.Run("RejectsMissingSource", func(t *testing.T) {
		r := newTestReactor(t)
		s, _ := newTestSession(t, r)
		_, wr, _ := testPipe(t)

		err := s.Start(filepath.Join(t.TempDir(), "absent"), wr, compress.KindNone)
		assert.ErrorIs(t, err, unix.ENOENT)
	})
}

func TestClose(t *testing.T) {
	t.Run("NeverStarted", func(t *testing.T) {
		r := newTestReactor(t)
		s, err := New(DefaultConfig(r))
		require.NoError(t, err)

		assert.NoError(t, s.Close())
		assert.NoError(t, s.Close())
	})
}

// ============================================================================
// End-to-end exports over a pipe destination
// ============================================================================

func TestExportToPipe(t *testing.T) {
	t.Run("EmptyFile", func(t *testing.T) {
		r := newTestReactor(t)
		s, res := newTestSession(t, r)
		rd, wr, closeWrite := testPipe(t)
		path := writeSourceFile(t, nil)

		require.NoError(t, s.Start(path, wr, compress.KindNone))
		code, got := runExportToPipe(t, r, rd, closeWrite)

		assert.Equal(t, 0, code)
		assert.NoError(t, res.err)
		assert.Equal(t, 1, res.dispatches)
		assert.Empty(t, got)
		assert.EqualValues(t, 0, s.WrittenUncompressed())
		assert.EqualValues(t, 0, s.WrittenCompressed())
	})

	t.Run("UncompressedRoundTrip", func(t *testing.T) {
		content := randomBytes(t, 1<<20)
		r := newTestReactor(t)
		s, res := newTestSession(t, r)
		rd, wr, closeWrite := testPipe(t)
		path := writeSourceFile(t, content)

		require.NoError(t, s.Start(path, wr, compress.KindNone))
		code, got := runExportToPipe(t, r, rd, closeWrite)

		assert.Equal(t, 0, code)
		assert.Equal(t, 1, res.dispatches)
		assert.Equal(t, content, got)
		assert.EqualValues(t, len(content), s.WrittenUncompressed())
		assert.EqualValues(t, len(content), s.WrittenCompressed())
	})

	t.Run("GzipRoundTrip", func(t *testing.T) {
		content := bytes.Repeat([]byte("raw export pipeline "), 16384)
		r := newTestReactor(t)
		s, res := newTestSession(t, r)
		rd, wr, closeWrite := testPipe(t)
		path := writeSourceFile(t, content)

		require.NoError(t, s.Start(path, wr, compress.KindGzip))
		code, got := runExportToPipe(t, r, rd, closeWrite)

		assert.Equal(t, 0, code)
		assert.Equal(t, 1, res.dispatches)
		assert.EqualValues(t, len(content), s.WrittenUncompressed())
		assert.EqualValues(t, len(got), s.WrittenCompressed())
		assert.Less(t, len(got), len(content))

		dec, err := gzip.NewReader(bytes.NewReader(got))
		require.NoError(t, err)
		decoded, err := io.ReadAll(dec)
		require.NoError(t, err)
		assert.Equal(t, content, decoded)
		assert.NoError(t, res.err)
	})

	t.Run("ZstdRoundTrip", func(t *testing.T) {
		content := bytes.Repeat([]byte("raw export pipeline "), 16384)
		r := newTestReactor(t)
		s, _ := newTestSession(t, r)
		rd, wr, closeWrite := testPipe(t)
		path := writeSourceFile(t, content)

		require.NoError(t, s.Start(path, wr, compress.KindZstd))
		code, got := runExportToPipe(t, r, rd, closeWrite)

		assert.Equal(t, 0, code)
		assert.EqualValues(t, len(got), s.WrittenCompressed())

		dec, err := zstd.NewReader(bytes.NewReader(got))
		require.NoError(t, err)
		defer dec.Close()
		decoded, err := io.ReadAll(dec)
		require.NoError(t, err)
		assert.Equal(t, content, decoded)
	})

	t.Run("BufferedFallbackRoundTrip", func(t *testing.T) {
		content := randomBytes(t, 300<<10)
		r := newTestReactor(t)
		s, res := newTestSession(t, r)
		rd, wr, closeWrite := testPipe(t)
		path := writeSourceFile(t, content)

		require.NoError(t, s.Start(path, wr, compress.KindNone))
		// Skip the fast strategies to cover the staged read/write path with
		// passthrough encoding
		s.phase = phaseBuffered

		code, got := runExportToPipe(t, r, rd, closeWrite)

		assert.Equal(t, 0, code)
		assert.Equal(t, 1, res.dispatches)
		assert.Equal(t, content, got)
		assert.EqualValues(t, len(content), s.WrittenUncompressed())
		assert.EqualValues(t, len(content), s.WrittenCompressed())
	})

	t.Run("ClosedReadEndFailsWithEPIPE", func(t *testing.T) {
		content := randomBytes(t, 64<<10)
		r := newTestReactor(t)
		s, res := newTestSession(t, r)
		rd, wr, _ := testPipe(t)
		require.NoError(t, rd.Close())
		path := writeSourceFile(t, content)

		require.NoError(t, s.Start(path, wr, compress.KindNone))
		code, err := r.Run()
		require.NoError(t, err)

		assert.Equal(t, -int(unix.EPIPE), code)
		assert.Equal(t, 1, res.dispatches)
		assert.ErrorIs(t, res.err, unix.EPIPE)
	})
}

// ============================================================================
// Regular-file destination (unpollable, deferred fallback)
// ============================================================================

func TestExportToFile(t *testing.T) {
	content := randomBytes(t, 256<<10)
	path := writeSourceFile(t, content)

	mtime := time.Date(2022, 3, 14, 15, 9, 26, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	dstPath := filepath.Join(t.TempDir(), "out.img")
	dstF, err := os.Create(dstPath)
	require.NoError(t, err)
	defer dstF.Close()

	r := newTestReactor(t)
	s, res := newTestSession(t, r)

	require.NoError(t, s.Start(path, int(dstF.Fd()), compress.KindNone))
	code, err := r.Run()
	require.NoError(t, err)

	assert.Equal(t, 0, code)
	assert.Equal(t, 1, res.dispatches)
	assert.NoError(t, res.err)

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	st, err := os.Stat(dstPath)
	require.NoError(t, err)
	assert.WithinDuration(t, mtime, st.ModTime(), time.Second)
}

// ============================================================================
// Result codes
// ============================================================================

func TestResultCode(t *testing.T) {
	assert.Equal(t, 0, ResultCode(nil))
	assert.Equal(t, -int(unix.EPIPE), ResultCode(os.NewSyscallError("write", unix.EPIPE)))
	assert.Equal(t, -int(unix.ENOENT), ResultCode(&os.PathError{Op: "open", Path: "x", Err: unix.ENOENT}))
	assert.Equal(t, -int(unix.EIO), ResultCode(errors.New("opaque failure")))
}
