//go:build linux

// Package reactor implements a single-threaded, epoll-based event loop.
//
// The loop drives export sessions: a session registers its destination
// descriptor for write-readiness and gets its step callback invoked on every
// wake-up. Descriptors that epoll cannot watch (regular files) are driven
// through deferred sources instead, which run once per loop iteration while
// enabled.
//
// A Reactor is not safe for concurrent use. All sources must be added,
// enabled, and closed from the goroutine running the loop (or before Run is
// called). Exit must be called from within a callback.
package reactor

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// ErrNotPollable is returned by AddWritable when the kernel refuses to watch
// the descriptor (epoll_ctl EPERM, e.g. for regular files). Callers should
// fall back to a deferred source.
var ErrNotPollable = errors.New("descriptor is not pollable")

// Callback is invoked when a source fires.
type Callback func()

// Source is a registration with the reactor: either an I/O-readiness watch
// or a deferred callback that runs once per loop iteration while enabled.
type Source struct {
	r       *Reactor
	fd      int // -1 for deferred sources
	cb      Callback
	enabled bool
	closed  bool
}

// Reactor is a single-threaded epoll event loop.
type Reactor struct {
	epollFd   int
	ioSources map[int]*Source
	deferred  []*Source
	exited    bool
	exitCode  int
}

// New creates a new reactor.
func New() (*Reactor, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	return &Reactor{
		epollFd:   epollFd,
		ioSources: make(map[int]*Source),
	}, nil
}

// Close releases the reactor's epoll descriptor. Sources become inert.
func (r *Reactor) Close() error {
	if r.epollFd < 0 {
		return nil
	}
	err := unix.Close(r.epollFd)
	r.epollFd = -1
	return err
}

// AddWritable registers cb to run whenever fd is ready for writing.
// The source starts enabled. Returns ErrNotPollable if the descriptor kind
// cannot be watched by epoll.
func (r *Reactor) AddWritable(fd int, cb Callback) (*Source, error) {
	if _, ok := r.ioSources[fd]; ok {
		return nil, errors.New("descriptor already registered")
	}

	ev := unix.EpollEvent{Events: unix.EPOLLOUT, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		if errors.Is(err, unix.EPERM) {
			return nil, ErrNotPollable
		}
		return nil, os.NewSyscallError("epoll_ctl", err)
	}

	s := &Source{r: r, fd: fd, cb: cb, enabled: true}
	r.ioSources[fd] = s
	return s, nil
}

// AddDefer registers cb to run once per loop iteration. The source starts
// disabled; call Enable to arm it.
func (r *Reactor) AddDefer(cb Callback) *Source {
	s := &Source{r: r, fd: -1, cb: cb}
	r.deferred = append(r.deferred, s)
	return s
}

// Enable arms the source.
func (s *Source) Enable() error {
	if s.closed {
		return errors.New("source is closed")
	}
	if s.enabled {
		return nil
	}

	if s.fd >= 0 {
		ev := unix.EpollEvent{Events: unix.EPOLLOUT, Fd: int32(s.fd)}
		if err := unix.EpollCtl(s.r.epollFd, unix.EPOLL_CTL_ADD, s.fd, &ev); err != nil {
			return os.NewSyscallError("epoll_ctl", err)
		}
	}

	s.enabled = true
	return nil
}

// Disable disarms the source without releasing it.
func (s *Source) Disable() error {
	if s.closed || !s.enabled {
		return nil
	}

	if s.fd >= 0 {
		if err := unix.EpollCtl(s.r.epollFd, unix.EPOLL_CTL_DEL, s.fd, nil); err != nil {
			return os.NewSyscallError("epoll_ctl", err)
		}
	}

	s.enabled = false
	return nil
}

// Close releases the registration. The callback will not run again.
func (s *Source) Close() {
	if s.closed {
		return
	}

	if s.fd >= 0 {
		if s.enabled && s.r.epollFd >= 0 {
			_ = unix.EpollCtl(s.r.epollFd, unix.EPOLL_CTL_DEL, s.fd, nil)
		}
		delete(s.r.ioSources, s.fd)
	}

	s.enabled = false
	s.closed = true
}

// Exit stops the loop after the current callback returns, with the given
// exit code. Must be called from within a callback.
func (r *Reactor) Exit(code int) {
	r.exited = true
	r.exitCode = code
}

// Run drives the loop until Exit is called, returning the exit code.
func (r *Reactor) Run() (int, error) {
	events := make([]unix.EpollEvent, 16)

	for !r.exited {
		r.runDeferred()
		if r.exited {
			break
		}

		// Block only when no deferred source needs another turn
		timeout := -1
		if r.hasEnabledDeferred() {
			timeout = 0
		}

		n, err := unix.EpollWait(r.epollFd, events, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, os.NewSyscallError("epoll_wait", err)
		}

		for i := 0; i < n && !r.exited; i++ {
			s := r.ioSources[int(events[i].Fd)]
			if s != nil && s.enabled && !s.closed {
				s.cb()
			}
		}
	}

	return r.exitCode, nil
}

// runDeferred runs every enabled deferred source once and drops closed ones.
func (r *Reactor) runDeferred() {
	pending := make([]*Source, len(r.deferred))
	copy(pending, r.deferred)

	for _, s := range pending {
		if r.exited {
			break
		}
		if s.closed || !s.enabled {
			continue
		}
		s.cb()
	}

	kept := r.deferred[:0]
	for _, s := range r.deferred {
		if !s.closed {
			kept = append(kept, s)
		}
	}
	r.deferred = kept
}

func (r *Reactor) hasEnabledDeferred() bool {
	for _, s := range r.deferred {
		if s.enabled && !s.closed {
			return true
		}
	}
	return false
}
