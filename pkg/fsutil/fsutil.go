//go:build linux

// Package fsutil wraps the Linux filesystem primitives the export pipeline
// relies on: descriptor mode flips, copy-on-write reflinks, kernel-assisted
// zero-copy transfer, and best-effort metadata propagation.
package fsutil

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// SetNonblock sets or clears O_NONBLOCK on fd.
func SetNonblock(fd int, nonblocking bool) error {
	if err := unix.SetNonblock(fd, nonblocking); err != nil {
		return os.NewSyscallError("fcntl", err)
	}
	return nil
}

// Reflink asks the filesystem to share the full extent range of srcFd with
// dstFd (FICLONE). Fails if the descriptors live on different filesystems or
// the filesystem does not support copy-on-write clones.
func Reflink(srcFd, dstFd int) error {
	if err := unix.IoctlFileClone(dstFd, srcFd); err != nil {
		return os.NewSyscallError("ioctl", err)
	}
	return nil
}

// ReflinkSnapshot clones srcFd into a fresh anonymous file in the directory
// containing path, so the export reads a frozen copy while writers keep
// mutating the original. The returned descriptor is owned by the caller.
//
// The anonymous file is opened with O_TMPFILE; on filesystems without
// O_TMPFILE support a randomly named sibling is created and unlinked
// immediately.
func ReflinkSnapshot(srcFd int, path string) (int, error) {
	dir := filepath.Dir(path)

	fd, err := unix.Open(dir, unix.O_TMPFILE|unix.O_RDWR|unix.O_CLOEXEC|unix.O_NOCTTY, 0600)
	if err != nil {
		tmp := tempName(path)
		fd, err = unix.Open(tmp, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC|unix.O_NOCTTY, 0600)
		if err != nil {
			return -1, os.NewSyscallError("open", err)
		}
		_ = unix.Unlink(tmp)
	}

	if err := Reflink(srcFd, fd); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

// tempName returns a hidden sibling path with a random suffix.
func tempName(path string) string {
	dir := filepath.Dir(path)
	base := strings.TrimPrefix(filepath.Base(path), ".")
	return filepath.Join(dir, fmt.Sprintf(".#%s%016x", base, rand.Uint64()))
}

// Sendfile transfers up to max bytes from srcFd to dstFd without staging
// through user memory. Returns the number of bytes moved; 0 means the
// source is exhausted. The raw errno is returned unwrapped so callers can
// distinguish EAGAIN from real failures.
func Sendfile(dstFd, srcFd, max int) (int, error) {
	return unix.Sendfile(dstFd, srcFd, nil, max)
}

// CopyTimes propagates atime and mtime from srcFd to dstFd.
func CopyTimes(srcFd, dstFd int) error {
	var st unix.Stat_t
	if err := unix.Fstat(srcFd, &st); err != nil {
		return os.NewSyscallError("fstat", err)
	}

	tv := []unix.Timeval{
		unix.NsecToTimeval(st.Atim.Nano()),
		unix.NsecToTimeval(st.Mtim.Nano()),
	}
	if err := unix.Futimes(dstFd, tv); err != nil {
		return os.NewSyscallError("futimes", err)
	}
	return nil
}

// CopyXattr propagates user-namespace extended attributes from srcFd to
// dstFd. Attributes outside the user namespace are skipped. Individual
// attribute failures do not stop the copy; the last error is returned.
func CopyXattr(srcFd, dstFd int) error {
	size, err := unix.Flistxattr(srcFd, nil)
	if err != nil {
		return os.NewSyscallError("flistxattr", err)
	}
	if size == 0 {
		return nil
	}

	names := make([]byte, size)
	size, err = unix.Flistxattr(srcFd, names)
	if err != nil {
		return os.NewSyscallError("flistxattr", err)
	}

	var lastErr error
	for _, name := range strings.Split(string(names[:size]), "\x00") {
		if !strings.HasPrefix(name, "user.") {
			continue
		}

		valSize, err := unix.Fgetxattr(srcFd, name, nil)
		if err != nil {
			lastErr = os.NewSyscallError("fgetxattr", err)
			continue
		}

		val := make([]byte, valSize)
		valSize, err = unix.Fgetxattr(srcFd, name, val)
		if err != nil {
			lastErr = os.NewSyscallError("fgetxattr", err)
			continue
		}

		if err := unix.Fsetxattr(dstFd, name, val[:valSize], 0); err != nil {
			lastErr = os.NewSyscallError("fsetxattr", err)
		}
	}

	return lastErr
}
