// Package compress wraps the stream compressors an export session can apply
// to its output. Encoded bytes are appended to a caller-supplied io.Writer
// (the session's staging buffer), so the session stays in control of when
// bytes actually reach the destination.
package compress

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Kind identifies a compression format.
type Kind int

const (
	// KindNone passes source bytes through unmodified.
	KindNone Kind = iota

	// KindGzip applies gzip framing (RFC 1952).
	KindGzip

	// KindZstd applies zstandard framing.
	KindZstd
)

// ParseKind maps a user-facing format name to a Kind.
// The empty string means no compression.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "none", "uncompressed":
		return KindNone, nil
	case "gzip", "gz":
		return KindGzip, nil
	case "zstd", "zst":
		return KindZstd, nil
	default:
		return KindNone, fmt.Errorf("unknown compression format %q", s)
	}
}

// String returns the canonical format name.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindGzip:
		return "gzip"
	case KindZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Ext returns the conventional filename extension for the format,
// including the leading dot, or "" for uncompressed output.
func (k Kind) Ext() string {
	switch k {
	case KindGzip:
		return ".gz"
	case KindZstd:
		return ".zst"
	default:
		return ""
	}
}

// Stream encodes a byte stream into out. Feed appends encoded output for
// each input chunk; Finish flushes whatever the encoder still buffers and
// writes the end-of-stream framing.
type Stream struct {
	kind     Kind
	out      io.Writer
	enc      io.WriteCloser // nil for KindNone
	finished bool
}

// NewStream creates an encoder of the given kind writing into out.
func NewStream(kind Kind, out io.Writer) (*Stream, error) {
	s := &Stream{kind: kind, out: out}

	switch kind {
	case KindNone:
		// passthrough
	case KindGzip:
		s.enc = gzip.NewWriter(out)
	case KindZstd:
		enc, err := zstd.NewWriter(out)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize zstd encoder: %w", err)
		}
		s.enc = enc
	default:
		return nil, fmt.Errorf("unknown compression kind %d", kind)
	}

	return s, nil
}

// Kind returns the stream's compression kind.
func (s *Stream) Kind() Kind {
	return s.kind
}

// Feed encodes p and appends the encoder's output to the stream's writer.
func (s *Stream) Feed(p []byte) error {
	if s.finished {
		return fmt.Errorf("stream already finished")
	}

	var err error
	if s.enc != nil {
		_, err = s.enc.Write(p)
	} else {
		_, err = s.out.Write(p)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s stream: %w", s.kind, err)
	}
	return nil
}

// Finish flushes any pending encoder state and terminates the stream
// framing. Safe to call once; later Feed calls fail.
func (s *Stream) Finish() error {
	if s.finished {
		return nil
	}
	s.finished = true

	if s.enc == nil {
		return nil
	}
	if err := s.enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s stream: %w", s.kind, err)
	}
	return nil
}

// Close releases encoder resources. Pending output is discarded if Finish
// was not called; errors from the discard path are ignored.
func (s *Stream) Close() {
	if s.enc != nil && !s.finished {
		s.finished = true
		_ = s.enc.Close()
	}
	s.enc = nil
}
