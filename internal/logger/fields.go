package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so exports can be
// correlated and queried in aggregated logs.
const (
	// ========================================================================
	// Export Session
	// ========================================================================
	KeySessionID = "session_id" // Export session identifier
	KeyPath      = "path"       // Source file path
	KeyFormat    = "format"     // Compression format: none, gzip, zstd
	KeyStrategy  = "strategy"   // Copy strategy: reflink, sendfile, buffered
	KeyPercent   = "percent"    // Progress percentage (0-100)

	// ========================================================================
	// I/O
	// ========================================================================
	KeySize              = "size"               // Source file size in bytes
	KeyBytesRead         = "bytes_read"         // Actual bytes read
	KeyBytesWritten      = "bytes_written"      // Actual bytes written
	KeyWrittenRaw        = "written_raw"        // Uncompressed bytes accounted so far
	KeyWrittenCompressed = "written_compressed" // Compressed bytes accounted so far
	KeyEOF               = "eof"                // End of source indicator

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorCode  = "error_code"  // Numeric result code (0 or -errno)
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// SessionID returns a slog.Attr for the export session identifier
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// Path returns a slog.Attr for the source file path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Format returns a slog.Attr for the compression format
func Format(f string) slog.Attr {
	return slog.String(KeyFormat, f)
}

// Strategy returns a slog.Attr for the active copy strategy
func Strategy(s string) slog.Attr {
	return slog.String(KeyStrategy, s)
}

// Percent returns a slog.Attr for progress percentage
func Percent(p int) slog.Attr {
	return slog.Int(KeyPercent, p)
}

// Size returns a slog.Attr for the source file size
func Size(s int64) slog.Attr {
	return slog.Int64(KeySize, s)
}

// BytesRead returns a slog.Attr for actual bytes read
func BytesRead(n int) slog.Attr {
	return slog.Int(KeyBytesRead, n)
}

// BytesWritten returns a slog.Attr for actual bytes written
func BytesWritten(n int) slog.Attr {
	return slog.Int(KeyBytesWritten, n)
}

// WrittenRaw returns a slog.Attr for uncompressed bytes accounted so far
func WrittenRaw(n uint64) slog.Attr {
	return slog.Uint64(KeyWrittenRaw, n)
}

// WrittenCompressed returns a slog.Attr for compressed bytes accounted so far
func WrittenCompressed(n uint64) slog.Attr {
	return slog.Uint64(KeyWrittenCompressed, n)
}

// EOF returns a slog.Attr for the end-of-source indicator
func EOF(eof bool) slog.Attr {
	return slog.Bool(KeyEOF, eof)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for the numeric result code
func ErrorCode(code int) slog.Attr {
	return slog.Int(KeyErrorCode, code)
}
