//go:build !linux

package logger

// isTerminal reports false on platforms without terminal detection.
// The exporter itself is Linux-only; this keeps the logger portable for
// tooling that imports it.
func isTerminal(fd uintptr) bool {
	return false
}
