package export

// byteQueue is the staging buffer between the compressor and the
// destination: the encoder appends at the tail, the non-blocking writer
// consumes from the head. It implements io.Writer so a compress.Stream can
// target it directly.
type byteQueue struct {
	buf []byte
}

// Write appends p to the tail. Never fails.
func (q *byteQueue) Write(p []byte) (int, error) {
	q.buf = append(q.buf, p...)
	return len(p), nil
}

// Len returns the number of buffered bytes.
func (q *byteQueue) Len() int {
	return len(q.buf)
}

// Head returns the buffered bytes in write order. The slice is only valid
// until the next Write or Discard.
func (q *byteQueue) Head() []byte {
	return q.buf
}

// Discard drops the first n bytes, shifting the remainder to the front so
// the underlying array keeps being reused.
func (q *byteQueue) Discard(n int) {
	if n <= 0 {
		return
	}
	if n >= len(q.buf) {
		q.buf = q.buf[:0]
		return
	}
	copy(q.buf, q.buf[n:])
	q.buf = q.buf[:len(q.buf)-n]
}

// Reset releases the underlying array.
func (q *byteQueue) Reset() {
	q.buf = nil
}
