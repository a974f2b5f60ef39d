package types

// Queue is a FIFO queue backed by a growable ring buffer.
// It is not safe for concurrent use.
type Queue[T any] struct {
	buf  []T
	head int
	size int
}

// Push appends v to the back of the queue.
func (q *Queue[T]) Push(v T) {
	if q.size == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.size)%len(q.buf)] = v
	q.size++
}

// Pop removes and returns the front element.
// It returns false if the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return v, true
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int { return q.size }

func (q *Queue[T]) grow() {
	n := 2 * len(q.buf)
	if n == 0 {
		n = 4
	}
	buf := make([]T, n)
	for i := range q.size {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
