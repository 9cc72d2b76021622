package channel

// queue is a growable FIFO backed by a power-of-two ring. It only allocates
// while growing; steady-state push/pop is allocation free.
type queue[T any] struct {
	buf  []T
	head int
	n    int
}

func newQueue[T any](size int) queue[T] {
	c := 1
	for c < size {
		c <<= 1
	}
	return queue[T]{buf: make([]T, c)}
}

func (q *queue[T]) len() int {
	return q.n
}

func (q *queue[T]) push(v T) {
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)&(len(q.buf)-1)] = v
	q.n++
}

// front returns the oldest element without removing it, or nil when empty.
func (q *queue[T]) front() *T {
	if q.n == 0 {
		return nil
	}
	return &q.buf[q.head]
}

func (q *queue[T]) pop() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) & (len(q.buf) - 1)
	q.n--
	return v, true
}

func (q *queue[T]) grow() {
	buf := make([]T, len(q.buf)*2)
	for i := 0; i < q.n; i++ {
		buf[i] = q.buf[(q.head+i)&(len(q.buf)-1)]
	}
	q.buf = buf
	q.head = 0
}
