package diagnostics

// Ring is a fixed-capacity FIFO buffer that evicts its oldest entry on
// overflow. It is not safe for concurrent use; Recorder guards it.
type Ring[T any] struct {
	buf   []T
	start int
	n     int
}

// NewRing returns an empty ring holding at most capacity entries.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. When the ring is full the oldest entry is overwritten and
// returned with evicted set to true.
func (r *Ring[T]) Push(v T) (old T, evicted bool) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return old, false
	}
	old = r.buf[r.start]
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return old, true
}

func (r *Ring[T]) Len() int { return r.n }
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Items returns a copy of the entries, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
