package metrics

import "github.com/arbrun/arbrun/internal/domain/opportunity"

// ring is a fixed-size overwrite buffer of execution results. Callers
// hold the collector lock.
type ring struct {
	buf   []opportunity.ExecutionResult
	next  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]opportunity.ExecutionResult, size)}
}

func (r *ring) add(res opportunity.ExecutionResult) {
	r.buf[r.next] = res
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// items returns the contents oldest first.
func (r *ring) items() []opportunity.ExecutionResult {
	out := make([]opportunity.ExecutionResult, 0, r.count)
	if r.count < len(r.buf) {
		return append(out, r.buf[:r.count]...)
	}
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
