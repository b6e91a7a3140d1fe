package pool

import "context"

// Cycle hands out its tasks round-robin forever. Pools over a Cycle run until stopped.
type Cycle[T any] struct {
	tasks []T
	next  int
}

// NewCycle returns a source cycling over tasks. An empty cycle is exhausted at once.
func NewCycle[T any](tasks ...T) *Cycle[T] {
	return &Cycle[T]{tasks: append([]T(nil), tasks...)}
}

// Next implements Source. Calls are serialized by the pool.
func (c *Cycle[T]) Next(context.Context) (T, bool) {
	var zero T
	if len(c.tasks) == 0 {
		return zero, false
	}

	task := c.tasks[c.next]
	c.next = (c.next + 1) % len(c.tasks)

	return task, true
}

// Slice hands out its tasks once, then reports exhaustion.
type Slice[T any] struct {
	tasks []T
}

// NewSlice returns a source over a fixed list of tasks.
func NewSlice[T any](tasks ...T) *Slice[T] {
	return &Slice[T]{tasks: append([]T(nil), tasks...)}
}

// Next implements Source. Calls are serialized by the pool.
func (s *Slice[T]) Next(context.Context) (T, bool) {
	var zero T
	if len(s.tasks) == 0 {
		return zero, false
	}

	task := s.tasks[0]
	s.tasks = s.tasks[1:]

	return task, true
}
