package sched

import "container/list"

// List is an insertion-ordered set with O(1) insert and remove by element.
// It is not safe for concurrent use; the owning group's lock guards it.
type List[T comparable] struct {
	order *list.List
	index map[T]*list.Element
}

func NewList[T comparable]() *List[T] {
	return &List[T]{order: list.New(), index: make(map[T]*list.Element)}
}

// PushBack appends v and reports whether it was not already present.
func (l *List[T]) PushBack(v T) bool {
	if _, ok := l.index[v]; ok {
		return false
	}
	l.index[v] = l.order.PushBack(v)
	return true
}

// Remove deletes v and reports whether it was present.
func (l *List[T]) Remove(v T) bool {
	e, ok := l.index[v]
	if !ok {
		return false
	}
	l.order.Remove(e)
	delete(l.index, v)
	return true
}

func (l *List[T]) Contains(v T) bool {
	_, ok := l.index[v]
	return ok
}

func (l *List[T]) Len() int {
	return len(l.index)
}

func (l *List[T]) Front() (T, bool) {
	var zero T
	e := l.order.Front()
	if e == nil {
		return zero, false
	}
	return e.Value.(T), true
}

// PopFront removes and returns the first element.
func (l *List[T]) PopFront() (T, bool) {
	v, ok := l.Front()
	if ok {
		l.Remove(v)
	}
	return v, ok
}

// Items returns a snapshot slice in insertion order.
func (l *List[T]) Items() []T {
	out := make([]T, 0, len(l.index))
	for e := l.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(T))
	}
	return out
}

// Each visits elements in order until fn returns false. fn may remove the
// element it is visiting.
func (l *List[T]) Each(fn func(T) bool) {
	for e := l.order.Front(); e != nil; {
		next := e.Next()
		if !fn(e.Value.(T)) {
			return
		}
		e = next
	}
}
