// Package list implements a generic doubly linked list, used by the inode
// cache (fs.Cache) — the Go-idiomatic replacement for the C
// `struct list_head`/`list_entry` pattern (spec.md §9 Design Notes). Unlike
// that pattern, Elem is a separately allocated container returned by
// PushFront/PushBack, not a field embedded in the value's own struct.
package list

// Elem wraps one value as a member of exactly one List at a time. Callers
// hold the *Elem[T] returned by PushFront/PushBack (e.g. stored as a field
// on their own type) to remove or reorder it later, e.g.:
//
//	type inode struct {
//	    elem *list.Elem[*inode]
//	    ...
//	}
type Elem[T any] struct {
	next, prev *Elem[T]
	owner      *List[T]
	Value      T
}

// Next returns the following element, or nil at the end of the list.
func (e *Elem[T]) Next() *Elem[T] {
	if e.owner == nil || e.next == &e.owner.root {
		return nil
	}
	return e.next
}

// Prev returns the preceding element, or nil at the start of the list.
func (e *Elem[T]) Prev() *Elem[T] {
	if e.owner == nil || e.prev == &e.owner.root {
		return nil
	}
	return e.prev
}

// List is a circular doubly linked list with a sentinel root.
type List[T any] struct {
	root Elem[T]
	len  int
}

// Init (re)initializes an empty list. The zero value is not ready to use.
func (l *List[T]) Init() *List[T] {
	l.root.next = &l.root
	l.root.prev = &l.root
	l.len = 0
	return l
}

// Len returns the number of elements in the list.
func (l *List[T]) Len() int { return l.len }

// Front returns the first element, or nil if the list is empty.
func (l *List[T]) Front() *Elem[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.next
}

// Back returns the last element, or nil if the list is empty.
func (l *List[T]) Back() *Elem[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.prev
}

func (l *List[T]) insert(e, at *Elem[T]) *Elem[T] {
	n := at.next
	at.next = e
	e.prev = at
	e.next = n
	n.prev = e
	e.owner = l
	l.len++
	return e
}

// PushFront inserts v at the head of the list and returns its Elem.
func (l *List[T]) PushFront(v T) *Elem[T] {
	e := &Elem[T]{Value: v}
	return l.insert(e, &l.root)
}

// PushBack inserts v at the tail of the list and returns its Elem.
func (l *List[T]) PushBack(v T) *Elem[T] {
	e := &Elem[T]{Value: v}
	return l.insert(e, l.root.prev)
}

// MoveToFront relocates e, already in l, to the head of l.
func (l *List[T]) MoveToFront(e *Elem[T]) {
	if e.owner != l || l.root.next == e {
		return
	}
	l.unlink(e)
	l.insert(e, &l.root)
}

// Remove unlinks e from its list.
func (l *List[T]) Remove(e *Elem[T]) T {
	if e.owner == l {
		l.unlink(e)
	}
	return e.Value
}

func (l *List[T]) unlink(e *Elem[T]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = nil
	e.prev = nil
	e.owner = nil
	l.len--
}

// Do calls f for every element in order, front to back. f must not mutate
// the list.
func (l *List[T]) Do(f func(v T)) {
	for e := l.Front(); e != nil; e = e.Next() {
		f(e.Value)
	}
}
