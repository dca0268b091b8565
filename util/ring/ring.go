// Package ring implements circular doubly-linked lists threaded by
// index through a fixed arena of elements.
package ring

// Nil marks an empty ring and an unlinked element.
const Nil int32 = -1

type Link struct {
	Prev int32
	Next int32
}

func Unlinked() Link {
	return Link{Prev: Nil, Next: Nil}
}

func (l Link) Linked() bool {
	return l.Next != Nil
}

// Half reports a link with exactly one of Prev and Next set.
func (l Link) Half() bool {
	return (l.Prev == Nil) != (l.Next == Nil)
}

// Ring is a circular list whose elements are arena indices; link maps
// an index to the element's Link for this ring.
type Ring struct {
	link func(i int32) *Link
	head int32
	len  int
}

func Mk(link func(i int32) *Link) Ring {
	return Ring{link: link, head: Nil}
}

func (r *Ring) Empty() bool {
	return r.head == Nil
}

func (r *Ring) Len() int {
	return r.len
}

// Front returns the first element, or Nil.
func (r *Ring) Front() int32 {
	return r.head
}

func (r *Ring) PushBack(i int32) {
	l := r.link(i)
	if l.Linked() || l.Prev != Nil {
		panic("ring.PushBack")
	}
	if r.head == Nil {
		l.Prev = i
		l.Next = i
		r.head = i
	} else {
		h := r.link(r.head)
		tail := h.Prev
		l.Prev = tail
		l.Next = r.head
		r.link(tail).Next = i
		h.Prev = i
	}
	r.len++
}

func (r *Ring) PushFront(i int32) {
	r.PushBack(i)
	r.head = i
}

func (r *Ring) Remove(i int32) {
	l := r.link(i)
	if !l.Linked() || l.Prev == Nil {
		panic("ring.Remove")
	}
	if l.Next == i {
		if r.head != i {
			panic("ring.Remove: foreign element")
		}
		r.head = Nil
	} else {
		r.link(l.Prev).Next = l.Next
		r.link(l.Next).Prev = l.Prev
		if r.head == i {
			r.head = l.Next
		}
	}
	*l = Unlinked()
	r.len--
}

// Apply calls f on each element from the front. f must not modify the
// ring. Apply panics if it walks more than max elements.
func (r *Ring) Apply(max int, f func(i int32)) {
	if r.head == Nil {
		return
	}
	i := r.head
	for n := 0; ; n++ {
		if n >= max {
			panic("ring.Apply: cycle")
		}
		f(i)
		i = r.link(i).Next
		if i == r.head {
			return
		}
	}
}

// Check panics unless every element's neighbours point back at it and
// the walk length matches Len.
func (r *Ring) Check(max int) {
	n := 0
	r.Apply(max, func(i int32) {
		l := r.link(i)
		if r.link(l.Next).Prev != i || r.link(l.Prev).Next != i {
			panic("ring.Check: broken links")
		}
		n++
	})
	if n != r.len {
		panic("ring.Check: length")
	}
}
