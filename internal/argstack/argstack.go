// Package argstack implements the LIFO of pushed argument items that
// accumulates between EXECUTE messages.
package argstack

// Item is a contiguous byte buffer: the atomic unit of argument and result
// transport on the wire.
type Item = []byte

// Stack is a last-in-first-out sequence of Items. The zero value is an
// empty, ready-to-use stack.
type Stack struct {
	items []Item
}

// Push appends item to the top of the stack. The last item pushed before
// an EXECUTE becomes dispatcher argument index 0.
func (s *Stack) Push(item Item) {
	s.items = append(s.items, item)
}

// Len reports the number of items currently on the stack.
func (s *Stack) Len() int {
	return len(s.items)
}

// Top returns the n items at the top of the stack in LIFO order (index 0
// is the most recently pushed item), without removing them. It returns
// false if fewer than n items are present.
func (s *Stack) Top(n int) ([]Item, bool) {
	if n > len(s.items) {
		return nil, false
	}
	out := make([]Item, n)
	for i := 0; i < n; i++ {
		out[i] = s.items[len(s.items)-1-i]
	}
	return out, true
}

// PopAll releases every item on the stack, in push order, and empties it.
// Called after every dispatched EXECUTE, successful or not, so arguments
// never leak between calls.
func (s *Stack) PopAll() {
	s.items = s.items[:0]
}
