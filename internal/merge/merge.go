// Package merge implements the streaming k-way merge of ordered operation
// streams.
//
// The merge buffers exactly one head element per source stream in a priority
// structure keyed by the canonical operation order, so memory stays bounded
// at O(k) and each emitted operation costs O(log k). It is a pure streaming
// merge: sources must already be internally ordered, local disorder cannot be
// corrected here.
package merge

import (
	"container/heap"

	"github.com/starford/raido/internal/models"
)

// Stream yields operations in non-decreasing canonical order
// (models.Operation.Before). ok reports whether an operation was returned;
// ok == false with a nil error means the stream is exhausted.
type Stream interface {
	Next() (op models.Operation, ok bool, err error)
}

// SliceStream adapts an in-memory, pre-ordered slice.
type SliceStream struct {
	ops []models.Operation
	i   int
}

// NewSliceStream returns a Stream over ops. The slice is not copied.
func NewSliceStream(ops []models.Operation) *SliceStream {
	return &SliceStream{ops: ops}
}

func (s *SliceStream) Next() (models.Operation, bool, error) {
	if s.i >= len(s.ops) {
		return models.Operation{}, false, nil
	}
	op := s.ops[s.i]
	s.i++
	return op, true, nil
}

type head struct {
	op  models.Operation
	src int
}

type headHeap []head

func (h headHeap) Len() int { return len(h) }
func (h headHeap) Less(i, j int) bool {
	if h[i].op.Before(h[j].op) {
		return true
	}
	if h[j].op.Before(h[i].op) {
		return false
	}
	// Fully identical keys: source index keeps the order stable.
	return h[i].src < h[j].src
}
func (h headHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *headHeap) Push(x any)        { *h = append(*h, x.(head)) }
func (h *headHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Merged merges several ordered streams into one ordered Stream.
type Merged struct {
	streams []Stream
	h       headHeap
	primed  bool
}

// New returns a Stream yielding the union of streams in canonical order.
func New(streams ...Stream) *Merged {
	return &Merged{streams: streams}
}

func (m *Merged) prime() error {
	m.h = make(headHeap, 0, len(m.streams))
	for i, s := range m.streams {
		op, ok, err := s.Next()
		if err != nil {
			return err
		}
		if ok {
			m.h = append(m.h, head{op: op, src: i})
		}
	}
	heap.Init(&m.h)
	m.primed = true
	return nil
}

// Next pops the globally smallest head and refills from its source.
func (m *Merged) Next() (models.Operation, bool, error) {
	if !m.primed {
		if err := m.prime(); err != nil {
			return models.Operation{}, false, err
		}
	}
	if m.h.Len() == 0 {
		return models.Operation{}, false, nil
	}
	top := m.h[0]
	next, ok, err := m.streams[top.src].Next()
	if err != nil {
		return models.Operation{}, false, err
	}
	if ok {
		m.h[0] = head{op: next, src: top.src}
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
	return top.op, true, nil
}
