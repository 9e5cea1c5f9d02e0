package ot

import "fmt"

// Apply returns the model that results from applying op to m. The input model
// is not modified. The op must traverse every position of m exactly once.
func Apply(m *Model, op Op) (*Model, error) {
	if err := Check(op); err != nil {
		return nil, err
	}

	it := &segmentIter{segments: m.segments}
	b := &modelBuilder{}

	for i, c := range op {
		switch c.Kind {
		case KindRetain:
			for remaining := c.N; remaining > 0; {
				seg, ok := it.take(remaining)
				if !ok {
					return nil, fmt.Errorf("%w: retain at component %d", ErrOpTooLong, i)
				}
				b.push(seg)
				remaining -= seg.Len()
			}
		case KindInsert:
			if c.Text != "" {
				b.push(Live(c.Text))
			} else {
				b.push(Tombstone(c.N))
			}
		case KindDelete:
			for remaining := c.N; remaining > 0; {
				seg, ok := it.take(remaining)
				if !ok {
					return nil, fmt.Errorf("%w: delete at component %d", ErrOpTooLong, i)
				}
				// Deleting a tombstone leaves it a tombstone.
				b.push(Tombstone(seg.Len()))
				remaining -= seg.Len()
			}
		}
	}

	if !it.done() {
		return nil, fmt.Errorf("%w: %d of %d positions traversed", ErrOpTooShort, InputLen(op), m.totalLength)
	}
	return b.model(), nil
}
