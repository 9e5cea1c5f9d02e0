package ot

import "fmt"

// Compose returns a single op equivalent to applying a and then b. b must
// traverse the model produced by a.
//
// Deletes keep their positions as tombstones, so every component of a
// produces exactly Len() positions for b to walk over.
func Compose(a, b Op) (Op, error) {
	if err := Check(a); err != nil {
		return nil, err
	}
	if err := Check(b); err != nil {
		return nil, err
	}

	it := &opIter{op: a}
	out := &opBuilder{}

	for _, c := range b {
		switch c.Kind {
		case KindRetain:
			for remaining := c.N; remaining > 0; {
				chunk, ok := it.take(remaining, true)
				if !ok {
					return nil, fmt.Errorf("%w: compose: second op retains past the end of the first", ErrLengthMismatch)
				}
				out.append(chunk)
				remaining -= chunk.Len()
			}
		case KindInsert:
			out.append(c)
		case KindDelete:
			for remaining := c.N; remaining > 0; {
				chunk, ok := it.take(remaining, true)
				if !ok {
					return nil, fmt.Errorf("%w: compose: second op deletes past the end of the first", ErrLengthMismatch)
				}
				if chunk.IsInsert() {
					// Inserted by a, deleted by b.
					out.append(InsertTombstones(chunk.Len()))
				} else {
					out.append(Delete(chunk.Len()))
				}
				remaining -= chunk.Len()
			}
		default:
			return nil, fmt.Errorf("%w: unknown component kind %s", ErrInvalidOp, c.Kind)
		}
	}

	if _, ok := it.peek(); ok {
		return nil, fmt.Errorf("%w: compose: second op does not traverse the whole first op", ErrLengthMismatch)
	}
	return out.op(), nil
}

// ComposeAll folds ops left to right with Compose. An empty list yields an
// empty op.
func ComposeAll(ops []Op) (Op, error) {
	if len(ops) == 0 {
		return Op{}, nil
	}
	composed := ops[0]
	for i, op := range ops[1:] {
		var err error
		composed, err = Compose(composed, op)
		if err != nil {
			return nil, fmt.Errorf("failed to compose op %d: %w", i+1, err)
		}
	}
	return composed, nil
}
