package ot

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Side breaks ties when two operations insert at the same position.
type Side uint8

const (
	// Left places the transformed op's insert before the concurrent insert.
	Left Side = iota + 1
	// Right places the transformed op's insert after the concurrent insert.
	Right
)

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Transform rewrites op, which was built against the same model as against,
// so that it applies after against. For two concurrent ops a and b:
//
//	Apply(Apply(m, a), Transform(b, a, Right)) == Apply(Apply(m, b), Transform(a, b, Left))
//
// Deletes never remove positions, so only the inserts of against shift op.
func Transform(op, against Op, side Side) (Op, error) {
	return transform(op, against, side, false)
}

// TransformOrdered is Transform with colliding inserts ordered by content:
// when both ops insert at the same position, the run of inserts whose wire
// form sorts first goes first. Two peers that apply a and b in opposite
// orders therefore agree on the result even when both use the same side.
// side only decides between identical runs.
func TransformOrdered(op, against Op, side Side) (Op, error) {
	return transform(op, against, side, true)
}

func transform(op, against Op, side Side, ordered bool) (Op, error) {
	if side != Left && side != Right {
		return nil, fmt.Errorf("%w: unknown side %s", ErrInvalidOp, side)
	}
	if err := Check(op); err != nil {
		return nil, err
	}
	if err := Check(against); err != nil {
		return nil, err
	}

	it := &opIter{op: op}
	out := &opBuilder{}

	for i := 0; i < len(against); i++ {
		c := against[i]
		switch c.Kind {
		case KindRetain, KindDelete:
			for remaining := c.N; remaining > 0; {
				chunk, ok := it.take(remaining, false)
				if !ok {
					return nil, fmt.Errorf("%w: transform: op is shorter than the op it is transformed against", ErrLengthMismatch)
				}
				out.append(chunk)
				if !chunk.IsInsert() {
					remaining -= chunk.Len()
				}
			}
		case KindInsert:
			end := i + 1
			for end < len(against) && against[end].IsInsert() {
				end++
			}
			run := against[i:end]

			first := side == Left
			if ordered {
				if mine := it.insertRun(); len(mine) > 0 {
					if cmp := compareRuns(mine, run); cmp != 0 {
						first = cmp < 0
					}
				}
			}
			if first {
				for {
					next, ok := it.peek()
					if !ok || !next.IsInsert() {
						break
					}
					chunk, _ := it.take(-1, false)
					out.append(chunk)
				}
			}
			// Inserts of op left here follow the run: the next retain or
			// delete hands them out before its own positions.
			for _, ins := range run {
				out.append(Retain(ins.Len()))
			}
			i = end - 1
		}
	}

	for {
		chunk, ok := it.take(-1, false)
		if !ok {
			break
		}
		if !chunk.IsInsert() {
			return nil, fmt.Errorf("%w: transform: op is longer than the op it is transformed against", ErrLengthMismatch)
		}
		out.append(chunk)
	}
	return out.op(), nil
}

// compareRuns orders two runs of inserts by their wire form.
func compareRuns(a, b Op) int {
	ka, errA := json.Marshal(a)
	kb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return 0
	}
	return bytes.Compare(ka, kb)
}
