package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrInvalidOp is returned for malformed operations or components.
	ErrInvalidOp = errors.New("invalid operation")
	// ErrInvalidModel is returned when a serialized model cannot be decoded.
	ErrInvalidModel = errors.New("invalid model")
	// ErrOpTooShort is returned when an op does not traverse the whole model.
	ErrOpTooShort = errors.New("operation is too short to traverse the document")
	// ErrOpTooLong is returned when an op traverses past the end of the model.
	ErrOpTooLong = errors.New("operation traverses more positions than the document has")
	// ErrLengthMismatch is returned by Compose and Transform when the input
	// operations do not describe documents of compatible lengths.
	ErrLengthMismatch = errors.New("operation lengths do not match")
)

// Kind identifies the type of an operation component.
type Kind uint8

const (
	// KindRetain skips positions.
	KindRetain Kind = iota + 1
	// KindInsert inserts text, or tombstones when Text is empty.
	KindInsert
	// KindDelete turns positions into tombstones.
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindRetain:
		return "retain"
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Component is one step of an operation.
type Component struct {
	Kind Kind
	N    int    // positions for retain, delete and tombstone inserts
	Text string // inserted text
}

// Retain skips n positions.
func Retain(n int) Component { return Component{Kind: KindRetain, N: n} }

// Insert inserts text before the current position.
func Insert(text string) Component { return Component{Kind: KindInsert, Text: text} }

// InsertTombstones inserts n tombstones. Compose produces these when text is
// inserted and deleted by the composed operations.
func InsertTombstones(n int) Component { return Component{Kind: KindInsert, N: n} }

// Delete deletes n positions starting at the current position.
func Delete(n int) Component { return Component{Kind: KindDelete, N: n} }

// Len returns the number of positions the component spans.
func (c Component) Len() int {
	if c.Kind == KindInsert && c.Text != "" {
		return utf8.RuneCountInString(c.Text)
	}
	return c.N
}

// IsInsert reports whether the component is an insert of either form.
func (c Component) IsInsert() bool {
	return c.Kind == KindInsert
}

func (c Component) slice(from, to int) Component {
	if c.Kind == KindInsert && c.Text != "" {
		return Insert(runeSlice(c.Text, from, to))
	}
	return Component{Kind: c.Kind, N: to - from}
}

type insertJSON struct {
	Insert json.RawMessage `json:"insert,omitempty"`
	I      json.RawMessage `json:"i,omitempty"`
	Delete *int            `json:"delete,omitempty"`
	D      *int            `json:"d,omitempty"`
}

// MarshalJSON encodes the component in the wire format: a bare integer for a
// retain, {"insert": text|count} or {"delete": count}.
func (c Component) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case KindRetain:
		return json.Marshal(c.N)
	case KindInsert:
		if c.Text != "" {
			return json.Marshal(map[string]string{"insert": c.Text})
		}
		return json.Marshal(map[string]int{"insert": c.N})
	case KindDelete:
		return json.Marshal(map[string]int{"delete": c.N})
	default:
		return nil, fmt.Errorf("%w: unknown component kind %s", ErrInvalidOp, c.Kind)
	}
}

// UnmarshalJSON decodes the wire format. The short keys "i" and "d" are
// accepted as well.
func (c *Component) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*c = Retain(n)
		return nil
	}

	var raw insertJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidOp, data)
	}
	ins := raw.Insert
	if ins == nil {
		ins = raw.I
	}
	del := raw.Delete
	if del == nil {
		del = raw.D
	}

	switch {
	case ins != nil && del != nil:
		return fmt.Errorf("%w: component has both insert and delete: %s", ErrInvalidOp, data)
	case ins != nil:
		var text string
		if err := json.Unmarshal(ins, &text); err == nil {
			*c = Insert(text)
			return nil
		}
		if err := json.Unmarshal(ins, &n); err != nil {
			return fmt.Errorf("%w: insert must be a string or a number: %s", ErrInvalidOp, data)
		}
		*c = InsertTombstones(n)
		return nil
	case del != nil:
		*c = Delete(*del)
		return nil
	default:
		return fmt.Errorf("%w: component must define insert or delete: %s", ErrInvalidOp, data)
	}
}

// Op is an ordered list of components that together traverse a whole model.
type Op []Component

// Check validates every component of op.
func Check(op Op) error {
	for i, c := range op {
		switch c.Kind {
		case KindRetain, KindDelete:
			if c.N <= 0 {
				return fmt.Errorf("%w: component %d: %s must be positive", ErrInvalidOp, i, c.Kind)
			}
		case KindInsert:
			if c.Text == "" && c.N <= 0 {
				return fmt.Errorf("%w: component %d: insert must be non-empty", ErrInvalidOp, i)
			}
		default:
			return fmt.Errorf("%w: component %d: unknown kind %s", ErrInvalidOp, i, c.Kind)
		}
	}
	return nil
}

// Normalize drops empty components and merges neighbours of the same kind.
func Normalize(op Op) Op {
	b := &opBuilder{}
	for _, c := range op {
		b.append(c)
	}
	return b.op()
}

// InputLen returns the model length op expects to traverse.
func InputLen(op Op) int {
	n := 0
	for _, c := range op {
		if !c.IsInsert() {
			n += c.N
		}
	}
	return n
}

// opBuilder appends components, merging neighbours of the same kind.
type opBuilder struct {
	components Op
}

func (b *opBuilder) append(c Component) {
	if c.Len() == 0 {
		return
	}
	if last := len(b.components) - 1; last >= 0 {
		prev := &b.components[last]
		switch {
		case prev.Kind == KindRetain && c.Kind == KindRetain,
			prev.Kind == KindDelete && c.Kind == KindDelete:
			prev.N += c.N
			return
		case prev.Kind == KindInsert && c.Kind == KindInsert:
			if prev.Text != "" && c.Text != "" {
				prev.Text += c.Text
				return
			}
			if prev.Text == "" && c.Text == "" {
				prev.N += c.N
				return
			}
		}
	}
	b.components = append(b.components, c)
}

func (b *opBuilder) op() Op {
	if b.components == nil {
		return Op{}
	}
	return b.components
}

// opIter walks an op handing out chunks of its components.
type opIter struct {
	op     Op
	idx    int
	offset int
}

func (it *opIter) peek() (Component, bool) {
	if it.idx >= len(it.op) {
		return Component{}, false
	}
	return it.op[it.idx], true
}

// insertRun returns the inserts waiting at the current position without
// consuming them.
func (it *opIter) insertRun() Op {
	var run Op
	for i := it.idx; i < len(it.op) && it.op[i].IsInsert(); i++ {
		c := it.op[i]
		if i == it.idx && it.offset > 0 {
			c = c.slice(it.offset, c.Len())
		}
		run = append(run, c)
	}
	return run
}

// take returns at most max positions of the current component. A negative max
// takes the remainder. Inserts are handed out whole unless splitInserts is set.
func (it *opIter) take(max int, splitInserts bool) (Component, bool) {
	if it.idx >= len(it.op) {
		return Component{}, false
	}
	c := it.op[it.idx]
	length := c.Len()
	if max < 0 || length-it.offset <= max || (c.IsInsert() && !splitInserts) {
		chunk := c.slice(it.offset, length)
		it.idx++
		it.offset = 0
		return chunk, true
	}
	chunk := c.slice(it.offset, it.offset+max)
	it.offset += max
	return chunk, true
}

// MarshalJSON encodes a nil op as an empty array.
func (op Op) MarshalJSON() ([]byte, error) {
	if op == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Component(op))
}
