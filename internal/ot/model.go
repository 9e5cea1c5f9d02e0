package ot

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

/*
LEARNING: TOMBSTONE TEXT MODEL

A model is the internal form of a document. Deleted characters are not removed,
they are replaced by tombstones so that every position ever created stays
addressable. Concurrent operations can then agree on positions even when one
peer has already deleted the text the other peer is editing around.

  view:  "ac"
  model: ["a", 1, "c"]   ("b" was deleted and left one tombstone)

Positions and lengths count runes, not bytes.
*/

// Segment is one run of a model: live text or a count of tombstones.
type Segment struct {
	Text       string
	Tombstones int
}

// Live returns a segment of visible text.
func Live(text string) Segment {
	return Segment{Text: text}
}

// Tombstone returns a segment of n deleted positions.
func Tombstone(n int) Segment {
	return Segment{Tombstones: n}
}

// IsTombstone reports whether the segment is a tombstone run.
func (s Segment) IsTombstone() bool {
	return s.Text == ""
}

// Len returns the number of model positions covered by the segment.
func (s Segment) Len() int {
	if s.IsTombstone() {
		return s.Tombstones
	}
	return utf8.RuneCountInString(s.Text)
}

func (s Segment) slice(from, to int) Segment {
	if s.IsTombstone() {
		return Tombstone(to - from)
	}
	return Live(runeSlice(s.Text, from, to))
}

// MarshalJSON encodes live text as a JSON string and tombstones as a number.
func (s Segment) MarshalJSON() ([]byte, error) {
	if s.IsTombstone() {
		return json.Marshal(s.Tombstones)
	}
	return json.Marshal(s.Text)
}

// UnmarshalJSON accepts either a string or a positive integer.
func (s *Segment) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*s = Live(text)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: segment must be a string or a number: %s", ErrInvalidModel, data)
	}
	*s = Tombstone(n)
	return nil
}

// Model is an immutable tombstone text model. Use Create or Deserialize to
// build one and Apply to derive new ones.
type Model struct {
	segments    []Segment
	charLength  int
	totalLength int
}

// Create returns a model holding text with no tombstones.
func Create(text string) *Model {
	b := &modelBuilder{}
	b.push(Live(text))
	return b.model()
}

// Len returns the total number of positions, tombstones included.
func (m *Model) Len() int {
	return m.totalLength
}

// CharLen returns the number of visible characters.
func (m *Model) CharLen() int {
	return m.charLength
}

// Text returns the visible text.
func (m *Model) Text() string {
	var sb strings.Builder
	for _, seg := range m.segments {
		sb.WriteString(seg.Text)
	}
	return sb.String()
}

// Serialize returns a copy of the model's segments in their portable form.
func Serialize(m *Model) []Segment {
	out := make([]Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// Deserialize validates segments and builds a model from them. Adjacent
// segments of the same kind are merged.
func Deserialize(segments []Segment) (*Model, error) {
	b := &modelBuilder{}
	for i, seg := range segments {
		if seg.IsTombstone() && seg.Tombstones <= 0 {
			return nil, fmt.Errorf("%w: segment %d has a non-positive tombstone count", ErrInvalidModel, i)
		}
		b.push(seg)
	}
	return b.model(), nil
}

// MarshalJSON encodes the model as its segment list.
func (m *Model) MarshalJSON() ([]byte, error) {
	return json.Marshal(Serialize(m))
}

// modelBuilder accumulates segments, merging neighbours of the same kind.
type modelBuilder struct {
	segments    []Segment
	charLength  int
	totalLength int
}

func (b *modelBuilder) push(seg Segment) {
	n := seg.Len()
	if n == 0 {
		return
	}
	b.totalLength += n
	if !seg.IsTombstone() {
		b.charLength += n
	}
	if last := len(b.segments) - 1; last >= 0 && b.segments[last].IsTombstone() == seg.IsTombstone() {
		if seg.IsTombstone() {
			b.segments[last].Tombstones += seg.Tombstones
		} else {
			b.segments[last].Text += seg.Text
		}
		return
	}
	b.segments = append(b.segments, seg)
}

func (b *modelBuilder) model() *Model {
	return &Model{
		segments:    b.segments,
		charLength:  b.charLength,
		totalLength: b.totalLength,
	}
}

// segmentIter walks a segment list handing out chunks of at most a requested size.
type segmentIter struct {
	segments []Segment
	idx      int
	offset   int
}

func (it *segmentIter) done() bool {
	return it.idx >= len(it.segments)
}

func (it *segmentIter) take(max int) (Segment, bool) {
	if it.done() {
		return Segment{}, false
	}
	seg := it.segments[it.idx]
	length := seg.Len()
	if length-it.offset <= max {
		chunk := seg.slice(it.offset, length)
		it.idx++
		it.offset = 0
		return chunk, true
	}
	chunk := seg.slice(it.offset, it.offset+max)
	it.offset += max
	return chunk, true
}

// runeSlice returns the runes of s in [from, to).
func runeSlice(s string, from, to int) string {
	start, end := -1, len(s)
	i := 0
	for pos := range s {
		if i == from {
			start = pos
		}
		if i == to {
			end = pos
			break
		}
		i++
	}
	if start < 0 {
		return ""
	}
	return s[start:end]
}
