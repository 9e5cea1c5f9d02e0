// Package tombstone translates between the visible text of a document (the
// view) and its tombstone model, and builds operations for edits expressed in
// either coordinate system.
//
// Every function is pure: the model is passed in as its serialized segment
// list and is never modified.
package tombstone

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"otp2p/internal/ot"
)

var (
	// ErrInconsistentState is returned when a view does not match the live
	// projection of its model.
	ErrInconsistentState = errors.New("model and view don't match")
	// ErrIndexOutOfRange is returned for negative or past-the-end indexes.
	ErrIndexOutOfRange = errors.New("index is out of range")
	// ErrEmptyEdit is returned for an insert without text or a delete of
	// zero characters.
	ErrEmptyEdit = errors.New("edit is empty")
)

// NoVisibleCharacter is returned by LastVisibleCharacterIndex when a model has
// no live characters.
const NoVisibleCharacter = -1

// Edit is a single user edit: either an insert of Text or a delete of Count
// characters.
type Edit struct {
	Text  string
	Count int
}

// InsertEdit returns an edit inserting text.
func InsertEdit(text string) Edit { return Edit{Text: text} }

// DeleteEdit returns an edit deleting count characters.
func DeleteEdit(count int) Edit { return Edit{Count: count} }

// IsDelete reports whether the edit deletes characters.
func (e Edit) IsDelete() bool { return e.Text == "" }

// Len returns the number of characters the edit affects.
func (e Edit) Len() int {
	if e.IsDelete() {
		return e.Count
	}
	return utf8.RuneCountInString(e.Text)
}

// IsTombstone reports whether seg counts deleted positions rather than text.
func IsTombstone(seg ot.Segment) bool {
	return seg.IsTombstone()
}

// ModelItemsToView concatenates the live spans of model in order.
func ModelItemsToView(model []ot.Segment) string {
	var sb strings.Builder
	for _, seg := range model {
		if !IsTombstone(seg) {
			sb.WriteString(seg.Text)
		}
	}
	return sb.String()
}

// ModelLength returns the number of positions in model, tombstones included.
func ModelLength(model []ot.Segment) int {
	n := 0
	for _, seg := range model {
		n += seg.Len()
	}
	return n
}

// LastVisibleCharacterIndex returns the model index of the last live
// character, or NoVisibleCharacter.
func LastVisibleCharacterIndex(model []ot.Segment) int {
	trailing := 0
	i := len(model) - 1
	for ; i >= 0 && IsTombstone(model[i]); i-- {
		trailing += model[i].Tombstones
	}
	if i < 0 {
		return NoVisibleCharacter
	}
	return ModelLength(model) - trailing - 1
}

// CountTombstonesInRange returns how many tombstoned positions fall in
// [start, end).
func CountTombstonesInRange(start, end int, model []ot.Segment) int {
	count, pos := 0, 0
	for _, seg := range model {
		if pos >= end {
			break
		}
		length := seg.Len()
		if IsTombstone(seg) {
			if overlap := min(end, pos+length) - max(start, pos); overlap > 0 {
				count += overlap
			}
		}
		pos += length
	}
	return count
}

// ViewToModelIndex maps an offset in view to an offset in model.
//
// An offset that falls between two live spans skips the tombstones between
// them, so the result sits right before the next live character.
func ViewToModelIndex(viewIndex int, view string, model []ot.Segment) (int, error) {
	if ModelItemsToView(model) != view {
		return 0, ErrInconsistentState
	}
	viewLength := utf8.RuneCountInString(view)
	if viewIndex < 0 || viewIndex > viewLength {
		return 0, fmt.Errorf("%w: view index %d, view length %d", ErrIndexOutOfRange, viewIndex, viewLength)
	}

	if viewLength == 0 && viewIndex == 0 {
		return 0, nil
	}
	if viewIndex == viewLength {
		return LastVisibleCharacterIndex(model) + 1, nil
	}

	modelIndex, curView := 0, 0
	for _, seg := range model {
		if curView > viewIndex {
			break
		}
		if IsTombstone(seg) {
			modelIndex += seg.Tombstones
			continue
		}
		length := seg.Len()
		modelIndex += min(viewIndex-curView, length)
		curView += length
	}
	return modelIndex, nil
}

// ModelIndexToViewIndex maps a model offset to the view offset of the same
// place, discounting the tombstones before it.
func ModelIndexToViewIndex(modelIndex int, model []ot.Segment) int {
	return modelIndex - CountTombstonesInRange(0, modelIndex, model)
}

// GenerateOp builds the operation for an edit given in view coordinates.
// A delete spanning several characters also swallows the tombstones between
// them, so the op holds a single delete component.
func GenerateOp(edit Edit, viewIndex int, view string, model []ot.Segment) (ot.Op, error) {
	if err := checkEdit(edit); err != nil {
		return nil, err
	}
	if edit.IsDelete() {
		viewLength := utf8.RuneCountInString(view)
		if viewIndex < 0 || viewIndex+edit.Count > viewLength {
			return nil, fmt.Errorf("%w: delete of %d at %d, view length %d", ErrIndexOutOfRange, edit.Count, viewIndex, viewLength)
		}
	}

	modelIndex, err := ViewToModelIndex(viewIndex, view, model)
	if err != nil {
		return nil, err
	}

	affected := edit.Len()
	if edit.IsDelete() && edit.Count > 1 {
		last, err := ViewToModelIndex(viewIndex+edit.Count-1, view, model)
		if err != nil {
			return nil, err
		}
		affected = last - modelIndex + 1
	}
	return buildOp(edit, modelIndex, affected, ModelLength(model)), nil
}

func checkEdit(edit Edit) error {
	if edit.IsDelete() && edit.Count < 0 {
		return fmt.Errorf("%w: delete of %d characters", ErrIndexOutOfRange, edit.Count)
	}
	if edit.Len() == 0 {
		return ErrEmptyEdit
	}
	return nil
}

// GenerateRemoteOp builds the operation for an edit whose index is already in
// model coordinates.
func GenerateRemoteOp(edit Edit, modelIndex int, model []ot.Segment) (ot.Op, error) {
	if err := checkEdit(edit); err != nil {
		return nil, err
	}
	length := ModelLength(model)
	end := modelIndex
	if edit.IsDelete() {
		end += edit.Count
	}
	if modelIndex < 0 || end > length {
		return nil, fmt.Errorf("%w: model index %d, model length %d", ErrIndexOutOfRange, modelIndex, length)
	}
	return buildOp(edit, modelIndex, edit.Len(), length), nil
}

func buildOp(edit Edit, modelIndex, affected, modelLength int) ot.Op {
	op := ot.Op{}
	if modelIndex > 0 {
		op = append(op, ot.Retain(modelIndex))
	}

	newLength := modelLength
	if edit.IsDelete() {
		op = append(op, ot.Delete(affected))
	} else {
		op = append(op, ot.Insert(edit.Text))
		newLength += affected
	}

	if trailing := newLength - modelIndex - affected; trailing > 0 {
		op = append(op, ot.Retain(trailing))
	}
	return op
}

// ViewEffectedToModelEffected converts a count of live characters, starting at
// modelIndex, into the number of model positions they span including the
// tombstones in between.
func ViewEffectedToModelEffected(modelIndex, viewCount int, model []ot.Segment) int {
	if viewCount <= 0 {
		return 0
	}
	pos, live := 0, 0
	for _, seg := range model {
		length := seg.Len()
		end := pos + length
		if end <= modelIndex {
			pos = end
			continue
		}
		start := max(pos, modelIndex)
		if !IsTombstone(seg) {
			available := end - start
			if live+available >= viewCount {
				return start + (viewCount - live) - modelIndex
			}
			live += available
		}
		pos = end
	}
	return pos - modelIndex
}

// ModelEffectedToViewEffected converts a span of model positions into the
// number of live characters it covers.
func ModelEffectedToViewEffected(modelIndex, modelCount int, model []ot.Segment) int {
	return modelCount - CountTombstonesInRange(modelIndex, modelIndex+modelCount, model)
}
