package textop

import (
	"fmt"
	"unicode/utf8"
)

// Replacement is one contiguous change: runes [Start, End) of the base
// document are replaced by Text.
type Replacement struct {
	Start int
	End   int
	Text  string
}

// Between returns the enclosing replacement that turns before into after.
// ok is false when the snapshots are identical.
func Between(before, after string) (r Replacement, ok bool) {
	b, a := []rune(before), []rune(after)
	start, oldEnd, newEnd := changedBounds(b, a)
	if oldEnd == start && newEnd == start {
		return Replacement{}, false
	}
	return Replacement{Start: start, End: oldEnd, Text: string(a[start:newEnd])}, true
}

func (r Replacement) delta() int {
	return utf8.RuneCountInString(r.Text) - (r.End - r.Start)
}

// Ops expresses r as a delete followed by an insert at the same position.
func (r Replacement) Ops() []Operation {
	var ops []Operation
	if r.End > r.Start {
		ops = append(ops, Delete(r.Start, r.End-r.Start))
	}
	if r.Text != "" {
		ops = append(ops, Insert(r.Start, r.Text))
	}
	return ops
}

func (r Replacement) Apply(doc string) (string, error) {
	if r.Start > r.End {
		return doc, fmt.Errorf("%w: replacement [%d, %d)", ErrInvalidOperation, r.Start, r.End)
	}
	return ApplyAll(doc, r.Ops())
}

// Rebase moves local, expressed against a base document, onto the document
// produced by applying remote to that same base. A remote change that ends
// at or before local.Start shifts local; one that starts at or after
// local.End leaves it in place. Overlapping changes cannot both survive and
// ok is false: the remote change wins.
func Rebase(local, remote Replacement) (rebased Replacement, ok bool) {
	switch {
	case remote.End <= local.Start:
		d := remote.delta()
		return Replacement{Start: local.Start + d, End: local.End + d, Text: local.Text}, true
	case remote.Start >= local.End:
		return local, true
	}
	return Replacement{}, false
}

// ShiftPosition adjusts a caret position for an operation that landed
// elsewhere in the document. Inserts at or before the caret push it right;
// deletes that start before the caret pull it left, never past the start
// of the deleted range.
func ShiftPosition(pos int, op Operation) int {
	switch op.Kind {
	case KindInsert:
		if op.Position <= pos {
			return pos + utf8.RuneCountInString(op.Text)
		}
	case KindDelete:
		if op.Position < pos {
			return pos - min(op.Length, pos-op.Position)
		}
	}
	return pos
}
