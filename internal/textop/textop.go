// Package textop holds the pure text operations the sync engine is built on:
// single insert/delete operations, their application to a document, and the
// prefix/suffix diff that turns two snapshots into operations.
//
// Positions and lengths always count runes.
package textop

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrOutOfRange       = errors.New("operation out of range")
	ErrInvalidOperation = errors.New("invalid operation")
)

type Kind string

const (
	KindNone   Kind = ""
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Operation struct {
	Kind     Kind   `json:"kind"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
}

func Insert(position int, text string) Operation {
	return Operation{Kind: KindInsert, Position: position, Text: text}
}

func Delete(position, length int) Operation {
	return Operation{Kind: KindDelete, Position: position, Length: length}
}

// IsNoOp reports whether applying op leaves every document unchanged.
func (op Operation) IsNoOp() bool {
	switch op.Kind {
	case KindInsert:
		return op.Text == ""
	case KindDelete:
		return op.Length == 0
	default:
		return true
	}
}

// Size is the number of runes inserted or removed.
func (op Operation) Size() int {
	switch op.Kind {
	case KindInsert:
		return utf8.RuneCountInString(op.Text)
	case KindDelete:
		return op.Length
	default:
		return 0
	}
}

func (op Operation) String() string {
	switch op.Kind {
	case KindInsert:
		return fmt.Sprintf("insert(%d, %q)", op.Position, op.Text)
	case KindDelete:
		return fmt.Sprintf("delete(%d, %d)", op.Position, op.Length)
	default:
		return "noop"
	}
}

// Len returns the document length in runes.
func Len(doc string) int {
	return utf8.RuneCountInString(doc)
}

// Apply returns doc with op applied. On error doc is returned unchanged.
func Apply(doc string, op Operation) (string, error) {
	switch op.Kind {
	case KindNone:
		return doc, nil
	case KindInsert:
		runes := []rune(doc)
		if op.Position < 0 || op.Position > len(runes) {
			return doc, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, op.Position, len(runes))
		}
		if op.Text == "" {
			return doc, nil
		}
		return string(runes[:op.Position]) + op.Text + string(runes[op.Position:]), nil
	case KindDelete:
		runes := []rune(doc)
		if op.Position < 0 || op.Length < 0 || op.Position+op.Length > len(runes) {
			return doc, fmt.Errorf("%w: delete %d at %d, length %d", ErrOutOfRange, op.Length, op.Position, len(runes))
		}
		if op.Length == 0 {
			return doc, nil
		}
		return string(runes[:op.Position]) + string(runes[op.Position+op.Length:]), nil
	default:
		return doc, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
}

// ApplyAll applies ops in order. It stops at the first failing operation and
// returns doc unchanged.
func ApplyAll(doc string, ops []Operation) (string, error) {
	out := doc
	for i, op := range ops {
		next, err := Apply(out, op)
		if err != nil {
			return doc, fmt.Errorf("op %d: %w", i, err)
		}
		out = next
	}
	return out, nil
}

// Diff returns the single operation that explains the length change between
// before and after. Equal-length snapshots yield a no-op even when their
// contents differ; use Changes to capture replacements.
func Diff(before, after string) Operation {
	b, a := []rune(before), []rune(after)
	start, oldEnd, newEnd := changedBounds(b, a)
	switch {
	case len(a) > len(b):
		return Insert(start, string(a[start:newEnd]))
	case len(a) < len(b):
		return Delete(start, oldEnd-start)
	}
	return Operation{}
}

// Changes returns the operations that turn before into after exactly: a
// delete of the changed region followed by an insert of its replacement.
// Either may be absent; identical snapshots yield nil.
func Changes(before, after string) []Operation {
	b, a := []rune(before), []rune(after)
	start, oldEnd, newEnd := changedBounds(b, a)
	var ops []Operation
	if oldEnd > start {
		ops = append(ops, Delete(start, oldEnd-start))
	}
	if newEnd > start {
		ops = append(ops, Insert(start, string(a[start:newEnd])))
	}
	return ops
}

func changedBounds(b, a []rune) (start, oldEnd, newEnd int) {
	limit := min(len(b), len(a))
	for start < limit && b[start] == a[start] {
		start++
	}
	oldEnd, newEnd = len(b), len(a)
	for oldEnd > start && newEnd > start && b[oldEnd-1] == a[newEnd-1] {
		oldEnd--
		newEnd--
	}
	return start, oldEnd, newEnd
}
