// Package comments manages comment marks on the document tree: anchoring a
// discussion to a text range, toggling resolution, removal, and orphan
// detection. Thread persistence (root rows plus one level of replies) lives
// in the store; this package only touches the tree.
package comments

import (
	"errors"
	"time"

	"casedesk/api/internal/doctree"
)

// ErrEmptySelection is returned when a comment is created without a
// non-empty text selection to anchor to.
var ErrEmptySelection = errors.New("comment requires a non-empty selection")

// Anchor describes a new comment's mark metadata.
type Anchor struct {
	CommentID  string
	AuthorID   string
	AuthorName string
	CreatedAt  time.Time
}

// Annotate wraps the selection [from, to) in a comment mark and returns the
// anchored text. The selection must contain at least one character.
func Annotate(doc *doctree.Node, from, to int, anchor Anchor) (string, error) {
	if from >= to {
		return "", ErrEmptySelection
	}
	text := doctree.TextBetween(doc, from, to)
	if text == "" {
		return "", ErrEmptySelection
	}
	mark := doctree.Mark{Type: doctree.MarkComment, Attrs: map[string]any{
		"commentId":  anchor.CommentID,
		"authorId":   anchor.AuthorID,
		"authorName": anchor.AuthorName,
		"timestamp":  anchor.CreatedAt.UTC().Format(time.RFC3339),
		"resolved":   false,
	}}
	if err := doctree.MarkRange(doc, from, to, mark); err != nil {
		return "", err
	}
	return text, nil
}

// SetResolved flips the resolved attribute on every mark of the comment.
// Returns false when no mark with the id exists (the anchor may be orphaned).
func SetResolved(doc *doctree.Node, commentID string, resolved bool) bool {
	found := false
	for _, r := range doctree.Runs(doc) {
		for i := range r.Node.Marks {
			m := &r.Node.Marks[i]
			if id, ok := doctree.CommentFamily(*m); ok && id == commentID {
				if m.Attrs == nil {
					m.Attrs = map[string]any{}
				}
				m.Attrs["resolved"] = resolved
				found = true
			}
		}
	}
	return found
}

// Remove strips every mark of the comment from the document. The text stays;
// only the annotation goes.
func Remove(doc *doctree.Node, commentID string) bool {
	found := false
	for _, r := range doctree.Runs(doc) {
		kept := r.Node.Marks[:0]
		for _, m := range r.Node.Marks {
			if id, ok := doctree.CommentFamily(m); ok && id == commentID {
				found = true
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			r.Node.Marks = nil
			continue
		}
		r.Node.Marks = kept
	}
	return found
}

// AnchorText returns the comment's current anchored text. ok is false when no
// live range carries the comment's mark any more, meaning the comment is
// orphaned (for example, its anchor was deleted and the deletion accepted).
// Orphaned comments stay visible, flagged; loss of anchor is informational,
// never destructive.
func AnchorText(doc *doctree.Node, commentID string) (text string, ok bool) {
	for _, r := range doctree.Collect(doc, doctree.CommentFamily) {
		if r.ID == commentID {
			return r.Text, true
		}
	}
	return "", false
}
