package doctree

import (
	"errors"
	"strings"
)

// Positions are rune offsets over the concatenated text of every text run in
// document order, section titles included. Structural boundaries contribute
// nothing to the offset space.

var (
	ErrOutOfRange = errors.New("position out of range")
	ErrTitleEdit  = errors.New("section title is not editable")
)

// Run is one text run located in the document.
type Run struct {
	Node    *Node
	Parent  *Node
	Index   int
	Section *Node
	InTitle bool
	From    int
	To      int
}

type paraInfo struct {
	node    *Node
	section *Node
	inTitle bool
	from    int
	to      int
}

func paras(doc *Node) []paraInfo {
	var out []paraInfo
	offset := 0
	for _, section := range doc.Content {
		if section.Type != NodeSection {
			continue
		}
		for _, block := range section.Content {
			inTitle := block.Type == NodeSectionTitle
			for _, para := range block.Content {
				if para.Type != NodeParagraph {
					continue
				}
				info := paraInfo{node: para, section: section, inTitle: inTitle, from: offset}
				for _, run := range para.Content {
					if run.IsText() {
						offset += len([]rune(run.Text))
					}
				}
				info.to = offset
				out = append(out, info)
			}
		}
	}
	return out
}

// Runs lists every text run with its global offsets, in document order.
func Runs(doc *Node) []Run {
	var out []Run
	for _, p := range paras(doc) {
		offset := p.from
		for i, run := range p.node.Content {
			if !run.IsText() {
				continue
			}
			n := len([]rune(run.Text))
			out = append(out, Run{
				Node:    run,
				Parent:  p.node,
				Index:   i,
				Section: p.section,
				InTitle: p.inTitle,
				From:    offset,
				To:      offset + n,
			})
			offset += n
		}
	}
	return out
}

// Length returns the total text length of the document.
func Length(doc *Node) int {
	n := 0
	for _, p := range paras(doc) {
		n += p.to - p.from
	}
	return n
}

// TextBetween returns the concatenated text of the runs overlapping
// [from, to), clipped to the range.
func TextBetween(doc *Node, from, to int) string {
	var b strings.Builder
	for _, r := range Runs(doc) {
		if r.To <= from || r.From >= to {
			continue
		}
		runes := []rune(r.Node.Text)
		lo, hi := 0, len(runes)
		if from > r.From {
			lo = from - r.From
		}
		if to < r.To {
			hi = to - r.From
		}
		b.WriteString(string(runes[lo:hi]))
	}
	return b.String()
}

// RangeInTitle reports whether [from, to) overlaps any section-title run.
// A zero-length position is in a title only when no editable paragraph shares
// that boundary: a title's end offset is also the start of the section's
// content, and the content owns it.
func RangeInTitle(doc *Node, from, to int) bool {
	if to < from {
		to = from
	}
	if from == to {
		inTitle := false
		for _, p := range paras(doc) {
			if from < p.from || from > p.to {
				continue
			}
			if !p.inTitle {
				return false
			}
			inTitle = true
		}
		return inTitle
	}
	for _, p := range paras(doc) {
		if !p.inTitle {
			continue
		}
		if from < p.to && to > p.from {
			return true
		}
	}
	return false
}

// SplitAt ensures a run boundary exists at every given offset, splitting any
// run the offset falls strictly inside. Offsets stay valid across splits
// because splitting never changes text length.
func SplitAt(doc *Node, offsets ...int) {
	for _, off := range offsets {
		splitOne(doc, off)
	}
}

func splitOne(doc *Node, off int) {
	for _, r := range Runs(doc) {
		if off <= r.From || off >= r.To {
			continue
		}
		runes := []rune(r.Node.Text)
		at := off - r.From
		left := r.Node
		right := TextRun(string(runes[at:]), cloneMarks(left.Marks)...)
		left.Text = string(runes[:at])
		content := r.Parent.Content
		content = append(content, nil)
		copy(content[r.Index+2:], content[r.Index+1:])
		content[r.Index+1] = right
		r.Parent.Content = content
		return
	}
}

func cloneMarks(marks []Mark) []Mark {
	if marks == nil {
		return nil
	}
	out := make([]Mark, len(marks))
	for i, m := range marks {
		out[i] = Mark{Type: m.Type}
		if m.Attrs != nil {
			out[i].Attrs = make(map[string]any, len(m.Attrs))
			for k, v := range m.Attrs {
				out[i].Attrs[k] = v
			}
		}
	}
	return out
}

// MarkRange splits at the range boundaries and applies the mark to every run
// inside [from, to). The mark's attrs are copied per run so later per-run
// mutations stay independent.
func MarkRange(doc *Node, from, to int, mark Mark) error {
	if from < 0 || to > Length(doc) || from >= to {
		return ErrOutOfRange
	}
	SplitAt(doc, from, to)
	for _, r := range Runs(doc) {
		if r.From >= from && r.To <= to && r.From < r.To {
			copied := cloneMarks([]Mark{mark})
			r.Node.AddMark(copied[0])
		}
	}
	return nil
}

// InsertRun places a text run at the given position inside an editable
// paragraph. Positions inside a section title are rejected.
func InsertRun(doc *Node, pos int, run *Node) error {
	if pos < 0 || pos > Length(doc) {
		return ErrOutOfRange
	}
	for _, p := range paras(doc) {
		if pos > p.to {
			continue
		}
		if p.inTitle {
			// The title's end offset doubles as the content's start; the
			// insert belongs to the paragraph that follows.
			if pos == p.to {
				continue
			}
			return ErrTitleEdit
		}
		SplitAt(doc, pos)
		idx := len(p.node.Content)
		offset := p.from
		for i, child := range p.node.Content {
			if offset >= pos {
				idx = i
				break
			}
			if child.IsText() {
				offset += len([]rune(child.Text))
			}
		}
		content := p.node.Content
		content = append(content, nil)
		copy(content[idx+1:], content[idx:])
		content[idx] = run
		p.node.Content = content
		return nil
	}
	return ErrOutOfRange
}

// RemoveRuns deletes every text run matching the predicate. Paragraphs left
// empty are kept; only accept/reject of tracked changes removes text, never
// structure.
func RemoveRuns(doc *Node, match func(*Node) bool) int {
	removed := 0
	for _, p := range paras(doc) {
		kept := p.node.Content[:0]
		for _, child := range p.node.Content {
			if child.IsText() && match(child) {
				removed++
				continue
			}
			kept = append(kept, child)
		}
		if len(kept) == 0 {
			p.node.Content = nil
			continue
		}
		p.node.Content = kept
	}
	return removed
}
