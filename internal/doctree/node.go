// Package doctree defines the structured case-document tree: the node and
// mark vocabulary, structural validation, synthesis from flat fields, text
// positions, and the mark collector shared by the change-tracking and
// comment engines.
package doctree

import (
	"encoding/json"
	"fmt"
)

// Node types.
const (
	NodeDoc            = "doc"
	NodeSection        = "section"
	NodeSectionTitle   = "sectionTitle"
	NodeSectionContent = "sectionContent"
	NodeParagraph      = "paragraph"
	NodeText           = "text"
)

// Formatting mark types.
const (
	MarkBold      = "bold"
	MarkItalic    = "italic"
	MarkUnderline = "underline"
	MarkStrike    = "strike"
	MarkCode      = "code"
)

// Change and comment mark types.
const (
	MarkInsertion    = "insertion"
	MarkDeletion     = "deletion"
	MarkFormatChange = "formatChange"
	MarkComment      = "comment"
)

// FormattingMarks returns the known formatting mark types in a stable order.
func FormattingMarks() []string {
	return []string{MarkBold, MarkItalic, MarkUnderline, MarkStrike, MarkCode}
}

// Mark is an attribute tag attached to a text run. Marks carry metadata
// without altering the text itself.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// StringAttr reads a string attribute, returning "" when absent.
func (m Mark) StringAttr(key string) string {
	v, _ := m.Attrs[key].(string)
	return v
}

// Node is one node in the document tree. Text runs have Type == NodeText and
// carry the text plus zero or more marks; all other nodes carry children.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Parse decodes a raw JSON tree.
func Parse(raw []byte) (*Node, error) {
	var node Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &node, nil
}

// Encode serializes the tree back to JSON.
func (n *Node) Encode() ([]byte, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return raw, nil
}

// StringAttr reads a string attribute, returning "" when absent.
func (n *Node) StringAttr(key string) string {
	v, _ := n.Attrs[key].(string)
	return v
}

// IsText reports whether the node is a text run.
func (n *Node) IsText() bool {
	return n.Type == NodeText
}

// FindMark returns the first mark of the given type.
func (n *Node) FindMark(markType string) (Mark, bool) {
	for _, m := range n.Marks {
		if m.Type == markType {
			return m, true
		}
	}
	return Mark{}, false
}

// HasMark reports whether the node carries a mark of the given type.
func (n *Node) HasMark(markType string) bool {
	_, ok := n.FindMark(markType)
	return ok
}

// AddMark attaches a mark, replacing any existing mark of the same type.
func (n *Node) AddMark(mark Mark) {
	for i, m := range n.Marks {
		if m.Type == mark.Type {
			n.Marks[i] = mark
			return
		}
	}
	n.Marks = append(n.Marks, mark)
}

// RemoveMark detaches every mark of the given type.
func (n *Node) RemoveMark(markType string) bool {
	kept := n.Marks[:0]
	removed := false
	for _, m := range n.Marks {
		if m.Type == markType {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		n.Marks = nil
		return removed
	}
	n.Marks = kept
	return removed
}

// Clone deep-copies the node and its subtree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Type: n.Type, Text: n.Text}
	if n.Attrs != nil {
		out.Attrs = make(map[string]any, len(n.Attrs))
		for k, v := range n.Attrs {
			out.Attrs[k] = v
		}
	}
	if n.Marks != nil {
		out.Marks = make([]Mark, len(n.Marks))
		for i, m := range n.Marks {
			out.Marks[i] = Mark{Type: m.Type}
			if m.Attrs != nil {
				out.Marks[i].Attrs = make(map[string]any, len(m.Attrs))
				for k, v := range m.Attrs {
					out.Marks[i].Attrs[k] = v
				}
			}
		}
	}
	for _, child := range n.Content {
		out.Content = append(out.Content, child.Clone())
	}
	return out
}

// TextRun builds a text node carrying the given marks.
func TextRun(text string, marks ...Mark) *Node {
	return &Node{Type: NodeText, Text: text, Marks: marks}
}

// Paragraph builds a paragraph node around the given runs.
func Paragraph(runs ...*Node) *Node {
	return &Node{Type: NodeParagraph, Content: runs}
}
