package doctree

import (
	"errors"
	"fmt"
)

// ErrMalformed tags every structural validation failure. Malformed documents
// are refused outright; no partial repair is attempted.
var ErrMalformed = errors.New("malformed document")

var knownMarkTypes = map[string]struct{}{
	MarkBold:         {},
	MarkItalic:       {},
	MarkUnderline:    {},
	MarkStrike:       {},
	MarkCode:         {},
	MarkInsertion:    {},
	MarkDeletion:     {},
	MarkFormatChange: {},
	MarkComment:      {},
}

// Validate checks the structural invariants of a loaded document: a single
// doc root containing only sections, each section exactly one title and one
// content child, unique non-empty field keys, and only known node and mark
// types anywhere in the tree.
func Validate(doc *Node) error {
	if doc == nil {
		return fmt.Errorf("%w: empty tree", ErrMalformed)
	}
	if doc.Type != NodeDoc {
		return fmt.Errorf("%w: root node is %q, want %q", ErrMalformed, doc.Type, NodeDoc)
	}
	seenKeys := make(map[string]struct{})
	for _, child := range doc.Content {
		if child.Type != NodeSection {
			return fmt.Errorf("%w: unexpected %q child of root", ErrMalformed, child.Type)
		}
		key := child.StringAttr("fieldKey")
		if key == "" {
			return fmt.Errorf("%w: section without fieldKey", ErrMalformed)
		}
		if _, dup := seenKeys[key]; dup {
			return fmt.Errorf("%w: duplicate fieldKey %q", ErrMalformed, key)
		}
		seenKeys[key] = struct{}{}
		if err := validateSection(child, key); err != nil {
			return err
		}
	}
	return nil
}

func validateSection(section *Node, key string) error {
	if len(section.Content) != 2 {
		return fmt.Errorf("%w: section %q has %d children, want title and content", ErrMalformed, key, len(section.Content))
	}
	title, content := section.Content[0], section.Content[1]
	if title.Type != NodeSectionTitle {
		return fmt.Errorf("%w: section %q first child is %q, want %q", ErrMalformed, key, title.Type, NodeSectionTitle)
	}
	if content.Type != NodeSectionContent {
		return fmt.Errorf("%w: section %q second child is %q, want %q", ErrMalformed, key, content.Type, NodeSectionContent)
	}
	for _, block := range [2]*Node{title, content} {
		for _, para := range block.Content {
			if para.Type != NodeParagraph {
				return fmt.Errorf("%w: unexpected %q inside %q of section %q", ErrMalformed, para.Type, block.Type, key)
			}
			for _, run := range para.Content {
				if run.Type != NodeText {
					return fmt.Errorf("%w: unexpected %q inside paragraph of section %q", ErrMalformed, run.Type, key)
				}
				for _, m := range run.Marks {
					if _, ok := knownMarkTypes[m.Type]; !ok {
						return fmt.Errorf("%w: unknown mark type %q in section %q", ErrMalformed, m.Type, key)
					}
				}
			}
		}
	}
	return nil
}
