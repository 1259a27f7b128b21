package doctree

import "strings"

// SectionDef describes one named section of a case document.
type SectionDef struct {
	FieldKey string `json:"fieldKey"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
}

// Build synthesizes a rich document from stored flat fields. Each
// newline-delimited line of a field's text becomes one paragraph; an empty or
// absent field yields a single empty paragraph. Used to migrate legacy
// flat-field cases into the rich model on first load.
func Build(fields map[string]string, defs []SectionDef) *Node {
	doc := &Node{Type: NodeDoc}
	for _, def := range defs {
		section := &Node{
			Type: NodeSection,
			Attrs: map[string]any{
				"fieldKey": def.FieldKey,
				"label":    def.Label,
				"required": def.Required,
			},
		}
		title := &Node{Type: NodeSectionTitle, Content: []*Node{
			Paragraph(TextRun(def.Label)),
		}}
		content := &Node{Type: NodeSectionContent}
		for _, line := range strings.Split(fields[def.FieldKey], "\n") {
			if line == "" {
				content.Content = append(content.Content, Paragraph())
				continue
			}
			content.Content = append(content.Content, Paragraph(TextRun(line)))
		}
		section.Content = []*Node{title, content}
		doc.Content = append(doc.Content, section)
	}
	return doc
}
