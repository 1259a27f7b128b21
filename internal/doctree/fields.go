package doctree

import "strings"

// ExtractFields flattens the rich document back into plain-text field values,
// one entry per section fieldKey. Paragraphs join with newlines. Text under
// an unresolved tracked deletion is soft-deleted and excluded, so the flat
// projection always reflects the document as it would read after acceptance.
func ExtractFields(doc *Node) map[string]string {
	fields := make(map[string]string)
	for _, section := range doc.Content {
		if section.Type != NodeSection {
			continue
		}
		key := section.StringAttr("fieldKey")
		if key == "" {
			continue
		}
		var content *Node
		for _, block := range section.Content {
			if block.Type == NodeSectionContent {
				content = block
			}
		}
		if content == nil {
			fields[key] = ""
			continue
		}
		var lines []string
		for _, para := range content.Content {
			if para.Type != NodeParagraph {
				continue
			}
			var b strings.Builder
			for _, run := range para.Content {
				if !run.IsText() || run.HasMark(MarkDeletion) {
					continue
				}
				b.WriteString(run.Text)
			}
			lines = append(lines, b.String())
		}
		fields[key] = strings.Join(lines, "\n")
	}
	return fields
}
