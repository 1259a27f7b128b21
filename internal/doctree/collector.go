package doctree

import "strings"

// Family extracts the grouping identifier from a mark, reporting whether the
// mark belongs to the family being collected.
type Family func(Mark) (id string, ok bool)

// ChangeFamily groups insertion, deletion, and formatChange marks by changeId.
func ChangeFamily(m Mark) (string, bool) {
	switch m.Type {
	case MarkInsertion, MarkDeletion, MarkFormatChange:
		return m.StringAttr("changeId"), true
	}
	return "", false
}

// CommentFamily groups comment marks by commentId.
func CommentFamily(m Mark) (string, bool) {
	if m.Type != MarkComment {
		return "", false
	}
	return m.StringAttr("commentId"), true
}

// MergedRange aggregates every run sharing one identifier: the minimal and
// maximal position, the concatenated text in document order, and the mark
// attributes of the first run encountered.
type MergedRange struct {
	ID       string
	MarkType string
	From     int
	To       int
	Text     string
	Attrs    map[string]any
}

// Collect groups marks of the given family by identifier into merged ranges.
// Output is ordered by first occurrence position, ascending.
func Collect(doc *Node, family Family) []MergedRange {
	var order []string
	byID := make(map[string]*MergedRange)
	texts := make(map[string]*strings.Builder)

	for _, r := range Runs(doc) {
		for _, m := range r.Node.Marks {
			id, ok := family(m)
			if !ok || id == "" {
				continue
			}
			entry, seen := byID[id]
			if !seen {
				entry = &MergedRange{
					ID:       id,
					MarkType: m.Type,
					From:     r.From,
					To:       r.To,
					Attrs:    m.Attrs,
				}
				byID[id] = entry
				texts[id] = &strings.Builder{}
				order = append(order, id)
			}
			if r.From < entry.From {
				entry.From = r.From
			}
			if r.To > entry.To {
				entry.To = r.To
			}
			texts[id].WriteString(r.Node.Text)
		}
	}

	out := make([]MergedRange, 0, len(order))
	for _, id := range order {
		entry := byID[id]
		entry.Text = texts[id].String()
		out = append(out, *entry)
	}
	return out
}
