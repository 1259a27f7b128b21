// Package track is the change-tracking engine. With tracking active it wraps
// every document mutation in insertion, deletion, or formatChange marks
// carrying author and time metadata, and implements accept/reject (single and
// bulk) as tree transformations that never lose the pre-change state until
// the reviewer decides.
package track

import (
	"sort"
	"time"

	"casedesk/api/internal/doctree"
	"casedesk/api/internal/util"
)

// Mode is the editing phase the session is in. Mutations are only marked
// while editing; review and final modes pass mutations through unmarked.
type Mode string

const (
	ModeEditing Mode = "editing"
	ModeReview  Mode = "review"
	ModeFinal   Mode = "final"
)

// Context carries the per-session tracking state. It is passed explicitly
// into every mutation call; nothing here is process-global or persisted.
// The server only ever persists whatever marks exist in the saved tree.
type Context struct {
	Enabled    bool
	Mode       Mode
	AuthorID   string
	AuthorName string

	// FormatMarks is the set of formatting mark types scanned when capturing
	// originalFormat for a formatChange. Defaults to the tree vocabulary's
	// formatting marks; a mark type missing here would not round-trip on
	// reject.
	FormatMarks []string

	Now   func() time.Time
	NewID func() string
}

func (tc Context) active() bool {
	return tc.Enabled && tc.Mode == ModeEditing
}

func (tc Context) now() time.Time {
	if tc.Now != nil {
		return tc.Now()
	}
	return time.Now()
}

func (tc Context) newID() string {
	if tc.NewID != nil {
		return tc.NewID()
	}
	return util.NewID("chg")
}

func (tc Context) formatMarks() []string {
	if len(tc.FormatMarks) > 0 {
		return tc.FormatMarks
	}
	return doctree.FormattingMarks()
}

func (tc Context) changeMark(kind, changeID string) doctree.Mark {
	return doctree.Mark{Type: kind, Attrs: map[string]any{
		"changeId":   changeID,
		"authorId":   tc.AuthorID,
		"authorName": tc.AuthorName,
		"timestamp":  tc.now().UTC().Format(time.RFC3339),
	}}
}

func changeMarkOf(n *doctree.Node) (doctree.Mark, bool) {
	for _, kind := range [3]string{doctree.MarkDeletion, doctree.MarkInsertion, doctree.MarkFormatChange} {
		if m, ok := n.FindMark(kind); ok {
			return m, true
		}
	}
	return doctree.Mark{}, false
}

// InsertText inserts text at pos. When tracking is active the new run carries
// a fresh insertion mark and the changeId is returned; untracked inserts
// return "".
func (tc Context) InsertText(doc *doctree.Node, pos int, text string) (string, error) {
	if text == "" {
		return "", nil
	}
	if doctree.RangeInTitle(doc, pos, pos) {
		return "", doctree.ErrTitleEdit
	}
	if !tc.active() {
		return "", doctree.InsertRun(doc, pos, doctree.TextRun(text))
	}
	changeID := tc.newID()
	run := doctree.TextRun(text, tc.changeMark(doctree.MarkInsertion, changeID))
	if err := doctree.InsertRun(doc, pos, run); err != nil {
		return "", err
	}
	return changeID, nil
}

// DeleteRange deletes [from, to). With tracking active the deletion is soft:
// the text stays in place under a deletion mark, pending accept/reject.
// Runs already soft-deleted by an earlier change are left with their
// original deletion mark.
func (tc Context) DeleteRange(doc *doctree.Node, from, to int) (string, error) {
	if from < 0 || to > doctree.Length(doc) || from >= to {
		return "", doctree.ErrOutOfRange
	}
	if doctree.RangeInTitle(doc, from, to) {
		return "", doctree.ErrTitleEdit
	}
	doctree.SplitAt(doc, from, to)
	if !tc.active() {
		doomed := make(map[*doctree.Node]struct{})
		for _, r := range doctree.Runs(doc) {
			if r.From >= from && r.To <= to && r.From < r.To {
				doomed[r.Node] = struct{}{}
			}
		}
		doctree.RemoveRuns(doc, func(n *doctree.Node) bool {
			_, gone := doomed[n]
			return gone
		})
		return "", nil
	}
	changeID := tc.newID()
	marked := false
	for _, r := range doctree.Runs(doc) {
		if r.From < from || r.To > to || r.From == r.To {
			continue
		}
		if r.Node.HasMark(doctree.MarkDeletion) {
			continue
		}
		r.Node.AddMark(tc.changeMark(doctree.MarkDeletion, changeID))
		marked = true
	}
	if !marked {
		return "", nil
	}
	return changeID, nil
}

// ToggleFormat toggles a formatting mark over [from, to): if every run in the
// range already carries it the mark is removed, otherwise it is added. With
// tracking active each touched run is tagged formatChange, recording which of
// the known formatting marks that run had before the change so reject can
// restore them exactly. Runs already carrying a change mark keep it: an
// insertion already attributes the text, and an earlier formatChange's
// originalFormat remains the true pre-change state.
func (tc Context) ToggleFormat(doc *doctree.Node, from, to int, markType string) (string, error) {
	if from < 0 || to > doctree.Length(doc) || from >= to {
		return "", doctree.ErrOutOfRange
	}
	if doctree.RangeInTitle(doc, from, to) {
		return "", doctree.ErrTitleEdit
	}
	doctree.SplitAt(doc, from, to)

	var inRange []doctree.Run
	allHave := true
	for _, r := range doctree.Runs(doc) {
		if r.From < from || r.To > to || r.From == r.To {
			continue
		}
		inRange = append(inRange, r)
		if !r.Node.HasMark(markType) {
			allHave = false
		}
	}
	if len(inRange) == 0 {
		return "", nil
	}

	changeID := ""
	for _, r := range inRange {
		if tc.active() {
			if _, tracked := changeMarkOf(r.Node); !tracked {
				if changeID == "" {
					changeID = tc.newID()
				}
				mark := tc.changeMark(doctree.MarkFormatChange, changeID)
				mark.Attrs["originalFormat"] = presentFormats(r.Node, tc.formatMarks())
				r.Node.AddMark(mark)
			}
		}
		if allHave {
			r.Node.RemoveMark(markType)
		} else {
			r.Node.AddMark(doctree.Mark{Type: markType})
		}
	}
	return changeID, nil
}

func presentFormats(n *doctree.Node, known []string) []string {
	present := []string{}
	for _, name := range known {
		if n.HasMark(name) {
			present = append(present, name)
		}
	}
	return present
}

// Accept resolves the change in favor of the edit. Insertions keep their text
// and lose the mark, deletions are physically removed now, format changes
// keep the current formatting. Unknown changeIds are a benign no-op: the
// change may already have been resolved by a racing bulk operation.
func (tc Context) Accept(doc *doctree.Node, changeID string) bool {
	runs := changeRuns(doc, changeID)
	if len(runs) == 0 {
		return false
	}
	doomed := make(map[*doctree.Node]struct{})
	for _, cr := range runs {
		switch cr.kind {
		case doctree.MarkInsertion:
			cr.run.Node.RemoveMark(doctree.MarkInsertion)
		case doctree.MarkDeletion:
			doomed[cr.run.Node] = struct{}{}
		case doctree.MarkFormatChange:
			cr.run.Node.RemoveMark(doctree.MarkFormatChange)
		}
	}
	if len(doomed) > 0 {
		doctree.RemoveRuns(doc, func(n *doctree.Node) bool {
			_, gone := doomed[n]
			return gone
		})
	}
	return true
}

// Reject undoes the change. Insertions are physically removed, deletions
// reappear as normal content, and format changes are rolled back to exactly
// the formatting recorded in originalFormat at mutation time.
func (tc Context) Reject(doc *doctree.Node, changeID string) bool {
	runs := changeRuns(doc, changeID)
	if len(runs) == 0 {
		return false
	}
	doomed := make(map[*doctree.Node]struct{})
	for _, cr := range runs {
		switch cr.kind {
		case doctree.MarkInsertion:
			doomed[cr.run.Node] = struct{}{}
		case doctree.MarkDeletion:
			cr.run.Node.RemoveMark(doctree.MarkDeletion)
		case doctree.MarkFormatChange:
			original := originalFormat(cr.mark)
			for _, name := range tc.formatMarks() {
				cr.run.Node.RemoveMark(name)
			}
			for _, name := range original {
				cr.run.Node.RemoveMark(name)
				cr.run.Node.AddMark(doctree.Mark{Type: name})
			}
			cr.run.Node.RemoveMark(doctree.MarkFormatChange)
		}
	}
	if len(doomed) > 0 {
		doctree.RemoveRuns(doc, func(n *doctree.Node) bool {
			_, gone := doomed[n]
			return gone
		})
	}
	return true
}

// AcceptAll accepts every tracked change, last in the document first, and
// returns how many distinct changes were processed.
func (tc Context) AcceptAll(doc *doctree.Node) int {
	return tc.bulk(doc, tc.Accept)
}

// RejectAll rejects every tracked change, last in the document first,
// returning the document to its pre-tracking-session text content.
func (tc Context) RejectAll(doc *doctree.Node) int {
	return tc.bulk(doc, tc.Reject)
}

func (tc Context) bulk(doc *doctree.Node, apply func(*doctree.Node, string) bool) int {
	ranges := doctree.Collect(doc, doctree.ChangeFamily)
	count := 0
	for i := len(ranges) - 1; i >= 0; i-- {
		if apply(doc, ranges[i].ID) {
			count++
		}
	}
	return count
}

type changeRun struct {
	run  doctree.Run
	mark doctree.Mark
	kind string
}

// changeRuns lists every run carrying the change, in descending position
// order so earlier removals in one batch cannot invalidate later ranges.
func changeRuns(doc *doctree.Node, changeID string) []changeRun {
	var out []changeRun
	for _, r := range doctree.Runs(doc) {
		for _, m := range r.Node.Marks {
			id, ok := doctree.ChangeFamily(m)
			if ok && id == changeID {
				out = append(out, changeRun{run: r, mark: m, kind: m.Type})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].run.From > out[j].run.From })
	return out
}

func originalFormat(m doctree.Mark) []string {
	switch v := m.Attrs["originalFormat"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// TrackedChange is one logical change for the review panel.
type TrackedChange struct {
	ChangeID   string    `json:"changeId"`
	Kind       string    `json:"kind"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Timestamp  time.Time `json:"timestamp"`
	From       int       `json:"from"`
	To         int       `json:"to"`
	Text       string    `json:"text"`
}

// Changes collects every tracked change in the document, ordered by position.
func Changes(doc *doctree.Node) []TrackedChange {
	ranges := doctree.Collect(doc, doctree.ChangeFamily)
	out := make([]TrackedChange, 0, len(ranges))
	for _, r := range ranges {
		change := TrackedChange{
			ChangeID: r.ID,
			Kind:     r.MarkType,
			From:     r.From,
			To:       r.To,
			Text:     r.Text,
		}
		if r.Attrs != nil {
			change.AuthorID, _ = r.Attrs["authorId"].(string)
			change.AuthorName, _ = r.Attrs["authorName"].(string)
			if raw, ok := r.Attrs["timestamp"].(string); ok {
				if ts, err := time.Parse(time.RFC3339, raw); err == nil {
					change.Timestamp = ts
				}
			}
		}
		out = append(out, change)
	}
	return out
}
