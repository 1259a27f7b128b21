package comments

import (
	"testing"
	"time"

	"casedesk/api/internal/doctree"
	"casedesk/api/internal/track"
)

var commentDefs = []doctree.SectionDef{
	{FieldKey: "summary", Label: "Summary", Required: true},
}

const titleLen = len("Summary")

func testAnchor(id string) Anchor {
	return Anchor{
		CommentID:  id,
		AuthorID:   "usr-1",
		AuthorName: "Dana",
		CreatedAt:  time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestAnnotateReturnsSelectionText(t *testing.T) {
	doc := doctree.Build(map[string]string{"summary": "the housing claim"}, commentDefs)

	text, err := Annotate(doc, titleLen+4, titleLen+11, testAnchor("cmt-1"))
	if err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}
	if text != "housing" {
		t.Fatalf("anchored text = %q, want %q", text, "housing")
	}

	got, ok := AnchorText(doc, "cmt-1")
	if !ok || got != "housing" {
		t.Fatalf("AnchorText() = %q, %v", got, ok)
	}
}

func TestAnnotateEmptySelection(t *testing.T) {
	doc := doctree.Build(map[string]string{"summary": "text"}, commentDefs)

	if _, err := Annotate(doc, titleLen+2, titleLen+2, testAnchor("cmt-1")); err != ErrEmptySelection {
		t.Fatalf("err = %v, want ErrEmptySelection", err)
	}
	if _, err := Annotate(doc, titleLen+3, titleLen+1, testAnchor("cmt-1")); err != ErrEmptySelection {
		t.Fatalf("reversed range err = %v, want ErrEmptySelection", err)
	}
}

func TestAnnotateOutOfRange(t *testing.T) {
	doc := doctree.Build(map[string]string{"summary": "text"}, commentDefs)
	if _, err := Annotate(doc, titleLen+2, titleLen+50, testAnchor("cmt-1")); err != doctree.ErrOutOfRange {
		t.Fatalf("err = %v, want ErrOutOfRange", err)
	}
}

func TestSetResolvedTogglesEveryMark(t *testing.T) {
	doc := doctree.Build(map[string]string{"summary": "alpha beta gamma"}, commentDefs)
	if _, err := Annotate(doc, titleLen, titleLen+16, testAnchor("cmt-1")); err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}
	// split the anchored range into several runs
	if err := doctree.MarkRange(doc, titleLen+6, titleLen+10, doctree.Mark{Type: doctree.MarkBold}); err != nil {
		t.Fatalf("MarkRange() error = %v", err)
	}

	if !SetResolved(doc, "cmt-1", true) {
		t.Fatal("SetResolved() = false")
	}
	for _, r := range doctree.Runs(doc) {
		m, ok := r.Node.FindMark(doctree.MarkComment)
		if !ok {
			continue
		}
		if resolved, _ := m.Attrs["resolved"].(bool); !resolved {
			t.Fatalf("run %q not resolved", r.Node.Text)
		}
	}

	if SetResolved(doc, "cmt-missing", true) {
		t.Fatal("SetResolved(unknown) = true")
	}
}

func TestRemoveStripsMarksKeepsText(t *testing.T) {
	doc := doctree.Build(map[string]string{"summary": "alpha beta"}, commentDefs)
	if _, err := Annotate(doc, titleLen, titleLen+5, testAnchor("cmt-1")); err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}

	if !Remove(doc, "cmt-1") {
		t.Fatal("Remove() = false")
	}
	if got := doctree.ExtractFields(doc)["summary"]; got != "alpha beta" {
		t.Fatalf("text after remove = %q", got)
	}
	if _, ok := AnchorText(doc, "cmt-1"); ok {
		t.Fatal("mark survived Remove()")
	}
	if Remove(doc, "cmt-1") {
		t.Fatal("second Remove() = true")
	}
}

func TestCommentOrphanedByAcceptedDeletion(t *testing.T) {
	doc := doctree.Build(map[string]string{"summary": "keep anchored keep"}, commentDefs)
	if _, err := Annotate(doc, titleLen+5, titleLen+13, testAnchor("cmt-1")); err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}

	tc := track.Context{Enabled: true, Mode: track.ModeEditing, AuthorID: "usr-2", AuthorName: "Riley"}
	id, err := tc.DeleteRange(doc, titleLen+5, titleLen+13)
	if err != nil {
		t.Fatalf("DeleteRange() error = %v", err)
	}

	// pending deletion: the anchor is still in the tree
	if _, ok := AnchorText(doc, "cmt-1"); !ok {
		t.Fatal("comment orphaned before the deletion was accepted")
	}

	if !tc.Accept(doc, id) {
		t.Fatal("Accept() = false")
	}
	if _, ok := AnchorText(doc, "cmt-1"); ok {
		t.Fatal("comment still anchored after its text was removed")
	}
}

func TestAnchorTextTracksSurvivingRuns(t *testing.T) {
	doc := doctree.Build(map[string]string{"summary": "one two three"}, commentDefs)
	if _, err := Annotate(doc, titleLen, titleLen+13, testAnchor("cmt-1")); err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}

	tc := track.Context{Enabled: true, Mode: track.ModeEditing}
	id, err := tc.DeleteRange(doc, titleLen, titleLen+4)
	if err != nil {
		t.Fatalf("DeleteRange() error = %v", err)
	}
	if !tc.Accept(doc, id) {
		t.Fatal("Accept() = false")
	}

	got, ok := AnchorText(doc, "cmt-1")
	if !ok || got != "two three" {
		t.Fatalf("AnchorText() = %q, %v; want %q", got, ok, "two three")
	}
}
