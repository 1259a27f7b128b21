package doctree

import (
	"strings"
	"testing"
)

var testDefs = []SectionDef{
	{FieldKey: "summary", Label: "Case Summary", Required: true},
	{FieldKey: "findings", Label: "Findings"},
}

func TestBuildAndExtractRoundTrip(t *testing.T) {
	fields := map[string]string{
		"summary":  "First line.\nSecond line.",
		"findings": "One finding.",
	}

	doc := Build(fields, testDefs)
	if err := Validate(doc); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	got := ExtractFields(doc)
	if got["summary"] != fields["summary"] {
		t.Fatalf("summary = %q, want %q", got["summary"], fields["summary"])
	}
	if got["findings"] != fields["findings"] {
		t.Fatalf("findings = %q, want %q", got["findings"], fields["findings"])
	}
}

func TestBuildEmptyFieldYieldsEmptyParagraph(t *testing.T) {
	doc := Build(nil, testDefs)
	if err := Validate(doc); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	got := ExtractFields(doc)
	if got["summary"] != "" {
		t.Fatalf("summary = %q, want empty", got["summary"])
	}
	// empty field still renders as one editable paragraph
	content := doc.Content[0].Content[1]
	if len(content.Content) != 1 || content.Content[0].Type != NodeParagraph {
		t.Fatalf("expected a single empty paragraph, got %+v", content.Content)
	}
}

func TestBuildTitleComesFromLabel(t *testing.T) {
	doc := Build(nil, testDefs)
	title := doc.Content[0].Content[0]
	if title.Type != NodeSectionTitle {
		t.Fatalf("first child = %q, want sectionTitle", title.Type)
	}
	text := title.Content[0].Content[0].Text
	if text != "Case Summary" {
		t.Fatalf("title text = %q, want %q", text, "Case Summary")
	}
}

func TestParseEncodeRoundTrip(t *testing.T) {
	doc := Build(map[string]string{"summary": "Hello"}, testDefs)
	raw, err := doc.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := ExtractFields(parsed)["summary"]; got != "Hello" {
		t.Fatalf("summary after round trip = %q", got)
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(doc *Node)
	}{
		{
			name:   "root not doc",
			mutate: func(doc *Node) { doc.Type = NodeParagraph },
		},
		{
			name:   "non-section child of root",
			mutate: func(doc *Node) { doc.Content = append(doc.Content, Paragraph()) },
		},
		{
			name: "duplicate field key",
			mutate: func(doc *Node) {
				doc.Content[1].Attrs["fieldKey"] = doc.Content[0].StringAttr("fieldKey")
			},
		},
		{
			name: "missing field key",
			mutate: func(doc *Node) {
				delete(doc.Content[0].Attrs, "fieldKey")
			},
		},
		{
			name: "section missing title",
			mutate: func(doc *Node) {
				doc.Content[0].Content = doc.Content[0].Content[1:]
			},
		},
		{
			name: "non-paragraph in section content",
			mutate: func(doc *Node) {
				doc.Content[0].Content[1].Content = []*Node{TextRun("loose text")}
			},
		},
		{
			name: "unknown mark type",
			mutate: func(doc *Node) {
				run := doc.Content[0].Content[1].Content[0].Content[0]
				run.Marks = append(run.Marks, Mark{Type: "sparkle"})
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := Build(map[string]string{"summary": "Hello", "findings": "World"}, testDefs)
			tc.mutate(doc)
			if err := Validate(doc); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestLengthAndTextBetween(t *testing.T) {
	doc := Build(map[string]string{"summary": "Hello"}, testDefs)

	full := Length(doc)
	// titles contribute to positions too
	want := len("Case Summary") + len("Hello") + len("Findings")
	if full != want {
		t.Fatalf("Length() = %d, want %d", full, want)
	}

	start := len("Case Summary")
	if got := TextBetween(doc, start, start+5); got != "Hello" {
		t.Fatalf("TextBetween() = %q, want %q", got, "Hello")
	}
	// clipped, not an error
	if got := TextBetween(doc, full-1, full+10); got != "s" {
		t.Fatalf("TextBetween() past end = %q", got)
	}
}

func TestMarkRangeSplitsRuns(t *testing.T) {
	doc := Build(map[string]string{"summary": "Hello world"}, testDefs)
	start := len("Case Summary")

	if err := MarkRange(doc, start+6, start+11, Mark{Type: MarkBold}); err != nil {
		t.Fatalf("MarkRange() error = %v", err)
	}

	var bolded []string
	for _, r := range Runs(doc) {
		if r.Node.HasMark(MarkBold) {
			bolded = append(bolded, r.Node.Text)
		}
	}
	if strings.Join(bolded, "") != "world" {
		t.Fatalf("bold runs = %v, want [world]", bolded)
	}
}

func TestCollectMergesAndOrders(t *testing.T) {
	doc := Build(map[string]string{"summary": "alpha beta gamma"}, testDefs)
	start := len("Case Summary")

	// two ranges of the same change, then a separate later change
	mark := func(id string) Mark {
		return Mark{Type: MarkInsertion, Attrs: map[string]any{"changeId": id}}
	}
	if err := MarkRange(doc, start, start+5, mark("chg-a")); err != nil {
		t.Fatalf("MarkRange() error = %v", err)
	}
	if err := MarkRange(doc, start+11, start+16, mark("chg-a")); err != nil {
		t.Fatalf("MarkRange() error = %v", err)
	}
	if err := MarkRange(doc, start+6, start+10, mark("chg-b")); err != nil {
		t.Fatalf("MarkRange() error = %v", err)
	}

	ranges := Collect(doc, ChangeFamily)
	if len(ranges) != 2 {
		t.Fatalf("len(ranges) = %d, want 2", len(ranges))
	}
	if ranges[0].ID != "chg-a" || ranges[1].ID != "chg-b" {
		t.Fatalf("order = %s, %s; want chg-a first", ranges[0].ID, ranges[1].ID)
	}
	if ranges[0].From != start || ranges[0].To != start+16 {
		t.Fatalf("chg-a span = [%d, %d)", ranges[0].From, ranges[0].To)
	}
	if ranges[0].Text != "alphagamma" {
		t.Fatalf("chg-a text = %q", ranges[0].Text)
	}
}

func TestExtractFieldsSkipsDeletedRuns(t *testing.T) {
	doc := Build(map[string]string{"summary": "keep drop"}, testDefs)
	start := len("Case Summary")

	err := MarkRange(doc, start+4, start+9, Mark{Type: MarkDeletion, Attrs: map[string]any{"changeId": "chg-1"}})
	if err != nil {
		t.Fatalf("MarkRange() error = %v", err)
	}

	if got := ExtractFields(doc)["summary"]; got != "keep" {
		t.Fatalf("summary = %q, want %q", got, "keep")
	}
}

func TestRangeInTitle(t *testing.T) {
	doc := Build(map[string]string{"summary": "Hello"}, testDefs)
	if !RangeInTitle(doc, 0, 4) {
		t.Fatal("expected range inside title to be detected")
	}
	start := len("Case Summary")
	if RangeInTitle(doc, start, start+5) {
		t.Fatal("body range flagged as title")
	}
}

func TestRangeInTitleZeroLengthBoundaries(t *testing.T) {
	doc := Build(map[string]string{"summary": "Hello"}, testDefs)
	start := len("Case Summary")
	end := start + len("Hello")

	// the title's end offset is also the content's start and belongs to it
	if RangeInTitle(doc, start, start) {
		t.Fatal("content start flagged as title")
	}
	// end of the field is also the next section title's start
	if RangeInTitle(doc, end, end) {
		t.Fatal("content end flagged as title")
	}
	if !RangeInTitle(doc, 0, 0) {
		t.Fatal("document start not flagged as title")
	}
	if !RangeInTitle(doc, 3, 3) {
		t.Fatal("title interior not flagged")
	}
}

func TestInsertRunAtSectionBoundaries(t *testing.T) {
	start := len("Case Summary")

	doc := Build(nil, testDefs)
	if err := InsertRun(doc, start, TextRun("first")); err != nil {
		t.Fatalf("InsertRun() into empty field error = %v", err)
	}
	if got := ExtractFields(doc)["summary"]; got != "first" {
		t.Fatalf("summary = %q, want %q", got, "first")
	}

	doc = Build(map[string]string{"summary": "world"}, testDefs)
	if err := InsertRun(doc, start, TextRun("hello ")); err != nil {
		t.Fatalf("InsertRun() at content start error = %v", err)
	}
	if got := ExtractFields(doc)["summary"]; got != "hello world" {
		t.Fatalf("summary = %q, want %q", got, "hello world")
	}

	if err := InsertRun(doc, 3, TextRun("x")); err != ErrTitleEdit {
		t.Fatalf("title interior err = %v, want ErrTitleEdit", err)
	}
}
