package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultCase    ResultType = "case"
	ResultComment ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type         ResultType `json:"type"`
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Snippet      string     `json:"snippet"`
	CaseID       string     `json:"caseId"`
	DepartmentID string     `json:"departmentId"`
	Status       string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text               string
	FilterType         ResultType // empty = all types
	FilterDepartmentID string
	FilterStatus       string
	Limit              int
	Offset             int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexCase(c CaseRecord) error
	IndexComment(c CommentRecord) error
	DeleteCase(id string) error
	DeleteComment(id string) error
}

// CaseRecord is the data we index for a case. Body holds the flattened
// field text of the latest document version.
type CaseRecord struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	DepartmentID string `json:"departmentId"`
	Status       string `json:"status"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID           string `json:"id"`
	Body         string `json:"body"`
	AnchorText   string `json:"anchorText"`
	CaseID       string `json:"caseId"`
	DepartmentID string `json:"departmentId"`
	Status       string `json:"status"`
}
