package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Department struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Case is one case file. The document itself lives in case_document_versions;
// the case row carries workflow status, assignees, and the legacy flat fields
// for cases created before the rich document model.
type Case struct {
	ID             string
	Title          string
	Status         string
	DepartmentID   string
	AssignedTo     string
	FinAssignedTo  string
	CurrentVersion int
	LegacyFields   map[string]string
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DocumentVersion is one immutable snapshot of a case document. Created only
// by a successful save, never mutated, superseded by later versions; the
// owning case always points at its highest version.
type DocumentVersion struct {
	ID                 string
	CaseID             string
	Version            int
	RawTree            []byte
	FlattenedFields    map[string]string
	TrackChangesActive bool
	CreatedBy          string
	CreatedAt          time.Time
}

// Comment is one row of a comment thread: a root (CommentID set, anchored in
// the document) or a reply (ParentID set, one level only).
type Comment struct {
	ID         string
	CommentID  string
	CaseID     string
	ParentID   *string
	Text       string
	AnchorText string
	Status     string
	AuthorID   string
	AuthorName string
	CreatedAt  time.Time
	ResolvedAt *time.Time
	ResolvedBy string
}

const (
	CommentOpen     = "open"
	CommentResolved = "resolved"
)

// Case workflow statuses. Transitions happen only through the status
// endpoint; the document layer never derives them.
const (
	CaseStatusDraft     = "draft"
	CaseStatusInReview  = "in_review"
	CaseStatusApproved  = "approved"
	CaseStatusFinalized = "finalized"
)
