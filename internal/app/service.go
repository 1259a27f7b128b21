package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"casedesk/api/internal/archive"
	"casedesk/api/internal/auth"
	"casedesk/api/internal/authpw"
	"casedesk/api/internal/comments"
	"casedesk/api/internal/config"
	"casedesk/api/internal/doctree"
	"casedesk/api/internal/lock"
	"casedesk/api/internal/rbac"
	"casedesk/api/internal/search"
	"casedesk/api/internal/store"
	"casedesk/api/internal/track"
	"casedesk/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type SaveDocumentInput struct {
	Doc                json.RawMessage `json:"doc"`
	TrackChangesActive bool            `json:"trackChangesActive"`
	ExpectedVersion    int             `json:"expectedVersion"`
}

type CreateCommentInput struct {
	From int    `json:"from"`
	To   int    `json:"to"`
	Text string `json:"text"`
}

type CommentReplyInput struct {
	Text string `json:"text"`
}

type AcquireLockInput struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
}

var allowedCaseStatuses = map[string]struct{}{
	store.CaseStatusDraft:     {},
	store.CaseStatusInReview:  {},
	store.CaseStatusApproved:  {},
	store.CaseStatusFinalized: {},
}

// DefaultSectionDefs is the document layout every case starts from. It also
// drives the legacy flat-field synthesis for cases that predate the rich
// document model.
var DefaultSectionDefs = []doctree.SectionDef{
	{FieldKey: "summary", Label: "Case Summary", Required: true},
	{FieldKey: "parties", Label: "Parties Involved", Required: true},
	{FieldKey: "findings", Label: "Findings", Required: false},
	{FieldKey: "recommendation", Label: "Recommendation", Required: false},
}

type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	InsertDepartment(context.Context, store.Department) error
	InsertCase(context.Context, store.Case) error
	GetCase(context.Context, string) (store.Case, error)
	ListCases(context.Context) ([]store.Case, error)
	UpdateCaseStatus(context.Context, string, string) error
	UpdateCaseAssignees(context.Context, string, string, string) error
	SaveVersion(context.Context, store.DocumentVersion, int) (store.DocumentVersion, error)
	LatestVersion(context.Context, string) (store.DocumentVersion, error)
	GetVersion(context.Context, string, int) (store.DocumentVersion, error)
	ListVersions(context.Context, string) ([]store.DocumentVersion, error)
	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string, string) (store.Comment, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	SetCommentStatus(context.Context, string, string, string, string) (bool, error)
	DeleteCommentTree(context.Context, string, string) error
}

// sessionStore holds refresh tokens. Postgres by default, Redis when
// configured.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	locks    lock.Manager
	search   *search.Service
	archive  *archive.Archiver
	authPW   *authpw.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, locks lock.Manager, searchSvc *search.Service, archiver *archive.Archiver) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		locks:    locks,
		search:   searchSvc,
		archive:  archiver,
		authPW:   authpw.NewService(dataStore),
	}
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, locks lock.Manager, searchSvc *search.Service, archiver *archive.Archiver) *Service {
	service := New(cfg, dataStore, locks, searchSvc, archiver)
	service.sessions = sessions
	return service
}

// Bootstrap seeds a demo department and case when the database is empty.
func (s *Service) Bootstrap(ctx context.Context) error {
	cases, err := s.store.ListCases(ctx)
	if err != nil {
		return err
	}
	if len(cases) > 0 {
		return nil
	}

	owner, err := s.store.EnsureUserByName(ctx, "Dana")
	if err != nil {
		return err
	}

	if err := s.store.InsertDepartment(ctx, store.Department{
		ID:   "dept-benefits",
		Name: "Benefits & Entitlements",
	}); err != nil {
		return err
	}

	seeds := []struct {
		ID     string
		Title  string
		Fields map[string]string
	}{
		{
			ID:    "case-1042",
			Title: "Housing allowance review — Meridian St",
			Fields: map[string]string{
				"summary":        "Recipient reported a change of address mid-quarter.\nAllowance recalculation pending landlord confirmation.",
				"parties":        "Recipient: J. Okafor\nLandlord: Meridian Property Group",
				"findings":       "Lease agreement confirms occupancy from March 1.",
				"recommendation": "Adjust allowance from the March cycle.",
			},
		},
		{
			ID:    "case-1043",
			Title: "Childcare subsidy eligibility",
			Fields: map[string]string{
				"summary": "Application for extended subsidy hours.",
				"parties": "Applicant: R. Lindqvist",
			},
		},
	}

	for _, seed := range seeds {
		if err := s.store.InsertCase(ctx, store.Case{
			ID:           seed.ID,
			Title:        seed.Title,
			Status:       store.CaseStatusDraft,
			DepartmentID: "dept-benefits",
			CreatedBy:    owner.DisplayName,
		}); err != nil {
			return err
		}

		doc := doctree.Build(seed.Fields, DefaultSectionDefs)
		raw, err := doc.Encode()
		if err != nil {
			return err
		}
		if _, err := s.store.SaveVersion(ctx, store.DocumentVersion{
			ID:              util.NewID("ver"),
			CaseID:          seed.ID,
			RawTree:         raw,
			FlattenedFields: doctree.ExtractFields(doc),
			CreatedBy:       owner.DisplayName,
		}, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The Redis backend stores only the user ID; reload the full row.
	if full, err := s.store.GetUserByID(ctx, user.ID); err == nil {
		user = full
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authPW
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) ListCases(ctx context.Context) ([]map[string]any, error) {
	cases, err := s.store.ListCases(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(cases))
	for _, c := range cases {
		items = append(items, caseResponse(c))
	}
	return items, nil
}

func (s *Service) CreateCase(ctx context.Context, title, departmentID, userName string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if strings.TrimSpace(departmentID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "departmentId is required", nil)
	}

	item := store.Case{
		ID:           util.NewID("case"),
		Title:        title,
		Status:       store.CaseStatusDraft,
		DepartmentID: departmentID,
		CreatedBy:    userName,
	}
	if err := s.store.InsertCase(ctx, item); err != nil {
		return nil, err
	}

	doc := doctree.Build(nil, DefaultSectionDefs)
	raw, err := doc.Encode()
	if err != nil {
		return nil, err
	}
	version, err := s.store.SaveVersion(ctx, store.DocumentVersion{
		ID:              util.NewID("ver"),
		CaseID:          item.ID,
		RawTree:         raw,
		FlattenedFields: doctree.ExtractFields(doc),
		CreatedBy:       userName,
	}, 0)
	if err != nil {
		return nil, err
	}
	item.CurrentVersion = version.Version

	s.indexCase(item, version.FlattenedFields)
	return caseResponse(item), nil
}

func (s *Service) GetCaseSummary(ctx context.Context, caseID string) (map[string]any, error) {
	item, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	payload := caseResponse(item)

	if version, err := s.store.LatestVersion(ctx, caseID); err == nil {
		payload["latestVersion"] = versionMeta(version)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return payload, nil
}

func (s *Service) UpdateCaseStatus(ctx context.Context, caseID, status string) (map[string]any, error) {
	if _, ok := allowedCaseStatuses[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown case status", nil)
	}
	if err := s.store.UpdateCaseStatus(ctx, caseID, status); err != nil {
		return nil, err
	}
	item, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	s.indexCase(item, nil)
	return caseResponse(item), nil
}

func (s *Service) UpdateCaseAssignees(ctx context.Context, caseID, assignedTo, finAssignedTo string) (map[string]any, error) {
	if err := s.store.UpdateCaseAssignees(ctx, caseID, assignedTo, finAssignedTo); err != nil {
		return nil, err
	}
	item, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return caseResponse(item), nil
}

// GetCaseDocument returns the latest version of the case document. Cases
// created before the rich document model carry flat fields only; those get a
// synthesized tree which becomes persistent on the first save.
func (s *Service) GetCaseDocument(ctx context.Context, caseID string) (map[string]any, error) {
	item, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	version, err := s.store.LatestVersion(ctx, caseID)
	if errors.Is(err, sql.ErrNoRows) {
		doc := doctree.Build(item.LegacyFields, DefaultSectionDefs)
		raw, encErr := doc.Encode()
		if encErr != nil {
			return nil, encErr
		}
		return map[string]any{
			"caseId":             caseID,
			"version":            0,
			"doc":                json.RawMessage(raw),
			"trackChangesActive": false,
			"fields":             doctree.ExtractFields(doc),
			"synthesized":        true,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	return documentResponse(version), nil
}

// SaveCaseDocument validates and persists a full document tree as a new
// immutable version. The store enforces the version check and insert in one
// transaction; a stale expectedVersion surfaces as 409 with both versions.
func (s *Service) SaveCaseDocument(ctx context.Context, caseID string, input SaveDocumentInput, userName string) (map[string]any, error) {
	if len(input.Doc) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "doc is required", nil)
	}

	doc, err := doctree.Parse(input.Doc)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "MALFORMED_DOCUMENT", err.Error(), nil)
	}
	if err := doctree.Validate(doc); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "MALFORMED_DOCUMENT", err.Error(), nil)
	}

	raw, err := doc.Encode()
	if err != nil {
		return nil, err
	}

	version, err := s.store.SaveVersion(ctx, store.DocumentVersion{
		ID:                 util.NewID("ver"),
		CaseID:             caseID,
		RawTree:            raw,
		FlattenedFields:    doctree.ExtractFields(doc),
		TrackChangesActive: input.TrackChangesActive,
		CreatedBy:          userName,
	}, input.ExpectedVersion)
	if err != nil {
		return nil, mapSaveError(err)
	}

	s.afterSave(ctx, caseID, version)
	return documentResponse(version), nil
}

func (s *Service) ListCaseVersions(ctx context.Context, caseID string) (map[string]any, error) {
	if _, err := s.store.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, caseID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, versionMeta(v))
	}
	return map[string]any{"caseId": caseID, "versions": items}, nil
}

func (s *Service) GetCaseVersion(ctx context.Context, caseID string, version int) (map[string]any, error) {
	v, err := s.store.GetVersion(ctx, caseID, version)
	if err != nil {
		return nil, err
	}
	return documentResponse(v), nil
}

func (s *Service) ListChanges(ctx context.Context, caseID string) (map[string]any, error) {
	version, doc, err := s.headDocument(ctx, caseID)
	if err != nil {
		return nil, err
	}
	changes := track.Changes(doc)
	return map[string]any{
		"caseId":             caseID,
		"version":            version.Version,
		"trackChangesActive": version.TrackChangesActive,
		"changes":            changes,
	}, nil
}

// ResolveChange accepts or rejects one tracked change against the head
// version and saves the transformed tree as a new version. An unknown
// changeId is a no-op: applied=false, nothing written.
func (s *Service) ResolveChange(ctx context.Context, caseID, changeID string, accept bool, userName string) (map[string]any, error) {
	version, doc, err := s.headDocument(ctx, caseID)
	if err != nil {
		return nil, err
	}

	tc := track.Context{AuthorID: userName, AuthorName: userName}
	var applied bool
	if accept {
		applied = tc.Accept(doc, changeID)
	} else {
		applied = tc.Reject(doc, changeID)
	}
	if !applied {
		return map[string]any{"applied": false, "version": version.Version}, nil
	}

	saved, err := s.saveTransformed(ctx, caseID, doc, version, userName)
	if err != nil {
		return nil, err
	}
	return map[string]any{"applied": true, "version": saved.Version}, nil
}

// ResolveAllChanges accepts or rejects every tracked change in one pass and
// saves once. A document with no tracked changes is a no-op.
func (s *Service) ResolveAllChanges(ctx context.Context, caseID string, accept bool, userName string) (map[string]any, error) {
	version, doc, err := s.headDocument(ctx, caseID)
	if err != nil {
		return nil, err
	}

	tc := track.Context{AuthorID: userName, AuthorName: userName}
	var count int
	if accept {
		count = tc.AcceptAll(doc)
	} else {
		count = tc.RejectAll(doc)
	}
	if count == 0 {
		return map[string]any{"applied": 0, "version": version.Version}, nil
	}

	saved, err := s.saveTransformed(ctx, caseID, doc, version, userName)
	if err != nil {
		return nil, err
	}
	return map[string]any{"applied": count, "version": saved.Version}, nil
}

func (s *Service) CreateComment(ctx context.Context, caseID string, input CreateCommentInput, session Session) (map[string]any, error) {
	if strings.TrimSpace(input.Text) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}

	version, doc, err := s.headDocument(ctx, caseID)
	if err != nil {
		return nil, err
	}

	commentID := util.NewID("cmt")
	anchorText, err := comments.Annotate(doc, input.From, input.To, comments.Anchor{
		CommentID:  commentID,
		AuthorID:   session.UserID,
		AuthorName: session.UserName,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		if errors.Is(err, comments.ErrEmptySelection) {
			return nil, domainError(http.StatusUnprocessableEntity, "EMPTY_SELECTION", "comment selection must contain text", nil)
		}
		if errors.Is(err, doctree.ErrOutOfRange) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "selection out of range", nil)
		}
		return nil, err
	}

	row := store.Comment{
		ID:         commentID,
		CommentID:  commentID,
		CaseID:     caseID,
		Text:       input.Text,
		AnchorText: anchorText,
		Status:     store.CommentOpen,
		AuthorID:   session.UserID,
		AuthorName: session.UserName,
	}
	if err := s.store.InsertComment(ctx, row); err != nil {
		return nil, err
	}

	if _, err := s.saveTransformed(ctx, caseID, doc, version, session.UserName); err != nil {
		return nil, err
	}

	s.indexComment(caseID, row)
	return map[string]any{"comment": commentResponse(row, false, nil)}, nil
}

func (s *Service) ReplyComment(ctx context.Context, caseID, commentID string, input CommentReplyInput, session Session) (map[string]any, error) {
	if strings.TrimSpace(input.Text) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}

	parent, err := s.store.GetComment(ctx, caseID, commentID)
	if err != nil {
		return nil, err
	}
	// one reply level only
	if parent.ParentID != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "replies cannot be nested", nil)
	}

	row := store.Comment{
		ID:         util.NewID("cmt"),
		CaseID:     caseID,
		ParentID:   &parent.ID,
		Text:       input.Text,
		Status:     store.CommentOpen,
		AuthorID:   session.UserID,
		AuthorName: session.UserName,
	}
	if err := s.store.InsertComment(ctx, row); err != nil {
		return nil, err
	}

	s.indexComment(caseID, row)
	return map[string]any{"comment": commentResponse(row, false, nil)}, nil
}

// SetCommentResolved toggles the resolved state on both the document mark
// and the comment row. The mark may already be gone (orphaned comment);
// the row state still flips so the panel stays consistent.
func (s *Service) SetCommentResolved(ctx context.Context, caseID, commentID string, resolved bool, session Session) (map[string]any, error) {
	row, err := s.store.GetComment(ctx, caseID, commentID)
	if err != nil {
		return nil, err
	}
	if row.ParentID != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "only root comments can be resolved", nil)
	}

	version, doc, err := s.headDocument(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if comments.SetResolved(doc, row.CommentID, resolved) {
		if _, err := s.saveTransformed(ctx, caseID, doc, version, session.UserName); err != nil {
			return nil, err
		}
	}

	status := store.CommentOpen
	resolvedBy := ""
	if resolved {
		status = store.CommentResolved
		resolvedBy = session.UserID
	}
	if _, err := s.store.SetCommentStatus(ctx, caseID, commentID, status, resolvedBy); err != nil {
		return nil, err
	}

	row, err = s.store.GetComment(ctx, caseID, commentID)
	if err != nil {
		return nil, err
	}
	s.indexComment(caseID, row)
	return map[string]any{"comment": commentResponse(row, false, nil)}, nil
}

func (s *Service) DeleteComment(ctx context.Context, caseID, commentID string, session Session) (map[string]any, error) {
	row, err := s.store.GetComment(ctx, caseID, commentID)
	if err != nil {
		return nil, err
	}

	// Roots carry a document mark; replies are rows only.
	if row.ParentID == nil {
		version, doc, err := s.headDocument(ctx, caseID)
		if err != nil {
			return nil, err
		}
		if comments.Remove(doc, row.CommentID) {
			if _, err := s.saveTransformed(ctx, caseID, doc, version, session.UserName); err != nil {
				return nil, err
			}
		}
	}

	if err := s.store.DeleteCommentTree(ctx, caseID, row.ID); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.DeleteComment(row.ID)
	}
	return map[string]any{"ok": true}, nil
}

// ListCaseComments returns root comments in creation order with their
// replies nested. A root whose mark no longer spans any text is orphaned:
// still listed, flagged, with the anchor text it was created against.
func (s *Service) ListCaseComments(ctx context.Context, caseID string) (map[string]any, error) {
	_, doc, err := s.headDocument(ctx, caseID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListComments(ctx, caseID)
	if err != nil {
		return nil, err
	}

	replies := make(map[string][]map[string]any)
	var roots []map[string]any
	for _, row := range rows {
		if row.ParentID != nil {
			replies[*row.ParentID] = append(replies[*row.ParentID], commentResponse(row, false, nil))
		}
	}
	for _, row := range rows {
		if row.ParentID != nil {
			continue
		}
		currentAnchor, ok := comments.AnchorText(doc, row.CommentID)
		orphaned := !ok
		item := commentResponse(row, orphaned, replies[row.ID])
		if !orphaned {
			item["currentAnchorText"] = currentAnchor
		}
		roots = append(roots, item)
	}
	if roots == nil {
		roots = []map[string]any{}
	}
	return map[string]any{"caseId": caseID, "comments": roots}, nil
}

func (s *Service) AcquireLock(ctx context.Context, input AcquireLockInput, session Session) (map[string]any, error) {
	if strings.TrimSpace(input.ResourceType) == "" || strings.TrimSpace(input.ResourceID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "resourceType and resourceId are required", nil)
	}
	acquired, err := s.locks.Acquire(ctx, input.ResourceType, input.ResourceID, session.UserID, session.UserName)
	if err != nil {
		var conflict *lock.ConflictError
		if errors.As(err, &conflict) {
			return nil, domainError(http.StatusConflict, "LOCK_CONFLICT", "resource is locked by another user", map[string]any{
				"holder": conflict.Holder,
			})
		}
		return nil, err
	}
	return map[string]any{"lock": acquired}, nil
}

func (s *Service) HeartbeatLock(ctx context.Context, lockID string, session Session) (map[string]any, error) {
	extended, err := s.locks.Heartbeat(ctx, lockID, session.UserID)
	if err != nil {
		if errors.Is(err, lock.ErrNotHeld) {
			return nil, domainError(http.StatusNotFound, "LOCK_NOT_HELD", "lock is not held by you", nil)
		}
		return nil, err
	}
	return map[string]any{"lock": extended}, nil
}

func (s *Service) ReleaseLock(ctx context.Context, lockID string, session Session) error {
	err := s.locks.Release(ctx, lockID, session.UserID)
	if errors.Is(err, lock.ErrNotHeld) {
		return domainError(http.StatusNotFound, "LOCK_NOT_HELD", "lock is not held by you", nil)
	}
	return err
}

func (s *Service) GetLock(ctx context.Context, resourceType, resourceID string) (map[string]any, error) {
	held, err := s.locks.Get(ctx, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if held == nil {
		return map[string]any{"locked": false}, nil
	}
	return map[string]any{"locked": true, "lock": held}, nil
}

func (s *Service) Search(ctx context.Context, q, filterType, departmentID, status string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	return s.search.Search(search.Query{
		Text:               q,
		FilterType:         search.ResultType(filterType),
		FilterDepartmentID: departmentID,
		FilterStatus:       status,
		Limit:              limit,
		Offset:             offset,
	}), nil
}

func (s *Service) headDocument(ctx context.Context, caseID string) (store.DocumentVersion, *doctree.Node, error) {
	version, err := s.store.LatestVersion(ctx, caseID)
	if err != nil {
		return store.DocumentVersion{}, nil, err
	}
	doc, err := doctree.Parse(version.RawTree)
	if err != nil {
		return store.DocumentVersion{}, nil, err
	}
	return version, doc, nil
}

// saveTransformed persists a server-side tree transformation (accept/reject,
// comment anchoring) as the next version, expecting to still be at head.
func (s *Service) saveTransformed(ctx context.Context, caseID string, doc *doctree.Node, head store.DocumentVersion, userName string) (store.DocumentVersion, error) {
	raw, err := doc.Encode()
	if err != nil {
		return store.DocumentVersion{}, err
	}
	saved, err := s.store.SaveVersion(ctx, store.DocumentVersion{
		ID:                 util.NewID("ver"),
		CaseID:             caseID,
		RawTree:            raw,
		FlattenedFields:    doctree.ExtractFields(doc),
		TrackChangesActive: head.TrackChangesActive,
		CreatedBy:          userName,
	}, head.Version)
	if err != nil {
		return store.DocumentVersion{}, mapSaveError(err)
	}
	s.afterSave(ctx, caseID, saved)
	return saved, nil
}

func (s *Service) afterSave(ctx context.Context, caseID string, version store.DocumentVersion) {
	if item, err := s.store.GetCase(ctx, caseID); err == nil {
		s.indexCase(item, version.FlattenedFields)
	}
	s.archive.PutVersionAsync(caseID, version.Version, version.RawTree)
}

func (s *Service) indexCase(item store.Case, fields map[string]string) {
	if s.search == nil {
		return
	}
	var body strings.Builder
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if body.Len() > 0 {
			body.WriteString("\n")
		}
		body.WriteString(fields[key])
	}
	s.search.IndexCase(search.CaseRecord{
		ID:           item.ID,
		Title:        item.Title,
		Body:         body.String(),
		DepartmentID: item.DepartmentID,
		Status:       item.Status,
	})
}

func (s *Service) indexComment(caseID string, row store.Comment) {
	if s.search == nil {
		return
	}
	item, err := s.store.GetCase(context.Background(), caseID)
	if err != nil {
		return
	}
	s.search.IndexComment(search.CommentRecord{
		ID:           row.ID,
		Body:         row.Text,
		AnchorText:   row.AnchorText,
		CaseID:       caseID,
		DepartmentID: item.DepartmentID,
		Status:       row.Status,
	})
}

func mapSaveError(err error) error {
	var conflict *store.VersionConflictError
	if errors.As(err, &conflict) {
		return domainError(http.StatusConflict, "VERSION_CONFLICT", "document was saved by someone else", map[string]any{
			"currentVersion": conflict.CurrentVersion,
			"yourVersion":    conflict.YourVersion,
		})
	}
	return err
}

func caseResponse(c store.Case) map[string]any {
	return map[string]any{
		"id":             c.ID,
		"title":          c.Title,
		"status":         c.Status,
		"departmentId":   c.DepartmentID,
		"assignedTo":     c.AssignedTo,
		"finAssignedTo":  c.FinAssignedTo,
		"currentVersion": c.CurrentVersion,
		"createdBy":      c.CreatedBy,
		"createdAt":      c.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":      c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func versionMeta(v store.DocumentVersion) map[string]any {
	return map[string]any{
		"version":            v.Version,
		"trackChangesActive": v.TrackChangesActive,
		"createdBy":          v.CreatedBy,
		"createdAt":          v.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func documentResponse(v store.DocumentVersion) map[string]any {
	return map[string]any{
		"caseId":             v.CaseID,
		"version":            v.Version,
		"doc":                json.RawMessage(v.RawTree),
		"trackChangesActive": v.TrackChangesActive,
		"fields":             v.FlattenedFields,
		"createdBy":          v.CreatedBy,
		"createdAt":          v.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func commentResponse(row store.Comment, orphaned bool, replies []map[string]any) map[string]any {
	item := map[string]any{
		"id":         row.ID,
		"caseId":     row.CaseID,
		"text":       row.Text,
		"status":     row.Status,
		"authorId":   row.AuthorID,
		"authorName": row.AuthorName,
		"createdAt":  row.CreatedAt.UTC().Format(time.RFC3339),
	}
	if row.ParentID == nil {
		item["anchorText"] = row.AnchorText
		item["orphaned"] = orphaned
		if replies == nil {
			replies = []map[string]any{}
		}
		item["replies"] = replies
	} else {
		item["parentId"] = *row.ParentID
	}
	if row.ResolvedAt != nil {
		item["resolvedAt"] = row.ResolvedAt.UTC().Format(time.RFC3339)
		item["resolvedBy"] = row.ResolvedBy
	}
	return item
}
