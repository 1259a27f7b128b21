package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"casedesk/api/internal/config"
	"casedesk/api/internal/doctree"
	"casedesk/api/internal/lock"
	"casedesk/api/internal/store"
	"casedesk/api/internal/track"
	"casedesk/api/internal/util"
)

type fakeStore struct {
	ensureUserByNameFn     func(context.Context, string) (store.User, error)
	getUserByIDFn          func(context.Context, string) (store.User, error)
	insertCaseFn           func(context.Context, store.Case) error
	getCaseFn              func(context.Context, string) (store.Case, error)
	listCasesFn            func(context.Context) ([]store.Case, error)
	updateCaseStatusFn     func(context.Context, string, string) error
	saveVersionFn          func(context.Context, store.DocumentVersion, int) (store.DocumentVersion, error)
	latestVersionFn        func(context.Context, string) (store.DocumentVersion, error)
	getVersionFn           func(context.Context, string, int) (store.DocumentVersion, error)
	listVersionsFn         func(context.Context, string) ([]store.DocumentVersion, error)
	insertCommentFn        func(context.Context, store.Comment) error
	getCommentFn           func(context.Context, string, string) (store.Comment, error)
	listCommentsFn         func(context.Context, string) ([]store.Comment, error)
	setCommentStatusFn     func(context.Context, string, string, string, string) (bool, error)
	deleteCommentTreeFn    func(context.Context, string, string) error
	isAccessTokenRevokedFn func(context.Context, string) (bool, error)
	lookupRefreshSessionFn func(context.Context, string) (store.User, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, name)
	}
	return store.User{ID: "usr-1", DisplayName: name, Role: "caseworker"}, nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{ID: id, DisplayName: "Dana", Role: "caseworker"}, nil
}
func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshSessionFn != nil {
		return f.lookupRefreshSessionFn(ctx, tokenHash)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error { return nil }
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error {
	return nil
}
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}
func (f *fakeStore) InsertDepartment(context.Context, store.Department) error { return nil }
func (f *fakeStore) InsertCase(ctx context.Context, item store.Case) error {
	if f.insertCaseFn != nil {
		return f.insertCaseFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) GetCase(ctx context.Context, id string) (store.Case, error) {
	if f.getCaseFn != nil {
		return f.getCaseFn(ctx, id)
	}
	return store.Case{}, sql.ErrNoRows
}
func (f *fakeStore) ListCases(ctx context.Context) ([]store.Case, error) {
	if f.listCasesFn != nil {
		return f.listCasesFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) UpdateCaseStatus(ctx context.Context, id, status string) error {
	if f.updateCaseStatusFn != nil {
		return f.updateCaseStatusFn(ctx, id, status)
	}
	return nil
}
func (f *fakeStore) UpdateCaseAssignees(context.Context, string, string, string) error {
	return nil
}
func (f *fakeStore) SaveVersion(ctx context.Context, v store.DocumentVersion, expected int) (store.DocumentVersion, error) {
	if f.saveVersionFn != nil {
		return f.saveVersionFn(ctx, v, expected)
	}
	v.Version = expected + 1
	return v, nil
}
func (f *fakeStore) LatestVersion(ctx context.Context, caseID string) (store.DocumentVersion, error) {
	if f.latestVersionFn != nil {
		return f.latestVersionFn(ctx, caseID)
	}
	return store.DocumentVersion{}, sql.ErrNoRows
}
func (f *fakeStore) GetVersion(ctx context.Context, caseID string, version int) (store.DocumentVersion, error) {
	if f.getVersionFn != nil {
		return f.getVersionFn(ctx, caseID, version)
	}
	return store.DocumentVersion{}, sql.ErrNoRows
}
func (f *fakeStore) ListVersions(ctx context.Context, caseID string) ([]store.DocumentVersion, error) {
	if f.listVersionsFn != nil {
		return f.listVersionsFn(ctx, caseID)
	}
	return nil, nil
}
func (f *fakeStore) InsertComment(ctx context.Context, row store.Comment) error {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, row)
	}
	return nil
}
func (f *fakeStore) GetComment(ctx context.Context, caseID, commentID string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, caseID, commentID)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) ListComments(ctx context.Context, caseID string) ([]store.Comment, error) {
	if f.listCommentsFn != nil {
		return f.listCommentsFn(ctx, caseID)
	}
	return nil, nil
}
func (f *fakeStore) SetCommentStatus(ctx context.Context, caseID, commentID, status, resolvedBy string) (bool, error) {
	if f.setCommentStatusFn != nil {
		return f.setCommentStatusFn(ctx, caseID, commentID, status, resolvedBy)
	}
	return true, nil
}
func (f *fakeStore) DeleteCommentTree(ctx context.Context, caseID, commentID string) error {
	if f.deleteCommentTreeFn != nil {
		return f.deleteCommentTreeFn(ctx, caseID, commentID)
	}
	return nil
}

type fakeLocks struct {
	acquireFn   func(context.Context, string, string, string, string) (lock.Lock, error)
	heartbeatFn func(context.Context, string, string) (lock.Lock, error)
	releaseFn   func(context.Context, string, string) error
	getFn       func(context.Context, string, string) (*lock.Lock, error)
}

func (f *fakeLocks) Acquire(ctx context.Context, resourceType, resourceID, userID, userName string) (lock.Lock, error) {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, resourceType, resourceID, userID, userName)
	}
	return lock.Lock{ID: "lck-1", ResourceType: resourceType, ResourceID: resourceID, LockedBy: userID}, nil
}
func (f *fakeLocks) Heartbeat(ctx context.Context, lockID, userID string) (lock.Lock, error) {
	if f.heartbeatFn != nil {
		return f.heartbeatFn(ctx, lockID, userID)
	}
	return lock.Lock{ID: lockID, LockedBy: userID}, nil
}
func (f *fakeLocks) Release(ctx context.Context, lockID, userID string) error {
	if f.releaseFn != nil {
		return f.releaseFn(ctx, lockID, userID)
	}
	return nil
}
func (f *fakeLocks) Get(ctx context.Context, resourceType, resourceID string) (*lock.Lock, error) {
	if f.getFn != nil {
		return f.getFn(ctx, resourceType, resourceID)
	}
	return nil, nil
}

func newTestService(fs *fakeStore, fl *fakeLocks) *Service {
	if fl == nil {
		fl = &fakeLocks{}
	}
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:    fs,
		sessions: fs,
		locks:    fl,
	}
}

func testSession() Session {
	return Session{UserID: "usr-1", UserName: "Dana", Role: "caseworker"}
}

// headVersion encodes the document as the stored head at the given version.
func headVersion(t *testing.T, doc *doctree.Node, version int) store.DocumentVersion {
	t.Helper()
	raw, err := doc.Encode()
	if err != nil {
		t.Fatalf("encode document: %v", err)
	}
	return store.DocumentVersion{
		ID:              util.NewID("ver"),
		CaseID:          "case-1",
		Version:         version,
		RawTree:         raw,
		FlattenedFields: doctree.ExtractFields(doc),
	}
}

func asDomainError(t *testing.T, err error) *DomainError {
	t.Helper()
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want DomainError", err)
	}
	return de
}

func TestCreateCaseRequiresTitle(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	_, err := svc.CreateCase(context.Background(), "  ", "dept-1", "Dana")
	de := asDomainError(t, err)
	if de.Status != 422 || de.Code != "VALIDATION_ERROR" {
		t.Fatalf("error = %d %s", de.Status, de.Code)
	}
}

func TestCreateCaseSavesInitialVersion(t *testing.T) {
	var savedCase store.Case
	var savedVersion store.DocumentVersion
	var expectedAt int
	fs := &fakeStore{
		insertCaseFn: func(_ context.Context, item store.Case) error {
			savedCase = item
			return nil
		},
		saveVersionFn: func(_ context.Context, v store.DocumentVersion, expected int) (store.DocumentVersion, error) {
			savedVersion = v
			expectedAt = expected
			v.Version = expected + 1
			return v, nil
		},
	}
	svc := newTestService(fs, nil)

	payload, err := svc.CreateCase(context.Background(), "Housing review", "dept-1", "Dana")
	if err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	if savedCase.Title != "Housing review" || savedCase.Status != store.CaseStatusDraft {
		t.Fatalf("inserted case = %+v", savedCase)
	}
	if expectedAt != 0 {
		t.Fatalf("initial save expected version %d, want 0", expectedAt)
	}
	if savedVersion.CaseID != savedCase.ID {
		t.Fatalf("version caseId = %s, want %s", savedVersion.CaseID, savedCase.ID)
	}
	if payload["currentVersion"] != 1 {
		t.Fatalf("currentVersion = %v, want 1", payload["currentVersion"])
	}
}

func TestUpdateCaseStatusRejectsUnknown(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	_, err := svc.UpdateCaseStatus(context.Background(), "case-1", "archived")
	de := asDomainError(t, err)
	if de.Status != 422 || de.Code != "VALIDATION_ERROR" {
		t.Fatalf("error = %d %s", de.Status, de.Code)
	}
}

func TestGetCaseDocumentSynthesizesLegacyFields(t *testing.T) {
	fs := &fakeStore{
		getCaseFn: func(context.Context, string) (store.Case, error) {
			return store.Case{
				ID: "case-1",
				LegacyFields: map[string]string{
					"summary": "Old flat summary.",
					"parties": "Applicant: R. Lindqvist",
				},
			}, nil
		},
	}
	svc := newTestService(fs, nil)

	payload, err := svc.GetCaseDocument(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("GetCaseDocument: %v", err)
	}
	if payload["version"] != 0 || payload["synthesized"] != true {
		t.Fatalf("payload = %v", payload)
	}
	fields := payload["fields"].(map[string]string)
	if fields["summary"] != "Old flat summary." {
		t.Fatalf("fields = %v", fields)
	}
	doc, err := doctree.Parse(payload["doc"].(json.RawMessage))
	if err != nil {
		t.Fatalf("synthesized doc does not parse: %v", err)
	}
	if err := doctree.Validate(doc); err != nil {
		t.Fatalf("synthesized doc invalid: %v", err)
	}
}

func TestSaveCaseDocumentRejectsMalformed(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	cases := []struct {
		name string
		doc  string
	}{
		{"not json", `{"type":`},
		{"wrong root", `{"type":"paragraph"}`},
		{"unknown mark", `{"type":"doc","content":[{"type":"section","attrs":{"fieldKey":"summary"},"content":[{"type":"sectionTitle","content":[{"type":"paragraph","content":[{"type":"text","text":"S"}]}]},{"type":"sectionContent","content":[{"type":"paragraph","content":[{"type":"text","text":"x","marks":[{"type":"sparkle"}]}]}]}]}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SaveCaseDocument(context.Background(), "case-1", SaveDocumentInput{
				Doc:             json.RawMessage(tc.doc),
				ExpectedVersion: 1,
			}, "Dana")
			de := asDomainError(t, err)
			if de.Status != 422 || de.Code != "MALFORMED_DOCUMENT" {
				t.Fatalf("error = %d %s", de.Status, de.Code)
			}
		})
	}
}

func TestSaveCaseDocumentVersionConflict(t *testing.T) {
	fs := &fakeStore{
		saveVersionFn: func(context.Context, store.DocumentVersion, int) (store.DocumentVersion, error) {
			return store.DocumentVersion{}, &store.VersionConflictError{CurrentVersion: 5, YourVersion: 3}
		},
	}
	svc := newTestService(fs, nil)

	doc := doctree.Build(map[string]string{"summary": "text"}, DefaultSectionDefs)
	raw, _ := doc.Encode()
	_, err := svc.SaveCaseDocument(context.Background(), "case-1", SaveDocumentInput{
		Doc:             raw,
		ExpectedVersion: 3,
	}, "Dana")
	de := asDomainError(t, err)
	if de.Status != 409 || de.Code != "VERSION_CONFLICT" {
		t.Fatalf("error = %d %s", de.Status, de.Code)
	}
	details, ok := de.Details.(map[string]any)
	if !ok || details["currentVersion"] != 5 || details["yourVersion"] != 3 {
		t.Fatalf("details = %v", de.Details)
	}
}

func TestSaveCaseDocumentPersistsFlattenedFields(t *testing.T) {
	var saved store.DocumentVersion
	fs := &fakeStore{
		saveVersionFn: func(_ context.Context, v store.DocumentVersion, expected int) (store.DocumentVersion, error) {
			saved = v
			v.Version = expected + 1
			return v, nil
		},
	}
	svc := newTestService(fs, nil)

	doc := doctree.Build(map[string]string{"summary": "New text"}, DefaultSectionDefs)
	raw, _ := doc.Encode()
	payload, err := svc.SaveCaseDocument(context.Background(), "case-1", SaveDocumentInput{
		Doc:                raw,
		TrackChangesActive: true,
		ExpectedVersion:    2,
	}, "Dana")
	if err != nil {
		t.Fatalf("SaveCaseDocument: %v", err)
	}
	if saved.FlattenedFields["summary"] != "New text" {
		t.Fatalf("flattened fields = %v", saved.FlattenedFields)
	}
	if !saved.TrackChangesActive {
		t.Fatal("trackChangesActive not persisted")
	}
	if payload["version"] != 3 {
		t.Fatalf("version = %v, want 3", payload["version"])
	}
}

func TestResolveChangeUnknownIDIsNoOp(t *testing.T) {
	doc := doctree.Build(map[string]string{"summary": "stable"}, DefaultSectionDefs)
	saveCalled := false
	fs := &fakeStore{
		latestVersionFn: func(context.Context, string) (store.DocumentVersion, error) {
			return headVersion(t, doc, 4), nil
		},
		saveVersionFn: func(_ context.Context, v store.DocumentVersion, expected int) (store.DocumentVersion, error) {
			saveCalled = true
			v.Version = expected + 1
			return v, nil
		},
	}
	svc := newTestService(fs, nil)

	payload, err := svc.ResolveChange(context.Background(), "case-1", "chg-missing", true, "Dana")
	if err != nil {
		t.Fatalf("ResolveChange: %v", err)
	}
	if payload["applied"] != false || payload["version"] != 4 {
		t.Fatalf("payload = %v", payload)
	}
	if saveCalled {
		t.Fatal("no-op resolve wrote a version")
	}
}

func TestResolveChangeAcceptsTrackedDeletion(t *testing.T) {
	doc := doctree.Build(map[string]string{"summary": "keep drop"}, DefaultSectionDefs)
	tc := track.Context{Enabled: true, Mode: track.ModeEditing, AuthorID: "usr-1", AuthorName: "Dana"}
	start := len("Case Summary")
	changeID, err := tc.DeleteRange(doc, start+4, start+9)
	if err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}

	var saved store.DocumentVersion
	fs := &fakeStore{
		latestVersionFn: func(context.Context, string) (store.DocumentVersion, error) {
			return headVersion(t, doc, 4), nil
		},
		saveVersionFn: func(_ context.Context, v store.DocumentVersion, expected int) (store.DocumentVersion, error) {
			if expected != 4 {
				t.Fatalf("save expected version %d, want 4", expected)
			}
			saved = v
			v.Version = expected + 1
			return v, nil
		},
	}
	svc := newTestService(fs, nil)

	payload, err := svc.ResolveChange(context.Background(), "case-1", changeID, true, "Dana")
	if err != nil {
		t.Fatalf("ResolveChange: %v", err)
	}
	if payload["applied"] != true || payload["version"] != 5 {
		t.Fatalf("payload = %v", payload)
	}
	if saved.FlattenedFields["summary"] != "keep" {
		t.Fatalf("summary after accept = %q", saved.FlattenedFields["summary"])
	}
}

func TestResolveAllChangesWithNothingPending(t *testing.T) {
	doc := doctree.Build(map[string]string{"summary": "clean"}, DefaultSectionDefs)
	fs := &fakeStore{
		latestVersionFn: func(context.Context, string) (store.DocumentVersion, error) {
			return headVersion(t, doc, 2), nil
		},
	}
	svc := newTestService(fs, nil)

	payload, err := svc.ResolveAllChanges(context.Background(), "case-1", false, "Dana")
	if err != nil {
		t.Fatalf("ResolveAllChanges: %v", err)
	}
	if payload["applied"] != 0 || payload["version"] != 2 {
		t.Fatalf("payload = %v", payload)
	}
}

func TestCreateCommentEmptySelection(t *testing.T) {
	doc := doctree.Build(map[string]string{"summary": "some text"}, DefaultSectionDefs)
	fs := &fakeStore{
		latestVersionFn: func(context.Context, string) (store.DocumentVersion, error) {
			return headVersion(t, doc, 1), nil
		},
	}
	svc := newTestService(fs, nil)

	start := len("Case Summary")
	_, err := svc.CreateComment(context.Background(), "case-1", CreateCommentInput{
		From: start + 2, To: start + 2, Text: "note",
	}, testSession())
	de := asDomainError(t, err)
	if de.Status != 422 || de.Code != "EMPTY_SELECTION" {
		t.Fatalf("error = %d %s", de.Status, de.Code)
	}
}

func TestCreateCommentAnchorsSelection(t *testing.T) {
	doc := doctree.Build(map[string]string{"summary": "the housing claim"}, DefaultSectionDefs)
	var insertedRow store.Comment
	var saved store.DocumentVersion
	fs := &fakeStore{
		latestVersionFn: func(context.Context, string) (store.DocumentVersion, error) {
			return headVersion(t, doc, 1), nil
		},
		insertCommentFn: func(_ context.Context, row store.Comment) error {
			insertedRow = row
			return nil
		},
		saveVersionFn: func(_ context.Context, v store.DocumentVersion, expected int) (store.DocumentVersion, error) {
			saved = v
			v.Version = expected + 1
			return v, nil
		},
	}
	svc := newTestService(fs, nil)

	start := len("Case Summary")
	payload, err := svc.CreateComment(context.Background(), "case-1", CreateCommentInput{
		From: start + 4, To: start + 11, Text: "verify the lease",
	}, testSession())
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}

	if insertedRow.AnchorText != "housing" || insertedRow.CommentID == "" {
		t.Fatalf("inserted row = %+v", insertedRow)
	}
	if insertedRow.ID != insertedRow.CommentID {
		t.Fatalf("root row id %s != commentId %s", insertedRow.ID, insertedRow.CommentID)
	}

	savedDoc, err := doctree.Parse(saved.RawTree)
	if err != nil {
		t.Fatalf("saved tree does not parse: %v", err)
	}
	marked := false
	for _, r := range doctree.Runs(savedDoc) {
		if m, ok := r.Node.FindMark(doctree.MarkComment); ok {
			if m.StringAttr("commentId") == insertedRow.CommentID {
				marked = true
			}
		}
	}
	if !marked {
		t.Fatal("saved tree carries no mark for the new comment")
	}

	comment := payload["comment"].(map[string]any)
	if comment["anchorText"] != "housing" {
		t.Fatalf("response anchorText = %v", comment["anchorText"])
	}
}

func TestReplyCannotNest(t *testing.T) {
	parentRoot := "cmt-root"
	fs := &fakeStore{
		getCommentFn: func(context.Context, string, string) (store.Comment, error) {
			return store.Comment{ID: "cmt-reply", CaseID: "case-1", ParentID: &parentRoot}, nil
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.ReplyComment(context.Background(), "case-1", "cmt-reply", CommentReplyInput{Text: "nested"}, testSession())
	de := asDomainError(t, err)
	if de.Status != 422 || de.Code != "VALIDATION_ERROR" {
		t.Fatalf("error = %d %s", de.Status, de.Code)
	}
}

func TestListCaseCommentsFlagsOrphans(t *testing.T) {
	doc := doctree.Build(map[string]string{"summary": "anchored text"}, DefaultSectionDefs)
	start := len("Case Summary")
	if err := doctree.MarkRange(doc, start, start+8, doctree.Mark{
		Type:  doctree.MarkComment,
		Attrs: map[string]any{"commentId": "cmt-live"},
	}); err != nil {
		t.Fatalf("MarkRange: %v", err)
	}

	rootLive := store.Comment{ID: "cmt-live", CommentID: "cmt-live", CaseID: "case-1", Text: "still anchored", AnchorText: "anchored", Status: store.CommentOpen}
	rootGone := store.Comment{ID: "cmt-gone", CommentID: "cmt-gone", CaseID: "case-1", Text: "anchor deleted", AnchorText: "old words", Status: store.CommentOpen}
	liveID := "cmt-live"
	reply := store.Comment{ID: "cmt-r1", CaseID: "case-1", ParentID: &liveID, Text: "agreed", Status: store.CommentOpen}

	fs := &fakeStore{
		latestVersionFn: func(context.Context, string) (store.DocumentVersion, error) {
			return headVersion(t, doc, 3), nil
		},
		listCommentsFn: func(context.Context, string) ([]store.Comment, error) {
			return []store.Comment{rootLive, rootGone, reply}, nil
		},
	}
	svc := newTestService(fs, nil)

	payload, err := svc.ListCaseComments(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("ListCaseComments: %v", err)
	}
	roots := payload["comments"].([]map[string]any)
	if len(roots) != 2 {
		t.Fatalf("len(roots) = %d, want 2", len(roots))
	}

	live, gone := roots[0], roots[1]
	if live["id"] != "cmt-live" || live["orphaned"] != false {
		t.Fatalf("live root = %v", live)
	}
	if live["currentAnchorText"] != "anchored" {
		t.Fatalf("currentAnchorText = %v", live["currentAnchorText"])
	}
	replies := live["replies"].([]map[string]any)
	if len(replies) != 1 || replies[0]["id"] != "cmt-r1" {
		t.Fatalf("replies = %v", replies)
	}

	if gone["id"] != "cmt-gone" || gone["orphaned"] != true {
		t.Fatalf("orphaned root = %v", gone)
	}
	if _, present := gone["currentAnchorText"]; present {
		t.Fatal("orphaned root reports a current anchor")
	}
	if gone["anchorText"] != "old words" {
		t.Fatalf("original anchorText = %v", gone["anchorText"])
	}
}

func TestAcquireLockConflict(t *testing.T) {
	fl := &fakeLocks{
		acquireFn: func(context.Context, string, string, string, string) (lock.Lock, error) {
			return lock.Lock{}, &lock.ConflictError{Holder: lock.Lock{
				ID: "lck-9", LockedBy: "usr-2", LockedByName: "Riley",
			}}
		},
	}
	svc := newTestService(&fakeStore{}, fl)

	_, err := svc.AcquireLock(context.Background(), AcquireLockInput{
		ResourceType: "case", ResourceID: "case-1",
	}, testSession())
	de := asDomainError(t, err)
	if de.Status != 409 || de.Code != "LOCK_CONFLICT" {
		t.Fatalf("error = %d %s", de.Status, de.Code)
	}
	details, ok := de.Details.(map[string]any)
	if !ok {
		t.Fatalf("details = %v", de.Details)
	}
	holder, ok := details["holder"].(lock.Lock)
	if !ok || holder.LockedByName != "Riley" {
		t.Fatalf("holder = %v", details["holder"])
	}
}

func TestAcquireLockRequiresResource(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	_, err := svc.AcquireLock(context.Background(), AcquireLockInput{ResourceType: "case"}, testSession())
	de := asDomainError(t, err)
	if de.Status != 422 || de.Code != "VALIDATION_ERROR" {
		t.Fatalf("error = %d %s", de.Status, de.Code)
	}
}

func TestHeartbeatLockNotHeld(t *testing.T) {
	fl := &fakeLocks{
		heartbeatFn: func(context.Context, string, string) (lock.Lock, error) {
			return lock.Lock{}, lock.ErrNotHeld
		},
	}
	svc := newTestService(&fakeStore{}, fl)

	_, err := svc.HeartbeatLock(context.Background(), "lck-1", testSession())
	de := asDomainError(t, err)
	if de.Status != 404 || de.Code != "LOCK_NOT_HELD" {
		t.Fatalf("error = %d %s", de.Status, de.Code)
	}
}

func TestGetLockReportsHolder(t *testing.T) {
	fl := &fakeLocks{
		getFn: func(context.Context, string, string) (*lock.Lock, error) {
			return &lock.Lock{ID: "lck-1", LockedBy: "usr-2", LockedByName: "Riley"}, nil
		},
	}
	svc := newTestService(&fakeStore{}, fl)

	payload, err := svc.GetLock(context.Background(), "case", "case-1")
	if err != nil {
		t.Fatalf("GetLock: %v", err)
	}
	if payload["locked"] != true {
		t.Fatalf("payload = %v", payload)
	}

	svc = newTestService(&fakeStore{}, &fakeLocks{})
	payload, err = svc.GetLock(context.Background(), "case", "case-1")
	if err != nil {
		t.Fatalf("GetLock on free resource: %v", err)
	}
	if payload["locked"] != false {
		t.Fatalf("payload = %v", payload)
	}
}

func TestSearchWithoutBackendReturnsEmpty(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeLocks{})

	resp, err := svc.Search(context.Background(), "housing", "", "", "", 20, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Total != 0 || len(resp.Results) != 0 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs, nil)

	session, err := svc.Login(context.Background(), "Dana")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatalf("session = %+v", session)
	}
	if session.Role != "caseworker" {
		t.Fatalf("role = %s", session.Role)
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != session.UserID || parsed.UserName != "Dana" {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestSessionFromTokenRejectsRevoked(t *testing.T) {
	fs := &fakeStore{
		isAccessTokenRevokedFn: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	svc := newTestService(fs, nil)

	session, err := svc.Login(context.Background(), "Dana")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Fatal("revoked token accepted")
	}
}
