package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across cases and case_comments using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Cases sub-query
	if q.FilterType == "" || q.FilterType == ResultCase {
		fts := "to_tsvector('english', c.title || ' ' || c.search_text)"
		caseWhere := fts + " @@ " + tsQuery
		if q.FilterDepartmentID != "" {
			caseWhere += fmt.Sprintf(" AND c.department_id = $%d", argN)
			args = append(args, q.FilterDepartmentID)
			argN++
		}
		if q.FilterStatus != "" {
			caseWhere += fmt.Sprintf(" AND c.status = $%d", argN)
			args = append(args, q.FilterStatus)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'case'::text AS type, c.id, c.title,
				ts_headline('english', c.search_text, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.id AS case_id, c.department_id,
				c.status,
				ts_rank(%s, %s) AS rank
			FROM cases c
			WHERE %s`, tsQuery, fts, tsQuery, caseWhere))
	}

	// Comments sub-query
	if q.FilterType == "" || q.FilterType == ResultComment {
		fts := "to_tsvector('english', cm.body)"
		commentWhere := fts + " @@ " + tsQuery
		if q.FilterDepartmentID != "" {
			commentWhere += fmt.Sprintf(" AND c.department_id = $%d", argN)
			args = append(args, q.FilterDepartmentID)
			argN++
		}
		if q.FilterStatus != "" {
			commentWhere += fmt.Sprintf(" AND cm.status = $%d", argN)
			args = append(args, q.FilterStatus)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, cm.id, coalesce(cm.anchor_text, '') AS title,
				ts_headline('english', cm.body, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				cm.case_id, c.department_id,
				cm.status,
				ts_rank(%s, %s) AS rank
			FROM case_comments cm
			JOIN cases c ON c.id = cm.case_id
			WHERE %s`, tsQuery, fts, tsQuery, commentWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, case_id, department_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.CaseID, &r.DepartmentID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CaseRecord, []CommentRecord, error) {
	caseRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, search_text, department_id, status
		FROM cases
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load cases: %w", err)
	}
	defer caseRows.Close()

	cases := make([]CaseRecord, 0)
	for caseRows.Next() {
		var c CaseRecord
		if err := caseRows.Scan(&c.ID, &c.Title, &c.Body, &c.DepartmentID, &c.Status); err != nil {
			return nil, nil, fmt.Errorf("scan case: %w", err)
		}
		cases = append(cases, c)
	}
	if err := caseRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate cases: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT cm.id, cm.body, coalesce(cm.anchor_text, ''), cm.case_id, c.department_id, cm.status
		FROM case_comments cm
		JOIN cases c ON c.id = cm.case_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var c CommentRecord
		if err := commentRows.Scan(&c.ID, &c.Body, &c.AnchorText, &c.CaseID, &c.DepartmentID, &c.Status); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return cases, comments, nil
}
