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

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across messages and annotations using
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

	if q.FilterType == "" || q.FilterType == ResultMessage {
		msgWhere := "m.fts @@ " + tsQuery
		if q.FilterDocumentID != "" {
			msgWhere += fmt.Sprintf(" AND m.document_id = $%d", argN)
			args = append(args, q.FilterDocumentID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id::text,
				ts_headline('english', coalesce(m.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				m.document_id,
				0 AS page_number,
				m.role,
				ts_rank(m.fts, %s) AS rank
			FROM messages m
			WHERE %s`, tsQuery, tsQuery, msgWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultAnnotation {
		annWhere := "a.fts @@ " + tsQuery
		if q.FilterDocumentID != "" {
			annWhere += fmt.Sprintf(" AND a.document_id = $%d", argN)
			args = append(args, q.FilterDocumentID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'annotation'::text AS type, a.id::text,
				ts_headline('english', coalesce(a.selected_text, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.document_id,
				a.page_number,
				''::text AS role,
				ts_rank(a.fts, %s) AS rank
			FROM annotations a
			WHERE %s`, tsQuery, tsQuery, annWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, snippet, document_id, page_number, role
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
		if err := rows.Scan(&typ, &r.ID, &r.Snippet, &r.DocumentID, &r.PageNumber, &r.Role); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, []AnnotationRecord, error) {
	msgRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, content, role, document_id
		FROM messages
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer msgRows.Close()

	messages := make([]MessageRecord, 0)
	for msgRows.Next() {
		var m MessageRecord
		if err := msgRows.Scan(&m.ID, &m.Content, &m.Role, &m.DocumentID); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := msgRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	annRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, coalesce(selected_text, ''), document_id, page_number
		FROM annotations
		WHERE selected_text IS NOT NULL
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load annotations: %w", err)
	}
	defer annRows.Close()

	annotations := make([]AnnotationRecord, 0)
	for annRows.Next() {
		var a AnnotationRecord
		if err := annRows.Scan(&a.ID, &a.Text, &a.DocumentID, &a.PageNumber); err != nil {
			return nil, nil, fmt.Errorf("scan annotation: %w", err)
		}
		annotations = append(annotations, a)
	}
	if err := annRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate annotations: %w", err)
	}

	return messages, annotations, nil
}
