package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SavePages upserts the extracted text for every page of a document.
func (s *PostgresStore) SavePages(ctx context.Context, documentID string, pages []PageText) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, page := range pages {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pages (document_id, page_number, text)
				VALUES ($1, $2, $3)
				ON CONFLICT (document_id, page_number) DO UPDATE SET text=EXCLUDED.text
			`, documentID, page.PageNumber, page.Text); err != nil {
				return fmt.Errorf("save page %d: %w", page.PageNumber, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetPages(ctx context.Context, documentID string) ([]PageText, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_number, text
		FROM pages
		WHERE document_id=$1
		ORDER BY page_number ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("get pages: %w", err)
	}
	defer rows.Close()

	items := make([]PageText, 0)
	for rows.Next() {
		var item PageText
		if err := rows.Scan(&item.PageNumber, &item.Text); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return items, nil
}
