package store

import (
	"context"
	"fmt"
)

type SaveChatHighlightInput struct {
	AnnotationID int64
	MessageID    int64
	StartOffset  int
	EndOffset    int
}

func (s *PostgresStore) SaveChatHighlight(ctx context.Context, input SaveChatHighlightInput) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_highlights (annotation_id, message_id, start_offset, end_offset)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, input.AnnotationID, input.MessageID, input.StartOffset, input.EndOffset).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save chat highlight: %w", err)
	}
	return id, nil
}

// ListChatHighlightsByDocument joins through annotations because highlights
// carry no document id of their own.
func (s *PostgresStore) ListChatHighlightsByDocument(ctx context.Context, documentID string) ([]ChatHighlight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ch.id, ch.annotation_id, ch.message_id, ch.start_offset, ch.end_offset, ch.created_at
		FROM chat_highlights ch
		JOIN annotations a ON a.id = ch.annotation_id
		WHERE a.document_id=$1
		ORDER BY ch.created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chat highlights: %w", err)
	}
	defer rows.Close()

	items := make([]ChatHighlight, 0)
	for rows.Next() {
		var item ChatHighlight
		if err := rows.Scan(&item.ID, &item.AnnotationID, &item.MessageID, &item.Start, &item.End, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat highlight: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat highlights: %w", err)
	}
	return items, nil
}
