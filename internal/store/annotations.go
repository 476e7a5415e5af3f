package store

import (
	"context"
	"encoding/json"
	"fmt"
)

type CreateAnnotationInput struct {
	DocumentID    string
	PageNumber    int
	Kind          string
	Geometry      json.RawMessage
	SelectedText  *string
	RegionID      *string
	RegionBlobKey *string
}

func (s *PostgresStore) CreateAnnotation(ctx context.Context, input CreateAnnotationInput) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO annotations (document_id, page_number, kind, geometry, selected_text, region_id, region_blob_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, input.DocumentID, input.PageNumber, input.Kind, nullableJSON(input.Geometry), input.SelectedText, input.RegionID, input.RegionBlobKey).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create annotation: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, annotationID int64) (Annotation, error) {
	var item Annotation
	var geometry []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, page_number, kind, geometry, selected_text, region_id, region_blob_key, created_at
		FROM annotations
		WHERE id=$1
	`, annotationID).Scan(&item.ID, &item.DocumentID, &item.PageNumber, &item.Kind, &geometry, &item.SelectedText, &item.RegionID, &item.RegionBlobKey, &item.CreatedAt)
	if err != nil {
		return Annotation{}, err
	}
	item.Geometry = geometry
	return item, nil
}

func (s *PostgresStore) ListAnnotationsByDocument(ctx context.Context, documentID string) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, page_number, kind, geometry, selected_text, region_id, region_blob_key, created_at
		FROM annotations
		WHERE document_id=$1
		ORDER BY created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	items := make([]Annotation, 0)
	for rows.Next() {
		var item Annotation
		var geometry []byte
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.PageNumber, &item.Kind, &geometry, &item.SelectedText, &item.RegionID, &item.RegionBlobKey, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		item.Geometry = geometry
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

// nullableJSON maps an empty raw payload to SQL NULL so jsonb columns never
// store the empty string.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
