package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
)

// CascadeResult reports what a delete cascade released: blob objects to
// remove from storage and document ids whose derived state (caches, search
// indexes) should be dropped.
type CascadeResult struct {
	DocumentIDs []string
	BlobKeys    []string
}

// fileDeletion is one entry of a delete plan: everything needed to remove a
// file and report its released blob objects.
type fileDeletion struct {
	FileID     int64
	DocumentID string
	BlobKey    *string
}

// cascadeSource is the read side of delete planning, split out so the plan
// walk can be tested without a database.
type cascadeSource interface {
	fileRecord(ctx context.Context, fileID int64) (fileDeletion, error)
	promotedChildren(ctx context.Context, documentID string, ownerFileID int64) ([]int64, error)
}

func (s *PostgresStore) fileRecord(ctx context.Context, fileID int64) (fileDeletion, error) {
	var d fileDeletion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, blob_key FROM files WHERE id=$1
	`, fileID).Scan(&d.FileID, &d.DocumentID, &d.BlobKey)
	if err != nil {
		return fileDeletion{}, err
	}
	return d, nil
}

// promotedChildren returns files carrying a thread that roots at one of the
// document's annotations, excluding the document's own file. These are the
// recursion edges of a delete plan. Matching on the file link rather than any
// shape of the file row keeps re-rooted legacy threads inside the closure.
func (s *PostgresStore) promotedChildren(ctx context.Context, documentID string, ownerFileID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id
		FROM files f
		JOIN chat_threads ct ON ct.file_id = f.id AND ct.source_annotation_id IS NOT NULL
		JOIN annotations a ON a.id = ct.source_annotation_id
		WHERE a.document_id = $1 AND f.id <> $2
		ORDER BY f.id
	`, documentID, ownerFileID)
	if err != nil {
		return nil, fmt.Errorf("list promoted children: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan child file: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate child files: %w", err)
	}
	return ids, nil
}

// buildFileDeletePlan walks promoted-chat edges depth first and returns the
// closure leaf first, so every child file is gone before the annotations it
// hangs off are touched. The visited set makes the walk terminate even if a
// reference loop ever sneaks into the data.
func buildFileDeletePlan(ctx context.Context, src cascadeSource, fileID int64, visited map[int64]bool) ([]fileDeletion, error) {
	if visited[fileID] {
		return nil, nil
	}
	visited[fileID] = true

	record, err := src.fileRecord(ctx, fileID)
	if err != nil {
		return nil, err
	}

	children, err := src.promotedChildren(ctx, record.DocumentID, record.FileID)
	if err != nil {
		return nil, err
	}

	plan := make([]fileDeletion, 0, len(children)+1)
	for _, child := range children {
		sub, err := buildFileDeletePlan(ctx, src, child, visited)
		if err != nil {
			return nil, err
		}
		plan = append(plan, sub...)
	}
	return append(plan, record), nil
}

// applyFileDeletion removes one file and every row keyed on its document
// inside the caller's transaction, returning the blob keys released.
func applyFileDeletion(ctx context.Context, tx *sql.Tx, d fileDeletion) ([]string, error) {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chat_highlights
		WHERE annotation_id IN (SELECT id FROM annotations WHERE document_id=$1)
		   OR message_id IN (SELECT id FROM messages WHERE document_id=$1)
	`, d.DocumentID); err != nil {
		return nil, fmt.Errorf("delete chat highlights: %w", err)
	}

	// The thread filter repeats in the message delete for rows that predate
	// the document_id backfill.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages
		WHERE document_id=$1
		   OR chat_thread_id IN (
				SELECT id FROM chat_threads
				WHERE file_id=$2
				   OR source_annotation_id IN (SELECT id FROM annotations WHERE document_id=$1)
		   )
	`, d.DocumentID, d.FileID); err != nil {
		return nil, fmt.Errorf("delete messages: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chat_threads
		WHERE file_id=$2
		   OR source_annotation_id IN (SELECT id FROM annotations WHERE document_id=$1)
	`, d.DocumentID, d.FileID); err != nil {
		return nil, fmt.Errorf("delete chat threads: %w", err)
	}

	blobKeys := make([]string, 0, 1)
	rows, err := tx.QueryContext(ctx, `
		DELETE FROM annotations WHERE document_id=$1 RETURNING region_blob_key
	`, d.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("delete annotations: %w", err)
	}
	for rows.Next() {
		var key sql.NullString
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan region blob key: %w", err)
		}
		if key.Valid {
			blobKeys = append(blobKeys, key.String)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate region blob keys: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE document_id=$1`, d.DocumentID); err != nil {
		return nil, fmt.Errorf("delete pages: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id=$1`, d.FileID); err != nil {
		return nil, fmt.Errorf("delete file: %w", err)
	}

	if d.BlobKey != nil {
		blobKeys = append(blobKeys, *d.BlobKey)
	}
	return blobKeys, nil
}

// DeleteFileCascade removes a file together with every promoted chat file
// hanging off its annotations, transitively. The closure is planned up front
// and applied leaf first inside one transaction, so a failure anywhere leaves
// the whole tree untouched. The returned keys name blob objects the caller
// should remove after the commit.
func (s *PostgresStore) DeleteFileCascade(ctx context.Context, fileID int64) (CascadeResult, error) {
	plan, err := buildFileDeletePlan(ctx, s, fileID, make(map[int64]bool))
	if err != nil {
		return CascadeResult{}, fmt.Errorf("plan file delete: %w", err)
	}

	result := CascadeResult{
		DocumentIDs: make([]string, 0, len(plan)),
		BlobKeys:    make([]string, 0, len(plan)),
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, d := range plan {
			keys, err := applyFileDeletion(ctx, tx, d)
			if err != nil {
				return fmt.Errorf("delete file %d: %w", d.FileID, err)
			}
			result.DocumentIDs = append(result.DocumentIDs, d.DocumentID)
			result.BlobKeys = append(result.BlobKeys, keys...)
		}
		return nil
	})
	if err != nil {
		return CascadeResult{}, err
	}
	return result, nil
}

// DeleteAnnotationCascade removes an annotation with its thread, messages,
// highlights, and any chat file promoted from it. The annotation is fetched
// first: a missing id produces ErrNoRows with no side effects.
func (s *PostgresStore) DeleteAnnotationCascade(ctx context.Context, annotationID int64) (AnnotationDeletion, error) {
	var result AnnotationDeletion
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, region_blob_key FROM annotations WHERE id=$1
	`, annotationID).Scan(&result.DocumentID, &result.RegionBlobKey)
	if err != nil {
		return AnnotationDeletion{}, err
	}

	children, err := s.promotedChildrenOfAnnotation(ctx, annotationID)
	if err != nil {
		return AnnotationDeletion{}, err
	}
	visited := make(map[int64]bool)
	plan := make([]fileDeletion, 0, len(children))
	for _, child := range children {
		sub, err := buildFileDeletePlan(ctx, s, child, visited)
		if err != nil {
			return AnnotationDeletion{}, fmt.Errorf("plan annotation delete: %w", err)
		}
		plan = append(plan, sub...)
	}

	result.BlobKeys = make([]string, 0, len(plan))
	result.ChildDocumentIDs = make([]string, 0, len(plan))
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, d := range plan {
			keys, err := applyFileDeletion(ctx, tx, d)
			if err != nil {
				return fmt.Errorf("delete promoted file %d: %w", d.FileID, err)
			}
			result.ChildDocumentIDs = append(result.ChildDocumentIDs, d.DocumentID)
			result.BlobKeys = append(result.BlobKeys, keys...)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM chat_highlights
			WHERE annotation_id=$1
			   OR message_id IN (SELECT id FROM messages WHERE annotation_id=$1)
		`, annotationID); err != nil {
			return fmt.Errorf("delete chat highlights: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages
			WHERE annotation_id=$1
			   OR chat_thread_id IN (SELECT id FROM chat_threads WHERE source_annotation_id=$1)
		`, annotationID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM chat_threads WHERE source_annotation_id=$1
		`, annotationID); err != nil {
			return fmt.Errorf("delete chat thread: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM annotations WHERE id=$1
		`, annotationID); err != nil {
			return fmt.Errorf("delete annotation: %w", err)
		}
		return nil
	})
	if err != nil {
		return AnnotationDeletion{}, err
	}
	return result, nil
}

func (s *PostgresStore) promotedChildrenOfAnnotation(ctx context.Context, annotationID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id
		FROM files f
		JOIN chat_threads ct ON ct.file_id = f.id
		WHERE ct.source_annotation_id=$1
		ORDER BY f.id
	`, annotationID)
	if err != nil {
		return nil, fmt.Errorf("list promoted files of annotation: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan promoted file: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate promoted files: %w", err)
	}
	return ids, nil
}

// DeleteFolderCascade removes a folder subtree with every file in it. Files
// whose records cannot be planned are logged and skipped so one bad row does
// not wedge the whole folder; folders themselves are removed children first.
func (s *PostgresStore) DeleteFolderCascade(ctx context.Context, folderID int64) (CascadeResult, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM folders WHERE id=$1)
	`, folderID).Scan(&exists); err != nil {
		return CascadeResult{}, fmt.Errorf("check folder: %w", err)
	}
	if !exists {
		return CascadeResult{}, sql.ErrNoRows
	}

	folderOrder, err := s.folderSubtree(ctx, folderID)
	if err != nil {
		return CascadeResult{}, err
	}

	visited := make(map[int64]bool)
	plan := make([]fileDeletion, 0)
	for _, fid := range folderOrder {
		fileIDs, err := s.folderFileIDs(ctx, fid)
		if err != nil {
			return CascadeResult{}, err
		}
		for _, fileID := range fileIDs {
			sub, err := buildFileDeletePlan(ctx, s, fileID, visited)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					log.Printf("folder cascade: skipping unplannable file %d: %v", fileID, err)
					continue
				}
				return CascadeResult{}, fmt.Errorf("plan folder delete: %w", err)
			}
			plan = append(plan, sub...)
		}
	}

	result := CascadeResult{
		DocumentIDs: make([]string, 0, len(plan)),
		BlobKeys:    make([]string, 0, len(plan)),
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, d := range plan {
			keys, err := applyFileDeletion(ctx, tx, d)
			if err != nil {
				return fmt.Errorf("delete file %d: %w", d.FileID, err)
			}
			result.DocumentIDs = append(result.DocumentIDs, d.DocumentID)
			result.BlobKeys = append(result.BlobKeys, keys...)
		}
		// Delete folders deepest first to satisfy the parent reference.
		for i := len(folderOrder) - 1; i >= 0; i-- {
			if _, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id=$1`, folderOrder[i]); err != nil {
				return fmt.Errorf("delete folder %d: %w", folderOrder[i], err)
			}
		}
		return nil
	})
	if err != nil {
		return CascadeResult{}, err
	}
	return result, nil
}

// folderSubtree returns the folder and its descendants, parents before
// children.
func (s *PostgresStore) folderSubtree(ctx context.Context, folderID int64) ([]int64, error) {
	order := []int64{folderID}
	frontier := []int64{folderID}
	for len(frontier) > 0 {
		next := make([]int64, 0)
		for _, fid := range frontier {
			rows, err := s.db.QueryContext(ctx, `
				SELECT id FROM folders WHERE parent_id=$1 ORDER BY id
			`, fid)
			if err != nil {
				return nil, fmt.Errorf("list subfolders: %w", err)
			}
			for rows.Next() {
				var id int64
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return nil, fmt.Errorf("scan subfolder: %w", err)
				}
				next = append(next, id)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, fmt.Errorf("iterate subfolders: %w", err)
			}
			rows.Close()
		}
		order = append(order, next...)
		frontier = next
	}
	return order, nil
}

func (s *PostgresStore) folderFileIDs(ctx context.Context, folderID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM files WHERE folder_id=$1 ORDER BY id
	`, folderID)
	if err != nil {
		return nil, fmt.Errorf("list folder files: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan folder file: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folder files: %w", err)
	}
	return ids, nil
}
