package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// RunBackfill brings legacy rows up to the threaded model. It synthesizes
// threads only for roots that actually have orphaned messages, attaches those
// messages, re-roots threads that were mis-filed as document-level, and
// repairs message document ids from their thread roots. Every step is guarded
// so running it on every boot is a no-op once the data is clean.
func (s *PostgresStore) RunBackfill(ctx context.Context) error {
	if err := s.synthesizeThreads(ctx); err != nil {
		return fmt.Errorf("synthesize threads: %w", err)
	}
	if err := s.attachMessages(ctx); err != nil {
		return fmt.Errorf("attach messages: %w", err)
	}
	if err := s.repairThreadRoots(ctx); err != nil {
		return fmt.Errorf("repair thread roots: %w", err)
	}
	if err := s.repairMessageDocuments(ctx); err != nil {
		return fmt.Errorf("repair message documents: %w", err)
	}
	return nil
}

func (s *PostgresStore) synthesizeThreads(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Annotation roots: only annotations with dangling messages get one.
		// file_id stays NULL; a set file_id on an annotation thread means a
		// promoted chat file, which synthesis must never fabricate.
		res, err := tx.ExecContext(ctx, `
			INSERT INTO chat_threads (source_annotation_id, title)
			SELECT a.id, 'Highlight p.' || a.page_number
			FROM annotations a
			WHERE EXISTS (
				SELECT 1 FROM messages m
				WHERE m.annotation_id = a.id AND m.chat_thread_id IS NULL
			)
			AND NOT EXISTS (
				SELECT 1 FROM chat_threads ct WHERE ct.source_annotation_id = a.id
			)
			ON CONFLICT DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("annotation threads: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Printf("backfill: synthesized %d annotation threads", n)
		}

		// Document roots, same gate.
		res, err = tx.ExecContext(ctx, `
			INSERT INTO chat_threads (file_id, title)
			SELECT f.id, COALESCE(f.title, '')
			FROM files f
			WHERE EXISTS (
				SELECT 1 FROM messages m
				WHERE m.document_id = f.document_id
				  AND m.annotation_id IS NULL
				  AND m.chat_thread_id IS NULL
			)
			AND NOT EXISTS (
				SELECT 1 FROM chat_threads ct
				WHERE ct.file_id = f.id AND ct.source_annotation_id IS NULL
			)
			ON CONFLICT DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("document threads: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Printf("backfill: synthesized %d document threads", n)
		}
		return nil
	})
}

func (s *PostgresStore) attachMessages(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Annotation-bound messages take the annotation's thread.
		res, err := tx.ExecContext(ctx, `
			UPDATE messages m
			SET chat_thread_id = ct.id
			FROM chat_threads ct
			WHERE ct.source_annotation_id = m.annotation_id
			  AND m.chat_thread_id IS NULL
		`)
		if err != nil {
			return fmt.Errorf("attach annotation messages: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Printf("backfill: attached %d annotation messages", n)
		}

		// Remaining document-level messages take their file's document thread.
		res, err = tx.ExecContext(ctx, `
			UPDATE messages m
			SET chat_thread_id = ct.id
			FROM chat_threads ct
			JOIN files f ON f.id = ct.file_id
			WHERE ct.source_annotation_id IS NULL
			  AND m.document_id = f.document_id
			  AND m.annotation_id IS NULL
			  AND m.chat_thread_id IS NULL
		`)
		if err != nil {
			return fmt.Errorf("attach document messages: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Printf("backfill: attached %d document messages", n)
		}
		return nil
	})
}

// repairThreadRoots finds document-level threads that were actually spawned
// from a highlight on another document: the thread's oldest annotated message
// points at an annotation whose document is not the thread file's document.
// Those threads get their annotation root set so later repairs and cascades
// see the true origin.
func (s *PostgresStore) repairThreadRoots(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ct.id, first.annotation_id
		FROM chat_threads ct
		JOIN files f ON f.id = ct.file_id
		JOIN LATERAL (
			SELECT m.annotation_id
			FROM messages m
			WHERE m.chat_thread_id = ct.id AND m.annotation_id IS NOT NULL
			ORDER BY m.created_at, m.id
			LIMIT 1
		) first ON true
		JOIN annotations a ON a.id = first.annotation_id
		WHERE ct.source_annotation_id IS NULL
		  AND a.document_id <> f.document_id
	`)
	if err != nil {
		return fmt.Errorf("find mis-rooted threads: %w", err)
	}
	defer rows.Close()

	type rootFix struct {
		threadID     int64
		annotationID int64
	}
	fixes := make([]rootFix, 0)
	for rows.Next() {
		var fix rootFix
		if err := rows.Scan(&fix.threadID, &fix.annotationID); err != nil {
			return fmt.Errorf("scan mis-rooted thread: %w", err)
		}
		fixes = append(fixes, fix)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate mis-rooted threads: %w", err)
	}

	for _, fix := range fixes {
		// The annotation may already own a thread; re-rooting would collide
		// with the annotation-root unique index, so skip those.
		res, err := s.db.ExecContext(ctx, `
			UPDATE chat_threads
			SET source_annotation_id = $1
			WHERE id = $2
			  AND NOT EXISTS (
				SELECT 1 FROM chat_threads WHERE source_annotation_id = $1
			  )
		`, fix.annotationID, fix.threadID)
		if err != nil {
			log.Printf("backfill: skipping thread %d root repair: %v", fix.threadID, err)
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Printf("backfill: re-rooted thread %d at annotation %d", fix.threadID, fix.annotationID)
		}
	}
	return nil
}

// repairMessageDocuments rewrites each threaded message's document_id from
// its thread root. Threads whose root cannot be resolved are logged and
// skipped rather than failing the boot.
func (s *PostgresStore) repairMessageDocuments(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT m.chat_thread_id
		FROM messages m
		JOIN chat_threads ct ON ct.id = m.chat_thread_id
		LEFT JOIN annotations a ON a.id = ct.source_annotation_id
		LEFT JOIN files f ON f.id = ct.file_id
		WHERE m.document_id IS DISTINCT FROM COALESCE(a.document_id, f.document_id)
	`)
	if err != nil {
		return fmt.Errorf("find inconsistent threads: %w", err)
	}
	defer rows.Close()

	threadIDs := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan thread id: %w", err)
		}
		threadIDs = append(threadIDs, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate thread ids: %w", err)
	}

	repaired := 0
	for _, threadID := range threadIDs {
		documentID, err := s.threadDocumentID(ctx, threadID)
		if err != nil {
			log.Printf("backfill: skipping thread %d: %v", threadID, err)
			continue
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages
			SET document_id = $1
			WHERE chat_thread_id = $2 AND document_id IS DISTINCT FROM $1
		`, documentID, threadID)
		if err != nil {
			return fmt.Errorf("repair thread %d: %w", threadID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			repaired += int(n)
		}
	}
	if repaired > 0 {
		log.Printf("backfill: repaired document ids on %d messages", repaired)
	}
	return nil
}
