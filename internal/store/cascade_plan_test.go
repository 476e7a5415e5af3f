package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

type fakeCascadeSource struct {
	files    map[int64]fileDeletion
	children map[string][]int64
}

func (f *fakeCascadeSource) fileRecord(_ context.Context, fileID int64) (fileDeletion, error) {
	record, ok := f.files[fileID]
	if !ok {
		return fileDeletion{}, sql.ErrNoRows
	}
	return record, nil
}

func (f *fakeCascadeSource) promotedChildren(_ context.Context, documentID string, ownerFileID int64) ([]int64, error) {
	ids := make([]int64, 0)
	for _, id := range f.children[documentID] {
		if id != ownerFileID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func strPtr(s string) *string { return &s }

func TestBuildFileDeletePlanSingleFile(t *testing.T) {
	src := &fakeCascadeSource{
		files: map[int64]fileDeletion{
			1: {FileID: 1, DocumentID: "doc-1", BlobKey: strPtr("users/user_1/files/1.pdf")},
		},
		children: map[string][]int64{},
	}

	plan, err := buildFileDeletePlan(context.Background(), src, 1, make(map[int64]bool))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan) != 1 || plan[0].FileID != 1 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
}

func TestBuildFileDeletePlanLeafFirst(t *testing.T) {
	// File 1 owns an annotation that spawned chat file 2, whose own
	// annotations spawned chat file 3. Depth two, so the walk has to
	// recurse, not just look one level down.
	src := &fakeCascadeSource{
		files: map[int64]fileDeletion{
			1: {FileID: 1, DocumentID: "doc-1", BlobKey: strPtr("users/user_1/files/1.pdf")},
			2: {FileID: 2, DocumentID: "chat_a"},
			3: {FileID: 3, DocumentID: "chat_b"},
		},
		children: map[string][]int64{
			"doc-1":  {2},
			"chat_a": {3},
		},
	}

	plan, err := buildFileDeletePlan(context.Background(), src, 1, make(map[int64]bool))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	order := make([]int64, 0, len(plan))
	for _, d := range plan {
		order = append(order, d.FileID)
	}
	want := []int64{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("plan order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("plan order %v, want %v", order, want)
		}
	}
}

func TestBuildFileDeletePlanSiblingChats(t *testing.T) {
	src := &fakeCascadeSource{
		files: map[int64]fileDeletion{
			1: {FileID: 1, DocumentID: "doc-1"},
			2: {FileID: 2, DocumentID: "chat_a"},
			3: {FileID: 3, DocumentID: "chat_b"},
		},
		children: map[string][]int64{
			"doc-1": {2, 3},
		},
	}

	plan, err := buildFileDeletePlan(context.Background(), src, 1, make(map[int64]bool))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan) != 3 {
		t.Fatalf("expected 3 entries, got %+v", plan)
	}
	if plan[len(plan)-1].FileID != 1 {
		t.Fatalf("root must come last, got %+v", plan)
	}
}

func TestBuildFileDeletePlanCycleSafe(t *testing.T) {
	// A reference loop in the data must not hang the walk.
	src := &fakeCascadeSource{
		files: map[int64]fileDeletion{
			1: {FileID: 1, DocumentID: "doc-1"},
			2: {FileID: 2, DocumentID: "chat_a"},
		},
		children: map[string][]int64{
			"doc-1":  {2},
			"chat_a": {1},
		},
	}

	plan, err := buildFileDeletePlan(context.Background(), src, 1, make(map[int64]bool))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected each file once, got %+v", plan)
	}
	if plan[0].FileID != 2 || plan[1].FileID != 1 {
		t.Fatalf("unexpected order: %+v", plan)
	}
}

func TestBuildFileDeletePlanBlobBackedChild(t *testing.T) {
	// A repaired legacy thread can root a blob-backed file at another
	// document's annotation. The walk keys on the thread's file link, so
	// such a file is still part of the closure.
	src := &fakeCascadeSource{
		files: map[int64]fileDeletion{
			1: {FileID: 1, DocumentID: "doc-1", BlobKey: strPtr("users/user_1/files/1.pdf")},
			2: {FileID: 2, DocumentID: "doc-2", BlobKey: strPtr("users/user_1/files/2.pdf")},
		},
		children: map[string][]int64{
			"doc-1": {2},
		},
	}

	plan, err := buildFileDeletePlan(context.Background(), src, 1, make(map[int64]bool))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan) != 2 || plan[0].FileID != 2 || plan[1].FileID != 1 {
		t.Fatalf("blob-backed child missing from plan: %+v", plan)
	}
}

func TestBuildFileDeletePlanIgnoresSelfEdge(t *testing.T) {
	// A thread rooted at one of its own file's annotations must not turn
	// the file into its own child.
	src := &fakeCascadeSource{
		files: map[int64]fileDeletion{
			1: {FileID: 1, DocumentID: "doc-1"},
		},
		children: map[string][]int64{
			"doc-1": {1},
		},
	}

	plan, err := buildFileDeletePlan(context.Background(), src, 1, make(map[int64]bool))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan) != 1 || plan[0].FileID != 1 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
}

func TestBuildFileDeletePlanMissingFile(t *testing.T) {
	src := &fakeCascadeSource{files: map[int64]fileDeletion{}}

	_, err := buildFileDeletePlan(context.Background(), src, 99, make(map[int64]bool))
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestBuildFileDeletePlanSharedVisitedSet(t *testing.T) {
	// Folder deletes feed every file through one visited set so a chat
	// reachable from two parents is planned once.
	src := &fakeCascadeSource{
		files: map[int64]fileDeletion{
			1: {FileID: 1, DocumentID: "doc-1"},
			2: {FileID: 2, DocumentID: "doc-2"},
			3: {FileID: 3, DocumentID: "chat_a"},
		},
		children: map[string][]int64{
			"doc-1": {3},
			"doc-2": {3},
		},
	}

	visited := make(map[int64]bool)
	first, err := buildFileDeletePlan(context.Background(), src, 1, visited)
	if err != nil {
		t.Fatalf("plan first: %v", err)
	}
	second, err := buildFileDeletePlan(context.Background(), src, 2, visited)
	if err != nil {
		t.Fatalf("plan second: %v", err)
	}

	total := len(first) + len(second)
	if total != 3 {
		t.Fatalf("expected 3 entries across both plans, got %d (%+v, %+v)", total, first, second)
	}
}
