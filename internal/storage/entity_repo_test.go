package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"notesync/internal/model"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestEntityRepo_UpsertAndGet(t *testing.T) {
	repo := NewEntityRepo(newTestDB(t))
	ctx := context.Background()

	note := model.Entity{
		Kind:          model.KindNote,
		GUID:          "g-1",
		USN:           7,
		Name:          "Groceries",
		Content:       "milk",
		ParentLocalID: "nb-local",
		ParentGUID:    "nb-guid",
		TagGUIDs:      []string{"t1", "t2"},
		Attributes:    map[string]string{"source": "mobile"},
		BaseHash:      "abc",
		Updated:       testTime,
	}
	if err := repo.Upsert(ctx, &note); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if note.LocalID == "" {
		t.Fatal("Upsert() did not assign a local id")
	}

	byLocal, err := repo.GetByLocalID(ctx, note.LocalID)
	if err != nil {
		t.Fatalf("GetByLocalID() error = %v", err)
	}
	if !reflect.DeepEqual(*byLocal, note) {
		t.Errorf("GetByLocalID() = %+v, want %+v", *byLocal, note)
	}

	byGUID, err := repo.GetByGUID(ctx, model.KindNote, "g-1")
	if err != nil {
		t.Fatalf("GetByGUID() error = %v", err)
	}
	if byGUID.LocalID != note.LocalID {
		t.Errorf("GetByGUID() local id = %q, want %q", byGUID.LocalID, note.LocalID)
	}

	// Same GUID under a different kind is a different entity.
	if _, err := repo.GetByGUID(ctx, model.KindTag, "g-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByGUID(tag) error = %v, want ErrNotFound", err)
	}

	note.Content = "milk, eggs"
	note.Dirty = true
	if err := repo.Upsert(ctx, &note); err != nil {
		t.Fatalf("Upsert() replace error = %v", err)
	}
	got, err := repo.GetByLocalID(ctx, note.LocalID)
	if err != nil {
		t.Fatalf("GetByLocalID() error = %v", err)
	}
	if got.Content != "milk, eggs" || !got.Dirty {
		t.Errorf("GetByLocalID() after replace = %+v", got)
	}
}

func TestEntityRepo_GetNotFound(t *testing.T) {
	repo := NewEntityRepo(newTestDB(t))
	ctx := context.Background()

	tests := []struct {
		name string
		get  func() (*model.Entity, error)
	}{
		{
			name: "missing local id",
			get:  func() (*model.Entity, error) { return repo.GetByLocalID(ctx, "nope") },
		},
		{
			name: "missing guid",
			get:  func() (*model.Entity, error) { return repo.GetByGUID(ctx, model.KindNote, "nope") },
		},
		{
			name: "empty guid",
			get:  func() (*model.Entity, error) { return repo.GetByGUID(ctx, model.KindNote, "") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.get()
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("error = %v, want ErrNotFound", err)
			}
			if got != nil {
				t.Errorf("got = %+v, want nil", got)
			}
		})
	}
}

func TestEntityRepo_DuplicateGUIDRejected(t *testing.T) {
	repo := NewEntityRepo(newTestDB(t))
	ctx := context.Background()

	a := model.Entity{Kind: model.KindTag, GUID: "same", Name: "a", Updated: testTime}
	b := model.Entity{Kind: model.KindTag, GUID: "same", Name: "b", Updated: testTime}
	if err := repo.Upsert(ctx, &a); err != nil {
		t.Fatalf("Upsert(a) error = %v", err)
	}
	if err := repo.Upsert(ctx, &b); err == nil {
		t.Error("Upsert(b) expected unique guid violation, got nil")
	}

	// Local-only entities have no GUID and never collide.
	for i := 0; i < 3; i++ {
		e := model.New(model.KindTag, "local")
		if err := repo.Upsert(ctx, &e); err != nil {
			t.Fatalf("Upsert(local-only) error = %v", err)
		}
	}
}

func TestEntityRepo_Lists(t *testing.T) {
	repo := NewEntityRepo(newTestDB(t))
	ctx := context.Background()

	seed := []model.Entity{
		{LocalID: "n1", Kind: model.KindNote, GUID: "g1", USN: 5, Name: "one", Updated: testTime},
		{LocalID: "n2", Kind: model.KindNote, GUID: "g2", USN: 2, Name: "two", Dirty: true, Updated: testTime},
		{LocalID: "n3", Kind: model.KindNote, Name: "three", Dirty: true, Updated: testTime},
		{LocalID: "n4", Kind: model.KindNote, GUID: "g4", USN: 9, Name: "gone", Deleted: true, Dirty: true, Updated: testTime},
		{LocalID: "t1", Kind: model.KindTag, GUID: "tg", USN: 3, Name: "tag", Dirty: true, Updated: testTime},
	}
	for i := range seed {
		if err := repo.Upsert(ctx, &seed[i]); err != nil {
			t.Fatalf("Upsert(%s) error = %v", seed[i].LocalID, err)
		}
	}

	ids := func(es []model.Entity) []string {
		out := make([]string, 0, len(es))
		for _, e := range es {
			out = append(out, e.LocalID)
		}
		return out
	}

	tests := []struct {
		name string
		list func() ([]model.Entity, error)
		want []string
	}{
		{
			name: "dirty notes in insertion order",
			list: func() ([]model.Entity, error) { return repo.ListDirty(ctx, model.KindNote) },
			want: []string{"n2", "n3", "n4"},
		},
		{
			name: "live notes",
			list: func() ([]model.Entity, error) { return repo.ListByKind(ctx, model.KindNote, false) },
			want: []string{"n1", "n2", "n3"},
		},
		{
			name: "notes with tombstones",
			list: func() ([]model.Entity, error) { return repo.ListByKind(ctx, model.KindNote, true) },
			want: []string{"n1", "n2", "n3", "n4"},
		},
		{
			name: "notes above usn 2 by usn",
			list: func() ([]model.Entity, error) { return repo.ListSinceUSN(ctx, model.KindNote, 2) },
			want: []string{"n1", "n4"},
		},
		{
			name: "dirty tags",
			list: func() ([]model.Entity, error) { return repo.ListDirty(ctx, model.KindTag) },
			want: []string{"t1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.list()
			if err != nil {
				t.Fatalf("list error = %v", err)
			}
			if !reflect.DeepEqual(ids(got), tt.want) {
				t.Errorf("list = %v, want %v", ids(got), tt.want)
			}
		})
	}

	count, err := repo.Count(ctx, model.KindNote)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 4 {
		t.Errorf("Count() = %d, want 4", count)
	}
}

func TestEntityRepo_Delete(t *testing.T) {
	repo := NewEntityRepo(newTestDB(t))
	ctx := context.Background()

	e := model.Entity{Kind: model.KindSavedSearch, Name: "q", Updated: testTime}
	if err := repo.Upsert(ctx, &e); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := repo.Delete(ctx, e.LocalID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.GetByLocalID(ctx, e.LocalID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByLocalID() after delete error = %v, want ErrNotFound", err)
	}
	if err := repo.Delete(ctx, e.LocalID); err != nil {
		t.Errorf("Delete() of missing entity error = %v, want nil", err)
	}
}
