package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/instrumentd/internal/infrastructure/config"
	"github.com/nerrad567/instrumentd/internal/infrastructure/database"
	"github.com/nerrad567/instrumentd/internal/location"
	"github.com/nerrad567/instrumentd/migrations"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "journal.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	repo := NewSQLiteRepository(db.DB)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var n int
	repo.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
	return repo
}

func TestRecordAndList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	sim := location.MustParse("127.0.0.1:7666/Sim/sim0")
	cam := location.MustParse("/Camera/cam0")
	steps := []struct {
		loc    location.Location
		action string
		err    error
	}{
		{sim, "add", nil},
		{sim, "start", nil},
		{cam, "add", nil},
		{cam, "start", errors.New("no hardware")},
		{sim, "stop", nil},
	}
	for _, s := range steps {
		if err := repo.Record(ctx, s.loc, s.action, s.err); err != nil {
			t.Fatalf("Record(%s %s) error = %v", s.action, s.loc, err)
		}
	}

	tests := []struct {
		name    string
		filter  Filter
		total   int
		first   string
		entries int
	}{
		{"all newest first", Filter{}, 5, "stop /Sim/sim0", 5},
		{"by location", Filter{Location: "/Sim/sim0"}, 3, "stop /Sim/sim0", 3},
		{"by class", Filter{Class: "Camera"}, 2, "start /Camera/cam0", 2},
		{"by action", Filter{Action: "add"}, 2, "add /Camera/cam0", 2},
		{"failures", Filter{FailedOnly: true}, 1, "start /Camera/cam0", 1},
		{"paged", Filter{Limit: 2, Offset: 1}, 5, "start /Camera/cam0", 2},
		{"no match", Filter{Action: "remove"}, 0, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if got.Total != tt.total || len(got.Entries) != tt.entries {
				t.Fatalf("List() = total %d, %d entries, want %d, %d", got.Total, len(got.Entries), tt.total, tt.entries)
			}
			if tt.entries > 0 {
				e := got.Entries[0]
				if e.Action+" "+e.Location != tt.first {
					t.Errorf("first entry = %s %s, want %s", e.Action, e.Location, tt.first)
				}
			}
		})
	}

	failed, _ := repo.List(ctx, Filter{FailedOnly: true})
	if failed.Entries[0].Error != "no hardware" {
		t.Errorf("Error = %q", failed.Entries[0].Error)
	}
}

func TestList_LimitClamped(t *testing.T) {
	repo := newTestRepo(t)
	got, err := repo.List(context.Background(), Filter{Limit: 1000, Offset: -3})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if got.Limit != maxLimit || got.Offset != 0 {
		t.Errorf("Limit, Offset = %d, %d, want %d, 0", got.Limit, got.Offset, maxLimit)
	}
	if got.Entries == nil {
		t.Error("Entries is nil, want an empty slice")
	}
}

func TestCreate_KeepsGivenFields(t *testing.T) {
	repo := newTestRepo(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := &Entry{ID: "lce-fixed", Location: "/Sim/a", Class: "Sim", Action: "add", CreatedAt: at}
	if err := repo.Create(context.Background(), e); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	got, _ := repo.List(context.Background(), Filter{})
	if got.Entries[0].ID != "lce-fixed" || !got.Entries[0].CreatedAt.Equal(at) {
		t.Errorf("entry = %+v", got.Entries[0])
	}
	if err := repo.Create(context.Background(), e); err == nil {
		t.Error("duplicate id accepted")
	}
}
