package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/instrumentd/internal/errs"
	"github.com/nerrad567/instrumentd/internal/location"
	"github.com/nerrad567/instrumentd/internal/object"
)

type camera struct {
	object.Base
}

type fastCamera struct {
	camera
}

var (
	cameraClass     = object.MustDefine[camera]("Camera")
	fastCameraClass = object.MustDefine[fastCamera]("FastCamera", object.Extends(cameraClass))
)

// newTestRegistry returns a registry whose clock advances one second per entry.
func newTestRegistry() *Registry {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var n int
	r.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return r
}

func add(t *testing.T, r *Registry, cls *object.Class, text string) (object.Object, int) {
	t.Helper()
	loc := location.MustParse(text)
	obj, err := cls.New(loc)
	if err != nil {
		t.Fatalf("New(%s) error = %v", text, err)
	}
	ordinal, err := r.Add(loc, obj, cls.Ancestry())
	if err != nil {
		t.Fatalf("Add(%s) error = %v", text, err)
	}
	return obj, ordinal
}

func TestRegistry_AddGet(t *testing.T) {
	r := newTestRegistry()
	x, _ := add(t, r, cameraClass, "h:1/Camera/x")
	y, _ := add(t, r, cameraClass, "h:1/Camera/y")

	gotX, err := r.Get(location.MustParse("h:1/Camera/x"))
	if err != nil || gotX.Instance != x {
		t.Errorf("Get(x) = %v, %v", gotX.Instance, err)
	}
	gotY, err := r.Get(location.MustParse("/Camera/y"))
	if err != nil || gotY.Instance != y {
		t.Errorf("Get(y) without host = %v, %v", gotY.Instance, err)
	}

	_, err = r.Add(location.MustParse("h:1/Camera/x"), x, nil)
	if !errors.Is(err, errs.ErrAddressing) {
		t.Errorf("duplicate Add() error = %v, want ErrAddressing", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistry_Ordinal(t *testing.T) {
	r := newTestRegistry()

	_, o0 := add(t, r, cameraClass, "/Camera/a")
	_, f0 := add(t, r, fastCameraClass, "/FastCamera/f")
	_, o1 := add(t, r, cameraClass, "/Camera/b")

	if o0 != 0 || o1 != 1 {
		t.Errorf("camera ordinals = %d, %d, want 0, 1", o0, o1)
	}
	if f0 != 0 {
		t.Errorf("subclass ordinal = %d, want 0 (inherited matches excluded)", f0)
	}
}

func TestRegistry_IndexLookup(t *testing.T) {
	r := newTestRegistry()
	first, _ := add(t, r, cameraClass, "/Camera/first")
	second, _ := add(t, r, fastCameraClass, "/FastCamera/second")
	add(t, r, cameraClass, "/Camera/third")

	tests := []struct {
		text    string
		want    object.Object
		wantErr bool
	}{
		{"/Camera/0", first, false},
		{"/Camera/1", second, false},
		{"/FastCamera/0", second, false},
		{"/Camera/3", nil, true},
		{"/FastCamera/1", nil, true},
		{"/Camera/missing", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			loc := location.MustParse(tt.text)
			got, err := r.Get(loc)
			if tt.wantErr {
				if !errors.Is(err, errs.ErrNotFound) {
					t.Errorf("Get(%s) error = %v, want ErrNotFound", tt.text, err)
				}
				if r.Contains(loc) {
					t.Errorf("Contains(%s) = true", tt.text)
				}
				return
			}
			if err != nil || got.Instance != tt.want {
				t.Errorf("Get(%s) = %v, %v", tt.text, got.Location, err)
			}
			if !r.Contains(loc) {
				t.Errorf("Contains(%s) = false", tt.text)
			}
		})
	}

	resolved, err := r.Resolve(location.MustParse("/Camera/1"))
	if err != nil || resolved.Name() != "second" {
		t.Errorf("Resolve(/Camera/1) = %v, %v", resolved, err)
	}
}

func TestRegistry_GetByClass(t *testing.T) {
	r := newTestRegistry()
	add(t, r, cameraClass, "/Camera/a")
	add(t, r, fastCameraClass, "/FastCamera/f")
	add(t, r, cameraClass, "/Camera/b")

	exact := r.GetByClass("Camera", false)
	if len(exact) != 2 || exact[0].Location.Name() != "a" || exact[1].Location.Name() != "b" {
		t.Errorf("GetByClass(exact) = %v", names(exact))
	}

	all := r.GetByClass("Camera", true)
	if got := names(all); len(got) != 3 || got[0] != "a" || got[1] != "f" || got[2] != "b" {
		t.Errorf("GetByClass(subclasses) = %v, want [a f b]", got)
	}

	if got := r.GetByClass("Telescope", true); len(got) != 0 {
		t.Errorf("GetByClass(unknown) = %v", names(got))
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := newTestRegistry()
	add(t, r, cameraClass, "/Camera/a")
	add(t, r, cameraClass, "/Camera/b")

	if err := r.Remove(location.MustParse("/Camera/0")); err != nil {
		t.Fatalf("Remove(/Camera/0) error = %v", err)
	}
	if r.Contains(location.MustParse("/Camera/a")) {
		t.Error("removed entry still present")
	}
	got, err := r.Get(location.MustParse("/Camera/0"))
	if err != nil || got.Location.Name() != "b" {
		t.Errorf("index not recomputed after Remove: %v, %v", got.Location, err)
	}
	if err := r.Remove(location.MustParse("/Camera/a")); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_SetLoopReordersByStart(t *testing.T) {
	r := newTestRegistry()
	add(t, r, cameraClass, "/Camera/a")
	add(t, r, cameraClass, "/Camera/b")

	loop := StartLoop(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	defer loop.Abort()

	if err := r.SetLoop(location.MustParse("/Camera/a"), loop, r.now()); err != nil {
		t.Fatalf("SetLoop() error = %v", err)
	}
	if got := names(r.All()); got[0] != "b" || got[1] != "a" {
		t.Errorf("All() = %v, want [b a] after restarting a", got)
	}
	res, _ := r.Get(location.MustParse("/Camera/a"))
	if res.Loop != loop {
		t.Error("loop handle not recorded")
	}
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = r.GetByClass("Camera", true)
				_ = r.Contains(location.MustParse("/Camera/0"))
			}
		}()
	}
	for i := 0; i < 20; i++ {
		loc, _ := location.New("Camera", "c"+string(rune('a'+i)), nil)
		obj, _ := cameraClass.New(loc)
		if _, err := r.Add(loc, obj, nil); err != nil {
			t.Errorf("Add() error = %v", err)
		}
	}
	wg.Wait()
}

func TestLoop(t *testing.T) {
	started := make(chan struct{})
	loop := StartLoop(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	if !loop.Alive() {
		t.Error("Alive() = false while running")
	}
	loop.Abort()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !loop.Join(ctx) {
		t.Fatal("loop did not exit after Abort")
	}
	if loop.Alive() {
		t.Error("Alive() = true after exit")
	}
	if !errors.Is(loop.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", loop.Err())
	}
}

func TestLoop_Panic(t *testing.T) {
	loop := StartLoop(context.Background(), func(context.Context) error { panic("boom") })
	<-loop.Done()
	if loop.Err() == nil {
		t.Error("panic not recorded")
	}
}

func names(rs []Resource) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Location.Name()
	}
	return out
}
