package rangeidx

import (
	"os"
	"testing"
)

func newTestStore(t *testing.T) (*ScribbleStore, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "metis-rangeidx-")
	if err != nil {
		t.Fatal(err)
	}
	s, err := OpenScribbleStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s, func() { os.RemoveAll(dir) }
}

func TestScribbleStoreLevelsRoundTrip(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if err := s.AddLevel(LevelRow{Level: 1, SubLevel: 0, RangeSize: 1024}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddLevel(LevelRow{Level: 1, SubLevel: 1, RangeSize: 2048}); err != nil {
		t.Fatal(err)
	}

	rows, err := s.LoadLevels()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(rows))
	}
}

func TestScribbleStoreRangeRoundTrip(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	want := RangeRow{
		RangeID: 99,
		Storages: []StorageRow{
			{ID: 1, Addr: "10.0.0.1:7001", CapacityTotal: 1000, CapacityFree: 900, Status: uint8(StorageOK)},
		},
	}
	if err := s.PutRange(1, 0, 5, want); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadRange(1, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got.RangeID != want.RangeID || len(got.Storages) != 1 || got.Storages[0].Addr != want.Storages[0].Addr {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestScribbleStoreLoadMissingRange(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if _, err := s.LoadRange(9, 9, 9); err == nil {
		t.Fatal("expected an error loading a range that was never written")
	}
}
