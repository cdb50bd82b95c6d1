package store

import (
	"path/filepath"
	"testing"

	"watchsync/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissingKey(t *testing.T) {
	s := openTestStore(t)

	var wm models.SyncWatermark
	ok, err := s.Get(BucketWatermark, "netflix", &wm)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected miss for absent key")
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := models.SyncWatermark{Timestamp: 1500, ID: "y"}
	if err := s.Set(BucketWatermark, "netflix", want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got models.SyncWatermark
	ok, err := s.Get(BucketWatermark, "netflix", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestSetOverwrites(t *testing.T) {
	s := openTestStore(t)

	if err := s.Set(BucketResolver, "/movies/heat-1995", models.CatalogItem{Title: "Heat", Year: 1995}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(BucketResolver, "/movies/heat-1995", models.CatalogItem{Title: "Heat", Year: 1995, IDs: models.CatalogIDs{Trakt: 42}}); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}

	var item models.CatalogItem
	ok, err := s.Get(BucketResolver, "/movies/heat-1995", &item)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if item.IDs.Trakt != 42 {
		t.Errorf("Trakt = %d, want 42", item.IDs.Trakt)
	}
}

func TestRemoveAndClear(t *testing.T) {
	s := openTestStore(t)

	if err := s.Set(BucketScrobble, "session", models.ScrobbleSession{ID: "s1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(BucketScrobble, "session"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	var sess models.ScrobbleSession
	ok, _ := s.Get(BucketScrobble, "session", &sess)
	if ok {
		t.Error("expected key gone after Remove")
	}

	// Remove of a missing key is a no-op
	if err := s.Remove(BucketScrobble, "session"); err != nil {
		t.Errorf("Remove missing: %v", err)
	}

	for _, k := range []string{"a", "b", "c"} {
		if err := s.Set(BucketResolver, k, k); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Clear(BucketResolver); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	keys, err := s.Keys(BucketResolver)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected empty bucket, got %v", keys)
	}
}

func TestBucketsIsolated(t *testing.T) {
	s := openTestStore(t)

	if err := s.Set(BucketResolver, "k", "resolver-value"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(BucketWatermark, "k", "watermark-value"); err != nil {
		t.Fatal(err)
	}

	var v string
	ok, _ := s.Get(BucketResolver, "k", &v)
	if !ok || v != "resolver-value" {
		t.Errorf("resolver bucket: ok=%v v=%q", ok, v)
	}
	ok, _ = s.Get(BucketWatermark, "k", &v)
	if !ok || v != "watermark-value" {
		t.Errorf("watermark bucket: ok=%v v=%q", ok, v)
	}
}
