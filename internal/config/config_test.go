package config

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestApplyMergesUnspecifiedFieldsRetained(t *testing.T) {
	s, err := New("", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := s.Snapshot()

	url := "https://example.com/ingest"
	if _, err := s.Apply(Partial{URL: &url}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	after := s.Snapshot()
	if after.URL != url {
		t.Fatalf("url not applied: got %q", after.URL)
	}
	if after.DistanceFilter != before.DistanceFilter {
		t.Fatalf("unspecified field changed: %v -> %v", before.DistanceFilter, after.DistanceFilter)
	}
}

func TestApplyIdempotentWithEmptyPatch(t *testing.T) {
	s, _ := New("", nil)
	url := "https://example.com/a"
	if _, err := s.Apply(Partial{URL: &url}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := s.Snapshot()

	if _, err := s.Apply(Partial{}); err != nil {
		t.Fatalf("Apply empty: %v", err)
	}
	got := s.Snapshot()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("apply(apply(X,delta), empty) != apply(X,delta): %+v vs %+v", got, want)
	}
}

func TestApplyRejectsOutOfRangeFieldButKeepsRest(t *testing.T) {
	s, _ := New("", nil)
	badBatch := 0 // below min of 1
	url := "https://example.com/b"
	if _, err := s.Apply(Partial{MaxBatchSize: &badBatch, URL: &url}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got := s.Snapshot()
	if got.MaxBatchSize == badBatch {
		t.Fatalf("invalid maxBatchSize was applied")
	}
	if got.URL != url {
		t.Fatalf("valid sibling field was not applied alongside a rejected one")
	}
}

func TestSnapshotPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	s, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	url := "https://example.com/c"
	if _, err := s.Apply(Partial{URL: &url}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	reloaded, err := New(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Snapshot().URL; got != url {
		t.Fatalf("reloaded snapshot missing persisted url: got %q want %q", got, url)
	}
}

func TestApplyReturnsDeltasForChangedFieldsOnly(t *testing.T) {
	s, _ := New("", nil)
	url := "https://example.com/d"
	deltas, err := s.Apply(Partial{URL: &url})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(deltas) != 1 || deltas[0].Field != "url" {
		t.Fatalf("expected single url delta, got %+v", deltas)
	}

	deltas, err = s.Apply(Partial{URL: &url})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(deltas) != 0 {
		t.Fatalf("re-applying the same value should yield no deltas, got %+v", deltas)
	}
}
