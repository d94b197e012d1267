package artifact_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/webwebb56/mdqc-agent/artifact"
)

func TestContentHashFileIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.raw")
	if err := os.WriteFile(path, []byte("acquisition data"), 0o644); err != nil {
		t.Fatal(err)
	}
	a := artifact.Artifact{Path: path, Kind: artifact.File}

	first, err := artifact.ContentHash(a)
	if err != nil {
		t.Fatal(err)
	}
	second, err := artifact.ContentHash(a)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("got differing hashes %q and %q for unchanged content", first, second)
	}
	if first == "" {
		t.Error("expected a non-empty hash")
	}
}

func TestContentHashChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.raw")
	a := artifact.Artifact{Path: path, Kind: artifact.File}

	os.WriteFile(path, []byte("first"), 0o644)
	first, err := artifact.ContentHash(a)
	if err != nil {
		t.Fatal(err)
	}

	os.WriteFile(path, []byte("second"), 0o644)
	second, err := artifact.ContentHash(a)
	if err != nil {
		t.Fatal(err)
	}

	if first == second {
		t.Error("expected hash to change when file content changes")
	}
}

func TestContentHashDirectoryProducesManifestHash(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "analysis.tdf"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "analysis.tdx"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	a := artifact.Artifact{Path: dir, Kind: artifact.Directory, Vendor: artifact.Bruker}

	hash, err := artifact.ContentHash(a)
	if err != nil {
		t.Fatal(err)
	}
	if hash == "" {
		t.Error("expected a non-empty manifest hash")
	}
}
