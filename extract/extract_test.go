package extract_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/webwebb56/mdqc-agent/extract"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("extractor test scripts are posix shell only")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLocateFindsConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "extractor.sh", "exit 0\n")

	o := extract.New(extract.Config{ExtractorPath: bin})
	got, err := o.Locate()
	if err != nil {
		t.Fatal(err)
	}
	if got != bin {
		t.Errorf("got %q, want %q", got, bin)
	}
}

func TestLocateFailsWhenNotFound(t *testing.T) {
	o := extract.New(extract.Config{ExtractorPath: filepath.Join(t.TempDir(), "nope")})
	_, err := o.Locate()
	if err == nil {
		t.Fatal("expected an error when the extractor cannot be found")
	}
	extErr, ok := err.(*extract.Error)
	if !ok {
		t.Fatalf("got error of type %T, want *extract.Error", err)
	}
	if extErr.Class != extract.ExtractorNotFound {
		t.Errorf("got class %v, want ExtractorNotFound", extErr.Class)
	}
	if !extErr.Class.Fatal() {
		t.Error("expected ExtractorNotFound to be fatal")
	}
}

func TestRunWritesReportOnSuccess(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "extractor.sh", `
for arg in "$@"; do
  case "$arg" in
    --report-file=*) path="${arg#--report-file=}" ;;
  esac
done
echo "PeptideSequence,PrecursorMz" > "$path"
exit 0
`)
	templateDir := t.TempDir()
	templatePath := filepath.Join(templateDir, "default.skyr")
	if err := os.WriteFile(templatePath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	o := extract.New(extract.Config{ExtractorPath: bin, TemplateDir: templateDir, Timeout: 5 * time.Second})
	res, err := o.Run(context.Background(), "/data/run1.raw", extract.InstrumentConfig{Template: "default.skyr"})
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(res.CSVPath)

	if _, err := os.Stat(res.CSVPath); err != nil {
		t.Fatalf("expected report file to exist: %v", err)
	}
}

func TestRunMissingTemplateFails(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "extractor.sh", "exit 0\n")

	o := extract.New(extract.Config{ExtractorPath: bin, TemplateDir: t.TempDir()})
	_, err := o.Run(context.Background(), "/data/run1.raw", extract.InstrumentConfig{Template: "missing.skyr"})
	if err == nil {
		t.Fatal("expected an error for a missing template")
	}
	extErr, ok := err.(*extract.Error)
	if !ok || extErr.Class != extract.TemplateMissing {
		t.Fatalf("got %v, want TemplateMissing", err)
	}
}

func TestRunNonZeroExitIsCaptured(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "extractor.sh", "echo boom 1>&2\nexit 3\n")
	templateDir := t.TempDir()
	templatePath := filepath.Join(templateDir, "default.skyr")
	os.WriteFile(templatePath, []byte("x"), 0o644)

	o := extract.New(extract.Config{ExtractorPath: bin, TemplateDir: templateDir, Timeout: 5 * time.Second})
	_, err := o.Run(context.Background(), "/data/run1.raw", extract.InstrumentConfig{Template: "default.skyr"})
	if err == nil {
		t.Fatal("expected a non-zero exit error")
	}
	extErr, ok := err.(*extract.Error)
	if !ok || extErr.Class != extract.NonZeroExit {
		t.Fatalf("got %v, want NonZeroExit", err)
	}
}

func TestRunTimeoutIsReported(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "extractor.sh", "sleep 5\n")
	templateDir := t.TempDir()
	os.WriteFile(filepath.Join(templateDir, "default.skyr"), []byte("x"), 0o644)

	o := extract.New(extract.Config{ExtractorPath: bin, TemplateDir: templateDir, Timeout: 50 * time.Millisecond})
	_, err := o.Run(context.Background(), "/data/run1.raw", extract.InstrumentConfig{Template: "default.skyr"})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	extErr, ok := err.(*extract.Error)
	if !ok || extErr.Class != extract.Timeout {
		t.Fatalf("got %v, want Timeout", err)
	}
	if !extErr.Class.Retriable() {
		t.Error("expected Timeout to be retriable")
	}
}

