package storage

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveBuildLog(t *testing.T) {
	ls := NewLogStorage(t.TempDir())
	started := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

	path, err := ls.SaveBuildLog("my/project", "0f3c9a1e-aaaa-bbbb", started, "line one\nline two")
	if err != nil {
		t.Fatalf("SaveBuildLog: %v", err)
	}
	if filepath.Base(filepath.Dir(path)) != "myproject" {
		t.Errorf("project dir not sanitized: %s", path)
	}
	if base := filepath.Base(path); base != "20240309_140507_0f3c9a1e.log" {
		t.Errorf("file name = %s", base)
	}
	got, err := ls.ReadLog(path)
	if err != nil || got != "line one\nline two" {
		t.Errorf("ReadLog = %q, %v", got, err)
	}
}

func TestSanitize(t *testing.T) {
	if got := sanitize("../../etc"); strings.ContainsAny(got, "./") {
		t.Errorf("sanitize kept path characters: %q", got)
	}
	if got := sanitize("!!!"); got != "build" {
		t.Errorf("sanitize(!!!) = %q", got)
	}
}
