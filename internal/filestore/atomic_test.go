package filestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAtomicWrite_CreatesFileAndParentDirs(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "sub", "deep", "file.json")

	if err := AtomicWrite(target, []byte(`{"ok":true}`), 0o600); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("unexpected content: %s", data)
	}
}

func TestAtomicWrite_NoTempFileLeftOnSuccess(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "file.json")

	if err := AtomicWrite(target, []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(target + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected .tmp file to be cleaned up")
	}
}

func TestReadFileOrEmpty_MissingReturnsNilNil(t *testing.T) {
	data, err := ReadFileOrEmpty(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil data, got: %s", data)
	}
}

func TestWriteJSONReadJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "record.json")

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := WriteJSON(p, record{Name: "fib", Count: 3}, 0o644); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	raw, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if raw[len(raw)-1] != '\n' {
		t.Fatal("expected trailing newline")
	}

	var got record
	if err := ReadJSON(p, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Name != "fib" || got.Count != 3 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestReadJSONMissingFileIsNotExist(t *testing.T) {
	var v map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &v)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestReadJSONCorruptFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(p, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	var v map[string]any
	if err := ReadJSON(p, &v); err == nil || errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestResolvePath_TildeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		input string
		want  string
	}{
		{"~/loom", filepath.Join(home, "loom")},
		{"~", home},
		{"/abs/path", "/abs/path"},
		{"", ""},
	}
	for _, tt := range tests {
		got := ResolvePath(tt.input, "")
		if got != tt.want {
			t.Errorf("ResolvePath(%q, \"\") = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestResolvePath_DefaultFallback(t *testing.T) {
	got := ResolvePath("", ".loom")
	if got != ".loom" {
		t.Errorf("expected .loom, got %q", got)
	}
}

func TestEnsureDir_CreatesNestedDirs(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")
	if err := EnsureDir(nested); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(nested)
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() {
		t.Fatal("expected directory")
	}
}
