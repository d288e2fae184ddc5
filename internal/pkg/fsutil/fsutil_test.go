package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMkdirAllOwned(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a", "b", "c")
	uid, gid := os.Getuid(), os.Getgid()

	if err := MkdirAllOwned(target, 0o750, uid, gid, false); err != nil {
		t.Fatalf("MkdirAllOwned: %v", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat %s: %v", target, err)
	}
	if !info.IsDir() {
		t.Fatalf("%s: not a directory", target)
	}

	// EEXIST on a prior call is tolerated.
	if err := MkdirAllOwned(target, 0o750, uid, gid, false); err != nil {
		t.Fatalf("MkdirAllOwned on existing path: %v", err)
	}
}

func TestMkdirAllOwnedPathOnly(t *testing.T) {
	root := t.TempDir()
	leaf := filepath.Join(root, "x", "y", "leaf")
	uid, gid := os.Getuid(), os.Getgid()

	if err := MkdirAllOwned(leaf, 0o750, uid, gid, true); err != nil {
		t.Fatalf("MkdirAllOwned path_only: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "x", "y")); err != nil {
		t.Fatalf("parent not created: %v", err)
	}
	if _, err := os.Stat(leaf); !os.IsNotExist(err) {
		t.Fatalf("leaf should not have been created, err=%v", err)
	}
}

func TestMkdirAllOwnedRejectsRelative(t *testing.T) {
	if err := MkdirAllOwned("relative/path", 0o755, 0, 0, false); err == nil {
		t.Fatalf("expected error for a relative path")
	}
}

func TestMkdirAllOwnedRejectsTooLong(t *testing.T) {
	long := "/" + string(make([]byte, pathMax+1))
	if err := MkdirAllOwned(long, 0o755, 0, 0, false); err == nil {
		t.Fatalf("expected ENAMETOOLONG for an oversized path")
	}
}

func TestTouchWithMkpath(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "nested", "file")
	uid, gid := os.Getuid(), os.Getgid()

	if err := TouchWithMkpath(target, uid, gid); err != nil {
		t.Fatalf("TouchWithMkpath: %v", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat %s: %v", target, err)
	}
	if info.IsDir() {
		t.Fatalf("%s: expected a regular file", target)
	}
	// Matches spec.md §9 item 3: the default perm is 0755, not 0644.
	if info.Mode().Perm() != defaultFilePerm {
		t.Fatalf("perm = %o, want %o", info.Mode().Perm(), defaultFilePerm)
	}

	// Pre-existing file is tolerated.
	if err := TouchWithMkpath(target, uid, gid); err != nil {
		t.Fatalf("TouchWithMkpath on existing file: %v", err)
	}
}

func TestParseNodeType(t *testing.T) {
	cases := map[string]NodeType{
		"char":  NodeChar,
		"block": NodeReg,
		"reg":   NodeReg,
		"":      NodeReg,
	}
	for in, want := range cases {
		if got := ParseNodeType(in); got != want {
			t.Errorf("ParseNodeType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMknodOwnedRejectsZeroMajor(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "dev0")
	if err := MknodOwned(path, NodeChar, 0, 0, 0o600, os.Getuid(), os.Getgid()); err == nil {
		t.Fatalf("expected EINVAL for major=0")
	}
}
