package fsutil

import (
	"path/filepath"
	"runtime"
	"testing"
)

func withHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	// Configure both env vars for cross-platform behavior of os.UserHomeDir.
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
	return home
}

func TestExpandHome(t *testing.T) {
	home := withHome(t)
	cases := map[string]string{
		"":            "",
		"/tmp":        "/tmp",
		"~":           home,
		"~/workflows": filepath.Join(home, "workflows"),
		"~bob/wf":     "~bob/wf",
		"wf/~":        "wf/~",
	}
	for in, want := range cases {
		if got, err := ExpandHome(in); err != nil || got != want {
			t.Fatalf("ExpandHome(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}

func TestResolve(t *testing.T) {
	home := withHome(t)
	base := filepath.Join(home, "cfg")
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"depth.json", filepath.Join(base, "depth.json")},
		{"../wf/depth.json", filepath.Join(home, "wf", "depth.json")},
		{"~/wf/depth.json", filepath.Join(home, "wf", "depth.json")},
	}
	for _, c := range cases {
		got, err := Resolve(c.in, base)
		if err != nil || got != c.want {
			t.Fatalf("Resolve(%q) = %q, %v; want %q", c.in, got, err, c.want)
		}
	}
	if runtime.GOOS != "windows" {
		if got, _ := Resolve("/abs/depth.json", base); got != "/abs/depth.json" {
			t.Fatalf("absolute path rewritten: %q", got)
		}
	}
	if got, _ := Resolve("depth.json", ""); got != "depth.json" {
		t.Fatalf("no base dir: %q", got)
	}
}
