package repo

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func newGitRepo(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed, skipping")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")

	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("old\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run("add", "f.txt")
	run("commit", "-m", "initial")
	return dir
}

func writePatch(t *testing.T, dir string) string {
	t.Helper()
	patch := "--- a/f.txt\n+++ b/f.txt\n@@ -1 +1 @@\n-old\n+new\n"
	path := filepath.Join(t.TempDir(), "change.patch")
	if err := os.WriteFile(path, []byte(patch), 0o644); err != nil {
		t.Fatalf("write patch: %v", err)
	}
	return path
}

func TestApplyPatch(t *testing.T) {
	dir := newGitRepo(t)
	patch := writePatch(t, dir)

	result, err := ApplyPatch(context.Background(), DefaultApplyOptions(dir, patch))
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if !result.OK || !result.Checked || !result.Applied {
		t.Errorf("result = %+v, want ok/checked/applied", result)
	}
	if !strings.Contains(result.DiffStat, "f.txt") {
		t.Errorf("diff_stat = %q", result.DiffStat)
	}

	content, err := os.ReadFile(filepath.Join(dir, "f.txt"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(content) != "new\n" {
		t.Errorf("file content = %q, want new", content)
	}
}

func TestApplyPatchCheckOnly(t *testing.T) {
	dir := newGitRepo(t)
	patch := writePatch(t, dir)

	opts := DefaultApplyOptions(dir, patch)
	opts.CheckOnly = true

	result, err := ApplyPatch(context.Background(), opts)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if !result.OK || !result.Checked || result.Applied {
		t.Errorf("result = %+v, want checked but not applied", result)
	}

	content, _ := os.ReadFile(filepath.Join(dir, "f.txt"))
	if string(content) != "old\n" {
		t.Errorf("check-only must not modify the tree: %q", content)
	}
}

func TestApplyPatchRefusesDirtyTree(t *testing.T) {
	dir := newGitRepo(t)
	patch := writePatch(t, dir)

	if err := os.WriteFile(filepath.Join(dir, "dirty.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, err := ApplyPatch(context.Background(), DefaultApplyOptions(dir, patch))
	if !errors.Is(err, ErrDirtyTree) {
		t.Errorf("err = %v, want ErrDirtyTree", err)
	}

	// With RequireClean off the apply proceeds.
	opts := DefaultApplyOptions(dir, patch)
	opts.RequireClean = false
	result, err := ApplyPatch(context.Background(), opts)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if !result.OK {
		t.Errorf("result = %+v", result)
	}
}

func TestApplyPatchFailedCheck(t *testing.T) {
	dir := newGitRepo(t)

	bad := "--- a/f.txt\n+++ b/f.txt\n@@ -1 +1 @@\n-does not match\n+new\n"
	patch := filepath.Join(t.TempDir(), "bad.patch")
	if err := os.WriteFile(patch, []byte(bad), 0o644); err != nil {
		t.Fatalf("write patch: %v", err)
	}

	result, err := ApplyPatch(context.Background(), DefaultApplyOptions(dir, patch))
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if result.OK || result.Applied {
		t.Errorf("result = %+v, want failed check", result)
	}
	if !result.Checked {
		t.Error("check must have run")
	}
	if result.CheckStderr == "" {
		t.Error("expected git apply --check stderr")
	}
}

func TestApplyPatchInvalidPaths(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed, skipping")
	}

	_, err := ApplyPatch(context.Background(), DefaultApplyOptions("/does/not/exist", "/also/missing.patch"))
	if !errors.Is(err, ErrInvalidPath) {
		t.Errorf("err = %v, want ErrInvalidPath", err)
	}
}

func TestWriteApplyReport(t *testing.T) {
	dir := newGitRepo(t)
	patch := writePatch(t, dir)

	result, err := ApplyPatch(context.Background(), DefaultApplyOptions(dir, patch))
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}

	reportPath, err := WriteApplyReport(dir, "rename_fix", "test purpose", patch, result)
	if err != nil {
		t.Fatalf("WriteApplyReport: %v", err)
	}
	if !strings.HasSuffix(reportPath, "_rename_fix_apply_report.md") {
		t.Errorf("report path = %q", reportPath)
	}

	report, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	for _, want := range []string{"# Patch Apply Report", "test purpose", "patch_sha256", "git diff --stat"} {
		if !strings.Contains(string(report), want) {
			t.Errorf("report missing %q", want)
		}
	}
}
