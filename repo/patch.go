// Package repo applies unified-diff patches to git working trees with a
// check-before-apply discipline and auditable reports.
package repo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrDirtyTree is returned when require_clean is set and the working
	// tree has uncommitted changes.
	ErrDirtyTree = errors.New("working tree not clean")

	// ErrGitFailure is returned when a git command itself fails to run.
	ErrGitFailure = errors.New("git command failed")

	// ErrInvalidPath is returned for missing repos or patch files.
	ErrInvalidPath = errors.New("invalid path")
)

// ApplyOptions controls a patch application.
type ApplyOptions struct {
	RepoPath  string
	PatchPath string

	// RequireClean refuses to apply onto a dirty tree. Default true via
	// DefaultApplyOptions.
	RequireClean bool

	// CheckOnly stops after git apply --check.
	CheckOnly bool

	// Timeout bounds the apply commands. Default 120s.
	Timeout time.Duration
}

// DefaultApplyOptions returns options with the safe defaults applied.
func DefaultApplyOptions(repoPath, patchPath string) ApplyOptions {
	return ApplyOptions{
		RepoPath:     repoPath,
		PatchPath:    patchPath,
		RequireClean: true,
		Timeout:      120 * time.Second,
	}
}

// ApplyResult records every observable step of a patch application.
type ApplyResult struct {
	OK                 bool   `json:"ok"`
	Checked            bool   `json:"checked"`
	Applied            bool   `json:"applied"`
	RepoPath           string `json:"repo_path"`
	PatchPath          string `json:"patch_path"`
	GitStatusPorcelain string `json:"git_status_porcelain"`
	DiffStat           string `json:"diff_stat"`
	CheckStdout        string `json:"check_stdout"`
	CheckStderr        string `json:"check_stderr"`
	ApplyStdout        string `json:"apply_stdout"`
	ApplyStderr        string `json:"apply_stderr"`
	ReportPath         string `json:"report_path,omitempty"`
}

// Map flattens the result for task result merging.
func (r ApplyResult) Map() map[string]any {
	out := map[string]any{
		"ok":                   r.OK,
		"checked":              r.Checked,
		"applied":              r.Applied,
		"repo_path":            r.RepoPath,
		"patch_path":           r.PatchPath,
		"git_status_porcelain": r.GitStatusPorcelain,
		"diff_stat":            r.DiffStat,
		"check_stdout":         r.CheckStdout,
		"check_stderr":         r.CheckStderr,
		"apply_stdout":         r.ApplyStdout,
		"apply_stderr":         r.ApplyStderr,
	}
	if r.ReportPath != "" {
		out["report_path"] = r.ReportPath
	}
	return out
}

func runGit(ctx context.Context, dir string, timeout time.Duration, args ...string) (stdout, stderr string, code int, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	runErr := cmd.Run()
	stdout = strings.TrimSpace(out.String())
	stderr = strings.TrimSpace(errb.String())

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return stdout, stderr, 0, nil
	case errors.As(runErr, &exitErr):
		return stdout, stderr, exitErr.ExitCode(), nil
	default:
		return stdout, stderr, -1, fmt.Errorf("%w: git %s: %v", ErrGitFailure, strings.Join(args, " "), runErr)
	}
}

// StatusPorcelain returns `git status --porcelain` output, empty for a
// clean tree.
func StatusPorcelain(ctx context.Context, repoPath string) (string, error) {
	stdout, stderr, code, err := runGit(ctx, repoPath, 30*time.Second, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("%w: git status failed: %s", ErrGitFailure, stderr)
	}
	return stdout, nil
}

// ApplyPatch verifies the patch with git apply --check, then applies it
// and captures git diff --stat. It never commits.
func ApplyPatch(ctx context.Context, opts ApplyOptions) (ApplyResult, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}

	repoPath, err := filepath.Abs(opts.RepoPath)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	patchPath, err := filepath.Abs(opts.PatchPath)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	if info, statErr := os.Stat(repoPath); statErr != nil || !info.IsDir() {
		return ApplyResult{}, fmt.Errorf("%w: repo_path is not a directory: %s", ErrInvalidPath, repoPath)
	}
	if info, statErr := os.Stat(patchPath); statErr != nil || info.IsDir() {
		return ApplyResult{}, fmt.Errorf("%w: patch_path is not a file: %s", ErrInvalidPath, patchPath)
	}

	porcelain, err := StatusPorcelain(ctx, repoPath)
	if err != nil {
		return ApplyResult{}, err
	}
	if opts.RequireClean && porcelain != "" {
		return ApplyResult{}, fmt.Errorf("%w: refusing to apply patch, commit/stash/clean and retry:\n%s", ErrDirtyTree, porcelain)
	}

	result := ApplyResult{
		RepoPath:           repoPath,
		PatchPath:          patchPath,
		GitStatusPorcelain: porcelain,
	}

	checkOut, checkErr, code, err := runGit(ctx, repoPath, opts.Timeout, "apply", "--check", patchPath)
	if err != nil {
		return ApplyResult{}, err
	}
	result.Checked = true
	result.CheckStdout = checkOut
	result.CheckStderr = checkErr
	if code != 0 {
		return result, nil
	}

	if opts.CheckOnly {
		result.OK = true
		return result, nil
	}

	applyOut, applyErr, code, err := runGit(ctx, repoPath, opts.Timeout, "apply", patchPath)
	if err != nil {
		return ApplyResult{}, err
	}
	result.ApplyStdout = applyOut
	result.ApplyStderr = applyErr
	if code != 0 {
		return result, nil
	}
	result.Applied = true

	diffStat, _, _, err := runGit(ctx, repoPath, 30*time.Second, "diff", "--stat")
	if err != nil {
		return ApplyResult{}, err
	}
	result.DiffStat = diffStat
	result.OK = true
	return result, nil
}

// Sha256File hashes a file's contents.
func Sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
