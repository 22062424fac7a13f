package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WriteApplyReport writes a markdown apply report under
// <repo>/artifacts/docs/<ts>_<name>_apply_report.md and returns its path.
func WriteApplyReport(repoPath, name, purpose, patchPath string, result ApplyResult) (string, error) {
	ts := time.Now().UTC().Format("20060102T150405Z")
	outDir := filepath.Join(repoPath, "artifacts", "docs")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	reportPath := filepath.Join(outDir, fmt.Sprintf("%s_%s_apply_report.md", ts, name))

	patchSha, err := Sha256File(patchPath)
	if err != nil {
		return "", fmt.Errorf("hash patch: %w", err)
	}
	info, err := os.Stat(patchPath)
	if err != nil {
		return "", fmt.Errorf("stat patch: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Patch Apply Report: %s\n\n", name)
	fmt.Fprintf(&b, "- **ts (UTC):** `%s`\n", ts)
	fmt.Fprintf(&b, "- **purpose:** `%s`\n", purpose)
	fmt.Fprintf(&b, "- **repo_path:** `%s`\n", result.RepoPath)
	fmt.Fprintf(&b, "- **patch_path:** `%s`\n", result.PatchPath)
	fmt.Fprintf(&b, "- **patch_sha256:** `%s`\n", patchSha)
	fmt.Fprintf(&b, "- **patch_bytes:** `%d`\n\n", info.Size())

	b.WriteString("## Outcome\n")
	fmt.Fprintf(&b, "- **ok:** `%t`\n", result.OK)
	fmt.Fprintf(&b, "- **checked:** `%t`\n", result.Checked)
	fmt.Fprintf(&b, "- **applied:** `%t`\n\n", result.Applied)

	if result.GitStatusPorcelain != "" {
		b.WriteString("## Pre-check git status (porcelain)\n```\n")
		b.WriteString(result.GitStatusPorcelain)
		b.WriteString("\n```\n\n")
	}

	b.WriteString("## git apply --check (stdout/stderr)\n```\n")
	writeNonEmptyLines(&b, result.CheckStdout, result.CheckStderr)
	b.WriteString("```\n\n")

	b.WriteString("## git apply (stdout/stderr)\n```\n")
	writeNonEmptyLines(&b, result.ApplyStdout, result.ApplyStderr)
	b.WriteString("```\n\n")

	if result.DiffStat != "" {
		b.WriteString("## git diff --stat\n```\n")
		b.WriteString(result.DiffStat)
		b.WriteString("\n```\n\n")
	}

	if err := os.WriteFile(reportPath, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return reportPath, nil
}

func writeNonEmptyLines(b *strings.Builder, lines ...string) {
	for _, line := range lines {
		if line != "" {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
}
