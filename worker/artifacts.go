package worker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Artifact describes one file produced by a task, ready to be embedded
// into the task result.
type Artifact struct {
	Kind   string         `json:"kind"` // "patch" or "doc"
	Path   string         `json:"path"`
	Sha256 string         `json:"sha256"`
	Bytes  int            `json:"bytes"`
	Meta   map[string]any `json:"meta"`
}

// Result wraps the artifact for merging into a task result map.
func (a Artifact) Result() map[string]any {
	return map[string]any{
		"artifact": map[string]any{
			"kind":   a.Kind,
			"path":   a.Path,
			"sha256": a.Sha256,
			"bytes":  a.Bytes,
			"meta":   a.Meta,
		},
	}
}

func utcCompact() string {
	return time.Now().UTC().Format("20060102T150405Z")
}

func safeName(name, fallback string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = fallback
	}
	return strings.ReplaceAll(name, " ", "_")
}

func writeArtifactFile(dir, fname string, content []byte) (Artifact, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(dir, fname)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("write artifact: %w", err)
	}
	sum := sha256.Sum256(content)
	return Artifact{
		Path:   path,
		Sha256: hex.EncodeToString(sum[:]),
		Bytes:  len(content),
	}, nil
}

// WritePatchArtifact stores a unified diff under
// <repo>/<artifactsRoot>/patches/<ts>_<name>.patch. It never applies the
// patch; patch.apply is a separate task type.
func WritePatchArtifact(repoPath, patchText, artifactsRoot, name string, meta map[string]any) (Artifact, error) {
	if strings.TrimSpace(repoPath) == "" {
		return Artifact{}, fmt.Errorf("repo_path must be a non-empty string")
	}
	if strings.TrimSpace(patchText) == "" {
		return Artifact{}, fmt.Errorf("patch must be a non-empty string")
	}
	if artifactsRoot == "" {
		artifactsRoot = "artifacts"
	}

	ts := utcCompact()
	name = safeName(name, "change")

	a, err := writeArtifactFile(
		filepath.Join(repoPath, artifactsRoot, "patches"),
		fmt.Sprintf("%s_%s.patch", ts, name),
		[]byte(patchText),
	)
	if err != nil {
		return Artifact{}, err
	}
	a.Kind = "patch"
	a.Meta = artifactMeta(name, ts, meta)
	return a, nil
}

// WriteDocArtifact stores markdown under
// <repo>/<artifactsRoot>/docs/<ts>_<name>.md. When renderHTML is set a
// sanitized HTML rendering is written alongside with an .html extension
// and recorded in the artifact meta.
func WriteDocArtifact(repoPath, markdown, artifactsRoot, name string, renderHTML bool, meta map[string]any) (Artifact, error) {
	if strings.TrimSpace(repoPath) == "" {
		return Artifact{}, fmt.Errorf("repo_path must be a non-empty string")
	}
	if strings.TrimSpace(markdown) == "" {
		return Artifact{}, fmt.Errorf("markdown must be a non-empty string")
	}
	if artifactsRoot == "" {
		artifactsRoot = "artifacts"
	}

	ts := utcCompact()
	name = safeName(name, "report")
	dir := filepath.Join(repoPath, artifactsRoot, "docs")

	a, err := writeArtifactFile(dir, fmt.Sprintf("%s_%s.md", ts, name), []byte(markdown))
	if err != nil {
		return Artifact{}, err
	}
	a.Kind = "doc"
	a.Meta = artifactMeta(name, ts, meta)

	if renderHTML {
		html, err := renderMarkdown(markdown)
		if err != nil {
			return Artifact{}, fmt.Errorf("render html: %w", err)
		}
		htmlArtifact, err := writeArtifactFile(dir, fmt.Sprintf("%s_%s.html", ts, name), html)
		if err != nil {
			return Artifact{}, err
		}
		a.Meta["html_path"] = htmlArtifact.Path
		a.Meta["html_sha256"] = htmlArtifact.Sha256
	}
	return a, nil
}

func artifactMeta(name, ts string, extra map[string]any) map[string]any {
	meta := map[string]any{"name": name, "ts": ts}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}

var htmlPolicy = bluemonday.UGCPolicy()

// renderMarkdown converts markdown to sanitized HTML. GFM tables and
// strikethrough are enabled; raw HTML in the source is stripped by the
// sanitizer.
func renderMarkdown(markdown string) ([]byte, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return nil, err
	}
	return htmlPolicy.SanitizeBytes(buf.Bytes()), nil
}
