// Package diff produces the diff artifact of a build: the patch between the
// base and head revisions, written as a Markdown and HTML report.
package diff

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-git/go-git/v5/plumbing/object"

	"git.home.luguber.info/inful/buildrunner/internal/git"
	"git.home.luguber.info/inful/buildrunner/internal/logfields"
	"git.home.luguber.info/inful/buildrunner/internal/report"
	"git.home.luguber.info/inful/buildrunner/internal/runctx"
)

// KindDiff is the artifact kind of diff reports.
const KindDiff = "diff"

// maxPatchBytes bounds the patch text embedded in a report.
const maxPatchBytes = 1 << 20

// Artifact is the outcome of diff generation. An empty URL means base and
// head have no differences.
type Artifact struct {
	Kind      string
	URL       string
	Path      string
	Timestamp time.Time

	Files     int
	Additions int
	Deletions int
}

// NoChanges reports whether the artifact is the "no changes" sentinel.
func (a *Artifact) NoChanges() bool { return a.URL == "" }

// Generator computes patches with go-git.
type Generator struct {
	baseURL string
	now     func() time.Time
}

// NewGenerator returns a generator whose report URLs start with baseURL, or
// are file:// URLs when baseURL is empty.
func NewGenerator(baseURL string) *Generator {
	return &Generator{baseURL: baseURL, now: time.Now}
}

// Generate diffs base against head in the repository at rc.WorkDir.
func (g *Generator) Generate(ctx context.Context, base, head string, rc *runctx.RuntimeContext) (*Artifact, error) {
	repo, err := git.Open(rc.WorkDir)
	if err != nil {
		return nil, err
	}
	baseCommit, err := git.ResolveCommit(repo, base)
	if err != nil {
		return nil, err
	}
	headCommit, err := git.ResolveCommit(repo, head)
	if err != nil {
		return nil, err
	}

	art := &Artifact{Kind: KindDiff, Timestamp: g.now()}
	if baseCommit.Hash == headCommit.Hash {
		slog.DebugContext(ctx, "Base and head are the same commit", logfields.Revision(headCommit.Hash.String()))
		return art, nil
	}

	patch, err := baseCommit.PatchContext(ctx, headCommit)
	if err != nil {
		return nil, fmt.Errorf("compute patch %s..%s: %w", base, head, err)
	}
	stats := patch.Stats()
	if len(patch.FilePatches()) == 0 {
		return art, nil
	}

	art.Files = len(stats)
	for _, s := range stats {
		art.Additions += s.Addition
		art.Deletions += s.Deletion
	}

	doc := report.Document{
		Title: fmt.Sprintf("Changes %s..%s", base, head),
		Fields: map[string]any{
			"base":      base,
			"head":      head,
			"base_sha":  baseCommit.Hash.String(),
			"head_sha":  headCommit.Hash.String(),
			"files":     art.Files,
			"additions": art.Additions,
			"deletions": art.Deletions,
			"run_id":    rc.RunID,
		},
		Body: renderBody(base, head, stats, patch.String()),
	}
	out, err := report.NewWriter(rc.ArtifactsDir, g.baseURL).Write(KindDiff, doc)
	if err != nil {
		return nil, fmt.Errorf("write diff report: %w", err)
	}

	art.URL = out.URL
	art.Path = out.HTMLPath
	slog.InfoContext(ctx, "Diff report written",
		logfields.URL(art.URL),
		slog.Int("files", art.Files),
		slog.Int("additions", art.Additions),
		slog.Int("deletions", art.Deletions))
	return art, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func renderBody(base, head string, stats object.FileStats, patch string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Changes `%s`..`%s`\n\n", base, head)
	b.WriteString("| File | Added | Removed |\n|---|---:|---:|\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "| `%s` | %d | %d |\n", strings.ReplaceAll(s.Name, "|", `\|`), s.Addition, s.Deletion)
	}
	b.WriteString("\n## Patch\n\n")
	if len(patch) > maxPatchBytes {
		patch = truncateUTF8(patch, maxPatchBytes)
		b.WriteString("_Patch truncated._\n\n")
	}
	b.WriteString(report.CodeBlock("diff", patch))
	return b.String()
}
