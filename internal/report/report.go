// Package report writes Markdown reports with YAML frontmatter into a run's
// artifacts directory and renders them to HTML with goldmark.
//
// Report file names carry the mdfp content fingerprint, so identical content
// always maps to the same file and URL.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/inful/mdfp"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"gopkg.in/yaml.v3"
)

const fingerprintPrefixLen = 12

// Document is a report before it is written.
type Document struct {
	Title  string
	Fields map[string]any // frontmatter, serialised with sorted keys
	Body   string         // Markdown
}

// Written describes the files produced for one Document.
type Written struct {
	MarkdownPath string
	HTMLPath     string
	URL          string
	Fingerprint  string
}

// Writer places reports in one directory and builds their public URLs.
type Writer struct {
	dir     string
	baseURL string
	md      goldmark.Markdown
}

// NewWriter returns a writer for dir. When baseURL is set, report URLs are
// baseURL/<dir name>/<file>; otherwise they are file:// URLs.
func NewWriter(dir, baseURL string) *Writer {
	return &Writer{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		md:      goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// Fingerprint computes the content fingerprint of a document. The
// fingerprint field itself never takes part in the hash.
func Fingerprint(doc Document) (string, error) {
	fields := make(map[string]any, len(doc.Fields)+1)
	for k, v := range doc.Fields {
		if k == mdfp.FingerprintField {
			continue
		}
		fields[k] = v
	}
	if doc.Title != "" {
		fields["title"] = doc.Title
	}

	frontmatter := ""
	if len(fields) > 0 {
		out, err := yaml.Marshal(fields)
		if err != nil {
			return "", fmt.Errorf("serialize frontmatter: %w", err)
		}
		frontmatter = strings.TrimSuffix(string(out), "\n")
	}
	return mdfp.CalculateFingerprintFromParts(frontmatter, doc.Body), nil
}

// Write renders doc as <name>-<fingerprint>.md and .html.
func (w *Writer) Write(name string, doc Document) (*Written, error) {
	if w.dir == "" {
		return nil, errors.New("report directory not set")
	}
	fp, err := Fingerprint(doc)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}

	short := fp
	if len(short) > fingerprintPrefixLen {
		short = short[:fingerprintPrefixLen]
	}
	stem := fmt.Sprintf("%s-%s", name, short)
	mdPath := filepath.Join(w.dir, stem+".md")
	htmlPath := filepath.Join(w.dir, stem+".html")

	fields := make(map[string]any, len(doc.Fields)+2)
	for k, v := range doc.Fields {
		fields[k] = v
	}
	if doc.Title != "" {
		fields["title"] = doc.Title
	}
	fields[mdfp.FingerprintField] = fp
	fm, err := yaml.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("serialize frontmatter: %w", err)
	}

	var mdBuf bytes.Buffer
	mdBuf.WriteString("---\n")
	mdBuf.Write(fm)
	mdBuf.WriteString("---\n\n")
	mdBuf.WriteString(doc.Body)
	if err := os.WriteFile(mdPath, mdBuf.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("write markdown report: %w", err)
	}

	var body bytes.Buffer
	if err := w.md.Convert([]byte(doc.Body), &body); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	page := fmt.Sprintf("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n%s</body></html>\n",
		html.EscapeString(doc.Title), body.String())
	if err := os.WriteFile(htmlPath, []byte(page), 0o600); err != nil {
		return nil, fmt.Errorf("write html report: %w", err)
	}

	u, err := w.url(htmlPath)
	if err != nil {
		return nil, err
	}
	return &Written{MarkdownPath: mdPath, HTMLPath: htmlPath, URL: u, Fingerprint: fp}, nil
}

func (w *Writer) url(path string) (string, error) {
	if w.baseURL != "" {
		return w.baseURL + "/" + url.PathEscape(filepath.Base(w.dir)) + "/" + url.PathEscape(filepath.Base(path)), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve report path: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

// CodeBlock fences content for Markdown, choosing a fence longer than any
// backtick run inside it.
func CodeBlock(lang, content string) string {
	fence := "```"
	for strings.Contains(content, fence) {
		fence += "`"
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return fence + lang + "\n" + content + fence + "\n"
}
