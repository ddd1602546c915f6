// Package reports renders stored scan records as Markdown or JSON.
package reports

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/tldr-it-stepankutaj/mop/internal/store"
	"github.com/tldr-it-stepankutaj/mop/pkg/modkit"
	"github.com/tldr-it-stepankutaj/mop/pkg/version"
)

// Report is a snapshot of scan records.
type Report struct {
	Title       string       `json:"title"`
	GeneratedAt time.Time    `json:"generated_at"`
	GeneratedBy string       `json:"generated_by"`
	Targets     []string     `json:"targets"`
	Scans       []store.Scan `json:"scans"`
}

// New builds a report over scans, oldest first.
func New(title string, scans []store.Scan) *Report {
	sorted := make([]store.Scan, len(scans))
	copy(sorted, scans)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	seen := make(map[string]bool)
	var targets []string
	for _, s := range sorted {
		if !seen[s.Target] {
			seen[s.Target] = true
			targets = append(targets, s.Target)
		}
	}
	sort.Strings(targets)

	if title == "" {
		title = "mop scan report"
	}
	return &Report{
		Title:       title,
		GeneratedAt: time.Now(),
		GeneratedBy: version.String(),
		Targets:     targets,
		Scans:       sorted,
	}
}

// ExportJSON writes the report as indented JSON.
func (r *Report) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

var markdown = template.Must(template.New("report").Funcs(template.FuncMap{
	"value": modkit.FormatValue,
	"json":  toJSON,
	"keys":  sortedKeys,
}).Parse(`# {{ .Title }}

**Generated:** {{ .GeneratedAt.Format "2006-01-02 15:04:05" }}
**Generated By:** {{ .GeneratedBy }}

---

## Targets
{{ range .Targets }}
- {{ . }}
{{- else }}
No targets.
{{- end }}

## Scans
{{ range .Scans }}
### {{ .Target }} ({{ .CreatedAt.Format "2006-01-02 15:04:05" }})

ID: ` + "`{{ .ID }}`" + `
{{ if .Config }}
| Setting | Value |
|---------|-------|
{{- $cfg := .Config }}
{{- range keys .Config }}
| {{ . }} | {{ value (index $cfg .) }} |
{{- end }}
{{ end }}
{{- if .Reports }}
**Reports:** ` + "`{{ json .Reports }}`" + `
{{ end }}
{{- if .Vectors }}
**Vectors:** ` + "`{{ json .Vectors }}`" + `
{{ end }}
{{- else }}
No scans recorded.
{{ end }}`))

// ExportMarkdown writes the report as Markdown.
func (r *Report) ExportMarkdown(w io.Writer) error {
	return markdown.Execute(w, r)
}

// Render writes the report in format ("md" or "json").
func (r *Report) Render(w io.Writer, format string) error {
	switch format {
	case "json":
		return r.ExportJSON(w)
	case "md", "markdown", "":
		return r.ExportMarkdown(w)
	}
	return fmt.Errorf("unknown report format %q (want md or json)", format)
}

// WriteFile renders the report into path, creating parent directories.
func (r *Report) WriteFile(path, format string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.Render(f, format); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimSpace(string(b))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
