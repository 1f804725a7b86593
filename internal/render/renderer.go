// Package render turns completed research results into markdown reports
// using a fixed, version-stamped template.
package render

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// TemplateVersion stamps every rendered report so consumers can detect
// layout changes.
const TemplateVersion = "1.0"

const reportTemplate = `# {{.Title}}
{{- if .IncludeMetadata}}

## Research Metadata

| Field | Value |
|-------|-------|
| Task ID | {{.TaskID}} |
| Status | {{.Status}} |
| Created | {{.CreatedAt}} |
| Completed | {{.CompletedAt}} |
| Duration | {{printf "%.2f" .DurationMinutes}} minutes |
| Model | {{.Model}} |
| Input Tokens | {{.TokensInput}} |
| Output Tokens | {{.TokensOutput}} |
| Estimated Cost | ${{printf "%.4f" .CostUSD}} |
{{- end}}

## Query

{{.Query}}

## Findings

{{.Report}}
{{- if and .IncludeSources .Sources}}

## Sources
{{range $i, $s := .Sources}}
{{add $i 1}}. [{{$s.Title}}]({{$s.URL}}){{if $s.Relevance}} (relevance: {{printf "%.2f" $s.Relevance}}){{end}}{{if $s.Snippet}}
   > {{$s.Snippet}}{{end}}
{{- end}}
{{- end}}

---

*Generated by deepscout (template v{{.Version}}) at {{.SavedAt}}*
`

// Source is a rendered citation entry.
type Source struct {
	Title     string
	URL       string
	Snippet   string
	Relevance float64
}

// Input carries everything the template needs. Rendering is pure: all
// timestamps come from the caller, so equal inputs yield equal output.
type Input struct {
	TaskID          string
	Query           string
	Report          string
	Status          string
	Model           string
	Sources         []Source
	TokensInput     int
	TokensOutput    int
	CostUSD         float64
	DurationMinutes float64
	CreatedAt       time.Time
	CompletedAt     time.Time
	SavedAt         time.Time
	IncludeMetadata bool
	IncludeSources  bool
}

// Renderer renders markdown reports.
type Renderer struct {
	tmpl *template.Template
}

// New compiles the report template.
func New() (*Renderer, error) {
	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"add": func(a, b int) int { return a + b },
	}).Parse(reportTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse report template: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

type templateContext struct {
	Title           string
	TaskID          string
	Query           string
	Report          string
	Status          string
	Model           string
	Sources         []Source
	TokensInput     int
	TokensOutput    int
	CostUSD         float64
	DurationMinutes float64
	CreatedAt       string
	CompletedAt     string
	SavedAt         string
	Version         string
	IncludeMetadata bool
	IncludeSources  bool
}

// Render produces the markdown document for in.
func (r *Renderer) Render(in Input) (string, error) {
	ctx := templateContext{
		Title:           Title(in.Query),
		TaskID:          in.TaskID,
		Query:           in.Query,
		Report:          in.Report,
		Status:          in.Status,
		Model:           in.Model,
		Sources:         in.Sources,
		TokensInput:     in.TokensInput,
		TokensOutput:    in.TokensOutput,
		CostUSD:         in.CostUSD,
		DurationMinutes: in.DurationMinutes,
		CreatedAt:       formatTimestamp(in.CreatedAt),
		CompletedAt:     formatTimestamp(in.CompletedAt),
		SavedAt:         formatTimestamp(in.SavedAt),
		Version:         TemplateVersion,
		IncludeMetadata: in.IncludeMetadata,
		IncludeSources:  in.IncludeSources,
	}

	var sb strings.Builder
	if err := r.tmpl.Execute(&sb, ctx); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return sb.String(), nil
}

// SectionsIncluded lists the document sections Render emits for in, in
// document order.
func SectionsIncluded(in Input) []string {
	sections := []string{"findings"}
	if in.IncludeMetadata {
		sections = append([]string{"metadata"}, sections...)
	}
	if in.IncludeSources && len(in.Sources) > 0 {
		sections = append(sections, "sources")
	}
	return sections
}

// Title derives a document title from the query, truncating past 80 runes.
func Title(query string) string {
	runes := []rune(query)
	if len(runes) > 80 {
		return string(runes[:77]) + "..."
	}
	return query
}

// Filename builds the report filename: <prefix>_<id8>_<YYYYMMDD_HHMMSS>.md.
func Filename(taskID, prefix string, at time.Time) string {
	shortID := taskID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	return fmt.Sprintf("%s_%s_%s.md", prefix, shortID, at.Format("20060102_150405"))
}

// MonthDir returns the month bucket (YYYY-MM) reports are organized under.
func MonthDir(at time.Time) string {
	return at.Format("2006-01")
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
