package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"deepscout/internal/errors"
	"deepscout/internal/render"
	"deepscout/internal/research"
)

// minFreeBytes is the free-space floor checked before writing a report.
const minFreeBytes = 10 << 20 // 10 MB

// SaveParams are the validated inputs to SaveReport.
type SaveParams struct {
	TaskID          string
	OutputDir       string
	Prefix          string
	IncludeMetadata bool
	IncludeSources  bool
}

// SaveOutcome describes the written report file.
type SaveOutcome struct {
	FilePath   string
	Filename   string
	FileSizeKB float64
	CreatedAt  time.Time
	Sections   []string
}

// SaveReport renders the task's result to markdown and writes it under
// <output_dir>/YYYY-MM/, atomically via a temp file. It refuses tasks whose
// state has no result available.
func (e *Engine) SaveReport(ctx context.Context, p SaveParams) (*SaveOutcome, error) {
	task, result, err := e.Get(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}

	if p.OutputDir == "" {
		p.OutputDir = e.cfg.OutputDir
	}
	if p.Prefix == "" {
		p.Prefix = "research"
	}

	now := time.Now()
	completedAt := now
	if task.CompletedAt != nil {
		completedAt = *task.CompletedAt
	}

	input := render.Input{
		TaskID:          task.ID,
		Query:           task.Query,
		Report:          result.Report,
		Status:          string(task.Status),
		Model:           task.Model,
		Sources:         renderSources(result.Sources),
		TokensInput:     result.TokenUsage.InputTokens,
		TokensOutput:    result.TokenUsage.OutputTokens,
		CostUSD:         result.TokenUsage.EstimateCostUSD(),
		DurationMinutes: completedAt.Sub(task.CreatedAt).Minutes(),
		CreatedAt:       task.CreatedAt,
		CompletedAt:     completedAt,
		SavedAt:         now,
		IncludeMetadata: p.IncludeMetadata,
		IncludeSources:  p.IncludeSources,
	}

	content, err := e.renderer.Render(input)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, err, "render report for task %s", p.TaskID)
	}

	monthDir := filepath.Join(p.OutputDir, render.MonthDir(now))
	if err := os.MkdirAll(monthDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindIO, err, "create output directory %s", monthDir).
			WithHint("check permissions or choose another output_dir")
	}

	if free, ok := freeBytes(monthDir); ok && free < minFreeBytes+uint64(len(content)) {
		return nil, errors.New(errors.KindIO,
			"insufficient disk space under %s (%d bytes free)", monthDir, free).
			WithHint("free up disk space or choose another output_dir")
	}

	filename := render.Filename(task.ID, p.Prefix, now)
	finalPath := filepath.Join(monthDir, filename)

	if err := writeAtomic(finalPath, []byte(content)); err != nil {
		return nil, errors.Wrap(errors.KindIO, err, "write report to %s", finalPath).
			WithHint("check permissions or choose another output_dir")
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, err, "stat written report %s", finalPath)
	}

	absPath, err := filepath.Abs(finalPath)
	if err != nil {
		absPath = finalPath
	}

	e.logger.Info("Saved report for task %s to %s (%.1f KB)",
		p.TaskID, absPath, float64(info.Size())/1024)

	return &SaveOutcome{
		FilePath:   absPath,
		Filename:   filename,
		FileSizeKB: float64(info.Size()) / 1024,
		CreatedAt:  now,
		Sections:   render.SectionsIncluded(input),
	}, nil
}

// writeAtomic writes to a temp file in the target directory and renames it
// into place, so readers never observe a half-written report.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".report-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func renderSources(sources []research.Source) []render.Source {
	out := make([]render.Source, 0, len(sources))
	for _, s := range sources {
		out = append(out, render.Source{
			Title:     s.Title,
			URL:       s.URL,
			Snippet:   s.Snippet,
			Relevance: s.Relevance,
		})
	}
	return out
}
