package download

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/CZERTAINLY/Stager/internal/model"
	"github.com/CZERTAINLY/Stager/internal/report"
)

// Destinations are the fallbacks of model destination resolution.
type Destinations struct {
	RepoPath   string // relative destinations are resolved against it
	DefaultDir string // configured download directory, may be empty
}

// Dir resolves the directory of a link: link destination, then model
// destination, then the default directory, then <repo>/models.
func (d Destinations) Dir(m model.ModelSpec, l model.DownloadLink) string {
	for _, dir := range []string{l.Destination, m.Destination, d.DefaultDir} {
		if dir != "" {
			return d.abs(dir)
		}
	}
	return filepath.Join(d.RepoPath, "models")
}

func (d Destinations) abs(dir string) string {
	if filepath.IsAbs(dir) || d.RepoPath == "" {
		return filepath.Clean(dir)
	}
	return filepath.Join(d.RepoPath, dir)
}

// Summary counts files, a skipped file counts as succeeded too.
type Summary struct {
	Succeeded int
	Failed    int
	Skipped   int
	Total     int
	Files     []Outcome
}

func (s Summary) Success() bool {
	return s.Failed == 0
}

func (s Summary) Message() string {
	switch {
	case s.Total == 0:
		return "No models to download."
	case s.Failed == 0:
		return fmt.Sprintf("Successfully downloaded %d models.", s.Succeeded)
	case s.Succeeded == 0:
		return fmt.Sprintf("All %d model downloads failed.", s.Total)
	default:
		return fmt.Sprintf("Downloaded %d of %d models (%d failed).", s.Succeeded, s.Total, s.Failed)
	}
}

type job struct {
	model string
	url   string
	dir   string
}

// jobsOf lists the files to download: enabled links of enabled models, or
// the direct URL of a model without links.
func jobsOf(models []model.ModelSpec, dest Destinations) []job {
	var ret []job
	for _, m := range models {
		if !m.Enabled {
			continue
		}
		if len(m.Links) == 0 {
			if m.URL != "" {
				ret = append(ret, job{model: m.Name, url: m.URL, dir: dest.Dir(m, model.DownloadLink{})})
			}
			continue
		}
		for _, l := range m.Links {
			if !l.Enabled || l.URL == "" {
				continue
			}
			ret = append(ret, job{model: m.Name, url: l.URL, dir: dest.Dir(m, l)})
		}
	}
	return ret
}

// ModelDirs returns the distinct directories models are downloaded to.
func ModelDirs(models []model.ModelSpec, dest Destinations) []string {
	seen := make(map[string]struct{})
	ret := []string{}
	for _, j := range jobsOf(models, dest) {
		if _, ok := seen[j.dir]; ok {
			continue
		}
		seen[j.dir] = struct{}{}
		ret = append(ret, j.dir)
	}
	return ret
}

// DownloadModels downloads files one after another. A failing file is
// logged and counted, only cancellation stops the loop and is returned.
func (m *Manager) DownloadModels(ctx context.Context, models []model.ModelSpec, dest Destinations, rep *report.Reporter) (Summary, error) {
	jobs := jobsOf(models, dest)
	sum := Summary{Total: len(jobs)}
	for i, j := range jobs {
		if err := ctx.Err(); err != nil {
			return sum, model.Cancelled("download models", err)
		}
		rep.Info(ctx, "[%d/%d] %s", i+1, len(jobs), j.model)
		out, err := m.Fetch(ctx, j.url, j.dir, rep)
		if err != nil {
			if model.IsCancelled(err) {
				return sum, err
			}
			sum.Failed++
			rep.Error(ctx, "Failed to download %s from %s: %v", j.model, j.url, err)
			continue
		}
		sum.Succeeded++
		if out.Skipped {
			sum.Skipped++
		}
		sum.Files = append(sum.Files, out)
	}
	return sum, nil
}
