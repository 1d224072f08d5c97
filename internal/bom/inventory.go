package bom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/Stager/internal/walk"

	cdx "github.com/CycloneDX/cyclonedx-go"
)

// FileName is the inventory written into the main repository.
const FileName = "stager-bom.json"

// Repo is a cloned repository.
type Repo struct {
	Name   string
	URL    string
	Path   string
	Branch string
	Commit string
}

// Inventory is everything a run installed.
type Inventory struct {
	Main            Repo
	AdditionalRepos []Repo
	VenvPath        string
	Interpreter     string // version reported by the venv interpreter
	Packages        []string
	ModelDirs       []string
}

// Build adds the inventory to the builder: the main repository is the root
// component depending on everything else. Model files are found by walking
// ModelDirs.
func (b *Builder) Build(ctx context.Context, inv Inventory) *Builder {
	main := repoComponent(inv.Main)
	var refs []string
	seen := map[string]struct{}{main.BOMRef: {}}
	add := func(c cdx.Component) {
		if _, ok := seen[c.BOMRef]; ok {
			return
		}
		seen[c.BOMRef] = struct{}{}
		b.AppendComponents(c)
		refs = append(refs, c.BOMRef)
	}

	if inv.Interpreter != "" {
		c := cdx.Component{
			BOMRef:     "runtime/python@" + inv.Interpreter,
			Type:       cdx.ComponentTypePlatform,
			Name:       "python",
			Version:    inv.Interpreter,
			Properties: &[]cdx.Property{{Name: "stager:path", Value: inv.VenvPath}},
		}
		add(c)
	}

	for _, r := range inv.AdditionalRepos {
		add(repoComponent(r))
	}

	for _, pkg := range inv.Packages {
		c, ok := packageComponent(pkg)
		if !ok {
			slog.DebugContext(ctx, "not a pip requirement", "requirement", pkg)
			continue
		}
		add(c)
	}

	for entry, err := range walk.Dirs(ctx, inv.ModelDirs...) {
		if err != nil {
			slog.DebugContext(ctx, "walking model directory", "error", err)
			continue
		}
		info, err := entry.Stat()
		if err != nil {
			continue
		}
		c := cdx.Component{
			BOMRef: "model/" + filepath.ToSlash(entry.Path()),
			Type:   cdx.ComponentTypeMachineLearningModel,
			Name:   filepath.Base(entry.Path()),
			Properties: &[]cdx.Property{
				{Name: "stager:path", Value: entry.Path()},
				{Name: "stager:size", Value: strconv.FormatInt(info.Size(), 10)},
			},
		}
		add(c)
	}

	b.AppendComponents(main)
	return b.AppendDependencies(cdx.Dependency{Ref: main.BOMRef, Dependencies: &refs})
}

// WriteFile writes the BOM as JSON to path.
func (b *Builder) WriteFile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	if err := b.AsJSON(f); err != nil {
		return fmt.Errorf("encoding bom: %w", err)
	}
	return nil
}

func repoComponent(r Repo) cdx.Component {
	name := r.Name
	if name == "" {
		name = filepath.Base(r.Path)
	}
	props := []cdx.Property{{Name: "stager:path", Value: r.Path}}
	if r.Branch != "" {
		props = append(props, cdx.Property{Name: "stager:branch", Value: r.Branch})
	}
	c := cdx.Component{
		BOMRef:     "repo/" + name,
		Type:       cdx.ComponentTypeApplication,
		Name:       name,
		Version:    r.Commit,
		Properties: &props,
	}
	if r.URL != "" {
		c.ExternalReferences = &[]cdx.ExternalReference{{URL: r.URL, Type: cdx.ERTypeVCS}}
	}
	return c
}

// requirementRx matches a pip requirement: name, optional extras and the
// first version specifier.
var requirementRx = regexp.MustCompile(`^\s*([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)\s*(?:\[[^\]]*\])?\s*(?:(===|==|~=|!=|<=|>=|<|>)\s*([^,;\s]+))?`)

var pypiSeparatorRx = regexp.MustCompile(`[-_.]+`)

// packageComponent turns a pip requirement like "triton==3.1.0" into a
// library component with a pypi package URL. Only an exact pin becomes the
// version, ranges like "xformers>=0.0.27" leave it empty.
func packageComponent(req string) (cdx.Component, bool) {
	m := requirementRx.FindStringSubmatch(req)
	if m == nil {
		return cdx.Component{}, false
	}
	name, op, ver := m[1], m[2], m[3]
	if (op != "==" && op != "===") || strings.Contains(ver, "*") {
		ver = ""
	}
	purl := "pkg:pypi/" + strings.ToLower(pypiSeparatorRx.ReplaceAllString(name, "-"))
	if ver != "" {
		purl += "@" + ver
	}
	return cdx.Component{
		BOMRef:     purl,
		Type:       cdx.ComponentTypeLibrary,
		Name:       name,
		Version:    ver,
		PackageURL: purl,
	}, true
}
