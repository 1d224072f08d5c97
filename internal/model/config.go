package model

import (
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Mode selects between a full installation and downloading models into an
// existing one.
type Mode int

const (
	ModeFull Mode = iota
	ModeModelsOnly
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeModelsOnly:
		return "models-only"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// InstallConfig is the declarative description of one installation. It is
// read-only for the engine.
type InstallConfig struct {
	Version            int              `json:"version"` // fixed 0 for now
	Repository         Repository       `json:"repository"`
	Runtime            Runtime          `json:"runtime"`
	VirtualEnv         VirtualEnv       `json:"virtual_env"`
	Accelerator        Accelerator      `json:"accelerator"`
	Packages           Packages         `json:"packages"`
	AdditionalRepos    []AdditionalRepo `json:"additional_repos"`
	AdditionalReposDir string           `json:"additional_repos_dir"` // relative to the main repository
	Models             []ModelSpec      `json:"models"`
	DownloadDir        string           `json:"download_dir"` // default model directory
	Verbose            bool             `json:"verbose"`
}

type Repository struct {
	URL        string `json:"url"`
	Branch     string `json:"branch,omitempty"`
	Commit     string `json:"commit,omitempty"`
	FolderName string `json:"folder_name,omitempty"`
	Shallow    bool   `json:"shallow"`
}

type Runtime struct {
	Version     string `json:"version"`               // "3.10" or "3.10.11"
	Interpreter string `json:"interpreter,omitempty"` // explicit interpreter path
}

type VirtualEnv struct {
	Enabled bool   `json:"enabled"`
	Name    string `json:"name"`
}

// Accelerator holds the two dependent acceleration features: Triton is the
// base one, SageAttention requires it.
type Accelerator struct {
	Triton         bool     `json:"triton"`
	SageAttention  bool     `json:"sage_attention"`
	TritonVersion  string   `json:"triton_version,omitempty"`
	TritonIndexURL string   `json:"triton_index_url,omitempty"`
	SageVersion    string   `json:"sage_version,omitempty"`
	SageIndexURL   string   `json:"sage_index_url,omitempty"`
	ExtraPackages  []string `json:"extra_packages,omitempty"`
	ExtraIndexURL  string   `json:"extra_index_url,omitempty"`
}

type Packages struct {
	Torch         []string `json:"torch,omitempty"`
	TorchIndexURL string   `json:"torch_index_url,omitempty"`
	Requirements  string   `json:"requirements"` // relative to the main repository
}

type AdditionalRepo struct {
	URL                 string `json:"url"`
	Name                string `json:"name,omitempty"`
	Priority            int    `json:"priority"`
	InstallDependencies bool   `json:"install_dependencies"`
}

type ModelSpec struct {
	Name        string         `json:"name"`
	Enabled     bool           `json:"enabled"`
	URL         string         `json:"url,omitempty"`         // used when there are no links
	Destination string         `json:"destination,omitempty"` // overrides DownloadDir
	Links       []DownloadLink `json:"links,omitempty"`
}

type DownloadLink struct {
	URL         string `json:"url"`
	Destination string `json:"destination,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns the configuration stored when the user has none.
func DefaultConfig() InstallConfig {
	return InstallConfig{
		Version: 0,
		Repository: Repository{
			URL:     "https://github.com/comfyanonymous/ComfyUI.git",
			Shallow: true,
		},
		Runtime: Runtime{
			Version: "3.10",
		},
		VirtualEnv: VirtualEnv{
			Enabled: true,
			Name:    "venv",
		},
		Packages: Packages{
			Torch:         []string{"torch", "torchvision", "torchaudio"},
			TorchIndexURL: "https://download.pytorch.org/whl/cu128",
			Requirements:  "requirements.txt",
		},
		AdditionalReposDir: "custom_nodes",
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to InstallConfig.
func LoadConfig(r io.Reader) (InstallConfig, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return InstallConfig{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return InstallConfig{}, err
	}

	var out InstallConfig
	if err := unified.Decode(&out); err != nil {
		return InstallConfig{}, err
	}

	return out, nil
}

var runtimeVersionRx = regexp.MustCompile(`^\d+\.\d+(\.\d+)?$`)

// Validate reports configuration problems which depend on the mode and
// can't be expressed in the schema. It runs before any tool is invoked.
func (c InstallConfig) Validate(mode Mode) error {
	if mode == ModeModelsOnly {
		return nil
	}
	if strings.TrimSpace(c.Repository.URL) == "" {
		return &Error{Kind: ConfigurationError, Op: "repository.url", Err: fmt.Errorf("repository URL is required")}
	}
	if c.Runtime.Version != "" && !runtimeVersionRx.MatchString(c.Runtime.Version) {
		return &Error{Kind: ConfigurationError, Op: "runtime.version", Err: fmt.Errorf("invalid runtime version %q", c.Runtime.Version)}
	}
	if c.VirtualEnv.Enabled && strings.ContainsAny(c.VirtualEnv.Name, `/\`) {
		return &Error{Kind: ConfigurationError, Op: "virtual_env.name", Err: fmt.Errorf("virtual environment name %q must not contain path separators", c.VirtualEnv.Name)}
	}
	return nil
}

// RepoFolderName returns the directory name of the main repository:
// the configured folder name or the last segment of the URL without .git.
func (c InstallConfig) RepoFolderName() string {
	if c.Repository.FolderName != "" {
		return c.Repository.FolderName
	}
	return RepoFolderName(c.Repository.URL)
}

// RepoFolderName derives a folder name from a repository URL, it supports
// both URLs and scp-like git@host:org/repo.git forms.
func RepoFolderName(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return ""
	}
	if u, err := url.Parse(s); err == nil && u.Scheme != "" {
		s = u.Path
	} else if _, after, ok := strings.Cut(s, ":"); ok && !strings.Contains(s, "://") {
		s = after
	}
	s = strings.TrimRight(strings.ReplaceAll(s, `\`, "/"), "/")
	name := path.Base(s)
	name = strings.TrimSuffix(name, ".git")
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// VenvName returns the configured virtual environment name or "venv".
func (c InstallConfig) VenvName() string {
	if c.VirtualEnv.Name == "" {
		return "venv"
	}
	return c.VirtualEnv.Name
}
