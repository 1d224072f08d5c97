package engine

import (
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/Stager/internal/bom"
	"github.com/CZERTAINLY/Stager/internal/model"
	"github.com/CZERTAINLY/Stager/internal/pyenv"
)

// RunState is owned by one run. RepoPath and VenvPath are set only by
// successful steps authoritative for them and are never cleared; readers
// use repoPath and venvPath which fall back to the computed defaults.
type RunState struct {
	RepoPath string
	VenvPath string

	cfg         model.InstallConfig
	target      string
	goos        string
	interpreter string // base runtime resolved by RuntimeCheck
	packages    []string
	repos       []bom.Repo
}

func newRunState(cfg model.InstallConfig, target, goos string) *RunState {
	return &RunState{cfg: cfg, target: target, goos: goos}
}

// apply records the paths of a successful step.
func (s *RunState) apply(res model.OperationResult) {
	if !res.Success {
		return
	}
	if res.RepoPath != "" {
		s.RepoPath = res.RepoPath
	}
	if res.VenvPath != "" {
		s.VenvPath = res.VenvPath
	}
}

func (s *RunState) repoPath() string {
	if s.RepoPath != "" {
		return s.RepoPath
	}
	if name := s.cfg.RepoFolderName(); name != "" {
		return filepath.Join(s.target, name)
	}
	return s.target
}

func (s *RunState) venvPath() string {
	if s.VenvPath != "" {
		return s.VenvPath
	}
	return filepath.Join(s.repoPath(), s.cfg.VenvName())
}

// python is the interpreter packages are installed for: the one of the
// virtual environment when enabled, the base runtime otherwise.
func (s *RunState) python() string {
	if s.cfg.VirtualEnv.Enabled {
		return pyenv.VenvInterpreter(s.venvPath())
	}
	if s.interpreter != "" {
		return s.interpreter
	}
	if s.cfg.Runtime.Interpreter != "" {
		return s.cfg.Runtime.Interpreter
	}
	return "python"
}

// pip is the pip next to python, or pip from PATH when there is none.
func (s *RunState) pip() string {
	if s.cfg.VirtualEnv.Enabled {
		return pyenv.VenvPip(s.venvPath())
	}
	name := "pip"
	if s.goos == "windows" {
		name = "pip.exe"
	}
	if s.interpreter != "" {
		dir := filepath.Dir(s.interpreter)
		for _, candidate := range []string{filepath.Join(dir, name), filepath.Join(dir, "Scripts", name)} {
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return name
}
