// Package plan turns an installation configuration into the ordered list of
// steps of a run. It has no side effects.
package plan

import (
	"fmt"
	"strings"

	"github.com/CZERTAINLY/Stager/internal/model"
)

// Plan returns the steps for cfg. Models only mode validates the existing
// installation and downloads models; a full installation sets everything
// up. The result depends on cfg and mode only.
func Plan(cfg model.InstallConfig, mode model.Mode) []model.Step {
	if mode == model.ModeModelsOnly {
		return []model.Step{model.StepValidateExisting, model.StepDownloadModels}
	}

	steps := []model.Step{
		model.StepGitSetup,
		model.StepRuntimeCheck,
		model.StepCloneMain,
	}
	if cfg.VirtualEnv.Enabled {
		steps = append(steps, model.StepCreateVirtualEnv)
	}
	// scheduled always, the handler skips when nothing is requested
	steps = append(steps, model.StepInstallAccelerator)
	if cfg.Accelerator.SageAttention {
		steps = append(steps, model.StepInstallAcceleratorExtra, model.StepInstallExtra2)
	}
	steps = append(steps, model.StepInstallMainRequirements)
	if len(cfg.AdditionalRepos) > 0 {
		steps = append(steps, model.StepCloneAdditionalRepos)
	}
	if len(cfg.Models) > 0 {
		steps = append(steps, model.StepDownloadModels)
	}
	return append(steps, model.StepPostInstall)
}

// AcceleratorRequested is true when the base accelerator must be installed:
// it was asked for or the extra accelerator depends on it.
func AcceleratorRequested(cfg model.InstallConfig) bool {
	return cfg.Accelerator.Triton || cfg.Accelerator.SageAttention
}

// Describe renders steps as a numbered list.
func Describe(steps []model.Step) string {
	var sb strings.Builder
	for i, s := range steps {
		fmt.Fprintf(&sb, "%2d. %-24s %s\n", i+1, s, s.Description())
	}
	return sb.String()
}
