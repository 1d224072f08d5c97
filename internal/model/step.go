package model

import "fmt"

// Step is one named phase of an installation run.
type Step int

const (
	StepGitSetup Step = iota
	StepRuntimeCheck
	StepCloneMain
	StepCreateVirtualEnv
	StepInstallAccelerator
	StepInstallAcceleratorExtra
	StepInstallExtra2
	StepInstallMainRequirements
	StepCloneAdditionalRepos
	StepDownloadModels
	StepPostInstall
	StepValidateExisting
)

// Steps lists every step in declaration order.
var Steps = []Step{
	StepGitSetup,
	StepRuntimeCheck,
	StepCloneMain,
	StepCreateVirtualEnv,
	StepInstallAccelerator,
	StepInstallAcceleratorExtra,
	StepInstallExtra2,
	StepInstallMainRequirements,
	StepCloneAdditionalRepos,
	StepDownloadModels,
	StepPostInstall,
	StepValidateExisting,
}

var stepNames = map[Step]string{
	StepGitSetup:                "GitSetup",
	StepRuntimeCheck:            "RuntimeCheck",
	StepCloneMain:               "CloneMain",
	StepCreateVirtualEnv:        "CreateVirtualEnv",
	StepInstallAccelerator:      "InstallAccelerator",
	StepInstallAcceleratorExtra: "InstallAcceleratorExtra",
	StepInstallExtra2:           "InstallExtra2",
	StepInstallMainRequirements: "InstallMainRequirements",
	StepCloneAdditionalRepos:    "CloneAdditionalRepos",
	StepDownloadModels:          "DownloadModels",
	StepPostInstall:             "PostInstall",
	StepValidateExisting:        "ValidateExisting",
}

var stepDescriptions = map[Step]string{
	StepGitSetup:                "Checking Git installation",
	StepRuntimeCheck:            "Checking Python runtime",
	StepCloneMain:               "Cloning main repository",
	StepCreateVirtualEnv:        "Creating virtual environment",
	StepInstallAccelerator:      "Installing Triton",
	StepInstallAcceleratorExtra: "Installing SageAttention",
	StepInstallExtra2:           "Installing extra accelerator packages",
	StepInstallMainRequirements: "Installing requirements",
	StepCloneAdditionalRepos:    "Cloning additional repositories",
	StepDownloadModels:          "Downloading models",
	StepPostInstall:             "Finalizing installation",
	StepValidateExisting:        "Validating existing installation",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

// Description is the human readable text used in progress events.
func (s Step) Description() string {
	if d, ok := stepDescriptions[s]; ok {
		return d
	}
	return s.String()
}

func (s Step) MarshalText() ([]byte, error) {
	if _, ok := stepNames[s]; !ok {
		return nil, fmt.Errorf("unknown step %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Step) UnmarshalText(text []byte) error {
	for step, name := range stepNames {
		if name == string(text) {
			*s = step
			return nil
		}
	}
	return fmt.Errorf("unknown step %q", string(text))
}
