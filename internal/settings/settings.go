// Package settings holds tool settings which are not part of an
// installation: timeouts, download tuning and the git installer location.
// Values come from defaults, an optional settings file and STAGER_*
// environment variables, in increasing priority.
package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/CZERTAINLY/Stager/internal/git"

	"github.com/spf13/viper"
)

const EnvPrefix = "STAGER"

type Settings struct {
	Git struct {
		Timeout        time.Duration `mapstructure:"timeout"`
		InstallerURL   string        `mapstructure:"installer_url"`
		InstallTimeout time.Duration `mapstructure:"install_timeout"`
	} `mapstructure:"git"`
	Pip struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"pip"`
	Download struct {
		Dir              string        `mapstructure:"dir"`
		HeaderTimeout    time.Duration `mapstructure:"header_timeout"`
		ProgressInterval time.Duration `mapstructure:"progress_interval"`
		ChunkSize        int           `mapstructure:"chunk_size"`
	} `mapstructure:"download"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("git.timeout", 30*time.Minute)
	v.SetDefault("git.installer_url", git.DefaultInstallerURL)
	v.SetDefault("git.install_timeout", 15*time.Minute)
	v.SetDefault("pip.timeout", time.Hour)
	v.SetDefault("download.dir", "")
	v.SetDefault("download.header_timeout", time.Minute)
	v.SetDefault("download.progress_interval", 2*time.Second)
	v.SetDefault("download.chunk_size", 80*1024)
}

// Load reads the settings file at path, when not empty, and the
// environment. STAGER_GIT_TIMEOUT overrides git.timeout and so on.
func Load(path string) (Settings, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("reading settings %s: %w", path, err)
		}
	}

	var ret Settings
	if err := v.Unmarshal(&ret); err != nil {
		return Settings{}, fmt.Errorf("decoding settings: %w", err)
	}
	if ret.Download.ChunkSize <= 0 {
		return Settings{}, fmt.Errorf("download.chunk_size must be positive, got %d", ret.Download.ChunkSize)
	}
	return ret, nil
}
