package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/CZERTAINLY/Stager/internal/log"
	"github.com/CZERTAINLY/Stager/internal/model"
	"github.com/CZERTAINLY/Stager/internal/settings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	userConfigPath string // /default/config/path/stager on given OS
	configPath     string // actual config file used (if loaded)
	config         model.InstallConfig
	toolSettings   settings.Settings

	flagConfigFilePath   string // value of --config flag
	flagSettingsFilePath string // value of --settings flag
	flagVerbose          bool   // value of --verbose flag
)

const (
	exitFailure   = 1
	exitCancelled = 130
)

// exitError carries the exit status of a finished run.
type exitError struct {
	code int
	msg  string
}

func (e exitError) Error() string {
	return e.msg
}

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "stager")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is stager.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().StringVar(&flagSettingsFilePath, "settings", "", "Optional tool settings file, STAGER_* environment variables take precedence")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initStager

	installCmd.Flags().StringVar(&flagTarget, "target", "", "directory the repository is cloned into")
	_ = installCmd.MarkFlagRequired("target")
	modelsCmd.Flags().StringVar(&flagTarget, "target", "", "directory of an existing installation")
	_ = modelsCmd.MarkFlagRequired("target")
	updateCmd.Flags().StringVar(&flagTarget, "target", "", "directory of an existing installation")
	_ = updateCmd.MarkFlagRequired("target")
	planCmd.Flags().BoolVar(&flagModelsOnly, "models-only", false, "plan a model download into an existing installation")

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runtimesCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		slog.Error("stager failed", "err", err)
		os.Exit(exitFailure)
	}
}

var rootCmd = &cobra.Command{
	Use:          "stager",
	Short:        "Tool installing a diffusion toolchain with its runtime, extensions and models",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a stager",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("stager: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("stager: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initStager(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("STAGERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "stager.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var err error
	if configPath == "" {
		// store default configuration
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "stager.yaml")
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		config, err = loadConfig(configPath)
		if err != nil {
			return err
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}

	// initialize logging
	slog.SetDefault(log.New(config.Verbose, os.Stderr))

	toolSettings, err = settings.Load(flagSettingsFilePath)
	if err != nil {
		return err
	}

	slog.Debug("stager run", "configPath", configPath)
	slog.Debug("stager run", "config", config)
	slog.Debug("stager run", "settings", toolSettings)
	return nil
}

func loadConfig(path string) (model.InstallConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.InstallConfig{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error(d.String(), d.Attr("detail"))
		}
		return model.InstallConfig{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// storeConfig writes cfg as YAML with the same keys LoadConfig reads.
func storeConfig(path string, cfg model.InstallConfig) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	// JSON is valid YAML, decoding it into a node keeps the field order
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(b, &node); err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	normalize(&node)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	return nil
}

// normalize turns JSON flow style into block style and drops null values
// of nil slices, the schema defaults them.
func normalize(n *yaml.Node) {
	n.Style = 0
	if n.Kind == yaml.MappingNode {
		content := n.Content[:0]
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i+1].Tag == "!!null" {
				continue
			}
			content = append(content, n.Content[i], n.Content[i+1])
		}
		n.Content = content
	}
	for _, c := range n.Content {
		normalize(c)
	}
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
