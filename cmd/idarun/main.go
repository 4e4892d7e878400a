package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/binslab/idarun/internal/ida"
	"github.com/binslab/idarun/internal/log"
	"github.com/binslab/idarun/internal/model"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	userConfigPath string // /default/config/path/idarun on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "idarun")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is idarun.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initIdarun

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(locateCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("idarun failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "idarun",
	Short:        "Run IDA Pro in headless batch mode over one binary or a whole directory",
	SilenceUsage: true,
}

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "locate prints the resolved IDA executable path",
	RunE: func(cmd *cobra.Command, args []string) error {
		if path := config.IDAPath(); path != "" {
			if err := os.Setenv(ida.PathEnv, path); err != nil {
				return err
			}
		}
		path, err := ida.Locate()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of idarun",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("idarun: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("idarun: %s\n", info.Main.Version)
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

func initIdarun(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("IDARUNCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "idarun.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "idarun.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d)
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	verbose := flagVerbose || config.Verbose()

	slog.SetDefault(log.New(logWriter(config), verbose))

	slog.Debug("idarun", "configPath", configPath)
	return nil
}

func logWriter(cfg model.Config) io.Writer {
	if cfg.Service == nil || cfg.Service.Log == nil {
		return os.Stderr
	}
	switch *cfg.Service.Log {
	case model.LogStdout:
		return os.Stdout
	case model.LogDiscard:
		return io.Discard
	default:
		return os.Stderr
	}
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
