package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrCodeEU/faceenroll/pkg/config"
	"github.com/MrCodeEU/faceenroll/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	cfg        *config.Config
	configFile string
	envFile    string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "faceenroll",
	Short: "Enroll identities with a face descriptor and detect duplicates",
	Long: `faceenroll walks a person through a guided enrollment: profile and
credential, a reference photo, a live face capture and, when the face
resembles someone already enrolled, a duplicate review. Progress survives
restarts and the final commit can be retried.`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (default .env)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultConfig()
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	cfg.ExpandPaths()

	opts := logging.Options{
		Level:  cfg.Logging.Level,
		File:   cfg.Logging.File,
		Format: cfg.Logging.Format,
	}
	if debug {
		opts.Level = "debug"
	}
	if err := logging.Init(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	logging.Debugf("faceenroll v%s starting", version)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
