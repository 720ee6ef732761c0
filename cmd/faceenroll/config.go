package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	RunE:  runConfig,
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Println("Configuration is valid.")
		return nil
	},
}

func init() {
	configCmd.Flags().Bool("yaml", false, "Print the effective configuration as YAML")
	configCmd.AddCommand(configCheckCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	asYAML, _ := cmd.Flags().GetBool("yaml")
	if asYAML {
		out, err := yaml.Marshal(redacted())
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	}

	fmt.Println("Camera:")
	fmt.Printf("  Front Device:    %s\n", cfg.Camera.FrontDevice)
	fmt.Printf("  Rear Device:     %s\n", cfg.Camera.RearDevice)
	fmt.Printf("  Resolution:      %dx%d @ %d FPS\n", cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	fmt.Println()
	fmt.Println("Models:")
	fmt.Printf("  Cache Dir:       %s\n", cfg.Models.CacheDir)
	fmt.Printf("  Base URL:        %s\n", cfg.Models.BaseURL)
	fmt.Printf("  Detector:        %s\n", cfg.Models.Detector)
	fmt.Printf("  Allow Degraded:  %t\n", cfg.Models.AllowDegraded)
	fmt.Printf("  Auxiliary:       %d model(s)\n", len(cfg.Models.Auxiliary))
	fmt.Println()
	fmt.Println("Extraction:")
	fmt.Printf("  Poll Interval:   %s\n", cfg.Extraction.PollInterval)
	fmt.Printf("  Timeout:         %s\n", cfg.Extraction.Timeout)
	fmt.Printf("  Min Quality:     %.0f\n", cfg.Extraction.MinQuality)
	fmt.Printf("  Samples:         %d\n", cfg.Extraction.Samples)
	fmt.Println()
	fmt.Println("Matching:")
	fmt.Printf("  Max Distance:    %.2f\n", cfg.Matching.MaxDistance)
	fmt.Printf("  Lookup:          %.0f%%\n", cfg.Matching.LookupThreshold)
	fmt.Printf("  Duplicate:       %.0f%%\n", cfg.Matching.DuplicateThreshold)
	fmt.Printf("  Top K:           %d\n", cfg.Matching.TopK)
	fmt.Println()
	fmt.Println("Enrollment:")
	fmt.Printf("  Staleness:       %s\n", cfg.Enrollment.StalenessWindow)
	fmt.Printf("  Min Password:    %d\n", cfg.Enrollment.MinPasswordLength)
	fmt.Printf("  Max Photo:       %d bytes\n", cfg.Enrollment.MaxPhotoBytes)
	fmt.Println()
	fmt.Println("Storage:")
	fmt.Printf("  Records:         %s\n", cfg.Records.Backend)
	fmt.Printf("  Data Dir:        %s\n", cfg.Records.DataDir)
	fmt.Printf("  Encryption:      %t\n", cfg.Records.EncryptionEnabled)
	fmt.Printf("  Photos:          %s\n", cfg.Blob.Backend)
	fmt.Printf("  Sessions:        %s\n", cfg.SessionStore.Backend)
	fmt.Println()
	fmt.Println("Invitations:")
	fmt.Printf("  Enabled:         %t\n", cfg.Invitation.Secret != "")
	fmt.Printf("  Validity:        %s\n", cfg.Invitation.Validity)
	fmt.Println()
	fmt.Println("Logging:")
	fmt.Printf("  Level:           %s\n", cfg.Logging.Level)
	fmt.Printf("  File:            %s\n", cfg.Logging.File)
	fmt.Printf("  Format:          %s\n", cfg.Logging.Format)

	return nil
}

// redacted returns a copy of the configuration with secrets masked.
func redacted() any {
	c := *cfg
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Records.DatabaseURL = mask(c.Records.DatabaseURL)
	c.Blob.AccessKey = mask(c.Blob.AccessKey)
	c.Blob.SecretKey = mask(c.Blob.SecretKey)
	c.Invitation.Secret = mask(c.Invitation.Secret)
	return c
}
