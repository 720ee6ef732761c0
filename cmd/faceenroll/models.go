package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/MrCodeEU/faceenroll/pkg/models"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage the recognition models",
}

var modelsFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download and load the recognition models",
	Long: `Download any missing model files into the model cache and load them
once to verify they work. Cached models are reused.`,
	RunE: runModelsFetch,
}

func init() {
	modelsCmd.AddCommand(modelsFetchCmd)
	rootCmd.AddCommand(modelsCmd)
}

func runModelsFetch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, needModels)
	if err != nil {
		return err
	}
	defer a.Close()

	a.fetcher.OnDownload = func(name string, size int64) io.Writer {
		return progressbar.DefaultBytes(size, "downloading "+name)
	}

	status, err := initializeModels(ctx, a.loader)
	printModelStatus(status)
	return err
}

// initializeModels loads the models with a progress bar on stderr.
func initializeModels(ctx context.Context, loader *models.Loader) (models.Status, error) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Loading models"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)
	status, err := loader.Initialize(ctx, func(percent int) {
		_ = bar.Set(percent)
	})
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	return status, err
}

func printModelStatus(st models.Status) {
	fmt.Println("Models:")
	for _, s := range st.Stages {
		state := "missing"
		switch {
		case s.Loaded && s.Cached:
			state = "loaded (cached)"
		case s.Loaded:
			state = "loaded"
		case s.Err != "":
			state = "failed: " + s.Err
		}
		fmt.Printf("  %-12s %-45s %s\n", s.Stage, s.File, state)
	}
	fmt.Println()
	fmt.Printf("  Detection:       %t\n", st.BasicDetection)
	fmt.Printf("  Recognition:     %t\n", st.FullRecognition)
	fmt.Printf("  Offline:         %t\n", st.Offline)
	fmt.Printf("  Degraded:        %t\n", st.Degraded)
	for _, w := range st.Warnings {
		fmt.Printf("  Warning:         %s\n", w)
	}
}
