package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/MrCodeEU/faceenroll/pkg/camera"
	"github.com/MrCodeEU/faceenroll/pkg/extraction"
	"github.com/spf13/cobra"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup [image]",
	Short: "Find enrolled identities resembling a face",
	Long: `Detect the face in an image file, or in a camera frame when no file is
given, and list the enrolled identities it resembles.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLookup,
}

func init() {
	lookupCmd.Flags().String("facing", string(camera.FacingFront), "Camera to use when no image is given")
	rootCmd.AddCommand(lookupCmd)
}

func runLookup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	facingFlag, _ := cmd.Flags().GetString("facing")
	facing, err := camera.ParseFacing(facingFlag)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, needRecords|needBlobs|needSessions|needModels|needCamera)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := initializeModels(ctx, a.loader)
	if err != nil {
		return userError(err)
	}
	if !st.FullRecognition {
		return userError(fmt.Errorf("recognition model did not load"))
	}

	svc, err := a.service(extraction.NopOverlay{})
	if err != nil {
		return err
	}

	src, release, err := lookupSource(ctx, a, args, facing)
	if err != nil {
		return userError(err)
	}
	defer release()

	result, matches, err := svc.Lookup(ctx, src)
	if err != nil {
		return userError(err)
	}

	fmt.Printf("Face detected (confidence %.0f%%, quality %.0f%%)\n", result.Confidence, result.QualityScore)
	if len(matches) == 0 {
		fmt.Println("No similar identities found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tNAME\tSIMILARITY\tDISTANCE\tTIER")
	fmt.Fprintln(w, "--------\t----\t----------\t--------\t----")
	for _, m := range matches {
		fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%.3f\t%s\n", m.IdentityID, m.DisplayName, m.Similarity, m.Distance, m.Tier)
	}
	return w.Flush()
}

// lookupSource returns an image file source, or a camera lease when no
// file is given.
func lookupSource(ctx context.Context, a *app, args []string, facing camera.Facing) (camera.FrameReader, func(), error) {
	if len(args) == 1 {
		src := camera.NewImageSource(args[0])
		if err := src.Start(ctx, facing); err != nil {
			return nil, nil, err
		}
		return src, func() { _ = src.Stop() }, nil
	}

	lease, err := a.device.Acquire(ctx, facing)
	if err != nil {
		return nil, nil, err
	}
	return lease, func() { _ = lease.Release() }, nil
}
