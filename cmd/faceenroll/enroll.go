package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MrCodeEU/faceenroll/pkg/camera"
	"github.com/MrCodeEU/faceenroll/pkg/enrollment"
	"github.com/MrCodeEU/faceenroll/pkg/extraction"
	"github.com/MrCodeEU/faceenroll/pkg/matcher"
	"github.com/MrCodeEU/faceenroll/pkg/onboarding"
	"github.com/MrCodeEU/faceenroll/pkg/recovery"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Run or resume an enrollment",
	Long: `Run an enrollment from an invitation token or directly for a role.

Steps depend on the role. Members provide a profile and password, a
reference photo and a live face capture. Workers skip the profile. When
the captured face resembles an enrolled identity the enrollment stops at
the duplicate review until a --decision is given.

Progress is saved after every step. Running the command again with the
same token (or --identity) resumes where it stopped. Photos are never
saved with the progress, so a resumed enrollment asks for the photo again.`,
	Example: `  # Enroll from an invitation, photo from a file
  faceenroll enroll --token "$TOKEN" --first-name Ada --last-name Lovelace \
    --email ada@example.com --password-stdin --photo ada.jpg < pw.txt

  # Enroll a worker without face recognition
  faceenroll enroll --role worker --identity w-17 --skip-photo --skip-face

  # Answer a duplicate review
  faceenroll enroll --token "$TOKEN" --photo ada.jpg --decision confirm_new`,
	RunE: runEnroll,
}

// enrollOptions are the answers the command gives on the user's behalf.
type enrollOptions struct {
	profile   enrollment.ProfileInput
	photoPath string
	skipPhoto bool
	skipFace  bool
	facing    camera.Facing
	decision  string
	timeout   time.Duration
	retries   int
}

func init() {
	f := enrollCmd.Flags()
	f.String("token", "", "Invitation token")
	f.String("role", string(enrollment.RoleMember), "Role when enrolling without a token (member or worker)")
	f.String("identity", "", "Identity id when enrolling without a token (default: generated)")
	f.String("first-name", "", "First name")
	f.String("last-name", "", "Last name")
	f.String("email", "", "Email address")
	f.String("phone", "", "Phone number")
	f.Bool("password-stdin", false, "Read the password from stdin (default: FACEENROLL_PASSWORD)")
	f.String("photo", "", "Reference photo file (JPEG or PNG); captured from the camera when empty")
	f.Bool("skip-photo", false, "Enroll without a reference photo")
	f.Bool("skip-face", false, "Enroll without face recognition")
	f.String("facing", string(camera.FacingFront), "Camera to use (front or rear)")
	f.String("decision", "", "Duplicate review decision (confirm_new or flag_duplicate)")
	f.Duration("timeout", 30*time.Second, "How long to wait for an acceptable face")
	f.Int("retries", 2, "How often to retry a failed commit")
	rootCmd.AddCommand(enrollCmd)
}

func parseEnrollOptions(cmd *cobra.Command, stdin io.Reader) (enrollOptions, error) {
	f := cmd.Flags()
	var opts enrollOptions
	opts.profile.FirstName, _ = f.GetString("first-name")
	opts.profile.LastName, _ = f.GetString("last-name")
	opts.profile.Email, _ = f.GetString("email")
	opts.profile.Phone, _ = f.GetString("phone")
	opts.photoPath, _ = f.GetString("photo")
	opts.skipPhoto, _ = f.GetBool("skip-photo")
	opts.skipFace, _ = f.GetBool("skip-face")
	opts.decision, _ = f.GetString("decision")
	opts.timeout, _ = f.GetDuration("timeout")
	opts.retries, _ = f.GetInt("retries")

	facing, _ := f.GetString("facing")
	var err error
	if opts.facing, err = camera.ParseFacing(facing); err != nil {
		return opts, err
	}
	if opts.skipPhoto && opts.photoPath != "" {
		return opts, errors.New("--photo and --skip-photo are mutually exclusive")
	}
	if opts.decision != "" {
		if _, err := enrollment.ParseDecision(opts.decision); err != nil {
			return opts, err
		}
	}

	fromStdin, _ := f.GetBool("password-stdin")
	opts.profile.Password, err = readPassword(fromStdin, stdin)
	return opts, err
}

// readPassword takes the first line of stdin, or FACEENROLL_PASSWORD.
func readPassword(fromStdin bool, stdin io.Reader) (string, error) {
	if !fromStdin {
		return os.Getenv("FACEENROLL_PASSWORD"), nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runEnroll(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	opts, err := parseEnrollOptions(cmd, os.Stdin)
	if err != nil {
		return err
	}
	token, _ := cmd.Flags().GetString("token")
	roleFlag, _ := cmd.Flags().GetString("role")
	identity, _ := cmd.Flags().GetString("identity")

	req := onboarding.BeginRequest{Token: token, IdentityID: identity}
	if token == "" {
		if req.Role, err = enrollment.ParseRole(roleFlag); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, needRecords|needBlobs|needSessions|needModels|needCamera)
	if err != nil {
		return err
	}
	defer a.Close()

	overlay := extraction.NewTerminalOverlay(os.Stderr, cfg.Extraction.MinQuality)
	svc, err := a.service(overlay)
	if err != nil {
		return err
	}

	sess, err := svc.Begin(ctx, req)
	if err != nil {
		return userError(err)
	}

	d := &enrollDriver{
		sess: sess,
		opts: opts,
		out:  os.Stdout,
		loadModels: func(ctx context.Context) (bool, error) {
			st, err := initializeModels(ctx, a.loader)
			return st.FullRecognition, err
		},
		captureDone: overlay.Done,
	}
	d.announce(sess.Outcome())

	if err := d.run(ctx); err != nil {
		// Keep the saved progress for the next run.
		_ = sess.Abandon(ctx)
		return userError(err)
	}
	sess.Close()
	fmt.Printf("\nEnrollment of %s complete.\n", sess.State().IdentityID)
	return nil
}

// userError prefixes err with the message shown to users.
func userError(err error) error {
	if msg := onboarding.UserMessage(err); msg != "" {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return err
}

// enrollSession is the part of an onboarding session the driver uses.
type enrollSession interface {
	State() enrollment.State
	Progress() enrollment.Progress
	SubmitProfile(ctx context.Context, in enrollment.ProfileInput) error
	SubmitPhoto(ctx context.Context, data []byte, contentType string) error
	CapturePhoto(ctx context.Context, facing camera.Facing) error
	SkipPhoto(ctx context.Context) error
	AutoCaptureFace(ctx context.Context, facing camera.Facing) (extraction.CaptureResult, error)
	SkipFace(ctx context.Context) error
	Resolve(ctx context.Context, decision enrollment.Decision) error
	Retry(ctx context.Context) error
}

// errDecisionNeeded stops a run at the duplicate review.
var errDecisionNeeded = errors.New("possible duplicate found; run again with --decision confirm_new or --decision flag_duplicate")

// enrollDriver answers each step from the command line options until the
// enrollment is committed.
type enrollDriver struct {
	sess        enrollSession
	opts        enrollOptions
	out         io.Writer
	loadModels  func(ctx context.Context) (fullRecognition bool, err error)
	captureDone func()
}

func (d *enrollDriver) announce(outcome recovery.Outcome) {
	switch outcome {
	case recovery.OutcomeRestored:
		fmt.Fprintln(d.out, "Resuming saved enrollment.")
	case recovery.OutcomeAlreadyCommitted:
		fmt.Fprintln(d.out, "This enrollment was already completed.")
	case recovery.OutcomeDiscardedStale:
		fmt.Fprintln(d.out, "Saved enrollment was too old and has been discarded. Starting over.")
	case recovery.OutcomeDiscardedMismatch, recovery.OutcomeDiscardedInvalid:
		fmt.Fprintln(d.out, "Saved enrollment could not be used. Starting over.")
	}
}

func (d *enrollDriver) run(ctx context.Context) error {
	attempts := 0
	for {
		st := d.sess.State()
		switch st.Status {
		case enrollment.StatusCommitted:
			return nil
		case enrollment.StatusError:
			if attempts >= d.opts.retries {
				return &enrollment.CommitError{Stage: enrollment.StageCommit, Err: errors.New(st.LastError)}
			}
			attempts++
			fmt.Fprintf(d.out, "Saving failed (%s), retrying %d/%d...\n", st.LastError, attempts, d.opts.retries)
			if err := d.sess.Retry(ctx); err != nil {
				var commitErr *enrollment.CommitError
				if !errors.As(err, &commitErr) {
					return err
				}
			}
			continue
		}

		fmt.Fprintln(d.out, d.sess.Progress().Label)
		if err := d.step(ctx, st); err != nil {
			var commitErr *enrollment.CommitError
			if errors.As(err, &commitErr) {
				continue
			}
			return err
		}
	}
}

func (d *enrollDriver) step(ctx context.Context, st enrollment.State) error {
	switch st.CurrentStep {
	case enrollment.StepProfile:
		return d.sess.SubmitProfile(ctx, d.opts.profile)

	case enrollment.StepPhoto:
		switch {
		case d.opts.skipPhoto:
			return d.sess.SkipPhoto(ctx)
		case d.opts.photoPath != "":
			data, err := os.ReadFile(d.opts.photoPath)
			if err != nil {
				return fmt.Errorf("failed to read photo: %w", err)
			}
			return d.sess.SubmitPhoto(ctx, data, "")
		default:
			fmt.Fprintln(d.out, "Look at the camera...")
			return d.sess.CapturePhoto(ctx, d.opts.facing)
		}

	case enrollment.StepFace:
		if d.opts.skipFace {
			return d.sess.SkipFace(ctx)
		}
		return d.captureFace(ctx)

	case enrollment.StepReview:
		d.printCandidates(st.Candidates)
		if d.opts.decision == "" {
			return errDecisionNeeded
		}
		decision, err := enrollment.ParseDecision(d.opts.decision)
		if err != nil {
			return err
		}
		return d.sess.Resolve(ctx, decision)
	}
	return fmt.Errorf("%w: %s", enrollment.ErrWrongStep, st.CurrentStep)
}

func (d *enrollDriver) captureFace(ctx context.Context) error {
	full, err := d.loadModels(ctx)
	if err != nil {
		return err
	}
	if !full {
		return fmt.Errorf("%w; use --skip-face to enroll without it", onboarding.ErrRecognitionUnavailable)
	}

	fmt.Fprintln(d.out, "Look at the camera and hold still...")
	captureCtx, cancel := context.WithTimeout(ctx, d.opts.timeout)
	defer cancel()
	res, err := d.sess.AutoCaptureFace(captureCtx, d.opts.facing)
	if d.captureDone != nil {
		d.captureDone()
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(d.out, "Face captured (quality %.0f%%).\n", res.QualityScore)
	return nil
}

func (d *enrollDriver) printCandidates(candidates []matcher.MatchResult) {
	fmt.Fprintln(d.out, "This face resembles already enrolled identities:")
	w := tabwriter.NewWriter(d.out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tNAME\tSIMILARITY\tTIER")
	for _, c := range candidates {
		fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%s\n", c.IdentityID, c.DisplayName, c.Similarity, c.Tier)
	}
	_ = w.Flush()
}
