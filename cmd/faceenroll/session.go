package main

import (
	"errors"
	"fmt"

	"github.com/MrCodeEU/faceenroll/pkg/invitation"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage saved enrollment progress",
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard the saved progress of an enrollment",
	Long: `Discard the saved progress of an enrollment so the next run starts
over. Identify the enrollment by its invitation token or, for direct
enrollments, by its identity id.`,
	Args: cobra.NoArgs,
	RunE: runSessionClear,
}

func init() {
	sessionClearCmd.Flags().String("token", "", "Invitation token of the enrollment")
	sessionClearCmd.Flags().String("identity", "", "Identity id of a direct enrollment")
	sessionCmd.AddCommand(sessionClearCmd)
	rootCmd.AddCommand(sessionCmd)
}

// sessionKeyFor mirrors how sessions are keyed when they begin.
func sessionKeyFor(token, identity string) (string, error) {
	switch {
	case token != "" && identity != "":
		return "", errors.New("--token and --identity are mutually exclusive")
	case token != "":
		return invitation.SessionKey(token), nil
	case identity != "":
		return invitation.SessionKey("direct:" + identity), nil
	}
	return "", errors.New("either --token or --identity is required")
}

func runSessionClear(cmd *cobra.Command, args []string) error {
	token, _ := cmd.Flags().GetString("token")
	identity, _ := cmd.Flags().GetString("identity")
	key, err := sessionKeyFor(token, identity)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), needSessions)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.recovery.Clear(cmd.Context(), key); err != nil {
		return err
	}
	fmt.Println("Saved enrollment progress cleared.")
	return nil
}
