package main

import (
	"fmt"
	"time"

	"github.com/MrCodeEU/faceenroll/pkg/enrollment"
	"github.com/MrCodeEU/faceenroll/pkg/invitation"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var inviteCmd = &cobra.Command{
	Use:   "invite [identity-id]",
	Short: "Issue an enrollment invitation token",
	Long: `Issue a signed invitation for an identity. The token fixes the role
and identity of the enrollment and also keys its saved progress, so the
same token resumes an interrupted enrollment.

When no identity id is given a new one is generated.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInvite,
}

func init() {
	inviteCmd.Flags().String("role", string(enrollment.RoleMember), "Role to enroll as (member or worker)")
	rootCmd.AddCommand(inviteCmd)
}

func runInvite(cmd *cobra.Command, args []string) error {
	roleFlag, _ := cmd.Flags().GetString("role")
	role, err := enrollment.ParseRole(roleFlag)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), needInvites)
	if err != nil {
		return err
	}
	defer a.Close()

	identityID := uuid.NewString()
	if len(args) == 1 {
		identityID = args[0]
	}

	tok := invitation.Token{IdentityID: identityID, Role: string(role), IssuedAt: time.Now()}
	raw, err := a.invites.Issue(tok)
	if err != nil {
		return err
	}

	fmt.Printf("Identity:  %s\n", identityID)
	fmt.Printf("Role:      %s\n", role)
	fmt.Printf("Expires:   %s\n", a.invites.ExpiresAt(tok).Local().Format("2006-01-02 15:04"))
	fmt.Println()
	fmt.Println(raw)
	return nil
}
