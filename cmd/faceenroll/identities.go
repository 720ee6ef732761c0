package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled identities",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var removeCmd = &cobra.Command{
	Use:   "remove <identity-id>",
	Short: "Remove an enrolled identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(removeCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), needRecords)
	if err != nil {
		return err
	}
	defer a.Close()

	identities, err := a.records.ListIdentities(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list identities: %w", err)
	}
	if len(identities) == 0 {
		fmt.Println("No identities enrolled.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROLE\tFACE\tPHOTO\tACTIVATED")
	fmt.Fprintln(w, "--\t----\t----\t----\t-----\t---------")
	for _, id := range identities {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n",
			id.ID, id.DisplayName, id.Role, len(id.Embeddings) > 0, id.PhotoURL != "",
			id.ActivatedAt.Local().Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
	fmt.Printf("\nTotal: %d identity(ies)\n", len(identities))
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), needRecords)
	if err != nil {
		return err
	}
	defer a.Close()

	d, ok := a.records.(recordDeleter)
	if !ok {
		return errors.New("record store does not support removal")
	}
	if err := d.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Identity '%s' has been removed.\n", args[0])
	return nil
}
