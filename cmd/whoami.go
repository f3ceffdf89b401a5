package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/labscan/internal/api"
	"github.com/spf13/cobra"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Log in and show the kiosk identity and permissions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ident, err := Client.Login(cmd.Context())
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		printIdentity(os.Stdout, ident)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}

func printIdentity(out io.Writer, ident *api.Identity) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "USER\tNAME\tAPP\tROLE\tEXPIRES")
	fmt.Fprintln(w, "----\t----\t---\t----\t-------")

	expires := "never"
	if !ident.ExpiresAt.IsZero() {
		expires = ident.ExpiresAt.Local().Format("2006-01-02 15:04")
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ident.Username, ident.Name, ident.AppID, ident.RoleID, expires)
	w.Flush()

	if len(ident.Permissions) == 0 {
		fmt.Fprintln(out, "\nNo permissions granted.")
		return
	}
	fmt.Fprintln(out, "\nPERMISSIONS")
	for _, p := range ident.Permissions {
		fmt.Fprintf(out, "  - %s\n", p)
	}
}
