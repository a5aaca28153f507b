package cli

// -----------------------------------------------------------------------------
// log.go – "log inspect" surfaces committed transparency-log entries for
// operator review (spec.md §6).
// -----------------------------------------------------------------------------

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pyrsia/pyrsia-core/core"
)

func logInspect(cmd *cobra.Command, _ []string) error {
	_, _, tlog, err := EnsureRuntime()
	if err != nil {
		return err
	}
	packageType, _ := cmd.Flags().GetString("package-type")
	entries := tlog.Inspect(core.InspectFilter{PackageType: packageType})
	w := cmd.OutOrStdout()
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.RecordID, e.PackageType, e.PackageSpecificID, e.ArtifactHash, e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

var logRootCmd = &cobra.Command{Use: "log", Short: "transparency log inspection"}
var logInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "list committed transparency-log entries",
	Args:  cobra.NoArgs,
	RunE:  logInspect,
}

func init() {
	logInspectCmd.Flags().String("package-type", "", "filter by package type")
	logRootCmd.AddCommand(logInspectCmd)
}

// RegisterLog adds the transparency log inspection commands to the root CLI.
func RegisterLog(root *cobra.Command) { root.AddCommand(logRootCmd) }
