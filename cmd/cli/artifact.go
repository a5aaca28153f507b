package cli

// -----------------------------------------------------------------------------
// artifact.go – "get" retrieves an artifact by (package_type,
// package_specific_id) via the artifact service's lookup → cache → peer
// fetch pipeline (spec.md §4.6), writing the bytes to stdout or a file.
// -----------------------------------------------------------------------------

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func artifactGet(cmd *cobra.Command, args []string) error {
	svc, _, _, err := EnsureRuntime()
	if err != nil {
		return err
	}
	packageType, packageSpecificID := args[0], args[1]
	out, _ := cmd.Flags().GetString("output")

	data, err := svc.GetArtifact(context.Background(), packageType, packageSpecificID)
	if err != nil {
		return err
	}
	if out == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

var artifactRootCmd = &cobra.Command{Use: "artifact", Short: "artifact retrieval"}
var artifactGetCmd = &cobra.Command{
	Use:   "get <package_type> <package_specific_id>",
	Short: "fetch an artifact, building it if this node is an authority and it does not yet exist",
	Args:  cobra.ExactArgs(2),
	RunE:  artifactGet,
}

func init() {
	artifactGetCmd.Flags().String("output", "", "write to this path instead of stdout")
	artifactRootCmd.AddCommand(artifactGetCmd)
}

// RegisterArtifact adds the artifact retrieval commands to the root CLI.
func RegisterArtifact(root *cobra.Command) { root.AddCommand(artifactRootCmd) }
