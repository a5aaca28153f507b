package cli

// -----------------------------------------------------------------------------
// network.go – overlay inspection commands, grounded on the teacher's
// cmd/cli/network.go (netPeers, netStart/netStop lifecycle).
// -----------------------------------------------------------------------------

import (
	"fmt"

	"github.com/spf13/cobra"
)

func netStatus(cmd *cobra.Command, _ []string) error {
	_, node, _, err := EnsureRuntime()
	if err != nil {
		return err
	}
	st := node.Status()
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "peers:            %d\n", st.PeerCount)
	fmt.Fprintf(w, "providers tracked: %d\n", st.ProviderCount)
	fmt.Fprintf(w, "chain height:     %d\n", st.ChainHeight)
	fmt.Fprintf(w, "idle metric:      %.4f\n", st.IdleMetric)
	fmt.Fprintf(w, "space used:       %d bytes\n", st.SpaceUsed)
	fmt.Fprintf(w, "space available:  %d bytes\n", st.SpaceAvailable)
	return nil
}

func netPeers(cmd *cobra.Command, _ []string) error {
	_, node, _, err := EnsureRuntime()
	if err != nil {
		return err
	}
	for _, p := range node.Peers() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.ID, p.Addr)
	}
	return nil
}

var netRootCmd = &cobra.Command{Use: "network", Short: "overlay node inspection"}
var netStatusCmd = &cobra.Command{Use: "status", Short: "show node status", Args: cobra.NoArgs, RunE: netStatus}
var netPeersCmd = &cobra.Command{Use: "peers", Short: "list known peers", Args: cobra.NoArgs, RunE: netPeers}

func init() { netRootCmd.AddCommand(netStatusCmd, netPeersCmd) }

// RegisterNetwork adds the overlay inspection commands to the root CLI.
func RegisterNetwork(root *cobra.Command) { root.AddCommand(netRootCmd) }
