// Command pyrsiad runs a Pyrsia distribution node: the content-addressed
// artifact store, the transparency log, the blockchain engine, the P2P
// overlay, the build event loop, and the artifact service that ties them
// together (spec.md §4). It also exposes the `pyrsiad` CLI commands defined
// under cmd/cli for operator inspection, grounded on the teacher's
// cmd/synnergy/main.go cobra-root pattern.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pyrsia/pyrsia-core/cmd/cli"
	"github.com/pyrsia/pyrsia-core/pkg/config"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "pyrsiad",
		Short: "Pyrsia decentralized artifact distribution node",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			env, _ := cmd.Flags().GetString("env")
			if _, err := config.Load(env); err != nil {
				// A missing config directory is tolerated; defaults plus
				// environment variables still drive the node.
				if !os.IsNotExist(err) {
					fmt.Fprintf(os.Stderr, "warning: config load: %v\n", err)
				}
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().String("env", "", "environment overlay to merge on top of the default config (e.g. production)")
	viper.BindPFlag("env", rootCmd.PersistentFlags().Lookup("env"))

	cli.RegisterNetwork(rootCmd)
	cli.RegisterArtifact(rootCmd)
	cli.RegisterLog(rootCmd)

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// serveCmd blocks, keeping the overlay's background goroutines (command
// loop, build loop, pubsub subscriptions) alive until interrupted.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, node, _, err := cli.EnsureRuntime()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pyrsiad serving, %d known peers\n", len(node.Peers()))

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			return node.Close()
		},
	}
}
