// Command block-orchestrator runs the control plane described in spec.md:
// a reconciling HTTP facade over a fleet of longhorn engine/replica pods.
// Its command wiring follows the teacher's machine-api-operator binary —
// a package-level cobra root command with a start subcommand — adapted
// from a controller-manager shape to this module's facade-plus-event-loop
// process model.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

var rootCmd = &cobra.Command{
	Use:   "block-orchestrator",
	Short: "block-orchestrator manages longhorn-style block volumes",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			klog.Error(err)
		}
	},
}

func init() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	pflag.CommandLine = rootCmd.PersistentFlags()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
