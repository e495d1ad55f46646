package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay [filter]",
	Short: "Print the retained envelopes matching a subject filter",
	Long: `Reads the bus streams from the beginning and prints every envelope whose subject
matches the filter, one JSON document per line. Filters use "*" for one token and a
trailing ">" for the rest, e.g. "error.>" or "event.42".`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := ">"
		if len(args) == 1 {
			filter = args[0]
		}
		s, err := loadSetup(cmd)
		if err != nil {
			return err
		}
		rt, err := newBusRuntime(s)
		if err != nil {
			return err
		}
		defer rt.Close()

		envs, err := rt.bus.Replay(cmd.Context(), filter)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, env := range envs {
			if err := enc.Encode(env); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
}
