package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/castingclouds/circuit-breaker-sub001/config"
	"github.com/castingclouds/circuit-breaker-sub001/executor"
	"github.com/castingclouds/circuit-breaker-sub001/workflow"
)

var fireCmd = &cobra.Command{
	Use:   "fire <instance-id> <transition>",
	Short: "Request a transition over the bus",
	Long: `Publishes a transition_fired request for the instance. The executor of a running
"serve" process applies it; failures are reported on error.<instance-id>.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("instance id %q: %w", args[0], err)
		}
		s, err := loadSetup(cmd)
		if err != nil {
			return err
		}
		req, err := transitionRequest(cmd)
		if err != nil {
			return err
		}

		rt, err := newBusRuntime(s)
		if err != nil {
			return err
		}
		defer rt.Close()
		if s.cfg.Bus == config.BackendMemory {
			s.logger.Warn("memory bus selected; the request is not visible to other processes")
		}

		env, err := executor.PublishTransition(cmd.Context(), rt.bus, id, args[1], req)
		if err != nil {
			return err
		}
		return printJSON(cmd, env)
	},
}

var startCmd = &cobra.Command{
	Use:   "start <workflow>",
	Short: "Create an instance of a loaded workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSetup(cmd)
		if err != nil {
			return err
		}
		attrs, err := parseAttributes(cmd)
		if err != nil {
			return err
		}
		place, _ := cmd.Flags().GetString("place")

		rt, err := newRuntime(cmd.Context(), s)
		if err != nil {
			return err
		}
		defer rt.Close()

		inst, err := rt.exec.StartWorkflow(cmd.Context(), args[0], workflow.CreateOptions{
			StartPlace: place,
			Attributes: attrs,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, inst)
	},
}

func init() {
	rootCmd.AddCommand(fireCmd, startCmd)

	fireCmd.Flags().String("target", "", "Destination place of a multi-target transition")
	fireCmd.Flags().String("actor", "cli", "Actor recorded in the history")
	fireCmd.Flags().Uint64("version", 0, "Expected instance version (0 skips the check)")
	fireCmd.Flags().StringToString("attr", nil, "Attribute overlay as key=value (repeatable)")

	startCmd.Flags().String("place", "", "Start place instead of the initial place")
	startCmd.Flags().StringToString("attr", nil, "Seed attribute as key=value (repeatable)")
}

func transitionRequest(cmd *cobra.Command) (executor.TransitionRequest, error) {
	attrs, err := parseAttributes(cmd)
	if err != nil {
		return executor.TransitionRequest{}, err
	}
	target, _ := cmd.Flags().GetString("target")
	actor, _ := cmd.Flags().GetString("actor")
	version, _ := cmd.Flags().GetUint64("version")
	return executor.TransitionRequest{
		Target:     target,
		Actor:      actor,
		Attributes: attrs,
		Version:    version,
	}, nil
}

// parseAttributes reads --attr pairs. Values are YAML scalars, so "true" and
// "3" become a bool and a number.
func parseAttributes(cmd *cobra.Command) (map[string]interface{}, error) {
	raw, err := cmd.Flags().GetStringToString("attr")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		var value interface{}
		if err := yaml.Unmarshal([]byte(v), &value); err != nil || value == nil {
			value = v
		}
		out[k] = value
	}
	return out, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
