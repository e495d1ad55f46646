package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/castingclouds/circuit-breaker-sub001/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate [definition.yaml...]",
	Short: "Check workflow definitions for consistency",
	Long: `Loads each definition and reports unknown places, duplicate names, unregistered
rules and malformed actions. Without arguments the definitions of the config are checked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSetup(cmd)
		if err != nil {
			return err
		}
		paths := args
		if len(paths) == 0 {
			paths = s.cfg.Definitions
		}
		if len(paths) == 0 {
			return errors.New("no definitions to validate")
		}
		return runValidate(cmd, paths)
	},
}

func init() {
	validateCmd.Flags().Bool("print", false, "print each valid definition in canonical form")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, paths []string) error {
	printDocs, _ := cmd.Flags().GetBool("print")
	var failed int
	for _, p := range paths {
		def, err := workflow.LoadDefinition(p, nil)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "FAIL %v\n", err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok   %s: %s (%d places, %d transitions, terminal %v)\n",
			p, def.Name(), len(def.Places()), len(def.Transitions()), def.TerminalPlaces())
		if printDocs {
			out, err := workflow.MarshalDocument(def.Document())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "---\n%s", out)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definitions invalid", failed, len(paths))
	}
	return nil
}
