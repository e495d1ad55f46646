package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/castingclouds/circuit-breaker-sub001/config"
	"github.com/castingclouds/circuit-breaker-sub001/internal/logging"
	"github.com/castingclouds/circuit-breaker-sub001/types"
	"github.com/castingclouds/circuit-breaker-sub001/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "circuit-breaker",
	Short: "Petri-net workflow engine with a distributed executor",
	Long: `circuit-breaker runs workflow definitions as Petri nets: transitions are guarded
by rule policies, may dispatch tool actions, and are driven by workers over a
durable message bus.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text, json)")
	rootCmd.PersistentFlags().StringSlice("definition", nil, "Workflow definition file to load (repeatable)")
}

// setup is the shared startup of every command: it loads the config, the
// definition documents it names and builds the logger.
type setup struct {
	cfg    config.Config
	docs   []types.Document
	logger *slog.Logger
}

func loadSetup(cmd *cobra.Command) (*setup, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if defs, _ := cmd.Flags().GetStringSlice("definition"); len(defs) > 0 {
		cfg.Definitions = append(cfg.Definitions, defs...)
	}

	s := &setup{}
	for _, p := range cfg.Definitions {
		doc, err := workflow.LoadDocument(p)
		if err != nil {
			return nil, err
		}
		cfg.ApplyMetadata(doc.Metadata)
		s.docs = append(s.docs, doc)
	}

	// Flags win over both the file and definition metadata.
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	s.logger = logging.New(level, cfg.Log.Format)
	return s, nil
}
