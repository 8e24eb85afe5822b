package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/cli"
	"github.com/R3E-Network/confidential_layer/pkg/client"
)

func newInitDefinitionsCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init-definitions [circuit...]",
		Short: "Register computation definitions, skipping those already initialized",
		RunE: func(cmd *cobra.Command, args []string) error {
			circuits := computation.Circuits()
			if len(args) > 0 {
				circuits = circuits[:0]
				for _, a := range args {
					c, err := computation.ParseCircuit(a)
					if err != nil {
						return err
					}
					circuits = append(circuits, c)
				}
			}
			out := cli.NewPrinter(cmd.OutOrStdout())
			c := g.client()
			for _, circuit := range circuits {
				out.Info("initializing %s (offset %d)", circuit, computation.Offset(circuit))
				def, err := c.RegisterDefinition(cmd.Context(), circuit)
				var se *client.StatusError
				switch {
				case errors.As(err, &se) && se.Code == "ALREADY_REGISTERED":
					if def, err = c.Definition(cmd.Context(), circuit); err != nil {
						return err
					}
					out.Warning("%s already initialized, skipping", circuit)
				case err != nil:
					out.Error("%s: %v", circuit, err)
					return err
				default:
					out.Success("%s initialized", circuit)
				}
				out.Field("address", def.Address.String())
				out.Field("callback", def.Callback)
			}
			return nil
		},
	}
}

func newDefinitionsCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "definitions",
		Short: "List registered computation definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs, err := g.client().Definitions(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, defs)
		},
	}
}

func newClusterCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Show or replace the trusted cluster signing set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.client().ClusterConfig(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, cfg)
		},
	}
	set := &cobra.Command{
		Use:   "set <file.json>",
		Short: "Register a cluster configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var cfg computation.ClusterConfig
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			stored, err := g.client().ConfigureCluster(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			cli.NewPrinter(cmd.OutOrStdout()).Success("cluster epoch %d configured with %d nodes, threshold %d",
				stored.Epoch, len(stored.Nodes), stored.Threshold)
			return nil
		},
	}
	cmd.AddCommand(set)
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
