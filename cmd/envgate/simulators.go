package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/envgate/envgate/internal/backend"
	"github.com/envgate/envgate/internal/config"
	"github.com/envgate/envgate/internal/connect"
	"github.com/envgate/envgate/internal/sim"
	"github.com/envgate/envgate/internal/simreg"
)

func newSimulatorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulators",
		Short: "Inspect configured and built-in simulators",
	}
	cmd.AddCommand(newSimulatorsListCmd())
	cmd.AddCommand(newSimulatorsBuiltinCmd())
	return cmd
}

func newSimulatorsListCmd() *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured simulators",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			registry := simreg.NewRegistry()
			for _, sc := range cfg.Simulators {
				registry.Register(simreg.SimulatorEntry{
					Name: sc.Name,
					Spec: backend.EnvironmentSpec{
						ID:         sc.EnvID,
						Backend:    sc.Backend,
						EntryPoint: sc.EntryPoint,
					},
					Hosting:       connect.HostingMode(sc.Hosting),
					AgentCapacity: sc.TotalAgents,
				})
			}

			entries := registry.List()
			if filter != "" {
				entries, err = registry.Filter(filter)
				if err != nil {
					return err
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENV_ID\tBACKEND\tHOSTING\tAGENTS")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
					e.Name, e.Spec.ID, e.Spec.Backend, e.Hosting, e.AgentCapacity)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", `Filter expression, e.g. 'backend == "builtin" && capacity > 8'`)
	return cmd
}

func newSimulatorsBuiltinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "builtin",
		Short: "List built-in simulation IDs",
		Run: func(cmd *cobra.Command, args []string) {
			for _, id := range sim.IDs() {
				fmt.Println(id)
			}
		},
	}
}
