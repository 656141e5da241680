package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/envgate/envgate/internal/config"
	"github.com/envgate/envgate/internal/simreg"
	"github.com/envgate/envgate/internal/telemetry"
	"github.com/envgate/envgate/internal/trainer"
)

func newSubmitCmd() *cobra.Command {
	var (
		envID      string
		envHosts   []string
		paramsFile string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a training job against exposed environment hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newCLILogger()
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if cfg.Trainer.ServiceURL == "" {
				return fmt.Errorf("trainer.service_url is not configured in %s", configFile)
			}

			params := trainer.DefaultHyperparams()
			if paramsFile != "" {
				data, err := os.ReadFile(paramsFile)
				if err != nil {
					return fmt.Errorf("reading params: %w", err)
				}
				if err := yaml.Unmarshal(data, &params); err != nil {
					return fmt.Errorf("parsing params: %w", err)
				}
			}
			params.EnvID = envID

			hosts, err := parseEnvHosts(envHosts)
			if err != nil {
				return err
			}
			params = params.WithHosts(hosts)

			client := trainer.NewClient(cfg.Trainer.ServiceURL,
				trainer.WithManifestBucket(cfg.Trainer.ManifestBucket),
				trainer.WithClientLogger(logger))
			ctx := telemetry.WithCorrelationID(cmd.Context(), correlationID)
			handle, err := client.Submit(ctx, params)
			if err != nil {
				return err
			}
			fmt.Printf("job %s: %s\n", handle.JobID, handle.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&envID, "env-id", "", "Environment ID to train on")
	cmd.Flags().StringArrayVar(&envHosts, "env-host", nil, "Environment host as endpoint=num_agents (repeatable)")
	cmd.Flags().StringVar(&paramsFile, "params", "", "YAML file overriding default hyperparameters")
	_ = cmd.MarkFlagRequired("env-id")
	_ = cmd.MarkFlagRequired("env-host")
	return cmd
}

// parseEnvHosts turns endpoint=agents pairs into host entries.
func parseEnvHosts(raw []string) ([]simreg.EnvHostEntry, error) {
	hosts := make([]simreg.EnvHostEntry, 0, len(raw))
	for _, r := range raw {
		eq := strings.LastIndex(r, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("invalid --env-host %q, want endpoint=num_agents", r)
		}
		n, err := strconv.Atoi(r[eq+1:])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid agent count in --env-host %q", r)
		}
		hosts = append(hosts, simreg.EnvHostEntry{EnvEndpoint: r[:eq], NumAgents: n})
	}
	return hosts, nil
}
