package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackctl/pkg/config"
	"github.com/openfroyo/stackctl/pkg/orchestrator"
)

func newValidateCommand() *cobra.Command {
	var showPlan bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the configuration file without contacting any node.

This command checks:
  - YAML syntax and unknown keys
  - Environment variable references
  - Required fields and value ranges`,
		Example: `  # Validate stackctl.yaml
  stackctl validate

  # Validate another file and show the deployment steps
  stackctl validate -c prod.yaml --plan`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, err := config.Load(configPath)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) && !jsonOutput {
					fmt.Fprintf(out, "%s is invalid:\n", configPath)
					for _, v := range verrs {
						fmt.Fprintf(out, "  %s: %s\n", v.Path, v.Message)
					}
				}
				return err
			}

			spec := cfg.Stack
			if jsonOutput {
				return printJSON(out, spec.Redacted())
			}

			fmt.Fprintf(out, "%s is valid: %s/%s in %s, edge %s@%s\n",
				configPath, spec.Project, spec.Role, spec.Region, spec.Edge.User, spec.Edge.Host)
			if showPlan {
				for i, step := range orchestrator.Plan(spec) {
					fmt.Fprintf(out, "  %2d. %s\n", i+1, step)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showPlan, "plan", false, "list the steps a deployment would run")

	return cmd
}
