package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sequor/sequor/internal/domain"
)

// loadDefinition reads and parses a workflow definition YAML file.
func loadDefinition(path string) (*domain.WorkflowDefinition, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Operator-supplied path.
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}

	var def domain.WorkflowDefinition
	if err = yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse definition %s: %w", path, err)
	}
	return &def, nil
}

// newRegisterCmd creates the register command: validate workflow definition
// files and register them as named tasks.
func newRegisterCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "register <definition.yaml> [more.yaml...]",
		Short: "Register workflow definitions",
		Long: `Parses each YAML workflow definition, validates its structure, step DAG and
handler bindings, and registers it as a named task. Registering the same
(namespace, name, version) twice is an error; bump the version instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()

			rt, err := buildRuntime(cmd.Context(), state.cfg, logger, state.handlers)
			if err != nil {
				return err
			}
			defer rt.close()

			for _, path := range args {
				def, err := loadDefinition(path)
				if err != nil {
					return err
				}
				named, err := rt.service.RegisterWorkflow(cmd.Context(), def)
				if err != nil {
					return fmt.Errorf("register %s: %w", path, err)
				}
				cmd.Printf("registered %s@%s (id %d)\n", named.Name, named.Version, named.ID)
			}
			return nil
		},
	}
}
