package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sequor/sequor/internal/domain"
)

// newSubmitCmd creates the submit command: instantiate a task from a
// registered workflow and enqueue its first cycle.
func newSubmitCmd(state *rootState) *cobra.Command {
	var (
		version      string
		contextJSON  string
		initiator    string
		sourceSystem string
		reason       string
		tags         []string
		bypassSteps  []string
	)

	cmd := &cobra.Command{
		Use:   "submit <workflow-name>",
		Short: "Submit a task for a registered workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), state.cfg, GetLogger(), state.handlers)
			if err != nil {
				return err
			}
			defer rt.close()

			task, err := rt.service.Submit(cmd.Context(), &domain.TaskRequest{
				Name:         args[0],
				Version:      version,
				Context:      json.RawMessage(contextJSON),
				Initiator:    initiator,
				SourceSystem: sourceSystem,
				Reason:       reason,
				Tags:         tags,
				BypassSteps:  bypassSteps,
			})
			if err != nil {
				return err
			}

			cmd.Printf("task %d submitted (correlation %s)\n", task.ID, task.CorrelationID)
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "workflow version (default: latest registered)")
	cmd.Flags().StringVar(&contextJSON, "context", "{}", "task context as a JSON object")
	cmd.Flags().StringVar(&initiator, "initiator", "", "who is submitting the task")
	cmd.Flags().StringVar(&sourceSystem, "source-system", "", "system the submission originates from")
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is being submitted")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "free-form task tags (repeatable)")
	cmd.Flags().StringSliceVar(&bypassSteps, "bypass", nil, "skippable step names to treat as satisfied (repeatable)")
	return cmd
}

// newStatusCmd creates the status command: print a task's state, per-step
// readiness and execution context as JSON.
func newStatusCmd(state *rootState) *cobra.Command {
	var summary bool

	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task's execution status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseTaskID(args[0])
			if err != nil {
				return err
			}

			rt, err := buildRuntime(cmd.Context(), state.cfg, GetLogger(), state.handlers)
			if err != nil {
				return err
			}
			defer rt.close()

			var out any
			if summary {
				out, err = rt.service.Summary(cmd.Context(), taskID)
			} else {
				out, err = rt.service.Status(cmd.Context(), taskID)
			}
			if err != nil {
				return err
			}

			encoded, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(encoded))
			return nil
		},
	}

	cmd.Flags().BoolVar(&summary, "summary", false, "show the workflow summary with DAG analysis instead")
	return cmd
}

// newCancelCmd creates the cancel command.
func newCancelCmd(state *rootState) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task and its unfinished steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseTaskID(args[0])
			if err != nil {
				return err
			}

			rt, err := buildRuntime(cmd.Context(), state.cfg, GetLogger(), state.handlers)
			if err != nil {
				return err
			}
			defer rt.close()

			if err = rt.service.Cancel(cmd.Context(), taskID, reason); err != nil {
				return err
			}
			cmd.Printf("task %d cancelled\n", taskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "operator request", "cancellation reason recorded on the transition")
	return cmd
}

// newResolveCmd creates the resolve command for manually settling errored
// tasks.
func newResolveCmd(state *rootState) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "resolve <task-id>",
		Short: "Mark an errored task as resolved manually",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseTaskID(args[0])
			if err != nil {
				return err
			}

			rt, err := buildRuntime(cmd.Context(), state.cfg, GetLogger(), state.handlers)
			if err != nil {
				return err
			}
			defer rt.close()

			if err = rt.service.ResolveManually(cmd.Context(), taskID, reason); err != nil {
				return err
			}
			cmd.Printf("task %d resolved\n", taskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "resolved by operator", "resolution reason recorded on the transition")
	return cmd
}

// parseTaskID parses a task ID argument.
func parseTaskID(arg string) (int64, error) {
	taskID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q: %w", arg, err)
	}
	return taskID, nil
}
