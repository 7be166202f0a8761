// Package cli is the command-line channel adapter. It maps flags into the
// canonical parameter set, dispatches through the same core as the other
// channels, and maps error kinds onto exit codes.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"workflow-gateway/backend/internal/dispatch"
	"workflow-gateway/backend/internal/params"
	"workflow-gateway/backend/internal/registry"
	"workflow-gateway/backend/pkg/models"
)

// CredentialEnv names the environment variable carrying the caller's API
// key or bearer token for CLI dispatches.
const CredentialEnv = "GATEWAY_API_KEY"

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Kind models.Kind
}

func (e *ExitError) Error() string {
	return string(e.Kind)
}

// ExitCode maps an error kind to the CLI exit code.
func ExitCode(kind models.Kind) int {
	switch kind {
	case models.KindMalformedInput, models.KindInputTooLarge:
		return 2
	case models.KindUnauthenticated, models.KindUnauthorized:
		return 3
	case models.KindRateLimited, models.KindServiceUnavailable:
		return 4
	case models.KindWorkflowNotFound:
		return 5
	case models.KindExecutionError, models.KindTimeout:
		return 6
	default:
		return 1
	}
}

// CLI holds the dependencies for the command-line channel.
type CLI struct {
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	normalizer *params.Normalizer
}

// New creates the CLI adapter.
func New(d *dispatch.Dispatcher, r *registry.Registry, n *params.Normalizer) *CLI {
	return &CLI{dispatcher: d, registry: r, normalizer: n}
}

// RootCommand builds the flowctl command tree.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "flowctl",
		Short:         "Invoke registered workflows from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(c.runCommand(), c.listCommand())
	return root
}

func (c *CLI) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <workflow> [--session <id>] [--<param> <value> ...]",
		Short: "Execute a workflow with the given parameters",
		// Parameter names are workflow-defined, so flag parsing is manual.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), string(models.KindMalformedInput)+": missing workflow name")
				return &ExitError{Code: 2, Kind: models.KindMalformedInput}
			}
			workflow := args[0]

			sessionID := ""
			rest := make([]string, 0, len(args)-1)
			for i := 1; i < len(args); i++ {
				if args[i] == "--session" && i+1 < len(args) {
					sessionID = args[i+1]
					i++
					continue
				}
				rest = append(rest, args[i])
			}

			paramSet, err := c.normalizer.FromFlags(rest)
			if err != nil {
				return c.fail(cmd, err)
			}

			req := &models.DispatchRequest{
				Workflow:   workflow,
				Parameters: paramSet,
				SessionID:  sessionID,
				Channel:    models.ChannelCLI,
				Credential: os.Getenv(CredentialEnv),
			}

			result := c.dispatcher.Dispatch(cmd.Context(), req)
			if !result.Success {
				return c.fail(cmd, result.Error)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"success": true,
				"output":  result.Output,
				"run_id":  result.RunID,
			})
		},
	}
}

func (c *CLI) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows visible to the CLI channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range c.registry.List(models.ChannelCLI) {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

// fail prints the error kind and message to standard error and returns the
// coded error for the process exit status.
func (c *CLI) fail(cmd *cobra.Command, err error) error {
	rec, ok := err.(*models.ErrorRecord)
	if !ok {
		rec = models.NewError(models.KindExecutionError, err.Error())
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", rec.Kind, rec.Message)
	return &ExitError{Code: ExitCode(rec.Kind), Kind: rec.Kind}
}
