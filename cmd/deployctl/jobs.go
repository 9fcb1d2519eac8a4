package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

// --- Job commands ---

func newJobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage deployment jobs",
	}
	cmd.AddCommand(newJobListCommand())
	cmd.AddCommand(newJobCreateCommand())
	cmd.AddCommand(newJobShowCommand())
	cmd.AddCommand(newJobCancelCommand())
	return cmd
}

func newJobListCommand() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Example: `  deployctl job list
  deployctl job list --status=pending --limit=20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			params := url.Values{}
			if status != "" {
				params.Set("status", status)
			}
			if limit > 0 {
				params.Set("limit", fmt.Sprintf("%d", limit))
			}
			data, err := client.get("/v1/jobs", params)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, success, failed, cancelled)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of jobs")
	return cmd
}

func newJobCreateCommand() *cobra.Command {
	var (
		repo string
		ref  string
		host string
	)
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create a deployment job",
		Example: `  deployctl job create --repo=myorg/web --ref=main --host=web-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.post("/v1/jobs", map[string]interface{}{
				"repo": repo,
				"ref":  ref,
				"host": host,
			})
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&repo, "repo", "r", "", "Repository (required)")
	cmd.Flags().StringVar(&ref, "ref", "", "Git ref or commit SHA (required)")
	cmd.Flags().StringVar(&host, "host", "", "Target hostname (required)")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("ref")
	cmd.MarkFlagRequired("host")
	return cmd
}

func newJobShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "show <job-id>",
		Short:   "Show job details",
		Args:    cobra.ExactArgs(1),
		Example: `  deployctl job show 4f7c2d9e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get(fmt.Sprintf("/v1/jobs/%s", args[0]), nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newJobCancelCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:     "cancel <job-id>",
		Short:   "Cancel a pending or running job",
		Args:    cobra.ExactArgs(1),
		Example: `  deployctl job cancel 4f7c2d9e-... --reason="bad release"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			params := url.Values{}
			if reason != "" {
				params.Set("reason", reason)
			}
			data, err := client.delete(fmt.Sprintf("/v1/jobs/%s", args[0]), params)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Cancellation reason")
	return cmd
}

// --- Log commands ---

func newLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "View and stream job logs",
	}
	cmd.AddCommand(newLogShowCommand())
	cmd.AddCommand(newLogFollowCommand())
	return cmd
}

func newLogShowCommand() *cobra.Command {
	var (
		from  uint64
		limit int
	)
	cmd := &cobra.Command{
		Use:     "show <job-id>",
		Short:   "Show persisted log chunks for a job",
		Args:    cobra.ExactArgs(1),
		Example: `  deployctl log show 4f7c2d9e-... --from=100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			params := url.Values{}
			if from > 0 {
				params.Set("from", fmt.Sprintf("%d", from))
			}
			if limit > 0 {
				params.Set("limit", fmt.Sprintf("%d", limit))
			}
			data, err := client.get(fmt.Sprintf("/v1/jobs/%s/logs", args[0]), params)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "Start sequence number")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of chunks")
	return cmd
}

func newLogFollowCommand() *cobra.Command {
	var from uint64
	cmd := &cobra.Command{
		Use:     "follow <job-id>",
		Short:   "Stream job logs live (SSE), resuming from a sequence number",
		Args:    cobra.ExactArgs(1),
		Example: `  deployctl log follow 4f7c2d9e-... --from=250`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			params := url.Values{}
			if from > 0 {
				params.Set("from", fmt.Sprintf("%d", from))
			}
			return client.streamSSE(fmt.Sprintf("/v1/jobs/%s/logs/stream", args[0]), params)
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "Resume from sequence number (exclusive of already-seen chunks)")
	return cmd
}
