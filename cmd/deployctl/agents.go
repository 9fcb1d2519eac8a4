package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// --- Host commands ---

func newHostCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "View deployment hosts",
	}
	cmd.AddCommand(newHostListCommand())
	return cmd
}

func newHostListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known hosts with derived agent status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get("/v1/hosts", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

// --- Agent commands ---

func newAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage deployment agents",
	}
	cmd.AddCommand(newAgentRegisterCommand())
	cmd.AddCommand(newAgentShowCommand())
	return cmd
}

func newAgentRegisterCommand() *cobra.Command {
	var (
		hostname     string
		agentVersion string
	)
	cmd := &cobra.Command{
		Use:     "register",
		Short:   "Register a new agent identity for a host",
		Example: `  deployctl agent register --hostname=web-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			body := map[string]interface{}{
				"hostname": hostname,
			}
			if agentVersion != "" {
				body["agent_version"] = agentVersion
			}
			data, err := client.post("/v1/agents/register", body)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVar(&hostname, "hostname", "", "Hostname the agent runs on (required)")
	cmd.Flags().StringVar(&agentVersion, "agent-version", "", "Agent software version")
	cmd.MarkFlagRequired("hostname")
	return cmd
}

func newAgentShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show agent details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get(fmt.Sprintf("/v1/agents/%s", args[0]), nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}
