package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// --- Webhook commands ---

func newWebhookCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Test webhook delivery",
	}
	cmd.AddCommand(newWebhookSendCommand())
	return cmd
}

// newWebhookSendCommand synthesizes a signed push event against the ingress
// endpoint. The shared secret is read from the terminal without echo, or from
// DEPLOYBOT_WEBHOOK_SECRET when set.
func newWebhookSendCommand() *cobra.Command {
	var (
		repo    string
		branch  string
		sha     string
		message string
	)
	cmd := &cobra.Command{
		Use:     "send",
		Short:   "Send a signed synthetic push event",
		Example: `  deployctl webhook send --repo=myorg/web --branch=main --sha=0a1b2c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("DEPLOYBOT_WEBHOOK_SECRET")
			if secret == "" {
				fmt.Fprint(os.Stderr, "Webhook secret: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("failed to read secret: %w", err)
				}
				secret = string(raw)
			}
			if secret == "" {
				return fmt.Errorf("a webhook secret is required")
			}

			payload := map[string]interface{}{
				"ref":   "refs/heads/" + branch,
				"after": sha,
				"repository": map[string]interface{}{
					"full_name": repo,
					"clone_url": fmt.Sprintf("https://github.com/%s.git", repo),
				},
				"head_commit": map[string]interface{}{
					"id":      sha,
					"message": message,
				},
			}
			body, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("failed to marshal payload: %w", err)
			}

			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write(body)
			signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

			client := newClient()
			data, err := client.postRaw("/v1/webhooks/github", body, map[string]string{
				"X-Hub-Signature-256": signature,
				"X-GitHub-Event":      "push",
			})
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&repo, "repo", "r", "", "Repository full name, e.g. myorg/web (required)")
	cmd.Flags().StringVarP(&branch, "branch", "b", "main", "Branch name")
	cmd.Flags().StringVar(&sha, "sha", "", "Commit SHA for the push head (required)")
	cmd.Flags().StringVarP(&message, "message", "m", "synthetic push from deployctl", "Commit message")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("sha")
	return cmd
}
