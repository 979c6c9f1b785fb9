package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a fake GitHub push webhook to a listener",
	Long: `Send a push webhook to a running listener, the way GitHub would.

Examples:
  pushtrigger send --branch beta --message "fix bug" --author Ann --repo repo1
  pushtrigger send --event pull_request
  pushtrigger send --body-file payload.json --addr build-box:12345`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		event, _ := cmd.Flags().GetString("event")
		bodyFile, _ := cmd.Flags().GetString("body-file")
		sendTimeout, _ := cmd.Flags().GetDuration("timeout")

		var body []byte
		var err error
		if bodyFile != "" {
			body, err = os.ReadFile(bodyFile)
			if err != nil {
				return fmt.Errorf("read body file: %w", err)
			}
		} else {
			branch, _ := cmd.Flags().GetString("branch")
			message, _ := cmd.Flags().GetString("message")
			author, _ := cmd.Flags().GetString("author")
			repo, _ := cmd.Flags().GetString("repo")
			body, err = pushBody(branch, message, author, repo)
			if err != nil {
				return err
			}
		}

		resp, err := sendWebhook(addr, event, body, sendTimeout)
		if err != nil {
			return err
		}

		if outputJSON {
			return printOutput(cmd.OutOrStdout(), map[string]any{
				"addr":     addr,
				"event":    event,
				"bytes":    len(body),
				"response": string(resp),
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s event (%d bytes) to %s\n", event, len(body), addr)
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", resp)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("addr", "localhost:12345", "listener address (host:port)")
	sendCmd.Flags().String("event", "push", "X-GitHub-Event header value")
	sendCmd.Flags().String("branch", "beta", "branch in the push ref")
	sendCmd.Flags().String("message", "manual trigger", "head commit message")
	sendCmd.Flags().String("author", "pushtrigger", "head commit author name")
	sendCmd.Flags().String("repo", "repo", "repository name")
	sendCmd.Flags().String("body-file", "", "send this file as the body instead of a generated push payload")
	sendCmd.Flags().Duration("timeout", 10*time.Second, "connect and response timeout")
}

type pushPayload struct {
	Ref        string     `json:"ref"`
	HeadCommit headCommit `json:"head_commit"`
	Repository repository `json:"repository"`
}

type headCommit struct {
	Message string       `json:"message"`
	Author  commitAuthor `json:"author"`
}

type commitAuthor struct {
	Name string `json:"name"`
}

type repository struct {
	Name string `json:"name"`
}

// pushBody renders a compact push payload in GitHub's key order
func pushBody(branch, message, author, repo string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(pushPayload{
		Ref:        "refs/heads/" + branch,
		HeadCommit: headCommit{Message: message, Author: commitAuthor{Name: author}},
		Repository: repository{Name: repo},
	})
	if err != nil {
		return nil, fmt.Errorf("encode push payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// webhookRequest frames body as the minimal HTTP/1.1 request GitHub sends
func webhookRequest(host, event string, body []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "POST / HTTP/1.1\r\n")
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	fmt.Fprintf(&b, "User-Agent: pushtrigger-send\r\n")
	fmt.Fprintf(&b, "Content-Type: application/json\r\n")
	if event != "" {
		fmt.Fprintf(&b, "X-GitHub-Event: %s\r\n", event)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.Write(body)
	return b.Bytes()
}

// sendWebhook writes the request and returns whatever the listener answers
// before closing the connection
func sendWebhook(addr, event string, body []byte, timeout time.Duration) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write(webhookRequest(addr, event, body)); err != nil {
		return nil, fmt.Errorf("failed to send webhook: %w", err)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		return resp, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, nil
}
