package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/archivum-ai/archivum/internal/app"
	"github.com/archivum-ai/archivum/internal/chat"
	"github.com/archivum-ai/archivum/internal/stream"
)

var askServerURL string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a single question and stream the answer to stdout",
	Long: `Ask sends one question and prints the streamed answer. By default it
talks to the model directly; with --server it goes through a running
archivum instance and reassembles the framed response body.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		if askServerURL != "" {
			return runAskRemote(askServerURL, question)
		}
		return runAsk(question)
	},
}

func init() {
	askCmd.Flags().StringVar(&askServerURL, "server", "", "base URL of a running archivum server")
	rootCmd.AddCommand(askCmd)
}

func runAsk(question string) error {
	a, err := app.New()
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := a.Orchestrator(ctx).Chat(ctx, []chat.Message{
		{Role: chat.RoleUser, Content: question},
	})
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	defer s.Close()

	for delta, err := range s.Deltas() {
		if err != nil {
			fmt.Fprintln(os.Stdout)
			return fmt.Errorf("stream: %w", err)
		}
		fmt.Print(delta)
	}
	fmt.Println()
	return nil
}

// runAskRemote posts to a running server's chat endpoint and
// reassembles the framed body as it arrives.
func runAskRemote(baseURL, question string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"messages": []chat.Message{{Role: chat.RoleUser, Content: question}},
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimSuffix(baseURL, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errBody); decodeErr == nil && errBody.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, errBody.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	r := stream.NewReassembler()
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			fmt.Print(r.Feed(buf[:n]))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			fmt.Println()
			return fmt.Errorf("read stream: %w", readErr)
		}
	}
	fmt.Print(r.Flush())
	fmt.Println()

	if !r.Completed() {
		return fmt.Errorf("stream ended without completion marker")
	}
	return nil
}
