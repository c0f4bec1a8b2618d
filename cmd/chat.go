package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentforge/core/internal/agent"
)

func chatCmd() *cobra.Command {
	var (
		agentID    string
		message    string
		sessionKey string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "chat with the configured agent interactively or send a one-shot message",
		Long: `Drives one Agent Loop turn at a time against a local session.

Examples:
  agentforge chat                         # interactive REPL
  agentforge chat -a research             # chat with the "research" agent
  agentforge chat -m "what time is it?"   # one-shot message
  agentforge chat -s my-session           # continue a named session`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(agentID, message, sessionKey)
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "a", "default", "agent id to resolve from config")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session id to continue (default: a new one)")

	return cmd
}

func runChat(agentID, message, sessionKey string) {
	approvalChannel := newCLIApprovalChannel()
	rt, err := buildRuntime(agentID, approvalChannel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer rt.shutdown(context.Background())

	agentCfg := rt.cfg.ResolveAgent(agentID)

	if sessionKey == "" {
		sessionKey = uuid.NewString()
	}

	ctx := context.Background()
	sess := loadOrNewSession(ctx, rt.storage, sessionKey, systemPromptFor(agentID, rt), agentCfg.Model, agentCfg.ContextWindow)

	turn := func(msg string) (string, error) {
		runID := "cli-" + uuid.NewString()[:8]
		result, err := rt.loop.Run(ctx, agent.Request{
			Session:     sess,
			RunID:       runID,
			UserMessage: msg,
			Stream:      false,
		})
		if err != nil {
			return "", err
		}
		saveSession(ctx, rt.storage, sess)
		rt.heartbeat.NoteSessionActivity(sess.ID)
		return result.Content, nil
	}

	if message != "" {
		resp, err := turn(message)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(resp)
		return
	}

	fmt.Fprintf(os.Stderr, "\nagentforge — agent %q, model %s\n", agentID, agentCfg.Model)
	fmt.Fprintf(os.Stderr, "session: %s\n", sess.ID)
	fmt.Fprintf(os.Stderr, "type \"exit\" to quit, \"/new\" to start a fresh session\n\n")

	sigCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-sigCtx.Done():
			fmt.Fprintln(os.Stderr, "\ngoodbye")
			return
		default:
		}

		fmt.Fprint(os.Stderr, "you: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "goodbye")
			return
		}
		if input == "/new" {
			sess = loadOrNewSession(ctx, rt.storage, uuid.NewString(), systemPromptFor(agentID, rt), agentCfg.Model, agentCfg.ContextWindow)
			fmt.Fprintf(os.Stderr, "new session: %s\n\n", sess.ID)
			continue
		}

		resp, err := turn(input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", resp)
	}
}

func systemPromptFor(agentID string, rt *runtime) string {
	return fmt.Sprintf("You are %s, a helpful AI assistant with access to tools.", rt.cfg.ResolveDisplayName(agentID))
}
