// Command turnctl drives a running persona relay from the terminal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/persona-relay/backend/pkg/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var (
		server  string
		timeout time.Duration
	)
	c := func() *client { return newClient(server, nil) }

	root := &cobra.Command{
		Use:          "turnctl",
		Short:        "turnctl - talk to a persona relay",
		Long:         `turnctl lists personas, opens sessions and streams turns against a running relay.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if timeout > 0 {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				cobra.OnFinalize(cancel)
				cmd.SetContext(ctx)
			}
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&server, "server", envOr("RELAY_SERVER", "http://localhost:8080"), "relay base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 0, "overall request timeout (0 = none)")

	root.AddCommand(
		newPersonasCmd(c),
		newSessionCmd(c),
		newSendCmd(c),
	)
	return root
}

func newPersonasCmd(c func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List active personas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := c().personas(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, p := range list.Personas {
				marker := " "
				if p.ID == list.DefaultID {
					marker = "*"
				}
				fmt.Fprintf(w, "%s %-20s %-24s %s\n", marker, p.ID, p.DisplayName, p.Description)
			}
			return nil
		},
	}
}

func newSessionCmd(c func() *client) *cobra.Command {
	session := &cobra.Command{
		Use:   "session",
		Short: "Create or inspect sessions",
	}

	var subject, personaID string
	create := &cobra.Command{
		Use:   "create",
		Short: "Open a session for a subject",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c().createSession(cmd.Context(), subject, personaID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.ID, s.CurrentPersonaID)
			return nil
		},
	}
	create.Flags().StringVar(&subject, "subject", "", "subject (end user) id")
	create.Flags().StringVar(&personaID, "persona", "", "starting persona (default persona when empty)")
	_ = create.MarkFlagRequired("subject")

	var limit int
	transcript := &cobra.Command{
		Use:   "transcript <session-id>",
		Short: "Print the stored turns of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			turns, err := c().transcript(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, t := range turns {
				fmt.Fprintf(w, "[%s] %s/%s: %s\n", t.CreatedAt.Format(time.TimeOnly), t.Role, t.PersonaID, t.Content)
			}
			return nil
		},
	}
	transcript.Flags().IntVar(&limit, "limit", 0, "only the latest N turns")

	session.AddCommand(create, transcript)
	return session
}

func newSendCmd(c func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "send <session-id> <message...>",
		Short: "Send a message and stream the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			message := strings.Join(args[1:], " ")
			var streamErr error
			err := c().send(cmd.Context(), args[0], message, func(ev utils.SSEEvent) error {
				line, err := renderEvent(ev)
				if err != nil {
					return err
				}
				fmt.Fprint(w, line)
				if ev.Event == "error" {
					streamErr = fmt.Errorf("turn failed: %s", strings.TrimSpace(line))
				}
				return nil
			})
			if err != nil {
				return err
			}
			return streamErr
		},
	}
}

// renderEvent formats one turn event for the terminal.
func renderEvent(ev utils.SSEEvent) (string, error) {
	switch ev.Event {
	case "chunk":
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
			return "", fmt.Errorf("decode chunk: %w", err)
		}
		return p.Text, nil
	case "handoff":
		var p struct {
			PersonaID *string `json:"personaId"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
			return "", fmt.Errorf("decode handoff: %w", err)
		}
		if p.PersonaID == nil {
			return "", nil
		}
		return fmt.Sprintf("\n--> handed over to %s\n", *p.PersonaID), nil
	case "done":
		var p struct {
			PersonaID      string `json:"personaId"`
			MemoryDegraded bool   `json:"memoryDegraded"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
			return "", fmt.Errorf("decode done: %w", err)
		}
		if p.MemoryDegraded {
			return fmt.Sprintf("\n[%s, memory unavailable]\n", p.PersonaID), nil
		}
		return fmt.Sprintf("\n[%s]\n", p.PersonaID), nil
	case "error":
		var p struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
			return "", fmt.Errorf("decode error: %w", err)
		}
		return fmt.Sprintf("\n!! %s: %s\n", p.Reason, p.Message), nil
	default:
		return "", nil
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
