package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ctxbudget/internal/engine"
	"ctxbudget/internal/storage"
	"ctxbudget/internal/window"
)

// NewWindowCmd creates the window command group.
func NewWindowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "window",
		Short: "Manage the conversation context window",
	}

	cmd.AddCommand(newWindowReplayCmd())
	cmd.AddCommand(newWindowShowCmd())
	cmd.AddCommand(newWindowSessionsCmd())

	return cmd
}

type replayOptions struct {
	policy     string
	maxTokens  int
	persist    bool
	jsonOutput bool
}

func newWindowReplayCmd() *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay <transcript.jsonl>",
		Short: "Replay a transcript through the window manager",
		Long: `Append every line of a JSONL transcript to a context window and report
state transitions and evictions. Each line is an object with "role" and
"text", and optionally "protected" and "tokens". Use - for stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.policy, "policy", "", "eviction policy: truncate, summarize or selective (overrides config)")
	cmd.Flags().IntVar(&opts.maxTokens, "max-tokens", 0, "window size (overrides config)")
	cmd.Flags().BoolVar(&opts.persist, "persist", false, "append to the last persisted session")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "print the final window as JSON")

	return cmd
}

func runReplay(cmd *cobra.Command, path string, opts replayOptions) error {
	cliCtx, err := cliContext(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var policy window.Policy
	if opts.policy != "" {
		if policy, err = window.ParsePolicy(opts.policy); err != nil {
			return err
		}
	}

	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	mode := Ephemeral
	if opts.persist {
		mode = Persistent
	}
	session, err := cliCtx.NewSession(ctx, mode, cmd.ErrOrStderr(), func(ec *engine.Config) {
		if policy != "" {
			ec.Window.Policy = policy
		}
		if opts.maxTokens > 0 {
			ec.Window.MaxTokens = opts.maxTokens
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = session.Close(ctx) }()

	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var entry window.Input
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if entry.Role == "" {
			return fmt.Errorf("%s:%d: role is required", path, line)
		}

		res, err := session.Append(ctx, entry)
		var exceeded *window.BudgetExceededError
		if err != nil && !errors.As(err, &exceeded) {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if !opts.jsonOutput {
			printAppend(out, line, res, exceeded)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	snap := session.ContextWindow()
	if opts.jsonOutput {
		return writeJSON(out, snap)
	}
	fmt.Fprintf(out, "\nWindow: %s / %s tokens, %d entries, %s (%s policy)\n",
		tokens(snap.UsedTokens), tokens(snap.MaxTokens), len(snap.Entries), snap.State, snap.Policy)
	return nil
}

func printAppend(out io.Writer, line int, res window.AppendResult, exceeded *window.BudgetExceededError) {
	fmt.Fprintf(out, "#%-4d %-9s %7s tokens", line, res.Entry.Role, tokens(res.Entry.Tokens))
	if res.Before != res.After {
		fmt.Fprintf(out, "  %s -> %s", res.Before, res.After)
	}
	if ev := res.Eviction; ev != nil {
		fmt.Fprintf(out, "  evicted %d entries (%s tokens, %s", ev.Removed, tokens(ev.RemovedTokens), ev.Policy)
		if ev.Summarized {
			fmt.Fprint(out, ", summarized")
		}
		if ev.FellBack {
			fmt.Fprint(out, ", fell back to truncate")
		}
		fmt.Fprint(out, ")")
	}
	if exceeded != nil {
		fmt.Fprintf(out, "  truncated from %s", tokens(exceeded.Requested))
	}
	fmt.Fprintln(out)
}

func lastSessionStore(cmd *cobra.Command) (*storage.DB, string, error) {
	cliCtx, err := cliContext(cmd)
	if err != nil {
		return nil, "", err
	}
	db, err := cliCtx.GetStorage(cmd.Context())
	if err != nil {
		return nil, "", err
	}
	if db == nil {
		return nil, "", errors.New("storage is disabled")
	}
	id, err := db.KVGet(cmd.Context(), storage.KVLastSession)
	if errors.Is(err, storage.ErrNotFound) {
		return db, "", nil
	}
	return db, id, err
}

func newWindowShowCmd() *cobra.Command {
	var (
		sessionID  string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the latest persisted window of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, last, err := lastSessionStore(cmd)
			if err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = last
			}
			if sessionID == "" {
				return errors.New("no session has been persisted yet")
			}

			ws, err := db.LatestWindow(cmd.Context(), sessionID)
			if err != nil {
				return fmt.Errorf("session %s: %w", sessionID, err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, ws)
			}
			snap := ws.Snapshot
			fmt.Fprintf(out, "Session %s, version %d, saved %s\n", ws.SessionID, ws.Version, humanize.Time(ws.CreatedAt))
			fmt.Fprintf(out, "%s / %s tokens, %s\n\n", tokens(snap.UsedTokens), tokens(snap.MaxTokens), snap.State)
			tw := newTable(out)
			fmt.Fprintln(tw, "#\tROLE\tTOKENS\tFLAGS\tTEXT")
			for i, e := range snap.Entries {
				var flags []string
				if e.Protected {
					flags = append(flags, "protected")
				}
				if e.Truncated {
					flags = append(flags, "truncated")
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, e.Role, tokens(e.Tokens), strings.Join(flags, ","), preview(e.Text, 60))
			}
			_ = tw.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (default: the last session)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func newWindowSessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions with persisted windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, last, err := lastSessionStore(cmd)
			if err != nil {
				return err
			}
			sessions, err := db.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "SESSION\tVERSIONS\tTOKENS\tUPDATED\t")
			for _, s := range sessions {
				marker := ""
				if s.SessionID == last {
					marker = "*"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", s.SessionID, s.Versions, tokens(s.UsedTokens), humanize.Time(s.UpdatedAt), marker)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to list")

	return cmd
}

// preview returns the first line of s cut to n runes.
func preview(s string, n int) string {
	s, _, _ = strings.Cut(s, "\n")
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
