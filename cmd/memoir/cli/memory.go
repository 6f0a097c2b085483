package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/felixgeelhaar/memoir/internal/memory"
	"github.com/felixgeelhaar/memoir/internal/store"
	"github.com/spf13/cobra"
)

func describe(w io.Writer, n int, r *store.MemoryRecord) {
	fmt.Fprintf(w, "%d. %s (importance %.2f, accessed %d)\n", n, r.Content, r.ImportanceScore, r.AccessCount)
	fmt.Fprintf(w, "   id: %s\n", r.ID)
}

func describeAll(w io.Writer, recs []*store.MemoryRecord, empty string) {
	if len(recs) == 0 {
		fmt.Fprintln(w, empty)
		return
	}
	for i, r := range recs {
		describe(w, i+1, r)
	}
}

// rememberResult is one extracted fact as reported to the user.
type rememberResult struct {
	ID      string   `json:"id"`
	Content string   `json:"content"`
	Created bool     `json:"created"`
	Evicted []string `json:"evicted,omitempty"`
}

func newRememberCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "remember [utterance...]",
		Short: "Extract and store memories from an utterance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.open(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			text := strings.Join(args, " ")
			if err := a.guard.Check(o.userID, text); err != nil {
				return err
			}
			results, err := a.engine.RecordTurnDetailed(cmd.Context(), o.userID, text)
			out := make([]rememberResult, 0, len(results))
			for _, r := range results {
				rr := rememberResult{ID: r.ID, Created: r.Created, Evicted: r.Evicted}
				if r.Record != nil {
					rr.Content = r.Record.Content
				}
				out = append(out, rr)
			}
			if perr := o.emit(cmd, out, func(w io.Writer) {
				if len(out) == 0 {
					fmt.Fprintln(w, "Nothing worth remembering found.")
					return
				}
				for _, r := range out {
					verb := "Remembered"
					if !r.Created {
						verb = "Refreshed"
					}
					fmt.Fprintf(w, "%s: %s\n", verb, r.Content)
					for _, id := range r.Evicted {
						fmt.Fprintf(w, "  evicted %s to make room\n", id)
					}
				}
			}); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newRecallCmd(o *options) *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "recall [query...]",
		Short: "Show the memories most relevant to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.open(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if v := a.guard.CheckUser(o.userID); v != nil {
				return v
			}
			k := topK
			if k <= 0 {
				k = a.cfg.Memory.ContextTopK
			}
			recs, err := a.engine.RetrieveRelevant(cmd.Context(), o.userID, strings.Join(args, " "), a.guard.ClampTopK(k))
			if err != nil {
				return err
			}
			return o.emit(cmd, recs, func(w io.Writer) {
				describeAll(w, recs, "No memories found.")
			})
		},
	}
	cmd.Flags().IntVarP(&topK, "top", "k", 0, "Maximum memories to return (default from config)")
	return cmd
}

func newListCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all memories, most important first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.open(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.engine.ListMemories(cmd.Context(), o.userID)
			if err != nil {
				return err
			}
			return o.emit(cmd, recs, func(w io.Writer) {
				describeAll(w, recs, "No memories stored yet.")
			})
		},
	}
}

func newForgetCmd(o *options) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "forget [keyword]",
		Short: "Delete memories by keyword or by id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (id == "") == (len(args) == 0) {
				return errors.New("give either a keyword or --id")
			}
			a, err := o.open(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if id != "" {
				if err := a.engine.ForgetID(cmd.Context(), o.userID, id); err != nil {
					return err
				}
				return o.emit(cmd, map[string]any{"deleted": 1, "id": id}, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted memory %s\n", id)
				})
			}
			n, err := a.engine.Forget(cmd.Context(), o.userID, args[0])
			if err != nil {
				return err
			}
			return o.emit(cmd, map[string]any{"deleted": n, "keyword": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted %d memories matching %q\n", n, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Delete the memory with this id")
	return cmd
}

func newClearCmd(o *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every memory of the user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear without --yes")
			}
			a, err := o.open(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.engine.Clear(cmd.Context(), o.userID)
			if err != nil {
				return err
			}
			return o.emit(cmd, map[string]any{"deleted": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Cleared %d memories for %s\n", n, o.userID)
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deletion")
	return cmd
}

func newStatsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the user's memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.open(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.engine.Stats(cmd.Context(), o.userID)
			if err != nil {
				return err
			}
			return o.emit(cmd, st, func(w io.Writer) { printStats(w, st) })
		},
	}
}

func printStats(w io.Writer, st *memory.Stats) {
	fmt.Fprintf(w, "Total memories: %d\n", st.Total)
	if st.Total == 0 {
		return
	}
	fmt.Fprintf(w, "Average importance: %.2f\n", st.AverageImportance)
	fmt.Fprintf(w, "Created in the last 7 days: %d\n", st.Recent)
	if st.MostAccessed != nil {
		fmt.Fprintf(w, "Most accessed: %s (%d times)\n", st.MostAccessed.Content, st.MostAccessed.AccessCount)
	}
}

func newPruneCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove stale low-importance memories across all users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.open(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.engine.Prune(cmd.Context())
			if err != nil {
				return err
			}
			return o.emit(cmd, map[string]any{"pruned": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Pruned %d memories older than %s\n", n, a.cfg.Memory.RetentionPeriod)
			})
		},
	}
}
