package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/felixgeelhaar/memoir/internal/score"
	"github.com/spf13/cobra"
)

func newRulesCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List the active extraction rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			x, err := buildExtractor(cfg.Extraction)
			if err != nil {
				return err
			}
			rules := x.Rules()
			return o.emit(cmd, rules, func(w io.Writer) {
				for _, r := range rules {
					fmt.Fprintf(w, "%-24s %-11s %s\n", r.Name, r.Label, r.Pattern)
				}
			})
		},
	}
	cmd.AddCommand(newRulesTestCmd(o))
	return cmd
}

// candidateView is a dry-run extraction result.
type candidateView struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	Rule       string  `json:"rule"`
	Importance float64 `json:"importance"`
}

func newRulesTestCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "test [utterance...]",
		Short: "Show what would be remembered from an utterance, without storing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			x, err := buildExtractor(cfg.Extraction)
			if err != nil {
				return err
			}
			sc := score.Default()
			var out []candidateView
			for _, c := range x.Extract(strings.Join(args, " ")) {
				out = append(out, candidateView{
					Text:       c.Text,
					Label:      string(c.Label),
					Rule:       c.Rule,
					Importance: sc.Score(c.Text, c.ScoreLabel()),
				})
			}
			return o.emit(cmd, out, func(w io.Writer) {
				if len(out) == 0 {
					fmt.Fprintln(w, "No candidates.")
					return
				}
				for _, c := range out {
					fmt.Fprintf(w, "%.2f  %-10s %s  (%s)\n", c.Importance, c.Label, c.Text, c.Rule)
				}
			})
		},
	}
}
