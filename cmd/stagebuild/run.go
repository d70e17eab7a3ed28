package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/loykin/stagebuild"
	"github.com/loykin/stagebuild/pkg/builderr"
)

// runCmd builds a subcommand that runs stages, prints the report and exits
// with the report's code.
func (a *app) runCmd(use, short string, run func(context.Context, *stagebuild.Session) (*stagebuild.Report, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interruptible(cmd)
			defer stop()
			return a.withSession(ctx, cmd, func(s *stagebuild.Session) error {
				report, err := run(ctx, s)
				if err != nil {
					return err
				}
				if err := report.Render(cmd.OutOrStdout()); err != nil {
					return builderr.IO("", "render report", err)
				}
				if code := report.ExitCode(); code != 0 {
					return &exitError{code: code}
				}
				return nil
			})
		},
	}
}

func (a *app) cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Reset the manifest and remove stage outputs and logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interruptible(cmd)
			defer stop()
			return a.withSession(ctx, cmd, func(s *stagebuild.Session) error {
				if err := s.Clean(ctx); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "cleaned %s\n", s.Root())
				return err
			})
		},
	}
}

func (a *app) planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan [group...]",
		Short: "Print the stages a run would consider, batch by batch",
		Long: "Print the stages of the given groups (default build) and their dependencies.\n" +
			"Stages in one batch have no dependencies on each other.",
		RunE: func(cmd *cobra.Command, args []string) error {
			groups := args
			if len(groups) == 0 {
				groups = []string{stagebuild.GroupBuild}
			}
			return a.withSession(cmd.Context(), cmd, func(s *stagebuild.Session) error {
				batches, err := s.Plan(groups...)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for i, batch := range batches {
					if _, err := fmt.Fprintf(w, "%s %s\n", pterm.Bold.Sprintf("batch %d:", i+1), strings.Join(batch, " ")); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the pipeline, its graph and the tools it needs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := stagebuild.LoadPipeline(a.cfg.Build.Pipeline)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			problems := p.Check(p.Env())
			for _, problem := range problems {
				line := pterm.Red("✗ ") + problem.Error()
				for _, hint := range builderr.Hints(problem) {
					line += pterm.Gray("\n  hint: " + hint)
				}
				if _, err := fmt.Fprintln(w, line); err != nil {
					return err
				}
			}
			if len(problems) > 0 {
				return &exitError{code: exitCodeFor(problems[0])}
			}
			_, err = fmt.Fprintf(w, "%s %s: %d stages\n", pterm.Green("✓"), p.Source, len(p.Graph.Stages()))
			return err
		},
	}
}
