package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/loykin/stagebuild"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the manifest record of every stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), cmd, func(s *stagebuild.Session) error {
				recs, err := s.Status(cmd.Context())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(recs) == 0 {
					_, err := fmt.Fprintf(w, "no stages recorded in %s\n", s.Root())
					return err
				}
				data := pterm.TableData{{"STAGE", "STATUS", "FINGERPRINT", "EXIT", "FINISHED", "ARTIFACTS"}}
				for _, rec := range recs {
					exit := "-"
					if rec.ExitCode >= 0 {
						exit = strconv.Itoa(rec.ExitCode)
					}
					finished := "-"
					if !rec.FinishedAt.IsZero() {
						finished = rec.FinishedAt.Local().Format(time.DateTime)
					}
					fp := rec.Fingerprint
					if len(fp) > 12 {
						fp = fp[:12]
					}
					data = append(data, []string{
						rec.Stage, string(rec.Status), fp, exit, finished, strconv.Itoa(len(rec.Artifacts)),
					})
				}
				table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(w, table)
				return err
			})
		},
	}
}
