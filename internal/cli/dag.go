package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/me/stagerun/internal/graph"
	"github.com/me/stagerun/internal/pipeline"
)

func newDagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dag <pipeline-file>",
		Short: "Print the jobs of a pipeline in dependency order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.Load(args[0])
			if err != nil {
				return err
			}
			flags := graph.OSFlags{}
			g, err := p.Build(flags)
			if err != nil {
				return err
			}
			order, err := g.Order()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tJOB\tSTATUS\tAFTER")
			for _, idx := range order {
				job := g.Job(idx)
				status := "pending"
				if flags.Exists(job.DoneFlag) {
					status = "done"
				}
				var after []string
				for _, d := range g.Deps(idx) {
					after = append(after, g.Job(d).Descriptor())
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", idx, job.Descriptor(), status, strings.Join(after, ", "))
			}
			return tw.Flush()
		},
	}
}
