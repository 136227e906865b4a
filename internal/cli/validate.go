package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/stagerun/internal/graph"
	"github.com/me/stagerun/internal/pipeline"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline-file>",
		Short: "Check a pipeline without running it",
		Long: `Expands the pipeline, admits every job into the dependency graph and
checks that the graph is acyclic. Prerequisites satisfied by earlier runs are
taken into account.`,
		Args: cobra.ExactArgs(1),
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

			done := 0
			for _, job := range g.Jobs() {
				if flags.Exists(job.DoneFlag) {
					done++
				}
			}
			logger.Debug("pipeline validated", "pipeline", args[0], "jobs", g.Len())
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d jobs in %d stages, %d already complete, %d ready\n",
				args[0], g.Len(), len(p.Stages), done, len(g.Ready()))
			return nil
		},
	}
}
