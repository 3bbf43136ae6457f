package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/service"
)

func newAssessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assess <shipment-id>",
		Short: "Assess one shipment and run the decision pipeline for its risks",
		Long: `Assess loads the shipment by id, records any new risks and runs the
decision pipeline for each active one.

The shipment must already exist in the configured store. The default memory
store starts empty in every process, so point store.backend at postgres
(CONTROL_TOWER_STORE_BACKEND=postgres) to assess shipments ingested elsewhere.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := mustRuntime(cmd)
			if err != nil {
				return err
			}
			c, err := service.NewComponents(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer c.Shutdown()
			c.WarnEphemeralStore("assess")

			decisions, runErr := c.Orchestrator.AssessAndHandle(cmd.Context(), args[0])
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(map[string]any{"shipment_id": args[0], "decisions": decisions}); err != nil {
				return err
			}
			return runErr
		},
	}
}
