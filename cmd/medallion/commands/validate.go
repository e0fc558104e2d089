package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"medallion/internal/config"
	"medallion/internal/pipeline"
)

// ValidateCmd checks pipeline configs without running them.
var ValidateCmd = &cobra.Command{
	Use:   "validate <pipeline_id>...",
	Short: "Validate pipeline configs and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := pipeline.NewRunner(metadataDir(), nil)
		for _, id := range args {
			p, err := r.Configs.Read(id)
			if err != nil {
				return err
			}
			// Read already rejected errors; only warnings remain.
			for _, iss := range config.Validate(*p) {
				pterm.Warning.Printf("%s: %s\n", id, iss)
			}
			pterm.Success.Printf("%s: configuration is valid (%s)\n", id, r.Configs.Path(id))
		}
		return nil
	},
}
