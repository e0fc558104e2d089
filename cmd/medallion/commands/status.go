package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"medallion/internal/pipeline"
	"medallion/internal/watermark"
)

// StatusCmd shows a pipeline's watermark and recent runs.
var StatusCmd = &cobra.Command{
	Use:   "status <pipeline_id>",
	Short: "Show a pipeline's watermark and recent runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var statusLimitFlag int

func init() {
	StatusCmd.Flags().IntVar(&statusLimitFlag, "limit", 10, "number of recent runs to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]
	r := pipeline.NewRunner(metadataDir(), nil)

	rec, ok, err := r.Status.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		pterm.Warning.Printf("%s has never run (no %s)\n", id, r.Status.Path(id))
	} else {
		last := rec.LastSuccessTimestamp
		if last == "" {
			last = "never"
		}
		pterm.Info.Printf("%s: last run %s at %s, last success %s\n",
			id, rec.LastRunStatus, rec.LastRunTimestamp, last)
	}

	runLog, err := openRunLog(ctx)
	if err != nil {
		return err
	}
	defer runLog.Close()

	runs, err := runLog.RecentRuns(ctx, id, statusLimitFlag)
	if err != nil {
		return errors.Wrapf(err, "recent runs of %s", id)
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	data := pterm.TableData{{"Run", "Status", "Started", "Duration", "Read", "Written", "Inserted", "Updated", "Error"}}
	for _, run := range runs {
		duration := "-"
		if run.Status != watermark.StatusRunning {
			duration = run.Duration().Truncate(time.Millisecond).String()
		}
		data = append(data, []string{
			run.RunID,
			run.Status,
			run.StartedAt.Format(time.RFC3339),
			duration,
			strconv.FormatInt(run.RowsRead, 10),
			strconv.FormatInt(run.RowsWritten, 10),
			strconv.FormatInt(run.Inserted, 10),
			strconv.FormatInt(run.Updated, 10),
			run.Error,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
