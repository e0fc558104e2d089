package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"medallion/internal/pipeline"
	"medallion/internal/probe"
)

// ProbeCmd samples a table and drafts a pipeline config for it.
var ProbeCmd = &cobra.Command{
	Use:   "probe <path>",
	Short: "Profile a source table and draft a pipeline config",
	Long: `Probe reads a bounded sample of a csv, json or parquet table, prints a
per-column uniqueness report and a draft pipeline config.

With --write the draft is saved as <metadata>/config/<pipeline_id>.json;
an existing config is never overwritten.

Examples:
  medallion probe landing/revenues.csv --kind append
  medallion probe data/bronze --format parquet --id silver_revenues --write`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

var (
	probeFormatFlag string
	probeKindFlag   string
	probeIDFlag     string
	probeTargetFlag string
	probeRowsFlag   int
	probeWriteFlag  bool
)

func init() {
	f := ProbeCmd.Flags()
	f.StringVar(&probeFormatFlag, "format", "csv", "source format: csv, json or parquet")
	f.StringVar(&probeKindFlag, "kind", "merge", "drafted pipeline kind: merge or append")
	f.StringVar(&probeIDFlag, "id", "", "pipeline id (default: normalized file name)")
	f.StringVar(&probeTargetFlag, "target", "", "target path of the draft")
	f.IntVar(&probeRowsFlag, "rows", probe.DefaultSampleRows, "rows to sample")
	f.BoolVar(&probeWriteFlag, "write", false, "save the draft under the metadata config directory")
}

func runProbe(cmd *cobra.Command, args []string) error {
	opt := probe.Options{
		Path:       args[0],
		Format:     probeFormatFlag,
		PipelineID: probeIDFlag,
		Kind:       probeKindFlag,
		Target:     probeTargetFlag,
		SampleRows: probeRowsFlag,
	}
	p, doc, err := probe.Run(cmd.Context(), opt)
	if err != nil {
		return err
	}

	data := pterm.TableData{{"Column", "Kind", "Values", "Distinct", "Unique", "Capped"}}
	for _, c := range p.Ranked() {
		data = append(data, []string{
			c.Name,
			c.Kind.String(),
			strconv.Itoa(c.Values),
			strconv.Itoa(c.Distinct),
			fmt.Sprintf("%.1f%%", c.Ratio()*100),
			strconv.FormatBool(c.Capped),
		})
	}
	pterm.Info.Printf("sampled %d rows from %s\n", p.Rows, opt.Path)
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	if p.Keys == nil && opt.Kind != "append" {
		pterm.Warning.Println("no unique column or column pair in the sample; fill in primary_keys")
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode draft")
	}
	out = append(out, '\n')
	if !probeWriteFlag {
		_, err = os.Stdout.Write(out)
		return err
	}

	path := filepath.Join(metadataDir(), pipeline.ConfigDir, doc["pipeline_id"].(string)+".json")
	if _, err := os.Stat(path); err == nil {
		return errors.WithHint(errors.Newf("%s already exists", path), "remove it or pick another --id")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create config directory")
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	pterm.Success.Printf("draft written to %s\n", path)
	return nil
}
