package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/banshee-data/smell.report/internal/batchfile"
	"github.com/banshee-data/smell.report/internal/catalog"
	"github.com/banshee-data/smell.report/internal/dataset"
	"github.com/banshee-data/smell.report/internal/serialmux"
	"github.com/banshee-data/smell.report/internal/volume"
)

// addDirFlag adds --output-dir, which overrides the configured directory.
func addDirFlag(cmd *cobra.Command, dir *string) {
	cmd.Flags().StringVar(dir, "output-dir", "", "Batch file directory (default from config)")
}

func (g *globalOptions) layout(dir string) (batchfile.Layout, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return batchfile.Layout{}, err
	}
	if dir != "" {
		cfg.OutputDir = &dir
	}
	layout := cfg.Layout()
	return layout, layout.Validate()
}

func (g *globalOptions) loadTable(dir string) (*dataset.Table, error) {
	layout, err := g.layout(dir)
	if err != nil {
		return nil, err
	}
	return dataset.Load(nil, layout)
}

func newSummaryCmd(g *globalOptions) *cobra.Command {
	var (
		dir     string
		asJSON  bool
		target  string
		holdout float64
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Per-field statistics over all batch files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := g.loadTable(dir)
			if err != nil {
				return err
			}
			summaries := dataset.Summarize(t)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}

			fmt.Fprintf(out, "%d rows in %d files\n\n", t.Len(), len(t.Files))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(tw, "field\tcount\tskipped\tmean\tstddev\tmin\tmedian\tmax\t")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t\n",
					s.Field, s.Count, s.Skipped, s.Mean, s.StdDev, s.Min, s.Median, s.Max)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if target == "" {
				return nil
			}
			if _, ok := t.Column(target); !ok && !cmd.Flags().Changed("target") {
				return nil
			}
			samples, err := dataset.Split(t, target)
			if err != nil {
				return err
			}
			train, test, err := dataset.TrainTestSplit(samples, holdout, 42)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\ntarget %q: %d complete rows (%d dropped), %d features, split %d train / %d test\n",
				target, samples.Rows(), samples.Dropped, len(samples.Features), train.Rows(), test.Rows())
			return nil
		},
	}
	addDirFlag(cmd, &dir)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	cmd.Flags().StringVar(&target, "target", dataset.DefaultTarget, "Column predicted by the trainer (empty to skip the split report)")
	cmd.Flags().Float64Var(&holdout, "test-fraction", 0.2, "Fraction of rows held out for testing")
	return cmd
}

func newPlotCmd(g *globalOptions) *cobra.Command {
	var dir, out string
	cmd := &cobra.Command{
		Use:   "plot [field...]",
		Short: "Write PNG trace and histogram plots per field",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := g.loadTable(dir)
			if err != nil {
				return err
			}
			written, err := dataset.PlotFields(t, out, args...)
			for _, f := range written {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return err
		},
	}
	addDirFlag(cmd, &dir)
	cmd.Flags().StringVarP(&out, "out", "o", "plots", "Directory for the PNG files")
	return cmd
}

func newFilesCmd(g *globalOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List batch files in sequence order with their row counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := g.layout(dir)
			if err != nil {
				return err
			}
			t, err := dataset.Load(nil, layout)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "seq\trows\tpath")
			for i, path := range t.Files {
				seq, _ := layout.Sequence(path)
				fmt.Fprintf(tw, "%d\t%d\t%s\n", seq, t.FileRows[i], path)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d files, %d rows\n", len(t.Files), t.Len())

			if u, err := volume.Stat(layout.Dir); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s free of %s on %s\n",
					volume.FormatBytes(u.Free), volume.FormatBytes(u.Total), layout.Dir)
			}
			return nil
		},
	}
	addDirFlag(cmd, &dir)
	return cmd
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serialmux.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func newCatalogCmd(g *globalOptions) *cobra.Command {
	var path string
	openCatalog := func() (*catalog.Catalog, error) {
		if path == "" {
			cfg, err := g.loadConfig()
			if err != nil {
				return nil, err
			}
			path = cfg.GetCatalogPath()
		}
		if path == "" {
			return nil, fmt.Errorf("no catalog configured")
		}
		return catalog.Open(path)
	}

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the sqlite run catalog",
	}
	cmd.PersistentFlags().StringVar(&path, "catalog", "", "Catalog path (default from config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending catalog migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Open migrates up.
			c, err := openCatalog()
			if err != nil {
				return err
			}
			defer c.Close()
			v, dirty, err := c.MigrateVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog %s at version %d (dirty=%v)\n", c.Path(), v, dirty)
			return nil
		},
	}, &cobra.Command{
		Use:   "version",
		Short: "Print the catalog schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCatalog()
			if err != nil {
				return err
			}
			defer c.Close()
			v, dirty, err := c.MigrateVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d dirty=%v\n", v, dirty)
			return nil
		},
	}, &cobra.Command{
		Use:   "runs",
		Short: "List recent acquisition runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCatalog()
			if err != nil {
				return err
			}
			defer c.Close()
			runs, err := c.Runs(20)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "run\tstarted\tstatus\trecords\tparse errors\tport")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.RecordsWritten, r.ParseErrors, r.Port)
			}
			return tw.Flush()
		},
	})
	return cmd
}
