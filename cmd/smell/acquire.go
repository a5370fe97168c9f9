package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/banshee-data/smell.report/internal/acquire"
	"github.com/banshee-data/smell.report/internal/api"
	"github.com/banshee-data/smell.report/internal/batchfile"
	"github.com/banshee-data/smell.report/internal/catalog"
	"github.com/banshee-data/smell.report/internal/config"
	"github.com/banshee-data/smell.report/internal/fsutil"
	"github.com/banshee-data/smell.report/internal/serialmux"
	"github.com/banshee-data/smell.report/internal/volume"
)

// portFactory opens the serial device; nil means real hardware.
var portFactory serialmux.SerialPortFactory

func newAcquireCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Record sensor lines into rotating CSV batch files",
		Long: `Read lines from the serial port, bind them to the field list and append each
as a row to <output-dir>/<prefix><N>.csv. A new file is started every
--rotate-every rows. Runs until interrupted or until the port or the output
volume fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if err := applyAcquireFlags(cmd, cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAcquire(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.String("port", config.DefaultPort, "Serial device path")
	f.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	f.String("parity", "N", "Serial parity (N, E or O)")
	f.String("output-dir", config.DefaultOutputDir, "Directory for batch files (must already exist)")
	f.String("prefix", batchfile.DefaultPrefix, "Batch file name prefix")
	f.StringSlice("fields", nil, "Comma separated field names (default: the sensor board's eight fields)")
	f.Int("rotate-every", config.DefaultRotateEvery, "Rows per batch file")
	f.Int("start-sequence", config.DefaultStartSequence, "Sequence number of the first batch file")
	f.String("catalog", config.DefaultCatalogPath, "sqlite catalog path (empty to disable)")
	f.String("listen", "", "Admin HTTP listen address, e.g. localhost:8080 (empty to disable)")
	f.String("replay", "", "Replay lines from this file instead of opening the port (dev mode)")
	f.Duration("replay-interval", config.DefaultReplayInterval, "Delay between replayed lines")
	return cmd
}

// applyAcquireFlags copies explicitly set flags over the config file values.
func applyAcquireFlags(cmd *cobra.Command, cfg *config.AcquireConfig) error {
	f := cmd.Flags()
	str := func(name string, dst **string) {
		if f.Changed(name) {
			v, _ := f.GetString(name)
			*dst = &v
		}
	}
	num := func(name string, dst **int) {
		if f.Changed(name) {
			v, _ := f.GetInt(name)
			*dst = &v
		}
	}

	str("port", &cfg.Port)
	num("baud", &cfg.BaudRate)
	str("parity", &cfg.Parity)
	str("output-dir", &cfg.OutputDir)
	str("prefix", &cfg.FilePrefix)
	num("rotate-every", &cfg.RotateEvery)
	num("start-sequence", &cfg.StartSequence)
	str("catalog", &cfg.CatalogPath)
	str("listen", &cfg.Listen)
	str("replay", &cfg.ReplayFile)
	if f.Changed("fields") {
		cfg.Fields, _ = f.GetStringSlice("fields")
	}
	if f.Changed("replay-interval") {
		d, _ := f.GetDuration("replay-interval")
		s := d.String()
		cfg.ReplayInterval = &s
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// openSource opens the serial port, or the replay fixture in dev mode.
func openSource(cfg *config.AcquireConfig) (*serialmux.LineReader, string, error) {
	if replay := cfg.GetReplayFile(); replay != "" {
		data, err := os.ReadFile(replay)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read replay file: %w", err)
		}
		var lines []string
		for _, l := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
			if l != "" {
				lines = append(lines, l)
			}
		}
		log.Printf("dev mode: replaying %d lines from %s every %s", len(lines), replay, cfg.GetReplayInterval())
		return serialmux.NewLineReader(serialmux.NewReplayPort(lines, cfg.GetReplayInterval())), "replay:" + replay, nil
	}

	opts, err := cfg.PortOptions().Normalise()
	if err != nil {
		return nil, "", err
	}
	lr, err := serialmux.OpenLineReader(portFactory, cfg.GetPort(), opts)
	if err != nil {
		return nil, "", err
	}
	log.Printf("opened %s at %s", cfg.GetPort(), opts)
	return lr, cfg.GetPort(), nil
}

// checkOutputDir fails early when the volume is not mounted, rather than
// creating an empty directory in its place.
func checkOutputDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return &batchfile.IOError{Path: dir, Op: "stat", Err: err}
	}
	if !info.IsDir() {
		return &batchfile.IOError{Path: dir, Op: "stat", Err: errors.New("not a directory")}
	}
	return nil
}

func runAcquire(ctx context.Context, cfg *config.AcquireConfig) (err error) {
	defer func() {
		if b := acquire.Boundary(err); b != "" {
			err = fmt.Errorf("%s failure: %w", b, err)
		}
	}()

	schema, err := cfg.Schema()
	if err != nil {
		return err
	}
	layout := cfg.Layout()
	if err := layout.Validate(); err != nil {
		return err
	}
	if err := checkOutputDir(layout.Dir); err != nil {
		return err
	}
	volume.WarnIfLow(layout.Dir, cfg.GetMinFreeBytes())

	source, portName, err := openSource(cfg)
	if err != nil {
		return err
	}
	defer source.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	tap := serialmux.NewTap()
	defer tap.Close()
	observers := []acquire.Observer{acquire.NewMetrics(reg), acquire.TapObserver{Tap: tap}}

	var (
		cat   *catalog.Catalog
		runID string
	)
	if path := cfg.GetCatalogPath(); path != "" {
		cat, err = catalog.Open(path)
		if err != nil {
			// The catalog is an index; acquisition goes on without it.
			log.Printf("catalog disabled: %v", err)
			cat = nil
		} else {
			defer cat.Close()
			rec, err := cat.StartRun(catalog.RunInfo{
				Port:        portName,
				OutputGlob:  layout.Glob(),
				Schema:      schema,
				RotateEvery: cfg.GetRotateEvery(),
			})
			if err != nil {
				log.Printf("catalog disabled: %v", err)
			} else {
				runID = rec.RunID()
				observers = append(observers, rec)
				log.Printf("catalog run %s in %s", runID, path)
			}
		}
	}

	loop, err := acquire.New(acquire.Config{
		Source:        source,
		Writer:        batchfile.NewWriter(fsutil.OSFileSystem{}),
		Schema:        schema,
		Layout:        layout,
		RotateEvery:   cfg.GetRotateEvery(),
		StartSequence: cfg.GetStartSequence(),
		Observers:     observers,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if addr := cfg.GetListen(); addr != "" {
		admin := &api.Admin{
			State:    loop,
			Tap:      tap,
			Catalog:  cat,
			Gatherer: reg,
			FS:       fsutil.OSFileSystem{},
			Layout:   layout,
			Port:     portName,
			RunID:    runID,
		}
		mux := http.NewServeMux()
		if err := admin.AttachAdminRoutes(mux); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.ListenAndServe(runCtx, addr, mux); err != nil {
				log.Printf("%v", err)
			}
		}()
	}

	err = loop.Run(runCtx)
	cancel()
	// Tail subscribers hold the admin server open until the tap closes.
	tap.Close()
	wg.Wait()

	st := loop.State()
	log.Printf("acquisition finished: %d lines, %d records, %d parse errors, %d files completed",
		st.LinesRead, st.RecordsWritten, st.ParseErrors, st.FilesCompleted)
	return err
}
