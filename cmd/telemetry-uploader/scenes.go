package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/telemetry-uploader/pkg/export"
	"github.com/zoff-tech/telemetry-uploader/pkg/orchestrator"
	"github.com/zoff-tech/telemetry-uploader/pkg/scene"
	"github.com/zoff-tech/telemetry-uploader/pkg/tick"
	"github.com/zoff-tech/telemetry-uploader/pkg/upload"
)

const watchDebounce = 500 * time.Millisecond

func newScenesCmd(a *app) *cobra.Command {
	var (
		listFile  string
		watch     bool
		onFailure string
	)
	cmd := &cobra.Command{
		Use:   "scenes",
		Short: "Export and upload the selected scenes, one at a time",
		Long: "scenes opens each selected scene in the list, exports it with the configured exporter " +
			"and uploads geometry, thumbnail, meshes and the dynamic object manifest.\n\n" +
			"Exit status: 0 every selected scene uploaded, 4 some scenes failed or were skipped, 1 error.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("list") {
				a.cfg.Scenes.ListFile = listFile
			}
			if a.cfg.Scenes.ListFile == "" {
				return fmt.Errorf("no scene list: pass --list or set scenes.list_file")
			}
			if a.cfg.Endpoint.BaseURL == "" {
				return errors.New("scene uploads need endpoint.base_url")
			}
			policy, err := haltPolicy(onFailure)
			if err != nil {
				return err
			}
			if err := a.setup(cmd); err != nil {
				return err
			}
			defer a.teardown()

			o, err := a.newOrchestrator(policy)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			entries, err := scene.LoadList(a.cfg.Scenes.ListFile)
			if err != nil {
				return err
			}
			results, err := runScenes(ctx, o, entries, a.cfg.Upload.TickInterval)
			if err != nil {
				return err
			}
			a.report(cmd, results)

			if !watch {
				return nil
			}
			return a.watchScenes(cmd, o)
		},
	}
	cmd.Flags().StringVar(&listFile, "list", "", "scene list file (overrides scenes.list_file)")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and process the list again whenever it changes")
	cmd.Flags().StringVar(&onFailure, "on-failure", "skip", "what to do when a scene cannot be exported: skip, retry-once or abort")
	return cmd
}

func (a *app) newOrchestrator(policy func(orchestrator.Halt) orchestrator.Decision) (*orchestrator.Orchestrator, error) {
	settings, err := scene.OpenSettingsStore(a.cfg.Scenes.SettingsFile)
	if err != nil {
		return nil, err
	}

	sched := tick.NewScheduler()
	api := upload.NewHTTPSceneAPI(a.client(), a.cfg.Endpoint.BaseURL)
	driver := upload.NewDriver(api, export.FileThumbnailer{}, sched, a.log)

	opts := orchestrator.OptionsFrom(*a.cfg)
	opts.OnHalt = policy
	return orchestrator.New(
		export.NewHeadlessHost(a.log),
		export.NewCommandExporter(a.cfg.Export, a.log),
		settings, driver, sched, opts, a.log, a.bus,
	), nil
}

// watchScenes processes the list again after every change until interrupted.
func (a *app) watchScenes(cmd *cobra.Command, o *orchestrator.Orchestrator) error {
	ctx := cmd.Context()
	changes := make(chan []scene.Entry, 1)
	watchErr := make(chan error, 1)

	go func() {
		watchErr <- scene.WatchList(ctx, a.cfg.Scenes.ListFile, watchDebounce, a.log, func(entries []scene.Entry) {
			// Keep only the latest list.
			select {
			case <-changes:
			default:
			}
			changes <- entries
		})
	}()

	a.log.Info().Str("list", a.cfg.Scenes.ListFile).Msg("watching scene list")
	for {
		select {
		case <-ctx.Done():
			return <-watchErr
		case err := <-watchErr:
			return err
		case entries := <-changes:
			results, err := runScenes(ctx, o, entries, a.cfg.Upload.TickInterval)
			if err != nil {
				return err
			}
			a.report(cmd, results)
		}
	}
}

func (a *app) report(cmd *cobra.Command, results []orchestrator.SceneResult) {
	out := cmd.OutOrStdout()
	for _, r := range results {
		if r.Outcome == orchestrator.OutcomeUnselected {
			continue
		}
		line := fmt.Sprintf("%-10s %s", r.Outcome, r.Path)
		if r.SceneID != "" {
			line += fmt.Sprintf(" scene=%s version=%d", r.SceneID, r.Version)
		}
		if r.Err != nil {
			line += fmt.Sprintf(" error=%q", r.Err.Error())
		}
		fmt.Fprintln(out, line)
	}
	a.exitCode = scenesExitCode(results)
}

// runScenes drives o over entries until the run ends. Canceling ctx aborts
// the run on the next tick.
func runScenes(ctx context.Context, o *orchestrator.Orchestrator, entries []scene.Entry, every time.Duration) ([]orchestrator.SceneResult, error) {
	if err := o.Begin(context.WithoutCancel(ctx), entries); err != nil {
		return nil, err
	}

	src := tick.NewInterval(every)
	src.OnTick(func() {
		if ctx.Err() == nil {
			return
		}
		if st := o.Status(); st == orchestrator.StatusRunning || st == orchestrator.StatusHalted {
			_ = o.Abort()
		}
	})

	var results []orchestrator.SceneResult
	o.Attach(src, func(r []orchestrator.SceneResult) { results = r })

	if err := src.Run(context.WithoutCancel(ctx)); err != nil {
		return results, err
	}
	return results, nil
}

// haltPolicy maps an --on-failure value to the decision taken when a scene
// halts. retry-once retries each scene at most once per run.
func haltPolicy(name string) (func(orchestrator.Halt) orchestrator.Decision, error) {
	switch name {
	case "skip":
		return func(orchestrator.Halt) orchestrator.Decision { return orchestrator.DecisionSkip }, nil
	case "abort":
		return func(orchestrator.Halt) orchestrator.Decision { return orchestrator.DecisionAbort }, nil
	case "retry-once":
		return func(h orchestrator.Halt) orchestrator.Decision {
			if h.Retries == 0 {
				return orchestrator.DecisionRetry
			}
			return orchestrator.DecisionSkip
		}, nil
	default:
		return nil, fmt.Errorf("unknown --on-failure value %q: want skip, retry-once or abort", name)
	}
}

func scenesExitCode(results []orchestrator.SceneResult) int {
	for _, r := range results {
		switch r.Outcome {
		case orchestrator.OutcomeFailed, orchestrator.OutcomeSkipped, orchestrator.OutcomeAborted:
			return exitScenesUnsettled
		}
	}
	return exitOK
}
