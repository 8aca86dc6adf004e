// Command looper is the operator CLI for the loop-sampler engine. The
// interactive performance surface (pad grid, waveform view, file-open
// dialog) is an external UI collaborator; this binary exposes the same
// engine operations from the terminal: load a project, list pads,
// trigger/stop playback, and tail the message bus.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"looper/internal/bus"
	"looper/internal/engine"
	"looper/internal/store"
)

const defaultSampleRate = 48000

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var projectDir string
	var sampleRate int

	root := &cobra.Command{
		Use:   "looper",
		Short: "Loop-sampler engine CLI",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&projectDir, "project-dir", defaultProjectDir(), "project root directory (holds samples/ and the config file)")
	root.PersistentFlags().IntVar(&sampleRate, "sample-rate", defaultSampleRate, "output sample rate in Hz")

	root.AddCommand(
		newRunCmd(&projectDir, &sampleRate),
		newPadsCmd(&projectDir),
		newLoadCmd(&projectDir, &sampleRate),
		newUnloadCmd(&projectDir, &sampleRate),
		newAnalyzeCmd(&projectDir, &sampleRate),
		newTriggerCmd(&projectDir, &sampleRate),
		newStopCmd(&projectDir, &sampleRate),
	)
	return root
}

func defaultProjectDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return dir + "/flitzis-looper"
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func configPath(projectDir string) string {
	return projectDir + "/samples/flitzis_looper.config.json"
}

// newRunCmd starts the engine, runs until interrupted, and logs
// loader/analysis success and error messages to stderr.
func newRunCmd(projectDir *string, sampleRate *int) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the audio engine and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			c := engine.New(*projectDir, *sampleRate, logger)
			c.LoadProject(configPath(*projectDir))
			c.OnMessage = func(msg bus.Message) {
				switch msg.Kind {
				case bus.MsgLoaderSuccess, bus.MsgLoaderError, bus.MsgAnalysisSuccess, bus.MsgAnalysisError:
					logger.Info("loader event", "pad", msg.PadID, "kind", msg.Kind, "err", msg.Err)
				}
			}

			if err := c.Start(); err != nil {
				return fmt.Errorf("start engine: %w", err)
			}
			defer c.Stop()

			logger.Info("looper running, press ctrl-c to stop")
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			logger.Info("shutting down")
			return nil
		},
	}
}

func newPadsCmd(projectDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pads",
		Short: "List loaded pads and their sample paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := engine.New(*projectDir, defaultSampleRate, newLogger())
			c.LoadProject(configPath(*projectDir))
			for i := 0; i < store.NumPads; i++ {
				cfg := c.Store.Pad(i).Config
				if cfg.SamplePath == "" {
					continue
				}
				fmt.Printf("pad %3d: %s\n", i, cfg.SamplePath)
			}
			return nil
		},
	}
}

func newLoadCmd(projectDir *string, sampleRate *int) *cobra.Command {
	var analyze bool
	cmd := &cobra.Command{
		Use:   "load <pad> <file>",
		Short: "Load a sample onto a pad, optionally running beat/key analysis",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			padID, path := args[0], args[1]
			var pad int
			if _, err := fmt.Sscanf(padID, "%d", &pad); err != nil {
				return fmt.Errorf("invalid pad id %q: %w", padID, err)
			}

			logger := newLogger()
			c := engine.New(*projectDir, *sampleRate, logger)
			c.LoadProject(configPath(*projectDir))

			if err := c.LoadPad(pad, path, analyze); err != nil {
				return err
			}
			c.Loader.Wait()

			cfg := c.Store.Pad(pad).Config
			if cfg.SamplePath == "" {
				return fmt.Errorf("load failed: see logs")
			}
			fmt.Printf("pad %d loaded: %s (%.2fs)\n", pad, cfg.SamplePath, c.Store.Pad(pad).DurationS)
			return nil
		},
	}
	cmd.Flags().BoolVar(&analyze, "analyze", true, "run beat/key analysis after decoding")
	return cmd
}

func newUnloadCmd(projectDir *string, sampleRate *int) *cobra.Command {
	return &cobra.Command{
		Use:   "unload <pad>",
		Short: "Clear a pad's loaded sample",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pad int
			if _, err := fmt.Sscanf(args[0], "%d", &pad); err != nil {
				return fmt.Errorf("invalid pad id %q: %w", args[0], err)
			}

			c := engine.New(*projectDir, *sampleRate, newLogger())
			c.LoadProject(configPath(*projectDir))
			c.Loader.Wait()

			if err := c.UnloadPad(pad); err != nil {
				return err
			}
			if err := c.Project.Flush(); err != nil {
				return err
			}
			fmt.Printf("pad %d unloaded\n", pad)
			return nil
		},
	}
}

func newAnalyzeCmd(projectDir *string, sampleRate *int) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <pad>",
		Short: "Re-run beat/key analysis on a pad that already has a sample loaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pad int
			if _, err := fmt.Sscanf(args[0], "%d", &pad); err != nil {
				return fmt.Errorf("invalid pad id %q: %w", args[0], err)
			}

			c := engine.New(*projectDir, *sampleRate, newLogger())
			c.LoadProject(configPath(*projectDir))
			c.Loader.Wait()

			if err := c.AnalyzePad(pad); err != nil {
				return err
			}
			c.Loader.Wait()

			cfg := c.Store.Pad(pad).Config
			if cfg.Analysis == nil {
				return fmt.Errorf("analyze failed: see logs")
			}
			fmt.Printf("pad %d: bpm=%.1f key=%s\n", pad, cfg.Analysis.BPM, cfg.Analysis.Key)
			return nil
		},
	}
}

func newTriggerCmd(projectDir *string, sampleRate *int) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <pad>",
		Short: "Trigger a pad on a short-lived engine started by this command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunningEngine(*projectDir, *sampleRate, args[0], func(c *engine.Controller, pad int) error {
				return c.Deck.TriggerPad(pad)
			})
		},
	}
}

func newStopCmd(projectDir *string, sampleRate *int) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <pad>",
		Short: "Stop a playing pad",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunningEngine(*projectDir, *sampleRate, args[0], func(c *engine.Controller, pad int) error {
				return c.Deck.StopPad(pad)
			})
		},
	}
}

// withRunningEngine is a thin helper for one-shot pad commands: it starts
// a fresh engine instance, applies the action, lets one buffer's worth of
// audio flush, and stops cleanly. A long-running session should instead
// hold the bus/deck returned by engine.New across many calls from within
// a single process (as "run" does); this command-per-invocation shape is
// meant for scripting and demos.
func withRunningEngine(projectDir string, sampleRate int, padArg string, action func(*engine.Controller, int) error) error {
	var pad int
	if _, err := fmt.Sscanf(padArg, "%d", &pad); err != nil {
		return fmt.Errorf("invalid pad id %q: %w", padArg, err)
	}

	logger := newLogger()
	c := engine.New(projectDir, sampleRate, logger)
	c.LoadProject(configPath(projectDir))

	if err := c.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer c.Stop()

	if err := action(c, pad); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return nil
}
