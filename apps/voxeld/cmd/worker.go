package cmd

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxelbench/voxelbench/pkg/llm"
	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/sandbox"
	"github.com/voxelbench/voxelbench/pkg/script"
	"github.com/voxelbench/voxelbench/pkg/stages"
)

// workerCmd consumes the stage queues and executes attempts.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run stage workers",
	Run:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := bootstrap(ctx)
	if err != nil {
		log.Fatalf("❌ %v\n", err)
	}
	defer d.close()

	engine, err := sandbox.NewDockerEngine()
	if err != nil {
		d.log.Fatal("docker engine unavailable", "err", err)
	}

	dispatcher := pipeline.NewDispatcher(d.machine, d.store, d.queue, d.notes, d.log)

	stages.RegisterAll(dispatcher, stages.Deps{
		Recorder:  d.recorder,
		Prompts:   stages.PassthroughPrompts{},
		Templates: defaultTemplates(),
		LLM: llm.NewHTTPClient(llm.HTTPConfig{
			BaseURL: d.cfg.LLMBaseURL,
			APIKey:  d.cfg.LLMAPIKey,
		}),
		Validator: &script.Validator{MaxCommands: 10000},
		Engine:    engine,
		Sandbox: sandbox.Config{
			ServerImage:  d.cfg.ServerImage,
			BuilderImage: d.cfg.BuilderImage,
			CommandDelay: 100 * time.Millisecond,
		},
		Renderer: &stages.ExecRenderer{Binary: d.cfg.RenderBinary},
		Log:      d.log,
	})

	d.log.Info("workers starting")
	dispatcher.Run(ctx)
	d.log.Info("workers drained, shutting down")
}
