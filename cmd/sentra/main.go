// Package main is the entry point for the Sentra agent. The single binary
// runs the whole runtime: the adapter connection, the reply pipeline, the
// delay-queue worker, the recovery scheduler, and the admin surfaces.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/adapter"
	"github.com/sentra-ai/sentra/internal/api"
	"github.com/sentra-ai/sentra/internal/bundler"
	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/common/tracing"
	"github.com/sentra-ai/sentra/internal/contextbuilder"
	"github.com/sentra-ai/sentra/internal/delayqueue"
	"github.com/sentra-ai/sentra/internal/emotion"
	"github.com/sentra-ai/sentra/internal/events/bus"
	"github.com/sentra-ai/sentra/internal/gate"
	"github.com/sentra-ai/sentra/internal/handlers"
	"github.com/sentra-ai/sentra/internal/history"
	"github.com/sentra-ai/sentra/internal/intervention"
	"github.com/sentra-ai/sentra/internal/llm"
	"github.com/sentra-ai/sentra/internal/mcp"
	"github.com/sentra-ai/sentra/internal/mcpserver"
	"github.com/sentra-ai/sentra/internal/memory"
	"github.com/sentra-ai/sentra/internal/message"
	"github.com/sentra-ai/sentra/internal/persona"
	"github.com/sentra-ai/sentra/internal/pipeline"
	"github.com/sentra-ai/sentra/internal/preset"
	"github.com/sentra-ai/sentra/internal/recovery"
	"github.com/sentra-ai/sentra/internal/runs"
	"github.com/sentra-ai/sentra/internal/tasks"
	"github.com/sentra-ai/sentra/pkg/rpc"
)

func main() {
	// 1. Load configuration with hot reload
	store, err := config.NewStore(os.Getenv("SENTRA_CONFIG"), logger.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := store.Current
	store.Watch()

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg().Logging.Level,
		Format:     cfg().Logging.Format,
		OutputPath: cfg().Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Sentra agent...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg().NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg().NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg().NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		memBus := bus.NewMemoryEventBus(log)
		eventBus = memBus
		defer memBus.Close()
	}

	// 4. Storage: conversation history and the delayed-job queue
	historyStore, err := history.Open(ctx, cfg().History, log)
	if err != nil {
		log.Fatal("Failed to open history store", zap.Error(err))
	}
	defer historyStore.Close()

	delayStore, err := delayqueue.Open(ctx, cfg().DelayQueue, log)
	if err != nil {
		log.Fatal("Failed to open delay queue", zap.Error(err))
	}
	defer delayStore.Close()

	// 5. Executor client and the run/task registries
	executor := mcp.NewClient(cfg, log)
	runReg := runs.NewRegistry(executor, log)
	taskReg := tasks.NewRegistry(log)

	// 6. Context collaborators
	chatClient := llm.NewClient(cfg, log)
	presetLoader := preset.NewLoader(cfg, log)
	personaStore := persona.NewStore(cfg, log)
	emotionClient := emotion.NewClient(cfg, log)
	memoryStore := memory.NewStore(cfg, log)
	builder := contextbuilder.New(cfg, presetLoader, personaStore, emotionClient, memoryStore, historyStore, log)

	// 7. Adapter connection
	dispatcher := rpc.NewDispatcher()
	adapterClient := adapter.NewClient(cfg, dispatcher, log)
	adapterClient.OnOpen(func(ctx context.Context) {
		if err := adapterClient.RefreshSocialContext(ctx); err != nil {
			log.Warn("Social context refresh failed", zap.Error(err))
		}
	})

	// 8. Turn pipeline
	replyGate := gate.New(cfg, nil, log)
	pipe := pipeline.New(cfg, replyGate, taskReg, runReg, historyStore, builder,
		chatClient, executor, adapterClient, memoryStore, eventBus, log)

	// 9. Message bundler: busy conversations divert to the pending queue
	msgBundler := bundler.New(cfg,
		func(msg *message.IncomingMessage) bool {
			return taskReg.ActiveTask(msg.ConversationID()) != nil
		},
		func(msg *message.IncomingMessage) { pipe.DispatchAsync(ctx, msg) },
		func(msg *message.IncomingMessage) { taskReg.Enqueue(msg) },
		log)
	defer msgBundler.Close()

	// 10. Intake handlers
	detector := intervention.NewDetector(cfg, chatClient, taskReg, runReg, log)
	frameHandlers := handlers.New(cfg, msgBundler, historyStore, personaStore,
		emotionClient, detector, chatClient, eventBus, log)
	frameHandlers.Register(dispatcher)

	// Start blocks for the life of the link, so it gets its own goroutine;
	// a terminal error (reconnect attempts exhausted) brings the agent down.
	go func() {
		if err := adapterClient.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal("Adapter connection terminated", zap.Error(err))
		}
	}()
	defer adapterClient.Stop()

	// 11. Delay-queue worker: due jobs replay as proactive directives
	delayWorker := delayqueue.NewWorker(cfg, delayStore, func(ctx context.Context, job *delayqueue.Job) error {
		err := pipe.RunDirective(ctx, delayJobMessage(job))
		if errors.Is(err, tasks.ErrConversationBusy) {
			return delayqueue.ErrBusy
		}
		return err
	}, eventBus, log)
	delayWorker.Start(ctx)
	defer delayWorker.Stop()

	// 12. Task-recovery scheduler
	recoverer := recovery.NewScheduler(cfg, taskReg, pipe.RunDirective, eventBus, log)
	recoverer.Start(ctx)
	defer recoverer.Stop()

	// 13. Admin API
	apiServer := api.NewServer(cfg, taskReg, runReg, delayStore, adapterClient, log)
	if err := apiServer.Start(); err != nil {
		log.Fatal("Failed to start admin server", zap.Error(err))
	}

	// 14. Embedded MCP server, when enabled
	var toolServer *mcpserver.Server
	if port := cfg().Server.MCPServerPort; port > 0 {
		toolServer = mcpserver.New(port, mcpserver.Deps{
			Tasks: taskReg,
			Runs:  runReg,
			Queue: delayStore,
		}, log)
		if err := toolServer.Start(ctx); err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
	}

	log.Info("Sentra agent is running",
		zap.String("adapter", fmt.Sprintf("%s:%d", cfg().Adapter.Host, cfg().Adapter.Port)),
		zap.Int("admin_port", cfg().Server.Port))

	// 15. Wait for shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down...", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if toolServer != nil {
		if err := toolServer.Stop(shutdownCtx); err != nil {
			log.Warn("MCP server shutdown failed", zap.Error(err))
		}
	}
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Warn("Admin server shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}

	log.Info("Sentra agent stopped")
}

// delayJobMessage converts a due delay job into the proactive message the
// pipeline replays.
func delayJobMessage(job *delayqueue.Job) *message.IncomingMessage {
	kind := message.KindPrivate
	if job.Kind == "group" && job.GroupID != "" {
		kind = message.KindGroup
	}
	return &message.IncomingMessage{
		Kind:             kind,
		SenderID:         job.UserID,
		GroupID:          job.GroupID,
		Text:             job.Text,
		Proactive:        true,
		DisablePreReply:  true,
		RootDirectiveXML: job.Directive,
	}
}
