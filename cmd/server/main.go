package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vladm3105/tradegent/internal/app"
	"github.com/vladm3105/tradegent/internal/config"
	"github.com/vladm3105/tradegent/internal/metrics"
	"github.com/vladm3105/tradegent/internal/queue"
	"github.com/vladm3105/tradegent/internal/server"
	"github.com/vladm3105/tradegent/internal/util"
	"github.com/vladm3105/tradegent/pkg/logger"
	"github.com/vladm3105/tradegent/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  debug,
		Prefix: "server",
	})
	logger.Init(consoleLogger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, metrics.New(metrics.DefaultNamespace))
	if err != nil {
		logger.Fatal("Failed to initialize engine", "err", err)
	}
	defer a.Close()

	conn, err := queue.Init(cfg.RabbitMQ)
	if err != nil {
		logger.Fatal("Failed to connect to queue", "err", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, queue.Queues, queue.DefaultRetryDelay); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}

	if err := server.Run(ctx, a, ch); err != nil {
		logger.Error("Server stopped", "err", err)
	}
}
