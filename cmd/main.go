package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	"biliwatch/internal/config"
	"biliwatch/internal/core/challenge"
	"biliwatch/internal/core/discover"
	"biliwatch/internal/core/draw"
	"biliwatch/internal/core/monitor"
	"biliwatch/internal/core/resolve"
	"biliwatch/internal/core/task"
	"biliwatch/internal/core/winner"
	"biliwatch/internal/credential"
	"biliwatch/internal/logger"
	"biliwatch/internal/platform/bili"
	"biliwatch/internal/platform/ocr"
	rds "biliwatch/internal/platform/redis"
	tasks "biliwatch/internal/platform/tasks"
	"biliwatch/internal/server"
)

func main() {
	cfg := config.Load()
	log.Printf("[biliwatch] starting at %s (env=%s)\n", cfg.HTTPAddr, cfg.AppEnv)

	logr := logger.New("main")

	redisSvc, err := rds.New(rds.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer redisSvc.Close()

	taskClient := tasks.New(redisSvc)
	asynqServer := asynq.NewServer(redisSvc.AsynqRedisOpt(), asynq.Config{
		Concurrency: 10,
		Queues:      map[string]int{"default": 1},
	})

	// Platform clients
	cred := credential.NewStore(cfg.CookiePath)
	apiClient := bili.New(bili.Options{
		APIBaseURL: cfg.APIBaseURL,
		WWWBaseURL: cfg.WWWBaseURL,
		Cred:       cred,
	})
	var ocrClient *ocr.Client
	if cfg.OCRServiceURL != "" {
		ocrClient = ocr.New(cfg.OCRServiceURL)
	} else {
		logr.LogWarn("OCR_SERVICE_URL not set, challenges require manual answers")
	}

	// Core services
	store := task.NewStore(redisSvc)
	store.Restore(context.Background())
	challengeResolver := challenge.NewResolver(ocrClient)
	drawSvc := draw.New(apiClient, cfg.DrawMinInterval)
	resolveSvc := resolve.NewService(store, taskClient, apiClient, challengeResolver, drawSvc, cfg.TaskMaxRetries)
	pollerSvc := winner.New(apiClient)
	monitorSvc := monitor.New(store, pollerSvc, drawSvc, monitor.Options{
		TaskDelay:   cfg.TaskDelay,
		PassDelay:   cfg.PassDelay,
		StaleWindow: cfg.StaleWindow,
	})
	discoverSvc := discover.New(bili.UserAgent)

	// Worker mux
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TaskTypeResolve, resolveSvc.HandleResolveTask)
	go func() {
		if err := asynqServer.Start(mux); err != nil {
			log.Printf("[worker] stopped: %v\n", err)
		}
	}()

	app := fiber.New(fiber.Config{
		AppName: "Biliwatch",
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})

	deps := server.Dependencies{
		Store:      store,
		Resolve:    resolveSvc,
		Monitor:    monitorSvc,
		Draw:       drawSvc,
		Challenges: challengeResolver,
		Discover:   discoverSvc,
		API:        apiClient,
		Credential: cred,
		Redis:      redisSvc,
	}
	healthHandler := server.RegisterRoutes(app, deps)

	go func() {
		time.Sleep(2 * time.Second)
		healthHandler.SetReady()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logr.LogInfo("shutting down...")
		monitorSvc.Stop()
		asynqServer.Shutdown()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		log.Fatalf("server listen: %v", err)
	}
}
