package server

import (
	"biliwatch/internal/core/challenge"
	"biliwatch/internal/core/discover"
	"biliwatch/internal/core/draw"
	"biliwatch/internal/core/monitor"
	"biliwatch/internal/core/resolve"
	"biliwatch/internal/core/task"
	"biliwatch/internal/credential"
	"biliwatch/internal/health"
	"biliwatch/internal/logger"
	"biliwatch/internal/platform/bili"
	"biliwatch/internal/platform/redis"

	"github.com/gofiber/fiber/v2"
)

type Dependencies struct {
	Store      *task.Store
	Resolve    *resolve.Service
	Monitor    *monitor.Service
	Draw       *draw.Service
	Challenges *challenge.Resolver
	Discover   *discover.Service
	API        *bili.Client
	Credential *credential.Store
	Redis      *redis.Service
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.Handler {
	healthHandler := health.NewHandler(d.Redis, d.Credential)
	app.Get("/v1/health", health.Limiter(), healthHandler.HandleHealth)

	h := &Handler{
		log:        logger.New("API"),
		store:      d.Store,
		resolver:   d.Resolve,
		monitor:    d.Monitor,
		draw:       d.Draw,
		challenges: d.Challenges,
		discover:   d.Discover,
		api:        d.API,
	}

	api := app.Group("/v1")

	api.Post("/tasks", h.HandleCreateTask)
	api.Get("/tasks", h.HandleListTasks)
	api.Get("/tasks/:id", h.HandleGetTask)
	api.Delete("/tasks/:id", h.HandleDeleteTask)
	api.Post("/tasks/:id/retry", h.HandleRetryTask)
	api.Post("/tasks/:id/draw", h.HandleDraw)
	api.Post("/tasks/:id/points", h.HandlePoints)

	api.Post("/monitor/start", h.HandleStartMonitor)
	api.Post("/monitor/stop", h.HandleStopMonitor)

	api.Get("/challenges", h.HandleListChallenges)
	api.Post("/challenges/:id/answer", h.HandleAnswerChallenge)
	api.Post("/challenges/:id/ocr", h.HandleReOCR)

	api.Get("/winners", h.HandleWinners)
	api.Get("/discover", h.HandleDiscover)
	api.Post("/discover", h.HandleDiscoverAdd)

	return healthHandler
}
