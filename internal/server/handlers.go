package server

import (
	"net/http"
	"strings"
	"time"

	"biliwatch/internal/core/challenge"
	"biliwatch/internal/core/discover"
	"biliwatch/internal/core/draw"
	"biliwatch/internal/core/monitor"
	"biliwatch/internal/core/resolve"
	"biliwatch/internal/core/task"
	"biliwatch/internal/logger"
	"biliwatch/internal/platform/bili"
	"biliwatch/internal/utils/parser"

	"github.com/gofiber/fiber/v2"
)

// resolveQueue is the slice of the resolution service the handlers
// need, kept narrow so tests can substitute the queue.
type resolveQueue interface {
	Enqueue(t task.Task) error
}

type Handler struct {
	log        *logger.Logger
	store      *task.Store
	resolver   resolveQueue
	monitor    *monitor.Service
	draw       *draw.Service
	challenges *challenge.Resolver
	discover   *discover.Service
	api        *bili.Client
}

func errorJSON(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

type createTaskRequest struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

// HandleCreateTask registers a promotion link and queues its
// resolution in the background.
func (h *Handler) HandleCreateTask(c *fiber.Ctx) error {
	var req createTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid JSON body")
	}
	req.Link = strings.TrimSpace(req.Link)
	if req.Link == "" {
		return errorJSON(c, http.StatusBadRequest, "link is required")
	}
	if !resolve.SupportedLink(req.Link) {
		return errorJSON(c, http.StatusBadRequest, "unsupported link, expected a b23.tv or blackboard activity URL")
	}
	if req.Name == "" {
		req.Name = req.Link
	}

	t := h.store.Create(req.Name, req.Link)
	if err := h.resolver.Enqueue(t); err != nil {
		h.log.LogErrorf("enqueue resolution for %s: %v", t.ID, err)
		h.store.Remove(t.ID)
		return errorJSON(c, http.StatusInternalServerError, "failed to queue resolution")
	}
	return c.Status(http.StatusAccepted).JSON(t)
}

func (h *Handler) HandleListTasks(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"tasks":      h.store.List(),
		"monitoring": h.monitor.Running(),
	})
}

func (h *Handler) HandleGetTask(c *fiber.Ctx) error {
	t, ok := h.store.Get(c.Params("id"))
	if !ok {
		return errorJSON(c, http.StatusNotFound, "task not found")
	}
	return c.JSON(t)
}

func (h *Handler) HandleDeleteTask(c *fiber.Ctx) error {
	h.store.Remove(c.Params("id"))
	return c.SendStatus(http.StatusNoContent)
}

// HandleRetryTask re-queues resolution for a failed task.
func (h *Handler) HandleRetryTask(c *fiber.Ctx) error {
	t, ok := h.store.Get(c.Params("id"))
	if !ok {
		return errorJSON(c, http.StatusNotFound, "task not found")
	}
	if t.Status != task.StatusFailed && t.Status != task.StatusUnresolved {
		return errorJSON(c, http.StatusConflict, "task is not in a retryable state")
	}
	// Reset before enqueueing: the worker may pick the task up
	// immediately, and a late status write here would clobber its
	// progress.
	updated, _ := h.store.Update(t.ID, func(t *task.Task) {
		t.Status = task.StatusUnresolved
		t.Error = ""
	})
	if err := h.resolver.Enqueue(updated); err != nil {
		h.log.LogErrorf("enqueue resolution for %s: %v", t.ID, err)
		h.store.Update(t.ID, func(t *task.Task) {
			t.Status = task.StatusFailed
			t.Error = "failed to queue resolution"
		})
		return errorJSON(c, http.StatusInternalServerError, "failed to queue resolution")
	}
	return c.Status(http.StatusAccepted).JSON(updated)
}

func (h *Handler) HandleStartMonitor(c *fiber.Ctx) error {
	if err := h.monitor.Start(); err != nil {
		return errorJSON(c, http.StatusConflict, err.Error())
	}
	return c.JSON(fiber.Map{"monitoring": true})
}

func (h *Handler) HandleStopMonitor(c *fiber.Ctx) error {
	h.monitor.Stop()
	return c.JSON(fiber.Map{"monitoring": false})
}

type drawRequest struct {
	Num int `json:"num"`
}

// HandleDraw spends draws manually on a resolved task, outside the
// automatic new-winner policy.
func (h *Handler) HandleDraw(c *fiber.Ctx) error {
	t, ok := h.store.Get(c.Params("id"))
	if !ok {
		return errorJSON(c, http.StatusNotFound, "task not found")
	}
	if t.SID == "" {
		return errorJSON(c, http.StatusConflict, "task has no resolved promotion id")
	}

	var req drawRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return errorJSON(c, http.StatusBadRequest, "invalid JSON body")
	}

	num := req.Num
	if num <= 0 {
		times, info, err := h.draw.Allowance(c.Context(), t.SID)
		if err != nil {
			return errorJSON(c, http.StatusBadGateway, err.Error())
		}
		h.store.Update(t.ID, func(t *task.Task) { t.Allowance = info })
		if times <= 0 {
			return errorJSON(c, http.StatusConflict, "no draws remaining")
		}
		num = times
	}

	out := h.draw.Draw(c.Context(), t.SID, num)
	h.store.Update(t.ID, func(t *task.Task) {
		t.Record(nowUnix(), outcomeAction(out.Kind), out.Message, out.Raw)
	})
	status := http.StatusOK
	if out.Kind == draw.OutcomeTooFrequent {
		status = http.StatusTooManyRequests
	}
	return c.Status(status).JSON(out)
}

// HandlePoints claims share points for a task's promotion, which
// usually grants extra draw allowance.
func (h *Handler) HandlePoints(c *fiber.Ctx) error {
	t, ok := h.store.Get(c.Params("id"))
	if !ok {
		return errorJSON(c, http.StatusNotFound, "task not found")
	}
	if t.TaskID == "" || t.Counter == "" {
		return errorJSON(c, http.StatusConflict, "task has no points identifiers")
	}
	out := h.draw.ClaimPoints(c.Context(), t.TaskID, t.Counter)
	h.store.Update(t.ID, func(t *task.Task) {
		t.Record(nowUnix(), outcomeAction(out.Kind), out.Message, out.Raw)
	})
	return c.JSON(out)
}

type winnersRequest struct {
	SID string `form:"sid"`
}

func (h *Handler) HandleWinners(c *fiber.Ctx) error {
	var req winnersRequest
	if err := parser.BindQuery(c, &req); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if req.SID == "" {
		return errorJSON(c, http.StatusBadRequest, "sid is required")
	}
	env, items, err := h.api.WinList(c.Context(), req.SID)
	if err != nil {
		return errorJSON(c, http.StatusBadGateway, err.Error())
	}
	return c.JSON(fiber.Map{
		"code":    env.Code,
		"message": env.Message,
		"winners": items,
	})
}

func (h *Handler) HandleListChallenges(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"challenges": h.challenges.Pending()})
}

func (h *Handler) HandleAnswerChallenge(c *fiber.Ctx) error {
	var a challenge.Answer
	if err := c.BodyParser(&a); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid JSON body")
	}
	if err := h.challenges.Submit(c.Params("id"), a); err != nil {
		if err == challenge.ErrNotFound {
			return errorJSON(c, http.StatusNotFound, err.Error())
		}
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	return c.JSON(fiber.Map{"accepted": true})
}

func (h *Handler) HandleReOCR(c *fiber.Ctx) error {
	text, err := h.challenges.ReOCR(c.Context(), c.Params("id"))
	if err != nil {
		if err == challenge.ErrNotFound {
			return errorJSON(c, http.StatusNotFound, err.Error())
		}
		return errorJSON(c, http.StatusBadGateway, err.Error())
	}
	return c.JSON(fiber.Map{"recognized": text})
}

func (h *Handler) HandleDiscover(c *fiber.Ctx) error {
	var req discover.Request
	if err := parser.BindQuery(c, &req); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if req.URL == "" {
		return errorJSON(c, http.StatusBadRequest, "url is required")
	}
	res, err := h.discover.Discover(req)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	return c.JSON(res)
}

// HandleDiscoverAdd crawls the seed page and bulk-creates a task for
// every promotion link found, skipping links already tracked.
func (h *Handler) HandleDiscoverAdd(c *fiber.Ctx) error {
	var req discover.Request
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid JSON body")
	}
	if req.URL == "" {
		return errorJSON(c, http.StatusBadRequest, "url is required")
	}
	res, err := h.discover.Discover(req)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	known := make(map[string]struct{})
	for _, t := range h.store.List() {
		known[t.SourceLink] = struct{}{}
	}

	created := make([]task.Task, 0, len(res.Links))
	for _, link := range res.Links {
		if _, dup := known[link]; dup {
			continue
		}
		t := h.store.Create(link, link)
		if err := h.resolver.Enqueue(t); err != nil {
			h.log.LogErrorf("enqueue resolution for %s: %v", t.ID, err)
			h.store.Remove(t.ID)
			continue
		}
		created = append(created, t)
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"discovered": len(res.Links),
		"created":    created,
	})
}

func nowUnix() int64 { return time.Now().Unix() }

func outcomeAction(k draw.OutcomeKind) task.ActionKind {
	switch k {
	case draw.OutcomeSuccess:
		return task.ActionSuccess
	case draw.OutcomeInsufficient:
		return task.ActionInsufficient
	case draw.OutcomeEnded:
		return task.ActionEnded
	case draw.OutcomePlatformError:
		return task.ActionPlatformError
	default:
		return task.ActionError
	}
}
