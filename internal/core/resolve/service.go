package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"biliwatch/internal/core/challenge"
	"biliwatch/internal/core/draw"
	"biliwatch/internal/core/extract"
	"biliwatch/internal/core/task"
	"biliwatch/internal/logger"
	"biliwatch/internal/platform/bili"
	tasksq "biliwatch/internal/platform/tasks"

	"github.com/hibiken/asynq"
)

var (
	ErrUnsupportedLink = errors.New("unsupported link: use a b23.tv short link or a bilibili.com/blackboard/ URL")
	ErrSIDNotFound     = errors.New("promotion id not found in page")
)

// SupportedLink reports whether a link is one of the two accepted forms.
// Anything else is a validation error and never reaches the network.
func SupportedLink(link string) bool {
	return strings.HasPrefix(link, "https://b23.tv/") ||
		strings.Contains(link, "bilibili.com/blackboard/")
}

// Resolution is the identifier set recovered for one promotion link.
// TaskID/Counter are best-effort: points-claiming is an optional
// follow-up, so their absence does not fail a resolution.
type Resolution struct {
	SID       string
	TaskID    string
	Counter   string
	RealURL   string
	TokenTier extract.TokenTier
}

// Payload is the asynq task body for one background resolution.
type Payload struct {
	TaskID string `json:"task_id"`
	Link   string `json:"link"`
}

type Service struct {
	store      *task.Store
	tasks      *tasksq.Client
	api        *bili.Client
	challenges *challenge.Resolver
	draw       *draw.Service
	log        *logger.Logger
	maxRetries int
}

func NewService(store *task.Store, tasksClient *tasksq.Client, api *bili.Client, challenges *challenge.Resolver, drawSvc *draw.Service, maxRetries int) *Service {
	return &Service{
		store:      store,
		tasks:      tasksClient,
		api:        api,
		challenges: challenges,
		draw:       drawSvc,
		log:        logger.New("ResolveService"),
		maxRetries: maxRetries,
	}
}

// Enqueue schedules a background resolution for a freshly created task.
func (s *Service) Enqueue(t task.Task) error {
	payload, _ := json.Marshal(Payload{TaskID: t.ID, Link: t.SourceLink})
	if err := s.tasks.Enqueue(asynq.NewTask(tasksq.TaskTypeResolve, payload), "default", s.maxRetries); err != nil {
		return err
	}
	s.log.LogInfof("enqueued resolution for task %s (%s)", t.ID, t.SourceLink)
	return nil
}

// HandleResolveTask is the asynq worker entry point: it runs the
// resolution, applies the result to the store, and claims points right
// away when both tokens came back.
func (s *Service) HandleResolveTask(ctx context.Context, tk *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(tk.Payload(), &p); err != nil {
		return err
	}
	s.store.Update(p.TaskID, func(t *task.Task) { t.Status = task.StatusResolving })

	res, err := s.Resolve(ctx, p.Link)
	now := time.Now().Unix()
	if err != nil {
		s.log.LogWarnf("resolution failed for task %s: %v", p.TaskID, err)
		s.store.Update(p.TaskID, func(t *task.Task) {
			t.Status = task.StatusFailed
			t.Error = err.Error()
			t.Record(now, task.ActionError, fmt.Sprintf("resolution failed: %v", err), nil)
		})
		// Extraction and validation failures are terminal for the
		// attempt, never retried by the queue.
		return nil
	}

	updated, ok := s.store.Update(p.TaskID, func(t *task.Task) {
		t.SID = res.SID
		t.RealURL = res.RealURL
		t.TaskID = res.TaskID
		t.Counter = res.Counter
		t.Status = task.StatusReady
		t.Error = ""
	})
	if !ok {
		return nil // task removed while resolving
	}
	s.log.LogInfof("task %s ready: sid=%s taskId=%s counter=%s", p.TaskID, res.SID, res.TaskID, res.Counter)

	if updated.TaskID != "" && updated.Counter != "" {
		out := s.draw.ClaimPoints(ctx, updated.TaskID, updated.Counter)
		s.store.Update(p.TaskID, func(t *task.Task) {
			t.Record(time.Now().Unix(), actionKind(out.Kind), out.Message, out.Raw)
		})
	}
	return nil
}

func actionKind(k draw.OutcomeKind) task.ActionKind {
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

// Resolve turns a promotional link into an identifier set. The final
// URL's own lottery_id query parameter wins over markup scraping because
// it cannot be invalidated by challenge content.
func (s *Service) Resolve(ctx context.Context, link string) (*Resolution, error) {
	link = strings.TrimSpace(link)
	if !SupportedLink(link) {
		return nil, ErrUnsupportedLink
	}

	body, finalURL, err := s.api.FetchPage(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("fetch link: %w", err)
	}

	if sid := extract.SIDFromURL(finalURL); sid != "" {
		s.log.LogInfof("sid=%s taken from resolved URL %s", sid, finalURL)
		return &Resolution{SID: sid, RealURL: s.api.ActivityURL(sid)}, nil
	}

	if ch := extract.DetectChallenge(body, s.api.WWWBase()); ch.Present {
		s.log.LogInfof("challenge detected on %s (kind=%s)", finalURL, ch.Kind)
		if _, err := s.challenges.Resolve(ctx, ch); err != nil {
			return nil, fmt.Errorf("challenge not resolved: %w", err)
		}
		// Identifiers in a challenge page are unreliable; re-fetch now
		// that the operator confirmed.
		body, _, err = s.api.FetchPage(ctx, finalURL)
		if err != nil {
			return nil, fmt.Errorf("re-fetch after challenge: %w", err)
		}
	}

	ids := extract.Extract(body)
	if ids.SID == "" {
		return nil, ErrSIDNotFound
	}
	if ids.TokenTier == extract.TierWindow {
		s.log.LogWarnf("taskId/counter for sid=%s came from the window fallback; markup may have drifted", ids.SID)
	}
	return &Resolution{
		SID:       ids.SID,
		TaskID:    ids.TaskID,
		Counter:   ids.Counter,
		RealURL:   s.api.ActivityURL(ids.SID),
		TokenTier: ids.TokenTier,
	}, nil
}
