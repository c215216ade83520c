package draw

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"biliwatch/internal/core/extract"
	"biliwatch/internal/logger"
	"biliwatch/internal/platform/bili"
)

type OutcomeKind string

const (
	OutcomeSuccess       OutcomeKind = "success"
	OutcomeInsufficient  OutcomeKind = "insufficient"
	OutcomeEnded         OutcomeKind = "ended"
	OutcomePlatformError OutcomeKind = "platform-error"
	OutcomeTooFrequent   OutcomeKind = "too-frequent"
	OutcomeFailure       OutcomeKind = "error"
)

// Outcome is the classified result of a draw or points-claim call.
// Network and parse failures are folded into OutcomeFailure here; they
// never escape to the caller as errors.
type Outcome struct {
	Kind    OutcomeKind     `json:"kind"`
	Message string          `json:"message"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// Service serializes draw calls across all tasks: a global single-flight
// flag rejects concurrent callers outright, and completed calls are
// spaced by a minimum interval. Serialization matters because the
// anti-replay token is captured just-in-time per call and stale tokens
// would otherwise race.
type Service struct {
	api         *bili.Client
	log         *logger.Logger
	minInterval time.Duration

	mu       sync.Mutex
	inFlight bool
	lastDone time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func New(api *bili.Client, minInterval time.Duration) *Service {
	return &Service{
		api:         api,
		log:         logger.New("DrawService"),
		minInterval: minInterval,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Draw spends num units of the promotion's allowance in one call.
// A caller arriving while another draw is in flight is rejected
// immediately; a caller arriving before the minimum interval has
// elapsed is delayed until it has.
func (s *Service) Draw(ctx context.Context, sid string, num int) Outcome {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		s.log.LogWarnf("draw sid=%s rejected: another draw in flight", sid)
		return Outcome{Kind: OutcomeTooFrequent, Message: "draw already in progress, try again later"}
	}
	s.inFlight = true
	var wait time.Duration
	if !s.lastDone.IsZero() {
		if elapsed := s.now().Sub(s.lastDone); elapsed < s.minInterval {
			wait = s.minInterval - elapsed
		}
	}
	s.mu.Unlock()

	// Released unconditionally so a failure mid-call cannot wedge the lock
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.lastDone = s.now()
		s.mu.Unlock()
	}()

	if wait > 0 {
		s.log.LogDebugf("draw sid=%s waiting %v for minimum interval", sid, wait)
		s.sleep(ctx, wait)
	}

	vtoken := ""
	if page, err := s.api.ActivityPage(ctx, sid); err != nil {
		s.log.LogWarnf("draw sid=%s: activity page fetch failed, proceeding without vtoken: %v", sid, err)
	} else {
		vtoken = extract.VToken(page)
		if vtoken == "" {
			s.log.LogWarnf("draw sid=%s: no vtoken in activity page", sid)
		}
	}

	env, err := s.api.Do(ctx, sid, num, vtoken)
	if err != nil {
		return Outcome{Kind: OutcomeFailure, Message: fmt.Sprintf("draw request failed: %v", err)}
	}
	out := classifyDraw(env, num)
	s.log.LogInfof("draw sid=%s num=%d -> %s: %s", sid, num, out.Kind, out.Message)
	return out
}

func classifyDraw(env *bili.Envelope, num int) Outcome {
	raw, _ := json.Marshal(env)
	switch {
	case env.Code == bili.CodeSuccess:
		return Outcome{Kind: OutcomeSuccess, Message: fmt.Sprintf("draw succeeded, spent %d draws", num), Raw: raw}
	case env.Code == bili.CodeInsufficient:
		return Outcome{Kind: OutcomeInsufficient, Message: "no draws remaining", Raw: raw}
	case env.Code == bili.CodeEnded:
		return Outcome{Kind: OutcomeEnded, Message: "promotion has ended", Raw: raw}
	case env.Code == bili.CodeBadRequest && strings.Contains(env.Message, "Type"):
		// Platform signals automated calls should stop, not retry
		return Outcome{Kind: OutcomePlatformError, Message: "draw endpoint rejected the request, stopping", Raw: raw}
	default:
		return Outcome{Kind: OutcomeFailure, Message: fmt.Sprintf("draw failed: %s", env.Message), Raw: raw}
	}
}

// Allowance queries the remaining draw allowance for a promotion.
func (s *Service) Allowance(ctx context.Context, sid string) (int, *bili.MyTimes, error) {
	env, times, err := s.api.MyTimes(ctx, sid)
	if err != nil {
		return 0, nil, err
	}
	if env.Code != bili.CodeSuccess {
		return 0, nil, fmt.Errorf("mytimes sid=%s: code %d: %s", sid, env.Code, env.Message)
	}
	return times.Times, times, nil
}

// ClaimPoints posts one idempotent-intent points claim for a resolved
// taskId/counter pair. No retry; the outcome is classified purely from
// the platform's response code.
func (s *Service) ClaimPoints(ctx context.Context, activity, business string) Outcome {
	env, err := s.api.SendPoints(ctx, activity, business)
	if err != nil {
		return Outcome{Kind: OutcomeFailure, Message: fmt.Sprintf("points claim failed: %v", err)}
	}
	raw, _ := json.Marshal(env)
	if env.Code == bili.CodeSuccess {
		return Outcome{Kind: OutcomeSuccess, Message: "points claimed", Raw: raw}
	}
	return Outcome{Kind: OutcomeFailure, Message: fmt.Sprintf("points claim failed: %s", env.Message), Raw: raw}
}
