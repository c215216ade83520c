// Package challenge bridges the automated resolution flow and the human
// operator. Text challenges get a best-effort OCR pass the operator can
// override or re-run; click challenges always need the operator, who
// answers with coordinates normalized to percent of the image so the
// answer is independent of display size.
package challenge

import (
	"context"
	"errors"
	"sync"
	"time"

	"biliwatch/internal/core/extract"
	"biliwatch/internal/logger"
	"biliwatch/internal/platform/ocr"

	"github.com/google/uuid"
)

var (
	ErrSkipped  = errors.New("challenge skipped by operator")
	ErrNotFound = errors.New("no pending challenge with that id")
)

// Point is a click position in percent of the image's width and height.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Answer is the operator's response to a pending challenge.
type Answer struct {
	Text   string  `json:"text,omitempty"`
	Clicks []Point `json:"clicks,omitempty"`
	Skip   bool    `json:"skip,omitempty"`
}

// Pending is the operator-facing view of a challenge awaiting an answer.
type Pending struct {
	ID         string                `json:"id"`
	Kind       extract.ChallengeKind `json:"kind"`
	ImageURL   string                `json:"image_url,omitempty"`
	Prompt     string                `json:"prompt,omitempty"`
	Recognized string                `json:"recognized,omitempty"`
	OCRError   string                `json:"ocr_error,omitempty"`
	CreatedAt  int64                 `json:"created_at"`
}

type pendingChallenge struct {
	view    Pending
	answers chan Answer
}

// Resolver holds no state beyond the set of currently pending
// challenges; each Resolve call is its own
// detected -> (ocr | manual) -> confirmed -> (resolved | skipped)
// state machine.
type Resolver struct {
	ocr *ocr.Client // nil when no OCR collaborator is configured
	log *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingChallenge
}

func NewResolver(ocrClient *ocr.Client) *Resolver {
	return &Resolver{
		ocr:     ocrClient,
		log:     logger.New("ChallengeResolver"),
		pending: make(map[string]*pendingChallenge),
	}
}

// Resolve surfaces the challenge to the operator and blocks until it is
// answered, skipped, or the context ends. Text challenges are pre-filled
// with an OCR attempt when a collaborator is available.
func (r *Resolver) Resolve(ctx context.Context, ch extract.Challenge) (Answer, error) {
	view := Pending{
		ID:        uuid.New().String(),
		Kind:      ch.Kind,
		ImageURL:  ch.ImageURL,
		Prompt:    ch.Prompt,
		CreatedAt: time.Now().Unix(),
	}
	if ch.Kind == extract.KindText && r.ocr != nil && ch.ImageURL != "" {
		if text, err := r.ocr.Recognize(ctx, ch.ImageURL); err != nil {
			r.log.LogWarnf("ocr attempt failed for %s: %v", ch.ImageURL, err)
			view.OCRError = err.Error()
		} else {
			view.Recognized = text
		}
	}

	p := &pendingChallenge{view: view, answers: make(chan Answer, 1)}
	r.mu.Lock()
	r.pending[view.ID] = p
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, view.ID)
		r.mu.Unlock()
	}()

	r.log.LogInfof("challenge %s pending (kind=%s prompt=%q)", view.ID, ch.Kind, ch.Prompt)

	select {
	case a := <-p.answers:
		if a.Skip {
			return Answer{}, ErrSkipped
		}
		return a, nil
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	}
}

// Pending lists challenges currently awaiting an operator answer.
func (r *Resolver) Pending() []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Pending, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.view)
	}
	return out
}

// Submit delivers the operator's answer to the waiting resolution. A
// non-skip answer must carry text for a text challenge or at least one
// click for a click challenge; an empty text answer falls back to the
// last recognized text.
func (r *Resolver) Submit(id string, a Answer) error {
	r.mu.Lock()
	p, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if !a.Skip {
		switch p.view.Kind {
		case extract.KindClick:
			if len(a.Clicks) == 0 {
				return errors.New("click challenge needs at least one click position")
			}
		default:
			if a.Text == "" {
				a.Text = p.view.Recognized
			}
			if a.Text == "" {
				return errors.New("text challenge needs an answer")
			}
		}
	}
	select {
	case p.answers <- a:
		return nil
	default:
		return errors.New("challenge already answered")
	}
}

// ReOCR re-invokes the OCR collaborator for a pending text challenge and
// updates the recognized text the operator sees.
func (r *Resolver) ReOCR(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	p, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}
	if r.ocr == nil {
		return "", errors.New("no ocr service configured")
	}
	if p.view.ImageURL == "" {
		return "", errors.New("challenge has no image to recognize")
	}
	text, err := r.ocr.Recognize(ctx, p.view.ImageURL)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	if cur, ok := r.pending[id]; ok {
		cur.view.Recognized = text
		cur.view.OCRError = ""
	}
	r.mu.Unlock()
	return text, nil
}
