package challenge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biliwatch/internal/core/extract"
	"biliwatch/internal/platform/ocr"
)

func waitForPending(t *testing.T, r *Resolver) Pending {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pending := r.Pending(); len(pending) > 0 {
			return pending[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no challenge became pending")
	return Pending{}
}

func TestResolveClickChallenge(t *testing.T) {
	r := NewResolver(nil)
	ch := extract.Challenge{
		Present:  true,
		Kind:     extract.KindClick,
		ImageURL: "https://example.com/captcha.png",
		Prompt:   "图片中的文字",
	}

	type result struct {
		a   Answer
		err error
	}
	done := make(chan result, 1)
	go func() {
		a, err := r.Resolve(context.Background(), ch)
		done <- result{a, err}
	}()

	p := waitForPending(t, r)
	assert.Equal(t, extract.KindClick, p.Kind)
	assert.Equal(t, "图片中的文字", p.Prompt)

	require.NoError(t, r.Submit(p.ID, Answer{Clicks: []Point{{X: 25, Y: 70}}}))
	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.a.Clicks, 1)
	assert.Equal(t, 25.0, res.a.Clicks[0].X)

	// Answered challenges leave the pending set.
	assert.Empty(t, r.Pending())
}

func TestResolveSkip(t *testing.T) {
	r := NewResolver(nil)
	errs := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), extract.Challenge{Present: true, Kind: extract.KindText})
		errs <- err
	}()

	p := waitForPending(t, r)
	require.NoError(t, r.Submit(p.ID, Answer{Skip: true}))
	assert.ErrorIs(t, <-errs, ErrSkipped)
}

func TestResolveContextCancelled(t *testing.T) {
	r := NewResolver(nil)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, extract.Challenge{Present: true, Kind: extract.KindClick})
		errs <- err
	}()

	waitForPending(t, r)
	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
}

func TestSubmitValidation(t *testing.T) {
	r := NewResolver(nil)
	go func() {
		_, _ = r.Resolve(context.Background(), extract.Challenge{Present: true, Kind: extract.KindClick})
	}()
	p := waitForPending(t, r)

	assert.Error(t, r.Submit(p.ID, Answer{}), "click challenge without clicks")
	assert.ErrorIs(t, r.Submit("no-such-id", Answer{Skip: true}), ErrNotFound)

	require.NoError(t, r.Submit(p.ID, Answer{Clicks: []Point{{X: 1, Y: 1}}}))
}

func TestSubmitTextFallsBackToRecognized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"body": "ocr text"})
	}))
	defer srv.Close()

	r := NewResolver(ocr.New(srv.URL))
	type result struct {
		a   Answer
		err error
	}
	done := make(chan result, 1)
	go func() {
		a, err := r.Resolve(context.Background(), extract.Challenge{
			Present:  true,
			Kind:     extract.KindText,
			ImageURL: "https://example.com/img.png",
		})
		done <- result{a, err}
	}()

	p := waitForPending(t, r)
	assert.Equal(t, "ocr text", p.Recognized)

	// Empty text means confirm whatever OCR produced.
	require.NoError(t, r.Submit(p.ID, Answer{}))
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "ocr text", res.a.Text)
}

func TestSubmitTextRequiresAnswerWithoutOCR(t *testing.T) {
	r := NewResolver(nil)
	go func() {
		_, _ = r.Resolve(context.Background(), extract.Challenge{Present: true, Kind: extract.KindText})
	}()
	p := waitForPending(t, r)

	assert.Error(t, r.Submit(p.ID, Answer{}))
	require.NoError(t, r.Submit(p.ID, Answer{Text: "typed by hand"}))
}

func TestReOCRUpdatesRecognized(t *testing.T) {
	responses := []string{"first pass", "second pass"}
	i := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"body": responses[i]})
		i++
	}))
	defer srv.Close()

	r := NewResolver(ocr.New(srv.URL))
	go func() {
		_, _ = r.Resolve(context.Background(), extract.Challenge{
			Present:  true,
			Kind:     extract.KindText,
			ImageURL: "https://example.com/img.png",
		})
	}()

	p := waitForPending(t, r)
	assert.Equal(t, "first pass", p.Recognized)

	text, err := r.ReOCR(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "second pass", text)
	assert.Equal(t, "second pass", r.Pending()[0].Recognized)

	require.NoError(t, r.Submit(p.ID, Answer{Skip: true}))
}

func TestReOCRWithoutService(t *testing.T) {
	r := NewResolver(nil)
	go func() {
		_, _ = r.Resolve(context.Background(), extract.Challenge{Present: true, Kind: extract.KindText, ImageURL: "https://x/img.png"})
	}()
	p := waitForPending(t, r)

	_, err := r.ReOCR(context.Background(), p.ID)
	assert.Error(t, err)
	_, err = r.ReOCR(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.Submit(p.ID, Answer{Skip: true}))
}
