// Package navigator turns session redirects into real navigations: an HTTP
// redirect on the response of the request being served, or the system browser
// when no request is in flight.
package navigator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"sync"
)

var ErrNoTarget = errors.New("no response or fallback to navigate with")

type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

type contextKey int

const (
	responseKey contextKey = iota
	recorderKey
)

type response struct {
	w http.ResponseWriter
	r *http.Request

	mu        sync.Mutex
	navigated bool
}

// WithResponse binds the response of the request being served to ctx so that
// a navigation during the request becomes a 302 on that response.
func WithResponse(ctx context.Context, w http.ResponseWriter, r *http.Request) context.Context {
	return context.WithValue(ctx, responseKey, &response{w: w, r: r})
}

// Navigated reports whether a redirect has been written for the response bound
// to ctx.
func Navigated(ctx context.Context) bool {
	resp, ok := ctx.Value(responseKey).(*response)
	if !ok {
		return false
	}
	resp.mu.Lock()
	defer resp.mu.Unlock()
	return resp.navigated
}

// Recorder captures a navigation instead of performing it. API handlers use
// it to report the login URL in a response body.
type Recorder struct {
	mu     sync.Mutex
	target string
}

func (rec *Recorder) Target() string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.target
}

func WithRecorder(ctx context.Context) (context.Context, *Recorder) {
	rec := &Recorder{}
	return context.WithValue(ctx, recorderKey, rec), rec
}

// HTTP navigates through whatever ctx carries: a Recorder first, then a bound
// response, then the fallback.
type HTTP struct {
	fallback Navigator
	logger   *slog.Logger
}

func NewHTTP(fallback Navigator, logger *slog.Logger) *HTTP {
	return &HTTP{fallback: fallback, logger: logger}
}

func (h *HTTP) Navigate(ctx context.Context, target string) error {
	if rec, ok := ctx.Value(recorderKey).(*Recorder); ok {
		rec.mu.Lock()
		rec.target = target
		rec.mu.Unlock()
		return nil
	}

	if resp, ok := ctx.Value(responseKey).(*response); ok {
		resp.mu.Lock()
		defer resp.mu.Unlock()
		if resp.navigated {
			h.logger.Warn("response already redirected, dropping navigation", "path", resp.r.URL.Path)
			return nil
		}
		http.Redirect(resp.w, resp.r, target, http.StatusFound)
		resp.navigated = true
		return nil
	}

	if h.fallback != nil {
		return h.fallback.Navigate(ctx, target)
	}
	return ErrNoTarget
}

// Browser opens targets in the system browser.
type Browser struct {
	logger *slog.Logger
	open   func(target string) error
}

func NewBrowser(logger *slog.Logger) *Browser {
	return &Browser{logger: logger, open: openBrowser}
}

func (b *Browser) Navigate(_ context.Context, target string) error {
	b.logger.Info("opening browser", "url", target)
	if err := b.open(target); err != nil {
		b.logger.Warn("failed to open browser, open the URL manually", "url", target, "error", err)
		return err
	}
	return nil
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Start()
}
