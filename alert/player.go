package alert

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/c360/posturestream/errors"
)

// Player is the audio collaborator. Both calls may fail; the dispatcher logs
// failures and never propagates them.
type Player interface {
	PlayCue(ctx context.Context, cue Cue) error
	PreloadCue(ctx context.Context, cue Cue) error
}

// NewPlayer builds the player selected by cfg.
func NewPlayer(cfg PlayerConfig, logger *slog.Logger) Player {
	if cfg.Kind == PlayerHTTP {
		return NewHTTPPlayer(cfg.BaseURL, cfg.Timeout)
	}
	return NewLogPlayer(logger)
}

// HTTPPlayer drives the networked audio device: GET /play?track=N plays a
// stored track and GET /status reports readiness.
type HTTPPlayer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPlayer creates a player for the device at baseURL.
func NewHTTPPlayer(baseURL string, timeout time.Duration) *HTTPPlayer {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPPlayer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// PlayCue asks the device to play the cue's track.
func (p *HTTPPlayer) PlayCue(ctx context.Context, cue Cue) error {
	q := url.Values{"track": {strconv.Itoa(cue.Track)}}
	return p.get(ctx, "/play?"+q.Encode(), "PlayCue")
}

// PreloadCue checks that the device is reachable. Tracks live on the device,
// so there is nothing to transfer.
func (p *HTTPPlayer) PreloadCue(ctx context.Context, _ Cue) error {
	return p.get(ctx, "/status", "PreloadCue")
}

func (p *HTTPPlayer) get(ctx context.Context, path, method string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return errors.WrapInvalid(err, "HTTPPlayer", method, "request build")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "HTTPPlayer", method, "device request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode/100 != 2 {
		return errors.WrapTransient(fmt.Errorf("device returned %s", resp.Status), "HTTPPlayer", method, "device request")
	}
	return nil
}

// LogPlayer only logs cues. It is the default when no device is configured.
type LogPlayer struct {
	logger *slog.Logger
}

// NewLogPlayer creates a logging player.
func NewLogPlayer(logger *slog.Logger) *LogPlayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPlayer{logger: logger.With("component", "alert_player")}
}

// PlayCue implements Player.
func (p *LogPlayer) PlayCue(_ context.Context, cue Cue) error {
	p.logger.Info("Playing cue", "cue", cue.ID, "track", cue.Track, "label", cue.Label)
	return nil
}

// PreloadCue implements Player.
func (p *LogPlayer) PreloadCue(_ context.Context, cue Cue) error {
	p.logger.Debug("Preloading cue", "cue", cue.ID, "track", cue.Track)
	return nil
}
