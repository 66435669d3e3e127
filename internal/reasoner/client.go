// Package reasoner implements the optional external-insight collaborator:
// an HTTP annotator that attaches a free-text insight to an already-fired
// alert, correlated by alert_id. It never gates, blocks, or mutates Process
// Store or Rule Engine state — spec §1's "no AI-driven decision in the hot
// path" non-goal applies here by construction, since this client is only
// ever called after Bus.Publish has already emitted the alert.
package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/linnixhq/linnixd/internal/alerts"
	"github.com/linnixhq/linnixd/internal/daemonerr"
)

// request is the wire body sent to the reasoner endpoint: the alert plus
// the window of counts its evidence was drawn from.
type request struct {
	AlertID       string            `json:"alert_id"`
	RuleID        string            `json:"rule_id"`
	Severity      string            `json:"severity"`
	Message       string            `json:"message"`
	Evidence      alerts.Evidence   `json:"evidence"`
	Model         string            `json:"model,omitempty"`
	WindowSeconds uint32            `json:"window_seconds"`
}

type response struct {
	Insight string `json:"insight"`
}

// Client calls the configured reasoner endpoint for one alert at a time.
// It is a pure annotator: Annotate returns the insight and has no side
// effect on success; AnnotateAsync hands it to Bus.Correlate.
type Client struct {
	httpClient *http.Client
	endpoint   string
	model      string
	windowS    uint32

	offline *atomic.Bool
	denied  atomic.Uint64
}

// New builds a Client bound to endpoint, timing out requests after timeout.
// offline is a shared flag (set from config and possibly toggled at
// runtime) checked before every outbound call, matching the kill switch's
// "check a boolean gate before the hot-path action, count denials" shape.
func New(endpoint, model string, windowSeconds uint32, timeout time.Duration, offline *atomic.Bool) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		model:      model,
		windowS:    windowSeconds,
		offline:    offline,
	}
}

// DeniedCount reports how many Annotate calls were rejected by the offline
// guard. The count is kept on the Client only; it is not copied into the
// metrics package's offline_denied_total.
func (c *Client) DeniedCount() uint64 { return c.denied.Load() }

// Annotate asks the reasoner for an insight on a already-published alert
// and returns it. It never returns a value used to alter the alert's
// severity, subject, or evidence — only Insight is ever written back.
func (c *Client) Annotate(ctx context.Context, a alerts.Alert) (string, error) {
	if c.offline != nil && c.offline.Load() {
		c.denied.Add(1)
		return "", daemonerr.New(daemonerr.Offline, "reasoner.Annotate",
			fmt.Errorf("egress blocked: runtime.offline=true"))
	}

	body, err := json.Marshal(request{
		AlertID:       a.ID,
		RuleID:        a.RuleID,
		Severity:      a.Severity.String(),
		Message:       a.Message,
		Evidence:      a.Evidence,
		Model:         c.model,
		WindowSeconds: c.windowS,
	})
	if err != nil {
		return "", daemonerr.New(daemonerr.IO, "reasoner.Annotate", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", daemonerr.New(daemonerr.IO, "reasoner.Annotate", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", daemonerr.New(daemonerr.IO, "reasoner.Annotate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", daemonerr.New(daemonerr.IO, "reasoner.Annotate",
			fmt.Errorf("reasoner returned status %d", resp.StatusCode))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", daemonerr.New(daemonerr.IO, "reasoner.Annotate", err)
	}
	return out.Insight, nil
}

// AnnotateAsync runs Annotate in a goroutine and calls bus.Correlate with
// the result, so a slow or unreachable reasoner never holds up alert
// emission. Errors are logged, never propagated to the caller; only offline
// denials are counted (see DeniedCount).
func (c *Client) AnnotateAsync(a alerts.Alert, bus *alerts.Bus) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.httpClient.Timeout)
		defer cancel()

		insight, err := c.Annotate(ctx, a)
		if err != nil {
			slog.Warn("reasoner: annotate failed", "alert_id", a.ID, "error", err)
			return
		}
		if insight == "" {
			return
		}
		bus.Correlate(a.ID, insight)
	}()
}
