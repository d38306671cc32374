// Package annotate runs the moderation pass: it selects content without a
// verdict, queues it, and classifies it through an external HTTP model.
package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/datapipe-labs/harvester/internal/harvest"
)

// SourceModeration names the classifier API for metrics and rate budgeting.
const SourceModeration = "moderation"

const (
	classifyAttempts = 3
	classifyBackoff  = 2 * time.Second
)

// Deletion placeholders carry no signal and are not worth a model call.
var placeholders = map[string]bool{
	"[deleted]": true,
	"[removed]": true,
}

// Classifier calls the moderation model over HTTP. It implements
// harvest.Moderator.
type Classifier struct {
	httpClient *http.Client
	apiURL     string
	apiKey     string
	clock      harvest.Clock
	logger     *zap.Logger
}

var _ harvest.Moderator = (*Classifier)(nil)

// NewClassifier builds a Classifier.
func NewClassifier(httpClient *http.Client, apiURL, apiKey string, clock harvest.Clock, logger *zap.Logger) *Classifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		httpClient: httpClient,
		apiURL:     apiURL,
		apiKey:     apiKey,
		clock:      clock,
		logger:     logger,
	}
}

// cleanText normalizes whitespace so the model sees the content, not the
// markup artifacts.
func cleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Classify returns the model verdict for text. ok=false means the text is
// empty or a deletion placeholder and no verdict applies.
func (c *Classifier) Classify(ctx context.Context, text string) (harvest.ModerationResult, bool, error) {
	cleaned := cleanText(text)
	if cleaned == "" || placeholders[cleaned] {
		return harvest.ModerationResult{}, false, nil
	}

	payload, err := json.Marshal(map[string]string{"text": cleaned})
	if err != nil {
		return harvest.ModerationResult{}, false, fmt.Errorf("marshal classify request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < classifyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(classifyBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return harvest.ModerationResult{}, false, ctx.Err()
			}
		}

		res, retryAfter, err := c.post(ctx, payload)
		if err == nil {
			res.AnalyzedAt = c.clock.Now().Unix()
			return res, true, nil
		}
		if harvest.Terminal(err) {
			return harvest.ModerationResult{}, false, err
		}
		lastErr = err

		if retryAfter > 0 {
			select {
			case <-time.After(retryAfter):
			case <-ctx.Done():
				return harvest.ModerationResult{}, false, ctx.Err()
			}
		}
	}
	return harvest.ModerationResult{}, false, lastErr
}

// post performs one API call. A 429 returns ErrRateLimited plus whatever
// Retry-After the server sent.
func (c *Classifier) post(ctx context.Context, payload []byte) (harvest.ModerationResult, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return harvest.ModerationResult{}, 0, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return harvest.ModerationResult{}, 0, fmt.Errorf("classify: %v: %w", err, harvest.ErrUnavailable)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
		var res harvest.ModerationResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return harvest.ModerationResult{}, 0, fmt.Errorf("classify response: %w", harvest.ErrMalformed)
		}
		return res, 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		var retryAfter time.Duration
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
		return harvest.ModerationResult{}, retryAfter, fmt.Errorf("classify status 429: %w", harvest.ErrRateLimited)
	case resp.StatusCode >= 500:
		return harvest.ModerationResult{}, 0, fmt.Errorf("classify status %d: %w", resp.StatusCode, harvest.ErrUnavailable)
	default:
		return harvest.ModerationResult{}, 0, fmt.Errorf("classify status %d: %w", resp.StatusCode, harvest.ErrMalformed)
	}
}
