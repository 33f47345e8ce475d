package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qcollector/dynatable"
)

// ArgosTranslator calls the Argos Translate sidecar. The wire contract is the
// sidecar's /translate endpoint: request {"q", "source", "target"}, response
// {"translatedText"}. Every call is bounded by the configured timeout and
// guarded by a circuit breaker; callers treat any error as "use the fallback".
type ArgosTranslator struct {
	endpoint string
	source   string
	target   string
	timeout  time.Duration
	client   *http.Client
	breaker  *CircuitBreaker
	logger   *zap.Logger
}

// NewArgosTranslator builds a translator client from config.
func NewArgosTranslator(cfg dynatable.TranslationConfig, logger *zap.Logger) *ArgosTranslator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.L()
	}
	return &ArgosTranslator{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		source:   cfg.SourceLang,
		target:   cfg.TargetLang,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		breaker:  NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerOpenFor),
		logger:   logger,
	}
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error,omitempty"`
}

// Translate returns the ASCII gloss for text, or a TRANSLATION_UNAVAILABLE
// error when the sidecar is down, slow, or returns garbage.
func (t *ArgosTranslator) Translate(ctx context.Context, text string) (string, error) {
	if t.breaker.IsOpen() {
		return "", dynatable.NewTranslationUnavailableError(fmt.Errorf("circuit breaker open"))
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	body, err := json.Marshal(translateRequest{Q: text, Source: t.source, Target: t.target})
	if err != nil {
		return "", dynatable.NewTranslationUnavailableError(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/translate", bytes.NewReader(body))
	if err != nil {
		return "", dynatable.NewTranslationUnavailableError(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.breaker.RecordFailure()
		return "", dynatable.NewTranslationUnavailableError(fmt.Errorf("translate request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.breaker.RecordFailure()
		return "", dynatable.NewTranslationUnavailableError(fmt.Errorf("translate returned status %d", resp.StatusCode))
	}

	var tr translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.breaker.RecordFailure()
		return "", dynatable.NewTranslationUnavailableError(fmt.Errorf("decode response: %w", err))
	}
	if tr.Error != "" {
		t.breaker.RecordFailure()
		return "", dynatable.NewTranslationUnavailableError(fmt.Errorf("translate error: %s", tr.Error))
	}
	if strings.TrimSpace(tr.TranslatedText) == "" {
		t.breaker.RecordFailure()
		return "", dynatable.NewTranslationUnavailableError(fmt.Errorf("empty translation"))
	}

	t.breaker.RecordSuccess()
	return tr.TranslatedText, nil
}

// Health pings the sidecar's /health endpoint.
func (t *ArgosTranslator) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("translate health request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("translate health returned status %d", resp.StatusCode)
	}
	return nil
}
