// Package vision asks a remote multimodal model whether an annotated
// screenshot shows a popup and which control dismisses it.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pbaille/popdismiss/internal/config"
	"github.com/pbaille/popdismiss/internal/domain"
	"github.com/sirupsen/logrus"
)

// Answer is the model's verdict. In ordinal mode CancelButton carries the
// number label of the dismiss control; in coordinate mode Coordinates carries
// its center in screen pixels. Either may be nil.
type Answer struct {
	PopupExists  bool          `json:"popup_exists"`
	CancelButton *int          `json:"popup_cancel_button,omitempty"`
	Coordinates  *domain.Point `json:"button_coordinates,omitempty"`
}

// Client calls an OpenAI-compatible chat completions endpoint
type Client struct {
	cfg    config.Vision
	client *http.Client
	logger *logrus.Logger
}

// New creates a Client. It fails when the endpoint or key is missing.
func New(cfg config.Vision, logger *logrus.Logger) (*Client, error) {
	if cfg.URL == "" || cfg.APIKey == "" {
		return nil, config.ErrVisionNotConfigured
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 80
	}

	return &Client{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}, nil
}

// Analyze sends the annotated overlay to the model. An empty resolution asks
// for the number label of the dismiss control; otherwise the model is asked
// for coordinates in that resolution (e.g. "1080x2340").
//
// Failed attempts are retried after a fixed delay; when all attempts fail the
// error is an *ExhaustedError wrapping the last failure.
func (c *Client) Analyze(ctx context.Context, overlay image.Image, resolution string) (Answer, error) {
	encoded, err := encodeJPEG(overlay, c.cfg.JPEGQuality, c.cfg.MaxEdge)
	if err != nil {
		return Answer{}, err
	}

	payload, err := json.Marshal(c.buildRequest(encoded, resolution))
	if err != nil {
		return Answer{}, fmt.Errorf("marshal request: %w", err)
	}

	var last error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		answer, err := c.attempt(ctx, payload)
		if err == nil {
			c.logger.WithFields(logrus.Fields{
				"attempt":      attempt,
				"popup_exists": answer.PopupExists,
			}).Debug("vision answer received")
			return answer, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Answer{}, ctxErr
		}

		last = err
		c.logger.WithError(err).WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": c.cfg.MaxAttempts,
		}).Warn("vision attempt failed")

		if attempt < c.cfg.MaxAttempts && c.cfg.RetryDelay > 0 {
			timer := time.NewTimer(c.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Answer{}, ctx.Err()
			case <-timer.C:
			}
		}
	}

	c.logger.WithError(last).Error("all vision attempts failed")
	return Answer{}, &ExhaustedError{Attempts: c.cfg.MaxAttempts, Last: last}
}

type apiRequest struct {
	Model    string       `json:"model"`
	Messages []apiMessage `json:"messages"`
	Stream   bool         `json:"stream"`
}

type apiMessage struct {
	Role    string    `json:"role"`
	Content []apiPart `json:"content"`
}

type apiPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *apiImageURL `json:"image_url,omitempty"`
}

type apiImageURL struct {
	URL string `json:"url"`
}

type apiResponse struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) buildRequest(encoded, resolution string) apiRequest {
	return apiRequest{
		Model: c.cfg.Model,
		Messages: []apiMessage{{
			Role: "user",
			Content: []apiPart{
				{Type: "image_url", ImageURL: &apiImageURL{URL: "data:image/jpeg;base64," + encoded}},
				{Type: "text", Text: buildPrompt(resolution)},
			},
		}},
		Stream: false,
	}
}

func (c *Client) attempt(ctx context.Context, payload []byte) (Answer, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	content, err := c.callAPI(ctx, payload)
	if err != nil {
		return Answer{}, err
	}
	return parseAnswer(content)
}

func (c *Client) callAPI(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var apiResp apiResponse
	decodeErr := json.Unmarshal(body, &apiResp)
	if decodeErr == nil {
		if err := classify(apiResp); err != nil {
			return "", err
		}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w (status %d): %s", ErrRateLimited, resp.StatusCode, string(body))
	case resp.StatusCode == http.StatusServiceUnavailable:
		return "", fmt.Errorf("%w (status %d): %s", ErrOverloaded, resp.StatusCode, string(body))
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}

	if decodeErr != nil {
		return "", fmt.Errorf("unmarshal response: %w", decodeErr)
	}
	if len(apiResp.Choices) == 0 || strings.TrimSpace(apiResp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyAnswer
	}
	return apiResp.Choices[0].Message.Content, nil
}

// classify maps service-reported failures carried in the body
func classify(r apiResponse) error {
	switch r.Code {
	case codeOverloaded:
		return fmt.Errorf("%w: %s", ErrOverloaded, r.Message)
	case codeModelError:
		return fmt.Errorf("%w: %s", ErrService, r.Message)
	}

	msg := r.Message
	if r.Error != nil {
		msg = r.Error.Message
	}
	if strings.Contains(strings.ToLower(msg), "rate limit") {
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	}
	if r.Error != nil {
		return fmt.Errorf("api error: %s", r.Error.Message)
	}
	return nil
}

type rawAnswer struct {
	PopupExists  *bool         `json:"popup_exists"`
	CancelButton *int          `json:"popup_cancel_button"`
	Coordinates  *domain.Point `json:"button_coordinates"`
}

func parseAnswer(content string) (Answer, error) {
	content = stripFences(content)

	var raw rawAnswer
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return Answer{}, fmt.Errorf("%w: %v (response: %s)", ErrMalformedAnswer, err, content)
	}
	if raw.PopupExists == nil {
		return Answer{}, fmt.Errorf("%w: missing popup_exists (response: %s)", ErrMalformedAnswer, content)
	}

	return Answer{
		PopupExists:  *raw.PopupExists,
		CancelButton: raw.CancelButton,
		Coordinates:  raw.Coordinates,
	}, nil
}

// stripFences removes markdown code block markup around a JSON reply
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// IsRetryable reports whether err is a transient vision failure worth
// surfacing as "try again later" to callers.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrOverloaded) || errors.Is(err, ErrRateLimited)
}
