package vision

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pbaille/popdismiss/internal/config"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	return string(b)
}

// stubServer answers each request with the next (status, body) pair; the
// last pair repeats.
func stubServer(t *testing.T, replies ...[2]string) (*httptest.Server, *int32, *apiRequest) {
	t.Helper()
	var calls int32
	var last apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1)) - 1
		if n >= len(replies) {
			n = len(replies) - 1
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&last)

		status := http.StatusOK
		switch replies[n][0] {
		case "429":
			status = http.StatusTooManyRequests
		case "503":
			status = http.StatusServiceUnavailable
		case "500":
			status = http.StatusInternalServerError
		}
		w.WriteHeader(status)
		io.WriteString(w, replies[n][1])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, &last
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(config.Vision{
		URL:         url,
		APIKey:      "secret",
		Model:       "test-model",
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		Timeout:     5 * time.Second,
		JPEGQuality: 80,
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func overlay() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 40, 80))
}

func TestNewRequiresEndpoint(t *testing.T) {
	if _, err := New(config.Vision{APIKey: "k"}, quietLogger()); !errors.Is(err, config.ErrVisionNotConfigured) {
		t.Fatalf("expected ErrVisionNotConfigured, got %v", err)
	}
}

func TestAnalyzeOrdinal(t *testing.T) {
	srv, calls, req := stubServer(t, [2]string{"200", chatReply("```json\n{\"popup_exists\": true, \"popup_cancel_button\": 2}\n```")})
	c := newClient(t, srv.URL)

	ans, err := c.Analyze(context.Background(), overlay(), "")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !ans.PopupExists || ans.CancelButton == nil || *ans.CancelButton != 2 {
		t.Fatalf("unexpected answer %+v", ans)
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Fatalf("expected one call, got %d", atomic.LoadInt32(calls))
	}

	if req.Model != "test-model" || req.Stream {
		t.Fatalf("unexpected request envelope %+v", req)
	}
	parts := req.Messages[0].Content
	if !strings.HasPrefix(parts[0].ImageURL.URL, "data:image/jpeg;base64,") {
		t.Fatalf("image not sent as jpeg data url")
	}
	if !strings.Contains(parts[1].Text, "popup_cancel_button") {
		t.Fatalf("ordinal prompt not used: %q", parts[1].Text)
	}
}

func TestAnalyzeCoordinates(t *testing.T) {
	srv, _, req := stubServer(t, [2]string{"200", chatReply(`{"popup_exists": true, "button_coordinates": {"x": 540, "y": 1800}}`)})
	c := newClient(t, srv.URL)

	ans, err := c.Analyze(context.Background(), overlay(), "1080x2340")
	if err != nil {
		t.Fatal(err)
	}
	if ans.Coordinates == nil || ans.Coordinates.X != 540 || ans.Coordinates.Y != 1800 {
		t.Fatalf("unexpected coordinates %+v", ans.Coordinates)
	}
	if !strings.Contains(req.Messages[0].Content[1].Text, "1080x2340") {
		t.Fatal("resolution missing from prompt")
	}
}

func TestAnalyzeNoPopup(t *testing.T) {
	srv, _, _ := stubServer(t, [2]string{"200", chatReply(`{"popup_exists": false, "popup_cancel_button": null}`)})
	ans, err := newClient(t, srv.URL).Analyze(context.Background(), overlay(), "")
	if err != nil {
		t.Fatal(err)
	}
	if ans.PopupExists || ans.CancelButton != nil {
		t.Fatalf("expected no popup, got %+v", ans)
	}
}

func TestMalformedAnswerExhaustsAttempts(t *testing.T) {
	srv, calls, _ := stubServer(t, [2]string{"200", chatReply("I think there is a popup")})
	_, err := newClient(t, srv.URL).Analyze(context.Background(), overlay(), "")

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 || atomic.LoadInt32(calls) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d (server saw %d)", exhausted.Attempts, atomic.LoadInt32(calls))
	}
	if !errors.Is(err, ErrMalformedAnswer) {
		t.Fatalf("expected to unwrap to ErrMalformedAnswer, got %v", err)
	}
}

func TestServiceErrorsAreClassified(t *testing.T) {
	cases := map[string]struct {
		reply [2]string
		want  error
	}{
		"overload code":  {[2]string{"200", `{"code": 50505, "message": "busy"}`}, ErrOverloaded},
		"http 503":       {[2]string{"503", `upstream down`}, ErrOverloaded},
		"rate limit msg": {[2]string{"200", `{"message": "request hit rate limiting"}`}, ErrRateLimited},
		"http 429":       {[2]string{"429", `{}`}, ErrRateLimited},
		"model error":    {[2]string{"200", `{"code": 20012, "message": "bad input"}`}, ErrService},
		"empty content":  {[2]string{"200", chatReply("")}, ErrEmptyAnswer},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv, calls, _ := stubServer(t, tc.reply)
			_, err := newClient(t, srv.URL).Analyze(context.Background(), overlay(), "")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if atomic.LoadInt32(calls) != 3 {
				t.Fatalf("expected retries, server saw %d calls", atomic.LoadInt32(calls))
			}
		})
	}
}

func TestRetryRecovers(t *testing.T) {
	srv, calls, _ := stubServer(t,
		[2]string{"500", "boom"},
		[2]string{"200", chatReply(`{"popup_exists": true, "popup_cancel_button": 1}`)},
	)
	ans, err := newClient(t, srv.URL).Analyze(context.Background(), overlay(), "")
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if *ans.CancelButton != 1 || atomic.LoadInt32(calls) != 2 {
		t.Fatalf("unexpected result %+v after %d calls", ans, atomic.LoadInt32(calls))
	}
}

func TestCancelledContextStopsRetries(t *testing.T) {
	srv, _, _ := stubServer(t, [2]string{"500", "boom"})
	c := newClient(t, srv.URL)
	c.cfg.RetryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := c.Analyze(ctx, overlay(), ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestShrinkKeepsAspect(t *testing.T) {
	img := shrink(image.NewRGBA(image.Rect(0, 0, 1080, 2340)), 1170)
	if b := img.Bounds(); b.Dx() != 540 || b.Dy() != 1170 {
		t.Fatalf("unexpected size %v", b)
	}
	same := image.NewRGBA(image.Rect(0, 0, 10, 10))
	if shrink(same, 0) != image.Image(same) {
		t.Fatal("maxEdge 0 must keep the image")
	}
}
