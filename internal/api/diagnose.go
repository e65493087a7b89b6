package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pbaille/popdismiss/internal/domain"
	"github.com/pbaille/popdismiss/internal/resolver"
	"github.com/pbaille/popdismiss/internal/vision"
)

// DiagnoseRequest is the request body of POST /api/v1/diagnose
type DiagnoseRequest struct {
	Screenshot string `json:"screenshot"`
	XMLFile    string `json:"xml_file,omitempty"`
	Device     string `json:"devices_name"`
	Resolution string `json:"resolution,omitempty"`
	Package    string `json:"app_package,omitempty"`
}

// DiagnoseResponse is the response of POST /api/v1/diagnose
type DiagnoseResponse struct {
	Outcome      resolver.Outcome `json:"outcome"`
	X            *int             `json:"x,omitempty"`
	Y            *int             `json:"y,omitempty"`
	TemplateID   string           `json:"template_id,omitempty"`
	Source       resolver.Source  `json:"source"`
	ScreenshotID string           `json:"screenshot_id"`
	TraceID      string           `json:"trace_id"`
	Msg          string           `json:"msg"`
	Script       string           `json:"script,omitempty"`
}

func (s *Server) diagnose(w http.ResponseWriter, r *http.Request) {
	var req DiagnoseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Screenshot == "" {
		writeError(w, http.StatusBadRequest, "screenshot is required")
		return
	}
	if strings.TrimSpace(req.XMLFile) == "" && req.Resolution == "" {
		writeError(w, http.StatusBadRequest, "xml_file or resolution is required")
		return
	}
	if req.Device == "" {
		writeError(w, http.StatusBadRequest, "devices_name is required")
		return
	}

	img, err := decodeScreenshot(req.Screenshot)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.resolver.Resolve(r.Context(), resolver.Request{
		Context: domain.ScreenshotContext{
			Device:     req.Device,
			CapturedAt: s.now(),
			Package:    req.Package,
		},
		Image:      img,
		Hierarchy:  []byte(req.XMLFile),
		Resolution: req.Resolution,
	})
	if err != nil {
		s.logger.WithError(err).WithField("device", req.Device).Error("diagnose failed")
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp := DiagnoseResponse{
		Outcome:      res.Outcome,
		TemplateID:   res.TemplateID,
		Source:       res.Source,
		ScreenshotID: res.ScreenshotID,
		TraceID:      res.TraceID,
	}
	switch res.Outcome {
	case resolver.OutcomeResolved:
		x, y := res.Point.X, res.Point.Y
		resp.X, resp.Y = &x, &y
		resp.Msg = fmt.Sprintf("popup detected, tap at %d,%d", x, y)
		resp.Script = TapScript(req.Device, *res.Point)
	case resolver.OutcomeNoPopup:
		resp.Msg = "no popup detected, please check manually"
	case resolver.OutcomeSkipped:
		resp.Msg = "too many clickable elements, screen skipped"
	}

	writeJSON(w, http.StatusOK, resp)
}

func decodeScreenshot(encoded string) (image.Image, error) {
	if i := strings.Index(encoded, ","); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.New("screenshot is not valid base64")
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.New("screenshot is not a PNG or JPEG image")
	}
	return img, nil
}

// statusFor maps a resolution failure to an HTTP status
func statusFor(err error) int {
	switch resolver.KindOf(err) {
	case resolver.KindInput:
		return http.StatusBadRequest
	case resolver.KindRemote:
		if vision.IsRetryable(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// TapScript returns the adb command that taps p on device
func TapScript(device string, p domain.Point) string {
	return fmt.Sprintf("adb -s %s shell input tap %d %d", device, p.X, p.Y)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	tpls, err := s.catalog.ListTemplates(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"templates": tpls,
		"limit":     limit,
	})
}

func (s *Server) listElements(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	elements, err := s.catalog.ListElements(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(elements) == 0 {
		writeError(w, http.StatusNotFound, "screenshot not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"screenshot_id": id,
		"elements":      elements,
	})
}
