package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Brownie44l1/action-api/internal/cache"
	"github.com/Brownie44l1/action-api/internal/config"
	"github.com/Brownie44l1/action-api/internal/inference"
	"github.com/Brownie44l1/action-api/internal/video"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Engine is the part of the inference engine the handlers use.
type Engine interface {
	Predict(ctx context.Context, path string) (*inference.Prediction, error)
	Classes() []string
	Status() inference.Status
}

type Handler struct {
	engine Engine
	cache  cache.Store
	cfg    config.ServerConfig
	logger zerolog.Logger
}

func NewHandler(engine Engine, store cache.Store, cfg config.ServerConfig, logger zerolog.Logger) *Handler {
	if store == nil {
		store = cache.Noop{}
	}
	return &Handler{
		engine: engine,
		cache:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "handlers").Logger(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.POST("/predict", h.Predict)
	g.GET("/classes", h.Classes)
	g.GET("/health", h.Health)
}

type PredictResponse struct {
	Action         string  `json:"action"`
	Confidence     float64 `json:"confidence"`
	ProcessingTime float64 `json:"processing_time"`
	Cached         bool    `json:"cached,omitempty"`
}

type ClassesResponse struct {
	Classes []string `json:"classes"`
	Count   int      `json:"count"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	NumClasses  int    `json:"num_classes"`
	Device      string `json:"device,omitempty"`
	Backbone    string `json:"backbone,omitempty"`
}

func (h *Handler) Predict(c echo.Context) error {
	maxBytes := int64(h.cfg.MaxUploadMB) << 20

	file, err := c.FormFile("video")
	if err != nil {
		var tooLarge *http.MaxBytesError
		var httpErr *echo.HTTPError
		if errors.As(err, &tooLarge) || (errors.As(err, &httpErr) && httpErr.Code == http.StatusRequestEntityTooLarge) {
			return h.tooLarge()
		}
		return BadRequest("missing_video", "No video file provided. Please upload a video.")
	}
	if file.Filename == "" {
		return BadRequest("missing_video", "No file selected. Please choose a video file.")
	}

	ext, ok := h.cfg.AllowedExtension(file.Filename)
	if !ok {
		if ext == "" {
			ext = "unknown"
		}
		return UnsupportedMediaType("invalid_file_type", fmt.Sprintf(
			"Invalid file type (.%s). Allowed formats: %s.", ext, strings.ToUpper(strings.Join(h.cfg.AllowedExtensions, ", "))))
	}
	if file.Size > maxBytes {
		return h.tooLarge()
	}

	path, digest, err := h.saveUpload(file, ext)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to store upload")
		return InternalError("upload_failed", "Failed to store the uploaded video.")
	}
	defer os.Remove(path)

	logger := h.logger.With().Str("file", file.Filename).Int64("size", file.Size).Str("sha256", digest[:12]).Logger()

	start := time.Now()
	if status := h.engine.Status(); status.Ready {
		pred, hit, err := h.cache.Get(c.Request().Context(), status.ModelDigest, digest)
		if err != nil {
			logger.Warn().Err(err).Msg("prediction cache lookup failed")
		}
		if hit {
			logger.Info().Str("action", pred.Action).Msg("served cached prediction")
			return c.JSON(http.StatusOK, PredictResponse{
				Action:         pred.Action,
				Confidence:     pred.Confidence,
				ProcessingTime: seconds(time.Since(start)),
				Cached:         true,
			})
		}
	}

	ctx := c.Request().Context()
	if h.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
		defer cancel()
	}

	pred, err := h.engine.Predict(ctx, path)
	if err != nil {
		return h.predictError(logger, err)
	}
	elapsed := time.Since(start)

	if status := h.engine.Status(); status.Ready {
		if err := h.cache.Set(c.Request().Context(), status.ModelDigest, digest, pred); err != nil {
			logger.Warn().Err(err).Msg("failed to cache prediction")
		}
	}

	logger.Info().
		Str("action", pred.Action).
		Float64("confidence", pred.Confidence).
		Dur("took", elapsed).
		Msg("prediction complete")

	return c.JSON(http.StatusOK, PredictResponse{
		Action:         pred.Action,
		Confidence:     pred.Confidence,
		ProcessingTime: seconds(elapsed),
	})
}

func (h *Handler) predictError(logger zerolog.Logger, err error) error {
	var decodeErr *video.DecodeError
	switch {
	case errors.Is(err, inference.ErrUnavailable):
		logger.Error().Err(err).Msg("model not available")
		return Unavailable("model_unavailable", "Model not loaded. Please contact administrator.")
	case errors.Is(err, video.ErrUnreadableVideo), errors.As(err, &decodeErr):
		logger.Warn().Err(err).Msg("video processing failed")
		return Unprocessable("unreadable_video", fmt.Sprintf("Could not process video: %v", err))
	default:
		logger.Error().Err(err).Msg("prediction failed")
		return InternalError("prediction_failed", fmt.Sprintf("Prediction failed: %v", err))
	}
}

func (h *Handler) tooLarge() error {
	return FileTooLarge(h.cfg.MaxUploadMB)
}

// saveUpload writes the upload under a random name in the upload dir and
// returns its path and SHA-256.
func (h *Handler) saveUpload(file *multipart.FileHeader, ext string) (string, string, error) {
	src, err := file.Open()
	if err != nil {
		return "", "", err
	}
	defer src.Close()

	if err := os.MkdirAll(h.cfg.UploadDir, 0o755); err != nil {
		return "", "", err
	}
	path := filepath.Join(h.cfg.UploadDir, uuid.NewString()+"."+ext)
	dst, err := os.Create(path)
	if err != nil {
		return "", "", err
	}

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, hash), src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", "", err
	}
	return path, hex.EncodeToString(hash.Sum(nil)), nil
}

func (h *Handler) Classes(c echo.Context) error {
	classes := h.engine.Classes()
	return c.JSON(http.StatusOK, ClassesResponse{
		Classes: classes,
		Count:   len(classes),
	})
}

func (h *Handler) Health(c echo.Context) error {
	status := h.engine.Status()

	resp := HealthResponse{
		Status:      "degraded",
		ModelLoaded: status.Ready,
		NumClasses:  status.NumClasses,
		Device:      status.Device,
		Backbone:    status.Backbone,
	}
	if status.Ready {
		resp.Status = "healthy"
	}
	return c.JSON(http.StatusOK, resp)
}

func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
