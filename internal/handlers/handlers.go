package handlers

import (
	"context"
	"errors"
	"image"
	"io"
	"net/http"

	"github.com/Brownie44l1/curie-api/internal/apperr"
	"github.com/Brownie44l1/curie-api/internal/bundle"
	"github.com/Brownie44l1/curie-api/internal/cache"
	"github.com/Brownie44l1/curie-api/internal/imaging"
	"github.com/Brownie44l1/curie-api/internal/middleware"
	"github.com/Brownie44l1/curie-api/internal/model"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Inferencer runs the Curie model on a decoded image. Implementations may
// be slow; callers pass the request context.
type Inferencer interface {
	Infer(ctx context.Context, img image.Image) (*model.InferenceResult, error)
}

// ResultCache is an optional store of finished results. Get returns nil,
// nil on a miss.
type ResultCache interface {
	Get(ctx context.Context, key string) (*model.InferenceResult, error)
	Set(ctx context.Context, key string, result *model.InferenceResult) error
}

type Options struct {
	MaxUploadSize int64
	JPEGQuality   int
	// Cache is left nil to disable caching.
	Cache ResultCache
}

type Handler struct {
	inferencer Inferencer
	decoder    *imaging.Decoder
	packager   *bundle.Packager
	opts       Options
	logger     *zap.Logger
}

func NewHandler(inferencer Inferencer, decoder *imaging.Decoder, packager *bundle.Packager, opts Options, logger *zap.Logger) *Handler {
	return &Handler{
		inferencer: inferencer,
		decoder:    decoder,
		packager:   packager,
		opts:       opts,
		logger:     logger,
	}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)

	images := r.Group("/images")
	images.POST("/Curie_v1/", h.ClassifyImage)
	images.POST("/Curie_file/", h.CurieFile)
	images.GET("/openapi.json", h.OpenAPI)
	images.GET("/docs", h.Docs)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// ClassifyImage runs the model on the uploaded image and returns the result
// as JSON with base64 JPEG images.
func (h *Handler) ClassifyImage(c *gin.Context) {
	result, ok := h.analyze(c)
	if !ok {
		return
	}

	resp := model.PredictionResponse{Report: result.Report}
	encodings := []struct {
		dst *string
		img image.Image
	}{
		{&resp.Mask, result.Mask},
		{&resp.Heatmap, result.Heatmap},
		{&resp.Combined, result.Combined},
	}
	for _, e := range encodings {
		text, err := imaging.Base64JPEG(e.img, h.opts.JPEGQuality)
		if err != nil {
			h.writeError(c, apperr.Wrap(apperr.KindInternal, "failed to encode result images", err))
			return
		}
		*e.dst = text
	}

	c.JSON(http.StatusOK, resp)
}

// CurieFile runs the model on the uploaded image and returns a ZIP with the
// overlay image and the JSON report.
func (h *Handler) CurieFile(c *gin.Context) {
	result, ok := h.analyze(c)
	if !ok {
		return
	}

	requestID := middleware.GetRequestID(c)
	b, err := h.packager.Package(c.Request.Context(), requestID, result)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer b.Cleanup()

	h.logger.Info("bundle created",
		zap.String("request_id", requestID),
		zap.String("filename", b.Filename))

	c.FileAttachment(b.Path, b.Filename)
}

// analyze reads the "image" upload, decodes it and runs inference, going
// through the cache when one is configured. On failure it has already
// written the error response.
func (h *Handler) analyze(c *gin.Context) (*model.InferenceResult, bool) {
	requestID := middleware.GetRequestID(c)

	data, err := h.readUpload(c)
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}

	img, format, err := h.decoder.Decode(requestID, data)
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}

	h.logger.Info("image received",
		zap.String("request_id", requestID),
		zap.String("format", format),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()),
		zap.Int("bytes", len(data)))

	ctx := c.Request.Context()
	key := ""
	if h.opts.Cache != nil {
		key = cache.Key(data)
		cached, err := h.opts.Cache.Get(ctx, key)
		if err != nil {
			h.logger.Warn("failed to get cache", zap.String("request_id", requestID), zap.Error(err))
		}
		if cached != nil && cached.Validate() == nil {
			h.logger.Info("cache hit", zap.String("request_id", requestID), zap.String("cache_key", key))
			return cached, true
		}
	}

	result, err := h.inferencer.Infer(ctx, img)
	if err != nil {
		if errors.Is(err, model.ErrBusy) {
			h.writeError(c, apperr.Wrap(apperr.KindUnavailable, "model is busy, retry later", err))
		} else {
			h.writeError(c, apperr.Wrap(apperr.KindInference, "prediction failed", err))
		}
		return nil, false
	}
	if err := result.Validate(); err != nil {
		h.writeError(c, apperr.Wrap(apperr.KindInference, "model returned an incomplete result", err))
		return nil, false
	}

	h.logger.Info("prediction finished",
		zap.String("request_id", requestID),
		zap.String("label", result.Label),
		zap.Float64("confidence", result.Confidence),
		zap.Float64("total_ratio", result.TotalRatio))

	if h.opts.Cache != nil {
		if err := h.opts.Cache.Set(ctx, key, result); err != nil {
			h.logger.Warn("failed to set cache", zap.String("request_id", requestID), zap.Error(err))
		}
	}

	return result, true
}

func (h *Handler) readUpload(c *gin.Context) ([]byte, error) {
	if c.Request.ContentLength > h.opts.MaxUploadSize {
		return nil, apperr.New(apperr.KindTooLarge, "uploaded file is too large")
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadSize)

	header, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.Wrap(apperr.KindTooLarge, "uploaded file is too large", err)
		}
		return nil, apperr.Wrap(apperr.KindBadRequest, "no image file provided. Use 'image' as the form field name", err)
	}

	file, err := header.Open()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, "failed to read uploaded file", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, "failed to read uploaded file", err)
	}

	return data, nil
}

func (h *Handler) writeError(c *gin.Context, err error) {
	appErr := apperr.From(err)
	requestID := middleware.GetRequestID(c)

	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("kind", string(appErr.Kind)),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	}
	if appErr.Status() >= http.StatusInternalServerError {
		h.logger.Error(appErr.Message, fields...)
	} else {
		h.logger.Warn(appErr.Message, fields...)
	}

	c.AbortWithStatusJSON(appErr.Status(), ErrorResponse{
		Success:   false,
		Kind:      string(appErr.Kind),
		Message:   appErr.Message,
		RequestID: requestID,
	})
}
