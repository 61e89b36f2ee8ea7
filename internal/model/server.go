package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/Brownie44l1/curie-api/internal/config"
	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ErrBusy is returned when the session stays occupied for longer than the
// configured queue timeout or the caller gives up first.
var ErrBusy = errors.New("inference queue is full")

// Server runs the Curie ONNX model. The session reuses its input and output
// tensors, so only one run may be in flight at a time.
type Server struct {
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	maskTensor   *ort.Tensor[float32]
	classTensor  *ort.Tensor[float32]
	slot         chan struct{}
	queueTimeout time.Duration
	logger       *zap.Logger
}

func NewServer(cfg config.ModelConfig, queueTimeout time.Duration, logger *zap.Logger) (*Server, error) {
	metadata, err := LoadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}

	if cfg.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	s := &Server{
		Metadata:     metadata,
		slot:         make(chan struct{}, 1),
		queueTimeout: queueTimeout,
		logger:       logger,
	}

	s.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	s.maskTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(metadata.MaskShape...))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create mask tensor: %w", err)
	}

	s.classTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(metadata.ClassShape...))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create class tensor: %w", err)
	}

	s.session, err = ort.NewAdvancedSession(cfg.Path,
		[]string{metadata.InputName}, []string{metadata.MaskOutput, metadata.ClassOutput},
		[]ort.ArbitraryTensor{s.inputTensor}, []ort.ArbitraryTensor{s.maskTensor, s.classTensor},
		nil)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return s, nil
}

// LoadMetadata reads the model metadata file and fills in defaults for the
// optional fields.
func LoadMetadata(path string) (Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}

	if err := metadata.normalize(); err != nil {
		return Metadata{}, fmt.Errorf("invalid metadata: %w", err)
	}
	return metadata, nil
}

func (m *Metadata) normalize() error {
	if m.ImageSize <= 0 {
		return errors.New("image_size must be positive")
	}
	if len(m.Classes) == 0 {
		m.Classes = []string{LabelHealthy, LabelPneumonia, LabelOther}
	}
	size := int64(m.ImageSize)
	if len(m.InputShape) == 0 {
		m.InputShape = []int64{1, 3, size, size}
	}
	if len(m.MaskShape) == 0 {
		m.MaskShape = []int64{1, 1, size, size}
	}
	if len(m.ClassShape) == 0 {
		m.ClassShape = []int64{1, int64(len(m.Classes))}
	}
	if len(m.MaskShape) < 2 {
		return fmt.Errorf("mask_shape %v needs at least two dimensions", m.MaskShape)
	}
	if got, want := product(m.InputShape), 3*size*size; got != want {
		return fmt.Errorf("input_shape %v holds %d values, expected %d", m.InputShape, got, want)
	}
	if m.MaskThreshold <= 0 || m.MaskThreshold >= 1 {
		m.MaskThreshold = defaultMaskThreshold
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.MaskOutput == "" {
		m.MaskOutput = "mask"
	}
	if m.ClassOutput == "" {
		m.ClassOutput = "class"
	}
	return nil
}

// MaskSize returns the width and height of the mask output.
func (m Metadata) MaskSize() (int, int) {
	n := len(m.MaskShape)
	return int(m.MaskShape[n-1]), int(m.MaskShape[n-2])
}

// Infer runs the model on img. Waiting for the session honours ctx and the
// queue timeout; the run itself cannot be interrupted.
func (s *Server) Infer(ctx context.Context, img image.Image) (*InferenceResult, error) {
	inputData := Preprocess(img, s.Metadata.ImageSize)

	var probs, scores []float32
	start := time.Now()
	err := s.withSlot(ctx, func() error {
		copy(s.inputTensor.GetData(), inputData)
		if err := s.session.Run(); err != nil {
			return fmt.Errorf("inference failed: %w", err)
		}
		probs = append([]float32(nil), s.maskTensor.GetData()...)
		scores = append([]float32(nil), s.classTensor.GetData()...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("model run finished", zap.Duration("cost", time.Since(start)))

	maskW, maskH := s.Metadata.MaskSize()
	result, err := BuildResult(img, probs, maskW, maskH, scores, s.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to build result: %w", err)
	}
	return result, nil
}

// withSlot runs fn while holding the session slot. The slot is released
// even if fn panics, so a recovered panic cannot wedge later requests.
func (s *Server) withSlot(ctx context.Context, fn func() error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-s.slot }()
	return fn()
}

func (s *Server) acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queueTimeout)
	defer cancel()

	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrBusy, ctx.Err())
	}
}

func (s *Server) Close() {
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.maskTensor != nil {
		s.maskTensor.Destroy()
	}
	if s.classTensor != nil {
		s.classTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
	ort.DestroyEnvironment()
}

// Preprocess resizes img to size×size and lays it out as normalized CHW
// float32 RGB.
func Preprocess(img image.Image, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	inputData := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			pixelIndex := y*width + x
			inputData[pixelIndex] = float32(r) / 65535.0
			inputData[plane+pixelIndex] = float32(g) / 65535.0
			inputData[2*plane+pixelIndex] = float32(b) / 65535.0
		}
	}

	return inputData
}

func product(shape []int64) int64 {
	p := int64(1)
	for _, d := range shape {
		p *= d
	}
	return p
}
