package cache

import (
	"context"
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/Brownie44l1/curie-api/internal/config"
	"github.com/Brownie44l1/curie-api/internal/model"
	"go.uber.org/zap"
)

func TestKey(t *testing.T) {
	a := Key([]byte("image-a"))
	b := Key([]byte("image-b"))

	if !strings.HasPrefix(a, keyPrefix) {
		t.Errorf("Expected prefix %s, got %s", keyPrefix, a)
	}
	if len(a) != len(keyPrefix)+64 {
		t.Errorf("Expected sha256 hex digest, got %s", a)
	}
	if a == b {
		t.Error("Expected different keys for different content")
	}
	if a != Key([]byte("image-a")) {
		t.Error("Expected stable key for identical content")
	}
}

func TestEntryRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(2, 1, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	in := &model.InferenceResult{
		Mask:     image.NewGray(image.Rect(0, 0, 3, 2)),
		Heatmap:  img,
		Combined: img,
		Report: model.Report{
			TotalRatio: 12.5,
			Label:      model.LabelPneumonia,
			Confidence: 0.87,
			LeftRatio:  model.QuadrantRatios{LT: 50},
		},
	}

	data, err := marshalEntry(in)
	if err != nil {
		t.Fatalf("marshalEntry failed: %v", err)
	}
	out, err := unmarshalEntry(data)
	if err != nil {
		t.Fatalf("unmarshalEntry failed: %v", err)
	}

	if out.Report != in.Report {
		t.Errorf("Expected report %+v, got %+v", in.Report, out.Report)
	}
	if out.Combined.Bounds() != in.Combined.Bounds() {
		t.Errorf("Expected bounds %v, got %v", in.Combined.Bounds(), out.Combined.Bounds())
	}
	r, g, b, _ := out.Combined.At(2, 1).RGBA()
	if r>>8 != 10 || g>>8 != 20 || b>>8 != 30 {
		t.Errorf("Expected lossless pixel, got %d %d %d", r>>8, g>>8, b>>8)
	}
}

func TestMarshalEntryIncomplete(t *testing.T) {
	if _, err := marshalEntry(&model.InferenceResult{}); err == nil {
		t.Error("Expected error for result without images")
	}
}

func TestGetUnreachableServer(t *testing.T) {
	c := NewRedisCache(config.CacheConfig{Addr: "127.0.0.1:1", TTL: time.Minute}, zap.NewNop())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := c.Get(ctx, Key([]byte("x")))
	if err == nil {
		t.Error("Expected error from unreachable redis")
	}
	if result != nil {
		t.Error("Expected nil result on error")
	}
}
