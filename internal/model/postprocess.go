package model

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/nfnt/resize"
)

const (
	defaultMaskThreshold = 0.5
	overlayAlpha         = 0.4
)

// BuildResult turns the raw model outputs into an InferenceResult for src.
// probs is a row-major maskW×maskH lesion probability grid and scores holds
// one value per class.
func BuildResult(src image.Image, probs []float32, maskW, maskH int, scores []float32, meta Metadata) (*InferenceResult, error) {
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("source image is empty")
	}
	if maskW <= 0 || maskH <= 0 || len(probs) < maskW*maskH {
		return nil, fmt.Errorf("mask output has %d values, expected %dx%d", len(probs), maskW, maskH)
	}

	label, confidence, err := Classify(scores, meta.Classes, meta.Softmax)
	if err != nil {
		return nil, err
	}

	threshold := meta.MaskThreshold
	if threshold <= 0 {
		threshold = defaultMaskThreshold
	}

	prob := upscaleProbabilities(probs, maskW, maskH, width, height)
	mask := thresholdMask(prob, threshold)
	heatmap := colorize(prob)
	combined := overlay(src, heatmap, mask)

	leftSide := image.Rect(0, 0, width/2, height)
	rightSide := image.Rect(width/2, 0, width, height)

	set, area := coverage(mask, mask.Bounds())

	return &InferenceResult{
		Mask:     mask,
		Heatmap:  heatmap,
		Combined: combined,
		Report: Report{
			TotalRatio: percent(set, area),
			LeftRatio:  sideRatios(mask, leftSide),
			RightRatio: sideRatios(mask, rightSide),
			Label:      label,
			Confidence: confidence,
			Cuadrants: Cuadrants{
				Left:  centroid(mask, leftSide),
				Right: centroid(mask, rightSide),
			},
		},
	}, nil
}

// Classify picks the highest scoring class. With softmax set the scores
// are treated as logits.
func Classify(scores []float32, classes []string, softmax bool) (string, float64, error) {
	n := len(classes)
	if len(scores) < n {
		n = len(scores)
	}
	if n == 0 {
		return "", 0, errors.New("no class scores")
	}

	probs := make([]float64, n)
	for i := 0; i < n; i++ {
		probs[i] = float64(scores[i])
	}

	if softmax {
		maxVal := probs[0]
		for _, v := range probs[1:] {
			maxVal = math.Max(maxVal, v)
		}
		var sum float64
		for i, v := range probs {
			probs[i] = math.Exp(v - maxVal)
			sum += probs[i]
		}
		for i := range probs {
			probs[i] /= sum
		}
	}

	maxIdx := 0
	for i, v := range probs {
		if v > probs[maxIdx] {
			maxIdx = i
		}
	}

	confidence := math.Min(math.Max(probs[maxIdx], 0), 1)
	return classes[maxIdx], confidence, nil
}

// upscaleProbabilities stores the probability grid as 8-bit gray and
// resizes it to the source dimensions.
func upscaleProbabilities(probs []float32, maskW, maskH, width, height int) *image.Gray {
	small := image.NewGray(image.Rect(0, 0, maskW, maskH))
	for i := 0; i < maskW*maskH; i++ {
		p := math.Min(math.Max(float64(probs[i]), 0), 1)
		small.Pix[i] = uint8(math.Round(p * 255))
	}

	if maskW == width && maskH == height {
		return small
	}

	resized := resize.Resize(uint(width), uint(height), small, resize.Bilinear)
	out := image.NewGray(image.Rect(0, 0, width, height))
	draw.Draw(out, out.Bounds(), resized, resized.Bounds().Min, draw.Src)
	return out
}

func thresholdMask(prob *image.Gray, threshold float32) *image.Gray {
	mask := image.NewGray(prob.Bounds())
	for i, v := range prob.Pix {
		if float32(v)/255 >= threshold {
			mask.Pix[i] = 255
		}
	}
	return mask
}

func colorize(prob *image.Gray) *image.RGBA {
	b := prob.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.SetRGBA(x, y, jet(float64(prob.GrayAt(x, y).Y)/255))
		}
	}
	return out
}

// jet maps v in [0, 1] onto a blue→cyan→yellow→red ramp.
func jet(v float64) color.RGBA {
	channel := func(center float64) uint8 {
		c := 1.5 - math.Abs(4*v-center)
		return uint8(math.Round(math.Min(math.Max(c, 0), 1) * 255))
	}
	return color.RGBA{R: channel(3), G: channel(2), B: channel(1), A: 255}
}

// overlay blends the heatmap into src wherever the mask is set.
func overlay(src image.Image, heatmap *image.RGBA, mask *image.Gray) *image.RGBA {
	sb := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, sb.Dx(), sb.Dy()))
	draw.Draw(out, out.Bounds(), src, sb.Min, draw.Src)

	for i := 0; i < len(mask.Pix); i++ {
		if mask.Pix[i] == 0 {
			continue
		}
		o := i * 4
		for ch := 0; ch < 3; ch++ {
			blended := (1-overlayAlpha)*float64(out.Pix[o+ch]) + overlayAlpha*float64(heatmap.Pix[o+ch])
			out.Pix[o+ch] = uint8(math.Round(blended))
		}
		out.Pix[o+3] = 255
	}
	return out
}

func coverage(mask *image.Gray, r image.Rectangle) (set, area int) {
	r = r.Intersect(mask.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if mask.GrayAt(x, y).Y != 0 {
				set++
			}
		}
	}
	return set, r.Dx() * r.Dy()
}

func sideRatios(mask *image.Gray, side image.Rectangle) QuadrantRatios {
	midX := side.Min.X + side.Dx()/2
	midY := side.Min.Y + side.Dy()/2

	ratio := func(r image.Rectangle) float64 {
		return percent(coverage(mask, r))
	}

	return QuadrantRatios{
		LT: ratio(image.Rect(side.Min.X, side.Min.Y, midX, midY)),
		RT: ratio(image.Rect(midX, side.Min.Y, side.Max.X, midY)),
		RB: ratio(image.Rect(midX, midY, side.Max.X, side.Max.Y)),
		LB: ratio(image.Rect(side.Min.X, midY, midX, side.Max.Y)),
	}
}

// centroid returns the mean position of the mask pixels inside side, or
// the geometric centre of side when none are set.
func centroid(mask *image.Gray, side image.Rectangle) Point {
	var sumX, sumY, count int
	r := side.Intersect(mask.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if mask.GrayAt(x, y).Y != 0 {
				sumX += x
				sumY += y
				count++
			}
		}
	}

	if count == 0 {
		return Point{X: side.Min.X + side.Dx()/2, Y: side.Min.Y + side.Dy()/2}
	}
	return Point{X: sumX / count, Y: sumY / count}
}

func percent(set, area int) float64 {
	if area == 0 {
		return 0
	}
	return math.Round(float64(set)*10000/float64(area)) / 100
}
