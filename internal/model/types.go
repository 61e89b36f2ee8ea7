package model

import (
	"errors"
	"image"
)

// Class labels produced by the Curie classifier head.
const (
	LabelHealthy   = "SANO"
	LabelPneumonia = "NEUMONIA"
	LabelOther     = "OTROS"
)

// Metadata describes the exported ONNX model. It is read from a JSON file
// that sits next to the model.
type Metadata struct {
	InputShape    []int64  `json:"input_shape"`
	MaskShape     []int64  `json:"mask_shape"`
	ClassShape    []int64  `json:"class_shape"`
	Classes       []string `json:"classes"`
	ImageSize     int      `json:"image_size"`
	MaskThreshold float32  `json:"mask_threshold"`
	Softmax       bool     `json:"softmax"`
	InputName     string   `json:"input_name"`
	MaskOutput    string   `json:"mask_output"`
	ClassOutput   string   `json:"class_output"`
}

// QuadrantRatios holds the lesion coverage, in percent, of the four
// quadrants of one lung: left-top, right-top, right-bottom, left-bottom.
type QuadrantRatios struct {
	LT float64 `json:"lt"`
	RT float64 `json:"rt"`
	RB float64 `json:"rb"`
	LB float64 `json:"lb"`
}

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Cuadrants struct {
	Left  Point `json:"left"`
	Right Point `json:"right"`
}

// Report is the scalar part of an inference result.
type Report struct {
	TotalRatio float64        `json:"total_ratio"`
	LeftRatio  QuadrantRatios `json:"left_ratio"`
	RightRatio QuadrantRatios `json:"right_ratio"`
	Label      string         `json:"label"`
	Confidence float64        `json:"confidence"`
	Cuadrants  Cuadrants      `json:"cuadrants"`
}

type InferenceResult struct {
	Mask     image.Image
	Heatmap  image.Image
	Combined image.Image
	Report
}

var ErrIncompleteResult = errors.New("inference result is missing an image")

// Validate checks that every result image is present.
func (r *InferenceResult) Validate() error {
	if r == nil || r.Mask == nil || r.Heatmap == nil || r.Combined == nil {
		return ErrIncompleteResult
	}
	return nil
}

// PredictionResponse is the body of the JSON endpoint. Images are base64
// encoded JPEG.
type PredictionResponse struct {
	Mask     string `json:"mask"`
	Heatmap  string `json:"heatmap"`
	Combined string `json:"combined"`
	Report
}
