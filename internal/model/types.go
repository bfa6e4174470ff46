package model

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Brownie44l1/tumor-api/internal/preprocess"
)

// DefaultClasses is the label order the classifier was trained with.
var DefaultClasses = []string{"Glioma", "Meningioma", "Pituitary", "No Tumor"}

// Metadata describes the exported model's tensors and labels.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
	Layout      string   `json:"layout,omitempty"`
}

// LoadMetadata reads and validates a metadata file, filling defaults for
// omitted fields.
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}

	metadata.applyDefaults()
	if err := metadata.Validate(); err != nil {
		return Metadata{}, err
	}
	return metadata, nil
}

func (m *Metadata) applyDefaults() {
	if len(m.Classes) == 0 {
		m.Classes = append([]string(nil), DefaultClasses...)
	}
	if m.ImageSize <= 0 {
		m.ImageSize = preprocess.DefaultSize
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.Layout == "" {
		m.Layout = string(preprocess.NHWC)
	}
	if len(m.InputShape) == 0 {
		m.InputShape = m.expectedInputShape()
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
}

func (m Metadata) expectedInputShape() []int64 {
	size := int64(m.ImageSize)
	if preprocess.Layout(m.Layout) == preprocess.NCHW {
		return []int64{1, 3, size, size}
	}
	return []int64{1, size, size, 3}
}

// Validate checks that the shapes agree with the label list and the
// preprocessing configuration.
func (m Metadata) Validate() error {
	switch preprocess.Layout(m.Layout) {
	case preprocess.NHWC, preprocess.NCHW:
	default:
		return fmt.Errorf("unsupported layout %q", m.Layout)
	}

	if got, want := shapeSize(m.InputShape), shapeSize(m.expectedInputShape()); got != want {
		return fmt.Errorf("input shape %v holds %d values, expected %d for %dx%d RGB",
			m.InputShape, got, want, m.ImageSize, m.ImageSize)
	}

	if len(m.OutputShape) == 0 {
		return fmt.Errorf("output shape is empty")
	}
	if last := m.OutputShape[len(m.OutputShape)-1]; last != int64(len(m.Classes)) {
		return fmt.Errorf("model outputs %d scores but %d classes are configured", last, len(m.Classes))
	}
	return nil
}

// InputSize is the number of float32 values one inference consumes.
func (m Metadata) InputSize() int {
	return shapeSize(m.InputShape)
}

// PreprocessOptions returns the preprocessing configuration for this model.
func (m Metadata) PreprocessOptions() preprocess.Options {
	return preprocess.Options{Size: m.ImageSize, Layout: preprocess.Layout(m.Layout)}
}

func shapeSize(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// PredictionRequest is the body of the raw tensor endpoint.
type PredictionRequest struct {
	Image []float32 `json:"image"`
}
