// Package inference runs uploaded images through preprocessing, the model and
// chart rendering, producing one result per image.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Brownie44l1/tumor-api/internal/chart"
	"github.com/Brownie44l1/tumor-api/internal/logging"
	"github.com/Brownie44l1/tumor-api/internal/preprocess"
)

// FailedMessage is reported to clients for any per-image failure.
const FailedMessage = "Failed to process this image."

// Image outcomes reported to the Observer.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Predictor maps one preprocessed input to the model's raw score vector.
type Predictor interface {
	Predict(ctx context.Context, input []float32) ([]float32, error)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(ctx context.Context, input []float32) ([]float32, error)

func (f PredictorFunc) Predict(ctx context.Context, input []float32) ([]float32, error) {
	return f(ctx, input)
}

// ChartRenderer turns a score mapping into an inline-encoded image.
type ChartRenderer func(scores map[string]float64) (string, error)

// Observer receives per-image telemetry.
type Observer interface {
	ImageProcessed(outcome string)
	InferenceCompleted(label string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ImageProcessed(string)                    {}
func (nopObserver) InferenceCompleted(string, time.Duration) {}

// Upload is one file received from a client. Err records a failure to read
// the payload; such uploads produce an error Result.
type Upload struct {
	Filename string
	Data     []byte
	Err      error
}

// Scored is the interpreted model output for one image.
type Scored struct {
	Label      string
	Confidence float64
	Scores     map[string]float64
}

// Result is the per-image output record. Err is set for failed images.
type Result struct {
	Filename   string
	Prediction string
	Confidence float64
	Scores     map[string]float64
	Chart      string
	Err        error
}

// Failed reports whether the image could not be classified.
func (r Result) Failed() bool {
	return r.Err != nil
}

func (r Result) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		return json.Marshal(struct {
			Filename string `json:"filename"`
			Error    string `json:"error"`
		}{r.Filename, FailedMessage})
	}
	return json.Marshal(struct {
		Filename   string             `json:"filename"`
		Prediction string             `json:"prediction"`
		Confidence float64            `json:"confidence"`
		Scores     map[string]float64 `json:"scores"`
		Chart      string             `json:"chart,omitempty"`
	}{r.Filename, r.Prediction, r.Confidence, r.Scores, r.Chart})
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithChartRenderer(render ChartRenderer) Option {
	return func(s *Service) {
		if render != nil {
			s.renderChart = render
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(s *Service) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// Service is safe for concurrent use; it holds only read-only state.
type Service struct {
	predictor   Predictor
	labels      []string
	opts        preprocess.Options
	renderChart ChartRenderer
	observer    Observer
	logger      *slog.Logger
}

func NewService(predictor Predictor, labels []string, opts preprocess.Options, options ...Option) *Service {
	s := &Service{
		predictor:   predictor,
		labels:      append([]string(nil), labels...),
		opts:        opts,
		renderChart: chart.RenderBase64,
		observer:    nopObserver{},
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Labels returns the class labels in model output order.
func (s *Service) Labels() []string {
	return append([]string(nil), s.labels...)
}

// InputSize is the number of values a raw tensor must carry.
func (s *Service) InputSize() int {
	size := s.opts.Size
	if size <= 0 {
		size = preprocess.DefaultSize
	}
	return 3 * size * size
}

// Classify processes uploads in order. Empty payloads are skipped; any other
// failure becomes an error Result for that image only.
func (s *Service) Classify(ctx context.Context, uploads []Upload, withChart bool) ([]Result, error) {
	if len(uploads) == 0 {
		return nil, WrapError(ErrNoImages, "classify", fmt.Errorf("empty upload list"))
	}

	results := make([]Result, 0, len(uploads))
	for _, upload := range uploads {
		if upload.Err == nil && len(upload.Data) == 0 {
			s.observer.ImageProcessed(OutcomeSkipped)
			s.logger.Debug("image_skipped_empty",
				"request_id", logging.RequestID(ctx),
				"filename", upload.Filename,
			)
			continue
		}

		result := s.classifyOne(ctx, upload, withChart)
		if result.Failed() {
			s.observer.ImageProcessed(OutcomeError)
			s.logger.Error("image_processing_failed",
				"request_id", logging.RequestID(ctx),
				"filename", upload.Filename,
				"error", result.Err,
			)
		} else {
			s.observer.ImageProcessed(OutcomeOK)
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *Service) classifyOne(ctx context.Context, upload Upload, withChart bool) (result Result) {
	result.Filename = upload.Filename
	defer func() {
		if r := recover(); r != nil {
			result = Result{Filename: upload.Filename, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if upload.Err != nil {
		result.Err = WrapError(ErrInvalidInput, "read upload", upload.Err)
		return result
	}

	scored, err := s.Predict(ctx, upload.Data)
	if err != nil {
		result.Err = err
		return result
	}

	result.Prediction = scored.Label
	result.Confidence = scored.Confidence
	result.Scores = scored.Scores

	if withChart {
		encoded, err := s.renderChart(scored.Scores)
		if err != nil {
			return Result{Filename: upload.Filename, Err: fmt.Errorf("render chart: %w", err)}
		}
		result.Chart = encoded
	}
	return result
}

// Predict runs the full pipeline for one encoded image.
func (s *Service) Predict(ctx context.Context, data []byte) (Scored, error) {
	tensor, err := preprocess.Image(data, s.opts)
	if err != nil {
		return Scored{}, WrapError(ErrInvalidInput, "preprocess", err)
	}
	return s.PredictTensor(ctx, tensor.Data)
}

// PredictTensor scores an already normalized input tensor.
func (s *Service) PredictTensor(ctx context.Context, input []float32) (Scored, error) {
	if want := s.InputSize(); len(input) != want {
		return Scored{}, WrapError(ErrInvalidInput, "predict",
			fmt.Errorf("expected %d values, got %d", want, len(input)))
	}

	start := time.Now()
	raw, err := s.predictor.Predict(ctx, input)
	if err != nil {
		return Scored{}, WrapError(ErrInference, "predict", err)
	}

	scored, err := s.Score(raw)
	if err != nil {
		return Scored{}, err
	}
	s.observer.InferenceCompleted(scored.Label, time.Since(start))
	return scored, nil
}

// Score interprets a raw prediction vector. The top label is the first index
// holding the maximum score. Scores are percentages rounded to 4 decimals and
// the confidence is the top score rounded to 2 decimals.
func (s *Service) Score(raw []float32) (Scored, error) {
	if len(raw) != len(s.labels) {
		return Scored{}, WrapError(ErrInference, "score",
			fmt.Errorf("model returned %d scores for %d classes", len(raw), len(s.labels)))
	}

	top := 0
	scores := make(map[string]float64, len(raw))
	for i, v := range raw {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Scored{}, WrapError(ErrInference, "score", fmt.Errorf("non-finite score for %q", s.labels[i]))
		}
		scores[s.labels[i]] = round(f*100, 4)
		if v > raw[top] {
			top = i
		}
	}

	label := s.labels[top]
	return Scored{
		Label:      label,
		Confidence: round(scores[label], 2),
		Scores:     scores,
	}, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
