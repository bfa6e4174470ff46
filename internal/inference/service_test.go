package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/tumor-api/internal/preprocess"
)

var testLabels = []string{"Glioma", "Meningioma", "Pituitary", "No Tumor"}

var testOpts = preprocess.Options{Size: 4, Layout: preprocess.NHWC}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func fixedPredictor(scores ...float32) PredictorFunc {
	return func(_ context.Context, _ []float32) ([]float32, error) {
		return append([]float32(nil), scores...), nil
	}
}

func stubChart(scores map[string]float64) (string, error) {
	return "chart", nil
}

type recordingObserver struct {
	mu        sync.Mutex
	outcomes  []string
	predicted []string
}

func (o *recordingObserver) ImageProcessed(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) InferenceCompleted(label string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.predicted = append(o.predicted, label)
}

func TestScore(t *testing.T) {
	svc := NewService(nil, testLabels, testOpts)

	scored, err := svc.Score([]float32{0.1, 0.7, 0.15, 0.05})
	require.NoError(t, err)

	assert.Equal(t, "Meningioma", scored.Label)
	assert.Len(t, scored.Scores, len(testLabels))
	assert.InDelta(t, 70.0, scored.Confidence, 1e-9)
	assert.InDelta(t, 10.0, scored.Scores["Glioma"], 1e-9)
	assert.InDelta(t, 5.0, scored.Scores["No Tumor"], 1e-9)
}

func TestScoreConfidenceMatchesMaxScore(t *testing.T) {
	svc := NewService(nil, testLabels, testOpts)

	vectors := [][]float32{
		{0.25, 0.25, 0.25, 0.25},
		{0.123456, 0.876543, 0, 0.000001},
		{0, 0, 0, 1},
		{0.33333, 0.33334, 0.33333, 0},
		{0.9999999, 0, 0, 0.0000001},
	}
	for _, raw := range vectors {
		scored, err := svc.Score(raw)
		require.NoError(t, err)

		maxScore := math.Inf(-1)
		for _, label := range testLabels {
			v := scored.Scores[label]
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 100.0)
			maxScore = math.Max(maxScore, v)
		}
		assert.Equal(t, round(maxScore, 2), scored.Confidence, "raw %v", raw)
		assert.Equal(t, maxScore, scored.Scores[scored.Label], "raw %v", raw)
	}
}

func TestScoreFirstMaximumWins(t *testing.T) {
	svc := NewService(nil, testLabels, testOpts)

	scored, err := svc.Score([]float32{0.4, 0.1, 0.4, 0.1})
	require.NoError(t, err)
	assert.Equal(t, "Glioma", scored.Label)
}

func TestScoreRejectsBadVectors(t *testing.T) {
	svc := NewService(nil, testLabels, testOpts)

	_, err := svc.Score([]float32{0.5, 0.5})
	assert.True(t, IsKind(err, ErrInference))

	_, err = svc.Score([]float32{float32(math.NaN()), 0, 0, 1})
	assert.True(t, IsKind(err, ErrInference))
}

func TestClassifyPreservesOrder(t *testing.T) {
	svc := NewService(fixedPredictor(0.1, 0.2, 0.6, 0.1), testLabels, testOpts, WithChartRenderer(stubChart))
	data := pngBytes(t)

	uploads := []Upload{
		{Filename: "a.png", Data: data},
		{Filename: "b.png", Data: data},
		{Filename: "c.png", Data: data},
	}
	results, err := svc.Classify(context.Background(), uploads, true)
	require.NoError(t, err)

	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, uploads[i].Filename, r.Filename)
		assert.False(t, r.Failed())
		assert.Equal(t, "Pituitary", r.Prediction)
		assert.Equal(t, "chart", r.Chart)
	}
}

func TestClassifySkipsEmptyButReportsCorrupt(t *testing.T) {
	obs := &recordingObserver{}
	svc := NewService(fixedPredictor(0.9, 0.05, 0.03, 0.02), testLabels, testOpts,
		WithChartRenderer(stubChart), WithObserver(obs))

	uploads := []Upload{
		{Filename: "good.png", Data: pngBytes(t)},
		{Filename: "empty.png", Data: nil},
		{Filename: "corrupt.png", Data: []byte("not an image at all")},
	}
	results, err := svc.Classify(context.Background(), uploads, true)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "good.png", results[0].Filename)
	assert.False(t, results[0].Failed())
	assert.Equal(t, "corrupt.png", results[1].Filename)
	require.True(t, results[1].Failed())
	assert.True(t, IsKind(results[1].Err, ErrInvalidInput))
	assert.ErrorIs(t, results[1].Err, preprocess.ErrDecode)

	assert.Equal(t, []string{OutcomeOK, OutcomeSkipped, OutcomeError}, obs.outcomes)
	assert.Equal(t, []string{"Glioma"}, obs.predicted)
}

func TestClassifyReportsUnreadableUpload(t *testing.T) {
	obs := &recordingObserver{}
	svc := NewService(fixedPredictor(0.1, 0.2, 0.6, 0.1), testLabels, testOpts,
		WithChartRenderer(stubChart), WithObserver(obs))

	readErr := errors.New("unexpected EOF")
	uploads := []Upload{
		{Filename: "lost.png", Err: readErr},
		{Filename: "ok.png", Data: pngBytes(t)},
	}
	results, err := svc.Classify(context.Background(), uploads, false)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "lost.png", results[0].Filename)
	require.True(t, results[0].Failed())
	assert.ErrorIs(t, results[0].Err, readErr)
	assert.True(t, IsKind(results[0].Err, ErrInvalidInput))
	assert.Equal(t, "Pituitary", results[1].Prediction)
	assert.Empty(t, results[1].Chart)

	assert.Equal(t, []string{OutcomeError, OutcomeOK}, obs.outcomes)
}

func TestClassifyIsolatesPredictorFailures(t *testing.T) {
	calls := 0
	predictor := PredictorFunc(func(_ context.Context, _ []float32) ([]float32, error) {
		calls++
		switch calls {
		case 1:
			return nil, errors.New("runtime exploded")
		case 2:
			panic("unexpected")
		default:
			return []float32{0, 0, 0, 1}, nil
		}
	})
	svc := NewService(predictor, testLabels, testOpts, WithChartRenderer(stubChart))
	data := pngBytes(t)

	results, err := svc.Classify(context.Background(), []Upload{
		{Filename: "one.png", Data: data},
		{Filename: "two.png", Data: data},
		{Filename: "three.png", Data: data},
	}, true)
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.True(t, IsKind(results[0].Err, ErrInference))
	assert.True(t, results[1].Failed())
	assert.False(t, results[2].Failed())
	assert.Equal(t, "No Tumor", results[2].Prediction)
}

func TestClassifyChartFailureIsPerImage(t *testing.T) {
	svc := NewService(fixedPredictor(1, 0, 0, 0), testLabels, testOpts,
		WithChartRenderer(func(map[string]float64) (string, error) {
			return "", errors.New("no canvas")
		}))

	results, err := svc.Classify(context.Background(), []Upload{{Filename: "x.png", Data: pngBytes(t)}}, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed())

	results, err = svc.Classify(context.Background(), []Upload{{Filename: "x.png", Data: pngBytes(t)}}, false)
	require.NoError(t, err)
	assert.False(t, results[0].Failed())
	assert.Empty(t, results[0].Chart)
}

func TestClassifyEmptyList(t *testing.T) {
	svc := NewService(fixedPredictor(1, 0, 0, 0), testLabels, testOpts)

	_, err := svc.Classify(context.Background(), nil, true)
	assert.True(t, IsKind(err, ErrNoImages))
}

func TestClassifyPassesTensorToPredictor(t *testing.T) {
	var got []float32
	predictor := PredictorFunc(func(_ context.Context, input []float32) ([]float32, error) {
		got = input
		return []float32{1, 0, 0, 0}, nil
	})
	svc := NewService(predictor, testLabels, testOpts)

	_, err := svc.Predict(context.Background(), pngBytes(t))
	require.NoError(t, err)
	assert.Len(t, got, svc.InputSize())
	assert.Equal(t, 4*4*3, svc.InputSize())
}

func TestPredictTensorValidatesLength(t *testing.T) {
	svc := NewService(fixedPredictor(1, 0, 0, 0), testLabels, testOpts)

	_, err := svc.PredictTensor(context.Background(), make([]float32, 7))
	assert.True(t, IsKind(err, ErrInvalidInput))

	scored, err := svc.PredictTensor(context.Background(), make([]float32, svc.InputSize()))
	require.NoError(t, err)
	assert.Equal(t, "Glioma", scored.Label)
}

func TestResultJSON(t *testing.T) {
	ok := Result{
		Filename:   "scan.png",
		Prediction: "Glioma",
		Confidence: 98.5,
		Scores:     map[string]float64{"Glioma": 98.5},
		Chart:      "abc",
	}
	raw, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"filename":"scan.png","prediction":"Glioma","confidence":98.5,"scores":{"Glioma":98.5},"chart":"abc"}`, string(raw))

	failed := Result{Filename: "bad.png", Err: errors.New("boom")}
	raw, err = json.Marshal(failed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"filename":"bad.png","error":"Failed to process this image."}`, string(raw))
}

func TestClassifyWithRealChart(t *testing.T) {
	svc := NewService(fixedPredictor(0.2, 0.3, 0.4, 0.1), testLabels, testOpts)

	results, err := svc.Classify(context.Background(), []Upload{{Filename: "x.png", Data: pngBytes(t)}}, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Failed())

	raw, err := base64.StdEncoding.DecodeString(results[0].Chart)
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(raw))
	assert.NoError(t, err)
}
