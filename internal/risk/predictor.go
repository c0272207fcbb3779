package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/qualys/iacguard/internal/models"
)

// Predictor scores a feature summary. Implementations must honor the
// context deadline.
type Predictor interface {
	Predict(ctx context.Context, features models.PlanFeatures) (models.RiskPrediction, error)
}

// Neutral is the prediction substituted when the predictor is
// unavailable: zero probability, zero confidence, so the decision
// degrades to pure policy evaluation.
func Neutral() models.RiskPrediction {
	return models.RiskPrediction{}
}

const defaultPredictorTimeout = 10 * time.Second

// HTTPPredictor calls an external scoring service over HTTP.
type HTTPPredictor struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

type HTTPPredictorOption func(*HTTPPredictor)

func WithTimeout(d time.Duration) HTTPPredictorOption {
	return func(p *HTTPPredictor) { p.client.Timeout = d }
}

func WithLogger(logger *slog.Logger) HTTPPredictorOption {
	return func(p *HTTPPredictor) { p.logger = logger }
}

func NewHTTPPredictor(baseURL string, opts ...HTTPPredictorOption) *HTTPPredictor {
	p := &HTTPPredictor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultPredictorTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPPredictor) Predict(ctx context.Context, features models.PlanFeatures) (models.RiskPrediction, error) {
	payload, err := json.Marshal(features)
	if err != nil {
		return Neutral(), fmt.Errorf("encoding features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/predict", bytes.NewReader(payload))
	if err != nil {
		return Neutral(), fmt.Errorf("building predictor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Neutral(), fmt.Errorf("calling predictor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Neutral(), fmt.Errorf("predictor returned %d: %s", resp.StatusCode, body)
	}

	var prediction models.RiskPrediction
	if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
		return Neutral(), fmt.Errorf("decoding prediction: %w", err)
	}

	if prediction.ViolationProbability < 0 || prediction.ViolationProbability > 1 ||
		prediction.Confidence < 0 || prediction.Confidence > 1 {
		return Neutral(), fmt.Errorf("prediction out of range: probability=%v confidence=%v",
			prediction.ViolationProbability, prediction.Confidence)
	}
	return prediction, nil
}

// StaticPredictor returns a fixed prediction. It backs tests and
// deployments that run without a scoring service.
type StaticPredictor struct {
	Prediction models.RiskPrediction
	Err        error
}

func (p *StaticPredictor) Predict(ctx context.Context, features models.PlanFeatures) (models.RiskPrediction, error) {
	if p.Err != nil {
		return Neutral(), p.Err
	}
	return p.Prediction, nil
}
