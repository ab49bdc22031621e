package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/enterprise/fraud-engine/internal/models"
)

// Model produces a fraud probability in [0,1] for one scaled feature vector.
type Model interface {
	FraudProbability(features []float64) (float64, error)
}

// Classifier is a logistic model over the scaled feature vector.
type Classifier struct {
	Weights   []float64 `json:"weights"`
	Intercept float64   `json:"intercept"`
}

// FraudProbability returns the positive-class probability.
func (c *Classifier) FraudProbability(features []float64) (float64, error) {
	if len(features) != len(c.Weights) {
		return 0, fmt.Errorf("classifier expects %d features, got %d", len(c.Weights), len(features))
	}
	z := c.Intercept
	for i, w := range c.Weights {
		z += w * features[i]
	}
	return sigmoid(z), nil
}

// AnomalyModel maps an isolation forest decision score s onto a
// probability-like value through the logistic 1/(1+exp(-s)). Anomalous
// samples carry negative decision scores and land below 0.5.
type AnomalyModel struct {
	Forest *IsolationForest `json:"forest"`
}

// FraudProbability converts the calibrated anomaly score to a probability.
func (m *AnomalyModel) FraudProbability(features []float64) (float64, error) {
	score, err := m.Forest.DecisionFunction(features)
	if err != nil {
		return 0, err
	}
	return sigmoid(score), nil
}

// Scaler standardizes feature vectors with per-feature mean and stddev.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Fit computes per-feature statistics over a training batch.
func (s *Scaler) Fit(samples [][]float64) error {
	if len(samples) == 0 {
		return errors.New("no samples to fit scaler")
	}
	dims := len(samples[0])
	s.Mean = make([]float64, dims)
	s.Std = make([]float64, dims)

	column := make([]float64, len(samples))
	for d := 0; d < dims; d++ {
		for i, sample := range samples {
			column[i] = sample[d]
		}
		mean, std := stat.MeanStdDev(column, nil)
		s.Mean[d] = mean
		s.Std[d] = std
	}
	return nil
}

// Transform standardizes one feature vector. Zero-variance features pass
// through centered only.
func (s *Scaler) Transform(features []float64) ([]float64, error) {
	if len(features) != len(s.Mean) {
		return nil, fmt.Errorf("scaler expects %d features, got %d", len(s.Mean), len(features))
	}
	out := make([]float64, len(features))
	for i, v := range features {
		std := s.Std[i]
		if std == 0 || math.IsNaN(std) {
			out[i] = v - s.Mean[i]
			continue
		}
		out[i] = (v - s.Mean[i]) / std
	}
	return out, nil
}

// artifactSet is the immutable loaded-model triple swapped atomically on
// reload.
type artifactSet struct {
	model    Model
	scaler   *Scaler
	features []string
	fitted   bool
}

// MLScorer wraps the persisted model artifacts behind an atomic pointer so
// Reload never blocks in-flight scoring.
type MLScorer struct {
	history      History
	artifactPath string
	current      atomic.Pointer[artifactSet]
}

// NewMLScorer loads model artifacts from artifactPath. When loading fails it
// degrades to an unfitted fallback forest; scoring then yields no ML signal
// until SeedFallback provides training data.
func NewMLScorer(history History, artifactPath string) *MLScorer {
	s := &MLScorer{history: history, artifactPath: artifactPath}
	if err := s.Reload(); err != nil {
		log.Warn().Err(err).Str("path", artifactPath).Msg("Model artifacts unavailable; using unfitted fallback")
	}
	return s
}

// Reload re-reads the artifacts from disk and swaps them in atomically.
// On failure the fallback set is installed and the error returned.
func (s *MLScorer) Reload() error {
	set, err := loadArtifacts(s.artifactPath)
	if err != nil {
		s.current.Store(fallbackArtifacts())
		return err
	}
	s.current.Store(set)
	log.Info().Str("path", s.artifactPath).Msg("Model artifacts loaded")
	return nil
}

// SeedFallback fits the fallback forest and scaler on a batch of raw feature
// vectors. It is a no-op when persisted artifacts are already in use.
func (s *MLScorer) SeedFallback(samples [][]float64) error {
	set := s.current.Load()
	if set.fitted {
		return nil
	}

	scaler := &Scaler{}
	if err := scaler.Fit(samples); err != nil {
		return err
	}
	scaled := make([][]float64, len(samples))
	for i, sample := range samples {
		v, err := scaler.Transform(sample)
		if err != nil {
			return err
		}
		scaled[i] = v
	}

	forest := NewIsolationForest(100, 0.1)
	if err := forest.Fit(scaled); err != nil {
		return err
	}

	s.current.Store(&artifactSet{
		model:    &AnomalyModel{Forest: forest},
		scaler:   scaler,
		features: featureNames,
		fitted:   true,
	})
	log.Info().Int("samples", len(samples)).Msg("Fallback anomaly model fitted")
	return nil
}

// Score returns the model's fraud probability for a transaction, or nil when
// no usable model signal exists. Model failures degrade to nil, never to an
// assessment error.
func (s *MLScorer) Score(ctx context.Context, tx *models.Transaction, profile *models.UserRiskProfile) *float64 {
	set := s.current.Load()
	if !set.fitted {
		return nil
	}

	newLocation, newDevice, err := s.noveltyFlags(ctx, tx)
	if err != nil {
		log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Novelty lookup failed; skipping ML score")
		return nil
	}

	raw := extractFeatures(tx, profile, newLocation, newDevice)
	scaled, err := set.scaler.Transform(raw)
	if err != nil {
		log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Feature scaling failed; skipping ML score")
		return nil
	}

	p, err := set.model.FraudProbability(scaled)
	if err != nil {
		log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Model prediction failed; skipping ML score")
		return nil
	}

	p = clip01(p)
	return &p
}

// noveltyFlags resolves the geolocation-change and device-change features
// from history. A location counts as new with no history or when the nearest
// typical location is over 100 km away.
func (s *MLScorer) noveltyFlags(ctx context.Context, tx *models.Transaction) (bool, bool, error) {
	locations, err := s.history.TypicalLocations(ctx, tx.UserID)
	if err != nil {
		return false, false, err
	}

	newLocation := true
	for _, loc := range locations {
		if DistanceKm(tx.Geolocation.Latitude, tx.Geolocation.Longitude, loc.Latitude, loc.Longitude) <= 100 {
			newLocation = false
			break
		}
	}

	known, err := s.history.KnownDevices(ctx, tx.UserID)
	if err != nil {
		return false, false, err
	}
	newDevice := !known[tx.DeviceFingerprint.Fingerprint]

	return newLocation, newDevice, nil
}

func fallbackArtifacts() *artifactSet {
	return &artifactSet{
		model:    &AnomalyModel{Forest: NewIsolationForest(100, 0.1)},
		scaler:   &Scaler{},
		features: featureNames,
		fitted:   false,
	}
}

// classifierArtifact is the on-disk model blob. Kind selects the variant.
type classifierArtifact struct {
	Kind       string           `json:"kind"`
	Classifier *Classifier      `json:"classifier,omitempty"`
	Forest     *IsolationForest `json:"forest,omitempty"`
}

func loadArtifacts(path string) (*artifactSet, error) {
	var blob classifierArtifact
	if err := readJSON(path, &blob); err != nil {
		return nil, fmt.Errorf("model artifact: %w", err)
	}

	var model Model
	switch blob.Kind {
	case "classifier":
		if blob.Classifier == nil {
			return nil, errors.New("model artifact: missing classifier payload")
		}
		model = blob.Classifier
	case "anomaly":
		if blob.Forest == nil {
			return nil, errors.New("model artifact: missing forest payload")
		}
		model = &AnomalyModel{Forest: blob.Forest}
	default:
		return nil, fmt.Errorf("model artifact: unknown kind %q", blob.Kind)
	}

	scaler := &Scaler{}
	if err := readJSON(siblingArtifact(path, "_scaler"), scaler); err != nil {
		return nil, fmt.Errorf("scaler artifact: %w", err)
	}

	var features []string
	if err := readJSON(siblingArtifact(path, "_features"), &features); err != nil {
		return nil, fmt.Errorf("feature artifact: %w", err)
	}
	if len(features) != len(featureNames) {
		return nil, fmt.Errorf("feature artifact lists %d features, expected %d", len(features), len(featureNames))
	}
	for i, name := range features {
		if name != featureNames[i] {
			return nil, fmt.Errorf("feature artifact order mismatch at %d: %q", i, name)
		}
	}

	return &artifactSet{model: model, scaler: scaler, features: features, fitted: true}, nil
}

// siblingArtifact derives the companion artifact path: foo.pkl -> foo_scaler.pkl.
func siblingArtifact(path, suffix string) string {
	if idx := strings.LastIndex(path, "."); idx > strings.LastIndex(path, "/") {
		return path[:idx] + suffix + path[idx:]
	}
	return path + suffix
}

func readJSON(path string, dest interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}
