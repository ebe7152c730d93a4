package ranking

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
)

// ErrInvalidWeight is returned when a weight is negative or not a number.
var ErrInvalidWeight = errors.New("ranking weights must be non-negative numbers")

// Weights defines how much each sub-score contributes to the final score.
// They should sum to 1.0 but this is not required; the final score is a
// plain weighted sum.
type Weights struct {
	Likes            float64 `json:"likes"`             // Weight for normalized likes (default: 0.15)
	Comments         float64 `json:"comments"`          // Weight for normalized comments (default: 0.15)
	Freshness        float64 `json:"freshness"`         // Weight for freshness (default: 0.25)
	Engagement       float64 `json:"engagement"`        // Weight for normalized engagement rate (default: 0.2)
	AuthorPopularity float64 `json:"author_popularity"` // Weight for author popularity (default: 0.1)
	ContentQuality   float64 `json:"content_quality"`   // Weight for content quality (default: 0.15)
}

// CalibrationConfig represents the JSON structure of the calibration file.
type CalibrationConfig struct {
	Version  string    `json:"version"`
	Weights  Weights   `json:"weights"`
	Ceilings *Ceilings `json:"ceilings,omitempty"`
}

// DefaultWeights returns the default ranking weight configuration.
//
// Formula: score = likes*0.15 + comments*0.15 + freshness*0.25 +
// engagement*0.2 + author_popularity*0.1 + content_quality*0.15
func DefaultWeights() Weights {
	return Weights{
		Likes:            0.15,
		Comments:         0.15,
		Freshness:        0.25,
		Engagement:       0.2,
		AuthorPopularity: 0.1,
		ContentQuality:   0.15,
	}
}

func (w Weights) values() []float64 {
	return []float64{w.Likes, w.Comments, w.Freshness, w.Engagement, w.AuthorPopularity, w.ContentQuality}
}

// Validate checks that every weight is a non-negative number.
func (w Weights) Validate() error {
	names := []string{"likes", "comments", "freshness", "engagement", "author_popularity", "content_quality"}
	for i, v := range w.values() {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%s=%v: %w", names[i], v, ErrInvalidWeight)
		}
	}
	return nil
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	var sum float64
	for _, v := range w.values() {
		sum += v
	}
	return sum
}

// Fingerprint returns a stable string identifying this weight set. It is
// embedded in cache keys so pages scored with different weights never mix.
// Values use the shortest exact representation, so distinct weights never
// share a fingerprint.
func (w Weights) Fingerprint() string {
	parts := make([]string, 0, 6)
	for _, v := range w.values() {
		parts = append(parts, strconv.FormatFloat(v, 'g', -1, 64))
	}
	return strings.Join(parts, ":")
}

// LoadCalibration loads ranking weights and ceilings from a JSON calibration file.
// If the file doesn't exist or can't be parsed, returns defaults with an error.
// Partial configurations are merged with defaults.
func LoadCalibration(filePath string) (Weights, Ceilings, error) {
	if filePath == "" {
		return DefaultWeights(), DefaultCeilings(), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		slog.Warn("failed to read calibration file, using defaults",
			"path", filePath,
			"error", err)
		return DefaultWeights(), DefaultCeilings(), fmt.Errorf("failed to read calibration file: %w", err)
	}

	var config CalibrationConfig
	if err := json.Unmarshal(data, &config); err != nil {
		slog.Warn("failed to parse calibration file, using defaults",
			"path", filePath,
			"error", err)
		return DefaultWeights(), DefaultCeilings(), fmt.Errorf("failed to parse calibration file: %w", err)
	}

	merged := MergeCalibration(DefaultWeights(), config.Weights)
	if err := merged.Validate(); err != nil {
		return DefaultWeights(), DefaultCeilings(), fmt.Errorf("invalid calibration file: %w", err)
	}

	ceilings := DefaultCeilings()
	if config.Ceilings != nil {
		ceilings = mergeCeilings(ceilings, *config.Ceilings)
	}

	logCalibrationOverrides(DefaultWeights(), merged)
	return merged, ceilings, nil
}

// MergeCalibration merges override weights onto base.
// Only non-zero override values are applied, so a calibration file can
// tune a single weight.
func MergeCalibration(base, override Weights) Weights {
	result := base
	if override.Likes != 0 {
		result.Likes = override.Likes
	}
	if override.Comments != 0 {
		result.Comments = override.Comments
	}
	if override.Freshness != 0 {
		result.Freshness = override.Freshness
	}
	if override.Engagement != 0 {
		result.Engagement = override.Engagement
	}
	if override.AuthorPopularity != 0 {
		result.AuthorPopularity = override.AuthorPopularity
	}
	if override.ContentQuality != 0 {
		result.ContentQuality = override.ContentQuality
	}
	return result
}

func mergeCeilings(base, override Ceilings) Ceilings {
	if override.Likes > 0 {
		base.Likes = override.Likes
	}
	if override.Comments > 0 {
		base.Comments = override.Comments
	}
	if override.EngagementPerHour > 0 {
		base.EngagementPerHour = override.EngagementPerHour
	}
	if override.Followers > 0 {
		base.Followers = override.Followers
	}
	return base
}

// logCalibrationOverrides logs which weights were overridden from defaults.
func logCalibrationOverrides(defaults, loaded Weights) {
	names := []string{"likes", "comments", "freshness", "engagement", "author_popularity", "content_quality"}
	dv, lv := defaults.values(), loaded.values()

	var overrides []string
	for i := range names {
		if dv[i] != lv[i] {
			overrides = append(overrides, fmt.Sprintf("%s: %.2f -> %.2f", names[i], dv[i], lv[i]))
		}
	}

	if len(overrides) > 0 {
		slog.Info("loaded ranking calibration with overrides",
			"overrides", overrides,
			"weight_sum", loaded.Sum())
	} else {
		slog.Info("loaded ranking calibration (using all defaults)")
	}
}
