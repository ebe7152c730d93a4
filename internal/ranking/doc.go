// Package ranking computes multi-factor relevance scores for content items.
//
// Basic Usage:
//
//	// Load calibration (typically at startup)
//	weights, ceilings, err := ranking.LoadCalibration("configs/ranking.calibration.json")
//	if err != nil {
//		log.Warn("using default weights", "error", err)
//	}
//
//	engine := ranking.NewEngine(ranking.EngineConfig{Ceilings: &ceilings})
//	batch := engine.ScoreBatch(items, weights, 24*7)
//	if err := batch.Err(); err != nil {
//		log.Warn("some items were not ranked", "error", err)
//	}
//
// Metric Functions:
//
// Freshness, ContentQuality, AuthorPopularity and Normalize return values in
// the [0, 1] range. EngagementRate is a raw interactions-per-hour signal and
// is normalized against Ceilings.EngagementPerHour before weighting.
//
// Calibration:
//
// Weights and ceilings can be tuned at deploy time through a JSON calibration
// file loaded at startup. Weights can also be replaced at runtime by the
// query orchestrator, which invalidates pages scored with the old weights.
package ranking
