package popularity

// RollingAverage is an incrementally maintained arithmetic mean.
// The zero value is an empty average.
type RollingAverage struct {
	Mean  float64 `json:"mean"`
	Count int64   `json:"count"`
}

// Update folds x into the average: mean' = mean + (x - mean) / count'.
func (r *RollingAverage) Update(x float64) {
	r.Count++
	r.Mean += (x - r.Mean) / float64(r.Count)
}
