// Package classify is the Orient-stage boundary to the technique classifier.
// It defines the Classifier capability, the bounded-time call wrapper and the
// degraded result substituted when a backend times out or fails.
package classify
