// Package ooda runs one Observe-Orient-Decide-Act cycle per alert. It
// sequences the classifier, resonance scorer, gate, hot-path publisher and
// dispatcher under a soft latency budget and reports every cycle as a
// structured Outcome plus metrics; per-cycle failures never escape a cycle.
package ooda
