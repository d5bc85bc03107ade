// Package decision holds the escalation decision rule. It is a pure
// threshold check so that the routing behavior is trivial to audit and test.
package decision

// ConfidenceThreshold is the fixed cutoff below which an automated reply is
// handed to a human supervisor. It is deliberately not configurable.
const ConfidenceThreshold = 0.7

// ShouldEscalate reports whether a reply with the given confidence score must
// be escalated. The comparison is strictly less-than: a score of exactly 0.7
// stays with the agent. Scores outside [0,1] are accepted as-is; clamping is
// the caller's job and this function stays total.
func ShouldEscalate(confidence float64) bool {
	return confidence < ConfidenceThreshold
}
