package control

import "math"

// SystemState identifies the operating regime of the streaming pipeline.
type SystemState string

const (
	StateOptimal    SystemState = "optimal"
	StateRecovering SystemState = "recovering"
	StateDegraded   SystemState = "degraded"
	StateCritical   SystemState = "critical"
)

// AllStates lists every state, worst first. Used for gauge initialization.
var AllStates = []SystemState{StateCritical, StateDegraded, StateRecovering, StateOptimal}

const (
	fpsWeight     = 0.4
	bufferWeight  = 0.3
	networkWeight = 0.3

	criticalBelow   = 0.5
	degradedBelow   = 0.8
	recoveringBelow = 0.95
)

// CombinedScore folds throughput, buffer occupancy and network health into a
// single health value. Jitter is in seconds; 100ms of jitter zeroes the
// network term.
func CombinedScore(fpsRatio, bufferRatio, jitter float64) float64 {
	netScore := 1 - math.Min(1, 10*jitter)
	return fpsWeight*fpsRatio + bufferWeight*bufferRatio + networkWeight*netScore
}

// Classify maps a combined score onto a system state.
func Classify(score float64) SystemState {
	switch {
	case score < criticalBelow:
		return StateCritical
	case score < degradedBelow:
		return StateDegraded
	case score < recoveringBelow:
		return StateRecovering
	default:
		return StateOptimal
	}
}
