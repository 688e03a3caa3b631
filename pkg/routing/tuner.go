package routing

// Feedback self-tunes the thresholds from completed-deliberation
// outcomes. A high false-positive rate (items deliberated, then approved
// without dissent) means the fast threshold is too aggressive and can
// rise; a high false-negative rate (fast-laned messages later flagged)
// pulls it back down. Adjustments are small, symmetric, and hard-clamped
// to [ThresholdFloor, ThresholdCeil] so feedback can never drift the
// router into a permissive or paranoid extreme.

const (
	tunerStep       = 0.01
	tunerBatchSize  = 20  // adjust once per N completed deliberations
	tunerTargetRate = 0.3 // acceptable false-positive share
)

// RecordOutcome feeds one completed deliberation back into the tuner.
// falsePositive marks an item that was deliberated but approved with no
// rejecting or vetoing vote.
func (r *Router) RecordOutcome(falsePositive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.completed++
	if falsePositive {
		r.falsePositives++
	}
	if r.completed < tunerBatchSize {
		return
	}

	fpRate := float64(r.falsePositives) / float64(r.completed)
	old := r.thresholds
	if fpRate > tunerTargetRate {
		r.thresholds.Fast = clampThreshold(r.thresholds.Fast + tunerStep)
	} else {
		r.thresholds.Fast = clampThreshold(r.thresholds.Fast - tunerStep)
	}
	if r.thresholds.Fast != old.Fast {
		r.logger.Info("fast threshold adjusted",
			"from", old.Fast, "to", r.thresholds.Fast, "false_positive_rate", fpRate)
		if r.onAdjust != nil {
			r.onAdjust(old, r.thresholds, "deliberation feedback batch")
		}
	}

	r.completed = 0
	r.falsePositives = 0
}

// RecordFastLaneFlag feeds back a fast-laned message that downstream
// review flagged as risky. Lowers the fast threshold immediately:
// false negatives are the expensive direction.
func (r *Router) RecordFastLaneFlag() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.falseNegatives++
	old := r.thresholds
	r.thresholds.Fast = clampThreshold(r.thresholds.Fast - tunerStep)
	if r.thresholds.Fast != old.Fast {
		r.logger.Warn("fast threshold lowered after fast-lane flag",
			"from", old.Fast, "to", r.thresholds.Fast)
		if r.onAdjust != nil {
			r.onAdjust(old, r.thresholds, "fast-lane flag")
		}
	}
}

func clampThreshold(v float64) float64 {
	if v < ThresholdFloor {
		return ThresholdFloor
	}
	if v > ThresholdCeil {
		return ThresholdCeil
	}
	return v
}
