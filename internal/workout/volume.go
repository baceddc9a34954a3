package workout

// Volume arithmetic over nullable load/reps must never fail: a set
// with either side missing simply contributes zero. The same policy
// is applied by the client-side mirror recomputation.

// SetVolume returns the volume contribution of a single set.
func SetVolume(load *float64, reps *int) float64 {
	if load == nil || reps == nil {
		return 0
	}
	return *load * float64(*reps)
}

// SessionVolume recomputes the total volume over all given sets. The
// repo maintains Session.TotalVolume incrementally; this full rescan
// exists for the client mirror and for consistency checks in tests.
func SessionVolume(sets []SetSession) float64 {
	var total float64
	for i := range sets {
		total += SetVolume(sets[i].Load, sets[i].Reps)
	}
	return total
}

// CompletedVolume sums load×reps over completed sets only. This is a
// deliberately distinct metric from SessionVolume: the session total
// counts every registered set, while the client UI reports progress
// over sets the customer has checked off.
func CompletedVolume(sets []SetSession) float64 {
	var total float64
	for i := range sets {
		if sets[i].Completed {
			total += SetVolume(sets[i].Load, sets[i].Reps)
		}
	}
	return total
}
