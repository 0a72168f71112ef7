package scsipi

// syncParams maps the special sync factors to periods in ns*100.
var syncParams = [...]struct {
	factor int
	period int
}{
	{0x08, 625},  // FAST-160 (Ultra320)
	{0x09, 1250}, // FAST-80 (Ultra160)
	{0x0a, 2500}, // FAST-40 40MHz (Ultra2)
	{0x0b, 3030}, // FAST-40 33MHz (Ultra2)
	{0x0c, 5000}, // FAST-20 (Ultra)
}

// SyncPeriodToFactor converts a sync period in ns*100 to a sync factor.
func SyncPeriodToFactor(period int) int {
	for _, sp := range syncParams {
		if period <= sp.period {
			return sp.factor
		}
	}
	return period / 100 / 4
}

// SyncFactorToPeriod converts a sync factor to a period in ns*100.
func SyncFactorToPeriod(factor int) int {
	for _, sp := range syncParams {
		if factor == sp.factor {
			return sp.period
		}
	}
	return factor * 4 * 100
}

// SyncFactorToFreq converts a sync factor to a frequency in kHz.
func SyncFactorToFreq(factor int) int {
	for _, sp := range syncParams {
		if factor == sp.factor {
			return 100000000 / sp.period
		}
	}
	if factor <= 0 {
		return 0
	}
	return 10000000 / (factor * 4 * 10)
}
