package audio

// slinRates lists the sample rates Asterisk has a signed-linear codec name
// for, in ascending order.
var slinRates = []int{8000, 16000, 24000, 32000, 44100, 48000, 96000, 192000}

// slinNames maps each standard rate to the switch's codec name.
var slinNames = map[int]string{
	8000:   "slin",
	16000:  "slin16",
	24000:  "slin24",
	32000:  "slin32",
	44100:  "slin44",
	48000:  "slin48",
	96000:  "slin96",
	192000: "slin192",
}

// SlinFormat returns the switch codec name for rate. ok is false when the
// rate has no exact slin mapping; callers should resample to
// [NearestSlinRate] first.
func SlinFormat(rate int) (name string, ok bool) {
	name, ok = slinNames[rate]
	return name, ok
}

// NearestSlinRate returns the closest standard slin rate that does not
// exceed rate. Rates below 8 kHz map up to 8000 since the switch has no
// slower linear codec.
func NearestSlinRate(rate int) int {
	best := slinRates[0]
	for _, r := range slinRates {
		if r > rate {
			break
		}
		best = r
	}
	return best
}

// SlinRateFor returns the sample rate a slin codec name implies, or 0 for
// an unknown name.
func SlinRateFor(format string) int {
	for rate, name := range slinNames {
		if name == format {
			return rate
		}
	}
	return 0
}
