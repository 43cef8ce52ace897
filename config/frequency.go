package config

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"time"
)

var frequencyRegexp = regexp.MustCompile(`^([0-9]*)(min|T|h|H|D|W)$`)

// ParseFrequency converts a pandas-style offset alias such as "1D", "3h" or
// "15min" into a duration. Calendar aliases with variable length (months,
// years) are rejected.
func ParseFrequency(freq string) (time.Duration, error) {
	m := frequencyRegexp.FindStringSubmatch(freq)
	if m == nil {
		return 0, fmt.Errorf("unsupported frequency %q", freq)
	}
	n := 1
	if m[1] != "" {
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("frequency %q: %w", freq, err)
		}
		n = v
	}
	if n <= 0 {
		return 0, fmt.Errorf("frequency %q: multiplier must be > 0", freq)
	}
	var unit time.Duration
	switch m[2] {
	case "min", "T":
		unit = time.Minute
	case "h", "H":
		unit = time.Hour
	case "D":
		unit = 24 * time.Hour
	case "W":
		unit = 7 * 24 * time.Hour
	}
	if int64(n) > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("frequency %q: multiplier out of range", freq)
	}
	return time.Duration(n) * unit, nil
}

// FrequencyFactor returns how many steps of fine fit into one step of coarse.
func FrequencyFactor(coarse, fine string) (int, error) {
	dc, err := ParseFrequency(coarse)
	if err != nil {
		return 0, err
	}
	df, err := ParseFrequency(fine)
	if err != nil {
		return 0, err
	}
	if dc <= 0 || df <= 0 {
		return 0, fmt.Errorf("frequencies %s and %s must be positive", coarse, fine)
	}
	if dc < df || dc%df != 0 {
		return 0, fmt.Errorf("frequency %s is not an integer multiple of %s", coarse, fine)
	}
	return int(dc / df), nil
}

// SortFrequencies orders frequencies from coarsest to finest.
func SortFrequencies(freqs []string) ([]string, error) {
	durations := make(map[string]time.Duration, len(freqs))
	for _, f := range freqs {
		d, err := ParseFrequency(f)
		if err != nil {
			return nil, err
		}
		durations[f] = d
	}
	out := append([]string(nil), freqs...)
	sort.SliceStable(out, func(i, j int) bool {
		return durations[out[i]] > durations[out[j]]
	})
	return out, nil
}
