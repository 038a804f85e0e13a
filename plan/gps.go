package plan

import (
	"strconv"
	"strings"
)

// parseNMEALatLon extracts latitude and longitude in decimal degrees from a
// GGA sentence. Sentences of other types, or GGA without a fix, report
// ok=false.
func parseNMEALatLon(sentence string) (lat, lon float64, ok bool) {
	if i := strings.IndexByte(sentence, '*'); i >= 0 {
		sentence = sentence[:i]
	}
	fields := strings.Split(sentence, ",")
	if len(fields) < 7 || !strings.HasPrefix(fields[0], "$") || !strings.HasSuffix(fields[0], "GGA") {
		return 0, 0, false
	}
	lat, ok = parseNMEACoord(fields[2], fields[3], 2)
	if !ok {
		return 0, 0, false
	}
	lon, ok = parseNMEACoord(fields[4], fields[5], 3)
	if !ok {
		return 0, 0, false
	}
	return lat, lon, true
}

// parseNMEACoord converts "ddmm.mmmm" (or "dddmm.mmmm" for longitude) plus
// a hemisphere letter into signed decimal degrees.
func parseNMEACoord(value, hemisphere string, degreeDigits int) (float64, bool) {
	if len(value) <= degreeDigits {
		return 0, false
	}
	degrees, err := strconv.ParseFloat(value[:degreeDigits], 64)
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.ParseFloat(value[degreeDigits:], 64)
	if err != nil {
		return 0, false
	}
	coord := degrees + minutes/60.0
	switch hemisphere {
	case "S", "W":
		return -coord, true
	case "N", "E":
		return coord, true
	default:
		return 0, false
	}
}

// meanAccumulator keeps a running mean.
type meanAccumulator struct {
	sum   float64
	count int
}

func (m *meanAccumulator) add(v float64) {
	m.sum += v
	m.count++
}

func (m *meanAccumulator) mean() (float64, bool) {
	if m.count == 0 {
		return 0, false
	}
	return m.sum / float64(m.count), true
}
