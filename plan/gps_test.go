package plan

import (
	"math"
	"testing"
)

func TestParseNMEALatLon(t *testing.T) {
	sentence := "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	lat, lon, ok := parseNMEALatLon(sentence)
	if !ok {
		t.Fatal("expected a fix")
	}
	if math.Abs(lat-(48.0+7.038/60)) > 1e-9 {
		t.Errorf("lat = %v", lat)
	}
	if math.Abs(lon-(11.0+31.0/60)) > 1e-9 {
		t.Errorf("lon = %v", lon)
	}
}

func TestParseNMEALatLon_SouthWest(t *testing.T) {
	sentence := "$GNGGA,123519,3342.000,S,07039.000,W,1,08,0.9,5.4,M,4.9,M,,"
	lat, lon, ok := parseNMEALatLon(sentence)
	if !ok {
		t.Fatal("expected a fix")
	}
	if lat >= 0 || lon >= 0 {
		t.Errorf("southern/western fix must be negative: %v, %v", lat, lon)
	}
}

func TestParseNMEALatLon_Rejects(t *testing.T) {
	for _, sentence := range []string{
		"$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A", // wrong type
		"$GPGGA,123519,,,,,0,00,,,M,,M,,",                                      // no fix
		"garbage",
	} {
		if _, _, ok := parseNMEALatLon(sentence); ok {
			t.Errorf("parse(%q) succeeded, want rejection", sentence)
		}
	}
}

func TestMeanAccumulator(t *testing.T) {
	var m meanAccumulator
	if _, ok := m.mean(); ok {
		t.Error("empty accumulator must have no mean")
	}
	m.add(1)
	m.add(2)
	m.add(6)
	if mean, _ := m.mean(); mean != 3 {
		t.Errorf("mean = %v, want 3", mean)
	}
}
