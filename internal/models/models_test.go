package models

import (
	"math"
	"testing"
)

func TestReadingsFieldCoversSchema(t *testing.T) {
	var r Readings
	seen := make(map[*float64]Variable)
	for _, v := range Variables {
		f := r.Field(v)
		if f == nil {
			t.Fatalf("Field(%s) = nil", v)
		}
		if prev, ok := seen[&f.Float64]; ok {
			t.Fatalf("Field(%s) aliases Field(%s)", v, prev)
		}
		seen[&f.Float64] = v
	}
	if r.Field(CloudFactor) != nil {
		t.Error("Field(cloud_factor) should be nil on raw readings")
	}
}

func TestReadingsSetGet(t *testing.T) {
	var r Readings
	if !r.Empty() {
		t.Fatal("zero readings should be empty")
	}

	r.Set(AirTemp, 12.5)
	if got := r.Get(AirTemp); got != 12.5 {
		t.Errorf("Get(air_temp) = %v, want 12.5", got)
	}
	if r.Empty() {
		t.Error("readings with a value should not be empty")
	}

	r.Set(AirTemp, math.NaN())
	if r.AirTemp.Valid {
		t.Error("NaN should be stored as null")
	}
	if !math.IsNaN(r.Get(AirTemp)) {
		t.Error("null should read back as NaN")
	}
}

func TestKnown(t *testing.T) {
	if !Known(SnowWaterEquiv) {
		t.Error("snow_water_equiv should be known")
	}
	if Known("sea_level_pressure") {
		t.Error("sea_level_pressure should not be known")
	}
}
