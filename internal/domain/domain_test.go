package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_RoundTrip(t *testing.T) {
	for _, s := range Sources() {
		parsed, err := ParseSource(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseSource("nucleaire")
	assert.Error(t, err)
	assert.False(t, Source(42).IsValid())
	assert.Equal(t, "Source(42)", Source(42).String())
}

func TestSources_CanonicalOrder(t *testing.T) {
	names := make([]string, 0, NumSources)
	for _, s := range Sources() {
		names = append(names, s.String())
	}
	assert.Equal(t, []string{
		"bioenergies", "hydraulique", "diesel", "charbon",
		"turbines_a_combustion", "photovoltaique", "eolien", "stockage",
	}, names)
}

func TestRawRecord_ToEnergyRecord_ClampsAndDefaults(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	raw := RawRecord{
		Timestamp: ts,
		Total:     120,
		Power: map[Source]float64{
			SourceEolien: -5,
			SourceDiesel: 40,
		},
	}

	rec := raw.ToEnergyRecord()

	assert.True(t, rec.Timestamp.Equal(ts))
	assert.Equal(t, 120.0, rec.Total)
	assert.Equal(t, 0.0, rec.Power.Get(SourceEolien), "negative power clamps to zero")
	assert.Equal(t, 40.0, rec.Power.Get(SourceDiesel))
	assert.Equal(t, 0.0, rec.Power.Get(SourceCharbon), "missing source defaults to zero")
}

func TestMix_JSON(t *testing.T) {
	var m Mix
	m[SourceHydraulique] = 5
	m[SourceStockage] = 1.5

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var obj map[string]float64
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Len(t, obj, NumSources, "every source is present")
	assert.Equal(t, 5.0, obj["hydraulique"])
	assert.Equal(t, 0.0, obj["charbon"])

	var back Mix
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m, back)

	assert.Error(t, json.Unmarshal([]byte(`{"fusion": 1}`), &back))
}

func TestEmissionFactors_Defaults(t *testing.T) {
	f := DefaultEmissionFactors()
	require.NoError(t, f.Validate())

	assert.Equal(t, 300.0, f.Factor(SourceBioenergies))
	assert.Equal(t, 24.0, f.Factor(SourceHydraulique))
	assert.Equal(t, 777.0, f.Factor(SourceDiesel))
	assert.Equal(t, 986.0, f.Factor(SourceCharbon))
	assert.Equal(t, 352.0, f.Factor(SourceTurbinesACombustion))
	assert.Equal(t, 45.0, f.Factor(SourcePhotovoltaique))
	assert.Equal(t, 11.0, f.Factor(SourceEolien))
	assert.Equal(t, 10.0, f.Factor(SourceStockage))
}

func TestEmissionFactors_WithOverrides(t *testing.T) {
	base := DefaultEmissionFactors()

	f, err := base.WithOverrides(map[string]float64{"diesel": 700})
	require.NoError(t, err)
	assert.Equal(t, 700.0, f.Factor(SourceDiesel))
	assert.Equal(t, 777.0, base.Factor(SourceDiesel), "base table is not modified")

	_, err = base.WithOverrides(map[string]float64{"charbon": -1})
	assert.Error(t, err)

	_, err = base.WithOverrides(map[string]float64{"unknown": 1})
	assert.Error(t, err)
}
