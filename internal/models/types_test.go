package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorValue(t *testing.T) {
	v := Vector{1, 0.5, -0.25}
	val, err := v.Value()
	require.NoError(t, err)
	assert.Equal(t, "[1,0.5,-0.25]", val)

	var nilVec Vector
	val, err = nilVec.Value()
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestVectorScan(t *testing.T) {
	var v Vector
	require.NoError(t, v.Scan("[1,0.5,-0.25]"))
	assert.Equal(t, Vector{1, 0.5, -0.25}, v)

	require.NoError(t, v.Scan([]byte("[0.1, 0.2]")))
	assert.Equal(t, Vector{0.1, 0.2}, v)

	require.NoError(t, v.Scan("[]"))
	assert.Empty(t, v)

	require.NoError(t, v.Scan(nil))
	assert.Nil(t, v)

	assert.Error(t, v.Scan(42))
	assert.Error(t, v.Scan("[not,a,number]"))
}

func TestVectorRoundTrip(t *testing.T) {
	orig := Vector{0.123, -0.456, 0.789}
	val, err := orig.Value()
	require.NoError(t, err)

	var got Vector
	require.NoError(t, got.Scan(val))
	assert.Equal(t, orig, got)
}

func TestTierCountMapScan(t *testing.T) {
	var m TierCountMap
	require.NoError(t, m.Scan([]byte(`{"hot": 3, "frozen": 100}`)))
	assert.Equal(t, 3, m[TierHot])
	assert.Equal(t, 100, m[TierFrozen])
}

func TestPredictionWindow(t *testing.T) {
	p := PredictionRecord{WindowSeconds: 3600}
	start, end := p.Window()
	assert.Equal(t, p.PredictedFor.Add(-30*time.Minute), start)
	assert.Equal(t, p.PredictedFor.Add(30*time.Minute), end)
}
