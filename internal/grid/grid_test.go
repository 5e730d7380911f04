package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromLatLonKnownStation(t *testing.T) {
	// Southern New England, like (41.0, -73.0), lies in square FN31 (only the
	// first four characters are pinned, since the sub-square depends on exact
	// fractional degrees).
	sq, err := FromLatLon(41.714, -72.727)
	require.NoError(t, err)
	assert.Len(t, sq, 6)
	assert.Equal(t, "FN31", sq[:4])
}

func TestFromLatLonRejectsOutOfRange(t *testing.T) {
	_, err := FromLatLon(91, 0)
	assert.Error(t, err)
	_, err = FromLatLon(0, 181)
	assert.Error(t, err)
}

func TestFromLatLonAlwaysSixCharsInRange(t *testing.T) {
	for _, lat := range []float64{-89.9, -45, 0, 45, 89.9} {
		for _, lon := range []float64{-179.9, -90, 0, 90, 179.9} {
			sq, err := FromLatLon(lat, lon)
			require.NoError(t, err)
			assert.Len(t, sq, 6)
			assert.GreaterOrEqual(t, sq[0], byte('A'))
			assert.LessOrEqual(t, sq[0], byte('R'))
		}
	}
}
