package raster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A realistic WGS 84 geographic WKT. The inner authorities belong to
// the datum, spheroid and units; the CRS's own authority comes last.
const wgs84WKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]`

const utm33WKT = `PROJCS["WGS 84 / UTM zone 33N",GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]],PROJECTION["Transverse_Mercator"],PARAMETER["latitude_of_origin",0],PARAMETER["central_meridian",15],PARAMETER["scale_factor",0.9996],PARAMETER["false_easting",500000],PARAMETER["false_northing",0],UNIT["metre",1,AUTHORITY["EPSG","9001"]],AXIS["Easting",EAST],AXIS["Northing",NORTH],AUTHORITY["EPSG","32633"]]`

// A local engineering CRS carries no EPSG authority at all.
const localWKT = `LOCAL_CS["Custom site grid",UNIT["metre",1]]`

func TestCRSIdentifier(t *testing.T) {
	tests := []struct {
		name string
		wkt  string
		want string
	}{
		{"geographic", wgs84WKT, "EPSG:4326"},
		{"projected last authority wins", utm33WKT, "EPSG:32633"},
		{"no authority keeps wkt", localWKT, localWKT},
		{"surrounding whitespace", "  " + wgs84WKT + "\n", "EPSG:4326"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := crsIdentifier(tc.wkt)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCRSIdentifierRejectsEmptyProjection(t *testing.T) {
	for _, wkt := range []string{"", "   ", "\n\t"} {
		_, err := crsIdentifier(wkt)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoGeoref)
	}
}
