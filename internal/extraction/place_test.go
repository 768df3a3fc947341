package extraction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPlaceFingerprint_NormalizesCaseAndSpace(t *testing.T) {
	t.Parallel()

	a := PlaceFingerprint("task-1", "La Taberna", "Calle Mayor 1")
	b := PlaceFingerprint("task-1", "  la taberna ", "CALLE MAYOR 1  ")
	c := PlaceFingerprint("task-2", "La Taberna", "Calle Mayor 1")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 64)
}

func TestNewExtractedPlace_MapsRecord(t *testing.T) {
	t.Parallel()

	rating := 4.5
	reviews := 120
	lat, lon := 40.4168, -3.7038
	rec := PlaceRecord{
		Name:        " La Taberna ",
		Address:     "Calle Mayor 1",
		Category:    "restaurant",
		Rating:      &rating,
		ReviewCount: &reviews,
		Phone:       "+34 911 111 111",
		Website:     "https://lataberna.example",
		Latitude:    &lat,
		Longitude:   &lon,
		Reviews: []ReviewRecord{
			{Author: "Ana", Rating: 5, Text: "great", PostedAt: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)},
		},
	}

	p := NewExtractedPlace("01BX5ZZKBKACTAV9WEVGEMMVRY", "01BX5ZZKBKACTAV9WEVGEMMVRZ", "Madrid", rec, time.Now())

	require.Equal(t, "La Taberna", p.Name)
	require.Equal(t, "Madrid", p.City)
	require.NotNil(t, p.Coordinates)
	require.InDelta(t, 40.4168, p.Coordinates.Lat, 0.0001)
	require.Len(t, p.Reviews, 1)
	require.Equal(t, p.ID, p.Reviews[0].PlaceID)
	require.Equal(t, p.Fingerprint(), PlaceFingerprint(p.SourceTaskID, "la taberna", "calle mayor 1"))
}

func TestNewExtractedPlace_PartialCoordinatesDropped(t *testing.T) {
	t.Parallel()

	lat := 40.0
	rec := PlaceRecord{Name: "Bar", Address: "Somewhere 2", Latitude: &lat}

	p := NewExtractedPlace("01BX5ZZKBKACTAV9WEVGEMMVS1", "01BX5ZZKBKACTAV9WEVGEMMVRZ", "Madrid", rec, time.Now())

	require.Nil(t, p.Coordinates)
	require.Nil(t, p.Rating)
}

func TestBuildSearchURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		seed string
		city string
		lang string
		want string
	}{
		{
			name: "simple",
			seed: "restaurants",
			city: "Madrid",
			lang: "es",
			want: "https://www.google.com/maps/search/restaurants+in+Madrid?hl=es",
		},
		{
			name: "multi word seed",
			seed: "vegan restaurants",
			city: "Alcalá de Henares",
			lang: "",
			want: "https://www.google.com/maps/search/vegan+restaurants+in+Alcalá+de+Henares",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, BuildSearchURL(tc.seed, tc.city, tc.lang))
		})
	}
}
