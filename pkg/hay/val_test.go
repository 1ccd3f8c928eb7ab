package hay

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNumberString(t *testing.T) {
	require.Equal(t, "75.5", Num(75.5).String())
	require.Equal(t, "72kW", NumUnit(72, "kW").String())
	require.Equal(t, "INF", Num(math.Inf(1)).String())
	require.Equal(t, "-INF", Num(math.Inf(-1)).String())
	require.Equal(t, "NaN", NumUnit(math.NaN(), "kW").String())
}

func TestValEqual(t *testing.T) {
	require.True(t, Equal(Marker, Marker))
	require.True(t, Equal(NA, NA))
	require.False(t, Equal(Marker, NA))
	require.False(t, Equal(nil, Marker))
	require.True(t, Equal(nil, nil))

	require.True(t, Equal(Num(math.NaN()), Num(math.NaN())))
	require.False(t, Equal(NumUnit(1, "kW"), Num(1)))

	require.True(t, Equal(NewRef("a"), NewRef("a"))) // refs compare by id
	require.False(t, Equal(NewRef("a"), NewRef("b")))

	require.True(t, Equal(Coord{Lat: 37.5458266, Lng: -77.4491888}, Coord{Lat: 37.5458265, Lng: -77.4491889}))
	require.False(t, Equal(Coord{Lat: 37.5458, Lng: 0}, Coord{Lat: 37.5459, Lng: 0}))

	a := List{Num(1), Str("x")}
	require.True(t, Equal(a, List{Num(1), Str("x")}))
	require.False(t, Equal(a, List{Num(1)}))
}

func TestCoordString(t *testing.T) {
	require.Equal(t, "C(37.545827,-77.449189)", Coord{Lat: 37.5458266, Lng: -77.4491888}.String())
	require.Equal(t, "C(0,0)", Coord{}.String())
}

func TestTimeString(t *testing.T) {
	require.Equal(t, "09:30:00", Time{Hour: 9, Min: 30}.String())
	require.Equal(t, "23:59:59.250", Time{Hour: 23, Min: 59, Sec: 59, Ms: 250}.String())
}

func TestRefValidation(t *testing.T) {
	require.True(t, IsValidRefId("p:demo-site.1~x_2"))
	require.False(t, IsValidRefId(""))
	require.False(t, IsValidRefId("has space"))

	require.True(t, IsValidTagName("siteRef"))
	require.False(t, IsValidTagName("SiteRef")) // must start lower
	require.False(t, IsValidTagName("2x"))
	require.False(t, IsValidTagName(""))
}

func TestGenRef(t *testing.T) {
	a, b := GenRef(), GenRef()
	require.NotEqual(t, a.Id(), b.Id())
	require.True(t, IsValidRefId(a.Id()))
	require.Len(t, a.Id(), 17) // xxxxxxxx-xxxxxxxx
}
