package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foliodb/folio/pkg/hay"
)

func TestMatches(t *testing.T) {
	rec := hay.DictOf(
		"id", hay.NewRef("p-1"),
		"point", hay.Marker,
		"his", hay.Marker,
		"dis", hay.Str("Zone Temp"),
		"curVal", hay.NumUnit(72.5, "°F"),
		"precision", hay.Num(1),
		"installed", hay.NewDate(2020, time.March, 15),
		"enabled", hay.Bool(true),
	)

	tests := []struct {
		src   string
		match bool
	}{
		{"point", true},
		{"site", false},
		{"not site", true},
		{"not point", false},
		{"point and his", true},
		{"point and site", false},
		{"point or site", true},
		{"site or equip", false},
		{"(site or point) and his", true},
		{`dis == "Zone Temp"`, true},
		{`dis != "Zone Temp"`, false},
		{`dis == "Other"`, false},
		{"precision == 1", true},
		{"precision < 2", true},
		{"precision >= 1", true},
		{"precision > 1", false},
		{"enabled == true", true},
		{"enabled == false", false},
		{"installed < 2021-01-01", true},
		{"installed < 2019-01-01", false},
		{"id == @p-1", true},
		{"id == @p-2", false},
		{"curVal > 5", false}, // unit mismatch never matches ordering
		{"missing > 5", false},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			f, err := Parse(tt.src)
			require.NoError(t, err)
			require.Equal(t, tt.match, f.Matches(rec, nil))
		})
	}
}

func TestMatchesPathDeref(t *testing.T) {
	site := hay.DictOf("id", hay.NewRef("s-1"), "dis", hay.Str("HQ"), "site", hay.Marker)
	equip := hay.DictOf("id", hay.NewRef("e-1"), "equip", hay.Marker, "siteRef", hay.NewRef("s-1"))
	recs := map[string]*hay.Dict{"s-1": site, "e-1": equip}
	res := func(ref *hay.Ref) *hay.Dict { return recs[ref.Id()] }

	f := MustParse(`siteRef->dis == "HQ"`)
	require.True(t, f.Matches(equip, res))
	require.False(t, f.Matches(site, res))

	// without a resolver the path cannot dereference
	require.False(t, f.Matches(equip, nil))

	require.True(t, MustParse("siteRef->site").Matches(equip, res))
	require.False(t, MustParse("siteRef->equip").Matches(equip, res))
}

func TestMatchesNestedDictPath(t *testing.T) {
	rec := hay.DictOf("cfg", hay.DictOf("mode", hay.Str("auto")))
	require.True(t, MustParse(`cfg->mode == "auto"`).Matches(rec, nil))
	require.False(t, MustParse(`cfg->mode == "manual"`).Matches(rec, nil))
}

func TestSimpleTagName(t *testing.T) {
	name, ok := MustParse("site").SimpleTagName()
	require.True(t, ok)
	require.Equal(t, "site", name)

	for _, src := range []string{"not site", "site and equip", `dis == "x"`, "siteRef->dis"} {
		_, ok := MustParse(src).SimpleTagName()
		require.False(t, ok, "filter %q", src)
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"site and",
		"(site",
		"dis ==",
		"== 5",
		"dis == $bad",
		"Site", // tag names start lower case
	} {
		_, err := Parse(src)
		require.Error(t, err, "filter %q", src)
	}
}

func TestPattern(t *testing.T) {
	f := MustParse("  point and his ")
	require.Equal(t, "point and his", f.Pattern())
}
