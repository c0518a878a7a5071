package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opendatanet/harvester/internal/harvest"
)

func TestIdentityDigest_URLNormalization(t *testing.T) {
	t.Parallel()

	a := IdentityDigest("https://data.example.org/dataset/population")
	b := IdentityDigest("  HTTPS://DATA.EXAMPLE.ORG/dataset/population  ")
	require.Equal(t, a, b)

	c := IdentityDigest("https://data.example.org/dataset/housing")
	require.NotEqual(t, a, c)
}

func TestIdentityDigest_IgnoresContentFields(t *testing.T) {
	t.Parallel()

	r1 := harvest.DiscoveredRecord{URL: "https://example.org/d/1", Title: "Pop 2023"}
	r2 := harvest.DiscoveredRecord{URL: "https://example.org/d/1", Title: "Pop 2024", Description: "different"}
	require.Equal(t, IdentityDigest(r1.URL), IdentityDigest(r2.URL))
}

func TestContentDigest_Sensitivity(t *testing.T) {
	t.Parallel()

	base := ContentDigest("Pop 2023", "annual census", []string{"pop", "census"})

	require.NotEqual(t, base, ContentDigest("Pop 2024", "annual census", []string{"pop", "census"}))
	require.NotEqual(t, base, ContentDigest("Pop 2023", "monthly census", []string{"pop", "census"}))
	require.NotEqual(t, base, ContentDigest("Pop 2023", "annual census", []string{"pop"}))
}

func TestContentDigest_NormalizationInvariance(t *testing.T) {
	t.Parallel()

	base := ContentDigest("Pop 2023", "annual census", []string{"pop", "census"})

	require.Equal(t, base, ContentDigest("  POP   2023 ", "Annual\tCensus", []string{"census", "pop"}))
	require.Equal(t, base, ContentDigest("pop 2023", "annual census", []string{"Pop", "pop", "CENSUS"}))
}

func TestContentDigest_EmptyFields(t *testing.T) {
	t.Parallel()

	// Empty optional fields normalize to empty, not an error.
	require.NotEmpty(t, ContentDigest("Title", "", nil))
	require.Equal(t, ContentDigest("Title", "", nil), ContentDigest("title", "  ", []string{}))
}

func TestNormalizeTags(t *testing.T) {
	t.Parallel()

	tags := NormalizeTags([]string{" Health ", "health", "AGRICULTURE", "", "b", "a"})
	require.Equal(t, []string{"a", "agriculture", "b", "health"}, tags)
}

func TestNormalizeTags_DropsOverlongTags(t *testing.T) {
	t.Parallel()

	long := make([]byte, 60)
	for i := range long {
		long[i] = 'x'
	}
	require.Empty(t, NormalizeTags([]string{string(long)}))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	ok := harvest.DiscoveredRecord{URL: "https://example.org/d/1", Title: "Population"}
	require.NoError(t, Validate(ok))

	cases := map[string]harvest.DiscoveredRecord{
		"missing url":  {Title: "Population"},
		"relative url": {URL: "/d/1", Title: "Population"},
		"short title":  {URL: "https://example.org/d/1", Title: "ab"},
	}
	for name, rec := range cases {
		err := Validate(rec)
		require.Error(t, err, name)
		require.True(t, harvest.IsValidation(err), name)
	}
}

func TestClassify_FirstSightingCreates(t *testing.T) {
	t.Parallel()

	rec := harvest.DiscoveredRecord{
		URL:   "https://example.org/d/pop",
		Title: "Pop 2023",
		Tags:  []string{"Pop"},
	}
	out := Classify(rec, nil)
	require.Equal(t, harvest.OutcomeCreate, out.Kind)
	require.Equal(t, IdentityDigest(rec.URL), out.Entity.IdentityDigest)
	require.Equal(t, []string{"pop"}, out.Entity.Tags)
	require.Equal(t, harvest.EntityActive, out.Entity.Status)
}

func TestClassify_ChangedContentUpdates(t *testing.T) {
	t.Parallel()

	first := harvest.DiscoveredRecord{URL: "https://example.org/d/pop", Title: "Pop 2023"}
	existing := Classify(first, nil).Entity

	second := harvest.DiscoveredRecord{URL: "https://example.org/d/pop", Title: "Pop 2024"}
	out := Classify(second, &existing)
	require.Equal(t, harvest.OutcomeUpdate, out.Kind)
	require.Equal(t, existing.IdentityDigest, out.Entity.IdentityDigest)
	require.NotEqual(t, existing.ContentDigest, out.Entity.ContentDigest)
	require.Equal(t, "Pop 2024", out.Entity.Title)
}

func TestClassify_IdenticalContentUnchanged(t *testing.T) {
	t.Parallel()

	rec := harvest.DiscoveredRecord{
		URL:         "https://example.org/d/pop",
		Title:       "Pop 2023",
		Description: "census data",
		Tags:        []string{"pop", "census"},
	}
	existing := Classify(rec, nil).Entity
	existing.Title = "Pop 2023" // stored values stay as persisted

	later := harvest.DiscoveredRecord{
		URL:         "HTTPS://example.org/d/pop",
		Title:       "  pop   2023",
		Description: "Census Data",
		Tags:        []string{"census", "pop"},
	}
	out := Classify(later, &existing)
	require.Equal(t, harvest.OutcomeUnchanged, out.Kind)
	require.Equal(t, existing.ContentDigest, out.Entity.ContentDigest)
	require.Equal(t, existing.Title, out.Entity.Title)
}

func TestClassify_SameContentDifferentURLIsIndependent(t *testing.T) {
	t.Parallel()

	a := harvest.DiscoveredRecord{URL: "https://example.org/d/a", Title: "Pop 2023"}
	b := harvest.DiscoveredRecord{URL: "https://example.org/d/b", Title: "Pop 2023"}

	outA := Classify(a, nil)
	outB := Classify(b, nil)
	require.Equal(t, harvest.OutcomeCreate, outB.Kind)
	require.NotEqual(t, outA.Entity.IdentityDigest, outB.Entity.IdentityDigest)
	require.Equal(t, outA.Entity.ContentDigest, outB.Entity.ContentDigest)
}
