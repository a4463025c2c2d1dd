package digest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/hash/sha256"
)

func TestForMetaDeterministic(t *testing.T) {
	t.Parallel()

	h := sha256.New()
	meta := crawler.CrawlRequestMeta{TargetURL: "https://example.com", UseSitemap: false, MaxPages: 5}

	first, err := ForMeta(h, meta)
	require.NoError(t, err)
	second, err := ForMeta(h, meta)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, first, 43)
}

func TestForMetaDistinguishesFields(t *testing.T) {
	t.Parallel()

	h := sha256.New()
	base := crawler.CrawlRequestMeta{TargetURL: "https://example.com", UseSitemap: true, MaxPages: 5}
	variants := []crawler.CrawlRequestMeta{
		{TargetURL: base.TargetURL, UseSitemap: base.UseSitemap, MaxPages: 6},
		{TargetURL: base.TargetURL, UseSitemap: false, MaxPages: base.MaxPages},
		{TargetURL: "https://example.org", UseSitemap: base.UseSitemap, MaxPages: base.MaxPages},
	}

	baseDigest, err := ForMeta(h, base)
	require.NoError(t, err)
	seen := map[string]bool{baseDigest: true}
	for _, v := range variants {
		d, err := ForMeta(h, v)
		require.NoError(t, err)
		require.False(t, seen[d], "digest collision for %+v", v)
		seen[d] = true
	}
}

func TestCachePath(t *testing.T) {
	t.Parallel()

	h := sha256.New()
	withPrefix, err := CachePath(h, "/adaptive/", "task", "https://example.com/a")
	require.NoError(t, err)
	urlDigest, err := h.Hash([]byte("https://example.com/a"))
	require.NoError(t, err)
	require.Equal(t, "adaptive/task/"+urlDigest+".json", withPrefix)

	bare, err := CachePath(h, "", "task", "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, "task/"+urlDigest+".json", bare)
}
