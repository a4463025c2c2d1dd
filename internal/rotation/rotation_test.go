package rotation

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	s, err := ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, Sequential, s)

	s, err = ParseStrategy(" Random ")
	require.NoError(t, err)
	require.Equal(t, Random, s)

	_, err = ParseStrategy("round-robin")
	require.Error(t, err)
}

func TestKeyRingSequential(t *testing.T) {
	t.Parallel()

	ring := NewKeyRing([]string{"a", " ", "b", "c"}, Sequential)
	require.Equal(t, 3, ring.Len())

	got := []string{ring.Next(), ring.Next(), ring.Next(), ring.Next()}
	require.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestKeyRingRandomUsesInjectedSource(t *testing.T) {
	t.Parallel()

	ring := NewKeyRing([]string{"a", "b", "c"}, Random)
	ring.intn = func(int) int { return 2 }
	require.Equal(t, "c", ring.Next())
	require.Equal(t, "c", ring.Next())
}

func TestKeyRingEmpty(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", NewKeyRing(nil, Sequential).Next())
	var ring *KeyRing
	require.Equal(t, "", ring.Next())
}

func TestProxyPoolLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	pool, err := NewProxyPool([]string{"http://p1:8080", "http://p2:8080", ""})
	require.NoError(t, err)
	require.Equal(t, 2, pool.Len())

	require.Equal(t, "p1:8080", pool.Next().Host)
	require.Equal(t, "p2:8080", pool.Next().Host)
	require.Equal(t, "p1:8080", pool.Next().Host)

	pool.Remove(pool.Next())
	require.Equal(t, 1, pool.Len())
	require.Equal(t, "p1:8080", pool.Next().Host)
}

func TestProxyPoolRejectsInvalid(t *testing.T) {
	t.Parallel()

	_, err := NewProxyPool([]string{"not a url"})
	require.Error(t, err)
}

func TestProxyFuncEmptyPoolDialsDirect(t *testing.T) {
	t.Parallel()

	pool, err := NewProxyPool(nil)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, "https://example.com", nil)
	require.NoError(t, err)

	proxy, err := pool.ProxyFunc()(req)
	require.NoError(t, err)
	require.Nil(t, proxy)
}
