package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// openBackends opens one store of each backend in a temp dir.
func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	tempDir := t.TempDir()

	ldb, err := Open("leveldb", filepath.Join(tempDir, "ldb"))
	require.NoError(t, err)

	sq, err := Open("sqlite", filepath.Join(tempDir, "cache.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, ldb.Close())
		require.NoError(t, sq.Close())
	})

	return map[string]Store{"leveldb": ldb, "sqlite": sq}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("redis", t.TempDir())
	require.Error(t, err)
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("stored response bytes")
			require.NoError(t, st.Put("v1", "https://chakabnb.com/index.html", data))

			got, err := st.Get("v1", "https://chakabnb.com/index.html")
			require.NoError(t, err)
			require.Equal(t, data, got)
		})
	}
}

func TestGetMissReturnsNil(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := st.Get("v1", "https://chakabnb.com/absent")
			require.NoError(t, err)
			require.Nil(t, got)
		})
	}
}

func TestPutOverwrites(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			key := "https://chakabnb.com/logo.png"
			require.NoError(t, st.Put("v1", key, []byte("old")))
			require.NoError(t, st.Put("v1", key, []byte("new")))

			got, err := st.Get("v1", key)
			require.NoError(t, err)
			require.Equal(t, []byte("new"), got)
		})
	}
}

func TestGenerationsAreIsolated(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			key := "https://chakabnb.com/index.html"
			require.NoError(t, st.Put("chakabnb-v1", key, []byte("one")))
			require.NoError(t, st.Put("chakabnb-v2", key, []byte("two")))

			got, err := st.Get("chakabnb-v1", key)
			require.NoError(t, err)
			require.Equal(t, []byte("one"), got)

			got, err = st.Get("chakabnb-v2", key)
			require.NoError(t, err)
			require.Equal(t, []byte("two"), got)
		})
	}
}

func TestGenerationsListsSortedTags(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Put("chakabnb-v2", "k", []byte("b")))
			require.NoError(t, st.Put("chakabnb-v1", "k", []byte("a")))
			require.NoError(t, st.Put("chakabnb-v1", "k2", []byte("a2")))

			gens, err := st.Generations()
			require.NoError(t, err)
			require.Equal(t, []string{"chakabnb-v1", "chakabnb-v2"}, gens)
		})
	}
}

func TestDropGeneration(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Put("chakabnb-v1", "k", []byte("old")))
			require.NoError(t, st.Put("chakabnb-v2", "k", []byte("new")))

			require.NoError(t, st.DropGeneration("chakabnb-v1"))

			got, err := st.Get("chakabnb-v1", "k")
			require.NoError(t, err)
			require.Nil(t, got)

			gens, err := st.Generations()
			require.NoError(t, err)
			require.Equal(t, []string{"chakabnb-v2"}, gens)
		})
	}
}
