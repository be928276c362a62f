package prefs_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/affggh/ab_update_engine/internal/prefs"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := prefs.NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.SetString("channel", "stable-channel"))
	v, err := store.GetString("channel")
	require.NoError(t, err)
	require.Equal(t, "stable-channel", v)

	require.NoError(t, store.SetInt64("reboot-count", 3))
	n, err := store.GetInt64("reboot-count")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	require.NoError(t, store.SetBool("p2p-enabled", true))
	b, err := store.GetBool("p2p-enabled")
	require.NoError(t, err)
	require.True(t, b)

	require.True(t, store.Exists("channel"))
	require.NoError(t, store.Delete("channel"))
	require.False(t, store.Exists("channel"))

	_, err = filepath.Abs(dir)
	require.NoError(t, err)
}

func TestGetIntParseError(t *testing.T) {
	store := prefs.NewMemoryStore()
	require.NoError(t, store.SetString("not-a-number", "abc "))
	_, err := store.GetInt64("not-a-number")
	require.ErrorIs(t, err, prefs.ErrParse)
}

func TestSubKeys(t *testing.T) {
	store := prefs.NewMemoryStore()
	require.NoError(t, store.SetString(prefs.CreateSubKey("dlc", "foo", "last-active-ping-day"), "5"))
	require.NoError(t, store.SetString(prefs.CreateSubKey("dlc", "bar", "last-active-ping-day"), "7"))
	require.NoError(t, store.SetString("unrelated-key", "x"))

	keys, err := store.SubKeys(prefs.CreateSubKey("dlc"))
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

type recordingObserver struct {
	sets, deletes []string
}

func (r *recordingObserver) OnPrefSet(key string)     { r.sets = append(r.sets, key) }
func (r *recordingObserver) OnPrefDeleted(key string) { r.deletes = append(r.deletes, key) }

func TestObserverNotifiedOnlyOnSuccess(t *testing.T) {
	store := prefs.NewMemoryStore()
	obs := &recordingObserver{}
	store.AddObserver("k", obs)

	require.NoError(t, store.SetString("k", "v"))
	require.Len(t, obs.sets, 1)

	// An invalid key fails to persist and must not notify.
	err := store.SetString("bad key!", "v")
	require.Error(t, err)
	require.Len(t, obs.sets, 1)

	require.NoError(t, store.Delete("k"))
	require.Len(t, obs.deletes, 1)

	store.RemoveObserver("k", obs)
	require.NoError(t, store.SetString("k", "v2"))
	require.Len(t, obs.sets, 1)
}
