package finalizer

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/egress-control/pkg/registry"
)

func TestLocate(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	write := func(name string, age time.Duration) string {
		p := path.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
		require.NoError(t, os.Chtimes(p, now.Add(-age), now.Add(-age)))
		return p
	}

	byID := write("room-1_EG_a.mp4", time.Minute)
	byRoom := write("room-1_2024-05-01T120000.mp4", 30*time.Second)
	newest := write("room-2_2024-05-01T120100.mp4", time.Second)
	write(".partial.mp4", 0)
	require.NoError(t, os.Mkdir(path.Join(dir, "EG_b"), 0755))

	p, degraded := locate(dir, "EG_a", "room-1", true, true)
	require.Equal(t, byID, p)
	require.False(t, degraded)

	p, degraded = locate(dir, "EG_b", "room-1", true, true)
	require.Equal(t, byRoom, p)
	require.True(t, degraded)

	p, _ = locate(dir, "EG_b", "room-1", false, false)
	require.Empty(t, p)

	p, degraded = locate(dir, "EG_b", "room-3", true, true)
	require.Equal(t, newest, p)
	require.True(t, degraded)

	p, _ = locate(dir, "EG_b", "room-3", true, false)
	require.Empty(t, p)

	p, _ = locate(path.Join(dir, "missing"), "EG_a", "room-1", true, true)
	require.Empty(t, p)
}

func TestLocateRoomNameIsExact(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(path.Join(dir, "room-42_2025-01-01T000000.mp4"), []byte("x"), 0644))

	p, degraded := locate(dir, "EG_room4", "room-4", true, false)
	require.Empty(t, p)
	require.False(t, degraded)

	sanitised := path.Join(dir, "room_4_2025-01-01T000000.mp4")
	require.NoError(t, os.WriteFile(sanitised, []byte("x"), 0644))

	p, degraded = locate(dir, "EG_room4", "room 4", true, false)
	require.Equal(t, sanitised, p)
	require.True(t, degraded)
}

func TestResolveFileRelativeToOutputDir(t *testing.T) {
	e := newTestEnv(t, false)
	local := e.writeFile(t, "room-42_ts.mp4", time.Now())

	// a file of the same name in the working directory must not be picked
	wd := t.TempDir()
	t.Chdir(wd)
	require.NoError(t, os.WriteFile(path.Join(wd, "room-42_ts.mp4"), []byte("other"), 0644))

	p, degraded := e.f.resolveFile(completeResult("EG_1", "room-42_ts.mp4"), registry.EgressJob{}, "room-42")
	require.Equal(t, local, p)
	require.False(t, degraded)

	p, _ = e.f.resolveFile(completeResult("EG_1", "../room-42_ts.mp4"), registry.EgressJob{}, "room-42")
	require.Equal(t, local, p)
}

func TestResolveFileDetailedSkipsRoomMatch(t *testing.T) {
	e := newTestEnv(t, false)
	e.writeFile(t, "room-4_2025-01-01T000000.mp4", time.Now())

	p, _ := e.f.resolveFile(completeResult("EG_1", ""), registry.EgressJob{}, "room-4")
	require.Empty(t, p)

	p, degraded := e.f.resolveFile(egressSynthesized("EG_1"), registry.EgressJob{}, "room-4")
	require.Equal(t, path.Join(e.dir, "room-4_2025-01-01T000000.mp4"), p)
	require.True(t, degraded)
}

func TestDestinationName(t *testing.T) {
	require.Equal(t, "room-42/EG_1/room-42_ts.mp4", destinationName("room-42", "EG_1", "/out/room-42_ts.mp4"))
	require.Equal(t, "https_x_42/EG_1/a.mp4", destinationName("https://x/42", "EG_1", "a.mp4"))
	require.Equal(t, "unknown/EG_1/a.mp4", destinationName("", "EG_1", "/out/a.mp4"))
}
