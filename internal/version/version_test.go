package version

import (
	"encoding/json"
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withBuild(t *testing.T, version, commit, date string) {
	t.Helper()
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = version, commit, date
	t.Cleanup(func() {
		Version, Commit, Date = origVersion, origCommit, origDate
	})
}

func TestGetInfoUsesLinkerValues(t *testing.T) {
	withBuild(t, "1.2.0", "abc123def456", "2026-01-01T12:00:00Z")

	info := GetInfo()
	assert.Equal(t, "1.2.0", info.Version)
	assert.Equal(t, "abc123def456", info.Commit)
	assert.Equal(t, "2026-01-01T12:00:00Z", info.Date)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestWithBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/felixgeelhaar/loom", Version: "v0.4.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
		},
	}

	got := Info{Version: "dev", Commit: "unknown", Date: "unknown"}.withBuildInfo(bi)
	assert.Equal(t, "v0.4.1", got.Version)
	assert.Equal(t, "0123456789abcdef", got.Commit)
	assert.Equal(t, "2026-03-04T05:06:07Z", got.Date)

	pinned := Info{Version: "1.0.0", Commit: "feed", Date: "yesterday"}.withBuildInfo(bi)
	assert.Equal(t, Info{Version: "1.0.0", Commit: "feed", Date: "yesterday"}, pinned)

	bi.Main.Version = "(devel)"
	assert.Equal(t, "dev", Info{Version: "dev"}.withBuildInfo(bi).Version)
}

func TestInfoFormatting(t *testing.T) {
	info := Info{
		Version:   "1.0.0",
		Commit:    "abc123def456",
		Date:      "2026-01-01",
		GoVersion: "go1.24.6",
		Platform:  "linux/amd64",
	}

	assert.Equal(t, "loom 1.0.0 (abc123de) built 2026-01-01 with go1.24.6 for linux/amd64", info.String())
	assert.Equal(t, "1.0.0", info.Short())
	assert.Equal(t, "loom/1.0.0", info.UserAgent())

	info.Commit = "abc"
	assert.Contains(t, info.String(), "(abc)")
}

func TestInfoJSON(t *testing.T) {
	data, err := json.Marshal(Info{Version: "1.0.0", GoVersion: "go1.24.6"})
	require.NoError(t, err)

	var fields map[string]string
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "1.0.0", fields["version"])
	assert.Equal(t, "go1.24.6", fields["go_version"])
	assert.Contains(t, fields, "platform")
}
