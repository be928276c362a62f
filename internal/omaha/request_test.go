package omaha_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/affggh/ab_update_engine/internal/omaha"
)

func TestEscapeAttrRoundTrip(t *testing.T) {
	for _, s := range []string{"plain", `quote"mark`, "amp&ersand", "a<b>c", "it's"} {
		escaped := omaha.EscapeAttr(s)
		unescaped := strings.NewReplacer(
			"&quot;", `"`, "&apos;", "'", "&lt;", "<", "&gt;", ">", "&amp;", "&",
		).Replace(escaped)
		require.Equal(t, s, unescaped)
	}
}

func TestIsASCII7RejectsHighBit(t *testing.T) {
	require.True(t, omaha.IsASCII7("hello"))
	require.False(t, omaha.IsASCII7("h\x80llo"))
}

func TestBuildRequestContainsExpectedElements(t *testing.T) {
	req := &omaha.Request{
		Updater:        "update_engine",
		UpdaterVersion: "1.0.0",
		InstallSource:  omaha.InstallSourceScheduler,
		OSPlatform:     "chromeos",
		OSVersion:      "1",
		Apps: []omaha.App{
			{
				AppID:          "{app-id}",
				Version:        "1.2.3",
				CurrentChannel: "stable",
				SendPing:       true,
				PingActiveDays: 3,
				PingRollCallDays: omaha.PingNeverPinged,
			},
		},
	}
	xmlStr, err := req.Build()
	require.NoError(t, err)
	require.Contains(t, xmlStr, `protocol="3.0"`)
	require.Contains(t, xmlStr, `appid="{app-id}"`)
	require.Contains(t, xmlStr, `<ping active="1" a="3" r="-1"></ping>`)
	require.Contains(t, xmlStr, "<updatecheck></updatecheck>")
}

func TestBuildRequestRejectsNonASCII(t *testing.T) {
	req := &omaha.Request{
		Updater: "update_engine", UpdaterVersion: "1", InstallSource: omaha.InstallSourceScheduler,
		Apps: []omaha.App{{AppID: "bad\x80id"}},
	}
	_, err := req.Build()
	require.Error(t, err)
}

func TestBuildEventReportsOutcome(t *testing.T) {
	req := &omaha.Request{
		Updater: "update_engine", UpdaterVersion: "1", InstallSource: omaha.InstallSourceScheduler,
		Apps: []omaha.App{{
			AppID: "app",
			Event: &omaha.EventInfo{Type: 3, Result: 0, ErrorCode: 37},
		}},
	}
	xmlStr, err := req.Build()
	require.NoError(t, err)
	require.Contains(t, xmlStr, `<event eventtype="3" eventresult="0" errorcode="37"></event>`)
	require.NotContains(t, xmlStr, "<updatecheck")
}

func TestNewPingDaysNormalizesBackwardClock(t *testing.T) {
	require.Equal(t, omaha.PingNeverPinged, omaha.NewPingDays(omaha.PingNeverPinged))
	require.Equal(t, -2, omaha.NewPingDays(-5))
	require.Equal(t, 4, omaha.NewPingDays(4))
}
