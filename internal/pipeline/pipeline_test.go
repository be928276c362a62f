package pipeline_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/affggh/ab_update_engine/internal/bootctl"
	"github.com/affggh/ab_update_engine/internal/engine"
	"github.com/affggh/ab_update_engine/internal/omaha"
	"github.com/affggh/ab_update_engine/internal/paystate"
	"github.com/affggh/ab_update_engine/internal/pipeline"
	"github.com/affggh/ab_update_engine/internal/prefs"
)

// fakeBackend is an in-memory bootctl.Backend stand-in, grounded on the
// same in-memory fixture style used by the delta and zip packages'
// tests rather than a real block device.
type fakeBackend struct {
	current     uint8
	tries       map[uint8]int
	successful  map[uint8]bool
	activeCalls []uint8
}

func newFakeBackend(current uint8) *fakeBackend {
	return &fakeBackend{current: current, tries: map[uint8]int{}, successful: map[uint8]bool{}}
}

func (b *fakeBackend) CurrentSlot() (uint8, error) { return b.current, nil }
func (b *fakeBackend) PartitionDevice(name string, slot uint8) (string, error) {
	return fmt.Sprintf("/dev/block/by-name/%s%d", name, slot), nil
}
func (b *fakeBackend) SetActiveBootSlot(slot uint8) error {
	b.activeCalls = append(b.activeCalls, slot)
	b.current = slot
	return nil
}
func (b *fakeBackend) MarkSlotUnbootable(slot uint8) error       { return nil }
func (b *fakeBackend) SetTriesRemaining(slot uint8, n int) error { b.tries[slot] = n; return nil }
func (b *fakeBackend) SetSuccessfulBoot(slot uint8, ok bool) error {
	b.successful[slot] = ok
	return nil
}

func TestBuildAndSendRequestSetsHeadersAndParsesResponse(t *testing.T) {
	var gotInteractivity, gotAppID, gotUpdater string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotInteractivity = r.Header.Get("X-Goog-Update-Interactivity")
		gotAppID = r.Header.Get("X-Goog-Update-AppId")
		gotUpdater = r.Header.Get("X-Goog-Update-Updater")
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<?xml version="1.0"?><response><app appid="system"><updatecheck status="noupdate"></updatecheck></app></response>`)
	}))
	defer srv.Close()

	p := &pipeline.Pipeline{
		HTTPClient: srv.Client(),
		ServerURL:  srv.URL,
		RequestTemplate: omaha.Request{
			Updater:        "update_engine",
			UpdaterVersion: "1.0",
			OSPlatform:     "linux",
			Apps:           []omaha.App{{AppID: "system"}},
		},
		Interactive: true,
	}

	resp, err := p.BuildAndSendRequest(context.Background())
	require.NoError(t, err)
	require.Equal(t, "fg", gotInteractivity)
	require.Equal(t, "system", gotAppID)
	require.Equal(t, "update_engine-1.0", gotUpdater)
	require.Len(t, resp.Apps, 1)
	require.Equal(t, "noupdate", resp.Apps[0].UpdateCheck.Status)
}

func TestBuildAndSendRequestReturnsCodedErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := &pipeline.Pipeline{
		HTTPClient:      srv.Client(),
		ServerURL:       srv.URL,
		RequestTemplate: omaha.Request{Updater: "update_engine", UpdaterVersion: "1.0", Apps: []omaha.App{{AppID: "system"}}},
	}

	_, err := p.BuildAndSendRequest(context.Background())
	require.Error(t, err)

	var coded *engine.CodedError
	require.ErrorAs(t, err, &coded)
}

func TestBuildInstallPlanBuildsPlanFromOkResponse(t *testing.T) {
	payload := []byte("a fake payload")
	sum := sha256.Sum256(payload)
	hash := base64.StdEncoding.EncodeToString(sum[:])

	backend := newFakeBackend(0)
	ctl := bootctl.New(backend, "")

	p := &pipeline.Pipeline{BootCtl: ctl}

	resp := &omaha.Response{
		Apps: []omaha.AppResponse{
			{
				AppID: "system",
				UpdateCheck: omaha.UpdateCheck{
					Status:          "ok",
					ManifestVersion: "99.0.0",
					URLs:            []omaha.URL{{Codebase: "https://example.test/updates"}},
					Packages: []omaha.Package{
						{Name: "payload.bin", Size: uint64(len(payload)), HashSHA256: hash},
					},
					Postinstall: &omaha.PostinstallAction{PublicKeyRSA: "", Powerwash: true},
				},
			},
		},
	}

	plan, err := p.BuildInstallPlan(resp)
	require.NoError(t, err)
	require.NotNil(t, plan)
	require.Equal(t, "99.0.0", plan.Version)
	require.Equal(t, uint8(0), plan.SourceSlot)
	require.Equal(t, uint8(1), plan.TargetSlot)
	require.True(t, plan.PowerwashRequired)
	require.Len(t, plan.Payloads, 1)
	require.Equal(t, []string{"https://example.test/updates/payload.bin"}, plan.Payloads[0].PayloadURLs)
	require.Equal(t, sum[:], plan.Payloads[0].Hash)
}

func TestBuildInstallPlanReturnsNilForNoUpdate(t *testing.T) {
	backend := newFakeBackend(0)
	p := &pipeline.Pipeline{BootCtl: bootctl.New(backend, "")}

	resp := &omaha.Response{Apps: []omaha.AppResponse{{AppID: "system", UpdateCheck: omaha.UpdateCheck{Status: "noupdate"}}}}

	plan, err := p.BuildInstallPlan(resp)
	require.NoError(t, err)
	require.Nil(t, plan)
}

func TestFinalizeSwitchesSlotAndSchedulesPowerwash(t *testing.T) {
	backend := newFakeBackend(0)
	ctl := bootctl.New(backend, t.TempDir())

	p := &pipeline.Pipeline{BootCtl: ctl}

	plan := &engine.InstallPlan{TargetSlot: 1, PowerwashRequired: true}
	err := p.Finalize(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, []uint8{1}, backend.activeCalls)
	require.Equal(t, bootctl.TriesRemaining, backend.tries[1])
}

func TestReportErrorEventMarksAppsSkipUpdate(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &pipeline.Pipeline{
		HTTPClient:      srv.Client(),
		ServerURL:       srv.URL,
		RequestTemplate: omaha.Request{Updater: "update_engine", UpdaterVersion: "1.0", Apps: []omaha.App{{AppID: "system"}}},
	}

	err := p.ReportErrorEvent(context.Background(), 37)
	require.NoError(t, err)
	require.Contains(t, gotBody, `eventtype="3"`)
	require.Contains(t, gotBody, `errorcode="37"`)
	require.NotContains(t, gotBody, "<updatecheck")
}

func TestPipelineImplementsEnginePipeline(t *testing.T) {
	store := prefs.NewMemoryStore()
	_ = paystate.New(store)
	var p interface{} = &pipeline.Pipeline{}
	_, ok := p.(engine.Pipeline)
	require.True(t, ok)
}
