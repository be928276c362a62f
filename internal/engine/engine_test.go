package engine_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/affggh/ab_update_engine/internal/connmgr"
	"github.com/affggh/ab_update_engine/internal/engine"
	"github.com/affggh/ab_update_engine/internal/errcode"
	"github.com/affggh/ab_update_engine/internal/omaha"
	"github.com/affggh/ab_update_engine/internal/paystate"
	"github.com/affggh/ab_update_engine/internal/prefs"
)

type fakePipeline struct {
	plan          *engine.InstallPlan
	downloadErr   error
	verifyErr     error
	finalizeErr   error
	reportedCodes []errcode.Code
}

func (f *fakePipeline) BuildAndSendRequest(ctx context.Context) (*omaha.Response, error) {
	return &omaha.Response{}, nil
}

func (f *fakePipeline) BuildInstallPlan(resp *omaha.Response) (*engine.InstallPlan, error) {
	return f.plan, nil
}

func (f *fakePipeline) Download(ctx context.Context, plan *engine.InstallPlan) error {
	err := f.downloadErr
	f.downloadErr = nil
	return err
}

func (f *fakePipeline) Verify(ctx context.Context, plan *engine.InstallPlan) error {
	return f.verifyErr
}

func (f *fakePipeline) Finalize(ctx context.Context, plan *engine.InstallPlan) error {
	return f.finalizeErr
}

func (f *fakePipeline) ReportErrorEvent(ctx context.Context, code errcode.Code) error {
	f.reportedCodes = append(f.reportedCodes, code)
	return nil
}

func newTestEngine(t *testing.T, pipeline engine.Pipeline) *engine.Engine {
	t.Helper()
	store := prefs.NewMemoryStore()
	ps := paystate.New(store)
	return engine.New(pipeline, engine.Policy{OOBEComplete: true}, ps, store, zerolog.New(io.Discard))
}

func TestRunCheckHappyPath(t *testing.T) {
	pipeline := &fakePipeline{plan: &engine.InstallPlan{TargetSlot: 1}}
	e := newTestEngine(t, pipeline)

	require.NoError(t, e.RunCheck(context.Background(), false))
	require.Equal(t, engine.UpdatedNeedReboot, e.State())
}

func TestRunCheckNoUpdateReturnsIdle(t *testing.T) {
	pipeline := &fakePipeline{plan: nil}
	e := newTestEngine(t, pipeline)

	require.NoError(t, e.RunCheck(context.Background(), false))
	require.Equal(t, engine.Idle, e.State())
}

func TestRunCheckFatalVerifyErrorReportsAndReturnsIdle(t *testing.T) {
	pipeline := &fakePipeline{
		plan:      &engine.InstallPlan{TargetSlot: 1},
		verifyErr: &engine.CodedError{Code: errcode.NewRootfsVerificationError, Err: errors.New("hash mismatch")},
	}
	e := newTestEngine(t, pipeline)

	err := e.RunCheck(context.Background(), false)
	require.Error(t, err)
	require.Equal(t, engine.Idle, e.State())
	require.Equal(t, []errcode.Code{errcode.NewRootfsVerificationError}, pipeline.reportedCodes)
}

func TestRunCheckCellularWithoutConsentNeedsPermission(t *testing.T) {
	pipeline := &fakePipeline{plan: &engine.InstallPlan{TargetSlot: 1}}
	store := prefs.NewMemoryStore()
	ps := paystate.New(store)
	mgr := connmgr.New(store, nil)

	e := engine.New(pipeline, engine.Policy{
		OOBEComplete:   true,
		Connmgr:        mgr,
		ConnectionType: connmgr.Cellular,
	}, ps, store, zerolog.New(io.Discard))

	require.NoError(t, e.RunCheck(context.Background(), false))
	require.Equal(t, engine.NeedPermissionToUpdate, e.State())
}
