// Package engine implements C5: the top-level update-check state
// machine described in spec §4.5. It owns no I/O itself — each state's
// work is delegated to a Pipeline collaborator (omaha request/response,
// download, delta, verify, slot switch) supplied by the caller — and
// is built around the "single environment record" pattern called for
// in the design notes, replacing the ambient SystemState singleton the
// original used.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/affggh/ab_update_engine/internal/connmgr"
	"github.com/affggh/ab_update_engine/internal/errcode"
	"github.com/affggh/ab_update_engine/internal/omaha"
	"github.com/affggh/ab_update_engine/internal/paystate"
	"github.com/affggh/ab_update_engine/internal/prefs"
)

// State is one of the user-visible states from §4.5/§7.
type State int

const (
	Idle State = iota
	CheckingForUpdate
	UpdateAvailable
	Downloading
	Verifying
	Finalizing
	UpdatedNeedReboot
	ReportingErrorEvent
	AttemptingRollback
	NeedPermissionToUpdate
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CheckingForUpdate:
		return "checking-for-update"
	case UpdateAvailable:
		return "update-available"
	case Downloading:
		return "downloading"
	case Verifying:
		return "verifying"
	case Finalizing:
		return "finalizing"
	case UpdatedNeedReboot:
		return "updated-need-reboot"
	case ReportingErrorEvent:
		return "reporting-error-event"
	case AttemptingRollback:
		return "attempting-rollback"
	case NeedPermissionToUpdate:
		return "need-permission-to-update"
	default:
		return "unknown"
	}
}

// InstallPlan is the typed output of response handling (§3).
type InstallPlan struct {
	Version                  string
	DownloadURL              string
	Payloads                 []PayloadDescriptor
	SourceSlot, TargetSlot   uint8
	HashChecksMandatory      bool
	IsResume                 bool
	IsRollback               bool
	PowerwashRequired        bool
	PublicKeyRSA             string
	RollbackDataSaveRequested bool
}

// PayloadDescriptor is one entry of an install plan (§3).
type PayloadDescriptor struct {
	PayloadURLs     []string
	Size            uint64
	MetadataSize    uint64
	MetadataSignature string
	Hash            []byte
	Type            string // "delta" | "full"
	Fingerprint     string
	AppID           string
	CanExclude      bool
}

// Pipeline is the set of stage collaborators the Engine drives. Each
// method corresponds to one pipeline stage; the Engine itself contains
// no transport, codec, or block-device logic.
type Pipeline interface {
	// BuildAndSendRequest performs C4's request/response exchange and
	// returns the parsed response.
	BuildAndSendRequest(ctx context.Context) (*omaha.Response, error)
	// BuildInstallPlan interprets a response into an InstallPlan,
	// applying rollback/downgrade policy (§4.5, §8 scenario S5).
	BuildInstallPlan(resp *omaha.Response) (*InstallPlan, error)
	// Download runs C6 to completion or a recoverable/fatal error.
	Download(ctx context.Context, plan *InstallPlan) error
	// Verify runs C8's partition hashing.
	Verify(ctx context.Context, plan *InstallPlan) error
	// Finalize runs C8 post-install and C9 slot switch.
	Finalize(ctx context.Context, plan *InstallPlan) error
	// ReportErrorEvent posts an event body carrying code (§7).
	ReportErrorEvent(ctx context.Context, code errcode.Code) error
}

// Policy evaluates the gates of §4.5 before each state transition.
type Policy struct {
	Connmgr              *connmgr.Manager
	ConnectionType       connmgr.ConnectionType
	Tethering            connmgr.Tethering
	UpdatesDisabled      bool
	OOBEComplete         bool
	UpdateHasDeadline    bool
	ScatterWaitElapsed   func(firstSeenAt time.Time, maxDays int) bool
}

// clock abstracts time.Now for deterministic tests, matching
// paystate's Clock pattern.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Engine is C5, the scheduler/attempter.
type Engine struct {
	mu sync.Mutex

	state    State
	pipeline Pipeline
	policy   Policy
	payState *paystate.State
	prefs    prefs.Store
	clock    clock
	log      zerolog.Logger

	rollbackAllowed bool
	interactive     bool

	// firstSeenAt is the first-seen time handed to
	// Policy.ScatterWaitElapsed. Nothing in this package sets or
	// persists it, so it stays the zero time.
	firstSeenAt time.Time
}

// New constructs an Engine bound to a single environment record's
// worth of collaborators.
func New(pipeline Pipeline, policy Policy, payState *paystate.State, store prefs.Store, log zerolog.Logger) *Engine {
	return &Engine{
		state:    Idle,
		pipeline: pipeline,
		policy:   policy,
		payState: payState,
		prefs:    store,
		clock:    realClock{},
		log:      log,
	}
}

// State returns the current user-visible state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.log.Info().Str("from", e.state.String()).Str("to", s.String()).Msg("state transition")
	e.state = s
}

// RunCheck drives one full CheckingForUpdate attempt, running the
// pipeline through to UpdatedNeedReboot, Idle, or
// NeedPermissionToUpdate. interactive bypasses the scattering gate
// (§4.5); the engine has no update-check-count gate.
func (e *Engine) RunCheck(ctx context.Context, interactive bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == UpdatedNeedReboot {
		e.log.Debug().Msg("already updated, ignoring check request")
		return nil
	}

	e.interactive = interactive
	e.setState(CheckingForUpdate)

	resp, err := e.pipeline.BuildAndSendRequest(ctx)
	if err != nil {
		return e.fail(ctx, nil, classifyTransportErr(err))
	}

	plan, err := e.pipeline.BuildInstallPlan(resp)
	if err != nil {
		return e.fail(ctx, nil, classifyPlanErr(err))
	}
	if plan == nil {
		e.setState(Idle)
		return nil
	}

	e.setState(UpdateAvailable)

	if code, allow := e.evaluatePolicy(plan); !allow {
		if errcode.IsPolicyDeferError(code) {
			e.log.Info().Str("code", fmt.Sprint(code)).Msg("update deferred by policy")
			if code == errcode.NeedPermissionToUpdate {
				e.setState(NeedPermissionToUpdate)
				return nil
			}
			e.setState(Idle)
			return nil
		}
		return e.fail(ctx, plan, code)
	}

	if plan.IsRollback {
		e.setState(AttemptingRollback)
		if err := e.pipeline.Finalize(ctx, plan); err != nil {
			return e.fail(ctx, plan, classifyFinalizeErr(err))
		}
		e.setState(UpdatedNeedReboot)
		return nil
	}

	e.payState.UpdateResumed()
	e.setState(Downloading)
	for {
		err := e.pipeline.Download(ctx, plan)
		if err == nil {
			break
		}
		code := classifyDownloadErr(err)
		e.payState.UpdateFailed(code, numCandidateURLs(plan))
		if errcode.IsFatal(code) {
			return e.fail(ctx, plan, code)
		}
		e.log.Warn().Err(err).Msg("download failed transiently, retrying")
		if e.payState.ShouldBackoffDownload() {
			e.log.Info().Time("until", e.payState.BackoffExpiryTime()).Msg("backing off before retrying download")
			if err := waitForBackoff(ctx, e.payState); err != nil {
				return e.fail(ctx, plan, classifyDownloadErr(err))
			}
		}
	}
	e.payState.DownloadComplete()

	e.setState(Verifying)
	if err := e.pipeline.Verify(ctx, plan); err != nil {
		return e.fail(ctx, plan, classifyVerifyErr(err))
	}

	e.setState(Finalizing)
	if err := e.pipeline.Finalize(ctx, plan); err != nil {
		return e.fail(ctx, plan, classifyFinalizeErr(err))
	}

	e.payState.UpdateSucceeded()
	e.setState(UpdatedNeedReboot)
	return nil
}

// numCandidateURLs reports how many URLs UpdateFailed should wrap the
// current attempt's URL index against. Plans in this codebase carry a
// single payload in practice; a plan without one (or without URLs) is
// treated as a single-URL attempt rather than skipping the wrap check.
func numCandidateURLs(plan *InstallPlan) int {
	if plan == nil || len(plan.Payloads) == 0 || len(plan.Payloads[0].PayloadURLs) == 0 {
		return 1
	}
	return len(plan.Payloads[0].PayloadURLs)
}

// waitForBackoff blocks until payState's backoff expiry elapses or ctx
// is canceled, the same gate download.Fetcher applies around its own
// retry loop so a sustained transient failure throttles instead of
// hot-looping the update/peer servers (§4.2, §8 testable property 5).
func waitForBackoff(ctx context.Context, payState *paystate.State) error {
	d := time.Until(payState.BackoffExpiryTime())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) fail(ctx context.Context, plan *InstallPlan, code errcode.Code) error {
	e.payState.UpdateFailed(code, numCandidateURLs(plan))
	e.setState(ReportingErrorEvent)
	if err := e.pipeline.ReportErrorEvent(ctx, code); err != nil {
		e.log.Warn().Err(err).Msg("failed to report error event")
	}
	e.setState(Idle)
	return fmt.Errorf("engine: pipeline failed with %v", code)
}

// evaluatePolicy implements the gates listed in §4.5: connection type,
// device policy, OOBE completion, cellular consent.
func (e *Engine) evaluatePolicy(plan *InstallPlan) (errcode.Code, bool) {
	if e.policy.UpdatesDisabled {
		return errcode.OmahaUpdateIgnoredPerPolicy, false
	}

	if e.policy.Connmgr != nil {
		if !e.policy.Connmgr.IsUpdateAllowedOver(e.policy.ConnectionType, e.policy.Tethering) {
			return errcode.NeedPermissionToUpdate, false
		}
	}

	if !e.policy.OOBEComplete && !e.policy.UpdateHasDeadline {
		return errcode.NonCriticalUpdateInOOBE, false
	}

	if !e.interactive && e.policy.ScatterWaitElapsed != nil {
		if !e.policy.ScatterWaitElapsed(e.firstSeenAt, 0) {
			return errcode.OmahaUpdateDeferredPerPolicy, false
		}
	}

	return errcode.Success, true
}

// BeginScattering returns a uniformly random wait in [0, maxDays) whole
// days (§4.5's scattering algorithm). It does not record or persist an
// update-first-seen-at time.
func BeginScattering(maxDays int, rng *rand.Rand) time.Duration {
	if maxDays <= 0 {
		return 0
	}
	days := rng.Intn(maxDays)
	return time.Duration(days) * 24 * time.Hour
}

// FuzzedInterval applies §4.5's default ±15 minute fuzz to a base
// polling interval.
func FuzzedInterval(base time.Duration, rng *rand.Rand) time.Duration {
	const fuzz = 15 * time.Minute
	delta := time.Duration(rng.Int63n(int64(2*fuzz))) - fuzz
	return base + delta
}

func classifyTransportErr(err error) errcode.Code  { return classify(err, errcode.OmahaRequestError) }
func classifyPlanErr(err error) errcode.Code       { return classify(err, errcode.OmahaResponseInvalid) }
func classifyDownloadErr(err error) errcode.Code   { return classify(err, errcode.DownloadTransferError) }
func classifyVerifyErr(err error) errcode.Code     { return classify(err, errcode.FilesystemVerifierError) }
func classifyFinalizeErr(err error) errcode.Code   { return classify(err, errcode.PostinstallRunnerError) }

// classify unwraps a *CodedError, or any error in the chain with a
// Code() errcode.Code method (internal/delta's), to recover its original
// code, otherwise falls back to a family-default code for an opaque
// error.
func classify(err error, fallback errcode.Code) errcode.Code {
	var ce *CodedError
	if asCodedError(err, &ce) {
		return ce.Code
	}
	var coded interface{ Code() errcode.Code }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return fallback
}

// CodedError lets a Pipeline implementation surface a precise
// errcode.Code instead of the Engine falling back to a family default.
type CodedError struct {
	Code errcode.Code
	Err  error
}

func (e *CodedError) Error() string { return fmt.Sprintf("%v: %v", e.Code, e.Err) }
func (e *CodedError) Unwrap() error { return e.Err }

func asCodedError(err error, target **CodedError) bool {
	for err != nil {
		if ce, ok := err.(*CodedError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
