// Package pipeline wires C4 (omaha), C6 (download), C7 (delta), C8
// (verifier), and C9 (bootctl) together behind the engine.Pipeline
// interface, so internal/engine never imports any of them directly.
// This is the concrete "environment record" the design notes call for:
// one struct holding every collaborator C5 needs, constructed once at
// startup instead of reached for through package-level globals.
package pipeline

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/affggh/ab_update_engine/internal/bootctl"
	"github.com/affggh/ab_update_engine/internal/delta"
	"github.com/affggh/ab_update_engine/internal/download"
	"github.com/affggh/ab_update_engine/internal/engine"
	"github.com/affggh/ab_update_engine/internal/errcode"
	"github.com/affggh/ab_update_engine/internal/omaha"
	"github.com/affggh/ab_update_engine/internal/payload"
	"github.com/affggh/ab_update_engine/internal/paystate"
	"github.com/affggh/ab_update_engine/internal/prefs"
	"github.com/affggh/ab_update_engine/internal/verifier"
)

// Device resolves the block device paths and filesystem type the
// verifier and delta performer need for one partition.
type Device struct {
	TargetPath     string
	SourcePath     string // empty when there is no current-slot source (full update)
	FilesystemType string
}

// DeviceResolver maps a partition name and target slot to the physical
// devices involved, delegating to the same boot-control knowledge C9
// already owns.
type DeviceResolver interface {
	Resolve(partitionName string, targetSlot uint8) (Device, error)
}

// Pipeline implements engine.Pipeline.
type Pipeline struct {
	HTTPClient *http.Client
	ServerURL  string
	RequestTemplate omaha.Request
	Interactive     bool

	PayState   *paystate.State
	BootCtl    *bootctl.Controller
	Devices    DeviceResolver
	MountPolicy verifier.MountPolicy

	// Prefs durably records delta.Performer's per-partition checkpoint
	// (§4.7's resumability contract); a nil store leaves checkpointing
	// disabled rather than failing the download.
	Prefs prefs.Store

	HashChecksMandatory bool
}

var _ engine.Pipeline = (*Pipeline)(nil)

// BuildAndSendRequest renders the Omaha request body, POSTs it with the
// custom headers named in §6, and parses the XML response.
func (p *Pipeline) BuildAndSendRequest(ctx context.Context) (*omaha.Response, error) {
	body, err := p.RequestTemplate.Build()
	if err != nil {
		return nil, &engine.CodedError{Code: errcode.OmahaRequestXMLParseError, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.ServerURL, strings.NewReader(body))
	if err != nil {
		return nil, &engine.CodedError{Code: errcode.OmahaRequestError, Err: err}
	}
	req.Header.Set("Content-Type", "text/xml")
	interactivity := "bg"
	if p.Interactive {
		interactivity = "fg"
	}
	req.Header.Set("X-Goog-Update-Interactivity", interactivity)
	if len(p.RequestTemplate.Apps) > 0 {
		req.Header.Set("X-Goog-Update-AppId", p.RequestTemplate.Apps[0].AppID)
	}
	req.Header.Set("X-Goog-Update-Updater", fmt.Sprintf("%s-%s", p.RequestTemplate.Updater, p.RequestTemplate.UpdaterVersion))

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, &engine.CodedError{Code: errcode.OmahaRequestError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &engine.CodedError{Code: errcode.OmahaRequestHTTPResponseBase + errcode.Code(resp.StatusCode), Err: fmt.Errorf("pipeline: omaha http status %d", resp.StatusCode)}
	}

	parsed, err := omaha.ParseResponse(resp.Body)
	if err != nil {
		return nil, &engine.CodedError{Code: errcode.OmahaResponseInvalid, Err: err}
	}
	return parsed, nil
}

// BuildInstallPlan interprets the first "ok" app entry into an
// InstallPlan; a "noupdate" status or no matching app yields (nil, nil)
// so the engine returns to Idle without treating it as an error.
func (p *Pipeline) BuildInstallPlan(resp *omaha.Response) (*engine.InstallPlan, error) {
	for _, app := range resp.Apps {
		uc := app.UpdateCheck
		if uc.Status != "ok" {
			continue
		}

		current, err := p.BootCtl.CurrentSlot()
		if err != nil {
			return nil, &engine.CodedError{Code: errcode.OmahaResponseInvalid, Err: fmt.Errorf("pipeline: read current slot: %w", err)}
		}

		plan := &engine.InstallPlan{
			Version:    uc.ManifestVersion,
			IsRollback: uc.Rollback,
			TargetSlot: otherSlot(current),
			SourceSlot: current,
		}

		if uc.Postinstall != nil {
			plan.PublicKeyRSA = uc.Postinstall.PublicKeyRSA
			plan.PowerwashRequired = uc.Postinstall.Powerwash
		}

		urls := make([]string, 0, len(uc.URLs))
		for _, u := range uc.URLs {
			urls = append(urls, u.Codebase)
		}

		for _, pkg := range uc.Packages {
			hash, err := decodeHash(pkg.HashSHA256)
			if err != nil {
				return nil, &engine.CodedError{Code: errcode.OmahaResponseInvalid, Err: fmt.Errorf("pipeline: package %q hash: %w", pkg.Name, err)}
			}
			payloadURLs := make([]string, 0, len(urls))
			for _, base := range urls {
				payloadURLs = append(payloadURLs, strings.TrimRight(base, "/")+"/"+pkg.Name)
			}
			plan.Payloads = append(plan.Payloads, engine.PayloadDescriptor{
				PayloadURLs: payloadURLs,
				Size:        pkg.Size,
				Hash:        hash,
				Fingerprint: pkg.Fingerprint,
				AppID:       app.AppID,
				Type:        "full",
			})
		}

		return plan, nil
	}
	return nil, nil
}

func otherSlot(current uint8) uint8 {
	if current == 0 {
		return 1
	}
	return 0
}

func decodeHash(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return hex.DecodeString(s)
}

// Download fetches every payload in plan sequentially into the delta
// performer's stream via an io.Pipe, so bytes flow straight from the
// network into the applier without staging the whole payload on disk.
func (p *Pipeline) Download(ctx context.Context, plan *engine.InstallPlan) error {
	for _, pd := range plan.Payloads {
		if err := p.downloadAndApply(ctx, plan, pd); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) downloadAndApply(ctx context.Context, plan *engine.InstallPlan, pd engine.PayloadDescriptor) error {
	pr, pw := io.Pipe()
	fetcher := download.NewFetcher(p.PayState, false)

	performer := &delta.Performer{
		Partitions:          p.resolvePartitions(plan),
		PublicKey:           parsePublicKey(plan.PublicKeyRSA),
		HashChecksMandatory: plan.HashChecksMandatory,
		Prefs:               p.Prefs,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- performer.Apply(pr)
	}()

	fetchErr := fetcher.Fetch(ctx, download.Target{
		URLs:         pd.PayloadURLs,
		ExpectedSize: pd.Size,
		ExpectedHash: pd.Hash,
	}, &pipeWriter{pw})
	pw.Close()

	applyErr := <-errCh
	if fetchErr != nil {
		return fetchErr
	}
	return applyErr
}

// resolvePartitions builds the delta.Partition set for one plan's
// target slot by asking the configured DeviceResolver about each
// payload's AppID, which is used as the partition name. Payloads whose
// devices fail to resolve or open are left out of the map.
// A nil resolver (used by tests that drive the performer directly)
// yields an empty map.
func (p *Pipeline) resolvePartitions(plan *engine.InstallPlan) map[string]delta.Partition {
	partitions := make(map[string]delta.Partition)
	if p.Devices == nil {
		return partitions
	}
	for _, pd := range plan.Payloads {
		dev, err := p.Devices.Resolve(pd.AppID, plan.TargetSlot)
		if err != nil {
			continue
		}
		target, err := delta.OpenMappedDevice(dev.TargetPath, false)
		if err != nil {
			continue
		}
		part := delta.Partition{Target: target}
		if dev.SourcePath != "" {
			if src, err := delta.OpenMappedDevice(dev.SourcePath, true); err == nil {
				part.Source = src
			}
		}
		partitions[pd.AppID] = part
	}
	return partitions
}

// pipeWriter adapts an *io.PipeWriter to download.Writer.
type pipeWriter struct{ w *io.PipeWriter }

func (p *pipeWriter) WriteBytes(b []byte) error {
	_, err := p.w.Write(b)
	return err
}

func parsePublicKey(b64 string) *rsa.PublicKey {
	if b64 == "" {
		return nil
	}
	pub, err := payload.ParsePublicKey(b64)
	if err != nil {
		return nil
	}
	return pub
}

// Verify is a no-op here: the partition post-image hash check named in
// §4.8 already happens inside delta.Performer.Apply, immediately after
// each partition's last operation, because the payload byte stream is
// not seekable — there is no way to come back and re-read a partition's
// operations in a later, separate pass. This stage exists at the
// engine level purely as the seam §4.5's state machine expects between
// Downloading and Finalizing.
func (p *Pipeline) Verify(ctx context.Context, plan *engine.InstallPlan) error {
	return nil
}

// Finalize runs postinstall for every partition the configured
// DeviceResolver names a filesystem type for, then switches the active
// slot.
func (p *Pipeline) Finalize(ctx context.Context, plan *engine.InstallPlan) error {
	if p.Devices != nil {
		for _, pd := range plan.Payloads {
			dev, err := p.Devices.Resolve(pd.AppID, plan.TargetSlot)
			if err != nil {
				continue
			}
			if dev.FilesystemType == "" {
				continue
			}
			_, runErr := verifier.RunPostinstall(ctx, verifier.PostinstallSpec{
				PartitionName:  pd.AppID,
				BlockDevice:    dev.TargetPath,
				FilesystemType: dev.FilesystemType,
				ScriptPath:     "postinstall",
			}, p.MountPolicy)
			if runErr != nil {
				return runErr
			}
		}
	}

	if err := p.BootCtl.SetActiveBootSlot(plan.TargetSlot); err != nil {
		return &engine.CodedError{Code: errcode.PostinstallRunnerError, Err: err}
	}
	if plan.PowerwashRequired {
		if err := p.BootCtl.SchedulePowerwash(plan.RollbackDataSaveRequested); err != nil {
			return &engine.CodedError{Code: errcode.PostinstallPowerwashError, Err: err}
		}
	}
	return nil
}

// ReportErrorEvent sends an Omaha event report describing code.
func (p *Pipeline) ReportErrorEvent(ctx context.Context, code errcode.Code) error {
	req := p.RequestTemplate
	for i := range req.Apps {
		req.Apps[i].Event = &omaha.EventInfo{Type: 3, Result: 0, ErrorCode: int32(code)}
		req.Apps[i].SkipUpdate = true
	}
	body, err := req.Build()
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.ServerURL, strings.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "text/xml")
	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
