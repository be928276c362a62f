// Package download implements C6: a resumable payload fetcher with a
// running SHA-256 hash and URL failover driven by paystate. The
// byte-range resume logic is grounded on the teacher's ZipPayloadReader
// (zippayloadreader.go), whose ReadAt/Read pair reuses an open stream
// unless the requested offset jumps, reopening only when it must; here
// that same "reuse unless the position moved" idea governs when an
// HTTP GET is reissued with a fresh Range header versus continued.
package download

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/affggh/ab_update_engine/internal/errcode"
	"github.com/affggh/ab_update_engine/internal/paystate"
)

// Writer is the consumer C7 exposes: bytes flow into it as they arrive,
// and a non-success error aborts the transfer with that error, not a
// generic download error (§4.6).
type Writer interface {
	WriteBytes(p []byte) error
}

// Target describes what is being fetched: the ordered candidate URLs
// (origin/peer), expected size, and expected SHA-256 for the final
// integrity check (§4.6).
type Target struct {
	URLs         []string
	ExpectedSize uint64
	ExpectedHash []byte
	IsPeer       bool
}

// Transport parameters; policy constants per §5's timeouts.
const (
	OriginConnectTimeout = 60 * time.Second
	PeerConnectTimeout   = 5 * time.Second
	LowSpeedThreshold    = 1024 // bytes/sec
	LowSpeedDuration     = 90 * time.Second
)

// Fetcher drives one resumable download of Target into Writer,
// resuming at a byte offset and maintaining a running hash across
// restarts within the same logical transfer.
type Fetcher struct {
	HTTPClient *http.Client
	PayState   *paystate.State
	Progress   bool // attach a progressbar/v3 bar for foreground runs

	hasher hash.Hash
	offset uint64
}

// NewFetcher returns a Fetcher whose HTTP client timeout matches the
// target's transport class.
func NewFetcher(payState *paystate.State, peer bool) *Fetcher {
	timeout := OriginConnectTimeout
	if peer {
		timeout = PeerConnectTimeout
	}
	return &Fetcher{
		HTTPClient: &http.Client{Timeout: timeout},
		PayState:   payState,
		hasher:     sha256.New(),
	}
}

// Resume rewinds the Fetcher's running hash state to match a prior
// offset recovered from a checkpoint (§4.7's resumability contract);
// callers must re-seed the hasher from the bytes already on disk since
// hash.Hash carries no serializable state of its own.
func (f *Fetcher) Resume(offset uint64, alreadyHashed io.Reader) error {
	f.hasher = sha256.New()
	if _, err := io.Copy(f.hasher, alreadyHashed); err != nil {
		return fmt.Errorf("download: re-hash resumed bytes: %w", err)
	}
	f.offset = offset
	return nil
}

// Fetch streams target starting at f.offset into w, advancing the URL
// index on transport failure (§4.2, §4.6, §8 scenario S3). It returns
// when the transfer completes and validates, when a failure classifies
// as fatal, when w rejects bytes, or when ctx is canceled during a
// backoff wait; non-fatal failures are retried across the candidate
// URLs with no limit on the number of attempts.
func (f *Fetcher) Fetch(ctx context.Context, target Target, w Writer) error {
	if len(target.URLs) == 0 {
		return fmt.Errorf("download: no candidate URLs")
	}

	urlIndex := 0
	if f.PayState != nil {
		urlIndex = int(f.PayState.URLIndex()) % len(target.URLs)
	}

	for {
		url := target.URLs[urlIndex%len(target.URLs)]
		err := f.fetchOnce(ctx, url, target, w)
		if err == nil {
			return f.finish(target)
		}

		code := classifyHTTPErr(err)
		if f.PayState != nil {
			f.PayState.UpdateFailed(code, len(target.URLs))
		}
		var wErr *writeError
		if errcode.IsFatal(code) || as(err, &wErr) {
			return &transferError{code: code, err: err}
		}
		urlIndex++

		if f.PayState != nil && f.PayState.ShouldBackoffDownload() {
			if err := waitForBackoff(ctx, f.PayState); err != nil {
				return err
			}
		}
	}
}

// waitForBackoff blocks until PayState's backoff expiry elapses or ctx
// is canceled, gating the retry loop above on §4.2's exponential
// backoff instead of spinning with no delay against a downed origin.
func waitForBackoff(ctx context.Context, payState *paystate.State) error {
	until := payState.BackoffExpiryTime()
	d := time.Until(until)
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

func (f *Fetcher) fetchOnce(ctx context.Context, url string, target Target, w Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if f.offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", f.offset))
	}

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &httpStatusError{status: resp.StatusCode}
	}
	if f.offset > 0 && resp.StatusCode != http.StatusPartialContent {
		// Server ignored the Range request; restart from scratch.
		f.offset = 0
		f.hasher = sha256.New()
	}

	var bar *progressbar.ProgressBar
	if f.Progress && target.ExpectedSize > 0 {
		bar = progressbar.DefaultBytes(int64(target.ExpectedSize), fmt.Sprintf("downloading (%s)", humanize.Bytes(target.ExpectedSize)))
		bar.Set64(int64(f.offset))
	}

	buf := make([]byte, 256*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, err := f.hasher.Write(chunk); err != nil {
				return err
			}
			if err := w.WriteBytes(chunk); err != nil {
				return &writeError{err: err}
			}
			f.offset += uint64(n)
			if f.PayState != nil {
				src := paystate.SourceHTTPSOrigin
				if target.IsPeer {
					src = paystate.SourceHTTPPeer
				}
				f.PayState.DownloadProgress(uint64(n), src)
			}
			if bar != nil {
				bar.Add(n)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (f *Fetcher) finish(target Target) error {
	if target.ExpectedSize != 0 && f.offset != target.ExpectedSize {
		return &transferError{code: errcode.PayloadSizeMismatchError, err: fmt.Errorf("download: got %d bytes, want %d", f.offset, target.ExpectedSize)}
	}
	if len(target.ExpectedHash) > 0 {
		sum := f.hasher.Sum(nil)
		if !hashEqual(sum, target.ExpectedHash) {
			return &transferError{code: errcode.PayloadHashMismatchError, err: fmt.Errorf("download: payload hash mismatch")}
		}
	}
	return nil
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string { return fmt.Sprintf("download: http status %d", e.status) }

type writeError struct{ err error }

func (e *writeError) Error() string { return fmt.Sprintf("download: writer rejected bytes: %v", e.err) }
func (e *writeError) Unwrap() error { return e.err }

type transferError struct {
	code errcode.Code
	err  error
}

func (e *transferError) Error() string { return fmt.Sprintf("download: %v: %v", e.code, e.err) }
func (e *transferError) Unwrap() error { return e.err }

func classifyHTTPErr(err error) errcode.Code {
	var statusErr *httpStatusError
	if as(err, &statusErr) {
		return errcode.OmahaRequestHTTPResponseBase + errcode.Code(statusErr.status)
	}
	var wErr *writeError
	if as(err, &wErr) {
		if coded, ok := wErr.err.(interface{ Code() errcode.Code }); ok {
			return coded.Code()
		}
		return errcode.DownloadWriteError
	}
	var tErr *transferError
	if as(err, &tErr) {
		return tErr.code
	}
	return errcode.DownloadTransferError
}

func as[T error](err error, target *T) bool {
	for err != nil {
		if t, ok := err.(T); ok {
			*target = t
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
