// Package paystate implements C2: cross-attempt bookkeeping for a
// single logical update response — URL rotation, failure counts,
// backoff, and per-source byte counters. All of it is persisted
// through the prefs store (C1) so it survives a crash.
package paystate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/affggh/ab_update_engine/internal/errcode"
	"github.com/affggh/ab_update_engine/internal/prefs"
)

// Policy constants (§4.2).
const (
	MaxURLFailureCount = 10
	BackoffBaseSeconds = 60  // 1 minute
	MaxBackoffSeconds  = 86400 * 7 // 1 week cap
	BackoffFuzzSeconds = 600 // +/- 10 minutes
)

// Source identifies where downloaded bytes came from, for the
// per-source byte counters named in §3.
type Source int

const (
	SourceHTTPSOrigin Source = iota
	SourceHTTPOrigin
	SourceHTTPPeer
)

func (s Source) prefSuffix() string {
	switch s {
	case SourceHTTPSOrigin:
		return "https-origin"
	case SourceHTTPOrigin:
		return "http-origin"
	case SourceHTTPPeer:
		return "http-peer"
	default:
		return "unknown"
	}
}

// ResponseFields is the subset of an Omaha response that affects
// download routing and therefore the response "signature" (§4.2). The
// caller (the scheduler, which owns both the omaha and paystate
// packages) projects the full response into this leaf-level struct so
// paystate never needs to import the omaha request/response codec.
type ResponseFields struct {
	URLs          []string
	PayloadSizes  []uint64
	PayloadHashes []string // hex or base64, compared as opaque strings
	DisableBackoff bool
}

func (r ResponseFields) signature() string {
	var sb strings.Builder
	for _, u := range r.URLs {
		sb.WriteString(u)
		sb.WriteByte('\n')
	}
	for _, s := range r.PayloadSizes {
		sb.WriteString(strconv.FormatUint(s, 10))
		sb.WriteByte('\n')
	}
	for _, h := range r.PayloadHashes {
		sb.WriteString(h)
		sb.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Prefs keys for the §6 persisted state plus the additional
// per-source/per-URL counters §3 calls for. Apart from "p2p-enabled",
// the names use this package's own "payload-state/" namespace.
const (
	keyResponseSignature   = "payload-state/response-signature"
	keyURLIndex            = "payload-state/current-url-index"
	keyURLFailureCount     = "payload-state/url-failure-count"
	keyURLSwitchCount      = "payload-state/url-switch-count"
	keyPayloadAttemptNum   = "payload-state/payload-attempt-number"
	keyBackoffExpiry       = "payload-state/backoff-expiry-time"
	keyUpdateTimestampStart = "payload-state/update-timestamp-start"
	keyUpdateDurationUptime = "payload-state/update-duration-uptime"
	keyRebootCount         = "payload-state/num-reboots"
	keyP2PEnabled          = "p2p-enabled"
	keyP2PURL              = "payload-state/p2p-url"
	keyDisableBackoff      = "payload-state/disable-backoff"
	bytesDownloadedPrefix  = "payload-state/bytes-downloaded"
)

// Clock lets tests control wall-clock and monotonic time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// State is C2: a PayloadState bound to a prefs store.
type State struct {
	store prefs.Store
	clock Clock
	rng   *rand.Rand

	// in-memory mirror, used when prefs reads fail so callers always get
	// a safe default rather than an error (§4.2 failure semantics).
	urlIndex      uint32
	failureCount  uint32
	switchCount   uint32
	attemptNumber uint32
	signature     string
}

// New constructs a payload state backed by store, loading the current
// in-memory mirror from persisted values (or zero values on first run
// / read failure).
func New(store prefs.Store) *State {
	return NewWithClock(store, realClock{})
}

// NewWithClock is New with an injectable clock, for tests.
func NewWithClock(store prefs.Store, clock Clock) *State {
	s := &State{store: store, clock: clock, rng: rand.New(rand.NewSource(1))}
	s.signature, _ = store.GetString(keyResponseSignature)
	if v, err := store.GetInt64(keyURLIndex); err == nil {
		s.urlIndex = uint32(v)
	}
	if v, err := store.GetInt64(keyURLFailureCount); err == nil {
		s.failureCount = uint32(v)
	}
	if v, err := store.GetInt64(keyURLSwitchCount); err == nil {
		s.switchCount = uint32(v)
	}
	if v, err := store.GetInt64(keyPayloadAttemptNum); err == nil {
		s.attemptNumber = uint32(v)
	}
	return s
}

// SetResponse implements §4.2's signature comparison: identical
// signature preserves all counters, a new one resets per-response
// state and stamps update_timestamp_start.
func (s *State) SetResponse(fields ResponseFields) {
	sig := fields.signature()
	if sig == s.signature && s.signature != "" {
		return
	}
	s.signature = sig
	s.urlIndex = 0
	s.failureCount = 0
	s.switchCount = 0
	s.attemptNumber = 0
	_ = s.store.SetString(keyResponseSignature, sig)
	_ = s.store.SetInt64(keyURLIndex, 0)
	_ = s.store.SetInt64(keyURLFailureCount, 0)
	_ = s.store.SetInt64(keyURLSwitchCount, 0)
	_ = s.store.SetInt64(keyPayloadAttemptNum, 0)
	_ = s.store.SetInt64(keyUpdateTimestampStart, s.clock.Now().Unix())
	_ = s.store.SetBool(keyDisableBackoff, fields.DisableBackoff)
	for src := SourceHTTPSOrigin; src <= SourceHTTPPeer; src++ {
		_ = s.store.SetInt64(prefs.CreateSubKey(bytesDownloadedPrefix, src.prefSuffix()), 0)
	}
}

// DownloadComplete increments the payload attempt number so a
// subsequent retry (e.g. after a post-install failure) is throttled.
func (s *State) DownloadComplete() {
	s.attemptNumber++
	_ = s.store.SetInt64(keyPayloadAttemptNum, int64(s.attemptNumber))
	s.updateBackoffExpiry()
}

// DownloadProgress resets the current URL's failure count: forward
// progress is evidence the URL still works.
func (s *State) DownloadProgress(count uint64, source Source) {
	if count == 0 {
		return
	}
	s.failureCount = 0
	_ = s.store.SetInt64(keyURLFailureCount, 0)
	key := prefs.CreateSubKey(bytesDownloadedPrefix, source.prefSuffix())
	cur, _ := s.store.GetInt64(key)
	_ = s.store.SetInt64(key, cur+int64(count))
}

// UpdateResumed is called when a download continues from a checkpoint
// rather than starting at offset zero. It records nothing and leaves
// all counters unchanged.
func (s *State) UpdateResumed() {}

// UpdateRestarted resets per-update metrics for a fresh (non-resumed)
// attempt.
func (s *State) UpdateRestarted() {
	_ = s.store.SetInt64(keyUpdateDurationUptime, 0)
	_ = s.store.SetInt64(keyUpdateTimestampStart, s.clock.Now().Unix())
}

// UpdateSucceeded is called once after a successful pipeline.
func (s *State) UpdateSucceeded() {
	n, _ := s.store.GetInt64(keyRebootCount)
	_ = s.store.SetInt64(keyRebootCount, n+1)
}

// UpdateFailed implements the three-way error classification of §4.2.
// numURLs is the size of the candidate URL list for the current
// payload, needed to wrap the URL index correctly on the payload-
// corruption and post-cap transient branches.
func (s *State) UpdateFailed(code errcode.Code, numURLs int) {
	switch {
	case errcode.IsPolicyDeferError(code):
		return
	case errcode.IsPayloadCorruptionError(code):
		s.incrementURLIndex(numURLs)
	case errcode.IsTransientDownloadError(code):
		s.incrementFailureCount(numURLs)
	default:
		s.incrementURLIndex(numURLs)
	}
}

func (s *State) incrementFailureCount(numURLs int) {
	s.failureCount++
	if s.failureCount >= MaxURLFailureCount {
		s.failureCount = 0
		s.incrementURLIndex(numURLs)
		return
	}
	_ = s.store.SetInt64(keyURLFailureCount, int64(s.failureCount))
}

// incrementURLIndex advances the URL index by one, wrapping it modulo
// numURLs (§4.2's "advances by exactly 1 mod |urls|"). On wraparound
// the payload attempt number advances and backoff expiry is
// recomputed.
func (s *State) incrementURLIndex(numURLs int) {
	s.urlIndex++
	s.switchCount++
	s.failureCount = 0
	wrapped := numURLs > 0 && int(s.urlIndex) >= numURLs
	if wrapped {
		s.urlIndex = 0
	}
	_ = s.store.SetInt64(keyURLSwitchCount, int64(s.switchCount))
	_ = s.store.SetInt64(keyURLFailureCount, 0)
	_ = s.store.SetInt64(keyURLIndex, int64(s.urlIndex))
	if wrapped {
		s.attemptNumber++
		_ = s.store.SetInt64(keyPayloadAttemptNum, int64(s.attemptNumber))
		s.updateBackoffExpiry()
	}
}

// updateBackoffExpiry implements §4.2's exponential backoff with fuzz,
// capped at MaxBackoffSeconds.
func (s *State) updateBackoffExpiry() {
	backoff := float64(BackoffBaseSeconds) * math.Pow(2, float64(s.attemptNumber))
	if backoff > MaxBackoffSeconds {
		backoff = MaxBackoffSeconds
	}
	fuzz := time.Duration(s.rng.Int63n(2*BackoffFuzzSeconds+1)-BackoffFuzzSeconds) * time.Second
	expiry := s.clock.Now().Add(time.Duration(backoff) * time.Second).Add(fuzz)
	_ = s.store.SetInt64(keyBackoffExpiry, expiry.Unix())
}

// ShouldBackoffDownload reports whether the backoff expiry has not yet
// elapsed and the current response has not disabled backoff.
func (s *State) ShouldBackoffDownload() bool {
	disabled, _ := s.store.GetBool(keyDisableBackoff)
	if disabled {
		return false
	}
	ts, err := s.store.GetInt64(keyBackoffExpiry)
	if err != nil {
		return false
	}
	return s.clock.Now().Before(time.Unix(ts, 0))
}

// Accessors (§4.2 read-only accessor list).

func (s *State) ResponseSignature() string    { return s.signature }
func (s *State) PayloadAttemptNumber() uint32 { return s.attemptNumber }
func (s *State) URLIndex() uint32             { return s.urlIndex }
func (s *State) URLFailureCount() uint32      { return s.failureCount }
func (s *State) URLSwitchCount() uint32       { return s.switchCount }

func (s *State) BackoffExpiryTime() time.Time {
	ts, err := s.store.GetInt64(keyBackoffExpiry)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

func (s *State) BytesDownloaded(source Source) int64 {
	v, _ := s.store.GetInt64(prefs.CreateSubKey(bytesDownloadedPrefix, source.prefSuffix()))
	return v
}

func (s *State) RebootCount() int64 {
	v, _ := s.store.GetInt64(keyRebootCount)
	return v
}

// CurrentURL resolves the URL index against the caller-supplied URL
// list, clamping defensively in case persisted state predates a
// response with fewer URLs.
func (s *State) CurrentURL(urls []string) (string, error) {
	if len(urls) == 0 {
		return "", fmt.Errorf("paystate: no URLs available")
	}
	idx := int(s.urlIndex) % len(urls)
	return urls[idx], nil
}

// SetP2PEnabled / P2PURL persist the peer-to-peer routing decision made
// by the scheduler's policy gates.
func (s *State) SetP2PEnabled(enabled bool) { _ = s.store.SetBool(keyP2PEnabled, enabled) }
func (s *State) P2PEnabled() bool           { v, _ := s.store.GetBool(keyP2PEnabled); return v }
func (s *State) SetP2PURL(url string)       { _ = s.store.SetString(keyP2PURL, url) }
func (s *State) P2PURL() string             { v, _ := s.store.GetString(keyP2PURL); return v }
