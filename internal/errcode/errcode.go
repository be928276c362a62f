// Package errcode implements the flat ErrorCode enum of §7 plus the
// flag bits that get OR'd into a reported code and the family
// classification used to decide whether an error is locally
// recoverable (retry/backoff) or must propagate to the scheduler.
package errcode

// Code is the bare error code, flag bits stripped.
type Code int32

const (
	Success Code = 0

	// Service protocol family.
	OmahaRequestError        Code = 1
	OmahaRequestXMLParseError Code = 2
	OmahaRequestEmptyResponse Code = 3
	OmahaRequestXMLHasEntityDecl Code = 4
	OmahaRequestHTTPResponseBase Code = 1000 // + HTTP status code

	// Install-plan policy family.
	OmahaResponseInvalid             Code = 10
	OmahaUpdateIgnoredPerPolicy      Code = 11
	OmahaUpdateDeferredPerPolicy     Code = 12
	OmahaUpdateDeferredForBackoff    Code = 13
	NonCriticalUpdateInOOBE          Code = 14
	OmahaUpdateIgnoredOverCellular   Code = 15
	NeedPermissionToUpdate           Code = 16

	// Download transport family.
	DownloadTransferError Code = 20
	DownloadWriteError    Code = 21

	// Payload integrity family.
	DownloadInvalidMetadataMagicString       Code = 30
	DownloadInvalidMetadataSize              Code = 31
	DownloadMetadataSignatureMismatch        Code = 32
	DownloadMetadataSignatureMissing         Code = 33
	DownloadManifestParseError               Code = 34
	DownloadOperationHashMismatch            Code = 35
	DownloadOperationExecutionError          Code = 36
	PayloadHashMismatchError                 Code = 37
	PayloadSizeMismatchError                 Code = 38
	DownloadPayloadPubKeyVerificationError   Code = 39
	SignedDeltaPayloadExpectedError          Code = 40
	UnsupportedMajorPayloadVersion           Code = 41
	UnsupportedMinorPayloadVersion           Code = 42

	// Post-image family.
	NewRootfsVerificationError  Code = 50
	NewKernelVerificationError  Code = 51
	FilesystemVerifierError     Code = 52

	// Post-install family.
	PostinstallRunnerError             Code = 60
	PostinstallBootedFromFirmwareB     Code = 61
	PostinstallFirmwareRONotUpdatable  Code = 62
	PostinstallPowerwashError          Code = 63

	// Version/rollback family.
	PayloadTimestampError        Code = 70
	RollbackNotPossible          Code = 71
	PackageExcludedFromUpdate    Code = 72

	// Slot control family.
	SetBootableFlagError Code = 80
)

// Flag bits, OR'd into a reported code. Strip with Strip before family
// classification.
const (
	DevModeFlag      Code = -1 << 31 // bit 31, the sign bit of the int32 Code
	ResumedFlag      Code = 1 << 30
	TestImageFlag    Code = 1 << 29
	TestOmahaURLFlag Code = 1 << 28
	flagMask                = DevModeFlag | ResumedFlag | TestImageFlag | TestOmahaURLFlag
)

// Strip removes flag bits, returning the bare family code.
func Strip(c Code) Code { return c &^ flagMask }

// IsTransientDownloadError reports whether c (after stripping flags) is
// a transient transport/service error that should advance the URL
// index via the per-URL failure cap, per §4.2.
func IsTransientDownloadError(c Code) bool {
	switch Strip(c) {
	case DownloadTransferError, DownloadWriteError, OmahaRequestError:
		return true
	}
	stripped := Strip(c)
	return stripped >= OmahaRequestHTTPResponseBase && stripped < OmahaRequestHTTPResponseBase+600
}

// IsPayloadCorruptionError reports whether c indicates the payload
// itself is corrupt, which advances the URL index immediately rather
// than incrementing a failure counter first.
func IsPayloadCorruptionError(c Code) bool {
	switch Strip(c) {
	case DownloadInvalidMetadataMagicString,
		DownloadInvalidMetadataSize,
		DownloadMetadataSignatureMismatch,
		DownloadMetadataSignatureMissing,
		DownloadManifestParseError,
		DownloadOperationHashMismatch,
		PayloadHashMismatchError,
		PayloadSizeMismatchError,
		DownloadPayloadPubKeyVerificationError,
		SignedDeltaPayloadExpectedError:
		return true
	default:
		return false
	}
}

// IsPolicyDeferError reports whether c is a policy decision that
// should not perturb retry/backoff counters at all.
func IsPolicyDeferError(c Code) bool {
	switch Strip(c) {
	case OmahaUpdateIgnoredPerPolicy,
		OmahaUpdateDeferredPerPolicy,
		OmahaUpdateDeferredForBackoff,
		NonCriticalUpdateInOOBE,
		OmahaUpdateIgnoredOverCellular,
		NeedPermissionToUpdate:
		return true
	default:
		return false
	}
}

// IsFatal reports whether c should abandon the pipeline and transition
// to ReportingErrorEvent rather than being retried locally with the
// same pipeline instance. Per §7's propagation policy, only transient
// transport/service errors are recovered in place; everything else
// (including payload corruption, which still advances the URL index
// in payload state before the pipeline reports out) propagates.
func IsFatal(c Code) bool {
	if Strip(c) == Success {
		return false
	}
	return !IsTransientDownloadError(c)
}
