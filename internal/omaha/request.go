// Package omaha implements C4: encoding the outgoing update-check/event
// XML request and decoding the service's XML response. Grounded on
// original_source/cros/omaha_request_builder_xml.cc (request side) and
// original_source/omaha_request_action.cc (response side). The request
// keeps the original's `<os>`/`<app>` element layout and fills it from
// the flat fields spec §4.4 names.
package omaha

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PingNeverPinged is the sentinel carried in the "a"/"r" ping attributes
// meaning "no prior ping has ever been recorded" (§4.4).
const PingNeverPinged = -1

// pingTimeJump is substituted for a negative day delta, i.e. the system
// clock moved backward since the last ping; it tells the server to
// re-anchor without crediting or debiting activity.
const pingTimeJump = -2

// App describes one application entity carried in the request: the
// platform app itself, or an add-on/DLC.
type App struct {
	AppID              string
	Version            string
	TargetVersion      string
	Board              string
	HardwareClass      string
	Cohort             string
	CohortHint         string
	CohortName         string
	CurrentChannel     string
	TargetChannel      string
	Fingerprint        string
	InstallDateDays    int64
	TargetVersionPrefix string
	RollbackAllowed    bool

	// Ping counters, in days since the referenced event; PingNeverPinged
	// means "never pinged". A negative delta other than the sentinel
	// (clock went backward) is normalized to pingTimeJump by NewPingDays.
	PingActiveDays   int
	PingRollCallDays int
	SendPing         bool

	// Event, when non-nil, reports the outcome of a previous attempt
	// instead of requesting a new update check.
	Event *EventInfo

	// SkipUpdate, when true, emits the <app> without an <updatecheck>
	// (used for DLC apps that are only pinging).
	SkipUpdate bool
}

// EventInfo is the <event> body reported after Downloading/Verifying/
// Finalizing finished or failed (§5 ReportingErrorEvent).
type EventInfo struct {
	Type        int
	Result      int
	ErrorCode   int32
	PreviousVersion string
}

// Request is the typed form of the outgoing XML document (§4.4).
type Request struct {
	Updater          string
	UpdaterVersion   string
	InstallSource    string // "ondemandupdate" | "scheduler"
	OSPlatform       string
	OSVersion        string
	OSServicePack    string
	Apps             []App

	// RequestID/SessionID are generated per Build call unless set, so
	// tests can pin them.
	RequestID string
	SessionID string
}

const (
	InstallSourceOnDemand  = "ondemandupdate"
	InstallSourceScheduler = "scheduler"
)

// NewPingDays normalizes a raw day delta the way GetPing's caller does:
// a prior timestamp in the future (delta < 0, excluding the never-pinged
// sentinel) indicates the wall clock moved backward, and the special
// time-jump value is substituted so the server resets its anchor instead
// of crediting negative activity.
func NewPingDays(delta int) int {
	if delta == PingNeverPinged {
		return delta
	}
	if delta < 0 {
		return pingTimeJump
	}
	return delta
}

// Build renders the request as an XML document. XML escaping for
// attribute values uses EscapeAttr below; any non-ASCII-7 input fails
// the whole build (§4.4, testable property 8).
func (r *Request) Build() (string, error) {
	for _, s := range []string{r.Updater, r.UpdaterVersion, r.InstallSource, r.OSPlatform, r.OSVersion, r.OSServicePack} {
		if !IsASCII7(s) {
			return "", fmt.Errorf("omaha: non-ASCII-7 byte in request header field %q", s)
		}
	}

	reqID := r.RequestID
	if reqID == "" {
		reqID = uuid.NewString()
	}
	sessID := r.SessionID
	if sessID == "" {
		sessID = uuid.NewString()
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	fmt.Fprintf(&b, `<request protocol="3.0" updater=%s updaterversion=%s installsource=%s requestid=%s sessionid=%s>`+"\n",
		attr(r.Updater), attr(r.UpdaterVersion), attr(r.InstallSource), attr(reqID), attr(sessID))

	fmt.Fprintf(&b, `  <os platform=%s version=%s sp=%s></os>`+"\n",
		attr(r.OSPlatform), attr(r.OSVersion), attr(r.OSServicePack))

	for _, app := range r.Apps {
		body, err := buildApp(app)
		if err != nil {
			return "", err
		}
		b.WriteString(body)
	}

	b.WriteString("</request>\n")
	return b.String(), nil
}

func buildApp(app App) (string, error) {
	for _, s := range []string{app.AppID, app.Version, app.Board, app.HardwareClass,
		app.CurrentChannel, app.TargetChannel, app.Cohort, app.CohortHint,
		app.CohortName, app.Fingerprint, app.TargetVersionPrefix} {
		if !IsASCII7(s) {
			return "", fmt.Errorf("omaha: non-ASCII-7 byte in app %q field %q", app.AppID, s)
		}
	}

	var b strings.Builder
	b.WriteString("  <app")
	writeAttr(&b, "appid", app.AppID)
	writeAttr(&b, "version", app.Version)
	writeAttr(&b, "board", app.Board)
	writeAttr(&b, "hardware_class", app.HardwareClass)
	writeAttr(&b, "track", app.CurrentChannel)
	if app.TargetChannel != "" && app.TargetChannel != app.CurrentChannel {
		writeAttr(&b, "from_track", app.TargetChannel)
	}
	writeAttr(&b, "cohort", app.Cohort)
	writeAttr(&b, "cohorthint", app.CohortHint)
	writeAttr(&b, "cohortname", app.CohortName)
	writeAttr(&b, "fp", app.Fingerprint)
	fmt.Fprintf(&b, ` installdate="%d"`, app.InstallDateDays)
	b.WriteString(">\n")

	if app.Event != nil {
		fmt.Fprintf(&b, `    <event eventtype="%d" eventresult="%d"`, app.Event.Type, app.Event.Result)
		if app.Event.ErrorCode != 0 {
			fmt.Fprintf(&b, ` errorcode="%d"`, app.Event.ErrorCode)
		}
		if app.Event.PreviousVersion != "" {
			writeAttr(&b, "previousversion", app.Event.PreviousVersion)
		}
		b.WriteString("></event>\n")
	} else {
		if app.SendPing {
			b.WriteString(buildPing(app))
		}
		if !app.SkipUpdate {
			b.WriteString("    <updatecheck")
			if app.TargetVersionPrefix != "" {
				writeAttr(&b, "targetversionprefix", app.TargetVersionPrefix)
				if app.RollbackAllowed {
					b.WriteString(` rollback_allowed="true"`)
				}
			}
			b.WriteString("></updatecheck>\n")
		}
	}

	b.WriteString("  </app>\n")
	return b.String(), nil
}

// buildPing renders the "a"/"r" day-based ping element (§4.4). An
// attribute is emitted only when its day count is positive or the
// never-pinged sentinel, matching GetPingAttribute's gate exactly.
func buildPing(app App) string {
	var a, r string
	if app.PingActiveDays > 0 || app.PingActiveDays == PingNeverPinged {
		a = fmt.Sprintf(` a="%d"`, app.PingActiveDays)
	}
	if app.PingRollCallDays > 0 || app.PingRollCallDays == PingNeverPinged {
		r = fmt.Sprintf(` r="%d"`, app.PingRollCallDays)
	}
	if a == "" && r == "" {
		return ""
	}
	return fmt.Sprintf("    <ping active=\"1\"%s%s></ping>\n", a, r)
}

func writeAttr(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, " %s=%s", name, attr(value))
}

func attr(value string) string {
	return `"` + EscapeAttr(value) + `"`
}

// EscapeAttr implements XmlEncode's escaping of the five XML-significant
// characters. Bytes outside ASCII-7 are copied through unchanged; Build
// rejects such input beforehand via IsASCII7.
func EscapeAttr(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for i := 0; i < len(input); i++ {
		c := input[i]
		switch c {
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&apos;")
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// IsASCII7 reports whether every byte of s has its high bit clear,
// matching XmlEncode's precondition check (testable property 8).
func IsASCII7(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i]&0x80 != 0 {
			return false
		}
	}
	return true
}
