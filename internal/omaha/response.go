package omaha

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrEntityDeclaration is returned when the response document contains
// an <!ENTITY ...> declaration (billion-laughs defense, §4.4).
var ErrEntityDeclaration = errors.New("omaha: response contains a disallowed XML entity declaration")

// ErrMismatchedClose is returned when a closing tag does not match the
// most recently opened element on the current path.
var ErrMismatchedClose = errors.New("omaha: mismatched closing tag")

// Package describes one <manifest><packages><package> entry.
type Package struct {
	Name       string
	Size       uint64
	HashSHA256 string
	Fingerprint string
}

// URL is one <manifest... actually <updatecheck><urls><url> entry.
type URL struct {
	Codebase string
}

// PostinstallAction carries the policy attributes of the
// <action event="postinstall"> element.
type PostinstallAction struct {
	Deadline          string
	MaxDaysToScatter  int
	Prompt            bool
	DisableP2PForDownloading bool
	DisableP2PForSharing     bool
	PublicKeyRSA      string
	Powerwash         bool
	// MetadataSize / IsDelta / other per-package colon-separated lists are
	// not modeled individually; callers needing them should add fields as
	// additional actions are discovered in the wild.
}

// UpdateCheck is the parsed <app><updatecheck> element.
type UpdateCheck struct {
	Status             string // "ok" | "noupdate" | "" (install op)
	EOLDate            string
	Rollback           bool
	FirmwareVersion    string
	KernelVersion      string
	ManifestVersion    string
	URLs               []URL
	Packages           []Package
	Postinstall        *PostinstallAction
}

// AppResponse is the parsed <response><app> element.
type AppResponse struct {
	AppID      string
	Cohort     string
	CohortHint string
	CohortName string
	UpdateCheck UpdateCheck
}

// Response is the fully parsed document (§4.4).
type Response struct {
	ElapsedDays    int64
	ElapsedSeconds int64
	Apps           []AppResponse
}

// ParseResponse decodes r with a streaming, path-based SAX-style walk.
// Any <!ENTITY declaration aborts with ErrEntityDeclaration before any
// content is trusted; unknown elements/attributes are ignored.
func ParseResponse(r io.Reader) (*Response, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	// Entity() is consulted only for *named* entity references inside
	// text content; the entity-declaration attack vector is the DOCTYPE
	// internal subset, which the decoder reports as a xml.Directive
	// token below, so we scan those directly rather than relying on a
	// resolver callback.

	resp := &Response{}
	var path []string
	var curApp *AppResponse

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("omaha: xml parse error: %w", err)
		}

		switch t := tok.(type) {
		case xml.Directive:
			if strings.Contains(strings.ToUpper(string(t)), "<!ENTITY") {
				return nil, ErrEntityDeclaration
			}

		case xml.StartElement:
			name := t.Name.Local
			path = append(path, name)
			full := "/" + strings.Join(path, "/")

			switch full {
			case "/response/daystart":
				resp.ElapsedDays = attrInt64(t, "elapsed_days")
				resp.ElapsedSeconds = attrInt64(t, "elapsed_seconds")

			case "/response/app":
				resp.Apps = append(resp.Apps, AppResponse{
					AppID:      attrStr(t, "appid"),
					Cohort:     attrStr(t, "cohort"),
					CohortHint: attrStr(t, "cohorthint"),
					CohortName: attrStr(t, "cohortname"),
				})
				curApp = &resp.Apps[len(resp.Apps)-1]

			case "/response/app/updatecheck":
				if curApp == nil {
					return nil, fmt.Errorf("omaha: updatecheck outside app")
				}
				curApp.UpdateCheck = UpdateCheck{
					Status:          attrStr(t, "status"),
					EOLDate:         attrStr(t, "_eol_date"),
					Rollback:        attrStr(t, "_rollback") == "true",
					FirmwareVersion: attrStr(t, "_firmware_version"),
					KernelVersion:   attrStr(t, "_kernel_version"),
				}

			case "/response/app/updatecheck/urls/url":
				if curApp == nil {
					return nil, fmt.Errorf("omaha: url outside app")
				}
				curApp.UpdateCheck.URLs = append(curApp.UpdateCheck.URLs, URL{Codebase: attrStr(t, "codebase")})

			case "/response/app/updatecheck/manifest":
				if curApp == nil {
					return nil, fmt.Errorf("omaha: manifest outside app")
				}
				curApp.UpdateCheck.ManifestVersion = attrStr(t, "version")

			case "/response/app/updatecheck/manifest/packages/package":
				if curApp == nil {
					return nil, fmt.Errorf("omaha: package outside app")
				}
				curApp.UpdateCheck.Packages = append(curApp.UpdateCheck.Packages, Package{
					Name:        attrStr(t, "name"),
					Size:        attrUint64(t, "size"),
					HashSHA256:  attrStr(t, "hash_sha256"),
					Fingerprint: attrStr(t, "fp"),
				})

			case "/response/app/updatecheck/manifest/actions/action":
				if attrStr(t, "event") == "postinstall" && curApp != nil {
					a := &PostinstallAction{
						Deadline:                 attrStr(t, "deadline"),
						MaxDaysToScatter:         int(attrInt64(t, "MaxDaysToScatter")),
						Prompt:                   attrStr(t, "prompt") == "true",
						DisableP2PForDownloading: attrStr(t, "DisableP2PForDownloading") == "true",
						DisableP2PForSharing:     attrStr(t, "DisableP2PForSharing") == "true",
						PublicKeyRSA:             attrStr(t, "PublicKeyRsa"),
						Powerwash:                attrStr(t, "Powerwash") == "true",
					}
					curApp.UpdateCheck.Postinstall = a
				}
			}

		case xml.EndElement:
			if len(path) == 0 || path[len(path)-1] != t.Name.Local {
				return nil, fmt.Errorf("%w: got </%s>, expected </%s>", ErrMismatchedClose, t.Name.Local, pathTail(path))
			}
			path = path[:len(path)-1]
		}
	}

	return resp, nil
}

func pathTail(path []string) string {
	if len(path) == 0 {
		return "<root>"
	}
	return path[len(path)-1]
}

func attrStr(t xml.StartElement, name string) string {
	for _, a := range t.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func attrInt64(t xml.StartElement, name string) int64 {
	v, _ := strconv.ParseInt(attrStr(t, name), 10, 64)
	return v
}

func attrUint64(t xml.StartElement, name string) uint64 {
	v, _ := strconv.ParseUint(attrStr(t, name), 10, 64)
	return v
}
