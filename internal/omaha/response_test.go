package omaha_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/affggh/ab_update_engine/internal/omaha"
)

const sampleResponse = `<?xml version="1.0" encoding="UTF-8"?>
<response protocol="3.0">
  <daystart elapsed_days="4500" elapsed_seconds="120"/>
  <app appid="{app-id}" cohort="c1">
    <updatecheck status="ok" _rollback="false">
      <urls>
        <url codebase="https://example.com/payload/"/>
      </urls>
      <manifest version="2.0.0">
        <packages>
          <package name="payload.bin" size="16777216" hash_sha256="deadbeef" fp="1.0/abc"/>
        </packages>
        <actions>
          <action event="postinstall" MaxDaysToScatter="7" Powerwash="false"/>
        </actions>
      </manifest>
    </updatecheck>
  </app>
</response>`

func TestParseResponseHappyPath(t *testing.T) {
	resp, err := omaha.ParseResponse(strings.NewReader(sampleResponse))
	require.NoError(t, err)
	require.EqualValues(t, 4500, resp.ElapsedDays)
	require.Len(t, resp.Apps, 1)

	app := resp.Apps[0]
	require.Equal(t, "{app-id}", app.AppID)
	require.Equal(t, "ok", app.UpdateCheck.Status)
	require.Len(t, app.UpdateCheck.URLs, 1)
	require.Equal(t, "https://example.com/payload/", app.UpdateCheck.URLs[0].Codebase)
	require.Equal(t, "2.0.0", app.UpdateCheck.ManifestVersion)
	require.Len(t, app.UpdateCheck.Packages, 1)
	require.EqualValues(t, 16777216, app.UpdateCheck.Packages[0].Size)
	require.NotNil(t, app.UpdateCheck.Postinstall)
	require.Equal(t, 7, app.UpdateCheck.Postinstall.MaxDaysToScatter)
}

func TestParseResponseRejectsEntityDeclaration(t *testing.T) {
	doc := `<?xml version="1.0"?>
<!DOCTYPE response [<!ENTITY xxe "boom">]>
<response protocol="3.0"><app appid="a"></app></response>`
	_, err := omaha.ParseResponse(strings.NewReader(doc))
	require.ErrorIs(t, err, omaha.ErrEntityDeclaration)
}

func TestParseResponseIgnoresUnknownElements(t *testing.T) {
	doc := `<response protocol="3.0"><unknown foo="bar"><deeper/></unknown><app appid="a"><updatecheck status="noupdate"></updatecheck></app></response>`
	resp, err := omaha.ParseResponse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, resp.Apps, 1)
	require.Equal(t, "noupdate", resp.Apps[0].UpdateCheck.Status)
}

func TestParseResponseNoUpdate(t *testing.T) {
	doc := `<response protocol="3.0"><app appid="a"><updatecheck status="noupdate"></updatecheck></app></response>`
	resp, err := omaha.ParseResponse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, "noupdate", resp.Apps[0].UpdateCheck.Status)
	require.Empty(t, resp.Apps[0].UpdateCheck.Packages)
}
