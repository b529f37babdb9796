package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

func ok(body string) warehouse.FetchResponse {
	return warehouse.FetchResponse{StatusCode: 200, Body: []byte(body)}
}

func TestBlocked(t *testing.T) {
	t.Parallel()

	d := New(Config{})
	padding := strings.Repeat("<p>Toyota Camry 2018 в Алматы</p>", 300)

	testCases := []struct {
		name    string
		body    string
		blocked bool
	}{
		{"short captcha", "<html>please solve the captcha</html>", true},
		{"cloudflare ray id", padding + "Cloudflare Ray ID: 8a1b2c", true},
		{"browser check", padding + "Checking your browser before accessing kolesa.kz", true},
		{"human verification", padding + "Please verify you are human", true},
		{"blocked title", "<title>Access Denied</title>" + padding, true},
		{"cf-ray challenge", strings.Repeat("x", 6000) + "cf-ray challenge", true},
		{"listing page", "<title>Toyota Camry</title>" + padding, false},
		{"empty", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			blocked, reason := d.Blocked(ok(tc.body))
			require.Equal(t, tc.blocked, blocked, reason)
			if tc.blocked {
				require.NotEmpty(t, reason)
			}
		})
	}
}

func TestShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	require.True(t, New(Config{BodyLengthThreshold: 100}).ShouldPromote(ok("")))
}

func TestShouldPromote_SPAMarkers(t *testing.T) {
	t.Parallel()

	require.True(t, New(Config{BodyLengthThreshold: 100}).ShouldPromote(ok(`<div id="__next"></div>`)))
}

func TestShouldPromote_ScriptDensity(t *testing.T) {
	t.Parallel()

	d := New(Config{BodyLengthThreshold: 1000})
	require.True(t, d.ShouldPromote(ok(`<html><script>var a=1;</script><p>t</p></html>`)))
}

func TestShouldPromote_DisabledForNon200(t *testing.T) {
	t.Parallel()

	d := New(Config{BodyLengthThreshold: 100})
	require.False(t, d.ShouldPromote(warehouse.FetchResponse{StatusCode: 404, Body: []byte("not found")}))
}

func TestShouldPromote_RequiredSelectors(t *testing.T) {
	t.Parallel()

	d := New(Config{BodyLengthThreshold: 10, RequiredSelectors: []string{"h1.offer__title"}})
	full := `<html><body><h1 class="offer__title">Toyota Camry</h1>` + strings.Repeat("<p>detail</p>", 20) + `</body></html>`
	require.False(t, d.ShouldPromote(ok(full)))

	shell := `<html><body><div class="loading"></div>` + strings.Repeat("<p>detail</p>", 20) + `</body></html>`
	require.True(t, d.ShouldPromote(ok(shell)))
}

func TestScriptDensityUnterminated(t *testing.T) {
	t.Parallel()

	require.True(t, scriptDensityHigh([]byte("<p>x</p><script")))
	require.False(t, scriptDensityHigh([]byte("<p>plain text only</p>")))
}
