package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaults(t *testing.T) {
	req := TestRequest{URL: "  https://example.test  "}.Normalize(0)
	assert.Equal(t, "https://example.test", req.URL)
	assert.Equal(t, ModeCustom, req.Mode)
	assert.Equal(t, DefaultRuns, req.Runs)

	req = TestRequest{URL: "https://example.test"}.Normalize(5)
	assert.Equal(t, 5, req.Runs)
}

func TestNormalizeRules(t *testing.T) {
	in := TestRequest{
		URL: "https://example.test",
		Rules: ModificationRules{
			Block:       []string{"a.js", "", "b.js", "a.js"},
			Defer:       []string{""},
			HTMLReplace: &HTMLReplace{Find: "", Replace: "x"},
		},
	}
	out := in.Normalize(0)
	assert.Equal(t, []string{"a.js", "b.js"}, out.Rules.Block)
	assert.Nil(t, out.Rules.Defer)
	assert.Nil(t, out.Rules.HTMLReplace, "html_replace with an empty find is dropped")
	// The caller's slice is not rewritten in place.
	assert.Equal(t, []string{"a.js", "", "b.js", "a.js"}, in.Rules.Block)
}

func TestNormalizeCopiesHTMLReplace(t *testing.T) {
	hr := &HTMLReplace{Find: "<h1>", Replace: ""}
	out := TestRequest{URL: "https://example.test", Rules: ModificationRules{HTMLReplace: hr}}.Normalize(0)
	require.NotNil(t, out.Rules.HTMLReplace)
	hr.Find = "changed"
	assert.Equal(t, "<h1>", out.Rules.HTMLReplace.Find)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     TestRequest
		wantErr bool
	}{
		{"valid", TestRequest{URL: "https://example.test", Mode: ModeCustom, Runs: 3}, false},
		{"missing url", TestRequest{Mode: ModeCustom, Runs: 3}, true},
		{"missing url dry run", TestRequest{Mode: ModeCustom, Runs: 1, DryRun: true}, false},
		{"relative url", TestRequest{URL: "/index.html", Mode: ModeCustom, Runs: 1}, true},
		{"ftp url", TestRequest{URL: "ftp://example.test", Mode: ModeCustom, Runs: 1}, true},
		{"unknown mode", TestRequest{URL: "https://example.test", Mode: "turbo", Runs: 1}, true},
		{"zero runs", TestRequest{URL: "https://example.test", Mode: ModeCustom, Runs: 0}, true},
		{"negative runs", TestRequest{URL: "https://example.test", Mode: ModeCustom, Runs: -2}, true},
		{"too many runs", TestRequest{URL: "https://example.test", Mode: ModeCustom, Runs: MaxRuns + 1}, true},
		{"mobile", TestRequest{URL: "http://example.test/a", Mode: ModePageSpeedMobile, Runs: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestDryRunResultJSON(t *testing.T) {
	res := DryRunResult(TestRequest{DryRun: true, Mode: ModeCustom, Runs: 3})
	require.Len(t, res.IndividualRuns, 1)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, `"averageMetrics":{"FCP":-1,"LCP":-1}`)
	assert.Contains(t, s, `"individualRuns":[{"FCP":-1,"LCP":-1}]`)
}

func TestRunSampleNullJSON(t *testing.T) {
	data, err := json.Marshal(RunSample{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"FCP":null,"LCP":null}`, string(data))
}

func TestRequestJSONKeys(t *testing.T) {
	body := `{"url":"https://example.test","rules":{"block":["x.js"],"defer":["lib.js"],"html_replace":{"find":"<h1>.*?</h1>","replace":""}},"mode":"pagespeed-desktop","runs":2,"disableCache":true,"dryRun":false}`
	var req TestRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	assert.Equal(t, ModePageSpeedDesktop, req.Mode)
	assert.Equal(t, 2, req.Runs)
	assert.True(t, req.DisableCache)
	assert.Equal(t, []string{"x.js"}, req.Rules.Block)
	assert.Equal(t, []string{"lib.js"}, req.Rules.Defer)
	require.NotNil(t, req.Rules.HTMLReplace)
	assert.Equal(t, "<h1>.*?</h1>", req.Rules.HTMLReplace.Find)
}
