package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.sh")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestInvokeAppliesValidMutation(t *testing.T) {
	path := writeScript(t, `cat <<'EOF'
{"app_url":"http://127.0.0.1:9001","energy_joules_override":1.5,"carbon_intensity_g_per_kwh_override":42.0,"energy_source":"solar","headers_to_update":{"X-Foo":"bar"},"headers_to_remove":["X-Drop"]}
EOF
`)

	m, err := Invoke(context.Background(), path, Request{Method: "GET", Path: "/x"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9001", m.AppURL)
	require.NotNil(t, m.EnergyJoulesOverride)
	assert.Equal(t, 1.5, *m.EnergyJoulesOverride)
	require.NotNil(t, m.CarbonIntensityGPerKwhOverride)
	assert.Equal(t, 42.0, *m.CarbonIntensityGPerKwhOverride)
	assert.Equal(t, "solar", m.EnergySource)
	assert.Equal(t, "bar", m.HeadersToUpdate["X-Foo"])
	assert.Equal(t, []string{"X-Drop"}, m.HeadersToRemove)
}

func TestInvokeDropsInvalidOverrides(t *testing.T) {
	path := writeScript(t, `cat <<'EOF'
{"energy_joules_override":-1,"carbon_intensity_g_per_kwh_override":null,"headers_to_update":{"":"x","Y":""}}
EOF
`)

	m, err := Invoke(context.Background(), path, Request{}, time.Second)
	require.NoError(t, err)
	assert.Nil(t, m.EnergyJoulesOverride)
	assert.Nil(t, m.CarbonIntensityGPerKwhOverride)
	assert.Empty(t, m.HeadersToUpdate)
}

func TestInvokeTimesOut(t *testing.T) {
	path := writeScript(t, `sleep 2`)

	_, err := Invoke(context.Background(), path, Request{}, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestInvokeReturnsErrorOnNonZeroExit(t *testing.T) {
	path := writeScript(t, `exit 1`)

	_, err := Invoke(context.Background(), path, Request{}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with error")
}

func TestInvokeReturnsErrorOnMalformedJSON(t *testing.T) {
	path := writeScript(t, `echo 'not json'`)

	_, err := Invoke(context.Background(), path, Request{}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode result")
}
