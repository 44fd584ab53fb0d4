package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T, fn func()) map[string]interface{} {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	fn()

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestRedactSecret(t *testing.T) {
	assert.Equal(t, "Atzr***", RedactSecret("Atzr|IwEBIabc123"))
	assert.Equal(t, "***", RedactSecret("abc"))
}

func TestRedactBearer(t *testing.T) {
	out := RedactBearer("request failed: Authorization: Bearer eyJhbGciOi.abc")
	assert.NotContains(t, out, "eyJhbGciOi")
	assert.True(t, strings.HasSuffix(out, "Bearer ***"))
}

func TestLogRedactsSecretFields(t *testing.T) {
	SetLevel(DEBUG)
	defer SetLevel(INFO)

	entry := captureLog(t, func() {
		Info("token refreshed", "retailer", "amazon_ads", "access_token", "Atza|verylongtoken")
	})

	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "token refreshed", entry["msg"])
	assert.Equal(t, "amazon_ads", entry["retailer"])
	assert.Equal(t, "Atza***", entry["access_token"])
}

func TestLogBelowLevelIsDropped(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetLevel(WARN)
	defer SetLevel(INFO)

	Info("ignored")
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("WARNING"))
	assert.Equal(t, ERROR, ParseLevel("error"))
	assert.Equal(t, INFO, ParseLevel(""))
}
