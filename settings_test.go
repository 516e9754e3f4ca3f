package auditry_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/auditry"
)

func TestLoadSettings_Env(t *testing.T) {
	t.Setenv("AUDITRY_AWAIT_WRITE", "true")
	t.Setenv("AUDITRY_AWAIT_WRITE_TAGS", "billing,security")
	t.Setenv("AUDITRY_REDACT_FIELDS", "password,token")
	t.Setenv("AUDITRY_SAMPLE_RATES", "noisy:0.25")
	t.Setenv("AUDITRY_FETCH_BEFORE_DELETE", "true")
	t.Setenv("AUDITRY_ENRICH_TIMEOUT", "250ms")

	s, err := auditry.LoadSettings("")
	require.NoError(t, err)

	assert.Equal(t, auditry.DefaultAuditModel, s.AuditModel)
	assert.True(t, s.AwaitWrite)
	assert.Equal(t, []string{"billing", "security"}, s.AwaitWriteTags)
	assert.Equal(t, []string{"password", "token"}, s.RedactFields)
	assert.Equal(t, map[string]float64{"noisy": 0.25}, s.SampleRates)
	require.NotNil(t, s.FetchBeforeDelete)
	assert.True(t, *s.FetchBeforeDelete)
	assert.Nil(t, s.FetchBeforeUpdate)
	assert.Equal(t, 250*time.Millisecond, s.EnrichTimeout)
	assert.Equal(t, "log", s.EnrichErrorStrategy)
}

func TestLoadSettings_YAMLOverlay(t *testing.T) {
	t.Setenv("AUDITRY_AUDIT_MODEL", "FromEnv")

	path := filepath.Join(t.TempDir(), "auditry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
audit_model: AuditTrail
write_errors: fail
exclude_fields: [updatedAt]
enrich_timeout: 2s
log_format: text
`), 0o600))

	s, err := auditry.LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "AuditTrail", s.AuditModel)
	assert.Equal(t, "fail", s.WriteErrorStrategy)
	assert.Equal(t, []string{"updatedAt"}, s.ExcludeFields)
	assert.Equal(t, 2*time.Second, s.EnrichTimeout)
	assert.Equal(t, "text", s.LogFormat)
}

func TestLoadSettings_Invalid(t *testing.T) {
	tcs := []struct {
		name string
		key  string
		val  string
	}{
		{name: "error strategy", key: "AUDITRY_ENRICH_ERRORS", val: "explode"},
		{name: "sample rate", key: "AUDITRY_SAMPLE_RATES", val: "noisy:1.5"},
		{name: "log level", key: "AUDITRY_LOG_LEVEL", val: "loud"},
		{name: "log format", key: "AUDITRY_LOG_FORMAT", val: "xml"},
		{name: "duration", key: "AUDITRY_ENRICH_TIMEOUT", val: "soon"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			_, err := auditry.LoadSettings("")
			assert.Error(t, err)
		})
	}
}

func TestSettings_Apply(t *testing.T) {
	t.Parallel()

	s := auditry.Settings{
		AuditModel:          "AuditTrail",
		AwaitWriteTags:      []string{"billing"},
		ExcludeFields:       []string{"updatedAt"},
		RedactFields:        []string{"password"},
		FetchBeforeUpdate:   auditry.Bool(false),
		EnrichTimeout:       time.Second,
		EnrichErrorStrategy: "fail",
		WriteErrorStrategy:  "custom",
		SampleRates:         map[string]float64{"noisy": 0.1, "debug": 0.5},
	}
	cfg := auditry.Config{ExcludeFields: []string{"createdAt"}}
	s.Apply(&cfg)

	assert.Equal(t, "AuditTrail", cfg.AuditModel)
	assert.Equal(t, []string{"createdAt", "updatedAt"}, cfg.ExcludeFields)
	assert.Equal(t, []string{"password"}, cfg.RedactFields)
	require.NotNil(t, cfg.FetchBefore.Update)
	assert.False(t, *cfg.FetchBefore.Update)
	assert.Nil(t, cfg.FetchBefore.Delete)
	assert.Equal(t, time.Second, cfg.EnrichTimeout)
	assert.Equal(t, auditry.ErrorFail, cfg.EnrichmentErrors.Strategy)
	assert.Equal(t, auditry.ErrorCustom, cfg.WriteErrors.Strategy)

	require.NotNil(t, cfg.AwaitWriteFor)
	assert.True(t, cfg.AwaitWriteFor([]string{"billing"}))
	assert.False(t, cfg.AwaitWriteFor([]string{"other"}))

	require.NotNil(t, cfg.SampleRate)
	assert.InDelta(t, 0.1, cfg.SampleRate([]string{"debug", "noisy"}), 1e-9)
	assert.InDelta(t, 1.0, cfg.SampleRate(nil), 1e-9)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := auditry.NewLogger(auditry.Settings{LogLevel: "warn", LogFormat: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "model", "User")

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "shown", got["msg"])
	assert.Equal(t, "auditry", got["component"])
	assert.Equal(t, "User", got["model"])
}
