package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/lab-booking/internal/geo"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 8081\n"))
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, string(geo.ModeLabCoordinates), cfg.Geo.Mode)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, "labbook.events", cfg.Events.Channel)
	assert.Equal(t, "INR", cfg.Payment.Currency)

	grid := cfg.Slots.ToGridConfig()
	assert.Equal(t, "09:00", grid.Start)
	assert.Equal(t, "17:30", grid.End)
	assert.Equal(t, 30*time.Minute, grid.Lead)
}

func TestLoadFileValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
geo:
  mode: fixed_reference
  reference_lat: 10.5
  reference_lng: 76.25
slots:
  lead: 45m
events:
  batch_size: 7
`))
	require.NoError(t, err)

	rc := cfg.Geo.ToRankerConfig()
	assert.Equal(t, geo.ModeFixedReference, rc.Mode)
	assert.Equal(t, 10.5, rc.Reference.Latitude)
	assert.Equal(t, 45*time.Minute, cfg.Slots.Lead)
	assert.Equal(t, 7, cfg.Events.ToWorkerConfig().BatchSize)
}

func TestEnvironmentOverridesAndSecrets(t *testing.T) {
	t.Setenv("LABBOOK_SERVER_PORT", "9090")
	t.Setenv("LABBOOK_BACKEND_TOKEN", "s3cret")
	t.Setenv("LABBOOK_JWT_SECRET", "signing-key")

	cfg, err := Load(writeConfig(t, "backend:\n  token: from-file\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Backend.Token)
	assert.Equal(t, "signing-key", cfg.Auth.JWTSecret)
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := Load(writeConfig(t, "geo:\n  mode: teleport\nsession:\n  ttl: 0s\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "geo.mode")
	assert.Contains(t, err.Error(), "session.ttl")
}

func TestValidateRejectsUnknownTimezone(t *testing.T) {
	_, err := Load(writeConfig(t, "slots:\n  timezone: Mars/Olympus\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slots.timezone")

	cfg, err := Load(writeConfig(t, "slots:\n  timezone: UTC\n"))
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Slots.Location().String())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestSlotsLocation(t *testing.T) {
	assert.Equal(t, time.Local, SlotsConfig{}.Location())
	assert.Equal(t, "UTC", SlotsConfig{Timezone: "UTC"}.Location().String())
	assert.Equal(t, time.Local, SlotsConfig{Timezone: "Mars/Olympus"}.Location())
}
