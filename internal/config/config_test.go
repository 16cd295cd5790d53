package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultsValidate(t *testing.T) {
	cfg, err := LoadFrom(PathsIn(t.TempDir()), "", noEnv)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:50070", cfg.ControlAddr)
	assert.Equal(t, RadioLAN, cfg.Radio.Kind)
	assert.Equal(t, "127.0.0.1:9527", cfg.Bridge.LocalAddr)
	assert.Equal(t, 3, cfg.Bridge.DialAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Bridge.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.NameService.SessionTimeout)
	assert.Equal(t, 10*time.Minute, cfg.NameService.RecordTTL)
	assert.Equal(t, 256, cfg.NameService.RecordCapacity)
}

func TestYAMLOverridesDefaults(t *testing.T) {
	paths := PathsIn(t.TempDir())
	require.NoError(t, os.WriteFile(paths.ConfigFile, []byte(`
control_addr: 127.0.0.1:6000
radio:
  kind: mem
  mem_peers:
    - addr: peer-1
      names: [org.example.chat]
name_service:
  session_timeout: 5s
bridge:
  retry_delay: 50ms
`), 0600))

	cfg, err := LoadFrom(paths, "", noEnv)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6000", cfg.ControlAddr)
	assert.Equal(t, RadioMem, cfg.Radio.Kind)
	require.Len(t, cfg.Radio.MemPeers, 1)
	assert.Equal(t, []string{"org.example.chat"}, cfg.Radio.MemPeers[0].Names)
	assert.Equal(t, 5*time.Second, cfg.NameService.SessionTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Bridge.RetryDelay)
	assert.Equal(t, 3, cfg.Bridge.DialAttempts, "unset keys keep defaults")
}

func TestYAMLRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("control_adr: x\n"), 0600))

	_, err := LoadFrom(PathsIn(t.TempDir()), path, noEnv)
	assert.Error(t, err)
}

func TestExplicitPathMustExist(t *testing.T) {
	_, err := LoadFrom(PathsIn(t.TempDir()), filepath.Join(t.TempDir(), "missing.yaml"), noEnv)
	assert.Error(t, err)
}

func TestEnvOverridesYAML(t *testing.T) {
	paths := PathsIn(t.TempDir())
	require.NoError(t, os.WriteFile(paths.ConfigFile, []byte("control_addr: 127.0.0.1:6000\n"), 0600))

	cfg, err := LoadFrom(paths, "", envMap(map[string]string{
		"BTLITE_CONTROL_ADDR":    "127.0.0.1:7000",
		"BTLITE_SEED_PEERS":      "10.0.0.2:50061, 10.0.0.3:50061,",
		"BTLITE_SESSION_TIMEOUT": "12s",
		"BTLITE_DIAL_ATTEMPTS":   "5",
		"BTLITE_LOG_COLORS":      "false",
	}))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.ControlAddr)
	assert.Equal(t, []string{"10.0.0.2:50061", "10.0.0.3:50061"}, cfg.Radio.SeedPeers)
	assert.Equal(t, 12*time.Second, cfg.NameService.SessionTimeout)
	assert.Equal(t, 5, cfg.Bridge.DialAttempts)
	require.NotNil(t, cfg.Log.Colors)
	assert.False(t, *cfg.Log.Colors)
}

func TestEnvRejectsBadValues(t *testing.T) {
	_, err := LoadFrom(PathsIn(t.TempDir()), "", envMap(map[string]string{
		"BTLITE_SESSION_TIMEOUT": "soon",
	}))
	assert.ErrorContains(t, err, "BTLITE_SESSION_TIMEOUT")
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.ControlAddr = ""
	cfg.Radio.Kind = "carrier-pigeon"
	cfg.Bridge.DialAttempts = 0
	cfg.Log.Level = "loud"

	errs := multierr.Errors(cfg.Validate())
	paths := make([]string, 0, len(errs))
	for _, err := range errs {
		var ve ValidationError
		require.ErrorAs(t, err, &ve)
		paths = append(paths, ve.Path)
	}
	assert.ElementsMatch(t, []string{"control_addr", "radio.kind", "bridge.dial_attempts", "log.level"}, paths)
}

func TestSaveRoundTrip(t *testing.T) {
	paths := PathsIn(t.TempDir())
	cfg := Default()
	cfg.GUID = "0123456789abcdef0123456789abcdef"
	cfg.Radio.SeedPeers = []string{"10.0.0.9:50061"}
	require.NoError(t, cfg.Save(paths.ConfigFile))

	loaded, err := LoadFrom(paths, "", noEnv)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
