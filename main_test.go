package main

import (
	"os"
	"path/filepath"
	"testing"

	"example.com/grpclite/internal/config"
	"example.com/grpclite/internal/logger"
	"example.com/grpclite/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuickStartConfig_Endpoint(t *testing.T) {
	cfg, tlsCfg, err := quickStartConfig([]string{"127.0.0.1:10042"})
	require.NoError(t, err)
	assert.Nil(t, tlsCfg)
	assert.Equal(t, []string{"tcp://127.0.0.1:10042"}, cfg.Server.Listen)
	assert.Equal(t, config.LogLevelInfo, cfg.Logging.LogLevel)
	require.NotNil(t, cfg.Logging.CallLog)
	assert.True(t, *cfg.Logging.CallLog.Enabled)
	assert.Equal(t, "30s", *cfg.Server.GracefulShutdownTimeout, "defaults applied")

	cfg, _, err = quickStartConfig([]string{"unix:///tmp/grpclite.sock"})
	require.NoError(t, err)
	assert.Equal(t, []string{"unix:///tmp/grpclite.sock"}, cfg.Server.Listen)
}

func TestQuickStartConfig_ArgumentErrors(t *testing.T) {
	_, _, err := quickStartConfig(nil)
	assert.Error(t, err)
	_, _, err = quickStartConfig([]string{"a", "b", "c"})
	assert.Error(t, err)
	_, _, err = quickStartConfig([]string{"gopher://nowhere"})
	assert.Error(t, err)
}

func TestCreateTLSConfig_RelativePaths(t *testing.T) {
	certFile, keyFile := testutil.GenerateSelfSignedCertKeyFiles(t, "localhost")
	dir := filepath.Dir(certFile)
	tlsPath := filepath.Join(dir, "tls.json")
	body := `{"cert_file": "` + filepath.Base(certFile) + `", "key_file": "` + filepath.Base(keyFile) + `"}`
	require.NoError(t, os.WriteFile(tlsPath, []byte(body), 0o600))

	_, tlsCfg, err := quickStartConfig([]string{"tcp://127.0.0.1:0", tlsPath})
	require.NoError(t, err)
	require.NotNil(t, tlsCfg)
	assert.Len(t, tlsCfg.Certificates, 1)
}

func TestCreateTLSConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := createTLSConfig(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "failed to read TLS config file")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))
	_, err = createTLSConfig(bad)
	assert.ErrorContains(t, err, "failed to parse TLS config file")

	partial := filepath.Join(dir, "partial.json")
	require.NoError(t, os.WriteFile(partial, []byte(`{"cert_file": "c.pem"}`), 0o600))
	_, err = createTLSConfig(partial)
	assert.ErrorContains(t, err, "must contain 'cert_file' and 'key_file'")

	dangling := filepath.Join(dir, "dangling.json")
	require.NoError(t, os.WriteFile(dangling, []byte(`{"cert_file": "c.pem", "key_file": "k.pem"}`), 0o600))
	_, err = createTLSConfig(dangling)
	assert.Error(t, err)
}

// The generated logging section must be accepted by the logger.
func TestQuickStartConfig_LoggerInitializes(t *testing.T) {
	cfg, _, err := quickStartConfig([]string{"tcp://127.0.0.1:0"})
	require.NoError(t, err)
	lg, err := logger.NewLogger(cfg.Logging)
	require.NoError(t, err)
	require.NotNil(t, lg)
	assert.NoError(t, lg.CloseLogFiles())
}
