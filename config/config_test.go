package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_Load_YAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "pvasrv.yaml")

	yamlContent := `server:
  name: ioc-01
  plain_addr: ":15075"
  tls_addr: ":15076"

tls:
  keychain_file: ` + filepath.Join(tmpDir, "server.p12") + `
  keychain_password: secret
  auto_provision: true
  cms_url: http://localhost:8080
  client_cert: require
  poll_interval: 30s
  initial_poll_delay: 2s
  no_status_extension: reject

logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "ioc-01", cfg.Server.Name)
	assert.Equal(t, ":15076", cfg.Server.TLSAddr)
	assert.Equal(t, "secret", cfg.TLS.KeychainPassword)
	assert.True(t, cfg.TLS.AutoProvision)
	assert.Equal(t, ClientCertRequire, cfg.TLS.ClientCert)
	assert.Equal(t, 30*time.Second, cfg.TLS.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.TLS.InitialPollDelay)
	assert.Equal(t, NoExtensionReject, cfg.TLS.NoStatusExtension)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// defaults
	assert.Equal(t, 5*time.Second, cfg.TLS.StatusTimeout)
	assert.Equal(t, 10*time.Second, cfg.TLS.ProvisionTimeout)
	assert.Equal(t, 30*time.Minute, cfg.CMS.StatusValidity)
	assert.Equal(t, 15*time.Minute, cfg.CMS.RepublishInterval)
}

func TestLoader_Load_JSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "pvacms.json")

	jsonContent := `{
  "cms": {
    "addr": ":9090",
    "db_path": "` + filepath.Join(tmpDir, "cms.db") + `",
    "issue_rate": 2.5
  },
  "logging": {"level": "warn"}
}`
	require.NoError(t, os.WriteFile(configPath, []byte(jsonContent), 0644))

	cfg, err := NewLoader().Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.CMS.Addr)
	assert.Equal(t, 2.5, cfg.CMS.IssueRate)
	assert.Equal(t, 10, cfg.CMS.IssueBurst)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, ClientCertOptional, cfg.TLS.ClientCert)
	assert.Equal(t, NoExtensionTrust, cfg.TLS.NoStatusExtension)
}

func TestLoader_Load_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := NewLoader().Load(filepath.Join(tmpDir, "missing.yaml"))
	assert.Error(t, err)

	tomlPath := filepath.Join(tmpDir, "cfg.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("x = 1"), 0644))
	_, err = NewLoader().Load(tomlPath)
	assert.ErrorContains(t, err, "unsupported config format")

	badPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("tls: [unclosed"), 0644))
	_, err = NewLoader().Load(badPath)
	assert.ErrorContains(t, err, "failed to parse YAML")
}

func TestLoader_PasswordFile(t *testing.T) {
	tmpDir := t.TempDir()
	pwdPath := filepath.Join(tmpDir, "pwd")
	require.NoError(t, os.WriteFile(pwdPath, []byte("from-file\n"), 0600))

	cfg := &Config{TLS: TLSConfig{KeychainPasswordFile: pwdPath}}
	require.NoError(t, NewLoader().Finalize(cfg))
	assert.Equal(t, "from-file", cfg.TLS.KeychainPassword)

	cfg = &Config{TLS: TLSConfig{KeychainPasswordFile: filepath.Join(tmpDir, "nope")}}
	assert.Error(t, NewLoader().Finalize(cfg))
}

func TestLoader_Validate(t *testing.T) {
	loader := NewLoader()

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
		errMsg  string
	}{
		{
			name:   "empty config",
			config: &Config{},
		},
		{
			name:    "invalid client cert mode",
			config:  &Config{TLS: TLSConfig{ClientCert: "sometimes"}},
			wantErr: true,
			errMsg:  "invalid tls.client_cert",
		},
		{
			name:    "invalid no extension policy",
			config:  &Config{TLS: TLSConfig{NoStatusExtension: "maybe"}},
			wantErr: true,
			errMsg:  "invalid tls.no_status_extension",
		},
		{
			name:    "auto provision without cms",
			config:  &Config{TLS: TLSConfig{AutoProvision: true, KeychainFile: "a.p12"}},
			wantErr: true,
			errMsg:  "tls.cms_url is required",
		},
		{
			name:    "auto provision without keychain path",
			config:  &Config{TLS: TLSConfig{AutoProvision: true, CMSURL: "http://cms"}},
			wantErr: true,
			errMsg:  "tls.keychain_file is required",
		},
		{
			name:    "password and password file",
			config:  &Config{TLS: TLSConfig{KeychainPassword: "a", KeychainPasswordFile: "b"}},
			wantErr: true,
			errMsg:  "mutually exclusive",
		},
		{
			name:    "negative poll interval",
			config:  &Config{TLS: TLSConfig{PollInterval: -time.Second}},
			wantErr: true,
			errMsg:  "tls.poll_interval must not be negative",
		},
		{
			name:    "republish longer than validity",
			config:  &Config{CMS: CMSConfig{StatusValidity: time.Minute, RepublishInterval: time.Hour}},
			wantErr: true,
			errMsg:  "cms.republish_interval",
		},
		{
			name:    "invalid logging level",
			config:  &Config{Logging: LoggingConfig{Level: "invalid"}},
			wantErr: true,
			errMsg:  "invalid logging level",
		},
		{
			name:    "invalid logging format",
			config:  &Config{Logging: LoggingConfig{Format: "xml"}},
			wantErr: true,
			errMsg:  "invalid logging format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := loader.Validate(tt.config)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestTLSConfig_StringRedactsPassword(t *testing.T) {
	c := TLSConfig{KeychainFile: "/etc/pva/server.p12", KeychainPassword: "hunter2"}
	s := c.String()
	assert.NotContains(t, s, "hunter2")
	assert.Contains(t, s, "password=***")
	assert.Contains(t, s, "/etc/pva/server.p12")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":5075", cfg.Server.PlainAddr)
	assert.Equal(t, ":5076", cfg.Server.TLSAddr)
	assert.Equal(t, 60*time.Second, cfg.TLS.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.TLS.InitialPollDelay)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestKeys(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "server.plain_addr")
	assert.Contains(t, keys, "tls.keychain_password_file")
	assert.Contains(t, keys, "cms.republish_interval")
	assert.Contains(t, keys, "logging.audit_file")
	assert.NotContains(t, keys, "tls")
}

func TestLoader_LoadViper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pvasrv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  plain_addr: ":6075"
tls:
  keychain_file: /etc/pva/server.p12
  poll_interval: 30s
`), 0600))

	t.Setenv("PVATEST_TLS_POLL_INTERVAL", "2m")
	t.Setenv("PVATEST_TLS_CLIENT_CERT", "require")

	cfg, err := NewLoader().LoadViper(viper.New(), path, "PVATEST")
	require.NoError(t, err)
	assert.Equal(t, ":6075", cfg.Server.PlainAddr)
	assert.Equal(t, "/etc/pva/server.p12", cfg.TLS.KeychainFile)
	assert.Equal(t, 2*time.Minute, cfg.TLS.PollInterval)
	assert.Equal(t, ClientCertRequire, cfg.TLS.ClientCert)
	assert.Equal(t, 5*time.Second, cfg.TLS.InitialPollDelay)

	t.Setenv("PVATEST_TLS_CLIENT_CERT", "sometimes")
	_, err = NewLoader().LoadViper(viper.New(), path, "PVATEST")
	assert.Error(t, err)
}
