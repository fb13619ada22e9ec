package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Client certificate modes
const (
	ClientCertNone     = "none"
	ClientCertOptional = "optional"
	ClientCertRequire  = "require"
)

// Policies for certificates without a status-monitoring extension
const (
	NoExtensionTrust  = "trust"
	NoExtensionReject = "reject"
)

// Config represents the complete configuration of pvasrv and pvacms
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server" mapstructure:"server"`
	TLS     TLSConfig     `yaml:"tls" json:"tls" mapstructure:"tls"`
	CMS     CMSConfig     `yaml:"cms" json:"cms" mapstructure:"cms"`
	Logging LoggingConfig `yaml:"logging" json:"logging" mapstructure:"logging"`
}

// ServerConfig defines the PVAccess server listeners
type ServerConfig struct {
	Name        string `yaml:"name" json:"name" mapstructure:"name"`
	PlainAddr   string `yaml:"plain_addr" json:"plain_addr" mapstructure:"plain_addr"`
	TLSAddr     string `yaml:"tls_addr" json:"tls_addr" mapstructure:"tls_addr"`
	HealthAddr  string `yaml:"health_addr" json:"health_addr" mapstructure:"health_addr"`    // gRPC health, empty disables
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"` // prometheus, empty disables
}

// TLSConfig defines keychain and certificate status options
type TLSConfig struct {
	KeychainFile         string        `yaml:"keychain_file" json:"keychain_file" mapstructure:"keychain_file"`
	KeychainPassword     string        `yaml:"keychain_password" json:"keychain_password" mapstructure:"keychain_password"`
	KeychainPasswordFile string        `yaml:"keychain_password_file" json:"keychain_password_file" mapstructure:"keychain_password_file"`
	AutoProvision        bool          `yaml:"auto_provision" json:"auto_provision" mapstructure:"auto_provision"`
	StatusCheckDisabled  bool          `yaml:"status_check_disabled" json:"status_check_disabled" mapstructure:"status_check_disabled"`
	StopIfNoCert         bool          `yaml:"stop_if_no_cert" json:"stop_if_no_cert" mapstructure:"stop_if_no_cert"`
	ClientCert           string        `yaml:"client_cert" json:"client_cert" mapstructure:"client_cert"` // none, optional, require
	PollInterval         time.Duration `yaml:"poll_interval" json:"poll_interval" mapstructure:"poll_interval"`
	InitialPollDelay     time.Duration `yaml:"initial_poll_delay" json:"initial_poll_delay" mapstructure:"initial_poll_delay"`
	StatusTimeout        time.Duration `yaml:"status_timeout" json:"status_timeout" mapstructure:"status_timeout"`
	ProvisionTimeout     time.Duration `yaml:"provision_timeout" json:"provision_timeout" mapstructure:"provision_timeout"`
	NoStatusExtension    string        `yaml:"no_status_extension" json:"no_status_extension" mapstructure:"no_status_extension"` // trust, reject
	CMSURL               string        `yaml:"cms_url" json:"cms_url" mapstructure:"cms_url"`
	ProvisionName        string        `yaml:"provision_name" json:"provision_name" mapstructure:"provision_name"`
	ProvisionOrg         string        `yaml:"provision_organization" json:"provision_organization" mapstructure:"provision_organization"`
	Notify               bool          `yaml:"notify" json:"notify" mapstructure:"notify"`
}

// String renders the TLS options with the password hidden
func (c TLSConfig) String() string {
	pwd := ""
	if c.KeychainPassword != "" {
		pwd = "***"
	}
	return fmt.Sprintf("keychain=%s password=%s auto_provision=%t status_check_disabled=%t stop_if_no_cert=%t client_cert=%s poll=%s initial_delay=%s cms=%s",
		c.KeychainFile, pwd, c.AutoProvision, c.StatusCheckDisabled, c.StopIfNoCert, c.ClientCert, c.PollInterval, c.InitialPollDelay, c.CMSURL)
}

// CMSConfig defines the certificate management service
type CMSConfig struct {
	Addr              string        `yaml:"addr" json:"addr" mapstructure:"addr"`
	DBPath            string        `yaml:"db_path" json:"db_path" mapstructure:"db_path"`
	CAKeychainFile    string        `yaml:"ca_keychain_file" json:"ca_keychain_file" mapstructure:"ca_keychain_file"`
	CAKeychainPwd     string        `yaml:"ca_keychain_password" json:"ca_keychain_password" mapstructure:"ca_keychain_password"`
	CAName            string        `yaml:"ca_name" json:"ca_name" mapstructure:"ca_name"`
	CAOrganization    string        `yaml:"ca_organization" json:"ca_organization" mapstructure:"ca_organization"`
	StatusValidity    time.Duration `yaml:"status_validity" json:"status_validity" mapstructure:"status_validity"`
	CertValidity      time.Duration `yaml:"cert_validity" json:"cert_validity" mapstructure:"cert_validity"`
	RepublishInterval time.Duration `yaml:"republish_interval" json:"republish_interval" mapstructure:"republish_interval"`
	IssueRate         float64       `yaml:"issue_rate" json:"issue_rate" mapstructure:"issue_rate"`
	IssueBurst        int           `yaml:"issue_burst" json:"issue_burst" mapstructure:"issue_burst"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level" mapstructure:"level"`                // debug, info, warn, error
	Format    string `yaml:"format" json:"format" mapstructure:"format"`             // json, text
	Output    string `yaml:"output" json:"output" mapstructure:"output"`             // stdout, stderr, file path
	AuditFile string `yaml:"audit_file" json:"audit_file" mapstructure:"audit_file"` // audit log file path
}

// Loader provides configuration loading functionality
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses configuration from file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	if err := l.Finalize(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Finalize validates a decoded configuration, resolves the password file and applies defaults.
// Used by Load and by the binaries after viper has merged flags and environment.
func (l *Loader) Finalize(config *Config) error {
	if err := l.Validate(config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := resolvePassword(&config.TLS); err != nil {
		return err
	}
	l.setDefaults(config)
	return nil
}

// Validate checks configuration validity
func (l *Loader) Validate(config *Config) error {
	switch config.TLS.ClientCert {
	case ClientCertNone, ClientCertOptional, ClientCertRequire, "":
	default:
		return fmt.Errorf("invalid tls.client_cert: %s (must be none/optional/require)", config.TLS.ClientCert)
	}

	switch config.TLS.NoStatusExtension {
	case NoExtensionTrust, NoExtensionReject, "":
	default:
		return fmt.Errorf("invalid tls.no_status_extension: %s (must be trust/reject)", config.TLS.NoStatusExtension)
	}

	if config.TLS.AutoProvision && config.TLS.CMSURL == "" {
		return fmt.Errorf("tls.cms_url is required when auto_provision=true")
	}
	if config.TLS.AutoProvision && config.TLS.KeychainFile == "" {
		return fmt.Errorf("tls.keychain_file is required when auto_provision=true")
	}
	if config.TLS.KeychainPassword != "" && config.TLS.KeychainPasswordFile != "" {
		return fmt.Errorf("tls.keychain_password and tls.keychain_password_file are mutually exclusive")
	}

	for name, d := range map[string]time.Duration{
		"tls.poll_interval":      config.TLS.PollInterval,
		"tls.initial_poll_delay": config.TLS.InitialPollDelay,
		"tls.status_timeout":     config.TLS.StatusTimeout,
		"tls.provision_timeout":  config.TLS.ProvisionTimeout,
		"cms.status_validity":    config.CMS.StatusValidity,
		"cms.cert_validity":      config.CMS.CertValidity,
		"cms.republish_interval": config.CMS.RepublishInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if config.CMS.IssueRate < 0 || config.CMS.IssueBurst < 0 {
		return fmt.Errorf("cms.issue_rate and cms.issue_burst must not be negative")
	}
	if config.CMS.RepublishInterval > 0 && config.CMS.StatusValidity > 0 &&
		config.CMS.RepublishInterval >= config.CMS.StatusValidity {
		return fmt.Errorf("cms.republish_interval must be shorter than cms.status_validity")
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("invalid logging level: %s", config.Logging.Level)
	}

	switch config.Logging.Format {
	case "json", "text", "":
	default:
		return fmt.Errorf("invalid logging format: %s", config.Logging.Format)
	}

	return nil
}

func resolvePassword(tls *TLSConfig) error {
	if tls.KeychainPasswordFile == "" {
		return nil
	}
	data, err := os.ReadFile(tls.KeychainPasswordFile)
	if err != nil {
		return fmt.Errorf("failed to read keychain password file: %w", err)
	}
	tls.KeychainPassword = strings.TrimRight(string(data), "\r\n")
	return nil
}

// setDefaults sets default values for optional fields
func (l *Loader) setDefaults(config *Config) {
	// Server defaults
	if config.Server.Name == "" {
		config.Server.Name = "pvasrv"
	}
	if config.Server.PlainAddr == "" {
		config.Server.PlainAddr = ":5075"
	}
	if config.Server.TLSAddr == "" {
		config.Server.TLSAddr = ":5076"
	}

	// TLS defaults
	if config.TLS.ClientCert == "" {
		config.TLS.ClientCert = ClientCertOptional
	}
	if config.TLS.NoStatusExtension == "" {
		config.TLS.NoStatusExtension = NoExtensionTrust
	}
	if config.TLS.PollInterval == 0 {
		config.TLS.PollInterval = 60 * time.Second
	}
	if config.TLS.InitialPollDelay == 0 {
		config.TLS.InitialPollDelay = 5 * time.Second
	}
	if config.TLS.StatusTimeout == 0 {
		config.TLS.StatusTimeout = 5 * time.Second
	}
	if config.TLS.ProvisionTimeout == 0 {
		config.TLS.ProvisionTimeout = 10 * time.Second
	}
	if config.TLS.ProvisionName == "" {
		if host, err := os.Hostname(); err == nil {
			config.TLS.ProvisionName = host
		}
	}

	// CMS defaults
	if config.CMS.Addr == "" {
		config.CMS.Addr = ":8080"
	}
	if config.CMS.DBPath == "" {
		config.CMS.DBPath = "pvacms.db"
	}
	if config.CMS.CAKeychainFile == "" {
		config.CMS.CAKeychainFile = "pvacms-ca.p12"
	}
	if config.CMS.CAName == "" {
		config.CMS.CAName = "EPICS Root CA"
	}
	if config.CMS.CAOrganization == "" {
		config.CMS.CAOrganization = "pvasec"
	}
	if config.CMS.StatusValidity == 0 {
		config.CMS.StatusValidity = 30 * time.Minute
	}
	if config.CMS.CertValidity == 0 {
		config.CMS.CertValidity = 365 * 24 * time.Hour
	}
	if config.CMS.RepublishInterval == 0 {
		config.CMS.RepublishInterval = config.CMS.StatusValidity / 2
	}
	if config.CMS.IssueRate == 0 {
		config.CMS.IssueRate = 5
	}
	if config.CMS.IssueBurst == 0 {
		config.CMS.IssueBurst = 10
	}

	// Logging defaults
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
	if config.Logging.Output == "" {
		config.Logging.Output = "stdout"
	}
}

// Default returns a configuration populated only with defaults
func Default() *Config {
	c := &Config{}
	NewLoader().setDefaults(c)
	return c
}

// Keys lists the dotted mapstructure keys of every option ("tls.poll_interval", ...).
// viper only applies environment overrides to keys it knows about, so the binaries bind each one.
func Keys() []string {
	var keys []string
	collectKeys(reflect.TypeOf(Config{}), "", &keys)
	return keys
}

func collectKeys(t reflect.Type, prefix string, keys *[]string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct {
			collectKeys(f.Type, key, keys)
			continue
		}
		*keys = append(*keys, key)
	}
}
