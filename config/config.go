package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type DBConfig struct {
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

type WebConfig struct {
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	Secret    string `yaml:"secret" json:"secret"`
	JwtExpire int    `yaml:"jwt_expire" json:"jwt_expire"` // hours
}

type BlastConfig struct {
	// PoolSize bounds how many blast dispatch loops may run concurrently.
	PoolSize int `yaml:"pool_size" json:"pool_size"`
	// SendRatePerMin caps outbound transport sends per tenant (0 = unlimited).
	SendRatePerMin int `yaml:"send_rate_per_min" json:"send_rate_per_min"`
}

type SessionConfig struct {
	// CredentialKey derives the AES key that encrypts the credential mirror.
	CredentialKey string `yaml:"credential_key" json:"credential_key"`
	// ReconnectWaitSec is the fixed backoff before re-dialing a dropped socket.
	ReconnectWaitSec int `yaml:"reconnect_wait_sec" json:"reconnect_wait_sec"`
}

type AppConfig struct {
	System   SysConfig     `yaml:"system" json:"system"`
	Database DBConfig      `yaml:"database" json:"database"`
	Logger   LogConfig     `yaml:"logger" json:"logger"`
	Web      WebConfig     `yaml:"web" json:"web"`
	Blast    BlastConfig   `yaml:"blast" json:"blast"`
	Session  SessionConfig `yaml:"session" json:"session"`
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "wablast",
		Location: "Asia/Jakarta",
		Workdir:  "/var/wablast",
		Debug:    true,
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "wablast",
		User:     "postgres",
		Passwd:   "postgres",
		MaxConn:  100,
		IdleConn: 10,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/wablast/wablast.log",
	},
	Web: WebConfig{
		Host:      "0.0.0.0",
		Port:      1890,
		Secret:    "9b6de5cc-wablast-0769-b6b2fcf55dab",
		JwtExpire: 24,
	},
	Blast: BlastConfig{
		PoolSize:       64,
		SendRatePerMin: 0,
	},
	Session: SessionConfig{
		CredentialKey:    "",
		ReconnectWaitSec: 10,
	},
}

func setEnvValue(name string, val *string) {
	if evalue, ok := os.LookupEnv(name); ok {
		*val = evalue
	}
}

func setEnvBoolValue(name string, val *bool) {
	if evalue, ok := os.LookupEnv(name); ok {
		*val = evalue == "true" || evalue == "1" || evalue == "on"
	}
}

// LoadConfig reads the yaml config file and applies environment overrides.
// A missing file yields the default configuration.
func LoadConfig(cfile string) *AppConfig {
	cfg := new(AppConfig)
	*cfg = *DefaultAppConfig
	if cfile != "" {
		if data, err := os.ReadFile(cfile); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "parse config %s error: %v\n", cfile, err)
			}
		}
	}

	setEnvValue("WABLAST_SYSTEM_WORKDIR", &cfg.System.Workdir)
	setEnvValue("WABLAST_SYSTEM_LOCATION", &cfg.System.Location)
	setEnvBoolValue("WABLAST_SYSTEM_DEBUG", &cfg.System.Debug)

	setEnvValue("WABLAST_DB_HOST", &cfg.Database.Host)
	setEnvValue("WABLAST_DB_NAME", &cfg.Database.Name)
	setEnvValue("WABLAST_DB_USER", &cfg.Database.User)
	setEnvValue("WABLAST_DB_PWD", &cfg.Database.Passwd)

	setEnvValue("WABLAST_WEB_SECRET", &cfg.Web.Secret)
	setEnvValue("WABLAST_SESSION_KEY", &cfg.Session.CredentialKey)

	if cfg.Session.CredentialKey == "" {
		cfg.Session.CredentialKey = cfg.Web.Secret
	}
	if cfg.Session.ReconnectWaitSec <= 0 {
		cfg.Session.ReconnectWaitSec = 10
	}
	if cfg.Blast.PoolSize <= 0 {
		cfg.Blast.PoolSize = 64
	}
	return cfg
}

// SessionDir returns the per-tenant protocol credential directory.
func (c *AppConfig) SessionDir(tenantID int64) string {
	return filepath.Join(c.System.Workdir, "sessions", fmt.Sprintf("%d", tenantID))
}

// MediaDir returns the directory where downloaded media binaries are stored.
func (c *AppConfig) MediaDir() string {
	return filepath.Join(c.System.Workdir, "media")
}

// InitDirs creates the working directories.
func (c *AppConfig) InitDirs() {
	_ = os.MkdirAll(c.System.Workdir, 0o755)
	_ = os.MkdirAll(filepath.Join(c.System.Workdir, "sessions"), 0o700)
	_ = os.MkdirAll(c.MediaDir(), 0o755)
}
