package config

import (
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v2"
)

type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type WebConfig struct {
	Host  string `yaml:"host" json:"host"`
	Port  int    `yaml:"port" json:"port"`
	Debug bool   `yaml:"debug" json:"debug"`
	// Secret signs nothing by itself; it salts generated API keys.
	Secret string `yaml:"secret" json:"secret"`
}

type DBConfig struct {
	// Type selects the session store backend: postgres, sqlite or bolt.
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

type GatewayConfig struct {
	// RequestTimeout bounds every connect/send request in seconds.
	RequestTimeout int `yaml:"request_timeout" json:"request_timeout"`
	// SettleDelay is the post-open settling wait in seconds before a
	// pairing code is requested or a message is sent.
	SettleDelay int `yaml:"settle_delay" json:"settle_delay"`
	// RetryDelay is the wait between pairing reconnect attempts in seconds.
	RetryDelay int `yaml:"retry_delay" json:"retry_delay"`
	// MaxRetries caps pairing reconnect attempts after transient closes.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// SessionDays is the session retention window in days.
	SessionDays int `yaml:"session_days" json:"session_days"`
	// Workers bounds concurrent gateway requests; overloads answer 429.
	Workers int `yaml:"workers" json:"workers"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

type AppConfig struct {
	System   SysConfig     `yaml:"system" json:"system"`
	Web      WebConfig     `yaml:"web" json:"web"`
	Database DBConfig      `yaml:"database" json:"database"`
	Gateway  GatewayConfig `yaml:"gateway" json:"gateway"`
	Logger   LogConfig     `yaml:"logger" json:"logger"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(path.Join(c.System.Workdir, "logs"), 0755)
	_ = os.MkdirAll(path.Join(c.System.Workdir, "data"), 0755)
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "WhatsGate",
		Location: "Asia/Jakarta",
		Workdir:  "/var/whatsgate",
		Debug:    true,
	},
	Web: WebConfig{
		Host:   "0.0.0.0",
		Port:   1816,
		Secret: "9b6de5cc-0731-1203-xxtt-0f568ac9da37",
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "whatsgate_v1",
		User:     "postgres",
		Passwd:   "whatsgate",
		MaxConn:  100,
		IdleConn: 10,
	},
	Gateway: GatewayConfig{
		RequestTimeout: 25,
		SettleDelay:    3,
		RetryDelay:     3,
		MaxRetries:     5,
		SessionDays:    30,
		Workers:        64,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/whatsgate/whatsgate.log",
	},
}

func LoadConfig(cfile string) *AppConfig {
	// start from defaults and overlay file + environment
	cfg := new(AppConfig)
	*cfg = *DefaultAppConfig
	if cfile != "" {
		data, err := os.ReadFile(cfile)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "config file parse error: %v\n", err)
			}
		}
	}

	setEnvStrValue("WHATSGATE_SYSTEM_WORKDIR", &cfg.System.Workdir)
	setEnvStrValue("WHATSGATE_SYSTEM_LOCATION", &cfg.System.Location)
	setEnvBoolValue("WHATSGATE_SYSTEM_DEBUG", &cfg.System.Debug)
	setEnvStrValue("WHATSGATE_WEB_HOST", &cfg.Web.Host)
	setEnvIntValue("WHATSGATE_WEB_PORT", &cfg.Web.Port)
	setEnvStrValue("WHATSGATE_WEB_SECRET", &cfg.Web.Secret)
	setEnvStrValue("WHATSGATE_DB_TYPE", &cfg.Database.Type)
	setEnvStrValue("WHATSGATE_DB_HOST", &cfg.Database.Host)
	setEnvIntValue("WHATSGATE_DB_PORT", &cfg.Database.Port)
	setEnvStrValue("WHATSGATE_DB_NAME", &cfg.Database.Name)
	setEnvStrValue("WHATSGATE_DB_USER", &cfg.Database.User)
	setEnvStrValue("WHATSGATE_DB_PWD", &cfg.Database.Passwd)
	setEnvIntValue("WHATSGATE_GATEWAY_TIMEOUT", &cfg.Gateway.RequestTimeout)
	setEnvIntValue("WHATSGATE_GATEWAY_MAX_RETRIES", &cfg.Gateway.MaxRetries)
	setEnvStrValue("WHATSGATE_LOGGER_MODE", &cfg.Logger.Mode)

	cfg.initDirs()
	return cfg
}

func setEnvStrValue(name string, val *string) {
	if v := os.Getenv(name); v != "" {
		*val = v
	}
}

func setEnvIntValue(name string, val *int) {
	if v := os.Getenv(name); v != "" {
		var i int
		if _, err := fmt.Sscan(v, &i); err == nil {
			*val = i
		}
	}
}

func setEnvBoolValue(name string, val *bool) {
	switch os.Getenv(name) {
	case "1", "true", "on", "yes":
		*val = true
	case "0", "false", "off", "no":
		*val = false
	}
}
