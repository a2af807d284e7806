package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	HTTP   HTTPConfig   `mapstructure:"http"`
	Relay  RelayConfig  `mapstructure:"relay"`
	Log    LogConfig    `mapstructure:"log"`
	Tunnel TunnelConfig `mapstructure:"tunnel"`
}

type HTTPConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type RelayConfig struct {
	StaticDir    string        `mapstructure:"static_dir"`
	DriverPath   string        `mapstructure:"driver_path" validate:"required,startswith=/"`
	ViewerPath   string        `mapstructure:"viewer_path" validate:"required,startswith=/,nefield=DriverPath"`
	IDFields     []string      `mapstructure:"id_fields" validate:"min=1,dive,required"`
	ReadLimit    int64         `mapstructure:"read_limit" validate:"gt=0"`
	ViewerQueue  int           `mapstructure:"viewer_queue" validate:"gt=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAge     int    `mapstructure:"max_age" validate:"gte=0"`
}

// TunnelConfig enables the reverse tunnel when Addr is set.
type TunnelConfig struct {
	Addr  string        `mapstructure:"addr"`
	Token string        `mapstructure:"token" validate:"required_with=Addr"`
	Retry time.Duration `mapstructure:"retry" validate:"gt=0"`
}

func (c HTTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_header_timeout", 10*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("relay.static_dir", "./public")
	v.SetDefault("relay.driver_path", "/driver")
	v.SetDefault("relay.viewer_path", "/map")
	v.SetDefault("relay.id_fields", []string{"bus_id", "vehicle_id"})
	v.SetDefault("relay.read_limit", 64*1024)
	v.SetDefault("relay.viewer_queue", 256)
	v.SetDefault("relay.write_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)

	v.SetDefault("tunnel.addr", "")
	v.SetDefault("tunnel.token", "")
	v.SetDefault("tunnel.retry", 5*time.Second)
}

// Load reads defaults, the optional config file at path and the environment,
// in increasing order of precedence. Environment keys are the upper case
// config keys with dots replaced by underscores. PORT sets http.port.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("http.port", "PORT"); err != nil {
		return nil, err
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}
