package api_config

import (
	"time"

	"github.com/apilens/backend/internal/obs"
	pg "github.com/apilens/backend/internal/repository/postgres"
)

type App struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type Server struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

type OTEL struct {
	Enable       bool    `mapstructure:"enable"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

func (oc *OTEL) AsOTELConfig() obs.OTELConfig {
	return obs.OTELConfig{
		Enable:      oc.Enable,
		Endpoint:    oc.OTLPEndpoint,
		ServiceName: oc.ServiceName,
		SampleRatio: oc.SampleRatio,
	}
}

type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type Auth struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	AccessTTL     time.Duration `mapstructure:"access_ttl"`
	RememberMeTTL time.Duration `mapstructure:"remember_me_ttl"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	TouchDebounce time.Duration `mapstructure:"touch_debounce"`
}

type MagicLink struct {
	TTL        time.Duration `mapstructure:"ttl"`
	RateLimit  int64         `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
	VerifyURL  string        `mapstructure:"verify_url"`
}

type SMTP struct {
	Addr       string        `mapstructure:"addr"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	From       string        `mapstructure:"from"`
	SubjPrefix string        `mapstructure:"subject_prefix"`
	UseTLS     bool          `mapstructure:"use_tls"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type GeoIP struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Sweep struct {
	Interval    time.Duration `mapstructure:"interval"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
}

type Config struct {
	App       App       `mapstructure:"app"`
	Server    Server    `mapstructure:"server"`
	DB        pg.Config `mapstructure:"db"`
	OTEL      OTEL      `mapstructure:"otel"`
	Log       Log       `mapstructure:"log"`
	Auth      Auth      `mapstructure:"auth"`
	MagicLink MagicLink `mapstructure:"magic_link"`
	SMTP      SMTP      `mapstructure:"smtp"`
	GeoIP     GeoIP     `mapstructure:"geoip"`
	Sweep     Sweep     `mapstructure:"sweep"`
}
