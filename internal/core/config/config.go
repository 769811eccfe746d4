package config

import (
	"time"

	"github.com/vietddude/outagewatch/internal/core/directory"
	redisclient "github.com/vietddude/outagewatch/internal/infra/redis"
	"github.com/vietddude/outagewatch/internal/infra/storage/sqldb"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig         `yaml:"server"`
	Logging   LoggingConfig        `yaml:"logging"`
	User      UserConfig           `yaml:"user"`
	Timezone  string               `yaml:"timezone"`
	Monitor   MonitorConfig        `yaml:"monitor"`
	Signal    SignalConfig         `yaml:"signal"`
	Redis     redisclient.Config   `yaml:"redis"`
	Database  sqldb.Config         `yaml:"database"`
	Providers []directory.Provider `yaml:"providers"`
	Policies  PoliciesConfig       `yaml:"policies"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port       int `yaml:"port"`
	HealthPort int `yaml:"health_port"` // 0 serves health on the API port
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// UserConfig names the single user the engine runs for.
type UserConfig struct {
	ID string `yaml:"id"`
}

// MonitorConfig holds outage polling settings.
type MonitorConfig struct {
	Disabled        bool          `yaml:"disabled"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MinPollInterval time.Duration `yaml:"min_poll_interval"`
	ReportThreshold int           `yaml:"report_threshold"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	SummaryRefresh  time.Duration `yaml:"summary_refresh"` // 0 disables periodic recompute
}

// Signal source types.
const (
	SignalStatic = "static"
	SignalHTTP   = "http"
	SignalGRPC   = "grpc"
)

// SignalConfig selects and configures the outage signal source.
type SignalConfig struct {
	Type     string          `yaml:"type"` // static, http or grpc
	Name     string          `yaml:"name"`
	URL      string          `yaml:"url"`
	APIKey   string          `yaml:"api_key"`
	Method   string          `yaml:"method"` // grpc only
	Timeout  time.Duration   `yaml:"timeout"`
	Fixtures []SignalFixture `yaml:"fixtures"` // static only
}

// SignalFixture is a canned report served by the static source.
type SignalFixture struct {
	ProviderID  string        `yaml:"provider_id"`
	ZipCode     string        `yaml:"zip_code"`
	ReportCount int           `yaml:"report_count"`
	StartedAgo  time.Duration `yaml:"started_ago"`
	Message     string        `yaml:"message"`
}

// PoliciesConfig points at a CUE credit policy catalog.
type PoliciesConfig struct {
	Path string `yaml:"path"` // empty uses the built-in catalog
}

// Location resolves the configured timezone.
func (c *AppConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}
