package config

import (
	"os"
	"strings"
)

// AppConfig is the root configuration, composed from the per-domain config
// files in this package and populated from environment variables via
// github.com/caarlos0/env. See database.go, http.go, and services.go for the
// variables each section reads.
type AppConfig struct {
	// IsDev loosens guardrails for local development. Set DEV=true, or
	// NODE_ENV=development for compatibility with frontend tooling.
	IsDev bool `env:"DEV" envDefault:"false"`

	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Cache    CacheConfig

	HTTP HTTPConfig

	// Services selects which process roles this instance runs, as a
	// comma-separated list (see ParseServices).
	Services string `env:"SERVICES" envDefault:"http"`

	Scheduler     SchedulerConfig
	RulesEngine   RulesEngineConfig
	Reaper        ReaperConfig
	Observability ObservabilityConfig
}

// Sanitize clamps loaded values into safe ranges. Call it once after env
// parsing, before handing the config to any service.
func (c *AppConfig) Sanitize() {
	c.Scheduler.Sanitize()
	c.RulesEngine.Sanitize()
	c.Reaper.Sanitize()
	c.Observability.Sanitize()
	c.detectDevMode()
}

func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// GetEnabledServices parses the Services field into a mode set.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

func (c *AppConfig) modeEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsHTTPServerEnabled reports whether this instance serves the HTTP API.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.modeEnabled(ServiceModeHTTP)
}

// IsRulesEngineEnabled reports whether this instance runs the rules engine.
func (c *AppConfig) IsRulesEngineEnabled() bool {
	return c.modeEnabled(ServiceModeRulesEngine)
}

// IsSchedulerEnabled reports whether this instance runs the scheduler.
func (c *AppConfig) IsSchedulerEnabled() bool {
	return c.modeEnabled(ServiceModeScheduler)
}

// IsReaperEnabled reports whether this instance runs the reaper.
func (c *AppConfig) IsReaperEnabled() bool {
	return c.modeEnabled(ServiceModeReaper)
}
