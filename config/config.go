package config

// Config contains all application settings
type Config struct {
	BindPort       int    `mapstructure:"PORT" yaml:"port"`
	BindHost       string `mapstructure:"HOST" yaml:"host"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS" yaml:"allowed_origins"`
	DatabaseURL    string `mapstructure:"DATABASE_URL" yaml:"database_url"`
	NATSServerURL  string `mapstructure:"NATS_URL" yaml:"nats_url"`
	RedisURL       string `mapstructure:"REDIS_URL" yaml:"redis_url"`

	AuthSecret         string `mapstructure:"AUTH_SECRET" yaml:"auth_secret"`
	AuthTimeoutSeconds int    `mapstructure:"AUTH_TIMEOUT" yaml:"auth_timeout"`

	HeartbeatIntervalSeconds int `mapstructure:"HEARTBEAT_INTERVAL" yaml:"heartbeat_interval"`
	HeartbeatTimeoutSeconds  int `mapstructure:"HEARTBEAT_TIMEOUT" yaml:"heartbeat_timeout"`

	QueueCapacity    int `mapstructure:"QUEUE_CAPACITY" yaml:"queue_capacity"`
	QueueMaxAttempts int `mapstructure:"QUEUE_MAX_ATTEMPTS" yaml:"queue_max_attempts"`

	RateDefaultCeiling     int `mapstructure:"RATE_DEFAULT_CEILING" yaml:"rate_default_ceiling"`
	RateDefaultWindowMS    int `mapstructure:"RATE_DEFAULT_WINDOW_MS" yaml:"rate_default_window_ms"`
	RateAnalysisCeiling    int `mapstructure:"RATE_ANALYSIS_CEILING" yaml:"rate_analysis_ceiling"`
	RateAnalysisWindowMS   int `mapstructure:"RATE_ANALYSIS_WINDOW_MS" yaml:"rate_analysis_window_ms"`
	RateScreenshotCeiling  int `mapstructure:"RATE_SCREENSHOT_CEILING" yaml:"rate_screenshot_ceiling"`
	RateScreenshotWindowMS int `mapstructure:"RATE_SCREENSHOT_WINDOW_MS" yaml:"rate_screenshot_window_ms"`

	// Version
	BuildVersion string `yaml:"-"`
	BuildHash    string `yaml:"-"`
	BuildTime    string `yaml:"-"`
}
