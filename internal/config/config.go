package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/nikhilbhutani/tenantctl/internal/models"
)

const envPrefix = "TENANTCTL"

type Config struct {
	Server       ServerConfig            `mapstructure:"server"`
	Database     DatabaseConfig          `mapstructure:"database"`
	Redis        RedisConfig             `mapstructure:"redis"`
	Auth         AuthConfig              `mapstructure:"auth"`
	Logger       LoggerConfig            `mapstructure:"logger"`
	Worker       WorkerConfig            `mapstructure:"worker"`
	Provisioning ProvisioningConfig      `mapstructure:"provisioning"`
	Approval     ApprovalConfig          `mapstructure:"approval"`
	Sweeper      SweeperConfig           `mapstructure:"sweeper"`
	Notify       NotifyConfig            `mapstructure:"notify"`
	Proxy        ProxyConfig             `mapstructure:"proxy"`
	Deployment   models.DeploymentConfig `mapstructure:"deployment"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	SignupRPS       float64       `mapstructure:"signup_rps"`
	SignupBurst     int           `mapstructure:"signup_burst"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	URL            string `mapstructure:"url"`
	MaxConns       int    `mapstructure:"max_conns"`
	MinConns       int    `mapstructure:"min_conns"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	JWTSecret     string   `mapstructure:"jwt_secret"`
	APIKeyHeader  string   `mapstructure:"api_key_header"`
	IntakeAPIKeys []string `mapstructure:"intake_api_keys"`
}

type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

type WorkerConfig struct {
	Concurrency int            `mapstructure:"concurrency"`
	Queues      map[string]int `mapstructure:"queues"`
}

type ProvisioningConfig struct {
	StepTimeout       time.Duration `mapstructure:"step_timeout"`
	SchemaInitTimeout time.Duration `mapstructure:"schema_init_timeout"`
	AllocationRetries int           `mapstructure:"allocation_retries"`
	HandleMaxSuffix   int           `mapstructure:"handle_max_suffix"`
	PasswordRounds    int           `mapstructure:"password_rounds"`
	TaskMaxRetry      int           `mapstructure:"task_max_retry"`
}

type ApprovalConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type SweeperConfig struct {
	LimitsCron   string        `mapstructure:"limits_cron"`
	TrialsCron   string        `mapstructure:"trials_cron"`
	PurgeCron    string        `mapstructure:"purge_cron"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	WarnRatio    float64       `mapstructure:"warn_ratio"`
	ReminderDays int           `mapstructure:"reminder_days"`
	Concurrency  int           `mapstructure:"concurrency"`
}

type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Secret     string        `mapstructure:"secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
	QueueSize  int           `mapstructure:"queue_size"`
}

type ProxyConfig struct {
	ConfigDir       string        `mapstructure:"config_dir"`
	ValidateCommand []string      `mapstructure:"validate_command"`
	ReloadCommand   []string      `mapstructure:"reload_command"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
}

// Load reads an optional config file and overlays TENANTCTL_* environment
// variables. A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.signup_rps", 1.0)
	v.SetDefault("server.signup_burst", 5)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.api_key_header", "X-API-Key")
	v.SetDefault("auth.intake_api_keys", []string{})

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.development", false)
	v.SetDefault("logger.encoding", "json")

	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.queues", map[string]int{"critical": 6, "default": 3, "low": 1})

	v.SetDefault("provisioning.step_timeout", 2*time.Minute)
	v.SetDefault("provisioning.schema_init_timeout", 15*time.Minute)
	v.SetDefault("provisioning.allocation_retries", 5)
	v.SetDefault("provisioning.handle_max_suffix", 99)
	v.SetDefault("provisioning.password_rounds", 600000)
	v.SetDefault("provisioning.task_max_retry", 3)

	v.SetDefault("approval.max_attempts", 6)
	v.SetDefault("approval.base_delay", 5*time.Second)
	v.SetDefault("approval.max_delay", 5*time.Minute)

	v.SetDefault("sweeper.limits_cron", "0 * * * *")
	v.SetDefault("sweeper.trials_cron", "0 2 * * *")
	v.SetDefault("sweeper.purge_cron", "30 3 * * *")
	v.SetDefault("sweeper.grace_period", 30*24*time.Hour)
	v.SetDefault("sweeper.warn_ratio", 0.9)
	v.SetDefault("sweeper.reminder_days", 3)
	v.SetDefault("sweeper.concurrency", 8)

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.secret", "")
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.retry_count", 2)
	v.SetDefault("notify.queue_size", 1000)

	v.SetDefault("proxy.config_dir", "/etc/nginx/conf.d/tenants")
	v.SetDefault("proxy.validate_command", []string{"nginx", "-t"})
	v.SetDefault("proxy.reload_command", []string{"nginx", "-s", "reload"})
	v.SetDefault("proxy.lock_ttl", 30*time.Second)

	v.SetDefault("deployment.mode", string(models.ModeSubdomain))
	v.SetDefault("deployment.domain", "")
	v.SetDefault("deployment.use_ssl", false)
	v.SetDefault("deployment.master_host", "localhost")
	v.SetDefault("deployment.port_range_start", 8100)
	v.SetDefault("deployment.port_range_end", 8999)
	v.SetDefault("deployment.reserved_ports", []int{})
	v.SetDefault("deployment.proxy_upstream_host", "host.docker.internal")
	v.SetDefault("deployment.trial_days", 14)
	v.SetDefault("deployment.auto_approve", false)
	v.SetDefault("deployment.database_server.host", "localhost")
	v.SetDefault("deployment.database_server.port", 5432)
	v.SetDefault("deployment.database_server.user", "odoo")
	v.SetDefault("deployment.database_server.password", "")
	v.SetDefault("deployment.database_server.ssl_mode", "disable")
	v.SetDefault("deployment.database_server.maintenance_db", "postgres")
	v.SetDefault("deployment.database_server.template", "template1")
	v.SetDefault("deployment.database_server.workload_host", "db")
	v.SetDefault("deployment.runtime.image", "odoo:17.0")
	v.SetDefault("deployment.runtime.network", "saas")
	v.SetDefault("deployment.runtime.service_port", 8069)
	v.SetDefault("deployment.runtime.data_mount", "/var/lib/odoo")
	v.SetDefault("deployment.runtime.cpu", 1.0)
	v.SetDefault("deployment.runtime.memory", "2g")
	v.SetDefault("deployment.runtime.base_modules", []string{"base", "web"})
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "database.url")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "auth.jwt_secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config keys: %s", strings.Join(missing, ", "))
	}
	if c.Sweeper.WarnRatio <= 0 || c.Sweeper.WarnRatio > 1 {
		return fmt.Errorf("sweeper.warn_ratio must be in (0, 1]")
	}
	if c.Approval.MaxAttempts < 1 {
		return fmt.Errorf("approval.max_attempts must be at least 1")
	}
	if c.Proxy.LockTTL < time.Second {
		return fmt.Errorf("proxy.lock_ttl must be at least 1s")
	}
	for key, spec := range map[string]string{
		"sweeper.limits_cron": c.Sweeper.LimitsCron,
		"sweeper.trials_cron": c.Sweeper.TrialsCron,
		"sweeper.purge_cron":  c.Sweeper.PurgeCron,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return errors.Wrapf(err, "%s", key)
		}
	}
	return nil
}
