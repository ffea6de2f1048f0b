package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/example/face-pipeline/internal/bootstrap"
	"github.com/example/face-pipeline/internal/queue"
)

// Common is shared by every networked role.
type Common struct {
	ServiceName     string
	ServiceSecret   string
	IdentityURL     string
	RegistryURL     string
	ListenAddr      string
	LogLevel        string
	ShutdownTimeout time.Duration
	TrustedProxies  []string
	Retry           bootstrap.RetryConfig
}

func (c *Common) bind(l *Loader, defaultName string) {
	l.String(&c.ServiceName, "service-name", "SERVICE_NAME", defaultName, "registered name of this service")
	l.String(&c.ServiceSecret, "service-secret", "SERVICE_SECRET", "", "secret presented to the identity broker")
	l.String(&c.IdentityURL, "identity-url", "IDENTITY_URL", "", "base URL of the identity broker")
	l.String(&c.RegistryURL, "registry-url", "REGISTRY_URL", "", "base URL of the service registry")
	l.String(&c.ListenAddr, "listen-addr", "LISTEN_ADDR", "", "listen address; resolved from the registry when empty")
	l.String(&c.LogLevel, "log-level", "LOG_LEVEL", "info", "log level")
	l.Duration(&c.ShutdownTimeout, "shutdown-timeout", "SHUTDOWN_TIMEOUT", 15*time.Second, "graceful shutdown timeout")
	l.StringSlice(&c.TrustedProxies, "trusted-proxies", "TRUSTED_PROXIES", nil, "proxy addresses or CIDRs allowed to set X-Forwarded-For; none when empty")
	l.Duration(&c.Retry.Interval, "bootstrap-retry-interval", "BOOTSTRAP_RETRY_INTERVAL", bootstrap.DefaultRetryConfig().Interval, "delay between startup attempts")
	l.Int(&c.Retry.MaxAttempts, "bootstrap-max-attempts", "BOOTSTRAP_MAX_ATTEMPTS", 0, "startup attempts before giving up, 0 retries forever")
}

func (c Common) validate(needsRegistry bool) error {
	values := map[string]string{
		"SERVICE_NAME":   c.ServiceName,
		"SERVICE_SECRET": c.ServiceSecret,
		"IDENTITY_URL":   c.IdentityURL,
	}
	if needsRegistry {
		values["REGISTRY_URL"] = c.RegistryURL
	}
	return required(values)
}

// Registry configures the registry role.
type Registry struct {
	Common
	DatabaseDSN string
	RedisAddr   string
	CacheTTL    time.Duration
}

// LoadRegistry parses registry settings.
func LoadRegistry(args []string) (Registry, error) {
	var cfg Registry
	l := NewLoader(pflag.NewFlagSet("registry", pflag.ContinueOnError))
	cfg.bind(l, RegistryService)
	l.String(&cfg.DatabaseDSN, "database-dsn", "DATABASE_DSN", "", "postgres DSN")
	l.String(&cfg.RedisAddr, "redis-addr", "REDIS_ADDR", "", "redis address for the lookup cache; disabled when empty")
	l.Duration(&cfg.CacheTTL, "cache-ttl", "REGISTRY_CACHE_TTL", time.Minute, "lookup cache entry lifetime")
	if err := l.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	return cfg, errors.Join(cfg.validate(false), required(map[string]string{"DATABASE_DSN": cfg.DatabaseDSN}))
}

// Identity configures the identity broker.
type Identity struct {
	ListenAddr      string
	LogLevel        string
	ShutdownTimeout time.Duration
	TrustedProxies  []string
	DatabaseDSN     string
	TokenSecret     string
	TokenTTL        time.Duration
}

// LoadIdentity parses identity broker settings.
func LoadIdentity(args []string) (Identity, error) {
	var cfg Identity
	l := NewLoader(pflag.NewFlagSet("identity", pflag.ContinueOnError))
	l.String(&cfg.ListenAddr, "listen-addr", "LISTEN_ADDR", ":8081", "listen address")
	l.String(&cfg.LogLevel, "log-level", "LOG_LEVEL", "info", "log level")
	l.Duration(&cfg.ShutdownTimeout, "shutdown-timeout", "SHUTDOWN_TIMEOUT", 15*time.Second, "graceful shutdown timeout")
	l.StringSlice(&cfg.TrustedProxies, "trusted-proxies", "TRUSTED_PROXIES", nil, "proxy addresses or CIDRs allowed to set X-Forwarded-For; none when empty")
	l.String(&cfg.DatabaseDSN, "database-dsn", "DATABASE_DSN", "", "postgres DSN")
	l.String(&cfg.TokenSecret, "token-secret", "SERVICE_TOKEN_SECRET", "", "secret signing service tokens")
	l.Duration(&cfg.TokenTTL, "token-ttl", "SERVICE_TOKEN_TTL", 0, "service token lifetime, 0 never expires")
	if err := l.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, required(map[string]string{"DATABASE_DSN": cfg.DatabaseDSN, "SERVICE_TOKEN_SECRET": cfg.TokenSecret})
}

// UserTokens configures end-user token signing.
type UserTokens struct {
	UserSecret  string
	AdminSecret string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
}

func (t *UserTokens) bind(l *Loader) {
	l.String(&t.UserSecret, "user-token-secret", "USER_TOKEN_SECRET", "", "secret signing user-class tokens")
	l.String(&t.AdminSecret, "admin-token-secret", "ADMIN_TOKEN_SECRET", "", "secret signing admin-class tokens")
	l.Duration(&t.AccessTTL, "access-token-ttl", "ACCESS_TOKEN_TTL", 15*time.Minute, "access token lifetime")
	l.Duration(&t.RefreshTTL, "refresh-token-ttl", "REFRESH_TOKEN_TTL", 24*time.Hour, "refresh token lifetime")
}

// Users configures the end-user account service.
type Users struct {
	Common
	Tokens       UserTokens
	DatabaseDSN  string
	RedisAddr    string
	RootLogin    string
	RootPassword string
}

// LoadUsers parses account service settings.
func LoadUsers(args []string) (Users, error) {
	var cfg Users
	l := NewLoader(pflag.NewFlagSet("users", pflag.ContinueOnError))
	cfg.bind(l, UsersService)
	cfg.Tokens.bind(l)
	l.String(&cfg.DatabaseDSN, "database-dsn", "DATABASE_DSN", "", "postgres DSN")
	l.String(&cfg.RedisAddr, "redis-addr", "REDIS_ADDR", "", "redis address for admin token revocation; disabled when empty")
	l.String(&cfg.RootLogin, "root-login", "ROOT_LOGIN", "", "super user created at startup when set")
	l.String(&cfg.RootPassword, "root-password", "ROOT_PASSWORD", "", "super user password")
	if err := l.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, errors.Join(cfg.validate(true), required(map[string]string{
		"DATABASE_DSN":       cfg.DatabaseDSN,
		"ADMIN_TOKEN_SECRET": cfg.Tokens.AdminSecret,
	}))
}

// Resources configures the resource store.
type Resources struct {
	Common
	Root string
}

// LoadResources parses resource store settings.
func LoadResources(args []string) (Resources, error) {
	var cfg Resources
	l := NewLoader(pflag.NewFlagSet("resources", pflag.ContinueOnError))
	cfg.bind(l, ResourcesService)
	l.String(&cfg.Root, "persistence-root", "PERSISTENCE_ROOT", "/var/lib/face-pipeline", "directory holding job directories")
	if err := l.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate(true)
}

// Gateway configures the public gateway.
type Gateway struct {
	Common
	Tokens         UserTokens
	RedisAddr      string
	RateLimitRPS   float64
	RateLimitBurst int
}

// LoadGateway parses gateway settings.
func LoadGateway(args []string) (Gateway, error) {
	var cfg Gateway
	l := NewLoader(pflag.NewFlagSet("gateway", pflag.ContinueOnError))
	cfg.bind(l, GatewayService)
	cfg.Tokens.bind(l)
	l.String(&cfg.RedisAddr, "redis-addr", "REDIS_ADDR", "", "redis address for token revocation")
	l.Float(&cfg.RateLimitRPS, "rate-limit-rps", "RATE_LIMIT_RPS", 5, "login and registration requests per second per client")
	l.Int(&cfg.RateLimitBurst, "rate-limit-burst", "RATE_LIMIT_BURST", 10, "login and registration burst per client")
	if err := l.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, errors.Join(cfg.validate(true), required(map[string]string{
		"USER_TOKEN_SECRET": cfg.Tokens.UserSecret,
		"REDIS_ADDR":        cfg.RedisAddr,
	}))
}

// Stage configures a detector or a worker.
type Stage struct {
	Common
	Stage       queue.Stage
	ModelAddr   string
	ModelSeed   int
	MetricsAddr string
}

// LoadDetector parses detector settings.
func LoadDetector(args []string) (Stage, error) {
	return loadStage("detector", args)
}

// LoadWorker parses worker settings.
func LoadWorker(args []string) (Stage, error) {
	return loadStage("worker", args)
}

func loadStage(role string, args []string) (Stage, error) {
	var cfg Stage
	var stageName string
	fs := pflag.NewFlagSet(role, pflag.ContinueOnError)
	l := NewLoader(fs)
	l.String(&stageName, "stage", "STAGE", "", "people_detection, faces_detection or age_estimation")
	cfg.bind(l, "")
	l.String(&cfg.ModelAddr, "model-addr", "MODEL_ADDR", "", "gRPC model server; an in-process random model is used when empty")
	l.Int(&cfg.ModelSeed, "model-seed", "MODEL_SEED", 0, "seed of the in-process random model, 0 seeds from the clock")
	l.String(&cfg.MetricsAddr, "metrics-addr", "METRICS_ADDR", ":9090", "worker metrics listen address")
	if err := l.Parse(args); err != nil {
		return cfg, err
	}
	st, err := queue.ParseStage(stageName)
	if err != nil {
		return cfg, fmt.Errorf("STAGE: %w", err)
	}
	cfg.Stage = st
	if cfg.ServiceName == "" {
		cfg.ServiceName = DetectorService(st)
	}
	return cfg, cfg.validate(true)
}

// Model configures the reference model server.
type Model struct {
	ListenAddr string
	LogLevel   string
	Seed       int
}

// LoadModel parses model server settings.
func LoadModel(args []string) (Model, error) {
	var cfg Model
	l := NewLoader(pflag.NewFlagSet("model", pflag.ContinueOnError))
	l.String(&cfg.ListenAddr, "listen-addr", "LISTEN_ADDR", ":50051", "gRPC listen address")
	l.String(&cfg.LogLevel, "log-level", "LOG_LEVEL", "info", "log level")
	l.Int(&cfg.Seed, "seed", "MODEL_SEED", 0, "random seed, 0 seeds from the clock")
	return cfg, l.Parse(args)
}

// Ctl configures the operator tools.
type Ctl struct {
	DatabaseDSN string
	LogLevel    string
	Args        []string
}

// LoadCtl parses operator tool settings. Positional arguments are returned
// in Args.
func LoadCtl(name string, args []string) (Ctl, error) {
	var cfg Ctl
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	l := NewLoader(fs)
	l.String(&cfg.DatabaseDSN, "database-dsn", "DATABASE_DSN", "", "postgres DSN")
	l.String(&cfg.LogLevel, "log-level", "LOG_LEVEL", "warn", "log level")
	if err := l.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Args = fs.Args()
	return cfg, required(map[string]string{"DATABASE_DSN": cfg.DatabaseDSN})
}
