package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Server configures cmd/portal-api.
type Server struct {
	Port      string        `env:"PORT,      default=8080"`
	Env       string        `env:"ENV,       default=development"`
	JWTSecret string        `env:"JWT_SECRET, required"`
	TokenTTL  time.Duration `env:"TOKEN_TTL, default=24h"`
	LogLevel  string        `env:"LOG_LEVEL, default=info"`
	LogPretty bool          `env:"LOG_PRETTY, default=false"`

	// StoreDriver selects persistence: "mongo" or "memory".
	StoreDriver string `env:"STORE_DRIVER, default=mongo"`

	Mongo    MongoConfig
	Redis    RedisConfig
	MQTT     MQTTConfig
	Notify   NotifyConfig
	Dispatch DispatchConfig
}

type MongoConfig struct {
	URI      string `env:"MONGO_URI, default=mongodb://localhost:27017"`
	Database string `env:"MONGO_DB,  default=village_health"`
}

// RedisConfig leaves the debouncer in memory when Addr is empty.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR, default=localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,   default=0"`
}

// MQTTConfig leaves the bridge off when Broker is empty.
type MQTTConfig struct {
	Broker   string `env:"MQTT_BROKER"`
	ClientID string `env:"MQTT_CLIENT_ID, default=portal-api"`
	Username string `env:"MQTT_USERNAME"`
	Password string `env:"MQTT_PASSWORD"`
	Topic    string `env:"MQTT_TOPIC,     default=portal/notifications/+"`
	QoS      byte   `env:"MQTT_QOS,       default=1"`
}

type NotifyConfig struct {
	Debounce time.Duration `env:"NOTIFY_DEBOUNCE, default=2s"`
}

type DispatchConfig struct {
	Workers int `env:"DISPATCH_WORKERS, default=4"`
}

// Client configures cmd/portalctl.
type Client struct {
	APIURL        string `env:"PORTAL_API_URL,        default=http://localhost:8080"`
	CredentialsDB string `env:"PORTAL_CREDENTIALS_DB, default=portal-credentials.db"`
	LogLevel      string `env:"LOG_LEVEL,             default=warn"`
	LogPretty     bool   `env:"LOG_PRETTY,            default=true"`

	Reconnect ReconnectConfig
	Notify    NotifyConfig
}

type ReconnectConfig struct {
	Base     time.Duration `env:"RECONNECT_BASE,     default=250ms"`
	Max      time.Duration `env:"RECONNECT_MAX,      default=8s"`
	Attempts int           `env:"RECONNECT_ATTEMPTS, default=8"`
}

// LoadServer reads the server configuration from environment variables.
func LoadServer(ctx context.Context) (*Server, error) {
	var cfg Server
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// LoadClient reads the client configuration from environment variables.
func LoadClient(ctx context.Context) (*Client, error) {
	var cfg Client
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// MustLoadServer is LoadServer for main; a bad environment is fatal.
func MustLoadServer() *Server {
	cfg, err := LoadServer(context.Background())
	if err != nil {
		panic(fmt.Sprintf("config: failed to load configuration: %v", err))
	}
	return cfg
}
