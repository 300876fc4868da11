package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL       string
	DBSchema          string
	DBMaxConns        int32
	DBMinConns        int32
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Token verification. When the hex key is empty an ephemeral keypair is
	// generated at startup (dev only; restarts invalidate every token).
	TokenIssuer     string
	TokenTTL        time.Duration
	TokenClockSkew  time.Duration
	PasetoSecretHex string

	// Marketplace collaborators. Empty URLs select permissive in-process
	// stand-ins meant for local development.
	DirectoryBaseURL     string
	NotificationsBaseURL string

	// Websocket gateway.
	WSAllowedOrigins    []string
	WSDevInsecure       bool
	WSSendQueueSize     int
	WSHeartbeatInterval time.Duration
	WSHeartbeatTimeout  time.Duration
	WSRateEvents        int
	WSRateWindow        time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("QUADCHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("QUADCHAT_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("QUADCHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("QUADCHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("QUADCHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("QUADCHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("QUADCHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:       EnvString("QUADCHAT_DATABASE_URL", ""),
		DBSchema:          EnvString("QUADCHAT_DB_SCHEMA", "quadchat"),
		DBMaxConns:        EnvInt32("QUADCHAT_DB_MAX_CONNS", 10),
		DBMinConns:        EnvInt32("QUADCHAT_DB_MIN_CONNS", 0),
		DBConnMaxLifetime: EnvDuration("QUADCHAT_DB_CONN_MAX_LIFETIME", 30*time.Minute),
		DBConnMaxIdleTime: EnvDuration("QUADCHAT_DB_CONN_MAX_IDLE_TIME", 5*time.Minute),

		ReadinessRequireDB: EnvBool("QUADCHAT_READINESS_REQUIRE_DB", false),

		TokenIssuer:     EnvString("QUADCHAT_TOKEN_ISSUER", "quadchat"),
		TokenTTL:        EnvDuration("QUADCHAT_TOKEN_TTL", 15*time.Minute),
		TokenClockSkew:  EnvDuration("QUADCHAT_TOKEN_CLOCK_SKEW", 30*time.Second),
		PasetoSecretHex: EnvString("QUADCHAT_PASETO_SECRET_HEX", ""),

		DirectoryBaseURL:     EnvString("QUADCHAT_DIRECTORY_URL", ""),
		NotificationsBaseURL: EnvString("QUADCHAT_NOTIFICATIONS_URL", ""),

		WSAllowedOrigins:    EnvStrings("QUADCHAT_WS_ALLOWED_ORIGINS", nil),
		WSDevInsecure:       EnvBool("QUADCHAT_WS_DEV_INSECURE", false),
		WSSendQueueSize:     EnvInt("QUADCHAT_WS_SEND_QUEUE", 256),
		WSHeartbeatInterval: EnvDuration("QUADCHAT_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatTimeout:  EnvDuration("QUADCHAT_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateEvents:        EnvInt("QUADCHAT_WS_RATE_EVENTS", 120),
		WSRateWindow:        EnvDuration("QUADCHAT_WS_RATE_WINDOW", 10*time.Second),
	}
}
