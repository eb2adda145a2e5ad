package config

// this holds the resolved configuration values from CLI
//
//nolint:lll // readablity
var (
	DB                string // connection string for the database
	NatsURL           string // URL of the NATS server (document store)
	StoreBackend      string // memory or nats
	WaitForServices   string // duration to wait for other services to be ready
	LogLevel          string // sets the log level (zap log level values)
	SQLLogLevel       string // sets the log level for sql subsystem
	LogFormat         string // text vs json
	LogFilter         string // zapfilter rules, e.g. "debug:lifecycle info:*"
	EnableTelemetry   bool   // enable telemetry
	TelemetryEndpoint string // endpoint for telemetry, "stdout" prints metrics
	LivenessThreshold string // participants not seen for this duration are stale
	RecheckInterval   string // periodic lifecycle re-check
	HeartbeatInterval string // presence heartbeat of a tracking participant
	CheckpointEvery   int    // persist the route every n accepted points
	PersistRetries    uint   // attempts per route save
	HTTPAddr          string // listen addr for the presence status endpoint
)
