package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// AppConfig contains the base configuration fields required for every
// pinacle binary, plus the typed sections each subsystem consumes.
type AppConfig struct {
	Debug       bool
	Version     string
	Commit      string
	BuildDate   string
	Name        string
	BuildSource string
	ConfigDir   string

	API          APIConfig
	Agent        AgentConfig
	SSH          SSHConfig
	Snapshot     SnapshotConfig
	Proxy        ProxyConfig
	Runtime      RuntimeConfig
	Orchestrator OrchestratorConfig
}

// APIConfig is the control-plane surface: where it listens, where clients
// find it, and the static key agents authenticate with.
type APIConfig struct {
	ListenAddr string
	URL        string
	Key        string

	// DevURL/DevKey enable dual-target metrics posting for local development.
	// Failures against the dev target are non-fatal.
	DevURL string
	DevKey string

	DatabasePath string
}

// AgentConfig drives the host agent loop.
type AgentConfig struct {
	HeartbeatInterval time.Duration
	ConfigFilePath    string
}

// SSHConfig is how the control plane reaches hosts. Host/Port/User here are
// fallbacks; a registered server's own SSH endpoint takes precedence.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
}

// SnapshotConfig selects and parameterizes the snapshot storage provider.
// A non-empty S3Bucket selects the S3 provider, otherwise StoragePath
// selects the local filesystem provider.
type SnapshotConfig struct {
	StoragePath string

	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string

	// Quiesce runs the template's quiesce command before volume export.
	Quiesce bool
}

// ProxyConfig drives the subdomain proxy.
type ProxyConfig struct {
	ListenAddr string
	BaseDomain string
	SigningKey string

	// AuthURL is the control-plane endpoint that authenticates the user,
	// mints a capability token, and redirects back to the callback path.
	AuthURL string

	CacheTTL       time.Duration
	RequestTimeout time.Duration
	Dev            bool
}

// OrchestratorConfig bounds pod provisioning.
type OrchestratorConfig struct {
	// PortRangeStart/End is the host-wide range external pod ports are
	// allocated from, first-fit with wrap-around.
	PortRangeStart int
	PortRangeEnd   int

	// SubnetPool is the CIDR carved into per-pod /28 subnets.
	SubnetPool string

	StepTimeout  time.Duration
	TotalTimeout time.Duration
}

// RuntimeConfig selects the sandboxed container runtime on hosts.
type RuntimeConfig struct {
	// Name is passed to docker as --runtime. runsc is gVisor.
	Name string
}

// NewAppConfig reads the environment and returns a fully defaulted config.
// Variable names are flat (API_URL, not PINACLE_API_URL) because the agent
// ships as a single static binary configured by systemd environment files.
func NewAppConfig(name, version, commit, date, buildSource string, debuggingFlag bool) (*AppConfig, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("API_URL", "http://localhost:8080")
	v.SetDefault("DATABASE_PATH", "pinacle.db")
	v.SetDefault("HEARTBEAT_INTERVAL_MS", 30000)
	v.SetDefault("SERVER_CONFIG_PATH", "./.server-config.json")
	v.SetDefault("SSH_PORT", 22)
	v.SetDefault("SSH_USER", "root")
	v.SetDefault("SNAPSHOT_S3_REGION", "us-east-1")
	v.SetDefault("PROXY_LISTEN_ADDR", ":8443")
	v.SetDefault("PROXY_CACHE_TTL_MS", 30000)
	v.SetDefault("PROXY_REQUEST_TIMEOUT_MS", 60000)
	v.SetDefault("PROXY_BASE_DOMAIN", "pinacle.dev")
	v.SetDefault("CONTAINER_RUNTIME", "runsc")
	v.SetDefault("POD_PORT_RANGE_START", 20000)
	v.SetDefault("POD_PORT_RANGE_END", 59999)
	v.SetDefault("POD_SUBNET_POOL", "10.100.0.0/16")
	v.SetDefault("STEP_TIMEOUT_MS", 300000)
	v.SetDefault("PROVISION_TIMEOUT_MS", 1200000)

	configDir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, err
	}

	appConfig := &AppConfig{
		Debug:       debuggingFlag || v.GetBool("DEBUG"),
		Version:     version,
		Commit:      commit,
		BuildDate:   date,
		Name:        name,
		BuildSource: buildSource,
		ConfigDir:   configDir,
		API: APIConfig{
			ListenAddr:   v.GetString("LISTEN_ADDR"),
			URL:          v.GetString("API_URL"),
			Key:          v.GetString("API_KEY"),
			DevURL:       v.GetString("DEV_API_URL"),
			DevKey:       v.GetString("DEV_API_KEY"),
			DatabasePath: v.GetString("DATABASE_PATH"),
		},
		Agent: AgentConfig{
			HeartbeatInterval: time.Duration(v.GetInt64("HEARTBEAT_INTERVAL_MS")) * time.Millisecond,
			ConfigFilePath:    v.GetString("SERVER_CONFIG_PATH"),
		},
		SSH: SSHConfig{
			Host:           v.GetString("SSH_HOST"),
			Port:           v.GetInt("SSH_PORT"),
			User:           v.GetString("SSH_USER"),
			PrivateKeyPath: v.GetString("SSH_PRIVATE_KEY_PATH"),
		},
		Snapshot: SnapshotConfig{
			StoragePath: v.GetString("SNAPSHOT_STORAGE_PATH"),
			S3Endpoint:  v.GetString("SNAPSHOT_S3_ENDPOINT"),
			S3Bucket:    v.GetString("SNAPSHOT_S3_BUCKET"),
			S3Region:    v.GetString("SNAPSHOT_S3_REGION"),
			S3AccessKey: v.GetString("SNAPSHOT_S3_ACCESS_KEY"),
			S3SecretKey: v.GetString("SNAPSHOT_S3_SECRET_KEY"),
			Quiesce:     v.GetBool("SNAPSHOT_QUIESCE"),
		},
		Proxy: ProxyConfig{
			ListenAddr:     v.GetString("PROXY_LISTEN_ADDR"),
			BaseDomain:     v.GetString("PROXY_BASE_DOMAIN"),
			SigningKey:     v.GetString("PROXY_TOKEN_SIGNING_KEY"),
			AuthURL:        v.GetString("PROXY_AUTH_URL"),
			CacheTTL:       time.Duration(v.GetInt64("PROXY_CACHE_TTL_MS")) * time.Millisecond,
			RequestTimeout: time.Duration(v.GetInt64("PROXY_REQUEST_TIMEOUT_MS")) * time.Millisecond,
			Dev:            v.GetBool("DEV_MODE"),
		},
		Runtime: RuntimeConfig{
			Name: v.GetString("CONTAINER_RUNTIME"),
		},
		Orchestrator: OrchestratorConfig{
			PortRangeStart: v.GetInt("POD_PORT_RANGE_START"),
			PortRangeEnd:   v.GetInt("POD_PORT_RANGE_END"),
			SubnetPool:     v.GetString("POD_SUBNET_POOL"),
			StepTimeout:    time.Duration(v.GetInt64("STEP_TIMEOUT_MS")) * time.Millisecond,
			TotalTimeout:   time.Duration(v.GetInt64("PROVISION_TIMEOUT_MS")) * time.Millisecond,
		},
	}

	return appConfig, nil
}

func findOrCreateConfigDir(name string) (string, error) {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "state")
	}
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
