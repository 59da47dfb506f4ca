package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/brokerlab.db"`
	DockerHost   string `envconfig:"DOCKER_HOST" default:""`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`
	AuthKey      string `envconfig:"AUTH_KEY" default:""`

	// State store (Redis)
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Container images
	WorkspaceImage   string `envconfig:"WORKSPACE_IMAGE" default:"brokerlab/workspace:latest"`
	BrokerImage      string `envconfig:"BROKER_IMAGE" default:"confluentinc/cp-kafka:7.5.0"`
	CoordinatorImage string `envconfig:"COORDINATOR_IMAGE" default:"confluentinc/cp-zookeeper:7.5.0"`

	// Network naming and resource ceilings
	NetworkPrefix      string `envconfig:"NETWORK_PREFIX" default:"brokerlab"`
	WorkspaceMemory    string `envconfig:"WORKSPACE_MEMORY" default:"512M"`
	WorkspaceCPUShares int64  `envconfig:"WORKSPACE_CPU_SHARES" default:"512"`
	WorkspacePidsLimit int64  `envconfig:"WORKSPACE_PIDS_LIMIT" default:"100"`
	WorkspaceUser      string `envconfig:"WORKSPACE_USER" default:"learner"`
	WorkspaceDir       string `envconfig:"WORKSPACE_DIR" default:"/home/learner/workspace"`
	LabsDir            string `envconfig:"LABS_DIR" default:""`
	BrokerMemory       string `envconfig:"BROKER_MEMORY" default:"512M"`
	BrokerCPUShares    int64  `envconfig:"BROKER_CPU_SHARES" default:"512"`
	CoordinatorMemory  string `envconfig:"COORDINATOR_MEMORY" default:"256M"`

	// Timings (Go duration strings, parsed in main)
	LabTTL            string `envconfig:"LAB_TTL" default:"2h"`
	SessionTTL        string `envconfig:"SESSION_TTL" default:"2h"`
	IdleTimeout       string `envconfig:"IDLE_TIMEOUT" default:"30m"`
	CloseTimeout      string `envconfig:"CLOSE_TIMEOUT" default:"5m"`
	ReadyPollInterval string `envconfig:"READY_POLL_INTERVAL" default:"2s"`
	ReadyTimeout      string `envconfig:"READY_TIMEOUT" default:"30s"`
	LockTTL           string `envconfig:"LOCK_TTL" default:"10s"`
	HistoryTTL        string `envconfig:"HISTORY_TTL" default:"720h"`

	// Command history ring size per owner
	HistoryLimit int `envconfig:"HISTORY_LIMIT" default:"1000"`

	// Rate limiting
	RateLimitMax    int    `envconfig:"RATE_LIMIT_MAX" default:"100"`
	RateLimitWindow string `envconfig:"RATE_LIMIT_WINDOW" default:"15m"`

	// Security gate policy file (YAML); empty means compiled-in defaults
	SecurityPolicyPath string `envconfig:"SECURITY_POLICY_PATH" default:""`

	// Orphan sweep schedule (cron expression)
	JanitorSchedule string `envconfig:"JANITOR_SCHEDULE" default:"*/10 * * * *"`

	// Audit retention
	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("BROKERLAB", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
