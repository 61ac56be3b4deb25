package config

import (
	"time"

	"github.com/httprunner/DeviceFarm/internal/agent"
	"github.com/httprunner/DeviceFarm/internal/batch"
	"github.com/httprunner/DeviceFarm/internal/devicectl"
	"github.com/httprunner/DeviceFarm/internal/oob/box"
	"github.com/httprunner/DeviceFarm/internal/oob/health"
	"github.com/httprunner/DeviceFarm/internal/oob/recovery"
	"github.com/httprunner/DeviceFarm/internal/oob/rules"
	"github.com/httprunner/DeviceFarm/internal/registry"
	"github.com/httprunner/DeviceFarm/internal/storage"
	"github.com/httprunner/DeviceFarm/internal/workload"
)

// Config is the full runtime configuration assembled from the environment.
type Config struct {
	Registry registry.Config
	Health   health.Config
	Rules    rules.Config
	Recovery recovery.Config
	Box      box.Config
	Batch    batch.Options
	Workload workload.Config
	Storage  storage.Config
	Control  devicectl.WSConfig
	Serve    Serve
	Agent    agent.Config
}

// Serve configures the long-running process.
type Serve struct {
	Addr          string
	PollInterval  time.Duration
	SweepInterval time.Duration
	DryRun        bool

	// DeviceSyncInterval is how often attached devices are heartbeated from
	// the control backend's device list.
	DeviceSyncInterval time.Duration
	// MaxRecoveries caps recoveries dispatched at once by one supervisor tick.
	MaxRecoveries int
}

// Load reads every recognised key, falling back to the component defaults.
func Load() Config {
	ruleDefaults := rules.DefaultConfig()
	batchDefaults := batch.DefaultOptions()

	return Config{
		Registry: registry.Config{
			HeartbeatTimeout: Duration("HEARTBEAT_TIMEOUT_SEC", 5*time.Minute),
		},
		Health: health.Config{
			HistoryCap:      Int("METRICS_HISTORY_CAP", 20),
			DisconnectAfter: Duration("NODE_DISCONNECT_AFTER_SEC", 60*time.Second),
		},
		Rules: rules.Config{
			HeartbeatThreshold:      Duration("RULE_HEARTBEAT_THRESHOLD_SEC", ruleDefaults.HeartbeatThreshold),
			HeartbeatConsecutive:    Int("RULE_HEARTBEAT_CONSECUTIVE", ruleDefaults.HeartbeatConsecutive),
			DeviceLossPct:           percent("RULE_DEVICE_LOSS_PCT", ruleDefaults.DeviceLossPct),
			DeviceLossConsecutive:   Int("RULE_DEVICE_LOSS_CONSECUTIVE", ruleDefaults.DeviceLossConsecutive),
			ADBConsecutive:          Int("RULE_ADB_CONSECUTIVE", ruleDefaults.ADBConsecutive),
			UnauthorizedThreshold:   Int("RULE_UNAUTHORIZED_THRESHOLD", ruleDefaults.UnauthorizedThreshold),
			UnauthorizedConsecutive: Int("RULE_UNAUTHORIZED_CONSECUTIVE", ruleDefaults.UnauthorizedConsecutive),
			WarnDeviceLossPct:       percent("RULE_WARN_DEVICE_LOSS_PCT", ruleDefaults.WarnDeviceLossPct),
			WarnSustained:           Duration("RULE_WARN_SUSTAINED", ruleDefaults.WarnSustained),
			SoftCooldown:            minutes("COOLDOWN_SOFT_MIN", ruleDefaults.SoftCooldown),
			RestartCooldown:         minutes("COOLDOWN_RESTART_MIN", ruleDefaults.RestartCooldown),
			BoxCooldown:             minutes("COOLDOWN_BOX_MIN", ruleDefaults.BoxCooldown),
			SoftToRestart:           Duration("ESCALATE_SOFT_TO_RESTART", ruleDefaults.SoftToRestart),
			RestartToBox:            Duration("ESCALATE_RESTART_TO_BOX", ruleDefaults.RestartToBox),
		},
		Recovery: recovery.Config{
			SSHUser:        String("SSH_USER", "root"),
			ScriptPath:     String("RECOVERY_SCRIPT_PATH", "/opt/devicefarm/recover.sh"),
			ConnectTimeout: Duration("SSH_CONNECT_TIMEOUT_SEC", 10*time.Second),
			DryRun:         Bool("OOB_DRY_RUN", false),
		},
		Box: box.Config{
			Host:           String("BOX_HOST", ""),
			Port:           Int("BOX_PORT", box.DefaultPort),
			ConnectTimeout: Duration("BOX_TIMEOUT", 5*time.Second),
		},
		Batch: batch.Options{
			BatchInterval:   Duration("BATCH_INTERVAL", batchDefaults.BatchInterval),
			WatchMin:        Duration("WATCH_MIN_SEC", batchDefaults.WatchMin),
			WatchMax:        Duration("WATCH_MAX_SEC", batchDefaults.WatchMax),
			LikeProbability: Float("LIKE_PROBABILITY", batchDefaults.LikeProbability),
			Concurrency:     Int("BATCH_CONCURRENCY", batchDefaults.Concurrency),
			RandomPause:     Bool("BATCH_RANDOM_PAUSE", false),
			SettleDelay:     batchDefaults.SettleDelay,
			DeviceTimeout:   Duration("BATCH_DEVICE_TIMEOUT", 0),
			LikeButton:      batchDefaults.LikeButton,
		},
		Workload: workload.Config{
			CycleInterval: Duration("CYCLE_INTERVAL", time.Minute),
		},
		Storage: storage.Config{
			Driver:      String("STORAGE_DRIVER", "sqlite"),
			SQLitePath:  String("STORAGE_SQLITE_PATH", ""),
			DatabaseURL: String("DATABASE_URL", ""),
		},
		Control: devicectl.WSConfig{
			URL:               String("DEVICE_CONTROL_URL", ""),
			RequestsPerSecond: Float("DEVICE_CONTROL_RPS", 20),
		},
		Serve: Serve{
			Addr:               String("SERVE_ADDR", ":8080"),
			PollInterval:       Duration("OOB_POLL_INTERVAL", 30*time.Second),
			SweepInterval:      Duration("REGISTRY_SWEEP_INTERVAL", time.Minute),
			DeviceSyncInterval: Duration("DEVICE_SYNC_INTERVAL", 30*time.Second),
			MaxRecoveries:      Int("OOB_MAX_CONCURRENT_RECOVERIES", 4),
			DryRun:             Bool("OOB_DRY_RUN", false),
		},
		Agent: agent.Config{
			NodeID:          String("NODE_ID", ""),
			SupervisorURL:   String("SUPERVISOR_URL", ""),
			ExpectedDevices: Int("NODE_EXPECTED_DEVICES", 0),
			Interval:        Duration("NODE_REPORT_INTERVAL", 30*time.Second),
			TailscaleIP:     String("NODE_TAILSCALE_IP", ""),
			Box: health.BoxTarget{
				Address: String("BOX_HOST", ""),
				Port:    Int("BOX_PORT", box.DefaultPort),
				Slot:    Int("NODE_BOX_SLOT", 0),
			},
		},
	}
}

// percent accepts both fractions (0.1) and whole percentages (10).
func percent(key string, fallback float64) float64 {
	v := Float(key, fallback)
	if v > 1 {
		return v / 100
	}
	return v
}

// minutes reads a bare number as minutes; duration strings pass through.
func minutes(key string, fallback time.Duration) time.Duration {
	if v := Float(key, -1); v >= 0 {
		return time.Duration(v * float64(time.Minute))
	}
	return Duration(key, fallback)
}
