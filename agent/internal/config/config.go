package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	DeviceID      string
	NatsURL       string
	SubjectPrefix string
	AuthSecret    string

	PackageName string
	Services    []string

	InstallDir string
	BinaryPath string
	StagingDir string
	BackupDir  string

	LogPath string
	DBPath  string

	MaxBackupCount  int
	MaxDownloadSize int64
	DownloadTimeout time.Duration
	DownloadRetries int
	InstallTimeout  time.Duration
	RestartTimeout  time.Duration

	HealthRetries  int
	HealthInterval time.Duration
}

var cfg AppConfig

func Init(path string) AppConfig {
	dataDir := filepath.Join(os.TempDir(), "nodi-agent")

	v := viper.New()
	if path == "" {
		path = "config/config.yaml"
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// defaults
	v.SetDefault("agent.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("agent.subject_prefix", "nodi.ota")
	v.SetDefault("agent.package_name", "nodi-edge")
	v.SetDefault("agent.services", []string{"ne-launcher", "ne-monitor"})
	v.SetDefault("agent.install_dir", "/opt/nodi-edge")
	v.SetDefault("agent.staging_dir", filepath.Join(os.TempDir(), "nodi-ota"))
	v.SetDefault("agent.backup_dir", filepath.Join(dataDir, "backup", "ota"))
	v.SetDefault("agent.db_path", filepath.Join(dataDir, "agent.db"))
	v.SetDefault("ota.max_backup_count", 3)
	v.SetDefault("ota.max_download_size", int64(512*1024*1024))
	v.SetDefault("ota.download_timeout_sec", 300)
	v.SetDefault("ota.download_retries", 2)
	v.SetDefault("ota.install_timeout_sec", 600)
	v.SetDefault("ota.restart_timeout_sec", 600)
	v.SetDefault("ota.health_check_retries", 3)
	v.SetDefault("ota.health_check_interval_sec", 10)
	_ = v.ReadInConfig()

	cfg = AppConfig{
		DeviceID:        v.GetString("agent.device_id"),
		NatsURL:         v.GetString("agent.nats_url"),
		SubjectPrefix:   v.GetString("agent.subject_prefix"),
		AuthSecret:      v.GetString("agent.auth_secret"),
		PackageName:     v.GetString("agent.package_name"),
		Services:        v.GetStringSlice("agent.services"),
		InstallDir:      v.GetString("agent.install_dir"),
		BinaryPath:      v.GetString("agent.binary_path"),
		StagingDir:      v.GetString("agent.staging_dir"),
		BackupDir:       v.GetString("agent.backup_dir"),
		LogPath:         v.GetString("agent.log_path"),
		DBPath:          v.GetString("agent.db_path"),
		MaxBackupCount:  v.GetInt("ota.max_backup_count"),
		MaxDownloadSize: v.GetInt64("ota.max_download_size"),
		DownloadTimeout: time.Duration(v.GetInt("ota.download_timeout_sec")) * time.Second,
		DownloadRetries: v.GetInt("ota.download_retries"),
		InstallTimeout:  time.Duration(v.GetInt("ota.install_timeout_sec")) * time.Second,
		RestartTimeout:  time.Duration(v.GetInt("ota.restart_timeout_sec")) * time.Second,
		HealthRetries:   v.GetInt("ota.health_check_retries"),
		HealthInterval:  time.Duration(v.GetInt("ota.health_check_interval_sec")) * time.Second,
	}
	return cfg
}

func Get() AppConfig { return cfg }

func CommandSubject(prefix, deviceID string) string { return prefix + ".cmd." + deviceID }
func ReportSubject(prefix, deviceID string) string  { return prefix + ".report." + deviceID }
func StatusSubject(prefix, deviceID string) string  { return prefix + ".status." + deviceID }
