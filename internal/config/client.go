package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// 终端客户端的会话存储后端。
const (
	StorageFile     = "file"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// ClientConfig 描述终端客户端配置。flag 优先，其次是 TUTOR_ 前缀的环境变量。
type ClientConfig struct {
	ServerURL    string
	UserName     string
	Character    string
	Storage      string
	StorageDir   string
	PostgresDSN  string
	HandoffDelay time.Duration
	Log          LogConfig
}

// BindClientFlags 注册客户端 flag。
func BindClientFlags(fs *pflag.FlagSet) {
	fs.String("server", "http://localhost:8080", "backend base URL")
	fs.String("user", "", "display name (remembered after the first run)")
	fs.String("character", "", "tutor id to start with")
	fs.String("storage", StorageFile, "session storage: file, postgres or memory")
	fs.String("storage-dir", defaultStorageDir(), "directory for file storage")
	fs.String("postgres-dsn", "", "DSN for postgres storage")
	fs.Duration("handoff-delay", 600*time.Millisecond, "pause before a referred question is re-asked")
	fs.String("log-level", "warn", "log level")
}

// LoadClient 解析已注册并解析过的 flag 集合。
func LoadClient(fs *pflag.FlagSet) (*ClientConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("TUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	return clientFromViper(v)
}

func clientFromViper(v *viper.Viper) (*ClientConfig, error) {
	storage := strings.ToLower(strings.TrimSpace(v.GetString("storage")))
	switch storage {
	case StorageFile, StoragePostgres, StorageMemory:
	default:
		return nil, fmt.Errorf("invalid storage value %q", storage)
	}

	delay, err := parseDuration(v, "handoff-delay")
	if err != nil {
		return nil, err
	}

	cfg := &ClientConfig{
		ServerURL:    strings.TrimRight(strings.TrimSpace(v.GetString("server")), "/"),
		UserName:     strings.TrimSpace(v.GetString("user")),
		Character:    strings.TrimSpace(v.GetString("character")),
		Storage:      storage,
		StorageDir:   strings.TrimSpace(v.GetString("storage-dir")),
		PostgresDSN:  strings.TrimSpace(v.GetString("postgres-dsn")),
		HandoffDelay: delay,
		Log: LogConfig{
			Level:  v.GetString("log-level"),
			Format: "console",
		},
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL must be provided")
	}
	if storage == StoragePostgres && cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres storage requires --postgres-dsn")
	}
	if storage == StorageFile && cfg.StorageDir == "" {
		return nil, fmt.Errorf("file storage requires --storage-dir")
	}
	return cfg, nil
}

func defaultStorageDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tutor-chat")
	}
	return ".tutor-chat"
}
