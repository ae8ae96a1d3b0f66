package config

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Log       LogConfig       `mapstructure:"log"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Signer    SignerConfig    `mapstructure:"signer"`
	Patterns  PatternsConfig  `mapstructure:"patterns"`
	Patch     PatchConfig     `mapstructure:"patch"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
	// SubmitRate 每秒允许提交的任务数，0 表示不限制
	SubmitRate  float64 `mapstructure:"submit_rate"`
	SubmitBurst int     `mapstructure:"submit_burst"`
	// APIToken 非空时 /api 需要 Bearer 认证
	APIToken string `mapstructure:"api_token"`
	// MaxUploadMB 上传 APK 的大小上限
	MaxUploadMB int64 `mapstructure:"max_upload_mb"`
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	File   string `mapstructure:"file"`   // 为空时只输出到 stdout
}

// WorkspaceConfig 工作区目录布局，由外部应用传入，核心流程不硬编码路径
type WorkspaceConfig struct {
	WorkDir       string `mapstructure:"work_dir"`   // 反编译临时项目
	BackupDir     string `mapstructure:"backup_dir"` // 原始 APK 备份
	OutputDir     string `mapstructure:"output_dir"` // 签名产物
	UploadDir     string `mapstructure:"upload_dir"` // API 上传的 APK
	RetainWorkDir bool   `mapstructure:"retain_work_dir"`
	KeepBackups   bool   `mapstructure:"keep_backups"` // 净化前在 BackupDir 保留一份原始 APK
}

// TimeoutConfig 按 APK 大小计算超时的参数
type TimeoutConfig struct {
	PerMBSeconds   int `mapstructure:"per_mb_seconds"`
	FloorSeconds   int `mapstructure:"floor_seconds"`
	CeilingSeconds int `mapstructure:"ceiling_seconds"`
}

// BackendConfig 单个反编译后端配置
type BackendConfig struct {
	ID            string        `mapstructure:"id"`
	Type          string        `mapstructure:"type"`         // apktool, jadx
	Command       []string      `mapstructure:"command"`      // 例如 [java, -jar, apktool.jar]
	VersionArgs   []string      `mapstructure:"version_args"` // 探测用的参数
	ExtraArgs     []string      `mapstructure:"extra_args"`
	UseAAPT2      bool          `mapstructure:"use_aapt2"`
	Timeout       TimeoutConfig `mapstructure:"timeout"`
	FatalPatterns []string      `mapstructure:"fatal_patterns"`
}

type ToolsConfig struct {
	Backends            []BackendConfig `mapstructure:"backends"`
	Preference          []string        `mapstructure:"preference"`
	FallbackEnabled     bool            `mapstructure:"fallback_enabled"`
	AnalysisPreference  bool            `mapstructure:"analysis_preference"`
	ProbeTimeoutSeconds int             `mapstructure:"probe_timeout_seconds"`
}

// SignerConfig uber-apk-signer 配置，未配置 keystore 时使用调试签名
type SignerConfig struct {
	Command        []string `mapstructure:"command"`
	Keystore       string   `mapstructure:"keystore"`
	KeystorePass   string   `mapstructure:"keystore_pass"`
	KeyAlias       string   `mapstructure:"key_alias"`
	KeyPass        string   `mapstructure:"key_pass"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	MaxRetries     int      `mapstructure:"max_retries"`
}

type PatternsConfig struct {
	Dir string `mapstructure:"dir"` // 为空时使用内置规则
}

// PatchConfig 净化方法开关
type PatchConfig struct {
	Methods       []string `mapstructure:"methods"`
	AutoRemediate bool     `mapstructure:"auto_remediate"`
	CascadePasses int      `mapstructure:"cascade_passes"`
}

type WatcherConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Dir        string `mapstructure:"dir"`
	Pattern    string `mapstructure:"pattern"`
	DebounceMS int    `mapstructure:"debounce_ms"`
	// 启动时处理目录里已有的文件
	ScanExisting bool `mapstructure:"scan_existing"`
}

// HasMethod 判断净化方法是否启用
func (p PatchConfig) HasMethod(name string) bool {
	for _, m := range p.Methods {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.submit_burst", 5)
	v.SetDefault("server.max_upload_mb", 500)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./data/jobs.db")

	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "apk_purify_jobs")

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 64)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("workspace.work_dir", "./data/work")
	v.SetDefault("workspace.backup_dir", "./data/backup")
	v.SetDefault("workspace.output_dir", "./data/output")
	v.SetDefault("workspace.upload_dir", "./data/upload")
	v.SetDefault("workspace.keep_backups", true)

	v.SetDefault("tools.backends", []map[string]interface{}{
		{
			"id":           "apktool",
			"type":         "apktool",
			"command":      []string{"java", "-jar", "tools/apktool.jar"},
			"version_args": []string{"--version"},
			"timeout": map[string]interface{}{
				"per_mb_seconds":  30,
				"floor_seconds":   300,
				"ceiling_seconds": 1800,
			},
			"fatal_patterns": []string{
				`error: resource .* is not defined`,
				`error: public symbol .* declared here is not defined`,
				`(?i)duplicate entry`,
			},
		},
		{
			"id":           "jadx",
			"type":         "jadx",
			"command":      []string{"jadx"},
			"version_args": []string{"--version"},
			"timeout": map[string]interface{}{
				"per_mb_seconds":  45,
				"floor_seconds":   300,
				"ceiling_seconds": 2700,
			},
		},
	})
	v.SetDefault("tools.preference", []string{"apktool", "jadx"})
	v.SetDefault("tools.fallback_enabled", true)
	v.SetDefault("tools.analysis_preference", false)
	v.SetDefault("tools.probe_timeout_seconds", 15)

	v.SetDefault("signer.command", []string{"java", "-jar", "tools/uber-apk-signer.jar"})
	v.SetDefault("signer.timeout_seconds", 300)
	v.SetDefault("signer.max_retries", 1)

	v.SetDefault("patch.methods", []string{"domain_replacement", "class_removal", "manifest_cleanup", "resource_cleanup"})
	v.SetDefault("patch.auto_remediate", false)
	v.SetDefault("patch.cascade_passes", 1)

	v.SetDefault("watcher.pattern", "*.apk")
	v.SetDefault("watcher.debounce_ms", 2000)
}

// Default 返回不读取配置文件时的默认配置（CLI 单次运行使用）
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// 默认值都是静态的，解析失败说明代码有误
		panic(err)
	}
	return &cfg
}

func bindEnv(v *viper.Viper) {
	// 环境变量覆盖（支持嵌套配置）
	v.AutomaticEnv()

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	v.BindEnv("server.api_token", "PURIFIER_API_TOKEN")

	// Workspace
	v.BindEnv("workspace.work_dir", "PURIFIER_WORK_DIR")
	v.BindEnv("workspace.backup_dir", "PURIFIER_BACKUP_DIR")
	v.BindEnv("workspace.output_dir", "PURIFIER_OUTPUT_DIR")

	// Signer
	v.BindEnv("signer.keystore", "SIGNER_KEYSTORE")
	v.BindEnv("signer.keystore_pass", "SIGNER_KEYSTORE_PASS")
	v.BindEnv("signer.key_alias", "SIGNER_KEY_ALIAS")
	v.BindEnv("signer.key_pass", "SIGNER_KEY_PASS")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
