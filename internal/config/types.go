// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只来自环境变量（YAML 中不存储任何密码）：
//	DB_PASSWORD、REDIS_PASSWORD、MINIO_ROOT_USER、MINIO_ROOT_PASSWORD、OPENAI_API_KEY。
//
// 配置路径确定策略：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/app-builder/
//     - dev/test → ./configs/
//
// 环境：
//   - 开发: APP_ENV=dev → configs/dev.yaml + .env.dev
//   - 测试: APP_ENV=test → configs/test.yaml + .env.test
//   - 生产: APP_ENV=prod → /etc/app-builder/prod.yaml
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	APIServer APIServerConfig `yaml:"api_server"` // HTTP 服务
	Database  DatabaseConfig  `yaml:"database"`   // 工作流日志与记录存储
	Redis     RedisConfig     `yaml:"redis"`      // 分片实时分发、后台任务队列
	Etcd      EtcdConfig      `yaml:"etcd"`       // 执行租约
	MinIO     MinIOConfig     `yaml:"minio"`      // 项目缩略图
	Sandbox   SandboxConfig   `yaml:"sandbox"`    // 沙箱计算提供方
	LLM       LLMConfig       `yaml:"llm"`        // 模型服务
	Agent     AgentConfig     `yaml:"agent"`      // 编码 Agent
	Workflow  WorkflowConfig  `yaml:"workflow"`   // 工作流引擎
}

// APIServerConfig API Server 配置
type APIServerConfig struct {
	Port string `yaml:"port"` // 监听端口
	URL  string `yaml:"url"`  // 对外访问 URL
	// ValidateRequests 按 OpenAPI 契约校验请求
	ValidateRequests bool `yaml:"validate_requests"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite"（默认）、"postgres" 或 "mongodb"
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	URI      string `yaml:"uri"` // MongoDB 连接 URI（优先于 host/port）
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
}

// EtcdConfig etcd 配置（执行租约）
type EtcdConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
	LeaseTTL  int64    `yaml:"lease_ttl"` // 秒
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Endpoint  string        `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string        `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string        `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool          `yaml:"use_ssl"`
	Region    string        `yaml:"region"`
	Bucket    string        `yaml:"bucket"`
	URLExpiry time.Duration `yaml:"url_expiry"` // 预签名 URL 有效期
}

// SandboxConfig 沙箱配置
type SandboxConfig struct {
	// Provider "docker"（本机 Docker）或 "remote"（沙箱 HTTP API）
	Provider   string `yaml:"provider"`
	DockerHost string `yaml:"docker_host"`
	RemoteURL  string `yaml:"remote_url"`
	Network    string `yaml:"network"`
	// PublicHost 预览 URL 使用的主机名（docker）
	PublicHost string          `yaml:"public_host"`
	Defaults   SandboxDefaults `yaml:"defaults"`
	// ExecTimeout 单条命令默认超时
	ExecTimeout time.Duration `yaml:"exec_timeout"`
}

// SandboxDefaults 创建沙箱的默认参数
type SandboxDefaults struct {
	AppName   string        `yaml:"app_name"`
	Image     string        `yaml:"image"`
	Workdir   string        `yaml:"workdir"`
	Port      int           `yaml:"port"`
	Command   []string      `yaml:"command"`
	CPU       float64       `yaml:"cpu"`
	MemoryMiB int64         `yaml:"memory_mib"`
	TTL       time.Duration `yaml:"ttl"`
}

// LLMConfig 模型服务配置（OpenAI 兼容接口）
type LLMConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"-"` // 只从 OPENAI_API_KEY 环境变量读取
	CodingModel    string        `yaml:"coding_model"`
	ChatModel      string        `yaml:"chat_model"`
	TaskerModel    string        `yaml:"tasker_model"`
	ImageModel     string        `yaml:"image_model"`
	Temperature    float64       `yaml:"temperature"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AgentConfig 编码 Agent 配置
type AgentConfig struct {
	MaxTurns          int           `yaml:"max_turns"`
	CompletionRetries int           `yaml:"completion_retries"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
}

// WorkflowConfig 工作流引擎配置
type WorkflowConfig struct {
	// RecoverOnStart 启动时恢复处于 running 的执行
	RecoverOnStart bool `yaml:"recover_on_start"`
	// Owner 执行体标识（租约持有者），默认 hostname
	Owner string `yaml:"owner"`
	// RecoverInterval 周期接管无人推进的 running 执行，默认 30s，负数关闭
	RecoverInterval time.Duration `yaml:"recover_interval"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "sqlite", "postgres" 或 "mongodb"
	DatabaseURL    string
	DatabaseDBName string // MongoDB 数据库名称
	RedisEnabled   bool
	RedisURL       string
	APIServer      APIServerConfig
	Etcd           EtcdConfig
	MinIO          MinIOConfig
	Sandbox        SandboxConfig
	LLM            LLMConfig
	Agent          AgentConfig
	Workflow       WorkflowConfig
	ConfigFilePath string // 实际加载的配置文件路径
}

// yamlConfigInternal 内部包装，记录配置文件来源
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}
