package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
//
//  1. 加载 .env.{env}（dev/test）
//  2. 加载 {env}.yaml 覆盖默认值
//  3. 环境变量覆盖 YAML，并读取凭据
func Load() *Config {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	y := loadYAMLConfig(env)
	applyEnvOverrides(&y.YAMLConfig)

	driver := detectDatabaseDriver(y.Database.Driver, os.Getenv("DATABASE_URL"))
	y.Database.Driver = driver
	if driver == "mongodb" && y.Database.Port == 5432 {
		y.Database.Port = 27017
	}
	dbURL := getEnv("DATABASE_URL", buildDatabaseURL(y.Database, y.Database.Password))

	cfg := &Config{
		Env:            env,
		DatabaseDriver: driver,
		DatabaseURL:    dbURL,
		DatabaseDBName: y.Database.Name,
		RedisEnabled:   y.Redis.Enabled,
		RedisURL:       buildRedisURL(y.Redis),
		APIServer:      y.APIServer,
		Etcd:           y.Etcd,
		MinIO:          y.MinIO,
		Sandbox:        y.Sandbox,
		LLM:            y.LLM,
		Agent:          y.Agent,
		Workflow:       y.Workflow,
		ConfigFilePath: y.loadedFrom,
	}
	cfg.validate()
	return cfg
}

// defaultYAMLConfig 硬编码默认值
func defaultYAMLConfig() YAMLConfig {
	return YAMLConfig{
		APIServer: APIServerConfig{Port: "8080", ValidateRequests: true},
		Database:  DatabaseConfig{Path: "data/app-builder.db", Host: "localhost", Port: 5432, User: "app", Name: "app_builder", SSLMode: "disable"},
		Redis:     RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Etcd:      EtcdConfig{Endpoints: []string{"localhost:2379"}, Prefix: "/app-builder", LeaseTTL: 30},
		MinIO:     MinIOConfig{Endpoint: "localhost:9000", Bucket: "app-builder", URLExpiry: 24 * time.Hour},
		Sandbox: SandboxConfig{
			Provider:   "docker",
			PublicHost: "localhost",
			Defaults: SandboxDefaults{
				AppName:   "base-nitro-bun-codex-cli-app",
				Image:     "joentze/nitro-bun-codex-cli-app-template:latest",
				Workdir:   "/app",
				Port:      3000,
				Command:   []string{"bun", "dev", "--", "--host", "0.0.0.0"},
				CPU:       1,
				MemoryMiB: 1024,
				TTL:       2 * time.Hour,
			},
			ExecTimeout: 5 * time.Minute,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com",
			CodingModel:    "gpt-5.3-codex",
			ChatModel:      "gpt-5.1",
			TaskerModel:    "gpt-5.2",
			ImageModel:     "dall-e-3",
			Temperature:    0.5,
			RequestTimeout: 5 * time.Minute,
		},
		Agent:    AgentConfig{MaxTurns: 24, CompletionRetries: 2, ToolTimeout: 5 * time.Minute},
		Workflow: WorkflowConfig{RecoverOnStart: true, RecoverInterval: 30 * time.Second},
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → {env}.yaml
func loadYAMLConfig(env Environment) *yamlConfigInternal {
	cfg := &yamlConfigInternal{YAMLConfig: defaultYAMLConfig()}

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range effectiveConfigPaths() {
		path := filepath.Join(base, filename)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
			log.Printf("[Config] Failed to parse %s: %v", path, err)
			break
		}
		cfg.loadedFrom = path
		break
	}
	return cfg
}

// applyEnvOverrides 环境变量覆盖 YAML 配置，并填充只来自环境变量的凭据
func applyEnvOverrides(y *YAMLConfig) {
	y.Database.Password = firstEnv("DB_PASSWORD", "MONGO_ROOT_PASSWORD")
	y.Redis.Password = os.Getenv("REDIS_PASSWORD")
	y.MinIO.AccessKey = os.Getenv("MINIO_ROOT_USER")
	y.MinIO.SecretKey = os.Getenv("MINIO_ROOT_PASSWORD")
	y.LLM.APIKey = os.Getenv("OPENAI_API_KEY")

	if v := os.Getenv("API_PORT"); v != "" {
		y.APIServer.Port = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		y.Redis.URL = v
		y.Redis.Enabled = true
	}
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		y.Etcd.Endpoints = strings.Split(v, ",")
		y.Etcd.Enabled = true
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		y.MinIO.Endpoint = v
		y.MinIO.Enabled = true
	}
	if v := os.Getenv("SANDBOX_PROVIDER"); v != "" {
		y.Sandbox.Provider = v
	}
	if v := os.Getenv("SANDBOX_API_URL"); v != "" {
		y.Sandbox.RemoteURL = v
	}
	if v := os.Getenv("DOCKER_HOST"); v != "" {
		y.Sandbox.DockerHost = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		y.LLM.BaseURL = v
	}
	if v := os.Getenv("AGENT_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			y.Agent.MaxTurns = n
		}
	}
}

// validate 校验并填充默认值
func (c *Config) validate() {
	d := defaultYAMLConfig()
	if c.APIServer.Port == "" {
		c.APIServer.Port = d.APIServer.Port
	}
	if c.Sandbox.Provider != "docker" && c.Sandbox.Provider != "remote" {
		log.Printf("[Config] Unknown sandbox provider %q, using docker", c.Sandbox.Provider)
		c.Sandbox.Provider = "docker"
	}
	sd := &c.Sandbox.Defaults
	if sd.AppName == "" {
		sd.AppName = d.Sandbox.Defaults.AppName
	}
	if sd.Image == "" {
		sd.Image = d.Sandbox.Defaults.Image
	}
	if sd.Workdir == "" {
		sd.Workdir = d.Sandbox.Defaults.Workdir
	}
	if sd.Port == 0 {
		sd.Port = d.Sandbox.Defaults.Port
	}
	if len(sd.Command) == 0 {
		sd.Command = d.Sandbox.Defaults.Command
	}
	if sd.CPU <= 0 {
		sd.CPU = d.Sandbox.Defaults.CPU
	}
	if sd.MemoryMiB <= 0 {
		sd.MemoryMiB = d.Sandbox.Defaults.MemoryMiB
	}
	if c.Sandbox.ExecTimeout <= 0 {
		c.Sandbox.ExecTimeout = d.Sandbox.ExecTimeout
	}
	if c.LLM.RequestTimeout <= 0 {
		c.LLM.RequestTimeout = d.LLM.RequestTimeout
	}
	if c.Agent.MaxTurns <= 0 {
		c.Agent.MaxTurns = d.Agent.MaxTurns
	}
	if c.Agent.CompletionRetries < 0 {
		c.Agent.CompletionRetries = 0
	}
	if c.Agent.ToolTimeout <= 0 {
		c.Agent.ToolTimeout = d.Agent.ToolTimeout
	}
	if c.Etcd.LeaseTTL <= 0 {
		c.Etcd.LeaseTTL = d.Etcd.LeaseTTL
	}
	if c.MinIO.URLExpiry <= 0 {
		c.MinIO.URLExpiry = d.MinIO.URLExpiry
	}
	if c.Workflow.RecoverInterval == 0 {
		c.Workflow.RecoverInterval = d.Workflow.RecoverInterval
	}
	if c.Workflow.Owner == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "app-builder"
		}
		c.Workflow.Owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
}
