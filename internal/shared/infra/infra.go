// Package infra 基础设施聚合层
//
// 提供统一的基础设施初始化和依赖注入，包括：
//   - Store：工作流日志与记录存储（SQLite / PostgreSQL / MongoDB）
//   - Bus：输出流分片的实时分发（Redis Streams，未启用时为进程内）
//   - Jobs：后台任务队列（Redis Streams，未启用时为进程内）
//   - Leases：执行租约（etcd，未启用时为进程内）
//   - Objects：缩略图对象存储（MinIO，未启用时为内存）
//   - Sandbox：沙箱计算提供方（Docker 或远程 HTTP API）
//   - Model：模型服务客户端
package infra

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"app-builder/internal/config"
	"app-builder/internal/llm"
	"app-builder/internal/sandbox"
	"app-builder/internal/shared/eventbus"
	"app-builder/internal/shared/lease"
	leaseetcd "app-builder/internal/shared/lease/etcd"
	"app-builder/internal/shared/objstore"
	"app-builder/internal/shared/queue"
	"app-builder/internal/shared/storage"
	"app-builder/internal/shared/storage/driver/postgres"
	"app-builder/internal/shared/storage/driver/sqlite"
	"app-builder/internal/shared/storage/mongostore"
	"app-builder/internal/shared/storage/repository"
	"app-builder/pkg/logging"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	// Store 持久化存储
	Store storage.PersistentStore

	// Bus 分片事件总线
	Bus eventbus.ChunkBus

	// Jobs 后台任务队列
	Jobs queue.JobQueue

	// Leases 执行租约
	Leases lease.Manager

	// Objects 对象存储
	Objects objstore.Store

	// Sandbox 沙箱客户端
	Sandbox sandbox.Client

	// Model 模型服务
	Model *llm.Client

	redis   *RedisInfra
	closers []func() error
}

// New 按配置初始化全部基础设施，任一组件失败时关闭已创建的组件
func New(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	infra := &Infrastructure{}
	if err := infra.init(ctx, cfg); err != nil {
		infra.Close()
		return nil, err
	}
	return infra, nil
}

func (i *Infrastructure) init(ctx context.Context, cfg *config.Config) (err error) {
	log := logging.Default("infra")

	// 存储
	i.Store, err = NewStore(cfg.DatabaseDriver, cfg.DatabaseURL, cfg.DatabaseDBName)
	if err != nil {
		return err
	}
	i.closers = append(i.closers, i.Store.Close)
	log.Info("Storage connected", "driver", cfg.DatabaseDriver)

	// Redis：分片总线与任务队列
	if cfg.RedisEnabled {
		i.redis, err = NewRedisInfra(cfg.RedisURL)
		if err != nil {
			return err
		}
		i.closers = append(i.closers, i.redis.Close)
		if err := i.redis.Jobs().EnsureGroup(ctx); err != nil {
			return fmt.Errorf("failed to create job consumer group: %w", err)
		}
		i.Bus = i.redis.Bus()
		i.Jobs = i.redis.Jobs()
	} else {
		i.Bus = eventbus.NewMemoryBus()
		i.Jobs = queue.NewMemoryQueue(256)
		i.closers = append(i.closers, i.Bus.Close, i.Jobs.Close)
		log.Warn("Redis disabled, using in-process bus and job queue")
	}

	// etcd：执行租约
	if cfg.Etcd.Enabled {
		m, err := leaseetcd.New(leaseetcd.Config{
			Endpoints: cfg.Etcd.Endpoints,
			Prefix:    cfg.Etcd.Prefix,
			TTL:       cfg.Etcd.LeaseTTL,
			Logger:    logging.Default("lease"),
		})
		if err != nil {
			return err
		}
		i.Leases = m
	} else {
		i.Leases = lease.NewLocal()
	}
	i.closers = append(i.closers, i.Leases.Close)

	// MinIO：缩略图
	if cfg.MinIO.Enabled {
		c, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			return err
		}
		if err := c.EnsureBucket(ctx); err != nil {
			return err
		}
		i.Objects = c
	} else {
		i.Objects = objstore.NewMemory(strings.TrimSuffix(cfg.APIServer.URL, "/") + "/objects/")
	}

	i.Sandbox, err = NewSandbox(ctx, cfg.Sandbox)
	if err != nil {
		return err
	}
	if d, ok := i.Sandbox.(*sandbox.Docker); ok {
		i.closers = append(i.closers, d.Close)
	}

	timeout := cfg.LLM.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	i.Model = llm.NewClient(cfg.LLM, &http.Client{Timeout: timeout})
	return nil
}

// NewStore 按驱动类型创建持久化存储（SQL 驱动会自动迁移 Schema）
func NewStore(driver, databaseURL, dbName string) (storage.PersistentStore, error) {
	switch driver {
	case "mongodb":
		s, err := mongostore.NewStore(databaseURL, dbName)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		db, err := postgres.Open(databaseURL)
		if err != nil {
			return nil, err
		}
		dialect := postgres.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate postgres: %w", err)
		}
		return repository.NewStore(db, dialect), nil
	case "sqlite", "":
		if err := ensureSQLiteDir(databaseURL); err != nil {
			return nil, err
		}
		db, err := sqlite.Open(databaseURL)
		if err != nil {
			return nil, err
		}
		dialect := sqlite.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
		}
		return repository.NewStore(db, dialect), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// ensureSQLiteDir 创建 SQLite 文件所在目录
func ensureSQLiteDir(dsn string) error {
	p := strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite:"), "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create sqlite directory: %w", err)
	}
	return nil
}

// NewSandbox 按提供方创建沙箱客户端
func NewSandbox(ctx context.Context, cfg config.SandboxConfig) (sandbox.Client, error) {
	switch cfg.Provider {
	case "remote":
		if cfg.RemoteURL == "" {
			return nil, fmt.Errorf("sandbox remote_url is required for remote provider")
		}
		return sandbox.NewHTTPClient(cfg.RemoteURL, nil), nil
	case "docker", "":
		d, err := sandbox.NewDocker(cfg, logging.Default("sandbox"))
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.Ping(pingCtx); err != nil {
			d.Close()
			return nil, fmt.Errorf("docker is not reachable: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported sandbox provider: %s", cfg.Provider)
	}
}

// Close 关闭所有基础设施连接（逆序）
func (i *Infrastructure) Close() error {
	var lastErr error
	for j := len(i.closers) - 1; j >= 0; j-- {
		if err := i.closers[j](); err != nil {
			lastErr = err
		}
	}
	i.closers = nil
	return lastErr
}
