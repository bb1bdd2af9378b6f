package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"app-builder/internal/config"
	"app-builder/pkg/logging"
)

// 容器标签
const (
	LabelManaged   = "app-builder.sandbox"
	LabelAppName   = "app-builder.app-name"
	LabelExpiresAt = "app-builder.expires-at"
)

// Docker 基于本机 Docker 容器的沙箱
type Docker struct {
	cli         *client.Client
	cfg         config.SandboxConfig
	execTimeout time.Duration
	now         func() time.Time
	logger      *logging.Logger
}

var _ Client = (*Docker)(nil)

// NewDocker 创建 Docker 沙箱客户端，logger 为空时使用默认 sandbox 日志器
func NewDocker(cfg config.SandboxConfig, logger *logging.Logger) (*Docker, error) {
	if logger == nil {
		logger = logging.Default("sandbox")
	}
	opts := []client.Opt{client.FromEnv}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	cli, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	timeout := cfg.ExecTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = "localhost"
	}
	return &Docker{cli: cli, cfg: cfg, execTimeout: timeout, now: time.Now, logger: logger}, nil
}

// Close 关闭客户端
func (d *Docker) Close() error {
	return d.cli.Close()
}

// Ping 检查 Docker 连接
func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx, client.PingOptions{})
	return err
}

// Create 拉取镜像并启动沙箱容器
func (d *Docker) Create(ctx context.Context, spec CreateSpec) (*Handle, error) {
	spec = spec.WithDefaults(d.cfg.Defaults)
	if spec.Image == "" {
		return nil, &ProvisioningError{Err: errors.New("image is required")}
	}

	if err := d.pullImage(ctx, spec.Image); err != nil {
		return nil, &ProvisioningError{Err: err}
	}

	// 端口映射
	exposedPorts := make(network.PortSet)
	portBindings := make(network.PortMap)
	var previewPort string
	for i, p := range spec.EncryptedPorts {
		hostPort, err := freePort()
		if err != nil {
			return nil, &ProvisioningError{Err: err}
		}
		port := network.MustParsePort(fmt.Sprintf("%d/tcp", p))
		exposedPorts[port] = struct{}{}
		portBindings[port] = []network.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
		if i == 0 {
			previewPort = strconv.Itoa(hostPort)
		}
	}

	expiresAt := d.now().Add(time.Duration(spec.TimeoutMs) * time.Millisecond)
	labels := map[string]string{
		LabelManaged: "true",
		LabelAppName: spec.AppName,
	}
	if spec.TimeoutMs > 0 {
		labels[LabelExpiresAt] = strconv.FormatInt(expiresAt.UnixMilli(), 10)
	}

	name := fmt.Sprintf("%s-%s", spec.AppName, uuid.NewString()[:8])
	opts := client.ContainerCreateOptions{
		Name:  name,
		Image: spec.Image,
		Config: &container.Config{
			Cmd:          spec.Command,
			WorkingDir:   spec.Workdir,
			ExposedPorts: exposedPorts,
			Labels:       labels,
		},
		HostConfig: &container.HostConfig{
			PortBindings: portBindings,
			NetworkMode:  container.NetworkMode(d.cfg.Network),
		},
	}
	if d.cfg.Defaults.CPU > 0 || d.cfg.Defaults.MemoryMiB > 0 {
		opts.HostConfig.Resources = container.Resources{
			NanoCPUs: int64(d.cfg.Defaults.CPU * 1e9),
			Memory:   d.cfg.Defaults.MemoryMiB * 1024 * 1024,
		}
	}

	result, err := d.cli.ContainerCreate(ctx, opts)
	if err != nil {
		return nil, &ProvisioningError{Err: fmt.Errorf("create container: %w", err)}
	}
	if _, err := d.cli.ContainerStart(ctx, result.ID, client.ContainerStartOptions{}); err != nil {
		d.remove(context.WithoutCancel(ctx), result.ID)
		return nil, &ProvisioningError{Err: fmt.Errorf("start container: %w", err)}
	}

	h := &Handle{SandboxID: result.ID}
	if previewPort != "" {
		h.URL = fmt.Sprintf("http://%s:%s", d.cfg.PublicHost, previewPort)
	}
	if spec.TimeoutMs > 0 {
		h.ExpiryDate = expiresAt.UnixMilli()
	}
	d.logger.WithSandbox(h.SandboxID).Info("Sandbox created", "image", spec.Image, "url", h.URL)
	return h, nil
}

// Exec 在沙箱内执行命令
//
// 非零退出码正常返回；超时返回 *TimeoutError。
// 断开连接不会结束容器内的进程，命令在容器内另由 timeout 兜底结束。
func (d *Docker) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if err := d.checkAlive(ctx, req.SandboxID); err != nil {
		return nil, err
	}

	timeout := execTimeout(req, d.execTimeout)
	exec, err := d.cli.ExecCreate(ctx, req.SandboxID, client.ExecCreateOptions{
		Cmd:          boundedCommand(req.Command, timeout),
		WorkingDir:   req.Workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, expired(req.SandboxID)
		}
		return nil, &SandboxExecError{SandboxID: req.SandboxID, Err: fmt.Errorf("create exec: %w", err)}
	}

	attach, err := d.cli.ExecAttach(ctx, exec.ID, client.ExecAttachOptions{})
	if err != nil {
		return nil, &SandboxExecError{SandboxID: req.SandboxID, Err: fmt.Errorf("attach exec: %w", err)}
	}
	defer attach.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, &SandboxExecError{SandboxID: req.SandboxID, Err: fmt.Errorf("read exec output: %w", err)}
		}
	case <-timer.C:
		attach.Close()
		<-done
		return nil, &TimeoutError{SandboxID: req.SandboxID, Timeout: timeout}
	case <-ctx.Done():
		attach.Close()
		<-done
		return nil, ctx.Err()
	}

	inspect, err := d.cli.ExecInspect(ctx, exec.ID, client.ExecInspectOptions{})
	if err != nil {
		return nil, &SandboxExecError{SandboxID: req.SandboxID, Err: fmt.Errorf("inspect exec: %w", err)}
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// Terminate 强制删除沙箱容器
func (d *Docker) Terminate(ctx context.Context, sandboxID string) error {
	_, err := d.cli.ContainerRemove(ctx, sandboxID, client.ContainerRemoveOptions{Force: true})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return expired(sandboxID)
		}
		return fmt.Errorf("remove sandbox %s: %w", sandboxID, err)
	}
	d.logger.WithSandbox(sandboxID).Info("Sandbox terminated")
	return nil
}

// checkAlive 容器不存在、未运行或超过过期时间均视为过期
func (d *Docker) checkAlive(ctx context.Context, sandboxID string) error {
	result, err := d.cli.ContainerInspect(ctx, sandboxID, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return expired(sandboxID)
		}
		return &SandboxExecError{SandboxID: sandboxID, Err: fmt.Errorf("inspect sandbox: %w", err)}
	}
	if result.Container.State == nil || !result.Container.State.Running {
		return expired(sandboxID)
	}
	if result.Container.Config != nil {
		if raw, ok := result.Container.Config.Labels[LabelExpiresAt]; ok {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && d.now().UnixMilli() > ms {
				return expired(sandboxID)
			}
		}
	}
	return nil
}

func (d *Docker) pullImage(ctx context.Context, image string) error {
	resp, err := d.cli.ImagePull(ctx, image, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	defer resp.Close()
	if _, err := io.Copy(io.Discard, resp); err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	return nil
}

func (d *Docker) remove(ctx context.Context, id string) {
	if _, err := d.cli.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true}); err != nil {
		d.logger.WithSandbox(id).WithError(err).Warn("Failed to remove sandbox container")
	}
}

// killGrace 容器内 timeout 晚于客户端计时器触发，超时总是以 *TimeoutError 返回
const killGrace = time.Second

// boundedCommand 用 sh 包装命令：镜像带 timeout 时在超时后 KILL，否则直接执行
func boundedCommand(cmd []string, timeout time.Duration) []string {
	secs := int64(math.Ceil((timeout + killGrace).Seconds()))
	script := `if command -v timeout >/dev/null 2>&1; then exec timeout -s KILL "$0" "$@"; fi; exec "$@"`
	return append([]string{"sh", "-c", script, strconv.FormatInt(secs, 10)}, cmd...)
}

// freePort 向内核申请一个空闲端口
func freePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("allocate host port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
