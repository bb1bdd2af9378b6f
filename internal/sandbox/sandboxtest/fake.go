// Package sandboxtest 内存沙箱，供测试使用
//
// Fake 实现 sandbox.Client，在内存文件系统上解释以下命令：
//   - cat <path>
//   - mkdir -p <dir>
//   - echo <args...>
//   - bash -lc <script>：支持文件守卫、mkdir -p、head -c N > path <<'DELIM' 形式的写文件脚本
//
// 其他命令交给 Handler；未设置 Handler 时返回退出码 127。
package sandboxtest

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"app-builder/internal/sandbox"
)

// Fake 内存沙箱
type Fake struct {
	mu        sync.Mutex
	seq       int
	sandboxes map[string]*box

	// Handler 处理内置命令以外的命令，返回 handled=false 时按未知命令处理
	Handler func(req sandbox.ExecRequest) (res *sandbox.ExecResult, err error, handled bool)
	// CreateErr 非 nil 时 Create 失败
	CreateErr error

	Creates    []sandbox.CreateSpec
	Execs      []sandbox.ExecRequest
	Terminated []string
}

type box struct {
	handle  sandbox.Handle
	files   map[string]string
	dirs    map[string]bool
	expired bool
}

var _ sandbox.Client = (*Fake)(nil)

// New 创建内存沙箱
func New() *Fake {
	return &Fake{sandboxes: map[string]*box{}}
}

// Create 创建沙箱
func (f *Fake) Create(_ context.Context, spec sandbox.CreateSpec) (*sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Creates = append(f.Creates, spec)
	if f.CreateErr != nil {
		return nil, &sandbox.ProvisioningError{Err: f.CreateErr}
	}
	f.seq++
	id := fmt.Sprintf("sb-%d", f.seq)
	h := sandbox.Handle{
		SandboxID:  id,
		URL:        fmt.Sprintf("https://%s.sandbox.test", id),
		ExpiryDate: time.Now().Add(time.Hour).UnixMilli(),
	}
	f.sandboxes[id] = &box{handle: h, files: map[string]string{}, dirs: map[string]bool{"/": true}}
	return &h, nil
}

// Exec 执行命令
func (f *Fake) Exec(_ context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	f.mu.Lock()
	f.Execs = append(f.Execs, req)
	b, ok := f.sandboxes[req.SandboxID]
	if !ok || b.expired {
		f.mu.Unlock()
		return nil, fmt.Errorf("sandbox %s: %w", req.SandboxID, sandbox.ErrSandboxExpired)
	}
	if len(req.Command) == 0 {
		f.mu.Unlock()
		return nil, &sandbox.SandboxExecError{SandboxID: req.SandboxID, Err: fmt.Errorf("empty command")}
	}
	if res, handled := b.builtin(req); handled {
		f.mu.Unlock()
		return res, nil
	}
	handler := f.Handler
	f.mu.Unlock()

	if handler != nil {
		if res, err, handled := handler(req); handled {
			return res, err
		}
	}
	return &sandbox.ExecResult{Stderr: req.Command[0] + ": command not found", ExitCode: 127}, nil
}

// Terminate 终止沙箱
func (f *Fake) Terminate(_ context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.sandboxes[sandboxID]
	if !ok || b.expired {
		return fmt.Errorf("sandbox %s: %w", sandboxID, sandbox.ErrSandboxExpired)
	}
	b.expired = true
	f.Terminated = append(f.Terminated, sandboxID)
	return nil
}

// Expire 使沙箱过期
func (f *Fake) Expire(sandboxID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.sandboxes[sandboxID]; ok {
		b.expired = true
	}
}

// AddSandbox 预置一个沙箱（模拟 remix 等场景中已存在的沙箱）
func (f *Fake) AddSandbox(sandboxID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandboxes[sandboxID] = &box{
		handle: sandbox.Handle{SandboxID: sandboxID},
		files:  map[string]string{},
		dirs:   map[string]bool{"/": true},
	}
}

// WriteFile 直接写入文件
func (f *Fake) WriteFile(sandboxID, p, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.sandboxes[sandboxID]; ok {
		b.files[p] = content
		b.mkdirAll(path.Dir(p))
	}
}

// ReadFile 读取文件
func (f *Fake) ReadFile(sandboxID, p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.sandboxes[sandboxID]
	if !ok {
		return "", false
	}
	c, ok := b.files[p]
	return c, ok
}

// ExecCount 已执行命令数
func (f *Fake) ExecCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Execs)
}

// ============================================================================
// 内置命令
// ============================================================================

func (b *box) builtin(req sandbox.ExecRequest) (*sandbox.ExecResult, bool) {
	cmd := req.Command
	switch cmd[0] {
	case "cat":
		if len(cmd) != 2 {
			return nil, false
		}
		c, ok := b.files[b.abs(req.Workdir, cmd[1])]
		if !ok {
			return &sandbox.ExecResult{
				Stderr:   fmt.Sprintf("cat: %s: No such file or directory\n", cmd[1]),
				ExitCode: 1,
			}, true
		}
		return &sandbox.ExecResult{Stdout: c}, true
	case "mkdir":
		for _, a := range cmd[1:] {
			if a != "-p" {
				b.mkdirAll(b.abs(req.Workdir, a))
			}
		}
		return &sandbox.ExecResult{}, true
	case "echo":
		return &sandbox.ExecResult{Stdout: strings.Join(cmd[1:], " ") + "\n"}, true
	case "bash", "sh":
		if len(cmd) == 3 && (cmd[1] == "-lc" || cmd[1] == "-c") {
			if res, ok := b.script(req.Workdir, cmd[2]); ok {
				return res, true
			}
		}
	}
	return nil, false
}

// script 解释写文件脚本：
//
//	[if [ ! -f P ]; then ...; exit 1; fi && ][mkdir -p "$(dirname -- P)" && ]head -c N > P <<'D'
//	<body>
//	D
func (b *box) script(workdir, script string) (*sandbox.ExecResult, bool) {
	header, rest, ok := strings.Cut(script, "\n")
	if !ok {
		return nil, false
	}

	var (
		guarded  bool
		mkdirFor string
	)
	if strings.HasPrefix(header, "if [ ! -f ") {
		_, after, found := strings.Cut(header, "fi && ")
		if !found {
			return nil, false
		}
		guarded = true
		header = after
	}
	if strings.HasPrefix(header, `mkdir -p "$(dirname -- `) {
		quoted, after, found := strings.Cut(strings.TrimPrefix(header, `mkdir -p "$(dirname -- `), `)" && `)
		if !found {
			return nil, false
		}
		if f := shellFields(quoted); len(f) == 1 {
			mkdirFor = b.abs(workdir, f[0])
		}
		header = after
	}

	// head -c N > P <<D（引号已去除）
	toks := shellFields(header)
	if len(toks) != 6 || toks[0] != "head" || toks[1] != "-c" || toks[3] != ">" || !strings.HasPrefix(toks[5], "<<") {
		return nil, false
	}
	n, err := strconv.Atoi(toks[2])
	if err != nil {
		return nil, false
	}
	target := b.abs(workdir, toks[4])
	delim := strings.TrimPrefix(toks[5], "<<")

	// here-document 在第一行等于分隔符处结束，正文末尾带换行
	var body strings.Builder
	terminated := false
	for _, line := range strings.SplitAfter(rest, "\n") {
		if strings.TrimSuffix(line, "\n") == delim {
			terminated = true
			break
		}
		body.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			body.WriteString("\n")
		}
	}
	if !terminated {
		return &sandbox.ExecResult{
			Stderr:   fmt.Sprintf("bash: warning: here-document delimited by end-of-file (wanted `%s')\n", delim),
			ExitCode: 2,
		}, true
	}

	if guarded {
		if _, ok := b.files[target]; !ok {
			return &sandbox.ExecResult{Stderr: "File not found: " + target + "\n", ExitCode: 1}, true
		}
	}
	if mkdirFor != "" {
		b.mkdirAll(path.Dir(mkdirFor))
	}
	if !b.dirs[path.Dir(target)] {
		return &sandbox.ExecResult{
			Stderr:   fmt.Sprintf("bash: %s: No such file or directory\n", target),
			ExitCode: 1,
		}, true
	}

	content := body.String()
	if n < len(content) {
		content = content[:n]
	}
	b.files[target] = content
	return &sandbox.ExecResult{}, true
}

func (b *box) abs(workdir, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	if workdir == "" {
		workdir = "/"
	}
	return path.Join(workdir, p)
}

func (b *box) mkdirAll(dir string) {
	for d := path.Clean(dir); ; d = path.Dir(d) {
		b.dirs[d] = true
		if d == "/" || d == "." {
			return
		}
	}
}

// shellFields 按空白切分并去除单引号、反斜杠转义
func shellFields(s string) []string {
	var (
		fields []string
		cur    strings.Builder
		inTok  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			inTok = true
			j := strings.IndexByte(s[i+1:], '\'')
			if j < 0 {
				cur.WriteString(s[i+1:])
				i = len(s)
				continue
			}
			cur.WriteString(s[i+1 : i+1+j])
			i += j + 1
		case c == '\\' && i+1 < len(s):
			inTok = true
			cur.WriteByte(s[i+1])
			i++
		case c == ' ' || c == '\t':
			if inTok {
				fields = append(fields, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			inTok = true
			cur.WriteByte(c)
		}
	}
	if inTok {
		fields = append(fields, cur.String())
	}
	return fields
}
