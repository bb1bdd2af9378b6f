package tools

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
)

const delimiterPrefix = "__SANDBOX_FILE_"

// shellQuote 用单引号包裹 s，内部单引号先闭合引号再转义
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// newDelimiter 生成 here-document 分隔符，保证不与 content 中任何一行相同
func newDelimiter(content string) string {
	lines := strings.Split(content, "\n")
	for {
		d := randomDelimiter()
		collides := false
		for _, l := range lines {
			if l == d {
				collides = true
				break
			}
		}
		if !collides {
			return d
		}
	}
}

// randomDelimiter 可在测试中替换
var randomDelimiter = func() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return delimiterPrefix + hex.EncodeToString(b) + "__"
}

// writeOptions 写文件脚本选项
type writeOptions struct {
	// mustExist 目标不存在时以退出码 1 结束且不写入
	mustExist bool
	// mkdir 先创建父目录
	mkdir bool
}

// writeScript 生成写文件脚本
//
// 正文经带引号分隔符的 here-document 传入（不做变量展开），
// 再由 head -c 截取原始字节数，去掉 here-document 附加的结尾换行。
func writeScript(path, content string, opts writeOptions) string {
	quoted := shellQuote(path)
	delim := newDelimiter(content)

	var b strings.Builder
	if opts.mustExist {
		b.WriteString("if [ ! -f " + quoted + " ]; then printf '%s\\n' " + shellQuote(fileNotFoundPrefix+path) + " >&2; exit 1; fi && ")
	}
	if opts.mkdir {
		b.WriteString(`mkdir -p "$(dirname -- ` + quoted + `)" && `)
	}
	b.WriteString("head -c " + strconv.Itoa(len(content)) + " > " + quoted + " <<'" + delim + "'\n")
	b.WriteString(content)
	b.WriteString("\n")
	b.WriteString(delim)
	return b.String()
}
