// Package errkind 错误分类的持久化与还原
//
// 工作流步骤失败时记录 (kind, message)，重放时按 kind 还原为同类错误，
// 使 errors.As / errors.Is 在首次执行与重放下表现一致。
//
// 各错误类型实现 Kinded 接口，并在所属包 init 中调用 Register 注册还原函数。
package errkind

import (
	"errors"
	"sync"
)

// Kinded 带分类名的错误
type Kinded interface {
	error
	Kind() string
}

// Generic 未注册分类的默认名
const Generic = "Error"

var (
	mu       sync.RWMutex
	builders = map[string]func(message string) error{}
)

// Register 注册分类的还原函数
func Register(kind string, build func(message string) error) {
	mu.Lock()
	defer mu.Unlock()
	builders[kind] = build
}

// Of 返回错误链上第一个 Kinded 的分类名，没有时返回 Generic
func Of(err error) string {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return Generic
}

// Rebuild 按分类还原错误
func Rebuild(kind, message string) error {
	mu.RLock()
	build, ok := builders[kind]
	mu.RUnlock()
	if ok {
		return build(message)
	}
	return &Restored{kind: kind, message: message}
}

// Restored 未注册分类的还原错误，保留原分类名与消息
type Restored struct {
	kind    string
	message string
}

func (e *Restored) Error() string { return e.message }

// Kind 原分类名
func (e *Restored) Kind() string { return e.kind }
