package workflow

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// inputHash 步骤名与输入的内容哈希
//
// 各组成部分以长度前缀拼接，避免 ("ab","c") 与 ("a","bc") 碰撞。
func inputHash(name string, input any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode step input: %w", err)
	}
	h, _ := blake2b.New256(nil)
	writeComponent(h, []byte(name))
	writeComponent(h, raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

func writeComponent(w byteWriter, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	_, _ = w.Write(n[:])
	_, _ = w.Write(b)
}
