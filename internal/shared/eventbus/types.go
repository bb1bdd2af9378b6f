package eventbus

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// KeyRunChunks 每次执行一个 Stream：run_chunks:{runID}
	KeyRunChunks = "run_chunks:"

	// MaxStreamLength Stream 最大长度（近似裁剪）
	MaxStreamLength = 10000

	// SubscriberBuffer 订阅通道缓冲
	SubscriberBuffer = 256
)
