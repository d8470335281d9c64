package protocol

import "errors"

// 错误分类：各层通过 fmt.Errorf("%w") 包装，调用方使用 errors.Is 判断。
var (
	// ErrConnection 表示对端不可达或拒绝连接。
	ErrConnection = errors.New("connection error")
	// ErrTimeout 表示在截止时间内没有收到数据，含义由调用点决定。
	ErrTimeout = errors.New("timeout")
	// ErrTransferAborted 表示文件帧提前结束或传输会话被放弃。
	ErrTransferAborted = errors.New("transfer aborted")
	// ErrProtocol 表示命令无法解析或收到意外消息。
	ErrProtocol = errors.New("protocol error")
	// ErrNotFound 表示请求的文件在终端存储中不存在。
	ErrNotFound = errors.New("file not found")
	// ErrDeliveryFailed 表示缓存回源失败，未写入任何缓存条目。
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Classify 将错误映射为简短标签，用于日志字段与指标 label。
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDeliveryFailed):
		return "delivery"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransferAborted):
		return "aborted"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrConnection):
		return "connection"
	default:
		return "other"
	}
}
