package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// 线上控制消息词汇表。
const (
	StatusFromCache  = "File delivered from Cache"
	StatusFromServer = "File delivered from Server"
	StatusFromOrigin = "File delivered from origin"
	StatusUploaded   = "Server response: File successfully uploaded"

	FileNotFound   = "FileNotFound"
	DeliveryFailed = "DeliveryFailed"
	ProtocolError  = "ProtocolError"

	Ack = "ACK"
	Fin = "FIN"

	lengthPrefix  = "LEN:"
	messagePrefix = "Message:"
)

// MaxFileSize 是单个文件允许的最大字节数。长度由对端声明，超过上限的传输直接拒绝。
const MaxFileSize = 1 << 30

// 数据报传输在文件结束后发送的 Message: 状态。
var (
	MessageFromCache  = WrapMessage("File delivered from cache")
	MessageFromServer = WrapMessage("File delivered from server")
	MessageUploaded   = WrapMessage("File Successfully uploaded")
)

// FormatLength 生成 "LEN:<n>" 头。
func FormatLength(n int) string {
	return lengthPrefix + strconv.Itoa(n)
}

// IsLength 判断消息是否为长度头。
func IsLength(text string) bool {
	return strings.HasPrefix(text, lengthPrefix)
}

// ParseLength 解析 "LEN:<n>"，长度必须在 [0, MaxFileSize] 之内。
func ParseLength(text string) (int, error) {
	raw, ok := strings.CutPrefix(text, lengthPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: expected length header, got %q", ErrProtocol, text)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid length %q", ErrProtocol, raw)
	}
	if err := CheckFileSize(int64(n)); err != nil {
		return 0, err
	}
	return n, nil
}

// CheckFileSize 校验对端声明的文件长度。
func CheckFileSize(n int64) error {
	if n < 0 || n > MaxFileSize {
		return fmt.Errorf("%w: file size %d outside [0, %d]", ErrProtocol, n, MaxFileSize)
	}
	return nil
}

// WrapMessage 为最终状态加上 "Message:" 前缀。
func WrapMessage(text string) string {
	return messagePrefix + text
}

// UnwrapMessage 返回 "Message:" 之后的内容。
func UnwrapMessage(text string) (string, bool) {
	return strings.CutPrefix(text, messagePrefix)
}

// StatusError 将对端返回的哨兵消息映射为错误；非哨兵消息返回 nil。
func StatusError(text string) error {
	switch text {
	case FileNotFound:
		return ErrNotFound
	case DeliveryFailed:
		return ErrDeliveryFailed
	case ProtocolError:
		return ErrProtocol
	default:
		return nil
	}
}
