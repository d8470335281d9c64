package protocol

import (
	"fmt"
	"strings"
)

// Verb 是命令动词，区分大小写。
type Verb string

const (
	VerbGet Verb = "GET"
	VerbPut Verb = "PUT"
)

// Command 在一次事务中只解析一次，之后不可变。
type Command struct {
	Verb     Verb
	Filename string
}

// ParseStream 解析流式传输上的命令，例如 "get report.txt"。
func ParseStream(text string) (Command, error) {
	raw := strings.TrimRight(text, "\r\n")
	verb, name, ok := strings.Cut(raw, " ")
	if !ok {
		return Command{}, fmt.Errorf("%w: malformed command %q", ErrProtocol, raw)
	}
	switch verb {
	case "get":
		return newCommand(VerbGet, name)
	case "put":
		return newCommand(VerbPut, name)
	default:
		return Command{}, fmt.Errorf("%w: unknown verb %q", ErrProtocol, verb)
	}
}

// ParseDatagram 解析数据报传输上的命令，例如 "GET:report.txt"。
func ParseDatagram(text string) (Command, error) {
	verb, name, ok := strings.Cut(text, ":")
	if !ok {
		return Command{}, fmt.Errorf("%w: malformed command %q", ErrProtocol, text)
	}
	switch Verb(verb) {
	case VerbGet, VerbPut:
		return newCommand(Verb(verb), name)
	default:
		return Command{}, fmt.Errorf("%w: unknown verb %q", ErrProtocol, verb)
	}
}

func newCommand(verb Verb, name string) (Command, error) {
	if err := ValidateName(name); err != nil {
		return Command{}, err
	}
	return Command{Verb: verb, Filename: name}, nil
}

// Stream 返回流式传输使用的命令写法。
func (c Command) Stream() string {
	return strings.ToLower(string(c.Verb)) + " " + c.Filename
}

// Datagram 返回数据报传输使用的命令写法。
func (c Command) Datagram() string {
	return string(c.Verb) + ":" + c.Filename
}

func (c Command) String() string {
	return c.Datagram()
}

// ValidateName 拒绝可能逃逸存储根目录的文件名。
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: filename required", ErrProtocol)
	case name == "." || name == "..":
		return fmt.Errorf("%w: invalid filename %q", ErrProtocol, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: filename %q contains a path separator", ErrProtocol, name)
	}
	return nil
}
