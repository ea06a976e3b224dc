package offline

import (
	"errors"
	"fmt"
)

var (
	// ErrNoWaitingGeneration 表示当前没有等待接管的新版本。
	ErrNoWaitingGeneration = errors.New("no waiting generation")
	// ErrUnknownMessage 表示收到了无法识别的控制消息。
	ErrUnknownMessage = errors.New("unknown message type")
)

// InstallError 描述导致安装失败的关键资源，安装失败不会影响当前生效的版本。
type InstallError struct {
	Asset string
	Err   error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install asset %s: %v", e.Asset, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// errEntryTooLarge 表示响应正文超过 MaxEntrySize，只透传不缓存。
var errEntryTooLarge = errors.New("response body exceeds max entry size")
