package xerr

import "fmt"

// 常用错误码定义
const (
	OK                = 200
	ServerCommonError = 500
	ConnectFailed     = 520 // 连不上 feed 节点
	AuthRejected      = 521 // API key 被拒
	SubscribeFailed   = 522 // 订阅请求失败
	NotConnected      = 523 // 当前没有有效会话
	EngineBusy        = 529 // 事件总线满
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 保留原始错误信息，方便排查连接类问题
func Wrap(code int, err error) error {
	if err == nil {
		return NewErrCode(code)
	}
	return &CodeError{Code: code, Msg: MapErrMsg(code) + ": " + err.Error()}
}

// IsCode 判断 err 是否携带指定错误码
func IsCode(err error, code int) bool {
	ce, ok := err.(*CodeError)
	return ok && ce.Code == code
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "internal error"
	case ConnectFailed:
		return "feed connect failed"
	case AuthRejected:
		return "feed auth rejected"
	case SubscribeFailed:
		return "feed subscribe failed"
	case NotConnected:
		return "no active feed session"
	case EngineBusy:
		return "engine busy: event bus full"
	default:
		return "unknown error"
	}
}
