// Package event 入站事件边界
// 每次宿主调用投递一个 JSON 事件；处理结果用显式 Result 区分
// 无事可做 / 已生效 / 内部错误，内部错误绝不上抛给宿主运行时
package event

import (
	"encoding/json"
	"fmt"
	"io"
)

// ToolCall 触发事件的工具调用
type ToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// InboundEvent 入站事件
type InboundEvent struct {
	SessionID string   `json:"session_id"`
	Tool      ToolCall `json:"tool"`
	Prompt    string   `json:"prompt"`
	CWD       string   `json:"cwd"`
}

// Kind 处理结果类别
type Kind int

const (
	// NoOp 前置条件不满足或事件无可处理内容，未改动任何状态
	NoOp Kind = iota
	// Applied 事件已生效，状态变更已提交
	Applied
	// InternalError 处理期间出错，已吞掉并记录，不影响宿主退出码
	InternalError
)

// String 结果类别名（指标标签用）
func (k Kind) String() string {
	switch k {
	case NoOp:
		return "noop"
	case Applied:
		return "applied"
	case InternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Result 一次事件处理的结局
type Result struct {
	Kind   Kind
	Reason string
}

// Decode 从字节流解析单个事件
func Decode(r io.Reader) (*InboundEvent, error) {
	var ev InboundEvent
	if err := json.NewDecoder(r).Decode(&ev); err != nil {
		return nil, fmt.Errorf("解析入站事件失败: %w", err)
	}
	return &ev, nil
}
