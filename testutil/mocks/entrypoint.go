// Entrypoint 的 reasoning 入口测试模拟实现。
//
// 支持按目标配置回复、错误注入、延迟与调用记录。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agentrelay/agent/reasoning"
	"github.com/BaSui01/agentrelay/agent/roster"
)

var _ reasoning.Entrypoint = (*Entrypoint)(nil)

// EntrypointCall 记录单次调用
type EntrypointCall struct {
	TargetID  string
	ChannelID string
	Message   string
	Reply     string
	Error     error
}

// Entrypoint 是 reasoning.Entrypoint 的模拟实现
type Entrypoint struct {
	mu sync.Mutex

	reply   string
	replies map[string]string
	errs    map[string]error
	err     error
	delay   time.Duration
	fn      func(ctx context.Context, target *roster.Agent, channelID, message string) (string, error)

	calls []EntrypointCall
}

// NewEntrypoint 创建新的 Entrypoint，默认回复 "ok"
func NewEntrypoint() *Entrypoint {
	return &Entrypoint{
		reply:   "ok",
		replies: make(map[string]string),
		errs:    make(map[string]error),
	}
}

// WithDefaultReply 设置默认回复
func (e *Entrypoint) WithDefaultReply(reply string) *Entrypoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reply = reply
	return e
}

// WithReply 设置某个目标的回复
func (e *Entrypoint) WithReply(targetID, reply string) *Entrypoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replies[targetID] = reply
	return e
}

// WithError 让所有调用失败
func (e *Entrypoint) WithError(err error) *Entrypoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
	return e
}

// WithTargetError 让某个目标的调用失败
func (e *Entrypoint) WithTargetError(targetID string, err error) *Entrypoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs[targetID] = err
	return e
}

// WithDelay 模拟推理耗时；ctx 取消时提前返回 ctx.Err()
func (e *Entrypoint) WithDelay(d time.Duration) *Entrypoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay = d
	return e
}

// WithFunc 用自定义函数替代回复表
func (e *Entrypoint) WithFunc(fn func(ctx context.Context, target *roster.Agent, channelID, message string) (string, error)) *Entrypoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fn = fn
	return e
}

// Invoke 实现 reasoning.Entrypoint
func (e *Entrypoint) Invoke(ctx context.Context, target *roster.Agent, channelID, message string) (string, error) {
	e.mu.Lock()
	delay, fn := e.delay, e.fn
	e.mu.Unlock()

	var (
		reply string
		err   error
	)
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-timer.C:
		}
		timer.Stop()
	}

	if err == nil {
		if fn != nil {
			reply, err = fn(ctx, target, channelID, message)
		} else {
			reply, err = e.lookup(target.ID)
		}
	}

	e.mu.Lock()
	e.calls = append(e.calls, EntrypointCall{
		TargetID:  target.ID,
		ChannelID: channelID,
		Message:   message,
		Reply:     reply,
		Error:     err,
	})
	e.mu.Unlock()
	return reply, err
}

func (e *Entrypoint) lookup(targetID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.errs[targetID]; ok {
		return "", err
	}
	if e.err != nil {
		return "", e.err
	}
	if r, ok := e.replies[targetID]; ok {
		return r, nil
	}
	return e.reply, nil
}

// Calls 返回调用记录的副本
func (e *Entrypoint) Calls() []EntrypointCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EntrypointCall(nil), e.calls...)
}

// CallCount 返回调用次数
func (e *Entrypoint) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// LastCall 返回最后一次调用
func (e *Entrypoint) LastCall() (EntrypointCall, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.calls) == 0 {
		return EntrypointCall{}, false
	}
	return e.calls[len(e.calls)-1], true
}
