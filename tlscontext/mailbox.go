package tlscontext

import (
	"sync"

	"github.com/houzhh15/pvasec/certstatus"
	"github.com/houzhh15/pvasec/config"
)

// message 投递到控制器事件循环的消息
type message interface{}

type enableRequested struct {
	config *config.TLSConfig // nil: 使用当前配置
	done   chan error
}

type disableRequested struct {
	done chan error
}

// statusUpdated 订阅或一次性查询得到的状态；gen 标识所属上下文
type statusUpdated struct {
	gen    uint64
	status certstatus.CertificateStatus
	err    error
}

type validityExpired struct {
	gen uint64
}

// notBeforeReached 待定上下文的证书到达 NotBefore
type notBeforeReached struct {
	gen uint64
}

type fileDisable struct{}

type fileEnable struct{}

type stopRequested struct {
	done chan error
}

// mailbox 无界消息队列：post 永不阻塞，由单个事件循环消费
type mailbox struct {
	mu     sync.Mutex
	queue  []message
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// post 入队；队列关闭后返回 false
func (m *mailbox) post(msg message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// drain 取出当前全部消息
func (m *mailbox) drain() []message {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

func (m *mailbox) ready() <-chan struct{} {
	return m.notify
}

// close 丢弃未处理的消息并拒绝后续投递
func (m *mailbox) close() []message {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	q := m.queue
	m.queue = nil
	return q
}

// replyTo 返回请求消息的应答通道
func replyTo(msg message) chan error {
	switch r := msg.(type) {
	case enableRequested:
		return r.done
	case disableRequested:
		return r.done
	case stopRequested:
		return r.done
	}
	return nil
}
