package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/houzhh15/pvasec/logging"
)

// Event SSE 事件
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent 创建新事件
func NewEvent(eventType string, data interface{}) *Event {
	return &Event{Type: eventType, Data: data, Timestamp: time.Now()}
}

// SSEClient SSE 客户端连接
type SSEClient struct {
	ID      string
	Topic   string
	Channel chan *Event
	Done    chan struct{}
	once    sync.Once
}

func (c *SSEClient) close() {
	c.once.Do(func() { close(c.Done) })
}

// sseServer 按主题分组的 SSE 推送服务器
type sseServer struct {
	mu        sync.RWMutex
	topics    map[string]map[string]*SSEClient
	logger    logging.Logger
	heartbeat time.Duration
	stopChan  chan struct{}
	stopped   bool // mu 保护；置位后不再接受订阅
	wg        sync.WaitGroup
}

// ErrSSEStopped 服务器已停止，不再接受订阅
var ErrSSEStopped = errors.New("sse server stopped")

// NewSSEServer 创建 SSE 服务器
func NewSSEServer(logger logging.Logger, heartbeat time.Duration) SSEServer {
	if heartbeat == 0 {
		heartbeat = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &sseServer{
		topics:    make(map[string]map[string]*SSEClient),
		logger:    logger,
		heartbeat: heartbeat,
		stopChan:  make(chan struct{}),
	}
}

// Stop 断开全部订阅者并等待 Subscribe 返回
func (s *sseServer) Stop() error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Subscribe 处理客户端订阅（阻塞式，保持连接）
func (s *sseServer) Subscribe(ctx context.Context, topic, clientID string, w http.ResponseWriter, initial ...*Event) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported")
	}

	client := &SSEClient{
		ID:      clientID,
		Topic:   topic,
		Channel: make(chan *Event, 10),
		Done:    make(chan struct{}),
	}
	if err := s.add(client); err != nil {
		return err
	}
	defer func() {
		s.remove(client)
		client.close()
		s.wg.Done()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
	w.WriteHeader(http.StatusOK)

	s.logger.Debug("SSE client connected", "topic", topic, "client_id", clientID)

	fmt.Fprint(w, ": connected\n\n")
	for _, ev := range initial {
		if err := writeEvent(w, ev); err != nil {
			return err
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// 心跳（SSE 注释格式）
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()

		case ev := <-client.Channel:
			if err := writeEvent(w, ev); err != nil {
				s.logger.Error("Failed to send event", "client_id", clientID, "error", err)
				return err
			}
			flusher.Flush()

		case <-client.Done:
			s.logger.Warn("SSE client too slow, disconnected", "topic", topic, "client_id", clientID)
			return nil

		case <-ctx.Done():
			s.logger.Debug("SSE client disconnected", "topic", topic, "client_id", clientID)
			return nil

		case <-s.stopChan:
			return nil
		}
	}
}

// add 登记客户端；wg.Add 与 stopped 检查在同一把锁内，Stop 的 Wait 不会漏掉它
func (s *sseServer) add(c *SSEClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSSEStopped
	}
	s.wg.Add(1)
	clients, ok := s.topics[c.Topic]
	if !ok {
		clients = make(map[string]*SSEClient)
		s.topics[c.Topic] = clients
	}
	clients[c.ID] = c
	sseSubscribers.Inc()
	return nil
}

func (s *sseServer) remove(c *SSEClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients := s.topics[c.Topic]
	if clients[c.ID] != c {
		return
	}
	delete(clients, c.ID)
	if len(clients) == 0 {
		delete(s.topics, c.Topic)
	}
	sseSubscribers.Dec()
}

// Publish 推送事件；通道已满的客户端被断开，由其自行重新订阅
func (s *sseServer) Publish(topic string, event *Event) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	delivered := 0
	for _, client := range s.topics[topic] {
		select {
		case client.Channel <- event:
			delivered++
		default:
			client.close()
		}
	}
	return delivered
}

// Subscribers 主题当前订阅者数
func (s *sseServer) Subscribers(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[topic])
}

// writeEvent 格式：event: <type>\ndata: <json>\n\n
func writeEvent(w http.ResponseWriter, event *Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
