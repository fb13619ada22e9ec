package transport

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var typ, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && data != "":
			return typ, data
		case strings.HasPrefix(line, "event: "):
			typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSSEServer_PublishToTopic(t *testing.T) {
	sse := NewSSEServer(nil, time.Hour)
	defer sse.Stop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		topic := r.URL.Query().Get("topic")
		sse.Subscribe(r.Context(), topic, r.RemoteAddr, w, NewEvent("status", map[string]string{"initial": topic}))
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?topic=a")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	typ, data := readEvent(t, reader)
	assert.Equal(t, "status", typ)
	assert.JSONEq(t, `{"initial":"a"}`, data)

	require.Eventually(t, func() bool { return sse.Subscribers("a") == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, sse.Publish("b", NewEvent("status", "ignored")))
	assert.Equal(t, 1, sse.Publish("a", NewEvent("status", "update")))

	typ, data = readEvent(t, reader)
	assert.Equal(t, "status", typ)
	assert.Equal(t, `"update"`, data)
}

func TestSSEServer_ClientDisconnect(t *testing.T) {
	sse := NewSSEServer(nil, time.Hour)
	defer sse.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	rec := newFlushRecorder()
	done := make(chan error, 1)
	go func() { done <- sse.Subscribe(ctx, "t", "c1", rec) }()

	require.Eventually(t, func() bool { return sse.Subscribers("t") == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Subscribe did not return")
	}
	assert.Equal(t, 0, sse.Subscribers("t"))
}

func TestSSEServer_Stop(t *testing.T) {
	sse := NewSSEServer(nil, time.Hour)

	rec := newFlushRecorder()
	done := make(chan error, 1)
	go func() { done <- sse.Subscribe(context.Background(), "t", "c1", rec) }()
	require.Eventually(t, func() bool { return sse.Subscribers("t") == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sse.Stop())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Subscribe did not return after Stop")
	}

	late := newFlushRecorder()
	assert.ErrorIs(t, sse.Subscribe(context.Background(), "t", "late", late), ErrSSEStopped)
	assert.Equal(t, 0, sse.Subscribers("t"))
	assert.Empty(t, late.Header().Get("Content-Type"), "no stream is opened after Stop")
}

func TestSSEServer_SubscribeRacesStop(t *testing.T) {
	for i := 0; i < 20; i++ {
		sse := NewSSEServer(nil, time.Hour)

		const clients = 8
		var wg sync.WaitGroup
		results := make(chan error, clients)
		for j := 0; j < clients; j++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				results <- sse.Subscribe(context.Background(), "t", fmt.Sprintf("c%d", id), newFlushRecorder())
			}(j)
		}

		stopped := make(chan struct{})
		go func() {
			sse.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Fatal("Stop did not return")
		}
		// Stop 返回后不应再有仍在运行的订阅
		assert.Equal(t, 0, sse.Subscribers("t"))

		wg.Wait()
		close(results)
		for err := range results {
			if err != nil {
				assert.ErrorIs(t, err, ErrSSEStopped)
			}
		}
	}
}

// flushRecorder 并发安全的 ResponseWriter + Flusher
type flushRecorder struct {
	*httptest.ResponseRecorder
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
}

func (f *flushRecorder) Flush() {}
