package integration

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// originStub 模拟被缓存的单页应用源站，记录每次请求的路径，
// Close 之后所有请求都会因连接失败而进入离线分支。
type originStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	requests []string
	version  string
}

func newOriginStub(t *testing.T, version string) *originStub {
	t.Helper()

	stub := &originStub{version: version}
	mux := http.NewServeMux()
	mux.HandleFunc("/", stub.serve)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start origin listener: %v", err)
	}
	server := &http.Server{Handler: mux}
	stub.server = server
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = server.Serve(listener)
	}()
	return stub
}

func (s *originStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.RequestURI())
	version := s.version
	s.mu.Unlock()

	switch r.URL.Path {
	case "/", "/index.html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>shell " + version + "</html>"))
	case "/app.js":
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = w.Write([]byte("console.log('" + version + "')"))
	case "/manifest.webmanifest":
		w.Header().Set("Content-Type", "application/manifest+json")
		_, _ = w.Write([]byte(`{"name":"shell"}`))
	case "/api/data":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	case "/partial":
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("part"))
	default:
		http.NotFound(w, r)
	}
}

// Requests 返回收到的请求路径副本。
func (s *originStub) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Count 统计某个路径被请求的次数。
func (s *originStub) Count(path string) int {
	count := 0
	for _, p := range s.Requests() {
		if p == path {
			count++
		}
	}
	return count
}

func (s *originStub) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	_ = s.listener.Close()
}
