package test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gaspardpetit/framecast/sdk/api/ipc"
	"github.com/gaspardpetit/framecast/sdk/base/view"
	"github.com/gaspardpetit/framecast/server/internal/config"
	"github.com/gaspardpetit/framecast/server/internal/host"
	"github.com/gaspardpetit/framecast/server/internal/server"
	"github.com/gaspardpetit/framecast/server/internal/serverstate"
)

type testHost struct {
	host  *host.Host
	srv   *httptest.Server
	wsURL string
}

func startHost(t *testing.T, cfg config.HostConfig) *testHost {
	t.Helper()
	serverstate.UseStore(serverstate.NewMemoryStore())
	h := host.New(host.Options{ClientKey: cfg.ClientKey, QueueSize: cfg.QueueSize})
	srv := httptest.NewServer(server.New(cfg, h, server.NewRegistry()))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return &testHost{host: h, srv: srv, wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/views/connect"}
}

func (th *testHost) connect(t *testing.T, name, key string) *view.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := view.Connect(ctx, view.Config{URL: th.wsURL, Name: name, ClientKey: key})
	if err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// inbox collects deliveries from any number of handlers.
type inbox struct {
	mu  sync.Mutex
	got []string
}

func (b *inbox) handler(label string) func(ipc.Envelope) {
	return func(env ipc.Envelope) {
		var s string
		_ = env.Arg(0, &s)
		b.mu.Lock()
		b.got = append(b.got, label+":"+s)
		b.mu.Unlock()
	}
}

func (b *inbox) list() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.got...)
}

func (b *inbox) count() int { return len(b.list()) }

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	for i := 0; i < 250; i++ {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
