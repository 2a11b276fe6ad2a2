package ws

import (
	"strconv"
	"sync"
	"testing"

	"github.com/coder/websocket"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
	code   websocket.StatusCode
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestRegistryRegister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	conn := &fakeConn{}
	r.Register("ana@example.com", conn)

	if r.Active("ana@example.com") != conn {
		t.Fatal("expected registered connection to be active")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryReplaceClosesPrevious(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := &fakeConn{}
	second := &fakeConn{}
	r.Register("ana@example.com", first)
	r.Register("ana@example.com", second)

	if !first.isClosed() {
		t.Fatal("expected replaced connection to be closed")
	}
	if first.code != websocket.StatusPolicyViolation {
		t.Fatalf("close code = %v", first.code)
	}
	if second.isClosed() {
		t.Fatal("new connection must stay open")
	}

	if r.Unregister("ana@example.com", first) {
		t.Fatal("stale unregister must report false")
	}
	if r.Active("ana@example.com") != second {
		t.Fatal("stale unregister removed the newer connection")
	}
	if !r.Unregister("ana@example.com", second) {
		t.Fatal("expected current connection to unregister")
	}
	if r.Active("ana@example.com") != nil {
		t.Fatal("expected no active connection")
	}
}

func TestRegistryCloseAll(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	conns := []*fakeConn{{}, {}, {}}
	for i, c := range conns {
		r.Register("user"+strconv.Itoa(i)+"@example.com", c)
	}
	r.CloseAll()

	for i, c := range conns {
		if !c.isClosed() {
			t.Fatalf("connection %d not closed", i)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		email := "user" + strconv.Itoa(i) + "@example.com"
		go func() {
			defer wg.Done()
			c := &fakeConn{}
			r.Register(email, c)
			r.Unregister(email, c)
		}()
		go func() {
			defer wg.Done()
			_ = r.Active(email)
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}
