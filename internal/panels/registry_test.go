package panels

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/panelgrid/panelgrid/pkg/models"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// fakeConn counts sends and closes.
type fakeConn struct {
	sends  int32
	closed int32
}

func (c *fakeConn) Send(_ context.Context, _ models.Command) error {
	atomic.AddInt32(&c.sends, 1)
	return nil
}

func (c *fakeConn) Close() error {
	atomic.AddInt32(&c.closed, 1)
	return nil
}

func TestUpsertAndGet(t *testing.T) {
	reg := New(testLogger())
	epoch := reg.Epoch()

	if !reg.Upsert(epoch, models.Panel{Address: "192.168.1.10", Model: "PG-4"}, &fakeConn{}) {
		t.Fatal("Upsert() with current epoch rejected")
	}

	entry, ok := reg.Get("192.168.1.10")
	if !ok {
		t.Fatal("Get() did not find upserted panel")
	}
	if entry.Panel.Model != "PG-4" {
		t.Errorf("Model = %q, want PG-4", entry.Panel.Model)
	}
	if entry.LastSeen.IsZero() {
		t.Error("LastSeen not set on upsert")
	}
}

func TestUpsertOverwrites(t *testing.T) {
	reg := New(testLogger())
	epoch := reg.Epoch()

	old := &fakeConn{}
	reg.Upsert(epoch, models.Panel{Address: "192.168.1.10", Name: "old"}, old)
	reg.Upsert(epoch, models.Panel{Address: "192.168.1.10", Name: "new"}, &fakeConn{})

	entry, _ := reg.Get("192.168.1.10")
	if entry.Panel.Name != "new" {
		t.Errorf("Name = %q, want new", entry.Panel.Name)
	}
	if atomic.LoadInt32(&old.closed) != 1 {
		t.Error("replaced connection was not closed")
	}
	if len(reg.All()) != 1 {
		t.Errorf("All() = %d entries, want 1", len(reg.All()))
	}
}

func TestResetClearsEntriesAndClosesConns(t *testing.T) {
	reg := New(testLogger())
	epoch := reg.Epoch()
	conn := &fakeConn{}
	reg.Upsert(epoch, models.Panel{Address: "192.168.1.10"}, conn)

	reg.Reset()

	if got := len(reg.All()); got != 0 {
		t.Errorf("All() after Reset = %d entries, want 0", got)
	}
	if atomic.LoadInt32(&conn.closed) != 1 {
		t.Error("connection not closed by Reset")
	}

	// Idempotent: a second reset on an empty registry is fine.
	reg.Reset()
	if got := len(reg.All()); got != 0 {
		t.Errorf("All() after second Reset = %d entries, want 0", got)
	}
}

func TestStaleEpochUpsertDropped(t *testing.T) {
	reg := New(testLogger())
	stale := reg.Epoch()
	reg.Reset()

	conn := &fakeConn{}
	if reg.Upsert(stale, models.Panel{Address: "192.168.1.20"}, conn) {
		t.Fatal("Upsert() with superseded epoch accepted")
	}
	if _, ok := reg.Get("192.168.1.20"); ok {
		t.Error("stale upsert is visible in registry")
	}
	if atomic.LoadInt32(&conn.closed) != 1 {
		t.Error("stale upsert's connection not closed")
	}
}

func TestHandleInvalidatedByReset(t *testing.T) {
	reg := New(testLogger())
	conn := &fakeConn{}
	reg.Upsert(reg.Epoch(), models.Panel{Address: "192.168.1.30"}, conn)

	h, ok := reg.Handle("192.168.1.30")
	if !ok {
		t.Fatal("Handle() not found for registered panel")
	}

	if err := h.Send(context.Background(), models.Command{Op: "ping"}); err != nil {
		t.Fatalf("Send() before reset error = %v", err)
	}
	if atomic.LoadInt32(&conn.sends) != 1 {
		t.Error("command did not reach connection")
	}

	reg.Reset()

	if err := h.Send(context.Background(), models.Command{Op: "ping"}); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Send() after reset error = %v, want ErrStaleHandle", err)
	}
}

func TestHandleUnknownAddress(t *testing.T) {
	reg := New(testLogger())
	if _, ok := reg.Handle("10.0.0.1"); ok {
		t.Error("Handle() found entry for unknown address")
	}
}
