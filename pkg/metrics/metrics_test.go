package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordUpdate(t *testing.T) {
	updatesTotal.Reset()

	RecordUpdate("sharer", "sent")
	RecordUpdate("sharer", "sent")
	RecordUpdate("sharer", "dropped")

	if got := testutil.ToFloat64(updatesTotal.WithLabelValues("sharer", "sent")); got != 2 {
		t.Errorf("Expected 2 sent updates, got %f", got)
	}
	if got := testutil.ToFloat64(updatesTotal.WithLabelValues("sharer", "dropped")); got != 1 {
		t.Errorf("Expected 1 dropped update, got %f", got)
	}
}

func TestSessionTransition(t *testing.T) {
	sessionsActive.Reset()

	SessionTransition("", "connecting")
	SessionTransition("connecting", "active")
	SessionTransition("active", "idle")

	if got := testutil.ToFloat64(sessionsActive.WithLabelValues("connecting")); got != 0 {
		t.Errorf("Expected 0 connecting sessions, got %f", got)
	}
	if got := testutil.ToFloat64(sessionsActive.WithLabelValues("idle")); got != 1 {
		t.Errorf("Expected 1 idle session, got %f", got)
	}
}

func TestRecordDiff(t *testing.T) {
	RecordDiff(2*time.Millisecond, 3, 100)
	if count := testutil.CollectAndCount(dirtyRatio); count == 0 {
		t.Error("Expected dirty ratio observations")
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := NewRegistry()
	RecordKeyframe("first")
	RecordBytes("tx", 1500)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{"peepcast_keyframes_total", "peepcast_bytes_total", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("Expected %s in exposition", name)
		}
	}
}
