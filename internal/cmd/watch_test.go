package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adamancini/kioskd/internal/broadcast"
	"github.com/adamancini/kioskd/internal/output"
	"github.com/adamancini/kioskd/internal/types"
)

// wsService sends msgs to each connection, then holds it open until the
// client goes away.
func wsService(t *testing.T, msgs ...interface{}) *apiClient {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range msgs {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return newAPIClient(srv.URL)
}

func statusMessage(state types.UpdateState, message string, progress int, errText string) broadcast.StatusMessage {
	return broadcast.StatusMessage{
		Type: broadcast.TypeUpdateStatus,
		Status: broadcast.Status{
			Status:    state,
			Message:   message,
			Progress:  progress,
			Error:     errText,
			Timestamp: time.Now().UTC(),
		},
	}
}

func TestRunWatch_UntilSuccess(t *testing.T) {
	client := wsService(t,
		statusMessage(types.StateUpdating, "Validating update script", 5, ""),
		map[string]string{"type": "somethingNew"},
		broadcast.ShutdownNotice{
			Type:                  broadcast.TypeServerShutdown,
			Message:               "Server is restarting for an update",
			ExpectedDowntime:      "1-2 minutes",
			ReconnectInstructions: "Reload the page once the service is back",
		},
		statusMessage(types.StateUpdating, "Installing", 40, ""),
		statusMessage(types.StateSuccess, "Update completed successfully", 100, ""),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var buf bytes.Buffer
	if err := runWatch(ctx, output.NewWriter(&buf, output.FormatText), client, watchOptions{untilDone: true}); err != nil {
		t.Fatalf("runWatch failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"Validating update script",
		"Expected downtime: 1-2 minutes",
		"Installing",
		"Update completed successfully",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if ctx.Err() != nil {
		t.Error("runWatch returned only after the deadline")
	}
}

func TestRunWatch_FailedRun(t *testing.T) {
	client := wsService(t,
		statusMessage(types.StateUpdating, "Validating update script", 5, ""),
		statusMessage(types.StateError, "Update failed", 0, "update script not found"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var buf bytes.Buffer
	err := runWatch(ctx, output.NewWriter(&buf, output.FormatText), client, watchOptions{untilDone: true})
	if err == nil || !strings.Contains(err.Error(), "update failed") {
		t.Fatalf("runWatch error = %v, want update failed", err)
	}
	if !strings.Contains(buf.String(), "update script not found") {
		t.Errorf("output missing error detail:\n%s", buf.String())
	}
}

func TestRunWatch_StopsOnCancel(t *testing.T) {
	client := wsService(t, statusMessage(types.StateIdle, "No update in progress", 0, ""))

	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- runWatch(ctx, output.NewWriter(&buf, output.FormatJSON).Compact(), client, watchOptions{})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runWatch error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runWatch did not stop after cancel")
	}
}

func TestRunWatch_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	err := runWatch(context.Background(), output.NewWriter(&bytes.Buffer{}, output.FormatText), newAPIClient(base), watchOptions{})
	if err == nil || !strings.Contains(err.Error(), "failed to connect") {
		t.Errorf("runWatch error = %v, want connect failure", err)
	}
}
