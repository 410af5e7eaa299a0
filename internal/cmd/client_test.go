package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adamancini/kioskd/internal/broadcast"
	"github.com/adamancini/kioskd/internal/output"
	"github.com/adamancini/kioskd/internal/server"
	"github.com/adamancini/kioskd/internal/types"
	"github.com/adamancini/kioskd/internal/update"
)

// fakeService answers the API endpoints the CLI uses.
type fakeService struct {
	check  update.CheckResult
	status broadcast.Status

	mu        sync.Mutex
	performed int
	userAgent string
}

func (f *fakeService) performCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.performed
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/update/check", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.userAgent = r.Header.Get("User-Agent")
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(f.check)
	})
	mux.HandleFunc("/api/update/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(f.status)
	})
	mux.HandleFunc("/api/update/perform", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.performed++
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(server.PerformResponse{Started: true, TargetVersion: f.check.RemoteVersion})
	})
	return mux
}

func newFakeService(t *testing.T, f *fakeService) *apiClient {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return newAPIClient(srv.URL)
}

func availableResult() update.CheckResult {
	return update.CheckResult{
		UpdateAvailable:  true,
		LocalVersion:     "v1.0.0",
		RemoteVersion:    "v1.1.0",
		ComparisonMethod: types.ComparisonRelease,
	}
}

func TestAPIClient_Get(t *testing.T) {
	f := &fakeService{check: availableResult()}
	client := newFakeService(t, f)

	var result update.CheckResult
	if err := client.get(context.Background(), "/api/update/check", &result); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if result.RemoteVersion != "v1.1.0" {
		t.Errorf("RemoteVersion = %q, want v1.1.0", result.RemoteVersion)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.HasPrefix(f.userAgent, "kioskd-cli/") {
		t.Errorf("User-Agent = %q, want kioskd-cli/ prefix", f.userAgent)
	}
}

func TestAPIClient_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"code":"UPDATE_IN_PROGRESS","message":"An update is already running","hints":["Watch progress with kioskd watch"]}`)
	}))
	defer srv.Close()

	err := newAPIClient(srv.URL).post(context.Background(), "/api/update/perform", nil)

	var reqErr *requestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("error = %v, want *requestError", err)
	}
	if reqErr.Status != http.StatusConflict {
		t.Errorf("Status = %d, want 409", reqErr.Status)
	}
	if reqErr.Code != "UPDATE_IN_PROGRESS" {
		t.Errorf("Code = %q, want UPDATE_IN_PROGRESS", reqErr.Code)
	}
	if !strings.Contains(err.Error(), "hint: Watch progress") {
		t.Errorf("Error() = %q, missing hint", err.Error())
	}
}

func TestAPIClient_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newAPIClient(srv.URL).get(context.Background(), "/api/version", nil)

	var reqErr *requestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("error = %v, want *requestError", err)
	}
	if reqErr.Code != "HTTP_502" {
		t.Errorf("Code = %q, want HTTP_502", reqErr.Code)
	}
}

func TestAPIClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	err := newAPIClient(base).get(context.Background(), "/api/version", nil)
	if err == nil || !strings.Contains(err.Error(), "failed to reach kioskd") {
		t.Errorf("error = %v, want unreachable error", err)
	}
}

func TestRunRemoteCheck(t *testing.T) {
	t.Run("available", func(t *testing.T) {
		client := newFakeService(t, &fakeService{check: availableResult()})
		var buf bytes.Buffer

		if err := runRemoteCheck(context.Background(), output.NewWriter(&buf, output.FormatText), client); err != nil {
			t.Fatalf("runRemoteCheck failed: %v", err)
		}
		if !strings.Contains(buf.String(), "Latest version: v1.1.0 available") {
			t.Errorf("output = %q", buf.String())
		}
	})

	t.Run("failed check", func(t *testing.T) {
		result := update.CheckResult{
			LocalVersion:  "v1.0.0",
			RemoteVersion: update.UnknownVersion,
			Error:         &update.CheckError{Code: update.ErrCodeRateLimit, Message: "GitHub API rate limit exceeded"},
		}
		client := newFakeService(t, &fakeService{check: result})
		var buf bytes.Buffer

		err := runRemoteCheck(context.Background(), output.NewWriter(&buf, output.FormatJSON), client)
		if !errors.Is(err, errCheckFailed) {
			t.Fatalf("error = %v, want errCheckFailed", err)
		}
		if !strings.Contains(buf.String(), `"RATE_LIMIT_EXCEEDED"`) {
			t.Errorf("output missing error code: %s", buf.String())
		}
	})
}

func TestRunStatus(t *testing.T) {
	status := broadcast.Status{
		Status:    types.StateUpdating,
		Message:   "Running update script",
		Progress:  40,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	client := newFakeService(t, &fakeService{status: status})
	var buf bytes.Buffer

	if err := runStatus(context.Background(), output.NewWriter(&buf, output.FormatJSON), client); err != nil {
		t.Fatalf("runStatus failed: %v", err)
	}

	var got broadcast.Status
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if got.Status != types.StateUpdating || got.Progress != 40 {
		t.Errorf("status = %+v", got)
	}
}

func TestRunApply(t *testing.T) {
	approve := func(*update.CheckResult) error { return nil }
	decline := func(*update.CheckResult) error { return errDeclined }

	t.Run("starts update", func(t *testing.T) {
		f := &fakeService{check: availableResult()}
		client := newFakeService(t, f)
		var buf bytes.Buffer

		if err := runApply(context.Background(), output.NewWriter(&buf, output.FormatText), client, approve, false); err != nil {
			t.Fatalf("runApply failed: %v", err)
		}
		if f.performCount() != 1 {
			t.Errorf("perform called %d times, want 1", f.performCount())
		}
		if !strings.Contains(buf.String(), "Update to v1.1.0 started") {
			t.Errorf("output = %q", buf.String())
		}
	})

	t.Run("declined", func(t *testing.T) {
		f := &fakeService{check: availableResult()}
		client := newFakeService(t, f)
		var buf bytes.Buffer

		if err := runApply(context.Background(), output.NewWriter(&buf, output.FormatText), client, decline, false); err != nil {
			t.Fatalf("runApply failed: %v", err)
		}
		if f.performCount() != 0 {
			t.Errorf("perform called after decline")
		}
	})

	t.Run("nothing to apply", func(t *testing.T) {
		result := availableResult()
		result.UpdateAvailable = false
		result.RemoteVersion = result.LocalVersion
		f := &fakeService{check: result}
		client := newFakeService(t, f)
		var buf bytes.Buffer

		if err := runApply(context.Background(), output.NewWriter(&buf, output.FormatText), client, approve, false); err != nil {
			t.Fatalf("runApply failed: %v", err)
		}
		if f.performCount() != 0 {
			t.Errorf("perform called without an update")
		}
		if !strings.Contains(buf.String(), "Already running latest version") {
			t.Errorf("output = %q", buf.String())
		}
	})

	t.Run("not interactive", func(t *testing.T) {
		f := &fakeService{check: availableResult()}
		client := newFakeService(t, f)
		refuse := func(*update.CheckResult) error { return errNotInteractive }

		err := runApply(context.Background(), output.NewWriter(io.Discard, output.FormatText), client, refuse, false)
		if !errors.Is(err, errNotInteractive) {
			t.Errorf("error = %v, want errNotInteractive", err)
		}
	})
}

func TestConfirmer(t *testing.T) {
	result := availableResult()

	tests := []struct {
		name  string
		input string
		yes   bool
		want  error
	}{
		{"yes flag", "", true, nil},
		{"confirmed", "y\n", false, nil},
		{"declined", "n\n", false, errDeclined},
		{"empty answer", "\n", false, errDeclined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := confirmer(strings.NewReader(tt.input), &out, tt.yes)(&result)
			if !errors.Is(err, tt.want) {
				t.Errorf("confirm() = %v, want %v", err, tt.want)
			}
		})
	}
}
