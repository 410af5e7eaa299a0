package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusConflict, ErrorResponse{Code: "UPDATE_IN_PROGRESS", Message: "busy"})

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=UTF-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["code"] != "UPDATE_IN_PROGRESS" {
		t.Errorf("code = %v", body["code"])
	}
	if hints, ok := body["hints"].([]interface{}); !ok || len(hints) != 0 {
		t.Errorf("hints = %v, want empty array", body["hints"])
	}
	if _, ok := body["details"]; ok {
		t.Error("details should be omitted when empty")
	}
}
