package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"citrus-guidance-backend/internal/services"
)

const testTurnID = "fa4dfbe0-c3bf-47bd-b32f-d7de221cf43b"

func newFeedbackRouter(fb *fakeFeedbackService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(&fakeChatService{}, &fakeRetentionService{}, nil, fb)
	r := gin.New()
	r.POST("/messages/:id/feedback", h.LeaveFeedback)
	return r
}

func postFeedback(r *gin.Engine, turnID, sessionHeader, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/messages/"+turnID+"/feedback", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionHeader != "" {
		req.Header.Set("X-Session-ID", sessionHeader)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestLeaveFeedback_Happy(t *testing.T) {
	fb := &fakeFeedbackService{}
	r := newFeedbackRouter(fb)

	w := postFeedback(r, testTurnID, "farmer-042", `{"value":1}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if w.Body.Len() != 0 {
		t.Fatalf("204 must have no body")
	}
	if fb.gotSession != "farmer-042" || fb.gotTurn != testTurnID || fb.gotValue != 1 {
		t.Fatalf("service got %q %q %d", fb.gotSession, fb.gotTurn, fb.gotValue)
	}

	w = postFeedback(r, testTurnID, "farmer-042", `{"value":-1}`)
	if w.Code != http.StatusNoContent || fb.gotValue != -1 {
		t.Fatalf("negative feedback: status=%d value=%d", w.Code, fb.gotValue)
	}
}

func TestLeaveFeedback_InvalidPayload(t *testing.T) {
	r := newFeedbackRouter(&fakeFeedbackService{})

	for _, body := range []string{`{"value":0}`, `{"value":2}`, `{}`, `not json`} {
		w := postFeedback(r, testTurnID, "farmer-042", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d; want 400", body, w.Code)
		}
	}
}

func TestLeaveFeedback_MissingOrBadSessionHeader(t *testing.T) {
	r := newFeedbackRouter(&fakeFeedbackService{})

	w := postFeedback(r, testTurnID, "", `{"value":1}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing header: status = %d; want 400", w.Code)
	}
	w = postFeedback(r, testTurnID, "has space", `{"value":1}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid header: status = %d; want 400", w.Code)
	}
}

func TestLeaveFeedback_NonUUIDTurn(t *testing.T) {
	r := newFeedbackRouter(&fakeFeedbackService{})

	w := postFeedback(r, "not-a-uuid", "farmer-042", `{"value":1}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
}

func TestLeaveFeedback_ServiceErrors(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		status   int
		wantCode string
	}{
		{"not found", services.ErrTurnNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"forbidden", services.ErrForbiddenFeedback, http.StatusForbidden, ErrCodeForbidden},
		{"duplicate", services.ErrDuplicateFeedback, http.StatusConflict, ErrCodeConflict},
		{"invalid", services.ErrInvalidFeedback, http.StatusBadRequest, ErrCodeBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newFeedbackRouter(&fakeFeedbackService{err: tc.err})
			w := postFeedback(r, testTurnID, "farmer-042", `{"value":1}`)
			if w.Code != tc.status {
				t.Fatalf("status = %d; want %d", w.Code, tc.status)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Code != tc.wantCode {
				t.Fatalf("unexpected error body: %s", w.Body.String())
			}
		})
	}
}
