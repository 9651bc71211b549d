package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeApplier struct {
	err      error
	lastBody []byte
}

func (f *fakeApplier) ApplyWebhookPayload(ctx context.Context, body []byte) error {
	f.lastBody = body
	return f.err
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestReceiver(applier Applier) *Receiver {
	return New(Config{Secret: "shh", Applier: applier})
}

func TestHandleRejectsInvalidSignature(t *testing.T) {
	applier := &fakeApplier{}
	r := newTestReceiver(applier)
	body := []byte(`{"event":"issue_updated"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Orca-Signature", "sha256=deadbeef")
	rr := httptest.NewRecorder()

	r.handle(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestHandleAcceptsValidSignature(t *testing.T) {
	applier := &fakeApplier{}
	r := newTestReceiver(applier)
	body := []byte(`{"event":"issue_updated"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Orca-Signature", sign("shh", body))
	rr := httptest.NewRecorder()

	r.handle(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if string(applier.lastBody) != string(body) {
		t.Fatalf("applier received %q, want %q", applier.lastBody, body)
	}
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	applier := &fakeApplier{err: errors.New("webhook issue_deleted missing issue.key")}
	r := newTestReceiver(applier)
	body := []byte(`{"event":"issue_deleted"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Orca-Signature", sign("shh", body))
	rr := httptest.NewRecorder()

	r.handle(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHandleAcceptsTransientApplierErrorAsOK(t *testing.T) {
	applier := &fakeApplier{err: errors.New("refetch issue EMI-6: connection refused")}
	r := newTestReceiver(applier)
	body := []byte(`{"event":"issue_updated"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Orca-Signature", sign("shh", body))
	rr := httptest.NewRecorder()

	r.handle(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 even on a transient apply error (poller will retry), got %d", rr.Code)
	}
}

func TestHandleRejectsEmptyBody(t *testing.T) {
	applier := &fakeApplier{}
	r := newTestReceiver(applier)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(""))
	req.Header.Set("X-Orca-Signature", sign("shh", nil))
	rr := httptest.NewRecorder()

	r.handle(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rr.Code)
	}
}

func TestHandleRejectsNonPost(t *testing.T) {
	applier := &fakeApplier{}
	r := newTestReceiver(applier)

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rr := httptest.NewRecorder()

	r.handle(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}
