package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/hookrelay/internal/ingest"
	"github.com/angelmondragon/hookrelay/pkg/config"
)

type ingestCall struct {
	source  string
	payload json.RawMessage
	ctxErr  error
}

type stubIngestService struct {
	calls chan ingestCall
}

func (s *stubIngestService) Ingest(ctx context.Context, source string, payload json.RawMessage) (*ingest.Result, error) {
	s.calls <- ingestCall{source: source, payload: payload, ctxErr: ctx.Err()}
	return &ingest.Result{Source: source}, nil
}

func postIncoming(svc ingest.Service, cfg config.DeliveryConfig, source, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/incoming/src", bytes.NewReader([]byte(body)))
	req = withURLParams(req, map[string]string{"source": source})
	resp := httptest.NewRecorder()
	IncomingWebhook(svc, cfg, testLogger()).ServeHTTP(resp, req)
	return resp
}

func TestIncomingWebhookAcceptsAndFansOut(t *testing.T) {
	svc := &stubIngestService{calls: make(chan ingestCall, 1)}

	resp := postIncoming(svc, config.DeliveryConfig{}, "github", `{"action":"push"}`)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	var body map[string]string
	decodeData(t, resp, &body)
	if body["source"] != "github" || body["message"] != "Webhook received and being processed" {
		t.Fatalf("unexpected body %+v", body)
	}

	select {
	case call := <-svc.calls:
		if call.source != "github" || string(call.payload) != `{"action":"push"}` {
			t.Fatalf("unexpected call %+v", call)
		}
		if call.ctxErr != nil {
			t.Fatalf("fan-out context should outlive the request: %v", call.ctxErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fan-out was not started")
	}
}

func TestIncomingWebhookRejectsInvalidJSON(t *testing.T) {
	svc := &stubIngestService{calls: make(chan ingestCall, 1)}

	resp := postIncoming(svc, config.DeliveryConfig{}, "github", `{not json`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	select {
	case <-svc.calls:
		t.Fatal("invalid payload must not be fanned out")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIncomingWebhookRejectsOversizedBody(t *testing.T) {
	svc := &stubIngestService{calls: make(chan ingestCall, 1)}
	body := `{"blob":"` + strings.Repeat("x", 256) + `"}`

	resp := postIncoming(svc, config.DeliveryConfig{MaxPayloadBytes: 64}, "github", body)
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestIncomingWebhookRequiresSource(t *testing.T) {
	resp := postIncoming(&stubIngestService{calls: make(chan ingestCall, 1)}, config.DeliveryConfig{}, "  ", `{}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if code := decodeErrorCode(t, resp); code != "VALIDATION_ERROR" {
		t.Fatalf("unexpected code %s", code)
	}
}
