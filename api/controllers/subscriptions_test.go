package controllers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	subsvc "github.com/angelmondragon/hookrelay/internal/subscriptions"
	"github.com/angelmondragon/hookrelay/pkg/db/models"
	pkgerrors "github.com/angelmondragon/hookrelay/pkg/errors"
)

type stubSubscriptionsService struct {
	subscribeInput subsvc.SubscribeInput
	subscribeResp  *subsvc.SubscribeResult
	subscribeErr   error
	listResp       []models.Subscription
	deactivated    uuid.UUID
	deleted        uuid.UUID
	err            error
}

func (s *stubSubscriptionsService) Subscribe(_ context.Context, input subsvc.SubscribeInput) (*subsvc.SubscribeResult, error) {
	s.subscribeInput = input
	return s.subscribeResp, s.subscribeErr
}

func (s *stubSubscriptionsService) List(context.Context, uuid.UUID) ([]models.Subscription, error) {
	return s.listResp, s.err
}

func (s *stubSubscriptionsService) Get(_ context.Context, userID, id uuid.UUID) (*models.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.Subscription{ID: id, UserID: userID, Active: true}, nil
}

func (s *stubSubscriptionsService) Deactivate(_ context.Context, _ uuid.UUID, id uuid.UUID) error {
	s.deactivated = id
	return s.err
}

func (s *stubSubscriptionsService) Delete(_ context.Context, _ uuid.UUID, id uuid.UUID) error {
	s.deleted = id
	return s.err
}

func postSubscribe(t *testing.T, svc subsvc.Service, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/subscribe", bytes.NewReader([]byte(body)))
	req = asUser(req, uuid.NewString())
	resp := httptest.NewRecorder()
	Subscribe(svc, testLogger()).ServeHTTP(resp, req)
	return resp
}

func TestSubscribeCreated(t *testing.T) {
	svc := &stubSubscriptionsService{subscribeResp: &subsvc.SubscribeResult{
		Subscription: models.Subscription{ID: uuid.New(), Source: "github", CallbackURL: "https://example.com/hook", Active: true},
	}}

	resp := postSubscribe(t, svc, `{"source":"github","callbackUrl":"https://example.com/hook"}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	if svc.subscribeInput.Source != "github" || svc.subscribeInput.CallbackURL != "https://example.com/hook" {
		t.Fatalf("unexpected input %+v", svc.subscribeInput)
	}
	if svc.subscribeInput.UserID == uuid.Nil {
		t.Fatal("caller id should be forwarded")
	}

	var result subsvc.SubscribeResult
	decodeData(t, resp, &result)
	if result.Reactivated || result.Subscription.Source != "github" {
		t.Fatalf("unexpected body %+v", result)
	}
}

func TestSubscribeReactivatedReturnsOK(t *testing.T) {
	svc := &stubSubscriptionsService{subscribeResp: &subsvc.SubscribeResult{
		Subscription: models.Subscription{ID: uuid.New(), Active: true},
		Reactivated:  true,
	}}

	resp := postSubscribe(t, svc, `{"source":"github","callbackUrl":"https://example.com/hook"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestSubscribeValidation(t *testing.T) {
	cases := map[string]string{
		"missing source": `{"callbackUrl":"https://example.com/hook"}`,
		"bad url":        `{"source":"github","callbackUrl":"not a url"}`,
		"unknown field":  `{"source":"github","callbackUrl":"https://example.com/hook","extra":1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			svc := &stubSubscriptionsService{}
			resp := postSubscribe(t, svc, body)
			if resp.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.Code)
			}
			if svc.subscribeInput.Source != "" {
				t.Fatal("service should not be invoked")
			}
		})
	}
}

func TestSubscribeConflict(t *testing.T) {
	svc := &stubSubscriptionsService{subscribeErr: pkgerrors.New(pkgerrors.CodeConflict, "Subscription already exists")}

	resp := postSubscribe(t, svc, `{"source":"github","callbackUrl":"https://example.com/hook"}`)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
	if code := decodeErrorCode(t, resp); code != string(pkgerrors.CodeConflict) {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestSubscribeRequiresCaller(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/subscribe", bytes.NewReader([]byte(`{}`)))
	resp := httptest.NewRecorder()
	Subscribe(&stubSubscriptionsService{}, testLogger()).ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestListSubscriptions(t *testing.T) {
	svc := &stubSubscriptionsService{listResp: []models.Subscription{{ID: uuid.New()}, {ID: uuid.New()}}}
	req := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/subscriptions", nil), uuid.NewString())
	resp := httptest.NewRecorder()
	ListSubscriptions(svc, testLogger()).ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body struct {
		Count         int                   `json:"count"`
		Subscriptions []models.Subscription `json:"subscriptions"`
	}
	decodeData(t, resp, &body)
	if body.Count != 2 || len(body.Subscriptions) != 2 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestUnsubscribeAndDelete(t *testing.T) {
	id := uuid.New()
	svc := &stubSubscriptionsService{}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/webhooks/unsubscribe/"+id.String(), nil)
	req = withURLParams(asUser(req, uuid.NewString()), map[string]string{"subscriptionId": id.String()})
	resp := httptest.NewRecorder()
	Unsubscribe(svc, testLogger()).ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || svc.deactivated != id {
		t.Fatalf("deactivate: code=%d id=%s", resp.Code, svc.deactivated)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/webhooks/subscriptions/"+id.String(), nil)
	req = withURLParams(asUser(req, uuid.NewString()), map[string]string{"subscriptionId": id.String()})
	resp = httptest.NewRecorder()
	DeleteSubscription(svc, testLogger()).ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || svc.deleted != id {
		t.Fatalf("delete: code=%d id=%s", resp.Code, svc.deleted)
	}
}

func TestSubscriptionByIDRejectsBadID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/subscriptions/nope", nil)
	req = withURLParams(asUser(req, uuid.NewString()), map[string]string{"subscriptionId": "nope"})
	resp := httptest.NewRecorder()
	GetSubscription(&stubSubscriptionsService{}, testLogger()).ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestSubscriptionNotFound(t *testing.T) {
	id := uuid.NewString()
	svc := &stubSubscriptionsService{err: pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")}
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/webhooks/unsubscribe/"+id, nil)
	req = withURLParams(asUser(req, uuid.NewString()), map[string]string{"subscriptionId": id})
	resp := httptest.NewRecorder()
	Unsubscribe(svc, testLogger()).ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
