package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clowdr-app/clowdr-broadcast/internal/notify"
	"github.com/clowdr-app/clowdr-broadcast/internal/reactor"
)

type fakeSyncer struct {
	calls int
	err   error
}

func (f *fakeSyncer) SyncAll(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeLifecycle struct {
	ensureCalls int
	stopCalls   int
	ensureErr   error
	stopErr     error
}

func (f *fakeLifecycle) EnsureUpcomingChannels(ctx context.Context) error {
	f.ensureCalls++
	return f.ensureErr
}

func (f *fakeLifecycle) StopIdleChannels(ctx context.Context) error {
	f.stopCalls++
	return f.stopErr
}

type fakeReactor struct {
	stateChanges []*reactor.ChannelStateChange
	harvests     []*reactor.HarvestJob
}

func (f *fakeReactor) HandleChannelStateChange(ctx context.Context, change *reactor.ChannelStateChange) error {
	f.stateChanges = append(f.stateChanges, change)
	return nil
}

func (f *fakeReactor) HandleHarvestJob(ctx context.Context, job *reactor.HarvestJob) error {
	f.harvests = append(f.harvests, job)
	return nil
}

const (
	testSecret     = "test-secret"
	stateTopic     = "arn:aws:sns:us-east-1:123456789012:channel-state"
	harvestTopic   = "arn:aws:sns:us-east-1:123456789012:harvest"
	stateChangeDoc = `{"detail-type":"MediaLive Channel State Change","detail":{"channel_arn":"arn:aws:medialive:us-east-1:123456789012:channel:42","state":"RUNNING"}}`
)

func newTestServer(sync *fakeSyncer, lc *fakeLifecycle, react *fakeReactor) http.Handler {
	srv := New(sync, lc, react, nil, Config{
		SyncSecret:      testSecret,
		StateTopicARN:   stateTopic,
		HarvestTopicARN: harvestTopic,
		VerifySNS:       false,
	})
	return srv.Router()
}

func TestSyncRequiresSecret(t *testing.T) {
	sync := &fakeSyncer{}
	lc := &fakeLifecycle{}
	router := newTestServer(sync, lc, &fakeReactor{})

	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 without secret, got %d", rec.Code)
	}
	if sync.calls != 0 || lc.ensureCalls != 0 {
		t.Error("no passes should run without the secret")
	}

	req = httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set(syncSecretHeader, "wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 with wrong secret, got %d", rec.Code)
	}
}

func TestSyncRunsAllPasses(t *testing.T) {
	sync := &fakeSyncer{}
	lc := &fakeLifecycle{}
	router := newTestServer(sync, lc, &fakeReactor{})

	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set(syncSecretHeader, testSecret)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("expected body OK, got %q", rec.Body.String())
	}
	if sync.calls != 1 || lc.ensureCalls != 1 || lc.stopCalls != 1 {
		t.Errorf("all three passes should run once, got sync=%d ensure=%d stop=%d",
			sync.calls, lc.ensureCalls, lc.stopCalls)
	}
}

func TestSyncReportsFailure(t *testing.T) {
	sync := &fakeSyncer{err: errors.New("all rooms failed")}
	lc := &fakeLifecycle{}
	router := newTestServer(sync, lc, &fakeReactor{})

	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set(syncSecretHeader, testSecret)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	// A failed sync must not short-circuit the lifecycle passes.
	if lc.ensureCalls != 1 || lc.stopCalls != 1 {
		t.Error("lifecycle passes should still run after a sync failure")
	}
}

func TestChannelStateNotification(t *testing.T) {
	react := &fakeReactor{}
	router := newTestServer(&fakeSyncer{}, &fakeLifecycle{}, react)

	env, err := json.Marshal(notify.Message{
		Type:      "Notification",
		MessageID: "m-1",
		TopicARN:  stateTopic,
		Message:   stateChangeDoc,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/notify/channel-state", bytes.NewReader(env))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(react.stateChanges) != 1 {
		t.Fatalf("expected one dispatched state change, got %d", len(react.stateChanges))
	}
	if react.stateChanges[0].State != "RUNNING" {
		t.Errorf("unexpected state %q", react.stateChanges[0].State)
	}
}

func TestChannelStateNotificationIgnoresForeignEvents(t *testing.T) {
	react := &fakeReactor{}
	router := newTestServer(&fakeSyncer{}, &fakeLifecycle{}, react)

	env, _ := json.Marshal(notify.Message{
		Type:     "Notification",
		TopicARN: stateTopic,
		Message:  `{"detail-type":"Something Else","detail":{}}`,
	})

	req := httptest.NewRequest(http.MethodPost, "/notify/channel-state", bytes.NewReader(env))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("ignored events must still be acknowledged, got %d", rec.Code)
	}
	if len(react.stateChanges) != 0 {
		t.Error("foreign events must not be dispatched")
	}
}

func TestHealthz(t *testing.T) {
	router := newTestServer(&fakeSyncer{}, &fakeLifecycle{}, &fakeReactor{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
