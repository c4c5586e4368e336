package notify

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testTopic = "arn:aws:sns:us-east-1:123456789012:broadcast-events"

func postMessage(t *testing.T, h *Handler, msg *Message) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/notify", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRejectsNonPost(t *testing.T) {
	h := NewHandler(testTopic, false, nil)
	req := httptest.NewRequest(http.MethodGet, "/notify", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestMalformedBody(t *testing.T) {
	h := NewHandler(testTopic, false, nil)
	req := httptest.NewRequest(http.MethodPost, "/notify", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for malformed body, got %d", rec.Code)
	}
}

func TestTopicMismatch(t *testing.T) {
	called := false
	h := NewHandler(testTopic, false, func(ctx context.Context, msg *Message) error {
		called = true
		return nil
	})

	rec := postMessage(t, h, &Message{
		Type:     "Notification",
		TopicARN: "arn:aws:sns:us-east-1:123456789012:other-topic",
		Message:  "{}",
	})

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for foreign topic, got %d", rec.Code)
	}
	if called {
		t.Error("handler must not run for a foreign topic")
	}
}

func TestNotificationDispatch(t *testing.T) {
	var got *Message
	h := NewHandler(testTopic, false, func(ctx context.Context, msg *Message) error {
		got = msg
		return nil
	})

	rec := postMessage(t, h, &Message{
		Type:      "Notification",
		MessageID: "m-1",
		TopicARN:  testTopic,
		Message:   `{"hello":"world"}`,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got == nil || got.Message != `{"hello":"world"}` {
		t.Errorf("handler did not receive the payload: %+v", got)
	}
}

func TestNotificationHandlerError(t *testing.T) {
	h := NewHandler(testTopic, false, func(ctx context.Context, msg *Message) error {
		return errors.New("downstream unavailable")
	})

	rec := postMessage(t, h, &Message{
		Type:     "Notification",
		TopicARN: testTopic,
	})

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 so the delivery is retried, got %d", rec.Code)
	}
}

func TestUnknownTypeAcknowledged(t *testing.T) {
	h := NewHandler(testTopic, false, nil)
	rec := postMessage(t, h, &Message{
		Type:     "UnsubscribeConfirmation",
		TopicARN: testTopic,
	})

	if rec.Code != http.StatusOK {
		t.Errorf("unknown types must be acknowledged, got %d", rec.Code)
	}
}

func TestSubscriptionConfirmationRefusesNonAWSURL(t *testing.T) {
	confirmed := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		confirmed = true
	}))
	defer srv.Close()

	h := NewHandler(testTopic, false, nil)
	rec := postMessage(t, h, &Message{
		Type:         "SubscriptionConfirmation",
		TopicARN:     testTopic,
		SubscribeURL: srv.URL,
	})

	// The delivery is acknowledged but the suspicious URL is never fetched.
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if confirmed {
		t.Error("non-AWS SubscribeURL must not be dereferenced")
	}
}

func TestValidateAWSURL(t *testing.T) {
	valid := []string{
		"https://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription",
		"https://sns.us-east-1.amazonaws.com/SimpleNotificationService-abc.pem",
	}
	for _, u := range valid {
		if err := validateAWSURL(u); err != nil {
			t.Errorf("expected %q to validate: %v", u, err)
		}
	}

	invalid := []string{
		"http://sns.us-east-1.amazonaws.com/cert.pem",
		"https://evil.example.com/cert.pem",
		"https://amazonaws.com.evil.example.com/cert.pem",
	}
	for _, u := range invalid {
		if err := validateAWSURL(u); err == nil {
			t.Errorf("expected %q to be rejected", u)
		}
	}
}

// signedHandler returns a verifying handler whose fetchCert yields a local
// self-signed certificate, plus a signer for producing valid signatures.
func signedHandler(t *testing.T, onMessage MessageHandler) (*Handler, func(*Message)) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sns.amazonaws.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	h := NewHandler(testTopic, true, onMessage)
	h.fetchCert = func(ctx context.Context, certURL string) (*x509.Certificate, error) {
		return cert, nil
	}

	sign := func(msg *Message) {
		msg.SignatureVersion = "2"
		sum := sha256.Sum256(canonicalString(msg))
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		msg.Signature = base64.StdEncoding.EncodeToString(sig)
	}
	return h, sign
}

func TestValidSignatureAccepted(t *testing.T) {
	called := false
	h, sign := signedHandler(t, func(ctx context.Context, msg *Message) error {
		called = true
		return nil
	})

	msg := &Message{
		Type:           "Notification",
		MessageID:      "m-1",
		TopicARN:       testTopic,
		Message:        "payload",
		Timestamp:      "2026-03-01T12:00:00.000Z",
		SigningCertURL: "https://sns.us-east-1.amazonaws.com/cert.pem",
	}
	sign(msg)

	rec := postMessage(t, h, msg)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a validly signed message, got %d", rec.Code)
	}
	if !called {
		t.Error("handler should run for a validly signed message")
	}
}

func TestTamperedSignatureRejected(t *testing.T) {
	called := false
	h, sign := signedHandler(t, func(ctx context.Context, msg *Message) error {
		called = true
		return nil
	})

	msg := &Message{
		Type:           "Notification",
		MessageID:      "m-1",
		TopicARN:       testTopic,
		Message:        "payload",
		Timestamp:      "2026-03-01T12:00:00.000Z",
		SigningCertURL: "https://sns.us-east-1.amazonaws.com/cert.pem",
	}
	sign(msg)
	msg.Message = "tampered payload"

	rec := postMessage(t, h, msg)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a tampered message, got %d", rec.Code)
	}
	if called {
		t.Error("handler must not run for a tampered message")
	}
}

func TestUnsupportedSignatureVersionRejected(t *testing.T) {
	h, sign := signedHandler(t, nil)

	msg := &Message{
		Type:           "Notification",
		MessageID:      "m-1",
		TopicARN:       testTopic,
		Message:        "payload",
		Timestamp:      "2026-03-01T12:00:00.000Z",
		SigningCertURL: "https://sns.us-east-1.amazonaws.com/cert.pem",
	}
	sign(msg)
	msg.SignatureVersion = "3"

	rec := postMessage(t, h, msg)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for an unsupported signature version, got %d", rec.Code)
	}
}
