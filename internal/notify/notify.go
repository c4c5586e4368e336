// Package notify provides an HTTP handler for SNS-shaped webhook
// notifications: envelope parsing, topic and signature validation,
// automatic subscription confirmation, and dispatch of notification
// payloads to a message callback.
//
// Validation rules:
//
//	A notification for the wrong topic ARN, or one whose signature does not
//	verify against its signing certificate, is rejected with 403 and never
//	dispatched. A payload that fails to parse is rejected with 500.
//	Recognized-but-ignored events return 200 so the notification service
//	does not retry them forever.
package notify

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// maxBodySize is the maximum allowed request body size (1 MB). SNS messages
// are capped at 256 KB, so this leaves ample envelope headroom.
const maxBodySize = 1 << 20

// maxCertSize limits signing certificate downloads.
const maxCertSize = 64 << 10

// Message is the SNS delivery envelope. SNS posts it as JSON with a
// text/plain content type, so handlers must parse the body regardless of
// the declared type.
type Message struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	Token            string `json:"Token,omitempty"`
	TopicARN         string `json:"TopicArn"`
	Subject          string `json:"Subject,omitempty"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SubscribeURL     string `json:"SubscribeURL,omitempty"`
	UnsubscribeURL   string `json:"UnsubscribeURL,omitempty"`
}

// MessageHandler processes the payload of a validated Notification message.
// Returning an error causes a 500 response, which makes SNS redeliver.
type MessageHandler func(ctx context.Context, msg *Message) error

// Handler validates and dispatches SNS webhook deliveries for one topic.
type Handler struct {
	topicARN  string
	verify    bool
	onMessage MessageHandler
	client    *http.Client

	// fetchCert is replaced in tests.
	fetchCert func(ctx context.Context, certURL string) (*x509.Certificate, error)
}

// NewHandler creates a webhook handler bound to one topic ARN. verify
// controls signature validation; disable it only for local development.
func NewHandler(topicARN string, verify bool, onMessage MessageHandler) *Handler {
	h := &Handler{
		topicARN:  topicARN,
		verify:    verify,
		onMessage: onMessage,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
	h.fetchCert = h.fetchSigningCert
	return h
}

// ServeHTTP processes one SNS delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		log.Error().Err(err).Msg("SNS delivery: failed to read body")
		http.Error(w, "failed to read body", http.StatusInternalServerError)
		return
	}
	defer r.Body.Close()

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Error().Err(err).Int("bodySize", len(body)).Msg("SNS delivery: malformed envelope")
		http.Error(w, "malformed notification", http.StatusInternalServerError)
		return
	}

	if msg.TopicARN != h.topicARN {
		log.Warn().
			Str("topicArn", msg.TopicARN).
			Str("expected", h.topicARN).
			Msg("SNS delivery: topic ARN mismatch")
		http.Error(w, "unexpected topic", http.StatusForbidden)
		return
	}

	if h.verify {
		if err := h.verifySignature(r.Context(), &msg); err != nil {
			log.Warn().Err(err).Str("messageId", msg.MessageID).Msg("SNS delivery: signature validation failed")
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	switch msg.Type {
	case "SubscriptionConfirmation":
		h.confirmSubscription(r.Context(), &msg)
		w.WriteHeader(http.StatusOK)

	case "Notification":
		if err := h.onMessage(r.Context(), &msg); err != nil {
			log.Error().Err(err).Str("messageId", msg.MessageID).Msg("SNS notification handling failed")
			http.Error(w, "notification handling failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		// UnsubscribeConfirmation and anything new SNS invents: acknowledge
		// so we are not redelivered forever.
		log.Info().Str("type", msg.Type).Str("messageId", msg.MessageID).Msg("Ignoring SNS message type")
		w.WriteHeader(http.StatusOK)
	}
}

// confirmSubscription completes the SNS subscription handshake by fetching
// the SubscribeURL. Failure is logged but not surfaced: SNS retries the
// confirmation itself.
func (h *Handler) confirmSubscription(ctx context.Context, msg *Message) {
	if err := validateAWSURL(msg.SubscribeURL); err != nil {
		log.Warn().Err(err).Msg("SNS subscription confirmation: refusing SubscribeURL")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, msg.SubscribeURL, nil)
	if err != nil {
		log.Error().Err(err).Msg("SNS subscription confirmation: bad request")
		return
	}
	resp, err := h.client.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("SNS subscription confirmation failed")
		return
	}
	defer resp.Body.Close()

	log.Info().
		Str("topicArn", msg.TopicARN).
		Int("status", resp.StatusCode).
		Msg("SNS subscription confirmed")
}

// canonicalString builds the signed string per the SNS signature
// specification: selected fields in a fixed order, each as "key\nvalue\n".
func canonicalString(msg *Message) []byte {
	var b strings.Builder

	write := func(key, value string) {
		b.WriteString(key)
		b.WriteByte('\n')
		b.WriteString(value)
		b.WriteByte('\n')
	}

	if msg.Type == "Notification" {
		write("Message", msg.Message)
		write("MessageId", msg.MessageID)
		if msg.Subject != "" {
			write("Subject", msg.Subject)
		}
		write("Timestamp", msg.Timestamp)
		write("TopicArn", msg.TopicARN)
		write("Type", msg.Type)
	} else {
		write("Message", msg.Message)
		write("MessageId", msg.MessageID)
		write("SubscribeURL", msg.SubscribeURL)
		write("Timestamp", msg.Timestamp)
		write("Token", msg.Token)
		write("TopicArn", msg.TopicARN)
		write("Type", msg.Type)
	}

	return []byte(b.String())
}

// verifySignature checks the message signature against the public key of
// its signing certificate. SignatureVersion 1 is SHA1withRSA, version 2 is
// SHA256withRSA.
func (h *Handler) verifySignature(ctx context.Context, msg *Message) error {
	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	cert, err := h.fetchCert(ctx, msg.SigningCertURL)
	if err != nil {
		return fmt.Errorf("fetch signing cert: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("signing cert does not carry an RSA key")
	}

	var hash crypto.Hash
	switch msg.SignatureVersion {
	case "1":
		hash = crypto.SHA1
	case "2":
		hash = crypto.SHA256
	default:
		return fmt.Errorf("unsupported signature version %q", msg.SignatureVersion)
	}

	hasher := hash.New()
	hasher.Write(canonicalString(msg))
	if err := rsa.VerifyPKCS1v15(pub, hash, hasher.Sum(nil), signature); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	return nil
}

// validateAWSURL ensures a URL SNS handed us actually points back at AWS
// before we dereference it.
func validateAWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("URL %q is not https", raw)
	}
	host := u.Hostname()
	if host != "amazonaws.com" && !strings.HasSuffix(host, ".amazonaws.com") {
		return fmt.Errorf("URL host %q is not an AWS endpoint", host)
	}
	return nil
}

// fetchSigningCert downloads and parses the PEM certificate at certURL.
func (h *Handler) fetchSigningCert(ctx context.Context, certURL string) (*x509.Certificate, error) {
	if err := validateAWSURL(certURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cert fetch returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCertSize))
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in cert response")
	}
	return x509.ParseCertificate(block.Bytes)
}
