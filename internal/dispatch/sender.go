// Package dispatch delivers parsed emails to their routed webhook targets
// with bounded concurrency, signed payloads, in-worker exponential retry and
// deferred re-enqueue of exhausted tasks.
package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/theviktor/inbound-email/internal/email"
	"github.com/theviktor/inbound-email/internal/router"
)

const (
	userAgent        = "inbound-email/1.0"
	headerTimestamp  = "X-Inbound-Email-Timestamp"
	headerSignature  = "X-Inbound-Email-Signature"
	headerSigVersion = "X-Inbound-Email-Signature-Version"
	sigVersion       = "v1"
)

// Result is the per-target outcome of one delivery attempt.
type Result struct {
	Webhook  string `json:"webhook"`
	RuleName string `json:"ruleName"`
	Status   int    `json:"status"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Sender POSTs one payload per target. A 2xx response is success; any other
// response or transport error is failure.
type Sender struct {
	client *http.Client
	secret string
}

// NewSender builds the outbound HTTP client with the webhook timeout.
func NewSender(timeout time.Duration, secret string) *Sender {
	return &Sender{
		client: &http.Client{Timeout: timeout},
		secret: secret,
	}
}

// Send posts the email JSON merged with the target's _webhookMeta.
func (s *Sender) Send(ctx context.Context, parsed *email.ParsedEmail, target router.Target) Result {
	res := Result{Webhook: target.Webhook, RuleName: target.RuleName}

	body, err := payloadJSON(parsed, target)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Webhook, bytes.NewReader(body))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if s.secret != "" {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.Header.Set(headerTimestamp, ts)
		req.Header.Set(headerSignature, Sign(s.secret, ts, body))
		req.Header.Set(headerSigVersion, sigVersion)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	res.Status = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Success = true
	} else {
		res.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return res
}

// Sign computes the signature header value: sha256=<hex HMAC-SHA256 over
// "<timestamp>.<payload>" keyed by the shared secret>.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// payloadJSON renders the parsed email with the _webhookMeta key merged in.
func payloadJSON(parsed *email.ParsedEmail, target router.Target) ([]byte, error) {
	data, err := json.Marshal(parsed)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	doc["_webhookMeta"] = target
	return json.Marshal(doc)
}
