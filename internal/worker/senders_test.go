package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/db"
	"github.com/lalithlochan/campus/internal/sns"
	"github.com/lalithlochan/campus/internal/store"
)

func makeTestAttempt(target, secret string) *db.Attempt {
	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	return &db.Attempt{
		Delivery: &db.WebhookDelivery{ID: "d1", EventID: "e1", WebhookConfigID: "w1"},
		Config:   &db.WebhookConfig{ID: "w1", TargetURL: target, Secret: secret, Active: true},
		Event: &db.WebhookEvent{
			ID:        "e1",
			EventType: db.EventGradeCreated,
			Payload:   json.RawMessage(`{"id":"g1","score":95}`),
			Meta:      store.Meta{CreatedAt: created},
		},
	}
}

func TestMultiSenderRouting(t *testing.T) {
	logger := zap.NewNop()
	multiSender := NewMultiSender(logger,
		NewWebhookSender(logger, WebhookConfig{}),
		NewSNSSender(&fakePublisher{}, logger),
		newSESSender(&fakeSES{}, "noreply@school.test", logger),
	)

	tests := []struct {
		target string
		want   bool
	}{
		{"https://hooks.school.test/grades", true},
		{"http://localhost:9000/hook", true},
		{"arn:aws:sns:us-east-1:123456789012:grades", true},
		{"mailto:registrar@school.test", true},
		{"ftp://files.school.test", false},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			if got := multiSender.SupportsTarget(tt.target); got != tt.want {
				t.Errorf("SupportsTarget(%s) = %v, want %v", tt.target, got, tt.want)
			}
		})
	}

	_, err := multiSender.Send(context.Background(), makeTestAttempt("ftp://files.school.test", ""))
	if err == nil || !strings.Contains(err.Error(), "no sender found") {
		t.Errorf("expected routing error, got %v", err)
	}
}

func TestWebhookSenderHTTPCall(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{Timeout: 5 * time.Second})
	result, err := sender.Send(context.Background(), makeTestAttempt(server.URL, "s3cret"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.StatusCode != http.StatusAccepted || result.ResponseBody != `{"ok":true}` {
		t.Errorf("unexpected result %+v", result)
	}

	if gotHeaders.Get(HeaderEvent) != db.EventGradeCreated {
		t.Errorf("event header: %q", gotHeaders.Get(HeaderEvent))
	}
	if gotHeaders.Get(HeaderDelivery) != "d1" {
		t.Errorf("delivery header: %q", gotHeaders.Get(HeaderDelivery))
	}
	if gotHeaders.Get(HeaderSignature) != Sign("s3cret", gotBody) {
		t.Errorf("signature %q does not match body", gotHeaders.Get(HeaderSignature))
	}

	var envelope db.EventEnvelope
	if err := json.Unmarshal(gotBody, &envelope); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if envelope.ID != "e1" || envelope.Type != db.EventGradeCreated || string(envelope.Data) != `{"id":"g1","score":95}` {
		t.Errorf("unexpected envelope %+v", envelope)
	}
}

func TestWebhookSenderNoSecretNoSignature(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderSignature) != "" {
			t.Error("signature sent without a secret")
		}
	}))
	defer server.Close()

	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{})
	if _, err := sender.Send(context.Background(), makeTestAttempt(server.URL, "")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

func TestWebhookSenderHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer server.Close()

	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{})
	result, err := sender.Send(context.Background(), makeTestAttempt(server.URL, ""))
	if err == nil {
		t.Fatal("expected error for 500")
	}
	if err.Error() != "webhook returned non-2xx status: 500" {
		t.Errorf("unexpected reason %q", err.Error())
	}
	if result == nil || result.StatusCode != 500 {
		t.Fatalf("status should be kept on failure, got %+v", result)
	}
	if len(result.ResponseBody) != maxResponseBody {
		t.Errorf("response body should be capped at %d, got %d", maxResponseBody, len(result.ResponseBody))
	}
}

func TestWebhookSenderUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{Timeout: time.Second})
	result, err := sender.Send(context.Background(), makeTestAttempt(url, ""))
	if err == nil {
		t.Fatal("expected error for closed server")
	}
	if result != nil {
		t.Errorf("no response means no result, got %+v", result)
	}
}

func TestSign(t *testing.T) {
	got := Sign("key", []byte("The quick brown fox jumps over the lazy dog"))
	want := "sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != want {
		t.Errorf("Sign = %s, want %s", got, want)
	}
}

type fakePublisher struct {
	topic string
	msg   sns.Message
	err   error
}

func (f *fakePublisher) Publish(ctx context.Context, topicARN string, msg sns.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.topic, f.msg = topicARN, msg
	return "sns-msg-1", nil
}

func TestSNSSender(t *testing.T) {
	pub := &fakePublisher{}
	sender := NewSNSSender(pub, zap.NewNop())
	topic := "arn:aws:sns:us-east-1:123456789012:grades"

	result, err := sender.Send(context.Background(), makeTestAttempt(topic, ""))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.ResponseBody != "sns-msg-1" {
		t.Errorf("expected message id as response body, got %q", result.ResponseBody)
	}
	if pub.topic != topic || pub.msg.EventID != "e1" || pub.msg.DeliveryID != "d1" {
		t.Errorf("unexpected publish %s %+v", pub.topic, pub.msg)
	}
	if pub.msg.CreatedAt != "2026-05-01T08:00:00Z" {
		t.Errorf("created_at: %s", pub.msg.CreatedAt)
	}

	pub.err = errors.New("AuthorizationError")
	if _, err := sender.Send(context.Background(), makeTestAttempt(topic, "")); err == nil {
		t.Error("expected publish error")
	}
}

type fakeSES struct {
	input *ses.SendEmailInput
}

func (f *fakeSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = params
	return &ses.SendEmailOutput{MessageId: aws.String("ses-msg-1")}, nil
}

func TestSESSender(t *testing.T) {
	client := &fakeSES{}
	sender := newSESSender(client, "noreply@school.test", zap.NewNop())

	result, err := sender.Send(context.Background(), makeTestAttempt("mailto:registrar@school.test", ""))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.ResponseBody != "ses-msg-1" {
		t.Errorf("expected message id, got %q", result.ResponseBody)
	}

	in := client.input
	if aws.ToString(in.Source) != "noreply@school.test" {
		t.Errorf("source: %s", aws.ToString(in.Source))
	}
	if len(in.Destination.ToAddresses) != 1 || in.Destination.ToAddresses[0] != "registrar@school.test" {
		t.Errorf("destination: %v", in.Destination.ToAddresses)
	}
	if aws.ToString(in.Message.Subject.Data) != "[campus] grade.created" {
		t.Errorf("subject: %s", aws.ToString(in.Message.Subject.Data))
	}
	if !strings.Contains(aws.ToString(in.Message.Body.Text.Data), `"id": "e1"`) {
		t.Errorf("body should carry the envelope: %s", aws.ToString(in.Message.Body.Text.Data))
	}

	if _, err := sender.Send(context.Background(), makeTestAttempt("mailto:", "")); err == nil {
		t.Error("expected error for empty address")
	}
}

func TestLogSenderSupportsAllTargets(t *testing.T) {
	sender := NewLogSender(zap.NewNop())
	for _, target := range []string{"https://a.test", "mailto:x@y.z", "anything"} {
		if !sender.SupportsTarget(target) {
			t.Errorf("LogSender should support %s", target)
		}
	}
	result, err := sender.Send(context.Background(), makeTestAttempt("https://a.test", ""))
	if err != nil || result.StatusCode != 200 {
		t.Errorf("unexpected %v %+v", err, result)
	}
}
