package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/pkg/logging"
)

func TestNewSendGridSender_NilWithoutAPIKey(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{FromEmail: "test@example.com"}, nil)
	assert.Nil(t, sender)
}

func TestNewSendGridSender_FromName(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{APIKey: "test-key", FromEmail: "test@example.com"}, nil)
	require.NotNil(t, sender)
	assert.Equal(t, "Clinic Bookings", sender.fromName)

	sender = NewSendGridSender(SendGridConfig{APIKey: "test-key", FromEmail: "test@example.com", FromName: "Custom Name"}, nil)
	require.NotNil(t, sender)
	assert.Equal(t, "Custom Name", sender.fromName)
}

func TestSendGridSender_Send(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg_key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := NewSendGridSender(SendGridConfig{APIKey: "sg_key", FromEmail: "noreply@clinic.example.com", Host: srv.URL}, logging.Discard())
	err := sender.Send(context.Background(), EmailMessage{
		To:      "patient@example.com",
		ToName:  "Pat",
		Subject: "Appointment confirmed",
		Body:    "See you soon",
	})
	require.NoError(t, err)
	assert.Equal(t, "Appointment confirmed", payload["subject"])
	from := payload["from"].(map[string]any)
	assert.Equal(t, "noreply@clinic.example.com", from["email"])
}

func TestSendGridSender_SendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"message":"bad key"}]}`))
	}))
	defer srv.Close()

	sender := NewSendGridSender(SendGridConfig{APIKey: "sg_key", FromEmail: "noreply@clinic.example.com", Host: srv.URL}, logging.Discard())
	err := sender.Send(context.Background(), EmailMessage{To: "patient@example.com", Subject: "x", Body: "y"})
	assert.ErrorContains(t, err, "status 401")
}

func TestSendGridSender_Send_NilClient(t *testing.T) {
	sender := &SendGridSender{}
	err := sender.Send(context.Background(), EmailMessage{To: "recipient@example.com", Subject: "Test", Body: "Test body"})
	assert.Error(t, err)
}

func TestStubEmailSender_Send(t *testing.T) {
	sender := NewStubEmailSender(logging.Discard())
	assert.NoError(t, sender.Send(context.Background(), EmailMessage{To: "recipient@example.com", Subject: "Test Subject"}))
}
