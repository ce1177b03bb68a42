package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smartprice/price-watcher/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleNotification() Notification {
	return Notification{
		TargetID:      "t1",
		TargetName:    "Mechanical Keyboard",
		Kind:          models.DeltaDrop,
		PreviousPrice: 100,
		NewPrice:      85,
		Currency:      "USD",
		URL:           "https://shopsite.test/kb",
		ObservedAt:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNotification_Subject(t *testing.T) {
	tests := []struct {
		name     string
		kind     models.DeltaKind
		expected string
	}{
		{
			name:     "Drop includes the new price",
			kind:     models.DeltaDrop,
			expected: "Price drop: Mechanical Keyboard is now 85.00 USD",
		},
		{
			name:     "Rise includes the new price",
			kind:     models.DeltaRise,
			expected: "Price rise: Mechanical Keyboard is now 85.00 USD",
		},
		{
			name:     "Back in stock",
			kind:     models.DeltaBackInStock,
			expected: "Back in stock: Mechanical Keyboard",
		},
		{
			name:     "Out of stock",
			kind:     models.DeltaOutOfStock,
			expected: "Out of stock: Mechanical Keyboard",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := sampleNotification()
			n.Kind = tt.kind
			assert.Equal(t, tt.expected, n.Subject())
		})
	}
}

func TestNotification_SubjectFallsBackToTargetID(t *testing.T) {
	n := sampleNotification()
	n.TargetName = ""
	assert.Contains(t, n.Subject(), "t1")
}

func TestNotification_BodyIncludesPricesAndLink(t *testing.T) {
	body := sampleNotification().Body()
	assert.Contains(t, body, "Previous price: 100.00 USD")
	assert.Contains(t, body, "Current price: 85.00 USD")
	assert.Contains(t, body, "https://shopsite.test/kb")
}

func TestWebhookChannel_Send(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		expectErr     bool
		expectPermErr bool
	}{
		{"Accepted", http.StatusOK, false, false},
		{"Revoked webhook is permanent", http.StatusGone, true, true},
		{"Server error is transient", http.StatusBadGateway, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotContentType string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotContentType = r.Header.Get("Content-Type")
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			c := NewWebhookChannel(time.Second)
			err := c.Send(context.Background(), models.ChannelConfig{
				Kind:    models.ChannelWebhook,
				Address: server.URL,
			}, sampleNotification())

			if !tt.expectErr {
				require.NoError(t, err)
				assert.Equal(t, "application/json", gotContentType)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.expectPermErr, IsPermanent(err))
			assert.Equal(t, models.ErrChannelDeliveryFailed, models.KindOf(err))
		})
	}
}

func TestWebhookChannel_TransportFailureIsTransient(t *testing.T) {
	c := NewWebhookChannel(100 * time.Millisecond)
	err := c.Send(context.Background(), models.ChannelConfig{
		Kind:    models.ChannelWebhook,
		Address: "http://127.0.0.1:1/hook",
	}, sampleNotification())

	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestTelegramChannel_InvalidChatIDIsPermanent(t *testing.T) {
	c := &TelegramChannel{}
	err := c.Send(context.Background(), models.ChannelConfig{
		Kind:    models.ChannelTelegram,
		Address: "not-a-chat-id",
	}, sampleNotification())

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
