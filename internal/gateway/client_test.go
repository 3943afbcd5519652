package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		BaseURL:  url,
		APIToken: "token-123",
		From:     "saraiva-vision",
		Timeout:  2 * time.Second,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func TestClientSendSuccess(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/channels/whatsapp/messages", r.URL.Path)
		assert.Equal(t, "token-123", r.Header.Get("X-API-TOKEN"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"gw-msg-1"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/v2/")
	res, err := c.Send(context.Background(), Message{
		Channel:    "whatsapp",
		Recipient:  "5533998601427",
		Text:       "Consulta confirmada",
		ExternalID: "msg-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "gw-msg-1", res.ExternalMessageID)
	assert.Equal(t, "saraiva-vision", got.From)
	assert.Equal(t, "5533998601427", got.To)
	assert.Equal(t, "msg-1", got.ExternalID)
	require.Len(t, got.Contents, 1)
	assert.Equal(t, "Consulta confirmada", got.Contents[0].Text)
}

func TestClientSendClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"invalid recipient", http.StatusBadRequest, `{"code":"VALIDATION_ERROR","message":"invalid recipient"}`, false},
		{"unauthorized", http.StatusUnauthorized, `{"code":"UNAUTHORIZED","message":"bad token"}`, false},
		{"rate limited", http.StatusTooManyRequests, ``, true},
		{"unavailable", http.StatusServiceUnavailable, `upstream down`, true},
		{"internal", http.StatusInternalServerError, `{}`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Send(context.Background(), Message{Channel: "sms", Recipient: "+5533", Text: "x"})
			require.Error(t, err)

			var gwErr *Error
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, tc.status, gwErr.StatusCode)
			assert.Equal(t, tc.retryable, IsRetryable(err))
		})
	}
}

func TestClientSendNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url).Send(context.Background(), Message{Channel: "sms", Recipient: "+5533", Text: "x"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestClientSendRejectsEmptyMessage(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.Send(context.Background(), Message{Channel: "sms"})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestNewClientRequiresToken(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "http://x"})
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("connection reset by peer")))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(ErrChannelUnavailable))
	assert.False(t, IsRetryable(&Error{StatusCode: 404}))
}
