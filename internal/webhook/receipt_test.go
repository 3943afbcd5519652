package webhook

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		code string
		want Status
	}{
		{"DELIVERED", Delivered{}},
		{"read", Delivered{}},
		{"SENT", InProgress{Code: "SENT"}},
		{"QUEUED", InProgress{Code: "QUEUED"}},
		{"REJECTED", Failed{Reason: "rejected"}},
		{"EXPIRED", Failed{Reason: "expired"}},
		{"BOUNCED_SOMEHOW", Unrecognized{Code: "BOUNCED_SOMEHOW"}},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(MessageStatus{Code: tt.code}))
		})
	}
}

func TestClassifyFailureReason(t *testing.T) {
	st := Classify(MessageStatus{
		Code:        "NOT_DELIVERED",
		Description: "ignored when causes exist",
		Causes:      []Cause{{Reason: "INVALID_NUMBER", Details: "unknown subscriber"}},
	})
	assert.Equal(t, Failed{Reason: "not_delivered: INVALID_NUMBER: unknown subscriber"}, st)

	st = Classify(MessageStatus{Code: "FAILED", Description: "carrier timeout"})
	assert.Equal(t, Failed{Reason: "failed: carrier timeout"}, st)
}

func TestParseReceipt(t *testing.T) {
	r, err := ParseReceipt([]byte(`{"id":"evt-1","type":"MESSAGE_STATUS","externalId":"x","messageStatus":{"code":"DELIVERED"}}`))
	require.NoError(t, err)
	assert.Equal(t, "evt-1", r.ID)

	_, err = ParseReceipt([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseReceipt([]byte(`{"id":"evt-1"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestEventIDFallsBackToDigest(t *testing.T) {
	raw := []byte(`{"messageStatus":{"code":"READ"}}`)
	r, err := ParseReceipt(raw)
	require.NoError(t, err)

	id := EventID(r, raw)
	assert.Equal(t, id, EventID(r, raw))
	assert.Contains(t, id, "sha256:")
	assert.NotEqual(t, id, EventID(r, append(raw, ' ')))
}

func TestEmbeddedRef(t *testing.T) {
	want := uuid.New()
	r, err := ParseReceipt([]byte(`{"messageStatus":{"code":"DELIVERED"},"message":{"contents":[{"type":"text","text":"Olá ... https://x.example/agendamento?ref=` + want.String() + `"}]}}`))
	require.NoError(t, err)

	got, ok := r.EmbeddedRef()
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = Receipt{}.EmbeddedRef()
	assert.False(t, ok)
}
