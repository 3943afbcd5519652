package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent []Message
}

func (s *recordingSender) Send(_ context.Context, msg Message) (SendResult, error) {
	s.sent = append(s.sent, msg)
	return SendResult{ExternalMessageID: "ext-" + msg.ExternalID}, nil
}

func TestRegistryRoutesByChannel(t *testing.T) {
	sms := &recordingSender{}
	wa := &recordingSender{}
	reg := NewRegistry().Register(sms, "sms").Register(wa, "whatsapp")

	assert.True(t, reg.Supports("sms"))
	assert.Equal(t, []string{"sms", "whatsapp"}, reg.Channels())

	res, err := reg.Send(context.Background(), Message{Channel: "whatsapp", ExternalID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "ext-1", res.ExternalMessageID)
	assert.Len(t, wa.sent, 1)
	assert.Empty(t, sms.sent)
}

func TestRegistryUnknownChannelIsPermanent(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.Supports("sms"))

	_, err := reg.Send(context.Background(), Message{Channel: "sms"})
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.False(t, IsRetryable(err))
}
