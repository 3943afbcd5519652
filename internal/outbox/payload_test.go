package outbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/civiltime"
)

func sampleVisit() Visit {
	return Visit{
		AppointmentID: uuid.MustParse("3f2b8c1a-0000-4000-8000-000000000001"),
		PatientName:   "Maria Souza",
		Professional:  "Dr. Philipe Saraiva",
		Start:         civiltime.Instant(civiltime.NewDate(2026, time.March, 10), civiltime.MustTimeOfDay("14:00")),
		ManageURL:     "https://clinica.example/agendamento",
	}
}

func TestRenderConfirmation(t *testing.T) {
	id := uuid.New()

	p, err := Render(EventBookingConfirmation, id, sampleVisit())
	require.NoError(t, err)

	assert.Contains(t, p.Text, "Olá Maria")
	assert.Contains(t, p.Text, "terça-feira, 10/03/2026 às 14:00")
	assert.Contains(t, p.Text, "Dr. Philipe Saraiva")
	assert.Contains(t, p.Text, "ref="+id.String())
	assert.Equal(t, "3F2B8C1A", p.Reference)
	assert.Equal(t, "10/03/2026", p.Date)
	assert.Equal(t, "14:00", p.Time)
}

func TestRenderStatusUpdateWithReason(t *testing.T) {
	v := sampleVisit()
	v.Note = "profissional indisponível"

	p, err := Render(EventStatusUpdate, uuid.New(), v)
	require.NoError(t, err)
	assert.Contains(t, p.Text, "foi cancelada. Motivo: profissional indisponível.")
}

func TestRenderUnknownEvent(t *testing.T) {
	_, err := Render(Event("birthday"), uuid.New(), sampleVisit())
	assert.Error(t, err)
}

func TestNewDraftEmbedsOwnID(t *testing.T) {
	v := sampleVisit()
	notBefore := v.Start.Add(-24 * time.Hour)

	d, err := NewDraft(EventAppointmentReminder, ChannelWhatsApp, "+5533999998888", 5, notBefore, v)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, d.ID)
	assert.Equal(t, v.AppointmentID, d.AppointmentID)
	assert.Equal(t, notBefore, d.NotBefore)

	p, err := DecodePayload(d.Payload)
	require.NoError(t, err)
	assert.Contains(t, p.ManageURL, "ref="+d.ID.String())
	assert.Contains(t, p.Text, "Lembrete")
}

func TestDecodePayloadRejectsEmptyText(t *testing.T) {
	raw, _ := json.Marshal(Payload{Professional: "x"})
	_, err := DecodePayload(raw)
	assert.Error(t, err)

	_, err = DecodePayload(json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestFirstNameFallback(t *testing.T) {
	assert.Equal(t, "Paciente", firstName("  "))
	assert.Equal(t, "João", firstName("João da Silva"))
}
