package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/civiltime"
)

// Visit carries what a notification says about an appointment.
type Visit struct {
	AppointmentID uuid.UUID
	PatientName   string
	Professional  string
	Start         time.Time
	ManageURL     string
	Note          string
}

// Payload is the stored body of an outbox message. Text is what the gateway
// sends; the other fields are kept for richer channels and for audit.
type Payload struct {
	Text         string `json:"text"`
	Professional string `json:"professional"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	Weekday      string `json:"weekday"`
	Reference    string `json:"reference"`
	ManageURL    string `json:"manage_url"`
}

func DecodePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode outbox payload: %w", err)
	}
	if strings.TrimSpace(p.Text) == "" {
		return Payload{}, fmt.Errorf("decode outbox payload: empty text")
	}
	return p, nil
}

var weekdaysPT = [...]string{
	"domingo", "segunda-feira", "terça-feira", "quarta-feira",
	"quinta-feira", "sexta-feira", "sábado",
}

var templates = map[Event]*template.Template{
	EventBookingConfirmation: template.Must(template.New("booking_confirmation").Parse(
		`Olá {{.FirstName}}, sua consulta com {{.Professional}} está confirmada para {{.Weekday}}, {{.Date}} às {{.Time}}. ` +
			`Código: {{.Reference}}. Para cancelar ou remarcar: {{.ManageURL}}`)),
	EventAppointmentReminder: template.Must(template.New("appointment_reminder").Parse(
		`Lembrete: {{.FirstName}}, sua consulta com {{.Professional}} é {{.Weekday}}, {{.Date}} às {{.Time}}. ` +
			`Código: {{.Reference}}. Para cancelar ou remarcar: {{.ManageURL}}`)),
	EventStatusUpdate: template.Must(template.New("status_update").Parse(
		`{{.FirstName}}, sua consulta de {{.Date}} às {{.Time}} com {{.Professional}} foi cancelada.` +
			`{{if .Note}} Motivo: {{.Note}}.{{end}} Para remarcar: {{.ManageURL}}`)),
}

type templateData struct {
	Payload
	FirstName string
	Note      string
}

// Render builds the payload of a message with the given id.
func Render(event Event, messageID uuid.UUID, v Visit) (Payload, error) {
	tmpl, ok := templates[event]
	if !ok {
		return Payload{}, fmt.Errorf("no template for event %q", event)
	}

	manage, err := manageLink(v.ManageURL, messageID)
	if err != nil {
		return Payload{}, err
	}

	d, tod := civiltime.Civil(v.Start)
	p := Payload{
		Professional: v.Professional,
		Date:         fmt.Sprintf("%02d/%02d/%04d", d.Day, int(d.Month), d.Year),
		Time:         tod.String(),
		Weekday:      weekdaysPT[d.Weekday()],
		Reference:    ShortReference(v.AppointmentID),
		ManageURL:    manage,
	}

	var buf bytes.Buffer
	data := templateData{Payload: p, FirstName: firstName(v.PatientName), Note: v.Note}
	if err := tmpl.Execute(&buf, data); err != nil {
		return Payload{}, fmt.Errorf("render %s: %w", event, err)
	}
	p.Text = buf.String()
	return p, nil
}

// NewDraft renders the message text and returns a draft ready to enqueue.
func NewDraft(event Event, channel Channel, recipient string, maxAttempts int, notBefore time.Time, v Visit) (Draft, error) {
	id := uuid.New()
	p, err := Render(event, id, v)
	if err != nil {
		return Draft{}, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Draft{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Draft{
		ID:            id,
		AppointmentID: v.AppointmentID,
		Event:         event,
		Channel:       channel,
		Recipient:     recipient,
		Payload:       raw,
		MaxAttempts:   maxAttempts,
		NotBefore:     notBefore,
	}, nil
}

// ShortReference is the code patients quote on the phone.
func ShortReference(appointmentID uuid.UUID) string {
	return strings.ToUpper(appointmentID.String()[:8])
}

func manageLink(base string, messageID uuid.UUID) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse manage url: %w", err)
	}
	q := u.Query()
	q.Set("ref", messageID.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func firstName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return "Paciente"
	}
	return fields[0]
}
