package mailer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "letterbox/pkg/logx"
)

type recordTransport struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (r *recordTransport) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, m)
	return nil
}

func newTestMailer(t *testing.T, tr Transport) *Mailer {
	t.Helper()
	m, err := New(tr, Config{AppURL: "https://letterbox.example/"})
	require.NoError(t, err)
	m.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return m
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestLetterSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		self    bool
		subject string
		want    string
	}{
		{"self with subject", true, "Hello", "Hello - Message from Your Past Self"},
		{"self without subject", true, "", "A Message from Your Past Self"},
		{"other with subject", false, "Hello", "Hello - A Letter from the Past"},
		{"other without subject", false, "  ", "A Letter from the Past Has Arrived!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, LetterSubject(tt.self, tt.subject))
		})
	}
}

func TestRenderLetterGolden(t *testing.T) {
	t.Parallel()

	m := newTestMailer(t, &recordTransport{})
	tests := []struct {
		name        string
		in          LetterMail
		wantSubject string
	}{
		{
			name: "letter_to_friend",
			in: LetterMail{
				To:             "bob@example.com",
				RecipientName:  "Bob",
				RecipientEmail: "bob@example.com",
				SenderName:     "Alice",
				SenderEmail:    "alice@example.com",
				Subject:        "Hello",
				Content:        "<p>See you in a year.</p>",
				DeliveryDate:   "March 2, 2026",
				Attachments: []Attachment{
					{URL: "https://cdn.example.com/a.png", Kind: "IMAGE"},
					{URL: "https://cdn.example.com/b.pdf", Kind: "DOCUMENT"},
				},
			},
			wantSubject: "Hello - A Letter from the Past",
		},
		{
			name: "letter_to_self",
			in: LetterMail{
				To:             "me@example.com",
				RecipientEmail: "me@example.com",
				SenderEmail:    "Me@Example.com",
				Content:        "<p>Hi me</p>",
				DeliveryDate:   "March 2, 2026",
			},
			wantSubject: "A Message from Your Past Self",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, html, err := m.RenderLetter(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSubject, subject)
			golden(t).Assert(t, tt.name, []byte(html))
		})
	}
}

func TestRenderBroadcastGolden(t *testing.T) {
	t.Parallel()

	m := newTestMailer(t, &recordTransport{})
	date := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)

	html, err := m.RenderBroadcast("Ada", BroadcastMail{
		Subject: "News",
		Message: "<p>Big news.</p>",
		Date:    date,
		Action:  &Action{IntroText: "Ready?", ButtonText: "Open", URL: "https://letterbox.example/app"},
	})
	require.NoError(t, err)
	golden(t).Assert(t, "broadcast_with_action", []byte(html))

	html, err = m.RenderBroadcast("", BroadcastMail{Subject: "Weekly", Message: "<p>Nothing new.</p>", Date: date})
	require.NoError(t, err)
	golden(t).Assert(t, "broadcast_plain", []byte(html))
}

func TestSendLetterUsesTransport(t *testing.T) {
	t.Parallel()

	tr := &recordTransport{}
	m := newTestMailer(t, tr)
	require.NoError(t, m.SendLetter(context.Background(), LetterMail{
		To:             "bob@example.com",
		RecipientName:  "Bob",
		RecipientEmail: "bob@example.com",
		SenderEmail:    "alice@example.com",
		Subject:        "Hi",
		DeliveryDate:   "March 2, 2026",
	}))
	require.Len(t, tr.sent, 1)
	assert.Equal(t, "bob@example.com", tr.sent[0].To)
	assert.Equal(t, "Bob", tr.sent[0].ToName)
	assert.Equal(t, "Hi - A Letter from the Past", tr.sent[0].Subject)
	assert.Contains(t, tr.sent[0].HTML, "Sent to you by: <strong>alice@example.com</strong>")

	tr.err = errors.New("relay down")
	err := m.SendBroadcast(context.Background(), "x@example.com", "X", BroadcastMail{Subject: "S", Message: "m"})
	assert.ErrorContains(t, err, "relay down")
}

func TestRenderEscapesPlainFields(t *testing.T) {
	t.Parallel()

	m := newTestMailer(t, &recordTransport{})
	_, html, err := m.RenderLetter(LetterMail{
		RecipientEmail: "bob@example.com",
		SenderEmail:    "alice@example.com",
		SenderName:     "<script>x</script>",
		Subject:        "a < b",
	})
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "a &lt; b")
}

func TestOpen(t *testing.T) {
	t.Parallel()

	m, err := Open(Config{Transport: "log"}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &LogTransport{}, m.t)
	require.NoError(t, m.t.Send(context.Background(), Message{To: "a@example.com"}))

	_, err = Open(Config{Transport: "smtp"}, logx.Nop())
	assert.Error(t, err, "host required")

	m, err = Open(Config{Transport: "smtp", Host: "smtp.example.com", From: "noreply@example.com"}, logx.Nop())
	require.NoError(t, err)
	st := m.t.(*SMTPTransport)
	assert.Equal(t, 465, st.port)
	assert.Equal(t, defaultSMTPTimeout, st.timeout)

	m, err = Open(Config{Transport: "smtp", Host: "smtp.example.com", Port: 587, From: "noreply@example.com", Timeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 587, m.t.(*SMTPTransport).port)
	assert.Equal(t, time.Second, m.t.(*SMTPTransport).timeout)

	_, err = Open(Config{Transport: "carrier-pigeon"}, logx.Nop())
	assert.Error(t, err)
}

func TestLogTransportHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewLogTransport(logx.Nop()).Send(ctx, Message{}), context.Canceled)
}
