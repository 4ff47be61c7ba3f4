package mailer

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	logx "letterbox/pkg/logx"
)

//go:embed templates/*.html.tmpl
var templatesFS embed.FS

const (
	TransportSMTP = "smtp"
	TransportLog  = "log"
)

// Config selects and configures the transport. Password comes from the
// environment, never from the config file.
type Config struct {
	Transport string
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	FromName  string
	AppURL    string
	Brand     string
	LogoURL   string
	Timeout   time.Duration
}

type Mailer struct {
	t    Transport
	cfg  Config
	tmpl *template.Template
	now  func() time.Time
}

// Open builds the configured transport and a Mailer on top of it.
func Open(cfg Config, log logx.Logger) (*Mailer, error) {
	var t Transport
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case TransportSMTP:
		st, err := NewSMTPTransport(cfg)
		if err != nil {
			return nil, err
		}
		t = st
	case TransportLog, "":
		t = NewLogTransport(log)
	default:
		return nil, fmt.Errorf("mail: unknown transport %q", cfg.Transport)
	}
	return New(t, cfg)
}

func New(t Transport, cfg Config) (*Mailer, error) {
	if cfg.Brand == "" {
		cfg.Brand = "Letterbox"
	}
	if cfg.AppURL == "" {
		cfg.AppURL = "http://localhost:3000"
	}
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")
	tmpl, err := template.New("mail").Funcs(template.FuncMap{
		"inc": func(i int) int { return i + 1 },
	}).ParseFS(templatesFS, "templates/*.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("mail templates: %w", err)
	}
	return &Mailer{t: t, cfg: cfg, tmpl: tmpl, now: time.Now}, nil
}

// Attachment kinds match letter.AttachmentKind values.
type Attachment struct {
	URL  string
	Kind string
}

// LetterMail is a decrypted letter ready to render.
type LetterMail struct {
	To             string
	RecipientName  string
	RecipientEmail string
	SenderName     string
	SenderEmail    string
	Subject        string
	Content        string
	DeliveryDate   string // "January 2, 2006"
	Attachments    []Attachment
}

// ToSelf reports whether the letter was written to its own sender.
func (l LetterMail) ToSelf() bool {
	return l.SenderEmail != "" && strings.EqualFold(l.SenderEmail, l.RecipientEmail)
}

// LetterSubject returns the mail subject of a delivered letter.
func LetterSubject(toSelf bool, subject string) string {
	subject = strings.TrimSpace(subject)
	switch {
	case toSelf && subject != "":
		return subject + " - Message from Your Past Self"
	case toSelf:
		return "A Message from Your Past Self"
	case subject != "":
		return subject + " - A Letter from the Past"
	default:
		return "A Letter from the Past Has Arrived!"
	}
}

type letterView struct {
	Brand, LogoURL, AppURL string
	Year                   int
	ToSelf                 bool
	Greeting               string
	FromDisplay            string
	Subject                string
	Content                template.HTML
	DeliveryDate           string
	Images                 []string
	Videos                 []string
	Audios                 []string
	Documents              []string
	HasAttachments         bool
}

// RenderLetter returns the subject and HTML body of l.
func (m *Mailer) RenderLetter(l LetterMail) (string, string, error) {
	self := l.ToSelf()
	v := letterView{
		Brand:        m.cfg.Brand,
		LogoURL:      m.cfg.LogoURL,
		AppURL:       m.cfg.AppURL,
		Year:         m.now().UTC().Year(),
		ToSelf:       self,
		Greeting:     l.RecipientName,
		FromDisplay:  l.SenderName,
		Subject:      l.Subject,
		Content:      template.HTML(l.Content), // letter body is authored HTML
		DeliveryDate: l.DeliveryDate,
	}
	if v.Greeting == "" {
		v.Greeting = "Friend"
		if self {
			v.Greeting = "Future Me"
		}
	}
	if v.FromDisplay == "" {
		v.FromDisplay = l.SenderEmail
		if self {
			v.FromDisplay = "Past You"
		}
	}
	for _, a := range l.Attachments {
		switch a.Kind {
		case "IMAGE":
			v.Images = append(v.Images, a.URL)
		case "VIDEO":
			v.Videos = append(v.Videos, a.URL)
		case "AUDIO":
			v.Audios = append(v.Audios, a.URL)
		default:
			v.Documents = append(v.Documents, a.URL)
		}
	}
	v.HasAttachments = len(l.Attachments) > 0

	var buf bytes.Buffer
	if err := m.tmpl.ExecuteTemplate(&buf, "letter.html.tmpl", v); err != nil {
		return "", "", fmt.Errorf("render letter: %w", err)
	}
	return LetterSubject(self, l.Subject), buf.String(), nil
}

func (m *Mailer) SendLetter(ctx context.Context, l LetterMail) error {
	subject, html, err := m.RenderLetter(l)
	if err != nil {
		return err
	}
	return m.t.Send(ctx, Message{To: l.To, ToName: l.RecipientName, Subject: subject, HTML: html})
}

// Action is the optional call-to-action block of a broadcast.
type Action struct {
	IntroText  string
	ButtonText string
	URL        string
}

type BroadcastMail struct {
	Subject string
	Message string // HTML
	Date    time.Time
	Action  *Action
}

type broadcastView struct {
	Brand, LogoURL string
	Year           int
	Name           string
	Subject        string
	Message        template.HTML
	Date           string
	Action         *Action
}

// RenderBroadcast returns the HTML body of b addressed to name.
func (m *Mailer) RenderBroadcast(name string, b BroadcastMail) (string, error) {
	if name == "" {
		name = "User"
	}
	v := broadcastView{
		Brand:   m.cfg.Brand,
		LogoURL: m.cfg.LogoURL,
		Year:    m.now().UTC().Year(),
		Name:    name,
		Subject: b.Subject,
		Message: template.HTML(b.Message), // operator-authored HTML
		Date:    b.Date.UTC().Format("January 2, 2006"),
		Action:  b.Action,
	}
	var buf bytes.Buffer
	if err := m.tmpl.ExecuteTemplate(&buf, "broadcast.html.tmpl", v); err != nil {
		return "", fmt.Errorf("render broadcast: %w", err)
	}
	return buf.String(), nil
}

func (m *Mailer) SendBroadcast(ctx context.Context, to, name string, b BroadcastMail) error {
	html, err := m.RenderBroadcast(name, b)
	if err != nil {
		return err
	}
	return m.t.Send(ctx, Message{To: to, ToName: name, Subject: b.Subject, HTML: html})
}
