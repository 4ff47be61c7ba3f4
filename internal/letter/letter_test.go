package letter

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"letterbox/internal/envelope"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	future := Letter{
		ID:          "l1",
		OwnerID:     "owner",
		Subject:     "s",
		Content:     "c",
		Status:      StatusScheduled,
		DeliveryAt:  t0.Add(time.Hour),
		Attachments: []Attachment{{URL: "u", Kind: AttachmentImage}},
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
	past := future
	past.DeliveryAt = t0.Add(-time.Hour)
	delivered := future
	delivered.Status = StatusDelivered
	draft := future
	draft.Status = StatusDraft

	tests := []struct {
		name       string
		l          Letter
		access     Access
		wantLocked bool
		wantDate   bool
	}{
		{"admin sees scheduled", future, Access{Admin: true}, false, true},
		{"draft is open", draft, Access{}, false, true},
		{"owner locked with date", future, Access{OwnerID: "owner"}, true, true},
		{"stranger locked without date", future, Access{OwnerID: "other"}, true, false},
		{"due scheduled is open", past, Access{}, false, true},
		{"delivered is open", delivered, Access{}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := Evaluate(tt.l, tt.access, t0)
			assert.Equal(t, tt.wantLocked, v.Locked)
			assert.Equal(t, tt.wantDate, !v.Letter.DeliveryAt.IsZero())
			if tt.wantLocked {
				assert.Equal(t, MsgLockedPlaceholder, v.Letter.Content)
				assert.Empty(t, v.Letter.Subject)
				assert.Empty(t, v.Letter.Attachments)
				assert.Equal(t, tt.l.ID, v.Letter.ID)
				assert.Equal(t, tt.l.CreatedAt, v.Letter.CreatedAt)
			} else {
				assert.Equal(t, tt.l, v.Letter)
			}
		})
	}
}

func TestParseDeliveryDate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 14, 30, 15, 0, time.UTC)
	tests := []struct {
		raw     string
		want    time.Time
		wantErr bool
	}{
		{raw: "2026-12-25T10:00:00Z", want: time.Date(2026, 12, 25, 10, 0, 0, 0, time.UTC)},
		{raw: "2026-12-25T10:00:00+02:00", want: time.Date(2026, 12, 25, 8, 0, 0, 0, time.UTC)},
		{raw: "2026-12-25T10:00", want: time.Date(2026, 12, 25, 10, 0, 0, 0, time.UTC)},
		{raw: "2026-12-25", want: time.Date(2026, 12, 25, 14, 30, 15, 0, time.UTC)},
		{raw: "2026/12/25", want: time.Date(2026, 12, 25, 14, 30, 15, 0, time.UTC)},
		{raw: "", wantErr: true},
		{raw: "next tuesday", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDeliveryDate(tt.raw, now)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDate)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDisplayDate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "December 25, 2026", DisplayDate(time.Date(2026, 12, 25, 23, 0, 0, 0, time.UTC)))
}

func TestSealOpen(t *testing.T) {
	t.Parallel()

	c := envelope.MustNew(testSecret)
	l := Letter{
		Subject:     "hello",
		Content:     "",
		Attachments: []Attachment{{URL: "https://cdn.example.com/a.png", Kind: AttachmentImage}},
	}
	sealed, err := Seal(c, l)
	require.NoError(t, err)
	assert.True(t, envelope.IsEnvelope(sealed.Subject))
	assert.Empty(t, sealed.Content)
	assert.True(t, envelope.IsEnvelope(sealed.Attachments[0].URL))
	assert.Equal(t, "https://cdn.example.com/a.png", l.Attachments[0].URL, "input not mutated")

	assert.Equal(t, l, Open(c, sealed))
}

func TestNormalizeField(t *testing.T) {
	t.Parallel()

	c := envelope.MustNew(testSecret)
	once, err := c.Encrypt("p")
	require.NoError(t, err)
	twice, err := c.Encrypt(once)
	require.NoError(t, err)
	foreign, err := envelope.MustNew(strings.Repeat("z", 32)).Encrypt("p")
	require.NoError(t, err)

	tests := []struct {
		name        string
		in          string
		wantChanged bool
	}{
		{"empty", "", false},
		{"single layer", once, false},
		{"double layer", twice, true},
		{"plaintext", "p", true},
		{"foreign key", foreign, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, changed, err := normalizeField(c, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantChanged, changed)
			if !changed {
				assert.Equal(t, tt.in, out)
				return
			}
			plain, err := c.Decrypt(out)
			require.NoError(t, err)
			assert.Equal(t, "p", plain)
		})
	}
}

func TestErrorsMatch(t *testing.T) {
	t.Parallel()

	var err error = &NotFoundError{Kind: "letter", ID: "x"}
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualError(t, err, `letter "x" not found`)

	err = &StaleJobSkip{LetterID: "l", JobID: "j", Reason: "delivered"}
	assert.ErrorIs(t, err, ErrStaleJob)

	cause := errors.New("smtp down")
	err = &TransportError{LetterID: "l", Err: cause}
	assert.ErrorIs(t, err, cause)

	assert.ErrorIs(t, invalid("x %d", 1), ErrInvalidInput)
}
