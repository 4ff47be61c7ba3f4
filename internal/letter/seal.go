package letter

import (
	"fmt"

	"letterbox/internal/envelope"
)

// Seal encrypts subject, content and attachment URLs with one layer each.
// Empty fields stay empty.
func Seal(c *envelope.Cipher, l Letter) (Letter, error) {
	var err error
	if l.Subject, err = sealField(c, l.Subject); err != nil {
		return Letter{}, fmt.Errorf("seal subject: %w", err)
	}
	if l.Content, err = sealField(c, l.Content); err != nil {
		return Letter{}, fmt.Errorf("seal content: %w", err)
	}
	atts := make([]Attachment, len(l.Attachments))
	for i, a := range l.Attachments {
		if a.URL, err = sealField(c, a.URL); err != nil {
			return Letter{}, fmt.Errorf("seal attachment: %w", err)
		}
		atts[i] = a
	}
	l.Attachments = atts
	return l, nil
}

func sealField(c *envelope.Cipher, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return c.Encrypt(s)
}

// Open returns l with every encrypted field peeled to plaintext. It never
// fails; unreadable fields are returned as far as they could be opened.
func Open(c *envelope.Cipher, l Letter) Letter {
	l.Subject = c.FullyDecrypt(l.Subject, envelope.DefaultMaxDepth)
	l.Content = c.FullyDecrypt(l.Content, envelope.DefaultMaxDepth)
	atts := make([]Attachment, len(l.Attachments))
	for i, a := range l.Attachments {
		a.URL = c.FullyDecrypt(a.URL, envelope.DefaultMaxDepth)
		atts[i] = a
	}
	l.Attachments = atts
	return l
}

// normalizeField rewrites s to exactly one layer. It reports false when s
// already is a single readable layer or empty.
func normalizeField(c *envelope.Cipher, s string) (string, bool, error) {
	if s == "" {
		return s, false, nil
	}
	if envelope.IsEnvelope(s) {
		once, err := c.Decrypt(s)
		if err != nil {
			// unreadable under this key; rewriting would only add a layer
			return s, false, nil
		}
		if !envelope.IsEnvelope(once) {
			return s, false, nil
		}
	}
	out, err := c.Normalize(s)
	if err != nil {
		return s, false, err
	}
	return out, true, nil
}
