package mailer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// messageIDDomain is the right-hand side of generated Message-Id headers
const messageIDDomain = "premail.local"

// Message represents an email message to be sent
type Message struct {
	From     string   // optional sender address; Gmail fills in the account when empty
	To       []string // recipient addresses
	Cc       []string
	Bcc      []string
	Subject  string
	HTMLBody string // preferred when set
	TextBody string // used when HTMLBody is empty
}

// Validate checks the message can be transmitted
func (m Message) Validate() error {
	if len(m.To) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidMessage)
	}
	if strings.ContainsAny(m.Subject, "\r\n") {
		return fmt.Errorf("%w: subject must be a single line", ErrInvalidMessage)
	}
	if m.HTMLBody == "" && m.TextBody == "" {
		return fmt.Errorf("%w: a body is required", ErrInvalidMessage)
	}
	if m.From != "" {
		if _, err := mail.ParseAddress(m.From); err != nil {
			return fmt.Errorf("%w: invalid sender %q", ErrInvalidMessage, m.From)
		}
	}
	for _, list := range [][]string{m.To, m.Cc, m.Bcc} {
		if _, err := addressList(list); err != nil {
			return err
		}
	}
	return nil
}

// Build renders m as an RFC 5322 message
func Build(m Message, now time.Time) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var h mail.Header
	h.SetDate(now)
	h.SetMessageID(uuid.New().String() + "@" + messageIDDomain)
	h.SetSubject(m.Subject)
	h.Set("MIME-Version", "1.0")

	if m.From != "" {
		from, _ := mail.ParseAddress(m.From)
		h.SetAddressList("From", []*mail.Address{from})
	}
	recipients := []struct {
		key  string
		list []string
	}{
		{"To", m.To},
		{"Cc", m.Cc},
		{"Bcc", m.Bcc},
	}
	for _, r := range recipients {
		if len(r.list) == 0 {
			continue
		}
		addrs, _ := addressList(r.list)
		h.SetAddressList(r.key, addrs)
	}

	body := m.TextBody
	contentType := "text/plain"
	if m.HTMLBody != "" {
		body = m.HTMLBody
		contentType = "text/html"
	}
	h.SetContentType(contentType, map[string]string{"charset": "UTF-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

// Encode returns raw as unpadded base64url, the form Gmail's raw field takes
func Encode(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode reverses Encode
func Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func addressList(list []string) ([]*mail.Address, error) {
	addrs := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		addr, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid address %q", ErrInvalidMessage, a)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
