package parser

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/mixelka/mailingest/internal/email"
	"github.com/mixelka/mailingest/pkg/models"
)

// PreviewCap is the preview length in runes, not counting the ellipsis
const PreviewCap = 160

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Normalizer turns raw server messages into FetchedMessage. It performs no I/O;
// the clock is only read when a message carries no usable date at all.
type Normalizer struct {
	now        func() time.Time
	previewCap int
}

// NewNormalizer creates a normalizer. A nil clock means time.Now.
func NewNormalizer(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now, previewCap: PreviewCap}
}

type headerFields struct {
	subject    string
	messageID  string
	from       []*mail.Address
	recipients [][]*mail.Address
	date       time.Time
}

type bodyParts struct {
	text        string
	html        string
	attachments []models.AttachmentMeta
}

// Normalize converts raw into the canonical message of the given account
func (n *Normalizer) Normalize(accountUserID string, raw *email.RawMessage) *models.FetchedMessage {
	hdr, body := n.parseLiteral(raw.Literal)
	n.fillFromEnvelope(&hdr, raw.Envelope)

	msg := &models.FetchedMessage{
		AccountUserID: accountUserID,
		UID:           raw.Ref.UID,
		UIDValidity:   raw.UIDValidity,
		MessageID:     normalizeMessageID(hdr.messageID),
		Subject:       strings.TrimSpace(hdr.subject),
		BodyText:      body.text,
		BodyHTML:      body.html,
		IsUnread:      !raw.Seen(),
		Attachments:   body.attachments,
	}

	if len(hdr.from) > 0 {
		msg.Sender = strings.TrimSpace(hdr.from[0].Address)
		msg.SenderName = strings.TrimSpace(hdr.from[0].Name)
	}
	msg.Recipients = flattenRecipients(hdr.recipients...)

	switch {
	case !hdr.date.IsZero():
		msg.SentAt, msg.DateSource = hdr.date.UTC(), models.DateFromHeader
	case !raw.InternalDate.IsZero():
		msg.SentAt, msg.DateSource = raw.InternalDate.UTC(), models.DateFromInternal
	default:
		msg.SentAt, msg.DateSource = n.now().UTC(), models.DateSynthetic
	}

	if msg.MessageID != "" {
		msg.ExternalID = msg.MessageID
	} else {
		msg.ExternalID = fmt.Sprintf("uid:%d:%d", raw.UIDValidity, raw.Ref.UID)
	}

	if msg.BodyText == "" && msg.BodyHTML != "" {
		msg.BodyText = htmlToText(msg.BodyHTML, false)
	}
	msg.Preview = n.preview(body)

	return msg
}

// Preview builds the single-line summary of a body
func (n *Normalizer) Preview(text string) string {
	return n.preview(bodyParts{text: text})
}

func (n *Normalizer) preview(body bodyParts) string {
	source := body.text
	if source == "" {
		source = htmlToText(body.html, true)
	}

	preview := collapseWhitespace(stripQuotes(source))
	if preview == "" {
		preview = collapseWhitespace(source)
	}
	return truncateRunes(preview, n.previewCap)
}

// parseLiteral reads headers and parts from the full RFC 5322 message. A
// missing or unparseable literal yields empty results.
func (n *Normalizer) parseLiteral(literal []byte) (headerFields, bodyParts) {
	var hdr headerFields
	var body bodyParts
	if len(literal) == 0 {
		return hdr, body
	}

	mr, err := mail.CreateReader(bytes.NewReader(literal))
	if err != nil && !message.IsUnknownCharset(err) {
		return hdr, body
	}
	defer mr.Close()

	h := mr.Header
	hdr.subject, _ = h.Subject()
	hdr.messageID, _ = h.MessageID()
	hdr.from, _ = h.AddressList("From")
	if len(hdr.from) == 0 {
		hdr.from, _ = h.AddressList("Sender")
	}
	for _, key := range []string{"To", "Cc", "Bcc"} {
		list, _ := h.AddressList(key)
		hdr.recipients = append(hdr.recipients, list)
	}
	if date, err := h.Date(); err == nil {
		hdr.date = date
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}
		if part == nil {
			continue
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := ph.ContentType()
			switch {
			case contentType == "text/plain" && body.text == "":
				body.text = readText(part.Body)
			case contentType == "text/html" && body.html == "":
				body.html = readText(part.Body)
			case !strings.HasPrefix(contentType, "text/") && contentType != "":
				// inline images and similar still count as attachments
				body.attachments = append(body.attachments, models.AttachmentMeta{
					Filename:    inlineFilename(ph, params),
					ContentType: contentType,
					Size:        countBytes(part.Body),
				})
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			body.attachments = append(body.attachments, models.AttachmentMeta{
				Filename:    filename,
				ContentType: contentType,
				Size:        countBytes(part.Body),
			})
		}
	}

	return hdr, body
}

// fillFromEnvelope covers header fields the literal did not provide
func (n *Normalizer) fillFromEnvelope(hdr *headerFields, env *email.Envelope) {
	if env == nil {
		return
	}
	if hdr.subject == "" {
		hdr.subject = decodeWords(env.Subject)
	}
	if hdr.messageID == "" {
		hdr.messageID = env.MessageID
	}
	if len(hdr.from) == 0 {
		hdr.from = envelopeAddresses(env.From)
	}
	if len(hdr.recipients) == 0 {
		hdr.recipients = [][]*mail.Address{
			envelopeAddresses(env.To),
			envelopeAddresses(env.Cc),
			envelopeAddresses(env.Bcc),
		}
	}
	if hdr.date.IsZero() {
		hdr.date = env.Date
	}
}

func envelopeAddresses(in []email.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(in))
	for _, a := range in {
		out = append(out, &mail.Address{Name: decodeWords(a.Name), Address: a.Address})
	}
	return out
}

// flattenRecipients merges address lists in order, dropping case-insensitive duplicates
func flattenRecipients(lists ...[]*mail.Address) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, a := range list {
			if a == nil {
				continue
			}
			addr := strings.TrimSpace(a.Address)
			if addr == "" {
				continue
			}
			key := strings.ToLower(addr)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, addr)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

func decodeWords(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func inlineFilename(h *mail.InlineHeader, params map[string]string) string {
	if _, dispParams, err := h.ContentDisposition(); err == nil && dispParams["filename"] != "" {
		return decodeWords(dispParams["filename"])
	}
	return decodeWords(params["name"])
}

func readText(r io.Reader) string {
	b, err := io.ReadAll(r)
	if err != nil && len(b) == 0 {
		return ""
	}
	return strings.ReplaceAll(string(b), "\r\n", "\n")
}

func countBytes(r io.Reader) int64 {
	n, _ := io.Copy(io.Discard, r)
	return n
}
