package parser

import (
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mixelka/mailingest/internal/email"
	"github.com/mixelka/mailingest/pkg/models"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testNormalizer() *Normalizer {
	return NewNormalizer(func() time.Time { return fixedNow })
}

func rawFrom(literal string) *email.RawMessage {
	return &email.RawMessage{
		Ref:         email.MessageRef{UID: 42},
		UIDValidity: 7,
		Literal:     []byte(strings.ReplaceAll(literal, "\n", "\r\n")),
	}
}

const plainMessage = `From: "Alice Example" <alice@example.com>
To: Bob <bob@example.com>, carol@example.com
Cc: BOB@example.com, dave@example.com
Subject: =?UTF-8?B?0J/RgNC40LLQtdGC?=
Date: Tue, 05 Mar 2024 10:00:00 +0100
Message-ID: <abc123@example.com>
Content-Type: text/plain; charset=utf-8

Thanks, see you then.

On Mon, 4 Mar 2024 at 09:00, Bob <bob@example.com> wrote:
> Are we still on for tomorrow?
`

func TestNormalizePlainMessage(t *testing.T) {
	raw := rawFrom(plainMessage)
	raw.Flags = []string{"\\Seen"}

	msg := testNormalizer().Normalize("u1", raw)

	if msg.AccountUserID != "u1" || msg.UID != 42 || msg.UIDValidity != 7 {
		t.Fatalf("identity not carried over: %+v", msg)
	}
	if msg.ExternalID != "abc123@example.com" || msg.MessageID != "abc123@example.com" {
		t.Fatalf("external id = %q, message id = %q", msg.ExternalID, msg.MessageID)
	}
	if msg.Subject != "Привет" {
		t.Fatalf("subject = %q", msg.Subject)
	}
	if msg.Sender != "alice@example.com" || msg.SenderName != "Alice Example" {
		t.Fatalf("sender = %q / %q", msg.Sender, msg.SenderName)
	}
	wantRecipients := []string{"bob@example.com", "carol@example.com", "dave@example.com"}
	if !reflect.DeepEqual(msg.Recipients, wantRecipients) {
		t.Fatalf("recipients = %v, want %v", msg.Recipients, wantRecipients)
	}
	if msg.DateSource != models.DateFromHeader || !msg.SentAt.Equal(time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("date = %v (%s)", msg.SentAt, msg.DateSource)
	}
	if msg.IsUnread {
		t.Fatal("\\Seen message reported unread")
	}
	if msg.Preview != "Thanks, see you then." {
		t.Fatalf("preview = %q", msg.Preview)
	}
	if !strings.Contains(msg.BodyText, "Are we still on") {
		t.Fatal("body text should keep the quoted history")
	}
}

func TestNormalizeEmptySubject(t *testing.T) {
	msg := testNormalizer().Normalize("u1", rawFrom("From: a@example.com\nContent-Type: text/plain\n\nhello\n"))
	if msg.Subject != "" {
		t.Fatalf("subject = %q, want empty", msg.Subject)
	}
	if !msg.IsUnread {
		t.Fatal("message without \\Seen should be unread")
	}
	if msg.Recipients == nil {
		t.Fatal("recipients should be an empty list, not nil")
	}
}

func TestNormalizeDateFallback(t *testing.T) {
	internal := time.Date(2024, 2, 2, 8, 30, 0, 0, time.FixedZone("x", 3600))

	raw := rawFrom("From: a@example.com\nDate: not a date\n\nbody\n")
	raw.InternalDate = internal
	msg := testNormalizer().Normalize("u1", raw)
	if msg.DateSource != models.DateFromInternal || !msg.SentAt.Equal(internal) {
		t.Fatalf("date = %v (%s), want internal", msg.SentAt, msg.DateSource)
	}

	raw = rawFrom("From: a@example.com\nDate: not a date\n\nbody\n")
	msg = testNormalizer().Normalize("u1", raw)
	if msg.DateSource != models.DateSynthetic || !msg.SentAt.Equal(fixedNow) {
		t.Fatalf("date = %v (%s), want synthetic", msg.SentAt, msg.DateSource)
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	n := testNormalizer()
	raw := rawFrom(plainMessage)
	first := n.Normalize("u1", raw)
	for i := 0; i < 5; i++ {
		if got := n.Normalize("u1", raw); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, got, first)
		}
	}
}

func TestNormalizeWithoutMessageID(t *testing.T) {
	msg := testNormalizer().Normalize("u1", rawFrom("From: a@example.com\n\nbody\n"))
	if msg.ExternalID != "uid:7:42" {
		t.Fatalf("external id = %q", msg.ExternalID)
	}
}

func TestNormalizeEnvelopeOnly(t *testing.T) {
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	raw := &email.RawMessage{
		Ref:         email.MessageRef{UID: 3},
		UIDValidity: 9,
		Envelope: &email.Envelope{
			Subject:   "=?UTF-8?Q?caf=C3=A9?=",
			MessageID: "<env@example.com>",
			Date:      date,
			From:      []email.Address{{Name: "Eve", Address: "eve@example.com"}},
			To:        []email.Address{{Address: "x@example.com"}, {Address: "X@example.com"}},
		},
	}

	msg := testNormalizer().Normalize("u1", raw)
	if msg.Subject != "café" || msg.ExternalID != "env@example.com" {
		t.Fatalf("subject = %q, external id = %q", msg.Subject, msg.ExternalID)
	}
	if msg.Sender != "eve@example.com" || msg.SenderName != "Eve" {
		t.Fatalf("sender = %q / %q", msg.Sender, msg.SenderName)
	}
	if !reflect.DeepEqual(msg.Recipients, []string{"x@example.com"}) {
		t.Fatalf("recipients = %v", msg.Recipients)
	}
	if msg.DateSource != models.DateFromHeader || !msg.SentAt.Equal(date) {
		t.Fatalf("date = %v (%s)", msg.SentAt, msg.DateSource)
	}
	if msg.BodyText != "" || msg.Preview != "" {
		t.Fatal("no literal should mean no body")
	}
}

const multipartMessage = `From: a@example.com
Subject: report
Message-ID: <mp@example.com>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/html; charset=utf-8

<html><head><style>p{}</style></head><body><p>Quarterly <b>numbers</b> attached.</p><div class="gmail_quote">On Monday Bob wrote: old stuff</div></body></html>
--inner--

--outer
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

aGVsbG8gd29ybGQ=
--outer--
`

func TestNormalizeMultipartHTMLOnly(t *testing.T) {
	msg := testNormalizer().Normalize("u1", rawFrom(multipartMessage))

	if !strings.Contains(msg.BodyHTML, "<b>numbers</b>") {
		t.Fatalf("html body = %q", msg.BodyHTML)
	}
	if !strings.Contains(msg.BodyText, "Quarterly numbers attached.") {
		t.Fatalf("text derived from html = %q", msg.BodyText)
	}
	if msg.Preview != "Quarterly numbers attached." {
		t.Fatalf("preview = %q", msg.Preview)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("attachments = %+v", msg.Attachments)
	}
	att := msg.Attachments[0]
	if att.Filename != "report.pdf" || att.ContentType != "application/pdf" || att.Size != int64(len("hello world")) {
		t.Fatalf("attachment = %+v", att)
	}
}

func TestPreviewCap(t *testing.T) {
	n := testNormalizer()

	exact := strings.Repeat("a", PreviewCap)
	if got := n.Preview(exact); got != exact {
		t.Fatalf("preview of exactly cap runes changed: %q", got)
	}

	long := strings.Repeat("ж", PreviewCap+1)
	got := n.Preview(long)
	if utf8.RuneCountInString(got) != PreviewCap+1 {
		t.Fatalf("preview length = %d runes, want %d", utf8.RuneCountInString(got), PreviewCap+1)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("truncated preview lacks ellipsis: %q", got)
	}
	if strings.TrimSuffix(got, "…") != string([]rune(long)[:PreviewCap]) {
		t.Fatal("truncated preview is not a prefix of the cleaned body")
	}
}

func TestPreviewCollapsesWhitespace(t *testing.T) {
	got := testNormalizer().Preview("  Hello\n\n\tworld \u200b  again  ")
	if got != "Hello world again" {
		t.Fatalf("preview = %q", got)
	}
}
