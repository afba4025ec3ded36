package email

import (
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
)

// Cursor is the delta marker of an account: the mailbox generation and the
// highest UID already ingested from it
type Cursor struct {
	UIDValidity uint32
	LastUID     uint32
}

// MessageRef identifies a message within the selected mailbox generation
type MessageRef struct {
	UID uint32
}

// Listing is the result of ListUnseen
type Listing struct {
	UIDValidity uint32
	Refs        []MessageRef
	// Reset is set when the server's UIDVALIDITY no longer matches the cursor
	Reset bool
}

// Address represents an email address
type Address struct {
	Name    string
	Address string
}

// Envelope is the server-parsed header summary
type Envelope struct {
	Date      time.Time
	Subject   string
	MessageID string
	From      []Address
	To        []Address
	Cc        []Address
	Bcc       []Address
}

// RawMessage is one message as retrieved from the server. Absent parts are
// zero: InternalDate zero, Envelope nil, Literal nil.
type RawMessage struct {
	Ref          MessageRef
	UIDValidity  uint32
	Flags        []string
	InternalDate time.Time
	Envelope     *Envelope
	Literal      []byte
	Size         uint32
}

// HasFlag reports whether the server reported the flag, case-insensitively
func (m *RawMessage) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// Seen reports whether the \Seen flag is set
func (m *RawMessage) Seen() bool {
	return m.HasFlag(imap.SeenFlag)
}

// selectNew turns a UID SEARCH result into the refs to fetch.
//
// Servers answer "last+1:*" with the highest UID even when it is <= last, so
// those are dropped. A first sync only takes the newest limit messages
// (limit <= 0 means no limit).
func selectNew(uids []uint32, cursor Cursor, validity uint32, limit int) ([]MessageRef, bool) {
	reset := cursor.UIDValidity != 0 && cursor.UIDValidity != validity
	last := cursor.LastUID
	if reset {
		last = 0
	}

	seen := make(map[uint32]struct{}, len(uids))
	filtered := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if uid == 0 || uid <= last {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		filtered = append(filtered, uid)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i] < filtered[j] })

	if last == 0 && limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	refs := make([]MessageRef, len(filtered))
	for i, uid := range filtered {
		refs[i] = MessageRef{UID: uid}
	}
	return refs, reset
}

func convertAddresses(in []*imap.Address) []Address {
	if len(in) == 0 {
		return nil
	}
	out := make([]Address, 0, len(in))
	for _, a := range in {
		if a == nil {
			continue
		}
		// group end markers carry neither mailbox nor host
		if a.HostName == "" && a.MailboxName == "" {
			continue
		}
		out = append(out, Address{Name: a.PersonalName, Address: a.Address()})
	}
	return out
}

func convertEnvelope(env *imap.Envelope) *Envelope {
	if env == nil {
		return nil
	}
	return &Envelope{
		Date:      env.Date,
		Subject:   env.Subject,
		MessageID: env.MessageId,
		From:      convertAddresses(env.From),
		To:        convertAddresses(env.To),
		Cc:        convertAddresses(env.Cc),
		Bcc:       convertAddresses(env.Bcc),
	}
}
