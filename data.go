package main

import (
	"time"
)

// Msg is a message in the delivery queue: one entry per recipient. A request
// with CC/BCC recipients fans out to multiple entries, with "+cc" or "+bcc"
// appended to the send ID of the companion entries.
type Msg struct {
	ID int64

	// Unique per entry. Used as suffix in the localpart of the bounce address in
	// the SMTP MAIL FROM, so DSNs can be correlated back to this entry.
	SendID string `bstore:"nonzero,unique"`

	// SendID without any "+cc"/"+bcc" suffix, the same for all entries created
	// for one request.
	BaseID string `bstore:"nonzero,index"`

	// Single address this entry delivers to.
	Recipient string `bstore:"nonzero"`

	// Original send request, JSON-encoded. Each delivery attempt encodes the
	// message anew from this request, with the configuration of that moment.
	Request []byte `bstore:"nonzero" json:"-"`

	// Opaque caller data, stored verbatim, echoed in delivery events.
	Context []byte `json:"-"`

	Queued      time.Time `bstore:"default now"`
	Attempts    int       // Starts at 0, incremented just before each delivery attempt.
	NextAttempt time.Time `bstore:"nonzero"`
	LastAttempt time.Time
	LastError   string

	// Set on successful delivery. Delivered entries are kept around for a while
	// so late bounces can still be correlated, then cleaned up.
	Delivered bool `bstore:"index Delivered+NextAttempt"` // Index for quickly finding next work to do.
	Sent      time.Time
}

// Event is a delivery event about a queued message. Events are stored for
// retrieval through the API, logged, counted in metrics, and optionally
// delivered to a webhook.
type Event struct {
	ID        int64
	SendID    string    `bstore:"nonzero,index SendID+Time"`
	Time      time.Time `bstore:"nonzero,default now"`
	Kind      EventKind `bstore:"nonzero"`
	Recipient string
	Detail    string // Error message, spam verdict, DSN summary.
}

// EventKind is the type of a delivery event.
type EventKind string

const (
	EventSent       EventKind = "email_sent"       // Delivered, entry cleaned up after retention.
	EventFailed     EventKind = "email_failed"     // Permanent failure or retries exhausted.
	EventBounced    EventKind = "email_bounced"    // A bounce was correlated to the entry.
	EventSpamStatus EventKind = "email_spamstatus" // Spamd verdict about a delivered message.
)

// Email is a request to send a message. Exactly how the message is composed
// depends on which fields are set: a raw body is passed through with only an
// X-Mailer header added, a structured body is encoded as a MIME document with
// canonical headers, and otherwise a message is rendered from the text/HTML
// fields or templates.
type Email struct {
	// Recipient addresses, each optionally empty, at least one required. Each
	// non-empty address becomes its own queue entry.
	To  string
	CC  string
	BCC string

	// Empty (use the configured default), a bare address, a display name with
	// address, or only a display name (combined with the default address).
	From string

	// If empty for a rendered message, the title of the HTML body is used.
	Subject string

	// Body text/HTML, or names of template files rendered with Vars. Ignored
	// when Body is set.
	Text         string
	HTML         string
	TextTemplate string
	HTMLTemplate string
	Vars         map[string]string

	// Nil: no Reply-To header. Empty string: an explicit empty Reply-To ("<>").
	// The value "message-id": a unique reply+<id>@domain address. Anything else:
	// used as-is, with the configured domain appended when it has none.
	ReplyTo *string

	// Extra headers, added after the generated ones.
	Headers [][2]string

	// Pre-built message body, bypassing rendering.
	Body *Body

	// If set, the message waits in the queue for its first scheduled attempt
	// instead of being dispatched immediately.
	Queue bool

	// Optional caller-chosen ID, lowercase alphanumeric; generated when empty.
	ID string

	// Opaque data stored with the queue entry and echoed in delivery events.
	Context string
}

// Body is a pre-built message body: either a complete raw message, or a MIME
// document with leaf parts.
type Body struct {
	// Complete encoded message. If set, the message is sent as-is, with only an
	// X-Mailer header prepended.
	Raw []byte

	Type    string // E.g. "multipart".
	Subtype string // E.g. "mixed".
	Headers [][2]string
	Params  map[string]string
	Parts   []Part
}

// Part is a leaf part of a structured body.
type Part struct {
	Type    string
	Subtype string
	Headers [][2]string
	Params  map[string]string
	Data    []byte
}
