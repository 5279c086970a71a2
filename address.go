package main

import (
	cryptorand "crypto/rand"
	"net/mail"
	"strings"

	"github.com/mjl-/mox/smtp"
)

// newSendID returns a fresh 20-character lowercase alphanumeric ID for a
// queue entry. The ID ends up in the localpart of bounce addresses, so it
// stays plain ASCII.
func newSendID() string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, 20)
	cryptorand.Read(buf)
	for i, b := range buf {
		buf[i] = chars[int(b)%len(chars)]
	}
	return string(buf)
}

// bounceAddress is the unique envelope sender (SMTP MAIL FROM) for a queue
// entry. DSNs about the message come back addressed to it.
func bounceAddress(c Config, sendID string) smtp.Address {
	return smtp.Address{Localpart: smtp.Localpart("noreply+" + sendID), Domain: c.BounceDNSDomain}
}

// replyAddress is the unique Reply-To address for a queue entry, for requests
// that ask for one with the "message-id" sentinel.
func replyAddress(c Config, sendID string) smtp.Address {
	return smtp.Address{Localpart: smtp.Localpart("reply+" + sendID), Domain: c.DNSDomain}
}

// bounceSendID extracts the queue entry ID from the localpart of a bounce
// address. Returns the empty string when the localpart is not one of our
// bounce addresses.
func bounceSendID(lp smtp.Localpart) string {
	s := string(lp)
	if !strings.HasPrefix(s, "noreply+") {
		return ""
	}
	return strings.TrimPrefix(s, "noreply+")
}

// ensureDomain appends the configured domain to an address without one.
func ensureDomain(c Config, addr string) string {
	if strings.Contains(addr, "@") {
		return addr
	}
	return addr + "@" + c.DNSDomain.Name()
}

// escapeAddress rewrites an address for use inside a display name, as done
// for the To header when an override recipient is configured.
func escapeAddress(addr string) string {
	return strings.ReplaceAll(addr, "@", "-at-")
}

// singleLine collapses all whitespace, including newlines, into single
// spaces. Addresses placed in headers must not span lines.
func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// parseFrom splits a request From field into a display name and an address.
// Accepts a bare address, a display name with angle-addr, or only a display
// name (no address).
func parseFrom(s string) (name, addr string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	if a, err := mail.ParseAddress(s); err == nil {
		return a.Name, a.Address
	}
	if strings.Contains(s, "@") {
		return "", s
	}
	return s, ""
}

// bareAddress extracts the plain address from a possibly display-named
// recipient, for use as SMTP RCPT TO.
func bareAddress(s string) string {
	if a, err := mail.ParseAddress(s); err == nil {
		return a.Address
	}
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 0 {
			return s[i+1 : i+j]
		}
	}
	return s
}
