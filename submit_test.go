package main

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/mjl-/mox/dns"
)

// testDialer rewrites the SMTP port so direct deliveries to mocked DNS
// names end up at the fake smarthost.
type testDialer struct{}

func (testDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(host, strconv.Itoa(smtpPort)))
}

func TestSubmitDirect(t *testing.T) {
	origResolver, origDialer := resolver, smtpDialer
	defer func() {
		resolver, smtpDialer = origResolver, origDialer
	}()
	smtpDialer = testDialer{}
	resolver = dns.MockResolver{
		MX: map[string][]*net.MX{
			"customer.example.": {{Host: "mx1.customer.example.", Pref: 10}},
			"nullmx.example.":   {{Host: ".", Pref: 0}},
			"fallback.example.": {{Host: "down.customer.example.", Pref: 10}, {Host: "mx1.customer.example.", Pref: 20}},
			"reject.example.":   {{Host: "mx1.customer.example.", Pref: 10}, {Host: "mx2.customer.example.", Pref: 20}},
		},
		A: map[string][]string{
			"mx1.customer.example.": {"127.0.0.1"},
			"mx2.customer.example.": {"127.0.0.1"},
			"implicit.example.":     {"127.0.0.1"},
		},
		Fail: []string{"mx tempfail.example."},
	}

	c := conf()
	c.SMTP.Relay = false
	msg := []byte("Subject: hi\r\n\r\nhello\r\n")

	// MX host resolved and dialed, message accepted.
	err := submitDirect(ctxbg, c, "noreply+d1@bounce.example", "user@customer.example", msg, false, false)
	tcheckf(t, err, "direct delivery")
	tx := tneedsmtp(t)
	tcompare(t, tx.MailFrom, "noreply+d1@bounce.example")
	tcompare(t, tx.RcptTo, []string{"user@customer.example"})
	tcompare(t, tx.Msg, msg)

	// Rejected message. Permanent, and the next mx host must not be tried.
	smtpDataCode.Store(550)
	err = submitDirect(ctxbg, c, "noreply+d2@bounce.example", "user@reject.example", msg, false, false)
	smtpDataCode.Store(0)
	if !deliverPermanent(err) {
		t.Fatalf("got %v, expected permanent error for rejected message", err)
	}
	tneedsmtp(t)
	tnosmtp(t)

	// Null MX, the domain does not accept email.
	err = submitDirect(ctxbg, c, "noreply+d3@bounce.example", "user@nullmx.example", msg, false, false)
	if !deliverPermanent(err) {
		t.Fatalf("got %v, expected permanent error for null mx", err)
	}
	tnosmtp(t)

	// Temporary DNS failure must stay retriable.
	err = submitDirect(ctxbg, c, "noreply+d4@bounce.example", "user@tempfail.example", msg, false, false)
	if err == nil || deliverPermanent(err) {
		t.Fatalf("got %v, expected transient error for dns failure", err)
	}
	tnosmtp(t)

	// No MX records, delivery to the domain itself.
	err = submitDirect(ctxbg, c, "noreply+d5@bounce.example", "user@implicit.example", msg, false, false)
	tcheckf(t, err, "delivery to implicit mx")
	tx = tneedsmtp(t)
	tcompare(t, tx.RcptTo, []string{"user@implicit.example"})

	// First MX host does not resolve, next is tried.
	err = submitDirect(ctxbg, c, "noreply+d6@bounce.example", "user@fallback.example", msg, false, false)
	tcheckf(t, err, "delivery to second mx host")
	tneedsmtp(t)

	// Unknown domain, nothing resolves. Retriable, DNS may be having a bad day.
	err = submitDirect(ctxbg, c, "noreply+d7@bounce.example", "user@unknown.example", msg, false, false)
	if err == nil || deliverPermanent(err) {
		t.Fatalf("got %v, expected transient error for unknown domain", err)
	}
	tnosmtp(t)
}

func TestSubmitNoMXLookups(t *testing.T) {
	origResolver, origDialer := resolver, smtpDialer
	defer func() {
		resolver, smtpDialer = origResolver, origDialer
	}()
	smtpDialer = testDialer{}
	// MX lookups would fail, but they must not happen at all.
	resolver = dns.MockResolver{
		A:    map[string][]string{"direct.example.": {"127.0.0.1"}},
		Fail: []string{"mx direct.example."},
	}

	c := conf()
	c.SMTP.Relay = false
	c.SMTP.NoMXLookups = true

	msg := []byte("Subject: hi\r\n\r\nhello\r\n")
	err := submitDirect(ctxbg, c, "noreply+d8@bounce.example", "user@direct.example", msg, false, false)
	tcheckf(t, err, "delivery without mx lookups")
	tx := tneedsmtp(t)
	tcompare(t, tx.RcptTo, []string{"user@direct.example"})
}
