package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/mjl-/mox/dns"
	"github.com/mjl-/mox/sasl"
	"github.com/mjl-/mox/smtp"
	"github.com/mjl-/mox/smtpclient"
)

// Timestamp as used in internet mail messages.
const RFC5322Z = "2 Jan 2006 15:04:05 -0700"

var resolver dns.Resolver = dns.StrictResolver{Pkg: "deliver"}

// smtpDialer dials mail servers for direct delivery. Tests replace it to
// reach their local server.
var smtpDialer smtpclient.Dialer = &net.Dialer{Timeout: 30 * time.Second}

// errDeliverPermanent marks failures that retrying cannot fix, besides
// SMTP Error values that say so themselves.
var errDeliverPermanent = errors.New("permanent delivery failure")

// deliverPermanent reports whether a delivery error means the message must
// be dropped instead of retried.
func deliverPermanent(err error) bool {
	var cerr smtpclient.Error
	if errors.As(err, &cerr) {
		return cerr.Permanent
	}
	return errors.Is(err, errDeliverPermanent)
}

// submit sends msg to rcptTo with the queue entry's unique bounce address
// as envelope sender, through the configured smarthost or directly to the
// mail servers of the recipient domain.
func submit(ctx context.Context, c Config, mailFrom, rcptTo string, msg []byte, eightbit, smtputf8 bool) error {
	if c.SMTP.Relay {
		return submitRelay(ctx, c, mailFrom, rcptTo, msg, eightbit, smtputf8)
	}
	return submitDirect(ctx, c, mailFrom, rcptTo, msg, eightbit, smtputf8)
}

func submitRelay(ctx context.Context, c Config, mailFrom, rcptTo string, msg []byte, eightbit, smtputf8 bool) error {
	client, err := smtpDial(ctx, c)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Debug("closing smtp connection", "err", err)
		}
	}()
	if err := client.Deliver(ctx, mailFrom, rcptTo, int64(len(msg)), bytes.NewReader(msg), eightbit, smtputf8, false); err != nil {
		return fmt.Errorf("delivering to smarthost: %w", err)
	}
	return nil
}

// smtpDial connects to the smarthost and runs the SMTP handshake, with
// immediate TLS when configured and STARTTLS when the server offers it
// otherwise. Authentication is attempted only with both a username and a
// password configured, preferring SCRAM-SHA-256 over PLAIN.
func smtpDial(ctx context.Context, c Config) (*smtpclient.Client, error) {
	addr := net.JoinHostPort(c.SMTP.Host, fmt.Sprintf("%d", c.SMTP.Port))
	d := net.Dialer{}
	var conn net.Conn
	var err error
	if c.SMTP.TLS {
		config := tls.Config{InsecureSkipVerify: c.SMTP.TLSSkipVerify}
		tlsdialer := tls.Dialer{NetDialer: &d, Config: &config}
		conn, err = tlsdialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial smarthost: %v", err)
	}
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	var auth func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error)
	if c.SMTP.Username != "" && c.SMTP.Password != "" {
		auth = func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error) {
			noplus := true
			for _, m := range mechanisms {
				if m == "SCRAM-SHA-256-PLUS" {
					noplus = false
				}
			}
			for _, m := range mechanisms {
				if m == "SCRAM-SHA-256" {
					return sasl.NewClientSCRAMSHA256(c.SMTP.Username, c.SMTP.Password, noplus), nil
				}
			}
			for _, m := range mechanisms {
				if m == "PLAIN" {
					return sasl.NewClientPlain(c.SMTP.Username, c.SMTP.Password), nil
				}
			}
			return nil, nil
		}
	}

	// With TLS configured the dialer above already did the handshake.
	tlsMode := smtpclient.TLSOpportunistic
	if c.SMTP.TLS {
		tlsMode = smtpclient.TLSSkip
	}
	client, err := smtpclient.New(ctx, slog.Default(), conn, tlsMode, false, ehloDomain, remoteDomain(c.SMTP.Host), smtpclient.Opts{Auth: auth})
	if err != nil {
		return nil, fmt.Errorf("smtp handshake with smarthost: %w", err)
	}
	conn = nil
	return client, nil
}

// submitDirect delivers straight to the mail servers of the recipient
// domain, walking MX hosts in preference order until one accepts the
// message or rejects it permanently.
func submitDirect(ctx context.Context, c Config, mailFrom, rcptTo string, msg []byte, eightbit, smtputf8 bool) error {
	addr, err := smtp.ParseAddress(rcptTo)
	if err != nil {
		return fmt.Errorf("%w: parsing recipient address %q: %v", errDeliverPermanent, rcptTo, err)
	}
	dom := addr.Domain

	var hosts []dns.Domain
	if c.SMTP.NoMXLookups {
		hosts = []dns.Domain{dom}
	} else {
		// Note: LookupMX can return an error and still return records.
		mxl, _, err := resolver.LookupMX(ctx, dom.ASCII+".")
		if err == nil && len(mxl) == 1 && mxl[0].Host == "." {
			// Null MX, explicit signal that the domain does not accept email.
			return fmt.Errorf("%w: domain %s does not accept email", errDeliverPermanent, dom)
		}
		if err != nil && !dns.IsNotFound(err) {
			return fmt.Errorf("looking up mx hosts for %s: %v", dom, err)
		}
		if len(mxl) == 0 {
			// Implicit MX, deliver to the domain itself.
			mxl = []*net.MX{{Host: dom.ASCII + "."}}
		}
		for _, mx := range mxl {
			d, err := dns.ParseDomain(strings.TrimSuffix(mx.Host, "."))
			if err != nil {
				slog.Debug("skipping invalid mx host", "host", mx.Host, "err", err)
				continue
			}
			hosts = append(hosts, d)
		}
	}
	if len(hosts) == 0 {
		return fmt.Errorf("%w: no mail servers for %s", errDeliverPermanent, dom)
	}

	var lastErr error
	for _, host := range hosts {
		err := deliverHost(ctx, host, mailFrom, rcptTo, msg, eightbit, smtputf8)
		if err == nil {
			return nil
		}
		lastErr = err
		if deliverPermanent(err) {
			return err
		}
		slog.Debug("delivery to mail server failed, trying next", "host", host, "err", err)
	}
	return lastErr
}

// deliverHost attempts delivery to a single mail server, on port 25 with
// opportunistic STARTTLS.
func deliverHost(ctx context.Context, host dns.Domain, mailFrom, rcptTo string, msg []byte, eightbit, smtputf8 bool) error {
	ips, _, err := resolver.LookupIP(ctx, "ip", host.ASCII+".")
	if err != nil {
		return fmt.Errorf("resolving %s: %v", host, err)
	}

	var conn net.Conn
	for _, ip := range ips {
		conn, err = smtpDialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), "25"))
		if err == nil {
			break
		}
	}
	if conn == nil {
		return fmt.Errorf("connecting to %s: %v", host, err)
	}
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	client, err := smtpclient.New(ctx, slog.Default(), conn, smtpclient.TLSOpportunistic, false, ehloDomain, host, smtpclient.Opts{})
	if err != nil {
		return fmt.Errorf("smtp handshake with %s: %w", host, err)
	}
	conn = nil
	defer func() {
		if err := client.Close(); err != nil {
			slog.Debug("closing smtp connection", "err", err, "host", host)
		}
	}()
	if err := client.Deliver(ctx, mailFrom, rcptTo, int64(len(msg)), bytes.NewReader(msg), eightbit, smtputf8, false); err != nil {
		return fmt.Errorf("delivering to %s: %w", host, err)
	}
	return nil
}

// remoteDomain parses a configured host name, falling back to a literal for
// IP addresses.
func remoteDomain(host string) dns.Domain {
	if d, err := dns.ParseDomain(host); err == nil {
		return d
	}
	return dns.Domain{ASCII: host}
}
