package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mjl-/mox/dsn"
	"github.com/mjl-/mox/imapclient"
)

// watchDSN monitors the configured IMAP mailbox for incoming DSN messages,
// correlating them back to queue entries through the unique bounce address
// they were delivered to.
func watchDSN() {
	for {
		c := conf()
		if c.Monitor == nil {
			// Can happen after a config change, we just wait for the next.
			time.Sleep(time.Minute)
			continue
		}
		if err := imapWatchDSN(c); err != nil {
			logErrorx("watch imap mailbox for dsn", err)
		}

		// Wait a while before trying again.
		time.Sleep(time.Minute)
	}
}

// most of the time, a connection/protocol error and status != ok are just as bad
// and cause us to abort the connection.
func imapresult(result imapclient.Result, err error) error {
	if err != nil {
		return err
	} else if result.Status != imapclient.OK {
		return fmt.Errorf("imap response code %s", result.Status)
	}
	return nil
}

// make an IMAP connection, and select the configured mailbox.
func imapConnectSelect(c Config) (rimapconn *imapclient.Conn, rerr error) {
	addr := net.JoinHostPort(c.Monitor.Host, fmt.Sprintf("%d", c.Monitor.Port))

	var conn net.Conn
	var err error
	if c.Monitor.TLS {
		tlsconfig := tls.Config{InsecureSkipVerify: c.Monitor.TLSSkipVerify}
		conn, err = tls.Dial("tcp", addr, &tlsconfig)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap server: %v", err)
	}
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	metricIMAPConnections.Inc()

	imapconn, err := imapclient.New(conn, false)
	if err != nil {
		return nil, fmt.Errorf("new imapclient: %v", err)
	}
	conn = nil
	defer func() {
		if rerr != nil {
			err := imapconn.Close()
			logCheck(err, "closing imap connection after error")
			imapconn = nil
		}
	}()

	_, result, err := imapconn.AuthenticateSCRAM("SCRAM-SHA-256", sha256.New, c.Monitor.Username, c.Monitor.Password)
	if err := imapresult(result, err); err != nil {
		return nil, fmt.Errorf("imap authenticate: %v", err)
	}

	_, result, err = imapconn.Select(c.Monitor.Mailbox)
	if err := imapresult(result, err); err != nil {
		return nil, fmt.Errorf("imap select %s: %v", c.Monitor.Mailbox, err)
	}

	return imapconn, nil
}

// Make IMAP connection, call IDLE. When it returns, look for unseen messages
// without our keywords. Read through each, processing DSNs and adding flags.
func imapWatchDSN(c Config) (rerr error) {
	defer func() {
		x := recover()
		if x != nil {
			metricPanics.Inc()
			rerr = fmt.Errorf("unhandled panic: %v", x)
			slog.Error("unhandled panic", "panic", x)
			debug.PrintStack()
		}
	}()

	slog.Info("connecting to imap to idle until message comes in...")

	imapconn, err := imapConnectSelect(c)
	if err != nil {
		return fmt.Errorf("making imap connection: %v", err)
	}
	defer imapconn.Close()

	// Process messages that came in while we weren't looking.
	if err := imapProcess(c); err != nil {
		metricIncomingProcessErrors.Inc()
		return fmt.Errorf("processing messages in mailbox: %v", err)
	}

	// Keep executing an IDLE command. It returns when something happened (e.g.
	// message delivered). We'll then process it and wait for the next event.
	for {
		if err := imapWait(c, imapconn); err != nil {
			return fmt.Errorf("waiting for event from idle: %v", err)
		}
	}
}

// Wait for an "exists" response from idle. Other untagged responses are
// ignored and we continue idling. When we see an "exists", we process it on a
// new temporary connection.
func imapWait(c Config, imapconn *imapclient.Conn) error {
	if err := imapconn.Commandf("", "idle"); err != nil {
		return fmt.Errorf("writing idle command: %v", err)
	}
	line, err := imapconn.Readline()
	if err != nil {
		return fmt.Errorf("reading continuation response after idle command: %v", err)
	}
	if !strings.HasPrefix(line, "+ ") {
		return fmt.Errorf("unexpected response from server to idle command: %q", line)
	}

	slog.Info("imap idle: waiting for deliveries")
	for {
		untagged, err := imapconn.ReadUntagged()
		if err != nil {
			return fmt.Errorf("waiting and reading for idle events: %v", err)
		}
		_, ok := untagged.(imapclient.UntaggedExists)
		if !ok {
			continue
		}
		if err := imapProcess(c); err != nil {
			metricIncomingProcessErrors.Inc()
			return fmt.Errorf("processing new messages in mailbox: %v", err)
		}
	}
}

// Connect to imap server and handle all messages that are unread and we
// haven't labeled yet.
func imapProcess(c Config) error {
	slog.Info("connecting to process new messages in monitored mailbox...")

	imapconn, err := imapConnectSelect(c)
	if err != nil {
		return fmt.Errorf("making imap connection: %v", err)
	}
	defer imapconn.Close()

	// Search messages that we haven't processed yet, and aren't read yet.
	prefix := c.Monitor.KeywordPrefix
	untagged, result, err := imapconn.Transactf("uid search return (all) unseen unkeyword %sdsn unkeyword %snotdsn unkeyword %sproblem", prefix, prefix, prefix)
	if err := imapresult(result, err); err != nil {
		return fmt.Errorf("imap search: %v", err)
	}
	slog.Info("imap search for messages", "nuntagged", len(untagged))
	for _, r := range untagged {
		esearch, ok := r.(imapclient.UntaggedEsearch)
		if !ok {
			slog.Info("received unusable untagged message, we're only processing esearch responses", "untagged", r)
			continue
		}

		slog.Info("handling esearch response with one or more new messages")

		for _, r := range esearch.All.Ranges {
			first := r.First
			last := r.First
			if r.Last != nil {
				last = *r.Last
			}
			if last < first {
				first, last = last, first
			}
			for uid := first; uid <= last; uid++ {
				if problem, err := processMessage(c, imapconn, uid); err != nil {
					return fmt.Errorf("processing message with uid %d: %v", uid, err)
				} else if problem != "" {
					slog.Info("problem processing message, marking as failed", "uid", uid, "problem", problem)
					_, sresult, err := imapconn.Transactf("uid store %d +flags.silent (%sproblem)", uid, prefix)
					if err := imapresult(sresult, err); err != nil {
						return fmt.Errorf("setting flag problem: %v", err)
					}
				}
			}
		}
	}

	_, result, err = imapconn.Unselect()
	if err := imapresult(result, err); err != nil {
		return fmt.Errorf("unselect: %v", err)
	}

	_, result, err = imapconn.Logout()
	if err := imapresult(result, err); err != nil {
		return fmt.Errorf("imap logout: %v", err)
	}

	return nil
}

// processMessage tries to handle the message as DSN. If there is a
// connection/protocol error, an error is returned and further operations on
// the connection stopped. If problem is non-empty, the message should be
// marked as broken and continued with the next message.
func processMessage(c Config, imapconn *imapclient.Conn, uid uint32) (problem string, rerr error) {
	log := slog.With("uid", uid)

	// Fetch message metadata. See if it is a dsn. If not, add keyword notdsn.
	// If so, fetch the delivery status part, parse it, and look up the queue
	// entry for the bounce address the dsn was delivered to.
	meta, mresult, err := imapconn.Transactf(`uid fetch %d (flags bodystructure body.peek[header.fields (delivered-to to)])`, uid)
	if err := imapresult(mresult, err); err != nil {
		return fmt.Sprintf("fetch new message metadata: %v", err), nil
	}

	// We need these three response messages.
	var fetchFlags *imapclient.FetchFlags
	var fetchBody *imapclient.FetchBody
	var fetchBodystructure *imapclient.FetchBodystructure

	for _, m := range meta {
		f, ok := m.(imapclient.UntaggedFetch)
		if !ok {
			continue
		}
		for _, a := range f.Attrs {
			switch fa := a.(type) {
			case imapclient.FetchFlags:
				fetchFlags = &fa

			case imapclient.FetchBody:
				fetchBody = &fa

			case imapclient.FetchBodystructure:
				fetchBodystructure = &fa

			case imapclient.FetchUID:
				// Ignore.

			default:
				log.Info("unexpected fetch attribute", "attr", fmt.Sprintf("%#v", a))
			}
		}
	}

	if fetchFlags == nil || fetchBody == nil || fetchBodystructure == nil {
		return fmt.Sprintf("imap server did not send all requested fields, flags %v, body %v, bodystructure %v", fetchFlags != nil, fetchBody != nil, fetchBodystructure != nil), nil
	}

	// We should only be processing messages without certain flags.
	for _, flag := range *fetchFlags {
		if strings.EqualFold(flag, `\Seen`) || strings.EqualFold(flag, c.Monitor.KeywordPrefix+"dsn") || strings.EqualFold(flag, c.Monitor.KeywordPrefix+"notdsn") {
			log.Error("bug: message already has flag? continuing", "flag", flag)
		}
	}

	// We need the address the message (if DSN) was delivered to. Its localpart
	// contains the send ID to match against the queue.
	var deliveredTo string
	if !strings.EqualFold(fetchBody.Section, "header.fields (delivered-to to)") {
		return fmt.Sprintf("bug: received a fetch body result, but not for requested header fields? section %q", fetchBody.Section), nil
	}
	msg, err := mail.ReadMessage(strings.NewReader(fetchBody.Body))
	if err != nil {
		return fmt.Sprintf("parsing headers for delivered-to or to: %s", err), nil
	}
	deliveredTo = strings.TrimSpace(msg.Header.Get("Delivered-To"))
	if deliveredTo == "" {
		to, err := msg.Header.AddressList("To")
		if err == mail.ErrHeaderNotPresent {
			return "message has no delivered-to and no to headers", nil
		} else if len(to) != 1 {
			return fmt.Sprintf("message has %d address in To header (%v), need 1", len(to), to), nil
		}
		deliveredTo = to[0].Address
	}

	// Look at the structure, whether it is a DSN.
	var isdsn, dsnutf8 bool
	mp, ok := fetchBodystructure.Body.(imapclient.BodyTypeMpart)
	if ok {
		if len(mp.Bodies) >= 2 {
			basic, ok := mp.Bodies[1].(imapclient.BodyTypeBasic)
			if ok && strings.EqualFold(basic.MediaType, "message") && (strings.EqualFold(basic.MediaSubtype, "delivery-status") || strings.EqualFold(basic.MediaSubtype, "global-delivery-status")) {
				isdsn = true
				dsnutf8 = strings.EqualFold(basic.MediaSubtype, "global-delivery-status")
			}
		}
	}
	if !isdsn {
		log.Info("marking message as not a dsn")
		_, sresult, err := imapconn.Transactf("uid store %d +flags.silent (%snotdsn)", uid, c.Monitor.KeywordPrefix)
		if err := imapresult(sresult, err); err != nil {
			return "", fmt.Errorf("setting flag notdsn: %v", err)
		}
		metricIncomingNonDSN.Inc()
		return "", nil
	}

	// Fetch binary (decoded) second part, and parse its dsn metadata.
	binary, bresult, err := imapconn.Transactf("uid fetch %d (binary.peek[2])", uid)
	if err != nil {
		return "", fmt.Errorf("fetching dsn data: %v", err)
	} else if err := imapresult(bresult, err); err != nil {
		return fmt.Sprintf("fetching dsn data: %v", err), nil
	}
	var fetchBinary *imapclient.FetchBinary
	for _, b := range binary {
		f, ok := b.(imapclient.UntaggedFetch)
		if !ok {
			continue
		}
		for _, a := range f.Attrs {
			fa, ok := a.(imapclient.FetchBinary)
			if ok {
				fetchBinary = &fa
				break
			}
		}
	}
	if fetchBinary == nil {
		return "fetch did not return binary data", nil
	}

	dsnmsg, err := dsn.Decode(strings.NewReader(fetchBinary.Data), dsnutf8)
	var badsyntax, ignore bool
	if err != nil {
		log.Error("parsing dsn message", "err", err)
		badsyntax = true
	} else if len(dsnmsg.Recipients) != 1 {
		log.Error("expect exactly 1 recipient in dsn", "nrecipients", len(dsnmsg.Recipients))
		badsyntax = true
	} else if dsnmsg.Recipients[0].Action != dsn.Failed {
		// Delayed and success notifications don't influence the queue.
		log.Info("dsn without failed action, ignoring", "action", dsnmsg.Recipients[0].Action, "to", deliveredTo)
		ignore = true
	} else if deliveredTo == "" {
		ignore = true
	} else {
		log.Info("found dsn for failed delivery", "to", deliveredTo)
	}

	var recognized bool
	if !badsyntax && !ignore {
		rcpt := dsnmsg.Recipients[0]
		detail := string(rcpt.Action)
		if rcpt.Status != "" {
			detail += " " + rcpt.Status
		}
		if rcpt.DiagnosticCode != "" {
			detail += ": " + rcpt.DiagnosticCode
		}
		recognized, err = processBounce(context.Background(), deliveredTo, detail)
		if err != nil {
			return fmt.Sprintf("processing dsn for %q: %v", deliveredTo, err), nil
		}
	}

	flags := []string{c.Monitor.KeywordPrefix + "dsn"}
	var more string
	if badsyntax {
		more = "dsnsyntax"
	} else if ignore {
		more = "dsnignore"
	} else if !recognized {
		more = "dsnunknown"
	}
	if more == "" {
		flags = append(flags, `\seen`)
	} else {
		flags = append(flags, c.Monitor.KeywordPrefix+more)
	}
	_, result, err := imapconn.Transactf("uid store %d +flags.silent (%s)", uid, strings.Join(flags, " "))
	if err := imapresult(result, err); err != nil {
		return "", fmt.Errorf("storing dsn flags %q for message with uid %d: %v", flags, uid, err)
	}
	if more != "" {
		metricIncomingDSNProblem.Inc()
	} else {
		metricIncomingDSN.Inc()
	}
	log.Info("marked dsn message", "flags", flags)
	return "", nil
}
