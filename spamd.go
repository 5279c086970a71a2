package main

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// SpamVerdict is the judgement of spamd about a delivered message.
type SpamVerdict struct {
	Spam string // "yes", "no" or "unknown".

	// Remaining key=value tokens from X-Spam-Status, keys lowercased:
	// score, required, tests, autolearn, version.
	Tags map[string]string

	// Raw X-Spam-Status value, empty for an unknown verdict.
	Status string
}

const spamdTimeout = 10 * time.Second

// spamdCheck submits a message to spamd with the SPAMC HEADERS command and
// parses the response headers into a verdict. Whatever arrived when the
// timeout hits is parsed as-is.
func spamdCheck(c Config, msg []byte) (SpamVerdict, error) {
	addr := net.JoinHostPort(c.Spamd.Host, fmt.Sprintf("%d", c.Spamd.Port))
	conn, err := net.DialTimeout("tcp", addr, spamdTimeout)
	if err != nil {
		return SpamVerdict{}, fmt.Errorf("dial spamd: %v", err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(spamdTimeout)); err != nil {
		return SpamVerdict{}, fmt.Errorf("setting spamd deadline: %v", err)
	}

	// The content length covers the message plus its trailing CRLF.
	var req []byte
	req = fmt.Appendf(req, "HEADERS SPAMC/1.2\r\nContent-length: %d\r\nUser: spamd\r\n\r\n", len(msg)+2)
	req = append(req, msg...)
	req = append(req, "\r\n"...)
	if _, err := conn.Write(req); err != nil {
		return SpamVerdict{}, fmt.Errorf("writing to spamd: %v", err)
	}

	// Read until spamd closes the connection. On timeout we keep what we
	// have: a partial response often still has the status header.
	var buf []byte
	rbuf := make([]byte, 4096)
	for {
		n, err := conn.Read(rbuf)
		buf = append(buf, rbuf[:n]...)
		if err != nil {
			break
		}
	}

	return parseSpamdResponse(string(buf)), nil
}

// parseSpamdResponse turns a spamd HEADERS response into a verdict: strip
// the protocol banner, unfold the header lines and look for X-Spam-Status.
func parseSpamdResponse(s string) SpamVerdict {
	if strings.HasPrefix(s, "SPAMD/") {
		if i := strings.Index(s, "\r\n"); i >= 0 {
			s = s[i+2:]
		}
	}
	headers := parseFoldedHeaders(s)
	status, ok := headers["X-Spam-Status"]
	if !ok {
		return SpamVerdict{Spam: "unknown", Tags: map[string]string{}}
	}

	v := SpamVerdict{Tags: map[string]string{}, Status: status}
	var rest string
	switch {
	case strings.HasPrefix(status, "Yes, "):
		v.Spam, rest = "yes", strings.TrimPrefix(status, "Yes, ")
	case strings.HasPrefix(status, "No, "):
		v.Spam, rest = "no", strings.TrimPrefix(status, "No, ")
	default:
		return SpamVerdict{Spam: "unknown", Tags: map[string]string{}}
	}
	for _, tok := range strings.Fields(rest) {
		if k, val, ok := strings.Cut(tok, "="); ok {
			v.Tags[strings.ToLower(k)] = val
		}
	}
	return v
}

// parseFoldedHeaders parses RFC 822 style headers as returned by spamd:
// name up to the colon, a CRLF followed by whitespace continues the
// previous value. Tabs are dropped and stray CRs normalized.
func parseFoldedHeaders(s string) map[string]string {
	s = expandCR(s)
	s = strings.ReplaceAll(s, "\r\n\t", "")
	s = strings.ReplaceAll(s, "\r\n ", " ")
	s = strings.ReplaceAll(s, "\t", "")

	// The response has protocol headers, a blank line, then the message
	// headers we asked for. Collect header-shaped lines wherever they are.
	headers := map[string]string{}
	for _, line := range strings.Split(s, "\r\n") {
		k, val, ok := strings.Cut(line, ":")
		if !ok || k == "" || strings.ContainsAny(k, " ") {
			continue
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return headers
}
