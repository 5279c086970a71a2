package main

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"path/filepath"
	"sort"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/mjl-/mox/message"
)

func xmailer() string {
	return fmt.Sprintf("mailout %s (https://github.com/mjl-/mailout)", version)
}

// expandCR turns bare carriage returns and bare newlines into proper CRLF
// pairs. Idempotent, so already-correct input passes through unchanged.
// Request bodies arrive with whatever line endings the caller produced.
func expandCR(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r':
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			b.WriteString("\r\n")
		case '\n':
			b.WriteString("\r\n")
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Address-like and structural headers are kept plain ASCII: anything outside
// 0x20-0x7e is dropped from their values. Other headers get RFC 2047
// encoded-words when they need them.
var asciiHeaders = map[string]bool{
	"To":                        true,
	"From":                      true,
	"Reply-To":                  true,
	"Cc":                        true,
	"Bcc":                       true,
	"Date":                      true,
	"Content-Type":              true,
	"MIME-Version":              true,
	"Mime-Version":              true,
	"Content-Transfer-Encoding": true,
}

func headerValue(key, value string) string {
	if asciiHeaders[key] {
		var b strings.Builder
		b.Grow(len(value))
		for i := 0; i < len(value); i++ {
			if c := value[i]; c >= 0x20 && c <= 0x7e {
				b.WriteByte(c)
			}
		}
		return b.String()
	}
	// Returns value unmodified when it is plain ASCII.
	return mime.QEncoding.Encode("utf-8", value)
}

// joinHeader renders a multi-valued header: values already sanitized, list
// joined over folded lines.
func joinHeader(l []string) string {
	return strings.Join(l, ";\r\n  ")
}

func has8bit(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return true
		}
	}
	return false
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}

// message.Composer calls panic with ErrCompose on errors.
func composeRecover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	if err, ok := x.(error); ok && errors.Is(err, message.ErrCompose) {
		*rerr = err
		return
	}
	panic(x)
}

// compose returns the wire-format message for one queue entry, and whether
// it needs the 8bitmime and smtputf8 SMTP extensions.
//
// The request shape picks the mode: a raw body is passed through with only
// an X-Mailer header prepended, a structured body is encoded as a MIME
// document under canonical headers, and otherwise text/html bodies (given
// directly or rendered from template files) become a multipart/alternative
// message.
//
// fromName/fromAddr and toHeader have been resolved by the caller: defaults
// applied, VERP-as-from and override rewrites done. rcptTo is the envelope
// recipient, only used to decide on smtputf8.
func compose(c Config, e Email, sendID, fromName, fromAddr, toHeader, rcptTo string) (msg []byte, eightbit, smtputf8 bool, rerr error) {
	if e.Body != nil && len(e.Body.Raw) > 0 {
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "X-Mailer: %s\r\n", xmailer())
		buf.Write(e.Body.Raw)
		for _, b := range e.Body.Raw {
			if b >= 0x80 {
				eightbit = true
				break
			}
		}
		return buf.Bytes(), eightbit, has8bit(rcptTo) || has8bit(fromAddr), nil
	}
	if e.Body != nil {
		return composeStructured(c, e, sendID, fromName, fromAddr, toHeader, rcptTo)
	}
	return composeRendered(c, e, sendID, fromName, fromAddr, toHeader, rcptTo)
}

func composeStructured(c Config, e Email, sendID, fromName, fromAddr, toHeader, rcptTo string) (msg []byte, eightbit, smtputf8 bool, rerr error) {
	defer composeRecover(&rerr)

	var buf bytes.Buffer
	xc := message.NewComposer(&buf, 0)
	if has8bit(rcptTo) || has8bit(fromAddr) {
		xc.SMTPUTF8 = true
		xc.Has8bit = true
	}

	xc.Header("From", headerValue("From", formatAddress(fromName, fromAddr)))
	xc.Header("To", headerValue("To", toHeader))
	xc.Header("Message-ID", "<"+bounceAddress(c, sendID).String()+">")
	xc.Header("X-Mailer", xmailer())
	for _, h := range e.Headers {
		xc.Header(h[0], headerValue(h[0], h[1]))
	}
	b := e.Body
	for _, h := range b.Headers {
		xc.Header(h[0], headerValue(h[0], h[1]))
	}

	mp := multipart.NewWriter(xc)
	ctl := []string{headerValue("Content-Type", b.Type+"/"+b.Subtype)}
	for _, k := range sortedKeys(b.Params) {
		ctl = append(ctl, headerValue("Content-Type", k+"="+b.Params[k]))
	}
	ctl = append(ctl, fmt.Sprintf(`boundary="%s"`, mp.Boundary()))
	xc.Header("MIME-Version", "1.0")
	xc.Header("Content-Type", joinHeader(ctl))
	xc.Line()

	for _, p := range b.Parts {
		writePart(xc, mp, p)
	}
	err := mp.Close()
	xc.Checkf(err, "closing multipart")
	xc.Flush()
	return buf.Bytes(), xc.Has8bit, xc.SMTPUTF8, nil
}

func composeRendered(c Config, e Email, sendID, fromName, fromAddr, toHeader, rcptTo string) (msg []byte, eightbit, smtputf8 bool, rerr error) {
	text, html, err := renderBody(c, e)
	if err != nil {
		return nil, false, false, err
	}

	subject := e.Subject
	if subject == "" && html != "" {
		subject = htmlTitle(html)
	}
	if text == "" && html != "" {
		text = htmlToText(html)
	}
	var images []Part
	if html != "" {
		html, images = embedImages(html)
	}

	defer composeRecover(&rerr)

	var buf bytes.Buffer
	xc := message.NewComposer(&buf, 0)
	if has8bit(rcptTo) || has8bit(fromAddr) {
		xc.SMTPUTF8 = true
		xc.Has8bit = true
	}

	xc.Header("From", headerValue("From", formatAddress(fromName, fromAddr)))
	xc.Header("To", headerValue("To", toHeader))
	if e.CC != "" {
		xc.Header("Cc", headerValue("Cc", singleLine(e.CC)))
	}
	if e.ReplyTo != nil {
		switch rt := *e.ReplyTo; rt {
		case "":
			xc.Header("Reply-To", "<>")
		case "message-id":
			xc.Header("Reply-To", "<"+replyAddress(c, sendID).String()+">")
		default:
			name, addr := parseFrom(rt)
			if addr == "" {
				name, addr = "", rt
			}
			addr = ensureDomain(c, addr)
			xc.Header("Reply-To", headerValue("Reply-To", formatAddress(name, addr)))
		}
	}
	xc.Subject(subject)
	xc.Header("Date", time.Now().Format(RFC5322Z))
	xc.Header("MIME-Version", "1.0")
	xc.Header("Message-ID", "<"+bounceAddress(c, sendID).String()+">")
	xc.Header("X-Mailer", xmailer())
	for _, h := range e.Headers {
		xc.Header(h[0], headerValue(h[0], h[1]))
	}

	if text == "" && html == "" {
		xc.Line()
		xc.Flush()
		return buf.Bytes(), xc.Has8bit, xc.SMTPUTF8, nil
	}

	mp := multipart.NewWriter(xc)
	xc.Header("Content-Type", fmt.Sprintf(`multipart/alternative; boundary="%s"`, mp.Boundary()))
	xc.Line()

	addTextPart(xc, mp, "plain", text)
	if html != "" {
		if len(images) > 0 {
			writeRelated(xc, mp, html, images)
		} else {
			addTextPart(xc, mp, "html", html)
		}
	}
	err = mp.Close()
	xc.Checkf(err, "closing multipart")
	xc.Flush()
	return buf.Bytes(), xc.Has8bit, xc.SMTPUTF8, nil
}

// renderBody resolves the text and html bodies, rendering template files
// from the configured templates directory with the request variables when
// no literal body was given.
func renderBody(c Config, e Email) (text, html string, rerr error) {
	text = e.Text
	if text == "" && e.TextTemplate != "" {
		t, err := texttemplate.ParseFiles(filepath.Join(c.TemplatesDir, e.TextTemplate))
		if err != nil {
			return "", "", fmt.Errorf("parsing text template: %v", err)
		}
		var b bytes.Buffer
		if err := t.Execute(&b, e.Vars); err != nil {
			return "", "", fmt.Errorf("rendering text template: %v", err)
		}
		text = b.String()
	}
	html = e.HTML
	if html == "" && e.HTMLTemplate != "" {
		t, err := htmltemplate.ParseFiles(filepath.Join(c.TemplatesDir, e.HTMLTemplate))
		if err != nil {
			return "", "", fmt.Errorf("parsing html template: %v", err)
		}
		var b bytes.Buffer
		if err := t.Execute(&b, e.Vars); err != nil {
			return "", "", fmt.Errorf("rendering html template: %v", err)
		}
		html = b.String()
	}
	return text, html, nil
}

// textPart is like Composer.TextPart, but normalizes any bare CR or LF to
// CRLF first and takes the text subtype.
func textPart(xc *message.Composer, subtype, text string) (body []byte, ct, cte string) {
	text = expandCR(text)
	if !strings.HasSuffix(text, "\r\n") {
		text += "\r\n"
	}
	charset := "us-ascii"
	if has8bit(text) {
		charset = "utf-8"
	}
	if message.NeedsQuotedPrintable(text) {
		var sb strings.Builder
		qw := quotedprintable.NewWriter(&sb)
		_, err := qw.Write([]byte(text))
		xc.Checkf(err, "converting text to quoted printable")
		xc.Checkf(qw.Close(), "converting text to quoted printable")
		text = sb.String()
		cte = "quoted-printable"
	} else if charset == "utf-8" {
		xc.Has8bit = true
		cte = "8bit"
	} else {
		cte = "7bit"
	}
	ct = mime.FormatMediaType("text/"+subtype, map[string]string{"charset": charset})
	return []byte(text), ct, cte
}

func addTextPart(xc *message.Composer, mp *multipart.Writer, subtype, text string) {
	body, ct, cte := textPart(xc, subtype, text)
	hdrs := textproto.MIMEHeader{
		"Content-Type":              []string{ct},
		"Content-Transfer-Encoding": []string{cte},
	}
	pw, err := mp.CreatePart(hdrs)
	xc.Checkf(err, "adding text/"+subtype+" part")
	_, err = pw.Write(body)
	xc.Checkf(err, "writing text/"+subtype+" part")
}

// writeRelated writes the html alternative as a multipart/related document
// carrying the images that were extracted from data: URIs.
func writeRelated(xc *message.Composer, mp *multipart.Writer, html string, images []Part) {
	var rb bytes.Buffer
	rmp := multipart.NewWriter(&rb)
	addTextPart(xc, rmp, "html", html)
	for _, p := range images {
		writePart(xc, rmp, p)
	}
	xc.Checkf(rmp.Close(), "closing related multipart")

	hdrs := textproto.MIMEHeader{
		"Content-Type": []string{fmt.Sprintf(`multipart/related; boundary="%s"`, rmp.Boundary())},
	}
	pw, err := mp.CreatePart(hdrs)
	xc.Checkf(err, "adding related part")
	_, err = pw.Write(rb.Bytes())
	xc.Checkf(err, "writing related part")
}

// writePart writes one leaf part of a structured body. Text gets CRLF
// normalization and quoted-printable when needed, anything else base64.
func writePart(xc *message.Composer, mp *multipart.Writer, p Part) {
	ctl := []string{headerValue("Content-Type", p.Type+"/"+p.Subtype)}
	for _, k := range sortedKeys(p.Params) {
		ctl = append(ctl, headerValue("Content-Type", k+"="+p.Params[k]))
	}
	hdrs := textproto.MIMEHeader{}
	for _, h := range p.Headers {
		hdrs.Add(h[0], headerValue(h[0], h[1]))
	}

	var body []byte
	var cte string
	if p.Type == "text" {
		text := expandCR(string(p.Data))
		if !strings.HasSuffix(text, "\r\n") {
			text += "\r\n"
		}
		if _, ok := p.Params["charset"]; !ok && has8bit(text) {
			ctl = append(ctl, "charset=utf-8")
		}
		if message.NeedsQuotedPrintable(text) {
			var sb strings.Builder
			qw := quotedprintable.NewWriter(&sb)
			_, err := qw.Write([]byte(text))
			xc.Checkf(err, "converting part to quoted printable")
			xc.Checkf(qw.Close(), "converting part to quoted printable")
			body, cte = []byte(sb.String()), "quoted-printable"
		} else if has8bit(text) {
			xc.Has8bit = true
			body, cte = []byte(text), "8bit"
		} else {
			body, cte = []byte(text), "7bit"
		}
	} else {
		body, cte = base64Wrap(p.Data), "base64"
	}
	hdrs.Set("Content-Type", joinHeader(ctl))
	hdrs.Set("Content-Transfer-Encoding", cte)
	pw, err := mp.CreatePart(hdrs)
	xc.Checkf(err, "adding part")
	_, err = pw.Write(body)
	xc.Checkf(err, "writing part")
}

func base64Wrap(data []byte) []byte {
	s := base64.StdEncoding.EncodeToString(data)
	var b bytes.Buffer
	b.Grow(len(s) + 2*(len(s)/76+1))
	for len(s) > 76 {
		b.WriteString(s[:76])
		b.WriteString("\r\n")
		s = s[76:]
	}
	b.WriteString(s)
	b.WriteString("\r\n")
	return b.Bytes()
}

func sortedKeys(m map[string]string) []string {
	l := make([]string, 0, len(m))
	for k := range m {
		l = append(l, k)
	}
	sort.Strings(l)
	return l
}
