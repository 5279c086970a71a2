package main

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
	"time"
)

func TestExpandCR(t *testing.T) {
	tcompare(t, expandCR("a\nb"), "a\r\nb")
	tcompare(t, expandCR("a\rb"), "a\r\nb")
	tcompare(t, expandCR("a\r\nb"), "a\r\nb")
	tcompare(t, expandCR("a\r\r\nb\n"), "a\r\n\r\nb\r\n")
	tcompare(t, expandCR(""), "")

	// Idempotent, output never has bare CR or LF.
	for _, s := range []string{"", "x", "a\nb\rc\r\nd", "\r", "\n", "\r\n\r\n"} {
		once := expandCR(s)
		tcompare(t, expandCR(once), once)
		tcompare(t, strings.Count(once, "\r"), strings.Count(once, "\r\n"))
		tcompare(t, strings.Count(once, "\n"), strings.Count(once, "\r\n"))
	}
}

func TestHTMLText(t *testing.T) {
	tcompare(t, htmlTitle("<html><head><title>Hello  there</title></head><body></body></html>"), "Hello there")
	tcompare(t, htmlTitle("<p>no title</p>"), "")
	tcompare(t, htmlTitle("not even html"), "")

	text := htmlToText(`<html><head><title>T</title></head><body><p>Hello <a href="https://x.example/doc">docs</a></p><ul><li>one</li><li>two</li></ul><img alt="logo" src="x.png"></body></html>`)
	tcompare(t, text, "Hello docs (https://x.example/doc)\n\n- one\n- two\n[logo]\n")

	// Script/style contents are not text.
	tcompare(t, htmlToText("<style>p {color: red}</style><p>visible</p>"), "visible\n")
}

func TestEmbedImages(t *testing.T) {
	html := `<p><img src="data:image/png;base64,aGVsbG8=" alt="x"></p>`
	out, parts := embedImages(html)
	tcompare(t, out, `<p><img src="cid:img1@mailout" alt="x"></p>`)
	tcompare(t, len(parts), 1)
	tcompare(t, parts[0].Type, "image")
	tcompare(t, parts[0].Subtype, "png")
	tcompare(t, parts[0].Data, []byte("hello"))
	tcompare(t, parts[0].Headers[0], [2]string{"Content-ID", "<img1@mailout>"})

	// Two images get their own content-ids.
	out, parts = embedImages(`<img src="data:image/png;base64,aGVsbG8="><img src='data:image/JPEG;base64,d29ybGQ='>`)
	tcompare(t, len(parts), 2)
	tcompare(t, parts[1].Subtype, "jpeg")
	tcompare(t, strings.Contains(out, "cid:img1@mailout"), true)
	tcompare(t, strings.Contains(out, "cid:img2@mailout"), true)

	// Broken base64 data is left alone.
	html = `<img src="data:image/png;base64,aGVsbG8">`
	out, parts = embedImages(html)
	tcompare(t, out, html)
	tcompare(t, len(parts), 0)
}

// Parse a composed message, returning the parsed header and the leaf parts
// as pairs of content-type and decoded-ish body (base64 undone, text as
// written without the closing crlf).
func tparsemsg(t *testing.T, msg []byte) (*mail.Message, []string, []string) {
	t.Helper()
	m, err := mail.ReadMessage(bytes.NewReader(msg))
	tcheckf(t, err, "parsing composed message")

	var types, bodies []string
	var walk func(ct string, r io.Reader)
	walk = func(ct string, r io.Reader) {
		mt, params, err := mime.ParseMediaType(ct)
		tcheckf(t, err, "parsing content-type %q", ct)
		if !strings.HasPrefix(mt, "multipart/") {
			buf, err := io.ReadAll(r)
			tcheckf(t, err, "reading part")
			types = append(types, mt)
			body := string(buf)
			if strings.HasPrefix(mt, "text/") {
				body = strings.TrimSuffix(body, "\r\n")
			}
			bodies = append(bodies, body)
			return
		}
		mr := multipart.NewReader(r, params["boundary"])
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			tcheckf(t, err, "reading next part")
			body := io.Reader(p)
			if p.Header.Get("Content-Transfer-Encoding") == "base64" {
				body = base64.NewDecoder(base64.StdEncoding, body)
			}
			walk(p.Header.Get("Content-Type"), body)
		}
	}
	ct := m.Header.Get("Content-Type")
	if ct == "" {
		buf, err := io.ReadAll(m.Body)
		tcheckf(t, err, "reading body")
		return m, nil, []string{string(buf)}
	}
	walk(ct, m.Body)
	return m, types, bodies
}

func TestComposeRaw(t *testing.T) {
	c := conf()
	raw := []byte("Subject: raw test\r\n\r\nhello\r\n")
	e := Email{Body: &Body{Raw: raw}}
	msg, eightbit, smtputf8, err := compose(c, e, "rawid", "", "noreply@mail.example", "user@customer.example", "user@customer.example")
	tcheckf(t, err, "composing raw message")
	tcompare(t, eightbit, false)
	tcompare(t, smtputf8, false)
	if !bytes.HasPrefix(msg, []byte("X-Mailer: mailout ")) {
		t.Fatalf("raw message does not start with x-mailer header: %q", msg)
	}
	tcompare(t, bytes.HasSuffix(msg, raw), true)

	e = Email{Body: &Body{Raw: []byte("Subject: 8bit tést\r\n\r\nhello\r\n")}}
	_, eightbit, _, err = compose(c, e, "rawid", "", "noreply@mail.example", "user@customer.example", "user@customer.example")
	tcheckf(t, err, "composing raw message")
	tcompare(t, eightbit, true)
}

func TestComposeRendered(t *testing.T) {
	c := conf()

	// Plain text only.
	e := Email{To: "user@customer.example", Subject: "Hello", Text: "line1\nline2"}
	msg, eightbit, smtputf8, err := compose(c, e, "id123", "", "noreply@mail.example", "user@customer.example", "user@customer.example")
	tcheckf(t, err, "composing text message")
	tcompare(t, eightbit, false)
	tcompare(t, smtputf8, false)
	m, types, bodies := tparsemsg(t, msg)
	tcompare(t, m.Header.Get("Subject"), "Hello")
	tcompare(t, m.Header.Get("From"), "noreply@mail.example")
	tcompare(t, m.Header.Get("To"), "user@customer.example")
	tcompare(t, m.Header.Get("Message-Id"), "<noreply+id123@bounce.example>")
	tcompare(t, m.Header.Get("Reply-To"), "")
	if !strings.HasPrefix(m.Header.Get("X-Mailer"), "mailout ") {
		t.Fatalf("bad x-mailer header %q", m.Header.Get("X-Mailer"))
	}
	_, err = time.Parse(RFC5322Z, m.Header.Get("Date"))
	tcheckf(t, err, "parsing date header %q", m.Header.Get("Date"))
	mt, _, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	tcheckf(t, err, "parsing content-type")
	tcompare(t, mt, "multipart/alternative")
	tcompare(t, types, []string{"text/plain"})
	tcompare(t, bodies, []string{"line1\r\nline2"})

	// HTML only: subject from the title, text alternative from the html.
	e = Email{To: "user@customer.example", HTML: "<html><head><title>Welcome aboard</title></head><body><p>Hi</p></body></html>"}
	msg, _, _, err = compose(c, e, "id123", "", "noreply@mail.example", "user@customer.example", "user@customer.example")
	tcheckf(t, err, "composing html message")
	m, types, bodies = tparsemsg(t, msg)
	tcompare(t, m.Header.Get("Subject"), "Welcome aboard")
	tcompare(t, types, []string{"text/plain", "text/html"})
	tcompare(t, bodies[0], "Hi")

	// Templates rendered with vars.
	e = Email{To: "user@customer.example", TextTemplate: "notify.txt", HTMLTemplate: "notify.html", Vars: map[string]string{"name": "Ann", "order": "123"}}
	msg, _, _, err = compose(c, e, "id123", "", "noreply@mail.example", "user@customer.example", "user@customer.example")
	tcheckf(t, err, "composing templated message")
	m, types, bodies = tparsemsg(t, msg)
	tcompare(t, m.Header.Get("Subject"), "Order shipped")
	tcompare(t, types, []string{"text/plain", "text/html"})
	tcompare(t, strings.Contains(bodies[0], "Hi Ann,"), true)
	tcompare(t, strings.Contains(bodies[1], "order 123"), true)

	// Unknown template is an error.
	e = Email{To: "user@customer.example", TextTemplate: "absent.txt"}
	_, _, _, err = compose(c, e, "id123", "", "noreply@mail.example", "user@customer.example", "user@customer.example")
	if err == nil {
		t.Fatalf("composing with absent template did not fail")
	}

	// Cc and custom headers end up in the message.
	e = Email{To: "user@customer.example", CC: "cc@customer.example", Subject: "x", Text: "hi", Headers: [][2]string{{"X-Custom", "v1"}}}
	msg, _, _, err = compose(c, e, "id123", "", "noreply@mail.example", "user@customer.example", "user@customer.example")
	tcheckf(t, err, "composing message with extra headers")
	m, _, _ = tparsemsg(t, msg)
	tcompare(t, m.Header.Get("Cc"), "cc@customer.example")
	tcompare(t, m.Header.Get("X-Custom"), "v1")

	// From with display name.
	e = Email{To: "user@customer.example", Subject: "x", Text: "hi"}
	msg, _, _, err = compose(c, e, "id123", "Mail Out", "noreply@mail.example", "user@customer.example", "user@customer.example")
	tcheckf(t, err, "composing message with from name")
	m, _, _ = tparsemsg(t, msg)
	fa, err := mail.ParseAddress(m.Header.Get("From"))
	tcheckf(t, err, "parsing from header")
	tcompare(t, fa.Name, "Mail Out")
	tcompare(t, fa.Address, "noreply@mail.example")

	// 8-bit text, subject encoded for non-smtputf8 delivery.
	e = Email{To: "user@customer.example", Subject: "Héllo", Text: "café"}
	msg, eightbit, smtputf8, err = compose(c, e, "id123", "", "noreply@mail.example", "user@customer.example", "user@customer.example")
	tcheckf(t, err, "composing 8bit message")
	tcompare(t, eightbit, true)
	tcompare(t, smtputf8, false)
	m, _, bodies = tparsemsg(t, msg)
	dec := mime.WordDecoder{}
	subject, err := dec.DecodeHeader(m.Header.Get("Subject"))
	tcheckf(t, err, "decoding subject")
	tcompare(t, subject, "Héllo")
	tcompare(t, bodies, []string{"café"})

	// No subject, no body: headers only.
	e = Email{To: "user@customer.example"}
	msg, _, _, err = compose(c, e, "id123", "", "noreply@mail.example", "user@customer.example", "user@customer.example")
	tcheckf(t, err, "composing empty message")
	m, _, _ = tparsemsg(t, msg)
	tcompare(t, m.Header.Get("Content-Type"), "")
}

func TestComposeReplyTo(t *testing.T) {
	c := conf()
	compose1 := func(replyTo *string) *mail.Message {
		t.Helper()
		e := Email{To: "user@customer.example", Subject: "x", Text: "hi", ReplyTo: replyTo}
		msg, _, _, err := compose(c, e, "id123", "", "noreply@mail.example", "user@customer.example", "user@customer.example")
		tcheckf(t, err, "composing message")
		m, _, _ := tparsemsg(t, msg)
		return m
	}

	m := compose1(nil)
	tcompare(t, m.Header.Get("Reply-To"), "")

	s := ""
	m = compose1(&s)
	tcompare(t, m.Header.Get("Reply-To"), "<>")

	s = "message-id"
	m = compose1(&s)
	tcompare(t, m.Header.Get("Reply-To"), "<reply+id123@mail.example>")

	s = "support"
	m = compose1(&s)
	tcompare(t, m.Header.Get("Reply-To"), "support@mail.example")

	s = "Support Desk <support@help.example>"
	m = compose1(&s)
	ra, err := mail.ParseAddress(m.Header.Get("Reply-To"))
	tcheckf(t, err, "parsing reply-to header")
	tcompare(t, ra.Name, "Support Desk")
	tcompare(t, ra.Address, "support@help.example")
}

func TestComposeStructured(t *testing.T) {
	c := conf()
	e := Email{
		To: "user@customer.example",
		Body: &Body{
			Type:    "multipart",
			Subtype: "mixed",
			Parts: []Part{
				{Type: "text", Subtype: "plain", Data: []byte("the report is attached")},
				{Type: "application", Subtype: "octet-stream", Params: map[string]string{"name": "report.bin"}, Data: []byte{1, 2, 3, 254, 255}},
			},
		},
	}
	msg, _, _, err := compose(c, e, "id123", "", "noreply@mail.example", "user@customer.example", "user@customer.example")
	tcheckf(t, err, "composing structured message")
	m, types, bodies := tparsemsg(t, msg)
	mt, _, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	tcheckf(t, err, "parsing content-type")
	tcompare(t, mt, "multipart/mixed")
	tcompare(t, m.Header.Get("Message-Id"), "<noreply+id123@bounce.example>")
	tcompare(t, types, []string{"text/plain", "application/octet-stream"})
	tcompare(t, bodies[0], "the report is attached")
	tcompare(t, []byte(bodies[1]), []byte{1, 2, 3, 254, 255})
}
