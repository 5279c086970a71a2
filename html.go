package main

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// htmlTitle returns the contents of the first title element as a single
// line, or the empty string when there is none. Subjects fall back to it
// when a request has no explicit subject. Anything malformed just means no
// title.
func htmlTitle(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			if string(name) == "title" {
				if z.Next() == html.TextToken {
					return singleLine(z.Token().Data)
				}
				return ""
			}
		}
	}
}

// htmlToText projects an HTML document to readable plain text, used as the
// text/plain alternative when a request only has an HTML body. Block
// elements become line breaks, list items get a dash, link targets end up
// in parentheses after the link text.
func htmlToText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	// Newlines at the end of the output so far, starting on a fresh
	// paragraph; whether a word separator is already present; and the depth
	// of elements whose text is not content.
	nl := 2
	space := true
	skip := 0
	var href string

	newline := func(n int) {
		for nl < n {
			b.WriteByte('\n')
			nl++
		}
		space = true
	}
	write := func(s string) {
		b.WriteString(s)
		nl = 0
		space = strings.HasSuffix(s, " ")
	}

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			if skip > 0 {
				continue
			}
			words := strings.Fields(z.Token().Data)
			if len(words) == 0 {
				continue
			}
			if !space {
				write(" ")
			}
			write(strings.Join(words, " "))

		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			t := z.Token()
			start := tt != html.EndTagToken
			switch t.Data {
			case "script", "style", "title":
				if tt == html.StartTagToken {
					skip++
				} else if tt == html.EndTagToken && skip > 0 {
					skip--
				}
			case "br":
				newline(1)
			case "p", "h1", "h2", "h3", "h4", "h5", "h6", "table", "blockquote":
				newline(2)
			case "div", "tr", "ul", "ol":
				newline(1)
			case "li":
				if start {
					newline(1)
					write("- ")
				}
			case "a":
				if start {
					href = ""
					for _, a := range t.Attr {
						if a.Key == "href" {
							href = a.Val
						}
					}
				} else {
					if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
						write(" (" + href + ")")
					}
					href = ""
				}
			case "img":
				if start {
					for _, a := range t.Attr {
						if a.Key == "alt" && a.Val != "" {
							if !space {
								write(" ")
							}
							write("[" + singleLine(a.Val) + "]")
						}
					}
				}
			}
		}
	}
	return strings.TrimRight(b.String(), " \n") + "\n"
}

var dataImageRegexp = regexp.MustCompile(`(?i)\b(src\s*=\s*)(["'])data:image/([a-z0-9.+-]+);base64,([a-zA-Z0-9+/=\s]*)(["'])`)

// embedImages moves inline data: URIs in img elements into separate image
// parts, replacing each with a cid: reference to the part's Content-ID.
// Returns the rewritten html and the image parts, for wrapping in
// multipart/related. Unparseable data is left alone.
func embedImages(s string) (string, []Part) {
	var parts []Part
	n := 0
	out := dataImageRegexp.ReplaceAllStringFunc(s, func(m string) string {
		g := dataImageRegexp.FindStringSubmatch(m)
		b64 := strings.Map(func(r rune) rune {
			if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
				return -1
			}
			return r
		}, g[4])
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return m
		}
		n++
		cid := fmt.Sprintf("img%d@mailout", n)
		parts = append(parts, Part{
			Type:    "image",
			Subtype: strings.ToLower(g[3]),
			Headers: [][2]string{
				{"Content-ID", "<" + cid + ">"},
				{"Content-Disposition", "inline"},
			},
			Data: data,
		})
		return g[1] + g[2] + "cid:" + cid + g[5]
	})
	return out, parts
}
