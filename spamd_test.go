package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
)

func TestSpamdResponse(t *testing.T) {
	resp := "SPAMD/1.1 0 EX_OK\r\nContent-length: 143\r\n\r\nX-Spam-Flag: YES\r\nX-Spam-Status: Yes, score=7.1 required=5.0 tests=MISSING_DATE,\r\n\tMISSING_HEADERS autolearn=no version=4.0.0\r\n\r\nSubject: test\r\n\r\n"
	v := parseSpamdResponse(resp)
	tcompare(t, v, SpamVerdict{
		Spam: "yes",
		Tags: map[string]string{
			"score":     "7.1",
			"required":  "5.0",
			"tests":     "MISSING_DATE,MISSING_HEADERS",
			"autolearn": "no",
			"version":   "4.0.0",
		},
		Status: "Yes, score=7.1 required=5.0 tests=MISSING_DATE,MISSING_HEADERS autolearn=no version=4.0.0",
	})

	// Ham verdict, continuation folded with a space instead of a tab.
	v = parseSpamdResponse("X-Spam-Status: No, score=-0.1 required=5.0 tests=NONE\r\n autolearn=ham version=4.0.0\r\n")
	tcompare(t, v, SpamVerdict{
		Spam: "no",
		Tags: map[string]string{
			"score":     "-0.1",
			"required":  "5.0",
			"tests":     "NONE",
			"autolearn": "ham",
			"version":   "4.0.0",
		},
		Status: "No, score=-0.1 required=5.0 tests=NONE autolearn=ham version=4.0.0",
	})

	// Responses we cannot make sense of become the unknown verdict.
	unknown := SpamVerdict{Spam: "unknown", Tags: map[string]string{}}
	v = parseSpamdResponse("SPAMD/1.1 0 EX_OK\r\nContent-length: 2\r\n\r\n\r\n")
	tcompare(t, v, unknown)
	v = parseSpamdResponse("X-Spam-Status: Perhaps, score=1.0\r\n")
	tcompare(t, v, unknown)
	v = parseSpamdResponse("")
	tcompare(t, v, unknown)
}

// spamdOnce runs a listener for a single spamd session: it reads a full
// HEADERS request for a message of msglen bytes, makes the raw request
// available on the returned channel and writes resp before closing.
func spamdOnce(t *testing.T, msglen int, resp string) (int, chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheckf(t, err, "spamd listener")
	reqc := make(chan string, 1)
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req []byte
		buf := make([]byte, 4096)
		want := -1
		for want < 0 || len(req) < want {
			n, err := conn.Read(buf)
			req = append(req, buf[:n]...)
			if want < 0 {
				if i := strings.Index(string(req), "\r\n\r\n"); i >= 0 {
					want = i + 4 + msglen + 2
				}
			}
			if err != nil {
				break
			}
		}
		reqc <- string(req)
		fmt.Fprint(conn, resp)
	}()
	_, portstr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portstr)
	return port, reqc
}

func TestSpamdCheck(t *testing.T) {
	msg := []byte("Subject: test\r\n\r\nhello\r\n")

	c := conf()
	c.Spamd = &Spamd{Host: "127.0.0.1", Port: spamdPort}
	v, err := spamdCheck(c, msg)
	tcheckf(t, err, "checking message with spamd")
	tcompare(t, v.Spam, "yes")
	tcompare(t, v.Tags["tests"], "MISSING_DATE,MISSING_HEADERS")

	// The request announces the message size plus its closing crlf.
	port, reqc := spamdOnce(t, len(msg), "SPAMD/1.1 0 EX_OK\r\nContent-length: 32\r\n\r\nX-Spam-Status: No, score=0.1\r\n\r\n")
	c.Spamd = &Spamd{Host: "127.0.0.1", Port: port}
	v, err = spamdCheck(c, msg)
	tcheckf(t, err, "checking message with spamd")
	tcompare(t, v.Spam, "no")
	tcompare(t, v.Tags, map[string]string{"score": "0.1"})
	exp := fmt.Sprintf("HEADERS SPAMC/1.2\r\nContent-length: %d\r\nUser: spamd\r\n\r\n%s\r\n", len(msg)+2, msg)
	tcompare(t, <-reqc, exp)

	// A response cut short is parsed as far as it goes.
	port, _ = spamdOnce(t, len(msg), "SPAMD/1.1 0 EX_OK\r\nContent-length: 4096\r\n\r\nX-Spam-Status: Yes, score=9.9 required=5.0")
	c.Spamd = &Spamd{Host: "127.0.0.1", Port: port}
	v, err = spamdCheck(c, msg)
	tcheckf(t, err, "checking message with spamd")
	tcompare(t, v.Spam, "yes")
	tcompare(t, v.Tags["score"], "9.9")

	// Nobody listening is an error.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheckf(t, err, "listener")
	_, portstr, _ := net.SplitHostPort(ln.Addr().String())
	closedPort, _ := strconv.Atoi(portstr)
	ln.Close()
	c.Spamd = &Spamd{Host: "127.0.0.1", Port: closedPort}
	if _, err := spamdCheck(c, msg); err == nil {
		t.Fatalf("spamd check against closed port did not fail")
	}
}
