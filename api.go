package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mjl-/bstore"
	"github.com/mjl-/mox/ratelimit"
	"github.com/mjl-/sherpa"
)

func makeLimiter(wl ...ratelimit.WindowLimit) *ratelimit.Limiter {
	return &ratelimit.Limiter{WindowLimits: wl}
}

func windowLimit(w time.Duration, l0, l1, l2 int64) ratelimit.WindowLimit {
	return ratelimit.WindowLimit{Window: w, Limits: [3]int64{l0, l1, l2}}
}

// We limit sends per ip/subnet, over various windows to allow some burstiness
// but not prolonged use.
var ratelimitSend = makeLimiter(windowLimit(time.Minute, 300, 600, 1200), windowLimit(time.Hour, 3000, 6000, 12000))

func xusererrorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Error("user error", "msg", msg)
	panic(&sherpa.Error{Code: "user:error", Message: msg})
}

func xusercheckf(err error, format string, args ...any) {
	if err != nil {
		msg := fmt.Sprintf("%s: %s", fmt.Sprintf(format, args...), err)
		slog.Error("user error", "msg", msg)
		panic(&sherpa.Error{Code: "user:error", Message: msg})
	}
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		msg := fmt.Sprintf("%s: %s", fmt.Sprintf(format, args...), err)
		slog.Error("server error", "msg", msg)
		panic(&sherpa.Error{Code: "server:error", Message: msg})
	}
}

type ctxKey string

// For passing the request/response objects to API calls.
var requestInfoCtxKey ctxKey = "requestInfo"

type requestInfo struct {
	Response http.ResponseWriter
	Request  *http.Request // For X-Forwarded-* headers.
}

// For rate-limiting.
func remoteIP(r *http.Request) net.IP {
	if conf().ReverseProxied {
		s := r.Header.Get("X-Forwarded-For")
		ipstr := strings.TrimSpace(strings.Split(s, ",")[0])
		return net.ParseIP(ipstr)
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return net.ParseIP(host)
}

func xrate(limit *ratelimit.Limiter, r *http.Request) {
	ip := remoteIP(r)
	if ip != nil && !limit.Add(ip, time.Now(), 1) {
		xusererrorf("ip-based rate limit for this operation reached, try again later")
	}
}

// Caller-chosen ids end up in the localpart of bounce addresses, so they
// stay short lowercase alphanumerics.
func xcheckSendID(id string) {
	if len(id) > 64 {
		xusererrorf("id too long, max 64 characters")
	}
	for _, ch := range id {
		if ch >= 'a' && ch <= 'z' || ch >= '0' && ch <= '9' {
			continue
		}
		xusererrorf("invalid character %q in id, only lowercase letters and digits allowed", ch)
	}
}

// Template names refer to files directly under the templates directory.
func xcheckTemplate(name string) {
	if name == "" {
		return
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		xusererrorf("invalid template name %q", name)
	}
}

// API holds the mailout functions exposed over HTTP.
type API struct{}

// SendResult is the reply to a Send call.
type SendResult struct {
	// ID of the queue entry for the To address. Companion entries for CC and
	// BCC use the ID with "+cc"/"+bcc" appended.
	ID string
}

// Send queues a message for delivery, with one queue entry per non-empty
// recipient field. The reply comes after the queue entries have been
// committed. Unless the request asks for queued delivery, a first delivery
// attempt starts immediately.
func (API) Send(ctx context.Context, e Email) SendResult {
	reqInfo := ctx.Value(requestInfoCtxKey).(requestInfo)
	xrate(ratelimitSend, reqInfo.Request)

	metricSendRequests.Inc()

	if e.To == "" && e.CC == "" && e.BCC == "" {
		xusererrorf("at least one of to, cc and bcc required")
	}
	for _, a := range []string{e.To, e.CC, e.BCC} {
		if a != "" && !strings.Contains(bareAddress(singleLine(a)), "@") {
			xusererrorf("invalid recipient address %q", a)
		}
	}
	if e.Body != nil {
		if e.Text != "" || e.HTML != "" || e.TextTemplate != "" || e.HTMLTemplate != "" {
			xusererrorf("body cannot be combined with text/html or templates")
		}
		if len(e.Body.Raw) > 0 {
			if e.Body.Type != "" || e.Body.Subtype != "" || len(e.Body.Parts) > 0 {
				xusererrorf("raw body cannot be combined with structured parts")
			}
		} else {
			if e.Body.Type != "multipart" {
				xusererrorf("structured body must have type multipart, not %q", e.Body.Type)
			}
			if len(e.Body.Parts) == 0 {
				xusererrorf("structured body without parts")
			}
		}
	}
	if e.Text != "" && e.TextTemplate != "" {
		xusererrorf("text and texttemplate are mutually exclusive")
	}
	if e.HTML != "" && e.HTMLTemplate != "" {
		xusererrorf("html and htmltemplate are mutually exclusive")
	}
	xcheckTemplate(e.TextTemplate)
	xcheckTemplate(e.HTMLTemplate)

	baseID := e.ID
	if baseID == "" {
		baseID = newSendID()
	} else {
		xcheckSendID(baseID)
	}
	e.ID = baseID

	c := conf()
	var msgs []Msg
	err := database.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		msgs, err = queueAdd(tx, e, baseID, time.Now())
		return err
	})
	if err != nil && errors.Is(err, bstore.ErrUnique) {
		xusererrorf("id already in use")
	}
	xcheckf(err, "adding message to queue")

	if !e.Queue {
		for _, m := range msgs {
			go deliver(c, m)
		}
	}

	slog.Info("message queued", "id", baseID, "nentries", len(msgs), "queue", e.Queue)
	return SendResult{ID: baseID}
}

// Bounced reports a bounce for one of our unique bounce addresses, dropping
// the queue entry it belongs to. Unknown addresses are silently ignored:
// custom bounce domains may deliver orphan bounces.
func (API) Bounced(ctx context.Context, address string) {
	_, err := processBounce(ctx, address, "")
	xusercheckf(err, "processing bounce")
}

// Queue returns all queue entries, both waiting for delivery and delivered
// entries in their retention period, in order of next scheduled attempt.
func (API) Queue(ctx context.Context) []Msg {
	l, err := bstore.QueryDB[Msg](ctx, database).SortAsc("NextAttempt").List()
	xcheckf(err, "listing queue")
	return l
}

// QueueDrop removes a queue entry without recording an event.
func (API) QueueDrop(ctx context.Context, sendID string) {
	if sendID == "" {
		xusererrorf("missing id")
	}
	err := database.Write(ctx, func(tx *bstore.Tx) error {
		m, err := bstore.QueryTx[Msg](tx).FilterNonzero(Msg{SendID: sendID}).Get()
		if err != nil {
			return err
		}
		return tx.Delete(&m)
	})
	if err == bstore.ErrAbsent {
		xusererrorf("no queue entry with this id")
	}
	xcheckf(err, "dropping queue entry")
	slog.Info("queue entry dropped", "sendid", sendID)
}

// QueueKick makes queue entries eligible for immediate delivery: the entry
// with the given id, or all undelivered entries when the id is empty.
// Returns the number of entries made eligible.
func (API) QueueKick(ctx context.Context, sendID string) int {
	now := time.Now()
	var n int
	err := database.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Msg](tx)
		q.FilterEqual("Delivered", false)
		if sendID != "" {
			q.FilterNonzero(Msg{SendID: sendID})
		}
		l, err := q.List()
		if err != nil {
			return err
		}
		if len(l) == 0 && sendID != "" {
			return bstore.ErrAbsent
		}
		for i := range l {
			l[i].NextAttempt = now
			if err := tx.Update(&l[i]); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err == bstore.ErrAbsent {
		xusererrorf("no active queue entry with this id")
	}
	xcheckf(err, "kicking queue entries")
	kickQueue()
	slog.Info("queue entries kicked", "n", n, "sendid", sendID)
	return n
}

// Events returns delivery events: those of one message, or the most recent
// events across messages when the id is empty.
func (API) Events(ctx context.Context, sendID string) []Event {
	q := bstore.QueryDB[Event](ctx, database)
	if sendID == "" {
		q.SortDesc("ID")
		q.Limit(100)
	} else {
		q.FilterNonzero(Event{SendID: sendID})
		q.SortAsc("Time")
	}
	l, err := q.List()
	xcheckf(err, "listing events")
	return l
}
