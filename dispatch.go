package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mjl-/bstore"
)

// Tokens for limiting concurrent delivery attempts, filled during startup
// based on config.
var deliverTokens chan struct{}

// deliver makes one delivery attempt for queue entry m, in its own
// goroutine. The queue bookkeeping for this attempt has already been done:
// on transient failures we only store the error and let the next scheduled
// attempt happen.
func deliver(c Config, m Msg) {
	<-deliverTokens
	defer func() {
		deliverTokens <- struct{}{}
	}()

	// Prevent crash for panic.
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		metricPanics.Inc()
		slog.Error("uncaught panic delivering message", "x", x, "sendid", m.SendID)
		debug.PrintStack()
	}()

	log := slog.With("sendid", m.SendID, "recipient", m.Recipient, "attempt", m.Attempts)

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	start := time.Now()
	err := deliverAttempt(ctx, c, log, m)
	metricDeliverDuration.Observe(float64(time.Since(start)) / float64(time.Second))
	if err == nil {
		metricDeliverResults.WithLabelValues("ok").Inc()
		return
	}
	if deliverPermanent(err) {
		metricDeliverResults.WithLabelValues("permanent").Inc()
		log.Error("delivery failed permanently, dropping message", "err", err)
		failMsg(context.Background(), m, err.Error())
		return
	}
	metricDeliverResults.WithLabelValues("transient").Inc()
	log.Info("delivery attempt failed, will retry", "err", err)

	// Store the error with the entry, for the queue listing and for a
	// possible final failure event. The entry can be gone already, e.g.
	// dropped through the admin API.
	xerr := database.Write(context.Background(), func(tx *bstore.Tx) error {
		xm := Msg{ID: m.ID}
		xerr := tx.Get(&xm)
		if xerr == bstore.ErrAbsent {
			return nil
		}
		if xerr != nil {
			return xerr
		}
		xm.LastError = err.Error()
		return tx.Update(&xm)
	})
	logCheck(xerr, "storing delivery error with queue entry", "sendid", m.SendID)
}

// deliverAttempt composes the message for queue entry m with the current
// configuration and delivers it. On success the entry is marked delivered,
// kept around for correlating late DSNs until the queue cleans it up.
func deliverAttempt(ctx context.Context, c Config, log *slog.Logger, m Msg) error {
	var e Email
	if err := json.Unmarshal(m.Request, &e); err != nil {
		return fmt.Errorf("%w: parsing stored send request: %v", errDeliverPermanent, err)
	}

	// Unique envelope sender. Bounces come back addressed to it, leading us
	// back to this queue entry.
	mailFrom := bounceAddress(c, m.SendID).String()

	fromName, fromAddr := parseFrom(e.From)
	if c.SMTP.VERPAsFrom {
		fromAddr = mailFrom
	} else if fromAddr == "" {
		fromAddr = c.FromParsed.String()
	}

	toHeader := singleLine(m.Recipient)
	rcptTo := bareAddress(toHeader)
	if c.Override != "" {
		// All mail goes to the override address, with the intended recipient
		// left visible in the display name.
		toHeader = escapeAddress(toHeader) + " (override) <" + c.Override + ">"
		rcptTo = c.Override
	}

	msg, eightbit, smtputf8, err := compose(c, e, m.SendID, fromName, fromAddr, toHeader, rcptTo)
	if err != nil {
		return fmt.Errorf("%w: composing message: %v", errDeliverPermanent, err)
	}

	if err := submit(ctx, c, mailFrom, rcptTo, msg, eightbit, smtputf8); err != nil {
		return err
	}

	err = database.Write(context.Background(), func(tx *bstore.Tx) error {
		xm := Msg{ID: m.ID}
		xerr := tx.Get(&xm)
		if xerr == bstore.ErrAbsent {
			log.Debug("queue entry gone after delivery, not marking as sent")
			return nil
		}
		if xerr != nil {
			return xerr
		}
		xm.Delivered = true
		xm.Sent = time.Now()
		xm.LastError = ""
		return tx.Update(&xm)
	})
	logCheck(err, "marking message as delivered", "sendid", m.SendID)
	log.Info("message delivered")

	if c.SMTP.BCC != "" {
		go deliverBCC(c, m, msg, eightbit, smtputf8)
	}

	if c.Spamd != nil {
		spamdProbe(c, log, m, msg)
	}
	return nil
}

// failMsg removes a queue entry after a permanent delivery failure and
// records the event.
func failMsg(ctx context.Context, m Msg, detail string) {
	var ev Event
	var have bool
	err := database.Write(ctx, func(tx *bstore.Tx) error {
		xm := Msg{ID: m.ID}
		err := tx.Get(&xm)
		if err == bstore.ErrAbsent {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(&xm); err != nil {
			return err
		}
		ev, err = addEvent(tx, EventFailed, xm, detail)
		if err != nil {
			return err
		}
		have = true
		return nil
	})
	if err != nil {
		logErrorx("removing permanently failed message", err, "sendid", m.SendID)
		return
	}
	if have {
		emitEvent(ev, m, nil)
	}
}

// deliverBCC sends a copy of a just delivered message to the configured
// archive address: same bytes, same envelope sender, same SMTP settings.
// Failures are only logged, the primary delivery already happened.
func deliverBCC(c Config, m Msg, msg []byte, eightbit, smtputf8 bool) {
	<-deliverTokens
	defer func() {
		deliverTokens <- struct{}{}
	}()

	defer func() {
		x := recover()
		if x == nil {
			return
		}
		metricPanics.Inc()
		slog.Error("uncaught panic delivering bcc copy", "x", x, "sendid", m.SendID)
		debug.PrintStack()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	mailFrom := bounceAddress(c, m.SendID).String()
	if err := submit(ctx, c, mailFrom, c.SMTP.BCC, msg, eightbit, smtputf8); err != nil {
		logErrorx("delivering bcc copy", err, "sendid", m.SendID, "bcc", c.SMTP.BCC)
	}
}

// spamdProbe asks spamd for a verdict about the message as delivered and
// records it as an event. Probe errors are absorbed, they don't influence
// the delivery outcome.
func spamdProbe(c Config, log *slog.Logger, m Msg, msg []byte) {
	verdict, err := spamdCheck(c, msg)
	if err != nil {
		logErrorx("checking delivered message with spamd", err, "sendid", m.SendID)
		return
	}
	metricSpamVerdicts.WithLabelValues(verdict.Spam).Inc()
	log.Debug("spamd verdict about delivered message", "spam", verdict.Spam)
	recordEvent(context.Background(), EventSpamStatus, m, verdict.Status, &verdict)
}
