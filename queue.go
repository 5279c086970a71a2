package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mjl-/bstore"
	"github.com/mjl-/mox/smtp"
)

// Delay until the next delivery attempt, indexed by the number of attempts
// made so far. Messages queued for later delivery wait for the first period
// too. Messages sent immediately get a first attempt right away, and follow
// the schedule when it fails.
var retrySchedule = []time.Duration{
	10 * time.Minute,
	time.Hour,
	12 * time.Hour,
	24 * time.Hour,
	2 * 24 * time.Hour,
	3 * 24 * time.Hour,
	7 * 24 * time.Hour,
}

func retryDelay(attempts int) time.Duration {
	if attempts >= len(retrySchedule) {
		attempts = len(retrySchedule) - 1
	}
	return retrySchedule[attempts]
}

const (
	// Before giving up on a message and failing it.
	maxAttempts = 8

	// How long delivered messages stay in the queue, so late DSNs can still
	// be correlated to them.
	sentRetention = 4 * time.Hour

	// Max time for a single delivery attempt.
	deliverTimeout = 5 * time.Minute
)

var queueActivity = make(chan struct{})

// kickQueue wakes up the delivery loop, for after adding messages to the
// queue or moving their next attempt forward.
func kickQueue() {
	select {
	case queueActivity <- struct{}{}:
	default:
	}
}

// queueAdd inserts the queue entries for a send request: one for To, and
// companion entries for CC and BCC when set, with "+cc"/"+bcc" appended to
// the send ID.
func queueAdd(tx *bstore.Tx, e Email, baseID string, now time.Time) ([]Msg, error) {
	req, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %v", err)
	}

	l := []struct {
		sendID    string
		recipient string
	}{
		{baseID, e.To},
		{baseID + "+cc", e.CC},
		{baseID + "+bcc", e.BCC},
	}
	var msgs []Msg
	for _, x := range l {
		if x.recipient == "" {
			continue
		}
		m := Msg{
			SendID:      x.sendID,
			BaseID:      baseID,
			Recipient:   x.recipient,
			Request:     req,
			Context:     []byte(e.Context),
			Queued:      now,
			NextAttempt: now.Add(retryDelay(0)),
		}
		if err := tx.Insert(&m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// queueStep makes a single pass over the queue: it cleans up delivered
// entries after the retention period, fails messages that are out of
// attempts, and starts delivery attempts for messages that are due. Returns
// the number of attempts started.
func queueStep(ctx context.Context) int {
	reloadConfig()
	c := conf()
	now := time.Now()

	type done struct {
		ev Event
		m  Msg
	}
	var emits []done
	err := database.Write(ctx, func(tx *bstore.Tx) error {
		qd := bstore.QueryTx[Msg](tx)
		qd.FilterEqual("Delivered", true)
		qd.FilterLess("Sent", now.Add(-sentRetention))
		delivered, err := qd.List()
		if err != nil {
			return fmt.Errorf("listing delivered messages: %v", err)
		}
		for _, m := range delivered {
			if err := tx.Delete(&m); err != nil {
				return fmt.Errorf("cleaning up delivered message: %v", err)
			}
			ev, err := addEvent(tx, EventSent, m, "")
			if err != nil {
				return err
			}
			emits = append(emits, done{ev, m})
		}

		// Messages out of attempts. Failing them waits until a possibly still
		// running last attempt must have finished, so we cannot fail a message
		// that is delivered at the last moment.
		qf := bstore.QueryTx[Msg](tx)
		qf.FilterEqual("Delivered", false)
		qf.FilterGreaterEqual("Attempts", maxAttempts)
		qf.FilterLess("LastAttempt", now.Add(-2*deliverTimeout))
		failed, err := qf.List()
		if err != nil {
			return fmt.Errorf("listing failed messages: %v", err)
		}
		for _, m := range failed {
			if err := tx.Delete(&m); err != nil {
				return fmt.Errorf("removing failed message: %v", err)
			}
			detail := m.LastError
			if detail == "" {
				detail = "delivery attempts exhausted"
			}
			ev, err := addEvent(tx, EventFailed, m, detail)
			if err != nil {
				return err
			}
			emits = append(emits, done{ev, m})
		}
		return nil
	})
	if err != nil {
		logFatalx("cleaning up queue", err)
	}
	for _, e := range emits {
		emitEvent(e.ev, e.m, nil)
	}

	// Dispatch messages that are due. Attempts and next attempt time are
	// updated before delivery starts, so a crashing attempt cannot cause a
	// tight retry loop.
	var due []Msg
	err = database.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Msg](tx)
		q.FilterEqual("Delivered", false)
		q.FilterLess("Attempts", maxAttempts)
		q.FilterLessEqual("NextAttempt", now)
		q.SortAsc("NextAttempt")
		l, err := q.List()
		if err != nil {
			return fmt.Errorf("listing due messages: %v", err)
		}
		for i := range l {
			l[i].Attempts++
			l[i].LastAttempt = now
			l[i].NextAttempt = now.Add(retryDelay(l[i].Attempts))
			if err := tx.Update(&l[i]); err != nil {
				return fmt.Errorf("updating message before delivery attempt: %v", err)
			}
		}
		due = l
		return nil
	})
	if err != nil {
		logFatalx("dispatching from queue", err)
	}
	for _, m := range due {
		go deliver(c, m)
	}

	if n, err := bstore.QueryDB[Msg](ctx, database).FilterEqual("Delivered", false).Count(); err != nil {
		logErrorx("counting queue size", err)
	} else {
		metricQueueSize.Set(float64(n))
	}

	return len(due)
}

// deliverQueue runs the delivery loop: a short poll interval plus a kick
// channel for new work. Passes never overlap, ticks during a pass are
// dropped.
func deliverQueue() {
	ticker := time.NewTicker(5 * time.Second)
	for {
		queueStep(context.Background())
		select {
		case <-ticker.C:
		case <-queueActivity:
		}
	}
}

// processBounce handles an address that received a bounce. If it is one of
// our unique bounce addresses for a message still in the queue, the entry is
// dropped, an event recorded, and true returned. Unrecognized and already
// cleaned up addresses are ignored.
func processBounce(ctx context.Context, address, detail string) (recognized bool, rerr error) {
	addr, err := smtp.ParseAddress(address)
	if err != nil {
		return false, fmt.Errorf("parsing bounced address %q: %v", address, err)
	}
	sendID := bounceSendID(addr.Localpart)
	if sendID == "" {
		slog.Debug("bounced address is not a bounce address, ignoring", "address", address)
		return false, nil
	}

	var m Msg
	var ev Event
	err = database.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		m, err = bstore.QueryTx[Msg](tx).FilterNonzero(Msg{SendID: sendID}).Get()
		if err == bstore.ErrAbsent {
			slog.Debug("no queue entry for bounced address, ignoring", "address", address, "sendid", sendID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("looking up queue entry for bounce: %v", err)
		}
		if err := tx.Delete(&m); err != nil {
			return fmt.Errorf("removing bounced queue entry: %v", err)
		}
		ev, err = addEvent(tx, EventBounced, m, detail)
		if err != nil {
			return err
		}
		recognized = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if recognized {
		emitEvent(ev, m, nil)
	}
	return recognized, nil
}
