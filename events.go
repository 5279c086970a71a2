package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/mjl-/bstore"
)

// addEvent stores a delivery event for a queue entry, within a transaction
// that typically also removes or updates the entry. The caller emits the
// event after commit.
func addEvent(tx *bstore.Tx, kind EventKind, m Msg, detail string) (Event, error) {
	ev := Event{
		SendID:    m.SendID,
		Kind:      kind,
		Recipient: m.Recipient,
		Detail:    detail,
	}
	if err := tx.Insert(&ev); err != nil {
		return Event{}, fmt.Errorf("storing %s event: %v", kind, err)
	}
	return ev, nil
}

// recordEvent stores and emits an event in one go, for use outside the
// queue transactions.
func recordEvent(ctx context.Context, kind EventKind, m Msg, detail string, spam *SpamVerdict) {
	var ev Event
	err := database.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		ev, err = addEvent(tx, kind, m, detail)
		return err
	})
	if err != nil {
		logErrorx("storing delivery event", err, "kind", kind, "sendid", m.SendID)
		return
	}
	emitEvent(ev, m, spam)
}

// emitEvent makes a stored event visible: logged, counted in metrics, and
// posted to the webhook when one is configured.
func emitEvent(ev Event, m Msg, spam *SpamVerdict) {
	slog.Info("delivery event", "kind", ev.Kind, "sendid", ev.SendID, "recipient", ev.Recipient, "detail", ev.Detail)
	metricEvents.WithLabelValues(string(ev.Kind)).Inc()
	c := conf()
	if c.Events != nil {
		go deliverEventWebhook(c, ev, m, spam)
	}
}

// eventData is the JSON payload posted to the webhook.
type eventData struct {
	Kind      EventKind
	SendID    string
	Recipient string
	Time      time.Time
	Detail    string       `json:",omitempty"`
	Spam      *SpamVerdict `json:",omitempty"`
	Context   string       `json:",omitempty"`
}

var eventClient = &http.Client{Transport: eventTransport()}

func eventTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	// We are not likely to talk to the host again soon.
	t.IdleConnTimeout = 3 * time.Second
	t.DisableKeepAlives = true
	return t
}

// deliverEventWebhook posts an event to the configured endpoint. Failures
// are logged and counted, there are no retries.
func deliverEventWebhook(c Config, ev Event, m Msg, spam *SpamVerdict) {
	// Prevent crash for panic.
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		metricPanics.Inc()
		slog.Error("uncaught panic delivering event webhook", "x", x, "kind", ev.Kind)
		debug.PrintStack()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data := eventData{ev.Kind, ev.SendID, ev.Recipient, ev.Time, ev.Detail, spam, string(m.Context)}
	payload, err := json.Marshal(data)
	if err != nil {
		logErrorx("marshal event webhook payload", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.Events.URL, bytes.NewReader(payload))
	if err != nil {
		logErrorx("new event webhook request", err)
		return
	}
	req.Header.Set("User-Agent", "mailout/"+version)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if c.Events.Username != "" || c.Events.Password != "" {
		req.SetBasicAuth(c.Events.Username, c.Events.Password)
	}

	start := time.Now()
	resp, err := eventClient.Do(req)
	metricWebhookDuration.Observe(float64(time.Since(start)) / float64(time.Second))
	if err != nil {
		metricWebhookResults.WithLabelValues("error").Inc()
		logErrorx("event webhook request", err, "kind", ev.Kind, "url", c.Events.URL)
		return
	}
	defer resp.Body.Close()

	// Read a bit of the response for the log, we don't care about more.
	fragment, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	metricWebhookResults.WithLabelValues(fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()
	if resp.StatusCode/100 != 2 {
		logErrorx("event webhook refused", fmt.Errorf("status %s", resp.Status), "kind", ev.Kind, "response", string(fragment))
		return
	}
	slog.Debug("event webhook delivered", "kind", ev.Kind, "status", resp.StatusCode)
}
