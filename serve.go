package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	_ "embed"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/bstore"
	"github.com/mjl-/mox/dns"
	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"
)

var dbtypes = []any{Msg{}, Event{}}

// The message queue and delivery events are in the database.
var database *bstore.DB

// For the EHLO/HELO greeting on outgoing SMTP connections, set from the
// hostname during startup.
var ehloDomain = dns.Domain{ASCII: "localhost"}

//go:embed api.json
var apiJSON []byte

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		logFatalx("parsing api docs", err)
	}
	return doc
}

var publicMux = http.NewServeMux()
var metricsMux = http.NewServeMux()

func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var listenAddr, metricsAddr, adminAddr string
	var dbpath string
	fs.StringVar(&configPath, "config", "mailout.conf", "path to config file")
	fs.StringVar(&listenAddr, "listenaddr", "127.0.0.1:8083", "address to listen and serve the api on")
	fs.StringVar(&metricsAddr, "metricsaddr", "127.0.0.1:8084", "address to listen and serve metrics on")
	fs.StringVar(&adminAddr, "adminaddr", "127.0.0.1:8085", "address to listen and serve the admin requests on")
	fs.StringVar(&dbpath, "dbpath", "mailout.db", "database with the message queue and delivery events")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: mailout serve [flags]")
		fs.PrintDefaults()
		os.Exit(2)
	}
	fs.Parse(args)
	args = fs.Args()
	if len(args) != 0 {
		fs.Usage()
	}

	if err := parseConfig(configPath); err != nil {
		logFatalx("parsing config file", err)
	}

	// Prepare environment, also used by tests.
	servePrep(dbpath)

	// Start delivering queued messages.
	go deliverQueue()

	if conf().Monitor != nil {
		// Watch mailbox over IMAP for DSNs, using IMAP IDLE to wait for
		// incoming messages.
		go watchDSN()
	}

	slog.Warn("listening for api", "addr", listenAddr)
	if metricsAddr != "" {
		slog.Warn("listening for metrics", "metricsaddr", metricsAddr)
		go func() {
			logFatalx("metrics listener", http.ListenAndServe(metricsAddr, metricsMux))
		}()
	}
	if adminAddr != "" {
		slog.Warn("listening for admin", "adminaddr", adminAddr)
		go func() {
			logFatalx("admin listener", http.ListenAndServe(adminAddr, nil))
		}()
	}
	logFatalx("api listener", http.ListenAndServe(listenAddr, publicMux))
}

func servePrep(dbpath string) {
	hostname, err := os.Hostname()
	if err != nil {
		logFatalx("get hostname", err)
	}
	if d, err := dns.ParseDomain(hostname); err == nil {
		ehloDomain = d
	} else {
		slog.Warn("parsing hostname for smtp hello, using localhost", "hostname", hostname, "err", err)
	}

	db, err := bstore.Open(context.Background(), dbpath, nil, dbtypes...)
	if err != nil {
		logFatalx("opening database", err)
	}
	database = db

	// Up to N concurrent outgoing smtp connections.
	n := conf().MaxConcurrentDeliveries
	deliverTokens = make(chan struct{}, n)
	for i := 0; i < n; i++ {
		deliverTokens <- struct{}{}
	}

	apiDoc := mustParseAPI("api", apiJSON)

	collector, err := sherpaprom.NewCollector("mailout", nil)
	if err != nil {
		logFatalx("creating sherpa prometheus collector", err)
	}
	sherpaOpts := sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none", NoCORS: true}
	apiHandler, err := sherpa.NewHandler("/api/", version, API{}, &apiDoc, &sherpaOpts)
	if err != nil {
		logFatalx("making api handler", err)
	}

	publicMux.HandleFunc("GET /{$}", serveIndex)
	publicMux.HandleFunc("/api/", serveAPI(apiHandler))

	// Prometheus metrics served on a separate port.
	metricsMux = http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	// Admin endpoints served on a separate port. Requires HTTP basic auth from
	// the config file.
	http.HandleFunc("GET /", serveAdmin)
}

func safeHeaders(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'self' 'unsafe-inline'; frame-ancestors 'self'; form-action 'self'")
}

func httpErrorf(w http.ResponseWriter, r *http.Request, code int, format string, args ...any) {
	err := fmt.Errorf(format, args...)
	if code/100 == 5 {
		slog.Error("http request error", "err", err, "code", code, "method", r.Method, "path", r.URL.Path)
		debug.PrintStack()
	} else {
		slog.Debug("http request error", "err", err, "code", code, "method", r.Method, "path", r.URL.Path)
	}
	http.Error(w, fmt.Sprintf("%d - %s - %s", code, http.StatusText(code), err), code)
}

func serveIndex(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	safeHeaders(h)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "mailout - outbound email delivery daemon")
	fmt.Fprintln(w, "api and its documentation at /api/")
}

func serveAPI(apiHandler http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		safeHeaders(w.Header())

		if r.Method != "POST" && r.URL.Path != "/api/" {
			httpErrorf(w, r, http.StatusMethodNotAllowed, "use post")
			return
		}

		reqInfo := requestInfo{w, r}
		ctx := context.WithValue(r.Context(), requestInfoCtxKey, reqInfo)
		apiHandler.ServeHTTP(w, r.WithContext(ctx))
	}
}

func serveAdmin(w http.ResponseWriter, r *http.Request) {
	c := conf()
	auth := r.Header.Get("Authorization")
	var ok bool
	if c.Admin.PasswordHash != "" && strings.HasPrefix(auth, "Basic ") {
		if buf, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic ")); err == nil {
			if user, pass, found := strings.Cut(string(buf), ":"); found && user == "admin" {
				ok = bcrypt.CompareHashAndPassword([]byte(c.Admin.PasswordHash), []byte(pass)) == nil
			}
		}
	}
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="mailout admin"`)
		httpErrorf(w, r, http.StatusUnauthorized, "missing/bad basic authentication credentials")
		return
	}

	switch r.URL.Path {
	case "/queue":
		// Plain text dump of the queue for a quick look.
		h := w.Header()
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("Cache-Control", "no-cache, max-age=0")
		err := database.Read(r.Context(), func(tx *bstore.Tx) error {
			return bstore.QueryTx[Msg](tx).SortAsc("NextAttempt").ForEach(func(m Msg) error {
				status := "active"
				if m.Delivered {
					status = "delivered"
				}
				_, err := fmt.Fprintf(w, "%s %s %s attempts=%d next=%s lasterror=%q\n", m.SendID, status, m.Recipient, m.Attempts, m.NextAttempt.UTC().Format(time.RFC3339), m.LastError)
				return err
			})
		})
		if err != nil {
			logErrorx("dumping queue", err)
		}

	case "/mailout.db":
		// Consistent copy of entire database for offline inspection.
		err := database.Read(r.Context(), func(tx *bstore.Tx) error {
			h := w.Header()
			h.Set("Content-Type", "application/octet-stream")
			h.Set("Cache-Control", "no-cache, max-age=0")
			h.Set("Content-Disposition", `attachment; filename="mailout.db"`)
			if _, err := tx.WriteTo(w); err != nil {
				logErrorx("write database to http client", err)
			}
			return nil
		})
		if err != nil {
			logErrorx("dumping database", err)
		}

	default:
		http.NotFound(w, r)
	}
}
