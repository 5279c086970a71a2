// Command mailout is a durable outbound email dispatcher: it accepts send
// requests over an API, keeps them in a queue, encodes them as MIME messages
// and delivers them through a smarthost or directly to recipient MX hosts,
// with scheduled retries, VERP bounce correlation, an optional spamd check of
// delivered messages, and delivery events.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/mox/dns"
	"github.com/mjl-/mox/smtp"
	"github.com/mjl-/sconf"
)

var (
	configPath  string
	configMtx   sync.Mutex
	config      Config    // Active configuration, replaced on reload. Use conf() for a snapshot.
	configMtime time.Time // Modification time of the config file when last parsed.
)

// conf returns the current configuration. Sends and queue polls work from a
// single snapshot, so a reload never changes settings halfway through an
// operation.
func conf() Config {
	configMtx.Lock()
	defer configMtx.Unlock()
	return config
}

type Config struct {
	Domain                  string       `sconf-doc:"Domain used to compose the default From address and reply addresses, e.g. example.org."`
	DNSDomain               dns.Domain   `sconf:"-"`
	From                    string       `sconf:"optional" sconf-doc:"Default From address for messages that don't specify one. If empty, noreply@Domain is used."`
	FromParsed              smtp.Address `sconf:"-"`
	BounceDomain            string       `sconf:"optional" sconf-doc:"Domain for the unique bounce addresses used in the SMTP MAIL FROM, e.g. bounce.example.org. If empty, Domain is used."`
	BounceDNSDomain         dns.Domain   `sconf:"-"`
	Override                string       `sconf:"optional" sconf-doc:"If set, all messages are delivered to this address instead of their intended recipients. The original recipient stays visible in the To header. For testing."`
	TemplatesDir            string       `sconf:"optional" sconf-doc:"Directory with template files that send requests can reference by name. Default 'templates'."`
	SMTP                    SMTP         `sconf-doc:"How messages get onto the wire: through a smarthost, or directly to the MX hosts of each recipient domain."`
	Spamd                   *Spamd       `sconf:"optional" sconf-doc:"If set, each delivered message is checked with spamd (SpamAssassin) and the verdict is emitted as a delivery event."`
	Monitor                 *IMAP        `sconf:"optional" sconf-doc:"If set, an IMAP mailbox is watched for DSN messages, correlating bounces back to queued messages."`
	Events                  *Events      `sconf:"optional" sconf-doc:"If set, delivery events are also delivered to a webhook."`
	Admin                   Admin        `sconf:"optional" sconf-doc:"Access to the admin interface."`
	MaxConcurrentDeliveries int          `sconf:"optional" sconf-doc:"Maximum number of deliveries running at the same time. Default 10. Takes effect on restart."`
	ReverseProxied          bool         `sconf:"optional" sconf-doc:"Whether incoming requests are reverse proxied. If set, X-Forwarded-For is taken into account for the remote IP address (for rate limiting)."`
}

type SMTP struct {
	Relay         bool   `sconf:"optional" sconf-doc:"Deliver through the smarthost configured below instead of directly to the MX hosts of recipient domains."`
	Host          string `sconf:"optional" sconf-doc:"Hostname or IP address of the smarthost."`
	Port          int    `sconf:"optional" sconf-doc:"Port of the smarthost. Typically 465 for immediate TLS, and 587 for plain and STARTTLS."`
	TLS           bool   `sconf:"optional" sconf-doc:"For immediate TLS."`
	TLSSkipVerify bool   `sconf:"optional" sconf-doc:"If set, no TLS certificate validation is done."`
	Username      string `sconf:"optional" sconf-doc:"Username for the smarthost account. Authentication is attempted only when both Username and Password are set."`
	Password      string `sconf:"optional"`
	NoMXLookups   bool   `sconf:"optional" sconf-doc:"For direct delivery, connect to the recipient domain itself instead of looking up its MX records."`
	VERPAsFrom    bool   `sconf:"optional" sconf-doc:"Use the unique bounce address in the From header too, not only in the SMTP MAIL FROM."`
	BCC           string `sconf:"optional" sconf-doc:"If set, a copy of each delivered message is also sent to this address."`
}

type Spamd struct {
	Host string `sconf-doc:"Hostname or IP address of spamd."`
	Port int    `sconf-doc:"Port of spamd, typically 783."`
}

type IMAP struct {
	Host          string `sconf-doc:"Hostname or IP of IMAP server."`
	Port          int    `sconf-doc:"Port of IMAP server. Typically 993 for immediate TLS, and 143 for plain or STARTTLS."`
	TLS           bool   `sconf-doc:"For immediate TLS."`
	TLSSkipVerify bool   `sconf:"optional" sconf-doc:"If set, no TLS certificate validation is done."`
	Username      string `sconf-doc:"Username for account."`
	Password      string `sconf-doc:"Password for account."`
	Mailbox       string `sconf:"optional" sconf-doc:"Mailbox to watch for DSN messages. Default Inbox."`
	KeywordPrefix string `sconf:"optional" sconf-doc:"Prefix of keywords (or flags/tags) set on processed messages, e.g. 'mailout:'."`
}

type Events struct {
	URL      string `sconf-doc:"URL to POST JSON delivery events to."`
	Username string `sconf:"optional" sconf-doc:"HTTP basic auth for the webhook endpoint."`
	Password string `sconf:"optional"`
}

type Admin struct {
	PasswordHash string `sconf:"optional" sconf-doc:"Bcrypt hash of the password for HTTP basic authentication for the admin interface, for downloading a copy of the database. Use username admin. Generate with 'mailout hashpassword'. If empty, the admin interface rejects all requests."`
}

var loglevel slog.LevelVar

func init() {
	slog.SetDefault(slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if len(groups) == 0 {
					if a.Key == slog.TimeKey {
						return slog.Attr{}
					} else if a.Key == slog.LevelKey {
						return slog.String("l", strings.ToLower(a.Value.String()))
					} else if a.Key == "msg" {
						a.Key = "m"
					}
				}
				return a
			},
			Level: &loglevel,
		}),
	))
}

func main() {
	flag.TextVar(&loglevel, "loglevel", &loglevel, "log level, default is info")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: mailout serve [flags]")
		fmt.Fprintln(os.Stderr, "       mailout describeconf >mailout.conf")
		fmt.Fprintln(os.Stderr, "       mailout checkconf mailout.conf")
		fmt.Fprintln(os.Stderr, "       mailout genconf >mailout.conf")
		fmt.Fprintln(os.Stderr, "       mailout hashpassword")
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "serve":
		serve(args)

	case "describeconf":
		if len(args) != 0 {
			flag.Usage()
		}
		if err := sconf.Describe(os.Stdout, config); err != nil {
			logFatalx("describing config", err)
		}

	case "checkconf":
		if len(args) != 1 {
			flag.Usage()
		}
		if err := parseConfig(args[0]); err != nil {
			logFatalx("parsing config", err)
		}

	case "genconf":
		if len(args) != 0 {
			flag.Usage()
		}
		config = Config{
			Domain: "localhost",
			From:   "mailout@localhost",
			SMTP: SMTP{
				Relay:         true,
				Host:          "localhost",
				Port:          1465,
				TLS:           true,
				TLSSkipVerify: true,
				Username:      "mox@localhost",
				Password:      "moxmoxmox",
			},
			Monitor: &IMAP{"localhost", 1993, true, true, "mox@localhost", "moxmoxmox", "Inbox", "mailout:"},
		}
		if err := sconf.Describe(os.Stdout, config); err != nil {
			logFatalx("describing config", err)
		}
		fmt.Fprintln(os.Stderr, `wrote config that works with "mox localserve" as mail server, see https://github.com/mjl-/mox`)

	case "hashpassword":
		if len(args) != 0 {
			flag.Usage()
		}
		fmt.Fprintln(os.Stderr, "type password:")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			logFatalx("reading password", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(strings.TrimRight(line, "\r\n")), bcrypt.DefaultCost)
		if err != nil {
			logFatalx("generating hash", err)
		}
		fmt.Println(string(hash))

	default:
		fmt.Fprintln(os.Stderr, "unknown subcommand")
		flag.Usage()
	}
}

func logCheck(err error, msg string, args ...any) {
	if err != nil {
		slog.Error(msg, append([]any{slog.Any("err", err)}, args...)...)
	}
}

func logFatalx(msg string, err error, args ...any) {
	slog.Error(msg, append([]any{slog.Any("err", err)}, args...)...)
	os.Exit(1)
}

func logErrorx(msg string, err error, args ...any) {
	slog.Error(msg, append([]any{slog.Any("err", err)}, args...)...)
}

func parseConfig(filename string) error {
	// Stat before parsing. A concurrent write can then only cause an extra
	// reload, not a missed one.
	fi, err := os.Stat(filename)
	if err != nil {
		return err
	}

	var c Config
	if err := sconf.ParseFile(filename, &c); err != nil {
		return err
	}
	if err := prepareConfig(&c); err != nil {
		return err
	}

	configMtx.Lock()
	config = c
	configMtime = fi.ModTime()
	configMtx.Unlock()
	return nil
}

// reloadConfig parses the config file again if it changed since the last
// parse. Called at the start of each queue poll, so changes take effect
// without a restart. A config that no longer parses keeps the previous one.
func reloadConfig() {
	if configPath == "" {
		return
	}
	fi, err := os.Stat(configPath)
	if err != nil {
		logErrorx("stat config for reload", err, "path", configPath)
		return
	}
	configMtx.Lock()
	unchanged := fi.ModTime().Equal(configMtime)
	configMtx.Unlock()
	if unchanged {
		return
	}
	if err := parseConfig(configPath); err != nil {
		logErrorx("reloading config, keeping previous", err, "path", configPath)
		return
	}
	slog.Info("config reloaded", "path", configPath)
}

func prepareConfig(c *Config) error {
	var err error

	c.DNSDomain, err = dns.ParseDomain(c.Domain)
	if err != nil {
		return fmt.Errorf("parsing domain %q: %v", c.Domain, err)
	}

	if c.BounceDomain != "" {
		c.BounceDNSDomain, err = dns.ParseDomain(c.BounceDomain)
		if err != nil {
			return fmt.Errorf("parsing bounce domain %q: %v", c.BounceDomain, err)
		}
	} else {
		c.BounceDNSDomain = c.DNSDomain
	}

	if c.From != "" {
		c.FromParsed, err = smtp.ParseAddress(c.From)
		if err != nil {
			return fmt.Errorf("parsing from address %q: %v", c.From, err)
		}
	} else {
		c.FromParsed = smtp.Address{Localpart: "noreply", Domain: c.DNSDomain}
	}

	if c.Override != "" {
		if _, err := smtp.ParseAddress(c.Override); err != nil {
			return fmt.Errorf("parsing override address %q: %v", c.Override, err)
		}
	}

	if c.SMTP.Relay {
		if c.SMTP.Host == "" {
			return fmt.Errorf("smtp relay enabled without host")
		}
		if c.SMTP.Port == 0 {
			return fmt.Errorf("smtp relay enabled without port")
		}
	}
	if c.SMTP.BCC != "" {
		if _, err := smtp.ParseAddress(c.SMTP.BCC); err != nil {
			return fmt.Errorf("parsing bcc address %q: %v", c.SMTP.BCC, err)
		}
	}

	if c.Spamd != nil && (c.Spamd.Host == "" || c.Spamd.Port == 0) {
		return fmt.Errorf("spamd requires host and port")
	}
	if c.Monitor != nil {
		if c.Monitor.Host == "" || c.Monitor.Port == 0 {
			return fmt.Errorf("monitor requires host and port")
		}
		if c.Monitor.Mailbox == "" {
			c.Monitor.Mailbox = "Inbox"
		}
	}
	if c.Events != nil {
		if _, err := url.Parse(c.Events.URL); err != nil {
			return fmt.Errorf("parsing events webhook url: %v", err)
		}
	}

	if c.TemplatesDir == "" {
		c.TemplatesDir = "templates"
	}
	if c.MaxConcurrentDeliveries == 0 {
		c.MaxConcurrentDeliveries = 10
	}

	return nil
}
