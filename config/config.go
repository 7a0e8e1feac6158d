package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mailout/message"
	"github.com/mjl-/mailout/mlog"
	"github.com/mjl-/mailout/smtpclient"
)

// Settings gives access to named settings, by their traditional variable name
// like "smtp", "from" or "sendcharsets". Unset variables are empty, false or
// not ok.
type Settings interface {
	String(name string) string
	Bool(name string) bool
	Int(name string) (int, bool)
}

// Map is a Settings with string values, for tests and the command line. Bool
// values are true when set to anything but "", "no", "false" or "0".
type Map map[string]string

func (m Map) String(name string) string {
	return m[name]
}

func (m Map) Bool(name string) bool {
	return truthy(m[name])
}

func (m Map) Int(name string) (int, bool) {
	return parseInt(m[name])
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "", "no", "false", "0", "off":
		return false
	}
	return true
}

func parseInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	return v, err == nil
}

// Overlay returns settings from m, falling back to base for names not in m.
type Overlay struct {
	Map  Map
	Base Settings
}

func (o Overlay) String(name string) string {
	if v, ok := o.Map[name]; ok {
		return v
	}
	return o.Base.String(name)
}

func (o Overlay) Bool(name string) bool {
	if v, ok := o.Map[name]; ok {
		return truthy(v)
	}
	return o.Base.Bool(name)
}

func (o Overlay) Int(name string) (int, bool) {
	if v, ok := o.Map[name]; ok {
		return parseInt(v)
	}
	return o.Base.Int(name)
}

// Config is the mailout.conf configuration file. Fields with a "var" tag are
// also available as Settings under that name.
type Config struct {
	LogLevel         string            `sconf:"optional" sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDefault log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs SMTP protocol transcripts, with traceauth also the authentication exchange with passwords, and tracedata also the full message data. Default: info."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package, e.g. smtpclient, deliver, message, charset, mta, ses."`

	From         string `sconf:"optional" var:"from" sconf-doc:"Default From address, e.g. 'Mox <mox@example.org>'. Multiple addresses can be separated by commas, which requires Sender."`
	Sender       string `sconf:"optional" var:"sender" sconf-doc:"Sender address, required when From has multiple addresses. Also used for MAIL FROM."`
	ReplyTo      string `sconf:"optional" var:"replyto" sconf-doc:"Default Reply-To addresses, comma-separated."`
	Organization string `sconf:"optional" var:"ORGANIZATION" sconf-doc:"Value for the Organization header."`
	Alternates   string `sconf:"optional" var:"alternates" sconf-doc:"Own addresses besides From, comma-separated. Removed from Mail-Followup-To and from recipients unless metoo is set."`
	Hostname     string `sconf:"optional" var:"hostname" sconf-doc:"Host name for Message-IDs and for EHLO. If absent, Message-IDs use the From address and EHLO the system host name."`

	SMTP             string `sconf:"optional" var:"smtp" sconf-doc:"Submission server URL, e.g. submission://mail.example.org or smtps://user@mail.example.org:465?tls-verify=ignore. If absent, a local sendmail or SES is used."`
	SMTPAuth         string `sconf:"optional" var:"smtp-auth" sconf-doc:"Authentication mechanism: none, plain, login, cram-md5, gssapi, scram-sha-1, scram-sha-256. Default: plain if a user is configured, none otherwise."`
	SMTPAuthUser     string `sconf:"optional" var:"smtp-auth-user" sconf-doc:"User name for authentication. Overrides the user in the URL."`
	SMTPAuthPassword string `sconf:"optional" var:"smtp-auth-password" sconf-doc:"Password for authentication. Overrides the password in the URL."`
	SMTPUseStartTLS  bool   `sconf:"optional" var:"smtp-use-starttls" sconf-doc:"Use STARTTLS for smtp:// and submission:// URLs."`
	SMTPTimeout      int    `sconf:"optional" var:"smtp-timeout" sconf-doc:"Timeout in seconds for each SMTP command. Zero, the default, means no timeout."`

	SESRegion           string `sconf:"optional" var:"ses-region" sconf-doc:"Send through Amazon SES in this region, e.g. eu-west-1, when no smtp URL is set."`
	SESConfigurationSet string `sconf:"optional" var:"ses-configuration-set" sconf-doc:"SES configuration set for sent messages."`
	SESAccessKeyID      string `sconf:"optional" var:"ses-access-key-id" sconf-doc:"Static AWS credentials. If absent, the default AWS credential chain is used."`
	SESSecretAccessKey  string `sconf:"optional" var:"ses-secret-access-key"`

	Sendmail          string `sconf:"optional" var:"sendmail" sconf-doc:"Path to the local MTA. Default: /usr/sbin/sendmail."`
	SendmailArguments string `sconf:"optional" var:"sendmail-arguments" sconf-doc:"Additional space-separated arguments for the MTA."`
	SendmailProgname  string `sconf:"optional" var:"sendmail-progname" sconf-doc:"Value for argv[0] of the MTA. Default: sendmail."`
	SendWait          bool   `sconf:"optional" var:"sendwait" sconf-doc:"Wait for the MTA to finish and check its exit status."`
	MeToo             bool   `sconf:"optional" var:"metoo" sconf-doc:"Send to the own address too, also passes -m to the MTA."`
	Verbose           bool   `sconf:"optional" var:"verbose" sconf-doc:"Show the SMTP dialog and pass -v to the MTA, implies waiting."`

	SendCharsets      string `sconf:"optional" var:"sendcharsets" sconf-doc:"Comma-separated output charsets to try, in order, e.g. iso-8859-1,utf-8."`
	Charset8bit       string `sconf:"optional" var:"charset-8bit" sconf-doc:"Charset tried after sendcharsets. Default: utf-8."`
	TTYCharset        string `sconf:"optional" var:"ttycharset" sconf-doc:"Charset of composed text and attachments. Default: utf-8."`
	Encoding          string `sconf:"optional" var:"encoding" sconf-doc:"Transfer encoding for 8-bit text: quoted-printable, 8bit or base64. Default: quoted-printable."`
	Signature         string `sconf:"optional" var:"signature" sconf-doc:"File appended to message text."`
	MimeTypes         string `sconf:"optional" var:"mimetypes-file" sconf-doc:"Additional mime.types file for classifying attachments, besides ~/.mime.types."`
	MessageIDDisable  bool   `sconf:"optional" var:"message-id-disable" sconf-doc:"Do not add a Message-ID header."`
	StealthMUA        string `sconf:"optional" var:"stealthmua" sconf-doc:"If set, no User-Agent header is added. Unless the value is 'noagent', no Message-ID is added either."`
	BSDCompat         bool   `sconf:"optional" var:"bsdcompat" sconf-doc:"Place Cc and Bcc after Subject, as BSD mail does."`
	FollowupTo        bool   `sconf:"optional" var:"followup-to" sconf-doc:"Add Mail-Followup-To for messages to mailing lists."`
	DispositionNotif  bool   `sconf:"optional" var:"disposition-notification-send" sconf-doc:"Request a read receipt with Disposition-Notification-To."`
	MailingLists      string `sconf:"optional" var:"mailing-lists" sconf-doc:"YAML file with known and subscribed mailing lists, for Mail-Followup-To."`
	ExpandAddr        string `sconf:"optional" var:"expandaddr" sconf-doc:"Which addressees are allowed besides email addresses: comma-separated list of fcc (files), pipe, all. Default: none."`
	AutoCc            string `sconf:"optional" var:"autocc" sconf-doc:"Addresses added to Cc of every message."`
	AutoBcc           string `sconf:"optional" var:"autobcc" sconf-doc:"Addresses added to Bcc of every message."`
	Folder            string `sconf:"optional" var:"folder" sconf-doc:"Directory for +folder addressees."`
	MBox              string `sconf:"optional" var:"MAIL" sconf-doc:"Mailbox for #N message references and resend. Default: the MAIL environment variable."`
	Record            string `sconf:"optional" var:"record" sconf-doc:"Mbox file to append copies of sent messages to."`
	Dead              string `sconf:"optional" var:"DEAD" sconf-doc:"File to save messages that could not be sent. Default: ~/dead.letter."`
	NoSave            bool   `sconf:"optional" var:"nosave" sconf-doc:"Do not save messages that could not be sent."`
	DKIMKey           string `sconf:"optional" var:"dkim-key" sconf-doc:"PEM file with RSA private key for DKIM signing."`
	DKIMSelector      string `sconf:"optional" var:"dkim-selector"`
	DKIMDomain        string `sconf:"optional" var:"dkim-domain"`
	SMIMESign         bool   `sconf:"optional" var:"smime-sign" sconf-doc:"Sign messages with S/MIME."`
	SentLog           string `sconf:"optional" var:"sentlog" sconf-doc:"Database file for logging delivery attempts."`
	MetricsTextfile   string `sconf:"optional" var:"metrics-textfile" sconf-doc:"File to write prometheus metrics to after each send, for the node_exporter textfile collector."`

	Variables map[string]string `sconf:"optional" sconf-doc:"Other settings by name, e.g. smime-encrypt-<address>."`

	fields map[string]reflect.Value `sconf:"-"`
}

// DefaultPath returns the configuration file path: $MAILOUT_CONFIG, or
// mailout.conf in the user configuration directory.
func DefaultPath() string {
	if p := os.Getenv("MAILOUT_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "mailout.conf"
	}
	return filepath.Join(dir, "mailout", "mailout.conf")
}

// Load parses and checks the configuration file. A missing file at the
// default path is not an error, an empty configuration is returned.
func Load(path string) (*Config, error) {
	c := &Config{}
	err := sconf.ParseFile(path, c)
	if err != nil && errors.Is(err, os.ErrNotExist) && path == DefaultPath() {
		err = nil
	} else if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if errs := c.Check(); len(errs) > 0 {
		return nil, fmt.Errorf("config file %s: %w", path, errors.Join(errs...))
	}
	return c, nil
}

// Parse parses a configuration from r, without checking.
func Parse(r io.Reader) (*Config, error) {
	c := &Config{}
	if err := sconf.Parse(r, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Describe writes an annotated example configuration file.
func Describe(w io.Writer) error {
	return sconf.Describe(w, &Config{})
}

// Check returns problems with the configuration.
func (c *Config) Check() (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.LogLevel != "" {
		if _, ok := mlog.Levels[c.LogLevel]; !ok {
			addErrorf("unknown log level %q", c.LogLevel)
		}
	}
	for pkg, s := range c.PackageLogLevels {
		if _, ok := mlog.Levels[s]; !ok {
			addErrorf("unknown log level %q for package %q", s, pkg)
		}
	}
	for _, s := range []struct{ name, v string }{{"from", c.From}, {"replyto", c.ReplyTo}, {"alternates", c.Alternates}, {"autocc", c.AutoCc}, {"autobcc", c.AutoBcc}} {
		if _, err := message.ParseAddressList(s.v); err != nil {
			addErrorf("%s: %v", s.name, err)
		}
	}
	if c.Sender != "" {
		if _, err := message.ParseAddress(c.Sender); err != nil {
			addErrorf("sender: %v", err)
		}
	}
	if l, _ := message.ParseAddressList(c.From); len(l) > 1 && c.Sender == "" {
		addErrorf("from has multiple addresses, sender is required")
	}
	if c.SMTP != "" {
		if _, err := smtpclient.ParseURL(c.SMTP, c.SMTPUseStartTLS); err != nil {
			addErrorf("smtp: %v", err)
		}
		if c.SESRegion != "" {
			addErrorf("smtp and ses-region cannot both be set")
		}
	}
	switch strings.ToLower(c.SMTPAuth) {
	case "", "none", "plain", "login", "cram-md5", "gssapi", "scram-sha-1", "scram-sha-256":
	default:
		addErrorf("unknown smtp-auth mechanism %q", c.SMTPAuth)
	}
	if c.SMTPTimeout < 0 {
		addErrorf("smtp-timeout must not be negative")
	}
	if c.Encoding != "" {
		if _, err := message.ParseEncoding(c.Encoding); err != nil {
			addErrorf("encoding: %v", err)
		}
	}
	if (c.DKIMKey != "" || c.DKIMSelector != "" || c.DKIMDomain != "") && (c.DKIMKey == "" || c.DKIMSelector == "" || c.DKIMDomain == "") {
		addErrorf("dkim-key, dkim-selector and dkim-domain must be set together")
	}
	if (c.SESAccessKeyID == "") != (c.SESSecretAccessKey == "") {
		addErrorf("ses-access-key-id and ses-secret-access-key must be set together")
	}
	for _, w := range strings.Split(c.ExpandAddr, ",") {
		switch strings.TrimSpace(strings.ToLower(w)) {
		case "", "fcc", "file", "pipe", "all", "none":
		default:
			addErrorf("unknown expandaddr value %q", w)
		}
	}
	for k := range c.Variables {
		if _, ok := c.lookup(k); ok {
			addErrorf("variable %q must be set with its own field", k)
		}
	}
	return errs
}

// LogLevels returns the log levels for mlog.SetConfig. The default level is
// info.
func (c *Config) LogLevels() map[string]slog.Level {
	levels := map[string]slog.Level{"": mlog.LevelInfo}
	if l, ok := mlog.Levels[c.LogLevel]; ok {
		levels[""] = l
	}
	for pkg, s := range c.PackageLogLevels {
		if l, ok := mlog.Levels[s]; ok {
			levels[pkg] = l
		}
	}
	return levels
}

// lookup returns the field for a variable name.
func (c *Config) lookup(name string) (reflect.Value, bool) {
	if c.fields == nil {
		c.fields = map[string]reflect.Value{}
		v := reflect.ValueOf(c).Elem()
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if n := t.Field(i).Tag.Get("var"); n != "" {
				c.fields[n] = v.Field(i)
			}
		}
	}
	fv, ok := c.fields[name]
	return fv, ok
}

// Names returns the sorted variable names that have a value.
func (c *Config) Names() []string {
	c.lookup("")
	var names []string
	for n, fv := range c.fields {
		if !fv.IsZero() {
			names = append(names, n)
		}
	}
	names = append(names, maps.Keys(c.Variables)...)
	sort.Strings(names)
	return names
}

func (c *Config) String(name string) string {
	fv, ok := c.lookup(name)
	if !ok {
		return c.Variables[name]
	}
	switch fv.Kind() {
	case reflect.String:
		return fv.String()
	case reflect.Bool:
		if fv.Bool() {
			return "yes"
		}
		return ""
	case reflect.Int:
		if fv.Int() == 0 {
			return ""
		}
		return strconv.FormatInt(fv.Int(), 10)
	}
	return ""
}

func (c *Config) Bool(name string) bool {
	fv, ok := c.lookup(name)
	if !ok {
		return truthy(c.Variables[name])
	}
	switch fv.Kind() {
	case reflect.Bool:
		return fv.Bool()
	case reflect.String:
		return truthy(fv.String())
	case reflect.Int:
		return fv.Int() != 0
	}
	return false
}

func (c *Config) Int(name string) (int, bool) {
	fv, ok := c.lookup(name)
	if !ok {
		return parseInt(c.Variables[name])
	}
	switch fv.Kind() {
	case reflect.Int:
		return int(fv.Int()), fv.Int() != 0
	case reflect.String:
		return parseInt(fv.String())
	}
	return 0, false
}
