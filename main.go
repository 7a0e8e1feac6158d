package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/mjl-/mailout/attach"
	"github.com/mjl-/mailout/buildvar"
	"github.com/mjl-/mailout/config"
	"github.com/mjl-/mailout/deliver"
	"github.com/mjl-/mailout/mbox"
	"github.com/mjl-/mailout/message"
	"github.com/mjl-/mailout/mlist"
	"github.com/mjl-/mailout/mlog"
	"github.com/mjl-/mailout/sentlog"
)

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"send", cmdSend},
	{"resend", cmdResend},
	{"config describe", cmdConfigDescribe},
	{"config test", cmdConfigTest},
	{"sentlog list", cmdSentlogList},
	{"sentlog prune", cmdSentlogPrune},
	{"mlist list", cmdMlistList},
	{"mlist subscribe", cmdMlistSubscribe},
	{"mlist unsubscribe", cmdMlistUnsubscribe},
	{"version", cmdVersion},
	{"help", cmdHelp},
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("mailout "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "mailout " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "mailout " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# mailout %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "mailout [-config mailout.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"mailout"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var configPath string
var loglevel string // Empty means the level from the config file.

// mustLoadConfig loads the config file and applies its log levels, with the
// level from the command-line taking precedence.
func mustLoadConfig() *config.Config {
	conf, err := config.Load(configPath)
	xcheckf(err, "loading config")
	levels := conf.LogLevels()
	if loglevel != "" {
		levels[""] = mlog.Levels[loglevel]
	}
	mlog.SetConfig(levels)
	return conf
}

// setVerbose makes the SMTP dialog visible, as for the verbose setting.
func setVerbose() {
	levels := mlog.Config()
	levels["smtpclient"] = mlog.LevelTrace
	levels["mta"] = mlog.LevelDebug
	mlog.SetConfig(levels)
}

func main() {
	log.SetFlags(0)

	// Invoked as sendmail, e.g. through a symlink, for programs like cron.
	if len(os.Args) > 0 && filepath.Base(os.Args[0]) == "sendmail" {
		configPath = config.DefaultPath()
		c := &cmd{
			flag:     flag.NewFlagSet("sendmail", flag.ExitOnError),
			flagArgs: os.Args[1:],
			log:      mlog.New("sendmail", nil),
		}
		cmdSendmail(c)
		return
	}

	flag.StringVar(&configPath, "config", config.DefaultPath(), "configuration file, defaults to $MAILOUT_CONFIG with a fallback to mailout/mailout.conf in the user config directory")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level overrides the level from the config file")
	flag.BoolVar(&mlog.Logfmt, "logfmt", false, "write log lines in logfmt format")

	var cpuprofile, memprofile, tracefile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")
	flag.StringVar(&tracefile, "trace", "", "store execution trace to file")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	defer profile(cpuprofile, memprofile, tracefile)()

	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		mlog.SetConfig(map[string]slog.Level{"": level})
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("mailout "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

// xparseAddresses parses each argument as an address list.
func xparseAddresses(args []string, what string) []message.Address {
	var l []message.Address
	for _, s := range args {
		addrs, err := message.ParseAddressList(s)
		xcheckf(err, "parsing %s", what)
		l = append(l, addrs...)
	}
	return l
}

// spoolStdin copies standard input to an unlinked temporary file, so it can
// be read again, e.g. for a dead letter.
func spoolStdin() *os.File {
	f, err := os.CreateTemp("", "mailout-body-*")
	xcheckf(err, "creating temporary file for message text")
	err = os.Remove(f.Name())
	xcheckf(err, "removing temporary file")
	_, err = io.Copy(f, os.Stdin)
	xcheckf(err, "reading message text")
	_, err = f.Seek(0, io.SeekStart)
	xcheckf(err, "seeking to start of message text")
	return f
}

// mailbox opens the mbox of the MAIL setting, for message references.
func mailbox(settings config.Settings) (*mbox.Folder, error) {
	p := settings.String("MAIL")
	if p == "" {
		p = os.Getenv("MAIL")
	}
	if p == "" {
		return nil, errors.New("no mailbox, set MAIL")
	}
	return mbox.Open(attach.ExpandPath(p))
}

// exitStatus exits with status 1 if the send failed.
func exitStatus(c *cmd, status deliver.Status, err error) {
	if err == nil {
		return
	}
	c.log.Errorx("sending message", err, slog.String("status", status.String()))
	if errors.Is(err, context.Canceled) {
		os.Exit(130)
	}
	os.Exit(1)
}

func cmdSend(c *cmd) {
	c.params = "[-s subject] [-c addresses] [-b addresses] [-a files] [-r from] [-reply N | -replyall N | -listreply N] [-batch] [-v] [-sign] [address ...] <text"
	c.help = `Send a message with text read from standard input.

The message is assembled as MIME message with the configured charsets, with
attachments, and sent over SMTP, SES or the local MTA, depending on the
configuration. If sending fails, the message is saved in the dead letter file,
and the exit status is non-zero.

Attachments are given as comma-separated list of files, and "#N" references to
messages in the mailbox of the MAIL setting.

With -reply, -replyall or -listreply, the message is a reply to message N in
the mailbox. Recipients, subject and references are taken from that message,
with Mail-Followup-To honored for -replyall and -listreply, and a
Mail-Followup-To added as configured. Addresses on the command line are added
to the recipients.

Addresses starting with "|" are commands that get the message on standard input,
addresses starting with "/", "./", "~/" or "+" are mbox files the message is
appended to. Both must be enabled with the expandaddr setting.
`
	var subject, cc, bcc, attachments, from string
	var reply, replyAll, listReply int
	var flags deliver.Flags
	c.flag.StringVar(&subject, "s", "", "subject")
	c.flag.StringVar(&cc, "c", "", "comma-separated cc addresses")
	c.flag.StringVar(&bcc, "b", "", "comma-separated bcc addresses")
	c.flag.StringVar(&attachments, "a", "", "comma-separated files or #N message references to attach")
	c.flag.StringVar(&from, "r", "", "from address, overrides the from setting")
	c.flag.IntVar(&reply, "reply", 0, "reply to the sender of message N in the mailbox")
	c.flag.IntVar(&replyAll, "replyall", 0, "reply to the sender and recipients of message N in the mailbox")
	c.flag.IntVar(&listReply, "listreply", 0, "reply to the mailing list of message N in the mailbox")
	c.flag.BoolVar(&flags.Batch, "batch", false, "batch mode, wait for the mta")
	c.flag.BoolVar(&flags.Verbose, "v", false, "verbose, show the smtp dialog")
	c.flag.BoolVar(&flags.Sign, "sign", false, "s/mime sign the message")
	args := c.Parse()
	var nreply int
	for _, n := range []int{reply, replyAll, listReply} {
		if n != 0 {
			nreply++
		}
	}
	if nreply > 1 || len(args) == 0 && nreply == 0 {
		c.Usage()
	}

	conf := mustLoadConfig()
	var settings config.Settings = conf
	if from != "" {
		settings = config.Overlay{Map: config.Map{"from": from}, Base: conf}
	}
	if flags.Verbose || settings.Bool("verbose") {
		setVerbose()
	}

	hdr := &message.Header{}
	if nreply > 0 {
		var err error
		hdr, err = replyHeader(settings, max(reply, replyAll, listReply), replyAll != 0 || listReply != 0, listReply != 0)
		xcheckf(err, "reading message to reply to")
	}
	hdr.To = append(hdr.To, xparseAddresses(args, "recipients")...)
	if subject != "" {
		hdr.Subject = subject
	}
	if len(hdr.To) == 0 {
		log.Fatalln("no recipients")
	}
	if cc != "" {
		hdr.Cc = append(hdr.Cc, xparseAddresses([]string{cc}, "cc")...)
	}
	if bcc != "" {
		hdr.Bcc = append(hdr.Bcc, xparseAddresses([]string{bcc}, "bcc")...)
	}

	d := &deliver.Deliverer{Log: c.log.Logger, Settings: settings}
	if attachments != "" {
		paths := []string{attach.ExpandPath("~/.mime.types")}
		if p := settings.String("mimetypes-file"); p != "" {
			paths = append(paths, attach.ExpandPath(p))
		}
		classifier, err := attach.NewClassifier(paths...)
		xcheckf(err, "loading mime types")
		hdr.Attachments = &attach.List{Classifier: classifier}

		var src attach.MessageSource
		if strings.Contains(attachments, "#") {
			folder, err := mailbox(settings)
			xcheckf(err, "opening mailbox for message references")
			src = folder
			d.Source = folder
		}
		err = hdr.Attachments.Append(attachments, src)
		if err != nil {
			hdr.Attachments.Close()
			xcheckf(err, "adding attachments")
		}
	}

	body := spoolStdin()
	defer body.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	status, err := d.Mail1(ctx, hdr, body, flags)
	stop()
	exitStatus(c, status, err)
}

// replyHeader returns the header for a reply to message n in the mailbox. With
// all, the reply also goes to the recipients of the message, or to its
// Mail-Followup-To. With list, the reply is to a mailing list.
func replyHeader(settings config.Settings, n int, all, list bool) (*message.Header, error) {
	folder, err := mailbox(settings)
	if err != nil {
		return nil, err
	}
	rc, err := folder.Message(n)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	r, err := message.ParseReply(rc)
	if err != nil {
		return nil, err
	}
	return r.Header(all, list), nil
}

func cmdResend(c *cmd) {
	c.params = "[-noresent] [-n msgnum] address ... [<message]"
	c.help = `Send an existing message to other recipients.

The message is read from standard input, or with -n from the mailbox of the
MAIL setting. Resent-* header fields are added, unless -noresent is set. The
original header and body are otherwise sent unchanged.
`
	var noResent, verbose bool
	var msgnum int
	c.flag.BoolVar(&noResent, "noresent", false, "do not add Resent-* header fields")
	c.flag.IntVar(&msgnum, "n", 0, "message number in the mailbox, starting at 1")
	c.flag.BoolVar(&verbose, "v", false, "verbose, show the smtp dialog")
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	conf := mustLoadConfig()
	if verbose || conf.Bool("verbose") {
		setVerbose()
	}
	rcpts := xparseAddresses(args, "recipients")

	var msg io.Reader = os.Stdin
	if msgnum > 0 {
		folder, err := mailbox(conf)
		xcheckf(err, "opening mailbox")
		rc, err := folder.Message(msgnum)
		xcheckf(err, "reading message %d", msgnum)
		defer rc.Close()
		msg = rc
	}

	d := &deliver.Deliverer{Log: c.log.Logger, Settings: conf}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	status, err := d.Resend(ctx, msg, rcpts, !noResent)
	stop()
	exitStatus(c, status, err)
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">mailout.conf"
	c.help = `Prints an annotated empty configuration for use as mailout.conf.

The configuration file is in sconf format. Fields are optional. The setting
names (in lower case with dashes) are documented in the comments.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	err := config.Describe(os.Stdout)
	xcheckf(err, "describing config")
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and checks the configuration file.

Problems are printed, and the exit status is non-zero.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	if _, err := config.Load(configPath); err != nil {
		log.Fatalf("%s", err)
	}
	fmt.Println("config OK")
}

// xsentlog opens the sent log from the sentlog setting.
func xsentlog(c *cmd) *sentlog.DB {
	conf := mustLoadConfig()
	p := conf.String("sentlog")
	if p == "" {
		log.Fatalf("no sentlog configured")
	}
	db, err := sentlog.Open(context.Background(), c.log.Logger, attach.ExpandPath(p))
	xcheckf(err, "opening sent log")
	return db
}

func cmdSentlogList(c *cmd) {
	c.params = "[-since duration] [-transport transport] [-limit n]"
	c.help = `Lists delivery attempts from the sent log, most recent first.

Transports are smtp, ses, sendmail, file and pipe.
`
	var since time.Duration
	var transport string
	var limit int
	c.flag.DurationVar(&since, "since", 0, "only attempts in this period, e.g. 24h")
	c.flag.StringVar(&transport, "transport", "", "only attempts with this transport")
	c.flag.IntVar(&limit, "limit", 100, "maximum number of attempts, 0 for all")
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	db := xsentlog(c)
	defer func() {
		c.log.Check(db.Close(), "closing sent log")
	}()
	var start time.Time
	if since > 0 {
		start = time.Now().Add(-since)
	}
	l, err := db.List(context.Background(), start, transport, limit)
	xcheckf(err, "listing attempts")
	for _, a := range l {
		fmt.Printf("%s %-8s %-11s %5dms %s -> %s %s\n", a.Time.Format(time.RFC3339), a.Transport, a.Result, a.Duration.Milliseconds(), a.MailFrom, strings.Join(a.Recipients, ","), a.MessageID)
		if a.Error != "" {
			fmt.Printf("\t%s\n", a.Error)
		}
	}
}

func cmdSentlogPrune(c *cmd) {
	c.params = "[-age duration]"
	c.help = "Removes delivery attempts older than age from the sent log."
	age := 30 * 24 * time.Hour
	c.flag.DurationVar(&age, "age", age, "remove attempts older than this")
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	db := xsentlog(c)
	defer func() {
		c.log.Check(db.Close(), "closing sent log")
	}()
	n, err := db.Prune(context.Background(), time.Now().Add(-age))
	xcheckf(err, "pruning sent log")
	fmt.Printf("%d attempts removed\n", n)
}

// xmlistPath returns the mailing lists file from the mailing-lists setting.
func xmlistPath() string {
	conf := mustLoadConfig()
	p := conf.String("mailing-lists")
	if p == "" {
		log.Fatalf("no mailing-lists file configured")
	}
	return attach.ExpandPath(p)
}

func cmdMlistList(c *cmd) {
	c.help = "Lists the known and subscribed mailing list patterns."
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	l, err := mlist.Load(xmlistPath())
	xcheckf(err, "loading mailing lists")
	for _, s := range l.Subscribed {
		fmt.Printf("subscribed %s\n", s)
	}
	for _, s := range l.Known {
		fmt.Printf("known %s\n", s)
	}
}

func cmdMlistSubscribe(c *cmd) {
	c.params = "pattern ..."
	c.help = `Marks mailing lists as subscribed.

Patterns are addresses with optional shell wildcards, e.g. *@lists.example.org.
Subscribed lists get a Mail-Followup-To header with followup-to set.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	mlistUpdate(args, (*mlist.Lists).Subscribe)
}

func cmdMlistUnsubscribe(c *cmd) {
	c.params = "pattern ..."
	c.help = "Marks subscribed mailing lists as known but not subscribed."
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	mlistUpdate(args, (*mlist.Lists).Unsubscribe)
}

func mlistUpdate(patterns []string, fn func(l *mlist.Lists, pattern string)) {
	p := xmlistPath()
	l, err := mlist.Load(p)
	xcheckf(err, "loading mailing lists")
	for _, s := range patterns {
		fn(l, s)
	}
	err = l.Save(p)
	xcheckf(err, "saving mailing lists")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this mailout version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(buildvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}
