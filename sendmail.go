package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/mjl-/mailout/config"
	"github.com/mjl-/mailout/deliver"
	"github.com/mjl-/mailout/message"
)

func cmdSendmail(c *cmd) {
	c.params = "[-f from] [-F name] [ignoredflags] [-t] [address ...] <message"
	c.help = `Sendmail is a drop-in replacement for /usr/sbin/sendmail to send messages
from unix processes like cron.

If invoked as "sendmail", the complete message is read from standard input and
sent over the transport of the configuration file, like "mailout resend
-noresent". Recipients are the addresses on the command-line, or with -t the
addresses in the To, Cc and Bcc header fields.

If sending fails, the message is saved in the dead letter file.

Most flags are ignored to fake compatibility with other sendmail
implementations.
`

	// Flags are parsed by hand, we want to be lax and ignore most of them.
	args := c.flagArgs
	c.flagArgs = []string{}
	c.Parse() // We still have to call Parse for the usage gathering.

	var from, fullname string
	var tflag bool
	o := 0
	for i := 0; i < len(args); i++ {
		s := args[i]
		if s == "--" {
			o = i + 1
			break
		}
		if !strings.HasPrefix(s, "-") {
			o = i
			break
		}
		s = s[1:]
		switch {
		case s == "t":
			tflag = true
		case strings.HasPrefix(s, "f") || strings.HasPrefix(s, "r"):
			from = s[1:]
			if from == "" && i+1 < len(args) {
				i++
				from = args[i]
			}
		case strings.HasPrefix(s, "F"):
			fullname = s[1:]
			if fullname == "" && i+1 < len(args) {
				i++
				fullname = args[i]
			}
		}
		// Other options are ignored.
		o = i + 1
	}
	args = args[o:]

	conf := mustLoadConfig()
	var settings config.Settings = conf
	if from != "" {
		a := message.Address{Name: fullname, Addr: from}
		settings = config.Overlay{Map: config.Map{"from": a.String()}, Base: conf}
	}

	// Spool the message, the header is needed for -t before sending.
	msg, err := io.ReadAll(os.Stdin)
	xcheckf(err, "reading message")

	rcpts := xparseAddresses(args, "recipients")
	if tflag {
		h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(msg)))
		xcheckf(err, "reading message header")
		for _, k := range []string{"To", "Cc", "Bcc"} {
			for _, v := range h.Values(k) {
				addrs, err := message.ParseAddressList(v)
				xcheckf(err, "parsing %s header", k)
				rcpts = append(rcpts, addrs...)
			}
		}
	}
	if len(rcpts) == 0 {
		log.Fatalln("no recipients, need addresses or -t")
	}

	d := &deliver.Deliverer{Log: c.log.Logger, Settings: settings}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	status, err := d.Resend(ctx, bytes.NewReader(msg), rcpts, false)
	stop()
	exitStatus(c, status, err)
}
