package deliver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/mjl-/mailout/dns"
	"github.com/mjl-/mailout/message"
	"github.com/mjl-/mailout/mta"
	"github.com/mjl-/mailout/sasl"
	"github.com/mjl-/mailout/ses"
	"github.com/mjl-/mailout/smtp"
	"github.com/mjl-/mailout/smtpclient"
)

// transfer sends the message to the email recipients. Recipients with an
// smime-encrypt-<address> setting get a copy encrypted for them.
func (s *send) transfer(ctx context.Context, rcpts []message.Address) {
	var plain []string
	for _, a := range rcpts {
		cert := s.s.String("smime-encrypt-" + a.Addr)
		if cert == "" {
			plain = append(plain, a.Addr)
			continue
		}
		if err := s.transferEncrypted(ctx, a.Addr, cert); err != nil {
			s.fail(a.Addr, err)
		}
	}
	if len(plain) == 0 {
		return
	}
	f, err := s.openMsg()
	if err != nil {
		s.fail("transfer", err)
		return
	}
	defer f.Close()
	if err := s.transferTo(ctx, plain, f, s.msgSize); err != nil {
		s.fail("transfer", err)
	}
}

func (s *send) transferEncrypted(ctx context.Context, rcpt, cert string) error {
	if s.d.SMIME == nil {
		return fmt.Errorf("%w: cannot encrypt for %s", ErrSMIME, rcpt)
	}
	msgf, err := s.openMsg()
	if err != nil {
		return err
	}
	defer msgf.Close()

	f, err := os.CreateTemp("", "mailout-encrypted-*")
	if err != nil {
		return fmt.Errorf("creating temporary file for encrypted message: %w", err)
	}
	defer func() {
		name := f.Name()
		s.log.Check(f.Close(), "closing encrypted message file")
		s.log.Check(os.Remove(name), "removing encrypted message file")
	}()
	if err := s.d.SMIME.Encrypt(ctx, f, msgf, cert); err != nil {
		return fmt.Errorf("s/mime encrypting for %s: %w", rcpt, err)
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return s.transferTo(ctx, []string{rcpt}, f, size)
}

// transferTo sends msg over the configured transport: SMTP if smtp is set,
// SES if ses-region is set, the local MTA otherwise.
func (s *send) transferTo(ctx context.Context, rcpts []string, msg *os.File, size int64) error {
	var transport string
	var err error
	start := time.Now()
	switch {
	case s.s.String("smtp") != "":
		transport = "smtp"
		err = s.smtpTransfer(ctx, rcpts, msg, size)
	case s.s.String("ses-region") != "" || s.d.SES != nil:
		transport = "ses"
		err = s.sesTransfer(ctx, rcpts, msg)
	default:
		transport = "sendmail"
		err = s.mtaTransfer(ctx, rcpts, msg)
	}
	s.attempt(ctx, transport, rcpts, start, err)
	if err != nil {
		s.log.Errorx("message not sent", err, slog.String("transport", transport), slog.Any("rcpts", rcpts))
		return err
	}
	s.log.Info("message sent", slog.String("transport", transport), slog.Any("rcpts", rcpts), slog.String("messageid", s.messageID))
	return nil
}

func (s *send) mtaTransfer(ctx context.Context, rcpts []string, msg *os.File) error {
	opts := mta.Options{
		Path:      s.s.String("sendmail"),
		Progname:  s.s.String("sendmail-progname"),
		Arguments: mta.SplitArguments(s.s.String("sendmail-arguments")),
		MeToo:     s.s.Bool("metoo"),
		Verbose:   s.s.Bool("verbose"),
		Wait:      s.flags.Batch || s.s.Bool("sendwait"),
		Reaper:    s.d.Reaper,
	}
	if s.s.String("from") != "" || s.s.String("sender") != "" {
		opts.From = s.mailFrom
	}
	return mta.Send(ctx, s.log.Logger, opts, rcpts, msg)
}

func (s *send) sesTransfer(ctx context.Context, rcpts []string, msg io.Reader) error {
	c := ses.Config{
		Region:           s.s.String("ses-region"),
		AccessKeyID:      s.s.String("ses-access-key-id"),
		SecretAccessKey:  s.s.String("ses-secret-access-key"),
		ConfigurationSet: s.s.String("ses-configuration-set"),
	}
	var client *ses.Client
	if s.d.SES != nil {
		client = ses.NewWithAPI(s.log.Logger, s.d.SES, c)
	} else {
		var err error
		client, err = ses.New(ctx, s.log.Logger, c)
		if err != nil {
			return err
		}
	}
	_, err := client.Send(ctx, s.mailFrom, rcpts, msg)
	return err
}

// smtpTransfer submits the message to the server in the smtp URL. A SIGTERM
// interrupts the session.
func (s *send) smtpTransfer(ctx context.Context, rcpts []string, msg io.Reader, size int64) (rerr error) {
	u, err := smtpclient.ParseURL(s.s.String("smtp"), s.s.Bool("smtp-use-starttls"))
	if err != nil {
		return err
	}
	var timeout time.Duration
	if secs, ok := s.s.Int("smtp-timeout"); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	ehlo, err := s.ehloHostname()
	if err != nil {
		return err
	}
	auth, err := s.smtpAuth(u)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	resolver := s.d.Resolver
	if resolver == nil {
		resolver = dns.StrictResolver{Log: s.log.Logger}
	}
	conn, remoteHostname, err := smtpclient.Dial(ctx, s.log.Logger, s.d.Dialer, resolver, u.Host, u.Port, timeout)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", u, err)
	}
	opts := smtpclient.Opts{
		TLSMode:         u.TLSMode,
		Auth:            auth,
		IgnoreTLSVerify: u.IgnoreTLSVerify,
		RootCAs:         s.d.RootCAs,
		Timeout:         timeout,
	}
	c, err := smtpclient.New(ctx, s.log.Logger, conn, ehlo, remoteHostname, opts)
	if err != nil {
		s.log.Check(conn.Close(), "closing connection after failed smtp session")
		return fmt.Errorf("smtp session with %s: %w", u, err)
	}
	defer func() {
		err := c.Close()
		if rerr == nil && err != nil {
			s.log.Infox("closing smtp session after message was sent", err)
		}
	}()

	var smtputf8 bool
	for _, addr := range append([]string{s.mailFrom}, rcpts...) {
		if a, err := smtp.ParseAddress(addr); err == nil && a.IsInternational() {
			smtputf8 = true
		}
	}
	if err := c.Deliver(ctx, s.mailFrom, rcpts, size, msg, s.has8bit, smtputf8, true); err != nil {
		return fmt.Errorf("submitting to %s: %w", u, err)
	}
	return nil
}

// ehloHostname returns the hostname setting, or the system host name.
func (s *send) ehloHostname() (dns.Domain, error) {
	name := s.s.String("hostname")
	if name == "" {
		var err error
		name, err = os.Hostname()
		if err != nil || name == "" {
			name = "localhost"
		}
	}
	d, err := dns.ParseDomain(name)
	if err != nil {
		return dns.Domain{}, fmt.Errorf("hostname %q: %w", name, err)
	}
	return d, nil
}

// smtpAuth returns the authentication function for the smtp-auth setting, or
// nil for no authentication. Credentials from smtp-auth-user and
// smtp-auth-password take precedence over those in the URL.
func (s *send) smtpAuth(u smtpclient.URL) (func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error), error) {
	user := s.s.String("smtp-auth-user")
	if user == "" {
		user = u.User
	}
	pass := s.s.String("smtp-auth-password")
	if pass == "" {
		pass = u.Password
	}
	mech := strings.ToLower(s.s.String("smtp-auth"))
	if mech == "" {
		if user == "" {
			return nil, nil
		}
		mech = "plain"
	}
	if mech == "none" {
		return nil, nil
	}
	if user == "" && mech != "gssapi" {
		return nil, fmt.Errorf("smtp-auth %s requires a user", mech)
	}
	if pass == "" && mech != "gssapi" {
		return nil, fmt.Errorf("smtp-auth %s requires a password", mech)
	}
	gssapi := s.d.GSSAPI
	if mech == "gssapi" && gssapi == nil {
		return nil, errors.New("smtp-auth gssapi requires a gssapi implementation")
	}

	return func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error) {
		has := func(m string) bool {
			return slices.Contains(mechanisms, m)
		}
		switch mech {
		case "plain":
			if has("PLAIN") {
				return sasl.NewClientPlain(user, pass), nil
			}
		case "login":
			if has("LOGIN") {
				return sasl.NewClientLogin(user, pass), nil
			}
		case "cram-md5":
			if has("CRAM-MD5") {
				return sasl.NewClientCRAMMD5(user, pass), nil
			}
		case "gssapi":
			if has("GSSAPI") {
				return sasl.NewClientGSSAPI(gssapi, ""), nil
			}
		case "scram-sha-256":
			if cs != nil && has("SCRAM-SHA-256-PLUS") {
				return sasl.NewClientSCRAMSHA256PLUS(user, pass, *cs), nil
			} else if has("SCRAM-SHA-256") {
				return sasl.NewClientSCRAMSHA256(user, pass, cs != nil), nil
			}
		case "scram-sha-1":
			if cs != nil && has("SCRAM-SHA-1-PLUS") {
				return sasl.NewClientSCRAMSHA1PLUS(user, pass, *cs), nil
			} else if has("SCRAM-SHA-1") {
				return sasl.NewClientSCRAMSHA1(user, pass, cs != nil), nil
			}
		default:
			return nil, fmt.Errorf("unknown smtp-auth mechanism %q", mech)
		}
		return nil, nil
	}, nil
}
