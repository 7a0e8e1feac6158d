package ses

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/mjl-/mailout/mlog"
)

var pkglog = mlog.New("ses", nil)

// fakeAPI implements SendEmailAPI, recording its input.
type fakeAPI struct {
	err   error
	input *sesv2.SendEmailInput
	calls int
}

func (f *fakeAPI) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.calls++
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("0100018c-test")}, nil
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	c := NewWithAPI(pkglog.Logger, api, Config{Region: "eu-west-1", ConfigurationSet: "outbound"})

	msg := "From: mox@example.org\nTo: mjl@example.org\nBcc: secret@example.org\nSubject: test\n\nhi\nthere\n"
	id, err := c.Send(ctx, "mox@example.org", []string{"mjl@example.org", "secret@example.org"}, strings.NewReader(msg))
	tcheck(t, err, "send")
	if id != "0100018c-test" {
		t.Fatalf("got message id %q", id)
	}

	in := api.input
	if aws.ToString(in.FromEmailAddress) != "mox@example.org" || aws.ToString(in.ConfigurationSetName) != "outbound" {
		t.Fatalf("bad input %#v", in)
	}
	if got := in.Destination.ToAddresses; len(got) != 2 || got[1] != "secret@example.org" {
		t.Fatalf("destination: got %v", got)
	}
	exp := "From: mox@example.org\r\nTo: mjl@example.org\r\nSubject: test\r\n\r\nhi\r\nthere\r\n"
	if got := string(in.Content.Raw.Data); got != exp {
		t.Fatalf("raw message:\ngot:\n%q\nexpected:\n%q", got, exp)
	}

	api.err = errors.New("throttled")
	if _, err := c.Send(ctx, "mox@example.org", []string{"mjl@example.org"}, strings.NewReader(msg)); err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("got %v, expected api error", err)
	}

	calls := api.calls
	if _, err := c.Send(ctx, "mox@example.org", nil, strings.NewReader(msg)); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("got %v, expected ErrNoRecipients", err)
	}
	if api.calls != calls {
		t.Fatalf("api called without recipients")
	}
}

func TestRawMessage(t *testing.T) {
	buf, err := RawMessage(strings.NewReader("Subject: folded\n line\r\n\r\nbody without newline"))
	tcheck(t, err, "raw message")
	exp := "Subject: folded\r\n line\r\n\r\nbody without newline\r\n"
	if string(buf) != exp {
		t.Fatalf("got %q, expected %q", buf, exp)
	}

	if _, err := RawMessage(strings.NewReader("no colon here\n\nbody\n")); err == nil {
		t.Fatalf("parsing bad header succeeded")
	}
}
