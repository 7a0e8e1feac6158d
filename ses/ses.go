// Package ses delivers messages through the Amazon SES v2 API, as raw
// messages.
package ses

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/emersion/go-message/textproto"

	"github.com/mjl-/mailout/mlog"
)

// ErrNoRecipients is returned by Send without recipients.
var ErrNoRecipients = errors.New("no recipients")

// Config holds the settings for a Client.
type Config struct {
	Region           string
	AccessKeyID      string // Optional, with SecretAccessKey. Otherwise the default credential chain is used.
	SecretAccessKey  string
	ConfigurationSet string // Optional.
	MaxAttempts      int    // Attempts per message for retryable errors. Zero uses the SDK default.
}

// SendEmailAPI is the SES v2 SendEmail operation, implemented by
// *sesv2.Client.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Client sends messages through SES.
type Client struct {
	log    mlog.Log
	api    SendEmailAPI
	config Config
}

// New returns a client for the region in c, with credentials from c or from
// the default AWS credential chain.
func New(ctx context.Context, elog *slog.Logger, c Config) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.Region),
	}
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""),
		))
	}
	if c.MaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(c.MaxAttempts))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return NewWithAPI(elog, sesv2.NewFromConfig(awsCfg), c), nil
}

// NewWithAPI returns a client that sends through api.
func NewWithAPI(elog *slog.Logger, api SendEmailAPI, c Config) *Client {
	return &Client{mlog.New("ses", elog), api, c}
}

// Send sends msg to rcpts, with from as envelope sender. The message lines
// may end in LF or CRLF, they are sent with CRLF. A Bcc header is removed. The
// SES message id is returned.
func (c *Client) Send(ctx context.Context, from string, rcpts []string, msg io.Reader) (string, error) {
	log := c.log.WithContext(ctx)

	if len(rcpts) == 0 {
		return "", ErrNoRecipients
	}
	raw, err := RawMessage(msg)
	if err != nil {
		return "", err
	}

	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{
			// Used as envelope recipients. The To header is left as is.
			ToAddresses: rcpts,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}
	if from != "" {
		input.FromEmailAddress = aws.String(from)
	}
	if c.config.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(c.config.ConfigurationSet)
	}

	log.Debug("sending through ses", slog.String("from", from), slog.Any("rcpts", rcpts), slog.Int("size", len(raw)))
	out, err := c.api.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send: %w", err)
	}
	id := aws.ToString(out.MessageId)
	log.Info("message sent through ses", slog.String("messageid", id))
	return id, nil
}

// RawMessage reads a message and returns it with CRLF line endings and without
// Bcc header.
func RawMessage(msg io.Reader) ([]byte, error) {
	br := bufio.NewReader(msg)
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	h.Del("Bcc")

	var b bytes.Buffer
	if err := textproto.WriteHeader(&b, h); err != nil {
		return nil, fmt.Errorf("writing message header: %w", err)
	}
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimSuffix(line, []byte("\n"))
			line = bytes.TrimSuffix(line, []byte("\r"))
			b.Write(line)
			b.WriteString("\r\n")
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("reading message body: %w", err)
		}
	}
	return b.Bytes(), nil
}
