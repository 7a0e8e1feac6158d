package deliver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/toorop/go-dkim"

	"github.com/mjl-/mailout/attach"
	"github.com/mjl-/mailout/xio"
)

var dkimHeaders = []string{"from", "to", "cc", "subject", "date", "message-id", "reply-to", "mime-version", "content-type", "content-transfer-encoding"}

// dkimSign adds a DKIM-Signature header to the message, with the PEM private
// key at keyPath. The signature is made over the message with CRLF line
// endings, the stored message keeps bare LF.
func (s *send) dkimSign(keyPath, domain, selector string) error {
	if domain == "" || selector == "" {
		return errors.New("dkim-domain and dkim-selector are required with dkim-key")
	}
	key, err := os.ReadFile(attach.ExpandPath(keyPath))
	if err != nil {
		return fmt.Errorf("reading dkim key: %w", err)
	}

	return s.replaceMsg(func(w io.Writer, msg io.Reader) error {
		var b bytes.Buffer
		if _, err := io.Copy(xio.NewCRLFWriter(&b), msg); err != nil {
			return err
		}
		email := b.Bytes()

		opts := dkim.NewSigOptions()
		opts.PrivateKey = key
		opts.Domain = domain
		opts.Selector = selector
		opts.Canonicalization = "relaxed/relaxed"
		opts.Headers = dkimHeaders
		opts.AddSignatureTimestamp = true
		if err := dkim.Sign(&email, opts); err != nil {
			return err
		}
		s.log.Debug("message dkim signed")
		_, err := w.Write(bytes.ReplaceAll(email, []byte("\r\n"), []byte("\n")))
		return err
	})
}
