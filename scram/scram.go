// Package scram implements the client side of the SCRAM-SHA-* SASL
// authentication mechanisms, RFC 5802 and RFC 7677.
//
// With SCRAM, the client proves it knows the password without sending it, and
// verifies the server knows (a derivative of) the password. The PLUS variants
// additionally bind the authentication to the TLS connection.
package scram

import (
	"crypto/hmac"
	cryptorand "crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/mailout/codec"
)

// Errors at SCRAM protocol level, as sent by a server in its final message.
var (
	ErrInvalidEncoding                 Error = "invalid-encoding"
	ErrExtensionsNotSupported          Error = "extensions-not-supported"
	ErrInvalidProof                    Error = "invalid-proof"
	ErrChannelBindingsDontMatch        Error = "channel-bindings-dont-match"
	ErrServerDoesSupportChannelBinding Error = "server-does-support-channel-binding"
	ErrChannelBindingNotSupported      Error = "channel-binding-not-supported"
	ErrUnsupportedChannelBindingType   Error = "unsupported-channel-binding-type"
	ErrUnknownUser                     Error = "unknown-user"
	ErrNoResources                     Error = "no-resources"
	ErrOtherError                      Error = "other-error"
)

var (
	ErrUnsafe   = errors.New("unsafe parameter") // E.g. nonce or salt too short, or too few iterations.
	ErrProtocol = errors.New("protocol error")   // E.g. server nonce not prefixed by the client nonce.
)

// Error is a SCRAM error as exchanged in the protocol.
type Error string

func (e Error) Error() string {
	return string(e)
}

// MakeRandom returns a cryptographically random buffer for use as nonce.
func MakeRandom() []byte {
	buf := make([]byte, 12)
	if _, err := cryptorand.Read(buf); err != nil {
		panic("generate random")
	}
	return buf
}

// SaltPassword returns a salted password.
func SaltPassword(h func() hash.Hash, password string, salt []byte, iterations int) []byte {
	password = norm.NFC.String(password)
	return pbkdf2.Key([]byte(password), salt, iterations, h().Size(), h)
}

// serverError returns the Error for a known "e=" value from the server, and a
// plain error for unknown values.
func serverError(s string) error {
	switch e := Error(s); e {
	case ErrInvalidEncoding, ErrExtensionsNotSupported, ErrInvalidProof, ErrChannelBindingsDontMatch,
		ErrServerDoesSupportChannelBinding, ErrChannelBindingNotSupported, ErrUnsupportedChannelBindingType,
		ErrUnknownUser, ErrNoResources, ErrOtherError:
		return e
	}
	return errors.New(s)
}

func mac(h func() hash.Hash, key []byte, msg string) []byte {
	m := hmac.New(h, key)
	m.Write([]byte(msg))
	return m.Sum(nil)
}

// proof returns ClientKey XOR HMAC(H(ClientKey), AuthMessage).
func proof(h func() hash.Hash, saltedPassword []byte, authMessage string) []byte {
	clientKey := mac(h, saltedPassword, "Client Key")
	hh := h()
	hh.Write(clientKey)
	sig := mac(h, hh.Sum(nil), authMessage)
	for i := range sig {
		sig[i] ^= clientKey[i]
	}
	return sig
}

func channelBindData(cs *tls.ConnectionState) ([]byte, error) {
	if cs.Version <= tls.VersionTLS12 {
		if cs.TLSUnique == nil {
			return nil, fmt.Errorf("no channel binding data available")
		}
		return cs.TLSUnique, nil
	}
	// "tls-exporter", RFC 9266. With TLS 1.3 an empty and absent context are the same.
	return cs.ExportKeyingMaterial("EXPORTER-Channel-Binding", []byte{}, 32)
}

// Client represents the client side of a SCRAM-SHA-* authentication.
type Client struct {
	authc string
	authz string

	h            func() hash.Hash     // sha1.New or sha256.New
	noServerPlus bool                 // Server did not announce the PLUS variant.
	cs           *tls.ConnectionState // If set, use the PLUS variant.

	// Messages used in hash calculations.
	clientFirstBare         string
	serverFirst             string
	clientFinalWithoutProof string
	authMessage             string

	gs2header       string
	clientNonce     string
	nonce           string // Full client + server nonce.
	saltedPassword  []byte
	channelBindData []byte
}

// NewClient returns a client for authentication as authc, optionally for
// authorization as authz, with hash h (sha1.New or sha256.New).
//
// If cs is not nil, the PLUS variant is used, binding the authentication to
// the TLS connection with "tls-exporter" for TLS 1.3 and "tls-unique" before.
// If noServerPlus is set, the client would have liked the PLUS variant but the
// server did not announce it, which lets a server detect a downgrade.
//
// Call ClientFirst, then ServerFirst with the server response, then
// ServerFinal with the final server response.
func NewClient(h func() hash.Hash, authc, authz string, noServerPlus bool, cs *tls.ConnectionState) *Client {
	authc = norm.NFC.String(authc)
	authz = norm.NFC.String(authz)
	return &Client{authc: authc, authz: authz, h: h, noServerPlus: noServerPlus, cs: cs}
}

// ClientFirst returns the first client message. A random nonce is generated.
func (c *Client) ClientFirst() (clientFirst string, rerr error) {
	if c.noServerPlus && c.cs != nil {
		return "", fmt.Errorf("cannot both claim channel binding is not supported and use channel binding")
	}
	switch {
	case c.cs != nil:
		if c.cs.Version >= tls.VersionTLS13 {
			c.gs2header = "p=tls-exporter"
		} else {
			c.gs2header = "p=tls-unique"
		}
		cbdata, err := channelBindData(c.cs)
		if err != nil {
			return "", fmt.Errorf("get channel binding data: %v", err)
		}
		c.channelBindData = cbdata
	case c.noServerPlus:
		c.gs2header = "y"
	default:
		c.gs2header = "n"
	}
	c.gs2header += ","
	if c.authz != "" {
		c.gs2header += "a=" + saslname(c.authz)
	}
	c.gs2header += ","
	if c.clientNonce == "" {
		c.clientNonce = string(codec.B64Encode(MakeRandom(), codec.B64Single))
	}
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", saslname(c.authc), c.clientNonce)
	return c.gs2header + c.clientFirstBare, nil
}

// ServerFirst processes the first server message, checking nonce, salt and
// iteration count. It returns the final client message with the proof that
// the client knows the password.
func (c *Client) ServerFirst(serverFirst []byte, password string) (clientFinal string, rerr error) {
	c.serverFirst = string(serverFirst)
	p := newParser(serverFirst)
	defer p.recover(&rerr)

	if p.take("m=") {
		p.xerrorf("unsupported mandatory extension: %w", ErrExtensionsNotSupported)
	}

	c.nonce = p.xnonce()
	p.xtake(",")
	salt := p.xsalt()
	p.xtake(",")
	iterations := p.xiterations()
	// Unknown extensions are ignored.
	for p.take(",") {
		p.xattrval()
	}
	p.xempty()

	if !strings.HasPrefix(c.nonce, c.clientNonce) {
		return "", fmt.Errorf("%w: server dropped our nonce", ErrProtocol)
	}
	if len(c.clientNonce) < 8 || len(c.nonce)-len(c.clientNonce) < 8 {
		return "", fmt.Errorf("%w: nonce too short", ErrUnsafe)
	}
	if len(salt) < 8 {
		return "", fmt.Errorf("%w: salt too short", ErrUnsafe)
	}
	if iterations < 2048 {
		return "", fmt.Errorf("%w: too few iterations", ErrUnsafe)
	}

	cbindInput := append([]byte(c.gs2header), c.channelBindData...)
	c.clientFinalWithoutProof = fmt.Sprintf("c=%s,r=%s", codec.B64Encode(cbindInput, codec.B64Single), c.nonce)
	c.authMessage = c.clientFirstBare + "," + c.serverFirst + "," + c.clientFinalWithoutProof

	c.saltedPassword = SaltPassword(c.h, password, salt, iterations)
	clientProof := proof(c.h, c.saltedPassword, c.authMessage)

	return c.clientFinalWithoutProof + ",p=" + string(codec.B64Encode(clientProof, codec.B64Single)), nil
}

// ServerFinal processes the final server message, verifying the server knows
// the password.
func (c *Client) ServerFinal(serverFinal []byte) (rerr error) {
	p := newParser(serverFinal)
	defer p.recover(&rerr)

	if p.take("e=") {
		return fmt.Errorf("error from server: %w", serverError(p.xvalue()))
	}
	p.xtake("v=")
	verifier := p.xbase64()

	serverSig := mac(c.h, mac(c.h, c.saltedPassword, "Server Key"), c.authMessage)
	if !hmac.Equal(verifier, serverSig) {
		return fmt.Errorf("incorrect server signature")
	}
	return nil
}

// saslname escapes "," as "=2C" and "=" as "=3D".
func saslname(s string) string {
	return strings.NewReplacer(",", "=2C", "=", "=3D").Replace(s)
}
