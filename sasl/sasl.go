// Package sasl implements the client side of Simple Authentication and
// Security Layer mechanisms, RFC 4422, for SMTP AUTH.
package sasl

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/mjl-/mailout/scram"
)

// ErrNoGSSAPI is returned when GSSAPI authentication is requested without a
// security context.
var ErrNoGSSAPI = errors.New("sasl: gssapi not available")

// Client is a SASL client.
type Client interface {
	// Name as used in SMTP AUTH, e.g. PLAIN, CRAM-MD5, SCRAM-SHA-256.
	// cleartextCredentials indicates if credentials are exchanged in clear text, which influences whether they are logged.
	Info() (name string, cleartextCredentials bool)

	// Next is called for each step of the SASL communication. The first call has a nil
	// fromServer and serves to get a possible "initial response" from the client. If
	// the client sends its final message it indicates so with last. Returning an error
	// aborts the authentication attempt.
	// For the first toServer ("initial response"), a nil toServer indicates there is
	// no data, which is different from a non-nil zero-length toServer.
	Next(fromServer []byte) (toServer []byte, last bool, err error)
}

type clientPlain struct {
	Username, Password string
	step               int
}

var _ Client = (*clientPlain)(nil)

// NewClientPlain returns a client for SASL PLAIN authentication.
func NewClientPlain(username, password string) Client {
	return &clientPlain{username, password, 0}
}

func (a *clientPlain) Info() (name string, hasCleartextCredentials bool) {
	return "PLAIN", true
}

func (a *clientPlain) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return []byte(fmt.Sprintf("\u0000%s\u0000%s", a.Username, a.Password)), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientLogin struct {
	Username, Password string
	step               int
}

var _ Client = (*clientLogin)(nil)

// NewClientLogin returns a client for the obsolete but widely deployed LOGIN
// mechanism. The server prompts for the username and then the password.
func NewClientLogin(username, password string) Client {
	return &clientLogin{username, password, 0}
}

func (a *clientLogin) Info() (name string, hasCleartextCredentials bool) {
	return "LOGIN", true
}

func (a *clientLogin) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		// No initial response, the server prompts first.
		return nil, false, nil
	case 1:
		return []byte(a.Username), false, nil
	case 2:
		return []byte(a.Password), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientCRAMMD5 struct {
	Username, Password string
	step               int
}

var _ Client = (*clientCRAMMD5)(nil)

// NewClientCRAMMD5 returns a client for SASL CRAM-MD5 authentication.
func NewClientCRAMMD5(username, password string) Client {
	return &clientCRAMMD5{username, password, 0}
}

func (a *clientCRAMMD5) Info() (name string, hasCleartextCredentials bool) {
	return "CRAM-MD5", false
}

func (a *clientCRAMMD5) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil
	case 1:
		// Validate the challenge.
		// ../rfc/2195:82
		s := string(fromServer)
		if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") {
			return nil, false, fmt.Errorf("invalid challenge, missing angle brackets")
		}
		t := strings.SplitN(s, ".", 2)
		if len(t) != 2 || t[0] == "" {
			return nil, false, fmt.Errorf("invalid challenge, missing dot or random digits")
		}
		t = strings.Split(t[1], "@")
		if len(t) == 1 || t[0] == "" || t[len(t)-1] == "" {
			return nil, false, fmt.Errorf("invalid challenge, empty timestamp or empty hostname")
		}

		// ../rfc/2195:138
		key := []byte(a.Password)
		if len(key) > 64 {
			t := md5.Sum(key)
			key = t[:]
		}
		ipad := make([]byte, md5.BlockSize)
		opad := make([]byte, md5.BlockSize)
		copy(ipad, key)
		copy(opad, key)
		for i := range ipad {
			ipad[i] ^= 0x36
			opad[i] ^= 0x5c
		}
		ipadh := md5.New()
		ipadh.Write(ipad)
		ipadh.Write([]byte(fromServer))

		opadh := md5.New()
		opadh.Write(opad)
		opadh.Write(ipadh.Sum(nil))

		// ../rfc/2195:88
		return []byte(fmt.Sprintf("%s %x", a.Username, opadh.Sum(nil))), true, nil

	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientSCRAMSHA struct {
	Username, Password string

	hash func() hash.Hash
	name string
	cs   *tls.ConnectionState // For PLUS variants.

	noServerPlus bool
	step         int
	scram        *scram.Client
}

var _ Client = (*clientSCRAMSHA)(nil)

// NewClientSCRAMSHA1 returns a client for SASL SCRAM-SHA-1 authentication.
// If noServerPlus is set, the client supports channel binding but the server
// did not announce the PLUS variant.
func NewClientSCRAMSHA1(username, password string, noServerPlus bool) Client {
	return &clientSCRAMSHA{Username: username, Password: password, hash: sha1.New, name: "SCRAM-SHA-1", noServerPlus: noServerPlus}
}

// NewClientSCRAMSHA256 returns a client for SASL SCRAM-SHA-256 authentication.
func NewClientSCRAMSHA256(username, password string, noServerPlus bool) Client {
	return &clientSCRAMSHA{Username: username, Password: password, hash: sha256.New, name: "SCRAM-SHA-256", noServerPlus: noServerPlus}
}

// NewClientSCRAMSHA1PLUS returns a client for SCRAM-SHA-1-PLUS, binding the
// authentication to the TLS connection.
func NewClientSCRAMSHA1PLUS(username, password string, cs tls.ConnectionState) Client {
	return &clientSCRAMSHA{Username: username, Password: password, hash: sha1.New, name: "SCRAM-SHA-1-PLUS", cs: &cs}
}

// NewClientSCRAMSHA256PLUS returns a client for SCRAM-SHA-256-PLUS.
func NewClientSCRAMSHA256PLUS(username, password string, cs tls.ConnectionState) Client {
	return &clientSCRAMSHA{Username: username, Password: password, hash: sha256.New, name: "SCRAM-SHA-256-PLUS", cs: &cs}
}

func (a *clientSCRAMSHA) Info() (name string, hasCleartextCredentials bool) {
	return a.name, false
}

func (a *clientSCRAMSHA) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		a.scram = scram.NewClient(a.hash, a.Username, "", a.noServerPlus, a.cs)
		toserver, err := a.scram.ClientFirst()
		return []byte(toserver), false, err

	case 1:
		clientFinal, err := a.scram.ServerFirst(fromServer, a.Password)
		return []byte(clientFinal), false, err

	case 2:
		err := a.scram.ServerFinal(fromServer)
		return nil, true, err

	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

// GSSAPIContext is a Kerberos security context, typically backed by a GSS-API
// library. Kerberos itself is not implemented by this package.
type GSSAPIContext interface {
	// Step continues establishing the context with a token from the server,
	// nil for the first call. It returns the token to send and whether the
	// context is established.
	Step(fromServer []byte) (toServer []byte, established bool, err error)

	// Unwrap verifies and decodes a message from the server.
	Unwrap(token []byte) ([]byte, error)

	// Wrap protects a message for the server.
	Wrap(msg []byte) ([]byte, error)
}

type clientGSSAPI struct {
	ctx         GSSAPIContext
	authz       string
	established bool
	done        bool
}

var _ Client = (*clientGSSAPI)(nil)

// NewClientGSSAPI returns a client for GSSAPI (Kerberos V5) authentication,
// RFC 4752. With a nil context, the first step fails with ErrNoGSSAPI. No
// security layer is negotiated.
func NewClientGSSAPI(ctx GSSAPIContext, authz string) Client {
	return &clientGSSAPI{ctx: ctx, authz: authz}
}

func (a *clientGSSAPI) Info() (name string, hasCleartextCredentials bool) {
	return "GSSAPI", false
}

func (a *clientGSSAPI) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	if a.ctx == nil {
		return nil, false, ErrNoGSSAPI
	}
	if a.done {
		return nil, false, fmt.Errorf("gssapi: unexpected challenge after final response")
	}
	if !a.established {
		tok, established, err := a.ctx.Step(fromServer)
		if err != nil {
			return nil, false, fmt.Errorf("gssapi: establishing context: %w", err)
		}
		a.established = established
		if tok == nil {
			tok = []byte{}
		}
		return tok, false, nil
	}
	if len(fromServer) == 0 {
		// Server acknowledges our last token before sending the security layer offer.
		return []byte{}, false, nil
	}

	// Server offers security layers and a maximum message size. We only
	// accept "no security layer".
	offer, err := a.ctx.Unwrap(fromServer)
	if err != nil {
		return nil, false, fmt.Errorf("gssapi: unwrapping security layer offer: %w", err)
	}
	if len(offer) != 4 {
		return nil, false, fmt.Errorf("gssapi: security layer offer has %d bytes, expected 4", len(offer))
	}
	if offer[0]&1 == 0 {
		return nil, false, fmt.Errorf("gssapi: server requires a security layer")
	}
	resp, err := a.ctx.Wrap(append([]byte{1, 0, 0, 0}, a.authz...))
	if err != nil {
		return nil, false, fmt.Errorf("gssapi: wrapping response: %w", err)
	}
	a.done = true
	return resp, true, nil
}
