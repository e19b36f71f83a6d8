package pop3

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/emersion/go-sasl"
)

// Authenticate logs the session in with the given credentials, choosing a
// mechanism in preference order: APOP when the greeting carried a
// timestamp, then a password-based SASL mechanism the server advertises,
// then USER/PASS. Rejected credentials yield ErrAuthFailed and leave the
// session connected for another attempt.
//
// To force a specific SASL mechanism (XOAUTH2, NTLM, ...), use
// AuthenticateSASL instead.
func (c *Client) Authenticate(ctx context.Context, username, password string) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if c.authenticated {
		return ErrAlreadyAuthenticated
	}

	caps := c.eng.caps
	var mech string
	var err error
	switch {
	case caps.Has(CapApop) && len(c.eng.apopTimestamp) > 0:
		mech = "APOP"
		err = c.apop(ctx, username, password)
	case caps.Has(CapSASL) && caps.SupportsMechanism(sasl.Plain):
		mech = sasl.Plain
		err = c.eng.authenticateSASL(ctx, sasl.NewPlainClient("", username, password))
	case caps.Has(CapSASL) && caps.SupportsMechanism("LOGIN"):
		mech = "LOGIN"
		err = c.eng.authenticateSASL(ctx, newLoginClient(username, password))
	case caps.Has(CapUser):
		mech = "USER"
		err = c.userPass(ctx, username, password)
	default:
		return fmt.Errorf("%w: no supported authentication mechanism", ErrNotSupported)
	}

	return c.finishAuth(ctx, mech, err)
}

// AuthenticateSASL logs the session in with an explicitly chosen SASL
// mechanism. The mechanism is attempted even when the server did not
// advertise it; the server's -ERR settles the matter either way.
func (c *Client) AuthenticateSASL(ctx context.Context, mech sasl.Client) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if c.authenticated {
		return ErrAlreadyAuthenticated
	}
	return c.finishAuth(ctx, "SASL", c.eng.authenticateSASL(ctx, mech))
}

// finishAuth maps the outcome of an authentication exchange: failures stay
// recoverable, success enters the transaction state and re-issues CAPA
// because servers commonly reveal more capabilities after login.
func (c *Client) finishAuth(ctx context.Context, mech string, err error) error {
	if err != nil {
		c.noteFailure(err)
		c.cfg.Collector.AuthAttempt(mech, false)
		if cmdErr, ok := asCommandError(err); ok {
			return fmt.Errorf("%w: %s", ErrAuthFailed, cmdErr.Message)
		}
		return err
	}

	c.cfg.Collector.AuthAttempt(mech, true)
	c.authenticated = true
	c.eng.state = StateTransaction

	if err := c.eng.refreshCapabilities(ctx); err != nil {
		c.noteFailure(err)
		return err
	}
	c.cfg.Logger.Info("authenticated", "mechanism", mech)
	return nil
}

// userPass performs the USER/PASS exchange. The two commands are never
// grouped with anything else.
func (c *Client) userPass(ctx context.Context, username, password string) error {
	userCmd := newCommand("USER", username)
	userCmd.secret = true
	if err := c.eng.run(ctx, userCmd); err != nil {
		return err
	}

	passCmd := newCommand("PASS", password)
	passCmd.secret = true
	return c.eng.run(ctx, passCmd)
}

// apop authenticates with the digest of the greeting timestamp and the
// password (RFC 1939). The timestamp bytes are used exactly as received,
// angle brackets included.
func (c *Client) apop(ctx context.Context, username, password string) error {
	digest := md5.Sum(append(append([]byte{}, c.eng.apopTimestamp...), password...))
	cmd := newCommand("APOP", username, hex.EncodeToString(digest[:]))
	cmd.secret = true
	return c.eng.run(ctx, cmd)
}
