package pop3

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
)

// authenticateSASL drives a SASL mechanism through the AUTH command
// (RFC 5034): the initial response rides on the AUTH line when the
// mechanism has one, then each "+ <base64>" continuation is decoded, fed to
// the mechanism and the answer sent back base64-encoded on its own line.
// +OK completes the exchange; -ERR is an authentication failure that leaves
// the session connected.
func (e *engine) authenticateSASL(ctx context.Context, mech sasl.Client) error {
	name, ir, err := mech.Start()
	if err != nil {
		return fmt.Errorf("%w: starting %s: %v", ErrAuthFailed, name, err)
	}

	var cmd *command
	switch {
	case ir == nil:
		cmd = newCommand("AUTH", name)
	case len(ir) == 0:
		// An empty initial response is "=" on the wire.
		cmd = newCommand("AUTH", name, "=")
	default:
		cmd = newCommand("AUTH", name, base64.StdEncoding.EncodeToString(ir))
	}
	cmd.secret = true
	if err := e.sendCommand(ctx, cmd); err != nil {
		return err
	}

	completed := false
	for {
		line, err := e.readLine(ctx)
		if err != nil {
			return err
		}
		resp, err := parseResponse(line)
		if err != nil {
			e.fail()
			return err
		}

		switch {
		case resp.ok:
			return nil

		case resp.continuation:
			challenge, err := base64.StdEncoding.DecodeString(resp.text)
			if err != nil {
				e.abortSASL(ctx)
				return fmt.Errorf("%w: malformed base64 challenge", ErrAuthFailed)
			}

			var answer []byte
			if completed {
				// The mechanism finished early; keep answering empty until
				// the server terminates the exchange.
				answer = []byte{}
			} else {
				answer, err = mech.Next(challenge)
				if errors.Is(err, sasl.ErrUnexpectedServerChallenge) {
					completed = true
					answer = []byte{}
					err = nil
				}
				if err != nil {
					e.abortSASL(ctx)
					return fmt.Errorf("%w: %s: %v", ErrAuthFailed, name, err)
				}
			}
			if err := e.writeContinuation(ctx, base64.StdEncoding.EncodeToString(answer)); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: %s", ErrAuthFailed, resp.text)
		}
	}
}

// loginClient implements the legacy LOGIN mechanism in its classic form:
// no initial response, user name and password each sent in reply to a
// server prompt.
type loginClient struct {
	username string
	password string
	step     int
}

func newLoginClient(username, password string) sasl.Client {
	return &loginClient{username: username, password: password}
}

func (a *loginClient) Start() (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (a *loginClient) Next(challenge []byte) ([]byte, error) {
	a.step++
	switch a.step {
	case 1:
		return []byte(a.username), nil
	case 2:
		return []byte(a.password), nil
	default:
		return nil, sasl.ErrUnexpectedServerChallenge
	}
}

// abortSASL cancels an in-flight exchange with "*" and discards the
// server's mandatory -ERR.
func (e *engine) abortSASL(ctx context.Context) {
	if err := e.writeContinuation(ctx, "*"); err != nil {
		return
	}
	if _, err := e.readLine(ctx); err != nil {
		return
	}
}

// writeContinuation sends a client continuation line. No beginCommand:
// the trace layer keeps masking it as part of the in-flight secret command.
func (e *engine) writeContinuation(ctx context.Context, line string) error {
	if err := e.write(ctx, []byte(line+"\r\n")); err != nil {
		return err
	}
	return e.flush(ctx)
}
