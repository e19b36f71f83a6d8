package pop3_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infodancer/pop3"
)

const testTimeout = 5 * time.Second

// step is one exchange of a scripted server session: the exact bytes the
// client must send and the canned response written back.
type step struct {
	expect  string
	respond string

	// oneWrite requires the expected bytes to arrive in a single write,
	// asserting that a pipelined group was flushed as one.
	oneWrite bool
}

// serve runs a scripted POP3 server on conn in a goroutine. After the last
// step it drains the connection until the client closes it.
func serve(t *testing.T, conn net.Conn, greeting string, steps []step) chan struct{} {
	t.Helper()
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer func() { _ = conn.Close() }()

		if _, err := conn.Write([]byte(greeting)); err != nil {
			return
		}
		runSteps(t, conn, steps)

		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
	return done
}

func runSteps(t *testing.T, conn net.Conn, steps []step) {
	buf := make([]byte, 16384)
	for i, st := range steps {
		var got string
		for len(got) < len(st.expect) {
			n, err := conn.Read(buf)
			if err != nil {
				t.Errorf("step %d: reading %q: %v", i, st.expect, err)
				return
			}
			got += string(buf[:n])
			if st.oneWrite && got != st.expect {
				t.Errorf("step %d: first write = %q, want the whole group %q", i, got, st.expect)
				return
			}
		}
		if got != st.expect {
			t.Errorf("step %d: got %q, want %q", i, got, st.expect)
			return
		}
		if _, err := conn.Write([]byte(st.respond)); err != nil {
			return
		}
	}
}

// dial connects a client to a scripted server over an in-memory pipe.
func dial(t *testing.T, cfg pop3.Config, greeting string, steps []step) (*pop3.Client, chan struct{}) {
	t.Helper()

	if cfg.Host == "" {
		cfg.Host = "mail.example"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = testTimeout
	}

	serverConn, clientConn := net.Pipe()
	done := serve(t, serverConn, greeting, steps)

	client := pop3.NewClient(cfg)
	require.NoError(t, client.ConnectOn(context.Background(), clientConn))
	return client, done
}

// Common script fragments.
const (
	greetingPlain = "+OK Hello there.\r\n"

	capaBasic      = "+OK\r\nUSER\r\nEXPIRE 31\r\nTOP\r\nUIDL\r\n.\r\n"
	capaExpanded   = "+OK\r\nUSER\r\nEXPIRE 31\r\nTOP\r\nUIDL\r\nRESP-CODES\r\n.\r\n"
	capaPipelining = "+OK\r\nUSER\r\nTOP\r\nUIDL\r\nPIPELINING\r\n.\r\n"
)

func capaStep(respond string) step {
	return step{expect: "CAPA\r\n", respond: respond}
}

// loginSteps is the USER/PASS exchange plus the automatic CAPA re-issue.
func loginSteps(capaAfter string) []step {
	return []step{
		{expect: "USER username\r\n", respond: "+OK\r\n"},
		{expect: "PASS password\r\n", respond: "+OK\r\n"},
		capaStep(capaAfter),
	}
}

func testMessage(i int) string {
	return fmt.Sprintf("Subject: Message %d\r\n\r\nThis is message %d.\r\n", i, i)
}

func retrResponse(i int) string {
	return "+OK\r\n" + testMessage(i) + ".\r\n"
}

// TestBasicSession covers the greeting, capability negotiation, USER/PASS
// login, STAT and the full LIST.
func TestBasicSession(t *testing.T) {
	steps := []step{
		capaStep(capaBasic),
	}
	steps = append(steps, loginSteps(capaExpanded)...)
	steps = append(steps,
		step{expect: "STAT\r\n", respond: "+OK 7 1800662\r\n"},
		step{expect: "LIST\r\n", respond: "+OK\r\n1 1024\r\n2 2048\r\n3 3072\r\n4 4096\r\n5 5120\r\n6 6144\r\n7 7168\r\n.\r\n"},
	)

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()

	caps := client.Capabilities()
	require.True(t, caps.Has(pop3.CapExpire))
	assert.Equal(t, 31, caps.ExpirePolicy)
	assert.Equal(t, pop3.StateConnected, client.State())

	require.NoError(t, client.Authenticate(ctx, "username", "password"))
	assert.Equal(t, pop3.StateTransaction, client.State())
	assert.True(t, client.Capabilities().Has(pop3.CapResponseCodes))

	count, err := client.MessageCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.Equal(t, int64(1800662), client.Size())

	sizes, err := client.MessageSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1024, 2048, 3072, 4096, 5120, 6144, 7168}, sizes)
}

// TestPipelinedRetrieve verifies that a bulk retrieval on a pipelining
// server goes out as exactly one write and that the three payloads come
// back in order.
func TestPipelinedRetrieve(t *testing.T) {
	steps := []step{capaStep(capaPipelining)}
	steps = append(steps, loginSteps(capaPipelining)...)
	steps = append(steps, step{
		expect:   "RETR 1\r\nRETR 2\r\nRETR 3\r\n",
		respond:  retrResponse(1) + retrResponse(2) + retrResponse(3),
		oneWrite: true,
	})

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()
	require.NoError(t, client.Authenticate(ctx, "username", "password"))

	entities, err := client.Messages(ctx, []int{0, 1, 2})
	require.NoError(t, err)
	require.Len(t, entities, 3)
	for i, entity := range entities {
		assert.Equal(t, fmt.Sprintf("Message %d", i+1), entity.Header.Get("Subject"))
		body, err := io.ReadAll(entity.Body)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("This is message %d.\r\n", i+1), string(body))
	}
}

// TestSequentialRetrieve checks that the same bulk call against a server
// without PIPELINING issues the commands one by one with identical results.
func TestSequentialRetrieve(t *testing.T) {
	steps := []step{capaStep(capaBasic)}
	steps = append(steps, loginSteps(capaBasic)...)
	steps = append(steps,
		step{expect: "RETR 1\r\n", respond: retrResponse(1)},
		step{expect: "RETR 2\r\n", respond: retrResponse(2)},
		step{expect: "RETR 3\r\n", respond: retrResponse(3)},
	)

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()
	require.NoError(t, client.Authenticate(ctx, "username", "password"))

	entities, err := client.Messages(ctx, []int{0, 1, 2})
	require.NoError(t, err)
	require.Len(t, entities, 3)
	for i, entity := range entities {
		assert.Equal(t, fmt.Sprintf("Message %d", i+1), entity.Header.Get("Subject"))
	}
}

// TestUIDLProbeSuccess: CAPA is unsupported, so UIDL support is probed with
// "UIDL 1" on first use and remembered.
func TestUIDLProbeSuccess(t *testing.T) {
	steps := []step{
		capaStep("-ERR\r\n"),
		{expect: "USER username\r\n", respond: "+OK\r\n"},
		{expect: "PASS password\r\n", respond: "+OK\r\n"},
		capaStep("-ERR\r\n"),
		{expect: "UIDL 1\r\n", respond: "+OK 1 abc123\r\n"},
		{expect: "UIDL\r\n", respond: "+OK\r\n1 abc123\r\n.\r\n"},
	}

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()
	require.NoError(t, client.Authenticate(ctx, "username", "password"))

	uids, err := client.MessageUIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc123"}, uids)
	assert.True(t, client.Capabilities().Has(pop3.CapUIDL))
}

// TestUIDLProbeFailure: the probe is refused, the call reports
// NotSupported and the session stays connected.
func TestUIDLProbeFailure(t *testing.T) {
	steps := []step{
		capaStep("-ERR\r\n"),
		{expect: "USER username\r\n", respond: "+OK\r\n"},
		{expect: "PASS password\r\n", respond: "+OK\r\n"},
		capaStep("-ERR\r\n"),
		{expect: "UIDL 1\r\n", respond: "-ERR\r\n"},
		{expect: "NOOP\r\n", respond: "+OK\r\n"},
	}

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()
	require.NoError(t, client.Authenticate(ctx, "username", "password"))

	_, err := client.MessageUIDs(ctx)
	assert.ErrorIs(t, err, pop3.ErrNotSupported)
	assert.True(t, client.IsConnected())
	assert.NoError(t, client.NoOp(ctx))
}

// TestAuthFailurePreservesSession: rejected credentials leave the session
// connected and a second attempt can succeed.
func TestAuthFailurePreservesSession(t *testing.T) {
	steps := []step{
		capaStep(capaBasic),
		{expect: "USER u\r\n", respond: "+OK\r\n"},
		{expect: "PASS p\r\n", respond: "-ERR bad pass\r\n"},
	}
	steps = append(steps, loginSteps(capaExpanded)...)

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()

	err := client.Authenticate(ctx, "u", "p")
	assert.ErrorIs(t, err, pop3.ErrAuthFailed)
	assert.True(t, client.IsConnected())
	assert.False(t, client.IsAuthenticated())

	require.NoError(t, client.Authenticate(ctx, "username", "password"))
	assert.True(t, client.IsAuthenticated())
}

// TestAuthenticateTwice: a second Authenticate yields
// ErrAlreadyAuthenticated without any wire traffic (the script would fail
// on an unexpected command).
func TestAuthenticateTwice(t *testing.T) {
	steps := []step{capaStep(capaBasic)}
	steps = append(steps, loginSteps(capaBasic)...)

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()
	require.NoError(t, client.Authenticate(ctx, "username", "password"))

	assert.ErrorIs(t, client.Authenticate(ctx, "username", "password"), pop3.ErrAlreadyAuthenticated)
}

// TestAPOP: a greeting timestamp selects APOP; the digest is the MD5 of
// the raw timestamp bytes followed by the password, and the trace masks
// both arguments.
func TestAPOP(t *testing.T) {
	var trace bytes.Buffer
	steps := []step{
		capaStep("+OK\r\nUSER\r\n.\r\n"),
		{expect: "APOP username d8027446a343b66d54736012dd06667f\r\n", respond: "+OK\r\n"},
		capaStep("+OK\r\nUSER\r\nTOP\r\n.\r\n"),
	}

	client, _ := dial(t, pop3.Config{Trace: &trace, RedactSecrets: true}, "+OK <d99894e8@example>\r\n", steps)
	ctx := context.Background()

	require.True(t, client.Capabilities().Has(pop3.CapApop))
	require.NoError(t, client.Authenticate(ctx, "username", "password"))
	assert.Contains(t, trace.String(), "C: APOP ******** ********\n")
}

// TestSASLLogin drives the LOGIN mechanism through its two prompts. Every
// client line after the AUTH verb is masked in the trace.
func TestSASLLogin(t *testing.T) {
	var trace bytes.Buffer
	steps := []step{
		capaStep("+OK\r\nSASL LOGIN\r\n.\r\n"),
		{expect: "AUTH LOGIN\r\n", respond: "+ \r\n"},
		{expect: "dXNlcm5hbWU=\r\n", respond: "+ \r\n"},
		{expect: "cGFzc3dvcmQ=\r\n", respond: "+OK\r\n"},
		capaStep("+OK\r\nSASL LOGIN\r\nTOP\r\n.\r\n"),
	}

	client, _ := dial(t, pop3.Config{Trace: &trace, RedactSecrets: true}, greetingPlain, steps)
	ctx := context.Background()

	require.NoError(t, client.Authenticate(ctx, "username", "password"))
	assert.True(t, client.IsAuthenticated())

	assert.Contains(t, trace.String(), "C: AUTH ********\n")
	assert.Contains(t, trace.String(), "C: ********\n")
	assert.NotContains(t, trace.String(), "dXNlcm5hbWU=")
	assert.NotContains(t, trace.String(), "cGFzc3dvcmQ=")
}

// TestSASLPlain uses the advertised PLAIN mechanism with an initial
// response on the AUTH line.
func TestSASLPlain(t *testing.T) {
	steps := []step{
		capaStep("+OK\r\nSASL PLAIN\r\n.\r\n"),
		{expect: "AUTH PLAIN AHVzZXJuYW1lAHBhc3N3b3Jk\r\n", respond: "+OK\r\n"},
		capaStep("+OK\r\nSASL PLAIN\r\nTOP\r\n.\r\n"),
	}

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	require.NoError(t, client.Authenticate(context.Background(), "username", "password"))
}

// TestPipelinedErrorMidBatch: a -ERR in the middle of a pipelined group is
// surfaced after all responses are drained, and the session stays usable.
func TestPipelinedErrorMidBatch(t *testing.T) {
	steps := []step{capaStep(capaPipelining)}
	steps = append(steps, loginSteps(capaPipelining)...)
	steps = append(steps,
		step{
			expect:   "DELE 1\r\nDELE 2\r\nDELE 3\r\n",
			respond:  "+OK\r\n-ERR no such message\r\n+OK\r\n",
			oneWrite: true,
		},
		step{expect: "NOOP\r\n", respond: "+OK\r\n"},
	)

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()
	require.NoError(t, client.Authenticate(ctx, "username", "password"))

	err := client.DeleteMessages(ctx, []int{0, 1, 2})
	var cmdErr *pop3.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "DELE", cmdErr.Verb)
	assert.Equal(t, "no such message", cmdErr.Message)

	assert.True(t, client.IsConnected())
	assert.NoError(t, client.NoOp(ctx))
}

// TestProtocolErrorClosesSession: a response that is neither +OK nor -ERR
// terminates the session and emits a Disconnected event.
func TestProtocolErrorClosesSession(t *testing.T) {
	steps := []step{capaStep(capaBasic)}
	steps = append(steps, loginSteps(capaBasic)...)
	steps = append(steps, step{expect: "NOOP\r\n", respond: "BOGUS\r\n"})

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()

	var events []pop3.Event
	client.Handle(func(ev pop3.Event) { events = append(events, ev) })

	require.NoError(t, client.Authenticate(ctx, "username", "password"))
	assert.ErrorIs(t, client.NoOp(ctx), pop3.ErrProtocol)
	assert.False(t, client.IsConnected())

	require.Len(t, events, 1)
	disc, ok := events[0].(pop3.DisconnectedEvent)
	require.True(t, ok)
	assert.False(t, disc.IsRequested)

	assert.ErrorIs(t, client.NoOp(ctx), pop3.ErrNotConnected)
}

// TestCommandErrorKeepsSession: a plain -ERR leaves the session connected.
func TestCommandErrorKeepsSession(t *testing.T) {
	steps := []step{capaStep(capaBasic)}
	steps = append(steps, loginSteps(capaBasic)...)
	steps = append(steps,
		step{expect: "RETR 99\r\n", respond: "-ERR no such message\r\n"},
		step{expect: "NOOP\r\n", respond: "+OK\r\n"},
	)

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()
	require.NoError(t, client.Authenticate(ctx, "username", "password"))

	_, err := client.Message(ctx, 98)
	var cmdErr *pop3.CommandError
	assert.ErrorAs(t, err, &cmdErr)
	assert.True(t, client.IsConnected())
	assert.NoError(t, client.NoOp(ctx))
}

// TestResponseCodeSurfaced: with RESP-CODES negotiated the bracketed code
// is available on the typed error.
func TestResponseCodeSurfaced(t *testing.T) {
	steps := []step{capaStep(capaExpanded)}
	steps = append(steps, loginSteps(capaExpanded)...)
	steps = append(steps, step{expect: "RETR 1\r\n", respond: "-ERR [IN-USE] mailbox busy\r\n"})

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()
	require.NoError(t, client.Authenticate(ctx, "username", "password"))

	_, err := client.Message(ctx, 0)
	var cmdErr *pop3.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "IN-USE", cmdErr.Code)
	assert.Equal(t, "mailbox busy", cmdErr.Message)
}

// TestStream retrieves a message lazily and leaves the session in sync
// after Close.
func TestStream(t *testing.T) {
	steps := []step{capaStep(capaBasic)}
	steps = append(steps, loginSteps(capaBasic)...)
	steps = append(steps,
		step{expect: "RETR 1\r\n", respond: retrResponse(1)},
		step{expect: "NOOP\r\n", respond: "+OK\r\n"},
	)

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()
	require.NoError(t, client.Authenticate(ctx, "username", "password"))

	stream, err := client.Stream(ctx, 0)
	require.NoError(t, err)

	// Another operation while the stream is open must be refused.
	assert.ErrorIs(t, client.NoOp(ctx), pop3.ErrStreamOpen)

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, testMessage(1), string(data))
	require.NoError(t, stream.Close())

	assert.NoError(t, client.NoOp(ctx))
}

// TestEmptyBulkInput returns empty results without touching the wire.
func TestEmptyBulkInput(t *testing.T) {
	steps := []step{capaStep(capaPipelining)}
	steps = append(steps, loginSteps(capaPipelining)...)

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()
	require.NoError(t, client.Authenticate(ctx, "username", "password"))

	entities, err := client.Messages(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, entities)
	assert.NoError(t, client.DeleteMessages(ctx, nil))
}

// TestEnableUTF8 verifies the pre-auth gate and idempotence.
func TestEnableUTF8(t *testing.T) {
	capaUTF8 := "+OK\r\nUSER\r\nUTF8 USER\r\n.\r\n"
	steps := []step{
		capaStep(capaUTF8),
		{expect: "UTF8\r\n", respond: "+OK\r\n"},
	}
	steps = append(steps, loginSteps(capaUTF8)...)

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()

	require.NoError(t, client.EnableUTF8(ctx))
	// Idempotent pre-auth: no second UTF8 goes out.
	require.NoError(t, client.EnableUTF8(ctx))

	require.NoError(t, client.Authenticate(ctx, "username", "password"))
	assert.ErrorIs(t, client.EnableUTF8(ctx), pop3.ErrAlreadyAuthenticated)
}

// TestLanguages exercises LANG listing and selection.
func TestLanguages(t *testing.T) {
	capaLang := "+OK\r\nUSER\r\nLANG\r\n.\r\n"
	steps := []step{
		capaStep(capaLang),
		{expect: "LANG\r\n", respond: "+OK\r\nen English\r\nde Deutsch\r\n.\r\n"},
		{expect: "LANG de\r\n", respond: "+OK de\r\n"},
	}

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()

	langs, err := client.Languages(ctx)
	require.NoError(t, err)
	assert.Equal(t, []pop3.Language{
		{Tag: "en", Description: "English"},
		{Tag: "de", Description: "Deutsch"},
	}, langs)

	assert.NoError(t, client.SetLanguage(ctx, "de"))
}

// TestLanguagesNotSupported fails fast without wire traffic.
func TestLanguagesNotSupported(t *testing.T) {
	client, _ := dial(t, pop3.Config{}, greetingPlain, []step{capaStep(capaBasic)})

	_, err := client.Languages(context.Background())
	assert.ErrorIs(t, err, pop3.ErrNotSupported)
}

// TestStateViolations never touch the wire.
func TestStateViolations(t *testing.T) {
	ctx := context.Background()

	disconnected := pop3.NewClient(pop3.Config{Host: "mail.example"})
	assert.ErrorIs(t, disconnected.NoOp(ctx), pop3.ErrNotConnected)
	_, err := disconnected.MessageCount(ctx)
	assert.ErrorIs(t, err, pop3.ErrNotConnected)
	assert.ErrorIs(t, disconnected.Authenticate(ctx, "u", "p"), pop3.ErrNotConnected)

	client, _ := dial(t, pop3.Config{}, greetingPlain, []step{capaStep(capaBasic)})
	assert.ErrorIs(t, client.ConnectOn(ctx, nil), pop3.ErrAlreadyConnected)
	_, err = client.MessageCount(ctx)
	assert.ErrorIs(t, err, pop3.ErrNotAuthenticated)
	assert.ErrorIs(t, client.Reset(ctx), pop3.ErrNotAuthenticated)
}

// TestCancelledBeforeCommand: cancellation between commands is clean and
// the session stays usable.
func TestCancelledBeforeCommand(t *testing.T) {
	steps := []step{capaStep(capaBasic)}
	steps = append(steps, loginSteps(capaBasic)...)
	steps = append(steps, step{expect: "NOOP\r\n", respond: "+OK\r\n"})

	client, _ := dial(t, pop3.Config{}, greetingPlain, steps)
	require.NoError(t, client.Authenticate(context.Background(), "username", "password"))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, client.NoOp(cancelled), pop3.ErrCancelled)

	assert.True(t, client.IsConnected())
	assert.NoError(t, client.NoOp(context.Background()))
}

// TestDisconnectQuit sends QUIT from the transaction state and emits the
// requested Disconnected event.
func TestDisconnectQuit(t *testing.T) {
	steps := []step{capaStep(capaBasic)}
	steps = append(steps, loginSteps(capaBasic)...)
	steps = append(steps, step{expect: "QUIT\r\n", respond: "+OK bye\r\n"})

	client, done := dial(t, pop3.Config{}, greetingPlain, steps)
	ctx := context.Background()

	var events []pop3.Event
	client.Handle(func(ev pop3.Event) { events = append(events, ev) })

	require.NoError(t, client.Authenticate(ctx, "username", "password"))
	require.NoError(t, client.Disconnect(ctx, true))
	assert.False(t, client.IsConnected())

	require.Len(t, events, 1)
	disc, ok := events[0].(pop3.DisconnectedEvent)
	require.True(t, ok)
	assert.True(t, disc.IsRequested)
	assert.Equal(t, "mail.example", disc.Host)

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("script server did not finish")
	}
}

// TestConnectedEvent is emitted once after the handshake completes.
func TestConnectedEvent(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	serve(t, serverConn, greetingPlain, []step{capaStep(capaBasic)})

	client := pop3.NewClient(pop3.Config{Host: "mail.example", Timeout: testTimeout})
	var events []pop3.Event
	client.Handle(func(ev pop3.Event) { events = append(events, ev) })

	require.NoError(t, client.ConnectOn(context.Background(), clientConn))
	require.Len(t, events, 1)
	conn, ok := events[0].(pop3.ConnectedEvent)
	require.True(t, ok)
	assert.Equal(t, "mail.example", conn.Host)
	assert.Equal(t, 110, conn.Port)
}

// TestGreetingRefused: a -ERR greeting is a protocol error and the session
// never comes up.
func TestGreetingRefused(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	serve(t, serverConn, "-ERR try again later\r\n", nil)

	client := pop3.NewClient(pop3.Config{Host: "mail.example", Timeout: testTimeout})
	err := client.ConnectOn(context.Background(), clientConn)
	assert.ErrorIs(t, err, pop3.ErrProtocol)
	assert.False(t, client.IsConnected())
}

// TestSTLS upgrades the transport after the server's +OK and re-issues
// CAPA over TLS exactly once; the new capability set replaces the old one.
func TestSTLS(t *testing.T) {
	cert := generateTestCert(t)
	serverConn, clientConn := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { _ = serverConn.Close() }()

		if _, err := serverConn.Write([]byte(greetingPlain)); err != nil {
			return
		}
		runSteps(t, serverConn, []step{
			capaStep("+OK\r\nSTLS\r\nUSER\r\nSASL PLAIN\r\n.\r\n"),
			{expect: "STLS\r\n", respond: "+OK begin TLS negotiation\r\n"},
		})

		tlsConn := tls.Server(serverConn, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err := tlsConn.Handshake(); err != nil {
			t.Errorf("server handshake: %v", err)
			return
		}
		runSteps(t, tlsConn, []step{
			capaStep("+OK\r\nUSER\r\nTOP\r\nUIDL\r\n.\r\n"),
		})

		buf := make([]byte, 4096)
		for {
			if _, err := tlsConn.Read(buf); err != nil {
				return
			}
		}
	}()

	client := pop3.NewClient(pop3.Config{
		Host:      "mail.example",
		Security:  pop3.SecurityStartTLS,
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
		Timeout:   testTimeout,
	})
	require.NoError(t, client.ConnectOn(context.Background(), clientConn))

	caps := client.Capabilities()
	assert.True(t, caps.Has(pop3.CapTop))
	// The pre-TLS set was replaced wholesale: STLS and the SASL mechanisms
	// it advertised are gone.
	assert.False(t, caps.Has(pop3.CapSTLS))
	assert.Empty(t, caps.AuthMechanisms)
}

// TestSTLSRequiredButAbsent: SecurityStartTLS fails when the server does
// not offer STLS.
func TestSTLSRequiredButAbsent(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	serve(t, serverConn, greetingPlain, []step{capaStep(capaBasic)})

	client := pop3.NewClient(pop3.Config{
		Host:     "mail.example",
		Security: pop3.SecurityStartTLS,
		Timeout:  testTimeout,
	})
	err := client.ConnectOn(context.Background(), clientConn)
	assert.ErrorIs(t, err, pop3.ErrNotSupported)
	assert.False(t, client.IsConnected())
}

// generateTestCert creates a self-signed certificate for the TLS tests.
func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mail.example"},
		DNSNames:     []string{"mail.example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
}
