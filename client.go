package pop3

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"

	"github.com/infodancer/pop3/metrics"
)

// DefaultTimeout applies to each read and write when the config does not
// set one.
const DefaultTimeout = 120 * time.Second

// Config holds the settings for a Client.
type Config struct {
	// Host is the server name. Also used for TLS verification unless
	// TLSConfig overrides it.
	Host string

	// Port is the server port; 0 selects the default for the security mode.
	Port int

	// Security selects plaintext, implicit TLS or STLS behavior.
	Security Security

	// TLSConfig is used for implicit TLS and STLS. Nil means a default
	// config verifying Host.
	TLSConfig *tls.Config

	// Timeout applies to each read and write. Zero means DefaultTimeout.
	Timeout time.Duration

	// Logger receives lifecycle and protocol-trace records. Nil means
	// slog.Default().
	Logger *slog.Logger

	// Collector receives client metrics. Nil means NoopCollector.
	Collector metrics.Collector

	// Trace, when set, receives the protocol transcript as "C: "/"S: "
	// tagged lines.
	Trace io.Writer

	// RedactSecrets masks credentials in the protocol trace. It never
	// changes what is sent on the wire.
	RedactSecrets bool
}

// Client is a POP3 mail-retrieval client. It exposes the transaction
// operations over a single serialized session; message indexes at this
// boundary are 0-based and translated to the protocol's 1-based sequence
// numbers internally.
//
// A Client is not safe for concurrent use; one logical task owns the
// session at a time.
type Client struct {
	cfg Config
	eng *engine

	uri      string
	port     int
	starttls bool

	handlers      []EventHandler
	connected     bool
	authenticated bool
	utf8Enabled   bool

	count int
	size  int64
}

// NewClient creates a client for the given configuration. No connection is
// made until Connect.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}

	uri, port, starttls := ComputeDefaults(cfg.Host, cfg.Port, cfg.Security)

	return &Client{
		cfg:      cfg,
		uri:      uri,
		port:     port,
		starttls: starttls,
		eng: &engine{
			state:     StateDisconnected,
			timeout:   cfg.Timeout,
			log:       cfg.Logger,
			collector: cfg.Collector,
			trace:     cfg.Trace,
			redact:    cfg.RedactSecrets,
		},
	}
}

// Handle registers an event handler. Handlers run synchronously on the
// calling task.
func (c *Client) Handle(h EventHandler) {
	c.handlers = append(c.handlers, h)
}

func (c *Client) emit(ev Event) {
	for _, h := range c.handlers {
		h(ev)
	}
}

// URI returns the resolved connection URI, e.g. "pops://mail.example:995".
func (c *Client) URI() string { return c.uri }

// State returns the current connection state.
func (c *Client) State() State { return c.eng.state }

// IsConnected reports whether the session is live.
func (c *Client) IsConnected() bool {
	return c.eng.conn != nil && !c.eng.broken
}

// IsAuthenticated reports whether the session is in the transaction state.
func (c *Client) IsAuthenticated() bool { return c.authenticated }

// Capabilities returns the most recently negotiated capability set, or nil
// before the first handshake.
func (c *Client) Capabilities() *Capabilities { return c.eng.caps }

// Count returns the message count from the last STAT.
func (c *Client) Count() int { return c.count }

// Size returns the maildrop size in octets from the last STAT.
func (c *Client) Size() int64 { return c.size }

// Connect dials the server, reads the greeting, negotiates capabilities
// and upgrades with STLS when the security mode calls for it.
func (c *Client) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return ErrAlreadyConnected
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.port))
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}

	var conn net.Conn
	var err error
	implicitTLS := strings.HasPrefix(c.uri, "pops:")
	if implicitTLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, c.tlsConfig())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}

	return c.startSession(ctx, conn, implicitTLS)
}

// ConnectOn runs the session over a caller-supplied transport, e.g. one
// established through a proxy. The greeting has not been read yet.
func (c *Client) ConnectOn(ctx context.Context, conn net.Conn) error {
	if c.IsConnected() {
		return ErrAlreadyConnected
	}
	_, tlsActive := conn.(*tls.Conn)
	return c.startSession(ctx, conn, tlsActive)
}

func (c *Client) startSession(ctx context.Context, conn net.Conn, tlsActive bool) error {
	c.cfg.Collector.ConnectionOpened()
	if tlsActive {
		c.cfg.Collector.TLSEstablished()
	}

	if err := c.eng.start(ctx, conn, tlsActive); err != nil {
		return err
	}

	if c.starttls && !c.eng.tlsActive {
		switch {
		case c.eng.caps.Has(CapSTLS):
			if err := c.eng.startTLS(ctx, c.tlsConfig()); err != nil {
				if _, isCmd := asCommandError(err); isCmd && c.cfg.Security != SecurityStartTLS {
					// Opportunistic upgrade refused; carry on in plaintext.
					break
				}
				c.noteFailure(err)
				return err
			}
		case c.cfg.Security == SecurityStartTLS:
			c.eng.disconnect()
			return fmt.Errorf("%w: server does not offer STLS", ErrNotSupported)
		}
	}

	c.connected = true
	c.count, c.size = 0, 0
	c.utf8Enabled = false
	c.cfg.Logger.Info("connected",
		"uri", c.uri,
		"tls", c.eng.tlsActive,
		"implementation", c.eng.caps.Implementation,
	)
	c.emit(ConnectedEvent{Host: c.cfg.Host, Port: c.port, Security: c.cfg.Security})
	return nil
}

func (c *Client) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if c.cfg.TLSConfig != nil {
		cfg = c.cfg.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.cfg.Host
	}
	return cfg
}

// Disconnect ends the session. With quit set and an authenticated session
// a QUIT is sent first, committing deletions server-side; otherwise the
// transport is simply closed.
func (c *Client) Disconnect(ctx context.Context, quit bool) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	var err error
	if quit && c.eng.state == StateTransaction {
		c.eng.state = StateClosing
		err = c.eng.run(ctx, newCommand("QUIT"))
		if _, isCmd := asCommandError(err); isCmd {
			// A -ERR to QUIT changes nothing; we are leaving either way.
			err = nil
		}
	}

	c.eng.disconnect()
	c.connected = false
	c.authenticated = false
	c.cfg.Logger.Info("disconnected", "uri", c.uri, "requested", true)
	c.emit(DisconnectedEvent{Host: c.cfg.Host, Port: c.port, Security: c.cfg.Security, IsRequested: true})
	return err
}

// noteFailure emits the Disconnected event when an operation took the
// session down.
func (c *Client) noteFailure(err error) {
	if err == nil || !c.connected || c.IsConnected() {
		return
	}
	c.connected = false
	c.authenticated = false
	c.cfg.Logger.Info("disconnected", "uri", c.uri, "requested", false, "error", err.Error())
	c.emit(DisconnectedEvent{Host: c.cfg.Host, Port: c.port, Security: c.cfg.Security, IsRequested: false})
}

// exec runs commands through the engine and tracks failure-driven closes.
func (c *Client) exec(ctx context.Context, cmds ...*command) error {
	err := c.eng.run(ctx, cmds...)
	c.noteFailure(err)
	return err
}

// requireConnected gates operations needing at least a greeted session.
func (c *Client) requireConnected() error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// requireTransaction gates mailbox operations on the authenticated state.
func (c *Client) requireTransaction() error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if c.eng.state != StateTransaction {
		return ErrNotAuthenticated
	}
	return nil
}

func checkIndexes(indexes []int) error {
	for _, i := range indexes {
		if i < 0 {
			return fmt.Errorf("invalid message index %d", i)
		}
	}
	return nil
}

func seq(index int) string {
	return strconv.Itoa(index + 1)
}

// EnableUTF8 switches the session to UTF-8 mode (RFC 6856). It is only
// valid before authentication and is idempotent within that phase.
func (c *Client) EnableUTF8(ctx context.Context) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if c.authenticated {
		return ErrAlreadyAuthenticated
	}
	if c.utf8Enabled {
		return nil
	}
	if !c.eng.caps.Has(CapUTF8) {
		return ErrNotSupported
	}
	if err := c.exec(ctx, newCommand("UTF8")); err != nil {
		return err
	}
	c.utf8Enabled = true
	return nil
}

// NoOp sends NOOP.
func (c *Client) NoOp(ctx context.Context) error {
	if err := c.requireTransaction(); err != nil {
		return err
	}
	return c.exec(ctx, newCommand("NOOP"))
}

// MessageCount issues STAT and returns the number of messages in the
// maildrop. The count and total size are also cached on the client.
func (c *Client) MessageCount(ctx context.Context) (int, error) {
	if err := c.requireTransaction(); err != nil {
		return 0, err
	}

	cmd := newCommand("STAT")
	cmd.onResponse = func(resp *response) error {
		fields := strings.Fields(resp.text)
		if len(fields) < 2 {
			return fmt.Errorf("%w: malformed STAT response %q", ErrProtocol, resp.text)
		}
		count, err := strconv.Atoi(fields[0])
		if err != nil {
			return fmt.Errorf("%w: malformed STAT count %q", ErrProtocol, fields[0])
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: malformed STAT size %q", ErrProtocol, fields[1])
		}
		c.count, c.size = count, size
		return nil
	}
	if err := c.exec(ctx, cmd); err != nil {
		return 0, err
	}
	return c.count, nil
}

// MessageSize returns the size in octets of the message at the given
// 0-based index.
func (c *Client) MessageSize(ctx context.Context, index int) (int64, error) {
	if err := c.requireTransaction(); err != nil {
		return 0, err
	}
	if err := checkIndexes([]int{index}); err != nil {
		return 0, err
	}

	var size int64
	cmd := newCommand("LIST", seq(index))
	cmd.onResponse = func(resp *response) error {
		var err error
		_, size, err = parseListing(resp.text)
		return err
	}
	if err := c.exec(ctx, cmd); err != nil {
		return 0, err
	}
	return size, nil
}

// MessageSizes returns the sizes of all messages, ordered by sequence
// number.
func (c *Client) MessageSizes(ctx context.Context) ([]int64, error) {
	if err := c.requireTransaction(); err != nil {
		return nil, err
	}

	var sizes []int64
	cmd := newCommand("LIST")
	cmd.multiline = true
	cmd.onPayload = func(r io.Reader) error {
		lines, err := readPayloadLines(r)
		if err != nil {
			return err
		}
		sizes = make([]int64, 0, len(lines))
		for _, line := range lines {
			_, size, err := parseListing(line)
			if err != nil {
				return err
			}
			sizes = append(sizes, size)
		}
		return nil
	}
	if err := c.exec(ctx, cmd); err != nil {
		return nil, err
	}
	return sizes, nil
}

// parseListing parses one "n size" LIST line.
func parseListing(line string) (num int, size int64, err error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("%w: malformed LIST line %q", ErrProtocol, line)
	}
	num, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed LIST sequence %q", ErrProtocol, fields[0])
	}
	size, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed LIST size %q", ErrProtocol, fields[1])
	}
	return num, size, nil
}

// ensureUIDL verifies UIDL support, probing with "UIDL 1" when the
// capability was not advertised. A successful probe adds the capability; a
// -ERR yields ErrNotSupported without closing the session.
func (c *Client) ensureUIDL(ctx context.Context) error {
	if c.eng.caps.Has(CapUIDL) {
		return nil
	}
	err := c.exec(ctx, newCommand("UIDL", "1"))
	if err != nil {
		if _, isCmd := asCommandError(err); isCmd {
			return ErrNotSupported
		}
		return err
	}
	c.eng.caps.add(CapUIDL)
	return nil
}

// MessageUID returns the unique identifier of the message at the given
// 0-based index.
func (c *Client) MessageUID(ctx context.Context, index int) (string, error) {
	if err := c.requireTransaction(); err != nil {
		return "", err
	}
	if err := checkIndexes([]int{index}); err != nil {
		return "", err
	}
	if err := c.ensureUIDL(ctx); err != nil {
		return "", err
	}

	var uid string
	cmd := newCommand("UIDL", seq(index))
	cmd.onResponse = func(resp *response) error {
		fields := strings.Fields(resp.text)
		if len(fields) < 2 {
			return fmt.Errorf("%w: malformed UIDL response %q", ErrProtocol, resp.text)
		}
		uid = fields[1]
		return nil
	}
	if err := c.exec(ctx, cmd); err != nil {
		return "", err
	}
	return uid, nil
}

// MessageUIDs returns the unique identifiers of all messages, ordered by
// sequence number.
func (c *Client) MessageUIDs(ctx context.Context) ([]string, error) {
	if err := c.requireTransaction(); err != nil {
		return nil, err
	}
	if err := c.ensureUIDL(ctx); err != nil {
		return nil, err
	}

	var uids []string
	cmd := newCommand("UIDL")
	cmd.multiline = true
	cmd.onPayload = func(r io.Reader) error {
		lines, err := readPayloadLines(r)
		if err != nil {
			return err
		}
		uids = make([]string, 0, len(lines))
		for _, line := range lines {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return fmt.Errorf("%w: malformed UIDL line %q", ErrProtocol, line)
			}
			uids = append(uids, fields[1])
		}
		return nil
	}
	if err := c.exec(ctx, cmd); err != nil {
		return nil, err
	}
	return uids, nil
}

// retrCommand builds a RETR or TOP command buffering its payload.
func retrCommand(verb string, buf *bytes.Buffer, args ...string) *command {
	cmd := newCommand(verb, args...)
	cmd.multiline = true
	cmd.onPayload = func(r io.Reader) error {
		_, err := io.Copy(buf, r)
		return err
	}
	return cmd
}

// parseEntity hands a buffered payload to the MIME parser.
func parseEntity(data []byte) (*message.Entity, error) {
	entity, err := message.Read(bytes.NewReader(data))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	return entity, nil
}

// Message retrieves and parses the message at the given 0-based index.
func (c *Client) Message(ctx context.Context, index int) (*message.Entity, error) {
	entities, err := c.Messages(ctx, []int{index})
	if err != nil {
		return nil, err
	}
	return entities[0], nil
}

// Messages retrieves the messages at the given 0-based indexes, pipelining
// the RETR commands when the server allows it. Result order matches input
// order; duplicates are preserved. An empty input returns an empty result
// without touching the wire.
func (c *Client) Messages(ctx context.Context, indexes []int) ([]*message.Entity, error) {
	bufs, err := c.fetch(ctx, "RETR", indexes, nil)
	if err != nil {
		return nil, err
	}
	entities := make([]*message.Entity, len(bufs))
	for i, buf := range bufs {
		c.cfg.Collector.MessageRetrieved(int64(buf.Len()))
		if entities[i], err = parseEntity(buf.Bytes()); err != nil {
			return nil, err
		}
	}
	return entities, nil
}

// MessageHeaders retrieves only the headers of the message at the given
// 0-based index, using TOP with a zero line count.
func (c *Client) MessageHeaders(ctx context.Context, index int) (*message.Entity, error) {
	entities, err := c.MessagesHeaders(ctx, []int{index})
	if err != nil {
		return nil, err
	}
	return entities[0], nil
}

// MessagesHeaders retrieves the headers of the messages at the given
// 0-based indexes, pipelined when possible.
func (c *Client) MessagesHeaders(ctx context.Context, indexes []int) ([]*message.Entity, error) {
	bufs, err := c.fetch(ctx, "TOP", indexes, []string{"0"})
	if err != nil {
		return nil, err
	}
	entities := make([]*message.Entity, len(bufs))
	for i, buf := range bufs {
		if entities[i], err = parseEntity(buf.Bytes()); err != nil {
			return nil, err
		}
	}
	return entities, nil
}

// Top retrieves the headers and the first lines of the body of the message
// at the given 0-based index.
func (c *Client) Top(ctx context.Context, index, lines int) (*message.Entity, error) {
	if err := c.requireTransaction(); err != nil {
		return nil, err
	}
	if err := checkIndexes([]int{index}); err != nil {
		return nil, err
	}
	if lines < 0 {
		return nil, fmt.Errorf("invalid line count %d", lines)
	}
	if !c.eng.caps.Has(CapTop) {
		return nil, ErrNotSupported
	}

	var buf bytes.Buffer
	if err := c.exec(ctx, retrCommand("TOP", &buf, seq(index), strconv.Itoa(lines))); err != nil {
		return nil, err
	}
	return parseEntity(buf.Bytes())
}

// fetch runs one buffered multi-line retrieval per index.
func (c *Client) fetch(ctx context.Context, verb string, indexes []int, extraArgs []string) ([]*bytes.Buffer, error) {
	if err := c.requireTransaction(); err != nil {
		return nil, err
	}
	if err := checkIndexes(indexes); err != nil {
		return nil, err
	}
	if verb == "TOP" && !c.eng.caps.Has(CapTop) {
		return nil, ErrNotSupported
	}
	if len(indexes) == 0 {
		return []*bytes.Buffer{}, nil
	}

	bufs := make([]*bytes.Buffer, len(indexes))
	cmds := make([]*command, len(indexes))
	for i, index := range indexes {
		bufs[i] = &bytes.Buffer{}
		args := append([]string{seq(index)}, extraArgs...)
		cmds[i] = retrCommand(verb, bufs[i], args...)
	}
	if err := c.exec(ctx, cmds...); err != nil {
		return nil, err
	}
	return bufs, nil
}

// Stream opens a lazy byte stream over the message at the given 0-based
// index. The session cannot run other commands until the stream is closed;
// Close drains to the terminating dot so the connection stays in sync.
func (c *Client) Stream(ctx context.Context, index int) (io.ReadCloser, error) {
	if err := c.requireTransaction(); err != nil {
		return nil, err
	}
	if err := checkIndexes([]int{index}); err != nil {
		return nil, err
	}
	if err := c.eng.usable(); err != nil {
		return nil, err
	}

	cmd := newCommand("RETR", seq(index))
	if err := c.eng.sendCommand(ctx, cmd); err != nil {
		c.noteFailure(err)
		return nil, err
	}
	line, err := c.eng.readLine(ctx)
	if err != nil {
		c.noteFailure(err)
		return nil, err
	}
	resp, err := parseResponse(line)
	if err != nil {
		c.eng.fail()
		c.noteFailure(err)
		return nil, err
	}
	if !resp.ok {
		return nil, c.eng.commandError("RETR", resp)
	}

	dr := newDotReader(c.eng.lr)
	c.eng.stream = dr
	return &messageStream{c: c, dr: dr}, nil
}

// Streams retrieves the messages at the given 0-based indexes as byte
// streams. Pipelined responses arrive in order, so each payload is
// buffered; use Stream for lazy consumption of a single large message.
func (c *Client) Streams(ctx context.Context, indexes []int) ([]io.ReadCloser, error) {
	bufs, err := c.fetch(ctx, "RETR", indexes, nil)
	if err != nil {
		return nil, err
	}
	streams := make([]io.ReadCloser, len(bufs))
	for i, buf := range bufs {
		c.cfg.Collector.MessageRetrieved(int64(buf.Len()))
		streams[i] = io.NopCloser(bytes.NewReader(buf.Bytes()))
	}
	return streams, nil
}

// messageStream adapts an open dotReader to the caller, releasing the
// engine on Close.
type messageStream struct {
	c      *Client
	dr     *dotReader
	closed bool
}

func (s *messageStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return s.dr.Read(p)
}

func (s *messageStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.c.eng.stream = nil
	if err := s.dr.Close(); err != nil {
		s.c.eng.fail()
		s.c.noteFailure(err)
		return err
	}
	return nil
}

// Delete marks the message at the given 0-based index for deletion. The
// server removes it on QUIT.
func (c *Client) Delete(ctx context.Context, index int) error {
	return c.DeleteMessages(ctx, []int{index})
}

// DeleteMessages marks the messages at the given 0-based indexes for
// deletion, pipelining the DELE commands when the server allows it.
func (c *Client) DeleteMessages(ctx context.Context, indexes []int) error {
	if err := c.requireTransaction(); err != nil {
		return err
	}
	if err := checkIndexes(indexes); err != nil {
		return err
	}
	if len(indexes) == 0 {
		return nil
	}

	cmds := make([]*command, len(indexes))
	for i, index := range indexes {
		cmds[i] = newCommand("DELE", seq(index))
	}
	err := c.exec(ctx, cmds...)
	for _, cmd := range cmds {
		if cmd.status == cmdOK {
			c.cfg.Collector.MessageDeleted()
		}
	}
	return err
}

// Reset sends RSET, unmarking every message marked for deletion in this
// session.
func (c *Client) Reset(ctx context.Context) error {
	if err := c.requireTransaction(); err != nil {
		return err
	}
	return c.exec(ctx, newCommand("RSET"))
}

// Language is one entry of the LANG listing.
type Language struct {
	Tag         string
	Description string
}

// Languages lists the response languages the server offers (RFC 6856).
func (c *Client) Languages(ctx context.Context) ([]Language, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	if !c.eng.caps.Has(CapLang) {
		return nil, ErrNotSupported
	}

	var langs []Language
	cmd := newCommand("LANG")
	cmd.multiline = true
	cmd.onPayload = func(r io.Reader) error {
		lines, err := readPayloadLines(r)
		if err != nil {
			return err
		}
		langs = make([]Language, 0, len(lines))
		for _, line := range lines {
			tag, desc, _ := strings.Cut(line, " ")
			langs = append(langs, Language{Tag: tag, Description: desc})
		}
		return nil
	}
	if err := c.exec(ctx, cmd); err != nil {
		return nil, err
	}
	return langs, nil
}

// SetLanguage selects the response language for the rest of the session.
func (c *Client) SetLanguage(ctx context.Context, tag string) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if !c.eng.caps.Has(CapLang) {
		return ErrNotSupported
	}
	return c.exec(ctx, newCommand("LANG", tag))
}

func asCommandError(err error) (*CommandError, bool) {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr, true
	}
	return nil, false
}
