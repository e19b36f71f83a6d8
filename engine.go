package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/infodancer/pop3/metrics"
)

// maxPipeline bounds the number of commands concatenated into a single
// write, capping the memory needed for queued responses.
const maxPipeline = 100

// engine owns the transport, the capability set and the connection state.
// It serializes command execution; one logical task owns a session at a
// time, so no locking is needed across I/O suspension points.
type engine struct {
	// origConn is the original TCP connection. We close origConn instead of
	// conn because closing the TLS connection would send a close
	// notification, which may block if the server is not reading.
	origConn net.Conn
	conn     net.Conn

	tr *traceReader
	tw *traceWriter
	br *bufio.Reader
	bw *bufio.Writer
	lr *lineReader

	state     State
	tlsActive bool
	broken    bool

	caps          *Capabilities
	apopTimestamp []byte
	stream        *dotReader // open streaming payload, if any

	timeout   time.Duration
	log       *slog.Logger
	collector metrics.Collector
	trace     io.Writer
	redact    bool
}

// wrap rebuilds the buffered trace readers and writers around e.conn.
// Called on connect and again after a TLS upgrade.
func (e *engine) wrap() {
	e.tr = newTraceReader(e.conn, e.trace, e.log)
	e.br = bufio.NewReader(e.tr)
	e.lr = newLineReader(e.br)
	e.tw = newTraceWriter(e.conn, e.trace, e.log, e.redact)
	e.bw = bufio.NewWriter(e.tw)
}

// start adopts an established transport, reads the greeting, captures the
// APOP timestamp if present and performs the initial CAPA.
func (e *engine) start(ctx context.Context, conn net.Conn, tlsActive bool) error {
	e.origConn = conn
	e.conn = conn
	e.tlsActive = tlsActive
	e.broken = false
	e.wrap()

	line, err := e.readLine(ctx)
	if err != nil {
		return err
	}
	resp, err := parseResponse(line)
	if err != nil || resp.continuation {
		e.fail()
		return fmt.Errorf("%w: invalid greeting %q", ErrProtocol, string(line))
	}
	if !resp.ok {
		e.fail()
		return fmt.Errorf("%w: server refused connection: %s", ErrProtocol, resp.text)
	}

	// Capture the APOP timestamp exactly as it appears in the greeting,
	// angle brackets included.
	e.apopTimestamp = findApopTimestamp(line)
	e.state = StateConnected

	e.log.Debug("greeting received",
		"apop", len(e.apopTimestamp) > 0,
		"tls", e.tlsActive,
	)

	return e.refreshCapabilities(ctx)
}

// findApopTimestamp returns the first "<...@...>" token of the greeting as
// raw bytes, or nil.
func findApopTimestamp(line []byte) []byte {
	start := -1
	hasAt := false
	for i, c := range line {
		switch c {
		case '<':
			start = i
			hasAt = false
		case '@':
			hasAt = true
		case '>':
			if start >= 0 && hasAt {
				ts := make([]byte, i+1-start)
				copy(ts, line[start:i+1])
				return ts
			}
		}
	}
	return nil
}

// refreshCapabilities issues CAPA and replaces the capability set with the
// result. The old set is discarded entirely, mechanisms included. When the
// server does not implement CAPA the fallback is USER only, with UIDL
// probed at first use.
func (e *engine) refreshCapabilities(ctx context.Context) error {
	var lines []string
	cmd := newCommand("CAPA")
	cmd.multiline = true
	cmd.onPayload = func(r io.Reader) error {
		var err error
		lines, err = readPayloadLines(r)
		return err
	}
	if err := e.run(ctx, cmd); err != nil {
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) {
			return err
		}
		e.caps = fallbackCapabilities()
	} else {
		e.caps = parseCapabilities(lines)
	}
	if len(e.apopTimestamp) > 0 {
		e.caps.add(CapApop)
		e.caps.ApopTimestamp = e.apopTimestamp
	}
	return nil
}

// startTLS sends STLS, upgrades the transport and re-issues CAPA. The
// caller has already verified the capability.
func (e *engine) startTLS(ctx context.Context, tlsConfig *tls.Config) error {
	if err := e.run(ctx, newCommand("STLS")); err != nil {
		return err
	}

	// Any bytes the buffered reader is still holding belong to the TLS
	// handshake, not to the plaintext protocol.
	conn := e.conn
	if n := e.br.Buffered(); n > 0 {
		conn = &prefixConn{
			prefix: io.LimitReader(e.br, int64(n)),
			Conn:   conn,
		}
	}

	tlsConn := tls.Client(conn, tlsConfig)
	hctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		e.fail()
		return fmt.Errorf("tls handshake: %w", err)
	}

	e.conn = tlsConn
	e.tlsActive = true
	e.wrap()
	e.collector.TLSEstablished()
	e.log.Debug("tls established", "version", tlsConn.ConnectionState().Version)

	return e.refreshCapabilities(ctx)
}

// prefixConn serves buffered plaintext bytes before reading from the
// underlying connection.
type prefixConn struct {
	prefix io.Reader
	net.Conn
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if c.prefix != nil {
		n, err := c.prefix.Read(p)
		if err == io.EOF {
			c.prefix = nil
			err = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
	return c.Conn.Read(p)
}

// run executes the given commands in order. When the server advertises
// PIPELINING and every command qualifies, their raw bytes are concatenated
// into bounded batches, each flushed as one write, and the responses are
// consumed in FIFO order.
//
// A -ERR response is recorded on its command and does not stop the batch:
// the remaining responses are still read so the session stays in sync. The
// first command error is returned after all responses are consumed. An I/O
// or protocol error aborts immediately and closes the session.
func (e *engine) run(ctx context.Context, cmds ...*command) error {
	if err := e.usable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		// Nothing has been sent yet; this cancellation is clean.
		return ErrCancelled
	}

	if e.caps.Has(CapPipelining) && len(cmds) > 1 && allGroupable(cmds) {
		for start := 0; start < len(cmds); start += maxPipeline {
			end := start + maxPipeline
			if end > len(cmds) {
				end = len(cmds)
			}
			if err := e.runBatch(ctx, cmds[start:end]); err != nil {
				return err
			}
		}
	} else {
		for _, cmd := range cmds {
			if err := e.sendCommand(ctx, cmd); err != nil {
				return err
			}
			if err := e.consume(ctx, cmd); err != nil {
				return err
			}
		}
	}

	for _, cmd := range cmds {
		if cmd.err != nil {
			return cmd.err
		}
	}
	return nil
}

// runBatch writes one pipelined group in a single flush and consumes its
// responses in order.
func (e *engine) runBatch(ctx context.Context, batch []*command) error {
	e.tw.beginCommand(false)
	for _, cmd := range batch {
		cmd.status = cmdActive
		if err := e.write(ctx, cmd.raw); err != nil {
			return err
		}
		e.collector.CommandSent(cmd.verb)
	}
	if err := e.flush(ctx); err != nil {
		return err
	}
	e.collector.PipelineFlushed(len(batch))

	for _, cmd := range batch {
		if err := e.consume(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func allGroupable(cmds []*command) bool {
	for _, cmd := range cmds {
		if !cmd.groupable() {
			return false
		}
	}
	return true
}

// sendCommand writes and flushes a single command.
func (e *engine) sendCommand(ctx context.Context, cmd *command) error {
	cmd.status = cmdActive
	e.tw.beginCommand(cmd.secret)
	if err := e.write(ctx, cmd.raw); err != nil {
		return err
	}
	if err := e.flush(ctx); err != nil {
		return err
	}
	e.collector.CommandSent(cmd.verb)
	return nil
}

// consume reads exactly one response's worth of lines and dispatches them
// to the command's handlers.
func (e *engine) consume(ctx context.Context, cmd *command) error {
	line, err := e.readLine(ctx)
	if err != nil {
		cmd.status = cmdProtocolError
		return err
	}
	resp, err := parseResponse(line)
	if err != nil {
		cmd.status = cmdProtocolError
		e.fail()
		return err
	}
	if resp.continuation {
		cmd.status = cmdProtocolError
		e.fail()
		return fmt.Errorf("%w: unexpected continuation in response to %s", ErrProtocol, cmd.verb)
	}

	if !resp.ok {
		cmd.status = cmdErr
		cmd.err = e.commandError(cmd.verb, resp)
		return nil
	}

	cmd.status = cmdOK
	if cmd.onResponse != nil {
		if err := cmd.onResponse(resp); err != nil {
			// A parse failure in a single-line result is a protocol error,
			// but the framing is intact: the session stays open.
			cmd.err = err
		}
	}
	if cmd.multiline {
		dr := newDotReader(e.lr)
		var handlerErr error
		if cmd.onPayload != nil {
			handlerErr = cmd.onPayload(dr)
		}
		if err := dr.Close(); err != nil {
			// Framing failure: the payload never terminated cleanly.
			cmd.status = cmdProtocolError
			e.fail()
			return err
		}
		if handlerErr != nil && cmd.err == nil {
			cmd.err = handlerErr
		}
	}
	return nil
}

// commandError builds the typed error for a -ERR response. The bracketed
// response code is surfaced only when RESP-CODES was negotiated; otherwise
// it stays part of the message text.
func (e *engine) commandError(verb string, resp *response) *CommandError {
	if e.caps.Has(CapResponseCodes) {
		return &CommandError{Verb: verb, Code: resp.code, Message: resp.text}
	}
	msg := resp.text
	if resp.code != "" {
		msg = "[" + resp.code + "] " + msg
	}
	return &CommandError{Verb: verb, Message: msg}
}

// usable reports whether the engine can accept a new command.
func (e *engine) usable() error {
	if e.conn == nil || e.broken {
		return ErrNotConnected
	}
	if e.stream != nil {
		return ErrStreamOpen
	}
	return nil
}

// deadline combines the per-I/O timeout with the context deadline.
func (e *engine) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(e.timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		d = cd
	}
	return d
}

// readLine reads one response line. Cancellation observed here is
// mid-command: the session is fatally broken.
func (e *engine) readLine(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		e.fail()
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if err := e.conn.SetReadDeadline(e.deadline(ctx)); err != nil {
		e.log.Debug("setting read deadline", "error", err.Error())
	}
	line, err := e.lr.readLine()
	if err != nil {
		e.fail()
		return nil, err
	}
	return line, nil
}

// write buffers command bytes. Cancellation observed here is mid-command.
func (e *engine) write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		e.fail()
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if err := e.conn.SetWriteDeadline(e.deadline(ctx)); err != nil {
		e.log.Debug("setting write deadline", "error", err.Error())
	}
	if _, err := e.bw.Write(p); err != nil {
		e.fail()
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (e *engine) flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		e.fail()
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if err := e.bw.Flush(); err != nil {
		e.fail()
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// fail marks the session fatally broken and closes the transport.
func (e *engine) fail() {
	if e.broken {
		return
	}
	e.broken = true
	e.closeTransport()
	e.state = StateDisconnected
}

// closeTransport closes the underlying connection(s).
func (e *engine) closeTransport() {
	if e.origConn == nil {
		return
	}
	_ = e.origConn.Close()
	if e.conn != e.origConn && e.conn != nil {
		// The TLS wrapper; its close notification fails fast because the
		// socket underneath is already gone.
		_ = e.conn.Close()
	}
	e.origConn = nil
	e.conn = nil
	e.collector.ConnectionClosed()
}

// disconnect closes the session without sending anything.
func (e *engine) disconnect() {
	e.closeTransport()
	e.state = StateDisconnected
	e.broken = false
	e.caps = nil
	e.apopTimestamp = nil
	e.stream = nil
	e.tlsActive = false
}

// readPayloadLines collects a multi-line payload as individual lines.
func readPayloadLines(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var lines []string
	for len(data) > 0 {
		i := indexNewline(data)
		if i < 0 {
			lines = append(lines, string(trimCR(data)))
			break
		}
		lines = append(lines, string(trimCR(data[:i])))
		data = data[i+1:]
	}
	return lines, nil
}
