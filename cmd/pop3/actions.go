package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/infodancer/pop3"
	"github.com/infodancer/pop3/internal/config"
)

// usage lists the available actions.
const usage = `usage: pop3 [flags] <action> [args]

actions:
  stat              message count and maildrop size
  list              sequence numbers, sizes and UIDs
  retr <n>          print message n (1-based) to stdout
  top <n> <lines>   print headers and the first lines of message n
  dele <n> [...]    mark messages for deletion
  langs             list server response languages
  caps              print negotiated capabilities
  noop              connect, authenticate and do nothing
`

// run connects, authenticates when credentials are configured, and
// dispatches the requested action.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("no action given")
	}
	action, args := args[0], args[1:]

	var trace io.Writer
	if cfg.LogLevel == "debug" {
		trace = os.Stderr
	}

	client := pop3.NewClient(pop3.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		Security:      cfg.ClientSecurity(),
		TLSConfig:     cfg.TLS.Build(),
		Timeout:       cfg.IOTimeout(),
		Logger:        logger,
		Trace:         trace,
		RedactSecrets: cfg.RedactSecrets,
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if client.IsConnected() {
			_ = client.Disconnect(ctx, true)
		}
	}()

	if cfg.Username != "" {
		password, err := lookupPassword(cfg)
		if err != nil {
			return err
		}
		if err := client.Authenticate(ctx, cfg.Username, password); err != nil {
			return err
		}
	}

	switch action {
	case "stat":
		return stat(ctx, client)
	case "list":
		return list(ctx, client)
	case "retr":
		return retr(ctx, client, args)
	case "top":
		return top(ctx, client, args)
	case "dele":
		return dele(ctx, client, args)
	case "langs":
		return langs(ctx, client)
	case "caps":
		return caps(client)
	case "noop":
		return client.NoOp(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown action %q", action)
	}
}

// lookupPassword reads the password file, falling back to the
// POP3_PASSWORD environment variable.
func lookupPassword(cfg config.Config) (string, error) {
	if cfg.PasswordFile != "" {
		data, err := os.ReadFile(cfg.PasswordFile)
		if err != nil {
			return "", fmt.Errorf("reading password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	if password, ok := os.LookupEnv("POP3_PASSWORD"); ok {
		return password, nil
	}
	return "", fmt.Errorf("no password configured (password_file or POP3_PASSWORD)")
}

func stat(ctx context.Context, client *pop3.Client) error {
	count, err := client.MessageCount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d messages (%d octets)\n", count, client.Size())
	return nil
}

func list(ctx context.Context, client *pop3.Client) error {
	sizes, err := client.MessageSizes(ctx)
	if err != nil {
		return err
	}
	uids, err := client.MessageUIDs(ctx)
	if err != nil && !errors.Is(err, pop3.ErrNotSupported) {
		return err
	}
	for i, size := range sizes {
		if i < len(uids) {
			fmt.Printf("%d\t%d\t%s\n", i+1, size, uids[i])
		} else {
			fmt.Printf("%d\t%d\n", i+1, size)
		}
	}
	return nil
}

func retr(ctx context.Context, client *pop3.Client, args []string) error {
	index, err := parseSeq(args, 0)
	if err != nil {
		return err
	}
	stream, err := client.Stream(ctx, index)
	if err != nil {
		return err
	}
	if _, err := io.Copy(os.Stdout, stream); err != nil {
		_ = stream.Close()
		return err
	}
	return stream.Close()
}

func top(ctx context.Context, client *pop3.Client, args []string) error {
	index, err := parseSeq(args, 0)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("top requires a line count")
	}
	lines, err := strconv.Atoi(args[1])
	if err != nil || lines < 0 {
		return fmt.Errorf("invalid line count %q", args[1])
	}
	entity, err := client.Top(ctx, index, lines)
	if err != nil {
		return err
	}
	fields := entity.Header.Fields()
	for fields.Next() {
		fmt.Printf("%s: %s\n", fields.Key(), fields.Value())
	}
	fmt.Println()
	_, err = io.Copy(os.Stdout, entity.Body)
	return err
}

func dele(ctx context.Context, client *pop3.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("dele requires at least one message number")
	}
	indexes := make([]int, len(args))
	for i := range args {
		index, err := parseSeq(args, i)
		if err != nil {
			return err
		}
		indexes[i] = index
	}
	if err := client.DeleteMessages(ctx, indexes); err != nil {
		return err
	}
	fmt.Printf("%d messages marked for deletion\n", len(indexes))
	return nil
}

func langs(ctx context.Context, client *pop3.Client) error {
	languages, err := client.Languages(ctx)
	if err != nil {
		return err
	}
	for _, lang := range languages {
		fmt.Printf("%s\t%s\n", lang.Tag, lang.Description)
	}
	return nil
}

func caps(client *pop3.Client) error {
	set := client.Capabilities()
	if set == nil {
		return pop3.ErrNotConnected
	}
	named := []struct {
		cap  pop3.Capability
		name string
	}{
		{pop3.CapUser, "USER"},
		{pop3.CapApop, "APOP"},
		{pop3.CapSASL, "SASL " + strings.Join(set.AuthMechanisms, " ")},
		{pop3.CapSTLS, "STLS"},
		{pop3.CapTop, "TOP"},
		{pop3.CapUIDL, "UIDL"},
		{pop3.CapPipelining, "PIPELINING"},
		{pop3.CapResponseCodes, "RESP-CODES"},
		{pop3.CapLang, "LANG"},
		{pop3.CapUTF8, "UTF8"},
	}
	for _, n := range named {
		if set.Has(n.cap) {
			fmt.Println(strings.TrimSpace(n.name))
		}
	}
	if set.Has(pop3.CapExpire) {
		if set.ExpirePolicy == pop3.ExpireNever {
			fmt.Println("EXPIRE NEVER")
		} else {
			fmt.Printf("EXPIRE %d\n", set.ExpirePolicy)
		}
	}
	if set.Has(pop3.CapLoginDelay) {
		fmt.Printf("LOGIN-DELAY %d\n", set.LoginDelay)
	}
	if set.Implementation != "" {
		fmt.Printf("IMPLEMENTATION %s\n", set.Implementation)
	}
	return nil
}

// parseSeq converts a 1-based command-line message number to the client's
// 0-based index.
func parseSeq(args []string, pos int) (int, error) {
	if pos >= len(args) {
		return 0, fmt.Errorf("missing message number")
	}
	n, err := strconv.Atoi(args[pos])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid message number %q", args[pos])
	}
	return n - 1, nil
}
