package pop3

import (
	"strconv"
	"strings"
)

// Capability is a single feature advertised by the server via CAPA.
type Capability uint32

const (
	// CapUser indicates USER/PASS authentication is permitted.
	CapUser Capability = 1 << iota

	// CapApop indicates APOP authentication is available (set when the
	// greeting carried a timestamp).
	CapApop

	// CapSASL indicates the AUTH command is available.
	CapSASL

	// CapSTLS indicates the connection can be upgraded with STLS.
	CapSTLS

	// CapTop indicates the TOP command is available.
	CapTop

	// CapUIDL indicates the UIDL command is available.
	CapUIDL

	// CapPipelining indicates independent commands may be batched into a
	// single write.
	CapPipelining

	// CapResponseCodes indicates bracketed response codes (RFC 2449).
	CapResponseCodes

	// CapExpire indicates the server advertised a message expiration policy.
	CapExpire

	// CapLoginDelay indicates a minimum delay between logins.
	CapLoginDelay

	// CapLang indicates the LANG command is available (RFC 6856).
	CapLang

	// CapUTF8 indicates the UTF8 command is available (RFC 6856).
	CapUTF8

	// CapUTF8User indicates the server accepts UTF-8 user names.
	CapUTF8User
)

// ExpireNever is the ExpirePolicy value for "EXPIRE NEVER".
const ExpireNever = -1

// Capabilities is the parsed result of a CAPA command plus the APOP
// timestamp captured from the greeting. It is rebuilt from scratch after
// STLS and after authentication; the old set is never merged in.
type Capabilities struct {
	flags Capability

	// AuthMechanisms lists the SASL mechanism names from the SASL keyword,
	// e.g. PLAIN, LOGIN, XOAUTH2.
	AuthMechanisms []string

	// ExpirePolicy is the advertised expiration in days: ExpireNever for
	// NEVER, 0 when the server did not advertise one.
	ExpirePolicy int

	// LoginDelay is the advertised minimum seconds between logins.
	LoginDelay int

	// Implementation is the server identification string, if advertised.
	Implementation string

	// ApopTimestamp holds the raw "<...@...>" bytes from the greeting,
	// exactly as received. Empty when the greeting carried none.
	ApopTimestamp []byte

	// Extensions retains unrecognized CAPA keywords verbatim, keyword to
	// argument list.
	Extensions map[string][]string
}

// Has reports whether the given capability was negotiated.
func (c *Capabilities) Has(cap Capability) bool {
	return c != nil && c.flags&cap != 0
}

// SupportsMechanism reports whether the server advertised the given SASL
// mechanism name.
func (c *Capabilities) SupportsMechanism(name string) bool {
	if c == nil {
		return false
	}
	for _, m := range c.AuthMechanisms {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

func (c *Capabilities) add(cap Capability) {
	c.flags |= cap
}

// parseCapabilities parses the multi-line CAPA payload. Each line is a
// keyword with optional arguments; unrecognized keywords land in Extensions.
func parseCapabilities(lines []string) *Capabilities {
	caps := &Capabilities{Extensions: make(map[string][]string)}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		keyword := strings.ToUpper(fields[0])
		args := fields[1:]

		switch keyword {
		case "USER":
			caps.add(CapUser)
		case "APOP":
			caps.add(CapApop)
		case "SASL":
			caps.add(CapSASL)
			caps.AuthMechanisms = append(caps.AuthMechanisms, args...)
		case "STLS":
			caps.add(CapSTLS)
		case "TOP":
			caps.add(CapTop)
		case "UIDL":
			caps.add(CapUIDL)
		case "PIPELINING":
			caps.add(CapPipelining)
		case "RESP-CODES":
			caps.add(CapResponseCodes)
		case "EXPIRE":
			caps.add(CapExpire)
			if len(args) > 0 {
				if strings.EqualFold(args[0], "NEVER") {
					caps.ExpirePolicy = ExpireNever
				} else if n, err := strconv.Atoi(args[0]); err == nil {
					caps.ExpirePolicy = n
				}
			}
		case "LOGIN-DELAY":
			caps.add(CapLoginDelay)
			if len(args) > 0 {
				if n, err := strconv.Atoi(args[0]); err == nil {
					caps.LoginDelay = n
				}
			}
		case "IMPLEMENTATION":
			caps.Implementation = strings.Join(args, " ")
		case "UTF8":
			caps.add(CapUTF8)
			for _, a := range args {
				if strings.EqualFold(a, "USER") {
					caps.add(CapUTF8User)
				}
			}
		case "LANG":
			caps.add(CapLang)
		default:
			caps.Extensions[keyword] = args
		}
	}
	return caps
}

// fallbackCapabilities is used when the server does not implement CAPA:
// USER/PASS is assumed and UIDL is probed at first use.
func fallbackCapabilities() *Capabilities {
	return &Capabilities{flags: CapUser, Extensions: make(map[string][]string)}
}
