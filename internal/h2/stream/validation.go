package stream

import (
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/zazzel/h2stream/internal/h2/frame"
)

// validateReceivedHeaders checks a decoded header list against RFC 7540 §8.1.2.
// Every pseudo-header must precede every regular header; the remaining checks
// depend on direction (a server receives requests, a client responses) and on
// whether the block is a trailer.
func validateReceivedHeaders(fields []hpack.HeaderField, role Role, trailer bool) *frame.Error {
	if trailer {
		return validateTrailerHeaders(fields)
	}
	if role == RoleServer {
		return validateRequestHeaders(fields)
	}
	return validateResponseHeaders(fields)
}

func validateRequestHeaders(fields []hpack.HeaderField) *frame.Error {
	var (
		hasMethod   bool
		hasScheme   bool
		hasPath     bool
		seenRegular bool
		seenPseudo  = make(map[string]bool)
	)

	for _, h := range fields {
		if h.Name != strings.ToLower(h.Name) {
			return frame.ProtocolError("header field name must be lowercase: %s", h.Name)
		}

		if strings.HasPrefix(h.Name, ":") {
			if seenRegular {
				return frame.ProtocolError("pseudo-header %s appears after regular header", h.Name)
			}
			if seenPseudo[h.Name] {
				return frame.ProtocolError("duplicate pseudo-header: %s", h.Name)
			}
			seenPseudo[h.Name] = true

			switch h.Name {
			case ":method":
				hasMethod = true
			case ":scheme":
				hasScheme = true
			case ":path":
				hasPath = true
				if h.Value == "" {
					return frame.ProtocolError("empty :path pseudo-header")
				}
			case ":authority":
			default:
				return frame.ProtocolError("unknown request pseudo-header: %s", h.Name)
			}
		} else {
			seenRegular = true
			if err := checkRegularHeader(h); err != nil {
				return err
			}
		}
	}

	if !hasMethod {
		return frame.ProtocolError("missing required :method pseudo-header")
	}
	if !hasScheme {
		return frame.ProtocolError("missing required :scheme pseudo-header")
	}
	if !hasPath {
		return frame.ProtocolError("missing required :path pseudo-header")
	}
	return nil
}

func validateResponseHeaders(fields []hpack.HeaderField) *frame.Error {
	var (
		hasStatus   bool
		seenRegular bool
		seenPseudo  = make(map[string]bool)
	)

	for _, h := range fields {
		if h.Name != strings.ToLower(h.Name) {
			return frame.ProtocolError("header field name must be lowercase: %s", h.Name)
		}

		if strings.HasPrefix(h.Name, ":") {
			if seenRegular {
				return frame.ProtocolError("pseudo-header %s appears after regular header", h.Name)
			}
			if seenPseudo[h.Name] {
				return frame.ProtocolError("duplicate pseudo-header: %s", h.Name)
			}
			seenPseudo[h.Name] = true

			if h.Name != ":status" {
				return frame.ProtocolError("unknown response pseudo-header: %s", h.Name)
			}
			hasStatus = true
		} else {
			seenRegular = true
			if err := checkRegularHeader(h); err != nil {
				return err
			}
		}
	}

	if !hasStatus {
		return frame.ProtocolError("missing required :status pseudo-header")
	}
	return nil
}

// validateTrailerHeaders validates trailing header blocks. Trailers MUST NOT
// contain pseudo-headers and follow the same connection-specific header
// restrictions as regular headers.
func validateTrailerHeaders(fields []hpack.HeaderField) *frame.Error {
	for _, h := range fields {
		if h.Name != strings.ToLower(h.Name) {
			return frame.ProtocolError("header field name must be lowercase: %s", h.Name)
		}
		if strings.HasPrefix(h.Name, ":") {
			return frame.ProtocolError("pseudo-header not allowed in trailers: %s", h.Name)
		}
		if err := checkRegularHeader(h); err != nil {
			return err
		}
	}
	return nil
}

func checkRegularHeader(h hpack.HeaderField) *frame.Error {
	switch h.Name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return frame.ProtocolError("connection-specific header not allowed: %s", h.Name)
	case "te":
		if h.Value != "trailers" {
			return frame.ProtocolError("TE header must be 'trailers', got: %s", h.Value)
		}
	}
	return nil
}
