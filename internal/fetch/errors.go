package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"strings"
	"syscall"
)

// Kind classifies a fetch failure. Each kind has its own operator-facing
// diagnostic, so callers switch on Kind rather than on error text.
type Kind string

const (
	KindUnreachable Kind = "network_unreachable"
	KindTimeout     Kind = "connection_timeout"
	KindAuth        Kind = "authentication_failed"
	KindNotFound    Kind = "remote_file_not_found"
	KindTransport   Kind = "transport_error"
)

// Hint returns a short diagnostic suitable for showing to an operator.
func (k Kind) Hint() string {
	switch k {
	case KindUnreachable:
		return "the server could not be reached; check host, port and that the network allows the connection"
	case KindTimeout:
		return "the server did not answer in time; check firewall rules or raise the timeout"
	case KindAuth:
		return "the server rejected the credentials"
	case KindNotFound:
		return "the remote file does not exist; check the file path"
	default:
		return "the transfer failed"
	}
}

// Error is returned by every Client operation.
type Error struct {
	Kind     Kind
	Protocol Protocol
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Protocol, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, if err came from this package.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

func newError(kind Kind, proto Protocol, op string, err error) *Error {
	return &Error{Kind: kind, Protocol: proto, Op: op, Err: err}
}

// classifyNetError maps dial/read errors onto unreachable vs timeout vs transport.
func classifyNetError(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindUnreachable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.ECONNRESET) {
		return KindUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindUnreachable
	}
	return KindTransport
}

// classifySSHError recognises authentication failures in handshake errors.
// x/crypto/ssh does not export a typed error for them.
func classifySSHError(err error) Kind {
	if strings.Contains(err.Error(), "unable to authenticate") {
		return KindAuth
	}
	return classifyNetError(err)
}

// classifyFTPError maps FTP reply codes onto kinds.
func classifyFTPError(err error) Kind {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch tpErr.Code {
		case 530, 331, 332, 430:
			return KindAuth
		case 550, 450:
			return KindNotFound
		}
		return KindTransport
	}
	return classifyNetError(err)
}

// classifyFileError maps sftp status errors onto kinds.
func classifyFileError(err error) Kind {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, os.ErrPermission):
		return KindAuth
	}
	return classifyNetError(err)
}
