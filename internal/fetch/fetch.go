// Package fetch downloads the remote stock file over SFTP, FTP or HTTP(S).
//
// Every failure is returned as *Error carrying a Kind, so callers can tell
// an unreachable host from a bad password or a missing file.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"golang.org/x/crypto/ssh"
)

// Protocol selects the transfer implementation.
type Protocol string

const (
	ProtocolSFTP Protocol = "sftp"
	ProtocolFTP  Protocol = "ftp"
	ProtocolHTTP Protocol = "http"
)

// ParseProtocol accepts sftp, ftp, http or https.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sftp", "":
		return ProtocolSFTP, nil
	case "ftp":
		return ProtocolFTP, nil
	case "http", "https":
		return ProtocolHTTP, nil
	}
	return "", fmt.Errorf("unsupported protocol %q", s)
}

// DefaultPort returns the well-known port for p.
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolFTP:
		return 21
	case ProtocolHTTP:
		return 443
	default:
		return 22
	}
}

// FTPMode selects the passive-mode variant used for FTP data connections.
type FTPMode string

const (
	// FTPModeEPSV tries extended passive mode and falls back to PASV.
	FTPModeEPSV FTPMode = "epsv"
	// FTPModePASV uses legacy PASV only, for NAT devices that break EPSV.
	FTPModePASV FTPMode = "pasv"
)

// DefaultTimeout bounds a whole fetch when the endpoint does not set one.
const DefaultTimeout = 30 * time.Second

// Endpoint describes where the stock file lives.
type Endpoint struct {
	Protocol   Protocol
	Host       string
	Port       int
	Username   string
	Password   string
	RemotePath string
	// URL is used instead of Host/Port/RemotePath for HTTP.
	URL     string
	Timeout time.Duration
	FTPMode FTPMode
	// HostKey pins the SFTP server key (authorized_keys format). Empty
	// accepts any key and logs its fingerprint.
	HostKey string
}

// Address returns host:port.
func (e Endpoint) Address() string {
	port := e.Port
	if port == 0 {
		port = e.Protocol.DefaultPort()
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// Validate reports settings that could never produce a successful fetch.
func (e Endpoint) Validate() error {
	if e.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if e.Protocol == ProtocolHTTP {
		_, err := ValidateHTTPURL(e.URL)
		return err
	}
	if e.Protocol != ProtocolSFTP && e.Protocol != ProtocolFTP {
		return fmt.Errorf("unsupported protocol %q", e.Protocol)
	}

	var missing []string
	if strings.TrimSpace(e.Host) == "" {
		missing = append(missing, "host")
	}
	if e.Username == "" {
		missing = append(missing, "user")
	}
	if e.Password == "" {
		missing = append(missing, "password")
	}
	if strings.TrimSpace(e.RemotePath) == "" {
		missing = append(missing, "file_path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	if e.Port < 0 || e.Port > 65535 {
		return fmt.Errorf("port %d out of range", e.Port)
	}

	if e.Protocol == ProtocolFTP {
		if _, err := ParseFTPMode(string(e.FTPMode)); err != nil {
			return err
		}
	}
	if e.Protocol == ProtocolSFTP && e.HostKey != "" {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(e.HostKey)); err != nil {
			return fmt.Errorf("invalid host key: %w", err)
		}
	}
	return nil
}

func (e Endpoint) timeout() time.Duration {
	if e.Timeout <= 0 {
		return DefaultTimeout
	}
	return e.Timeout
}

// filePath is the remote name used to pick a decompressor.
func (e Endpoint) filePath() string {
	if e.Protocol == ProtocolHTTP {
		if u, err := url.Parse(e.URL); err == nil {
			return u.Path
		}
		return e.URL
	}
	return e.RemotePath
}

// Client fetches remote files. It holds no connections between calls.
type Client struct {
	logger    *slog.Logger
	maxBytes  int64
	userAgent string
}

// NewClient creates a client that refuses payloads larger than maxBytes.
func NewClient(logger *slog.Logger, maxBytes int64) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &Client{
		logger:    logger,
		maxBytes:  maxBytes,
		userAgent: "stockdash/1.0",
	}
}

// Fetch downloads the endpoint's file and returns its (decompressed) bytes.
func (c *Client) Fetch(ctx context.Context, ep Endpoint) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, ep.timeout())
	defer cancel()

	start := time.Now()
	var (
		data []byte
		err  error
	)
	switch ep.Protocol {
	case ProtocolSFTP:
		if err = c.precheck(ctx, ep); err == nil {
			data, err = c.fetchSFTP(ctx, ep)
		}
	case ProtocolFTP:
		if err = c.precheck(ctx, ep); err == nil {
			data, err = c.fetchFTP(ctx, ep)
		}
	case ProtocolHTTP:
		data, err = c.fetchHTTP(ctx, ep)
	default:
		return nil, newError(KindTransport, ep.Protocol, "fetch", fmt.Errorf("unsupported protocol %q", ep.Protocol))
	}
	if err != nil {
		c.logger.Warn("remote fetch failed", "protocol", ep.Protocol, "host", ep.Host, "error", err)
		return nil, err
	}

	data, err = decompress(ep.filePath(), data, c.maxBytes)
	if err != nil {
		return nil, newError(KindTransport, ep.Protocol, "decompress", err)
	}

	c.logger.Info("remote fetch completed",
		"protocol", ep.Protocol,
		"host", ep.Host,
		"bytes", len(data),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return data, nil
}

// Probe checks that the endpoint is reachable, the credentials are
// accepted and the file exists, without downloading it.
func (c *Client) Probe(ctx context.Context, ep Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, ep.timeout())
	defer cancel()

	switch ep.Protocol {
	case ProtocolSFTP:
		if err := c.precheck(ctx, ep); err != nil {
			return err
		}
		return c.probeSFTP(ctx, ep)
	case ProtocolFTP:
		if err := c.precheck(ctx, ep); err != nil {
			return err
		}
		return c.probeFTP(ctx, ep)
	case ProtocolHTTP:
		return c.probeHTTP(ctx, ep)
	}
	return newError(KindTransport, ep.Protocol, "probe", fmt.Errorf("unsupported protocol %q", ep.Protocol))
}

// precheck opens and closes a plain TCP connection so an unreachable host
// is reported as such instead of as a protocol-level timeout.
func (c *Client) precheck(ctx context.Context, ep Endpoint) error {
	d := net.Dialer{Timeout: ep.timeout()}
	conn, err := d.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return newError(classifyNetError(err), ep.Protocol, "connect", err)
	}
	return conn.Close()
}

func decompress(name string, data []byte, limit int64) ([]byte, error) {
	var r io.ReadCloser
	switch strings.ToLower(path.Ext(name)) {
	case ".gz":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		r = zr
	case ".xz":
		xr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("opening xz stream: %w", err)
		}
		r = io.NopCloser(xr)
	case ".zst":
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		r = zr.IOReadCloser()
	default:
		return data, nil
	}
	defer r.Close()
	return readAllWithLimit(r, limit)
}
