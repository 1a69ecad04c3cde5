package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type sftpSession struct {
	conn *ssh.Client
	sftp *sftp.Client
	stop func() bool
}

func (s *sftpSession) Close() {
	s.stop()
	s.sftp.Close()
	s.conn.Close()
}

func (c *Client) hostKeyCallback(ep Endpoint) (ssh.HostKeyCallback, error) {
	if ep.HostKey != "" {
		pinned, _, _, _, err := ssh.ParseAuthorizedKey([]byte(ep.HostKey))
		if err != nil {
			return nil, fmt.Errorf("parsing host key: %w", err)
		}
		return ssh.FixedHostKey(pinned), nil
	}
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		c.logger.Debug("accepting unpinned sftp host key",
			"host", hostname,
			"type", key.Type(),
			"fingerprint", ssh.FingerprintSHA256(key),
		)
		return nil
	}, nil
}

// dialSFTP opens an SSH connection and starts the sftp subsystem. The
// connection is closed when ctx ends so no call can outlive the timeout.
func (c *Client) dialSFTP(ctx context.Context, ep Endpoint) (*sftpSession, error) {
	hostKey, err := c.hostKeyCallback(ep)
	if err != nil {
		return nil, newError(KindTransport, ProtocolSFTP, "handshake", err)
	}

	cfg := &ssh.ClientConfig{
		User: ep.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(ep.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = ep.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKey,
		Timeout:         ep.timeout(),
	}

	d := net.Dialer{Timeout: ep.timeout()}
	raw, err := d.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, newError(classifyNetError(err), ProtocolSFTP, "connect", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		raw.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { raw.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(raw, ep.Address(), cfg)
	if err != nil {
		stop()
		raw.Close()
		if ctx.Err() != nil {
			err = errors.Join(ctx.Err(), err)
		}
		return nil, newError(classifySSHError(err), ProtocolSFTP, "handshake", err)
	}
	conn := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(conn)
	if err != nil {
		stop()
		conn.Close()
		return nil, newError(classifyNetError(err), ProtocolSFTP, "subsystem", err)
	}
	return &sftpSession{conn: conn, sftp: client, stop: stop}, nil
}

func (c *Client) fetchSFTP(ctx context.Context, ep Endpoint) ([]byte, error) {
	s, err := c.dialSFTP(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	f, err := s.sftp.Open(ep.RemotePath)
	if err != nil {
		return nil, newError(classifyFileError(err), ProtocolSFTP, "open", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > c.maxBytes {
		return nil, newError(KindTransport, ProtocolSFTP, "read", fmt.Errorf("%w: remote file is %d bytes", ErrBodyTooLarge, info.Size()))
	}

	data, err := readAllWithLimit(f, c.maxBytes)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			return nil, newError(KindTransport, ProtocolSFTP, "read", err)
		}
		return nil, newError(classifyNetError(err), ProtocolSFTP, "read", err)
	}
	return data, nil
}

func (c *Client) probeSFTP(ctx context.Context, ep Endpoint) error {
	s, err := c.dialSFTP(ctx, ep)
	if err != nil {
		return err
	}
	defer s.Close()

	start := time.Now()
	info, err := s.sftp.Stat(ep.RemotePath)
	if err != nil {
		return newError(classifyFileError(err), ProtocolSFTP, "stat", err)
	}
	if info.IsDir() {
		return newError(KindNotFound, ProtocolSFTP, "stat", fmt.Errorf("%s is a directory", ep.RemotePath))
	}
	c.logger.Debug("sftp probe ok", "path", ep.RemotePath, "size", info.Size(), "rtt", time.Since(start))
	return nil
}
