package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jlaffaye/ftp"
)

// ParseFTPMode accepts epsv (default) or pasv. Active mode is not
// supported because the data connection would have to be dialed back
// through whatever NAT sits in front of the dashboard.
func ParseFTPMode(s string) (FTPMode, error) {
	switch s {
	case "", string(FTPModeEPSV):
		return FTPModeEPSV, nil
	case string(FTPModePASV):
		return FTPModePASV, nil
	}
	return "", fmt.Errorf("unsupported ftp mode %q (want epsv or pasv)", s)
}

func (c *Client) dialFTP(ctx context.Context, ep Endpoint) (*ftp.ServerConn, error) {
	// Control and data connections share the fetch deadline so a server
	// that accepts but never answers cannot stall the run.
	dial := func(network, address string) (net.Conn, error) {
		d := net.Dialer{Timeout: ep.timeout()}
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}
		return conn, nil
	}
	opts := []ftp.DialOption{
		ftp.DialWithDialFunc(dial),
		ftp.DialWithDisabledEPSV(ep.FTPMode == FTPModePASV),
	}
	conn, err := ftp.Dial(ep.Address(), opts...)
	if err != nil {
		return nil, newError(classifyFTPError(err), ProtocolFTP, "connect", err)
	}
	if err := conn.Login(ep.Username, ep.Password); err != nil {
		conn.Quit()
		return nil, newError(classifyFTPError(err), ProtocolFTP, "login", err)
	}
	return conn, nil
}

func (c *Client) fetchFTP(ctx context.Context, ep Endpoint) ([]byte, error) {
	conn, err := c.dialFTP(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	if size, err := conn.FileSize(ep.RemotePath); err == nil && size > c.maxBytes {
		return nil, newError(KindTransport, ProtocolFTP, "read", fmt.Errorf("%w: remote file is %d bytes", ErrBodyTooLarge, size))
	}

	resp, err := conn.Retr(ep.RemotePath)
	if err != nil {
		return nil, newError(classifyFTPError(err), ProtocolFTP, "retr", err)
	}
	defer resp.Close()
	if deadline, ok := ctx.Deadline(); ok {
		resp.SetDeadline(deadline)
	}

	data, err := readAllWithLimit(resp, c.maxBytes)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			return nil, newError(KindTransport, ProtocolFTP, "read", err)
		}
		return nil, newError(classifyNetError(err), ProtocolFTP, "read", err)
	}
	return data, nil
}

func (c *Client) probeFTP(ctx context.Context, ep Endpoint) error {
	conn, err := c.dialFTP(ctx, ep)
	if err != nil {
		return err
	}
	defer conn.Quit()

	if _, err := conn.FileSize(ep.RemotePath); err != nil {
		return newError(classifyFTPError(err), ProtocolFTP, "size", err)
	}
	return nil
}
