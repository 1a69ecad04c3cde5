package fetch

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type testSFTPServer struct {
	host    string
	port    int
	hostKey ssh.PublicKey
}

// startSFTPServer serves the local filesystem over SFTP on a loopback port,
// accepting only the given password.
func startSFTPServer(t *testing.T, user, password string) *testSFTPServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, p []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(p) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(nc, cfg)
		}
	}()

	return &testSFTPServer{
		host:    "127.0.0.1",
		port:    ln.Addr().(*net.TCPAddr).Port,
		hostKey: signer.PublicKey(),
	}
}

func serveSSH(nc net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			return
		}
		go func(in <-chan *ssh.Request) {
			for req := range in {
				ok := false
				if req.Type == "subsystem" && len(req.Payload) > 4 {
					n := binary.BigEndian.Uint32(req.Payload)
					ok = string(req.Payload[4:4+n]) == "sftp"
				}
				req.Reply(ok, nil)
			}
		}(requests)

		server, err := sftp.NewServer(ch)
		if err != nil {
			ch.Close()
			continue
		}
		go func() {
			server.Serve()
			server.Close()
		}()
	}
}

func TestFetchSFTP(t *testing.T) {
	srv := startSFTPServer(t, "stock", "secret")

	dir := t.TempDir()
	remote := filepath.Join(dir, "productos.csv")
	require.NoError(t, os.WriteFile(remote, []byte(stockCSV), 0o644))

	c := newTestClient()
	ep := Endpoint{
		Protocol:   ProtocolSFTP,
		Host:       srv.host,
		Port:       srv.port,
		Username:   "stock",
		Password:   "secret",
		RemotePath: remote,
		Timeout:    5 * time.Second,
	}

	t.Run("ok", func(t *testing.T) {
		data, err := c.Fetch(context.Background(), ep)
		require.NoError(t, err)
		assert.Equal(t, stockCSV, string(data))
	})

	t.Run("probe", func(t *testing.T) {
		assert.NoError(t, c.Probe(context.Background(), ep))
	})

	t.Run("pinned host key", func(t *testing.T) {
		pinned := ep
		pinned.HostKey = string(ssh.MarshalAuthorizedKey(srv.hostKey))
		_, err := c.Fetch(context.Background(), pinned)
		require.NoError(t, err)
	})

	t.Run("wrong host key", func(t *testing.T) {
		other, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		pub, err := ssh.NewPublicKey(other)
		require.NoError(t, err)

		wrong := ep
		wrong.HostKey = string(ssh.MarshalAuthorizedKey(pub))
		_, err = c.Fetch(context.Background(), wrong)
		requireKind(t, err, KindTransport)
	})

	t.Run("bad password", func(t *testing.T) {
		bad := ep
		bad.Password = "wrong"
		_, err := c.Fetch(context.Background(), bad)
		requireKind(t, err, KindAuth)
	})

	t.Run("missing file", func(t *testing.T) {
		missing := ep
		missing.RemotePath = filepath.Join(dir, "nope.csv")
		_, err := c.Fetch(context.Background(), missing)
		requireKind(t, err, KindNotFound)

		err = c.Probe(context.Background(), missing)
		requireKind(t, err, KindNotFound)
	})

	t.Run("directory", func(t *testing.T) {
		asDir := ep
		asDir.RemotePath = dir
		err := c.Probe(context.Background(), asDir)
		requireKind(t, err, KindNotFound)
	})
}
