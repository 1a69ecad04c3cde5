package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ftpServerOptions struct {
	// noEPSV answers EPSV with 502 so clients have to fall back to PASV.
	noEPSV bool
	// noSize answers SIZE with 502.
	noSize bool
}

// testFTPServer is a minimal FTP peer on a loopback port. It understands
// enough of the protocol to log in and hand out files over a passive data
// connection.
type testFTPServer struct {
	host     string
	port     int
	user     string
	password string
	files    map[string][]byte
	opts     ftpServerOptions

	open atomic.Int32

	mu       sync.Mutex
	commands []string
}

func startFTPServer(t *testing.T, user, password string, files map[string][]byte, opts ftpServerOptions) *testFTPServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	s := &testFTPServer{
		host:     "127.0.0.1",
		port:     ln.Addr().(*net.TCPAddr).Port,
		user:     user,
		password: password,
		files:    files,
		opts:     opts,
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.open.Add(1)
			go s.serve(conn)
		}
	}()
	return s
}

func (s *testFTPServer) sawCommand(cmd string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

// requireReleased waits until every control connection has been closed.
func (s *testFTPServer) requireReleased(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return s.open.Load() == 0 }, 2*time.Second, 10*time.Millisecond,
		"%d ftp connections still open", s.open.Load())
}

func (s *testFTPServer) serve(conn net.Conn) {
	defer s.open.Add(-1)
	defer conn.Close()

	tc := textproto.NewConn(conn)
	reply := func(code int, msg string) {
		tc.PrintfLine("%d %s", code, msg)
	}
	reply(220, "stock test server ready")

	var (
		user     string
		loggedIn bool
		dataLn   net.Listener
	)
	defer func() {
		if dataLn != nil {
			dataLn.Close()
		}
	}()

	for {
		line, err := tc.ReadLine()
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(line, " ")
		cmd = strings.ToUpper(cmd)

		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		if !loggedIn && cmd != "USER" && cmd != "PASS" && cmd != "QUIT" && cmd != "FEAT" {
			reply(530, "not logged in")
			continue
		}

		switch cmd {
		case "USER":
			user = arg
			reply(331, "password required")
		case "PASS":
			if user == s.user && arg == s.password {
				loggedIn = true
				reply(230, "logged in")
			} else {
				reply(530, "login incorrect")
			}
		case "TYPE":
			reply(200, "type set")
		case "QUIT":
			reply(221, "bye")
			return
		case "EPSV", "PASV":
			if cmd == "EPSV" && s.opts.noEPSV {
				reply(502, "EPSV not implemented")
				continue
			}
			if dataLn != nil {
				dataLn.Close()
			}
			dataLn, err = net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				reply(425, "cannot open data connection")
				continue
			}
			port := dataLn.Addr().(*net.TCPAddr).Port
			if cmd == "EPSV" {
				reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
			} else {
				reply(227, fmt.Sprintf("Entering Passive Mode (127,0,0,1,%d,%d)", port>>8, port&0xff))
			}
		case "SIZE":
			if s.opts.noSize {
				reply(502, "SIZE not implemented")
				continue
			}
			data, ok := s.files[arg]
			if !ok {
				reply(550, "no such file")
				continue
			}
			reply(213, strconv.Itoa(len(data)))
		case "RETR":
			if dataLn == nil {
				reply(425, "use PASV or EPSV first")
				continue
			}
			dc, err := dataLn.Accept()
			dataLn.Close()
			dataLn = nil
			if err != nil {
				reply(425, "data connection failed")
				continue
			}
			data, ok := s.files[arg]
			if !ok {
				dc.Close()
				reply(550, "no such file")
				continue
			}
			reply(150, "opening data connection")
			dc.Write(data)
			dc.Close()
			reply(226, "transfer complete")
		default:
			reply(502, "command not implemented")
		}
	}
}

func TestFetchFTP(t *testing.T) {
	srv := startFTPServer(t, "stock", "secret", map[string][]byte{
		"/out/productos.csv": []byte(stockCSV),
	}, ftpServerOptions{})

	c := newTestClient()
	ep := Endpoint{
		Protocol:   ProtocolFTP,
		Host:       srv.host,
		Port:       srv.port,
		Username:   "stock",
		Password:   "secret",
		RemotePath: "/out/productos.csv",
		Timeout:    5 * time.Second,
	}

	t.Run("ok", func(t *testing.T) {
		data, err := c.Fetch(context.Background(), ep)
		require.NoError(t, err)
		assert.Equal(t, stockCSV, string(data))
		srv.requireReleased(t)
	})

	t.Run("probe", func(t *testing.T) {
		assert.NoError(t, c.Probe(context.Background(), ep))
		srv.requireReleased(t)
	})

	t.Run("bad password", func(t *testing.T) {
		bad := ep
		bad.Password = "wrong"
		_, err := c.Fetch(context.Background(), bad)
		requireKind(t, err, KindAuth)

		err = c.Probe(context.Background(), bad)
		requireKind(t, err, KindAuth)
		srv.requireReleased(t)
	})

	t.Run("missing file", func(t *testing.T) {
		missing := ep
		missing.RemotePath = "/out/nope.csv"
		_, err := c.Fetch(context.Background(), missing)
		requireKind(t, err, KindNotFound)

		err = c.Probe(context.Background(), missing)
		requireKind(t, err, KindNotFound)
		srv.requireReleased(t)
	})
}

func TestFetchFTPModes(t *testing.T) {
	files := map[string][]byte{"/productos.csv": []byte(stockCSV)}

	tests := []struct {
		name     string
		mode     FTPMode
		opts     ftpServerOptions
		wantEPSV bool
		wantPASV bool
	}{
		{"epsv", FTPModeEPSV, ftpServerOptions{}, true, false},
		{"pasv", FTPModePASV, ftpServerOptions{}, false, true},
		{"epsv falls back to pasv", FTPModeEPSV, ftpServerOptions{noEPSV: true}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startFTPServer(t, "stock", "secret", files, tt.opts)
			data, err := newTestClient().Fetch(context.Background(), Endpoint{
				Protocol:   ProtocolFTP,
				Host:       srv.host,
				Port:       srv.port,
				Username:   "stock",
				Password:   "secret",
				RemotePath: "/productos.csv",
				FTPMode:    tt.mode,
				Timeout:    5 * time.Second,
			})
			require.NoError(t, err)
			assert.Equal(t, stockCSV, string(data))
			assert.Equal(t, tt.wantEPSV, srv.sawCommand("EPSV"), "EPSV sent")
			assert.Equal(t, tt.wantPASV, srv.sawCommand("PASV"), "PASV sent")
			srv.requireReleased(t)
		})
	}
}

func TestFetchFTPTooLarge(t *testing.T) {
	big := []byte(strings.Repeat("x", 256))
	small := NewClient(slog.New(slog.NewTextHandler(io.Discard, nil)), 64)

	for _, opts := range []ftpServerOptions{{}, {noSize: true}} {
		t.Run(fmt.Sprintf("noSize=%v", opts.noSize), func(t *testing.T) {
			srv := startFTPServer(t, "stock", "secret", map[string][]byte{"/big.csv": big}, opts)
			_, err := small.Fetch(context.Background(), Endpoint{
				Protocol:   ProtocolFTP,
				Host:       srv.host,
				Port:       srv.port,
				Username:   "stock",
				Password:   "secret",
				RemotePath: "/big.csv",
				Timeout:    5 * time.Second,
			})
			requireKind(t, err, KindTransport)
			assert.ErrorIs(t, err, ErrBodyTooLarge)
			// With SIZE available the transfer is refused before RETR.
			assert.Equal(t, opts.noSize, srv.sawCommand("RETR"), "RETR sent")
			srv.requireReleased(t)
		})
	}
}

func TestFetchFTPGreetingTimeout(t *testing.T) {
	// Accepts TCP but never sends the 220 greeting.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ep := Endpoint{
		Protocol:   ProtocolFTP,
		Host:       "127.0.0.1",
		Port:       ln.Addr().(*net.TCPAddr).Port,
		Username:   "u",
		Password:   "p",
		RemotePath: "/stock.csv",
		Timeout:    200 * time.Millisecond,
	}
	_, err = newTestClient().Fetch(context.Background(), ep)
	requireKind(t, err, KindTimeout)
}
