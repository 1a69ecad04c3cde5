package fetch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

const stockCSV = "Codigo,Descripcion,Familia,Stock\nT001,Tornillo,Ferreteria,125\n"

func newTestClient() *Client {
	return NewClient(slog.New(slog.NewTextHandler(io.Discard, nil)), 1<<20)
}

func requireKind(t *testing.T, err error, want Kind) {
	t.Helper()
	require.Error(t, err)
	got, ok := KindOf(err)
	require.True(t, ok, "error %v is not a fetch error", err)
	assert.Equal(t, want, got, "error: %v", err)
}

// closedAddr returns a loopback port nothing is listening on.
func closedAddr(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return "127.0.0.1", port
}

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "stock" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/stock.csv":
			io.WriteString(w, stockCSV)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient()
	ep := Endpoint{Protocol: ProtocolHTTP, URL: srv.URL + "/stock.csv", Username: "stock", Password: "secret"}

	t.Run("ok", func(t *testing.T) {
		data, err := c.Fetch(context.Background(), ep)
		require.NoError(t, err)
		assert.Equal(t, stockCSV, string(data))
	})

	t.Run("bad password", func(t *testing.T) {
		bad := ep
		bad.Password = "wrong"
		_, err := c.Fetch(context.Background(), bad)
		requireKind(t, err, KindAuth)
	})

	t.Run("missing file", func(t *testing.T) {
		missing := ep
		missing.URL = srv.URL + "/nope.csv"
		_, err := c.Fetch(context.Background(), missing)
		requireKind(t, err, KindNotFound)

		var httpErr *HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	})

	t.Run("probe", func(t *testing.T) {
		assert.NoError(t, c.Probe(context.Background(), ep))
	})
}

func TestFetchHTTPServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient().Fetch(context.Background(), Endpoint{Protocol: ProtocolHTTP, URL: srv.URL + "/x.csv"})
	requireKind(t, err, KindTransport)
}

func TestFetchHTTPTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 2048))
	}))
	defer srv.Close()

	c := NewClient(slog.New(slog.NewTextHandler(io.Discard, nil)), 1024)
	_, err := c.Fetch(context.Background(), Endpoint{Protocol: ProtocolHTTP, URL: srv.URL + "/big.csv"})
	requireKind(t, err, KindTransport)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestFetchHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := newTestClient().Fetch(context.Background(), Endpoint{
		Protocol: ProtocolHTTP,
		URL:      srv.URL + "/slow.csv",
		Timeout:  100 * time.Millisecond,
	})
	requireKind(t, err, KindTimeout)
}

func TestFetchHTTPRejectsUserinfo(t *testing.T) {
	_, err := newTestClient().Fetch(context.Background(), Endpoint{Protocol: ProtocolHTTP, URL: "http://u:p@example.com/x.csv"})
	requireKind(t, err, KindTransport)
}

func TestFetchUnreachable(t *testing.T) {
	host, port := closedAddr(t)
	c := newTestClient()

	for _, proto := range []Protocol{ProtocolSFTP, ProtocolFTP} {
		t.Run(string(proto), func(t *testing.T) {
			ep := Endpoint{Protocol: proto, Host: host, Port: port, RemotePath: "/stock.csv", Timeout: time.Second}
			_, err := c.Fetch(context.Background(), ep)
			requireKind(t, err, KindUnreachable)

			err = c.Probe(context.Background(), ep)
			requireKind(t, err, KindUnreachable)
		})
	}

	t.Run("http", func(t *testing.T) {
		_, err := c.Fetch(context.Background(), Endpoint{
			Protocol: ProtocolHTTP,
			URL:      "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/stock.csv",
			Timeout:  time.Second,
		})
		requireKind(t, err, KindUnreachable)
	})
}

func TestFetchSFTPHandshakeTimeout(t *testing.T) {
	// Accepts TCP but never speaks SSH.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ep := Endpoint{
		Protocol:   ProtocolSFTP,
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

func TestClassifyFTPError(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{530, KindAuth},
		{550, KindNotFound},
		{450, KindNotFound},
		{421, KindTransport},
	}
	for _, tt := range tests {
		err := &textproto.Error{Code: tt.code, Msg: "x"}
		assert.Equal(t, tt.want, classifyFTPError(err), "code %d", tt.code)
	}
}

func TestParseFTPMode(t *testing.T) {
	m, err := ParseFTPMode("")
	require.NoError(t, err)
	assert.Equal(t, FTPModeEPSV, m)

	m, err = ParseFTPMode("pasv")
	require.NoError(t, err)
	assert.Equal(t, FTPModePASV, m)

	_, err = ParseFTPMode("active")
	assert.Error(t, err)
}

func TestParseProtocol(t *testing.T) {
	for in, want := range map[string]Protocol{"": ProtocolSFTP, "SFTP": ProtocolSFTP, "ftp": ProtocolFTP, "https": ProtocolHTTP} {
		got, err := ParseProtocol(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseProtocol("smb")
	assert.Error(t, err)
}

func TestDecompress(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	io.WriteString(zw, stockCSV)
	require.NoError(t, zw.Close())

	var xzBuf bytes.Buffer
	xw, err := xz.NewWriter(&xzBuf)
	require.NoError(t, err)
	io.WriteString(xw, stockCSV)
	require.NoError(t, xw.Close())

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zst := enc.EncodeAll([]byte(stockCSV), nil)
	require.NoError(t, enc.Close())

	out, err := decompress("/data/stock.csv.gz", gz.Bytes(), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, stockCSV, string(out))

	out, err = decompress("stock.CSV.XZ", xzBuf.Bytes(), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, stockCSV, string(out))

	out, err = decompress("stock.csv.zst", zst, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, stockCSV, string(out))

	out, err = decompress("stock.csv", []byte(stockCSV), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, stockCSV, string(out))

	_, err = decompress("stock.csv.gz", gz.Bytes(), 10)
	assert.ErrorIs(t, err, ErrBodyTooLarge)

	_, err = decompress("stock.csv.gz", []byte("not gzip"), 1<<20)
	assert.Error(t, err)
}

func TestDecodeText(t *testing.T) {
	text, lossy := DecodeText([]byte("Código"))
	assert.Equal(t, "Código", text)
	assert.False(t, lossy)

	text, lossy = DecodeText(append([]byte{0xEF, 0xBB, 0xBF}, "Stock"...))
	assert.Equal(t, "Stock", text)
	assert.False(t, lossy)

	// "Código" in Windows-1252.
	text, lossy = DecodeText([]byte{'C', 0xF3, 'd', 'i', 'g', 'o'})
	assert.Equal(t, "Código", text)
	assert.True(t, lossy)
}

func TestEndpointAddress(t *testing.T) {
	assert.Equal(t, "h:22", Endpoint{Protocol: ProtocolSFTP, Host: "h"}.Address())
	assert.Equal(t, "h:21", Endpoint{Protocol: ProtocolFTP, Host: "h"}.Address())
	assert.Equal(t, "h:2222", Endpoint{Protocol: ProtocolSFTP, Host: "h", Port: 2222}.Address())
	assert.Equal(t, DefaultTimeout, Endpoint{}.timeout())
}

func TestEndpointValidate(t *testing.T) {
	good := Endpoint{Protocol: ProtocolSFTP, Host: "h", Username: "u", Password: "p", RemotePath: "/x.csv"}
	assert.NoError(t, good.Validate())

	noCreds := good
	noCreds.Username, noCreds.Password = "", ""
	err := noCreds.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user, password")

	ftpActive := good
	ftpActive.Protocol = ProtocolFTP
	ftpActive.FTPMode = "active"
	assert.Error(t, ftpActive.Validate())

	badKey := good
	badKey.HostKey = "not a key"
	assert.Error(t, badKey.Validate())

	badPort := good
	badPort.Port = 70000
	assert.Error(t, badPort.Validate())

	assert.NoError(t, Endpoint{Protocol: ProtocolHTTP, URL: "https://example.com/stock.csv"}.Validate())
	assert.Error(t, Endpoint{Protocol: ProtocolHTTP, URL: "ftp://example.com/stock.csv"}.Validate())
}
