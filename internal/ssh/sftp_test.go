package ssh

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// startSFTPServer serves SFTP on a loopback port, accepting only clientKey.
// It returns the listen address and the server's authorized host key.
func startSFTPServer(t *testing.T, clientKey xssh.PublicKey) (string, string) {
	t.Helper()
	dir := t.TempDir()
	hostPub, err := GenerateEd25519Keypair(filepath.Join(dir, "host_key"))
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := LoadPrivateKeySigner(filepath.Join(dir, "host_key"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := &xssh.ServerConfig{
		PublicKeyCallback: func(_ xssh.ConnMetadata, key xssh.PublicKey) (*xssh.Permissions, error) {
			if string(key.Marshal()) == string(clientKey.Marshal()) {
				return nil, nil
			}
			return nil, os.ErrPermission
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg)
		}
	}()
	return ln.Addr().String(), hostPub
}

func serveConn(conn net.Conn, cfg *xssh.ServerConfig) {
	sc, chans, reqs, err := xssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sc.Close()
	go xssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(xssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, in, err := nc.Accept()
		if err != nil {
			return
		}
		go func(in <-chan *xssh.Request) {
			for req := range in {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
			}
		}(in)
		srv, err := sftp.NewServer(ch)
		if err != nil {
			ch.Close()
			continue
		}
		go func() {
			_ = srv.Serve()
			srv.Close()
		}()
	}
}

func newExportClient(t *testing.T) (*Client, string) {
	t.Helper()
	dir := t.TempDir()
	key := filepath.Join(dir, "id_ed25519")
	if _, err := GenerateEd25519Keypair(key); err != nil {
		t.Fatal(err)
	}
	signer, err := LoadPrivateKeySigner(key)
	if err != nil {
		t.Fatal(err)
	}
	addr, hostPub := startSFTPServer(t, signer.PublicKey())
	kh := filepath.Join(dir, "known_hosts")
	if err := AppendKnownHost(kh, addr, hostPub); err != nil {
		t.Fatal(err)
	}
	cb, err := LoadKnownHostsCallback(kh)
	if err != nil {
		t.Fatal(err)
	}
	return &Client{Addr: addr, User: "fleetsim", Signer: signer, KnownHosts: cb, Timeout: 5 * time.Second}, dir
}

func TestExporterUpload(t *testing.T) {
	client, _ := newExportClient(t)
	remoteDir := filepath.ToSlash(filepath.Join(t.TempDir(), "exports", "snapshots"))
	exp := &Exporter{Client: client, RemoteDir: remoteDir}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	doc := `{"strategy":"best-fit","machines":[]}`
	remote, err := exp.Upload(ctx, "snapshot-1.json", strings.NewReader(doc))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if remote != remoteDir+"/snapshot-1.json" {
		t.Fatalf("remote path = %q", remote)
	}
	got, err := os.ReadFile(filepath.FromSlash(remote))
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(got) != doc {
		t.Fatalf("uploaded %q, want %q", got, doc)
	}
}

func TestExporterUploadFile(t *testing.T) {
	client, dir := newExportClient(t)
	local := filepath.Join(dir, "snap.json")
	if err := os.WriteFile(local, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	remoteDir := filepath.ToSlash(t.TempDir())
	exp := &Exporter{Client: client, RemoteDir: remoteDir}
	remote, err := exp.UploadFile(context.Background(), local)
	if err != nil {
		t.Fatalf("upload file: %v", err)
	}
	if filepath.Base(remote) != "snap.json" {
		t.Fatalf("remote path = %q", remote)
	}
}

func TestDialRejectsUnknownHost(t *testing.T) {
	client, dir := newExportClient(t)
	cb, err := LoadKnownHostsCallback(filepath.Join(dir, "empty_known_hosts"))
	if err != nil {
		t.Fatal(err)
	}
	client.KnownHosts = cb
	if _, err := Dial(context.Background(), client); err == nil {
		t.Fatal("expected host key verification failure")
	}
}

func TestDialRequiresSignerAndHostKeys(t *testing.T) {
	if _, err := Dial(context.Background(), &Client{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatal("expected error without signer")
	}
	client, _ := newExportClient(t)
	client.KnownHosts = nil
	if _, err := Dial(context.Background(), client); err == nil {
		t.Fatal("expected error without host key callback")
	}
}

func TestDialHonoursContext(t *testing.T) {
	client, _ := newExportClient(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	client.Addr = addr
	client.Retries = 5
	client.Backoff = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := Dial(ctx, client); err == nil {
		t.Fatal("expected dial error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("dial ignored context cancellation")
	}
}
