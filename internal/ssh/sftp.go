package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

// PushReader streams r to remotePath over an open connection, creating
// parent directories as needed.
func PushReader(ctx context.Context, client *xssh.Client, r io.Reader, remotePath string) (int64, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return 0, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	stop := context.AfterFunc(ctx, func() { sf.Close() })
	defer stop()
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, fmt.Errorf("mkdir remote: %w", err)
	}
	dst, err := sf.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("create remote: %w", err)
	}
	n, err := io.Copy(dst, r)
	if err != nil {
		dst.Close()
		return n, fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return n, fmt.Errorf("close remote: %w", err)
	}
	return n, nil
}

// Exporter ships snapshot documents to a remote directory.
type Exporter struct {
	Client    *Client
	RemoteDir string
}

// Upload writes r as name under RemoteDir and returns the remote path.
func (e *Exporter) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	remote := path.Join(e.RemoteDir, name)
	cli, err := Dial(ctx, e.Client)
	if err != nil {
		return "", err
	}
	defer cli.Close()
	n, err := PushReader(ctx, cli, r, remote)
	if err != nil {
		return "", err
	}
	log.Info().Str("addr", e.Client.Addr).Str("path", remote).Int64("bytes", n).Msg("snapshot exported")
	return remote, nil
}

// UploadFile pushes a local file under its base name.
func (e *Exporter) UploadFile(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open local: %w", err)
	}
	defer f.Close()
	return e.Upload(ctx, filepath.Base(localPath), f)
}
