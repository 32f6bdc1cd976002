package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultPort is used for export targets configured without a port.
const DefaultPort = 22

// TargetAddr returns the dial address of an export target. A port already
// present in host wins over port; zero means DefaultPort.
func TargetAddr(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port))
}

// EnsureKnownHostsFile creates path and its directory when missing.
func EnsureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create known_hosts: %w", err)
	}
	return f.Close()
}

// TrustHost records authorizedKey for the export target at addr and reports
// whether a line was written. addr without a port means DefaultPort. A key that is already trusted is a no-op; a
// different key for a known target is refused so a changed host key never
// silently replaces the old one.
func TrustHost(path, addr, authorizedKey string) (bool, error) {
	key, err := parseHostKey(authorizedKey)
	if err != nil {
		return false, err
	}
	cb, err := LoadKnownHostsCallback(path)
	if err != nil {
		return false, err
	}
	addr = TargetAddr(addr, DefaultPort)
	// Only the address is matched; remote must merely be a TCP address.
	err = cb(addr, &net.TCPAddr{}, key)
	var keyErr *knownhosts.KeyError
	switch {
	case err == nil:
		return false, nil
	case errors.As(err, &keyErr) && len(keyErr.Want) > 0:
		return false, fmt.Errorf("host key for %s changed (known at %s:%d)", addr, keyErr.Want[0].Filename, keyErr.Want[0].Line)
	case errors.As(err, &keyErr):
		return true, appendKnownHost(path, addr, key)
	default:
		return false, fmt.Errorf("check known_hosts: %w", err)
	}
}

// AppendKnownHost trusts authorizedKey for host. host may carry a port.
func AppendKnownHost(path, host, authorizedKey string) error {
	key, err := parseHostKey(authorizedKey)
	if err != nil {
		return err
	}
	if err := EnsureKnownHostsFile(path); err != nil {
		return err
	}
	return appendKnownHost(path, host, key)
}

func parseHostKey(authorizedKey string) (xssh.PublicKey, error) {
	key, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return nil, fmt.Errorf("parse authorized key: %w", err)
	}
	return key, nil
}

func appendKnownHost(path, host string, key xssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(knownhosts.Line([]string{host}, key) + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// LoadKnownHostsCallback returns a strict host key callback backed by path.
// Unknown hosts are rejected.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}
