// Package wallet prepares the Oracle wallet directory the driver
// authenticates with. Deployments either mount a wallet directory or inject
// the wallet as a base64-encoded ZIP archive; in the latter case the archive
// is extracted to a private directory that is removed on shutdown.
package wallet

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// AutoLoginStore is the one file every usable wallet must contain.
const AutoLoginStore = "cwallet.sso"

// maxWalletBytes caps the decoded archive; wallets are a few KB in practice.
const maxWalletBytes = 16 << 20

// Wallet is a validated wallet directory. Owned wallets were extracted by
// this process and are deleted by Cleanup.
type Wallet struct {
	Dir   string
	owned bool
}

// Prepare resolves the wallet from either a directory path or a base64 ZIP,
// exactly one of which must be set, and validates the auto-login store is
// present. dnMatch controls the SSL_SERVER_DN_MATCH line written into
// sqlnet.ora when this process owns the directory.
func Prepare(location, base64ZIP string, dnMatch bool) (*Wallet, error) {
	switch {
	case location != "" && base64ZIP != "":
		return nil, fmt.Errorf("wallet location and base64 archive are mutually exclusive")
	case location != "":
		if err := validateDir(location); err != nil {
			return nil, err
		}
		return &Wallet{Dir: location}, nil
	case base64ZIP != "":
		dir, err := extract(base64ZIP)
		if err != nil {
			return nil, err
		}
		if err := validateDir(dir); err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		if err := ensureSqlnet(dir, dnMatch); err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		return &Wallet{Dir: dir, owned: true}, nil
	}
	return nil, fmt.Errorf("no wallet configured")
}

// Cleanup removes an extracted wallet directory. Mounted wallets are left
// alone.
func (w *Wallet) Cleanup() {
	if w == nil || !w.owned {
		return
	}
	if err := os.RemoveAll(w.Dir); err != nil {
		log.WithFields(log.Fields{"dir": w.Dir, "err": err}).Warn("wallet cleanup failed")
	}
}

func validateDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("wallet directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("wallet path %s is not a directory", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, AutoLoginStore)); err != nil {
		return fmt.Errorf("wallet at %s is missing %s: %w", dir, AutoLoginStore, err)
	}
	return nil
}

// extract decodes and unpacks the archive into a directory unique to this
// process and moment, creating every file with mode 0600.
func extract(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", fmt.Errorf("decode wallet archive: %w", err)
	}
	if len(raw) > maxWalletBytes {
		return "", fmt.Errorf("wallet archive is %d bytes, limit %d", len(raw), maxWalletBytes)
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open wallet archive: %w", err)
	}

	dir := filepath.Join(os.TempDir(),
		fmt.Sprintf("sentinel-wallet-%d-%d", os.Getpid(), time.Now().UnixNano()))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create wallet directory: %w", err)
	}

	for _, f := range zr.File {
		if err := extractEntry(dir, f); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}
	return dir, nil
}

func extractEntry(dir string, f *zip.File) error {
	if f.Method != zip.Store && f.Method != zip.Deflate {
		return fmt.Errorf("wallet entry %s uses unsupported compression method %d", f.Name, f.Method)
	}
	// Wallets are flat; nested names are kept but must stay inside dir.
	name := filepath.Clean(f.Name)
	if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
		return fmt.Errorf("wallet entry %q escapes extraction directory", f.Name)
	}
	dest := filepath.Join(dir, name)
	if !strings.HasPrefix(dest, dir+string(os.PathSeparator)) {
		return fmt.Errorf("wallet entry %q escapes extraction directory", f.Name)
	}
	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0o700)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return fmt.Errorf("create wallet subdirectory: %w", err)
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open wallet entry %s: %w", f.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create wallet file %s: %w", name, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, io.LimitReader(src, maxWalletBytes)); err != nil {
		return fmt.Errorf("write wallet file %s: %w", name, err)
	}
	return nil
}

// ensureSqlnet writes a minimal sqlnet.ora when the archive did not ship one,
// so the driver finds the wallet and the DN-match policy survives extraction.
// An sqlnet.ora provided inside the archive wins; a disagreement with the
// configured policy is logged so the override is visible.
func ensureSqlnet(dir string, dnMatch bool) error {
	path := filepath.Join(dir, "sqlnet.ora")
	if data, err := os.ReadFile(path); err == nil {
		if archived := parseDNMatch(string(data)); archived != dnMatch {
			log.WithFields(log.Fields{"archive": archived, "configured": dnMatch}).
				Warn("wallet archive sqlnet.ora overrides the configured DN-match policy")
		}
		return nil
	}
	match := "yes"
	if !dnMatch {
		match = "no"
	}
	content := fmt.Sprintf(
		"WALLET_LOCATION = (SOURCE = (METHOD = file) (METHOD_DATA = (DIRECTORY=%q)))\nSSL_SERVER_DN_MATCH=%s\n",
		dir, match)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write sqlnet.ora: %w", err)
	}
	return nil
}

// parseDNMatch reads the SSL_SERVER_DN_MATCH directive from sqlnet.ora
// content. A missing directive means no, the Oracle default.
func parseDNMatch(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToUpper(line), "SSL_SERVER_DN_MATCH") {
			continue
		}
		_, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "yes", "on", "true":
			return true
		default:
			return false
		}
	}
	return false
}
