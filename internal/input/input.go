// Package input reads the operator's account and proxy lists.
package input

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/hedgebot/internal/domain"
	"github.com/aristath/hedgebot/internal/wallet"
)

const (
	PrivateKeysFile = "privatekeys.txt"
	ProxiesFile     = "proxies.txt"
)

// placeholder proxy lines shipped in the sample file
var proxyPlaceholders = map[string]bool{
	"https://log:pass@ip:port":       true,
	"http://log:pass@ip:port":        true,
	"log:pass@ip:port":               true,
	"http://login:password@ip:port":  true,
	"https://login:password@ip:port": true,
	"login:password@ip:port":         true,
}

// Loader reads input files from one directory.
type Loader struct {
	dir string
	log zerolog.Logger
}

// NewLoader creates a loader for dir.
func NewLoader(dir string, log zerolog.Logger) *Loader {
	return &Loader{dir: dir, log: log.With().Str("component", "input").Logger()}
}

// Accounts parses privatekeys.txt and assigns proxies round-robin. Each line
// is either "label:key" or a bare key, in which case the label is the
// shortened address.
func (l *Loader) Accounts() ([]domain.Account, error) {
	lines, err := readLines(filepath.Join(l.dir, PrivateKeysFile))
	if err != nil {
		return nil, err
	}

	var accounts []domain.Account
	for i, line := range lines {
		label, key, err := ParseKeyLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", PrivateKeysFile, i+1, err)
		}
		address, err := wallet.AddressFromKey(key)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", PrivateKeysFile, i+1, err)
		}
		if label == "" {
			label = wallet.ShortLabel(address)
		}
		accounts = append(accounts, domain.Account{Label: label, PrivateKey: key, Address: address})
	}

	proxies, err := l.Proxies()
	if err != nil {
		return nil, err
	}
	if len(proxies) == 0 {
		l.log.Warn().Msg("You will not use proxy")
	}
	for i := range accounts {
		if len(proxies) > 0 {
			accounts[i].Proxy = proxies[i%len(proxies)]
		}
	}

	l.log.Info().Int("accounts", len(accounts)).Int("proxies", len(proxies)).Msg("Loaded input")
	return accounts, nil
}

// Proxies reads proxies.txt, dropping placeholders and normalising every
// entry to an http:// URL. A missing file means no proxies.
func (l *Loader) Proxies() ([]string, error) {
	lines, err := readLines(filepath.Join(l.dir, ProxiesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var proxies []string
	for _, line := range lines {
		if proxyPlaceholders[line] {
			continue
		}
		proxies = append(proxies, NormalizeProxy(line))
	}
	return proxies, nil
}

// ParseKeyLine splits "label:key" or "key".
func ParseKeyLine(line string) (label, key string, err error) {
	parts := strings.Split(line, ":")
	switch len(parts) {
	case 1:
		return "", strings.TrimSpace(parts[0]), nil
	case 2:
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
	default:
		return "", "", fmt.Errorf("unexpected private key format")
	}
}

// NormalizeProxy forces the http:// scheme.
func NormalizeProxy(proxy string) string {
	proxy = strings.TrimPrefix(proxy, "https://")
	proxy = strings.TrimPrefix(proxy, "http://")
	return "http://" + proxy
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}
