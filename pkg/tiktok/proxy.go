package tiktok

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"

	"tikfetch/pkg/logger"
)

var proxyAuthRe = regexp.MustCompile(`^(https?|socks5h?)://([^:@]+):([^@]+)@(.+)$`)

// ProxyManager hands out proxies in round-robin order. An empty entry
// stands for a direct connection.
type ProxyManager struct {
	mu      sync.Mutex
	proxies []string
	index   int
}

// NewProxyManager rotates over proxies, plus a direct connection when
// includeHost is set. With nothing to rotate it always returns direct.
func NewProxyManager(proxies []string, includeHost bool) *ProxyManager {
	list := make([]string, 0, len(proxies)+1)
	for _, p := range proxies {
		list = append(list, encodeProxyAuth(p))
	}
	if includeHost {
		list = append(list, "")
	}
	if len(list) == 0 {
		list = []string{""}
	}
	return &ProxyManager{proxies: list}
}

// LoadProxyManager reads one proxy URL per line from path. Blank lines and
// lines starting with # are skipped.
func LoadProxyManager(path string, includeHost bool, log logger.Logger) (*ProxyManager, error) {
	log = logger.OrDefault(log)
	if path == "" {
		return NewProxyManager(nil, includeHost), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy file: %w", err)
	}
	defer f.Close()

	var proxies []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		proxies = append(proxies, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read proxy file: %w", err)
	}

	pm := NewProxyManager(proxies, includeHost)
	if !pm.HasProxies() {
		log.Warn("No proxies loaded, using direct connection")
	} else {
		log.InfoWithFields("Loaded proxies", map[string]interface{}{
			"count":        pm.Count(),
			"include_host": includeHost,
		})
	}
	return pm, nil
}

// encodeProxyAuth percent-encodes the credentials of a proxy URL
func encodeProxyAuth(raw string) string {
	m := proxyAuthRe.FindStringSubmatch(raw)
	if m == nil {
		return raw
	}
	return fmt.Sprintf("%s://%s:%s@%s", m[1], escapeAll(m[2]), escapeAll(m[3]), m[4])
}

func escapeAll(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Next returns the next proxy and advances the rotation
func (pm *ProxyManager) Next() string {
	if pm == nil {
		return ""
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p := pm.proxies[pm.index]
	pm.index = (pm.index + 1) % len(pm.proxies)
	return p
}

// Count is the rotation length, direct entry included
func (pm *ProxyManager) Count() int {
	if pm == nil {
		return 0
	}
	return len(pm.proxies)
}

// HasProxies reports whether any real proxy is configured
func (pm *ProxyManager) HasProxies() bool {
	if pm == nil {
		return false
	}
	for _, p := range pm.proxies {
		if p != "" {
			return true
		}
	}
	return false
}

// redactProxy hides proxy credentials for logging
func redactProxy(p string) string {
	if p == "" {
		return "direct"
	}
	u, err := url.Parse(p)
	if err != nil {
		return "invalid"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}
