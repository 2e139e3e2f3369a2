package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Credential is one app_key's OAuth-HMAC entry (spec §3, §4.F, §6).
type Credential struct {
	AppKey      string
	AppSecret   string
	AllowedURLs []string
	RateLimit   int
}

// AllowsURL reports whether path satisfies this credential's
// allowed_urls list: exact match, "*"-suffix prefix match, or a bare
// "*" meaning any path.
func (c Credential) AllowsURL(path string) bool {
	for _, u := range c.AllowedURLs {
		if u == "*" {
			return true
		}
		if strings.HasSuffix(u, "*") {
			if strings.HasPrefix(path, strings.TrimSuffix(u, "*")) {
				return true
			}
			continue
		}
		if u == path {
			return true
		}
	}
	return false
}

// LoadCredentials parses the INI-like credential file of spec §6:
// section headers "[app_key]", keys app_secret/allowed_urls/rate_limit.
func LoadCredentials(path string) (map[string]Credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading credential file: %w", err)
	}
	defer f.Close()

	creds := make(map[string]Credential)
	var cur *Credential

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if cur != nil {
				creds[cur.AppKey] = *cur
			}
			appKey := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			cur = &Credential{AppKey: appKey}
			continue
		}

		if cur == nil {
			return nil, fmt.Errorf("credential file line %d: key before any [app_key] section", lineNo)
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("credential file line %d: expected key = value", lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "app_secret":
			cur.AppSecret = value
		case "allowed_urls":
			for _, u := range strings.Split(value, ",") {
				u = strings.TrimSpace(u)
				if u != "" {
					cur.AllowedURLs = append(cur.AllowedURLs, u)
				}
			}
		case "rate_limit":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("credential file line %d: rate_limit: %w", lineNo, err)
			}
			cur.RateLimit = n
		default:
			return nil, fmt.Errorf("credential file line %d: unknown key %q", lineNo, key)
		}
	}
	if cur != nil {
		creds[cur.AppKey] = *cur
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return creds, nil
}
