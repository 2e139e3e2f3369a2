// Package config parses the worker's main configuration file and
// credential store into the immutable records the rest of the system
// consumes. The tokenizer here is an internal convenience, not a
// specified contract — only the produced Record and Credential types
// are part of the worker's external surface.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// RouteKind is the closed variant set a route descriptor belongs to.
type RouteKind int

const (
	Static RouteKind = iota
	Proxy
)

func (k RouteKind) String() string {
	if k == Proxy {
		return "proxy"
	}
	return "static"
}

// AuthKind selects the authenticator a route requires.
type AuthKind int

const (
	AuthNone AuthKind = iota
	AuthOAuthHMAC
)

// Route is the immutable (prefix, kind, target) tuple selected by the
// route resolver (spec §4.E).
type Route struct {
	Kind      RouteKind
	Prefix    string // always starts with "/"
	LocalRoot string // filesystem root, Kind == Static
	Host      string // upstream host, Kind == Proxy
	Port      uint16 // upstream port, Kind == Proxy
	Auth      AuthKind
	Charset   string
}

// Record is the immutable configuration a worker loads once at startup.
type Record struct {
	Workers             int
	ListenPort          uint16
	MaxConnections      uint32
	KeepAliveSeconds    uint32
	MaxBodyBytes        uint64
	Routes              []Route
	ReadTimeoutSeconds  int
	WriteTimeoutSeconds int
	IdleTimeoutSeconds  int
	MemoryPoolBytes     uint64
	PerIPMaxConnections int
	PerIPRPSLimit       int
	PerIPBurstLimit     int
	EventBatchSize      int
	EventTickMs         int
}

// Defaults mirrors cmd/karoo's loadConfig default-filling approach
// (carlosrabelo-karoo/cmd/karoo/main.go loadConfig), applied before
// validation.
func Defaults() Record {
	return Record{
		Workers:             1,
		ListenPort:          8080,
		MaxConnections:      1024,
		KeepAliveSeconds:    0, // keep-alive machinery exists but is forced off, see §9
		MaxBodyBytes:        10 << 20,
		ReadTimeoutSeconds:  30,
		WriteTimeoutSeconds: 30,
		IdleTimeoutSeconds:  5,
		MemoryPoolBytes:     16 << 20,
		PerIPMaxConnections: 50,
		PerIPRPSLimit:       20,
		PerIPBurstLimit:     10,
		EventBatchSize:      256,
		EventTickMs:         1000,
	}
}

// Load reads and parses the main config file at path.
func Load(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	defer f.Close()

	rec := Defaults()
	seenPrefixes := make(map[string]bool)

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSuffix(line, ";")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		directive := fields[0]
		args := fields[1:]

		var err error
		switch directive {
		case "workers":
			rec.Workers, err = atoi(args, "workers")
		case "listen_port":
			var v int
			v, err = atoi(args, "listen_port")
			rec.ListenPort = uint16(v)
		case "max_connections":
			var v uint64
			v, err = atobytes(args, "max_connections")
			rec.MaxConnections = uint32(v)
		case "keepalive_s":
			var v uint64
			v, err = atobytes(args, "keepalive_s")
			rec.KeepAliveSeconds = uint32(v)
		case "max_body_bytes":
			rec.MaxBodyBytes, err = atobytes(args, "max_body_bytes")
		case "read_timeout_s":
			rec.ReadTimeoutSeconds, err = atoi(args, "read_timeout_s")
		case "write_timeout_s":
			rec.WriteTimeoutSeconds, err = atoi(args, "write_timeout_s")
		case "idle_timeout_s":
			rec.IdleTimeoutSeconds, err = atoi(args, "idle_timeout_s")
		case "memory_pool_bytes":
			rec.MemoryPoolBytes, err = atobytes(args, "memory_pool_bytes")
		case "per_ip_max_connections":
			rec.PerIPMaxConnections, err = atoi(args, "per_ip_max_connections")
		case "per_ip_rps_limit":
			rec.PerIPRPSLimit, err = atoi(args, "per_ip_rps_limit")
		case "per_ip_burst_limit":
			rec.PerIPBurstLimit, err = atoi(args, "per_ip_burst_limit")
		case "event_batch_size":
			rec.EventBatchSize, err = atoi(args, "event_batch_size")
		case "event_tick_ms":
			rec.EventTickMs, err = atoi(args, "event_tick_ms")
		case "route":
			var r Route
			r, err = parseRoute(args)
			if err == nil {
				if seenPrefixes[r.Prefix] {
					err = fmt.Errorf("duplicate route prefix %q", r.Prefix)
				} else {
					seenPrefixes[r.Prefix] = true
					rec.Routes = append(rec.Routes, r)
				}
			}
		default:
			err = fmt.Errorf("unknown directive %q", directive)
		}
		if err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if err := Validate(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Validate enforces the invariants a loaded Record must satisfy before a
// worker starts serving (mirrors the original's config_validator.c).
func Validate(rec *Record) error {
	if rec.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if len(rec.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	if rec.MaxBodyBytes > 10<<20 {
		return fmt.Errorf("max_body_bytes exceeds the 10 MiB hard cap")
	}
	if rec.ReadTimeoutSeconds <= 0 || rec.WriteTimeoutSeconds <= 0 || rec.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

func parseRoute(args []string) (Route, error) {
	if len(args) < 3 {
		return Route{}, fmt.Errorf("route needs at least kind, prefix, target")
	}
	var r Route
	switch args[0] {
	case "static":
		r.Kind = Static
	case "proxy":
		r.Kind = Proxy
	default:
		return Route{}, fmt.Errorf("unknown route kind %q", args[0])
	}

	r.Prefix = args[1]
	if !strings.HasPrefix(r.Prefix, "/") {
		return Route{}, fmt.Errorf("route prefix must be absolute: %q", r.Prefix)
	}

	target := args[2]
	if r.Kind == Static {
		r.LocalRoot = target
	} else {
		host, portStr, ok := strings.Cut(target, ":")
		if !ok {
			return Route{}, fmt.Errorf("proxy target must be host:port: %q", target)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return Route{}, fmt.Errorf("invalid proxy port in %q", target)
		}
		r.Host = host
		r.Port = uint16(port)
	}

	r.Charset = "utf-8"
	for _, opt := range args[3:] {
		if strings.HasPrefix(opt, "auth:") {
			switch strings.TrimPrefix(opt, "auth:") {
			case "oauth":
				r.Auth = AuthOAuthHMAC
			case "none":
				r.Auth = AuthNone
			default:
				return Route{}, fmt.Errorf("unknown auth kind in %q", opt)
			}
			continue
		}
		r.Charset = opt
	}
	return r, nil
}

func atoi(args []string, name string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s needs exactly one argument", name)
	}
	return strconv.Atoi(args[0])
}

// atobytes parses a decimal value with an optional K/M/G size suffix
// (spec §6, "Size suffixes K/M/G recognized").
func atobytes(args []string, name string) (uint64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s needs exactly one argument", name)
	}
	s := args[0]
	mul := uint64(1)
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'K', 'k':
			mul, s = 1<<10, s[:n-1]
		case 'M', 'm':
			mul, s = 1<<20, s[:n-1]
		case 'G', 'g':
			mul, s = 1<<30, s[:n-1]
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v * mul, nil
}
