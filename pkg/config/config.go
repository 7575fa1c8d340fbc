// Package config loads the runtime configuration surface named in the
// protocol's non-functional section from an INI file, the way the teacher's
// od_parser.go loads an EDS file with gopkg.in/ini.v1.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/tidemark/dlp/pkg/link"
)

// File is the parsed [dlp] section of a runtime configuration file. Keys
// absent from the file fall back to defaults: link.DefaultConfig's values
// for debug, retry_timeout_ms and error_threshold, and the fixed defaults in
// parse for the others.
type File struct {
	// DataPort names the transport and address passed to pkg/port.NewPort
	// for the data channel, e.g. "uart:/dev/ttyUSB0".
	DataPort string
	// DebugPort optionally names a second transport for the trace sink.
	// Empty disables it regardless of Debug.
	DebugPort string
	Debug     bool
	UsePort   bool

	Role    link.Role
	Address uint8

	RetryTimeout   time.Duration
	ErrorThreshold uint8
}

const (
	section = "dlp"

	defaultDataPort = "uart:/dev/ttyUSB0"
)

// Load reads path and returns the parsed configuration. No key is required:
// data_port defaults to "uart:/dev/ttyUSB0", use_port to true, role to
// "master", address to the role's own address (0 for master, 1 for slave),
// and the remaining keys to link.DefaultConfig's values.
func Load(path string) (*File, error) {
	raw, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return parse(raw)
}

func parse(raw *ini.File) (*File, error) {
	defaults := link.DefaultConfig()
	sec := raw.Section(section)

	retryMs := sec.Key("retry_timeout_ms").MustInt(int(defaults.RetryTimeout / time.Millisecond))

	f := &File{
		DataPort:       sec.Key("data_port").MustString(defaultDataPort),
		DebugPort:      sec.Key("debug_port").MustString(""),
		Debug:          sec.Key("debug").MustBool(defaults.Debug),
		UsePort:        sec.Key("use_port").MustBool(true),
		RetryTimeout:   time.Duration(retryMs) * time.Millisecond,
		ErrorThreshold: uint8(sec.Key("error_threshold").MustUint(uint(defaults.ErrorThreshold))),
	}

	roleStr := sec.Key("role").MustString("master")
	switch roleStr {
	case "master":
		f.Role = link.RoleMaster
		f.Address = 0
	case "slave":
		f.Role = link.RoleSlave
		f.Address = 1
	default:
		return nil, fmt.Errorf("config: unknown role %q, want \"master\" or \"slave\"", roleStr)
	}

	if addr := sec.Key("address"); addr.Value() != "" {
		v, err := addr.Uint()
		if err != nil {
			return nil, fmt.Errorf("config: address: %w", err)
		}
		f.Address = uint8(v)
	}

	return f, nil
}

// ParsePort splits a "transport:addr" spec, e.g. "uart:/dev/ttyUSB0", into
// the two arguments pkg/port.NewPort expects.
func ParsePort(spec string) (transport, addr string, err error) {
	name, rest, ok := strings.Cut(spec, ":")
	if !ok || name == "" || rest == "" {
		return "", "", fmt.Errorf("config: port spec %q must be \"transport:addr\"", spec)
	}
	return name, rest, nil
}

// LinkConfig builds a link.Config seeded from link.DefaultConfig with the
// fields this file overrides applied on top.
func (f *File) LinkConfig() link.Config {
	cfg := link.DefaultConfig()
	cfg.Debug = f.Debug
	if f.RetryTimeout > 0 {
		cfg.RetryTimeout = f.RetryTimeout
	}
	if f.ErrorThreshold > 0 {
		cfg.ErrorThreshold = f.ErrorThreshold
	}
	return cfg
}
