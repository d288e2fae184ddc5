package jail

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Config is the root of the jail's JSON configuration tree, parsed up front
// into typed records rather than threaded through the builders as an opaque
// value (REDESIGN FLAGS item 2). JSON decoding itself is treated as an
// external collaborator (spec.md §1); this struct only describes the shape.
type Config struct {
	Stdio           string            `json:"stdio"`
	KeepCapability  []string          `json:"keep_capability"`
	Filesystem      FilesystemConfig  `json:"filesystem"`
	Directory       []string          `json:"directory,omitempty"`
	Device          []Device          `json:"device,omitempty"`
	Bind            []Bind            `json:"bind,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
}

// FilesystemConfig selects which kernel filesystems are mounted into the
// jail (spec.md §4.2 step 1).
type FilesystemConfig struct {
	Devtmpfs bool `json:"devtmpfs"`
	Procfs   bool `json:"procfs"`
	Sysfs    bool `json:"sysfs"`
}

// BindMode is a bind mount's access mode.
type BindMode int

const (
	BindRW BindMode = iota
	BindRO
)

// Device is one `device` sequence entry (spec.md §4.2 step 3), accepted
// either as a comma-separated string or as a JSON mapping.
type Device struct {
	Pathname string
	Type     string
	Major    uint32
	Minor    uint32
	Perm     uint32 // octal file permission bits
}

// deviceMapping is the mapping form of a Device entry.
type deviceMapping struct {
	Pathname string `json:"pathname"`
	Type     string `json:"type"`
	Major    int    `json:"major"`
	Minor    int    `json:"minor"`
	Perm     string `json:"perm"`
}

// UnmarshalJSON accepts either a string "<pathname>,<type>,<major>,<minor>,<perm>"
// (parsed right-to-left by the last four commas, perm in octal) or a mapping
// with pathname/type/major/minor/perm keys (perm also octal).
func (d *Device) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parseString(s)
	}

	var m deviceMapping
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("device entry must be a string or mapping: %w", err)
	}
	perm, err := strconv.ParseUint(m.Perm, 8, 32)
	if err != nil {
		return fmt.Errorf("device perm %q: %w", m.Perm, err)
	}
	d.Pathname = m.Pathname
	d.Type = m.Type
	d.Major = uint32(m.Major)
	d.Minor = uint32(m.Minor)
	d.Perm = uint32(perm)
	return nil
}

// parseString parses the right-to-left comma form described in spec.md
// §4.2 step 3: the last four commas delimit type, major, minor, perm, and
// everything before the first of those four is the pathname (which may
// itself contain commas).
func (d *Device) parseString(s string) error {
	fields := strings.Split(s, ",")
	if len(fields) < 5 {
		return fmt.Errorf("device string %q: need pathname,type,major,minor,perm", s)
	}
	n := len(fields)
	permStr := fields[n-1]
	minorStr := fields[n-2]
	majorStr := fields[n-3]
	typeStr := fields[n-4]
	pathname := strings.Join(fields[:n-4], ",")

	major, err := strconv.ParseUint(majorStr, 10, 32)
	if err != nil {
		return fmt.Errorf("device major %q: %w", majorStr, err)
	}
	minor, err := strconv.ParseUint(minorStr, 10, 32)
	if err != nil {
		return fmt.Errorf("device minor %q: %w", minorStr, err)
	}
	perm, err := strconv.ParseUint(permStr, 8, 32)
	if err != nil {
		return fmt.Errorf("device perm %q: %w", permStr, err)
	}

	d.Pathname = pathname
	d.Type = typeStr
	d.Major = uint32(major)
	d.Minor = uint32(minor)
	d.Perm = uint32(perm)
	return nil
}

// Bind is one `bind` sequence entry (spec.md §4.2 step 4), accepted either
// as a string "<source>[:<target>][,<mode>]" or as a JSON mapping.
type Bind struct {
	Source string
	Target string
	Mode   BindMode
}

type bindMapping struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Mode   string `json:"mode"`
}

// UnmarshalJSON mirrors Device's polymorphism: a string is split first on
// "," for mode (default "ro" if absent), then on ":" for target (default
// source if absent); a mapping carries source/target/mode directly.
func (b *Bind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return b.parseString(s)
	}

	var m bindMapping
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("bind entry must be a string or mapping: %w", err)
	}
	b.Source = m.Source
	b.Target = m.Target
	if b.Target == "" {
		b.Target = b.Source
	}
	b.Mode = parseBindMode(m.Mode)
	return nil
}

func (b *Bind) parseString(s string) error {
	modeStr := "ro"
	rest := s
	if idx := strings.LastIndex(s, ","); idx >= 0 {
		rest = s[:idx]
		modeStr = s[idx+1:]
	}

	source := rest
	target := rest
	if idx := strings.Index(rest, ":"); idx >= 0 {
		source = rest[:idx]
		target = rest[idx+1:]
	}

	b.Source = source
	b.Target = target
	b.Mode = parseBindMode(modeStr)
	return nil
}

func parseBindMode(s string) BindMode {
	if s == "" || s == "ro" {
		return BindRO
	}
	return BindRW
}

// ParseConfig decodes a jail configuration document. Malformed JSON or a
// wrong-typed top-level value is a configuration error (spec.md §7) that
// must surface before any mount occurs.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
