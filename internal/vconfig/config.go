// Package vconfig loads a pipeline's configuration from a YAML document:
// cache sizing, the cacheable page-type mask, validator choice, and the
// architecture constants an MMU definition needs.
package vconfig

import (
	"fmt"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/cc/internal/addr"
	"github.com/tinyrange/cc/internal/mmuspec"
	"github.com/tinyrange/cc/internal/pagecache"
	"github.com/tinyrange/cc/internal/vmierr"
)

// CoreVersion is this module's own version, checked against a document's
// MinCoreVersion field.
const CoreVersion = "v0.1.0"

const defaultCacheSize = 2 << 20 // 2 MiB

// ValidatorConfig picks and parameterizes a pagecache.Validator.
type ValidatorConfig struct {
	Kind string `yaml:"kind"` // "timed" or "count"
	TTL  string `yaml:"ttl"`  // e.g. "500ms", only meaningful for "timed"
}

// Config is the recognized document shape. Fields left at their zero value
// take the defaults noted per-field below, except PageSize, which has no
// default: a cache cannot be built without one.
type Config struct {
	// PageSize is required for the cache; BuildCache returns
	// vmierr.ErrUninitialized if it is zero.
	PageSize uint64 `yaml:"page_size"`

	// CacheSize is the total arena size in bytes; defaults to 2 MiB.
	CacheSize uint64 `yaml:"cache_size"`

	// PageTypeMask names which page types are cacheable; defaults to
	// {PAGE_TABLE, READ_ONLY}.
	PageTypeMask []string `yaml:"page_type_mask"`

	Validator ValidatorConfig `yaml:"validator"`

	// AddressSpaceBits, Endianness, AddrSize, and PteSize describe the
	// target architecture's MMU. All but AddrSize have a counterpart field
	// in mmuspec.Def; AddrSize is only returned by BuildMMUDef.
	AddressSpaceBits uint8  `yaml:"address_space_bits"`
	Endianness       string `yaml:"endianness"` // "little" or "big"
	AddrSize         uint8  `yaml:"addr_size"`
	PteSize          uint8  `yaml:"pte_size"`

	// MinCoreVersion, if set, must be satisfied by CoreVersion.
	MinCoreVersion string `yaml:"min_core_version"`
}

// Load parses a YAML configuration document and checks its
// MinCoreVersion, if any, against CoreVersion.
func Load(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("vconfig: parse: %w", err)
	}
	if c.MinCoreVersion != "" {
		want := c.MinCoreVersion
		if want[0] != 'v' {
			want = "v" + want
		}
		if !semver.IsValid(want) {
			return nil, fmt.Errorf("vconfig: invalid min_core_version %q", c.MinCoreVersion)
		}
		if semver.Compare(CoreVersion, want) < 0 {
			return nil, fmt.Errorf("vconfig: requires core >= %s, have %s", want, CoreVersion)
		}
	}
	return &c, nil
}

func parsePageTypeMask(names []string) (addr.PageType, error) {
	if len(names) == 0 {
		return addr.PagePageTable | addr.PageReadOnly, nil
	}
	var mask addr.PageType
	for _, n := range names {
		switch n {
		case "PAGE_TABLE":
			mask |= addr.PagePageTable
		case "READ_ONLY":
			mask |= addr.PageReadOnly
		case "WRITEABLE":
			mask |= addr.PageWriteable
		case "NOEXEC":
			mask |= addr.PageNoExec
		default:
			return 0, fmt.Errorf("vconfig: unknown page_type_mask entry %q", n)
		}
	}
	return mask, nil
}

// BuildCache constructs a pagecache.Cache from the configuration.
func (c *Config) BuildCache() (*pagecache.Cache, error) {
	if c.PageSize == 0 {
		return nil, vmierr.ErrUninitialized
	}
	cacheSize := c.CacheSize
	if cacheSize == 0 {
		cacheSize = defaultCacheSize
	}
	entries := int(cacheSize / c.PageSize)
	if entries <= 0 {
		entries = 1
	}
	mask, err := parsePageTypeMask(c.PageTypeMask)
	if err != nil {
		return nil, err
	}
	validator, err := c.buildValidator()
	if err != nil {
		return nil, err
	}
	return pagecache.New(c.PageSize, entries, mask, validator), nil
}

func (c *Config) buildValidator() (pagecache.Validator, error) {
	switch c.Validator.Kind {
	case "", "count":
		return pagecache.NewCountValidator(), nil
	case "timed":
		ttl := 500 * time.Millisecond
		if c.Validator.TTL != "" {
			d, err := time.ParseDuration(c.Validator.TTL)
			if err != nil {
				return nil, fmt.Errorf("vconfig: validator.ttl: %w", err)
			}
			ttl = d
		}
		return pagecache.NewTimedValidator(int64(ttl)), nil
	default:
		return nil, fmt.Errorf("vconfig: unknown validator kind %q", c.Validator.Kind)
	}
}

// BuildMMUDef assembles the architecture-constant portion of an
// mmuspec.Def from the configuration; the caller still supplies the
// per-architecture splits and bit-test closures, since those aren't
// representable as data.
func (c *Config) BuildMMUDef() (endian mmuspec.Endianness, addressSpaceBits, addrSize, pteSize uint8, err error) {
	switch c.Endianness {
	case "", "little":
		endian = mmuspec.LittleEndian
	case "big":
		endian = mmuspec.BigEndian
	default:
		err = fmt.Errorf("vconfig: unknown endianness %q", c.Endianness)
		return
	}
	return endian, c.AddressSpaceBits, c.AddrSize, c.PteSize, nil
}
