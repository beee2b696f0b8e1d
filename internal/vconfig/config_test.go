package vconfig

import (
	"strings"
	"testing"

	"github.com/tinyrange/cc/internal/mmuspec"
	"github.com/tinyrange/cc/internal/vmierr"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load([]byte(`page_size: 4096`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cache, err := c.BuildCache()
	if err != nil {
		t.Fatalf("BuildCache: %v", err)
	}
	if cache == nil {
		t.Fatalf("expected a cache")
	}
}

func TestBuildCacheMissingPageSize(t *testing.T) {
	c, err := Load([]byte(`cache_size: 1024`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err = c.BuildCache()
	if err != vmierr.ErrUninitialized {
		t.Fatalf("expected ErrUninitialized, got %v", err)
	}
}

func TestLoadPageTypeMaskAndValidator(t *testing.T) {
	doc := `
page_size: 4096
page_type_mask: ["PAGE_TABLE", "WRITEABLE"]
validator:
  kind: timed
  ttl: 10ms
`
	c, err := Load([]byte(doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := c.BuildCache(); err != nil {
		t.Fatalf("BuildCache: %v", err)
	}
}

func TestLoadUnknownPageType(t *testing.T) {
	c, err := Load([]byte("page_size: 4096\npage_type_mask: [\"BOGUS\"]\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := c.BuildCache(); err == nil {
		t.Fatalf("expected an error for an unknown page_type_mask entry")
	}
}

func TestLoadMinCoreVersionSatisfied(t *testing.T) {
	_, err := Load([]byte("page_size: 4096\nmin_core_version: 0.1.0\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoadMinCoreVersionTooNew(t *testing.T) {
	_, err := Load([]byte("page_size: 4096\nmin_core_version: v9.0.0\n"))
	if err == nil || !strings.Contains(err.Error(), "requires core") {
		t.Fatalf("expected a version gate error, got %v", err)
	}
}

func TestBuildMMUDefEndianness(t *testing.T) {
	c, err := Load([]byte("page_size: 4096\nendianness: big\naddr_size: 8\npte_size: 8\naddress_space_bits: 48\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	endian, bits, addrSize, pteSize, err := c.BuildMMUDef()
	if err != nil {
		t.Fatalf("BuildMMUDef: %v", err)
	}
	if endian != mmuspec.BigEndian || bits != 48 || addrSize != 8 || pteSize != 8 {
		t.Fatalf("unexpected MMU def: %v %v %v %v", endian, bits, addrSize, pteSize)
	}
}
