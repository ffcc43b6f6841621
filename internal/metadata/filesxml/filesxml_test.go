package filesxml

import (
	"strings"
	"testing"
)

const sample = `<?xml version="1.0" encoding="utf-8"?>
<media_info><files fn="foo-1.0-1.x86_64">
/usr/bin/foo
/usr/lib64/libfoo.so
</files><files fn="bar-2.0-1.noarch">
/etc/bar.conf
</files></media_info>`

func TestParseAll(t *testing.T) {
	entries, err := ParseAll(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("ParseAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].NEVRA != "foo-1.0-1.x86_64" || len(entries[0].Files) != 2 {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].NEVRA != "bar-2.0-1.noarch" || entries[1].Files[0] != "/etc/bar.conf" {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

func TestParseSkipsMissingFn(t *testing.T) {
	blob := `<media_info><files>/no/fn/here</files><files fn="x-1-1.noarch">/a</files></media_info>`
	entries, err := ParseAll(strings.NewReader(blob))
	if err != nil {
		t.Fatalf("ParseAll: %v", err)
	}
	if len(entries) != 1 || entries[0].NEVRA != "x-1-1.noarch" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	entries, err := ParseAll(strings.NewReader(`<media_info></media_info>`))
	if err != nil {
		t.Fatalf("ParseAll: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d entries, want 0", len(entries))
	}
}

func TestExtractNEVRAs(t *testing.T) {
	nevras, err := ExtractNEVRAs(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("ExtractNEVRAs: %v", err)
	}
	if len(nevras) != 2 {
		t.Fatalf("got %d NEVRAs, want 2", len(nevras))
	}
	if _, ok := nevras["foo-1.0-1.x86_64"]; !ok {
		t.Fatalf("missing foo NEVRA: %v", nevras)
	}
	if _, ok := nevras["bar-2.0-1.noarch"]; !ok {
		t.Fatalf("missing bar NEVRA: %v", nevras)
	}
}
