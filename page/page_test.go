package page

import (
	"testing"

	"github.com/rdmacache/bcache/serializer"
)

func TestPage_SetLoadedEnforcesBlockSize(t *testing.T) {
	p := New(1, 8, OriginDiskBacked)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on size mismatch")
		}
	}()
	p.SetLoaded(make([]byte, 4))
}

func TestPage_EvictSelfRequiresToken(t *testing.T) {
	p := New(1, 8, OriginDiskBacked)
	p.SetLoaded(make([]byte, 8))
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic evicting a page without a token")
		}
	}()
	p.EvictSelf()
}

func TestPage_EvictSelfDropsBufferKeepsToken(t *testing.T) {
	p := New(1, 8, OriginDiskBacked)
	p.SetLoaded(make([]byte, 8))
	tok := serializer.NewBlockToken("x")
	p.SetToken(tok)
	p.EvictSelf()

	if p.State() != Evicted {
		t.Fatalf("want Evicted, got %v", p.State())
	}
	if p.Buffer() != nil {
		t.Fatal("evicted page must have no buffer")
	}
	if p.Token() != tok {
		t.Fatal("evicted page must retain its token")
	}
}

func TestPage_SetTokenGraduatesUnbacked(t *testing.T) {
	p := New(1, 8, OriginUnbacked)
	p.SetToken(serializer.NewBlockToken("x"))
	if !p.IsDiskBacked() {
		t.Fatal("installing a token must graduate an unbacked page to disk-backed")
	}
}

func TestPage_HypotheticalMemoryUsage(t *testing.T) {
	p := New(1, 16, OriginDiskBacked)
	if p.HypotheticalMemoryUsage() != 0 {
		t.Fatal("not-loaded page must cost 0")
	}
	p.SetLoaded(make([]byte, 16))
	if p.HypotheticalMemoryUsage() != 16 {
		t.Fatal("loaded page must cost BlockSize")
	}
}

func TestPage_RefCounting(t *testing.T) {
	p := New(1, 16, OriginDiskBacked)
	p.AddRef()
	p.AddRef()
	if p.RefCount() != 2 {
		t.Fatalf("want refcount 2, got %d", p.RefCount())
	}
	p.Release()
	if p.RefCount() != 1 {
		t.Fatalf("want refcount 1, got %d", p.RefCount())
	}
}
