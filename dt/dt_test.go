package dt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rocketbitz/fabricproto-go/transport"
	"github.com/rocketbitz/fabricproto-go/transport/loopback"
)

func newDomains(t *testing.T, n int) (*loopback.Fabric, []transport.MemoryDomain) {
	t.Helper()
	mds := make([]loopback.MDConfig, n)
	f, err := loopback.New(loopback.Config{
		Resources:     []loopback.ResourceConfig{{}},
		MemoryDomains: mds,
	})
	if err != nil {
		t.Fatalf("loopback.New: %v", err)
	}
	return f, f.MemoryDomains()
}

func TestNextIOVWalksContig(t *testing.T) {
	buf := make([]byte, 100)
	it, sg := InitContig(buf, transport.MemoryHost)
	if sg != 1 || it.Length != 100 {
		t.Fatalf("unexpected init sg=%d length=%d", sg, it.Length)
	}
	var total uint64
	for !it.Finished() {
		next, iov := it.NextIOV(-1, 30)
		if iov.Length() > 30 {
			t.Fatalf("fragment larger than max: %d", iov.Length())
		}
		total += iov.Length()
		it.Offset = next
	}
	if total != 100 {
		t.Fatalf("expected 100 bytes, got %d", total)
	}
}

func TestNextIOVWithoutCommitIsIdempotent(t *testing.T) {
	it, _ := InitContig(make([]byte, 10), transport.MemoryHost)
	n1, _ := it.NextIOV(-1, 4)
	n2, _ := it.NextIOV(-1, 4)
	if n1 != n2 || it.Offset != 0 {
		t.Fatalf("NextIOV must not advance: %d %d offset=%d", n1, n2, it.Offset)
	}
}

func TestIOVPackUnpack(t *testing.T) {
	it, sg := InitIOV([][]byte{[]byte("abc"), []byte("defg")}, transport.MemoryHost)
	if sg != 2 || it.Length != 7 {
		t.Fatalf("unexpected init sg=%d length=%d", sg, it.Length)
	}
	out := make([]byte, 7)
	if n := it.Pack(out); n != 7 || string(out) != "abcdefg" {
		t.Fatalf("Pack got %d %q", n, out)
	}

	dst := [][]byte{make([]byte, 2), make([]byte, 5)}
	rit, _ := InitIOV(dst, transport.MemoryHost)
	if _, err := rit.Unpack(1, []byte("XYZ")); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !bytes.Equal(dst[0], []byte{0, 'X'}) || !bytes.Equal(dst[1][:2], []byte("YZ")) {
		t.Fatalf("unexpected unpack result %q %q", dst[0], dst[1])
	}
	if _, err := rit.Unpack(6, []byte("ab")); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestMemRegAdjustsDomainSet(t *testing.T) {
	f, mds := newDomains(t, 3)
	it, _ := InitContig(make([]byte, 64), transport.MemoryHost)

	if err := it.MemReg(mds, 0b011); err != nil {
		t.Fatalf("MemReg: %v", err)
	}
	if len(it.Reg.Memh) != 2 || it.Reg.MemhIndex(1) != 1 {
		t.Fatalf("unexpected registration %+v", it.Reg)
	}
	kept := it.Reg.Memh[1]

	if err := it.MemReg(mds, 0b110); err != nil {
		t.Fatalf("MemReg: %v", err)
	}
	if it.Reg.Memh[0] != kept {
		t.Fatalf("registration on md 1 was not reused")
	}
	if f.Domain(0).Registrations() != 0 || f.Domain(2).Registrations() != 1 {
		t.Fatalf("md 0 should be released and md 2 registered")
	}

	if err := it.MemDereg(mds); err != nil {
		t.Fatalf("MemDereg: %v", err)
	}
	if err := it.MemDereg(mds); err != nil {
		t.Fatalf("second MemDereg: %v", err)
	}
	for i := 0; i < 3; i++ {
		if n := f.Domain(i).Registrations(); n != 0 {
			t.Fatalf("md %d leaked %d registrations", i, n)
		}
	}
}

func TestMemRegFailureReleasesEverything(t *testing.T) {
	f, mds := newDomains(t, 3)
	boom := errors.New("no pinned pages")
	f.OverrideRegister(func(next loopback.RegisterFunc) loopback.RegisterFunc {
		return func(d *loopback.Domain, buf []byte, mem transport.MemoryType) (transport.MemHandle, error) {
			if d == f.Domain(2) {
				return nil, boom
			}
			return next(d, buf, mem)
		}
	})
	it, _ := InitContig(make([]byte, 64), transport.MemoryHost)
	if err := it.MemReg(mds, 0b111); !errors.Is(err, boom) {
		t.Fatalf("expected registration failure, got %v", err)
	}
	if it.Reg.MDMap != 0 || len(it.Reg.Memh) != 0 {
		t.Fatalf("registration state not reset: %+v", it.Reg)
	}
	for i := 0; i < 3; i++ {
		if n := f.Domain(i).Registrations(); n != 0 {
			t.Fatalf("md %d leaked %d registrations", i, n)
		}
	}
}

func TestMemRegIOVUnsupported(t *testing.T) {
	_, mds := newDomains(t, 1)
	it, _ := InitIOV([][]byte{make([]byte, 4)}, transport.MemoryHost)
	if err := it.MemReg(mds, 1); !errors.Is(err, ErrUnsupportedClass) {
		t.Fatalf("expected ErrUnsupportedClass, got %v", err)
	}
}
