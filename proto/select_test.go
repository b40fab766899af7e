package proto

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rocketbitz/fabricproto-go/linear"
	"github.com/rocketbitz/fabricproto-go/transport"
)

func buildElem(t *testing.T, protos ...*Protocol) (*fakeWorker, *SelectElem) {
	t.Helper()
	w := newFakeWorker(1, fakeLane{attr: zcopyAttr(10e9, 64<<10)})
	w.protos = protos
	elem, err := BuildSelectElem(w, 0, -1, hostParam(OpTagSend))
	if err != nil {
		t.Fatalf("BuildSelectElem: %v", err)
	}
	return w, elem
}

func thresholdsOf(elem *SelectElem) string {
	var parts []string
	for _, th := range elem.Thresholds {
		parts = append(parts, fmt.Sprintf("%s<=%d", th.Config.Proto.Name, th.MaxLength))
	}
	return strings.Join(parts, " ")
}

func TestSelectCostCrossover(t *testing.T) {
	_, elem := buildElem(t,
		stubProto("a", autoCaps(flat(1, 2)), nil),
		stubProto("b", autoCaps(flat(5, 1)), nil),
	)
	want := fmt.Sprintf("a<=4 b<=%d", MaxLength)
	if got := thresholdsOf(elem); got != want {
		t.Fatalf("thresholds %q, want %q", got, want)
	}
	for length, name := range map[uint64]string{0: "a", 4: "a", 5: "b", 1 << 30: "b"} {
		if got := elem.Find(length).Proto.Name; got != name {
			t.Fatalf("length %d selected %s, want %s", length, got, name)
		}
	}
	if len(elem.PerfRanges) != 2 || elem.PerfRanges[0].Perf != linear.Make(1, 2) {
		t.Fatalf("unexpected perf ranges %+v", elem.PerfRanges)
	}
}

func TestSelectTieGoesToEarlierProtocol(t *testing.T) {
	// Both cost 9 at length 4; b is registered first and takes it.
	_, elem := buildElem(t,
		stubProto("b", autoCaps(flat(5, 1)), nil),
		stubProto("a", autoCaps(flat(1, 2)), nil),
	)
	want := fmt.Sprintf("a<=3 b<=%d", MaxLength)
	if got := thresholdsOf(elem); got != want {
		t.Fatalf("thresholds %q, want %q", got, want)
	}

	_, same := buildElem(t,
		stubProto("first", autoCaps(flat(1, 1)), nil),
		stubProto("second", autoCaps(flat(1, 1)), nil),
	)
	if len(same.Thresholds) != 1 || same.Thresholds[0].Config.Proto.Name != "first" {
		t.Fatalf("identical costs must select the earlier protocol: %s", thresholdsOf(same))
	}
}

func TestSelectForcedThreshold(t *testing.T) {
	forced := func(name string, prio int) *Protocol {
		return stubProto(name, Caps{CfgThresh: 1000, CfgPriority: prio, Ranges: []PerfRange{flat(100, 1)}}, nil)
	}
	_, elem := buildElem(t,
		stubProto("cheap", autoCaps(flat(1, 0.5)), nil),
		forced("low", 1),
		forced("high", 10),
	)
	want := fmt.Sprintf("cheap<=999 high<=%d", MaxLength)
	if got := thresholdsOf(elem); got != want {
		t.Fatalf("thresholds %q, want %q", got, want)
	}
}

func TestSelectHonorsRangesAndMinLength(t *testing.T) {
	eager := autoCaps(
		PerfRange{MaxLength: 1000, Perf: linear.Make(1, 1)},
		PerfRange{MaxLength: MaxLength, Perf: linear.Infinite()},
	)
	bulk := autoCaps(flat(50, 0.5))
	bulk.MinLength = 200
	_, elem := buildElem(t, stubProto("eager", eager, nil), stubProto("bulk", bulk, nil))

	want := fmt.Sprintf("eager<=199 bulk<=%d", MaxLength)
	if got := thresholdsOf(elem); got != want {
		t.Fatalf("thresholds %q, want %q", got, want)
	}
	if len(elem.PerfRanges) != 2 || elem.PerfRanges[1].Perf != linear.Make(50, 0.5) {
		t.Fatalf("adjacent ranges with equal cost must merge: %+v", elem.PerfRanges)
	}
}

func TestSelectGapHasNoProtocol(t *testing.T) {
	short := autoCaps(
		PerfRange{MaxLength: 100, Perf: linear.Make(1, 1)},
		PerfRange{MaxLength: MaxLength, Perf: linear.Infinite()},
	)
	_, elem := buildElem(t, stubProto("short", short, nil))
	if elem.Find(100) == nil || elem.Find(101) != nil {
		t.Fatalf("unexpected coverage: %s", elem)
	}
	if !elem.PerfRanges[len(elem.PerfRanges)-1].Perf.IsInfinite() {
		t.Fatal("uncovered lengths must cost infinity")
	}
}

func TestSelectNoProtocol(t *testing.T) {
	w := newFakeWorker(1, fakeLane{attr: zcopyAttr(10e9, 64<<10)})
	w.protos = []*Protocol{
		{Name: "never", Init: func(*InitParams) (Priv, *Caps, error) { return nil, nil, ErrUnsupported }},
		stubProto("broken", Caps{Ranges: []PerfRange{{MaxLength: 10, Perf: linear.Make(1, 1)}}}, nil),
	}
	_, err := BuildSelectElem(w, 0, -1, hostParam(OpTagSend))
	if !errors.Is(err, ErrNoProtocol) {
		t.Fatalf("expected no protocol, got %v", err)
	}
	if len(w.logs) != 2 {
		t.Fatalf("expected both rejections logged, got %q", w.logs)
	}
}

func TestSelectionCachesElements(t *testing.T) {
	inits := 0
	w := newFakeWorker(1, fakeLane{attr: zcopyAttr(10e9, 64<<10)})
	w.protos = []*Protocol{stubProto("only", autoCaps(flat(1, 1)), &inits)}
	sel, err := NewSelection(4)
	if err != nil {
		t.Fatalf("NewSelection: %v", err)
	}
	param := hostParam(OpTagSend)
	first, err := sel.Lookup(w, 0, -1, param)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	second, err := sel.Lookup(w, 0, -1, param)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if first != second || inits != 1 || sel.Len() != 1 {
		t.Fatalf("expected one cached build, inits=%d len=%d", inits, sel.Len())
	}

	other := param
	other.MemType = transport.MemoryCUDA
	if _, err := sel.Lookup(w, 0, -1, other); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if inits != 2 || sel.Len() != 2 {
		t.Fatalf("distinct params must build separately, inits=%d", inits)
	}

	sel.Purge()
	if _, err := sel.Lookup(w, 0, -1, param); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if inits != 3 {
		t.Fatalf("purge must drop cached elements, inits=%d", inits)
	}

	if _, err := NewSelection(0); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected invalid size to fail, got %v", err)
	}
}

func TestSelectionRejectsRecursiveLookup(t *testing.T) {
	w := newFakeWorker(1, fakeLane{attr: zcopyAttr(10e9, 64<<10)})
	sel, err := NewSelection(4)
	if err != nil {
		t.Fatalf("NewSelection: %v", err)
	}
	var inner error
	w.protos = []*Protocol{{
		Name: "loop",
		Init: func(p *InitParams) (Priv, *Caps, error) {
			_, inner = sel.Lookup(p.Worker, p.EPCfgIndex, p.RkeyCfgIndex, p.Param)
			return nil, nil, fmt.Errorf("%w: %w", ErrUnsupported, inner)
		},
	}}
	if _, err := sel.Lookup(w, 0, -1, hostParam(OpTagSend)); !errors.Is(err, ErrNoProtocol) {
		t.Fatalf("expected no protocol, got %v", err)
	}
	if !errors.Is(inner, ErrRemoteLookup) {
		t.Fatalf("expected recursive lookup to fail, got %v", inner)
	}
	if sel.Len() != 0 {
		t.Fatal("failed builds must not be cached")
	}
}

func TestSelectElemString(t *testing.T) {
	_, elem := buildElem(t,
		stubProto("a", autoCaps(flat(1, 2)), nil),
		stubProto("b", autoCaps(flat(5, 1)), nil),
	)
	if got, want := elem.String(), "0..4: a\n5..inf: b\n"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestSelectInitParams(t *testing.T) {
	var seen []string
	w := newFakeWorker(1, fakeLane{attr: zcopyAttr(10e9, 64<<10)})
	_, rkeyCfg, err := w.RkeyConfig(RkeyConfigKey{MDMap: 1, MemType: transport.MemoryHost, SysDev: transport.SysDeviceUnknown})
	if err != nil {
		t.Fatalf("RkeyConfig: %v", err)
	}
	w.protos = []*Protocol{{
		Name: "probe",
		Init: func(p *InitParams) (Priv, *Caps, error) {
			seen = append(seen, p.ProtoName)
			if p.RkeyConfig == nil || *p.RkeyConfig != rkeyCfg.Key || p.RkeyCfgIndex != 0 {
				return nil, nil, fmt.Errorf("unexpected rkey config %+v", p.RkeyConfig)
			}
			c := autoCaps(flat(1, 1))
			return nil, &c, nil
		},
	}}
	if _, err := BuildSelectElem(w, 0, 0, hostParam(OpRndvRecv)); err != nil {
		t.Fatalf("BuildSelectElem: %v (logs %q)", err, w.logs)
	}
	if len(seen) != 1 || seen[0] != "probe" {
		t.Fatalf("unexpected init calls %v", seen)
	}
}
