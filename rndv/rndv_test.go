package rndv_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rocketbitz/fabricproto-go/proto"
	"github.com/rocketbitz/fabricproto-go/rndv"
	"github.com/rocketbitz/fabricproto-go/transport"
	"github.com/rocketbitz/fabricproto-go/transport/loopback"
	"github.com/rocketbitz/fabricproto-go/worker"
)

type harness struct {
	fabric   *loopback.Fabric
	sender   *worker.Worker
	receiver *worker.Worker
	ep       *proto.Endpoint
}

func newHarness(t *testing.T, lcfg loopback.Config, settings proto.Settings) *harness {
	t.Helper()
	f, err := loopback.New(lcfg)
	if err != nil {
		t.Fatalf("loopback.New: %v", err)
	}
	s, err := worker.New(worker.Config{Name: "sender", Settings: &settings}, f)
	if err != nil {
		t.Fatalf("worker.New sender: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	r, err := worker.New(worker.Config{Name: "receiver", Settings: &settings}, f)
	if err != nil {
		t.Fatalf("worker.New receiver: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	ep, _, err := worker.Connect(s, r)
	if err != nil {
		t.Fatalf("worker.Connect: %v", err)
	}
	return &harness{fabric: f, sender: s, receiver: r, ep: ep}
}

func oneResource() loopback.Config {
	return loopback.Config{Resources: []loopback.ResourceConfig{{Name: "lo0"}}}
}

func withMode(mode proto.RndvMode) proto.Settings {
	s := proto.DefaultSettings()
	s.RndvMode = mode
	return s
}

func (h *harness) wait(t *testing.T, req *proto.Request) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := worker.Wait(ctx, req, h.sender, h.receiver)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("request %d did not complete", req.ID)
	}
	return err
}

// transfer posts the receive first, sends payload and waits for both sides.
func (h *harness) transfer(t *testing.T, payload, buf []byte) (send, recv *proto.Request) {
	t.Helper()
	recv, err := h.receiver.TagRecv(buf, 0x42, ^uint64(0), nil)
	if err != nil {
		t.Fatalf("TagRecv: %v", err)
	}
	send, err = h.sender.TagSend(h.ep, payload, 0x42, nil)
	if err != nil {
		t.Fatalf("TagSend: %v", err)
	}
	_ = h.wait(t, send)
	_ = h.wait(t, recv)
	return send, recv
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	if n := h.fabric.Regions(); n != 0 {
		t.Fatalf("%d regions still mapped", n)
	}
	if n := h.fabric.Domain(0).OutstandingRkeys(); n != 0 {
		t.Fatalf("%d remote keys still unpacked", n)
	}
	if n := h.fabric.Domain(0).Registrations(); n != 0 {
		t.Fatalf("%d registrations still live", n)
	}
	if n := h.sender.Outstanding() + h.receiver.Outstanding(); n != 0 {
		t.Fatalf("%d requests still tracked", n)
	}
}

func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i*13 + 5)
	}
	return buf
}

func TestRendezvousGetZcopy(t *testing.T) {
	h := newHarness(t, oneResource(), withMode(proto.RndvModeGet))
	payload := pattern(300 << 10)
	buf := make([]byte, len(payload))

	send, recv := h.transfer(t, payload, buf)
	if err := send.Err(); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := recv.Err(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if send.Config.Proto.Name != rndv.NameRTS {
		t.Fatalf("send finished on %q", send.Config.Proto.Name)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatal("payload mismatch")
	}
	ifaces := h.fabric.Ifaces()
	ss, rs := ifaces[0].Stats(), ifaces[1].Stats()
	if ss.Gets != 0 || ss.Puts != 0 || rs.Puts != 0 {
		t.Fatalf("unexpected data movement: sender %+v receiver %+v", ss, rs)
	}
	// 300K over 64K fragments.
	if rs.Gets != 5 || rs.BytesGot != uint64(len(payload)) {
		t.Fatalf("unexpected receiver gets %+v", rs)
	}
	if ss.HandlerErrors != 0 || rs.HandlerErrors != 0 {
		t.Fatalf("handler errors: sender %d receiver %d", ss.HandlerErrors, rs.HandlerErrors)
	}
	h.assertReleased(t)
}

func TestRendezvousPutZcopy(t *testing.T) {
	h := newHarness(t, oneResource(), withMode(proto.RndvModePut))
	payload := pattern(200 << 10)
	buf := make([]byte, len(payload))

	send, recv := h.transfer(t, payload, buf)
	if err := send.Err(); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := recv.Err(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if send.Config.Proto.Name != rndv.NamePutZcopy {
		t.Fatalf("send finished on %q", send.Config.Proto.Name)
	}
	if recv.RecvLength != uint64(len(payload)) || !bytes.Equal(buf, payload) {
		t.Fatalf("payload mismatch, received %d bytes", recv.RecvLength)
	}
	ifaces := h.fabric.Ifaces()
	ss, rs := ifaces[0].Stats(), ifaces[1].Stats()
	if ss.Gets != 0 || rs.Gets != 0 || rs.Puts != 0 {
		t.Fatalf("unexpected data movement: sender %+v receiver %+v", ss, rs)
	}
	if ss.Puts != 4 || ss.BytesPut != uint64(len(payload)) {
		t.Fatalf("unexpected sender puts %+v", ss)
	}
	h.assertReleased(t)
}

func TestRendezvousForcedThreshold(t *testing.T) {
	settings := proto.DefaultSettings()
	settings.RndvThresh = 1024
	h := newHarness(t, oneResource(), settings)

	big, err := h.sender.TagSend(h.ep, pattern(2048), 1, nil)
	if err != nil {
		t.Fatalf("TagSend: %v", err)
	}
	if big.Config.Proto.Name != rndv.NameRTS {
		t.Fatalf("2K send selected %q", big.Config.Proto.Name)
	}
	small, err := h.sender.TagSend(h.ep, pattern(512), 2, nil)
	if err != nil {
		t.Fatalf("TagSend: %v", err)
	}
	if small.Config.Proto.Name == rndv.NameRTS {
		t.Fatal("512 byte send should stay below the threshold")
	}

	for _, tag := range []uint64{1, 2} {
		buf := make([]byte, 4096)
		recv, err := h.receiver.TagRecv(buf, tag, ^uint64(0), nil)
		if err != nil {
			t.Fatalf("TagRecv: %v", err)
		}
		if err := h.wait(t, recv); err != nil {
			t.Fatalf("receive tag %d: %v", tag, err)
		}
	}
	if err := h.wait(t, big); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestRendezvousUnexpectedRequestToSend(t *testing.T) {
	h := newHarness(t, oneResource(), withMode(proto.RndvModeGet))
	payload := pattern(128 << 10)

	send, err := h.sender.TagSend(h.ep, payload, 0x99, nil)
	if err != nil {
		t.Fatalf("TagSend: %v", err)
	}
	for i := 0; i < 4; i++ {
		h.sender.Progress()
		h.receiver.Progress()
	}
	if send.Done() {
		t.Fatal("send completed before a receive was posted")
	}
	if h.receiver.Stats().Unexpected != 1 {
		t.Fatalf("unexpected stats %+v", h.receiver.Stats())
	}

	buf := make([]byte, len(payload))
	recv, err := h.receiver.TagRecv(buf, 0x99, ^uint64(0), nil)
	if err != nil {
		t.Fatalf("TagRecv: %v", err)
	}
	if err := h.wait(t, recv); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := h.wait(t, send); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatal("payload mismatch")
	}
	h.assertReleased(t)
}

func TestRendezvousTruncation(t *testing.T) {
	h := newHarness(t, oneResource(), proto.DefaultSettings())
	payload := pattern(200 << 10)
	buf := make([]byte, 100<<10)

	send, recv := h.transfer(t, payload, buf)
	if !errors.Is(recv.Err(), proto.ErrTruncated) {
		t.Fatalf("receive error %v, want truncation", recv.Err())
	}
	if recv.RecvLength != 0 {
		t.Fatalf("truncated receive reports %d bytes", recv.RecvLength)
	}
	if !errors.Is(send.Err(), proto.ErrTruncated) {
		t.Fatalf("send error %v, want truncation", send.Err())
	}
	for _, iface := range h.fabric.Ifaces() {
		if st := iface.Stats(); st.Puts != 0 || st.Gets != 0 {
			t.Fatalf("data moved for a truncated receive: %+v", st)
		}
	}
	h.assertReleased(t)
}

func TestRendezvousZeroLength(t *testing.T) {
	for _, mode := range []proto.RndvMode{proto.RndvModeGet, proto.RndvModePut} {
		t.Run(mode.String(), func(t *testing.T) {
			settings := withMode(mode)
			settings.RndvThresh = 0
			h := newHarness(t, oneResource(), settings)

			called := false
			recv, err := h.receiver.TagRecv(make([]byte, 16), 3, ^uint64(0), func(*proto.Request) { called = true })
			if err != nil {
				t.Fatalf("TagRecv: %v", err)
			}
			send, err := h.sender.TagSend(h.ep, nil, 3, nil)
			if err != nil {
				t.Fatalf("TagSend: %v", err)
			}
			if send.Done() || send.Config.Proto.Name != rndv.NameRTS {
				t.Fatalf("zero-length send should start a rendezvous, got %q", send.Config.Proto.Name)
			}
			if err := h.wait(t, send); err != nil {
				t.Fatalf("send: %v", err)
			}
			if err := h.wait(t, recv); err != nil {
				t.Fatalf("receive: %v", err)
			}
			if !called || recv.RecvLength != 0 {
				t.Fatalf("receive callback %v, length %d", called, recv.RecvLength)
			}
			for _, iface := range h.fabric.Ifaces() {
				if st := iface.Stats(); st.Puts != 0 || st.Gets != 0 {
					t.Fatalf("zero-length rendezvous posted data operations: %+v", st)
				}
			}
			h.assertReleased(t)
		})
	}
}

func TestRendezvousRegistrationFailure(t *testing.T) {
	h := newHarness(t, oneResource(), withMode(proto.RndvModeGet))
	errInjected := errors.New("injected registration failure")
	calls := 0
	// The sender's RTS registration is the first, the receiver's get the second.
	h.fabric.OverrideRegister(func(next loopback.RegisterFunc) loopback.RegisterFunc {
		return func(d *loopback.Domain, buf []byte, mem transport.MemoryType) (transport.MemHandle, error) {
			calls++
			if calls == 2 {
				return nil, errInjected
			}
			return next(d, buf, mem)
		}
	})

	payload := pattern(128 << 10)
	send, recv := h.transfer(t, payload, make([]byte, len(payload)))
	if !errors.Is(recv.Err(), proto.ErrRegistration) || !errors.Is(recv.Err(), errInjected) {
		t.Fatalf("receive error %v", recv.Err())
	}
	if !errors.Is(send.Err(), proto.ErrRegistration) {
		t.Fatalf("send error %v, want the registration status", send.Err())
	}
	if st := h.fabric.Ifaces()[1].Stats(); st.Gets != 0 {
		t.Fatalf("gets posted after a failed registration: %+v", st)
	}
	h.assertReleased(t)
}

func TestRendezvousCreditsBoundOutstandingGets(t *testing.T) {
	lcfg := loopback.Config{Resources: []loopback.ResourceConfig{{Name: "lo0", Credits: 1}}}
	h := newHarness(t, lcfg, withMode(proto.RndvModeGet))
	payload := pattern(256 << 10)
	buf := make([]byte, len(payload))

	send, recv := h.transfer(t, payload, buf)
	if err := recv.Err(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := send.Err(); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatal("payload mismatch")
	}
	rs := h.fabric.Ifaces()[1].Stats()
	if rs.WouldBlock == 0 {
		t.Fatal("expected the single credit to push back")
	}
	if rs.Gets != 4 {
		t.Fatalf("unexpected gets %+v", rs)
	}
	if h.receiver.Stats().WouldBlock == 0 {
		t.Fatalf("worker did not count the would-block: %+v", h.receiver.Stats())
	}
	h.assertReleased(t)
}
