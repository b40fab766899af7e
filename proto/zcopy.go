package proto

import (
	"fmt"

	"github.com/rocketbitz/fabricproto-go/rkey"
	"github.com/rocketbitz/fabricproto-go/transport"
)

// ZcopyInit arms the request completion with one reference and registers the
// buffer on mdMap. completion may be nil.
func ZcopyInit(req *Request, mdMap MDMap, completion func(req *Request)) error {
	if completion != nil {
		req.Comp.Init(1, func(*transport.Completion) { completion(req) })
	} else {
		req.Comp.Init(1, nil)
	}
	if err := req.Iter.MemReg(req.Worker.MemoryDomains(), uint64(mdMap)); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	return nil
}

// ZcopyCleanup releases the buffer registrations. It is idempotent.
func ZcopyCleanup(req *Request) {
	if err := req.Iter.MemDereg(req.Worker.MemoryDomains()); err != nil {
		req.Worker.Debugf("request %#x: release registrations: %v", req.ID, err)
	}
}

// ZcopyComplete releases the registrations and completes req.
func ZcopyComplete(req *Request, status error) {
	ZcopyCleanup(req)
	req.Complete(status)
}

// RequestZcopyCompletion completes req with the status its operations reported.
func RequestZcopyCompletion(req *Request) {
	ZcopyComplete(req, req.Comp.Status)
}

// UnpackRkey unpacks a peer key received on ep and resolves its remote-key
// configuration.
func UnpackRkey(ep *Endpoint, buf []byte) (*rkey.Key, error) {
	w := ep.Worker
	key, _, err := rkey.Unpack(w.MemoryDomains(), buf)
	if err != nil {
		return nil, err
	}
	idx, _, err := w.RkeyConfig(RkeyConfigKey{
		MDMap:      MDMap(key.MDMap),
		EPCfgIndex: ep.CfgIndex,
		MemType:    key.MemType,
		SysDev:     transport.SysDeviceUnknown,
	})
	if err != nil {
		DestroyRkey(w, key)
		return nil, err
	}
	key.CfgIndex = idx
	return key, nil
}

// DestroyRkey releases key, logging failures.
func DestroyRkey(w Worker, key *rkey.Key) {
	if err := rkey.Destroy(w.MemoryDomains(), key); err != nil {
		w.Debugf("destroy rkey: %v", err)
	}
}
