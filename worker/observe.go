package worker

import (
	"github.com/rocketbitz/fabricproto-go/proto"
)

func (w *Worker) newMeta(kind opKind, fields ...logField) *requestMeta {
	meta := &requestMeta{kind: kind}
	if w.tracer != nil {
		attrs := append([]TraceAttribute{
			{Key: "component", Value: "fabricproto-worker"},
			{Key: labelWorker, Value: w.name},
		}, attributesFromFields(fields...)...)
		meta.span = w.tracer.StartSpan("fabricproto-"+kind.String(), attrs...)
	}
	return meta
}

// metaOf returns the user request metadata req works for. Internal requests
// of a rendezvous receive report to the receive they serve.
func metaOf(req *proto.Request) *requestMeta {
	if req == nil {
		return nil
	}
	if meta, ok := req.Meta.(*requestMeta); ok {
		return meta
	}
	if recv := req.RemoteOp.RecvReq; recv != nil {
		if meta, ok := recv.Meta.(*requestMeta); ok {
			return meta
		}
	}
	return nil
}

func operationName(req *proto.Request, meta *requestMeta) string {
	if meta != nil && req.Meta == meta {
		return meta.kind.String()
	}
	if req.Config != nil {
		return req.Config.Param.OpID.String()
	}
	return "internal"
}

func protocolName(req *proto.Request) string {
	if req.Config == nil || req.Config.Proto == nil {
		return "none"
	}
	return req.Config.Proto.Name
}

func (w *Worker) finishSpan(req *proto.Request, err error) {
	meta, ok := req.Meta.(*requestMeta)
	if !ok || meta.span == nil {
		return
	}
	meta.span.End(err)
	meta.span = nil
}

// Observe implements proto.Worker. It turns protocol events into log
// entries, metric updates and span events.
func (w *Worker) Observe(ev proto.Event) {
	req := ev.Req
	meta := metaOf(req)
	var span Span
	if meta != nil {
		span = meta.span
	}
	op := operationName(req, meta)

	switch ev.Kind {
	case proto.EventProtocolSelected:
		fields := []logField{
			logKV(labelOperation, op),
			logKV(labelProtocol, protocolName(req)),
			logKV("config", req.Config.String()),
			logKV("length", ev.Size),
		}
		w.logEvent("protocol_selected", fields...)
		spanAddEvent(span, "protocol-selected", fields...)
		if w.metrics != nil {
			w.metrics.ProtocolSelected(w.metricAttrs(logKV(labelOperation, op), logKV(labelProtocol, protocolName(req))))
		}

	case proto.EventLaneOpPosted:
		w.stats.laneOps.Add(1)
		if w.metrics != nil {
			w.metrics.LaneOpPosted(w.metricAttrs(logKV(labelProtocol, protocolName(req)), logKV(labelLane, ev.Lane)))
		}

	case proto.EventWouldBlock:
		w.stats.wouldBlock.Add(1)
		fields := []logField{logKV(labelOperation, op), logKV("request", req.ID), logKV(labelProtocol, protocolName(req))}
		w.logEvent("would_block", fields...)
		if w.metrics != nil {
			w.metrics.WouldBlock(w.metricAttrs(fields[0]))
		}

	case proto.EventMessage:
		fields := []logField{logKV(labelOperation, op), logKV("request", req.ID)}
		w.logEvent(ev.Name, fields...)
		spanAddEvent(span, ev.Name, fields...)

	case proto.EventCompleted:
		w.observeCompleted(req, meta, op, ev.Err)
	}
}

func (w *Worker) observeCompleted(req *proto.Request, meta *requestMeta, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	fields := []logField{
		logKV(labelOperation, op),
		logKV(labelStatus, status),
		logKV("length", req.Iter.Length),
	}
	if req.Flags&proto.FlagReceive != 0 {
		fields = append(fields, logKV("received", req.RecvLength), logKV("tag", req.Tag))
	}
	if req.Config != nil {
		fields = append(fields, logKV(labelProtocol, protocolName(req)))
	}
	if err != nil {
		fields = append(fields, logKV("error", err))
	}
	event := "completion"
	if err != nil {
		event = "completion_error"
	}
	w.logEvent(event, fields...)

	if meta != nil && req.Meta == meta {
		switch meta.kind {
		case opSend:
			if err != nil {
				w.stats.sendErrored.Add(1)
			} else {
				w.stats.sendCompleted.Add(1)
			}
		case opReceive:
			if err != nil {
				w.stats.recvErrored.Add(1)
			}
		}
		spanAddEvent(meta.span, event, fields...)
		spanRecordError(meta.span, err)
		w.finishSpan(req, err)
	}

	if w.metrics == nil {
		return
	}
	attrs := w.metricAttrs(logKV(labelOperation, op), logKV(labelStatus, status))
	if err != nil {
		w.metrics.RequestFailed(err, attrs)
		return
	}
	w.metrics.RequestCompleted(attrs)
}
