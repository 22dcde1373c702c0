// SPDX-License-Identifier: GPL-2.0-only

package export

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"

	"github.com/psdscsv/esp32-usb-over-ip/hostctl"
	"github.com/psdscsv/esp32-usb-over-ip/usbip"
)

// Transfer policy. Unchunked bulk lengths beyond MaxTransferSize are
// clamped on submission; the original request length still governs
// response truncation. Control, interrupt and isochronous lengths are
// not clamped.
const (
	MaxConcurrentBulk = 4
	ChunkThreshold    = 32 * 1024
	ChunkSize         = 32 * 1024
	MaxTransferSize   = 64 * 1024

	heapLowWater        = 10 * 1024
	memoryCheckInterval = 30 * time.Second

	setupPacketSize = 8
)

// transferContext tracks one accepted CMD_SUBMIT until its single
// response frame has been enqueued.
type transferContext struct {
	seqnum       uint32
	kind         hostctl.EndpointType
	in           bool
	requestedLen int
	submittedLen int
	countsBulk   bool
	// dropped is set when the memory watchdog abandons the context;
	// its completion is then swallowed without a response.
	dropped  atomic.Bool
	transfer *hostctl.Transfer
}

// dispatchSubmit routes one CMD_SUBMIT to the adapter. At most one
// response frame (RET_SUBMIT or, after an unlink, RET_UNLINK) is
// produced for it; none is produced when the memory watchdog drops the
// transfer or the session shuts down first.
func (s *Session) dispatchSubmit(hdr usbip.CmdHeader, body usbip.SubmitBody, out []byte, iso []usbip.IsoPacketDescriptor) {
	dev := s.attachedDevice()
	if dev == nil || s.deviceGone.Load() {
		s.respond(hdr.Seqnum, usbip.StatusESHUTDOWN, nil, nil)
		return
	}

	address := uint8(hdr.Endpoint & 0x0f)
	if hdr.Direction == usbip.DirIn {
		address |= 0x80
	}
	ep, ok := dev.endpoint(address)
	if !ok {
		_ = level.Warn(s.logger).Log("msg", "submit on unknown endpoint", "endpoint", address, "seqnum", hdr.Seqnum)
		s.respond(hdr.Seqnum, usbip.StatusEPIPE, nil, nil)
		return
	}
	s.metrics.SubmitsTotal.WithLabelValues(ep.Type.String()).Inc()

	switch ep.Type {
	case hostctl.EndpointControl:
		s.submitControl(dev, ep, hdr, body, out)
	case hostctl.EndpointBulk:
		s.submitBulk(dev, ep, hdr, body, out)
	case hostctl.EndpointInterrupt:
		s.submitInterrupt(dev, ep, hdr, body, out)
	case hostctl.EndpointIsochronous:
		s.submitIso(dev, ep, hdr, body, out, iso)
	}
}

func (s *Session) submitControl(dev *Device, ep hostctl.Endpoint, hdr usbip.CmdHeader, body usbip.SubmitBody, out []byte) {
	setup := usbip.ParseSetup(body.Setup)
	if handled, status := s.tweakSpecialRequest(dev, setup); handled {
		_ = level.Debug(s.logger).Log("msg", "control request handled by tweak", "setup", setup.String(), "status", status)
		s.respond(hdr.Seqnum, status, nil, nil)
		return
	}

	requested := int(body.TransferBufferLength)
	t, err := s.ctl.AllocTransfer(setupPacketSize+requested, 0)
	if err != nil {
		s.respond(hdr.Seqnum, usbip.StatusEPIPE, nil, nil)
		return
	}
	raw := setup.Bytes()
	copy(t.Data, raw[:])
	if hdr.Direction == usbip.DirOut && len(out) > 0 {
		copy(t.Data[setupPacketSize:], out)
	}

	ctx := &transferContext{
		seqnum:       hdr.Seqnum,
		kind:         hostctl.EndpointControl,
		in:           hdr.Direction == usbip.DirIn,
		requestedLen: requested,
		submittedLen: setupPacketSize + int(setup.Length),
		transfer:     t,
	}
	t.Device = dev.Handle
	t.Endpoint = ep.Address
	t.Type = hostctl.EndpointControl
	t.NumBytes = ctx.submittedLen
	t.Flags = transferFlags(body.TransferFlags)
	t.Callback = s.transferDone
	t.Context = ctx

	s.registerContext(ctx)
	s.epMu.RLock()
	err = s.ctl.SubmitControl(t)
	s.epMu.RUnlock()
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "control submit failed", "seqnum", hdr.Seqnum, "err", err)
		s.abortSubmit(ctx, t)
	}
}

func (s *Session) submitBulk(dev *Device, ep hostctl.Endpoint, hdr usbip.CmdHeader, body usbip.SubmitBody, out []byte) {
	s.maybeReclaimMemory()

	requested := int(body.TransferBufferLength)
	in := hdr.Direction == usbip.DirIn
	if in && requested == 0 {
		s.respond(hdr.Seqnum, usbip.StatusOK, nil, nil)
		return
	}

	// Reserve a concurrency slot; at the cap the importer gets
	// transient backpressure and retries.
	for {
		cur := s.bulkInflight.Load()
		if cur >= MaxConcurrentBulk {
			_ = level.Debug(s.logger).Log("msg", "bulk concurrency cap reached", "seqnum", hdr.Seqnum)
			s.respond(hdr.Seqnum, usbip.StatusEPIPE, nil, nil)
			return
		}
		if s.bulkInflight.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	if in && requested > ChunkThreshold {
		ctx := &transferContext{
			seqnum:       hdr.Seqnum,
			kind:         hostctl.EndpointBulk,
			in:           true,
			requestedLen: requested,
			countsBulk:   true,
		}
		s.registerContext(ctx)
		go s.chunkedBulkIn(dev, ep, ctx, transferFlags(body.TransferFlags))
		return
	}

	submitted := requested
	if submitted > MaxTransferSize {
		submitted = MaxTransferSize
	}
	if in {
		submitted = roundUpToPacket(submitted, ep.MaxPacketSize)
		if submitted > MaxTransferSize {
			submitted = MaxTransferSize
		}
	}

	t, err := s.ctl.AllocTransfer(submitted, 0)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "bulk transfer allocation failed", "seqnum", hdr.Seqnum, "size", submitted, "err", err)
		s.releaseBulkSlot()
		s.respond(hdr.Seqnum, usbip.StatusEPIPE, nil, nil)
		return
	}
	if !in && len(out) > 0 {
		copy(t.Data, out)
	}

	ctx := &transferContext{
		seqnum:       hdr.Seqnum,
		kind:         hostctl.EndpointBulk,
		in:           in,
		requestedLen: requested,
		submittedLen: submitted,
		countsBulk:   true,
		transfer:     t,
	}
	t.Device = dev.Handle
	t.Endpoint = ep.Address
	t.Type = hostctl.EndpointBulk
	t.NumBytes = submitted
	t.Flags = transferFlags(body.TransferFlags)
	t.Callback = s.transferDone
	t.Context = ctx

	s.registerContext(ctx)
	s.epMu.RLock()
	err = s.ctl.Submit(t)
	s.epMu.RUnlock()
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "bulk submit failed", "seqnum", hdr.Seqnum, "err", err)
		s.abortSubmit(ctx, t)
	}
}

func (s *Session) submitInterrupt(dev *Device, ep hostctl.Endpoint, hdr usbip.CmdHeader, body usbip.SubmitBody, out []byte) {
	requested := int(body.TransferBufferLength)
	in := hdr.Direction == usbip.DirIn
	if in && requested == 0 {
		s.respond(hdr.Seqnum, usbip.StatusOK, nil, nil)
		return
	}

	submitted := requested
	if in {
		submitted = roundUpToPacket(submitted, ep.MaxPacketSize)
	}
	t, err := s.ctl.AllocTransfer(submitted, 0)
	if err != nil {
		s.respond(hdr.Seqnum, usbip.StatusEPIPE, nil, nil)
		return
	}
	if !in && len(out) > 0 {
		copy(t.Data, out)
	}

	ctx := &transferContext{
		seqnum:       hdr.Seqnum,
		kind:         hostctl.EndpointInterrupt,
		in:           in,
		requestedLen: requested,
		submittedLen: submitted,
		transfer:     t,
	}
	t.Device = dev.Handle
	t.Endpoint = ep.Address
	t.Type = hostctl.EndpointInterrupt
	t.NumBytes = submitted
	t.Flags = transferFlags(body.TransferFlags)
	t.Callback = s.transferDone
	t.Context = ctx

	s.registerContext(ctx)
	s.epMu.RLock()
	err = s.ctl.Submit(t)
	s.epMu.RUnlock()
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "interrupt submit failed", "seqnum", hdr.Seqnum, "err", err)
		s.abortSubmit(ctx, t)
	}
}

func (s *Session) submitIso(dev *Device, ep hostctl.Endpoint, hdr usbip.CmdHeader, body usbip.SubmitBody, out []byte, iso []usbip.IsoPacketDescriptor) {
	requested := int(body.TransferBufferLength)
	in := hdr.Direction == usbip.DirIn

	t, err := s.ctl.AllocTransfer(requested, len(iso))
	if err != nil {
		s.respond(hdr.Seqnum, usbip.StatusEPIPE, nil, nil)
		return
	}
	if !in && len(out) > 0 {
		copy(t.Data, out)
	}
	for i := range iso {
		t.IsoPackets[i].Length = int(iso[i].Length)
	}

	ctx := &transferContext{
		seqnum:       hdr.Seqnum,
		kind:         hostctl.EndpointIsochronous,
		in:           in,
		requestedLen: requested,
		submittedLen: requested,
		transfer:     t,
	}
	t.Device = dev.Handle
	t.Endpoint = ep.Address
	t.Type = hostctl.EndpointIsochronous
	t.NumBytes = requested
	t.Flags = transferFlags(body.TransferFlags)
	t.Callback = s.transferDone
	t.Context = ctx

	s.registerContext(ctx)
	s.epMu.RLock()
	err = s.ctl.Submit(t)
	s.epMu.RUnlock()
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "isochronous submit failed", "seqnum", hdr.Seqnum, "err", err)
		s.abortSubmit(ctx, t)
	}
}

// chunkedBulkIn serves a large IN request as a sequence of small
// sub-transfers so buffers stay bounded, accumulating the payloads
// into a single response. A short packet or an error ends the
// sequence.
func (s *Session) chunkedBulkIn(dev *Device, ep hostctl.Endpoint, ctx *transferContext, flags hostctl.TransferFlags) {
	defer s.releaseContext(ctx)

	buf := make([]byte, ctx.requestedLen)
	written := 0
	remaining := ctx.requestedLen

	for remaining > 0 {
		if s.shuttingDown.Load() || ctx.dropped.Load() {
			s.discard(ctx)
			return
		}

		chunk := remaining
		if chunk > ChunkSize {
			chunk = ChunkSize
		}
		alloc := roundUpToPacket(chunk, ep.MaxPacketSize)

		t, err := s.ctl.AllocTransfer(alloc, 0)
		if err != nil {
			_ = level.Warn(s.logger).Log("msg", "chunk allocation failed", "seqnum", ctx.seqnum, "size", alloc, "err", err)
			s.finishInFlight(ctx, usbip.StatusEPIPE, nil, nil)
			return
		}
		t.Device = dev.Handle
		t.Endpoint = ep.Address
		t.Type = hostctl.EndpointBulk
		t.NumBytes = alloc
		t.Flags = flags

		for {
			done := make(chan struct{})
			t.Callback = func(*hostctl.Transfer) { close(done) }
			// Checked under the lock so a submit cannot slip in after
			// teardown's final endpoint clear.
			s.epMu.RLock()
			if s.shuttingDown.Load() {
				s.epMu.RUnlock()
				s.ctl.FreeTransfer(t)
				s.discard(ctx)
				return
			}
			err = s.ctl.Submit(t)
			s.epMu.RUnlock()
			if err != nil {
				_ = level.Warn(s.logger).Log("msg", "chunk submit failed", "seqnum", ctx.seqnum, "err", err)
				s.ctl.FreeTransfer(t)
				s.finishInFlight(ctx, usbip.StatusEPIPE, nil, nil)
				return
			}
			<-done
			if s.shuttingDown.Load() || ctx.dropped.Load() {
				s.ctl.FreeTransfer(t)
				s.discard(ctx)
				return
			}
			// A chunk cancelled by an endpoint clear aimed at some
			// other URB is retried; the importer never learns.
			if t.Status == hostctl.StatusCanceled && !s.unlinkPending(ctx.seqnum) {
				t.Status = hostctl.StatusCompleted
				t.ActualNumBytes = 0
				continue
			}
			break
		}

		if t.Status != hostctl.StatusCompleted {
			status := translateStatus(t.Status)
			s.ctl.FreeTransfer(t)
			s.finishInFlight(ctx, status, buf[:written], nil)
			return
		}

		actual := t.ActualNumBytes
		if actual > 0 {
			n := actual
			if n > remaining {
				n = remaining
			}
			copy(buf[written:], t.Data[:n])
			written += n
			remaining -= n
		}
		short := actual < alloc
		s.ctl.FreeTransfer(t)
		if actual == 0 || short {
			break
		}
	}

	s.finishInFlight(ctx, usbip.StatusOK, buf[:written], nil)
}

// transferDone is the completion callback for directly submitted
// transfers. It runs on the controller's event task and therefore
// only enqueues; socket I/O stays with the writer.
func (s *Session) transferDone(t *hostctl.Transfer) {
	ctx := t.Context.(*transferContext)

	if s.shuttingDown.Load() || ctx.dropped.Load() {
		s.ctl.FreeTransfer(t)
		s.releaseContext(ctx)
		return
	}

	s.mu.Lock()
	delete(s.inflight, ctx.seqnum)
	unlinkSeq, unlinked := s.pendingUnlink[ctx.seqnum]
	if t.Status == hostctl.StatusCanceled && !unlinked {
		// Cascade from clearing an endpoint on behalf of another
		// URB's unlink: this one was not the target, so put the
		// context back and resubmit unchanged.
		s.inflight[ctx.seqnum] = ctx
		s.mu.Unlock()
		s.resubmit(ctx, t)
		return
	}
	if unlinked {
		delete(s.pendingUnlink, ctx.seqnum)
	}
	s.mu.Unlock()

	if t.Status == hostctl.StatusNoDevice {
		if s.deviceGone.CompareAndSwap(false, true) {
			_ = s.logger.Log("msg", "device removed while transfers in flight")
		}
	}

	status := translateStatus(t.Status)
	if unlinked {
		s.enqueue(usbip.EncodeRetUnlink(unlinkSeq, status))
		s.metrics.ResponsesTotal.WithLabelValues(statusLabel(status)).Inc()
	} else {
		var data []byte
		if ctx.in {
			offset := 0
			if ctx.kind == hostctl.EndpointControl {
				offset = setupPacketSize
			}
			if t.ActualNumBytes > offset {
				n := t.ActualNumBytes - offset
				if n > ctx.requestedLen {
					n = ctx.requestedLen
				}
				data = t.Data[offset : offset+n]
			}
		}
		var iso []usbip.IsoPacketDescriptor
		if ctx.kind == hostctl.EndpointIsochronous {
			iso = isoResults(t)
		}
		s.enqueue(usbip.EncodeRetSubmit(ctx.seqnum, status, data, 0, iso))
		s.metrics.ResponsesTotal.WithLabelValues(statusLabel(status)).Inc()
	}

	s.ctl.FreeTransfer(t)
	s.releaseContext(ctx)
}

func (s *Session) resubmit(ctx *transferContext, t *hostctl.Transfer) {
	t.Status = hostctl.StatusCompleted
	t.ActualNumBytes = 0
	s.epMu.RLock()
	if s.shuttingDown.Load() {
		s.epMu.RUnlock()
		s.discard(ctx)
		s.ctl.FreeTransfer(t)
		s.releaseContext(ctx)
		return
	}
	var err error
	if ctx.kind == hostctl.EndpointControl {
		err = s.ctl.SubmitControl(t)
	} else {
		err = s.ctl.Submit(t)
	}
	s.epMu.RUnlock()
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "resubmit after cascade cancel failed", "seqnum", ctx.seqnum, "err", err)
		s.finishInFlight(ctx, usbip.StatusEPIPE, nil, nil)
		s.ctl.FreeTransfer(t)
		s.releaseContext(ctx)
	}
}

// handleUnlink records the cancellation and clears the device's
// endpoints. The response is left to the target's completion
// callback; an unlink whose target already completed is lost.
func (s *Session) handleUnlink(hdr usbip.CmdHeader, body usbip.UnlinkBody) {
	s.metrics.UnlinksTotal.Inc()
	s.mu.Lock()
	_, inFlight := s.inflight[body.TargetSeqnum]
	if inFlight {
		s.pendingUnlink[body.TargetSeqnum] = hdr.Seqnum
	}
	s.mu.Unlock()
	if !inFlight {
		_ = level.Debug(s.logger).Log("msg", "unlink target not in flight", "target", body.TargetSeqnum, "seqnum", hdr.Seqnum)
		return
	}
	s.cancelOutstanding()
}

func (s *Session) unlinkPending(seqnum uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pendingUnlink[seqnum]
	return ok
}

// respond enqueues a RET_SUBMIT for a request that never entered the
// in-flight map.
func (s *Session) respond(seqnum uint32, status int32, data []byte, iso []usbip.IsoPacketDescriptor) {
	s.enqueue(usbip.EncodeRetSubmit(seqnum, status, data, 0, iso))
	s.metrics.ResponsesTotal.WithLabelValues(statusLabel(status)).Inc()
}

// finishInFlight removes the context from the in-flight map and emits
// the one response frame for it, honouring a pending unlink.
func (s *Session) finishInFlight(ctx *transferContext, status int32, data []byte, iso []usbip.IsoPacketDescriptor) {
	s.mu.Lock()
	delete(s.inflight, ctx.seqnum)
	unlinkSeq, unlinked := s.pendingUnlink[ctx.seqnum]
	if unlinked {
		delete(s.pendingUnlink, ctx.seqnum)
	}
	s.mu.Unlock()

	if unlinked {
		s.enqueue(usbip.EncodeRetUnlink(unlinkSeq, status))
	} else {
		s.enqueue(usbip.EncodeRetSubmit(ctx.seqnum, status, data, 0, iso))
	}
	s.metrics.ResponsesTotal.WithLabelValues(statusLabel(status)).Inc()
}

// discard drops an in-flight context without a response (session
// shutdown or memory reclaim).
func (s *Session) discard(ctx *transferContext) {
	s.mu.Lock()
	delete(s.inflight, ctx.seqnum)
	s.mu.Unlock()
}

func (s *Session) registerContext(ctx *transferContext) {
	s.mu.Lock()
	s.inflight[ctx.seqnum] = ctx
	s.mu.Unlock()
	s.inflightWG.Add(1)
	s.metrics.InflightTransfers.Inc()
}

// releaseContext is the single exit point for accepted submits.
func (s *Session) releaseContext(ctx *transferContext) {
	if ctx.countsBulk {
		s.releaseBulkSlot()
	}
	s.metrics.InflightTransfers.Dec()
	s.inflightWG.Done()
}

// abortSubmit unwinds a registered context whose controller submit
// failed.
func (s *Session) abortSubmit(ctx *transferContext, t *hostctl.Transfer) {
	s.ctl.FreeTransfer(t)
	s.finishInFlight(ctx, usbip.StatusEPIPE, nil, nil)
	s.releaseContext(ctx)
}

func (s *Session) releaseBulkSlot() {
	for {
		cur := s.bulkInflight.Load()
		if cur <= 0 {
			return
		}
		if s.bulkInflight.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// maybeReclaimMemory samples free heap at a coarse interval before
// bulk submits. Below the low-water mark every in-flight transfer is
// force-cancelled and the dispatcher state reset so the next submit
// can proceed.
func (s *Session) maybeReclaimMemory() {
	now := time.Now().UnixNano()
	last := s.lastMemCheck.Load()
	if now-last < int64(memoryCheckInterval) || !s.lastMemCheck.CompareAndSwap(last, now) {
		return
	}
	free := s.freeHeap()
	if free >= heapLowWater {
		return
	}
	_ = level.Warn(s.logger).Log("msg", "free heap below low-water mark, dropping in-flight transfers", "free", free)
	s.mu.Lock()
	for _, ctx := range s.inflight {
		ctx.dropped.Store(true)
	}
	s.inflight = map[uint32]*transferContext{}
	s.mu.Unlock()
	s.bulkInflight.Store(0)
	s.cancelOutstanding()
}

func freeHeapBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapIdle - ms.HeapReleased
}

func isoResults(t *hostctl.Transfer) []usbip.IsoPacketDescriptor {
	descs := make([]usbip.IsoPacketDescriptor, len(t.IsoPackets))
	var offset uint32
	for i, p := range t.IsoPackets {
		descs[i] = usbip.IsoPacketDescriptor{
			Offset:       offset,
			Length:       uint32(p.Length),
			ActualLength: uint32(p.ActualLength),
			Status:       uint32(translateStatus(p.Status)),
		}
		offset += uint32(p.Length)
	}
	return descs
}

func translateStatus(st hostctl.TransferStatus) int32 {
	switch st {
	case hostctl.StatusCompleted:
		return usbip.StatusOK
	case hostctl.StatusCanceled:
		return usbip.StatusECONNRESET
	case hostctl.StatusTimedOut:
		return usbip.StatusETIMEDOUT
	case hostctl.StatusNoDevice:
		return usbip.StatusESHUTDOWN
	case hostctl.StatusError, hostctl.StatusStall, hostctl.StatusOverflow:
		return usbip.StatusEPIPE
	}
	return usbip.StatusENOENT
}

func statusLabel(status int32) string {
	switch status {
	case usbip.StatusOK:
		return "ok"
	case usbip.StatusECONNRESET:
		return "econnreset"
	case usbip.StatusETIMEDOUT:
		return "etimedout"
	case usbip.StatusEPIPE:
		return "epipe"
	case usbip.StatusESHUTDOWN:
		return "eshutdown"
	case usbip.StatusEOVERFLOW:
		return "eoverflow"
	}
	return "enoent"
}

func transferFlags(importerFlags uint32) hostctl.TransferFlags {
	var flags hostctl.TransferFlags
	if importerFlags&usbip.TransferFlagZeroPacket != 0 {
		flags |= hostctl.FlagZeroPacket
	}
	return flags
}

func roundUpToPacket(n int, maxPacketSize uint16) int {
	if maxPacketSize == 0 {
		return n
	}
	m := int(maxPacketSize)
	if rem := n % m; rem != 0 {
		n += m - rem
	}
	return n
}
