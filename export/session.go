// SPDX-License-Identifier: GPL-2.0-only

package export

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	baseerrors "errors"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/psdscsv/esp32-usb-over-ip/hostctl"
	"github.com/psdscsv/esp32-usb-over-ip/usbip"
)

// Phase of a session's connection state machine.
type Phase int32

const (
	// PhaseOp handles OP_REQ_DEVLIST and OP_REQ_IMPORT.
	PhaseOp Phase = iota
	// PhaseURB handles CMD_SUBMIT and CMD_UNLINK for the bound device.
	PhaseURB
	// PhaseClosed is terminal.
	PhaseClosed
)

const (
	writeQueueDepth = 16
	teardownWait    = 10 * time.Second
)

// maxIsoPackets and maxTransferBuffer bound the per-URB descriptor
// count and buffer length; anything larger is a malformed frame.
const (
	maxIsoPackets     = 1024
	maxTransferBuffer = 16 << 20
)

// Session drives one importer connection. A reader task decodes
// frames, a writer task owns the socket for responses, and controller
// completion callbacks feed the writer through a bounded queue.
type Session struct {
	conn     net.Conn
	logger   log.Logger
	registry *Registry
	ctl      hostctl.Controller
	metrics  *Metrics

	writeCh chan []byte
	// done unblocks queue producers once the session starts tearing
	// down.
	done chan struct{}

	phase atomic.Int32

	mu            sync.Mutex
	device        *Device
	inflight      map[uint32]*transferContext
	pendingUnlink map[uint32]uint32

	deviceGone   atomic.Bool
	shuttingDown atomic.Bool
	bulkInflight atomic.Int32
	inflightWG   sync.WaitGroup

	// epMu serialises endpoint cancellation against submissions:
	// submits take the read side so a clear never runs while a submit
	// is mid-flight on the same device.
	epMu sync.RWMutex

	lastMemCheck atomic.Int64
	freeHeap     func() uint64
}

func NewSession(conn net.Conn, registry *Registry, ctl hostctl.Controller, metrics *Metrics, logger log.Logger) *Session {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Session{
		conn:          conn,
		logger:        logger,
		registry:      registry,
		ctl:           ctl,
		metrics:       metrics,
		writeCh:       make(chan []byte, writeQueueDepth),
		done:          make(chan struct{}),
		inflight:      map[uint32]*transferContext{},
		pendingUnlink: map[uint32]uint32{},
		freeHeap:      freeHeapBytes,
	}
}

// Run drives the session until the importer disconnects, a decode
// error occurs, or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.writeLoop(ctx)
	})
	g.Go(func() error {
		// The reader returning, on a clean disconnect too, ends the
		// session.
		defer cancel()
		return s.readLoop()
	})
	g.Go(func() error {
		<-ctx.Done()
		// Unblocks a reader stuck in conn.Read.
		_ = s.conn.Close()
		return nil
	})
	err := g.Wait()
	s.teardown()
	return err
}

func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *Session) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

func (s *Session) attachedDevice() *Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

func (s *Session) readLoop() error {
	for {
		var err error
		switch s.Phase() {
		case PhaseOp:
			err = s.handleOp()
		case PhaseURB:
			err = s.handleCmd()
		default:
			return nil
		}
		if err != nil {
			if baseerrors.Is(err, io.EOF) || baseerrors.Is(err, io.ErrClosedPipe) || baseerrors.Is(err, net.ErrClosed) {
				_ = level.Debug(s.logger).Log("msg", "importer disconnected")
				return nil
			}
			return err
		}
	}
}

func (s *Session) handleOp() error {
	hdr, err := usbip.ReadOpHeader(s.conn)
	if err != nil {
		return err
	}

	switch hdr.Code {
	case usbip.OpReqDevlist:
		devices := s.registry.List()
		records := make([]usbip.DeviceRecord, len(devices))
		for i, d := range devices {
			records[i] = d.DeviceRecord
		}
		_ = level.Debug(s.logger).Log("msg", "device list requested", "devices", len(records))
		s.enqueue(usbip.EncodeOpRepDevlist(records))

	case usbip.OpReqImport:
		busId, err := usbip.ReadBusID(s.conn)
		if err != nil {
			return err
		}
		dev, err := s.registry.attach(busId)
		if err != nil {
			_ = level.Warn(s.logger).Log("msg", "import request failed", "busid", busId, "err", err)
			s.enqueue(usbip.EncodeOpRepImport(usbip.OpStatusError, nil))
			return nil
		}
		s.mu.Lock()
		s.device = dev
		s.mu.Unlock()
		s.setPhase(PhaseURB)
		_ = s.logger.Log("msg", "device imported", "busid", busId, "device", dev.Description.String())
		s.enqueue(usbip.EncodeOpRepImport(usbip.OpStatusOK, &dev.Description))

	default:
		return errors.Newf("unknown op code %#04x", hdr.Code)
	}
	return nil
}

func (s *Session) handleCmd() error {
	hdr, err := usbip.ReadCmdHeader(s.conn)
	if err != nil {
		return err
	}

	switch hdr.Command {
	case usbip.CmdSubmit:
		body, err := usbip.ReadSubmitBody(s.conn)
		if err != nil {
			return err
		}
		if body.TransferBufferLength > maxTransferBuffer {
			return errors.Newf("implausible transfer buffer length %d", body.TransferBufferLength)
		}
		var out []byte
		if hdr.Direction == usbip.DirOut && body.TransferBufferLength > 0 {
			if out, err = usbip.ReadPayload(s.conn, body.TransferBufferLength); err != nil {
				return err
			}
		}
		var iso []usbip.IsoPacketDescriptor
		// Importers encode "no iso packets" as 0 or ~0 depending on age.
		if n := body.NumberOfPackets; n > 0 && n != 0xffffffff {
			if n > maxIsoPackets {
				return errors.Newf("implausible iso packet count %d", n)
			}
			if iso, err = usbip.ReadIsoDescriptors(s.conn, n); err != nil {
				return err
			}
		}
		s.dispatchSubmit(hdr, body, out, iso)

	case usbip.CmdUnlink:
		body, err := usbip.ReadUnlinkBody(s.conn)
		if err != nil {
			return err
		}
		s.handleUnlink(hdr, body)

	default:
		return errors.Newf("unknown command %#08x", hdr.Command)
	}
	return nil
}

// enqueue hands a complete frame to the write serializer, blocking
// until the queue accepts it. Callers may release transfer buffers as
// soon as it returns.
func (s *Session) enqueue(frame []byte) {
	select {
	case s.writeCh <- frame:
	case <-s.done:
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-s.writeCh:
			if _, err := s.conn.Write(frame); err != nil {
				return errors.Wrap(err, "failed to write response")
			}
			s.metrics.WrittenBytes.Add(float64(len(frame)))
		case <-ctx.Done():
			return nil
		}
	}
}

// teardown runs once both loops have returned: cancel whatever is
// still in flight, wait for every context to be released, then give
// the device back. The wait is bounded: the backend cannot cancel the
// default pipe, so a wedged control transfer must not pin the session
// forever.
func (s *Session) teardown() {
	s.shuttingDown.Store(true)
	s.setPhase(PhaseClosed)
	close(s.done)
	s.cancelOutstanding()

	drained := make(chan struct{})
	go func() {
		s.inflightWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(teardownWait):
		_ = level.Warn(s.logger).Log("msg", "timed out waiting for in-flight transfers during teardown")
	}

	if dev := s.attachedDevice(); dev != nil {
		s.registry.release(dev.BusID())
	}
	_ = s.conn.Close()
}

// cancelOutstanding aborts in-flight transfers. The backend cancels
// per endpoint, not per URB, so every endpoint of the attached device
// is cleared; the completion callbacks sort out which URBs were meant.
func (s *Session) cancelOutstanding() {
	dev := s.attachedDevice()
	if dev == nil || s.deviceGone.Load() {
		return
	}
	s.epMu.Lock()
	defer s.epMu.Unlock()
	for _, ep := range dev.Endpoints {
		if err := s.ctl.EndpointClear(dev.Handle, ep.Address); err != nil {
			_ = level.Warn(s.logger).Log("msg", "failed to clear endpoint", "endpoint", ep.Address, "err", err)
		}
	}
}
