package usbip

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/efficientgo/core/errors"
)

// The codec reads command frames off the session socket and encodes
// reply frames into standalone byte slices so the write serializer can
// put each response on the wire as a single uninterrupted write.

// ReadOpHeader reads the 8-byte op-phase header.
func ReadOpHeader(r io.Reader) (OpHeader, error) {
	var hdr OpHeader
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return hdr, errors.Wrap(err, "failed to read op header")
	}
	return hdr, nil
}

// ReadBusID reads the 32-byte NUL-padded bus-id body of OP_REQ_IMPORT.
func ReadBusID(r io.Reader) (string, error) {
	var busId [32]byte
	if _, err := io.ReadFull(r, busId[:]); err != nil {
		return "", errors.Wrap(err, "failed to read bus id")
	}
	return cstring(busId[:]), nil
}

// ReadCmdHeader reads the 20-byte URB-phase header.
func ReadCmdHeader(r io.Reader) (CmdHeader, error) {
	var hdr CmdHeader
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return hdr, errors.Wrap(err, "failed to read command header")
	}
	return hdr, nil
}

// ReadSubmitBody reads the 28 bytes completing a CMD_SUBMIT frame.
func ReadSubmitBody(r io.Reader) (SubmitBody, error) {
	var body SubmitBody
	if err := binary.Read(r, binary.BigEndian, &body); err != nil {
		return body, errors.Wrap(err, "failed to read submit body")
	}
	return body, nil
}

// ReadUnlinkBody reads the 28 bytes completing a CMD_UNLINK frame.
func ReadUnlinkBody(r io.Reader) (UnlinkBody, error) {
	var body UnlinkBody
	if err := binary.Read(r, binary.BigEndian, &body); err != nil {
		return body, errors.Wrap(err, "failed to read unlink body")
	}
	return body, nil
}

// ReadPayload reads the OUT data stage following a CMD_SUBMIT header.
func ReadPayload(r io.Reader, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "failed to read transfer buffer")
	}
	return buf, nil
}

// ReadIsoDescriptors reads n 16-byte iso packet descriptors.
func ReadIsoDescriptors(r io.Reader, n uint32) ([]IsoPacketDescriptor, error) {
	descs := make([]IsoPacketDescriptor, n)
	if err := binary.Read(r, binary.BigEndian, descs); err != nil {
		return nil, errors.Wrap(err, "failed to read iso packet descriptors")
	}
	return descs, nil
}

// EncodeOpRepDevlist builds a complete OP_REP_DEVLIST frame for the
// given records, in registry order.
func EncodeOpRepDevlist(records []DeviceRecord) []byte {
	var buf bytes.Buffer
	mustWrite(&buf, OpHeader{Version, OpRepDevlist, OpStatusOK})
	mustWrite(&buf, uint32(len(records)))
	for i := range records {
		mustWrite(&buf, records[i].Description)
		for _, intf := range records[i].Interfaces {
			mustWrite(&buf, intf)
		}
	}
	return buf.Bytes()
}

// EncodeOpRepImport builds an OP_REP_IMPORT frame. The device record
// follows the header only when status is OpStatusOK.
func EncodeOpRepImport(status uint32, desc *DeviceDescription) []byte {
	var buf bytes.Buffer
	mustWrite(&buf, OpHeader{Version, OpRepImport, status})
	if status == OpStatusOK && desc != nil {
		mustWrite(&buf, *desc)
	}
	return buf.Bytes()
}

// EncodeRetSubmit builds a complete RET_SUBMIT frame. data is the IN
// payload (nil for OUT or error responses); iso descriptors follow the
// payload when present.
func EncodeRetSubmit(seqnum uint32, status int32, data []byte, startFrame uint32, iso []IsoPacketDescriptor) []byte {
	var errorCount uint32
	for i := range iso {
		if iso[i].Status != 0 {
			errorCount++
		}
	}
	var buf bytes.Buffer
	mustWrite(&buf, CmdHeader{Command: RetSubmit, Seqnum: seqnum})
	mustWrite(&buf, RetSubmitBody{
		Status:          status,
		ActualLength:    uint32(len(data)),
		StartFrame:      startFrame,
		NumberOfPackets: uint32(len(iso)),
		ErrorCount:      errorCount,
	})
	buf.Write(data)
	for i := range iso {
		mustWrite(&buf, iso[i])
	}
	return buf.Bytes()
}

// EncodeRetUnlink builds a complete RET_UNLINK frame carrying the
// unlink command's own seqnum.
func EncodeRetUnlink(seqnum uint32, status int32) []byte {
	var buf bytes.Buffer
	mustWrite(&buf, CmdHeader{Command: RetUnlink, Seqnum: seqnum})
	mustWrite(&buf, RetUnlinkBody{Status: status})
	return buf.Bytes()
}

func mustWrite(buf *bytes.Buffer, v any) {
	// binary.Write to a bytes.Buffer only fails on unencodable types.
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		panic(err)
	}
}
