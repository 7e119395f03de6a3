package docker

import "encoding/binary"

// Multiplexed stream framing used by the engine when a TTY is not allocated:
// [tag, 0, 0, 0, size(4 bytes, big endian)] followed by size payload bytes.
const (
	frameHeaderLen = 8

	tagStdout byte = 1
	tagStderr byte = 2
)

// Split decodes every complete frame at the start of buf.
// Payloads tagged stdout or stderr are concatenated in order; any other tag is
// dropped. A stream with no frames is returned as nil, not as an empty slice.
// Decoding stops at the first frame whose header or payload is incomplete;
// n is the number of bytes consumed.
func Split(buf []byte) (stdout, stderr []byte, n int) {
	for len(buf)-n >= frameHeaderLen {
		size := uint64(binary.BigEndian.Uint32(buf[n+4 : n+frameHeaderLen]))
		if size > uint64(len(buf)-n-frameHeaderLen) {
			break
		}
		start := n + frameHeaderLen
		end := start + int(size)
		switch buf[n] {
		case tagStdout:
			stdout = append(stdout, buf[start:end]...)
		case tagStderr:
			stderr = append(stderr, buf[start:end]...)
		}
		n = end
	}
	return stdout, stderr, n
}

// Demuxer decodes a multiplexed stream delivered in arbitrary chunks.
// Bytes of a frame split across chunks are held until the rest arrives.
// A Demuxer is not safe for concurrent use.
type Demuxer struct {
	pending []byte
}

// Feed decodes chunk together with any bytes left over from earlier calls.
func (d *Demuxer) Feed(chunk []byte) (stdout, stderr []byte) {
	buf := chunk
	if len(d.pending) > 0 {
		buf = append(d.pending, chunk...)
	}

	stdout, stderr, n := Split(buf)

	if n < len(buf) {
		d.pending = append([]byte(nil), buf[n:]...)
	} else {
		d.pending = nil
	}
	return stdout, stderr
}

// Pending returns the number of buffered bytes of an incomplete frame.
func (d *Demuxer) Pending() int {
	return len(d.pending)
}
