package docker

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type part struct {
	stream stdcopy.StdType
	data   string
}

// frames builds a multiplexed buffer the way the engine writes one.
func frames(t *testing.T, parts ...part) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, p := range parts {
		_, err := stdcopy.NewStdWriter(&buf, p.stream).Write([]byte(p.data))
		require.NoError(t, err)
	}
	return buf.Bytes()
}

func rawFrame(tag byte, payload string) []byte {
	hdr := make([]byte, frameHeaderLen)
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(payload)))
	return append(hdr, payload...)
}

func TestSplit(t *testing.T) {
	t.Run("ConcatenatesByStream", func(t *testing.T) {
		buf := frames(t,
			part{stdcopy.Stdout, "hello "},
			part{stdcopy.Stderr, "warn\n"},
			part{stdcopy.Stdout, "world\n"},
			part{stdcopy.Stderr, "oops\n"},
		)
		stdout, stderr, n := Split(buf)
		assert.Equal(t, "hello world\n", string(stdout))
		assert.Equal(t, "warn\noops\n", string(stderr))
		assert.Equal(t, len(buf), n)
	})

	t.Run("EmptyBufferBothAbsent", func(t *testing.T) {
		stdout, stderr, n := Split(nil)
		assert.Nil(t, stdout)
		assert.Nil(t, stderr)
		assert.Zero(t, n)
	})

	t.Run("OnlyStdout", func(t *testing.T) {
		stdout, stderr, _ := Split(frames(t, part{stdcopy.Stdout, "hi\n"}))
		assert.Equal(t, "hi\n", string(stdout))
		assert.Nil(t, stderr)
	})

	t.Run("UnknownTagDropped", func(t *testing.T) {
		buf := append(rawFrame(0, "stdin-echo"), rawFrame(3, "system")...)
		buf = append(buf, rawFrame(tagStdout, "kept")...)
		stdout, stderr, n := Split(buf)
		assert.Equal(t, "kept", string(stdout))
		assert.Nil(t, stderr)
		assert.Equal(t, len(buf), n)
	})

	t.Run("TruncatedHeaderStops", func(t *testing.T) {
		whole := rawFrame(tagStdout, "one")
		buf := append(append([]byte(nil), whole...), tagStderr, 0, 0)
		stdout, stderr, n := Split(buf)
		assert.Equal(t, "one", string(stdout))
		assert.Nil(t, stderr)
		assert.Equal(t, len(whole), n)
	})

	t.Run("TruncatedPayloadStops", func(t *testing.T) {
		whole := rawFrame(tagStdout, "one")
		partial := rawFrame(tagStdout, "two-is-longer")
		buf := append(append([]byte(nil), whole...), partial[:frameHeaderLen+3]...)
		stdout, _, n := Split(buf)
		assert.Equal(t, "one", string(stdout))
		assert.Equal(t, len(whole), n)
	})

	t.Run("HugeDeclaredLengthDoesNotOverread", func(t *testing.T) {
		buf := []byte{tagStdout, 0, 0, 0, 0xff, 0xff, 0xff, 0xff, 'x'}
		stdout, stderr, n := Split(buf)
		assert.Nil(t, stdout)
		assert.Nil(t, stderr)
		assert.Zero(t, n)
	})
}

func TestDemuxerFeed(t *testing.T) {
	t.Run("FrameSplitAcrossChunks", func(t *testing.T) {
		buf := frames(t, part{stdcopy.Stdout, "abcdef"}, part{stdcopy.Stderr, "err"})

		var d Demuxer
		var stdout, stderr []byte
		// Feed one byte at a time: every frame boundary is split.
		for i := range buf {
			o, e := d.Feed(buf[i : i+1])
			stdout = append(stdout, o...)
			stderr = append(stderr, e...)
		}
		assert.Equal(t, "abcdef", string(stdout))
		assert.Equal(t, "err", string(stderr))
		assert.Zero(t, d.Pending())
	})

	t.Run("HeaderSplitAcrossChunks", func(t *testing.T) {
		buf := frames(t, part{stdcopy.Stdout, "7\n"})

		var d Demuxer
		o, e := d.Feed(buf[:5])
		assert.Nil(t, o)
		assert.Nil(t, e)
		assert.Equal(t, 5, d.Pending())

		o, _ = d.Feed(buf[5:])
		assert.Equal(t, "7\n", string(o))
		assert.Zero(t, d.Pending())
	})

	t.Run("CallerBufferReuseIsSafe", func(t *testing.T) {
		buf := frames(t, part{stdcopy.Stdout, "xyz"})
		chunk := make([]byte, 4)

		var d Demuxer
		copy(chunk, buf[:4])
		d.Feed(chunk)
		// The caller overwrites its read buffer before the next call.
		copy(chunk, []byte{9, 9, 9, 9})
		o, _ := d.Feed(buf[4:])
		assert.Equal(t, "xyz", string(o))
	})
}
