package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeworks/shelf/pkg/xerr"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := &Message{
		ReqID: 42,
		Kind:  KindWriteAlloc,
		Body: &WriteAllocRequest{
			Family: "tape",
			Sizes:  []int64{1 << 30},
			Tags:   []string{"pool-a"},
		},
	}
	require.NoError(t, WriteMessage(&buf, req))

	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), got.ReqID)
	assert.Equal(t, KindWriteAlloc, got.Kind)

	body, ok := got.Body.(*WriteAllocRequest)
	require.True(t, ok)
	assert.Equal(t, "tape", body.Family)
	assert.Equal(t, []int64{1 << 30}, body.Sizes)
	assert.Equal(t, []string{"pool-a"}, body.Tags)
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	resp := &Message{
		ReqID: 7,
		Kind:  KindReadAlloc,
		Body: &AllocResponse{
			Media: []MediumAlloc{{
				MediumID: "P00001L5",
				FsType:   "LTFS",
				AddrType: "HASH",
				RootPath: "/mnt/shelf-st0",
			}},
		},
	}
	require.NoError(t, WriteMessage(&buf, resp))

	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	body, ok := got.Body.(*AllocResponse)
	require.True(t, ok)
	require.Len(t, body.Media, 1)
	assert.Equal(t, "P00001L5", body.Media[0].MediumID)
}

func TestErrorResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &Message{
		ReqID: 9,
		Kind:  KindError,
		Body:  &ErrorResponse{Rc: xerr.ENOSPC.Wire(), ReqKind: KindWriteAlloc},
	}))

	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	body := got.Body.(*ErrorResponse)
	assert.Equal(t, xerr.ENOSPC, xerr.FromWire(body.Rc))
	assert.Equal(t, KindWriteAlloc, body.ReqKind)
}

func TestVersionMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &Message{Kind: KindPing, Body: &PingRequest{}}))

	raw := buf.Bytes()
	raw[0] = 0x02

	_, err := ReadRequest(bytes.NewReader(raw))
	assert.True(t, errors.Is(err, xerr.EPROTONOSUPPORT))
}

func TestOversizedFrameRejected(t *testing.T) {
	header := make([]byte, 5)
	header[0] = Version
	binary.BigEndian.PutUint32(header[1:], MaxFrameSize+1)

	_, err := ReadRequest(bytes.NewReader(header))
	assert.True(t, errors.Is(err, xerr.EINVAL))
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &Message{Kind: KindPing, Body: &PingRequest{}}))

	raw := buf.Bytes()[:buf.Len()-2]
	_, err := ReadRequest(bytes.NewReader(raw))
	assert.True(t, errors.Is(err, xerr.EINVAL))
}

func TestCleanCloseIsEOF(t *testing.T) {
	_, err := ReadRequest(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}

func TestReleaseRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &Message{
		ReqID: 3,
		Kind:  KindRelease,
		Body: &ReleaseRequest{
			Family: "tape",
			Media: []MediumRelease{
				{MediumID: "P00001L5", Rc: 0, SizeWritten: 4096, NbExtents: 2, ToSync: true},
				{MediumID: "P00002L5", Rc: xerr.EIO.Wire()},
			},
		},
	}))

	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	body := got.Body.(*ReleaseRequest)
	require.Len(t, body.Media, 2)
	assert.True(t, body.Media[0].ToSync)
	assert.Equal(t, int64(4096), body.Media[0].SizeWritten)
	assert.Equal(t, xerr.EIO, xerr.FromWire(body.Media[1].Rc))
}
