package wire

import (
	"strings"
	"testing"

	"github.com/opd-ai/poolmesh/cluster"
	"github.com/opd-ai/poolmesh/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeID(c byte) string { return strings.Repeat(string(c), limits.NodeIDLength) }

var (
	testMessageID = "0f8fad5b-d9cb-469f-a165-70867728950e"
	testFileID    = strings.Repeat("ab", limits.FileIDLength/2)
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		src   cluster.Endpoint
		dests []cluster.Destination
		chunk uint32
		data  []byte
	}{
		{
			name:  "broadcast",
			src:   cluster.Endpoint{NodeID: nodeID('a'), Path: cluster.Path{0, 1}},
			chunk: 7,
			data:  []byte("hello"),
		},
		{
			name: "single_destination",
			src:  cluster.Endpoint{NodeID: nodeID('a'), Path: cluster.Path{2}},
			dests: []cluster.Destination{
				{NodeID: nodeID('b'), Path: cluster.Path{2, 0, 1}},
			},
			chunk: 0,
			data:  []byte{0xff, 0xfe, 0x00},
		},
		{
			name: "many_destinations_including_self_marker",
			src:  cluster.Endpoint{NodeID: nodeID('a'), Path: cluster.Path{1, 1, 0}},
			dests: []cluster.Destination{
				{NodeID: nodeID('a')},
				{NodeID: nodeID('c'), Path: cluster.Path{0}},
				{NodeID: nodeID('d'), Path: cluster.Path{2, 1, 1, 0}},
			},
			chunk: 0xfffffffe,
			data:  make([]byte, limits.MaxChunkSize),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.data, testMessageID, testFileID, tt.chunk, tt.src, tt.dests)
			require.NoError(t, err)

			frame, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.src, frame.Source)
			assert.Equal(t, tt.dests, frame.Destinations)
			assert.Equal(t, testMessageID, frame.MessageID)
			assert.Equal(t, testFileID, frame.FileID)
			assert.Equal(t, tt.chunk, frame.ChunkNumber)
			assert.Equal(t, tt.data, frame.Payload)
		})
	}
}

func TestDecodeRejectsTruncation(t *testing.T) {
	src := cluster.Endpoint{NodeID: nodeID('a'), Path: cluster.Path{0, 2}}
	dests := []cluster.Destination{
		{NodeID: nodeID('b'), Path: cluster.Path{1}},
		{NodeID: nodeID('c'), Path: cluster.Path{0, 0}},
	}
	encoded, err := Encode([]byte("payload"), testMessageID, testFileID, 42, src, dests)
	require.NoError(t, err)

	headerLen := len(encoded) - len("payload")
	for cut := 0; cut <= headerLen; cut++ {
		frame, err := Decode(encoded[:cut])
		assert.ErrorIs(t, err, ErrMalformed, "cut at %d", cut)
		assert.Nil(t, frame)
	}

	_, err = Decode(encoded[:headerLen+1])
	assert.NoError(t, err, "a single payload byte is a valid frame")
}

func TestDecodeRejectsBadPathByte(t *testing.T) {
	encoded, err := Encode([]byte("x"), testMessageID, testFileID, 1,
		cluster.Endpoint{NodeID: nodeID('a'), Path: cluster.Path{1}}, nil)
	require.NoError(t, err)

	encoded[limits.NodeIDLength] = 3
	_, err = Decode(encoded)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsForeignEmptyPath(t *testing.T) {
	src := cluster.Endpoint{NodeID: nodeID('a'), Path: cluster.Path{1}}
	var buf []byte
	buf = append(buf, src.NodeID...)
	buf = append(buf, 1, TerminatorMore)
	buf = append(buf, nodeID('z')...)
	buf = append(buf, TerminatorLast)
	buf = append(buf, testMessageID...)
	buf = append(buf, testFileID...)
	buf = append(buf, 0, 0, 0, 1, 'p')

	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrMalformed)

	copy(buf[limits.NodeIDLength+2:], src.NodeID)
	frame, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, frame.Destinations, 1)
	assert.Equal(t, src.NodeID, frame.Destinations[0].NodeID)
}

func TestEncodeValidation(t *testing.T) {
	src := cluster.Endpoint{NodeID: nodeID('a'), Path: cluster.Path{0}}

	_, err := Encode(nil, testMessageID, testFileID, 0, src, nil)
	assert.ErrorIs(t, err, ErrInvalidFrame, "empty payload")

	_, err = Encode([]byte("x"), "short", testFileID, 0, src, nil)
	assert.ErrorIs(t, err, ErrInvalidFrame, "short message id")

	_, err = Encode([]byte("x"), testMessageID, testFileID, 0,
		cluster.Endpoint{NodeID: nodeID('a'), Path: cluster.Path{3}}, nil)
	assert.ErrorIs(t, err, ErrInvalidFrame, "bad branch")

	_, err = Encode([]byte("x"), testMessageID, testFileID, 0, src,
		[]cluster.Destination{{NodeID: nodeID('b')}})
	assert.ErrorIs(t, err, ErrInvalidFrame, "empty path for a foreign destination")
}
