package limits

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateMessageSize(t *testing.T) {
	tests := []struct {
		name    string
		message []byte
		max     int
		wantErr error
	}{
		{name: "empty", message: nil, max: 10, wantErr: ErrMessageEmpty},
		{name: "at_limit", message: make([]byte, 10), max: 10},
		{name: "over_limit", message: make([]byte, 11), max: 10, wantErr: ErrMessageTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageSize(tt.message, tt.max)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestValidateChunk(t *testing.T) {
	assert.ErrorIs(t, ValidateChunk(nil), ErrMessageEmpty)
	assert.NoError(t, ValidateChunk(make([]byte, MaxChunkSize)))
	err := ValidateChunk(make([]byte, MaxChunkSize+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestValidateControlMessage(t *testing.T) {
	assert.ErrorIs(t, ValidateControlMessage([]byte{}), ErrMessageEmpty)
	assert.NoError(t, ValidateControlMessage([]byte("{}")))
	assert.ErrorIs(t, ValidateControlMessage(make([]byte, MaxControlMessage+1)), ErrMessageTooLarge)
}

func TestValidateFixedWidthIDs(t *testing.T) {
	assert.NoError(t, ValidateNodeID(strings.Repeat("n", NodeIDLength)))
	assert.ErrorIs(t, ValidateNodeID("short"), ErrBadLength)
	assert.NoError(t, ValidateFileID(strings.Repeat("f", FileIDLength)))
	assert.ErrorIs(t, ValidateFileID(""), ErrBadLength)
	assert.NoError(t, ValidateMessageID(strings.Repeat("m", MessageIDLength)))
	assert.ErrorIs(t, ValidateMessageID(strings.Repeat("m", MessageIDLength+1)), ErrBadLength)
}
