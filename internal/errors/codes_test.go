package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestStorageError_GRPCMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *StorageError
		want codes.Code
	}{
		{"invalid argument", InvalidArgument("bad", nil), codes.InvalidArgument},
		{"unsupported type", UnsupportedType(struct{}{}), codes.InvalidArgument},
		{"contract violation", ContractViolation("transported twice"), codes.FailedPrecondition},
		{"deserialization", Deserialization("truncated", io.ErrUnexpectedEOF), codes.DataLoss},
		{"checksum", ChecksumFailed(1, 2), codes.DataLoss},
		{"transport", TransportFailed("accept failed", io.ErrClosedPipe), codes.Internal},
		{"unavailable", Unavailable("down", nil), codes.Unavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestStorageError_Unwrap(t *testing.T) {
	err := TransportFailed("accept failed", io.ErrShortWrite)
	wrapped := fmt.Errorf("commit: %w", err)

	assert.True(t, stderrors.Is(wrapped, io.ErrShortWrite))
	assert.True(t, IsStorageError(wrapped))
	assert.Equal(t, ErrCodeTransportFailed, GetCode(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeTransportFailed))
	assert.Contains(t, err.Error(), "short write")
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeOK, GetCode(nil))
	assert.Equal(t, ErrCodeInternal, GetCode(io.EOF))
	assert.False(t, IsCode(nil, ErrCodeOK))
	assert.Equal(t, ErrCodeContractViolation, GetCode(ContractViolation("x")))
}
