package models

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		target  any
		wantErr bool
	}{
		{name: "valid produce", data: `{"transportId":"t1","kind":"audio","rtpParameters":{"codecs":[]}}`, target: &ProduceRequest{}},
		{name: "bad kind", data: `{"transportId":"t1","kind":"text"}`, target: &ProduceRequest{}, wantErr: true},
		{name: "missing transport", data: `{"kind":"video"}`, target: &ProduceRequest{}, wantErr: true},
		{name: "malformed json", data: `{"transportId":`, target: &TransportRequest{}, wantErr: true},
		{name: "empty join", data: ``, target: &JoinRequest{}},
		{name: "zero priority", data: `{"consumerId":"c","priority":0}`, target: &SetConsumerPriorityRequest{}, wantErr: true},
		{name: "connect without dtls", data: `{"transportId":"t"}`, target: &ConnectWebRtcTransportRequest{}, wantErr: true},
		{name: "plain broadcaster transport", data: `{"type":"plain","comedia":true}`, target: &CreateBroadcasterTransportRequest{}},
		{name: "unknown transport type", data: `{"type":"pipe"}`, target: &CreateBroadcasterTransportRequest{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Decode(json.RawMessage(tt.data), tt.target)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var apiErr APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, http.StatusBadRequest, apiErr.Status)
		})
	}
}

func TestValidationMessageUsesJSONNames(t *testing.T) {
	err := Validate(&ChangeDisplayNameRequest{})
	require.Error(t, err)
	assert.Contains(t, AsAPIError(err).Message, "displayName")
}

func TestAsAPIError(t *testing.T) {
	apiErr := AsAPIError(ErrNotFound.WithMessage("transport %q not found", "t1"))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode())
	assert.Equal(t, `transport "t1" not found`, apiErr.Message)
	assert.True(t, IsForbidden(ErrForbidden.WithMessage("nope")))

	internal := AsAPIError(errors.New("engine exploded"))
	assert.Equal(t, http.StatusInternalServerError, internal.Status)
	assert.Equal(t, "engine exploded", internal.Message)
	assert.False(t, IsForbidden(internal))
}
