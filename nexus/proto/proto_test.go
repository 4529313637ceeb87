package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateFSRequestRoundtrip(t *testing.T) {
	r := StateFSRequest{Op: StateFSPut, Key: "/state/app/cfg", Value: []byte("v")}
	got, err := DecodeStateFSRequest(r.Encode())
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestStateFSRequestBadMagic(t *testing.T) {
	b := StateFSRequest{Op: StateFSGet, Key: "/state/x"}.Encode()
	b[0] = 'X'
	_, err := DecodeStateFSRequest(b)
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestStateFSRequestTruncated(t *testing.T) {
	b := StateFSRequest{Op: StateFSPut, Key: "/state/x", Value: []byte("abc")}.Encode()
	_, err := DecodeStateFSRequest(b[:len(b)-2])
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestStateFSResponseRoundtrip(t *testing.T) {
	r := StateFSResponse{Op: StateFSGet, Status: StatusNotFound, Payload: []byte{1, 2}}
	got, err := DecodeStateFSResponse(r.Encode())
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestKeyList(t *testing.T) {
	keys := []string{"/state/a", "/state/b/c"}
	got, err := DecodeKeyList(EncodeKeyList(keys))
	require.NoError(t, err)
	require.Equal(t, keys, got)

	empty, err := DecodeKeyList(EncodeKeyList(nil))
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestStatsPayload(t *testing.T) {
	b := EncodeStats(10, 1, 4096, 7)
	records, dropped, bytesUsed, live, err := DecodeStats(b)
	require.NoError(t, err)
	require.EqualValues(t, 10, records)
	require.EqualValues(t, 1, dropped)
	require.EqualValues(t, 4096, bytesUsed)
	require.Equal(t, 7, live)
}

func TestUpdateRequestRoundtrip(t *testing.T) {
	r := UpdateRequest{Op: UpdateSwitch, Tries: 3}
	got, err := DecodeUpdateRequest(r.Encode())
	require.NoError(t, err)
	require.Equal(t, r, got)

	r = UpdateRequest{Op: UpdateApplySet, Path: "/updates/inbox/set.tar"}
	got, err = DecodeUpdateRequest(r.Encode())
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestUpdateResponseRoundtrip(t *testing.T) {
	r := UpdateResponse{Op: UpdateStatus, Status: StatusOK, State: []byte{1, 0, 0xFF, 1, 2, 0}}
	got, err := DecodeUpdateResponse(r.Encode())
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestKindStrings(t *testing.T) {
	require.Equal(t, "statefs", MsgStateFS.String())
	require.Equal(t, "update_resp", MsgUpdateResp.String())
	require.Equal(t, "unknown", Kind(999).String())
	require.Equal(t, "conflict", StatusConflict.String())
	require.Equal(t, "apply_set", UpdateApplySet.String())
}
