package proto

import "encoding/binary"

// Update frames: "UP", version, opcode, then op-specific fields.

const (
	updateMagic0 = 'U'
	updateMagic1 = 'P'

	// UpdateVersion is the only accepted frame version.
	UpdateVersion = 1
)

// UpdateOp selects the update-plane operation.
type UpdateOp uint8

const (
	UpdateStage UpdateOp = iota + 1
	UpdateSwitch
	UpdateCommitHealth
	UpdateTick
	UpdateRollback
	UpdateStatus
	UpdateApplySet
)

func (o UpdateOp) String() string {
	switch o {
	case UpdateStage:
		return "stage"
	case UpdateSwitch:
		return "switch"
	case UpdateCommitHealth:
		return "commit_health"
	case UpdateTick:
		return "tick"
	case UpdateRollback:
		return "rollback"
	case UpdateStatus:
		return "status"
	case UpdateApplySet:
		return "apply_set"
	default:
		return "unknown"
	}
}

// UpdateRequest is a decoded request frame. Tries is used by UpdateSwitch;
// Path carries the system-set archive location for UpdateApplySet.
type UpdateRequest struct {
	Op    UpdateOp
	Tries uint8
	Path  string
}

// Encode serialises the request frame.
func (r UpdateRequest) Encode() []byte {
	b := make([]byte, 0, 7+len(r.Path))
	b = append(b, updateMagic0, updateMagic1, UpdateVersion, byte(r.Op), r.Tries)
	var n [2]byte
	binary.LittleEndian.PutUint16(n[:], uint16(len(r.Path)))
	b = append(b, n[:]...)
	b = append(b, r.Path...)
	return b
}

// DecodeUpdateRequest parses a request frame.
func DecodeUpdateRequest(b []byte) (UpdateRequest, error) {
	if len(b) < 7 || b[0] != updateMagic0 || b[1] != updateMagic1 || b[2] != UpdateVersion {
		return UpdateRequest{}, ErrBadFrame
	}
	pl := int(binary.LittleEndian.Uint16(b[5:7]))
	if len(b) < 7+pl {
		return UpdateRequest{}, ErrBadFrame
	}
	return UpdateRequest{Op: UpdateOp(b[3]), Tries: b[4], Path: string(b[7 : 7+pl])}, nil
}

// UpdateResponse is a decoded response frame. State carries the encoded
// boot-control state for UpdateStatus and after transitions.
type UpdateResponse struct {
	Op     UpdateOp
	Status Status
	State  []byte
}

// Encode serialises the response frame.
func (r UpdateResponse) Encode() []byte {
	b := make([]byte, 0, 7+len(r.State))
	b = append(b, updateMagic0, updateMagic1, UpdateVersion, byte(r.Op), byte(r.Status))
	var n [2]byte
	binary.LittleEndian.PutUint16(n[:], uint16(len(r.State)))
	b = append(b, n[:]...)
	b = append(b, r.State...)
	return b
}

// DecodeUpdateResponse parses a response frame.
func DecodeUpdateResponse(b []byte) (UpdateResponse, error) {
	if len(b) < 7 || b[0] != updateMagic0 || b[1] != updateMagic1 || b[2] != UpdateVersion {
		return UpdateResponse{}, ErrBadFrame
	}
	sl := int(binary.LittleEndian.Uint16(b[5:7]))
	if len(b) < 7+sl {
		return UpdateResponse{}, ErrBadFrame
	}
	state := make([]byte, sl)
	copy(state, b[7:7+sl])
	return UpdateResponse{Op: UpdateOp(b[3]), Status: Status(b[4]), State: state}, nil
}
