// Package proto defines the message kinds and payload frames the userspace
// services exchange over kernel IPC endpoints.
package proto

// Kind identifies the message type carried in ipc.Header.Ty.
type Kind uint16

const (
	MsgStateFS Kind = iota + 1
	MsgStateFSResp
	MsgUpdate
	MsgUpdateResp
	MsgLogLine
	MsgShutdown
)

func (k Kind) String() string {
	switch k {
	case MsgStateFS:
		return "statefs"
	case MsgStateFSResp:
		return "statefs_resp"
	case MsgUpdate:
		return "update"
	case MsgUpdateResp:
		return "update_resp"
	case MsgLogLine:
		return "log_line"
	case MsgShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Status is the result code carried in every response frame.
type Status uint8

const (
	StatusOK Status = iota
	StatusBadFrame
	StatusInvalid
	StatusNotFound
	StatusTooLarge
	StatusFull
	StatusConflict
	StatusIntegrity
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadFrame:
		return "bad_frame"
	case StatusInvalid:
		return "invalid"
	case StatusNotFound:
		return "not_found"
	case StatusTooLarge:
		return "too_large"
	case StatusFull:
		return "full"
	case StatusConflict:
		return "conflict"
	case StatusIntegrity:
		return "integrity"
	case StatusInternal:
		return "internal"
	default:
		return "unknown"
	}
}
