// Package proto defines the wire protocol spoken on the daemon's unix
// socket: a length-prefixed, msgpack-encoded header frame for every
// request and reply (see Request/Reply), and an asymmetric Chunk framing
// for the daemon-to-attacher output stream that follows a successful
// Attach.
//
// The header frame format is
//
//	u32 length (little-endian)
//	<length> bytes of msgpack-encoded payload
//
// and is encoded with github.com/vmihailenco/msgpack/v5.
package proto

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ianremillard/corral/internal/tty"
)

// MaxFrameLen bounds the length prefix on header frames so a malformed or
// hostile peer can't force an unbounded allocation.
const MaxFrameLen = 1 << 20 // 1 MiB

// RequestType tags the variant carried by a Request.
type RequestType uint8

const (
	ReqAttach RequestType = iota
	ReqList
	ReqSessionMessage
	ReqDetach
	ReqKill
	ReqRemoteCommandLock
	ReqLocalCommandSetName
)

func (t RequestType) String() string {
	switch t {
	case ReqAttach:
		return "attach"
	case ReqList:
		return "list"
	case ReqSessionMessage:
		return "session_message"
	case ReqDetach:
		return "detach"
	case ReqKill:
		return "kill"
	case ReqRemoteCommandLock:
		return "remote_command_lock"
	case ReqLocalCommandSetName:
		return "local_command_set_name"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// AttachHeader is the metadata a client sends when it first dials in to
// indicate which session it wants to create or join.
type AttachHeader struct {
	Name         string
	Term         string
	LocalTTYSize tty.Size
	LocalEnv     [][2]string
	Force        bool
}

// EnvGet finds a variable by name in LocalEnv.
func (h *AttachHeader) EnvGet(name string) (string, bool) {
	for _, kv := range h.LocalEnv {
		if kv[0] == name {
			return kv[1], true
		}
	}
	return "", false
}

// ResizeRequest carries a new local tty size, generated when `corral
// attach` receives a SIGWINCH.
type ResizeRequest struct {
	TTYSize tty.Size
}

// SessionMessagePayloadType tags SessionMessageRequest.Payload.
type SessionMessagePayloadType uint8

const (
	SessionMsgResize SessionMessagePayloadType = iota
	SessionMsgDetach
)

// SessionMessageRequest routes a message to an already-running session.
type SessionMessageRequest struct {
	SessionName string
	PayloadType SessionMessagePayloadType
	Resize      *ResizeRequest `msgpack:",omitempty"`
}

// DetachRequest asks the daemon to force-detach the named sessions.
type DetachRequest struct {
	Sessions []string
}

// KillRequest asks the daemon to terminate the named sessions' shells.
type KillRequest struct {
	Sessions []string
}

// LocalCommandSetNameRequest is sent by the local half of the SSH
// rendezvous handshake (see internal/rendezvous).
type LocalCommandSetNameRequest struct {
	Name         string
	Term         string
	LocalTTYSize tty.Size
}

// Request is the tagged union written as a header frame from client to
// daemon. Only the pointer field matching Type is populated; ReqList and
// ReqRemoteCommandLock carry no payload, so every pointer field is nil.
type Request struct {
	Type                RequestType
	Attach              *AttachHeader              `msgpack:",omitempty"`
	SessionMessage      *SessionMessageRequest     `msgpack:",omitempty"`
	Detach              *DetachRequest             `msgpack:",omitempty"`
	Kill                *KillRequest               `msgpack:",omitempty"`
	LocalCommandSetName *LocalCommandSetNameRequest `msgpack:",omitempty"`
}

// AttachStatus indicates what happened during an attach attempt.
type AttachStatus uint8

const (
	StatusAttached AttachStatus = iota
	StatusCreated
	StatusBusy
	StatusTimeout
	StatusSshExtensionParkingSlotFull
	StatusUnexpectedError
)

func (s AttachStatus) String() string {
	switch s {
	case StatusAttached:
		return "attached"
	case StatusCreated:
		return "created"
	case StatusBusy:
		return "busy"
	case StatusTimeout:
		return "timeout"
	case StatusSshExtensionParkingSlotFull:
		return "parking slot full"
	case StatusUnexpectedError:
		return "unexpected error"
	default:
		return "unknown"
	}
}

// AttachReply is the header frame sent back in response to Attach; a byte
// stream of Chunks begins immediately afterward if the status indicates
// success.
type AttachReply struct {
	Status  AttachStatus
	Message string `msgpack:",omitempty"` // populated for UnexpectedError
}

// Session is one row of a ListReply.
type Session struct {
	Name            string
	StartedAtUnixMs int64
}

// ListReply enumerates the daemon's currently known sessions.
type ListReply struct {
	Sessions []Session
}

// SessionMessageReplyStatus tags SessionMessageReply.
type SessionMessageReplyStatus uint8

const (
	SessionMsgReplyNotFound SessionMessageReplyStatus = iota
	SessionMsgReplyNotAttached
	SessionMsgReplyResizeOk
	SessionMsgReplyResizeFailed
	SessionMsgReplyDetachOk
)

// SessionMessageReply answers a SessionMessageRequest.
type SessionMessageReply struct {
	Status SessionMessageReplyStatus
}

// DetachReply answers a batch Detach request.
type DetachReply struct {
	NotFoundSessions    []string
	NotAttachedSessions []string
}

// KillReply answers a batch Kill request.
type KillReply struct {
	NotFoundSessions []string
}

// LocalCommandSetNameStatus tags LocalCommandSetNameReply.
type LocalCommandSetNameStatus uint8

const (
	LocalCommandSetNameOk LocalCommandSetNameStatus = iota
	LocalCommandSetNameTimeout
)

// LocalCommandSetNameReply answers a LocalCommandSetName request.
type LocalCommandSetNameReply struct {
	Status LocalCommandSetNameStatus
}

// Reply is the tagged union written as a header frame from daemon to
// client for every request type except the byte stream that follows a
// successful Attach.
type Reply struct {
	Type                RequestType
	Attach              *AttachReply             `msgpack:",omitempty"`
	List                *ListReply               `msgpack:",omitempty"`
	SessionMessage      *SessionMessageReply     `msgpack:",omitempty"`
	Detach              *DetachReply             `msgpack:",omitempty"`
	Kill                *KillReply               `msgpack:",omitempty"`
	LocalCommandSetName *LocalCommandSetNameReply `msgpack:",omitempty"`
}

// WriteFrame writes a length-prefixed, msgpack-encoded header frame.
func WriteFrame(w io.Writer, v any) error {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed header frame and msgpack-decodes it
// into v. A declared length greater than MaxFrameLen is rejected outright
// so no allocation is attempted for it.
func ReadFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxFrameLen {
		return fmt.Errorf("frame of %d bytes exceeds %d byte limit", n, MaxFrameLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("reading frame body: %w", err)
	}
	if err := msgpack.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}

// ChunkKind tags a Chunk as shell output or a keepalive.
type ChunkKind uint8

const (
	ChunkData ChunkKind = iota
	ChunkHeartbeat
)

// WriteChunk writes a single Chunk frame: 1 byte kind, u32 little-endian
// length, then the payload. Heartbeats carry a zero-length payload.
func WriteChunk(w io.Writer, kind ChunkKind, payload []byte) error {
	var hdr [5]byte
	hdr[0] = byte(kind)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadChunk reads a single Chunk frame into buf, returning the kind and
// the slice of buf that holds the payload. An unrecognized kind is a
// protocol error that must terminate the connection.
func ReadChunk(r io.Reader, buf []byte) (ChunkKind, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	kind := ChunkKind(hdr[0])
	if kind != ChunkData && kind != ChunkHeartbeat {
		return 0, nil, fmt.Errorf("unknown chunk kind %d", hdr[0])
	}
	n := binary.LittleEndian.Uint32(hdr[1:])
	if int(n) > len(buf) {
		return 0, nil, fmt.Errorf("chunk of %d bytes exceeds %d byte buffer", n, len(buf))
	}
	if n == 0 {
		return kind, nil, nil
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return 0, nil, err
	}
	return kind, buf[:n], nil
}
