package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Separates frames inside a Concat frame. JSON encoding never emits a raw NUL.
const concatSeparator = 0

// InvalidError is a protocol violation: a frame that does not follow the
// message structure, or a message the sender is not allowed to send.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return "invalid message: " + e.Reason
}

func invalidf(format string, args ...interface{}) error {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

// IsInvalid reports, if err is or wraps a protocol violation
func IsInvalid(err error) bool {
	var e *InvalidError
	return errors.As(err, &e)
}

// Encode a message into a frame
func Encode(m Message) ([]byte, error) {
	p, err := payload(m)
	if err != nil {
		return nil, err
	}
	buf, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return append(prefix(m.Type()), buf...), nil
}

// Prefix a payload with its message type
func prefix(t Type) []byte {
	return []byte{'0' + byte(t/10), '0' + byte(t%10)}
}

// SplitType separates a frame into its message type and payload
func SplitType(frame []byte) (Type, []byte, error) {
	if len(frame) < 2 {
		return 0, nil, invalidf("frame too short")
	}
	a, b := frame[0], frame[1]
	if a < '0' || a > '9' || b < '0' || b > '9' {
		return 0, nil, invalidf("bad type prefix %q", frame[:2])
	}
	return Type((a-'0')*10 + b - '0'), frame[2:], nil
}

// Concat packs several frames into one. Concat frames among the inputs are
// flattened. A single frame is returned as is.
func Concat(frames ...[]byte) []byte {
	if len(frames) == 1 {
		return frames[0]
	}
	parts := make([][]byte, 0, len(frames))
	for _, f := range frames {
		if t, p, err := SplitType(f); err == nil && t == TypeConcat {
			parts = append(parts, bytes.Split(p, []byte{concatSeparator})...)
		} else {
			parts = append(parts, f)
		}
	}
	return append(prefix(TypeConcat), bytes.Join(parts, []byte{concatSeparator})...)
}

// Split unpacks a frame into the frames it contains. Non-concat frames yield
// themselves.
func Split(frame []byte) ([][]byte, error) {
	t, p, err := SplitType(frame)
	if err != nil {
		return nil, err
	}
	if t != TypeConcat {
		return [][]byte{frame}, nil
	}
	var out [][]byte
	for _, part := range bytes.Split(p, []byte{concatSeparator}) {
		inner, err := Split(part)
		if err != nil {
			return nil, err
		}
		out = append(out, inner...)
	}
	return out, nil
}

// DecodeClient decodes a frame sent by a client
func DecodeClient(frame []byte) (Message, error) {
	t, p, err := SplitType(frame)
	if err != nil {
		return nil, err
	}
	shape, ok := clientShapes[t]
	if !ok {
		return nil, invalidf("unexpected message type %s", t)
	}
	if err := Validate(p, shape); err != nil {
		return nil, err
	}
	return decode(t, p, false)
}

// DecodeServer decodes a frame sent by the server. Concat frames are unpacked
// recursively and their messages returned in order.
func DecodeServer(frame []byte) ([]Message, error) {
	t, p, err := SplitType(frame)
	if err != nil {
		return nil, err
	}
	if t == TypeConcat {
		var out []Message
		for _, part := range bytes.Split(p, []byte{concatSeparator}) {
			msgs, err := DecodeServer(part)
			if err != nil {
				return nil, err
			}
			out = append(out, msgs...)
		}
		return out, nil
	}

	shape, ok := serverShapes[t]
	if !ok {
		return nil, invalidf("unexpected message type %s", t)
	}
	if err := Validate(p, shape); err != nil {
		return nil, err
	}
	m, err := decode(t, p, true)
	if err != nil {
		return nil, err
	}
	return []Message{m}, nil
}

// Decode a validated payload into its message struct
func decode(t Type, p []byte, fromServer bool) (m Message, err error) {
	unmarshal := func(dst interface{}) {
		if e := json.Unmarshal(p, dst); e != nil {
			err = invalidf("%s: %v", t, e)
		}
	}

	switch t {
	case TypeInvalid:
		var s string
		unmarshal(&s)
		m = Invalid{Reason: s}
	case TypeInsert:
		var msg Insert
		unmarshal(&msg)
		m = msg
	case TypeAppend:
		var msg Append
		unmarshal(&msg)
		m = msg
	case TypeBackspace:
		var id uint64
		unmarshal(&id)
		m = Backspace{ID: id}
	case TypeSplice:
		var msg Splice
		unmarshal(&msg)
		m = msg
	case TypeFinish:
		var id uint64
		unmarshal(&id)
		m = Finish{ID: id}
	case TypeInsertImage:
		var msg InsertImage
		unmarshal(&msg)
		m = msg
	case TypeSpoiler:
		var id uint64
		unmarshal(&id)
		m = Spoiler{ID: id}
	case TypeDeletePost:
		var ids []uint64
		unmarshal(&ids)
		m = DeletePost{IDs: ids}
	case TypeBan:
		var ids []uint64
		unmarshal(&ids)
		m = Ban{IDs: ids}
	case TypeLock:
		var msg Lock
		unmarshal(&msg)
		m = msg
	case TypeSynchronise:
		var msg Synchronise
		unmarshal(&msg)
		m = msg
	case TypeReclaim:
		if fromServer {
			var code int
			unmarshal(&code)
			m = ReclaimResult{Code: code}
		} else {
			var msg Reclaim
			unmarshal(&msg)
			m = msg
		}
	case TypeAllocate:
		var msg Allocate
		unmarshal(&msg)
		m = msg
	case TypeReject:
		var msg Reject
		unmarshal(&msg)
		m = msg
	case TypeDesync:
		var msg Desync
		unmarshal(&msg)
		m = msg
	case TypeSyncCount:
		var n int
		unmarshal(&n)
		m = SyncCount{Count: n}
	default:
		return nil, invalidf("unexpected message type %s", t)
	}
	if err != nil {
		return nil, err
	}
	return
}
