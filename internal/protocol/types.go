// Package protocol defines the websocket message set shared by the sync
// server and its clients, and the codec that moves it over the wire.
//
// A frame is a two digit, zero padded decimal message type followed by a JSON
// payload. Several frames may be packed into one Concat frame.
package protocol

import "strconv"

// Type identifies a message on the wire.
type Type uint8

// 1 - 29 modify thread state. Every such message is appended to the thread's
// log and advances its counter.
const (
	TypeInvalid Type = iota
	TypeInsert
	TypeAppend
	TypeBackspace
	TypeSplice
	TypeFinish
	TypeInsertImage
	TypeSpoiler
	TypeDeletePost
	TypeBan
	TypeLock
)

// >= 30 are control-plane only and never touch the counter
const (
	TypeSynchronise Type = 30 + iota
	TypeReclaim
	TypeAllocate
	TypeConcat
	TypeReject
	TypeDesync
	TypeSyncCount
)

// Mutates reports whether messages of this type are thread operations, that
// are logged and counted.
func (t Type) Mutates() bool {
	return t > TypeInvalid && t < TypeSynchronise
}

var typeNames = map[Type]string{
	TypeInvalid:     "invalid",
	TypeInsert:      "insert",
	TypeAppend:      "append",
	TypeBackspace:   "backspace",
	TypeSplice:      "splice",
	TypeFinish:      "finish",
	TypeInsertImage: "insert_image",
	TypeSpoiler:     "spoiler",
	TypeDeletePost:  "delete_post",
	TypeBan:         "ban",
	TypeLock:        "lock",
	TypeSynchronise: "synchronise",
	TypeReclaim:     "reclaim",
	TypeAllocate:    "allocate",
	TypeConcat:      "concat",
	TypeReject:      "reject",
	TypeDesync:      "desync",
	TypeSyncCount:   "sync_count",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "type_" + strconv.Itoa(int(t))
}

// RejectCode enumerates application level rejections. These are shown to the
// user and leave the connection synced.
type RejectCode uint8

const (
	RejectUnknown RejectCode = iota
	RejectDuplicateNonce
	RejectThreadLocked
	RejectNoTextOrImage
	RejectInvalidImage
	RejectHasImage
	RejectNoPostOpen
	RejectInvalidSplice
	RejectTooLong
	RejectNoThread
	RejectNotOwner
)

var rejectReasons = map[RejectCode]string{
	RejectUnknown:        "request rejected",
	RejectDuplicateNonce: "duplicate allocation",
	RejectThreadLocked:   "thread is locked",
	RejectNoTextOrImage:  "no text or image",
	RejectInvalidImage:   "invalid image token",
	RejectHasImage:       "post already has image",
	RejectNoPostOpen:     "no post open",
	RejectInvalidSplice:  "invalid splice coordinates",
	RejectTooLong:        "text too long",
	RejectNoThread:       "thread does not exist",
	RejectNotOwner:       "not your post",
}

func (c RejectCode) String() string {
	if s, ok := rejectReasons[c]; ok {
		return s
	}
	return rejectReasons[RejectUnknown]
}

// Reclaim result codes
const (
	ReclaimOK     = 0
	ReclaimFailed = 1
)
