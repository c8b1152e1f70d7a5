package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is the closed set of protocol messages. Only types declared in this
// package implement it.
type Message interface {
	Type() Type
	isMessage()
}

// Image is the public part of an image attached to a post
type Image struct {
	File    string    `json:"file"`
	Name    string    `json:"name"`
	SHA1    string    `json:"sha1"`
	Size    int64     `json:"size"`
	Dims    [4]uint16 `json:"dims"`
	Spoiler bool      `json:"spoiler,omitempty"`
}

// Invalid tells the client the protocol is broken. The connection is closed
// right after.
type Invalid struct {
	Reason string
}

// Insert is the broadcast of a newly allocated post. Parent is 0 for posts
// opening a new thread. Nonce lets the author recognise its own post.
type Insert struct {
	ID     uint64 `json:"id"`
	Parent uint64 `json:"parent"`
	Thread uint64 `json:"thread"`
	Time   int64  `json:"time"`
	Body   string `json:"body"`
	Nonce  string `json:"nonce,omitempty"`
	Name   string `json:"name,omitempty"`
	Image  *Image `json:"image,omitempty"`
}

// Append adds committed text to the end of an open post. Encoded as a
// [id, text] tuple.
type Append struct {
	ID   uint64
	Text string
}

func (a Append) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{a.ID, a.Text})
}

func (a *Append) UnmarshalJSON(buf []byte) error {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(buf, &tuple); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[0], &a.ID); err != nil {
		return err
	}
	return json.Unmarshal(tuple[1], &a.Text)
}

// Backspace removes the last character of the open line of a post
type Backspace struct {
	ID uint64
}

// Splice replaces part of the open line of a post. Len of -1 replaces till
// the line end.
type Splice struct {
	ID    uint64 `json:"id"`
	Start int    `json:"start"`
	Len   int    `json:"len"`
	Text  string `json:"text"`
}

// Finish closes a post. It can not be edited any further.
type Finish struct {
	ID uint64
}

// InsertImage attaches an image to an open post. Clients send a token, the
// server broadcasts the resolved image.
type InsertImage struct {
	ID      uint64 `json:"id"`
	Token   string `json:"token,omitempty"`
	Name    string `json:"name,omitempty"`
	Spoiler bool   `json:"spoiler,omitempty"`
	Image   *Image `json:"image,omitempty"`
}

// Spoiler hides the image of a post behind a spoiler
type Spoiler struct {
	ID uint64
}

// DeletePost is a moderation operation on one or more posts
type DeletePost struct {
	IDs []uint64
}

// Ban marks the author of one or more posts as banned
type Ban struct {
	IDs []uint64
}

// Lock toggles the locked status of a thread. Locked threads accept no new
// posts.
type Lock struct {
	Thread uint64 `json:"thread"`
	Locked bool   `json:"locked"`
}

// Synchronise is sent by the client with its last known counter of a thread
// and answered by the server with the current one. Thread 0 is the thread
// index.
type Synchronise struct {
	Thread uint64 `json:"thread"`
	Ctr    uint64 `json:"ctr"`
}

// Reclaim requests ownership of a post left open after a connection loss
type Reclaim struct {
	ID       uint64 `json:"id"`
	Password string `json:"password"`
}

// ReclaimResult answers a Reclaim with ReclaimOK or ReclaimFailed
type ReclaimResult struct {
	Code int
}

// Allocate requests a new post. The server answers by broadcasting an Insert
// carrying the same nonce.
type Allocate struct {
	Nonce    string `json:"nonce"`
	Parent   uint64 `json:"parent"`
	Body     string `json:"body,omitempty"`
	Image    string `json:"image,omitempty"`
	Spoiler  bool   `json:"spoiler,omitempty"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password"`
	Subject  string `json:"subject,omitempty"`
}

// Reject is an application level rejection of a request
type Reject struct {
	Code   RejectCode `json:"code"`
	Reason string     `json:"reason"`
	Nonce  string     `json:"nonce,omitempty"`
}

// Desync tells the client its state of a thread can not be caught up
// incrementally and must be reloaded
type Desync struct {
	Thread uint64 `json:"thread"`
}

// SyncCount is the number of unique clients synced to a thread
type SyncCount struct {
	Count int
}

func (Invalid) Type() Type       { return TypeInvalid }
func (Insert) Type() Type        { return TypeInsert }
func (Append) Type() Type        { return TypeAppend }
func (Backspace) Type() Type     { return TypeBackspace }
func (Splice) Type() Type        { return TypeSplice }
func (Finish) Type() Type        { return TypeFinish }
func (InsertImage) Type() Type   { return TypeInsertImage }
func (Spoiler) Type() Type       { return TypeSpoiler }
func (DeletePost) Type() Type    { return TypeDeletePost }
func (Ban) Type() Type           { return TypeBan }
func (Lock) Type() Type          { return TypeLock }
func (Synchronise) Type() Type   { return TypeSynchronise }
func (Reclaim) Type() Type       { return TypeReclaim }
func (ReclaimResult) Type() Type { return TypeReclaim }
func (Allocate) Type() Type      { return TypeAllocate }
func (Reject) Type() Type        { return TypeReject }
func (Desync) Type() Type        { return TypeDesync }
func (SyncCount) Type() Type     { return TypeSyncCount }

func (Invalid) isMessage()       {}
func (Insert) isMessage()        {}
func (Append) isMessage()        {}
func (Backspace) isMessage()     {}
func (Splice) isMessage()        {}
func (Finish) isMessage()        {}
func (InsertImage) isMessage()   {}
func (Spoiler) isMessage()       {}
func (DeletePost) isMessage()    {}
func (Ban) isMessage()           {}
func (Lock) isMessage()          {}
func (Synchronise) isMessage()   {}
func (Reclaim) isMessage()       {}
func (ReclaimResult) isMessage() {}
func (Allocate) isMessage()      {}
func (Reject) isMessage()        {}
func (Desync) isMessage()        {}
func (SyncCount) isMessage()     {}

// payload returns the value JSON encoded after the type prefix
func payload(m Message) (interface{}, error) {
	switch m := m.(type) {
	case Invalid:
		return m.Reason, nil
	case Backspace:
		return m.ID, nil
	case Finish:
		return m.ID, nil
	case Spoiler:
		return m.ID, nil
	case DeletePost:
		return m.IDs, nil
	case Ban:
		return m.IDs, nil
	case ReclaimResult:
		return m.Code, nil
	case SyncCount:
		return m.Count, nil
	case Insert, Append, Splice, InsertImage, Lock, Synchronise, Reclaim,
		Allocate, Reject, Desync:
		return m, nil
	default:
		return nil, fmt.Errorf("protocol: unknown message %T", m)
	}
}

// OpID returns the post a thread operation targets. Only the first id is
// returned for multi-post operations.
func OpID(m Message) (uint64, bool) {
	switch m := m.(type) {
	case Insert:
		return m.ID, true
	case Append:
		return m.ID, true
	case Backspace:
		return m.ID, true
	case Splice:
		return m.ID, true
	case Finish:
		return m.ID, true
	case InsertImage:
		return m.ID, true
	case Spoiler:
		return m.ID, true
	case DeletePost:
		return firstID(m.IDs)
	case Ban:
		return firstID(m.IDs)
	default:
		return 0, false
	}
}

func firstID(ids []uint64) (uint64, bool) {
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}
