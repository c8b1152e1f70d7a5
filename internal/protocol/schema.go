package protocol

import (
	"strconv"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"threadsync/internal/body"
)

// Kind is the JSON kind a Shape accepts
type Kind uint8

const (
	KindString Kind = iota
	KindUint
	KindInt
	KindBool
	KindObject
	KindTuple
	// One or more unsigned ids
	KindIDs
)

// Shape declares the structure of a payload. Payloads are checked against it
// before being decoded, so malformed input never reaches a handler.
type Shape struct {
	Kind Kind
	// Object keys. Keys not listed are rejected.
	Fields []Field
	// Tuple elements
	Elems []Shape
	// Maximum characters for strings, elements for id lists. 0 is unbounded.
	Max int
}

// Field is a key of an object shape
type Field struct {
	Key      string
	Shape    Shape
	Optional bool
}

var (
	strS    = Shape{Kind: KindString}
	uintS   = Shape{Kind: KindUint}
	intS    = Shape{Kind: KindInt}
	boolS   = Shape{Kind: KindBool}
	idsS    = Shape{Kind: KindIDs, Max: 500}
	textS   = Shape{Kind: KindString, Max: body.MaxLenBody}
	nameS   = Shape{Kind: KindString, Max: 50}
	tokenS  = Shape{Kind: KindString, Max: 127}
	secretS = Shape{Kind: KindString, Max: 50}
)

func object(fields ...Field) Shape {
	return Shape{Kind: KindObject, Fields: fields}
}

func tuple(elems ...Shape) Shape {
	return Shape{Kind: KindTuple, Elems: elems}
}

func req(key string, s Shape) Field {
	return Field{Key: key, Shape: s}
}

func opt(key string, s Shape) Field {
	return Field{Key: key, Shape: s, Optional: true}
}

var imageShape = object(
	req("file", strS),
	req("name", nameS),
	req("sha1", strS),
	req("size", intS),
	req("dims", tuple(uintS, uintS, uintS, uintS)),
	opt("spoiler", boolS),
)

// Shapes of messages accepted from clients
var clientShapes = map[Type]Shape{
	TypeAppend:    tuple(uintS, textS),
	TypeBackspace: uintS,
	TypeSplice: object(
		req("id", uintS),
		req("start", uintS),
		req("len", intS),
		req("text", textS),
	),
	TypeFinish: uintS,
	TypeInsertImage: object(
		req("id", uintS),
		req("token", tokenS),
		opt("name", Shape{Kind: KindString, Max: 200}),
		opt("spoiler", boolS),
	),
	TypeSpoiler:    uintS,
	TypeDeletePost: idsS,
	TypeBan:        idsS,
	TypeLock: object(
		req("thread", uintS),
		req("locked", boolS),
	),
	TypeSynchronise: object(
		req("thread", uintS),
		req("ctr", uintS),
	),
	TypeReclaim: object(
		req("id", uintS),
		req("password", secretS),
	),
	TypeAllocate: object(
		req("nonce", Shape{Kind: KindString, Max: 128}),
		req("parent", uintS),
		opt("body", textS),
		opt("image", tokenS),
		opt("spoiler", boolS),
		opt("name", nameS),
		req("password", secretS),
		opt("subject", Shape{Kind: KindString, Max: 100}),
	),
}

// Shapes of messages accepted from the server
var serverShapes = map[Type]Shape{
	TypeInvalid: strS,
	TypeInsert: object(
		req("id", uintS),
		req("parent", uintS),
		req("thread", uintS),
		req("time", intS),
		req("body", strS),
		opt("nonce", strS),
		opt("name", strS),
		opt("image", imageShape),
	),
	TypeAppend:    tuple(uintS, strS),
	TypeBackspace: uintS,
	TypeSplice: object(
		req("id", uintS),
		req("start", uintS),
		req("len", intS),
		req("text", strS),
	),
	TypeFinish: uintS,
	TypeInsertImage: object(
		req("id", uintS),
		req("image", imageShape),
	),
	TypeSpoiler:    uintS,
	TypeDeletePost: idsS,
	TypeBan:        idsS,
	TypeLock: object(
		req("thread", uintS),
		req("locked", boolS),
	),
	TypeSynchronise: object(
		req("thread", uintS),
		req("ctr", uintS),
	),
	TypeReclaim: uintS,
	TypeReject: object(
		req("code", uintS),
		req("reason", strS),
		opt("nonce", strS),
	),
	TypeDesync:    object(req("thread", uintS)),
	TypeSyncCount: uintS,
}

// Validate checks a JSON payload against a shape
func Validate(data []byte, s Shape) error {
	if !gjson.ValidBytes(data) {
		return invalidf("malformed JSON")
	}
	return check(gjson.ParseBytes(data), s, "$")
}

func check(r gjson.Result, s Shape, path string) error {
	switch s.Kind {
	case KindString:
		if r.Type != gjson.String {
			return invalidf("%s: expected string", path)
		}
		if s.Max > 0 && utf8.RuneCountInString(r.Str) > s.Max {
			return invalidf("%s: string too long", path)
		}
	case KindUint:
		if r.Type != gjson.Number {
			return invalidf("%s: expected unsigned integer", path)
		}
		if _, err := strconv.ParseUint(r.Raw, 10, 64); err != nil {
			return invalidf("%s: expected unsigned integer", path)
		}
	case KindInt:
		if r.Type != gjson.Number {
			return invalidf("%s: expected integer", path)
		}
		if _, err := strconv.ParseInt(r.Raw, 10, 64); err != nil {
			return invalidf("%s: expected integer", path)
		}
	case KindBool:
		if !r.IsBool() {
			return invalidf("%s: expected boolean", path)
		}
	case KindObject:
		return checkObject(r, s, path)
	case KindTuple:
		if !r.IsArray() {
			return invalidf("%s: expected tuple", path)
		}
		elems := r.Array()
		if len(elems) != len(s.Elems) {
			return invalidf("%s: expected %d elements", path, len(s.Elems))
		}
		for i, e := range elems {
			err := check(e, s.Elems[i], path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return err
			}
		}
	case KindIDs:
		if !r.IsArray() {
			return invalidf("%s: expected id list", path)
		}
		elems := r.Array()
		if len(elems) == 0 {
			return invalidf("%s: expected at least one id", path)
		}
		if s.Max > 0 && len(elems) > s.Max {
			return invalidf("%s: too many ids", path)
		}
		for i, e := range elems {
			err := check(e, uintS, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return err
			}
		}
	default:
		return invalidf("%s: unknown shape", path)
	}
	return nil
}

func checkObject(r gjson.Result, s Shape, path string) (err error) {
	if !r.IsObject() {
		return invalidf("%s: expected object", path)
	}

	known := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Key] = struct{}{}
	}
	r.ForEach(func(key, _ gjson.Result) bool {
		if _, ok := known[key.Str]; !ok {
			err = invalidf("%s: unknown key %q", path, key.Str)
			return false
		}
		return true
	})
	if err != nil {
		return
	}

	for _, f := range s.Fields {
		v := r.Get(gjsonKey(f.Key))
		if !v.Exists() {
			if f.Optional {
				continue
			}
			return invalidf("%s: missing key %q", path, f.Key)
		}
		if err = check(v, f.Shape, path+"."+f.Key); err != nil {
			return
		}
	}
	return
}

// Keys used in shapes are plain identifiers, but escape gjson's path syntax
// anyway.
func gjsonKey(key string) string {
	var buf []byte
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', '\\':
			buf = append(buf, '\\')
		}
		buf = append(buf, key[i])
	}
	return string(buf)
}
