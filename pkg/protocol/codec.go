package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers shared with the client and VM implementations.
const (
	fieldRequestType           protowire.Number = 1
	fieldRequestAuthentication protowire.Number = 2
	fieldRequestVideoInfo      protowire.Number = 3

	fieldResponseType         protowire.Number = 1
	fieldResponseMessage      protowire.Number = 2
	fieldResponseAuthResponse protowire.Number = 3
	fieldResponseVideoInfo    protowire.Number = 4

	fieldAuthResponseType  protowire.Number = 1
	fieldAuthResponseToken protowire.Number = 2

	fieldAuthUsername protowire.Number = 1
	fieldAuthPassword protowire.Number = 2
	fieldAuthToken    protowire.Number = 3
	fieldAuthTesting  protowire.Number = 4

	fieldVideoICEServers       protowire.Number = 1
	fieldVideoPCConstraints    protowire.Number = 2
	fieldVideoVideoConstraints protowire.Number = 3
)

// ParseError is returned for bytes that are not a well-formed message.
type ParseError struct {
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "parse " + e.Message
	}
	return fmt.Sprintf("parse %s: %v", e.Message, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// MarshalRequest encodes a Request.
func MarshalRequest(r *Request) []byte {
	var b []byte
	b = appendEnum(b, fieldRequestType, int32(r.Type))
	if r.Authentication != nil {
		b = protowire.AppendTag(b, fieldRequestAuthentication, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalAuthentication(r.Authentication))
	}
	if r.VideoInfo != nil {
		b = protowire.AppendTag(b, fieldRequestVideoInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalVideoInfo(r.VideoInfo))
	}
	return b
}

// UnmarshalRequest decodes a Request. Unknown fields are skipped.
func UnmarshalRequest(b []byte) (*Request, error) {
	r := &Request{}
	sawType := false
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == fieldRequestType && typ == protowire.VarintType:
			r.Type = RequestType(int32(x))
			sawType = true
		case num == fieldRequestAuthentication && typ == protowire.BytesType:
			a, err := unmarshalAuthentication(v)
			if err != nil {
				return err
			}
			r.Authentication = a
		case num == fieldRequestVideoInfo && typ == protowire.BytesType:
			vi, err := unmarshalVideoInfo(v)
			if err != nil {
				return err
			}
			r.VideoInfo = vi
		}
		return nil
	})
	if err != nil {
		return nil, &ParseError{Message: "request", Err: err}
	}
	if !sawType {
		return nil, &ParseError{Message: "request", Err: errors.New("missing type")}
	}
	return r, nil
}

// MarshalResponse encodes a Response.
func MarshalResponse(r *Response) []byte {
	var b []byte
	b = appendEnum(b, fieldResponseType, int32(r.Type))
	if r.Message != "" {
		b = protowire.AppendTag(b, fieldResponseMessage, protowire.BytesType)
		b = protowire.AppendString(b, r.Message)
	}
	if r.AuthResponse != nil {
		var ab []byte
		ab = appendEnum(ab, fieldAuthResponseType, int32(r.AuthResponse.Type))
		ab = appendString(ab, fieldAuthResponseToken, r.AuthResponse.SessionToken)
		b = protowire.AppendTag(b, fieldResponseAuthResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, ab)
	}
	if r.VideoInfo != nil {
		b = protowire.AppendTag(b, fieldResponseVideoInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalVideoInfo(r.VideoInfo))
	}
	return b
}

// UnmarshalResponse decodes a Response. Unknown fields are skipped.
func UnmarshalResponse(b []byte) (*Response, error) {
	r := &Response{}
	sawType := false
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == fieldResponseType && typ == protowire.VarintType:
			r.Type = ResponseType(int32(x))
			sawType = true
		case num == fieldResponseMessage && typ == protowire.BytesType:
			r.Message = string(v)
		case num == fieldResponseAuthResponse && typ == protowire.BytesType:
			ar := &AuthResponse{}
			err := consumeFields(v, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
				switch {
				case num == fieldAuthResponseType && typ == protowire.VarintType:
					ar.Type = AuthResponseType(int32(x))
				case num == fieldAuthResponseToken && typ == protowire.BytesType:
					ar.SessionToken = string(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			r.AuthResponse = ar
		case num == fieldResponseVideoInfo && typ == protowire.BytesType:
			vi, err := unmarshalVideoInfo(v)
			if err != nil {
				return err
			}
			r.VideoInfo = vi
		}
		return nil
	})
	if err != nil {
		return nil, &ParseError{Message: "response", Err: err}
	}
	if !sawType {
		return nil, &ParseError{Message: "response", Err: errors.New("missing type")}
	}
	return r, nil
}

func marshalAuthentication(a *Authentication) []byte {
	var b []byte
	b = appendString(b, fieldAuthUsername, a.Username)
	b = appendString(b, fieldAuthPassword, a.Password)
	b = appendString(b, fieldAuthToken, a.SessionToken)
	if a.Testing {
		b = protowire.AppendTag(b, fieldAuthTesting, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func unmarshalAuthentication(b []byte) (*Authentication, error) {
	a := &Authentication{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == fieldAuthUsername && typ == protowire.BytesType:
			a.Username = string(v)
		case num == fieldAuthPassword && typ == protowire.BytesType:
			a.Password = string(v)
		case num == fieldAuthToken && typ == protowire.BytesType:
			a.SessionToken = string(v)
		case num == fieldAuthTesting && typ == protowire.VarintType:
			a.Testing = protowire.DecodeBool(x)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func marshalVideoInfo(v *VideoInfo) []byte {
	var b []byte
	b = appendString(b, fieldVideoICEServers, v.ICEServers)
	b = appendString(b, fieldVideoPCConstraints, v.PCConstraints)
	b = appendString(b, fieldVideoVideoConstraints, v.VideoConstraints)
	return b
}

func unmarshalVideoInfo(b []byte) (*VideoInfo, error) {
	vi := &VideoInfo{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldVideoICEServers:
			vi.ICEServers = string(v)
		case fieldVideoPCConstraints:
			vi.PCConstraints = string(v)
		case fieldVideoVideoConstraints:
			vi.VideoConstraints = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vi, nil
}

func appendEnum(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// consumeFields walks the fields of one message. For varint fields x holds
// the value, for length-delimited fields v holds the payload; other wire
// types are skipped.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, nil, x); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
