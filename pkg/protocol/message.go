// Package protocol implements the SVMP client/VM wire messages: protobuf
// encoded Request and Response values, each preceded by a varint length.
package protocol

import "strconv"

// RequestType identifies a client-to-server message.
type RequestType int32

const (
	RequestUser         RequestType = 0
	RequestAuth         RequestType = 1
	RequestVideoParams  RequestType = 2
	RequestTouchEvent   RequestType = 3
	RequestSensorEvent  RequestType = 4
	RequestIntent       RequestType = 5
	RequestLocation     RequestType = 6
	RequestScreenInfo   RequestType = 7
	RequestWebRTC       RequestType = 8
	RequestRotationInfo RequestType = 9
	RequestPing         RequestType = 10
	RequestTimezone     RequestType = 11
	RequestApps         RequestType = 12
	RequestNotification RequestType = 13
	RequestConfig       RequestType = 14
)

var requestTypeNames = map[RequestType]string{
	RequestUser:         "USER",
	RequestAuth:         "AUTH",
	RequestVideoParams:  "VIDEO_PARAMS",
	RequestTouchEvent:   "TOUCHEVENT",
	RequestSensorEvent:  "SENSOREVENT",
	RequestIntent:       "INTENT",
	RequestLocation:     "LOCATION",
	RequestScreenInfo:   "SCREENINFO",
	RequestWebRTC:       "WEBRTC",
	RequestRotationInfo: "ROTATION_INFO",
	RequestPing:         "PING",
	RequestTimezone:     "TIMEZONE",
	RequestApps:         "APPS",
	RequestNotification: "NOTIFICATION",
	RequestConfig:       "CONFIG",
}

func (t RequestType) String() string {
	if name, ok := requestTypeNames[t]; ok {
		return name
	}
	return "RequestType(" + strconv.Itoa(int(t)) + ")"
}

// ParseRequestType maps a type name such as "TOUCHEVENT" back to its value.
func ParseRequestType(name string) (RequestType, bool) {
	for t, n := range requestTypeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// ResponseType identifies a server-to-client message.
type ResponseType int32

const (
	ResponseError         ResponseType = 0
	ResponseAuth          ResponseType = 1
	ResponseVMReady       ResponseType = 2
	ResponseScreenInfo    ResponseType = 3
	ResponseIntent        ResponseType = 4
	ResponseNotification  ResponseType = 5
	ResponseLocation      ResponseType = 6
	ResponseWebRTC        ResponseType = 7
	ResponsePing          ResponseType = 8
	ResponseApps          ResponseType = 9
	ResponseVidStreamInfo ResponseType = 10
)

var responseTypeNames = map[ResponseType]string{
	ResponseError:         "ERROR",
	ResponseAuth:          "AUTH",
	ResponseVMReady:       "VMREADY",
	ResponseScreenInfo:    "SCREENINFO",
	ResponseIntent:        "INTENT",
	ResponseNotification:  "NOTIFICATION",
	ResponseLocation:      "LOCATION",
	ResponseWebRTC:        "WEBRTC",
	ResponsePing:          "PING",
	ResponseApps:          "APPS",
	ResponseVidStreamInfo: "VIDSTREAMINFO",
}

func (t ResponseType) String() string {
	if name, ok := responseTypeNames[t]; ok {
		return name
	}
	return "ResponseType(" + strconv.Itoa(int(t)) + ")"
}

// AuthResponseType is the outcome carried by an AUTH response.
type AuthResponseType int32

const (
	AuthOK                AuthResponseType = 0
	AuthFail              AuthResponseType = 1
	AuthSessionMaxTimeout AuthResponseType = 2
)

func (t AuthResponseType) String() string {
	switch t {
	case AuthOK:
		return "AUTH_OK"
	case AuthFail:
		return "AUTH_FAIL"
	case AuthSessionMaxTimeout:
		return "SESSION_MAX_TIMEOUT"
	}
	return "AuthResponseType(" + strconv.Itoa(int(t)) + ")"
}

// Authentication is the credential payload of an AUTH request.
type Authentication struct {
	Username     string
	Password     string
	SessionToken string
	Testing      bool
}

// VideoInfo carries the JSON-encoded WebRTC configuration. The proxy
// treats its fields as opaque strings.
type VideoInfo struct {
	ICEServers       string
	PCConstraints    string
	VideoConstraints string
}

// AuthResponse is the payload of an AUTH response.
type AuthResponse struct {
	Type         AuthResponseType
	SessionToken string
}

// Request is a client-to-server message.
type Request struct {
	Type           RequestType
	Authentication *Authentication
	VideoInfo      *VideoInfo
}

// Response is a server-to-client message.
type Response struct {
	Type         ResponseType
	Message      string
	AuthResponse *AuthResponse
	VideoInfo    *VideoInfo
}

// NewError builds an ERROR response.
func NewError(msg string) *Response {
	return &Response{Type: ResponseError, Message: msg}
}

// NewAuthOK builds the AUTH response confirming a login.
func NewAuthOK(token string) *Response {
	return &Response{Type: ResponseAuth, AuthResponse: &AuthResponse{Type: AuthOK, SessionToken: token}}
}

// NewAuthFail builds the AUTH response rejecting a login.
func NewAuthFail() *Response {
	return &Response{Type: ResponseAuth, AuthResponse: &AuthResponse{Type: AuthFail}}
}

// NewSessionMaxTimeout builds the AUTH notice sent when a session expires.
func NewSessionMaxTimeout() *Response {
	return &Response{Type: ResponseAuth, AuthResponse: &AuthResponse{Type: AuthSessionMaxTimeout}}
}
