package ipc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/omnirec/omnirec/internal/capture"
	"github.com/omnirec/omnirec/internal/encoder"
	"github.com/omnirec/omnirec/internal/service"
)

// MessageType is the "type" tag of a Message.
type MessageType string

// Commands, sent by clients.
const (
	TypeStartRecording     MessageType = "start_recording"
	TypeStopRecording      MessageType = "stop_recording"
	TypeValidateToken      MessageType = "validate_token"
	TypeStoreToken         MessageType = "store_token"
	TypeListCaptureTargets MessageType = "list_capture_targets"
	TypeGetState           MessageType = "get_state"
	TypeGetElapsedTime     MessageType = "get_elapsed_time"
	TypeGetOutputFormat    MessageType = "get_output_format"
	TypeSetOutputFormat    MessageType = "set_output_format"
	TypeGetAudioConfig     MessageType = "get_audio_config"
	TypeSetAudioConfig     MessageType = "set_audio_config"
	TypePing               MessageType = "ping"
	TypeShutdown           MessageType = "shutdown"
)

// Events and replies, sent by the service.
const (
	TypeStateChanged   MessageType = "state_changed"
	TypeError          MessageType = "error"
	TypeRecordingSaved MessageType = "recording_saved"
	TypeTargetsChanged MessageType = "targets_changed"

	TypeOK           MessageType = "ok"
	TypeTargets      MessageType = "targets"
	TypeState        MessageType = "state"
	TypeTokenValid   MessageType = "token_valid"
	TypeTokenInvalid MessageType = "token_invalid"
	TypeTokenStored  MessageType = "token_stored"
	TypeElapsedTime  MessageType = "elapsed_time"
	TypeOutputFormat MessageType = "output_format"
	TypeAudioConfig  MessageType = "audio_config"
	TypePong         MessageType = "pong"
)

var commands = map[MessageType]bool{
	TypeStartRecording:     true,
	TypeStopRecording:      true,
	TypeValidateToken:      true,
	TypeStoreToken:         true,
	TypeListCaptureTargets: true,
	TypeGetState:           true,
	TypeGetElapsedTime:     true,
	TypeGetOutputFormat:    true,
	TypeSetOutputFormat:    true,
	TypeGetAudioConfig:     true,
	TypeSetAudioConfig:     true,
	TypePing:               true,
	TypeShutdown:           true,
}

// IsCommand reports whether t is sent by clients.
func (t MessageType) IsCommand() bool {
	return commands[t]
}

// TokenLength is the hex length of an approval token.
const TokenLength = 64

// Message is the single wire type. Only the fields of its Type are set; a reply
// carries the command type it answers in ReplyTo.
type Message struct {
	Type    MessageType `json:"type"`
	ReplyTo MessageType `json:"reply_to,omitempty"`

	// start_recording; set_audio_config, audio_config
	Target *capture.Target      `json:"target,omitempty"`
	Audio  *service.AudioConfig `json:"audio,omitempty"`

	// set_output_format, output_format
	Format string `json:"format,omitempty"`

	// elapsed_time, in whole seconds
	Seconds *uint64 `json:"seconds,omitempty"`

	// validate_token, store_token
	Token string `json:"token,omitempty"`

	// state_changed, state
	State     service.State        `json:"state,omitempty"`
	Session   *service.SessionInfo `json:"session,omitempty"`
	LastError string               `json:"last_error,omitempty"`

	// error
	Error *ErrorInfo `json:"error,omitempty"`

	// recording_saved
	Path    string `json:"path,omitempty"`
	Partial bool   `json:"partial,omitempty"`

	// targets, targets_changed
	Targets *capture.Targets `json:"targets,omitempty"`
}

// Reply returns an empty reply of type t answering m.
func (m *Message) Reply(t MessageType) *Message {
	return &Message{Type: t, ReplyTo: m.Type}
}

// Validate checks the parameters of a command.
func (m *Message) Validate() error {
	if !m.Type.IsCommand() {
		return fmt.Errorf("%w: %q is not a command", ErrInvalidMessage, m.Type)
	}
	switch m.Type {
	case TypeStartRecording:
		if m.Target == nil {
			return fmt.Errorf("%w: start_recording requires a target", ErrInvalidMessage)
		}
		if err := m.Target.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if m.Audio != nil {
			if err := m.Audio.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
		}
	case TypeSetOutputFormat:
		if _, err := encoder.ParseOutputFormat(m.Format); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	case TypeSetAudioConfig:
		if m.Audio == nil {
			return fmt.Errorf("%w: set_audio_config requires audio", ErrInvalidMessage)
		}
		if err := m.Audio.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	case TypeValidateToken, TypeStoreToken:
		if !ValidToken(m.Token) {
			return fmt.Errorf("%w: malformed token", ErrInvalidMessage)
		}
	}
	return nil
}

// ValidToken reports whether s has the shape of an approval token.
func ValidToken(s string) bool {
	if len(s) != TokenLength {
		return false
	}
	return !strings.ContainsFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f')
	})
}

// ErrorCode classifies an error on the wire.
type ErrorCode string

const (
	CodeConnectionFailed ErrorCode = "connection_failed"
	CodeInvalidTarget    ErrorCode = "invalid_target"
	CodeCaptureFailed    ErrorCode = "capture_failed"
	CodeNotSupported     ErrorCode = "not_supported"
	CodeNotImplemented   ErrorCode = "not_implemented"
	CodeTimeout          ErrorCode = "timeout"
	CodeEncoderFault     ErrorCode = "encoder_fault"
	CodeStateConflict    ErrorCode = "state_conflict"
	CodeInvalidRequest   ErrorCode = "invalid_request"
	CodeInternal         ErrorCode = "internal"
)

var codeErrors = []struct {
	code ErrorCode
	err  error
}{
	{CodeConnectionFailed, ErrConnectionFailed},
	{CodeInvalidTarget, capture.ErrInvalidTarget},
	{CodeCaptureFailed, capture.ErrCaptureFailed},
	{CodeNotSupported, capture.ErrNotSupported},
	{CodeNotImplemented, capture.ErrNotImplemented},
	{CodeTimeout, ErrTimeout},
	{CodeEncoderFault, encoder.ErrEncoderFault},
	{CodeStateConflict, service.ErrStateConflict},
	{CodeInvalidRequest, ErrInvalidMessage},
}

// ErrorInfo is the error payload. It implements error, and errors.Is matches it against
// the sentinel its code was derived from.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewErrorInfo classifies err.
func NewErrorInfo(err error) *ErrorInfo {
	info := &ErrorInfo{Code: CodeInternal, Message: err.Error()}
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			info.Code = ce.code
			break
		}
	}
	return info
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ErrorInfo) Is(target error) bool {
	for _, ce := range codeErrors {
		if ce.code == e.Code {
			return ce.err == target
		}
	}
	return false
}

// ErrorMessage builds an error event, or an error reply when replyTo is set.
func ErrorMessage(replyTo MessageType, err error) *Message {
	return &Message{Type: TypeError, ReplyTo: replyTo, Error: NewErrorInfo(err)}
}
