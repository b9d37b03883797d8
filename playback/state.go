package playback

import (
	"errors"
	"fmt"
)

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateErrored State = "errored"
)

type ErrorKind string

const (
	ErrorAborted       ErrorKind = "aborted"
	ErrorNetwork       ErrorKind = "network_failure"
	ErrorDecode        ErrorKind = "decode_failure"
	ErrorSourceMissing ErrorKind = "unsupported_or_missing_source"
	ErrorTimeout       ErrorKind = "timeout"
	ErrorInvalidURL    ErrorKind = "invalid_url"
	ErrorUnknown       ErrorKind = "unknown"
)

// ErrorInfo is the user facing description of why a session is errored.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// MediaErrorCode follows the numbering of HTML media element errors so
// resources backed by a browser can pass codes straight through.
type MediaErrorCode int

const (
	MediaErrUnknown         MediaErrorCode = 0
	MediaErrAborted         MediaErrorCode = 1
	MediaErrNetwork         MediaErrorCode = 2
	MediaErrDecode          MediaErrorCode = 3
	MediaErrSrcNotSupported MediaErrorCode = 4
)

// ResourceError is returned or emitted by a Resource when it fails.
type ResourceError struct {
	Code MediaErrorCode
	Err  error
}

func (e *ResourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media error %d", e.Code)
	}
	return fmt.Sprintf("media error %d: %v", e.Code, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

const retryHint = "Please try another reciter or surah."

// classify normalizes a media error code into the session's error taxonomy.
func classify(code MediaErrorCode, cause error) ErrorInfo {
	switch code {
	case MediaErrAborted:
		return ErrorInfo{Kind: ErrorAborted, Message: "Audio playback was aborted. " + retryHint}
	case MediaErrNetwork:
		return ErrorInfo{Kind: ErrorNetwork, Message: "Network error occurred while loading audio. " + retryHint}
	case MediaErrDecode:
		return ErrorInfo{Kind: ErrorDecode, Message: "Audio decoding error. " + retryHint}
	case MediaErrSrcNotSupported:
		return ErrorInfo{Kind: ErrorSourceMissing, Message: "Audio format not supported or file not found. " + retryHint}
	}
	detail := "Unknown error"
	if cause != nil {
		detail = cause.Error()
	}
	return ErrorInfo{Kind: ErrorUnknown, Message: fmt.Sprintf("Audio error: %s. %s", detail, retryHint)}
}

// classifyErr maps an error returned by Resource.Play into the taxonomy.
func classifyErr(err error) ErrorInfo {
	var re *ResourceError
	if errors.As(err, &re) {
		return classify(re.Code, re.Err)
	}
	return classify(MediaErrUnknown, err)
}

func timeoutError() ErrorInfo {
	return ErrorInfo{Kind: ErrorTimeout, Message: "Audio loading timed out. Please try another reciter or surah."}
}

func invalidURLError() ErrorInfo {
	return ErrorInfo{Kind: ErrorInvalidURL, Message: "Invalid audio URL. Please try another reciter or surah."}
}
