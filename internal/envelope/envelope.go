package envelope

import (
	"errors"
	"fmt"
	"strings"
)

// RequestType is the requestType header value.
type RequestType string

const (
	StartLaunch  RequestType = "START_LAUNCH"
	FinishLaunch RequestType = "FINISH_LAUNCH"
	StartTest    RequestType = "START_TEST"
	FinishTest   RequestType = "FINISH_TEST"
	Log          RequestType = "LOG"
)

// RequestTypes lists every request type in lifecycle order.
var RequestTypes = []RequestType{StartLaunch, FinishLaunch, StartTest, FinishTest, Log}

// ParseRequestType accepts the header value or its lower-case form used in
// dead-letter subjects.
func ParseRequestType(v string) (RequestType, bool) {
	rt := RequestType(strings.ToUpper(v))
	for _, known := range RequestTypes {
		if rt == known {
			return rt, true
		}
	}
	return "", false
}

// Header keys.
const (
	HeaderRequestType = "requestType"
	HeaderUsername    = "username"
	HeaderProjectName = "projectName"
	HeaderLaunchID    = "launchId"
	HeaderItemID      = "itemId"
	HeaderParentID    = "parentId"
	HeaderContentType = "Content-Type"
)

var ErrMalformedMessage = errors.New("malformed message")

// Envelope is a decoded inbound event with its correlation and retry
// metadata. Header and Data keep the original message for republishing.
type Envelope struct {
	Type        RequestType
	ProjectName string
	Username    string
	LaunchUUID  string
	ItemUUID    string
	ParentUUID  string
	ContentType string
	Attempt     int

	Header map[string][]string
	Data   []byte

	// Body is one of *StartLaunchRQ, *FinishExecutionRQ, *StartTestItemRQ
	// or *SaveLogRQ depending on Type.
	Body any
}

func get(h map[string][]string, key string) string {
	if v := h[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// Decode builds an Envelope from raw headers and body. attempt is the
// transport's redelivery counter; negative values count as the first
// attempt.
func Decode(header map[string][]string, data []byte, attempt int) (Envelope, error) {
	if attempt < 0 {
		attempt = 0
	}
	env := Envelope{
		ProjectName: get(header, HeaderProjectName),
		Username:    get(header, HeaderUsername),
		LaunchUUID:  get(header, HeaderLaunchID),
		ItemUUID:    get(header, HeaderItemID),
		ParentUUID:  get(header, HeaderParentID),
		ContentType: get(header, HeaderContentType),
		Attempt:     attempt,
		Header:      header,
		Data:        data,
	}
	raw := get(header, HeaderRequestType)
	if raw == "" {
		return env, malformed("missing %s header", HeaderRequestType)
	}
	rt, ok := ParseRequestType(raw)
	if !ok {
		return env, malformed("unknown request type %q", raw)
	}
	env.Type = rt
	if env.ProjectName == "" {
		return env, malformed("missing %s header", HeaderProjectName)
	}
	if env.Username == "" {
		return env, malformed("missing %s header", HeaderUsername)
	}
	switch env.ContentType {
	case "":
		env.ContentType = ContentTypeJSON
	case ContentTypeJSON, ContentTypeCBOR:
	default:
		return env, malformed("unsupported content type %q", env.ContentType)
	}
	if len(data) == 0 {
		return env, malformed("empty body")
	}

	switch rt {
	case StartLaunch:
		var rq StartLaunchRQ
		if err := unmarshal(env.ContentType, data, &rq); err != nil {
			return env, malformed("decode %s: %v", rt, err)
		}
		if rq.UUID == "" {
			rq.UUID = env.LaunchUUID
		}
		if rq.UUID == "" {
			return env, malformed("%s without launch uuid", rt)
		}
		env.LaunchUUID = rq.UUID
		env.Body = &rq
	case FinishLaunch, FinishTest:
		var rq FinishExecutionRQ
		if err := unmarshal(env.ContentType, data, &rq); err != nil {
			return env, malformed("decode %s: %v", rt, err)
		}
		target := env.LaunchUUID
		if rt == FinishTest {
			target = env.ItemUUID
		}
		if rq.UUID == "" {
			rq.UUID = target
		}
		if rq.UUID == "" {
			return env, malformed("%s without target uuid", rt)
		}
		if rt == FinishTest {
			env.ItemUUID = rq.UUID
		} else {
			env.LaunchUUID = rq.UUID
		}
		env.Body = &rq
	case StartTest:
		var rq StartTestItemRQ
		if err := unmarshal(env.ContentType, data, &rq); err != nil {
			return env, malformed("decode %s: %v", rt, err)
		}
		if rq.UUID == "" {
			rq.UUID = env.ItemUUID
		}
		if rq.UUID == "" || env.LaunchUUID == "" {
			return env, malformed("%s requires item uuid and %s header", rt, HeaderLaunchID)
		}
		env.ItemUUID = rq.UUID
		env.Body = &rq
	case Log:
		var rq SaveLogRQ
		if err := unmarshal(env.ContentType, data, &rq); err != nil {
			return env, malformed("decode %s: %v", rt, err)
		}
		if rq.ItemUUID == "" {
			rq.ItemUUID = env.ItemUUID
		}
		if rq.LaunchUUID == "" {
			rq.LaunchUUID = env.LaunchUUID
		}
		if rq.UUID == "" || (rq.ItemUUID == "" && rq.LaunchUUID == "") {
			return env, malformed("%s requires uuid and a target", rt)
		}
		env.Body = &rq
	}
	return env, nil
}

// CorrelationID is the most specific entity uuid carried by the envelope.
func (e Envelope) CorrelationID() string {
	if e.ItemUUID != "" {
		return e.ItemUUID
	}
	return e.LaunchUUID
}

// Verdict is the outcome of retry accounting.
type Verdict int

const (
	Proceed Verdict = iota
	RetryBudgetExceeded
)

func (v Verdict) String() string {
	if v == RetryBudgetExceeded {
		return "retry_budget_exceeded"
	}
	return "proceed"
}

// Classify compares the attempt counter to the retry budget. The counter
// is untrusted: a reset to zero is read as a first attempt.
func Classify(attempt, maxRetry int) Verdict {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxRetry {
		return RetryBudgetExceeded
	}
	return Proceed
}
