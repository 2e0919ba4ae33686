package domain

import (
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// KindHTTP is the only action kind this build executes.
const KindHTTP = "http"

// Action is a tagged variant: exactly one field is set. In JSON it is an
// object with a single key naming the kind, e.g. {"http": {...}}.
type Action struct {
	HTTP *HTTPAction

	// Unrecognized holds the kind of an action this build cannot decode.
	Unrecognized string

	// Undecodable is set, together with Unrecognized, when stored parameters
	// could not be decoded. Such an action never resolves to an executor.
	Undecodable string
}

type HTTPAction struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body,omitempty"`
	Timeout int               `json:"timeout,omitempty"` // seconds
}

// Kind names the variant held by a. It is empty for a zero Action.
func (a Action) Kind() string {
	switch {
	case a.HTTP != nil:
		return KindHTTP
	default:
		return a.Unrecognized
	}
}

func (a Action) String() string {
	if a.HTTP != nil {
		return "http " + a.HTTP.MethodOrDefault() + " " + a.HTTP.URL
	}
	if a.Undecodable != "" {
		return a.Unrecognized + " (undecodable: " + a.Undecodable + ")"
	}
	if a.Unrecognized != "" {
		return a.Unrecognized
	}
	return "<none>"
}

func (a Action) MarshalJSON() ([]byte, error) {
	kind, params, err := a.Params()
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{kind: params})
}

func (a *Action) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return errors.Mark(errors.Wrap(err, "decode action"), ErrInvalidJob)
	}
	if len(m) != 1 {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return errors.Wrapf(ErrInvalidJob, "action must have exactly one kind, got %v", keys)
	}
	for kind, params := range m {
		decoded, err := DecodeAction(kind, params)
		if err != nil {
			return err
		}
		*a = decoded
	}
	return nil
}

// Params splits a into its kind and serialized parameters, the form the
// store persists.
func (a Action) Params() (string, json.RawMessage, error) {
	switch {
	case a.HTTP != nil:
		b, err := json.Marshal(a.HTTP)
		if err != nil {
			return "", nil, errors.Wrap(err, "encode http action")
		}
		return KindHTTP, b, nil
	case a.Unrecognized != "":
		return a.Unrecognized, json.RawMessage("{}"), nil
	}
	return "", nil, errors.Wrap(ErrInvalidJob, "action is empty")
}

// DecodeAction is the inverse of Params. Unknown kinds decode without error
// into an Action carrying only the kind name.
func DecodeAction(kind string, params []byte) (Action, error) {
	switch kind {
	case KindHTTP:
		var h HTTPAction
		if err := json.Unmarshal(params, &h); err != nil {
			return Action{}, errors.Mark(errors.Wrap(err, "decode http action"), ErrInvalidJob)
		}
		return Action{HTTP: &h}, nil
	case "":
		return Action{}, errors.Wrap(ErrInvalidJob, "action kind is empty")
	}
	return Action{Unrecognized: kind}, nil
}

// UndecodableAction stands in for a stored action whose parameters failed to
// decode, so the rest of the job can still be loaded.
func UndecodableAction(kind string, cause error) Action {
	if kind == "" {
		kind = "<empty>"
	}
	return Action{Unrecognized: kind, Undecodable: cause.Error()}
}

// Validate checks the parameters of a known variant. It does not decide
// whether the kind is executable; that is the registry's call.
func (a Action) Validate() error {
	switch {
	case a.HTTP != nil:
		return a.HTTP.Validate()
	case a.Undecodable != "":
		return errors.Wrapf(ErrInvalidJob, "%s action: %s", a.Unrecognized, a.Undecodable)
	case a.Unrecognized != "":
		return nil
	}
	return errors.Wrap(ErrInvalidJob, "action is empty")
}

func (h HTTPAction) MethodOrDefault() string {
	if h.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(h.Method)
}

// maxTimeout is the largest timeout, in seconds, a time.Duration can hold.
const maxTimeout = math.MaxInt64 / int64(time.Second)

// TimeoutOr returns the configured timeout, or def when none is set.
func (h HTTPAction) TimeoutOr(def time.Duration) time.Duration {
	switch {
	case h.Timeout <= 0:
		return def
	case int64(h.Timeout) > maxTimeout:
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(h.Timeout) * time.Second
}

func (h HTTPAction) Validate() error {
	if strings.TrimSpace(h.URL) == "" {
		return errors.Wrap(ErrInvalidJob, "http action: url is required")
	}
	u, err := url.Parse(h.URL)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "http action: invalid url %q", h.URL), ErrInvalidJob)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Wrapf(ErrInvalidJob, "http action: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.Wrapf(ErrInvalidJob, "http action: url %q has no host", h.URL)
	}
	if h.Method != "" && !validMethod(h.Method) {
		return errors.Wrapf(ErrInvalidJob, "http action: invalid method %q", h.Method)
	}
	if h.Timeout < 0 {
		return errors.Wrap(ErrInvalidJob, "http action: timeout must be >= 0")
	}
	if int64(h.Timeout) > maxTimeout {
		return errors.Wrapf(ErrInvalidJob, "http action: timeout must be <= %d seconds", maxTimeout)
	}
	for k := range h.Headers {
		if strings.TrimSpace(k) == "" || strings.ContainsAny(k, " \t\r\n:") {
			return errors.Wrapf(ErrInvalidJob, "http action: invalid header name %q", k)
		}
	}
	return nil
}

func validMethod(m string) bool {
	for _, r := range m {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z') {
			return false
		}
	}
	return true
}
