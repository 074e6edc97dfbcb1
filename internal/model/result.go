package model

// FailureKind classifies why a remote invocation failed.
type FailureKind string

const (
	FailureTimeout           FailureKind = "timeout"
	FailureAuth              FailureKind = "auth"
	FailureRateLimit         FailureKind = "rate_limit"
	FailureTransport         FailureKind = "transport"
	FailureServer            FailureKind = "server"
	FailureMalformedResponse FailureKind = "malformed_response"
	FailureBadRequest        FailureKind = "bad_request"
	FailureCircuitOpen       FailureKind = "circuit_open"
	FailureCanceled          FailureKind = "canceled"
	FailureUnknown           FailureKind = "unknown"
)

// Transient reports whether a failure of this kind is worth retrying.
func (k FailureKind) Transient() bool {
	switch k {
	case FailureTimeout, FailureRateLimit, FailureTransport, FailureServer:
		return true
	default:
		return false
	}
}

// Failure describes a failed invocation.
type Failure struct {
	Kind     FailureKind `json:"kind"`
	Message  string      `json:"message"`
	Attempts int         `json:"attempts,omitempty"`
}

// Usage tracks token consumption of one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// InvocationResult is either a success carrying raw text or a failure.
type InvocationResult struct {
	Text    string   `json:"text,omitempty"`
	Model   string   `json:"model,omitempty"`
	Usage   Usage    `json:"usage"`
	Failure *Failure `json:"failure,omitempty"`
}

// Success builds a successful result.
func Success(text string) InvocationResult {
	return InvocationResult{Text: text}
}

// FailureResult builds a failed result from an error.
func FailureResult(kind FailureKind, err error) InvocationResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return InvocationResult{Failure: &Failure{Kind: kind, Message: msg}}
}

// OK reports whether the invocation succeeded.
func (r InvocationResult) OK() bool {
	return r.Failure == nil
}

// ExtractedFields maps field names to extracted values. A nil value means the
// field could not be extracted.
type ExtractedFields map[string]*string

// NullFields returns ExtractedFields with every name set to nil.
func NullFields(names []string) ExtractedFields {
	f := make(ExtractedFields, len(names))
	for _, n := range names {
		f[n] = nil
	}
	return f
}

// Matched counts fields with a non-nil value.
func (f ExtractedFields) Matched() int {
	n := 0
	for _, v := range f {
		if v != nil {
			n++
		}
	}
	return n
}

// Value returns the field value, or "" when absent or nil.
func (f ExtractedFields) Value(name string) string {
	if v := f[name]; v != nil {
		return *v
	}
	return ""
}
