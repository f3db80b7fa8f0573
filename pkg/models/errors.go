package models

// ErrorKind classifies failures with a closed set of kinds. Kinds cross the
// wire in event payloads and tool reply messages, so the LLM and clients can
// react to the class of failure rather than parsing message text.
type ErrorKind string

const (
	// KindInvalidInput covers argument validation failures, including
	// rejected workspace URLs and branch names.
	KindInvalidInput ErrorKind = "invalid_input"

	// Tool invocation failures.
	KindToolTimeout          ErrorKind = "tool_timeout"
	KindToolNotFound         ErrorKind = "tool_not_found"
	KindToolPermissionDenied ErrorKind = "tool_permission_denied"
	KindToolExecutionError   ErrorKind = "tool_execution_error"

	// KindConnectorUnavailable marks a degraded external dependency. It is
	// non-fatal: the ReAct loop continues and the LLM is expected to fall
	// back.
	KindConnectorUnavailable ErrorKind = "connector_unavailable"

	// LLM call failures.
	KindLLMTransportError  ErrorKind = "llm_transport_error"
	KindLLMInvalidResponse ErrorKind = "llm_invalid_response"

	// KindIterationLimit is fatal for the run: the loop hit its iteration
	// bound with work still pending.
	KindIterationLimit ErrorKind = "iteration_limit"

	// Worker failures.
	KindWorkerTimeout    ErrorKind = "worker_timeout"
	KindWorkerCrashed    ErrorKind = "worker_crashed"
	KindRetriesExhausted ErrorKind = "retries_exhausted"

	// KindRunTimeout marks a run that outlived its wall-clock budget. Stamped
	// by the sweep so the terminal event alone tells timeouts apart from
	// crashes.
	KindRunTimeout ErrorKind = "run_timeout"

	KindCancelled ErrorKind = "cancelled"
	KindInternal  ErrorKind = "internal"
)

// Valid reports whether k belongs to the closed set.
func (k ErrorKind) Valid() bool {
	switch k {
	case KindInvalidInput, KindToolTimeout, KindToolNotFound, KindToolPermissionDenied,
		KindToolExecutionError, KindConnectorUnavailable, KindLLMTransportError,
		KindLLMInvalidResponse, KindIterationLimit, KindWorkerTimeout, KindWorkerCrashed,
		KindRetriesExhausted, KindRunTimeout, KindCancelled, KindInternal:
		return true
	}
	return false
}

// Fatal reports whether a supervisor-level error of this kind terminates the
// run. Tool-level kinds are recovered locally and surfaced to the LLM.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindIterationLimit, KindLLMTransportError, KindLLMInvalidResponse, KindRunTimeout, KindInternal, KindCancelled:
		return true
	}
	return false
}

// Retryable reports whether retrying the failed operation may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindToolTimeout, KindConnectorUnavailable, KindLLMTransportError:
		return true
	}
	return false
}
