package domain

import (
	"errors"
	"fmt"
)

// Categories. Subsystems wrap these, or tag a DomainError with
// NewSubSystemError, so callers can test the broad kind with errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate")
	ErrTimeout       = errors.New("operation timed out")
	ErrInvalidInput  = errors.New("invalid input")
	ErrProviderError = errors.New("provider error")
)

// Agent registry.
var (
	ErrAgentNotFound  = fmt.Errorf("agent: %w", ErrNotFound)
	ErrAgentDuplicate = fmt.Errorf("agent: %w", ErrDuplicate)
	ErrImmutableAgent = errors.New("system agent is immutable")
)

// Routing. These end a turn and are never retried.
var (
	ErrNoAgents        = errors.New("no agents registered")
	ErrFallbackMissing = errors.New("fallback agent not registered")
	ErrSessionNotFound = errors.New("session not found")
)

// Model calls.
var (
	ErrProviderNotFound = errors.New("llm provider not found")
	ErrContextOverflow  = errors.New("context window exceeded")
	ErrRateLimit        = errors.New("rate limit exceeded")
	ErrAuthInvalid      = errors.New("authentication failed")
	ErrUpstream         = errors.New("upstream call failed")
)

// Retrieval and storage.
var (
	ErrEmbeddingFailed = errors.New("embedding generation failed")
	ErrRetrievalFailed = errors.New("retrieval failed")
	ErrVectorStore     = errors.New("vector store operation failed")
	ErrEvalLogWrite    = errors.New("evaluation log write failed")
)

// DomainError attaches the failing operation and a detail to a sentinel.
type DomainError struct {
	Op        string // e.g. "Registry.Register"
	Err       error
	Detail    string
	SubSystem string // narrows the error code, e.g. "agent" or "llm"
}

func (e *DomainError) Error() string {
	if e.Detail == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Detail + ": " + e.Err.Error()
}

func (e *DomainError) Unwrap() error { return e.Err }

func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError is NewDomainError for a category sentinel raised by a
// specific subsystem, so ErrorCodeOf can report the narrower code.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp prefixes err with op. A nil err stays nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether the same call may succeed if repeated.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout)
}

// IsConfigurationFault reports whether the tenant cannot be routed at all.
func IsConfigurationFault(err error) bool {
	return errors.Is(err, ErrNoAgents) || errors.Is(err, ErrFallbackMissing)
}

// ErrorCode is the stable name an API client or alert keys on.
type ErrorCode string

const (
	CodeUnknown ErrorCode = "UNKNOWN"

	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeDuplicate     ErrorCode = "DUPLICATE"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"

	CodeAgentNotFound  ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentDuplicate ErrorCode = "AGENT_DUPLICATE"
	CodeAgentInvalid   ErrorCode = "AGENT_INVALID"
	CodeImmutableAgent ErrorCode = "AGENT_IMMUTABLE"

	CodeNoAgents        ErrorCode = "NO_AGENTS"
	CodeFallbackMissing ErrorCode = "FALLBACK_MISSING"
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	CodeProviderNotFound ErrorCode = "PROVIDER_NOT_FOUND"
	CodeContextOverflow  ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
	CodeUpstream         ErrorCode = "UPSTREAM"
	CodeLLMTimeout       ErrorCode = "LLM_TIMEOUT"

	CodeEmbeddingFailed  ErrorCode = "EMBEDDING_FAILED"
	CodeEmbeddingTimeout ErrorCode = "EMBEDDING_TIMEOUT"
	CodeRetrievalFailed  ErrorCode = "RETRIEVAL_FAILED"
	CodeVectorStore      ErrorCode = "VECTOR_STORE"
	CodeEvalLogWrite     ErrorCode = "EVAL_LOG_WRITE"
)

// codes is matched in order, so a sentinel precedes any category it wraps.
var codes = []struct {
	err  error
	code ErrorCode
}{
	{ErrAgentNotFound, CodeAgentNotFound},
	{ErrAgentDuplicate, CodeAgentDuplicate},
	{ErrImmutableAgent, CodeImmutableAgent},
	{ErrNoAgents, CodeNoAgents},
	{ErrFallbackMissing, CodeFallbackMissing},
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrProviderNotFound, CodeProviderNotFound},
	{ErrContextOverflow, CodeContextOverflow},
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrUpstream, CodeUpstream},
	{ErrEmbeddingFailed, CodeEmbeddingFailed},
	{ErrRetrievalFailed, CodeRetrievalFailed},
	{ErrVectorStore, CodeVectorStore},
	{ErrEvalLogWrite, CodeEvalLogWrite},
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrProviderError, CodeProviderError},
}

type subsystemKey struct {
	category  error
	subsystem string
}

var subsystemCodes = map[subsystemKey]ErrorCode{
	{ErrNotFound, "agent"}:          CodeAgentNotFound,
	{ErrDuplicate, "agent"}:         CodeAgentDuplicate,
	{ErrInvalidInput, "agent"}:      CodeAgentInvalid,
	{ErrTimeout, "llm"}:             CodeLLMTimeout,
	{ErrTimeout, "embedding"}:       CodeEmbeddingTimeout,
	{ErrProviderError, "embedding"}: CodeEmbeddingFailed,
	{ErrProviderError, "retrieval"}: CodeRetrievalFailed,
}

func codeOf(err error) ErrorCode {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// ErrorCodeOf returns the code of the first DomainError in err's chain, or
// else of the first sentinel err matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}
	return codeOf(err)
}

// Code prefers the subsystem-specific code for e's category.
func (e *DomainError) Code() ErrorCode {
	if code, ok := subsystemCodes[subsystemKey{e.Err, e.SubSystem}]; ok {
		return code
	}
	return codeOf(e.Err)
}
