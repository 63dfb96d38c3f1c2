package domain

import (
	"errors"
	"fmt"
	"time"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the orchestration engine.
var (
	ErrUnknownAgent     = fmt.Errorf("agent not in catalog")
	ErrAgentExecution   = fmt.Errorf("agent execution failed")
	ErrPhaseAborted     = fmt.Errorf("phase aborted")
	ErrLimiterTimeout   = fmt.Errorf("concurrency limiter wait timed out")
	ErrReasoningFailed  = fmt.Errorf("reasoning step failed")
	ErrDependencyUnmet  = fmt.Errorf("agent dependencies not satisfied")
	ErrInvalidPlan      = fmt.Errorf("execution plan invalid")
	ErrJobNotFound      = fmt.Errorf("job not found")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrDecryption       = fmt.Errorf("decryption failed")
	ErrSchemaValidation = fmt.Errorf("structured output did not match schema")

	// Generation service errors.
	ErrContextOverflow = fmt.Errorf("context size budget exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrCircuitOpen     = fmt.Errorf("generation circuit open")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Catalog.Load")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "limiter", "catalog"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient generation error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrLimiterTimeout) || errors.Is(err, ErrProviderError)
}

// --- Engine error kinds ---

// TimeoutError is returned by the concurrency limiter when a waiter is not
// promoted before its deadline. QueueLength is the number of waiters still
// queued at the moment of failure (excluding the evicted caller).
type TimeoutError struct {
	Waited      time.Duration
	QueueLength int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("limiter: waited %s, %d still queued: %s", e.Waited, e.QueueLength, ErrLimiterTimeout)
}

func (e *TimeoutError) Unwrap() error { return ErrLimiterTimeout }

// AgentExecutionError wraps any error raised while running an agent's work.
type AgentExecutionError struct {
	AgentID  string
	Attempts int
	Err      error
}

func (e *AgentExecutionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("agent %q failed after %d attempts: %v", e.AgentID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("agent %q failed: %v", e.AgentID, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *AgentExecutionError) Unwrap() []error { return []error{ErrAgentExecution, e.Err} }

// PhaseAbortError is raised when a fail-policy agent errors.
type PhaseAbortError struct {
	Phase string
	Cause *AgentExecutionError
}

func (e *PhaseAbortError) Error() string {
	return fmt.Sprintf("phase %q aborted: %v", e.Phase, e.Cause)
}

func (e *PhaseAbortError) Unwrap() []error { return []error{ErrPhaseAborted, e.Cause} }

// ContextOverflowError reports that compression could not bring the job
// context under budget. Callers log it and continue.
type ContextOverflowError struct {
	SizeBytes   int
	BudgetBytes int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("context size %d bytes exceeds budget %d bytes: %s", e.SizeBytes, e.BudgetBytes, ErrContextOverflow)
}

func (e *ContextOverflowError) Unwrap() error { return ErrContextOverflow }

// UnknownAgentError reports a plan reference to an id absent from the catalog.
type UnknownAgentError struct {
	AgentID string
	Phase   string
}

func (e *UnknownAgentError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("phase %q references unknown agent %q: %s", e.Phase, e.AgentID, ErrUnknownAgent)
	}
	return fmt.Sprintf("unknown agent %q: %s", e.AgentID, ErrUnknownAgent)
}

func (e *UnknownAgentError) Unwrap() error { return ErrUnknownAgent }

// ReasoningError reports that the reasoning call itself failed, as opposed
// to succeeding with no actionable suggestion.
type ReasoningError struct {
	Phase string
	Err   error
}

func (e *ReasoningError) Error() string {
	return fmt.Sprintf("reasoning after phase %q: %v", e.Phase, e.Err)
}

func (e *ReasoningError) Unwrap() []error { return []error{ErrReasoningFailed, e.Err} }

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeUnknownAgent     ErrorCode = "UNKNOWN_AGENT"
	CodeAgentExecution   ErrorCode = "AGENT_EXECUTION"
	CodePhaseAborted     ErrorCode = "PHASE_ABORTED"
	CodeLimiterTimeout   ErrorCode = "LIMITER_TIMEOUT"
	CodeReasoningFailed  ErrorCode = "REASONING_FAILED"
	CodeDependencyUnmet  ErrorCode = "DEPENDENCY_UNMET"
	CodeInvalidPlan      ErrorCode = "INVALID_PLAN"
	CodeJobNotFound      ErrorCode = "JOB_NOT_FOUND"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeDecryption       ErrorCode = "DECRYPTION"
	CodeSchemaValidation ErrorCode = "SCHEMA_VALIDATION"
	CodeContextOverflow  ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
	CodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeCatalogDuplicate  ErrorCode = "CATALOG_DUPLICATE"
	CodeCatalogInvalid    ErrorCode = "CATALOG_INVALID"
	CodePlanNotFound      ErrorCode = "PLAN_NOT_FOUND"
	CodeGenerationTimeout ErrorCode = "GENERATION_TIMEOUT"
	CodeSchedulerInvalid  ErrorCode = "SCHEDULER_INVALID"

	// Category error codes — fallback codes when no subsystem-specific code matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeDuplicate     ErrorCode = "DUPLICATE"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeLimitReached  ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrDuplicate:     CodeDuplicate,
	ErrTimeout:       CodeTimeout,
	ErrLimitReached:  CodeLimitReached,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrUnknownAgent:     CodeUnknownAgent,
	ErrPhaseAborted:     CodePhaseAborted,
	ErrAgentExecution:   CodeAgentExecution,
	ErrLimiterTimeout:   CodeLimiterTimeout,
	ErrReasoningFailed:  CodeReasoningFailed,
	ErrDependencyUnmet:  CodeDependencyUnmet,
	ErrInvalidPlan:      CodeInvalidPlan,
	ErrJobNotFound:      CodeJobNotFound,
	ErrConfigLoad:       CodeConfigLoad,
	ErrDecryption:       CodeDecryption,
	ErrSchemaValidation: CodeSchemaValidation,
	ErrContextOverflow:  CodeContextOverflow,
	ErrRateLimit:        CodeRateLimit,
	ErrAuthInvalid:      CodeAuthInvalid,
	ErrCircuitOpen:      CodeCircuitOpen,
}

// codePriority fixes the order in which wrapped sentinels are checked so a
// PhaseAbortError (which also wraps an agent error) resolves deterministically.
var codePriority = []error{
	ErrPhaseAborted,
	ErrUnknownAgent,
	ErrLimiterTimeout,
	ErrReasoningFailed,
	ErrContextOverflow,
	ErrCircuitOpen,
	ErrRateLimit,
	ErrAuthInvalid,
	ErrSchemaValidation,
	ErrDependencyUnmet,
	ErrAgentExecution,
	ErrInvalidPlan,
	ErrJobNotFound,
	ErrConfigLoad,
	ErrDecryption,
	ErrNotFound,
	ErrDuplicate,
	ErrTimeout,
	ErrLimitReached,
	ErrInvalidInput,
	ErrProviderError,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"plan": CodePlanNotFound,
		"job":  CodeJobNotFound,
	},
	ErrDuplicate: {
		"catalog": CodeCatalogDuplicate,
	},
	ErrTimeout: {
		"generation": CodeGenerationTimeout,
		"limiter":    CodeLimiterTimeout,
	},
	ErrInvalidInput: {
		"catalog":   CodeCatalogInvalid,
		"plan":      CodeInvalidPlan,
		"scheduler": CodeSchedulerInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
