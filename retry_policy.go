package tapak

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	internalbackoff "github.com/skynpu77/tapak/internal/backoff"
)

// BackoffStrategy selects how rate-limit retry delays grow.
type BackoffStrategy int

const (
	// Linear waits baseDelay×(attempt+1): 1s, 2s, 3s with the defaults.
	Linear BackoffStrategy = iota
	// ExponentialJitter waits baseDelay×multiplier^attempt plus jitter.
	ExponentialJitter
	// DecorrelatedJitter picks a random delay that grows with each attempt.
	DecorrelatedJitter
)

// String returns the strategy name.
func (s BackoffStrategy) String() string {
	switch s {
	case Linear:
		return "Linear"
	case ExponentialJitter:
		return "ExponentialJitter"
	case DecorrelatedJitter:
		return "DecorrelatedJitter"
	default:
		return "Unknown"
	}
}

func (s BackoffStrategy) calculator() internalbackoff.Strategy {
	switch s {
	case ExponentialJitter:
		return internalbackoff.ExponentialJitterStrategy{}
	case DecorrelatedJitter:
		return internalbackoff.DecorrelatedJitterStrategy{}
	default:
		return internalbackoff.LinearStrategy{}
	}
}

// RecoveryState is the classification of one physical send.
type RecoveryState int

const (
	StateSuccess RecoveryState = iota
	StateNeedsRefresh
	StateRateLimited
	StateFailed
)

func (s RecoveryState) String() string {
	switch s {
	case StateSuccess:
		return "Success"
	case StateNeedsRefresh:
		return "NeedsRefresh"
	case StateRateLimited:
		return "RateLimited"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Outcome is what Classify decided about a send. Envelope is set when the
// body parsed; Err is set for StateFailed.
type Outcome struct {
	State    RecoveryState
	Envelope *Envelope
	Err      *ClientError
}

// RecoveryPolicy decides how a send is recovered and how long rate-limit
// retries wait.
type RecoveryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	jitter     float64
	strategy   BackoffStrategy
	calculator internalbackoff.Strategy
}

// NewRecoveryPolicy returns a policy allowing maxRetries rate-limit retries
// spaced by strategy from baseDelay.
func NewRecoveryPolicy(maxRetries int, baseDelay time.Duration, strategy BackoffStrategy) *RecoveryPolicy {
	return &RecoveryPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   time.Minute,
		multiplier: 2.0,
		strategy:   strategy,
		calculator: strategy.calculator(),
	}
}

// DefaultRecoveryPolicy allows 2 retries waiting 1s then 2s.
func DefaultRecoveryPolicy() *RecoveryPolicy {
	return NewRecoveryPolicy(2, time.Second, Linear)
}

// MaxRetries returns the rate-limit retry bound.
func (p *RecoveryPolicy) MaxRetries() int {
	return p.maxRetries
}

// Strategy returns the backoff strategy in use.
func (p *RecoveryPolicy) Strategy() BackoffStrategy {
	return p.strategy
}

// Delay returns the wait before the retry following attempt, and false once
// the retries are exhausted.
func (p *RecoveryPolicy) Delay(attempt int) (time.Duration, bool) {
	if attempt >= p.maxRetries {
		return 0, false
	}
	return p.calculator.Calculate(attempt, p.baseDelay, p.maxDelay, p.multiplier, p.jitter), true
}

// Classify maps a transport result onto a recovery state.
func (p *RecoveryPolicy) Classify(resp *TransportResponse, err error) Outcome {
	if err != nil {
		if isRateLimitError(err) {
			return Outcome{State: StateRateLimited}
		}
		return Outcome{State: StateFailed, Err: &ClientError{
			Kind:    ErrorKindTransport,
			Message: transportMessage(err),
			Cause:   err,
		}}
	}
	if resp == nil {
		return Outcome{State: StateFailed, Err: &ClientError{
			Kind:    ErrorKindTransport,
			Message: "transport returned no response",
		}}
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return Outcome{State: StateRateLimited}
	case http.StatusUnauthorized:
		env, _ := decodeEnvelope(resp.Body)
		return Outcome{State: StateNeedsRefresh, Envelope: env}
	}

	env, decodeErr := decodeEnvelope(resp.Body)
	if decodeErr != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return Outcome{State: StateFailed, Err: &ClientError{
				Kind:       ErrorKindServer,
				Message:    statusMessage(resp.StatusCode),
				Cause:      decodeErr,
				StatusCode: resp.StatusCode,
			}}
		}
		return Outcome{State: StateFailed, Err: &ClientError{
			Kind:       ErrorKindParse,
			Message:    "malformed response body",
			Cause:      decodeErr,
			StatusCode: resp.StatusCode,
		}}
	}

	switch {
	case env.Code == http.StatusTooManyRequests:
		return Outcome{State: StateRateLimited, Envelope: env}
	case env.Code == http.StatusUnauthorized:
		return Outcome{State: StateNeedsRefresh, Envelope: env}
	case env.Code == http.StatusOK && resp.StatusCode < http.StatusBadRequest:
		return Outcome{State: StateSuccess, Envelope: env}
	}

	msg := env.Message
	if msg == "" {
		msg = ErrServer.Message
	}
	return Outcome{State: StateFailed, Envelope: env, Err: &ClientError{
		Kind:       ErrorKindServer,
		Message:    msg,
		StatusCode: resp.StatusCode,
		Code:       env.Code,
	}}
}

func isRateLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit")
}

func transportMessage(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "request timed out"
	default:
		return ErrTransport.Message
	}
}

func statusMessage(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return ErrServer.Message
}
