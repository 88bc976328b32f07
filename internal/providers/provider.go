// Package providers defines the contracts between the gateway and the model
// backend, plus the retry and circuit breaker defaults shared by callers.
//
// The only backend implementation lives in the bedrock sub-package.
package providers

import (
	"context"
	"time"
)

type (
	// Invoker calls a model with a provider-native JSON body and returns the
	// provider-native JSON response.
	Invoker interface {
		InvokeModel(ctx context.Context, modelID string, body []byte) ([]byte, error)
	}

	// ModelLister lists the model identifiers that can be invoked on demand.
	ModelLister interface {
		ListModels(ctx context.Context) ([]string, error)
	}

	// Backend is everything the gateway needs from a model provider.
	Backend interface {
		Invoker
		ModelLister
		Name() string
		HealthCheck(ctx context.Context) error
	}
)

// Default circuit breaker, retry and timeout constants.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
	MaxRetries        = 2
	InvokeTimeout     = 60 * time.Second
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
