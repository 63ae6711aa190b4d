package reliability

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/pkg/circuitbreaker"
)

// BreakingKrakenClient wraps the signaling client with a circuit breaker.
// Only transport failures trip the breaker; protocol errors such as
// peer-not-found are real answers from a healthy service and pass through
// untouched. A rejected request surfaces as a network failure so the
// caller's retry policy keeps counting attempts against it.
type BreakingKrakenClient struct {
	inner   ports.KrakenClient
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewBreakingKrakenClient(inner ports.KrakenClient, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *BreakingKrakenClient {
	c := &BreakingKrakenClient{
		inner:   inner,
		breaker: circuitbreaker.New(cfg),
		logger:  logger,
	}
	c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("kraken circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return c
}

func (c *BreakingKrakenClient) Request(ctx context.Context, req *domain.KrakenRequest) (*domain.KrakenResponse, error) {
	var resp *domain.KrakenResponse
	var protocolErr error
	err := c.breaker.Execute(ctx, func() error {
		r, err := c.inner.Request(ctx, req)
		if err != nil {
			if errors.Is(err, domain.ErrNetworkFailure) {
				return err
			}
			// Protocol error: report success to the breaker, keep the
			// error for the caller.
			protocolErr = err
			return nil
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNetworkFailure, err)
	}
	if protocolErr != nil {
		return nil, protocolErr
	}
	return resp, nil
}

// Stats exposes breaker state for monitoring.
func (c *BreakingKrakenClient) Stats() circuitbreaker.Stats {
	return c.breaker.GetStats()
}
