package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/drip-email-campaign/internal/config"
	"github.com/acme/drip-email-campaign/internal/delivery"
	"github.com/acme/drip-email-campaign/internal/domain"
)

// Gateway simulates provider behaviour for local runs.
type Gateway struct {
	successRate float64

	mu  sync.Mutex // rand.Rand is not safe for concurrent use
	rng *rand.Rand
}

// NewGateway constructs a mock gateway.
func NewGateway(cfg config.DeliveryConfig) *Gateway {
	rate := cfg.SuccessRate
	if rate <= 0 || rate > 1 {
		rate = 0.8
	}
	return &Gateway{
		successRate: rate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Send simulates a delivery attempt.
func (g *Gateway) Send(ctx context.Context, msg delivery.Message) (delivery.Result, error) {
	g.mu.Lock()
	latency := time.Duration(50+g.rng.Intn(450)) * time.Millisecond
	roll := g.rng.Float64()
	kindRoll := g.rng.Intn(10)
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return delivery.Result{Kind: domain.FailureTransient, Error: ctx.Err().Error(), Duration: latency}, ctx.Err()
	case <-time.After(latency):
	}

	if roll <= g.successRate {
		return delivery.Result{Delivered: true, Duration: latency}, nil
	}

	kind := domain.FailureTransient
	switch kindRoll {
	case 0:
		kind = domain.FailurePermanent
	case 1, 2:
		kind = domain.FailureRateLimited
	}
	return delivery.Result{Kind: kind, Error: "simulated delivery failure", Duration: latency}, nil
}
