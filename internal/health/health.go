// Package health implements the /health probe: store and broker
// connectivity checks against a bounded deadline, rolled up into the
// overall status the HTTP layer mirrors into its response code.
package health

import (
	"context"
	"time"

	"github.com/feedmesh/pricefeed/internal/broker"
	"github.com/feedmesh/pricefeed/internal/store"
)

// probeTimeout bounds each individual store/broker probe.
const probeTimeout = 2 * time.Second

// ServiceStatus is "up" or "down" for one dependency.
type ServiceStatus string

const (
	StatusUp   ServiceStatus = "up"
	StatusDown ServiceStatus = "down"
)

// Services reports the probed state of every external dependency.
type Services struct {
	Store         ServiceStatus `json:"store"`
	Broker        ServiceStatus `json:"broker"`
	Subscriptions int           `json:"subscriptions"`
}

// Response is the /health JSON body.
type Response struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Services      Services  `json:"services"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

// sessionCounter reports the number of currently open subscription
// sessions; implemented by *subscription.Manager.
type sessionCounter interface {
	Count() int
}

// Checker probes store and broker connectivity on demand.
type Checker struct {
	store     store.Store
	broker    broker.Broker
	sessions  sessionCounter
	startedAt time.Time
}

// NewChecker builds a Checker. startedAt should be the process's boot
// time, used to compute uptime_seconds.
func NewChecker(s store.Store, b broker.Broker, sessions sessionCounter, startedAt time.Time) *Checker {
	return &Checker{store: s, broker: b, sessions: sessions, startedAt: startedAt}
}

// Check probes both dependencies and returns the rolled-up Response.
// Healthy iff both probes pass; otherwise degraded.
func (c *Checker) Check(ctx context.Context) Response {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	storeStatus := StatusUp
	if err := c.store.Ping(ctx); err != nil {
		storeStatus = StatusDown
	}

	brokerStatus := StatusUp
	if err := c.broker.Ping(ctx); err != nil {
		brokerStatus = StatusDown
	}

	status := "healthy"
	if storeStatus == StatusDown || brokerStatus == StatusDown {
		status = "degraded"
	}

	subs := 0
	if c.sessions != nil {
		subs = c.sessions.Count()
	}

	return Response{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Services: Services{
			Store:         storeStatus,
			Broker:        brokerStatus,
			Subscriptions: subs,
		},
		UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
	}
}

// Healthy reports whether resp represents an overall-healthy system,
// used by the HTTP handler to pick 200 vs 503.
func (r Response) Healthy() bool {
	return r.Status == "healthy"
}
