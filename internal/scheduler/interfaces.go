package scheduler

import (
	"context"

	"github.com/aristath/hedgebot/internal/domain"
	"github.com/aristath/hedgebot/internal/events"
	"github.com/aristath/hedgebot/internal/hedge"
	"github.com/aristath/hedgebot/internal/history"
	"github.com/aristath/hedgebot/internal/store"
)

// Credentials is the decrypted identity a job executes with.
// The private key only lives for the duration of the job.
type Credentials struct {
	Label      string
	Address    string
	PrivateKey string
	Proxy      string
}

// Reporter collects the human-readable lines of a job's report.
type Reporter interface {
	Report(text string, result store.Result)
}

// AccountSession executes a mode for a single account.
type AccountSession interface {
	Login(ctx context.Context) error
	Run(ctx context.Context, mode domain.Mode) (domain.Status, error)
	Close() error
}

// Quote is the market a group is about to hedge on.
type Quote struct {
	MarketID      string
	Name          string
	Probabilities [2]float64
	Stakes        domain.FloatRange
}

// GroupSession executes a hedge for a group of accounts.
type GroupSession interface {
	Login(ctx context.Context) error
	Quote(ctx context.Context) (Quote, error)
	Hedge(ctx context.Context, quote Quote, plan hedge.Plan) (domain.Status, error)
	Close() error
}

// Exchange opens sessions against the trading venue.
type Exchange interface {
	OpenAccount(ctx context.Context, creds Credentials, reporter Reporter) (AccountSession, error)
	OpenGroup(ctx context.Context, creds []Credentials, reporter Reporter) (GroupSession, error)
}

// Planner computes the stake split for a group.
type Planner interface {
	Balance(accounts []string, probs [2]float64, stakes domain.FloatRange) (hedge.Plan, error)
}

// Notifier delivers finished reports. Send must not block on delivery.
type Notifier interface {
	Send(ctx context.Context, text string)
}

// Recorder persists finished jobs.
type Recorder interface {
	Record(ctx context.Context, run history.Run) error
}

// EventEmitter publishes lifecycle events.
type EventEmitter interface {
	Emit(eventType events.EventType, module string, data events.EventData)
}
