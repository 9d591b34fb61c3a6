package billing

import (
	"log/slog"

	"github.com/warp/tuition-engine/generic"
)

// Options configures NewServices.
type Options struct {
	Policy AssessmentPolicy
	Events Publisher
	Logger *slog.Logger
	Clock  generic.Clock
}

// Services is the wired set of billing services over one repository.
// All writers share one per-student lock.
type Services struct {
	Repo         Repository
	Ledger       generic.Ledger
	Rates        *RateResolver
	Engine       *Engine
	Payments     *PaymentService
	Credits      *CreditService
	LateFees     *LateFeeService
	Scholarships *ScholarshipService
	Locks        *generic.KeyedMutex
}

func NewServices(repo Repository, opts Options) *Services {
	logger := loggerOrDefault(opts.Logger)
	clock := clockOrSystem(opts.Clock)
	locks := generic.NewKeyedMutex()
	ledger := generic.NewLedger(repo)
	rates := NewRateResolver(repo)

	engine := &Engine{
		Directory: repo,
		Rates:     rates,
		Awards:    repo,
		Payments:  ledger,
		LateFees:  repo,
		Policy:    opts.Policy,
		Clock:     clock,
	}

	return &Services{
		Repo:   repo,
		Ledger: ledger,
		Rates:  rates,
		Engine: engine,
		Payments: &PaymentService{
			Directory: repo, Ledger: ledger, Store: repo,
			Events: opts.Events, Logger: logger, Locks: locks, Clock: clock,
		},
		Credits: &CreditService{
			Engine: engine, Directory: repo, Store: repo,
			Events: opts.Events, Logger: logger, Locks: locks, Clock: clock,
		},
		LateFees: &LateFeeService{
			Engine: engine, Directory: repo, Catalog: repo, Store: repo,
			Events: opts.Events, Logger: logger, Locks: locks, Clock: clock,
		},
		Scholarships: &ScholarshipService{
			Directory: repo, Store: repo, Events: opts.Events, Logger: logger, Locks: locks, Clock: clock,
		},
		Locks: locks,
	}
}
