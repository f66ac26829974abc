// Package tollgate is the event-driven billing core of an ISP: a durable
// event store with an at-least-once dispatcher, a double-entry ledger,
// policy-driven dunning, RADIUS service enforcement and durable timers.
//
// Tollgate is a library. Import it into your service, pick a store and a
// network, and start the engine:
//
//	import (
//	    "github.com/xraph/tollgate"
//	    "github.com/xraph/tollgate/dunning"
//	    "github.com/xraph/tollgate/radius"
//	    "github.com/xraph/tollgate/store/postgres"
//	)
//
//	s, err := postgres.Open(ctx, dsn)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	policies, err := dunning.LoadPolicyFile("dunning.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	locator, err := radius.OpenAccountingLocator(ctx, dsn)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer locator.Close()
//
//	eng, err := tollgate.New(s,
//	    tollgate.WithNetwork(radius.NewClient(locator, secret)),
//	    tollgate.WithPolicies(policies),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop(context.Background())
//
// # Events
//
// Every state change enters as an event. Producers call Publish; the
// dispatcher claims pending events in occurrence order per correlation key
// (account, subscriber or subscription), runs each registered handler, and
// records one outcome per handler so a retry never repeats a handler that
// already succeeded. Events that exhaust their attempts are dead-lettered
// and can be inspected with DeadLetters and revived with Requeue.
//
// # Ledger
//
// Invoices, payments, refunds and credit notes post balanced entries.
// Every posting carries an idempotency key; posting the same key twice
// returns the first result. An invoice's status is derived from its
// receivable balance and its due date.
//
// # Dunning
//
// Overdue invoices open a dunning case under a policy set. Each step
// fires after its delay and can notify, throttle, suspend or terminate.
// Payment closes the case and restores service.
//
// # Enforcement
//
// Throttle, suspend, reactivate and terminate actions reach the network
// through RADIUS CoA and Disconnect-Request. The subscription's
// provisioning flags change only after the network acknowledges.
//
// # Timers
//
// Due dates, dunning steps and SLA clocks are durable deadlines. A fired
// deadline appends exactly one event.
package tollgate
