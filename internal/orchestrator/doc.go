// Package orchestrator drives the per-project generate-test-fix loop.
//
// # Overview
//
// A project is submitted with a specification and a policy, then run
// through repeated rounds until a round's tests all pass, the
// iteration budget runs out, or the run is stopped. The orchestrator
// owns everything around the rounds: the project state machine, lease
// enforcement, cancellation checkpoints, iteration persistence, and
// terminal artifact assembly. The engine executes single rounds; this
// package decides whether to run another one.
//
// # Architecture
//
// Each run holds the project's lease for its whole lifetime and moves
// the project through:
//
//	queued → generating_code → generating_tests → running_tests
//	       → (completed | failed | stopped | error)
//
// The loop goroutine is the sole writer of the project record while
// the lease is held. Engine progress callbacks are funneled through a
// channel onto the loop goroutine, so in-round phase transitions and
// terminal settlement never race.
//
// # Cancellation
//
// RequestStop flags the lease; the loop observes the flag between
// rounds and the lease context cancellation mid-round. An in-flight
// provider or runner call gets Config.StopGracePeriod to return
// before it is written off, after which the run settles in the error
// state with the fault pinned on whichever collaborator was active.
//
// # Restarts
//
// Starting a terminal project again archives its committed iterations
// under the old generation number and begins a fresh generation with
// iteration indices restarting at zero. The final artifact is rebuilt
// from whichever generation committed last.
//
// # Usage
//
//	svc, err := orchestrator.NewService(cfg, orchestrator.Deps{
//	    Store:     st,
//	    Leases:    lease.NewManager(),
//	    Providers: registry,
//	    Runner:    runner.NewLocal(runnerCfg, log),
//	    Merger:    merger,
//	}, log)
//	if err != nil {
//	    return err
//	}
//	defer svc.Close()
//
//	proj, err := svc.Submit(ctx, spec, nil, nil)
//	if err != nil {
//	    return err
//	}
//	_, err = svc.StartGeneration(ctx, orchestrator.StartRequest{ProjectID: proj.ID})
package orchestrator
