// Package compose supervises a small fleet of local processes described in
// a YAML services file.
//
// The core type is the Supervisor, which owns one child process per
// service: it spawns the child in its own process group, records a
// pidfile, copies output into the service log, and restarts the child
// with exponential backoff after unexpected exits. Too many restarts in a
// short window trip storm suppression, after which the service stays down
// until it is started explicitly.
//
//	cfg, err := compose.LoadConfig("services.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	mgr, err := compose.NewManager(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Close(context.Background(), time.Second)
//
//	// Start everything in dependency order
//	err = mgr.StartAll(ctx)
//
// # Manager
//
// Manager creates a Supervisor per service and runs bulk operations level
// by level, as computed by Graph.Levels from each service's depends_on
// list. Services within a level start concurrently; levels are separated
// by a short pause. Stopping runs the levels in reverse.
//
// # Scheduled restarts
//
// A service may carry a scheduled_restart policy such as "02:30@0,2,4"
// (02:30 on Monday, Wednesday and Friday). Scheduler re-reads the services
// file every 30 seconds, restarts due services through the Manager, and
// writes last_restart back through ConfigStore.
//
// # Control locks
//
// ControlLocks gives callers such as an HTTP API a fail-fast lock per
// service so two operators cannot restart the same service at once. A
// held lock yields ErrConflict rather than a queued wait.
package compose
