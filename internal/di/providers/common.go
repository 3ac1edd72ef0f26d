// Package providers contains dependency injection providers for the
// margin-sync daemon.
package providers

import "time"

// shutdownTimeout bounds graceful shutdown of background components.
const shutdownTimeout = 10 * time.Second

// taskPruneGrace is how long succeeded and cancelled tasks stay visible
// before the queue prunes them.
const taskPruneGrace = 30 * time.Second
