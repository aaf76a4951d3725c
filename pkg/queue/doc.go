// Package queue implements per-user admission control.
//
// Each user key gets a lane that admits at most MaxUserQueueSize requests
// (running plus waiting). Requests beyond that are rejected on the spot so
// callers can tell the user to wait. Admitted requests for the same key run
// one after another; different keys run in parallel.
//
//	q := queue.New(cfg.Queue.MaxUserQueueSize, log)
//	adm, err := q.Acquire(ctx, userID, isAdmin)
//	if err != nil {
//	    return err
//	}
//	if !adm.OK() {
//	    return errQueueFull
//	}
//	defer adm.Release()
package queue
