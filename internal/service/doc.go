// Package service implements scheduling and supervision of vina runs.
//
// Overview
// The Scheduler owns an event loop, a FIFO queue of vina.RunConfiguration
// and at most one current Job. Clients schedule configurations, then request
// the queue to start. Scheduling never starts anything by itself.
//
// A Job wraps a private copy of a configuration. It resolves the output
// directory, writes conf.txt, runs vina and reports progress through an
// EmitFunc. After a successful run it splits the poses, parses stdout and
// stores result.json and conf.json.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - starts the process in its own process group
//   - streams stdout chunks to a callback
//   - captures stderr
//   - exposes a channel of Result values
//   - kills the whole process group
//
// Data flow:
//
//	Scheduler                 Job{cfg}                 Runner{cmd}
//	    |                        |                        |
//	Schedule -> queue            |                        |
//	RunScheduled -> NewJob ----->| Run() --------------->| Start()
//	    |                        |<----- stdout chunks ---| read loop + Wait()
//	    |<-- progress (gen) -----|                        |
//	    |                        |<------ Result ---------| (process exits)
//	    |<-- closed (gen) -------|                        |
//	pop head, finished, next     |                        |
//
// Invariants:
//   - At most one Job is current, it is always the queue head.
//   - Closed is the last event of a Job, unless the Job was killed.
//   - Finished of a job is published before Started of the next one.
//   - A killed job stays at the head; the queue waits for RunScheduled.
//   - Every queue mutation is persisted through a QueueStore.
//
// Inbox and Sweeper feed the Scheduler from outside: request files dropped
// into a directory and periodic removal of tries without result.json.
package service
