package sched

import "github.com/arkendale/corekernel/thread"

// Typed lock tokens make the required acquisition order -- thread lock
// before scheduler lock, never the reverse -- visible at every call site: a
// runqueue token cannot outlive the dispatch path that took it, and there
// is no constructor that takes a thread lock while one is held.

type threadToken struct{ t *thread.Thread }

func lockThread(t *thread.Thread) threadToken {
	t.Lock()
	return threadToken{t}
}

func (tok threadToken) unlock() { tok.t.Unlock() }

type rqToken struct{ rq *Runqueue }

func lockRunqueue(rq *Runqueue) rqToken {
	rq.mu.Lock()
	return rqToken{rq}
}

func (tok rqToken) unlock() { tok.rq.mu.Unlock() }
