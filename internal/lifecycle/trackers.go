package lifecycle

import (
	"time"

	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/session"
)

// reactionTracker carries the retry state of one (session, reaction key)
// pair. attempts and firstTriggered are mirrored to session metadata so a
// restart resumes the same budget; escalated stays in memory so a restart
// re-announces a still-unresolved escalation at most once.
type reactionTracker struct {
	attempts       int
	firstTriggered time.Time
	escalated      bool
}

func sessionKey(projectID, sessionID string) string {
	return projectID + "/" + sessionID
}

func trackerKey(projectID, sessionID, reactionKey string) string {
	return sessionKey(projectID, sessionID) + "/" + reactionKey
}

// lastStatus returns the status used as "old" for transition detection: the
// in-memory tracked value when known, otherwise the persisted status the
// session was loaded with.
func (e *Engine) lastStatus(sess *session.Session) session.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.statuses[sessionKey(sess.Project, sess.ID)]; ok {
		return st
	}
	return sess.Status
}

func (e *Engine) rememberStatus(sess *session.Session, st session.Status) {
	e.mu.Lock()
	e.statuses[sessionKey(sess.Project, sess.ID)] = st
	e.mu.Unlock()
}

// tracker returns the reaction tracker for a session and key, restoring the
// persisted counters on first touch so restarts do not reset retry budgets.
func (e *Engine) tracker(sess *session.Session, reactionKey string) *reactionTracker {
	key := trackerKey(sess.Project, sess.ID, reactionKey)

	e.mu.Lock()
	tr, ok := e.trackers[key]
	e.mu.Unlock()
	if ok {
		return tr
	}

	tr = &reactionTracker{}
	if md, err := e.stores.Metadata().Load(sess.Project, sess.ID); err == nil {
		if attempts, first, found := md.ReactionTracker(reactionKey); found {
			tr.attempts = attempts
			tr.firstTriggered = first
		}
	}

	e.mu.Lock()
	if existing, ok := e.trackers[key]; ok {
		tr = existing
	} else {
		e.trackers[key] = tr
	}
	e.mu.Unlock()
	return tr
}

// trackerAttempts reads a tracker's attempt counter without creating one.
// Falls back to the persisted counter so accounting survives restarts.
func (e *Engine) trackerAttempts(sess *session.Session, reactionKey string) int {
	e.mu.Lock()
	tr, ok := e.trackers[trackerKey(sess.Project, sess.ID, reactionKey)]
	e.mu.Unlock()
	if ok {
		return tr.attempts
	}
	if md, err := e.stores.Metadata().Load(sess.Project, sess.ID); err == nil {
		if attempts, _, found := md.ReactionTracker(reactionKey); found {
			return attempts
		}
	}
	return 0
}

// persistTracker mirrors a tracker's counters into session metadata.
func (e *Engine) persistTracker(sess *session.Session, reactionKey string, tr *reactionTracker) {
	md, err := e.stores.Metadata().Load(sess.Project, sess.ID)
	if err != nil {
		return
	}
	md.SetReactionTracker(reactionKey, tr.attempts, tr.firstTriggered)
	if err := e.stores.Metadata().Save(sess.Project, sess.ID, md); err != nil {
		e.logger.Warn("failed to persist reaction tracker",
			zap.String("session_id", sess.ID),
			zap.String("reaction", reactionKey),
			zap.Error(err))
	}
}

// dropTracker removes a tracker from memory. The persisted counterpart is
// cleared by the transition write.
func (e *Engine) dropTracker(sess *session.Session, reactionKey string) {
	e.mu.Lock()
	delete(e.trackers, trackerKey(sess.Project, sess.ID, reactionKey))
	e.mu.Unlock()
}
