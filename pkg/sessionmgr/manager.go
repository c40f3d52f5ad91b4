// Package sessionmgr drives the per-call charging state machine: it folds
// store state into incoming messages, hands them to the ACR sender, and on
// each CDF answer updates the replicated session stores and the interim
// timer that keeps long-lived calls billable.
package sessionmgr

import (
	"context"
	"encoding/json"
	"net/url"

	"go.uber.org/zap"

	"github.com/Metaswitch/ralf/pkg/kv"
	"github.com/Metaswitch/ralf/pkg/message"
	"github.com/Metaswitch/ralf/pkg/sessionstore"
)

// NoTimer is stored as the timer id when the timer service could not supply
// one. A later interim retries with a fresh create.
const NoTimer = "NO_TIMER"

// defaultMaxContentionRetries bounds how many times handling restarts after
// losing a CAS race on the local store before the message is abandoned.
const defaultMaxContentionRetries = 10

// ACRSender issues the ACR for a message and delivers exactly one terminal
// callback to the handler.
type ACRSender interface {
	Send(ctx context.Context, msg *message.Message, handler ResponseHandler)
}

// ResponseHandler matches rf.ResponseHandler; redeclared here so the sender
// dependency points in one direction only.
type ResponseHandler interface {
	OnCCFResponse(accepted bool, interimInterval uint32, sessionID string, resultCode uint32, msg *message.Message)
}

// TimerClient mutates recurring interim timers in the external timer
// service.
type TimerClient interface {
	Post(ctx context.Context, interval, repeatFor uint32, callbackPath, opaque string, tags map[string]uint32) (string, error)
	Put(ctx context.Context, timerID string, interval, repeatFor uint32, callbackPath, opaque string, tags map[string]uint32) (string, error)
	Delete(ctx context.Context, timerID string) error
}

// HealthReporter is told about successful ACAs; they are the gateway's
// strongest signal that the whole billing path is alive.
type HealthReporter interface {
	HealthCheckPassed()
}

// Config tunes the session manager.
type Config struct {
	// MaxContentionRetries bounds CAS-contention restarts per message.
	MaxContentionRetries int
}

// SessionManager owns one local session store plus any number of remote
// site replicas. Reads fall through local then remotes; writes fan out
// best-effort, with CAS contention restarting the whole message.
type SessionManager struct {
	localStore   *sessionstore.Store
	remoteStores []*sessionstore.Store
	sender       ACRSender
	timers       TimerClient
	health       HealthReporter
	logger       *zap.Logger
	cfg          Config
}

// timerTags annotate interim timers so the timer service can account for
// calls in flight.
var timerTags = map[string]uint32{"CALL": 1}

// New creates a SessionManager.
func New(local *sessionstore.Store, remotes []*sessionstore.Store, sender ACRSender, timers TimerClient, health HealthReporter, cfg Config, logger *zap.Logger) *SessionManager {
	if cfg.MaxContentionRetries <= 0 {
		cfg.MaxContentionRetries = defaultMaxContentionRetries
	}

	return &SessionManager{
		localStore:   local,
		remoteStores: remotes,
		sender:       sender,
		timers:       timers,
		health:       health,
		logger:       logger,
		cfg:          cfg,
	}
}

// Handle processes one charging message to completion: store mutation, ACR
// send, and (via OnCCFResponse on the Diameter side) timer maintenance. It
// owns the message from this point on.
func (sm *SessionManager) Handle(ctx context.Context, msg *message.Message) {
	sm.handle(ctx, msg, 0)
}

func (sm *SessionManager) handle(ctx context.Context, msg *message.Message, attempt int) {
	if attempt >= sm.cfg.MaxContentionRetries {
		sm.logger.Error("Abandoning message after repeated store contention",
			zap.String("call_id", msg.CallID),
			zap.Int("attempts", attempt),
		)
		return
	}

	key := sm.key(msg)

	if msg.RecordType.IsInterim() || msg.RecordType.IsStop() {
		// This relates to an existing session. When only a remote store
		// still holds it, an interim's local write resurrects it there with
		// add semantics and a stop deletes locally without a CAS check.
		sess, newSession := sm.findSession(key, msg.CallID)
		if sess == nil {
			sm.logger.Info("Session not found in any store, ignoring message",
				zap.String("call_id", msg.CallID),
			)
			return
		}

		sess.AcctRecordNumber++

		if msg.RecordType.IsInterim() {
			if sm.localStore.Set(key, sess, newSession) == kv.StatusContention {
				// Someone wrote conflicting data since the read; start over.
				sm.handle(ctx, msg, attempt+1)
				return
			}
			sm.mirrorInterimToRemotes(key, sess)
		} else {
			if newSession {
				// The CAS came from a remote store and means nothing
				// locally; clear any local leftover unconditionally.
				sm.localStore.Delete(key)
			} else if sm.localStore.DeleteCAS(key, sess) == kv.StatusContention {
				sm.handle(ctx, msg, attempt+1)
				return
			}
			for _, remote := range sm.remoteStores {
				remote.Delete(key)
			}

			sm.logger.Info("Received STOP, deleting session",
				zap.String("call_id", msg.CallID),
				zap.String("timer_id", sess.TimerID),
			)
			if sess.TimerID != NoTimer && sess.TimerID != "" {
				if err := sm.timers.Delete(ctx, sess.TimerID); err != nil {
					sm.logger.Warn("Failed to cancel interim timer",
						zap.String("timer_id", sess.TimerID),
						zap.Error(err),
					)
				}
			}
		}

		msg.AccountingRecordNumber = sess.AcctRecordNumber
		msg.CCFs = sess.CCFs
		msg.SessionID = sess.SessionID
		msg.TimerID = sess.TimerID
		if msg.SessionRefreshTime == 0 {
			// Not always filled in on the HTTP message.
			msg.SessionRefreshTime = sess.SessionRefreshTime
		}
		msg.InterimInterval = sess.InterimInterval
	} else {
		// First ACR in a session. The CCF list and refresh time came in on
		// the message; the session id and interim interval arrive with the
		// CDF's answer, and the timer is created then too.
		msg.AccountingRecordNumber = 1
	}

	sm.sender.Send(ctx, msg, sm)
}

// findSession reads the session from the local store, falling through the
// remotes in order. newSession reports that only a remote had it.
func (sm *SessionManager) findSession(key sessionstore.Key, callID string) (*sessionstore.Session, bool) {
	sess, _ := sm.localStore.Get(key)
	if sess != nil {
		return sess, false
	}

	sm.logger.Debug("Session not in local store, trying remote stores",
		zap.String("call_id", callID),
	)
	for _, remote := range sm.remoteStores {
		if sess, _ = remote.Get(key); sess != nil {
			return sess, true
		}
	}
	return nil, false
}

// mirrorInterimToRemotes applies an interim's record-number increment to
// each remote replica. Replication is best effort: contention is retried
// once against a fresh read, anything else moves on to the next store.
func (sm *SessionManager) mirrorInterimToRemotes(key sessionstore.Key, sess *sessionstore.Session) {
	for _, remote := range sm.remoteStores {
		for tries := 0; tries < 2; tries++ {
			remoteSess, _ := remote.Get(key)

			var status kv.Status
			if remoteSess == nil {
				status = remote.Set(key, sess.Clone(), true)
			} else {
				remoteSess.AcctRecordNumber++
				status = remote.Set(key, remoteSess, false)
			}

			if status != kv.StatusContention {
				break
			}
		}
	}
}

// OnCCFResponse is invoked exactly once per message by the sender, on a
// Diameter-side goroutine. It finishes the message's lifecycle.
func (sm *SessionManager) OnCCFResponse(accepted bool, interimInterval uint32, sessionID string, resultCode uint32, msg *message.Message) {
	ctx := context.Background()

	sm.logCCFResponse(accepted, sessionID, resultCode, msg)

	if interimInterval == 0 {
		// The CDF did not set one. Use the stored interval if present,
		// otherwise the session refresh time.
		if msg.InterimInterval != 0 {
			interimInterval = msg.InterimInterval
		} else {
			interimInterval = msg.SessionRefreshTime
		}
	}

	if accepted {
		switch {
		case msg.RecordType.IsInterim() && !msg.TimerInterim && msg.SessionRefreshTime > interimInterval:
			// Signalling-driven interim: push the recurring timer out.
			sm.refreshTimer(ctx, msg, interimInterval)

		case msg.RecordType.IsStart():
			sm.createSession(ctx, msg, sessionID, interimInterval)
		}

		// A successful ACA means the CDF path works end to end.
		if sm.health != nil {
			sm.health.HealthCheckPassed()
		}
		return
	}

	sm.logger.Warn("Received error from CDF",
		zap.String("call_id", msg.CallID),
		zap.Uint32("result_code", resultCode),
	)

	if !msg.RecordType.IsInterim() {
		// A failed START is not recorded and a failed EVENT or STOP needs
		// nothing further.
		return
	}

	if resultCode == 5002 {
		// The CDF has no record of this session, so there is no point
		// sending more interims. Purge it everywhere.
		sm.logger.Info("CDF reports unknown session, deleting everywhere",
			zap.String("call_id", msg.CallID),
		)
		key := sm.key(msg)
		sm.localStore.Delete(key)
		for _, remote := range sm.remoteStores {
			remote.Delete(key)
		}
		return
	}

	if !msg.TimerInterim && msg.SessionRefreshTime > interimInterval {
		// Transient CDF failure: the CDF probably still knows the session,
		// so keep the interim timer alive rather than orphaning the call.
		sm.refreshTimer(ctx, msg, interimInterval)
	}
}

// createSession persists a new session after an accepted START and arranges
// its interim timer.
func (sm *SessionManager) createSession(ctx context.Context, msg *message.Message, sessionID string, interimInterval uint32) {
	timerID := NoTimer

	if msg.SessionRefreshTime > interimInterval {
		id, err := sm.timers.Post(ctx, interimInterval, msg.SessionRefreshTime,
			sm.callbackPath(msg.CallID), sm.opaqueData(msg), timerTags)
		if err != nil {
			sm.logger.Error("Timer service POST failed",
				zap.String("call_id", msg.CallID),
				zap.Error(err),
			)
		} else {
			timerID = id
		}
	}
	msg.TimerID = timerID

	sess := &sessionstore.Session{
		SessionID:          sessionID,
		CCFs:               msg.CCFs,
		AcctRecordNumber:   msg.AccountingRecordNumber,
		TimerID:            timerID,
		SessionRefreshTime: msg.SessionRefreshTime,
		InterimInterval:    interimInterval,
	}

	sm.logger.Info("Writing session to store",
		zap.String("call_id", msg.CallID),
		zap.String("session_id", sessionID),
	)

	key := sm.key(msg)
	// Unconditional: if this add loses a race, the winner has already done
	// this processing.
	sm.localStore.Set(key, sess, true)
	for _, remote := range sm.remoteStores {
		remote.Set(key, sess.Clone(), true)
	}
}

// refreshTimer extends the recurring interim timer, creating it afresh if
// the original create failed. If the timer service minted a new id it is
// written back to every store.
func (sm *SessionManager) refreshTimer(ctx context.Context, msg *message.Message, interimInterval uint32) {
	var (
		newID string
		err   error
	)

	if msg.TimerID == NoTimer || msg.TimerID == "" {
		// The original create must have failed; retry it for a fresh id.
		newID, err = sm.timers.Post(ctx, interimInterval, msg.SessionRefreshTime,
			sm.callbackPath(msg.CallID), sm.opaqueData(msg), timerTags)
	} else {
		newID, err = sm.timers.Put(ctx, msg.TimerID, interimInterval, msg.SessionRefreshTime,
			sm.callbackPath(msg.CallID), sm.opaqueData(msg), timerTags)
	}

	if err != nil {
		sm.logger.Warn("Failed to refresh interim timer",
			zap.String("call_id", msg.CallID),
			zap.String("timer_id", msg.TimerID),
			zap.Error(err),
		)
		return
	}

	sm.logger.Debug("Interim timer renewed",
		zap.String("call_id", msg.CallID),
		zap.Uint32("interval", interimInterval),
	)

	if newID != msg.TimerID {
		sm.updateTimerID(msg, newID)
	}
}

// updateTimerID records a changed timer id in every store that still holds
// the session. Best effort: contention means someone else is already
// rewriting the session, and their write wins.
func (sm *SessionManager) updateTimerID(msg *message.Message, timerID string) {
	key := sm.key(msg)

	stores := append([]*sessionstore.Store{sm.localStore}, sm.remoteStores...)
	for _, store := range stores {
		sess, _ := store.Get(key)
		if sess == nil {
			continue
		}
		sess.TimerID = timerID
		store.Set(key, sess, false)
	}
	msg.TimerID = timerID
}

// opaqueData synthesises the body the timer service redelivers on each pop:
// just enough for the billing handler to reconstruct an INTERIM for this
// session without consulting the store.
func (sm *SessionManager) opaqueData(msg *message.Message) string {
	doc := map[string]interface{}{
		"event": map[string]interface{}{
			"Service-Information": map[string]interface{}{
				"IMS-Information": map[string]interface{}{
					"Role-Of-Node":       int32(msg.Role),
					"Node-Functionality": int32(msg.Function),
				},
			},
			"Accounting-Record-Type": int32(message.RecordTypeInterim),
		},
	}

	body, err := json.Marshal(doc)
	if err != nil {
		sm.logger.Error("Failed to build opaque timer data", zap.Error(err))
		return ""
	}
	return string(body)
}

func (sm *SessionManager) callbackPath(callID string) string {
	return "/call-id/" + url.PathEscape(callID) + "?timer-interim=true"
}

func (sm *SessionManager) key(msg *message.Message) sessionstore.Key {
	return sessionstore.Key{CallID: msg.CallID, Role: msg.Role, Function: msg.Function}
}

func (sm *SessionManager) logCCFResponse(accepted bool, sessionID string, resultCode uint32, msg *message.Message) {
	// EVENT records have no impact beyond the transaction itself, so they
	// get no session-level log.
	if msg.RecordType.IsEvent() {
		return
	}

	fields := []zap.Field{
		zap.String("call_id", msg.CallID),
		zap.String("session_id", sessionID),
		zap.Int32("role", int32(msg.Role)),
		zap.Int32("function", int32(msg.Function)),
		zap.Uint32("result_code", resultCode),
	}

	var outcome string
	switch {
	case msg.RecordType.IsStart() && accepted:
		outcome = "New Rf session established"
	case msg.RecordType.IsStart():
		outcome = "Failed to establish Rf session"
	case msg.RecordType.IsInterim() && accepted:
		outcome = "Rf session continued"
	case msg.RecordType.IsInterim():
		outcome = "Failed to continue Rf session"
	case accepted:
		outcome = "Rf session ended"
	default:
		outcome = "Failed to end Rf session"
	}

	if accepted {
		sm.logger.Info(outcome, fields...)
	} else {
		sm.logger.Warn(outcome, fields...)
	}
}
