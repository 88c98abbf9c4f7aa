package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"griddesk/internal/audit"
	"griddesk/internal/model"
	"griddesk/internal/workflow"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// EventBus is the slice of the pub/sub bus the manager needs
type EventBus interface {
	PublishSession(sessionID string, event map[string]interface{}) error
}

// AuditSink records terminal cancellation outcomes
type AuditSink interface {
	RecordCancellation(ctx context.Context, rec audit.CancellationRecord) error
}

// Session is one operator's live cancellation workflow
type Session struct {
	ID        string
	Operator  string
	CreatedAt time.Time

	ctrl  *workflow.Controller
	unsub func()
}

// State returns the session's current workflow snapshot
func (s *Session) State() model.WorkflowState {
	return s.ctrl.State()
}

// Manager owns all live cancellation sessions. Sessions live in an expirable
// LRU: abandoning a workflow (closed tab, navigation away) eventually evicts
// it, which closes the controller and marks its outstanding RPCs stale.
type Manager struct {
	mu     sync.Mutex
	cache  *expirable.LRU[string, *Session]
	facade workflow.Facade
	bus    EventBus
	audit  AuditSink
	log    *zap.Logger
}

func NewManager(facade workflow.Facade, bus EventBus, auditSink AuditSink, capacity int, ttl time.Duration, log *zap.Logger) *Manager {
	m := &Manager{
		facade: facade,
		bus:    bus,
		audit:  auditSink,
		log:    log,
	}
	m.cache = expirable.NewLRU[string, *Session](capacity, func(_ string, s *Session) {
		s.unsub()
		s.ctrl.Close()
		log.Info("Session evicted", zap.String("session_id", s.ID))
	}, ttl)
	return m
}

// Create starts a new cancellation workflow for an operator
func (m *Manager) Create(operator string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := ulid.Make().String()
	s := &Session{
		ID:        id,
		Operator:  operator,
		CreatedAt: time.Now().UTC(),
	}
	s.ctrl = workflow.NewController(m.facade, &outcomeRecorder{m: m, session: s}, m.log)
	s.unsub = s.ctrl.Subscribe(func(st model.WorkflowState) {
		if m.bus == nil {
			return
		}
		_ = m.bus.PublishSession(id, map[string]interface{}{
			"type":  "workflow.state",
			"state": st,
		})
	})
	m.cache.Add(id, s)

	m.log.Info("Session created", zap.String("session_id", id), zap.String("operator", operator))
	return s
}

// Get returns a live session by id
func (m *Manager) Get(id string) (*Session, error) {
	if s, ok := m.cache.Get(id); ok {
		return s, nil
	}
	return nil, fmt.Errorf("session not found: %s", id)
}

// Discard tears a session down immediately
func (m *Manager) Discard(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cache.Remove(id) {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// Dispatch applies one workflow event to a session and returns the
// post-transition snapshot.
func (m *Manager) Dispatch(id string, ev Event) (model.WorkflowState, error) {
	s, err := m.Get(id)
	if err != nil {
		return model.WorkflowState{}, err
	}

	switch ev.Type {
	case EventSetMode:
		return s.ctrl.SetMode(model.CancellationMode(ev.Mode)), nil
	case EventEditReference:
		return s.ctrl.EditReference(ev.Text), nil
	case EventLookupReference:
		return s.ctrl.LookupReference(), nil
	case EventEditMeter:
		return s.ctrl.EditMeter(ev.Text), nil
	case EventLookupMeter:
		return s.ctrl.LookupMeter(), nil
	case EventSearchCandidates:
		return s.ctrl.SearchCandidates(ev.Search), nil
	case EventSetPage:
		return s.ctrl.SetCandidatePage(ev.Page), nil
	case EventSelectCandidate:
		return s.ctrl.SelectCandidate(ev.CandidateID), nil
	case EventEditReason:
		return s.ctrl.EditReason(ev.Text), nil
	case EventSubmit:
		return s.ctrl.Submit(), nil
	case EventReset:
		return s.ctrl.Reset(), nil
	default:
		return s.State(), fmt.Errorf("unknown event type: %s", ev.Type)
	}
}

// Len reports the number of live sessions
func (m *Manager) Len() int {
	return m.cache.Len()
}

// Close tears down every live session
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Purge()
}

// outcomeRecorder forwards settled cancellations to the audit store
type outcomeRecorder struct {
	m       *Manager
	session *Session
}

func (r *outcomeRecorder) CancellationSettled(st model.WorkflowState) {
	if r.m.audit == nil || st.Outcome == nil {
		return
	}

	rec := audit.CancellationRecord{
		SessionID: r.session.ID,
		Operator:  r.session.Operator,
		Mode:      string(st.Mode),
		Reason:    st.Reason,
		Succeeded: st.Outcome.Succeeded,
		SettledAt: st.Outcome.SettledAt,
	}
	if st.ReferenceLookup != nil {
		rec.Reference = st.ReferenceLookup.Reference
		rec.PaymentID = st.ReferenceLookup.PaymentID
	}
	if st.SelectedCandidate != nil {
		rec.Reference = st.SelectedCandidate.Reference
		rec.PaymentID = st.SelectedCandidate.ID
	}
	if st.Outcome.Receipt != nil {
		rec.Amount = st.Outcome.Receipt.Amount
	}
	if st.Outcome.Error != nil {
		rec.ErrorCode = st.Outcome.Error.Code
		rec.ErrorMessage = st.Outcome.Error.Message
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.m.audit.RecordCancellation(ctx, rec); err != nil {
		r.m.log.Error("Failed to record cancellation outcome",
			zap.String("session_id", r.session.ID),
			zap.Error(err),
		)
	}
}
