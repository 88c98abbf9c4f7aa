package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"griddesk/internal/backend"
	"griddesk/internal/model"

	"go.uber.org/zap"
)

// DefaultPageSize is the candidate page size requested from the backend
const DefaultPageSize = 10

// Facade is the slice of the billing backend the workflow drives. Every
// operation maps to one backend call and reports failure as a typed error
// from the backend package; none of them retry.
type Facade interface {
	CheckPaymentByReference(ctx context.Context, reference string) (*model.PaymentReferenceLookup, error)
	LookupCustomerByMeter(ctx context.Context, meterNumber string) (*model.CustomerLookupResult, error)
	ListCustomerPayments(ctx context.Context, customerID string, page, pageSize int, search string) (*model.CandidatePage, error)
	CancelPaymentByReference(ctx context.Context, reference, reason string) (*model.CancellationReceipt, error)
	CancelPaymentByID(ctx context.Context, paymentID, reason string) (*model.CancellationReceipt, error)
}

// OutcomeSink receives the state snapshot each time a cancellation
// submission settles, success or failure. Used for the audit trail.
type OutcomeSink interface {
	CancellationSettled(state model.WorkflowState)
}

// Controller owns the cancellation workflow state machine. All user events
// and RPC completions funnel through its mutex, so transitions are applied
// one at a time no matter how completions interleave with new events.
//
// Staleness is handled with generation counters: every dispatched lookup
// captures the current generation for its field plus the workflow epoch, and
// its completion is dropped unless both still match. Mode switches and resets
// bump the epoch, so late completions from a torn-down mode can never mutate
// a reinitialized state.
type Controller struct {
	mu     sync.Mutex
	facade Facade
	store  *Store
	sink   OutcomeSink
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	epoch    uint64
	refGen   uint64
	meterGen uint64
	listGen  uint64

	submitting bool
	closed     bool
}

func NewController(facade Facade, sink OutcomeSink, log *zap.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		facade: facade,
		store:  NewStore(),
		sink:   sink,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the current snapshot
func (c *Controller) State() model.WorkflowState {
	return c.store.Snapshot()
}

// Subscribe registers a listener on the underlying store
func (c *Controller) Subscribe(fn Listener) func() {
	return c.store.Subscribe(fn)
}

// SetMode switches between the two sub-flows. All mode-specific state is
// cleared and in-flight lookups of the previous mode are invalidated; only
// the reason survives, since it applies to both modes.
func (c *Controller) SetMode(mode model.CancellationMode) model.WorkflowState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.store.Snapshot()
	if c.closed || st.Mode == mode {
		return st
	}
	if mode != model.ModeByReference && mode != model.ModeByMeter {
		st.ValidationErrors = map[string]string{"mode": "unknown cancellation mode"}
		c.store.Replace(st)
		return st
	}

	c.epoch++
	next := model.NewWorkflowState()
	next.Mode = mode
	next.Reason = st.Reason
	c.store.Replace(next)
	return next
}

// EditReference updates the reference text. Any prior lookup for the field
// is invalidated first, including one still in flight.
func (c *Controller) EditReference(text string) model.WorkflowState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.store.Snapshot()
	if c.closed || st.Mode != model.ModeByReference || editsLocked(st.Phase) {
		return st
	}

	c.refGen++
	st.ReferenceText = text
	st.ReferenceLookup = nil
	st.Status.ReferenceLookup = model.OpIdle
	st.Phase = model.PhaseIdle
	st.LastError = nil
	st.ValidationErrors = dropKey(st.ValidationErrors, "reference")
	c.store.Replace(st)
	return st
}

// EditMeter updates the meter number, invalidating the customer lookup, the
// candidate list and any selection derived from the previous value.
func (c *Controller) EditMeter(text string) model.WorkflowState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.store.Snapshot()
	if c.closed || st.Mode != model.ModeByMeter || editsLocked(st.Phase) {
		return st
	}

	c.meterGen++
	c.listGen++
	st.MeterNumber = text
	st.CustomerLookup = nil
	st.Candidates = nil
	st.SelectedCandidate = nil
	st.CandidateSearch = ""
	st.CandidatePageNum = 1
	st.Status.CustomerLookup = model.OpIdle
	st.Status.Candidates = model.OpIdle
	st.Phase = model.PhaseIdle
	st.LastError = nil
	st.ValidationErrors = dropKey(st.ValidationErrors, "meter", "candidate")
	c.store.Replace(st)
	return st
}

// EditReason updates the cancellation reason
func (c *Controller) EditReason(text string) model.WorkflowState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.store.Snapshot()
	if c.closed || editsLocked(st.Phase) {
		return st
	}
	st.Reason = text
	st.ValidationErrors = dropKey(st.ValidationErrors, "reason")
	c.store.Replace(st)
	return st
}

// LookupReference verifies the current reference text against the backend.
// Lookups are explicit, never triggered per keystroke; a new request for the
// field supersedes any earlier pending one.
func (c *Controller) LookupReference() model.WorkflowState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.store.Snapshot()
	if c.closed || st.Mode != model.ModeByReference || editsLocked(st.Phase) {
		return st
	}

	ref := strings.TrimSpace(st.ReferenceText)
	if ref == "" {
		st.ValidationErrors = setKey(st.ValidationErrors, "reference", "payment reference is required")
		c.store.Replace(st)
		return st
	}

	c.refGen++
	gen, epoch := c.refGen, c.epoch
	st.ReferenceLookup = nil
	st.Status.ReferenceLookup = model.OpPending
	st.Phase = model.PhaseReferenceLookupPending
	st.LastError = nil
	st.ValidationErrors = dropKey(st.ValidationErrors, "reference")
	c.store.Replace(st)

	go func() {
		lookup, err := c.facade.CheckPaymentByReference(c.ctx, ref)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || epoch != c.epoch || gen != c.refGen {
			return // superseded or torn down, drop silently
		}
		st := c.store.Snapshot()
		if err != nil {
			st.Status.ReferenceLookup = model.OpFailed
			st.LastError = classifyError(err)
			st.Phase = model.PhaseIdle
		} else {
			st.ReferenceLookup = lookup
			st.Status.ReferenceLookup = model.OpSucceeded
			st.Phase = model.PhaseReferenceValidated
		}
		c.store.Replace(st)
	}()
	return st
}

// LookupMeter resolves the current meter number to a customer and, on
// success, loads the first page of that customer's payments.
func (c *Controller) LookupMeter() model.WorkflowState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.store.Snapshot()
	if c.closed || st.Mode != model.ModeByMeter || editsLocked(st.Phase) {
		return st
	}

	meter := strings.TrimSpace(st.MeterNumber)
	if meter == "" {
		st.ValidationErrors = setKey(st.ValidationErrors, "meter", "meter number is required")
		c.store.Replace(st)
		return st
	}

	c.meterGen++
	gen, epoch := c.meterGen, c.epoch
	st.CustomerLookup = nil
	st.Candidates = nil
	st.SelectedCandidate = nil
	st.CandidatePageNum = 1
	st.Status.CustomerLookup = model.OpPending
	st.Status.Candidates = model.OpIdle
	st.Phase = model.PhaseMeterLookupPending
	st.LastError = nil
	st.ValidationErrors = dropKey(st.ValidationErrors, "meter", "candidate")
	c.store.Replace(st)

	go func() {
		customer, err := c.facade.LookupCustomerByMeter(c.ctx, meter)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || epoch != c.epoch || gen != c.meterGen {
			return
		}
		st := c.store.Snapshot()
		if err != nil {
			st.Status.CustomerLookup = model.OpFailed
			st.LastError = classifyError(err)
			st.Phase = model.PhaseIdle
			c.store.Replace(st)
			return
		}
		st.CustomerLookup = customer
		st.Status.CustomerLookup = model.OpSucceeded
		c.fetchCandidatesLocked(&st)
		c.store.Replace(st)
	}()
	return st
}

// SearchCandidates re-issues the candidate listing with a search term
func (c *Controller) SearchCandidates(term string) model.WorkflowState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.store.Snapshot()
	if c.closed || st.Mode != model.ModeByMeter || editsLocked(st.Phase) || st.CustomerLookup == nil {
		return st
	}
	st.CandidateSearch = term
	st.CandidatePageNum = 1
	c.fetchCandidatesLocked(&st)
	c.store.Replace(st)
	return st
}

// SetCandidatePage re-issues the candidate listing for another page
func (c *Controller) SetCandidatePage(page int) model.WorkflowState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.store.Snapshot()
	if c.closed || st.Mode != model.ModeByMeter || editsLocked(st.Phase) || st.CustomerLookup == nil || page < 1 {
		return st
	}
	st.CandidatePageNum = page
	c.fetchCandidatesLocked(&st)
	c.store.Replace(st)
	return st
}

// fetchCandidatesLocked starts a candidate listing for the current customer.
// Must be called with the controller mutex held; it mutates st in place and
// leaves Replace to the caller. The completion is applied only while the
// customer it was issued for is still the current one.
func (c *Controller) fetchCandidatesLocked(st *model.WorkflowState) {
	c.listGen++
	gen, epoch := c.listGen, c.epoch
	customerID := st.CustomerLookup.CustomerID
	page, search := st.CandidatePageNum, st.CandidateSearch

	st.Status.Candidates = model.OpPending
	st.Phase = model.PhaseCandidatesLoading

	go func() {
		result, err := c.facade.ListCustomerPayments(c.ctx, customerID, page, DefaultPageSize, search)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || epoch != c.epoch || gen != c.listGen {
			return
		}
		cur := c.store.Snapshot()
		if cur.CustomerLookup == nil || cur.CustomerLookup.CustomerID != customerID {
			// Late response for a previous customer; never let it pollute
			// the new customer's list.
			return
		}
		if err != nil {
			cur.Status.Candidates = model.OpFailed
			cur.LastError = classifyError(err)
			cur.Phase = model.PhaseCandidatesReady
			if cur.Candidates == nil {
				cur.Phase = model.PhaseIdle
			}
			c.store.Replace(cur)
			return
		}
		cur.Candidates = result
		cur.Status.Candidates = model.OpSucceeded
		if cur.SelectedCandidate != nil && !containsCandidate(result, cur.SelectedCandidate.ID) {
			// The selection must belong to the most recent fetch.
			cur.SelectedCandidate = nil
		}
		if cur.SelectedCandidate != nil {
			cur.Phase = model.PhaseCandidateSelected
		} else {
			cur.Phase = model.PhaseCandidatesReady
		}
		c.store.Replace(cur)
	}()
}

// SelectCandidate marks one candidate from the current list for cancellation.
// Selecting while another is already selected silently replaces it.
func (c *Controller) SelectCandidate(id string) model.WorkflowState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.store.Snapshot()
	if c.closed || st.Mode != model.ModeByMeter || editsLocked(st.Phase) {
		return st
	}
	if st.Candidates == nil {
		st.ValidationErrors = setKey(st.ValidationErrors, "candidate", "no transactions loaded")
		c.store.Replace(st)
		return st
	}

	var found *model.TransactionCandidate
	for i := range st.Candidates.Items {
		if st.Candidates.Items[i].ID == id {
			cand := st.Candidates.Items[i]
			found = &cand
			break
		}
	}
	if found == nil {
		st.ValidationErrors = setKey(st.ValidationErrors, "candidate", "unknown transaction candidate")
		c.store.Replace(st)
		return st
	}

	st.SelectedCandidate = found
	st.Phase = model.PhaseCandidateSelected
	st.ValidationErrors = dropKey(st.ValidationErrors, "candidate")
	c.store.Replace(st)
	return st
}

// Submit dispatches the cancellation RPC chosen by the active mode. It is a
// no-op while a previous submission is still in flight and while validation
// fails; on failure the workflow returns to the validated pre-submission
// state with all inputs retained so the operator can correct and resubmit.
func (c *Controller) Submit() model.WorkflowState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.store.Snapshot()
	if c.closed || st.Phase == model.PhaseSucceeded {
		return st
	}
	if c.submitting {
		// A cancellation RPC is non-idempotent; only one may ever be in
		// flight regardless of how fast Submit events arrive.
		return st
	}

	if errs := BuildCancellationErrors(st); errs != nil {
		st.ValidationErrors = errs
		c.store.Replace(st)
		return st
	}

	reason := strings.TrimSpace(st.Reason)
	mode := st.Mode
	var reference, paymentID string
	var recoverPhase model.Phase
	if mode == model.ModeByReference {
		reference = st.ReferenceLookup.Reference
		recoverPhase = model.PhaseReferenceValidated
	} else {
		paymentID = st.SelectedCandidate.ID
		recoverPhase = model.PhaseCandidateSelected
	}

	// The in-flight flag is set before control is yielded, so no later
	// Submit event can observe it unset while this RPC is outstanding.
	c.submitting = true
	epoch := c.epoch

	st.ValidationErrors = nil
	st.LastError = nil
	st.Status.Cancel = model.OpPending
	st.Phase = model.PhaseSubmitting
	c.store.Replace(st)

	go func() {
		var receipt *model.CancellationReceipt
		var err error
		if mode == model.ModeByReference {
			receipt, err = c.facade.CancelPaymentByReference(c.ctx, reference, reason)
		} else {
			receipt, err = c.facade.CancelPaymentByID(c.ctx, paymentID, reason)
		}

		c.mu.Lock()
		c.submitting = false
		if c.closed || epoch != c.epoch {
			// The workflow was reset or switched mode while the cancel was
			// outstanding. The server-side effect stands; the discarded
			// state must not be touched.
			c.mu.Unlock()
			return
		}
		st := c.store.Snapshot()
		now := time.Now().UTC()
		if err != nil {
			werr := classifyError(err)
			st.Status.Cancel = model.OpFailed
			st.LastError = werr
			st.Outcome = &model.CancellationOutcome{Succeeded: false, Error: werr, SettledAt: now}
			st.Phase = recoverPhase
		} else {
			st.Status.Cancel = model.OpSucceeded
			st.LastError = nil
			st.Outcome = &model.CancellationOutcome{Succeeded: true, Receipt: receipt, SettledAt: now}
			st.Phase = model.PhaseSucceeded
		}
		c.store.Replace(st)
		sink := c.sink
		c.mu.Unlock()

		if sink != nil {
			sink.CancellationSettled(st.Clone())
		}
	}()
	return st
}

// Reset returns the workflow to its initial empty form for both modes and
// marks every outstanding lookup stale.
func (c *Controller) Reset() model.WorkflowState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.store.Snapshot()
	}
	c.epoch++
	c.refGen++
	c.meterGen++
	c.listGen++
	st := model.NewWorkflowState()
	c.store.Replace(st)
	return st
}

// Close tears the workflow down: outstanding RPCs are cancelled and any late
// completion is dropped. The controller accepts no further events.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.epoch++
	c.cancel()
}

// editsLocked reports whether the workflow accepts no further edit or lookup
// events: while the cancel RPC is outstanding, and after it has succeeded.
// Both phases resolve only through the completion path (or Reset), so the
// failure recovery always lands on the exact pre-submission aggregate.
func editsLocked(p model.Phase) bool {
	return p == model.PhaseSubmitting || p == model.PhaseSucceeded
}

func classifyError(err error) *model.WorkflowError {
	var nf *backend.NotFoundError
	if errors.As(err, &nf) {
		return &model.WorkflowError{Kind: model.ErrKindNotFound, Message: nf.Error()}
	}
	var de *backend.DomainError
	if errors.As(err, &de) {
		return &model.WorkflowError{Kind: model.ErrKindDomain, Code: de.Code, Message: de.Message}
	}
	return &model.WorkflowError{Kind: model.ErrKindTransport, Message: err.Error()}
}

func containsCandidate(page *model.CandidatePage, id string) bool {
	for i := range page.Items {
		if page.Items[i].ID == id {
			return true
		}
	}
	return false
}

func setKey(m map[string]string, key, val string) map[string]string {
	if m == nil {
		m = make(map[string]string)
	}
	m[key] = val
	return m
}

func dropKey(m map[string]string, keys ...string) map[string]string {
	if m == nil {
		return nil
	}
	for _, k := range keys {
		delete(m, k)
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
