package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"griddesk/internal/backend"
	"griddesk/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeFacade lets each test script backend responses and, via blocking
// functions, control exactly when a call completes.
type fakeFacade struct {
	mu sync.Mutex

	referenceFn func(reference string) (*model.PaymentReferenceLookup, error)
	meterFn     func(meter string) (*model.CustomerLookupResult, error)
	paymentsFn  func(customerID string, page, pageSize int, search string) (*model.CandidatePage, error)
	cancelRefFn func(reference, reason string) (*model.CancellationReceipt, error)
	cancelIDFn  func(paymentID, reason string) (*model.CancellationReceipt, error)

	referenceCalls int
	meterCalls     int
	paymentsCalls  int
	cancelCalls    int
}

func (f *fakeFacade) CheckPaymentByReference(_ context.Context, reference string) (*model.PaymentReferenceLookup, error) {
	f.mu.Lock()
	f.referenceCalls++
	fn := f.referenceFn
	f.mu.Unlock()
	if fn == nil {
		return nil, &backend.NotFoundError{Resource: "payment", Key: reference}
	}
	return fn(reference)
}

func (f *fakeFacade) LookupCustomerByMeter(_ context.Context, meter string) (*model.CustomerLookupResult, error) {
	f.mu.Lock()
	f.meterCalls++
	fn := f.meterFn
	f.mu.Unlock()
	if fn == nil {
		return nil, &backend.NotFoundError{Resource: "customer", Key: meter}
	}
	return fn(meter)
}

func (f *fakeFacade) ListCustomerPayments(_ context.Context, customerID string, page, pageSize int, search string) (*model.CandidatePage, error) {
	f.mu.Lock()
	f.paymentsCalls++
	fn := f.paymentsFn
	f.mu.Unlock()
	if fn == nil {
		return &model.CandidatePage{Page: page, PageSize: pageSize}, nil
	}
	return fn(customerID, page, pageSize, search)
}

func (f *fakeFacade) CancelPaymentByReference(_ context.Context, reference, reason string) (*model.CancellationReceipt, error) {
	f.mu.Lock()
	f.cancelCalls++
	fn := f.cancelRefFn
	f.mu.Unlock()
	if fn == nil {
		return &model.CancellationReceipt{Reference: reference}, nil
	}
	return fn(reference, reason)
}

func (f *fakeFacade) CancelPaymentByID(_ context.Context, paymentID, reason string) (*model.CancellationReceipt, error) {
	f.mu.Lock()
	f.cancelCalls++
	fn := f.cancelIDFn
	f.mu.Unlock()
	if fn == nil {
		return &model.CancellationReceipt{PaymentID: paymentID}, nil
	}
	return fn(paymentID, reason)
}

func (f *fakeFacade) calls() (ref, meter, payments, cancel int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.referenceCalls, f.meterCalls, f.paymentsCalls, f.cancelCalls
}

type recordSink struct {
	mu     sync.Mutex
	states []model.WorkflowState
}

func (s *recordSink) CancellationSettled(st model.WorkflowState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
}

func (s *recordSink) settled() []model.WorkflowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.WorkflowState(nil), s.states...)
}

func newTestController(f *fakeFacade) (*Controller, *recordSink) {
	sink := &recordSink{}
	return NewController(f, sink, zap.NewNop()), sink
}

func waitState(t *testing.T, c *Controller, cond func(model.WorkflowState) bool) model.WorkflowState {
	t.Helper()
	require.Eventually(t, func() bool {
		return cond(c.State())
	}, time.Second, 5*time.Millisecond)
	return c.State()
}

func refLookup(reference string) *model.PaymentReferenceLookup {
	return &model.PaymentReferenceLookup{
		Reference:    reference,
		PaymentID:    "pay-" + reference,
		CustomerName: "Amina Yusuf",
		AmountPaid:   decimal.NewFromInt(5000),
		Status:       "CONFIRMED",
	}
}

func customer(id string) *model.CustomerLookupResult {
	return &model.CustomerLookupResult{
		CustomerID:    id,
		AccountNumber: "ACC-" + id,
		FullName:      "Amina Yusuf",
		Status:        "ACTIVE",
	}
}

func candidatePage(page int, ids ...string) *model.CandidatePage {
	p := &model.CandidatePage{Page: page, PageSize: DefaultPageSize, TotalCount: len(ids)}
	for _, id := range ids {
		p.Items = append(p.Items, model.TransactionCandidate{
			ID:        id,
			Reference: "REF-" + id,
			Amount:    decimal.NewFromInt(1200),
			Status:    "CONFIRMED",
		})
	}
	return p
}

func TestReferenceLookupSuccess(t *testing.T) {
	f := &fakeFacade{
		referenceFn: func(ref string) (*model.PaymentReferenceLookup, error) {
			return refLookup(ref), nil
		},
	}
	c, _ := newTestController(f)
	defer c.Close()

	c.EditReference("PAY-001")
	st := c.LookupReference()
	assert.Equal(t, model.PhaseReferenceLookupPending, st.Phase)
	assert.Equal(t, model.OpPending, st.Status.ReferenceLookup)

	st = waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseReferenceValidated
	})
	require.NotNil(t, st.ReferenceLookup)
	assert.Equal(t, "PAY-001", st.ReferenceLookup.Reference)
	assert.Equal(t, model.OpSucceeded, st.Status.ReferenceLookup)
	assert.Nil(t, st.LastError)
}

func TestReferenceLookupNotFound(t *testing.T) {
	f := &fakeFacade{} // default: not found
	c, _ := newTestController(f)
	defer c.Close()

	c.EditReference("PAY-MISSING")
	c.LookupReference()

	st := waitState(t, c, func(st model.WorkflowState) bool {
		return st.Status.ReferenceLookup == model.OpFailed
	})
	assert.Equal(t, model.PhaseIdle, st.Phase)
	require.NotNil(t, st.LastError)
	assert.Equal(t, model.ErrKindNotFound, st.LastError.Kind)
	assert.Nil(t, st.ReferenceLookup)
}

func TestLookupRequiresReference(t *testing.T) {
	f := &fakeFacade{}
	c, _ := newTestController(f)
	defer c.Close()

	c.EditReference("   ")
	st := c.LookupReference()
	assert.Equal(t, "payment reference is required", st.ValidationErrors["reference"])

	ref, _, _, _ := f.calls()
	assert.Zero(t, ref)
}

func TestEditReferenceInvalidatesLookup(t *testing.T) {
	f := &fakeFacade{
		referenceFn: func(ref string) (*model.PaymentReferenceLookup, error) {
			return refLookup(ref), nil
		},
	}
	c, _ := newTestController(f)
	defer c.Close()

	c.EditReference("PAY-001")
	c.LookupReference()
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseReferenceValidated
	})

	st := c.EditReference("PAY-002")
	assert.Nil(t, st.ReferenceLookup)
	assert.Equal(t, model.PhaseIdle, st.Phase)
	assert.Equal(t, model.OpIdle, st.Status.ReferenceLookup)

	// The stale verification must not authorize a cancellation.
	c.EditReason("customer dispute")
	st = c.Submit()
	assert.Equal(t, "payment reference must be verified", st.ValidationErrors["reference"])
	_, _, _, cancels := f.calls()
	assert.Zero(t, cancels)
}

func TestStaleReferenceLookupDropped(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFacade{}
	f.referenceFn = func(ref string) (*model.PaymentReferenceLookup, error) {
		if ref == "PAY-SLOW" {
			<-release
		}
		return refLookup(ref), nil
	}
	c, _ := newTestController(f)
	defer c.Close()

	c.EditReference("PAY-SLOW")
	c.LookupReference()

	c.EditReference("PAY-FAST")
	c.LookupReference()
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.ReferenceLookup != nil && st.ReferenceLookup.Reference == "PAY-FAST"
	})

	close(release)
	time.Sleep(50 * time.Millisecond)

	st := c.State()
	require.NotNil(t, st.ReferenceLookup)
	assert.Equal(t, "PAY-FAST", st.ReferenceLookup.Reference)
	assert.Equal(t, model.PhaseReferenceValidated, st.Phase)
}

func TestModeSwitchReinitializes(t *testing.T) {
	f := &fakeFacade{
		referenceFn: func(ref string) (*model.PaymentReferenceLookup, error) {
			return refLookup(ref), nil
		},
	}
	c, _ := newTestController(f)
	defer c.Close()

	c.EditReference("PAY-001")
	c.EditReason("double charge")
	c.LookupReference()
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseReferenceValidated
	})

	st := c.SetMode(model.ModeByMeter)
	assert.Equal(t, model.ModeByMeter, st.Mode)
	assert.Equal(t, model.PhaseIdle, st.Phase)
	assert.Empty(t, st.ReferenceText)
	assert.Nil(t, st.ReferenceLookup)
	assert.Equal(t, "double charge", st.Reason)

	// Switching back does not resurrect the old mode's state.
	st = c.SetMode(model.ModeByReference)
	assert.Empty(t, st.ReferenceText)
	assert.Nil(t, st.ReferenceLookup)
	assert.Equal(t, "double charge", st.Reason)
}

func TestModeSwitchDropsInFlightLookup(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFacade{
		referenceFn: func(ref string) (*model.PaymentReferenceLookup, error) {
			<-release
			return refLookup(ref), nil
		},
	}
	c, _ := newTestController(f)
	defer c.Close()

	c.EditReference("PAY-001")
	c.LookupReference()
	c.SetMode(model.ModeByMeter)

	close(release)
	time.Sleep(50 * time.Millisecond)

	st := c.State()
	assert.Equal(t, model.ModeByMeter, st.Mode)
	assert.Nil(t, st.ReferenceLookup)
	assert.Equal(t, model.PhaseIdle, st.Phase)
}

func TestMeterFlowEndToEnd(t *testing.T) {
	f := &fakeFacade{
		meterFn: func(meter string) (*model.CustomerLookupResult, error) {
			return customer("cust-1"), nil
		},
		paymentsFn: func(customerID string, page, pageSize int, search string) (*model.CandidatePage, error) {
			return candidatePage(page, "txn-1", "txn-2"), nil
		},
		cancelIDFn: func(paymentID, reason string) (*model.CancellationReceipt, error) {
			return &model.CancellationReceipt{
				PaymentID:   paymentID,
				Reference:   "REF-" + paymentID,
				Amount:      decimal.NewFromInt(1200),
				CancelledAt: time.Now().UTC(),
			}, nil
		},
	}
	c, sink := newTestController(f)
	defer c.Close()

	c.SetMode(model.ModeByMeter)
	c.EditMeter("04123456789")
	c.LookupMeter()

	st := waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseCandidatesReady
	})
	require.NotNil(t, st.CustomerLookup)
	assert.Equal(t, "cust-1", st.CustomerLookup.CustomerID)
	require.NotNil(t, st.Candidates)
	assert.Len(t, st.Candidates.Items, 2)

	st = c.SelectCandidate("txn-2")
	assert.Equal(t, model.PhaseCandidateSelected, st.Phase)
	require.NotNil(t, st.SelectedCandidate)
	assert.Equal(t, "txn-2", st.SelectedCandidate.ID)

	c.EditReason("duplicate vend")
	c.Submit()

	st = waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseSucceeded
	})
	require.NotNil(t, st.Outcome)
	assert.True(t, st.Outcome.Succeeded)
	require.NotNil(t, st.Outcome.Receipt)
	assert.Equal(t, "txn-2", st.Outcome.Receipt.PaymentID)

	require.Eventually(t, func() bool {
		return len(sink.settled()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, sink.settled()[0].Outcome.Succeeded)
}

func TestSelectCandidateUnknown(t *testing.T) {
	f := &fakeFacade{
		meterFn: func(meter string) (*model.CustomerLookupResult, error) {
			return customer("cust-1"), nil
		},
		paymentsFn: func(customerID string, page, pageSize int, search string) (*model.CandidatePage, error) {
			return candidatePage(page, "txn-1"), nil
		},
	}
	c, _ := newTestController(f)
	defer c.Close()

	c.SetMode(model.ModeByMeter)
	c.EditMeter("04123456789")
	c.LookupMeter()
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseCandidatesReady
	})

	st := c.SelectCandidate("txn-nope")
	assert.Equal(t, "unknown transaction candidate", st.ValidationErrors["candidate"])
	assert.Nil(t, st.SelectedCandidate)
}

func TestSelectionReplacedSilently(t *testing.T) {
	f := &fakeFacade{
		meterFn: func(meter string) (*model.CustomerLookupResult, error) {
			return customer("cust-1"), nil
		},
		paymentsFn: func(customerID string, page, pageSize int, search string) (*model.CandidatePage, error) {
			return candidatePage(page, "txn-1", "txn-2"), nil
		},
	}
	c, _ := newTestController(f)
	defer c.Close()

	c.SetMode(model.ModeByMeter)
	c.EditMeter("04123456789")
	c.LookupMeter()
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseCandidatesReady
	})

	c.SelectCandidate("txn-1")
	st := c.SelectCandidate("txn-2")
	assert.Equal(t, "txn-2", st.SelectedCandidate.ID)
	assert.Empty(t, st.ValidationErrors)
}

func TestPageChangeClearsAbsentSelection(t *testing.T) {
	f := &fakeFacade{
		meterFn: func(meter string) (*model.CustomerLookupResult, error) {
			return customer("cust-1"), nil
		},
		paymentsFn: func(customerID string, page, pageSize int, search string) (*model.CandidatePage, error) {
			if page == 1 {
				return candidatePage(1, "txn-1", "txn-2"), nil
			}
			return candidatePage(page, "txn-3", "txn-4"), nil
		},
	}
	c, _ := newTestController(f)
	defer c.Close()

	c.SetMode(model.ModeByMeter)
	c.EditMeter("04123456789")
	c.LookupMeter()
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseCandidatesReady
	})
	c.SelectCandidate("txn-1")

	c.SetCandidatePage(2)
	st := waitState(t, c, func(st model.WorkflowState) bool {
		return st.Candidates != nil && st.Candidates.Page == 2 &&
			st.Status.Candidates == model.OpSucceeded
	})
	assert.Nil(t, st.SelectedCandidate)
	assert.Equal(t, model.PhaseCandidatesReady, st.Phase)
}

func TestMeterEditDropsStaleCandidates(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFacade{
		meterFn: func(meter string) (*model.CustomerLookupResult, error) {
			if meter == "METER-A" {
				return customer("cust-a"), nil
			}
			return customer("cust-b"), nil
		},
		paymentsFn: func(customerID string, page, pageSize int, search string) (*model.CandidatePage, error) {
			if customerID == "cust-a" {
				<-release
				return candidatePage(page, "a-1"), nil
			}
			return candidatePage(page, "b-1"), nil
		},
	}
	c, _ := newTestController(f)
	defer c.Close()

	c.SetMode(model.ModeByMeter)
	c.EditMeter("METER-A")
	c.LookupMeter()
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Status.CustomerLookup == model.OpSucceeded
	})

	c.EditMeter("METER-B")
	c.LookupMeter()
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Candidates != nil && len(st.Candidates.Items) == 1 &&
			st.Candidates.Items[0].ID == "b-1"
	})

	close(release)
	time.Sleep(50 * time.Millisecond)

	st := c.State()
	assert.Equal(t, "cust-b", st.CustomerLookup.CustomerID)
	assert.Equal(t, "b-1", st.Candidates.Items[0].ID)
}

func TestSubmitBlockedByValidation(t *testing.T) {
	f := &fakeFacade{}
	c, _ := newTestController(f)
	defer c.Close()

	st := c.Submit()
	assert.Contains(t, st.ValidationErrors, "reason")
	assert.Contains(t, st.ValidationErrors, "reference")
	assert.NotEqual(t, model.PhaseSubmitting, st.Phase)

	_, _, _, cancels := f.calls()
	assert.Zero(t, cancels)
}

func TestSubmitSingleFlight(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFacade{
		referenceFn: func(ref string) (*model.PaymentReferenceLookup, error) {
			return refLookup(ref), nil
		},
		cancelRefFn: func(reference, reason string) (*model.CancellationReceipt, error) {
			<-release
			return &model.CancellationReceipt{Reference: reference, CancelledAt: time.Now().UTC()}, nil
		},
	}
	c, _ := newTestController(f)
	defer c.Close()

	c.EditReference("PAY-001")
	c.EditReason("agent error")
	c.LookupReference()
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseReferenceValidated
	})

	st := c.Submit()
	assert.Equal(t, model.PhaseSubmitting, st.Phase)

	// Rapid repeat submits while the first is outstanding must not dispatch.
	c.Submit()
	c.Submit()

	close(release)
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseSucceeded
	})

	_, _, _, cancels := f.calls()
	assert.Equal(t, 1, cancels)
}

func TestEditsIgnoredWhileSubmitting(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFacade{
		referenceFn: func(ref string) (*model.PaymentReferenceLookup, error) {
			return refLookup(ref), nil
		},
		cancelRefFn: func(reference, reason string) (*model.CancellationReceipt, error) {
			<-release
			return nil, &backend.DomainError{Code: "ALREADY_CANCELLED", Message: "payment already cancelled"}
		},
	}
	c, _ := newTestController(f)
	defer c.Close()

	c.EditReference("PAY-001")
	c.EditReason("customer request")
	c.LookupReference()
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseReferenceValidated
	})
	c.Submit()

	// The aggregate is frozen while the cancel RPC is outstanding.
	st := c.EditReference("PAY-002")
	assert.Equal(t, model.PhaseSubmitting, st.Phase)
	assert.Equal(t, "PAY-001", st.ReferenceText)
	require.NotNil(t, st.ReferenceLookup)

	st = c.EditReason("changed my mind")
	assert.Equal(t, "customer request", st.Reason)

	st = c.LookupReference()
	assert.Equal(t, model.PhaseSubmitting, st.Phase)
	ref, _, _, _ := f.calls()
	assert.Equal(t, 1, ref)

	close(release)
	st = waitState(t, c, func(st model.WorkflowState) bool {
		return st.Status.Cancel == model.OpFailed
	})

	// Failure lands on the exact pre-submission aggregate.
	assert.Equal(t, model.PhaseReferenceValidated, st.Phase)
	assert.Equal(t, "PAY-001", st.ReferenceText)
	require.NotNil(t, st.ReferenceLookup)
	assert.Equal(t, "PAY-001", st.ReferenceLookup.Reference)
	assert.Equal(t, "customer request", st.Reason)
}

func TestSelectionFrozenWhileSubmitting(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFacade{
		meterFn: func(meter string) (*model.CustomerLookupResult, error) {
			return customer("cust-1"), nil
		},
		paymentsFn: func(customerID string, page, pageSize int, search string) (*model.CandidatePage, error) {
			return candidatePage(page, "txn-1", "txn-2"), nil
		},
		cancelIDFn: func(paymentID, reason string) (*model.CancellationReceipt, error) {
			<-release
			return &model.CancellationReceipt{PaymentID: paymentID, CancelledAt: time.Now().UTC()}, nil
		},
	}
	c, _ := newTestController(f)
	defer c.Close()

	c.SetMode(model.ModeByMeter)
	c.EditMeter("04123456789")
	c.LookupMeter()
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseCandidatesReady
	})
	c.SelectCandidate("txn-1")
	c.EditReason("duplicate vend")
	c.Submit()

	st := c.SelectCandidate("txn-2")
	assert.Equal(t, "txn-1", st.SelectedCandidate.ID)

	st = c.EditMeter("09999999999")
	assert.Equal(t, "04123456789", st.MeterNumber)

	st = c.SetCandidatePage(2)
	assert.Equal(t, 1, st.CandidatePageNum)

	st = c.SearchCandidates("REF-txn-2")
	assert.Empty(t, st.CandidateSearch)

	close(release)
	st = waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseSucceeded
	})
	assert.Equal(t, "txn-1", st.Outcome.Receipt.PaymentID)

	_, _, payments, _ := f.calls()
	assert.Equal(t, 1, payments)
}

func TestSubmitFailureRecoversState(t *testing.T) {
	f := &fakeFacade{
		referenceFn: func(ref string) (*model.PaymentReferenceLookup, error) {
			return refLookup(ref), nil
		},
		cancelRefFn: func(reference, reason string) (*model.CancellationReceipt, error) {
			return nil, &backend.DomainError{Code: "ALREADY_CANCELLED", Message: "payment already cancelled"}
		},
	}
	c, sink := newTestController(f)
	defer c.Close()

	c.EditReference("PAY-001")
	c.EditReason("customer request")
	c.LookupReference()
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseReferenceValidated
	})

	c.Submit()
	st := waitState(t, c, func(st model.WorkflowState) bool {
		return st.Status.Cancel == model.OpFailed
	})

	// All inputs are retained for correction and resubmission.
	assert.Equal(t, model.PhaseReferenceValidated, st.Phase)
	assert.Equal(t, "PAY-001", st.ReferenceText)
	require.NotNil(t, st.ReferenceLookup)
	assert.Equal(t, "customer request", st.Reason)
	require.NotNil(t, st.LastError)
	assert.Equal(t, model.ErrKindDomain, st.LastError.Kind)
	assert.Equal(t, "ALREADY_CANCELLED", st.LastError.Code)
	require.NotNil(t, st.Outcome)
	assert.False(t, st.Outcome.Succeeded)

	require.Eventually(t, func() bool {
		return len(sink.settled()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSucceededIsTerminalUntilReset(t *testing.T) {
	f := &fakeFacade{
		referenceFn: func(ref string) (*model.PaymentReferenceLookup, error) {
			return refLookup(ref), nil
		},
	}
	c, _ := newTestController(f)
	defer c.Close()

	c.EditReference("PAY-001")
	c.EditReason("test reason")
	c.LookupReference()
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseReferenceValidated
	})
	c.Submit()
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseSucceeded
	})

	st := c.EditReference("PAY-OTHER")
	assert.Equal(t, model.PhaseSucceeded, st.Phase)
	assert.Equal(t, "PAY-001", st.ReferenceText)

	st = c.Submit()
	assert.Equal(t, model.PhaseSucceeded, st.Phase)
	_, _, _, cancels := f.calls()
	assert.Equal(t, 1, cancels)

	st = c.Reset()
	assert.Equal(t, model.PhaseIdle, st.Phase)
	assert.Equal(t, model.ModeByReference, st.Mode)
	assert.Empty(t, st.ReferenceText)
	assert.Empty(t, st.Reason)
	assert.Nil(t, st.Outcome)
}

func TestCloseDropsLateCompletions(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFacade{
		referenceFn: func(ref string) (*model.PaymentReferenceLookup, error) {
			<-release
			return refLookup(ref), nil
		},
	}
	c, _ := newTestController(f)

	c.EditReference("PAY-001")
	c.LookupReference()
	before := c.State()

	c.Close()
	close(release)
	time.Sleep(50 * time.Millisecond)

	st := c.State()
	assert.Equal(t, before.Phase, st.Phase)
	assert.Nil(t, st.ReferenceLookup)

	// Closed controllers ignore further events.
	st = c.EditReference("PAY-002")
	assert.Equal(t, "PAY-001", st.ReferenceText)
}

func TestWrongModeEventsIgnored(t *testing.T) {
	f := &fakeFacade{}
	c, _ := newTestController(f)
	defer c.Close()

	st := c.EditMeter("04123456789")
	assert.Empty(t, st.MeterNumber)

	c.SetMode(model.ModeByMeter)
	st = c.EditReference("PAY-001")
	assert.Empty(t, st.ReferenceText)

	ref, meter, _, _ := f.calls()
	assert.Zero(t, ref)
	assert.Zero(t, meter)
}

func TestSearchResetsToFirstPage(t *testing.T) {
	f := &fakeFacade{
		meterFn: func(meter string) (*model.CustomerLookupResult, error) {
			return customer("cust-1"), nil
		},
		paymentsFn: func(customerID string, page, pageSize int, search string) (*model.CandidatePage, error) {
			if search == "REF-txn-9" {
				return candidatePage(page, "txn-9"), nil
			}
			return candidatePage(page, "txn-1", "txn-2"), nil
		},
	}
	c, _ := newTestController(f)
	defer c.Close()

	c.SetMode(model.ModeByMeter)
	c.EditMeter("04123456789")
	c.LookupMeter()
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Phase == model.PhaseCandidatesReady
	})

	c.SetCandidatePage(3)
	waitState(t, c, func(st model.WorkflowState) bool {
		return st.Candidates != nil && st.Candidates.Page == 3
	})

	c.SearchCandidates("REF-txn-9")
	st := waitState(t, c, func(st model.WorkflowState) bool {
		return st.Candidates != nil && len(st.Candidates.Items) == 1
	})
	assert.Equal(t, 1, st.CandidatePageNum)
	assert.Equal(t, "txn-9", st.Candidates.Items[0].ID)
}
