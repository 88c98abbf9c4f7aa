package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CancellationMode selects which cancellation sub-flow is active
type CancellationMode string

const (
	ModeByReference CancellationMode = "BY_REFERENCE"
	ModeByMeter     CancellationMode = "BY_METER"
)

// Phase represents the coarse workflow state
type Phase string

const (
	PhaseIdle                   Phase = "IDLE"
	PhaseReferenceLookupPending Phase = "REFERENCE_LOOKUP_PENDING"
	PhaseReferenceValidated     Phase = "REFERENCE_VALIDATED"
	PhaseMeterLookupPending     Phase = "METER_LOOKUP_PENDING"
	PhaseCandidatesLoading      Phase = "CANDIDATES_LOADING"
	PhaseCandidatesReady        Phase = "CANDIDATES_READY"
	PhaseCandidateSelected      Phase = "CANDIDATE_SELECTED"
	PhaseSubmitting             Phase = "SUBMITTING"
	PhaseSucceeded              Phase = "SUCCEEDED"
)

// OpStatus represents the lifecycle status of one async operation
type OpStatus string

const (
	OpIdle      OpStatus = "IDLE"
	OpPending   OpStatus = "PENDING"
	OpSucceeded OpStatus = "SUCCEEDED"
	OpFailed    OpStatus = "FAILED"
)

// ErrorKind classifies a failed backend outcome
type ErrorKind string

const (
	ErrKindNotFound  ErrorKind = "NOT_FOUND"
	ErrKindDomain    ErrorKind = "DOMAIN"
	ErrKindTransport ErrorKind = "TRANSPORT"
)

// PaymentReferenceLookup is the result of verifying a payment reference
type PaymentReferenceLookup struct {
	Reference     string          `json:"reference"`
	PaymentID     string          `json:"paymentId"`
	CustomerName  string          `json:"customerName"`
	CustomerPhone string          `json:"customerPhone"`
	AccountNumber string          `json:"accountNumber"`
	AmountPaid    decimal.Decimal `json:"amountPaid"`
	Channel       string          `json:"channel"`
	Status        string          `json:"status"`
	PaidAt        time.Time       `json:"paidAt"`
}

// CustomerLookupResult is the result of resolving a meter number
type CustomerLookupResult struct {
	CustomerID      string          `json:"customerId"`
	AccountNumber   string          `json:"accountNumber"`
	FullName        string          `json:"fullName"`
	PhoneNumber     string          `json:"phoneNumber"`
	Email           string          `json:"email"`
	Status          string          `json:"status"`
	Suspended       bool            `json:"suspended"`
	AreaOffice      string          `json:"areaOffice"`
	Feeder          string          `json:"feeder"`
	OutstandingDebt decimal.Decimal `json:"outstandingDebt"`
	MinimumPayment  decimal.Decimal `json:"minimumPayment"`
}

// TransactionCandidate is one payment belonging to the looked-up customer
type TransactionCandidate struct {
	ID        string          `json:"id"`
	Reference string          `json:"reference"`
	Token     string          `json:"token,omitempty"`
	Channel   string          `json:"channel"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	PaidAt    time.Time       `json:"paidAt"`
}

// CandidatePage is one page of transaction candidates
type CandidatePage struct {
	Items      []TransactionCandidate `json:"items"`
	Page       int                    `json:"page"`
	PageSize   int                    `json:"pageSize"`
	TotalCount int                    `json:"totalCount"`
}

// CancellationReceipt is the backend's confirmation for a cancelled payment
type CancellationReceipt struct {
	PaymentID   string          `json:"paymentId"`
	Reference   string          `json:"reference"`
	Amount      decimal.Decimal `json:"amount"`
	CancelledAt time.Time       `json:"cancelledAt"`
	CancelledBy string          `json:"cancelledBy,omitempty"`
}

// WorkflowError carries a surfaced backend failure for rendering
type WorkflowError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
}

// CancellationOutcome records the settlement of a cancellation submission
type CancellationOutcome struct {
	Succeeded bool                 `json:"succeeded"`
	Receipt   *CancellationReceipt `json:"receipt,omitempty"`
	Error     *WorkflowError       `json:"error,omitempty"`
	SettledAt time.Time            `json:"settledAt"`
}

// AsyncStatus tracks the lifecycle of each async operation in the workflow
type AsyncStatus struct {
	ReferenceLookup OpStatus `json:"referenceLookup"`
	CustomerLookup  OpStatus `json:"customerLookup"`
	Candidates      OpStatus `json:"candidates"`
	Cancel          OpStatus `json:"cancel"`
}

// WorkflowState is the full cancellation workflow aggregate. It is owned by
// the workflow store and only ever replaced as a whole, never patched.
type WorkflowState struct {
	Mode              CancellationMode        `json:"mode"`
	Phase             Phase                   `json:"phase"`
	ReferenceText     string                  `json:"referenceText"`
	ReferenceLookup   *PaymentReferenceLookup `json:"referenceLookup,omitempty"`
	MeterNumber       string                  `json:"meterNumber"`
	CustomerLookup    *CustomerLookupResult   `json:"customerLookup,omitempty"`
	Candidates        *CandidatePage          `json:"candidates,omitempty"`
	CandidateSearch   string                  `json:"candidateSearch"`
	CandidatePageNum  int                     `json:"candidatePage"`
	SelectedCandidate *TransactionCandidate   `json:"selectedCandidate,omitempty"`
	Reason            string                  `json:"reason"`
	ValidationErrors  map[string]string       `json:"validationErrors,omitempty"`
	Status            AsyncStatus             `json:"status"`
	LastError         *WorkflowError          `json:"lastError,omitempty"`
	Outcome           *CancellationOutcome    `json:"outcome,omitempty"`
}

// NewWorkflowState returns the initial empty state (mode ByReference)
func NewWorkflowState() WorkflowState {
	return WorkflowState{
		Mode:             ModeByReference,
		Phase:            PhaseIdle,
		CandidatePageNum: 1,
		Status: AsyncStatus{
			ReferenceLookup: OpIdle,
			CustomerLookup:  OpIdle,
			Candidates:      OpIdle,
			Cancel:          OpIdle,
		},
	}
}

// Clone returns a deep copy so subscribers can never mutate shared state
func (s WorkflowState) Clone() WorkflowState {
	out := s
	if s.ReferenceLookup != nil {
		v := *s.ReferenceLookup
		out.ReferenceLookup = &v
	}
	if s.CustomerLookup != nil {
		v := *s.CustomerLookup
		out.CustomerLookup = &v
	}
	if s.Candidates != nil {
		p := *s.Candidates
		p.Items = append([]TransactionCandidate(nil), s.Candidates.Items...)
		out.Candidates = &p
	}
	if s.SelectedCandidate != nil {
		v := *s.SelectedCandidate
		out.SelectedCandidate = &v
	}
	if s.ValidationErrors != nil {
		m := make(map[string]string, len(s.ValidationErrors))
		for k, v := range s.ValidationErrors {
			m[k] = v
		}
		out.ValidationErrors = m
	}
	if s.LastError != nil {
		v := *s.LastError
		out.LastError = &v
	}
	if s.Outcome != nil {
		v := *s.Outcome
		if s.Outcome.Receipt != nil {
			r := *s.Outcome.Receipt
			v.Receipt = &r
		}
		if s.Outcome.Error != nil {
			e := *s.Outcome.Error
			v.Error = &e
		}
		out.Outcome = &v
	}
	return out
}

// VendorCapture is one vendor's meter-capture ingestion snapshot
type VendorCapture struct {
	VendorID      string     `json:"vendorId"`
	VendorName    string     `json:"vendorName"`
	CapturesToday int        `json:"capturesToday"`
	FailedToday   int        `json:"failedToday"`
	LastCaptureAt *time.Time `json:"lastCaptureAt,omitempty"`
	Status        string     `json:"status"`
}

// DebtAgeBucket is one aging bucket of the recovery summary
type DebtAgeBucket struct {
	Label  string          `json:"label"`
	Amount decimal.Decimal `json:"amount"`
	Count  int             `json:"count"`
}

// DebtSummary is the backend's debt recovery aggregate
type DebtSummary struct {
	TotalOutstanding decimal.Decimal `json:"totalOutstanding"`
	RecoveredMonth   decimal.Decimal `json:"recoveredThisMonth"`
	Buckets          []DebtAgeBucket `json:"buckets"`
	GeneratedAt      time.Time       `json:"generatedAt"`
}
