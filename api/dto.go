/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Every amount leaves the API as a fixed two-decimal string ("18000.00").
  Amounts in request bodies may be JSON strings or numbers.

TERMS:
  Terms in bodies use "<academic-year>/<semester>", e.g. "2025-2026/1".
  Paths use two segments: /terms/2025-2026/1.

VALIDATION:
  Request types carry validator tags; handlers call decode() which runs
  them. Domain rules (positive amounts, valid terms) stay in billing.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/catalog.go: CatalogJSON and ScholarshipJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tuition-engine/billing"
	"github.com/warp/tuition-engine/generic"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// PostPaymentRequest records money collected against a term.
type PostPaymentRequest struct {
	Term           string          `json:"term" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Reference      string          `json:"reference,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`
}

// ForwardBalanceRequest moves paid money from one term to another.
type ForwardBalanceRequest struct {
	From           string          `json:"from" validate:"required"`
	To             string          `json:"to" validate:"required,nefield=From"`
	Amount         decimal.Decimal `json:"amount"`
	Notes          string          `json:"notes,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`
}

type RecordOverpaymentRequest struct {
	SourceTerm string          `json:"source_term" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
}

// ApplyCreditRequest names the term that receives credit.
type ApplyCreditRequest struct {
	TargetTerm string `json:"target_term" validate:"required"`
}

type AwardScholarshipRequest struct {
	ScholarshipID string `json:"scholarship_id" validate:"required"`
	Term          string `json:"term" validate:"required"`
	Notes         string `json:"notes,omitempty"`
}

type PostLateFeeRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason,omitempty" validate:"omitempty,max=255"`
}

type WaiveLateFeeRequest struct {
	WaivedBy string `json:"waived_by" validate:"required"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// STUDENTS
// =============================================================================

type StudentDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ProgramID string `json:"program_id,omitempty"`
	Status    string `json:"status"`
}

func toStudentDTO(s billing.Student) StudentDTO {
	dto := StudentDTO{ID: string(s.ID), Name: s.Name, Status: s.Status}
	if s.ProgramID != nil {
		dto.ProgramID = string(*s.ProgramID)
	}
	return dto
}

// =============================================================================
// RATES AND ASSESSMENT
// =============================================================================

type FeeLineDTO struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

// FeeScheduleDTO is the resolved rate and misc fee view of a program.
type FeeScheduleDTO struct {
	ProgramID      string       `json:"program_id,omitempty"`
	TuitionPerUnit string       `json:"tuition_per_unit"`
	LabFee         string       `json:"lab_fee"`
	Source         string       `json:"source"`
	MiscFees       []FeeLineDTO `json:"misc_fees"`
	MiscTotal      string       `json:"misc_total"`
}

type DiscountLineDTO struct {
	ScholarshipID string `json:"scholarship_id"`
	Code          string `json:"code"`
	Name          string `json:"name"`
	Type          string `json:"discount_type"`
	Value         string `json:"discount_value"`
	AppliesTo     string `json:"applies_to"`
	Base          string `json:"base"`
	Amount        string `json:"amount"`
}

type AssessmentDTO struct {
	Term        string            `json:"term"`
	Units       string            `json:"units"`
	TuitionRate string            `json:"tuition_rate"`
	Tuition     string            `json:"tuition"`
	Misc        string            `json:"misc"`
	Gross       string            `json:"gross"`
	Discount    string            `json:"discount"`
	Discounts   []DiscountLineDTO `json:"discounts"`
	Net         string            `json:"net_assessment"`
}

// =============================================================================
// STATEMENT
// =============================================================================

type TermStatementDTO struct {
	Term          string        `json:"term"`
	Label         string        `json:"label"`
	Assessment    AssessmentDTO `json:"assessment"`
	Paid          string        `json:"paid"`
	CreditApplied string        `json:"credit_applied"`
	Balance       string        `json:"balance"`
	Overpayment   string        `json:"overpayment"`
	PoolAfter     string        `json:"credit_pool"`
}

type TotalsDTO struct {
	Assessment      string `json:"total_assessment"`
	Paid            string `json:"total_paid"`
	Discount        string `json:"total_discount"`
	CreditApplied   string `json:"total_credit_applied"`
	AvailableCredit string `json:"available_credit"`
	Balance         string `json:"balance"`
	Outstanding     string `json:"outstanding"`
}

type StatementDTO struct {
	Student  StudentDTO         `json:"student"`
	Schedule FeeScheduleDTO     `json:"fee_schedule"`
	Terms    []TermStatementDTO `json:"terms"`
	Totals   TotalsDTO          `json:"totals"`
}

type LateFeeQuoteDTO struct {
	LateFee        string  `json:"late_fee"`
	DaysOverdue    int     `json:"days_overdue"`
	PeriodsOverdue int     `json:"periods_overdue"`
	MaxFee         string  `json:"max_fee"`
	Balance        string  `json:"balance"`
	DueDate        *string `json:"due_date,omitempty"`
	Message        string  `json:"message,omitempty"`
}

type TermSummaryDTO struct {
	Assessment      AssessmentDTO   `json:"assessment"`
	MiscFees        []FeeLineDTO    `json:"misc_fees"`
	Paid            string          `json:"paid"`
	CreditApplied   string          `json:"credit_applied"`
	AvailableCredit string          `json:"available_credit"`
	AppliedLateFees string          `json:"applied_late_fees"`
	PendingLateFee  LateFeeQuoteDTO `json:"pending_late_fee"`
	Balance         string          `json:"balance"`
	TotalDue        string          `json:"total_due"`
	Overpayment     string          `json:"overpayment"`
	HasOverpayment  bool            `json:"has_overpayment"`
	Status          string          `json:"status"`
}

// =============================================================================
// LEDGER RECORDS
// =============================================================================

type PaymentDTO struct {
	ID             string `json:"id"`
	StudentID      string `json:"student_id"`
	Term           string `json:"term"`
	Amount         string `json:"amount"`
	Type           string `json:"payment_type"`
	Reference      string `json:"reference,omitempty"`
	Notes          string `json:"notes,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	PostedAt       string `json:"posted_at"`
	CreatedBy      string `json:"created_by,omitempty"`
}

type OverpaymentDTO struct {
	ID          string  `json:"id"`
	StudentID   string  `json:"student_id"`
	SourceTerm  string  `json:"source_term"`
	Amount      string  `json:"amount"`
	IsApplied   bool    `json:"is_applied"`
	AppliedTerm *string `json:"applied_term,omitempty"`
	AppliedAt   *string `json:"applied_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

type OverpaymentListDTO struct {
	AvailableCredit string           `json:"available_credit"`
	Overpayments    []OverpaymentDTO `json:"overpayments"`
}

type CreditApplicationDTO struct {
	TargetTerm string           `json:"target_term"`
	Balance    string           `json:"balance_before"`
	Applied    string           `json:"applied"`
	Remaining  string           `json:"balance_after"`
	Records    []OverpaymentDTO `json:"records"`
}

type SyncResultDTO struct {
	Recorded []OverpaymentDTO `json:"recorded"`
	Applied  []OverpaymentDTO `json:"applied"`
}

type LateFeeDTO struct {
	ID        string  `json:"id"`
	StudentID string  `json:"student_id"`
	Term      string  `json:"term"`
	Amount    string  `json:"amount"`
	Reason    string  `json:"reason"`
	AppliedAt string  `json:"applied_at"`
	IsWaived  bool    `json:"is_waived"`
	WaivedBy  string  `json:"waived_by,omitempty"`
	WaivedAt  *string `json:"waived_at,omitempty"`
}

type AccrualReportDTO struct {
	Students int               `json:"students"`
	Posted   int               `json:"posted"`
	Total    string            `json:"total"`
	Failures map[string]string `json:"failures,omitempty"`
}

type ScholarshipDTO struct {
	ID            string `json:"id"`
	Code          string `json:"code"`
	Name          string `json:"name"`
	DiscountType  string `json:"discount_type"`
	DiscountValue string `json:"discount_value"`
	AppliesTo     string `json:"applies_to"`
	Active        bool   `json:"is_active"`
}

type AwardDTO struct {
	ID          string         `json:"id"`
	StudentID   string         `json:"student_id"`
	Term        string         `json:"term"`
	Status      string         `json:"status"`
	AwardedAt   string         `json:"awarded_at"`
	Notes       string         `json:"notes,omitempty"`
	Scholarship ScholarshipDTO `json:"scholarship"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	StudentID   string `json:"student_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func amount(m generic.Money) string { return m.Round2().String() }

func timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func optionalTimestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timestamp(*t)
	return &s
}

func toFeeLineDTOs(lines []billing.FeeLine) []FeeLineDTO {
	out := make([]FeeLineDTO, 0, len(lines))
	for _, l := range lines {
		out = append(out, FeeLineDTO{Code: l.Code, Description: l.Description, Amount: amount(l.Amount)})
	}
	return out
}

func toFeeScheduleDTO(program *billing.ProgramID, s billing.FeeSchedule) FeeScheduleDTO {
	dto := FeeScheduleDTO{
		TuitionPerUnit: amount(s.Rates.TuitionPerUnit),
		LabFee:         amount(s.Rates.LabFee),
		Source:         string(s.Rates.Source),
		MiscFees:       toFeeLineDTOs(s.MiscLines()),
		MiscTotal:      amount(s.MiscTotal()),
	}
	if program != nil {
		dto.ProgramID = string(*program)
	}
	return dto
}

func toAssessmentDTO(a billing.Assessment) AssessmentDTO {
	lines := make([]DiscountLineDTO, 0, len(a.Discount.Lines))
	for _, l := range a.Discount.Lines {
		lines = append(lines, DiscountLineDTO{
			ScholarshipID: l.ScholarshipID,
			Code:          l.Code,
			Name:          l.Name,
			Type:          string(l.Type),
			Value:         l.Value.String(),
			AppliesTo:     string(l.AppliesTo),
			Base:          amount(l.Base),
			Amount:        amount(l.Amount),
		})
	}
	return AssessmentDTO{
		Term:        a.Term.String(),
		Units:       a.Units.String(),
		TuitionRate: amount(a.TuitionRate),
		Tuition:     amount(a.Tuition),
		Misc:        amount(a.Misc),
		Gross:       amount(a.Gross),
		Discount:    amount(a.Discount.Total),
		Discounts:   lines,
		Net:         amount(a.Net),
	}
}

func toStatementDTO(st billing.StudentStatement) StatementDTO {
	terms := make([]TermStatementDTO, 0, len(st.Terms))
	for _, t := range st.Terms {
		terms = append(terms, TermStatementDTO{
			Term:          t.Term.String(),
			Label:         t.Term.Label(),
			Assessment:    toAssessmentDTO(t.Assessment),
			Paid:          amount(t.Paid),
			CreditApplied: amount(t.CreditApplied),
			Balance:       amount(t.Balance),
			Overpayment:   amount(t.Overpayment),
			PoolAfter:     amount(t.PoolAfter),
		})
	}
	return StatementDTO{
		Student:  toStudentDTO(st.Student),
		Schedule: toFeeScheduleDTO(st.Student.ProgramID, st.Schedule),
		Terms:    terms,
		Totals: TotalsDTO{
			Assessment:      amount(st.Totals.Assessment),
			Paid:            amount(st.Totals.Paid),
			Discount:        amount(st.Totals.Discount),
			CreditApplied:   amount(st.Totals.CreditApplied),
			AvailableCredit: amount(st.Totals.AvailableCredit),
			Balance:         amount(st.Totals.Balance),
			Outstanding:     amount(st.Totals.Outstanding),
		},
	}
}

func toQuoteDTO(q billing.LateFeeQuote) LateFeeQuoteDTO {
	dto := LateFeeQuoteDTO{
		LateFee:        amount(q.LateFee),
		DaysOverdue:    q.DaysOverdue,
		PeriodsOverdue: q.PeriodsOverdue,
		MaxFee:         amount(q.MaxFee),
		Balance:        amount(q.Balance),
		Message:        q.Message,
	}
	if q.DueDate != nil {
		d := generic.FormatDate(*q.DueDate)
		dto.DueDate = &d
	}
	return dto
}

func toTermSummaryDTO(s billing.TermSummary) TermSummaryDTO {
	return TermSummaryDTO{
		Assessment:      toAssessmentDTO(s.Assessment),
		MiscFees:        toFeeLineDTOs(s.MiscLines),
		Paid:            amount(s.Paid),
		CreditApplied:   amount(s.CreditApplied),
		AvailableCredit: amount(s.AvailableCredit),
		AppliedLateFees: amount(s.AppliedLateFees),
		PendingLateFee:  toQuoteDTO(s.PendingLateFee),
		Balance:         amount(s.Balance),
		TotalDue:        amount(s.TotalDue),
		Overpayment:     amount(s.Overpayment),
		HasOverpayment:  s.HasOverpayment(),
		Status:          string(s.Status),
	}
}

func toPaymentDTO(p generic.Payment) PaymentDTO {
	return PaymentDTO{
		ID:             string(p.ID),
		StudentID:      string(p.StudentID),
		Term:           p.Term.String(),
		Amount:         amount(p.Amount),
		Type:           string(p.Type),
		Reference:      p.Reference,
		Notes:          p.Notes,
		IdempotencyKey: p.IdempotencyKey,
		PostedAt:       timestamp(p.PostedAt),
		CreatedBy:      p.CreatedBy,
	}
}

func toPaymentDTOs(ps []generic.Payment) []PaymentDTO {
	out := make([]PaymentDTO, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPaymentDTO(p))
	}
	return out
}

func toOverpaymentDTO(o billing.Overpayment) OverpaymentDTO {
	dto := OverpaymentDTO{
		ID:         o.ID,
		StudentID:  string(o.StudentID),
		SourceTerm: o.SourceTerm.String(),
		Amount:     amount(o.Amount),
		IsApplied:  o.IsApplied,
		AppliedAt:  optionalTimestamp(o.AppliedAt),
		CreatedAt:  timestamp(o.CreatedAt),
	}
	if o.AppliedTerm != nil {
		t := o.AppliedTerm.String()
		dto.AppliedTerm = &t
	}
	return dto
}

func toOverpaymentDTOs(os []billing.Overpayment) []OverpaymentDTO {
	out := make([]OverpaymentDTO, 0, len(os))
	for _, o := range os {
		out = append(out, toOverpaymentDTO(o))
	}
	return out
}

func toLateFeeDTO(f billing.LateFee) LateFeeDTO {
	return LateFeeDTO{
		ID:        f.ID,
		StudentID: string(f.StudentID),
		Term:      f.Term.String(),
		Amount:    amount(f.Amount),
		Reason:    f.Reason,
		AppliedAt: timestamp(f.AppliedAt),
		IsWaived:  f.IsWaived,
		WaivedBy:  f.WaivedBy,
		WaivedAt:  optionalTimestamp(f.WaivedAt),
	}
}

func toLateFeeDTOs(fs []billing.LateFee) []LateFeeDTO {
	out := make([]LateFeeDTO, 0, len(fs))
	for _, f := range fs {
		out = append(out, toLateFeeDTO(f))
	}
	return out
}

func toScholarshipDTO(s billing.Scholarship) ScholarshipDTO {
	return ScholarshipDTO{
		ID:            s.ID,
		Code:          s.Code,
		Name:          s.Name,
		DiscountType:  string(s.DiscountType),
		DiscountValue: s.DiscountValue.String(),
		AppliesTo:     string(s.AppliesTo),
		Active:        s.Active,
	}
}

func toAwardDTO(a billing.Award) AwardDTO {
	return AwardDTO{
		ID:          a.ID,
		StudentID:   string(a.StudentID),
		Term:        a.Term.String(),
		Status:      string(a.Status),
		AwardedAt:   timestamp(a.AwardedAt),
		Notes:       a.Notes,
		Scholarship: toScholarshipDTO(a.Scholarship),
	}
}

func toAccrualReportDTO(r billing.AccrualReport) AccrualReportDTO {
	dto := AccrualReportDTO{Students: r.Students, Posted: r.Posted, Total: amount(r.Total)}
	if len(r.Failures) > 0 {
		dto.Failures = make(map[string]string, len(r.Failures))
		for id, msg := range r.Failures {
			dto.Failures[string(id)] = msg
		}
	}
	return dto
}
