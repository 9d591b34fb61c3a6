/*
handlers.go - HTTP API handlers for the tuition ledger

PURPOSE:
  Exposes the billing services via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to billing.

ENDPOINTS:
  Students:
    GET    /api/students                                   List students
    GET    /api/students/{id}                              Student details
    GET    /api/students/{id}/statement                    Carry-forward statement
    GET    /api/students/{id}/terms/{ay}/{sem}/assessment  Term assessment
    GET    /api/students/{id}/terms/{ay}/{sem}/summary     Term summary

  Payments:
    GET    /api/students/{id}/payments                     Payment history
    POST   /api/students/{id}/payments                     Post a payment
    POST   /api/students/{id}/balance-forwards             Move money between terms

  Credits:
    GET    /api/students/{id}/overpayments                 Overpayment records (?all=true)
    POST   /api/students/{id}/overpayments                 Record an overpayment
    POST   /api/students/{id}/overpayments/sync            Replay the statement into records
    POST   /api/overpayments/{id}/apply                    Apply one record
    POST   /api/students/{id}/credits/apply                Apply available credit FIFO

  Late fees:
    GET    /api/students/{id}/terms/{ay}/{sem}/late-fee    Quote (?due_date=YYYY-MM-DD)
    POST   /api/students/{id}/terms/{ay}/{sem}/late-fees   Post a late fee
    GET    /api/students/{id}/late-fees                    List posted fees
    POST   /api/late-fees/{id}/waive                       Waive a fee
    POST   /api/admin/late-fees/accrue                     Run the accrual job now

  Scholarships and catalog:
    GET    /api/scholarships, POST /api/scholarships       Scholarship catalog
    POST   /api/students/{id}/scholarships                 Award
    POST   /api/awards/{id}/revoke                         Revoke
    GET    /api/programs/{id}/rates                        Resolved fee schedule
    POST   /api/catalog                                    Import a catalog document

REQUEST FLOW:
  1. Parse path and body
  2. Validate input (validator tags, then domain rules in billing)
  3. Call the service
  4. Serialize response
  5. Map errors via handleError

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Student, scholarship, overpayment or late fee not found
  - 409: Conflict (idempotency, already applied/awarded/waived)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/warp/tuition-engine/billing"
	"github.com/warp/tuition-engine/factory"
	"github.com/warp/tuition-engine/generic"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Services *billing.Services
	Logger   *slog.Logger
	Clock    generic.Clock

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over the billing services.
func NewHandler(svc *billing.Services, logger *slog.Logger, clock generic.Clock) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = generic.SystemClock
	}
	return &Handler{Services: svc, Logger: logger, Clock: clock}
}

var validate = validator.New()

// =============================================================================
// STUDENTS AND STATEMENTS
// =============================================================================

// ListStudents returns all students.
// GET /api/students
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.Services.Repo.Students(r.Context())
	if err != nil {
		h.handleError(w, r, "Failed to list students", err)
		return
	}
	out := make([]StudentDTO, 0, len(students))
	for _, s := range students {
		out = append(out, toStudentDTO(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetStudent returns a single student.
// GET /api/students/{id}
func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	st, err := h.Services.Repo.Student(r.Context(), studentID(r))
	if err != nil {
		h.handleError(w, r, "Failed to get student", err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(st))
}

// GetStatement returns the carry-forward statement across all terms.
// GET /api/students/{id}/statement
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	st, err := h.Services.Engine.Statement(r.Context(), studentID(r))
	if err != nil {
		h.handleError(w, r, "Failed to build statement", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// GetAssessment returns one term's gross-to-net computation.
// GET /api/students/{id}/terms/{ay}/{sem}/assessment
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	term, err := termFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid term", err)
		return
	}
	a, err := h.Services.Engine.Assessment(r.Context(), studentID(r), term)
	if err != nil {
		h.handleError(w, r, "Failed to assess term", err)
		return
	}
	writeJSON(w, http.StatusOK, toAssessmentDTO(a))
}

// GetTermSummary returns the full term view including late fees.
// GET /api/students/{id}/terms/{ay}/{sem}/summary
func (h *Handler) GetTermSummary(w http.ResponseWriter, r *http.Request) {
	term, err := termFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid term", err)
		return
	}
	s, err := h.Services.Engine.TermSummary(r.Context(), studentID(r), term)
	if err != nil {
		h.handleError(w, r, "Failed to summarise term", err)
		return
	}
	writeJSON(w, http.StatusOK, toTermSummaryDTO(s))
}

// GetProgramRates resolves the fee schedule of a program.
// GET /api/programs/{id}/rates
func (h *Handler) GetProgramRates(w http.ResponseWriter, r *http.Request) {
	program := billing.ProgramID(chi.URLParam(r, "id"))
	schedule, err := h.Services.Rates.Schedule(r.Context(), &program)
	if err != nil {
		h.handleError(w, r, "Failed to resolve rates", err)
		return
	}
	writeJSON(w, http.StatusOK, toFeeScheduleDTO(&program, schedule))
}

// =============================================================================
// PAYMENTS
// =============================================================================

// ListPayments returns a student's payments, oldest first.
// GET /api/students/{id}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Services.Payments.List(r.Context(), studentID(r))
	if err != nil {
		h.handleError(w, r, "Failed to list payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(ps))
}

// PostPayment records a payment.
// POST /api/students/{id}/payments
func (h *Handler) PostPayment(w http.ResponseWriter, r *http.Request) {
	var req PostPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	term, err := generic.ParseTerm(req.Term)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid term", err)
		return
	}
	p, err := h.Services.Payments.Post(r.Context(), billing.PaymentInput{
		StudentID:      studentID(r),
		Term:           term,
		Amount:         generic.MoneyOf(req.Amount),
		Reference:      req.Reference,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
		CreatedBy:      req.CreatedBy,
	})
	if err != nil {
		h.handleError(w, r, "Failed to post payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

// ForwardBalance moves paid money from one term to another.
// POST /api/students/{id}/balance-forwards
func (h *Handler) ForwardBalance(w http.ResponseWriter, r *http.Request) {
	var req ForwardBalanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	from, err := generic.ParseTerm(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid source term", err)
		return
	}
	to, err := generic.ParseTerm(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid target term", err)
		return
	}
	ps, err := h.Services.Payments.ForwardBalance(r.Context(), billing.ForwardInput{
		StudentID:      studentID(r),
		From:           from,
		To:             to,
		Amount:         generic.MoneyOf(req.Amount),
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
		CreatedBy:      req.CreatedBy,
	})
	if err != nil {
		h.handleError(w, r, "Failed to forward balance", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTOs(ps))
}

// =============================================================================
// OVERPAYMENT CREDITS
// =============================================================================

// ListOverpayments returns unapplied records, or every record with ?all=true.
// GET /api/students/{id}/overpayments
func (h *Handler) ListOverpayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := studentID(r)
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	records, err := h.Services.Credits.Overpayments(ctx, id, !all)
	if err != nil {
		h.handleError(w, r, "Failed to list overpayments", err)
		return
	}
	available, err := h.Services.Credits.AvailableCredit(ctx, id)
	if err != nil {
		h.handleError(w, r, "Failed to sum available credit", err)
		return
	}
	writeJSON(w, http.StatusOK, OverpaymentListDTO{
		AvailableCredit: amount(available),
		Overpayments:    toOverpaymentDTOs(records),
	})
}

// RecordOverpayment creates or resizes the unapplied record of a term.
// POST /api/students/{id}/overpayments
func (h *Handler) RecordOverpayment(w http.ResponseWriter, r *http.Request) {
	var req RecordOverpaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	source, err := generic.ParseTerm(req.SourceTerm)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid source term", err)
		return
	}
	o, err := h.Services.Credits.RecordOverpayment(r.Context(), studentID(r), source, generic.MoneyOf(req.Amount))
	if err != nil {
		h.handleError(w, r, "Failed to record overpayment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOverpaymentDTO(o))
}

// SyncOverpayments mirrors the statement's overflow into records.
// POST /api/students/{id}/overpayments/sync
func (h *Handler) SyncOverpayments(w http.ResponseWriter, r *http.Request) {
	res, err := h.Services.Credits.SyncOverpayments(r.Context(), studentID(r))
	if err != nil {
		h.handleError(w, r, "Failed to sync overpayments", err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResultDTO{
		Recorded: toOverpaymentDTOs(res.Recorded),
		Applied:  toOverpaymentDTOs(res.Applied),
	})
}

// ApplyOverpayment applies a single record to a later term.
// POST /api/overpayments/{id}/apply
func (h *Handler) ApplyOverpayment(w http.ResponseWriter, r *http.Request) {
	var req ApplyCreditRequest
	if !h.decode(w, r, &req) {
		return
	}
	target, err := generic.ParseTerm(req.TargetTerm)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid target term", err)
		return
	}
	o, err := h.Services.Credits.ApplyOverpaymentCredit(r.Context(), chi.URLParam(r, "id"), target)
	if err != nil {
		h.handleError(w, r, "Failed to apply overpayment", err)
		return
	}
	writeJSON(w, http.StatusOK, toOverpaymentDTO(o))
}

// ApplyCredits applies available credit to a term, oldest records first.
// POST /api/students/{id}/credits/apply
func (h *Handler) ApplyCredits(w http.ResponseWriter, r *http.Request) {
	var req ApplyCreditRequest
	if !h.decode(w, r, &req) {
		return
	}
	target, err := generic.ParseTerm(req.TargetTerm)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid target term", err)
		return
	}
	res, err := h.Services.Credits.ApplyAvailableCredits(r.Context(), studentID(r), target)
	if err != nil {
		h.handleError(w, r, "Failed to apply credits", err)
		return
	}
	writeJSON(w, http.StatusOK, CreditApplicationDTO{
		TargetTerm: res.Target.String(),
		Balance:    amount(res.Balance),
		Applied:    amount(res.Applied),
		Remaining:  amount(res.Remaining),
		Records:    toOverpaymentDTOs(res.Records),
	})
}

// =============================================================================
// LATE FEES
// =============================================================================

// QuoteLateFee returns the pending late fee of a term.
// GET /api/students/{id}/terms/{ay}/{sem}/late-fee?due_date=2025-09-01
func (h *Handler) QuoteLateFee(w http.ResponseWriter, r *http.Request) {
	term, err := termFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid term", err)
		return
	}
	var due *time.Time
	if s := r.URL.Query().Get("due_date"); s != "" {
		d, err := generic.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid due_date (want YYYY-MM-DD)", err)
			return
		}
		due = &d
	}
	q, err := h.Services.LateFees.Quote(r.Context(), studentID(r), term, due)
	if err != nil {
		h.handleError(w, r, "Failed to quote late fee", err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(q))
}

// PostLateFee records a late fee against a term.
// POST /api/students/{id}/terms/{ay}/{sem}/late-fees
func (h *Handler) PostLateFee(w http.ResponseWriter, r *http.Request) {
	term, err := termFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid term", err)
		return
	}
	var req PostLateFeeRequest
	if !h.decode(w, r, &req) {
		return
	}
	fee, err := h.Services.LateFees.Post(r.Context(), studentID(r), term, generic.MoneyOf(req.Amount), req.Reason)
	if err != nil {
		h.handleError(w, r, "Failed to post late fee", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLateFeeDTO(fee))
}

// ListLateFees returns a student's posted late fees, newest first.
// GET /api/students/{id}/late-fees
func (h *Handler) ListLateFees(w http.ResponseWriter, r *http.Request) {
	fees, err := h.Services.LateFees.List(r.Context(), studentID(r), nil)
	if err != nil {
		h.handleError(w, r, "Failed to list late fees", err)
		return
	}
	writeJSON(w, http.StatusOK, toLateFeeDTOs(fees))
}

// WaiveLateFee flags a posted fee as waived.
// POST /api/late-fees/{id}/waive
func (h *Handler) WaiveLateFee(w http.ResponseWriter, r *http.Request) {
	var req WaiveLateFeeRequest
	if !h.decode(w, r, &req) {
		return
	}
	fee, err := h.Services.LateFees.Waive(r.Context(), chi.URLParam(r, "id"), req.WaivedBy)
	if err != nil {
		h.handleError(w, r, "Failed to waive late fee", err)
		return
	}
	writeJSON(w, http.StatusOK, toLateFeeDTO(fee))
}

// AccrueLateFees runs the nightly accrual for every student.
// POST /api/admin/late-fees/accrue
func (h *Handler) AccrueLateFees(w http.ResponseWriter, r *http.Request) {
	report, err := h.Services.LateFees.AccrueAll(r.Context())
	if err != nil {
		h.handleError(w, r, "Failed to accrue late fees", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccrualReportDTO(report))
}

// =============================================================================
// SCHOLARSHIPS
// =============================================================================

// ListScholarships returns the catalog. ?active=true limits to active ones.
// GET /api/scholarships
func (h *Handler) ListScholarships(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	list, err := h.Services.Scholarships.List(r.Context(), activeOnly)
	if err != nil {
		h.handleError(w, r, "Failed to list scholarships", err)
		return
	}
	out := make([]ScholarshipDTO, 0, len(list))
	for _, s := range list {
		out = append(out, toScholarshipDTO(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateScholarship adds a scholarship to the catalog.
// POST /api/scholarships
func (h *Handler) CreateScholarship(w http.ResponseWriter, r *http.Request) {
	var req factory.ScholarshipJSON
	if !h.decode(w, r, &req) {
		return
	}
	sch, err := h.Services.Scholarships.Create(r.Context(), billing.Scholarship{
		ID:            req.ID,
		Code:          req.Code,
		Name:          req.Name,
		DiscountType:  billing.DiscountType(req.DiscountType),
		DiscountValue: req.DiscountValue,
		AppliesTo:     billing.AppliesTo(req.AppliesTo),
		Active:        !req.Inactive,
	})
	if err != nil {
		h.handleError(w, r, "Failed to create scholarship", err)
		return
	}
	writeJSON(w, http.StatusCreated, toScholarshipDTO(sch))
}

// AwardScholarship grants a scholarship to a student for one term.
// POST /api/students/{id}/scholarships
func (h *Handler) AwardScholarship(w http.ResponseWriter, r *http.Request) {
	var req AwardScholarshipRequest
	if !h.decode(w, r, &req) {
		return
	}
	term, err := generic.ParseTerm(req.Term)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid term", err)
		return
	}
	a, err := h.Services.Scholarships.Award(r.Context(), studentID(r), req.ScholarshipID, term, req.Notes)
	if err != nil {
		h.handleError(w, r, "Failed to award scholarship", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAwardDTO(a))
}

// RevokeAward revokes an award; the discount stops applying.
// POST /api/awards/{id}/revoke
func (h *Handler) RevokeAward(w http.ResponseWriter, r *http.Request) {
	a, err := h.Services.Scholarships.Revoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, "Failed to revoke award", err)
		return
	}
	writeJSON(w, http.StatusOK, toAwardDTO(a))
}

// =============================================================================
// CATALOG
// =============================================================================

// ImportCatalog parses a catalog document and writes it.
// POST /api/catalog
func (h *Handler) ImportCatalog(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	c, err := factory.ParseCatalog(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid catalog", err)
		return
	}
	if err := c.Apply(r.Context(), h.Services.Repo); err != nil {
		h.handleError(w, r, "Failed to import catalog", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"fees":          len(c.Fees),
		"tuition_rates": len(c.TuitionRates),
		"scholarships":  len(c.Scholarships),
		"students":      len(c.Students),
		"enrollments":   len(c.Enrollments),
	})
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Services.Repo.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// HELPERS
// =============================================================================

func studentID(r *http.Request) generic.StudentID {
	return generic.StudentID(chi.URLParam(r, "id"))
}

func termFromPath(r *http.Request) (generic.Term, error) {
	sem, err := strconv.Atoi(chi.URLParam(r, "sem"))
	if err != nil {
		return generic.Term{}, &generic.TermError{Input: chi.URLParam(r, "sem"), Reason: "semester is not a number"}
	}
	return generic.NewTerm(chi.URLParam(r, "ay"), sem)
}

// decode reads a JSON body into dst and runs its validator tags. On failure
// it writes a 400 and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fmt.Sprintf("failed on '%s'", fe.Tag())
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "validation", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// handleError maps billing errors to HTTP statuses.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, message string, err error) {
	var (
		termErr   *generic.TermError
		amountErr *generic.AmountError
		targetErr *billing.CreditTargetError
	)
	switch {
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case generic.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case generic.IsClientError(err), errors.As(err, &termErr), errors.As(err, &amountErr), errors.As(err, &targetErr):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.Logger.Error(message, "error", err, "request_id", middleware.GetReqID(r.Context()), "retryable", generic.IsRetryable(err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
