/*
Package sqlite provides a SQLite-backed implementation of the billing repository.

PURPOSE:
  Implements every persistence interface the billing services need
  (payments, students, catalog, scholarships, overpayment credits, late
  fees) on one SQLite database. It is the default backend for local runs,
  demos and tests; store/postgres carries the same contract to PostgreSQL.

INTERFACES IMPLEMENTED:
  generic.Store:         Append-only payment ledger
  billing.Directory:     Students and enrollments
  billing.Catalog:       Fees, program tuition rates, late fee policy
  billing.CreditTxStore: Payment and overpayment writes in one transaction
  billing.LateFeeStore:  Applied late fees
  billing.Registrar:     Collaborator data writes (import, demo)

APPEND-ONLY ENFORCEMENT:
  The payments table is never updated or deleted (Reset aside).
  Corrections are reversal or balance-forward entries.

MONEY:
  Stored as TEXT decimal strings and parsed back into decimal.Decimal, so
  nothing passes through float64.

CONCURRENCY:
  The pool is limited to one connection: an in-memory database exists per
  connection, and SQLite allows one writer anyway. Transactions hold the
  store mutex. Code running inside a transaction must use the view it is
  handed, never the Store itself.

USAGE:
  store, err := sqlite.New("./data/tuition.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  services := billing.NewServices(store, billing.Options{})

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - billing/store.go: Interface definitions
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/tuition-engine/billing"
	"github.com/warp/tuition-engine/generic"
)

// Store implements billing.Repository using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

var _ billing.Repository = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		program_id TEXT,
		status TEXT NOT NULL DEFAULT 'Active'
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		academic_year TEXT NOT NULL,
		semester INTEGER NOT NULL,
		curriculum_id TEXT NOT NULL,
		units TEXT NOT NULL,
		status TEXT NOT NULL,
		enrolled_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_enrollments_student_term
		ON enrollments(student_id, academic_year, semester);

	CREATE TABLE IF NOT EXISTS fees (
		code TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		type TEXT NOT NULL,
		amount TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tuition_rates (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL,
		tuition_per_unit TEXT NOT NULL,
		lab_fee TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_tuition_rates_program
		ON tuition_rates(program_id, effective_date DESC);

	CREATE TABLE IF NOT EXISTS late_fee_config (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fee_type TEXT NOT NULL,
		fee_value TEXT NOT NULL,
		grace_period_days INTEGER NOT NULL,
		max_penalty_percent TEXT NOT NULL,
		apply_per TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS scholarships (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		discount_type TEXT NOT NULL,
		discount_value TEXT NOT NULL,
		applies_to TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS student_scholarships (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		scholarship_id TEXT NOT NULL REFERENCES scholarships(id),
		academic_year TEXT NOT NULL,
		semester INTEGER NOT NULL,
		status TEXT NOT NULL,
		awarded_at TEXT NOT NULL,
		notes TEXT,
		updated_at TEXT NOT NULL,
		UNIQUE(student_id, scholarship_id, academic_year, semester)
	);

	-- Payments (append-only ledger)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		academic_year TEXT NOT NULL,
		semester INTEGER NOT NULL,
		amount TEXT NOT NULL,
		payment_type TEXT NOT NULL,
		reference TEXT,
		notes TEXT,
		idempotency_key TEXT UNIQUE,
		posted_at TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_student_term
		ON payments(student_id, academic_year, semester);

	CREATE TABLE IF NOT EXISTS term_overpayments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		source_academic_year TEXT NOT NULL,
		source_semester INTEGER NOT NULL,
		amount TEXT NOT NULL,
		is_applied INTEGER NOT NULL DEFAULT 0,
		applied_academic_year TEXT,
		applied_semester INTEGER,
		applied_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_overpayments_student
		ON term_overpayments(student_id, is_applied);

	CREATE TABLE IF NOT EXISTS student_late_fees (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		academic_year TEXT NOT NULL,
		semester INTEGER NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		is_waived INTEGER NOT NULL DEFAULT 0,
		waived_by TEXT,
		waived_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_late_fees_student_term
		ON student_late_fees(student_id, academic_year, semester);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// AppendBatch adds multiple payments atomically.
func (s *Store) AppendBatch(ctx context.Context, ps []generic.Payment) error {
	// Check for duplicate idempotency keys within the batch first
	keys := make(map[string]bool)
	for _, p := range ps {
		if p.IdempotencyKey != "" {
			if keys[p.IdempotencyKey] {
				return generic.ErrDuplicateIdempotencyKey
			}
			keys[p.IdempotencyKey] = true
		}
	}

	return s.inTx(ctx, func(q queries) error {
		for _, p := range ps {
			if err := q.Append(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// WithCreditTx executes fn within a database transaction. SQLite locks the
// whole database for the writer, which covers the student.
func (s *Store) WithCreditTx(ctx context.Context, _ generic.StudentID, fn func(billing.CreditStore) error) error {
	return s.inTx(ctx, func(q queries) error { return fn(q) })
}

func (s *Store) inTx(ctx context.Context, fn func(queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", generic.ErrTransactionFailed, err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"student_late_fees", "term_overpayments", "payments", "student_scholarships",
		"scholarships", "late_fee_config", "tuition_rates", "fees", "enrollments", "students",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// QUERIES - Shared by the Store and its transaction views
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs statements against a *sql.DB or a *sql.Tx.
type queries struct {
	q querier
}

// =============================================================================
// PAYMENTS (generic.Store interface)
// =============================================================================

const paymentColumns = `id, student_id, academic_year, semester, amount, payment_type,
	reference, notes, idempotency_key, posted_at, created_by`

// Append adds a payment to the ledger.
func (q queries) Append(ctx context.Context, p generic.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.q.ExecContext(ctx, query,
		p.ID,
		p.StudentID,
		p.Term.AcademicYear,
		p.Term.Semester,
		p.Amount.Value.String(),
		p.Type,
		nullString(p.Reference),
		nullString(p.Notes),
		nullString(p.IdempotencyKey),
		formatTime(p.PostedAt),
		nullString(p.CreatedBy),
		formatTime(time.Now()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append payment: %w", err)
	}
	return nil
}

// AppendBatch inside a transaction view appends one by one; the enclosing
// transaction provides atomicity.
func (q queries) AppendBatch(ctx context.Context, ps []generic.Payment) error {
	for _, p := range ps {
		if err := q.Append(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (q queries) Load(ctx context.Context, studentID generic.StudentID) ([]generic.Payment, error) {
	return q.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE student_id = ?
		ORDER BY posted_at ASC, created_at ASC`, studentID)
}

func (q queries) LoadTerm(ctx context.Context, studentID generic.StudentID, term generic.Term) ([]generic.Payment, error) {
	return q.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE student_id = ? AND academic_year = ? AND semester = ?
		ORDER BY posted_at ASC, created_at ASC`, studentID, term.AcademicYear, term.Semester)
}

func (q queries) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := q.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payments WHERE idempotency_key = ?", idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func (q queries) queryPayments(ctx context.Context, query string, args ...any) ([]generic.Payment, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []generic.Payment
	for rows.Next() {
		var (
			p                                generic.Payment
			amount, postedAt                 string
			reference, notes, key, createdBy sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.StudentID, &p.Term.AcademicYear, &p.Term.Semester,
			&amount, &p.Type, &reference, &notes, &key, &postedAt, &createdBy); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Amount = parseMoney(amount)
		p.PostedAt = parseTime(postedAt)
		p.Reference = reference.String
		p.Notes = notes.String
		p.IdempotencyKey = key.String
		p.CreatedBy = createdBy.String
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// =============================================================================
// DIRECTORY - Students and enrollments
// =============================================================================

func (q queries) SaveStudent(ctx context.Context, st billing.Student) error {
	var program sql.NullString
	if st.ProgramID != nil {
		program = nullString(string(*st.ProgramID))
	}
	status := st.Status
	if status == "" {
		status = "Active"
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO students (id, name, program_id, status) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			program_id = excluded.program_id,
			status = excluded.status`,
		st.ID, st.Name, program, status)
	return err
}

func (q queries) Student(ctx context.Context, id generic.StudentID) (billing.Student, error) {
	row := q.q.QueryRowContext(ctx, "SELECT id, name, program_id, status FROM students WHERE id = ?", id)
	st, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Student{}, fmt.Errorf("%w: %s", generic.ErrStudentNotFound, id)
	}
	return st, err
}

func (q queries) Students(ctx context.Context) ([]billing.Student, error) {
	rows, err := q.q.QueryContext(ctx, "SELECT id, name, program_id, status FROM students ORDER BY name, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStudent(row scanner) (billing.Student, error) {
	var (
		st      billing.Student
		program sql.NullString
	)
	if err := row.Scan(&st.ID, &st.Name, &program, &st.Status); err != nil {
		return billing.Student{}, err
	}
	if program.Valid && program.String != "" {
		p := billing.ProgramID(program.String)
		st.ProgramID = &p
	}
	return st, nil
}

func (q queries) SaveEnrollment(ctx context.Context, e billing.Enrollment) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO enrollments (id, student_id, academic_year, semester, curriculum_id, units, status, enrolled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			units = excluded.units,
			status = excluded.status,
			enrolled_at = excluded.enrolled_at`,
		e.ID, e.StudentID, e.Term.AcademicYear, e.Term.Semester, e.CurriculumID,
		e.Units.String(), e.Status, formatTime(e.EnrolledAt))
	return err
}

func (q queries) Enrollments(ctx context.Context, id generic.StudentID) ([]billing.Enrollment, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, student_id, academic_year, semester, curriculum_id, units, status, enrolled_at
		FROM enrollments WHERE student_id = ?
		ORDER BY academic_year, semester, enrolled_at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Enrollment
	for rows.Next() {
		var (
			e                 billing.Enrollment
			units, enrolledAt string
		)
		if err := rows.Scan(&e.ID, &e.StudentID, &e.Term.AcademicYear, &e.Term.Semester,
			&e.CurriculumID, &units, &e.Status, &enrolledAt); err != nil {
			return nil, err
		}
		e.Units = parseDecimal(units)
		e.EnrolledAt = parseTime(enrolledAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// CATALOG - Fees, tuition rates, late fee policy
// =============================================================================

func (q queries) SaveFee(ctx context.Context, f billing.Fee) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO fees (code, description, type, amount) VALUES (?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			description = excluded.description,
			type = excluded.type,
			amount = excluded.amount`,
		f.Code, f.Description, f.Type, f.Amount.Value.String())
	return err
}

func (q queries) Fees(ctx context.Context) ([]billing.Fee, error) {
	rows, err := q.q.QueryContext(ctx, "SELECT code, description, type, amount FROM fees ORDER BY rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Fee
	for rows.Next() {
		var (
			f      billing.Fee
			amount string
		)
		if err := rows.Scan(&f.Code, &f.Description, &f.Type, &amount); err != nil {
			return nil, err
		}
		f.Amount = parseMoney(amount)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (q queries) SaveTuitionRate(ctx context.Context, r billing.TuitionRate) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO tuition_rates (id, program_id, tuition_per_unit, lab_fee, effective_date, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tuition_per_unit = excluded.tuition_per_unit,
			lab_fee = excluded.lab_fee,
			effective_date = excluded.effective_date,
			is_active = excluded.is_active`,
		r.ID, r.ProgramID, r.TuitionPerUnit.Value.String(), r.LabFee.Value.String(),
		formatTime(r.EffectiveDate), r.Active)
	return err
}

func (q queries) TuitionRates(ctx context.Context, program billing.ProgramID) ([]billing.TuitionRate, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, program_id, tuition_per_unit, lab_fee, effective_date, is_active
		FROM tuition_rates WHERE program_id = ?
		ORDER BY effective_date DESC`, program)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.TuitionRate
	for rows.Next() {
		var (
			r                 billing.TuitionRate
			perUnit, lab, eff string
		)
		if err := rows.Scan(&r.ID, &r.ProgramID, &perUnit, &lab, &eff, &r.Active); err != nil {
			return nil, err
		}
		r.TuitionPerUnit = parseMoney(perUnit)
		r.LabFee = parseMoney(lab)
		r.EffectiveDate = parseTime(eff)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveLateFeePolicy stores a policy. An active policy deactivates the others.
func (q queries) SaveLateFeePolicy(ctx context.Context, p billing.LateFeePolicy) error {
	if p.Active {
		if _, err := q.q.ExecContext(ctx, "UPDATE late_fee_config SET is_active = 0"); err != nil {
			return err
		}
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO late_fee_config (fee_type, fee_value, grace_period_days, max_penalty_percent, apply_per, is_active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.FeeType, p.FeeValue.String(), p.GracePeriodDays, p.MaxPenaltyPercent.String(), p.ApplyPer, p.Active)
	return err
}

func (q queries) ActiveLateFeePolicy(ctx context.Context) (*billing.LateFeePolicy, error) {
	var (
		p             billing.LateFeePolicy
		value, maxPct string
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT fee_type, fee_value, grace_period_days, max_penalty_percent, apply_per, is_active
		FROM late_fee_config WHERE is_active = 1
		ORDER BY id DESC LIMIT 1`,
	).Scan(&p.FeeType, &value, &p.GracePeriodDays, &maxPct, &p.ApplyPer, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.FeeValue = parseDecimal(value)
	p.MaxPenaltyPercent = parseDecimal(maxPct)
	return &p, nil
}

// =============================================================================
// SCHOLARSHIPS AND AWARDS
// =============================================================================

const scholarshipColumns = "id, code, name, discount_type, discount_value, applies_to, is_active"

func (q queries) SaveScholarship(ctx context.Context, sch billing.Scholarship) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO scholarships (`+scholarshipColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			discount_type = excluded.discount_type,
			discount_value = excluded.discount_value,
			applies_to = excluded.applies_to,
			is_active = excluded.is_active`,
		sch.ID, sch.Code, sch.Name, sch.DiscountType, sch.DiscountValue.String(), sch.AppliesTo, sch.Active)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: scholarship code %s already exists", generic.ErrInvalidDiscount, sch.Code)
	}
	return err
}

func (q queries) Scholarships(ctx context.Context, activeOnly bool) ([]billing.Scholarship, error) {
	query := "SELECT " + scholarshipColumns + " FROM scholarships"
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	rows, err := q.q.QueryContext(ctx, query+" ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Scholarship
	for rows.Next() {
		sch, err := scanScholarship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (q queries) Scholarship(ctx context.Context, id string) (billing.Scholarship, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+scholarshipColumns+" FROM scholarships WHERE id = ?", id)
	sch, err := scanScholarship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Scholarship{}, fmt.Errorf("%w: %s", generic.ErrScholarshipNotFound, id)
	}
	return sch, err
}

func scanScholarship(row scanner) (billing.Scholarship, error) {
	var (
		sch   billing.Scholarship
		value string
	)
	if err := row.Scan(&sch.ID, &sch.Code, &sch.Name, &sch.DiscountType, &value, &sch.AppliesTo, &sch.Active); err != nil {
		return billing.Scholarship{}, err
	}
	sch.DiscountValue = parseDecimal(value)
	return sch, nil
}

func (q queries) InsertAward(ctx context.Context, a billing.Award) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO student_scholarships
		(id, student_id, scholarship_id, academic_year, semester, status, awarded_at, notes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StudentID, a.ScholarshipID, a.Term.AcademicYear, a.Term.Semester,
		a.Status, formatTime(a.AwardedAt), nullString(a.Notes), formatTime(a.AwardedAt))
	if isUniqueConstraintError(err) {
		return generic.ErrAlreadyAwarded
	}
	return err
}

const awardQuery = `
	SELECT ss.id, ss.student_id, ss.scholarship_id, ss.academic_year, ss.semester,
	       ss.status, ss.awarded_at, ss.notes,
	       s.id, s.code, s.name, s.discount_type, s.discount_value, s.applies_to, s.is_active
	FROM student_scholarships ss
	JOIN scholarships s ON ss.scholarship_id = s.id`

func (q queries) Awards(ctx context.Context, studentID generic.StudentID) ([]billing.Award, error) {
	rows, err := q.q.QueryContext(ctx,
		awardQuery+" WHERE ss.student_id = ? ORDER BY ss.academic_year, ss.semester, ss.awarded_at", studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Award
	for rows.Next() {
		a, err := scanAward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q queries) Award(ctx context.Context, id string) (billing.Award, error) {
	a, err := scanAward(q.q.QueryRowContext(ctx, awardQuery+" WHERE ss.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Award{}, fmt.Errorf("%w: award %s", generic.ErrScholarshipNotFound, id)
	}
	return a, err
}

func scanAward(row scanner) (billing.Award, error) {
	var (
		a                billing.Award
		awardedAt, value string
		notes            sql.NullString
	)
	err := row.Scan(&a.ID, &a.StudentID, &a.ScholarshipID, &a.Term.AcademicYear, &a.Term.Semester,
		&a.Status, &awardedAt, &notes,
		&a.Scholarship.ID, &a.Scholarship.Code, &a.Scholarship.Name, &a.Scholarship.DiscountType,
		&value, &a.Scholarship.AppliesTo, &a.Scholarship.Active)
	if err != nil {
		return billing.Award{}, err
	}
	a.AwardedAt = parseTime(awardedAt)
	a.Notes = notes.String
	a.Scholarship.DiscountValue = parseDecimal(value)
	return a, nil
}

func (q queries) SetAwardStatus(ctx context.Context, id string, status billing.AwardStatus, at time.Time) error {
	res, err := q.q.ExecContext(ctx,
		"UPDATE student_scholarships SET status = ?, updated_at = ? WHERE id = ?", status, formatTime(at), id)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("%w: award %s", generic.ErrScholarshipNotFound, id))
}

// =============================================================================
// OVERPAYMENT CREDITS (billing.CreditStore interface)
// =============================================================================

const overpaymentColumns = `id, student_id, source_academic_year, source_semester, amount, is_applied,
	applied_academic_year, applied_semester, applied_at, created_at, updated_at`

func (q queries) Overpayments(ctx context.Context, studentID generic.StudentID, unappliedOnly bool) ([]billing.Overpayment, error) {
	query := "SELECT " + overpaymentColumns + " FROM term_overpayments WHERE student_id = ?"
	if unappliedOnly {
		query += " AND is_applied = 0"
	}
	rows, err := q.q.QueryContext(ctx, query+" ORDER BY created_at DESC, rowid DESC", studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query overpayments: %w", err)
	}
	defer rows.Close()

	var out []billing.Overpayment
	for rows.Next() {
		o, err := scanOverpayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (q queries) Overpayment(ctx context.Context, id string) (billing.Overpayment, error) {
	o, err := scanOverpayment(q.q.QueryRowContext(ctx,
		"SELECT "+overpaymentColumns+" FROM term_overpayments WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Overpayment{}, fmt.Errorf("%w: %s", generic.ErrOverpaymentNotFound, id)
	}
	return o, err
}

func scanOverpayment(row scanner) (billing.Overpayment, error) {
	var (
		o                          billing.Overpayment
		amount, createdAt, updated string
		appliedYear, appliedAt     sql.NullString
		appliedSem                 sql.NullInt64
	)
	err := row.Scan(&o.ID, &o.StudentID, &o.SourceTerm.AcademicYear, &o.SourceTerm.Semester,
		&amount, &o.IsApplied, &appliedYear, &appliedSem, &appliedAt, &createdAt, &updated)
	if err != nil {
		return billing.Overpayment{}, err
	}
	o.Amount = parseMoney(amount)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updated)
	if appliedYear.Valid && appliedSem.Valid {
		o.AppliedTerm = &generic.Term{AcademicYear: appliedYear.String, Semester: int(appliedSem.Int64)}
	}
	if appliedAt.Valid {
		t := parseTime(appliedAt.String)
		o.AppliedAt = &t
	}
	return o, nil
}

func (q queries) InsertOverpayment(ctx context.Context, o billing.Overpayment) error {
	var (
		appliedYear, appliedAt sql.NullString
		appliedSem             sql.NullInt64
	)
	if o.AppliedTerm != nil {
		appliedYear = nullString(o.AppliedTerm.AcademicYear)
		appliedSem = sql.NullInt64{Int64: int64(o.AppliedTerm.Semester), Valid: true}
	}
	if o.AppliedAt != nil {
		appliedAt = nullString(formatTime(*o.AppliedAt))
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO term_overpayments (`+overpaymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.StudentID, o.SourceTerm.AcademicYear, o.SourceTerm.Semester, o.Amount.Value.String(),
		o.IsApplied, appliedYear, appliedSem, appliedAt, formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert overpayment: %w", err)
	}
	return nil
}

func (q queries) UpdateOverpaymentAmount(ctx context.Context, id string, amount generic.Money, at time.Time) error {
	res, err := q.q.ExecContext(ctx,
		"UPDATE term_overpayments SET amount = ?, updated_at = ? WHERE id = ?",
		amount.Value.String(), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update overpayment: %w", err)
	}
	return requireRow(res, fmt.Errorf("%w: %s", generic.ErrOverpaymentNotFound, id))
}

// MarkOverpaymentApplied only touches unapplied rows, so two writers can
// never both apply the same record.
func (q queries) MarkOverpaymentApplied(ctx context.Context, id string, target generic.Term, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE term_overpayments
		SET is_applied = 1, applied_academic_year = ?, applied_semester = ?, applied_at = ?, updated_at = ?
		WHERE id = ? AND is_applied = 0`,
		target.AcademicYear, target.Semester, formatTime(at), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to apply overpayment: %w", err)
	}
	return requireRow(res, generic.ErrCreditAlreadyApplied)
}

func (q queries) AppliedCredit(ctx context.Context, studentID generic.StudentID, term generic.Term) (generic.Money, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT amount FROM term_overpayments
		WHERE student_id = ? AND is_applied = 1 AND applied_academic_year = ? AND applied_semester = ?`,
		studentID, term.AcademicYear, term.Semester)
	if err != nil {
		return generic.Money{}, err
	}
	defer rows.Close()

	total := generic.ZeroMoney()
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return generic.Money{}, err
		}
		total = total.Add(parseMoney(amount))
	}
	return total, rows.Err()
}

// =============================================================================
// LATE FEES (billing.LateFeeStore interface)
// =============================================================================

const lateFeeColumns = `id, student_id, academic_year, semester, amount, reason, applied_at,
	is_waived, waived_by, waived_at`

func (q queries) InsertLateFee(ctx context.Context, f billing.LateFee) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO student_late_fees (`+lateFeeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.StudentID, f.Term.AcademicYear, f.Term.Semester, f.Amount.Value.String(),
		f.Reason, formatTime(f.AppliedAt), f.IsWaived, nullString(f.WaivedBy), nullTime(f.WaivedAt))
	return err
}

func (q queries) LateFees(ctx context.Context, studentID generic.StudentID, term *generic.Term) ([]billing.LateFee, error) {
	query := "SELECT " + lateFeeColumns + " FROM student_late_fees WHERE student_id = ?"
	args := []any{studentID}
	if term != nil {
		query += " AND academic_year = ? AND semester = ?"
		args = append(args, term.AcademicYear, term.Semester)
	}
	rows, err := q.q.QueryContext(ctx, query+" ORDER BY applied_at DESC, rowid DESC", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.LateFee
	for rows.Next() {
		f, err := scanLateFee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (q queries) LateFee(ctx context.Context, id string) (billing.LateFee, error) {
	f, err := scanLateFee(q.q.QueryRowContext(ctx,
		"SELECT "+lateFeeColumns+" FROM student_late_fees WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return billing.LateFee{}, fmt.Errorf("%w: %s", generic.ErrLateFeeNotFound, id)
	}
	return f, err
}

func scanLateFee(row scanner) (billing.LateFee, error) {
	var (
		f                  billing.LateFee
		amount, appliedAt  string
		waivedBy, waivedAt sql.NullString
	)
	err := row.Scan(&f.ID, &f.StudentID, &f.Term.AcademicYear, &f.Term.Semester, &amount,
		&f.Reason, &appliedAt, &f.IsWaived, &waivedBy, &waivedAt)
	if err != nil {
		return billing.LateFee{}, err
	}
	f.Amount = parseMoney(amount)
	f.AppliedAt = parseTime(appliedAt)
	f.WaivedBy = waivedBy.String
	if waivedAt.Valid {
		t := parseTime(waivedAt.String)
		f.WaivedAt = &t
	}
	return f, nil
}

func (q queries) WaiveLateFee(ctx context.Context, id string, waivedBy string, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE student_late_fees SET is_waived = 1, waived_by = ?, waived_at = ?
		WHERE id = ? AND is_waived = 0`,
		waivedBy, formatTime(at), id)
	if err != nil {
		return err
	}
	return requireRow(res, generic.ErrAlreadyWaived)
}

// =============================================================================
// HELPERS
// =============================================================================

// Fixed-width UTC timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullString(formatTime(*t))
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseMoney(s string) generic.Money {
	return generic.MoneyOf(parseDecimal(s))
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func requireRow(res sql.Result, errIfNone error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errIfNone
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
