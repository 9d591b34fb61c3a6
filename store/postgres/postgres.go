/*
Package postgres provides a PostgreSQL-backed implementation of the billing repository.

PURPOSE:
  Same contract as store/sqlite, for deployments where several server
  instances share one database. Money is NUMERIC(14,4); timestamps are
  TIMESTAMPTZ.

CONCURRENCY:
  WithCreditTx locks the student row with SELECT ... FOR UPDATE before
  running the callback, so payment appends and credit writes for one
  student are serialised across processes. Different students never
  block each other.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - billing/store.go: Interface definitions
  - store/sqlite: Embedded implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/tuition-engine/billing"
	"github.com/warp/tuition-engine/generic"
)

// Store implements billing.Repository on a pgx pool.
type Store struct {
	queries
	pool *pgxpool.Pool
}

var _ billing.Repository = (*Store)(nil)

// New connects, pings and migrates.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse DATABASE_URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return NewWithPool(pool), nil
}

// NewWithPool wraps an existing, migrated pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

const schema = `
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
	units NUMERIC(6,2) NOT NULL,
	status TEXT NOT NULL,
	enrolled_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_enrollments_student_term ON enrollments(student_id, academic_year, semester);

CREATE TABLE IF NOT EXISTS fees (
	code TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	type TEXT NOT NULL,
	amount NUMERIC(14,4) NOT NULL,
	position BIGSERIAL
);

CREATE TABLE IF NOT EXISTS tuition_rates (
	id TEXT PRIMARY KEY,
	program_id TEXT NOT NULL,
	tuition_per_unit NUMERIC(14,4) NOT NULL,
	lab_fee NUMERIC(14,4) NOT NULL,
	effective_date TIMESTAMPTZ NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS late_fee_config (
	id BIGSERIAL PRIMARY KEY,
	fee_type TEXT NOT NULL,
	fee_value NUMERIC(14,4) NOT NULL,
	grace_period_days INTEGER NOT NULL,
	max_penalty_percent NUMERIC(7,4) NOT NULL,
	apply_per TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS scholarships (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	discount_type TEXT NOT NULL,
	discount_value NUMERIC(14,4) NOT NULL,
	applies_to TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS student_scholarships (
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL REFERENCES students(id),
	scholarship_id TEXT NOT NULL REFERENCES scholarships(id),
	academic_year TEXT NOT NULL,
	semester INTEGER NOT NULL,
	status TEXT NOT NULL,
	awarded_at TIMESTAMPTZ NOT NULL,
	notes TEXT,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE(student_id, scholarship_id, academic_year, semester)
);

CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL,
	academic_year TEXT NOT NULL,
	semester INTEGER NOT NULL,
	amount NUMERIC(14,4) NOT NULL,
	payment_type TEXT NOT NULL,
	reference TEXT,
	notes TEXT,
	idempotency_key TEXT UNIQUE,
	posted_at TIMESTAMPTZ NOT NULL,
	created_by TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	seq BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_payments_student_term ON payments(student_id, academic_year, semester);

CREATE TABLE IF NOT EXISTS term_overpayments (
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL,
	source_academic_year TEXT NOT NULL,
	source_semester INTEGER NOT NULL,
	amount NUMERIC(14,4) NOT NULL,
	is_applied BOOLEAN NOT NULL DEFAULT FALSE,
	applied_academic_year TEXT,
	applied_semester INTEGER,
	applied_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	seq BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_overpayments_student ON term_overpayments(student_id, is_applied);

CREATE TABLE IF NOT EXISTS student_late_fees (
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL,
	academic_year TEXT NOT NULL,
	semester INTEGER NOT NULL,
	amount NUMERIC(14,4) NOT NULL,
	reason TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL,
	is_waived BOOLEAN NOT NULL DEFAULT FALSE,
	waived_by TEXT,
	waived_at TIMESTAMPTZ,
	seq BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_late_fees_student_term ON student_late_fees(student_id, academic_year, semester);
`

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) AppendBatch(ctx context.Context, ps []generic.Payment) error {
	return s.inTx(ctx, func(q queries) error { return q.AppendBatch(ctx, ps) })
}

// WithCreditTx locks the student row for the duration of fn.
func (s *Store) WithCreditTx(ctx context.Context, studentID generic.StudentID, fn func(billing.CreditStore) error) error {
	return s.inTx(ctx, func(q queries) error {
		var id string
		err := q.db.QueryRow(ctx, "SELECT id FROM students WHERE id = $1 FOR UPDATE", studentID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", generic.ErrStudentNotFound, studentID)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", generic.ErrConcurrentModification, err)
		}
		return fn(q)
	})
}

func (s *Store) inTx(ctx context.Context, fn func(queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", generic.ErrTransactionFailed, err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE student_late_fees, term_overpayments, payments,
		student_scholarships, scholarships, late_fee_config, tuition_rates, fees, enrollments, students`)
	return err
}

// =============================================================================
// QUERIES
// =============================================================================

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

// --- Payments ---

const paymentColumns = `id, student_id, academic_year, semester, amount::text, payment_type,
	reference, notes, idempotency_key, posted_at, created_by`

func (q queries) Append(ctx context.Context, p generic.Payment) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO payments (id, student_id, academic_year, semester, amount, payment_type,
			reference, notes, idempotency_key, posted_at, created_by)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9, $10, $11)`,
		string(p.ID), string(p.StudentID), p.Term.AcademicYear, p.Term.Semester, p.Amount.Value.String(),
		string(p.Type), nullable(p.Reference), nullable(p.Notes), nullable(p.IdempotencyKey),
		p.PostedAt.UTC(), nullable(p.CreatedBy))
	if err != nil {
		if isUniqueViolation(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append payment: %w", err)
	}
	return nil
}

func (q queries) AppendBatch(ctx context.Context, ps []generic.Payment) error {
	for _, p := range ps {
		if err := q.Append(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (q queries) Load(ctx context.Context, id generic.StudentID) ([]generic.Payment, error) {
	return q.queryPayments(ctx, "SELECT "+paymentColumns+` FROM payments
		WHERE student_id = $1 ORDER BY posted_at, seq`, string(id))
}

func (q queries) LoadTerm(ctx context.Context, id generic.StudentID, term generic.Term) ([]generic.Payment, error) {
	return q.queryPayments(ctx, "SELECT "+paymentColumns+` FROM payments
		WHERE student_id = $1 AND academic_year = $2 AND semester = $3 ORDER BY posted_at, seq`,
		string(id), term.AcademicYear, term.Semester)
}

func (q queries) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM payments WHERE idempotency_key = $1)", key).Scan(&exists)
	return exists, err
}

func (q queries) queryPayments(ctx context.Context, sql string, args ...any) ([]generic.Payment, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []generic.Payment
	for rows.Next() {
		var (
			p                                generic.Payment
			id, student, typ, amount         string
			reference, notes, key, createdBy *string
		)
		if err := rows.Scan(&id, &student, &p.Term.AcademicYear, &p.Term.Semester, &amount, &typ,
			&reference, &notes, &key, &p.PostedAt, &createdBy); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.ID = generic.PaymentID(id)
		p.StudentID = generic.StudentID(student)
		p.Type = generic.PaymentType(typ)
		p.Amount = money(amount)
		p.PostedAt = p.PostedAt.UTC()
		p.Reference, p.Notes, p.IdempotencyKey, p.CreatedBy = deref(reference), deref(notes), deref(key), deref(createdBy)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Directory ---

func (q queries) SaveStudent(ctx context.Context, st billing.Student) error {
	var program *string
	if st.ProgramID != nil {
		p := string(*st.ProgramID)
		program = &p
	}
	status := st.Status
	if status == "" {
		status = "Active"
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO students (id, name, program_id, status) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, program_id = EXCLUDED.program_id, status = EXCLUDED.status`,
		string(st.ID), st.Name, program, status)
	return err
}

func (q queries) Student(ctx context.Context, id generic.StudentID) (billing.Student, error) {
	st, err := scanStudent(q.db.QueryRow(ctx, "SELECT id, name, program_id, status FROM students WHERE id = $1", string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Student{}, fmt.Errorf("%w: %s", generic.ErrStudentNotFound, id)
	}
	return st, err
}

func (q queries) Students(ctx context.Context) ([]billing.Student, error) {
	rows, err := q.db.Query(ctx, "SELECT id, name, program_id, status FROM students ORDER BY name, id")
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

func scanStudent(row pgx.Row) (billing.Student, error) {
	var (
		st      billing.Student
		id      string
		program *string
	)
	if err := row.Scan(&id, &st.Name, &program, &st.Status); err != nil {
		return billing.Student{}, err
	}
	st.ID = generic.StudentID(id)
	if program != nil && *program != "" {
		p := billing.ProgramID(*program)
		st.ProgramID = &p
	}
	return st, nil
}

func (q queries) SaveEnrollment(ctx context.Context, e billing.Enrollment) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO enrollments (id, student_id, academic_year, semester, curriculum_id, units, status, enrolled_at)
		VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8)
		ON CONFLICT (id) DO UPDATE SET units = EXCLUDED.units, status = EXCLUDED.status, enrolled_at = EXCLUDED.enrolled_at`,
		e.ID, string(e.StudentID), e.Term.AcademicYear, e.Term.Semester, e.CurriculumID,
		e.Units.String(), string(e.Status), e.EnrolledAt.UTC())
	return err
}

func (q queries) Enrollments(ctx context.Context, id generic.StudentID) ([]billing.Enrollment, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, student_id, academic_year, semester, curriculum_id, units::text, status, enrolled_at
		FROM enrollments WHERE student_id = $1
		ORDER BY academic_year, semester, enrolled_at`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []billing.Enrollment
	for rows.Next() {
		var (
			e                     billing.Enrollment
			student, units, state string
		)
		if err := rows.Scan(&e.ID, &student, &e.Term.AcademicYear, &e.Term.Semester, &e.CurriculumID,
			&units, &state, &e.EnrolledAt); err != nil {
			return nil, err
		}
		e.StudentID = generic.StudentID(student)
		e.Units = dec(units)
		e.Status = billing.EnrollmentStatus(state)
		e.EnrolledAt = e.EnrolledAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Catalog ---

func (q queries) SaveFee(ctx context.Context, f billing.Fee) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO fees (code, description, type, amount) VALUES ($1, $2, $3, $4::text::numeric)
		ON CONFLICT (code) DO UPDATE SET description = EXCLUDED.description, type = EXCLUDED.type, amount = EXCLUDED.amount`,
		f.Code, f.Description, string(f.Type), f.Amount.Value.String())
	return err
}

func (q queries) Fees(ctx context.Context) ([]billing.Fee, error) {
	rows, err := q.db.Query(ctx, "SELECT code, description, type, amount::text FROM fees ORDER BY position")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []billing.Fee
	for rows.Next() {
		var f billing.Fee
		var typ, amount string
		if err := rows.Scan(&f.Code, &f.Description, &typ, &amount); err != nil {
			return nil, err
		}
		f.Type = billing.FeeType(typ)
		f.Amount = money(amount)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (q queries) SaveTuitionRate(ctx context.Context, r billing.TuitionRate) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO tuition_rates (id, program_id, tuition_per_unit, lab_fee, effective_date, is_active)
		VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5, $6)
		ON CONFLICT (id) DO UPDATE SET tuition_per_unit = EXCLUDED.tuition_per_unit, lab_fee = EXCLUDED.lab_fee,
			effective_date = EXCLUDED.effective_date, is_active = EXCLUDED.is_active`,
		r.ID, string(r.ProgramID), r.TuitionPerUnit.Value.String(), r.LabFee.Value.String(), r.EffectiveDate.UTC(), r.Active)
	return err
}

func (q queries) TuitionRates(ctx context.Context, program billing.ProgramID) ([]billing.TuitionRate, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, program_id, tuition_per_unit::text, lab_fee::text, effective_date, is_active
		FROM tuition_rates WHERE program_id = $1 ORDER BY effective_date DESC`, string(program))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []billing.TuitionRate
	for rows.Next() {
		var r billing.TuitionRate
		var pid, perUnit, lab string
		if err := rows.Scan(&r.ID, &pid, &perUnit, &lab, &r.EffectiveDate, &r.Active); err != nil {
			return nil, err
		}
		r.ProgramID = billing.ProgramID(pid)
		r.TuitionPerUnit = money(perUnit)
		r.LabFee = money(lab)
		r.EffectiveDate = r.EffectiveDate.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q queries) SaveLateFeePolicy(ctx context.Context, p billing.LateFeePolicy) error {
	if p.Active {
		if _, err := q.db.Exec(ctx, "UPDATE late_fee_config SET is_active = FALSE WHERE is_active"); err != nil {
			return err
		}
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO late_fee_config (fee_type, fee_value, grace_period_days, max_penalty_percent, apply_per, is_active)
		VALUES ($1, $2::text::numeric, $3, $4::text::numeric, $5, $6)`,
		string(p.FeeType), p.FeeValue.String(), p.GracePeriodDays, p.MaxPenaltyPercent.String(), string(p.ApplyPer), p.Active)
	return err
}

func (q queries) ActiveLateFeePolicy(ctx context.Context) (*billing.LateFeePolicy, error) {
	var (
		p                             billing.LateFeePolicy
		typ, value, maxPct, applyPer string
	)
	err := q.db.QueryRow(ctx, `
		SELECT fee_type, fee_value::text, grace_period_days, max_penalty_percent::text, apply_per, is_active
		FROM late_fee_config WHERE is_active ORDER BY id DESC LIMIT 1`,
	).Scan(&typ, &value, &p.GracePeriodDays, &maxPct, &applyPer, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.FeeType = billing.LateFeeType(typ)
	p.FeeValue = dec(value)
	p.MaxPenaltyPercent = dec(maxPct)
	p.ApplyPer = billing.ApplyPer(applyPer)
	return &p, nil
}

// --- Scholarships ---

const scholarshipColumns = "id, code, name, discount_type, discount_value::text, applies_to, is_active"

func (q queries) SaveScholarship(ctx context.Context, s billing.Scholarship) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO scholarships (id, code, name, discount_type, discount_value, applies_to, is_active)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7)
		ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, name = EXCLUDED.name,
			discount_type = EXCLUDED.discount_type, discount_value = EXCLUDED.discount_value,
			applies_to = EXCLUDED.applies_to, is_active = EXCLUDED.is_active`,
		s.ID, s.Code, s.Name, string(s.DiscountType), s.DiscountValue.String(), string(s.AppliesTo), s.Active)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: scholarship code %s already exists", generic.ErrInvalidDiscount, s.Code)
	}
	return err
}

func (q queries) Scholarships(ctx context.Context, activeOnly bool) ([]billing.Scholarship, error) {
	sql := "SELECT " + scholarshipColumns + " FROM scholarships"
	if activeOnly {
		sql += " WHERE is_active"
	}
	rows, err := q.db.Query(ctx, sql+" ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []billing.Scholarship
	for rows.Next() {
		s, err := scanScholarship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (q queries) Scholarship(ctx context.Context, id string) (billing.Scholarship, error) {
	s, err := scanScholarship(q.db.QueryRow(ctx, "SELECT "+scholarshipColumns+" FROM scholarships WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Scholarship{}, fmt.Errorf("%w: %s", generic.ErrScholarshipNotFound, id)
	}
	return s, err
}

func scanScholarship(row pgx.Row) (billing.Scholarship, error) {
	var s billing.Scholarship
	var typ, value, applies string
	if err := row.Scan(&s.ID, &s.Code, &s.Name, &typ, &value, &applies, &s.Active); err != nil {
		return billing.Scholarship{}, err
	}
	s.DiscountType = billing.DiscountType(typ)
	s.DiscountValue = dec(value)
	s.AppliesTo = billing.AppliesTo(applies)
	return s, nil
}

func (q queries) InsertAward(ctx context.Context, a billing.Award) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO student_scholarships
		(id, student_id, scholarship_id, academic_year, semester, status, awarded_at, notes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $7)`,
		a.ID, string(a.StudentID), a.ScholarshipID, a.Term.AcademicYear, a.Term.Semester,
		string(a.Status), a.AwardedAt.UTC(), nullable(a.Notes))
	if isUniqueViolation(err) {
		return generic.ErrAlreadyAwarded
	}
	return err
}

const awardQuery = `
	SELECT ss.id, ss.student_id, ss.scholarship_id, ss.academic_year, ss.semester, ss.status, ss.awarded_at, ss.notes,
	       s.id, s.code, s.name, s.discount_type, s.discount_value::text, s.applies_to, s.is_active
	FROM student_scholarships ss
	JOIN scholarships s ON ss.scholarship_id = s.id`

func (q queries) Awards(ctx context.Context, id generic.StudentID) ([]billing.Award, error) {
	rows, err := q.db.Query(ctx, awardQuery+" WHERE ss.student_id = $1 ORDER BY ss.academic_year, ss.semester, ss.awarded_at", string(id))
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
	a, err := scanAward(q.db.QueryRow(ctx, awardQuery+" WHERE ss.id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Award{}, fmt.Errorf("%w: award %s", generic.ErrScholarshipNotFound, id)
	}
	return a, err
}

func scanAward(row pgx.Row) (billing.Award, error) {
	var (
		a                                   billing.Award
		student, status, typ, value, applies string
		notes                               *string
	)
	err := row.Scan(&a.ID, &student, &a.ScholarshipID, &a.Term.AcademicYear, &a.Term.Semester, &status, &a.AwardedAt, &notes,
		&a.Scholarship.ID, &a.Scholarship.Code, &a.Scholarship.Name, &typ, &value, &applies, &a.Scholarship.Active)
	if err != nil {
		return billing.Award{}, err
	}
	a.StudentID = generic.StudentID(student)
	a.Status = billing.AwardStatus(status)
	a.AwardedAt = a.AwardedAt.UTC()
	a.Notes = deref(notes)
	a.Scholarship.DiscountType = billing.DiscountType(typ)
	a.Scholarship.DiscountValue = dec(value)
	a.Scholarship.AppliesTo = billing.AppliesTo(applies)
	return a, nil
}

func (q queries) SetAwardStatus(ctx context.Context, id string, status billing.AwardStatus, at time.Time) error {
	tag, err := q.db.Exec(ctx, "UPDATE student_scholarships SET status = $1, updated_at = $2 WHERE id = $3", string(status), at.UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: award %s", generic.ErrScholarshipNotFound, id)
	}
	return nil
}

// --- Overpayments ---

const overpaymentColumns = `id, student_id, source_academic_year, source_semester, amount::text, is_applied,
	applied_academic_year, applied_semester, applied_at, created_at, updated_at`

func (q queries) Overpayments(ctx context.Context, id generic.StudentID, unappliedOnly bool) ([]billing.Overpayment, error) {
	sql := "SELECT " + overpaymentColumns + " FROM term_overpayments WHERE student_id = $1"
	if unappliedOnly {
		sql += " AND NOT is_applied"
	}
	rows, err := q.db.Query(ctx, sql+" ORDER BY created_at DESC, seq DESC", string(id))
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
	o, err := scanOverpayment(q.db.QueryRow(ctx, "SELECT "+overpaymentColumns+" FROM term_overpayments WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Overpayment{}, fmt.Errorf("%w: %s", generic.ErrOverpaymentNotFound, id)
	}
	return o, err
}

func scanOverpayment(row pgx.Row) (billing.Overpayment, error) {
	var (
		o               billing.Overpayment
		student, amount string
		appliedYear     *string
		appliedSem      *int
		appliedAt       *time.Time
	)
	err := row.Scan(&o.ID, &student, &o.SourceTerm.AcademicYear, &o.SourceTerm.Semester, &amount, &o.IsApplied,
		&appliedYear, &appliedSem, &appliedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return billing.Overpayment{}, err
	}
	o.StudentID = generic.StudentID(student)
	o.Amount = money(amount)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	if appliedYear != nil && appliedSem != nil {
		o.AppliedTerm = &generic.Term{AcademicYear: *appliedYear, Semester: *appliedSem}
	}
	if appliedAt != nil {
		t := appliedAt.UTC()
		o.AppliedAt = &t
	}
	return o, nil
}

func (q queries) InsertOverpayment(ctx context.Context, o billing.Overpayment) error {
	var (
		appliedYear *string
		appliedSem  *int
		appliedAt   *time.Time
	)
	if o.AppliedTerm != nil {
		appliedYear, appliedSem = &o.AppliedTerm.AcademicYear, &o.AppliedTerm.Semester
	}
	if o.AppliedAt != nil {
		t := o.AppliedAt.UTC()
		appliedAt = &t
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO term_overpayments (id, student_id, source_academic_year, source_semester, amount, is_applied,
			applied_academic_year, applied_semester, applied_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9, $10, $11)`,
		o.ID, string(o.StudentID), o.SourceTerm.AcademicYear, o.SourceTerm.Semester, o.Amount.Value.String(), o.IsApplied,
		appliedYear, appliedSem, appliedAt, o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert overpayment: %w", err)
	}
	return nil
}

func (q queries) UpdateOverpaymentAmount(ctx context.Context, id string, amount generic.Money, at time.Time) error {
	tag, err := q.db.Exec(ctx, "UPDATE term_overpayments SET amount = $1::text::numeric, updated_at = $2 WHERE id = $3",
		amount.Value.String(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update overpayment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", generic.ErrOverpaymentNotFound, id)
	}
	return nil
}

func (q queries) MarkOverpaymentApplied(ctx context.Context, id string, target generic.Term, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE term_overpayments
		SET is_applied = TRUE, applied_academic_year = $1, applied_semester = $2, applied_at = $3, updated_at = $3
		WHERE id = $4 AND NOT is_applied`,
		target.AcademicYear, target.Semester, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to apply overpayment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return generic.ErrCreditAlreadyApplied
	}
	return nil
}

func (q queries) AppliedCredit(ctx context.Context, id generic.StudentID, term generic.Term) (generic.Money, error) {
	var total string
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM term_overpayments
		WHERE student_id = $1 AND is_applied AND applied_academic_year = $2 AND applied_semester = $3`,
		string(id), term.AcademicYear, term.Semester).Scan(&total)
	if err != nil {
		return generic.Money{}, err
	}
	return money(total), nil
}

// --- Late fees ---

const lateFeeColumns = `id, student_id, academic_year, semester, amount::text, reason, applied_at, is_waived, waived_by, waived_at`

func (q queries) InsertLateFee(ctx context.Context, f billing.LateFee) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO student_late_fees (id, student_id, academic_year, semester, amount, reason, applied_at, is_waived, waived_by, waived_at)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9, $10)`,
		f.ID, string(f.StudentID), f.Term.AcademicYear, f.Term.Semester, f.Amount.Value.String(), f.Reason,
		f.AppliedAt.UTC(), f.IsWaived, nullable(f.WaivedBy), f.WaivedAt)
	return err
}

func (q queries) LateFees(ctx context.Context, id generic.StudentID, term *generic.Term) ([]billing.LateFee, error) {
	sql := "SELECT " + lateFeeColumns + " FROM student_late_fees WHERE student_id = $1"
	args := []any{string(id)}
	if term != nil {
		sql += " AND academic_year = $2 AND semester = $3"
		args = append(args, term.AcademicYear, term.Semester)
	}
	rows, err := q.db.Query(ctx, sql+" ORDER BY applied_at DESC, seq DESC", args...)
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
	f, err := scanLateFee(q.db.QueryRow(ctx, "SELECT "+lateFeeColumns+" FROM student_late_fees WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.LateFee{}, fmt.Errorf("%w: %s", generic.ErrLateFeeNotFound, id)
	}
	return f, err
}

func scanLateFee(row pgx.Row) (billing.LateFee, error) {
	var (
		f               billing.LateFee
		student, amount string
		waivedBy        *string
		waivedAt        *time.Time
	)
	err := row.Scan(&f.ID, &student, &f.Term.AcademicYear, &f.Term.Semester, &amount, &f.Reason,
		&f.AppliedAt, &f.IsWaived, &waivedBy, &waivedAt)
	if err != nil {
		return billing.LateFee{}, err
	}
	f.StudentID = generic.StudentID(student)
	f.Amount = money(amount)
	f.AppliedAt = f.AppliedAt.UTC()
	f.WaivedBy = deref(waivedBy)
	if waivedAt != nil {
		t := waivedAt.UTC()
		f.WaivedAt = &t
	}
	return f, nil
}

func (q queries) WaiveLateFee(ctx context.Context, id, waivedBy string, at time.Time) error {
	tag, err := q.db.Exec(ctx,
		"UPDATE student_late_fees SET is_waived = TRUE, waived_by = $1, waived_at = $2 WHERE id = $3 AND NOT is_waived",
		waivedBy, at.UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return generic.ErrAlreadyWaived
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func money(s string) generic.Money {
	return generic.MoneyOf(dec(s))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
