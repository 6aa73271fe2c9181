package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/vtc-dispatch/internal/models"
)

// PostgresStore implements Store over database/sql with lib/pq. The course
// CAS is a single UPDATE whose WHERE clause carries the condition, so the
// row transition is atomic at the database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const courseColumns = `id, client_name, client_email, client_phone, pickup_address, dropoff_address,
	date, time, distance_km, price_total, notes, status, reserved_by_driver_id, reserved_until,
	assigned_driver_id, assigned_at, cancel_reason, commission_rate, commission_amount,
	commission_paid, commission_paid_at, created_at`

func (p *PostgresStore) InsertCourse(ctx context.Context, c *models.Course) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO courses(`+courseColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		c.ID, c.ClientName, c.ClientEmail, c.ClientPhone, c.PickupAddress, c.DropoffAddress,
		c.Date, c.Time, c.DistanceKm, c.PriceTotal, c.Notes, string(c.Status),
		nullString(c.ReservedByDriverID), nullTime(c.ReservedUntil),
		nullString(c.AssignedDriverID), nullTime(c.AssignedAt), c.CancelReason,
		c.CommissionRate, c.CommissionAmount, c.CommissionPaid, nullTime(c.CommissionPaidAt), c.CreatedAt)
	return err
}

func (p *PostgresStore) GetCourse(ctx context.Context, id string) (*models.Course, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses WHERE id=$1`, id)
	return scanCourse(row)
}

func (p *PostgresStore) ListCourses(ctx context.Context) ([]*models.Course, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+courseColumns+` FROM courses ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCourses(rows)
}

func (p *PostgresStore) CoursesByAssignedDriver(ctx context.Context, driverID string) ([]*models.Course, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+courseColumns+` FROM courses
		WHERE assigned_driver_id=$1 ORDER BY created_at DESC`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCourses(rows)
}

func (p *PostgresStore) CountCoursesAssignedTo(ctx context.Context, driverID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM courses WHERE assigned_driver_id=$1`, driverID).Scan(&n)
	return n, err
}

func (p *PostgresStore) CompareAndSwapCourse(ctx context.Context, id string, cond CourseCond, lc models.Lifecycle) (*models.Course, bool, error) {
	statuses := make([]string, 0, len(cond.AnyStatus))
	for _, s := range cond.AnyStatus {
		statuses = append(statuses, string(s))
	}
	query := `UPDATE courses SET status=$1, reserved_by_driver_id=$2, reserved_until=$3,
		assigned_driver_id=$4, assigned_at=$5, cancel_reason=$6, commission_amount=$7,
		commission_paid=$8, commission_paid_at=$9
		WHERE id=$10 AND status = ANY($11)`
	args := []interface{}{
		string(lc.Status), nullString(lc.ReservedByDriverID), nullTime(lc.ReservedUntil),
		nullString(lc.AssignedDriverID), nullTime(lc.AssignedAt), lc.CancelReason,
		lc.CommissionAmount, lc.CommissionPaid, nullTime(lc.CommissionPaidAt),
		id, pq.Array(statuses),
	}
	if cond.ReservedBy != nil {
		args = append(args, *cond.ReservedBy)
		query += fmt.Sprintf(" AND reserved_by_driver_id=$%d", len(args))
	}
	if cond.ReservedUntil != nil {
		args = append(args, *cond.ReservedUntil)
		query += fmt.Sprintf(" AND reserved_until=$%d", len(args))
	}
	query += " RETURNING " + courseColumns
	row := p.db.QueryRowContext(ctx, query, args...)
	c, err := scanCourse(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Either the row is missing or the condition failed; a second
			// lookup distinguishes the two for the caller.
			if _, getErr := p.GetCourse(ctx, id); getErr != nil {
				return nil, false, getErr
			}
			return nil, false, nil
		}
		return nil, false, err
	}
	return c, true, nil
}

func (p *PostgresStore) InsertDriver(ctx context.Context, d *models.Driver) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(id, email, password_hash, company_name, name,
		phone, address, siret, vat_applicable, vat_number, invoice_prefix, invoice_next_number,
		is_active, late_cancellation_count, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		d.ID, d.Email, d.PasswordHash, d.CompanyName, d.Name, d.Phone, d.Address, d.SIRET,
		d.VATApplicable, d.VATNumber, d.InvoicePrefix, d.InvoiceNextNumber,
		d.IsActive, d.LateCancellationCount, d.CreatedAt)
	return err
}

const driverColumns = `id, email, password_hash, company_name, name, phone, address, siret,
	vat_applicable, vat_number, invoice_prefix, invoice_next_number, is_active,
	late_cancellation_count, created_at`

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id))
}

func (p *PostgresStore) GetDriverByEmail(ctx context.Context, email string) (*models.Driver, error) {
	return scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE lower(email)=lower($1)`, email))
}

func (p *PostgresStore) ListDrivers(ctx context.Context) ([]*models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateDriver(ctx context.Context, d *models.Driver) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET company_name=$1, name=$2, phone=$3, address=$4,
		siret=$5, vat_applicable=$6, vat_number=$7, invoice_prefix=$8, invoice_next_number=$9,
		is_active=$10, late_cancellation_count=$11 WHERE id=$12`,
		d.CompanyName, d.Name, d.Phone, d.Address, d.SIRET, d.VATApplicable, d.VATNumber,
		d.InvoicePrefix, d.InvoiceNextNumber, d.IsActive, d.LateCancellationCount, d.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) DeleteDriver(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM drivers WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) InsertClaimToken(ctx context.Context, t *models.ClaimToken) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO claim_tokens(id, course_id, token, expires_at, created_at)
		VALUES($1,$2,$3,$4,$5)`, t.ID, t.CourseID, t.Token, t.ExpiresAt, t.CreatedAt)
	return err
}

func (p *PostgresStore) GetClaimToken(ctx context.Context, token string) (*models.ClaimToken, error) {
	t := &models.ClaimToken{}
	err := p.db.QueryRowContext(ctx, `SELECT id, course_id, token, expires_at, created_at
		FROM claim_tokens WHERE token=$1`, token).
		Scan(&t.ID, &t.CourseID, &t.Token, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) ClaimTokensByCourse(ctx context.Context, courseID string) ([]*models.ClaimToken, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, course_id, token, expires_at, created_at
		FROM claim_tokens WHERE course_id=$1 ORDER BY created_at DESC`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ClaimToken
	for rows.Next() {
		t := &models.ClaimToken{}
		if err := rows.Scan(&t.ID, &t.CourseID, &t.Token, &t.ExpiresAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ExpireClaimTokens(ctx context.Context, courseID string, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE claim_tokens SET expires_at=$1
		WHERE course_id=$2 AND expires_at > $1`, now, courseID)
	return err
}

const paymentColumns = `id, course_id, driver_id, provider, provider_payment_id, session_id,
	amount, currency, status, created_at, paid_at`

func (p *PostgresStore) InsertPayment(ctx context.Context, pm *models.CommissionPayment) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO commission_payments(`+paymentColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		pm.ID, pm.CourseID, pm.DriverID, pm.Provider, pm.ProviderPaymentID, pm.SessionID,
		pm.Amount, pm.Currency, string(pm.Status), pm.CreatedAt, nullTime(pm.PaidAt))
	return err
}

func (p *PostgresStore) GetPaymentBySession(ctx context.Context, sessionID string) (*models.CommissionPayment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+`
		FROM commission_payments WHERE session_id=$1`, sessionID))
}

func (p *PostgresStore) PaymentsByCourse(ctx context.Context, courseID string) ([]*models.CommissionPayment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+paymentColumns+`
		FROM commission_payments WHERE course_id=$1 ORDER BY created_at DESC`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayments(rows)
}

func (p *PostgresStore) MarkPaymentPaid(ctx context.Context, sessionID, providerPaymentID string, paidAt time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE commission_payments
		SET status=$1, provider_payment_id=$2, paid_at=$3
		WHERE session_id=$4 AND status <> $1`,
		string(models.PaymentPaid), providerPaymentID, paidAt, sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) MarkPaymentStatus(ctx context.Context, sessionID string, status models.PaymentStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE commission_payments SET status=$1 WHERE session_id=$2`,
		string(status), sessionID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) PaymentsByStatus(ctx context.Context, status models.PaymentStatus) ([]*models.CommissionPayment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+paymentColumns+`
		FROM commission_payments WHERE status=$1 ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayments(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCourse(row rowScanner) (*models.Course, error) {
	c := &models.Course{}
	var status string
	var reservedBy, assignedTo sql.NullString
	var reservedUntil, assignedAt, paidAt sql.NullTime
	err := row.Scan(&c.ID, &c.ClientName, &c.ClientEmail, &c.ClientPhone, &c.PickupAddress,
		&c.DropoffAddress, &c.Date, &c.Time, &c.DistanceKm, &c.PriceTotal, &c.Notes, &status,
		&reservedBy, &reservedUntil, &assignedTo, &assignedAt, &c.CancelReason,
		&c.CommissionRate, &c.CommissionAmount, &c.CommissionPaid, &paidAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = models.CourseStatus(status)
	c.ReservedByDriverID = reservedBy.String
	c.AssignedDriverID = assignedTo.String
	c.ReservedUntil = timePtr(reservedUntil)
	c.AssignedAt = timePtr(assignedAt)
	c.CommissionPaidAt = timePtr(paidAt)
	return c, nil
}

func scanCourses(rows *sql.Rows) ([]*models.Course, error) {
	var out []*models.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanDriver(row rowScanner) (*models.Driver, error) {
	d := &models.Driver{}
	err := row.Scan(&d.ID, &d.Email, &d.PasswordHash, &d.CompanyName, &d.Name, &d.Phone,
		&d.Address, &d.SIRET, &d.VATApplicable, &d.VATNumber, &d.InvoicePrefix,
		&d.InvoiceNextNumber, &d.IsActive, &d.LateCancellationCount, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func scanPayment(row rowScanner) (*models.CommissionPayment, error) {
	p := &models.CommissionPayment{}
	var status string
	var paidAt sql.NullTime
	err := row.Scan(&p.ID, &p.CourseID, &p.DriverID, &p.Provider, &p.ProviderPaymentID,
		&p.SessionID, &p.Amount, &p.Currency, &status, &p.CreatedAt, &paidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = models.PaymentStatus(status)
	p.PaidAt = timePtr(paidAt)
	return p, nil
}

func scanPayments(rows *sql.Rows) ([]*models.CommissionPayment, error) {
	var out []*models.CommissionPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
