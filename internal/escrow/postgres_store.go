package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/pactum-labs/pactum/internal/pagination"
)

// PostgresStore persists campaigns and applications in PostgreSQL. Guarded
// updates compile to a single UPDATE ... WHERE statement and report whether a
// row matched.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const campaignColumns = `id, funder_id, asset_type, requirements, budget_min, budget_max,
		       start_date, end_date, currency, status, payment_status,
		       selected_application_id, selected_party_id, selected_at,
		       total_amount, platform_fee, payee_amount,
		       authorization_id, refund_id, transfer_id,
		       captured_at, refunded_at, paid_out_at, created_at, updated_at`

const applicationColumns = `id, campaign_id, party_id, proposed_price, message, status,
		       proof_url, proof_notes, proof_submitted_at, proof_due_at, review_due_at,
		       approved_at, rejected_reason, created_at, updated_at`

func (p *PostgresStore) CreateCampaign(ctx context.Context, c *Campaign) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO campaigns (
			id, funder_id, asset_type, requirements, budget_min, budget_max,
			start_date, end_date, currency, status, payment_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.FunderID, string(c.AssetType), c.Requirements, nullInt64(c.BudgetMin), nullInt64(c.BudgetMax),
		c.StartDate, c.EndDate, c.Currency, string(c.Status), string(c.PaymentStatus), c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return conflictf("campaign %s already exists", c.ID)
	}
	return err
}

func (p *PostgresStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCampaignNotFound
	}
	return c, err
}

func (p *PostgresStore) GetCampaignByAuthorization(ctx context.Context, authorizationID string) (*Campaign, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE authorization_id = $1`, authorizationID)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCampaignNotFound
	}
	return c, err
}

func (p *PostgresStore) ListCampaigns(ctx context.Context, filter CampaignFilter) ([]*Campaign, error) {
	cursor, err := pagination.Decode(filter.Cursor)
	if err != nil {
		return nil, invalid("cursor", err.Error())
	}
	limit := pagination.ClampLimit(filter.Limit)

	q := &sqlBuilder{}
	if filter.FunderID != "" {
		q.where("funder_id = %s", filter.FunderID)
	}
	if filter.PartyID != "" {
		q.where("selected_party_id = %s", filter.PartyID)
	}
	if filter.Status != "" {
		q.where("status = %s", string(filter.Status))
	}
	if cursor != nil {
		q.where2("(created_at, id) < (%s, %s)", cursor.CreatedAt, cursor.ID)
	}
	query := `SELECT ` + campaignColumns + ` FROM campaigns` + q.whereClause() +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %s`, q.arg(limit+1))

	rows, err := p.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanCampaigns(rows)
}

func (p *PostgresStore) UpdateCampaign(ctx context.Context, id string, cond CampaignCondition, patch CampaignPatch) (bool, error) {
	if err := checkCampaignUpdate(cond, patch); err != nil {
		return false, err
	}

	q := &sqlBuilder{}
	if patch.Status != nil {
		q.set("status = %s", string(*patch.Status))
	}
	if patch.PaymentStatus != nil {
		q.set("payment_status = %s", string(*patch.PaymentStatus))
	}
	if patch.ClearSelection {
		q.sets = append(q.sets,
			"selected_application_id = NULL", "selected_party_id = NULL", "selected_at = NULL",
			"total_amount = NULL", "platform_fee = NULL", "payee_amount = NULL")
	}
	if s := patch.Selection; s != nil {
		q.set("selected_application_id = %s", s.ApplicationID)
		q.set("selected_party_id = %s", s.PartyID)
		q.set("selected_at = %s", s.At)
		q.set("total_amount = %s", s.Financials.TotalAmount)
		q.set("platform_fee = %s", s.Financials.PlatformFee)
		q.set("payee_amount = %s", s.Financials.PayeeAmount)
		q.wheres = append(q.wheres, "selected_application_id IS NULL")
	}
	setOnceColumn(q, "authorization_id", patch.AuthorizationID)
	setOnceColumn(q, "refund_id", patch.RefundID)
	setOnceColumn(q, "transfer_id", patch.TransferID)
	if patch.CapturedAt != nil {
		q.set("captured_at = COALESCE(captured_at, %s)", *patch.CapturedAt)
	}
	if patch.RefundedAt != nil {
		q.set("refunded_at = COALESCE(refunded_at, %s)", *patch.RefundedAt)
	}
	if patch.PaidOutAt != nil {
		q.set("paid_out_at = COALESCE(paid_out_at, %s)", *patch.PaidOutAt)
	}
	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	q.set("updated_at = %s", updatedAt)

	q.where("id = %s", id)
	if len(cond.Status) > 0 {
		q.where("status = ANY(%s)", pq.Array(toStrings(cond.Status)))
	}
	if len(cond.PaymentStatus) > 0 {
		q.where("payment_status = ANY(%s)", pq.Array(toStrings(cond.PaymentStatus)))
	}
	if cond.SelectedApplicationID != "" {
		q.where("selected_application_id = %s", cond.SelectedApplicationID)
	}

	applied, err := q.exec(ctx, p.db, "campaigns")
	if err != nil || applied {
		return applied, err
	}
	return false, p.mustExist(ctx, "campaigns", id, ErrCampaignNotFound)
}

func (p *PostgresStore) ListBookings(ctx context.Context, partyID string) ([]*Campaign, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE selected_party_id = $1 AND status = ANY($2)
		ORDER BY id`,
		partyID, pq.Array(toStrings(BookingStatuses)),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanCampaigns(rows)
}

func (p *PostgresStore) ListCampaignsDue(ctx context.Context, status CampaignStatus, field DeadlineField, before time.Time, after string, limit int) ([]*Campaign, error) {
	if field != DeadlineStart && field != DeadlineEnd {
		return nil, invalid("field", "unsupported campaign deadline "+string(field))
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE status = $1 AND `+string(field)+` <= $2 AND id > $3
		ORDER BY id LIMIT $4`,
		string(status), before, after, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanCampaigns(rows)
}

func (p *PostgresStore) ListStranded(ctx context.Context, after string, limit int) ([]*Campaign, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+prefixed("c.", campaignColumns)+` FROM campaigns c
		LEFT JOIN applications a ON a.id = c.selected_application_id
		WHERE c.id > $2
		  AND ((c.status = 'cancelled' AND c.authorization_id IS NOT NULL AND c.payment_status = ANY($1))
		    OR (c.status = 'active' AND a.status IN ('failed_proof', 'disputed')))
		ORDER BY c.id LIMIT $3`,
		pq.Array(toStrings(LivePayments)), after, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanCampaigns(rows)
}

func (p *PostgresStore) CreateApplication(ctx context.Context, a *Application) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO applications (
			id, campaign_id, party_id, proposed_price, message, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.CampaignID, a.PartyID, a.ProposedPrice, nullString(a.Message), string(a.Status),
		a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return conflictf("party has already applied to this campaign")
	}
	return err
}

func (p *PostgresStore) GetApplication(ctx context.Context, id string) (*Application, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	a, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApplicationNotFound
	}
	return a, err
}

func (p *PostgresStore) ListApplications(ctx context.Context, filter ApplicationFilter) ([]*Application, error) {
	q := &sqlBuilder{}
	if filter.CampaignID != "" {
		q.where("campaign_id = %s", filter.CampaignID)
	}
	if filter.PartyID != "" {
		q.where("party_id = %s", filter.PartyID)
	}
	if filter.Status != "" {
		q.where("status = %s", string(filter.Status))
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+applicationColumns+` FROM applications`+q.whereClause()+` ORDER BY created_at, id`,
		q.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanApplications(rows)
}

func (p *PostgresStore) UpdateApplication(ctx context.Context, id string, cond ApplicationCondition, patch ApplicationPatch) (bool, error) {
	if err := checkApplicationUpdate(cond, patch); err != nil {
		return false, err
	}

	q := &sqlBuilder{}
	if patch.Status != nil {
		q.set("status = %s", string(*patch.Status))
	}
	if patch.ProposedPrice != nil {
		q.set("proposed_price = %s", *patch.ProposedPrice)
	}
	if patch.Message != nil {
		q.set("message = %s", *patch.Message)
	}
	if patch.ProofURL != nil {
		q.set("proof_url = %s", *patch.ProofURL)
	}
	if patch.ProofNotes != nil {
		q.set("proof_notes = %s", *patch.ProofNotes)
	}
	if patch.ProofSubmittedAt != nil {
		q.set("proof_submitted_at = %s", *patch.ProofSubmittedAt)
	}
	if patch.ProofDueAt != nil {
		q.set("proof_due_at = %s", *patch.ProofDueAt)
	}
	if patch.ReviewDueAt != nil {
		q.set("review_due_at = %s", *patch.ReviewDueAt)
	}
	if patch.ApprovedAt != nil {
		q.set("approved_at = %s", *patch.ApprovedAt)
	}
	if patch.RejectedReason != nil {
		q.set("rejected_reason = %s", *patch.RejectedReason)
	}
	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	q.set("updated_at = %s", updatedAt)

	q.where("id = %s", id)
	if len(cond.Status) > 0 {
		q.where("status = ANY(%s)", pq.Array(toStrings(cond.Status)))
	}

	applied, err := q.exec(ctx, p.db, "applications")
	if err != nil || applied {
		return applied, err
	}
	return false, p.mustExist(ctx, "applications", id, ErrApplicationNotFound)
}

func (p *PostgresStore) RejectSiblings(ctx context.Context, campaignID, keepID string, at time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE applications SET status = 'rejected', updated_at = $3
		WHERE campaign_id = $1 AND id <> $2 AND status = 'applied'`,
		campaignID, keepID, at,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) ListApplicationsDue(ctx context.Context, status ApplicationStatus, field DeadlineField, before time.Time, after string, limit int) ([]*Application, error) {
	if field != DeadlineProof && field != DeadlineReview {
		return nil, invalid("field", "unsupported application deadline "+string(field))
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+applicationColumns+` FROM applications
		WHERE status = $1 AND `+string(field)+` IS NOT NULL AND `+string(field)+` <= $2 AND id > $3
		ORDER BY id LIMIT $4`,
		string(status), before, after, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanApplications(rows)
}

func (p *PostgresStore) SetPayoutAccount(ctx context.Context, partyID, accountID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payout_accounts (party_id, account_id, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (party_id) DO UPDATE SET account_id = EXCLUDED.account_id, updated_at = NOW()`,
		partyID, accountID,
	)
	return err
}

func (p *PostgresStore) GetPayoutAccount(ctx context.Context, partyID string) (string, error) {
	var acct string
	err := p.db.QueryRowContext(ctx, `SELECT account_id FROM payout_accounts WHERE party_id = $1`, partyID).Scan(&acct)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && acct == "") {
		return "", ErrNoPayoutAccount
	}
	return acct, err
}

func (p *PostgresStore) mustExist(ctx context.Context, table, id string, notFound error) error {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	return err
}

// sqlBuilder accumulates SET and WHERE fragments with numbered placeholders.
type sqlBuilder struct {
	sets   []string
	wheres []string
	args   []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *sqlBuilder) set(format string, v any) {
	b.sets = append(b.sets, fmt.Sprintf(format, b.arg(v)))
}

func (b *sqlBuilder) where(format string, v any) {
	b.wheres = append(b.wheres, fmt.Sprintf(format, b.arg(v)))
}

func (b *sqlBuilder) where2(format string, v1, v2 any) {
	b.wheres = append(b.wheres, fmt.Sprintf(format, b.arg(v1), b.arg(v2)))
}

func (b *sqlBuilder) whereClause() string {
	if len(b.wheres) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.wheres, " AND ")
}

func (b *sqlBuilder) exec(ctx context.Context, db *sql.DB, table string) (bool, error) {
	query := `UPDATE ` + table + ` SET ` + strings.Join(b.sets, ", ") + b.whereClause()
	res, err := db.ExecContext(ctx, query, b.args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func setOnceColumn(q *sqlBuilder, column, value string) {
	if value == "" {
		return
	}
	q.set(column+" = %s", value)
	q.where("("+column+" IS NULL OR "+column+" = %s)", value)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(sc scanner) (*Campaign, error) {
	c := &Campaign{}
	var (
		assetType, status, paymentStatus             string
		budgetMin, budgetMax                         sql.NullInt64
		selectedAppID, selectedPartyID               sql.NullString
		selectedAt, capturedAt, refundedAt, paidOut  sql.NullTime
		total, fee, payee                            sql.NullInt64
		authorizationID, refundID, transferID        sql.NullString
	)
	err := sc.Scan(
		&c.ID, &c.FunderID, &assetType, &c.Requirements, &budgetMin, &budgetMax,
		&c.StartDate, &c.EndDate, &c.Currency, &status, &paymentStatus,
		&selectedAppID, &selectedPartyID, &selectedAt,
		&total, &fee, &payee,
		&authorizationID, &refundID, &transferID,
		&capturedAt, &refundedAt, &paidOut, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.AssetType = AssetType(assetType)
	c.Status = CampaignStatus(status)
	c.PaymentStatus = PaymentStatus(paymentStatus)
	c.BudgetMin = int64Ptr(budgetMin)
	c.BudgetMax = int64Ptr(budgetMax)
	c.SelectedApplicationID = selectedAppID.String
	c.SelectedPartyID = selectedPartyID.String
	c.SelectedAt = timePtr(selectedAt)
	if total.Valid {
		c.Financials = &Financials{TotalAmount: total.Int64, PlatformFee: fee.Int64, PayeeAmount: payee.Int64}
	}
	c.AuthorizationID = authorizationID.String
	c.RefundID = refundID.String
	c.TransferID = transferID.String
	c.CapturedAt = timePtr(capturedAt)
	c.RefundedAt = timePtr(refundedAt)
	c.PaidOutAt = timePtr(paidOut)
	return c, nil
}

func scanCampaigns(rows *sql.Rows) ([]*Campaign, error) {
	var result []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func scanApplication(sc scanner) (*Application, error) {
	a := &Application{}
	var (
		status                                              string
		message, proofURL, proofNotes, rejectedReason       sql.NullString
		proofSubmittedAt, proofDueAt, reviewDueAt, approved sql.NullTime
	)
	err := sc.Scan(
		&a.ID, &a.CampaignID, &a.PartyID, &a.ProposedPrice, &message, &status,
		&proofURL, &proofNotes, &proofSubmittedAt, &proofDueAt, &reviewDueAt,
		&approved, &rejectedReason, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = ApplicationStatus(status)
	a.Message = message.String
	a.ProofURL = proofURL.String
	a.ProofNotes = proofNotes.String
	a.RejectedReason = rejectedReason.String
	a.ProofSubmittedAt = timePtr(proofSubmittedAt)
	a.ProofDueAt = timePtr(proofDueAt)
	a.ReviewDueAt = timePtr(reviewDueAt)
	a.ApprovedAt = timePtr(approved)
	return a, nil
}

func scanApplications(rows *sql.Rows) ([]*Application, error) {
	var result []*Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func toStrings[S ~string](vs []S) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

var _ Store = (*PostgresStore)(nil)
