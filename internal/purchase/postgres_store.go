package purchase

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists purchases in PostgreSQL. The guarded mutations run
// as single transactions spanning the purchases, contents and
// creator_accounts tables, which is what makes completion, refund reversal
// and earnings release exactly-once under concurrent callers.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed purchase store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const purchaseColumns = `id, content_id, creator_id, session_id,
		       amount_cents, currency, basis_kind, basis_cents,
		       gateway_intent_id, transaction_id,
		       status, completed_at, completed_by, completion_key, recovered_from_webhook,
		       earnings_cents, earnings_released,
		       access_token, trusted_fingerprints, access_window_started_at,
		       access_expires_at, first_access_ip, access_count,
		       refunded_cents, refunded_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pu *Purchase) error {
	fps, _ := json.Marshal(pu.TrustedFingerprints)
	if pu.TrustedFingerprints == nil {
		fps = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO purchases (
			id, content_id, creator_id, session_id,
			amount_cents, currency, basis_kind, basis_cents,
			gateway_intent_id, transaction_id,
			status, completed_at, completed_by, completion_key, recovered_from_webhook,
			earnings_cents, earnings_released,
			access_token, trusted_fingerprints, access_window_started_at,
			access_expires_at, first_access_ip, access_count,
			refunded_cents, refunded_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10,
			$11, $12, $13, $14, $15,
			$16, $17,
			$18, $19, $20,
			$21, $22, $23,
			$24, $25, $26, $27
		)`,
		pu.ID, pu.ContentID, pu.CreatorID, pu.SessionID,
		pu.AmountCents, pu.Currency, string(pu.Basis.Kind), pu.Basis.Cents,
		pu.GatewayIntentID, nullString(pu.TransactionID),
		string(pu.Status), nullTime(pu.CompletedAt), nullString(string(pu.CompletedBy)), nullString(pu.CompletionKey), pu.RecoveredFromWebhook,
		pu.EarningsCents, pu.EarningsReleased,
		pu.AccessToken, fps, nullTime(pu.AccessWindowStartedAt),
		nullTime(pu.AccessExpiresAt), nullString(pu.FirstAccessIP), pu.AccessCount,
		pu.RefundedCents, nullTime(pu.RefundedAt), pu.CreatedAt, pu.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Purchase, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id)
	return scanPurchaseRow(row)
}

func (p *PostgresStore) GetByIntentID(ctx context.Context, intentID string) (*Purchase, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE gateway_intent_id = $1`, intentID)
	return scanPurchaseRow(row)
}

func (p *PostgresStore) GetByAccessToken(ctx context.Context, token string) (*Purchase, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE access_token = $1`, token)
	return scanPurchaseRow(row)
}

func (p *PostgresStore) FindSettled(ctx context.Context, contentID, sessionID string) (*Purchase, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE content_id = $1 AND session_id = $2
		  AND status IN ('completed', 'partially_refunded', 'refunded')
		ORDER BY created_at DESC
		LIMIT 1`, contentID, sessionID)
	return scanPurchaseRow(row)
}

// CreateRecovered relies on the unique index on gateway_intent_id: a
// concurrent recovery or a late original insert makes the INSERT a no-op,
// and the surviving row is read back.
func (p *PostgresStore) CreateRecovered(ctx context.Context, pu *Purchase) (*Purchase, error) {
	fps, _ := json.Marshal(pu.TrustedFingerprints)
	if pu.TrustedFingerprints == nil {
		fps = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO purchases (
			id, content_id, creator_id, session_id,
			amount_cents, currency, basis_kind, basis_cents,
			gateway_intent_id, status, recovered_from_webhook,
			access_token, trusted_fingerprints,
			refunded_cents, access_count, earnings_cents, earnings_released,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, TRUE,
			$11, $12,
			0, 0, 0, FALSE,
			$13, $14
		)
		ON CONFLICT (gateway_intent_id) DO NOTHING`,
		pu.ID, pu.ContentID, pu.CreatorID, pu.SessionID,
		pu.AmountCents, pu.Currency, string(pu.Basis.Kind), pu.Basis.Cents,
		pu.GatewayIntentID, string(StatusPending),
		pu.AccessToken, fps,
		pu.CreatedAt, pu.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p.GetByIntentID(ctx, pu.GatewayIntentID)
}

// Complete is the exactly-once completion. The status guard on the UPDATE is
// the race arbiter: of two concurrent callers only one gets RowsAffected=1;
// the loser reads the settled row back and reports applied=false.
func (p *PostgresStore) Complete(ctx context.Context, id string, rec CompletionRecord) (*Purchase, bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE purchases SET
			status = 'completed',
			completed_at = $2,
			completed_by = $3,
			completion_key = $4,
			transaction_id = $5,
			earnings_cents = $6,
			updated_at = $2
		WHERE id = $1 AND status = 'pending'`,
		id, rec.Now, string(rec.Trigger), rec.CompletionKey, rec.TransactionID, rec.EarningsCents,
	)
	if err != nil {
		return nil, false, fmt.Errorf("complete purchase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		// Lost the race, or the purchase is failed. Read back outside
		// the transaction to report what actually happened.
		_ = tx.Rollback()
		existing, gerr := p.Get(ctx, id)
		if gerr != nil {
			return nil, false, gerr
		}
		if !existing.Status.Settled() {
			return nil, false, ErrInvalidTransition
		}
		return existing, false, nil
	}

	pu, err := scanPurchaseRow(tx.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
	if err != nil {
		return nil, false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE contents SET
			purchase_count = purchase_count + 1,
			revenue_cents  = revenue_cents + $2,
			updated_at     = NOW()
		WHERE id = $1`, pu.ContentID, pu.AmountCents)
	if err != nil {
		return nil, false, fmt.Errorf("apply content purchase stats: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO creator_accounts (creator_id, total_earnings_cents, pending_cents, available_cents, total_purchases, updated_at)
		VALUES ($1, $2, $2, 0, 1, NOW())
		ON CONFLICT (creator_id) DO UPDATE SET
			total_earnings_cents = creator_accounts.total_earnings_cents + $2,
			pending_cents        = creator_accounts.pending_cents + $2,
			total_purchases      = creator_accounts.total_purchases + 1,
			updated_at           = NOW()`, pu.CreatorID, pu.EarningsCents)
	if err != nil {
		return nil, false, fmt.Errorf("credit creator account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return pu, true, nil
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id string, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE purchases SET status = 'failed', updated_at = $2
		WHERE id = $1 AND status = 'pending'`, id, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Settled or already failed. Either way there is nothing to do.
		return nil
	}
	return nil
}

// StartAccessWindow sets the window exactly once. The IS NULL guard means
// concurrent first accesses from different trusted devices converge on a
// single expiry; everyone reads the row back afterwards.
func (p *PostgresStore) StartAccessWindow(ctx context.Context, id, clientIP string, window time.Duration, now time.Time) (*Purchase, error) {
	_, err := p.db.ExecContext(ctx, `
		UPDATE purchases SET
			access_window_started_at = $2,
			access_expires_at = $3,
			first_access_ip = $4,
			updated_at = $2
		WHERE id = $1 AND access_window_started_at IS NULL`,
		id, now, now.Add(window), nullString(clientIP),
	)
	if err != nil {
		return nil, fmt.Errorf("start access window: %w", err)
	}
	return p.Get(ctx, id)
}

func (p *PostgresStore) RecordAccess(ctx context.Context, id string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var contentID string
	err = tx.QueryRowContext(ctx, `
		UPDATE purchases SET access_count = access_count + 1
		WHERE id = $1
		RETURNING content_id`, id).Scan(&contentID)
	if err == sql.ErrNoRows {
		return ErrPurchaseNotFound
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE contents SET view_count = view_count + 1, updated_at = NOW()
		WHERE id = $1`, contentID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) AddDeviceCode(ctx context.Context, id string, code DeviceCode) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO purchase_device_codes (purchase_id, code, fingerprint, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, code.Code, code.Fingerprint, code.CreatedAt, code.ExpiresAt,
	)
	return err
}

// ConsumeDeviceCode validates and redeems in one transaction: the matching
// live code admits the fingerprint, and every code issued for that
// fingerprint is deleted so none can be replayed. The device cap is part of
// the guarded UPDATE, so racing verifications of different fingerprints
// cannot push the trusted set past maxDevices.
func (p *PostgresStore) ConsumeDeviceCode(ctx context.Context, id, fingerprint, code string, maxDevices int, now time.Time) (*Purchase, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var matched int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM purchase_device_codes
		WHERE purchase_id = $1 AND fingerprint = $2 AND code = $3 AND expires_at > $4`,
		id, fingerprint, code, now).Scan(&matched)
	if err != nil {
		return nil, err
	}
	if matched == 0 {
		return nil, ErrInvalidOrExpiredCode
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM purchase_device_codes
		WHERE purchase_id = $1 AND fingerprint = $2`, id, fingerprint)
	if err != nil {
		return nil, err
	}

	// Append the fingerprint unless a concurrent verify already added it.
	// The cap rides on the same guarded UPDATE; if neither condition
	// holds we have to tell a benign duplicate apart from a full set.
	res, err := tx.ExecContext(ctx, `
		UPDATE purchases SET
			trusted_fingerprints = trusted_fingerprints || to_jsonb($2::TEXT),
			updated_at = $3
		WHERE id = $1
		  AND NOT trusted_fingerprints ? $2
		  AND jsonb_array_length(trusted_fingerprints) < $4`,
		id, fingerprint, now, maxDevices)
	if err != nil {
		return nil, fmt.Errorf("trust fingerprint: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		var trusted bool
		err = tx.QueryRowContext(ctx, `
			SELECT trusted_fingerprints ? $2 FROM purchases WHERE id = $1`,
			id, fingerprint).Scan(&trusted)
		if err != nil {
			return nil, err
		}
		if !trusted {
			return nil, ErrDeviceLimitReached
		}
	}

	pu, err := scanPurchaseRow(tx.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return pu, nil
}

// ApplyRefund locks the purchase row, classifies the report against the
// locked state, and applies the status change plus any one-time reversal in
// the same transaction.
func (p *PostgresStore) ApplyRefund(ctx context.Context, intentID string, rep RefundReport) (*RefundOutcome, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	pu, err := scanPurchaseRow(tx.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE gateway_intent_id = $1 FOR UPDATE`, intentID))
	if err != nil {
		return nil, err
	}

	plan, err := planRefund(pu, rep)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return &RefundOutcome{Purchase: pu, Applied: false}, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE purchases SET
			status = $2,
			refunded_cents = $3,
			refunded_at = COALESCE(refunded_at, $4),
			updated_at = $4
		WHERE id = $1`,
		pu.ID, string(plan.Status), plan.TotalCents, rep.Now,
	)
	if err != nil {
		return nil, fmt.Errorf("apply refund: %w", err)
	}

	if plan.Reverse {
		_, err = tx.ExecContext(ctx, `
			UPDATE contents SET
				purchase_count = GREATEST(purchase_count - 1, 0),
				revenue_cents  = revenue_cents - $2,
				updated_at     = NOW()
			WHERE id = $1`, pu.ContentID, pu.AmountCents)
		if err != nil {
			return nil, fmt.Errorf("reverse content purchase stats: %w", err)
		}

		bucket := "pending_cents"
		if plan.ReversedFromAvailable {
			bucket = "available_cents"
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE creator_accounts SET
				total_earnings_cents = total_earnings_cents - $2,
				`+bucket+` = `+bucket+` - $2,
				total_purchases = GREATEST(total_purchases - 1, 0),
				updated_at = NOW()
			WHERE creator_id = $1`, pu.CreatorID, pu.EarningsCents)
		if err != nil {
			return nil, fmt.Errorf("reverse creator earnings: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	pu.Status = plan.Status
	pu.RefundedCents = plan.TotalCents
	if pu.RefundedAt == nil {
		now := rep.Now
		pu.RefundedAt = &now
	}
	return &RefundOutcome{
		Purchase: pu,
		Applied:  true,
		Full:     plan.Full,
		Reversed: plan.Reverse,
	}, nil
}

func (p *PostgresStore) ListReleasable(ctx context.Context, completedBefore time.Time, limit int) ([]*Purchase, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE earnings_released = FALSE
		  AND status IN ('completed', 'partially_refunded')
		  AND completed_at < $1
		ORDER BY completed_at
		LIMIT $2`, completedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPurchases(rows)
}

// MarkReleased flips the hold flag and moves the earnings between balance
// buckets in one transaction. The flag guard keeps the move exactly-once
// against concurrent release passes and refund reversals.
func (p *PostgresStore) MarkReleased(ctx context.Context, id string) (bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var creatorID string
	var earnings int64
	err = tx.QueryRowContext(ctx, `
		UPDATE purchases SET earnings_released = TRUE, updated_at = NOW()
		WHERE id = $1
		  AND earnings_released = FALSE
		  AND status IN ('completed', 'partially_refunded')
		RETURNING creator_id, earnings_cents`, id).Scan(&creatorID, &earnings)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE creator_accounts SET
			pending_cents   = pending_cents - $2,
			available_cents = available_cents + $2,
			updated_at      = NOW()
		WHERE creator_id = $1`, creatorID, earnings)
	if err != nil {
		return false, fmt.Errorf("release creator earnings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPurchaseRow(s scanner) (*Purchase, error) {
	pu, err := scanPurchase(s)
	if err == sql.ErrNoRows {
		return nil, ErrPurchaseNotFound
	}
	return pu, err
}

func scanPurchase(s scanner) (*Purchase, error) {
	pu := &Purchase{}
	var (
		transactionID sql.NullString
		status        string
		basisKind     string
		completedAt   sql.NullTime
		completedBy   sql.NullString
		completionKey sql.NullString
		fpsJSON       []byte
		windowStarted sql.NullTime
		windowExpires sql.NullTime
		firstIP       sql.NullString
		refundedAt    sql.NullTime
	)

	err := s.Scan(
		&pu.ID, &pu.ContentID, &pu.CreatorID, &pu.SessionID,
		&pu.AmountCents, &pu.Currency, &basisKind, &pu.Basis.Cents,
		&pu.GatewayIntentID, &transactionID,
		&status, &completedAt, &completedBy, &completionKey, &pu.RecoveredFromWebhook,
		&pu.EarningsCents, &pu.EarningsReleased,
		&pu.AccessToken, &fpsJSON, &windowStarted,
		&windowExpires, &firstIP, &pu.AccessCount,
		&pu.RefundedCents, &refundedAt, &pu.CreatedAt, &pu.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pu.Status = Status(status)
	pu.Basis.Kind = BasisKind(basisKind)
	pu.TransactionID = transactionID.String
	pu.CompletedBy = Trigger(completedBy.String)
	pu.CompletionKey = completionKey.String
	pu.FirstAccessIP = firstIP.String
	if completedAt.Valid {
		pu.CompletedAt = &completedAt.Time
	}
	if windowStarted.Valid {
		pu.AccessWindowStartedAt = &windowStarted.Time
	}
	if windowExpires.Valid {
		pu.AccessExpiresAt = &windowExpires.Time
	}
	if refundedAt.Valid {
		pu.RefundedAt = &refundedAt.Time
	}
	if len(fpsJSON) > 0 {
		_ = json.Unmarshal(fpsJSON, &pu.TrustedFingerprints)
	}
	return pu, nil
}

func scanPurchases(rows *sql.Rows) ([]*Purchase, error) {
	var result []*Purchase
	for rows.Next() {
		pu, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pu)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
