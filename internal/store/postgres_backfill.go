/**
 * @description
 * This file implements the identity backfill and the ledger audit.
 *
 * The backfill assigns account identifiers to pre-migration student rows and
 * propagates them onto every dependent financial table, joined through the
 * legacy user_id key. The whole run is one transaction: it either completes
 * and passes verification, or nothing is written. A dry run executes the same
 * statements and rolls back, so the reported counts are exact.
 *
 * The audit is read-only. It counts dependent rows whose account identifier
 * matches no student (orphans are reported, never auto-corrected), rows still
 * missing an identifier, and students whose cached balance disagrees with
 * their ledger.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: Transaction control and row scanning.
 * - internal/identifier: Account identifier formatting for newly assigned ids.
 */

package store

import (
	"context"
	"fmt"
	"log"

	"github.com/campuspay/ledger-service/internal/domain"
	"github.com/campuspay/ledger-service/internal/identifier"
)

// backfillTargets are the dependent tables that carry a denormalized
// account_id, in propagation order.
var backfillTargets = []string{"payment_terms", "assessments", "transactions", "payments"}

// RunBackfill assigns missing account identifiers and propagates them to all
// dependent tables. Safe to re-run: rows that already carry an identifier are
// never touched, so a second invocation reports zero affected rows.
func (r *PostgresRepository) RunBackfill(ctx context.Context, dryRun bool) (*domain.BackfillReport, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin backfill tx: %w", err)
	}
	defer tx.Rollback(ctx)

	report := &domain.BackfillReport{DryRun: dryRun}

	// Step 1: assign identifiers to students that predate the identifier
	// scheme. Rows are locked and processed in a stable order so concurrent
	// runs serialize instead of double-assigning.
	rows, err := tx.Query(ctx, `
		SELECT id FROM students
		WHERE account_id IS NULL
		ORDER BY created_at, id
		FOR UPDATE
	`)
	if err != nil {
		return nil, translateErr(err)
	}
	var pending []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		pending = append(pending, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(pending) > 0 {
		now := r.now()
		next, err := r.nextAccountID(ctx, tx, now)
		if err != nil {
			return nil, translateErr(err)
		}
		for _, studentID := range pending {
			if _, err := tx.Exec(ctx,
				`UPDATE students SET account_id = $2, updated_at = NOW() WHERE id = $1`,
				studentID, next,
			); err != nil {
				return nil, translateErr(err)
			}
			report.Students++
			if next, err = identifier.Next(next); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrGenerationExhausted, err)
			}
		}
	}

	// Steps 2-5: propagate onto dependents through the legacy user_id join.
	counts := map[string]*int64{
		"payment_terms": &report.PaymentTerms,
		"assessments":   &report.Assessments,
		"transactions":  &report.Transactions,
		"payments":      &report.Payments,
	}
	for _, table := range backfillTargets {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`
			UPDATE %s d
			SET account_id = s.account_id
			FROM students s
			WHERE d.user_id = s.user_id AND d.account_id IS NULL
		`, table))
		if err != nil {
			return nil, translateErr(err)
		}
		*counts[table] = tag.RowsAffected()
	}

	// Verification runs against the uncommitted state, so a dry run validates
	// exactly what a real run would have committed.
	if err := r.verifyBackfill(ctx, tx); err != nil {
		return nil, err
	}

	if dryRun {
		log.Printf("level=info component=store msg=\"backfill dry run complete, rolling back\" rows=%d", report.Total())
		return report, tx.Rollback(ctx)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, translateErr(err)
	}
	return report, nil
}

// verifyBackfill fails the run when any row is left without an identifier or
// when a dependent row references a student that does not exist.
func (r *PostgresRepository) verifyBackfill(ctx context.Context, q querier) error {
	var missing int64
	err := q.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM students WHERE account_id IS NULL)
		     + (SELECT COUNT(*) FROM payment_terms WHERE account_id IS NULL)
		     + (SELECT COUNT(*) FROM assessments WHERE account_id IS NULL)
		     + (SELECT COUNT(*) FROM transactions WHERE account_id IS NULL)
		     + (SELECT COUNT(*) FROM payments WHERE account_id IS NULL)
	`).Scan(&missing)
	if err != nil {
		return translateErr(err)
	}
	if missing > 0 {
		return fmt.Errorf("%w: %d rows", ErrBackfillVerification, missing)
	}

	for _, table := range backfillTargets {
		var orphans int64
		err := q.QueryRow(ctx, fmt.Sprintf(`
			SELECT COUNT(*) FROM %s d
			WHERE d.account_id IS NOT NULL
			  AND NOT EXISTS (SELECT 1 FROM students s WHERE s.account_id = d.account_id)
		`, table)).Scan(&orphans)
		if err != nil {
			return translateErr(err)
		}
		if orphans > 0 {
			return fmt.Errorf("%w: %d rows in %s", ErrOrphanedRecords, orphans, table)
		}
	}
	return nil
}

// Audit reports ledger consistency findings without modifying anything.
func (r *PostgresRepository) Audit(ctx context.Context) (*domain.AuditReport, error) {
	report := &domain.AuditReport{}

	orphanCounts := map[string]*int64{
		"payment_terms": &report.OrphanedPaymentTerms,
		"assessments":   &report.OrphanedAssessments,
		"transactions":  &report.OrphanedTransactions,
		"payments":      &report.OrphanedPayments,
	}
	for _, table := range backfillTargets {
		err := r.db.QueryRow(ctx, fmt.Sprintf(`
			SELECT COUNT(*) FROM %s d
			WHERE d.account_id IS NOT NULL
			  AND NOT EXISTS (SELECT 1 FROM students s WHERE s.account_id = d.account_id)
		`, table)).Scan(orphanCounts[table])
		if err != nil {
			return nil, translateErr(err)
		}
	}

	err := r.db.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM students WHERE account_id IS NULL)
		     + (SELECT COUNT(*) FROM payment_terms WHERE account_id IS NULL)
		     + (SELECT COUNT(*) FROM assessments WHERE account_id IS NULL)
		     + (SELECT COUNT(*) FROM transactions WHERE account_id IS NULL)
		     + (SELECT COUNT(*) FROM payments WHERE account_id IS NULL)
	`).Scan(&report.MissingAccountIDRows)
	if err != nil {
		return nil, translateErr(err)
	}

	// A stale balance means the cached column drifted from the derived value.
	err = r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM students s
		WHERE s.balance != COALESCE((
			SELECT SUM(CASE
				WHEN t.kind = 'charge' THEN t.amount
				WHEN t.kind = 'payment' AND t.status = 'paid' THEN -t.amount
				ELSE 0
			END)
			FROM transactions t
			WHERE t.account_id = s.account_id
		), 0)
	`).Scan(&report.StaleBalances)
	if err != nil {
		return nil, translateErr(err)
	}

	return report, nil
}
