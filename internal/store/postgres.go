package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"paywall/internal/models"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

type DBStore struct {
	DB *sql.DB
}

func NewDBStore(db *sql.DB) *DBStore {
	return &DBStore{DB: db}
}

func ConnectDB(driver, dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open(driver, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func RunMigrations(db *sql.DB, migrationsDir string) error {
	if migrationsDir == "" {
		return fmt.Errorf("migrations directory not specified")
	}

	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrationFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)

	for _, fileName := range migrationFiles {
		content, err := os.ReadFile(filepath.Join(migrationsDir, fileName))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", fileName, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", fileName, err)
		}
	}
	return nil
}

func (s *DBStore) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

const chapterColumns = `c.id, c.fiction_id, f.title, c.chapter_number, c.title, c.is_free, c.price, c.published_at`

func scanChapter(row interface{ Scan(...any) error }, chapter *models.Chapter, extra ...any) error {
	var price sql.NullInt64
	var publishedAt sql.NullTime
	dest := []any{
		&chapter.ID, &chapter.FictionID, &chapter.FictionTitle, &chapter.ChapterNumber,
		&chapter.Title, &chapter.IsFree, &price, &publishedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	if price.Valid {
		chapter.Price = &price.Int64
	}
	if publishedAt.Valid {
		chapter.PublishedAt = &publishedAt.Time
	}
	return nil
}

func (s *DBStore) GetChapter(ctx context.Context, chapterID string) (*models.Chapter, error) {
	query := `
        SELECT ` + chapterColumns + `
        FROM chapters c
        JOIN fictions f ON f.id = c.fiction_id
        WHERE c.id = $1`

	chapter := &models.Chapter{}
	if err := scanChapter(s.DB.QueryRowContext(ctx, query, chapterID), chapter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}
	return chapter, nil
}

func (s *DBStore) GetChapterContent(ctx context.Context, chapterID string) (*models.Chapter, error) {
	query := `
        SELECT ` + chapterColumns + `, c.content
        FROM chapters c
        JOIN fictions f ON f.id = c.fiction_id
        WHERE c.id = $1`

	chapter := &models.Chapter{}
	if err := scanChapter(s.DB.QueryRowContext(ctx, query, chapterID), chapter, &chapter.Content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chapter content: %w", err)
	}
	return chapter, nil
}

func (s *DBStore) PutChapter(ctx context.Context, chapter *models.Chapter) error {
	if err := chapter.ValidatePricing(); err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO fictions (id, title)
        VALUES ($1, $2)
        ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title`,
		chapter.FictionID, chapter.FictionTitle)
	if err != nil {
		return fmt.Errorf("failed to upsert fiction: %w", err)
	}

	var price sql.NullInt64
	if chapter.Price != nil {
		price = sql.NullInt64{Int64: *chapter.Price, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO chapters (id, fiction_id, chapter_number, title, content, is_free, price, published_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            fiction_id = EXCLUDED.fiction_id,
            chapter_number = EXCLUDED.chapter_number,
            title = EXCLUDED.title,
            content = EXCLUDED.content,
            is_free = EXCLUDED.is_free,
            price = EXCLUDED.price,
            published_at = EXCLUDED.published_at`,
		chapter.ID, chapter.FictionID, chapter.ChapterNumber, chapter.Title, chapter.Content,
		chapter.IsFree, price, chapter.PublishedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("chapter number %d already used in fiction %s: %w", chapter.ChapterNumber, chapter.FictionID, err)
		}
		return fmt.Errorf("failed to upsert chapter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *DBStore) ApplyDefaultPricing(ctx context.Context, defaultPrice int64) (int64, int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE chapters SET is_free = TRUE, price = NULL WHERE chapter_number = 1`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to free first chapters: %w", err)
	}
	freed, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `UPDATE chapters SET is_free = FALSE, price = $1 WHERE chapter_number <> 1`, defaultPrice)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to price chapters: %w", err)
	}
	priced, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return freed, priced, nil
}

const purchaseColumns = `id, user_id, chapter_id, external_transaction_id, amount, currency, status, created_at, updated_at, purchased_at`

func scanPurchase(row interface{ Scan(...any) error }) (*models.Purchase, error) {
	p := &models.Purchase{}
	var purchasedAt sql.NullTime
	err := row.Scan(
		&p.ID, &p.UserID, &p.ChapterID, &p.ExternalTransactionID, &p.Amount,
		&p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt, &purchasedAt,
	)
	if err != nil {
		return nil, err
	}
	if purchasedAt.Valid {
		p.PurchasedAt = &purchasedAt.Time
	}
	if err := checkPurchaseStatus(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *DBStore) GetPurchase(ctx context.Context, userID, chapterID string) (*models.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM chapter_purchases WHERE user_id = $1 AND chapter_id = $2`

	p, err := scanPurchase(s.DB.QueryRowContext(ctx, query, userID, chapterID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return p, nil
}

func (s *DBStore) GetPurchaseByExternalID(ctx context.Context, externalID string) (*models.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM chapter_purchases WHERE external_transaction_id = $1`

	p, err := scanPurchase(s.DB.QueryRowContext(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get purchase by external id: %w", err)
	}
	return p, nil
}

func (s *DBStore) HasSucceededPurchase(ctx context.Context, userID, chapterID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM chapter_purchases
            WHERE user_id = $1 AND chapter_id = $2 AND status = 'succeeded'
        )`, userID, chapterID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check purchase: %w", err)
	}
	return exists, nil
}

func (s *DBStore) UpsertPendingPurchase(ctx context.Context, purchase *models.Purchase) (bool, error) {
	query := `
        INSERT INTO chapter_purchases (id, user_id, chapter_id, external_transaction_id, amount, currency, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, 'pending', NOW(), NOW())
        ON CONFLICT (user_id, chapter_id)
        DO UPDATE SET
            external_transaction_id = EXCLUDED.external_transaction_id,
            amount = EXCLUDED.amount,
            currency = EXCLUDED.currency,
            status = 'pending',
            purchased_at = NULL,
            updated_at = NOW()
        WHERE chapter_purchases.status <> 'succeeded'
        RETURNING id, created_at, updated_at`

	err := s.DB.QueryRowContext(ctx, query,
		purchase.ID,
		purchase.UserID,
		purchase.ChapterID,
		purchase.ExternalTransactionID,
		purchase.Amount,
		purchase.Currency,
	).Scan(&purchase.ID, &purchase.CreatedAt, &purchase.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if isUniqueViolation(err) {
			return false, fmt.Errorf("%w: %v", ErrPurchaseConflict, err)
		}
		return false, fmt.Errorf("failed to upsert pending purchase: %w", err)
	}
	purchase.Status = models.PurchaseStatusPending
	purchase.PurchasedAt = nil
	return true, nil
}

func (s *DBStore) RecordSucceededPurchase(ctx context.Context, purchase *models.Purchase) (TransitionResult, error) {
	purchasedAt := time.Now().UTC()
	if purchase.PurchasedAt != nil {
		purchasedAt = *purchase.PurchasedAt
	}

	query := `
        INSERT INTO chapter_purchases (id, user_id, chapter_id, external_transaction_id, amount, currency, status, created_at, updated_at, purchased_at)
        VALUES ($1, $2, $3, $4, $5, $6, 'succeeded', NOW(), NOW(), $7)
        ON CONFLICT (user_id, chapter_id)
        DO UPDATE SET
            external_transaction_id = EXCLUDED.external_transaction_id,
            amount = EXCLUDED.amount,
            currency = EXCLUDED.currency,
            status = 'succeeded',
            purchased_at = EXCLUDED.purchased_at,
            updated_at = NOW()
        WHERE chapter_purchases.status <> 'succeeded'
        RETURNING id`

	err := s.DB.QueryRowContext(ctx, query,
		purchase.ID,
		purchase.UserID,
		purchase.ChapterID,
		purchase.ExternalTransactionID,
		purchase.Amount,
		purchase.Currency,
		purchasedAt,
	).Scan(&purchase.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TransitionNoop, nil
		}
		if isUniqueViolation(err) {
			return TransitionNoop, fmt.Errorf("%w: %v", ErrPurchaseConflict, err)
		}
		return TransitionNoop, fmt.Errorf("failed to record succeeded purchase: %w", err)
	}
	purchase.Status = models.PurchaseStatusSucceeded
	purchase.PurchasedAt = &purchasedAt
	return TransitionApplied, nil
}

func (s *DBStore) MarkPurchaseSucceeded(ctx context.Context, externalID string, at time.Time) (TransitionResult, error) {
	res, err := s.DB.ExecContext(ctx, `
        UPDATE chapter_purchases
        SET status = 'succeeded', purchased_at = COALESCE(purchased_at, $2), updated_at = NOW()
        WHERE external_transaction_id = $1 AND status <> 'succeeded'`, externalID, at)
	if err != nil {
		return TransitionNoop, fmt.Errorf("failed to mark purchase succeeded: %w", err)
	}
	return s.transitionResult(ctx, res, externalID)
}

func (s *DBStore) MarkPurchaseFailed(ctx context.Context, externalID string) (TransitionResult, error) {
	res, err := s.DB.ExecContext(ctx, `
        UPDATE chapter_purchases
        SET status = 'failed', updated_at = NOW()
        WHERE external_transaction_id = $1 AND status = 'pending'`, externalID)
	if err != nil {
		return TransitionNoop, fmt.Errorf("failed to mark purchase failed: %w", err)
	}
	return s.transitionResult(ctx, res, externalID)
}

func (s *DBStore) transitionResult(ctx context.Context, res sql.Result, externalID string) (TransitionResult, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return TransitionNoop, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return TransitionApplied, nil
	}

	var exists bool
	err = s.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chapter_purchases WHERE external_transaction_id = $1)`, externalID).Scan(&exists)
	if err != nil {
		return TransitionNoop, fmt.Errorf("failed to check purchase existence: %w", err)
	}
	if !exists {
		return TransitionNotFound, nil
	}
	return TransitionNoop, nil
}

func (s *DBStore) DeletePurchase(ctx context.Context, userID, chapterID string) error {
	_, err := s.DB.ExecContext(ctx, `
        DELETE FROM chapter_purchases
        WHERE user_id = $1 AND chapter_id = $2 AND status <> 'succeeded'`, userID, chapterID)
	if err != nil {
		return fmt.Errorf("failed to delete purchase: %w", err)
	}
	return nil
}

func (s *DBStore) DeletePendingPurchasesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM chapter_purchases WHERE status = 'pending' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending purchases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *DBStore) ListLibrary(ctx context.Context, userID string) ([]models.LibraryEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
        SELECT p.id, p.purchased_at, p.amount, p.currency,
               c.id, c.chapter_number, c.title, f.id, f.title
        FROM chapter_purchases p
        JOIN chapters c ON c.id = p.chapter_id
        JOIN fictions f ON f.id = c.fiction_id
        WHERE p.user_id = $1 AND p.status = 'succeeded'
        ORDER BY p.purchased_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list library: %w", err)
	}
	defer rows.Close()

	entries := []models.LibraryEntry{}
	for rows.Next() {
		var e models.LibraryEntry
		if err := rows.Scan(
			&e.PurchaseID, &e.PurchasedAt, &e.Amount, &e.Currency,
			&e.ChapterID, &e.ChapterNumber, &e.ChapterTitle, &e.FictionID, &e.FictionTitle,
		); err != nil {
			return nil, fmt.Errorf("failed to scan library entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate library: %w", err)
	}
	return entries, nil
}
