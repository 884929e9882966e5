package repository

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
)

type sqlRecorder struct {
	gormlogger.Interface
	mu         sync.Mutex
	statements []string
}

func (r *sqlRecorder) Trace(_ context.Context, _ time.Time, fc func() (string, int64), _ error) {
	sql, _ := fc()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statements = append(r.statements, sql)
}

func (r *sqlRecorder) last(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.statements)
	return r.statements[len(r.statements)-1]
}

func (r *sqlRecorder) find(t *testing.T, prefix string) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, statement := range r.statements {
		if strings.HasPrefix(statement, prefix) {
			return statement
		}
	}
	require.Failf(t, "statement not recorded", "no statement starting with %q in %v", prefix, r.statements)
	return ""
}

// dryRunPool stands in for the postgres connection pool. Dry-run statements
// never reach it, but gorm still opens and commits transactions through it.
type dryRunPool struct {
	mu      sync.Mutex
	begun   int
	commits int
}

var errNoDatabase = errors.New("dry run: no database")

func (p *dryRunPool) PrepareContext(context.Context, string) (*sql.Stmt, error) {
	return nil, errNoDatabase
}

func (p *dryRunPool) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, errNoDatabase
}

func (p *dryRunPool) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, errNoDatabase
}

func (p *dryRunPool) QueryRowContext(context.Context, string, ...interface{}) *sql.Row {
	return nil
}

func (p *dryRunPool) BeginTx(context.Context, *sql.TxOptions) (gorm.ConnPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begun++
	return &dryRunTx{dryRunPool: p}, nil
}

type dryRunTx struct {
	*dryRunPool
}

func (tx *dryRunTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.commits++
	return nil
}

func (tx *dryRunTx) Rollback() error {
	return nil
}

func dryRunDB(t *testing.T) (*gorm.DB, *sqlRecorder) {
	db, recorder, _ := dryRunDBWithPool(t)
	return db, recorder
}

func dryRunDBWithPool(t *testing.T) (*gorm.DB, *sqlRecorder, *dryRunPool) {
	t.Helper()
	recorder := &sqlRecorder{Interface: gormlogger.Discard}
	pool := &dryRunPool{}
	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn: pool,
	}), &gorm.Config{
		DryRun:                 true,
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
		Logger:                 recorder,
	})
	require.NoError(t, err)
	return db, recorder, pool
}

func TestSuppressionUpsert_UsesOnConflictUpdate(t *testing.T) {
	db, recorder := dryRunDB(t)
	repo := NewSuppressionRepository(db)

	err := repo.Upsert(context.Background(), &models.SuppressionEntry{
		Email:  " A@X.com ",
		Reason: enum.SuppressionReasonBounce,
		Source: "mailbox",
	})
	require.NoError(t, err)

	statement := recorder.last(t)
	assert.Contains(t, statement, `INSERT INTO "suppression_list"`)
	assert.Contains(t, statement, `ON CONFLICT ("email") DO UPDATE SET`)
	assert.Contains(t, statement, `"reason"="excluded"."reason"`)
	assert.Contains(t, statement, `"status"="excluded"."status"`)
	assert.Contains(t, statement, "'a@x.com'")
}

func TestTrackingGetOrCreate_InsertIgnoresConflict(t *testing.T) {
	db, recorder := dryRunDB(t)
	repo := NewTrackingRepository(db)

	_, _ = repo.GetOrCreate(context.Background(), "cmpn_1", "a@x.com", "sndr_1")

	statement := recorder.find(t, `INSERT INTO "recipient_tracking"`)
	assert.Contains(t, statement, `ON CONFLICT ("campaign_id","recipient_email") DO NOTHING`)
}

func TestTrackingMarkFailed_OnlyWhileUnsent(t *testing.T) {
	db, recorder := dryRunDB(t)
	repo := NewTrackingRepository(db)

	_, err := repo.MarkFailed(context.Background(), "trk-1", "smtp timeout")
	require.NoError(t, err)

	statement := recorder.last(t)
	assert.Contains(t, statement, `UPDATE "recipient_tracking"`)
	assert.Contains(t, statement, "sent_at IS NULL")
	assert.Contains(t, statement, `"sending_at"=NULL`)
}

func TestTrackingClaimSend_SkipsSentAndFreshClaims(t *testing.T) {
	db, recorder := dryRunDB(t)
	repo := NewTrackingRepository(db)

	claimed, err := repo.ClaimSend(context.Background(), "trk-1", 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	statement := recorder.last(t)
	assert.Contains(t, statement, `UPDATE "recipient_tracking" SET "sending_at"=`)
	assert.Contains(t, statement, "sent_at IS NULL AND (sending_at IS NULL OR sending_at <= ")
}

func TestTrackingRecordClick_IncrementsSingleRow(t *testing.T) {
	db, recorder := dryRunDB(t)
	repo := NewTrackingRepository(db)

	_, _ = repo.RecordClick(context.Background(), "trk-1", "l1")

	statement := recorder.last(t)
	assert.Contains(t, statement, `UPDATE "recipient_tracking_clicks"`)
	assert.Contains(t, statement, "click_count + 1")
	assert.NotContains(t, statement, "INSERT")
}

func TestIncrementCampaignCounter_GuardsAttemptedTotal(t *testing.T) {
	db, recorder := dryRunDB(t)

	_, err := incrementCampaignCounter(db, "cmpn_1", enum.RecipientStatusSent)
	require.NoError(t, err)
	sent := recorder.last(t)
	assert.Contains(t, sent, "total_sent + 1")
	assert.Contains(t, sent, "total_sent + total_failed < recipient_count")

	_, err = incrementCampaignCounter(db, "cmpn_1", enum.RecipientStatusSuppressed)
	require.NoError(t, err)
	suppressed := recorder.last(t)
	assert.Contains(t, suppressed, "total_suppressed + 1")
	assert.Contains(t, suppressed, "recipient_count - 1")
	assert.NotContains(t, suppressed, "total_sent + total_failed < recipient_count")
}

func TestRotateDispatchToken_ComparesCurrentToken(t *testing.T) {
	db, recorder := dryRunDB(t)
	repo := NewCampaignRepository(db)

	_, err := repo.RotateDispatchToken(context.Background(), "cmpn_1", "old", "new")
	require.NoError(t, err)

	statement := recorder.last(t)
	assert.Contains(t, statement, `"dispatch_token"='new'`)
	assert.Contains(t, statement, "dispatch_token = 'old'")
	assert.Contains(t, statement, "status = 'active'")
}

func TestClaimDue_ConditionalOnInterval(t *testing.T) {
	db, recorder := dryRunDB(t)
	repo := NewTrainingConfigRepository(db)

	_, err := repo.ClaimDue(context.Background(), "tcfg_1", enum.TrainingModeManual, time.Now(), time.Hour)
	require.NoError(t, err)

	statement := recorder.last(t)
	assert.Contains(t, statement, "last_manual_training_at IS NULL OR last_manual_training_at <=")
}

func TestBounceCredentialCreate_RejectsDomainDefault(t *testing.T) {
	db, _ := dryRunDB(t)
	repo := NewBounceCredentialRepository(db)

	err := repo.Create(context.Background(), &models.BounceCredential{
		UserID:    "user-1",
		Domain:    "example.com",
		IsDefault: true,
	})
	assert.ErrorIs(t, err, ErrDomainCredentialDefault)
}

func TestSettle_GuardsStatusInsideTransaction(t *testing.T) {
	db, recorder, pool := dryRunDBWithPool(t)
	repo := NewCampaignRecipientRepository(db)

	settled, err := repo.Settle(context.Background(), "cmpn_1", "rcpt_1", enum.RecipientStatusQueued, enum.RecipientStatusSent, "")
	require.NoError(t, err)
	// dry run affects no rows, so the counter update is skipped
	assert.False(t, settled)

	statement := recorder.find(t, `UPDATE "campaign_recipients"`)
	assert.Contains(t, statement, "status = 'queued'")
	assert.Contains(t, statement, `"status"='sent'`)
	assert.Equal(t, 1, pool.begun)
	assert.Equal(t, 1, pool.commits)
}

func TestAddRecipients_InsertSkipsExistingEmails(t *testing.T) {
	db, recorder, pool := dryRunDBWithPool(t)
	repo := NewCampaignRecipientRepository(db)

	_, err := repo.AddRecipients(context.Background(), "cmpn_1", []models.CampaignRecipient{{Email: "a@x.com"}, {Email: "b@x.com"}})
	require.NoError(t, err)

	statement := recorder.find(t, `INSERT INTO "campaign_recipients"`)
	assert.Contains(t, statement, `ON CONFLICT ("campaign_id","email") DO NOTHING`)
	assert.Equal(t, 1, pool.commits)
}
