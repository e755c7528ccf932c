/*
receipt_test.go - Signing, token round-trip and tamper detection tests

CORE DESIGN:
- message = id|transaction_id|station_id|amount(2dp)|issued_at_unix
- token = base64url(id + ":" + hex signature), padding stripped
- Issue is idempotent per transaction; verification is constant-time
*/
package receipt

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fuelguard/reconcile-engine/fuel"
	"github.com/fuelguard/reconcile-engine/store/memory"
)

const testSecret = "unit-test-secret"

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return NewService(store, store, store, testSecret, zerolog.Nop()), store
}

func seedSale(t *testing.T, store *memory.Store, id string, amount float64) fuel.Transaction {
	t.Helper()
	total := decimal.NewFromFloat(amount)
	price := decimal.NewFromFloat(1.60)
	tx := fuel.Transaction{
		ID: fuel.TransactionID(id), StationID: "st-1", PumpID: "pump-1", TankID: "tank-1",
		Timestamp: time.Now().UTC(), VolumeL: total.Div(price).Round(3),
		UnitPrice: price, TotalAmount: total,
		Status: fuel.TxCompleted, CreatedAt: time.Now().UTC(),
	}
	// Amounts are validated on write; rounding the volume can leave a
	// sub-cent residue, so align total with the rounded volume.
	tx.TotalAmount = tx.VolumeL.Mul(price)
	require.NoError(t, store.AppendTransaction(context.Background(), tx))
	return tx
}

// =============================================================================
// ISSUE
// =============================================================================

func TestIssue_SignsAndPersists(t *testing.T) {
	// GIVEN: A completed transaction
	// WHEN: Issuing a receipt
	// THEN: The receipt carries the transaction amount, a signature and a token

	svc, store := newService(t)
	tx := seedSale(t, store, "tx-1", 48.00)

	r, err := svc.Issue(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, tx.ID, r.TransactionID)
	require.Equal(t, tx.StationID, r.StationID)
	require.True(t, r.Amount.Equal(tx.TotalAmount))
	require.NotEmpty(t, r.Signature)
	require.NotEmpty(t, r.Token)

	stored, err := store.GetReceipt(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, r.Signature, stored.Signature)
}

func TestIssue_IdempotentPerTransaction(t *testing.T) {
	// GIVEN: A receipt already issued for the transaction
	// WHEN: Issuing again
	// THEN: The same receipt comes back, no duplicate row

	svc, store := newService(t)
	tx := seedSale(t, store, "tx-1", 48.00)
	ctx := context.Background()

	first, err := svc.Issue(ctx, tx.ID)
	require.NoError(t, err)
	second, err := svc.Issue(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.Token, second.Token)

	all, err := store.ListReceipts(ctx, tx.ID, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

// raceReceiptStore hides the stored receipt from the first
// GetReceiptByTransaction call, reproducing the interleaving where two
// issuers both pass the existence check before either saves.
type raceReceiptStore struct {
	fuel.ReceiptStore
	misses int
}

func (s *raceReceiptStore) GetReceiptByTransaction(ctx context.Context, txID fuel.TransactionID) (*fuel.Receipt, error) {
	if s.misses > 0 {
		s.misses--
		return nil, fuel.ErrReceiptNotFound
	}
	return s.ReceiptStore.GetReceiptByTransaction(ctx, txID)
}

func TestIssue_LostRaceReturnsExistingReceipt(t *testing.T) {
	// GIVEN: A receipt already persisted, but invisible to the loser's
	//        existence check
	// WHEN: Issuing again for the same transaction
	// THEN: The duplicate-save conflict resolves to the winner's receipt
	//       instead of surfacing an error

	store := memory.New()
	racy := &raceReceiptStore{ReceiptStore: store}
	svc := NewService(racy, store, store, testSecret, zerolog.Nop())
	tx := seedSale(t, store, "tx-1", 48.00)
	ctx := context.Background()

	winner, err := svc.Issue(ctx, tx.ID)
	require.NoError(t, err)

	racy.misses = 1
	loser, err := svc.Issue(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, winner.ID, loser.ID)
	require.Equal(t, winner.Token, loser.Token)

	all, err := store.ListReceipts(ctx, tx.ID, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestIssue_ConcurrentCallsAgree(t *testing.T) {
	// GIVEN: Two goroutines issuing for the same transaction
	// THEN: Both succeed with the same receipt, and one row exists

	svc, store := newService(t)
	tx := seedSale(t, store, "tx-1", 48.00)
	ctx := context.Background()

	results := make(chan fuel.Receipt, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			r, err := svc.Issue(ctx, tx.ID)
			results <- r
			errs <- err
		}()
	}
	a, b := <-results, <-results
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	require.Equal(t, a.ID, b.ID)

	all, err := store.ListReceipts(ctx, tx.ID, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestIssue_UnknownTransaction(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Issue(context.Background(), "missing")
	if !errors.Is(err, fuel.ErrTransactionNotFound) {
		t.Fatalf("Expected ErrTransactionNotFound, got %v", err)
	}
}

// =============================================================================
// VERIFY
// =============================================================================

func TestVerify_RoundTrip(t *testing.T) {
	// GIVEN: A freshly issued receipt
	// WHEN: Verifying its own token
	// THEN: Valid, with the stored receipt attached

	svc, store := newService(t)
	tx := seedSale(t, store, "tx-1", 48.00)
	r, err := svc.Issue(context.Background(), tx.ID)
	require.NoError(t, err)

	v, err := svc.Verify(context.Background(), r.Token)
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.Empty(t, v.Reason)
	require.NotNil(t, v.Receipt)
	require.Equal(t, r.ID, v.Receipt.ID)
}

func TestVerify_GarbageToken(t *testing.T) {
	svc, _ := newService(t)

	for _, token := range []string{
		"",
		"not base64 !!",
		base64.RawURLEncoding.EncodeToString([]byte("no-separator")),
		base64.RawURLEncoding.EncodeToString([]byte(":sig-without-id")),
	} {
		v, err := svc.Verify(context.Background(), token)
		require.NoError(t, err)
		require.False(t, v.Valid)
		require.Equal(t, ReasonBadTokenFormat, v.Reason, "token %q", token)
	}
}

func TestVerify_UnknownReceipt(t *testing.T) {
	// GIVEN: A structurally valid token whose receipt ID was never issued
	// THEN: Invalid with unknown_receipt

	svc, _ := newService(t)
	token := base64.RawURLEncoding.EncodeToString([]byte("ghost-id:deadbeef"))

	v, err := svc.Verify(context.Background(), token)
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, ReasonUnknownReceipt, v.Reason)
}

func TestVerify_TamperedSignature(t *testing.T) {
	// GIVEN: A real receipt ID paired with a forged signature
	// THEN: Invalid with signature_mismatch

	svc, store := newService(t)
	tx := seedSale(t, store, "tx-1", 48.00)
	r, err := svc.Issue(context.Background(), tx.ID)
	require.NoError(t, err)

	forged := base64.RawURLEncoding.EncodeToString([]byte(string(r.ID) + ":" + "0000"))
	v, err := svc.Verify(context.Background(), forged)
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, ReasonSignatureMismatch, v.Reason)
}

func TestVerify_TokenFromDifferentSecret(t *testing.T) {
	// GIVEN: A receipt issued under one secret, verified under another
	// THEN: signature_mismatch — tokens do not survive secret rotation

	storeA := memory.New()
	svcA := NewService(storeA, storeA, storeA, "secret-a", zerolog.Nop())
	tx := seedSale(t, storeA, "tx-1", 48.00)
	r, err := svcA.Issue(context.Background(), tx.ID)
	require.NoError(t, err)

	svcB := NewService(storeA, storeA, storeA, "secret-b", zerolog.Nop())
	v, err := svcB.Verify(context.Background(), r.Token)
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, ReasonSignatureMismatch, v.Reason)
}

func TestVerify_PaddedTokenAccepted(t *testing.T) {
	// GIVEN: A client that re-padded the base64 token
	// THEN: Verification still succeeds

	svc, store := newService(t)
	tx := seedSale(t, store, "tx-1", 48.00)
	r, err := svc.Issue(context.Background(), tx.ID)
	require.NoError(t, err)

	padded := r.Token + "=="
	v, err := svc.Verify(context.Background(), padded)
	require.NoError(t, err)
	require.True(t, v.Valid)
}

func TestSign_CanonicalMessageStable(t *testing.T) {
	// GIVEN: Two receipts differing only in amount precision (48 vs 48.00)
	// THEN: Signatures agree because the message renders two decimal places

	svc, _ := newService(t)
	base := fuel.Receipt{
		ID: "r-1", TransactionID: "tx-1", StationID: "st-1",
		Amount: decimal.NewFromInt(48), IssuedAt: time.Unix(1770000000, 0),
	}
	precise := base
	precise.Amount = decimal.RequireFromString("48.00")

	require.Equal(t, svc.sign(base), svc.sign(precise))
}
