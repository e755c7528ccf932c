/*
Package receipt issues and verifies signed transaction receipts.

PURPOSE:
  A receipt is the server-signed proof that a transaction happened. The
  signature is an HMAC-SHA256 over a canonical string of the receipt
  fields; the portable token embeds the receipt ID and signature so a
  third party can hand it back for verification.

FORMAT:
  message   = id|transaction_id|station_id|amount|issued_at_unix
  signature = hex(HMAC-SHA256(secret, message))
  token     = base64url(id + ":" + signature), padding stripped

VERIFICATION is offline-first: the token is decoded and its signature
recomputed against the stored receipt, so a tampered amount or a token
minted with a different secret is always rejected.

SEE ALSO:
  - fuel/types.go: Receipt record
  - api/handlers.go: issue/verify endpoints
*/
package receipt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fuelguard/reconcile-engine/fuel"
)

// =============================================================================
// VERIFICATION OUTCOME
// =============================================================================

// Reasons reported on failed verification.
const (
	ReasonBadTokenFormat    = "bad_token_format"
	ReasonUnknownReceipt    = "unknown_receipt"
	ReasonSignatureMismatch = "signature_mismatch"
)

// Verification is the outcome of checking a token. Receipt is set only
// when the token is valid.
type Verification struct {
	Valid   bool
	Reason  string
	Receipt *fuel.Receipt
}

// =============================================================================
// SERVICE
// =============================================================================

// Service signs receipts with a station-wide secret.
type Service struct {
	store  fuel.ReceiptStore
	txs    fuel.TransactionStore
	audit  fuel.AuditLog
	secret []byte
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(store fuel.ReceiptStore, txs fuel.TransactionStore, audit fuel.AuditLog, secret string, log zerolog.Logger) *Service {
	return &Service{
		store:  store,
		txs:    txs,
		audit:  audit,
		secret: []byte(secret),
		log:    log.With().Str("component", "receipt").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates, signs and persists a receipt for a transaction. Issuing
// again for the same transaction returns the existing receipt.
func (s *Service) Issue(ctx context.Context, txID fuel.TransactionID) (fuel.Receipt, error) {
	tx, err := s.txs.GetTransaction(ctx, txID)
	if err != nil {
		return fuel.Receipt{}, err
	}

	if existing, err := s.store.GetReceiptByTransaction(ctx, txID); err == nil && existing != nil {
		return *existing, nil
	} else if err != nil && !errors.Is(err, fuel.ErrReceiptNotFound) {
		return fuel.Receipt{}, err
	}

	r := fuel.Receipt{
		ID:            fuel.ReceiptID(uuid.NewString()),
		TransactionID: tx.ID,
		StationID:     tx.StationID,
		Amount:        tx.TotalAmount,
		IssuedAt:      s.now(),
	}
	r.Signature = s.sign(r)
	r.Token = encodeToken(r.ID, r.Signature)

	if err := s.store.SaveReceipt(ctx, r); err != nil {
		// A concurrent Issue may have won the one-per-transaction
		// constraint; return its receipt instead of the conflict.
		if errors.Is(err, fuel.ErrDuplicate) {
			if existing, gerr := s.store.GetReceiptByTransaction(ctx, txID); gerr == nil && existing != nil {
				return *existing, nil
			}
		}
		return fuel.Receipt{}, err
	}

	if s.audit != nil {
		entry := fuel.AuditEntry{
			ID:         uuid.NewString(),
			Action:     fuel.AuditReceiptIssued,
			TargetType: "receipt",
			TargetID:   string(r.ID),
			Payload: map[string]any{
				"transaction_id": string(tx.ID),
				"amount":         r.Amount.InexactFloat64(),
			},
			CreatedAt: s.now(),
		}
		if err := s.audit.AppendAudit(ctx, entry); err != nil {
			s.log.Warn().Err(err).Str("receipt_id", string(r.ID)).Msg("audit append failed")
		}
	}

	s.log.Info().Str("receipt_id", string(r.ID)).Str("transaction_id", string(tx.ID)).Msg("receipt issued")
	return r, nil
}

// Verify checks a portable token against stored receipts. Storage errors
// propagate; all other failures come back as an invalid Verification.
func (s *Service) Verify(ctx context.Context, token string) (Verification, error) {
	id, sig, ok := decodeToken(token)
	if !ok {
		return Verification{Reason: ReasonBadTokenFormat}, nil
	}

	r, err := s.store.GetReceipt(ctx, id)
	if err != nil {
		if errors.Is(err, fuel.ErrReceiptNotFound) {
			return Verification{Reason: ReasonUnknownReceipt}, nil
		}
		return Verification{}, err
	}

	expected := s.sign(*r)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return Verification{Reason: ReasonSignatureMismatch}, nil
	}
	return Verification{Valid: true, Receipt: r}, nil
}

// sign computes the canonical HMAC for a receipt. Amount is rendered with
// two decimal places so the message is stable across storage round trips.
func (s *Service) sign(r fuel.Receipt) string {
	msg := fmt.Sprintf("%s|%s|%s|%s|%d",
		r.ID, r.TransactionID, r.StationID,
		r.Amount.StringFixed(2), r.IssuedAt.Unix())
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// =============================================================================
// TOKEN CODEC
// =============================================================================

func encodeToken(id fuel.ReceiptID, signature string) string {
	raw := string(id) + ":" + signature
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeToken(token string) (fuel.ReceiptID, string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return "", "", false
	}
	id, sig, found := strings.Cut(string(raw), ":")
	if !found || id == "" || sig == "" {
		return "", "", false
	}
	return fuel.ReceiptID(id), sig, true
}
