package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericyarmo/buds-relay/internal/cid"
	"github.com/ericyarmo/buds-relay/internal/domain"
	"github.com/ericyarmo/buds-relay/internal/observability/metrics"
	"github.com/ericyarmo/buds-relay/internal/receipt"
	"github.com/ericyarmo/buds-relay/internal/sigverify"
	"github.com/ericyarmo/buds-relay/internal/store"
	"github.com/ericyarmo/buds-relay/internal/validate"
)

const (
	backfillDefaultLimit = 500
	backfillMaxLimit     = 1000

	// maxJarMembers caps the active membership of one jar.
	maxJarMembers = 50
)

// ReceiptService sequences and materializes jar receipts. Receipts are the
// source of truth; the jar_members view is a cheap projection that can be
// rebuilt by replay, which is why materialization failures do not roll the
// receipt back.
type ReceiptService struct {
	store *store.Store
	now   func() time.Time
}

func NewReceipts(st *store.Store) *ReceiptService {
	return &ReceiptService{store: st, now: time.Now}
}

type StoreReceiptInput struct {
	JarID       string
	ReceiptData []byte
	Signature   []byte
	ClaimedCID  string // optional, must match when present
	ParentCID   *string
}

// StoreReceipt runs the append pipeline: parse, CID, idempotency, key
// lookup, signature, authorization, parent check, race-safe sequence
// assignment, materialization. It returns the stored envelope and whether
// this call created it.
func (s *ReceiptService) StoreReceipt(ctx context.Context, in StoreReceiptInput) (*domain.JarReceipt, bool, error) {
	if in.JarID == "" {
		return nil, false, domain.Invalid("jar_id is required")
	}
	if len(in.ReceiptData) == 0 {
		return nil, false, domain.Invalid("receipt_data is required")
	}

	env, err := receipt.Decode(in.ReceiptData)
	if err != nil {
		return nil, false, domain.Invalidf("receipt_data: %v", err)
	}

	receiptCID := cid.Compute(in.ReceiptData)
	if in.ClaimedCID != "" && in.ClaimedCID != receiptCID {
		return nil, false, domain.Invalid("receipt_cid does not match receipt_data")
	}

	// Retried submissions return the original envelope untouched.
	if stored, err := s.store.Receipts().GetByCID(ctx, receiptCID); err == nil {
		return stored, false, nil
	} else if !errors.Is(err, store.ErrRecordNotFound) {
		return nil, false, err
	}

	pubKey, err := s.store.Devices().LatestActiveEd25519Key(ctx, env.SenderDID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("%w: sender has no active device", domain.ErrForbidden)
	}
	if err != nil {
		return nil, false, err
	}
	if err := sigverify.Verify(pubKey, in.ReceiptData, in.Signature); err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrForbidden, err)
	}

	if err := s.authorizeAppend(ctx, in.JarID, env.SenderDID); err != nil {
		return nil, false, err
	}

	if env.ReceiptType == receipt.TypeMemberAdded {
		active, err := s.store.Members().CountActive(ctx, in.JarID)
		if err != nil {
			return nil, false, err
		}
		if active >= maxJarMembers {
			return nil, false, fmt.Errorf("%w: jar holds at most %d active members", domain.ErrCircleLimit, maxJarMembers)
		}
	}

	parentCID := in.ParentCID
	if parentCID == nil && env.ParentCID != "" {
		parentCID = &env.ParentCID
	}
	if parentCID != nil {
		known, err := s.store.Receipts().ExistsByCID(ctx, *parentCID)
		if err != nil {
			return nil, false, err
		}
		if !known {
			// Clients may submit children before backfilling ancestors.
			slog.Warn("receipt parent unknown, accepting",
				"jar_id", in.JarID, "receipt_cid", receiptCID, "parent_cid", *parentCID)
		}
	}

	row := domain.JarReceipt{
		JarID:       in.JarID,
		ReceiptCID:  receiptCID,
		ReceiptData: in.ReceiptData,
		Signature:   in.Signature,
		SenderDID:   env.SenderDID,
		ReceivedAt:  s.now().UnixMilli(),
		ParentCID:   parentCID,
	}
	if _, err := s.store.Receipts().AppendWithSequence(ctx, &row); err != nil {
		// A concurrent retry of the same receipt may have won the race.
		if store.IsUniqueViolation(err) {
			if stored, getErr := s.store.Receipts().GetByCID(ctx, receiptCID); getErr == nil {
				return stored, false, nil
			}
		}
		return nil, false, err
	}

	metrics.ReceiptsStoredTotal.WithLabelValues(env.ReceiptType).Inc()

	if err := s.materialize(ctx, &row, env); err != nil {
		slog.Error("receipt materialization failed; view is stale until replay",
			"jar_id", row.JarID, "sequence", row.SequenceNumber, "receipt_cid", row.ReceiptCID, "error", err)
	}
	return &row, true, nil
}

// authorizeAppend admits active members, plus anyone writing the genesis
// receipt of an empty jar (the prospective owner signing jar.created).
func (s *ReceiptService) authorizeAppend(ctx context.Context, jarID, senderDID string) error {
	active, err := s.store.Members().IsActiveMember(ctx, jarID, senderDID)
	if err != nil {
		return err
	}
	if active {
		return nil
	}
	count, err := s.store.Receipts().CountByJar(ctx, jarID)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	return fmt.Errorf("%w: sender is not an active member of the jar", domain.ErrForbidden)
}

// materialize applies one receipt to the jar_members view.
func (s *ReceiptService) materialize(ctx context.Context, row *domain.JarReceipt, env *receipt.Envelope) error {
	members := s.store.Members()
	switch env.ReceiptType {
	case receipt.TypeJarCreated:
		if row.SequenceNumber != 1 {
			slog.Warn("jar.created outside genesis ignored",
				"jar_id", row.JarID, "sequence", row.SequenceNumber)
			return nil
		}
		return members.UpsertActive(ctx, row.JarID, env.SenderDID, domain.RoleOwner, env.Timestamp, row.ReceiptCID)

	case receipt.TypeMemberAdded:
		member, ok := env.MemberDID()
		if !ok {
			return fmt.Errorf("jar.member_added without member_did")
		}
		// Members are auto-active; the pending state is not produced by
		// current clients.
		return members.UpsertActive(ctx, row.JarID, member, domain.RoleMember, env.Timestamp, row.ReceiptCID)

	case receipt.TypeInviteAccepted:
		member, ok := env.MemberDID()
		if !ok {
			member = env.SenderDID
		}
		err := members.Activate(ctx, row.JarID, member)
		if errors.Is(err, store.ErrRecordNotFound) {
			slog.Warn("jar.invite_accepted for unknown member ignored",
				"jar_id", row.JarID, "member_did", member)
			return nil
		}
		return err

	case receipt.TypeMemberRemoved:
		member, ok := env.MemberDID()
		if !ok {
			return fmt.Errorf("jar.member_removed without member_did")
		}
		return members.MarkRemoved(ctx, row.JarID, member, env.Timestamp, row.ReceiptCID)

	default:
		slog.Info("unknown receipt type stored without materialization",
			"jar_id", row.JarID, "receipt_type", env.ReceiptType)
		return nil
	}
}

// GetReceiptsAfter returns receipts with sequence_number > after for an
// active member, ascending.
func (s *ReceiptService) GetReceiptsAfter(ctx context.Context, jarID, callerDID string, after int64, limit int) ([]domain.JarReceipt, error) {
	if err := s.requireMember(ctx, jarID, callerDID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = backfillDefaultLimit
	}
	if limit > backfillMaxLimit {
		limit = backfillMaxLimit
	}
	return s.store.Receipts().ListAfter(ctx, jarID, after, limit)
}

// GetReceiptsRange returns receipts with sequence_number in [from, to] for
// an active member, ascending.
func (s *ReceiptService) GetReceiptsRange(ctx context.Context, jarID, callerDID string, from, to int64) ([]domain.JarReceipt, error) {
	if from > to {
		return nil, domain.Invalid("from must not exceed to")
	}
	if err := s.requireMember(ctx, jarID, callerDID); err != nil {
		return nil, err
	}
	return s.store.Receipts().ListRange(ctx, jarID, from, to)
}

func (s *ReceiptService) requireMember(ctx context.Context, jarID, callerDID string) error {
	if jarID == "" {
		return domain.Invalid("jar_id is required")
	}
	if !validate.DID(callerDID) {
		return domain.Invalid("caller DID is malformed")
	}
	active, err := s.store.Members().IsActiveMember(ctx, jarID, callerDID)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("%w: caller is not an active member of the jar", domain.ErrForbidden)
	}
	return nil
}

// JarSummary is one row of a member's jar listing.
type JarSummary struct {
	JarID string `json:"jar_id"`
	Role  string `json:"role"`
}

// ListJars returns every jar where the caller is an active member.
func (s *ReceiptService) ListJars(ctx context.Context, callerDID string) ([]JarSummary, error) {
	if !validate.DID(callerDID) {
		return nil, domain.Invalid("caller DID is malformed")
	}
	rows, err := s.store.Members().JarsForMember(ctx, callerDID)
	if err != nil {
		return nil, err
	}
	out := make([]JarSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, JarSummary{JarID: r.JarID, Role: r.Role})
	}
	return out, nil
}

// ReplayJar rebuilds the jar_members view from the receipt log. Used to
// repair the projection after a materialization failure.
func (s *ReceiptService) ReplayJar(ctx context.Context, jarID string) error {
	if jarID == "" {
		return domain.Invalid("jar_id is required")
	}
	return s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Members().DeleteByJar(ctx, jarID); err != nil {
			return err
		}
		svc := &ReceiptService{store: tx, now: s.now}
		var after int64
		for {
			rows, err := tx.Receipts().ListAfter(ctx, jarID, after, backfillMaxLimit)
			if err != nil {
				return err
			}
			for i := range rows {
				env, err := receipt.Decode(rows[i].ReceiptData)
				if err != nil {
					slog.Warn("replay: undecodable receipt skipped",
						"jar_id", jarID, "sequence", rows[i].SequenceNumber, "error", err)
					continue
				}
				if err := svc.materialize(ctx, &rows[i], env); err != nil {
					return err
				}
				after = rows[i].SequenceNumber
			}
			if len(rows) < backfillMaxLimit {
				return nil
			}
		}
	})
}
