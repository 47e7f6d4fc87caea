/*
Copyright 2024 Logipool Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logipool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/logipool/logipool/internal/apierror"
	redlock "github.com/logipool/logipool/internal/lock"
	"github.com/logipool/logipool/model"
)

var (
	tracer = otel.Tracer("logipool.pooling")

	ErrNonPositiveQuantity = errors.New("quantity must be greater than zero")
	ErrMissingRegion       = errors.New("region is required")
	ErrMissingContributor  = errors.New("contributor id is required")
	ErrMissingProvider     = errors.New("provider id is required")
	ErrQuantityPrecision   = errors.New("quantity supports at most 3 decimal places")
)

const quantityScale int32 = 3

// AllocateRequest is one contribution submission.
type AllocateRequest struct {
	ItemType       string
	Region         string
	Quantity       decimal.Decimal
	ContributorID  string
	ContributionID string     // generated when empty; reuse it to retry safely
	Origin         string     // optional
	SpoilsAt       *time.Time // optional; defaults to creation + the category's max wait
}

// Allocation is the share of a contribution written to one pool.
type Allocation struct {
	PoolID string          `json:"pool_id"`
	Amount decimal.Decimal `json:"amount"`
}

// AllocationResult reports the last pool touched and whether any pool became
// READY during the call.
type AllocationResult struct {
	ContributionID string       `json:"contribution_id"`
	PoolID         string       `json:"pool_id"`
	BecameReady    bool         `json:"became_ready"`
	Allocations    []Allocation `json:"allocations"`
}

// logAndRecordError logs the error, records it on the span and returns it.
func logAndRecordError(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	logrus.Errorf("%s: %v", msg, err)
	return err
}

func invalidInput(err error) error {
	return apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
}

// validateAllocation normalizes the request and resolves its category. Nothing
// is written before it succeeds.
func (l *Logipool) validateAllocation(req *AllocateRequest) (model.Category, error) {
	req.ItemType = model.NormalizeItemType(req.ItemType)
	req.Region = model.NormalizeRegion(req.Region)
	if !req.Quantity.IsPositive() {
		return "", invalidInput(ErrNonPositiveQuantity)
	}
	// Quantities are stored as NUMERIC(18,3).
	if !req.Quantity.Equal(req.Quantity.Truncate(quantityScale)) {
		return "", invalidInput(ErrQuantityPrecision)
	}
	if req.Region == "" {
		return "", invalidInput(ErrMissingRegion)
	}
	if req.ContributorID == "" {
		return "", invalidInput(ErrMissingContributor)
	}
	category, err := l.registry.Resolve(req.ItemType)
	if err != nil {
		return "", invalidInput(err)
	}
	return category, nil
}

// Allocate admits a contribution into the OPEN pool of its category and
// region, splitting it across pools when it overflows the pool's current
// ceiling. The ceiling is re-derived on every write from the degradation of the
// contributions already linked to the pool, so a perishable influx can shrink
// it below what is committed and release the pool early.
//
// Repeating a call with the same ContributionID resumes from what is already
// attributed and never double counts.
func (l *Logipool) Allocate(ctx context.Context, req AllocateRequest) (*AllocationResult, error) {
	ctx, span := tracer.Start(ctx, "Allocate")
	defer span.End()

	category, err := l.validateAllocation(&req)
	if err != nil {
		span.RecordError(err)
		l.metrics.RecordAllocation("unknown", "invalid")
		return nil, err
	}
	maxWait, err := l.registry.Rule(category)
	if err != nil {
		return nil, logAndRecordError(span, "failed to load category rule", err)
	}
	if req.ContributionID == "" {
		req.ContributionID = model.GenerateUUIDWithSuffix("ctb")
	}
	span.SetAttributes(
		attribute.String("contribution.id", req.ContributionID),
		attribute.String("pool.category", string(category)),
		attribute.String("pool.region", req.Region),
	)

	if l.redis != nil {
		locker := redlock.NewLocker(l.redis, redlock.PoolKey(string(category), req.Region), req.ContributionID)
		if err := locker.WaitLock(ctx, l.lockTimeout, l.lockWait); err != nil {
			logrus.WithFields(logrus.Fields{"category": category, "region": req.Region}).
				Warnf("allocating without the pool lock: %v", err)
		} else {
			defer func() {
				if err := locker.Unlock(context.Background()); err != nil {
					logrus.Warnf("failed to release pool lock: %v", err)
				}
			}()
		}
	}

	now := l.now()
	contribution, err := l.recordContribution(ctx, req, category, maxWait, now)
	if err != nil {
		return nil, logAndRecordError(span, "failed to record contribution", err)
	}

	attributed, err := l.datasource.GetAttributedQuantity(ctx, contribution.ContributionID)
	if err != nil {
		return nil, logAndRecordError(span, "failed to load attributed quantity", err)
	}
	result := &AllocationResult{ContributionID: contribution.ContributionID, PoolID: contribution.PoolID}
	remaining := contribution.Quantity.Sub(attributed)

	conflicts := 0
	for remaining.IsPositive() {
		pool, err := l.getOrCreateOpenPool(ctx, category, req.Region, maxWait, now)
		if err != nil {
			return nil, logAndRecordError(span, "failed to obtain open pool", err)
		}

		linked, err := l.linkedContributions(ctx, pool.PoolID, contribution)
		if err != nil {
			return nil, logAndRecordError(span, "failed to load pool contributions", err)
		}
		avg, anyCritical := model.AggregateDegradation(linked, now, l.policy)
		targetClass := l.policy.Classify(avg, anyCritical)
		targetCeiling, err := l.policy.Ceiling(targetClass)
		if err != nil {
			return nil, logAndRecordError(span, "failed to resolve capacity ceiling", err)
		}

		spaceLeft := targetCeiling.Sub(pool.AccumulatedQuantity)
		toAdd := model.MinDecimal(decimal.Max(spaceLeft, decimal.Zero), remaining)
		if toAdd.IsPositive() {
			updated, err := l.datasource.AddToPool(ctx, pool.PoolID, contribution.ItemType, model.Attribution{
				ContributorID:  contribution.ContributorID,
				ContributionID: contribution.ContributionID,
				Amount:         toAdd,
				AddedAt:        now,
			}, targetCeiling)
			if err != nil {
				if apierror.IsConflict(err) {
					// Lost a race for the pool or for this contribution's own
					// quantity; re-read what is already attributed and retry.
					conflicts++
					l.metrics.RecordConflict("add_to_pool")
					if conflicts >= l.maxConflicts {
						l.metrics.RecordAllocation(string(category), "conflict")
						return nil, logAndRecordError(span, "allocation exhausted conflict retries",
							apierror.NewAPIError(apierror.ErrInternalServer, "pool capacity is contended, retry the request", err))
					}
					attributed, err := l.datasource.GetAttributedQuantity(ctx, contribution.ContributionID)
					if err != nil {
						return nil, logAndRecordError(span, "failed to reload attributed quantity", err)
					}
					remaining = contribution.Quantity.Sub(attributed)
					continue
				}
				return nil, logAndRecordError(span, "failed to add contribution to pool", err)
			}
			pool = updated
			remaining = remaining.Sub(toAdd)
			result.Allocations = append(result.Allocations, Allocation{PoolID: pool.PoolID, Amount: toAdd})
			l.metrics.RecordAllocated(string(category), req.Region, toAdd.InexactFloat64())
		}
		result.PoolID = pool.PoolID

		reason, ready := readiness(pool, targetCeiling, anyCritical, now)
		if ready {
			promoted, err := l.promotePool(ctx, pool, targetClass, reason, now)
			if err != nil {
				return nil, logAndRecordError(span, "failed to mark pool ready", err)
			}
			result.BecameReady = result.BecameReady || promoted
		}

		if !toAdd.IsPositive() && !ready {
			// Nothing fits and nothing releases the pool; stop instead of spinning.
			logrus.WithFields(logrus.Fields{"pool_id": pool.PoolID, "remaining": remaining.String()}).
				Error("allocation made no progress")
			break
		}
	}

	l.metrics.RecordAllocation(string(category), "ok")
	span.SetAttributes(attribute.String("pool.id", result.PoolID), attribute.Bool("pool.became_ready", result.BecameReady))
	return result, nil
}

// recordContribution stores the contribution, or returns the stored record of
// a retried submission after checking it describes the same lot.
func (l *Logipool) recordContribution(ctx context.Context, req AllocateRequest, category model.Category, maxWait time.Duration, now time.Time) (*model.Contribution, error) {
	spoilsAt := now.Add(maxWait)
	if req.SpoilsAt != nil {
		spoilsAt = req.SpoilsAt.UTC()
	}
	c := &model.Contribution{
		ContributionID: req.ContributionID,
		ContributorID:  req.ContributorID,
		ItemType:       req.ItemType,
		Category:       category,
		Quantity:       req.Quantity,
		Origin:         req.Origin,
		Region:         req.Region,
		CreatedAt:      now,
		SpoilsAt:       spoilsAt,
	}
	stored, created, err := l.datasource.CreateContribution(ctx, c)
	if err != nil {
		return nil, err
	}
	if !created && !stored.SameSubmission(*c) {
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("contribution with ID '%s' already exists with different details", c.ContributionID), nil)
	}
	return stored, nil
}

// linkedContributions returns the contributions attributed to the pool plus
// the one being allocated. Unlinked contributions never feed the average.
func (l *Logipool) linkedContributions(ctx context.Context, poolID string, current *model.Contribution) ([]model.Contribution, error) {
	linked, err := l.datasource.GetPoolContributions(ctx, poolID)
	if err != nil {
		return nil, err
	}
	for _, c := range linked {
		if c.ContributionID == current.ContributionID {
			return linked, nil
		}
	}
	return append(linked, *current), nil
}

// getOrCreateOpenPool returns the OPEN pool of the pair, creating one with the
// bulk ceiling when none exists. A concurrent creation is resolved by re-reading.
func (l *Logipool) getOrCreateOpenPool(ctx context.Context, category model.Category, region string, maxWait time.Duration, now time.Time) (*model.Pool, error) {
	for attempt := 0; attempt < l.maxConflicts; attempt++ {
		pool, err := l.datasource.GetOpenPool(ctx, category, region)
		if err == nil {
			return pool, nil
		}
		if !apierror.IsNotFound(err) {
			return nil, err
		}

		bulk := l.policy.BulkClass()
		ceiling, err := l.policy.Ceiling(bulk)
		if err != nil {
			return nil, err
		}
		pool, err = l.datasource.CreatePool(ctx, &model.Pool{
			PoolID:              model.GenerateUUIDWithSuffix("pool"),
			Category:            category,
			Region:              region,
			ItemTypes:           []string{},
			AccumulatedQuantity: decimal.Zero,
			CapacityCeiling:     ceiling,
			CapacityClass:       bulk,
			Status:              model.PoolStatusOpen,
			CreatedAt:           now,
			Deadline:            now.Add(maxWait),
		})
		if err == nil {
			l.metrics.RecordPoolCreated(string(category), region)
			logrus.WithFields(logrus.Fields{"pool_id": pool.PoolID, "category": category, "region": region}).Info("opened pool")
			return pool, nil
		}
		if !apierror.IsConflict(err) {
			return nil, err
		}
		l.metrics.RecordConflict("create_pool")
	}
	return nil, apierror.NewAPIError(apierror.ErrInternalServer,
		fmt.Sprintf("could not obtain an open pool for %s in %s", category, region), nil)
}

// readiness evaluates the release conditions against a post-write pool. The
// threshold reason wins over expiry, and expiry over critical degradation.
func readiness(pool *model.Pool, ceiling decimal.Decimal, anyCritical bool, now time.Time) (model.ReadyReason, bool) {
	switch {
	case pool.AccumulatedQuantity.GreaterThanOrEqual(ceiling):
		return model.ReadyReasonThreshold, true
	case pool.IsExpired(now):
		return model.ReadyReasonExpired, true
	case anyCritical:
		return model.ReadyReasonCritical, true
	}
	return "", false
}
