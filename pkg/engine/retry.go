package engine

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/openvhm/openvhm/pkg/store"
	"github.com/openvhm/openvhm/pkg/telemetry"
)

// Backoff between conflict retries: a constant base plus up to the same
// again in jitter, so competing retriers desynchronize and each sleep
// stays bounded around 200ms.
const (
	retryBaseDelay = 100 * time.Millisecond
	retryJitter    = 100 * time.Millisecond
)

// runTransaction executes a job on conn: the bounded-retry controller
// around individual attempts. Conflicts in write mode are retried up to
// the job's budget with jittered backoff; a conflict surviving the
// budget surfaces as a retry-limit error carrying the last conflict.
// Read-mode conflicts, fatal errors and application errors propagate
// after a single attempt. The returned Result carries the attempt log
// even when the call fails.
func (e *Engine) runTransaction(ctx context.Context, conn store.Conn, j *job) (*Result, error) {
	res := &Result{TxID: j.id}

	log := e.log.WithTxID(j.id).WithMode(j.mode.String())
	if j.task.Name != "" {
		log = log.WithField("task", j.task.Name)
	}

	ctx, span := e.tel.Tracer.StartTransactionSpan(ctx, j.id, j.mode.String())
	defer span.End()

	timer := telemetry.NewTimer()

	var (
		value     any
		committed bool
	)

	backoff := retry.WithMaxRetries(uint64(j.retries),
		retry.WithJitter(retryJitter, retry.NewConstant(retryBaseDelay)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		idx := len(res.Attempts)
		if idx > 0 {
			e.tel.Metrics.RecordRetry()
			log.WithAttempt(idx).Warn("Retrying after conflict")
		}

		att, v, err := e.runAttempt(ctx, conn, j, idx, log)
		res.Attempts = append(res.Attempts, att)
		e.tel.Metrics.RecordAttempt(j.mode.String(), string(att.Outcome), att.Duration)

		if err != nil {
			if att.Outcome == AttemptAbortedConflict {
				e.tel.Metrics.RecordConflict()
				if j.mode == store.ForWriting {
					return retry.RetryableError(err)
				}
			}
			return err
		}

		value = v
		committed = att.Outcome == AttemptCommitted
		return nil
	})

	if err != nil {
		if j.mode == store.ForWriting && IsConflict(err) {
			err = NewRetryLimitError(len(res.Attempts), err)
		}
		e.tel.Metrics.RecordError(string(Classify(err)))
		e.tel.Metrics.RecordTxCompleted(j.mode.String(), "failed", timer.Duration())
		telemetry.RecordError(span, err)
		log.WithError(err).WithField("attempts", len(res.Attempts)).Debug("Transaction failed")
		return res, err
	}

	res.Value = value
	res.Committed = committed

	status := "rolled_back"
	if committed {
		status = "committed"
	}
	e.tel.Metrics.RecordTxCompleted(j.mode.String(), status, timer.Duration())
	telemetry.RecordSuccess(span)
	span.SetAttributes(telemetry.AttrTxStatus.String(status))

	return res, nil
}
