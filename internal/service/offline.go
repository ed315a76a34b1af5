package service

import (
	"context"

	apperrors "loopchat/internal/errors"
	"loopchat/internal/metrics"
	"loopchat/internal/models"
	"loopchat/internal/tracing"
	"loopchat/pkg/loopapi"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Reconciler replays messages queued while the client was offline. It
// stores them through the same paths as live frames, then confirms receipt
// in one batch: direct messages are acked individually, group messages are
// collapsed to the last one per group.
type Reconciler struct {
	api        loopapi.Client
	dispatcher *Dispatcher
	logger     *logrus.Logger
}

func NewReconciler(api loopapi.Client, dispatcher *Dispatcher, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		api:        api,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Run fetches, stores and acknowledges the offline queue. A message that
// fails to store is not acknowledged, so the server redelivers it next
// time. Typically hooked to the transport's connect callback.
func (r *Reconciler) Run(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "offline.reconcile")
	defer span.End()

	frames, err := r.api.GetOfflineMessages(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return apperrors.Wrap(err, apperrors.ErrCodeAPIRequest, "failed to fetch offline messages")
	}
	if len(frames) == 0 {
		return nil
	}

	tracing.AddSpanAttributes(ctx, attribute.Int("offline.frames", len(frames)))

	var acks []models.Frame
	groupAcks := make(map[uint]models.Frame)
	var groupOrder []uint

	for _, frame := range frames {
		payload, err := frame.Decode()
		if err != nil {
			r.logger.WithError(err).WithField("cmd", int(frame.Cmd)).Warn("Skipping undecodable offline frame")
			continue
		}

		switch p := payload.(type) {
		case models.DirectMessage:
			if _, err := r.dispatcher.StoreDirect(ctx, p); err != nil {
				r.logger.WithError(err).WithField("seq_id", p.SeqID).Error("Failed to store offline direct message")
				continue
			}
			ack, err := AckForDirect(p)
			if err != nil {
				r.logger.WithError(err).Error("Failed to build offline ack")
				continue
			}
			acks = append(acks, ack)

		case models.GroupMessage:
			if _, err := r.dispatcher.StoreGroup(ctx, p); err != nil {
				r.logger.WithError(err).WithField("seq_id", p.SeqID).Error("Failed to store offline group message")
				continue
			}
			ack, err := AckForGroup(p)
			if err != nil {
				r.logger.WithError(err).Error("Failed to build offline ack")
				continue
			}
			if _, seen := groupAcks[p.ReceiverID]; !seen {
				groupOrder = append(groupOrder, p.ReceiverID)
			}
			// Group receipt is cumulative; only the latest per group counts.
			groupAcks[p.ReceiverID] = ack

		case models.SystemMessage:
			r.dispatcher.handleSystem(ctx, p)

		default:
			// Call signaling in the offline queue is stale by definition.
			r.logger.WithField("cmd", frame.Cmd.String()).Debug("Ignoring offline frame")
		}
	}

	for _, groupID := range groupOrder {
		acks = append(acks, groupAcks[groupID])
	}

	if len(acks) == 0 {
		return nil
	}

	if err := r.api.SubmitOfflineAcks(ctx, acks); err != nil {
		tracing.RecordError(ctx, err)
		return apperrors.Wrap(err, apperrors.ErrCodeAPIRequest, "failed to submit offline acks")
	}

	metrics.IncrementCounter("offline_messages_reconciled", nil, "Offline frames stored and acknowledged")
	r.logger.WithFields(logrus.Fields{
		"frames": len(frames),
		"acks":   len(acks),
	}).Info("Offline messages reconciled")
	return nil
}
