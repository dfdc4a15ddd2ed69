// Package stream turns DynamoDB Streams events from the entity table into
// relation-propagation tasks. Deployments whose writers cannot schedule
// tasks themselves attach this handler as a Lambda on the table's stream;
// it is an alternative trigger for the same idempotent tasks, so running it
// alongside in-process scheduling only produces duplicate no-op work.
package stream

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/marrowkit/marrow/db"
	"github.com/marrowkit/marrow/skeleton"
	"github.com/marrowkit/marrow/tasks"
)

// Handler processes entity-table stream events.
type Handler struct {
	queue  tasks.Queue
	logger *slog.Logger
}

// NewHandler creates a new stream handler enqueueing onto queue.
func NewHandler(queue tasks.Queue, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{queue: queue, logger: logger}
}

// HandleEntityChange processes one batch of stream records. A modified
// entity whose update tag advanced schedules a snapshot refresh of every
// relation pointing at it; a removed entity schedules consistency
// resolution for its referencing relations. This function is designed to be
// used as an AWS Lambda handler.
func (h *Handler) HandleEntityChange(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	encoded := getStringAttr(record.Change.Keys, "sk")
	if encoded == "" {
		return nil
	}
	key, err := db.DecodeKey(encoded)
	if err != nil {
		// Not an entity item; the table also holds bookkeeping records.
		return nil
	}
	if isInfrastructureKind(key.Kind) {
		return nil
	}

	switch record.EventName {
	case "INSERT", "MODIFY":
		oldTag := getUpdateTag(record.Change.OldImage)
		newTag := getUpdateTag(record.Change.NewImage)

		// Tag 0 marks a propagation write; scheduling for it would loop.
		if newTag == 0 || newTag == oldTag {
			return nil
		}
		h.logger.Info("scheduling relation update",
			"key", encoded,
			"updateTag", newTag,
		)
		return h.queue.Enqueue(ctx, tasks.UpdateRelations{
			DestKey:       encoded,
			MinChangeTime: newTag + 1,
		})
	case "REMOVE":
		h.logger.Info("scheduling removed-relations processing",
			"key", encoded,
		)
		return h.queue.Enqueue(ctx, tasks.ProcessRemovedRelations{
			DeletedKey: encoded,
		})
	default:
		return nil
	}
}

// isInfrastructureKind reports whether the kind holds bookkeeping records
// that never participate in relations themselves.
func isInfrastructureKind(kind string) bool {
	return kind == skeleton.RelationEdgeKind ||
		kind == skeleton.BlobLockKind ||
		strings.HasSuffix(kind, "_uniquePropertyIndex")
}

// getUpdateTag extracts the entity's update tag from a stream image.
func getUpdateTag(image map[string]events.DynamoDBAttributeValue) int64 {
	props, ok := image["props"]
	if !ok || props.DataType() != events.DataTypeMap {
		return 0
	}
	return getNumberAttr(props.Map(), skeleton.PropDelayedUpdateTag)
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}
