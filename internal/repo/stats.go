// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries over the
// delivery queue, used by the admin API and the worker backlog gauges.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// QueueStats summarises the delivery queue.
type QueueStats struct {
	// ByState counts tasks per state; states with no rows are present as 0.
	ByState map[domain.TaskState]int64
	// OldestPendingAt is the earliest next_attempt_at among pending tasks,
	// or nil when nothing is pending.
	OldestPendingAt *time.Time
}

// DeliveryQueueStats counts tasks per state and finds the oldest pending due
// time.
func DeliveryQueueStats(ctx context.Context, db *gorm.DB) (QueueStats, error) {
	out := QueueStats{ByState: map[domain.TaskState]int64{
		domain.TaskPending:      0,
		domain.TaskInFlight:     0,
		domain.TaskDone:         0,
		domain.TaskDeadLettered: 0,
	}}

	var rows []struct {
		State domain.TaskState
		N     int64
	}
	if err := db.WithContext(ctx).
		Model(&domain.DeliveryTask{}).
		Select("state, COUNT(*) AS n").
		Group("state").
		Scan(&rows).Error; err != nil {
		return out, err
	}
	for _, r := range rows {
		out.ByState[r.State] = r.N
	}
	if out.ByState[domain.TaskPending] == 0 {
		return out, nil
	}

	// Avoid MIN() -> TEXT in SQLite.
	var row struct {
		NextAttemptAt time.Time
	}
	if err := db.WithContext(ctx).
		Model(&domain.DeliveryTask{}).
		Where("state = ?", domain.TaskPending).
		Select("next_attempt_at").
		Order("next_attempt_at ASC").
		Limit(1).
		Scan(&row).Error; err != nil {
		return out, err
	}
	out.OldestPendingAt = &row.NextAttemptAt
	return out, nil
}
