package storeiface

import (
	"context"
	"time"

	"yuim/libs/core-push-go/pkg/event"
)

// ProgressStore persists the last accepted ProgressRecord per (user, manga).
// Implementations: redisstore.Store, the MySQL progress repo, and an in-memory
// store for tests.
type ProgressStore interface {
	GetProgress(ctx context.Context, userID, mangaID string) (p event.Progress, ok bool, err error)
	PutProgress(ctx context.Context, p event.Progress) error
}

// Deduper answers "first time this id was seen?" across processes. ForgetMsg
// undoes a mark when the work it guarded failed and will be redelivered.
type Deduper interface {
	DedupeMsg(ctx context.Context, id string, ttl time.Duration) (bool, error)
	ForgetMsg(ctx context.Context, id string) error
}
