package enrich

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFirstSuccess_ReturnsFastestSuccess(t *testing.T) {
	slowCanceled := make(chan struct{})
	value, err := FirstSuccess(context.Background(),
		func(ctx context.Context) (string, error) {
			return "", errors.New("provider down")
		},
		func(ctx context.Context) (string, error) {
			<-ctx.Done()
			close(slowCanceled)
			return "", ctx.Err()
		},
		func(ctx context.Context) (string, error) {
			return "winner", nil
		},
	)
	if err != nil {
		t.Fatalf("FirstSuccess error: %v", err)
	}
	if value != "winner" {
		t.Fatalf("unexpected value: %q", value)
	}

	select {
	case <-slowCanceled:
	case <-time.After(2 * time.Second):
		t.Fatalf("slow operation was not canceled")
	}
}

func TestFirstSuccess_AllFail(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	_, err := FirstSuccess(context.Background(),
		func(context.Context) (int, error) { return 0, errA },
		func(context.Context) (int, error) { return 0, errB },
	)
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected joined errors, got %v", err)
	}
}

func TestFirstSuccess_NoOperations(t *testing.T) {
	if _, err := FirstSuccess[string](context.Background()); !errors.Is(err, errNoOperations) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFirstSuccess_ParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FirstSuccess(ctx, func(opCtx context.Context) (int, error) {
		<-opCtx.Done()
		return 0, opCtx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
