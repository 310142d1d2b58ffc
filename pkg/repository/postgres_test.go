package repository_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/paperchat/pkg/model"
	"github.com/m-mizutani/paperchat/pkg/repository"
)

func setupPostgres(t *testing.T) *repository.Postgres {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN is not set")
	}

	ctx := context.Background()
	repo, err := repository.NewPostgres(ctx, dsn)
	gt.NoError(t, err)
	t.Cleanup(repo.Close)

	gt.NoError(t, repo.Migrate(ctx, 768))
	return repo
}

func TestPostgres(t *testing.T) {
	testRepository(t, setupPostgres(t))
}

func TestPostgresConcurrentAppend(t *testing.T) {
	testConcurrentAppend(t, setupPostgres(t))
}

func TestPostgresMigrateIsIdempotent(t *testing.T) {
	repo := setupPostgres(t)
	gt.NoError(t, repo.Migrate(context.Background(), 768))
}

func TestPostgresMigrateRejectsBadDimensions(t *testing.T) {
	repo := setupPostgres(t)
	err := repo.Migrate(context.Background(), 0)
	gt.True(t, errors.Is(err, model.ErrInvalidInput))
}
