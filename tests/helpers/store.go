package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
	"github.com/xiaot623/gogo/telemetry/internal/repository"
)

// TestProjectID is the project seeded by NewTestSQLiteStore.
const TestProjectID = "00000000-0000-4000-a000-000000000001"

func NewTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	if err := s.CreateProject(context.Background(), &domain.Project{
		ID:        TestProjectID,
		Name:      "test",
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}

	return s
}
