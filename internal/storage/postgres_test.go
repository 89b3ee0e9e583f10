package storage

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/hyperjump/recall/internal/models"
)

func TestPostgresStorage(t *testing.T) {
	url := os.Getenv("RECALL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RECALL_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := New(ctx, Options{Driver: "postgres", DatabaseURL: url})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ns := "test-" + uuid.NewString()
	turn, err := store.AppendTurn(ctx, &models.TurnInput{Namespace: ns, Role: models.RoleUser, Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveDerivations(ctx, ns, []models.DerivationUpdate{{SequenceID: turn.SequenceID, DerivedText: "user: hello", Version: "v1"}}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveEmbedding(ctx, ns, turn.SequenceID, "v1", []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.LoadEmbeddings(ctx, ns, "v1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].Embedding[0] != 1 {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestNew_UnknownDriver(t *testing.T) {
	if _, err := New(context.Background(), Options{Driver: "mongo"}); err == nil {
		t.Error("expected error for unknown driver")
	}
	if _, err := New(context.Background(), Options{Driver: "postgres"}); err == nil {
		t.Error("expected error for postgres without url")
	}
}
