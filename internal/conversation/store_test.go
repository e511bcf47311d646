package conversation

import (
	"context"
	"fmt"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Turn{}))
	return db
}

func TestGormStore_AppendListDelete(t *testing.T) {
	ctx := context.Background()
	store := NewGormStore(openTestDB(t))

	require.NoError(t, store.AppendTurns(ctx, "s1",
		&Turn{Role: RoleUser, Content: "hi", TokenCount: 1},
		&Turn{Role: RoleAssistant, Content: "hello", TokenCount: 2},
	))
	require.NoError(t, store.AppendTurns(ctx, "s2", &Turn{Role: RoleUser, Content: "other", TokenCount: 1}))
	require.NoError(t, store.AppendTurns(ctx, "s1", &Turn{Role: RoleUser, Content: "again", TokenCount: 1}))

	turns, err := store.ListTurns(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, []int{1, 2, 3}, seqs(turns))
	assert.Equal(t, "again", turns[2].Content)
	assert.False(t, turns[0].CreatedAt.IsZero())

	require.NoError(t, store.DeleteTurns(ctx, "s1"))
	turns, err = store.ListTurns(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, turns)

	other, err := store.ListTurns(ctx, "s2")
	require.NoError(t, err)
	assert.Len(t, other, 1)

	// numbering restarts after truncation
	require.NoError(t, store.AppendTurns(ctx, "s1", &Turn{Role: RoleUser, Content: "fresh", TokenCount: 1}))
	turns, err = store.ListTurns(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, seqs(turns))
}

func TestManager_WithGormStore(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewGormStore(openTestDB(t)), byteCounter)

	w, err := m.Prepare(ctx, "s1", normalType(), "question")
	require.NoError(t, err)
	_, err = m.Commit(ctx, "s1", w, "answer")
	require.NoError(t, err)

	w, err = m.Prepare(ctx, "s1", normalType(), "follow up")
	require.NoError(t, err)
	require.Len(t, w.History, 2)
	assert.Equal(t, "question", w.History[0].Content)
	assert.Equal(t, 8, w.History[0].TokenCount)
	assert.Equal(t, "answer", w.History[1].Content)
}
