package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type probe struct {
	ID   uint64 `gorm:"primaryKey"`
	Name string
}

func TestOpen_SQLiteAndMigrate(t *testing.T) {
	gdb, err := Open("sqlite:file::memory:")
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(gdb, &probe{}))

	require.NoError(t, gdb.Create(&probe{Name: "a"}).Error)
	var n int64
	require.NoError(t, gdb.Model(&probe{}).Count(&n).Error)
	require.EqualValues(t, 1, n)
}
