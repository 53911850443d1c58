package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JirkaHarasim/dove-eye-tld/internal/capture"
	"github.com/JirkaHarasim/dove-eye-tld/internal/store"
)

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"0", "2"}, splitList(" 0, ,2 "))
}

func TestSelectSources(t *testing.T) {
	var avail []capture.Source
	for _, id := range []string{"device:0", "device:1", "device:2", "device:3", "device:5"} {
		avail = append(avail, capture.NewMockSource(id, nil, false))
	}

	got, err := selectSources(avail, nil)
	require.NoError(t, err)
	assert.Len(t, got, 4, "at most MaxArity cameras by default")

	got, err = selectSources(avail, []string{"5", "1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "device:5", got[0].ID())
	assert.Equal(t, "device:1", got[1].ID())

	_, err = selectSources(avail, []string{"7"})
	assert.Error(t, err)
	_, err = selectSources(nil, nil)
	assert.Error(t, err)
}

func TestDashboardURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8080/", dashboardURL(":8080"))
	assert.Equal(t, "http://10.0.0.2:80/", dashboardURL("10.0.0.2:80"))
}

func TestRememberDevices(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, "", rememberDevices(st.Settings(), ""))
	assert.Equal(t, "2,0", rememberDevices(st.Settings(), "2,0"))
	assert.Equal(t, "2,0", rememberDevices(st.Settings(), ""), "the last explicit list is reused")
}

func TestPickSources(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	devices := []capture.Source{
		capture.NewMockSource("device:0", nil, false),
		capture.NewMockSource("device:1", nil, false),
	}
	got, err := pickSources(st.Settings(), devices, "1", false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "device:1", got[0].ID())

	files := []capture.Source{
		capture.NewMockSource("file:a.mp4", nil, false),
		capture.NewMockSource("file:b.mp4", nil, false),
	}
	got, err = pickSources(st.Settings(), files, "", true)
	require.NoError(t, err, "a stored device list does not apply to video files")
	require.Len(t, got, 2)
	assert.Equal(t, "file:a.mp4", got[0].ID())

	_, err = pickSources(st.Settings(), files, "0", true)
	assert.Error(t, err)

	stored, err := st.Settings().Get(devicesKey)
	require.NoError(t, err)
	assert.Equal(t, "1", stored)
}
