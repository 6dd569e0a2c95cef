package mythtv_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/adapters/secondary/mythtv"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
)

func fileContent(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func TestFile_ReadAndSeek(t *testing.T) {
	for _, version := range []int{65, 91} {
		t.Run(fmt.Sprintf("protocol %d", version), func(t *testing.T) {
			b := startBackend(t)
			b.SetVersion(version)
			data := fileContent(mythtv.MaxBlockSize + 5000)
			b.SetFile("/recordings/1001_20260301200000.ts", data)
			c := connect(t, b)
			ctx := context.Background()

			f, err := c.ConnectPath(ctx, "/recordings/1001_20260301200000.ts", "Default")
			require.NoError(t, err)
			t.Cleanup(func() { _ = f.Close() })

			assert.Equal(t, int64(len(data)), f.Length())
			assert.NotZero(t, f.TransferID())
			assert.Equal(t, "Default", f.StorageGroup())

			got, err := io.ReadAll(f)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got), "content differs")
			assert.Equal(t, int64(len(data)), f.Position())

			pos, err := f.Seek(10, io.SeekStart)
			require.NoError(t, err)
			assert.Equal(t, int64(10), pos)
			buf := make([]byte, 5)
			_, err = io.ReadFull(f, buf)
			require.NoError(t, err)
			assert.Equal(t, data[10:15], buf)

			pos, err = f.Seek(-5, io.SeekEnd)
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)-5), pos)

			_, err = f.Seek(-int64(len(data))*2, io.SeekCurrent)
			assert.True(t, errors.Is(err, domain.ErrInvalidArgument), err)
			assert.Equal(t, int64(len(data)-5), f.Position())

			_, err = f.Seek(0, 9)
			assert.True(t, errors.Is(err, domain.ErrInvalidArgument), err)
		})
	}
}

func TestFile_GrowingFileReportsEOFUntilDataArrives(t *testing.T) {
	b := startBackend(t)
	b.SetFile("/live.ts", []byte("abc"))
	c := connect(t, b)

	f, err := c.ConnectPath(context.Background(), "/live.ts", "LiveTV")
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	n, err := f.Read(make([]byte, 4))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)

	b.AppendFile("/live.ts", []byte("def"))
	f.UpdateLength(6)
	assert.Equal(t, int64(6), f.Length())
	buf := make([]byte, 10)
	n, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "def", string(buf[:n]))
}

func TestFile_ConnectByProgram(t *testing.T) {
	b := startBackend(t)
	start := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	p := recording(1001, start, "News")
	p.Pathname = "myth://mythfake:6543/1001_20260301200000.ts"
	p.RecordedID = 77
	b.SetFile("/1001_20260301200000.ts", []byte("payload"))
	c := connect(t, b)

	f, err := c.ConnectFile(context.Background(), p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	assert.Equal(t, "/1001_20260301200000.ts", f.Path())
	assert.Equal(t, p.UID(), f.UID())
	assert.Equal(t, uint32(77), f.RecordedID())

	_, err = c.ConnectFile(context.Background(), &domain.Program{})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument), err)
}

func TestFile_MissingFile(t *testing.T) {
	b := startBackend(t)
	c := connect(t, b)

	_, err := c.ConnectPath(context.Background(), "/nowhere.ts", "Default")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound), err)
}

func TestFile_CloseIsIdempotent(t *testing.T) {
	b := startBackend(t)
	b.SetFile("/x.ts", []byte("x"))
	c := connect(t, b)

	f, err := c.ConnectPath(context.Background(), "/x.ts", "Default")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, err = f.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, domain.ErrConnection), err)
	_, err = f.Seek(0, io.SeekStart)
	assert.True(t, errors.Is(err, domain.ErrConnection), err)
}
