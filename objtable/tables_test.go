package objtable_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roadrunner-server/pushgate/objtable"
)

func TestNewLocalAndLookupByIdentity(t *testing.T) {
	tbl := objtable.New()
	obj := &struct{ X int }{X: 1}

	e := tbl.NewLocal(obj, 0, 0, nil)
	require.Equal(t, int64(1), e.ID)
	require.Equal(t, uint64(0), e.Version())

	again, ok := tbl.LookupLocalByIdentity(obj)
	require.True(t, ok)
	require.Equal(t, e.ID, again.ID)
	require.Equal(t, uint64(1), again.Version())
}

func TestLookupLocalByIdentityValueTypeNeverDedups(t *testing.T) {
	tbl := objtable.New()
	_, ok := tbl.LookupLocalByIdentity(42)
	require.False(t, ok)
}

func TestHandleDeleteOnlyDropsMatchingVersion(t *testing.T) {
	tbl := objtable.New()
	obj := &struct{}{}
	e := tbl.NewLocal(obj, 0, 0, nil)

	tbl.HandleDelete(e.ID, 99) // stale version: must not drop
	_, ok := tbl.LocalByID(e.ID)
	require.True(t, ok)

	tbl.HandleDelete(e.ID, e.Version())
	_, ok = tbl.LocalByID(e.ID)
	require.False(t, ok)
}

func TestInstallProxyWakesWaiter(t *testing.T) {
	tbl := objtable.New()
	done := make(chan any, 1)

	go func() {
		done <- tbl.WaitForProxy(5)
	}()

	time.Sleep(10 * time.Millisecond)
	tbl.InstallProxy(5, 0, "handle")

	select {
	case h := <-done:
		require.Equal(t, "handle", h)
	case <-time.After(time.Second):
		t.Fatal("WaitForProxy never woke up")
	}
}

func TestReclaimEnqueuesPendingDelete(t *testing.T) {
	tbl := objtable.New()
	tbl.SetGCInterval(0)
	tbl.InstallProxy(9, 3, "handle")

	tbl.Reclaim(9)

	batch := tbl.PendingDeletes()
	require.Equal(t, map[int64]uint64{9: 3}, batch)

	require.Nil(t, tbl.PendingDeletes())
}

func TestReclaimNoOpWhenGCDisabled(t *testing.T) {
	tbl := objtable.New()
	tbl.SetGC(false)
	tbl.SetGCInterval(0)
	tbl.InstallProxy(9, 3, "handle")

	tbl.Reclaim(9)
	require.Nil(t, tbl.PendingDeletes())
}

func TestPendingDeletesRespectsInterval(t *testing.T) {
	tbl := objtable.New()
	tbl.SetGCInterval(time.Hour)
	tbl.InstallProxy(1, 0, "h")
	tbl.Reclaim(1)

	// First flush goes out immediately; a second one before the interval
	// elapses must wait.
	require.NotNil(t, tbl.PendingDeletes())
	tbl.InstallProxy(2, 0, "h2")
	tbl.Reclaim(2)
	require.Nil(t, tbl.PendingDeletes())
}
