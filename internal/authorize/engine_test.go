package authorize

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridwise-code/ev-central/internal/audit"
	"github.com/gridwise-code/ev-central/internal/coremodel"
	"github.com/gridwise-code/ev-central/internal/ledger"
	"github.com/gridwise-code/ev-central/internal/metrics"
	"github.com/gridwise-code/ev-central/internal/registry"
)

func newEngine(t *testing.T) (*Engine, *registry.Registry, *ledger.Ledger) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	led := ledger.New()
	pub := audit.NewPublisher(audit.NewLog(), zap.NewNop(), nil)
	m := metrics.NewAppMetrics(metrics.NewRegistry())
	e := NewEngine(reg, led, pub, m, nil, zap.NewNop())
	return e, reg, led
}

func connectCP(t *testing.T, reg *registry.Registry, id coremodel.CPID, price float64) {
	t.Helper()
	reg.Register(id, price)
	_, err := reg.Connect(id, price)
	require.NoError(t, err)
}

func TestAuthorizeGrant(t *testing.T) {
	e, reg, led := newEngine(t)
	connectCP(t, reg, "CP-1", 0.5)

	grant, err := e.Authorize("driver-1", "CP-1", 20)
	require.NoError(t, err)
	assert.Equal(t, 0.5, grant.PricePerKWh)

	view, ok := reg.Peek("CP-1")
	require.True(t, ok)
	assert.Equal(t, coremodel.StateCharging, view.State)
	assert.Equal(t, grant.SessionID, view.SessionID)

	s, ok := led.Get(grant.SessionID)
	require.True(t, ok)
	assert.Equal(t, coremodel.SessionActive, s.Status)
}

func TestAuthorizeDenyReasons(t *testing.T) {
	e, reg, _ := newEngine(t)
	connectCP(t, reg, "CP-1", 0.5)
	connectCP(t, reg, "CP-2", 0.5)

	// 未知充电桩
	_, err := e.Authorize("driver-1", "CP-404", 10)
	var ae *AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ReasonCPUnavailable, ae.Reason)

	// 排除中的充电桩
	_, err = reg.Exclude("CP-2", coremodel.ExclusionFault)
	require.NoError(t, err)
	_, err = e.Authorize("driver-1", "CP-2", 10)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ReasonCPExcluded, ae.Reason)

	// 司机已有会话
	_, err = e.Authorize("driver-1", "CP-1", 10)
	require.NoError(t, err)
	_, err = e.Authorize("driver-1", "CP-1", 10)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ReasonDriverBusy, ae.Reason)
}

func TestAuthorizeRollbackReleasesDriver(t *testing.T) {
	e, reg, _ := newEngine(t)
	connectCP(t, reg, "CP-1", 0.5)

	// CP 占用导致拒绝后，司机必须可以再次申请
	_, err := e.Authorize("driver-a", "CP-1", 10)
	require.NoError(t, err)

	_, err = e.Authorize("driver-b", "CP-1", 10)
	var ae *AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ReasonCPUnavailable, ae.Reason)

	connectCP(t, reg, "CP-2", 0.4)
	_, err = e.Authorize("driver-b", "CP-2", 10)
	assert.NoError(t, err)
}

func TestAuthorizeConcurrentSingleWinner(t *testing.T) {
	e, reg, _ := newEngine(t)
	connectCP(t, reg, "CP-1", 0.5)

	const n = 16
	var wg sync.WaitGroup
	granted := make(chan Grant, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := coremodel.DriverID(string(rune('a' + i)))
			if g, err := e.Authorize(id, "CP-1", 5); err == nil {
				granted <- g
			}
		}(i)
	}
	wg.Wait()
	close(granted)
	assert.Len(t, granted, 1)
}

func TestFinishIssuesTicket(t *testing.T) {
	e, reg, _ := newEngine(t)
	connectCP(t, reg, "CP-1", 0.5)

	grant, err := e.Authorize("driver-1", "CP-1", 10)
	require.NoError(t, err)
	_, err = e.ApplyUpdate("CP-1", grant.SessionID, 10, 30*time.Second)
	require.NoError(t, err)

	ticket, driverID, err := e.Finish(context.Background(), "CP-1")
	require.NoError(t, err)
	assert.Equal(t, coremodel.DriverID("driver-1"), driverID)
	assert.Equal(t, 10.0, ticket.KWhTotal)
	assert.Equal(t, 5.0, ticket.CostTotal)

	view, _ := reg.Peek("CP-1")
	assert.Equal(t, coremodel.StateAvailable, view.State)

	// 司机和充电桩都已释放，可立即开启下一单
	_, err = e.Authorize("driver-1", "CP-1", 5)
	assert.NoError(t, err)
}

func TestApplyUpdateWrongCP(t *testing.T) {
	e, reg, _ := newEngine(t)
	connectCP(t, reg, "CP-1", 0.5)
	connectCP(t, reg, "CP-2", 0.5)

	grant, err := e.Authorize("driver-1", "CP-1", 10)
	require.NoError(t, err)

	_, err = e.ApplyUpdate("CP-2", grant.SessionID, 1, time.Second)
	assert.Error(t, err)
}

func TestAbortSessionNoTicket(t *testing.T) {
	e, reg, led := newEngine(t)
	connectCP(t, reg, "CP-1", 0.5)

	grant, err := e.Authorize("driver-1", "CP-1", 10)
	require.NoError(t, err)

	s, err := e.AbortSession(grant.SessionID, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, coremodel.SessionAborted, s.Status)
	assert.Empty(t, led.RecentTickets(0))
}
