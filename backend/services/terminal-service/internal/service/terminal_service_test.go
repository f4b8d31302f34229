package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"fuelterminal/backend/services/terminal-service/internal/clients"
	"fuelterminal/backend/services/terminal-service/internal/credential"
	"fuelterminal/backend/services/terminal-service/internal/dispenser"
	"fuelterminal/backend/services/terminal-service/internal/models"
	"fuelterminal/backend/services/terminal-service/internal/presence"
	redisstore "fuelterminal/backend/services/terminal-service/internal/redis"
	"fuelterminal/backend/services/terminal-service/internal/repository"
	"fuelterminal/backend/services/terminal-service/internal/statemachine"
	"fuelterminal/backend/services/terminal-service/internal/terminalerr"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeNotifier struct {
	mu   sync.Mutex
	pins map[string]string
	err  error
}

func (n *fakeNotifier) SendPin(_ context.Context, p clients.PinNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	if n.pins == nil {
		n.pins = make(map[string]string)
	}
	n.pins[p.OrderID] = p.Pin
	return nil
}

func (n *fakeNotifier) pin(orderID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pins[orderID]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.SessionEvent
}

func (p *fakePublisher) Publish(ev models.SessionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *fakePublisher) notes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Note)
	}
	return out
}

type fakeBays struct {
	mu       sync.Mutex
	bindings map[string]redisstore.BayBinding
}

func (b *fakeBays) Bind(_ context.Context, binding redisstore.BayBinding) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bindings == nil {
		b.bindings = make(map[string]redisstore.BayBinding)
	}
	b.bindings[binding.Slot] = binding
	return nil
}

func (b *fakeBays) OrderForBay(_ context.Context, slot string) (*redisstore.BayBinding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	binding, ok := b.bindings[slot]
	if !ok {
		return nil, nil
	}
	return &binding, nil
}

func (b *fakeBays) Release(_ context.Context, slot, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bindings[slot].OrderID == orderID {
		delete(b.bindings, slot)
	}
	return nil
}

type fakeDispenser struct {
	configured bool
	calls      atomic.Int32
	entered    chan struct{}
	release    chan struct{}
	err        error
}

func (d *fakeDispenser) Configured() bool { return d.configured }

func (d *fakeDispenser) SendPreset(_ context.Context, sessionID string, _ float64) (*dispenser.Ack, error) {
	d.calls.Add(1)
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.release != nil {
		<-d.release
	}
	if d.err != nil {
		return nil, d.err
	}
	return &dispenser.Ack{RequestID: "req-" + sessionID, StatusCode: 200}, nil
}

func (d *fakeDispenser) Probe(context.Context) error { return d.err }

type fixture struct {
	svc       *TerminalService
	store     *repository.MemoryStore
	clock     *clock
	notifier  *fakeNotifier
	publisher *fakePublisher
	bays      *fakeBays
	detector  *presence.Detector
}

func newFixture(t *testing.T, disp Dispenser, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:     repository.NewMemoryStore(),
		clock:     &clock{t: time.Date(2026, 10, 18, 7, 0, 0, 0, time.UTC)},
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
		bays:      &fakeBays{},
	}
	detector, err := presence.NewDetector(presence.DefaultConfig())
	require.NoError(t, err)
	f.detector = detector

	svc, err := NewTerminalService(Dependencies{
		Store:     f.store,
		Detector:  detector,
		Hasher:    credential.NewPinHasher(bcrypt.MinCost),
		Dispenser: disp,
		Notifier:  f.notifier,
		Publisher: f.publisher,
		Bays:      f.bays,
		Now:       f.clock.Now,
	}, opts)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) schedule(t *testing.T, orderID, driverID, plate string) {
	t.Helper()
	_, err := f.svc.Schedule(context.Background(), ScheduleInput{
		OrderID:       orderID,
		DriverID:      driverID,
		LicensePlate:  plate,
		Product:       "diesel",
		PlannedVolume: 16000,
	})
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T, orderID string) models.Status {
	t.Helper()
	s, err := f.svc.Get(context.Background(), orderID)
	require.NoError(t, err)
	return s.Status
}

func (f *fixture) verifyPin(t *testing.T, orderID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.RequestPin(ctx, orderID)
	require.NoError(t, err)
	_, err = f.svc.VerifyPin(ctx, orderID, f.notifier.pin(orderID))
	require.NoError(t, err)
}

func scanPayload(orderID, driverID string) string {
	data, _ := json.Marshal(map[string]string{"order_id": orderID, "driver_id": driverID})
	return string(data)
}

func requireReason(t *testing.T, err error, kind terminalerr.Kind, reason string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, terminalerr.KindOf(err))
	assert.Equal(t, reason, terminalerr.Reason(err))
}

func TestGateEntryThenFuelBayWithoutPin(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.schedule(t, "SP-1", "DRV-1", "B 1234 XY")
	ctx := context.Background()

	out, err := f.svc.Scan(ctx, models.StageGateEntry, scanPayload("SP-1", "DRV-1"))
	require.NoError(t, err)
	assert.Equal(t, "Gate entry approved", out.Message)
	assert.Equal(t, models.StatusGateIn, out.Session.Status)

	_, err = f.svc.Scan(ctx, models.StageFuelBay, scanPayload("SP-1", "DRV-1"))
	requireReason(t, err, terminalerr.KindConflict, "Fuel PIN not verified yet")
	assert.Equal(t, models.StatusGateIn, f.status(t, "SP-1"))
}

func TestFullLifecycleWithoutDispenser(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.schedule(t, "SP-1", "DRV-1", "B 1234 XY")
	ctx := context.Background()
	payload := scanPayload("SP-1", "DRV-1")

	_, err := f.svc.Scan(ctx, models.StageGateEntry, payload)
	require.NoError(t, err)
	_, err = f.svc.AssignBay(ctx, "SP-1", "1A")
	require.NoError(t, err)
	f.verifyPin(t, "SP-1")

	f.clock.Advance(time.Minute)
	out, err := f.svc.Scan(ctx, models.StageFuelBay, payload)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLoading, out.Session.Status)
	binding, err := f.bays.OrderForBay(ctx, "1A")
	require.NoError(t, err)
	require.NotNil(t, binding)
	assert.Equal(t, "SP-1", binding.OrderID)

	f.clock.Advance(30 * time.Minute)
	out, err = f.svc.Scan(ctx, models.StageGateExit, payload)
	require.NoError(t, err)
	assert.Equal(t, "Gate exit approved", out.Message)
	assert.Equal(t, models.StatusFinished, out.Session.Status)
	require.NotNil(t, out.Session.ArchivedAt)

	binding, err = f.bays.OrderForBay(ctx, "1A")
	require.NoError(t, err)
	assert.Nil(t, binding, "finished session frees its bay")

	_, err = f.svc.Scan(ctx, models.StageGateEntry, payload)
	requireReason(t, err, terminalerr.KindConflict, statemachine.ReasonFinished)

	assert.Equal(t, []string{
		"Session scheduled",
		"Gate entry approved",
		"Assigned to bay 1A",
		"Fuel PIN issued",
		"Fuel PIN verified",
		"Fuel loading authorized",
		"Gate exit approved",
	}, f.publisher.notes())
}

func TestDriverMismatchNeverMutates(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.schedule(t, "SP-1", "DRV-1", "")
	ctx := context.Background()

	for _, stage := range []models.Stage{models.StageGateEntry, models.StageFuelBay, models.StageGateExit} {
		_, err := f.svc.Scan(ctx, stage, scanPayload("SP-1", "DRV-2"))
		requireReason(t, err, terminalerr.KindConflict, statemachine.ReasonDriverMismatch)
	}
	sess, err := f.svc.Get(ctx, "SP-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, sess.Status)
	assert.Len(t, sess.Events, 1)
}

func TestScanRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()

	_, err := f.svc.Scan(ctx, models.StageGateEntry, "{not json")
	assert.Equal(t, terminalerr.KindValidation, terminalerr.KindOf(err))

	_, err = f.svc.Scan(ctx, "", scanPayload("SP-1", "DRV-1"))
	assert.Equal(t, terminalerr.KindValidation, terminalerr.KindOf(err))

	_, err = f.svc.Scan(ctx, models.StageGateEntry, scanPayload("SP-404", "DRV-1"))
	requireReason(t, err, terminalerr.KindNotFound, "Unregistered order")
}

func TestPinExpiry(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, nil, Options{PinTTL: 5 * time.Minute})
	f.schedule(t, "SP-1", "DRV-1", "")
	_, err := f.svc.RequestPin(ctx, "SP-1")
	require.NoError(t, err)
	pin := f.notifier.pin("SP-1")
	require.Len(t, pin, 6)

	f.clock.Advance(6 * time.Minute)
	_, err = f.svc.VerifyPin(ctx, "SP-1", pin)
	requireReason(t, err, terminalerr.KindExpired, statemachine.ReasonPinExpired)
	_, err = f.svc.VerifyPin(ctx, "SP-1", "12")
	requireReason(t, err, terminalerr.KindExpired, statemachine.ReasonPinExpired)
	_, err = f.svc.VerifyPin(ctx, "SP-1", "abcdef")
	requireReason(t, err, terminalerr.KindExpired, statemachine.ReasonPinExpired)

	f = newFixture(t, nil, Options{PinTTL: 5 * time.Minute})
	f.schedule(t, "SP-1", "DRV-1", "")
	_, err = f.svc.RequestPin(ctx, "SP-1")
	require.NoError(t, err)
	f.clock.Advance(4 * time.Minute)
	out, err := f.svc.VerifyPin(ctx, "SP-1", f.notifier.pin("SP-1"))
	require.NoError(t, err)
	assert.True(t, out.Session.Fuel.PinVerified)
}

func TestVerifyPinMismatchAndFormat(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.schedule(t, "SP-1", "DRV-1", "")
	ctx := context.Background()

	_, err := f.svc.VerifyPin(ctx, "SP-1", "123456")
	requireReason(t, err, terminalerr.KindConflict, statemachine.ReasonPinNotRequested)

	_, err = f.svc.RequestPin(ctx, "SP-1")
	require.NoError(t, err)
	pin := f.notifier.pin("SP-1")
	wrong := "000000"
	if pin == wrong {
		wrong = "111111"
	}
	_, err = f.svc.VerifyPin(ctx, "SP-1", wrong)
	requireReason(t, err, terminalerr.KindConflict, statemachine.ReasonPinMismatch)

	_, err = f.svc.VerifyPin(ctx, "SP-1", "12ab56")
	assert.Equal(t, terminalerr.KindValidation, terminalerr.KindOf(err))

	sess, err := f.svc.Get(ctx, "SP-1")
	require.NoError(t, err)
	assert.NotEqual(t, pin, sess.Fuel.PinHash, "only the hash is stored")
}

func TestPinDeliveryFailure(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.notifier.err = errors.New("smtp down")
	f.schedule(t, "SP-1", "DRV-1", "")

	_, err := f.svc.RequestPin(context.Background(), "SP-1")
	require.ErrorIs(t, err, ErrPinDelivery)
}

func TestConcurrentGateEntryDoubleTap(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.schedule(t, "SP-1", "DRV-1", "")
	payload := scanPayload("SP-1", "DRV-1")

	var changed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.Scan(context.Background(), models.StageGateEntry, payload)
			if assert.NoError(t, err) && out.Changed {
				changed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, changed.Load())
	sess, err := f.svc.Get(context.Background(), "SP-1")
	require.NoError(t, err)
	assert.Len(t, sess.Events, 2)
	assert.Zero(t, f.svc.locks.size())
}

func readyToLoad(t *testing.T, f *fixture, orderID string) {
	t.Helper()
	_, err := f.svc.Scan(context.Background(), models.StageGateEntry, scanPayload(orderID, "DRV-1"))
	require.NoError(t, err)
	f.verifyPin(t, orderID)
}

func TestFuelBayScanDispatchesToDispenser(t *testing.T) {
	disp := &fakeDispenser{configured: true}
	f := newFixture(t, disp, Options{})
	f.schedule(t, "SP-1", "DRV-1", "")
	readyToLoad(t, f, "SP-1")
	ctx := context.Background()

	out, err := f.svc.Scan(ctx, models.StageFuelBay, scanPayload("SP-1", "DRV-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusLoading, out.Session.Status)
	assert.False(t, out.Session.Fuel.DispatchInProgress)
	require.NotNil(t, out.Ack)
	assert.Equal(t, "req-SP-1", out.Ack.RequestID)

	again, err := f.svc.Scan(ctx, models.StageFuelBay, scanPayload("SP-1", "DRV-1"))
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.EqualValues(t, 1, disp.calls.Load(), "re-scan must not dispatch again")
}

func TestDispenserFailureLeavesStatus(t *testing.T) {
	disp := &fakeDispenser{configured: true, err: fmt.Errorf("%w: connection refused", dispenser.ErrUnreachable)}
	f := newFixture(t, disp, Options{})
	f.schedule(t, "SP-1", "DRV-1", "")
	readyToLoad(t, f, "SP-1")

	_, err := f.svc.Dispense(context.Background(), "SP-1", "")
	require.ErrorIs(t, err, dispenser.ErrUnreachable)

	sess, err := f.svc.Get(context.Background(), "SP-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusGateIn, sess.Status)
	assert.False(t, sess.Fuel.DispatchInProgress)
	assert.True(t, sess.Fuel.PinVerified, "a failed push keeps the authorization for a retry")
	assert.Contains(t, sess.Events[len(sess.Events)-1].Text, "Dispenser preset failed")
}

func TestDispenseNotConfigured(t *testing.T) {
	disp := &fakeDispenser{}
	f := newFixture(t, disp, Options{})
	f.schedule(t, "SP-1", "DRV-1", "")
	readyToLoad(t, f, "SP-1")

	_, err := f.svc.Dispense(context.Background(), "SP-1", "")
	require.ErrorIs(t, err, dispenser.ErrNotConfigured)
	require.ErrorIs(t, f.svc.Probe(context.Background()), dispenser.ErrNotConfigured)
	assert.Zero(t, disp.calls.Load())

	out, err := f.svc.Scan(context.Background(), models.StageFuelBay, scanPayload("SP-1", "DRV-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusLoading, out.Session.Status)
}

func TestDispatchDoesNotHoldOrderLock(t *testing.T) {
	disp := &fakeDispenser{configured: true, entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, disp, Options{})
	f.schedule(t, "SP-1", "DRV-1", "")
	readyToLoad(t, f, "SP-1")
	ctx := context.Background()

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := f.svc.Dispense(ctx, "SP-1", "DRV-1")
		done <- result{out, err}
	}()
	<-disp.entered

	// The preset is in flight; the order stays responsive and a second dispatch is refused.
	sess, err := f.svc.Get(ctx, "SP-1")
	require.NoError(t, err)
	assert.True(t, sess.Fuel.DispatchInProgress)
	assert.Equal(t, models.StatusGateIn, sess.Status)

	_, err = f.svc.Dispense(ctx, "SP-1", "DRV-1")
	requireReason(t, err, terminalerr.KindConflict, statemachine.ReasonDispatchInProgress)

	close(disp.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, models.StatusLoading, res.out.Session.Status)
	assert.EqualValues(t, 1, disp.calls.Load())
}

func TestCancelDuringDispatch(t *testing.T) {
	disp := &fakeDispenser{configured: true, entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, disp, Options{})
	f.schedule(t, "SP-1", "DRV-1", "")
	readyToLoad(t, f, "SP-1")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Dispense(ctx, "SP-1", "")
		done <- err
	}()
	<-disp.entered

	_, err := f.svc.Cancel(ctx, "SP-1", "customer request")
	require.NoError(t, err)
	close(disp.release)

	err = <-done
	requireReason(t, err, terminalerr.KindConflict, statemachine.ReasonFinished)

	sess, err := f.svc.Get(ctx, "SP-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, sess.Status)
	assert.False(t, sess.Fuel.DispatchInProgress)
	assert.Nil(t, sess.Fuel.StartedAt)
	assert.Equal(t, "Dispenser accepted preset after session changed: Session already finished",
		sess.Events[len(sess.Events)-1].Text)
	assert.Contains(t, f.publisher.notes(), "Dispenser accepted preset after session changed: Session already finished")
}

func TestHoldDuringDispatch(t *testing.T) {
	disp := &fakeDispenser{configured: true, entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, disp, Options{})
	f.schedule(t, "SP-1", "DRV-1", "")
	readyToLoad(t, f, "SP-1")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Dispense(ctx, "SP-1", "")
		done <- err
	}()
	<-disp.entered

	_, err := f.svc.Hold(ctx, "SP-1", "inspection")
	require.NoError(t, err)
	close(disp.release)

	err = <-done
	requireReason(t, err, terminalerr.KindConflict, statemachine.ReasonOnHold)

	sess, err := f.svc.Get(ctx, "SP-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnHold, sess.Status)
	assert.False(t, sess.Fuel.DispatchInProgress)
	assert.Equal(t, "Dispenser accepted preset after session changed: Session is on hold",
		sess.Events[len(sess.Events)-1].Text)

	_, err = f.svc.Release(ctx, "SP-1")
	require.NoError(t, err)
	_, err = f.svc.Scan(ctx, models.StageGateExit, scanPayload("SP-1", "DRV-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, f.status(t, "SP-1"))
}

func TestZeroVolumeNeverReachesDispenser(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	gw := dispenser.NewGateway(dispenser.Config{URL: srv.URL}, srv.Client(), nil)

	f := newFixture(t, gw, Options{})
	ctx := context.Background()
	now := f.clock.Now()
	// Rows written before volumes were validated at scheduling.
	require.NoError(t, f.store.Create(ctx, &models.Session{
		OrderID:      "SP-0",
		DriverID:     "DRV-1",
		Product:      "diesel",
		ScheduledFor: now,
		Status:       models.StatusScheduled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
	readyToLoad(t, f, "SP-0")

	_, err := f.svc.Scan(ctx, models.StageFuelBay, scanPayload("SP-0", "DRV-1"))
	requireReason(t, err, terminalerr.KindValidation, "planned_volume must be positive to dispatch")
	_, err = f.svc.Dispense(ctx, "SP-0", "")
	assert.Equal(t, terminalerr.KindValidation, terminalerr.KindOf(err))
	assert.Zero(t, calls.Load())

	sess, err := f.svc.Get(ctx, "SP-0")
	require.NoError(t, err)
	assert.Equal(t, models.StatusGateIn, sess.Status)
	assert.False(t, sess.Fuel.DispatchInProgress)
	for _, ev := range sess.Events {
		assert.NotContains(t, ev.Text, "Dispenser preset")
	}
}

func TestGateExitFinishesStuckDispatch(t *testing.T) {
	f := newFixture(t, &fakeDispenser{configured: true}, Options{})
	f.schedule(t, "SP-1", "DRV-1", "")
	readyToLoad(t, f, "SP-1")
	ctx := context.Background()

	// A dispatch mark left behind by a process that died mid-call.
	sess, err := f.store.Get(ctx, "SP-1")
	require.NoError(t, err)
	sess.Fuel.DispatchInProgress = true
	sess.Fuel.DispatchStartedAt = models.TimePtr(f.clock.Now())
	require.NoError(t, f.store.Update(ctx, sess))

	_, err = f.svc.Scan(ctx, models.StageFuelBay, scanPayload("SP-1", "DRV-1"))
	requireReason(t, err, terminalerr.KindConflict, statemachine.ReasonDispatchInProgress)
	_, err = f.svc.AssignBay(ctx, "SP-1", "1A")
	requireReason(t, err, terminalerr.KindConflict, statemachine.ReasonDispatchInProgress)

	out, err := f.svc.Scan(ctx, models.StageGateExit, scanPayload("SP-1", "DRV-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, out.Session.Status)
	assert.False(t, out.Session.Fuel.DispatchInProgress)
}

func TestStaleDispatchMarkExpires(t *testing.T) {
	disp := &fakeDispenser{configured: true}
	f := newFixture(t, disp, Options{})
	f.schedule(t, "SP-1", "DRV-1", "")
	readyToLoad(t, f, "SP-1")
	ctx := context.Background()

	sess, err := f.store.Get(ctx, "SP-1")
	require.NoError(t, err)
	sess.Fuel.DispatchInProgress = true
	sess.Fuel.DispatchStartedAt = models.TimePtr(f.clock.Now())
	require.NoError(t, f.store.Update(ctx, sess))

	_, err = f.svc.Hold(ctx, "SP-1", "")
	require.NoError(t, err)
	_, err = f.svc.Release(ctx, "SP-1")
	require.NoError(t, err)
	_, err = f.svc.Dispense(ctx, "SP-1", "DRV-1")
	requireReason(t, err, terminalerr.KindConflict, statemachine.ReasonDispatchInProgress)

	f.clock.Advance(statemachine.DispatchStaleAfter + time.Second)
	out, err := f.svc.Dispense(ctx, "SP-1", "DRV-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusLoading, out.Session.Status)
	assert.EqualValues(t, 1, disp.calls.Load())

	var texts []string
	for _, ev := range out.Session.Events {
		texts = append(texts, ev.Text)
	}
	assert.Contains(t, texts, "Stale dispenser dispatch cleared")
}

func TestRequirePresence(t *testing.T) {
	f := newFixture(t, nil, Options{RequirePresence: true})
	f.schedule(t, "SP-1", "DRV-1", "")
	ctx := context.Background()
	payload := scanPayload("SP-1", "DRV-1")

	_, err := f.svc.Scan(ctx, models.StageGateEntry, payload)
	require.NoError(t, err)
	_, err = f.svc.AssignBay(ctx, "SP-1", "2B")
	require.NoError(t, err)
	f.verifyPin(t, "SP-1")

	_, err = f.svc.Scan(ctx, models.StageFuelBay, payload)
	requireReason(t, err, terminalerr.KindConflict, ReasonNoTruck)

	_, err = f.svc.Scan(ctx, models.StageFuelBay, scanPayload("SP-1", "DRV-9"))
	requireReason(t, err, terminalerr.KindConflict, statemachine.ReasonDriverMismatch)

	_, err = f.svc.Heartbeat(ctx, "2B", true)
	require.NoError(t, err)
	f.clock.Advance(2500 * time.Millisecond)
	_, err = f.svc.Heartbeat(ctx, "2B", true)
	require.NoError(t, err)

	out, err := f.svc.Scan(ctx, models.StageFuelBay, payload)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLoading, out.Session.Status)
}

func TestBayStatusCorroboration(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()

	report, err := f.svc.BayStatus(ctx, "1A")
	require.NoError(t, err)
	assert.Nil(t, report.Session)
	assert.Empty(t, report.Mismatch)

	f.schedule(t, "SP-1", "DRV-1", "")
	readyToLoad(t, f, "SP-1")
	_, err = f.svc.AssignBay(ctx, "SP-1", "1A")
	require.NoError(t, err)
	_, err = f.svc.Scan(ctx, models.StageFuelBay, scanPayload("SP-1", "DRV-1"))
	require.NoError(t, err)

	report, err = f.svc.BayStatus(ctx, "1A")
	require.NoError(t, err)
	require.NotNil(t, report.Session)
	assert.Equal(t, "SP-1", report.Session.OrderID)
	assert.Equal(t, MismatchNoTruck, report.Mismatch)

	_, err = f.svc.Heartbeat(ctx, "1A", true)
	require.NoError(t, err)
	f.clock.Advance(3 * time.Second)
	_, err = f.svc.Heartbeat(ctx, "1A", true)
	require.NoError(t, err)

	report, err = f.svc.BayStatus(ctx, "1A")
	require.NoError(t, err)
	assert.True(t, report.Occupied)
	assert.Empty(t, report.Mismatch)

	_, err = f.svc.Heartbeat(ctx, "3C", true)
	require.NoError(t, err)
	f.clock.Advance(3 * time.Second)
	_, err = f.svc.Heartbeat(ctx, "3C", true)
	require.NoError(t, err)
	report, err = f.svc.BayStatus(ctx, "3C")
	require.NoError(t, err)
	assert.Equal(t, MismatchNoSession, report.Mismatch)
}

func TestBayStatusFallsBackToStore(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	f.schedule(t, "SP-1", "DRV-1", "")
	readyToLoad(t, f, "SP-1")
	_, err := f.svc.AssignBay(ctx, "SP-1", "1A")
	require.NoError(t, err)

	report, err := f.svc.BayStatus(ctx, "1A")
	require.NoError(t, err)
	require.NotNil(t, report.Session, "queued session is found through the store")
	assert.Equal(t, models.StatusQueued, report.Session.Status)
}

func TestLookupByPlate(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	f.schedule(t, "SP-1", "DRV-1", "B 1234 XY")
	f.schedule(t, "SP-2", "DRV-2", "D 7777 AA")
	f.schedule(t, "SP-3", "DRV-3", "D 7777 AB")

	sess, err := f.svc.LookupByPlate(ctx, "b1234x")
	require.NoError(t, err)
	assert.Equal(t, "SP-1", sess.OrderID)

	_, err = f.svc.LookupByPlate(ctx, "D7777A")
	assert.Equal(t, terminalerr.KindConflict, terminalerr.KindOf(err))

	_, err = f.svc.Cancel(ctx, "SP-3", "")
	require.NoError(t, err)
	sess, err = f.svc.LookupByPlate(ctx, "D7777A")
	require.NoError(t, err)
	assert.Equal(t, "SP-2", sess.OrderID, "terminal sessions are not candidates")
}

func TestScheduleValidation(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()

	_, err := f.svc.Schedule(ctx, ScheduleInput{DriverID: "DRV-1"})
	assert.Equal(t, terminalerr.KindValidation, terminalerr.KindOf(err))

	_, err = f.svc.Schedule(ctx, ScheduleInput{OrderID: "SP-0", DriverID: "DRV-1"})
	requireReason(t, err, terminalerr.KindValidation, "planned_volume must be positive")
	_, err = f.svc.Schedule(ctx, ScheduleInput{OrderID: "SP-0", DriverID: "DRV-1", PlannedVolume: -10})
	assert.Equal(t, terminalerr.KindValidation, terminalerr.KindOf(err))

	f.schedule(t, "SP-1", "DRV-1", "")
	_, err = f.svc.Schedule(ctx, ScheduleInput{OrderID: "SP-1", DriverID: "DRV-1", PlannedVolume: 8000})
	assert.Equal(t, terminalerr.KindConflict, terminalerr.KindOf(err))
}

func TestIssuedCredentialScans(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.schedule(t, "SP-1", "DRV-1", "")
	ctx := context.Background()

	out, err := f.svc.IssueCredential(ctx, "SP-1", models.StageGateEntry)
	require.NoError(t, err)
	require.NotEmpty(t, out.Credential)
	assert.Equal(t, models.StageGateEntry, out.Session.Credential.Stage)

	scanned, err := f.svc.Scan(ctx, "", out.Credential)
	require.NoError(t, err)
	assert.Equal(t, models.StatusGateIn, scanned.Session.Status)
}

func TestHoldBlocksScans(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.schedule(t, "SP-1", "DRV-1", "")
	ctx := context.Background()

	_, err := f.svc.Hold(ctx, "SP-1", "paperwork")
	require.NoError(t, err)
	_, err = f.svc.Scan(ctx, models.StageGateEntry, scanPayload("SP-1", "DRV-1"))
	requireReason(t, err, terminalerr.KindConflict, statemachine.ReasonOnHold)

	out, err := f.svc.Release(ctx, "SP-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, out.Session.Status)

	_, err = f.svc.Scan(ctx, models.StageGateEntry, scanPayload("SP-1", "DRV-1"))
	require.NoError(t, err)
}

func TestStopLoadingReleasesBay(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.schedule(t, "SP-1", "DRV-1", "")
	ctx := context.Background()
	readyToLoad(t, f, "SP-1")
	_, err := f.svc.AssignBay(ctx, "SP-1", "1A")
	require.NoError(t, err)
	_, err = f.svc.Scan(ctx, models.StageFuelBay, scanPayload("SP-1", "DRV-1"))
	require.NoError(t, err)

	out, err := f.svc.StopLoading(ctx, "SP-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, out.Session.Status)
	binding, err := f.bays.OrderForBay(ctx, "1A")
	require.NoError(t, err)
	assert.Nil(t, binding)
}
