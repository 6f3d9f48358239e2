package appointment

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/cache"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/slots"
)

var testDay = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

type staticDirectory struct {
	byBranch map[uuid.UUID][]uuid.UUID
}

func (d *staticDirectory) ListDoctorsForBranch(_ context.Context, branchID uuid.UUID) ([]uuid.UUID, error) {
	return d.byBranch[branchID], nil
}

func (d *staticDirectory) ListBranchesForDoctor(_ context.Context, doctorID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for b, doctors := range d.byBranch {
		for _, id := range doctors {
			if id == doctorID {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []EventKind
}

func (n *recordingNotifier) NotifyAppointmentEvent(_ context.Context, kind EventKind, _ Appointment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, kind)
}

func (n *recordingNotifier) count(kind EventKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, k := range n.events {
		if k == kind {
			c++
		}
	}
	return c
}

// passThroughLocker takes no lock at all, leaving the store as the only guard.
type passThroughLocker struct{}

func (passThroughLocker) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type busyLocker struct{}

func (busyLocker) WithLock(context.Context, string, func(ctx context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

type testEnv struct {
	svc         *Service
	repo        *MemoryRepository
	doctorCache *cache.Memory[[]slots.TimeOfDay]
	branchCache *cache.Memory[[]DoctorAvailability]
	directory   *staticDirectory
	notifier    *recordingNotifier
}

func testConfig() config.Config {
	return config.Config{
		AppointmentDuration: 60 * time.Minute,
		AvailabilityTTL:     5 * time.Minute,
		BusinessHours:       slots.BusinessHours{Start: slots.MustParse("09:00"), End: slots.MustParse("17:00")},
		CancellationWindow:  24 * time.Hour,
		Location:            time.UTC,
		BranchFanOutLimit:   4,
	}
}

func newTestEnv(t *testing.T, locker redisclient.Locker) *testEnv {
	t.Helper()
	if locker == nil {
		locker = redisclient.NewLocalLocker(time.Second)
	}
	env := &testEnv{
		repo:        NewMemoryRepository(),
		doctorCache: cache.NewMemory[[]slots.TimeOfDay](),
		branchCache: cache.NewMemory[[]DoctorAvailability](),
		directory:   &staticDirectory{byBranch: map[uuid.UUID][]uuid.UUID{}},
		notifier:    &recordingNotifier{},
	}
	env.svc = NewService(Dependencies{
		Repo:        env.repo,
		Locker:      locker,
		DoctorCache: env.doctorCache,
		BranchCache: env.branchCache,
		Directory:   env.directory,
		Notifier:    env.notifier,
	}, testConfig())
	return env
}

func (e *testEnv) book(t *testing.T, doctorID uuid.UUID, start string) (*Appointment, error) {
	t.Helper()
	return e.svc.ScheduleAppointment(context.Background(), ScheduleRequest{
		PatientID: uuid.New(),
		DoctorID:  doctorID,
		BranchID:  uuid.New(),
		Date:      testDay,
		StartTime: slots.MustParse(start),
	})
}

func TestScheduleAppointment(t *testing.T) {
	env := newTestEnv(t, nil)
	doctorID := uuid.New()

	appt, err := env.book(t, doctorID, "10:00")
	require.NoError(t, err)

	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, TypeConsultation, appt.Type)
	assert.Equal(t, "11:00", appt.EndTime.String())
	assert.Equal(t, int64(1), appt.Version)
	assert.Equal(t, 1, env.notifier.count(EventScheduled))
}

func TestScheduleAppointment_InvalidInterval(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.book(t, uuid.New(), "23:30")

	require.ErrorIs(t, err, ErrInvalidInterval)
	assert.Zero(t, env.repo.Len())
}

func TestScheduleAppointment_LockNotAcquired(t *testing.T) {
	env := newTestEnv(t, busyLocker{})

	_, err := env.book(t, uuid.New(), "10:00")

	require.ErrorIs(t, err, ErrSlotUnavailable)
	require.ErrorIs(t, err, redisclient.ErrLockNotAcquired)
}

func TestBookingLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	d1, b1 := uuid.New(), uuid.New()

	req := ScheduleRequest{
		PatientID: uuid.New(),
		DoctorID:  d1,
		BranchID:  b1,
		Date:      testDay,
		StartTime: slots.MustParse("10:00"),
	}
	first, err := env.svc.ScheduleAppointment(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, first.Status)
	assert.Equal(t, "10:00", first.StartTime.String())
	assert.Equal(t, "11:00", first.EndTime.String())

	req.PatientID = uuid.New()
	req.StartTime = slots.MustParse("10:30")
	_, err = env.svc.ScheduleAppointment(ctx, req)
	require.ErrorIs(t, err, ErrSlotUnavailable)

	cancelled, err := env.svc.CancelAppointment(ctx, first.ID, "patient request")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancellationReason)
	assert.Equal(t, "patient request", *cancelled.CancellationReason)

	second, err := env.svc.ScheduleAppointment(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "10:30", second.StartTime.String())
	assert.Equal(t, "11:30", second.EndTime.String())
}

func TestConflictDetector_Overlap(t *testing.T) {
	repo := NewMemoryRepository()
	detector := NewConflictDetector(repo)
	ctx := context.Background()
	doctorID := uuid.New()

	existing, err := repo.Create(ctx, &Appointment{
		DoctorID:  doctorID,
		Date:      testDay,
		StartTime: slots.MustParse("10:00"),
		EndTime:   slots.MustParse("11:00"),
		Status:    StatusScheduled,
	})
	require.NoError(t, err)

	tests := []struct {
		name       string
		start, end string
		exclude    *uuid.UUID
		want       bool
	}{
		{name: "partial overlap", start: "10:30", end: "11:30", want: false},
		{name: "adjacent before", start: "09:00", end: "10:00", want: true},
		{name: "adjacent after", start: "11:00", end: "12:00", want: true},
		{name: "contains existing", start: "09:30", end: "11:30", want: false},
		{name: "inside existing", start: "10:15", end: "10:45", want: false},
		{name: "identical", start: "10:00", end: "11:00", want: false},
		{name: "identical excluding itself", start: "10:00", end: "11:00", exclude: &existing.ID, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			free, err := detector.IsAvailable(ctx, doctorID, testDay, slots.MustParse(tt.start), slots.MustParse(tt.end), tt.exclude)
			require.NoError(t, err)
			assert.Equal(t, tt.want, free)
		})
	}

	t.Run("other doctor", func(t *testing.T) {
		free, err := detector.IsAvailable(ctx, uuid.New(), testDay, slots.MustParse("10:00"), slots.MustParse("11:00"), nil)
		require.NoError(t, err)
		assert.True(t, free)
	})

	t.Run("cancelled does not block", func(t *testing.T) {
		cancelled := *existing
		cancelled.Status = StatusCancelled
		_, err := repo.Update(ctx, &cancelled, existing.Version)
		require.NoError(t, err)

		free, err := detector.IsAvailable(ctx, doctorID, testDay, slots.MustParse("10:30"), slots.MustParse("11:30"), nil)
		require.NoError(t, err)
		assert.True(t, free)
	})
}

func TestGetDoctorAvailability(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	doctorID := uuid.New()

	free, err := env.svc.GetDoctorAvailability(ctx, doctorID, testDay)
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "10:00", "11:00", "12:00", "13:00", "14:00", "15:00", "16:00"}, slots.Strings(free))

	_, err = env.book(t, doctorID, "10:00")
	require.NoError(t, err)

	free, err = env.svc.GetDoctorAvailability(ctx, doctorID, testDay)
	require.NoError(t, err)
	assert.NotContains(t, slots.Strings(free), "10:00")
	assert.Len(t, free, 7)
}

func TestGetDoctorAvailability_ExactStartMatchOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	doctorID := uuid.New()

	_, err := env.book(t, doctorID, "10:30")
	require.NoError(t, err)

	free, err := env.svc.GetDoctorAvailability(context.Background(), doctorID, testDay)
	require.NoError(t, err)

	// 10:30-11:30 starts on no grid slot, so the listing is unchanged.
	assert.Len(t, free, 8)
	assert.Contains(t, slots.Strings(free), "10:00")
	assert.Contains(t, slots.Strings(free), "11:00")
}

func TestGetDoctorAvailability_ServedFromCache(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	doctorID := uuid.New()

	stale := []slots.TimeOfDay{slots.MustParse("13:00")}
	require.NoError(t, env.doctorCache.Put(ctx, cache.DoctorKey(doctorID, testDay), stale, time.Minute))

	free, err := env.svc.GetDoctorAvailability(ctx, doctorID, testDay)
	require.NoError(t, err)
	assert.Equal(t, []string{"13:00"}, slots.Strings(free))
}

func TestGetDoctorAvailability_CacheReadErrorIsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	doctorID := uuid.New()
	key := cache.DoctorKey(doctorID, testDay)
	require.NoError(t, mr.Set(key.String(), "not json"))

	svc := NewService(Dependencies{
		Repo:        NewMemoryRepository(),
		Locker:      passThroughLocker{},
		DoctorCache: cache.NewRedis[[]slots.TimeOfDay](client),
	}, testConfig())

	free, err := svc.GetDoctorAvailability(context.Background(), doctorID, testDay)
	require.NoError(t, err)
	assert.Len(t, free, 8)
}

func TestCacheInvalidatedOnSchedule(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	doctorID := uuid.New()

	before, err := env.svc.GetDoctorAvailability(ctx, doctorID, testDay)
	require.NoError(t, err)
	require.Contains(t, slots.Strings(before), "10:00")
	require.Equal(t, 1, env.doctorCache.Len())

	_, err = env.book(t, doctorID, "10:00")
	require.NoError(t, err)

	after, err := env.svc.GetDoctorAvailability(ctx, doctorID, testDay)
	require.NoError(t, err)
	assert.NotContains(t, slots.Strings(after), "10:00")
}

func TestCacheInvalidatedOnCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	doctorID := uuid.New()

	appt, err := env.book(t, doctorID, "10:00")
	require.NoError(t, err)

	free, err := env.svc.GetDoctorAvailability(ctx, doctorID, testDay)
	require.NoError(t, err)
	require.NotContains(t, slots.Strings(free), "10:00")

	_, err = env.svc.CancelAppointment(ctx, appt.ID, "")
	require.NoError(t, err)

	free, err = env.svc.GetDoctorAvailability(ctx, doctorID, testDay)
	require.NoError(t, err)
	assert.Contains(t, slots.Strings(free), "10:00")
}

func TestCacheInvalidatedAcrossDoctorBranches(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	doctorID, b1, b2 := uuid.New(), uuid.New(), uuid.New()
	env.directory.byBranch[b1] = []uuid.UUID{doctorID}
	env.directory.byBranch[b2] = []uuid.UUID{doctorID}

	listing, err := env.svc.GetBranchAvailability(ctx, b1, testDay)
	require.NoError(t, err)
	require.Len(t, listing, 1)
	require.Contains(t, slots.Strings(listing[0].Slots), "10:00")

	// booked through the other branch
	_, err = env.svc.ScheduleAppointment(ctx, ScheduleRequest{
		PatientID: uuid.New(),
		DoctorID:  doctorID,
		BranchID:  b2,
		Date:      testDay,
		StartTime: slots.MustParse("10:00"),
	})
	require.NoError(t, err)

	listing, err = env.svc.GetBranchAvailability(ctx, b1, testDay)
	require.NoError(t, err)
	require.Len(t, listing, 1)
	assert.NotContains(t, slots.Strings(listing[0].Slots), "10:00")
}

func TestRescheduleAppointment_ExcludesItself(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	doctorID := uuid.New()

	appt, err := env.book(t, doctorID, "10:00")
	require.NoError(t, err)

	moved, err := env.svc.RescheduleAppointment(ctx, RescheduleRequest{
		AppointmentID: appt.ID,
		DoctorID:      doctorID,
		Date:          testDay,
		StartTime:     slots.MustParse("10:30"),
	})
	require.NoError(t, err)

	assert.Equal(t, appt.ID, moved.ID)
	assert.Equal(t, StatusRescheduled, moved.Status)
	assert.Equal(t, "10:30", moved.StartTime.String())
	assert.Equal(t, "11:30", moved.EndTime.String())
	assert.Equal(t, int64(2), moved.Version)
	assert.Equal(t, 1, env.notifier.count(EventRescheduled))
}

func TestRescheduleAppointment_ConflictLeavesOriginal(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	doctorID := uuid.New()

	a, err := env.book(t, doctorID, "10:00")
	require.NoError(t, err)
	_, err = env.book(t, doctorID, "12:00")
	require.NoError(t, err)

	_, err = env.svc.RescheduleAppointment(ctx, RescheduleRequest{
		AppointmentID: a.ID,
		DoctorID:      doctorID,
		Date:          testDay,
		StartTime:     slots.MustParse("11:30"),
	})
	require.ErrorIs(t, err, ErrSlotUnavailable)

	stored, err := env.svc.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "10:00", stored.StartTime.String())
	assert.Equal(t, StatusScheduled, stored.Status)
	assert.Equal(t, int64(1), stored.Version)
}

func TestRescheduleAppointment_OtherDoctorAndDate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	d1, d2 := uuid.New(), uuid.New()
	nextDay := testDay.AddDate(0, 0, 1)
	branch := uuid.New()

	a, err := env.book(t, d1, "10:00")
	require.NoError(t, err)

	// prime both doctors' listings
	_, err = env.svc.GetDoctorAvailability(ctx, d1, testDay)
	require.NoError(t, err)
	_, err = env.svc.GetDoctorAvailability(ctx, d2, nextDay)
	require.NoError(t, err)

	moved, err := env.svc.RescheduleAppointment(ctx, RescheduleRequest{
		AppointmentID: a.ID,
		DoctorID:      d2,
		BranchID:      &branch,
		Date:          nextDay,
		StartTime:     slots.MustParse("14:00"),
	})
	require.NoError(t, err)
	assert.Equal(t, d2, moved.DoctorID)
	assert.Equal(t, branch, moved.BranchID)
	assert.True(t, moved.Date.Equal(nextDay))

	free, err := env.svc.GetDoctorAvailability(ctx, d1, testDay)
	require.NoError(t, err)
	assert.Contains(t, slots.Strings(free), "10:00")

	free, err = env.svc.GetDoctorAvailability(ctx, d2, nextDay)
	require.NoError(t, err)
	assert.NotContains(t, slots.Strings(free), "14:00")
}

func TestRescheduleAppointment_Cancelled(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	doctorID := uuid.New()

	a, err := env.book(t, doctorID, "10:00")
	require.NoError(t, err)
	_, err = env.svc.CancelAppointment(ctx, a.ID, "")
	require.NoError(t, err)

	_, err = env.svc.RescheduleAppointment(ctx, RescheduleRequest{
		AppointmentID: a.ID,
		DoctorID:      doctorID,
		Date:          testDay,
		StartTime:     slots.MustParse("12:00"),
	})
	require.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestRescheduleAppointment_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.RescheduleAppointment(context.Background(), RescheduleRequest{
		AppointmentID: uuid.New(),
		DoctorID:      uuid.New(),
		Date:          testDay,
		StartTime:     slots.MustParse("12:00"),
	})
	require.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestCancelAppointment_Twice(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	a, err := env.book(t, uuid.New(), "10:00")
	require.NoError(t, err)

	_, err = env.svc.CancelAppointment(ctx, a.ID, "first")
	require.NoError(t, err)

	_, err = env.svc.CancelAppointment(ctx, a.ID, "second")
	require.ErrorIs(t, err, ErrInvalidStatusTransition)

	stored, err := env.svc.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
	assert.Equal(t, "first", *stored.CancellationReason)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, 1, env.notifier.count(EventCancelled))
}

func TestConfirmAndComplete(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	a, err := env.book(t, uuid.New(), "10:00")
	require.NoError(t, err)

	confirmed, err := env.svc.ConfirmAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	_, err = env.svc.ConfirmAppointment(ctx, a.ID)
	require.ErrorIs(t, err, ErrInvalidStatusTransition)

	completed, err := env.svc.CompleteAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)

	_, err = env.svc.CancelAppointment(ctx, a.ID, "")
	require.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestConcurrentBookingRace(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lockers := map[string]redisclient.Locker{
		"local lock": redisclient.NewLocalLocker(time.Second),
		"redis lock": redisclient.NewRedisLocker(client, 5*time.Second, 2*time.Second),
		"store only": passThroughLocker{},
	}

	for name, locker := range lockers {
		t.Run(name, func(t *testing.T) {
			for round := 0; round < 20; round++ {
				env := newTestEnv(t, locker)
				doctorID := uuid.New()

				starts := []string{"10:00", "10:30"}
				errs := make([]error, len(starts))
				gate := make(chan struct{})

				var wg sync.WaitGroup
				for i, start := range starts {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-gate
						_, errs[i] = env.book(t, doctorID, start)
					}()
				}
				close(gate)
				wg.Wait()

				ok, conflicts := 0, 0
				for _, err := range errs {
					switch {
					case err == nil:
						ok++
					case errors.Is(err, ErrSlotUnavailable):
						conflicts++
					default:
						t.Fatalf("unexpected error: %v", err)
					}
				}
				require.Equal(t, 1, ok, "round %d", round)
				require.Equal(t, 1, conflicts, "round %d", round)
				require.Equal(t, 1, env.repo.Len())
			}
		})
	}
}

func TestNonOverlapUnderRandomOperations(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	doctors := []uuid.UUID{uuid.New(), uuid.New()}
	days := []time.Time{testDay, testDay.AddDate(0, 0, 1)}
	var ids []uuid.UUID

	randomStart := func() slots.TimeOfDay {
		// quarter-hour starts between 09:00 and 16:00
		return slots.MustParse("09:00").Add(time.Duration(rng.Intn(29)*15) * time.Minute)
	}

	for step := 0; step < 400; step++ {
		var err error
		switch op := rng.Intn(10); {
		case op < 5 || len(ids) == 0:
			var a *Appointment
			a, err = env.svc.ScheduleAppointment(ctx, ScheduleRequest{
				PatientID: uuid.New(),
				DoctorID:  doctors[rng.Intn(len(doctors))],
				BranchID:  uuid.New(),
				Date:      days[rng.Intn(len(days))],
				StartTime: randomStart(),
			})
			if err == nil {
				ids = append(ids, a.ID)
			}
		case op < 8:
			_, err = env.svc.RescheduleAppointment(ctx, RescheduleRequest{
				AppointmentID: ids[rng.Intn(len(ids))],
				DoctorID:      doctors[rng.Intn(len(doctors))],
				Date:          days[rng.Intn(len(days))],
				StartTime:     randomStart(),
			})
		default:
			_, err = env.svc.CancelAppointment(ctx, ids[rng.Intn(len(ids))], "")
		}

		if err != nil && !errors.Is(err, ErrSlotUnavailable) && !errors.Is(err, ErrInvalidStatusTransition) {
			t.Fatalf("step %d: unexpected error: %v", step, err)
		}
		assertNoActiveOverlap(t, env.repo, step)
	}
}

func assertNoActiveOverlap(t *testing.T, repo *MemoryRepository, step int) {
	t.Helper()

	all, err := repo.FindMany(context.Background(), Filter{ExcludeStatuses: inactiveStatuses})
	require.NoError(t, err)

	for i := range all {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			if a.DoctorID != b.DoctorID || !a.Date.Equal(b.Date) {
				continue
			}
			if slots.Overlaps(a.StartTime, a.EndTime, b.StartTime, b.EndTime) {
				t.Fatalf("step %d: %s [%s,%s) overlaps %s [%s,%s)", step,
					a.ID, a.StartTime, a.EndTime, b.ID, b.StartTime, b.EndTime)
			}
		}
	}
}

type failingDoctorRepo struct {
	*MemoryRepository
	doctorID uuid.UUID
}

func (r *failingDoctorRepo) FindMany(ctx context.Context, f Filter) ([]Appointment, error) {
	if f.DoctorID != nil && *f.DoctorID == r.doctorID {
		return nil, errors.New("connection reset")
	}
	return r.MemoryRepository.FindMany(ctx, f)
}

func TestGetBranchAvailability(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	branchID := uuid.New()
	d1, d2 := uuid.New(), uuid.New()
	env.directory.byBranch[branchID] = []uuid.UUID{d1, d2}

	_, err := env.book(t, d1, "09:00")
	require.NoError(t, err)

	listing, err := env.svc.GetBranchAvailability(ctx, branchID, testDay)
	require.NoError(t, err)
	require.Len(t, listing, 2)

	assert.Equal(t, d1, listing[0].DoctorID)
	assert.Len(t, listing[0].Slots, 7)
	assert.Equal(t, d2, listing[1].DoctorID)
	assert.Len(t, listing[1].Slots, 8)
	assert.Equal(t, 1, env.branchCache.Len())
}

func TestGetBranchAvailability_PartialFailure(t *testing.T) {
	branchID := uuid.New()
	good, bad := uuid.New(), uuid.New()
	branchCache := cache.NewMemory[[]DoctorAvailability]()

	svc := NewService(Dependencies{
		Repo:        &failingDoctorRepo{MemoryRepository: NewMemoryRepository(), doctorID: bad},
		Locker:      passThroughLocker{},
		BranchCache: branchCache,
		Directory:   &staticDirectory{byBranch: map[uuid.UUID][]uuid.UUID{branchID: {good, bad}}},
	}, testConfig())

	listing, err := svc.GetBranchAvailability(context.Background(), branchID, testDay)
	require.NoError(t, err)
	require.Len(t, listing, 2)

	assert.Len(t, listing[0].Slots, 8)
	assert.Empty(t, listing[0].Error)
	assert.Nil(t, listing[1].Slots)
	assert.NotEmpty(t, listing[1].Error)
	assert.Zero(t, branchCache.Len())
}

func TestGetBranchAvailability_NoDirectory(t *testing.T) {
	svc := NewService(Dependencies{Repo: NewMemoryRepository(), Locker: passThroughLocker{}}, testConfig())

	_, err := svc.GetBranchAvailability(context.Background(), uuid.New(), testDay)
	require.ErrorIs(t, err, ErrDirectoryUnavailable)
}

func TestSchedules(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	doctorID, patientID := uuid.New(), uuid.New()
	prevDay := testDay.AddDate(0, 0, -1)

	book := func(date time.Time, start string, patient uuid.UUID) {
		_, err := env.svc.ScheduleAppointment(ctx, ScheduleRequest{
			PatientID: patient,
			DoctorID:  doctorID,
			BranchID:  uuid.New(),
			Date:      date,
			StartTime: slots.MustParse(start),
		})
		require.NoError(t, err)
	}
	book(testDay, "14:00", patientID)
	book(testDay, "09:00", uuid.New())
	book(prevDay, "10:00", patientID)
	book(testDay.AddDate(0, 0, 5), "10:00", patientID)

	list, err := env.svc.GetDoctorSchedule(ctx, doctorID, prevDay, testDay)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, list[0].Date.Equal(prevDay))
	assert.Equal(t, "09:00", list[1].StartTime.String())
	assert.Equal(t, "14:00", list[2].StartTime.String())

	list, err = env.svc.GetPatientSchedule(ctx, patientID, prevDay, testDay)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, a := range list {
		assert.Equal(t, patientID, a.PatientID)
	}

	list, err = env.svc.GetDoctorSchedule(ctx, doctorID, testDay, prevDay)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCheckCancellationWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	a := &Appointment{Date: testDay, StartTime: slots.MustParse("10:00")}

	assert.NoError(t, env.svc.CheckCancellationWindow(a, time.Date(2025, 3, 9, 9, 59, 0, 0, time.UTC)))
	assert.ErrorIs(t, env.svc.CheckCancellationWindow(a, time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)), ErrCancellationWindowClosed)
	assert.ErrorIs(t, env.svc.CheckCancellationWindow(a, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)), ErrCancellationWindowClosed)
}

func TestCompletePastAppointments(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	doctorID := uuid.New()

	past, err := env.book(t, doctorID, "09:00")
	require.NoError(t, err)
	running, err := env.book(t, doctorID, "10:00")
	require.NoError(t, err)
	cancelled, err := env.book(t, doctorID, "08:00")
	require.NoError(t, err)
	_, err = env.svc.CancelAppointment(ctx, cancelled.ID, "")
	require.NoError(t, err)

	n, err := env.svc.CompletePastAppointments(ctx, time.Date(2025, 3, 10, 10, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.svc.GetAppointment(ctx, past.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	got, err = env.svc.GetAppointment(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status)

	got, err = env.svc.GetAppointment(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestServiceMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewScheduling(reg)

	svc := NewService(Dependencies{
		Repo:        NewMemoryRepository(),
		Locker:      passThroughLocker{},
		DoctorCache: cache.NewMemory[[]slots.TimeOfDay](),
		Metrics:     m,
	}, testConfig())
	ctx := context.Background()
	doctorID := uuid.New()

	req := ScheduleRequest{PatientID: uuid.New(), DoctorID: doctorID, BranchID: uuid.New(), Date: testDay, StartTime: slots.MustParse("10:00")}
	_, err := svc.ScheduleAppointment(ctx, req)
	require.NoError(t, err)
	_, err = svc.ScheduleAppointment(ctx, req)
	require.ErrorIs(t, err, ErrSlotUnavailable)

	_, err = svc.GetDoctorAvailability(ctx, doctorID, testDay)
	require.NoError(t, err)
	_, err = svc.GetDoctorAvailability(ctx, doctorID, testDay)
	require.NoError(t, err)

	// schedule{ok}, schedule{slot_unavailable}, doctor_availability{ok}
	n, err := testutil.GatherAndCount(reg, "clinic_scheduling_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// doctor{miss}, doctor{hit}
	n, err = testutil.GatherAndCount(reg, "clinic_availability_cache_lookups_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
