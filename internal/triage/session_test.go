package triage

import (
	"context"
	"errors"
	"image"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// mockLibrary implements Library for testing.
type mockLibrary struct {
	mu         sync.Mutex
	auth       Authorization
	authErr    error
	authCalls  int
	ids        []AssetID
	listErr    error
	images     map[AssetID]image.Image
	nilImage   map[AssetID]bool
	missing    map[AssetID]bool
	fetchErr   map[AssetID]error
	gates      map[AssetID]chan struct{}
	deleteErr  error
	deleteGate chan struct{}
	deleted    [][]AssetID
	keepOnDisk bool
}

func newMockLibrary(ids ...AssetID) *mockLibrary {
	return &mockLibrary{
		auth:     AuthAuthorized,
		ids:      ids,
		images:   make(map[AssetID]image.Image),
		nilImage: make(map[AssetID]bool),
		missing:  make(map[AssetID]bool),
		fetchErr: make(map[AssetID]error),
		gates:    make(map[AssetID]chan struct{}),
	}
}

func (m *mockLibrary) Authorize(_ context.Context) (Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCalls++
	return m.auth, m.authErr
}

func (m *mockLibrary) ListAssetIDs(_ context.Context) ([]AssetID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]AssetID(nil), m.ids...), nil
}

func (m *mockLibrary) FetchImage(ctx context.Context, id AssetID, _ Size) (image.Image, error) {
	m.mu.Lock()
	gate := m.gates[id]
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.missing[id] {
		return nil, ErrAssetNotFound
	}
	if err := m.fetchErr[id]; err != nil {
		return nil, err
	}
	if m.nilImage[id] {
		return nil, nil
	}
	img, ok := m.images[id]
	if !ok {
		img = image.NewRGBA(image.Rect(0, 0, 2, 2))
		m.images[id] = img
	}
	return img, nil
}

func (m *mockLibrary) Delete(ctx context.Context, ids []AssetID) error {
	m.mu.Lock()
	gate := m.deleteGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, append([]AssetID(nil), ids...))
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if !m.keepOnDisk {
		m.ids = slices.DeleteFunc(m.ids, func(id AssetID) bool { return slices.Contains(ids, id) })
	}
	return nil
}

func (m *mockLibrary) OpenSettings(_ context.Context) error { return nil }

func (m *mockLibrary) imageFor(id AssetID) image.Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.images[id]
}

func (m *mockLibrary) gate(id AssetID) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.gates[id] = ch
	return ch
}

// gateDelete holds Delete until the returned channel is closed.
func (m *mockLibrary) gateDelete() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteGate = make(chan struct{})
	return m.deleteGate
}

// mockSets implements SetStore for testing.
type mockSets struct {
	mu      sync.Mutex
	sets    map[string][]AssetID
	loadErr error
	saveErr error
	saves   int
}

func newMockSets() *mockSets {
	return &mockSets{sets: make(map[string][]AssetID)}
}

func (m *mockSets) Load(_ context.Context, key string) ([]AssetID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]AssetID(nil), m.sets[key]...), nil
}

func (m *mockSets) Save(_ context.Context, key string, ids []AssetID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.sets[key] = append([]AssetID(nil), ids...)
	return nil
}

func (m *mockSets) get(key string) []AssetID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AssetID(nil), m.sets[key]...)
}

// mockNotifier records purge reports.
type mockNotifier struct {
	mu      sync.Mutex
	reports []*PurgeReport
}

func (n *mockNotifier) Send(_ context.Context, r *PurgeReport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, r)
	return nil
}

func (n *mockNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reports)
}

// firstIndex always draws the first remaining photo.
func firstIndex(int) int { return 0 }

func newTestSession(t *testing.T, lib *mockLibrary, sets *mockSets, opts Options) *Session {
	t.Helper()
	if opts.IntN == nil {
		opts.IntN = firstIndex
	}
	s := NewSession(lib, sets, log.Nop(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func waitFor(t *testing.T, s *Session, desc string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := s.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot %+v", desc, snap)
		}
		time.Sleep(time.Millisecond)
	}
}

// settled means the session is showing a fetched photo or has nothing left.
func settled(snap Snapshot) bool {
	return (snap.State == StateReady && snap.ImageReady) || snap.State == StateEmpty || snap.State == StateDenied
}

func startSettled(t *testing.T, s *Session) Snapshot {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return waitFor(t, s, "session to settle", settled)
}

func mustKept(t *testing.T, s *Session) []AssetID {
	t.Helper()
	ids, err := s.Kept(context.Background())
	if err != nil {
		t.Fatalf("Kept: %v", err)
	}
	return ids
}

func mustTrashed(t *testing.T, s *Session) []AssetID {
	t.Helper()
	ids, err := s.Trashed(context.Background())
	if err != nil {
		t.Fatalf("Trashed: %v", err)
	}
	return ids
}

func mustRemaining(t *testing.T, s *Session) []AssetID {
	t.Helper()
	ids, err := s.Remaining(context.Background())
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	return ids
}

func TestNewSession_NilLibrary_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("NewSession(nil, ...) did not panic")
		}
	}()
	NewSession(nil, newMockSets(), log.Nop(), Options{})
}

func TestNewSession_NilSets_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("NewSession(lib, nil, ...) did not panic")
		}
	}()
	NewSession(newMockLibrary(), nil, log.Nop(), Options{})
}

func TestSession_InitialSnapshotIdle(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, newMockLibrary("a"), newMockSets(), Options{})
	snap := s.Snapshot()
	if snap.State != StateIdle {
		t.Errorf("state = %q, want %q", snap.State, StateIdle)
	}
	if snap.Current != nil {
		t.Errorf("current = %q, want nil", *snap.Current)
	}
}

func TestStart_ReadyWithCurrentFromPool(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A", "B", "C")
	s := newTestSession(t, lib, newMockSets(), Options{IntN: func(n int) int { return n - 1 }})

	snap := startSettled(t, s)
	if snap.State != StateReady {
		t.Fatalf("state = %q, want %q", snap.State, StateReady)
	}
	if snap.Current == nil {
		t.Fatal("current = nil, want a photo")
	}
	if !slices.Contains([]AssetID{"A", "B", "C"}, *snap.Current) {
		t.Errorf("current = %q, not in pool", *snap.Current)
	}
	if snap.Remaining != 3 {
		t.Errorf("remaining = %d, want 3", snap.Remaining)
	}
	if snap.Epoch == "" {
		t.Error("expected an epoch id")
	}

	id, img, ok := s.Image()
	if !ok {
		t.Fatal("expected a published image")
	}
	if id != *snap.Current {
		t.Errorf("image id = %q, want %q", id, *snap.Current)
	}
	if img != lib.imageFor(id) {
		t.Error("published image does not match fetched image")
	}
}

func TestStart_EmptyLibrary(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, newMockLibrary(), newMockSets(), Options{})
	snap := startSettled(t, s)
	if snap.State != StateEmpty {
		t.Errorf("state = %q, want %q", snap.State, StateEmpty)
	}
	if snap.Current != nil {
		t.Errorf("current = %q, want nil", *snap.Current)
	}
}

func TestStart_ExcludesPersistedSets(t *testing.T) {
	t.Parallel()

	sets := newMockSets()
	sets.sets[KeyKept] = []AssetID{"A"}
	sets.sets[KeyTrashed] = []AssetID{"B"}
	sets.sets[KeyPurged] = []AssetID{"C"}

	s := newTestSession(t, newMockLibrary("A", "B", "C", "D"), sets, Options{})
	snap := startSettled(t, s)

	if snap.Current == nil || *snap.Current != "D" {
		t.Fatalf("current = %v, want D", snap.Current)
	}
	if got := mustRemaining(t, s); !slices.Equal(got, []AssetID{"D"}) {
		t.Errorf("remaining = %v, want [D]", got)
	}
	if snap.Kept != 1 || snap.Trashed != 1 || snap.Purged != 1 {
		t.Errorf("counts kept=%d trashed=%d purged=%d, want 1/1/1", snap.Kept, snap.Trashed, snap.Purged)
	}
}

func TestStart_PrunesPurgedIDsNoLongerListed(t *testing.T) {
	t.Parallel()

	sets := newMockSets()
	sets.sets[KeyPurged] = []AssetID{"gone", "B"}

	s := newTestSession(t, newMockLibrary("A", "B"), sets, Options{})
	snap := startSettled(t, s)

	if snap.Purged != 1 {
		t.Errorf("purged = %d, want 1", snap.Purged)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := sets.get(KeyPurged); !slices.Equal(got, []AssetID{"B"}) {
		t.Errorf("persisted purged = %v, want [B]", got)
	}
}

func TestStart_AuthorizationOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		auth    Authorization
		authErr error
		want    State
	}{
		{"authorized", AuthAuthorized, nil, StateReady},
		{"limited", AuthLimited, nil, StateReady},
		{"denied", AuthDenied, nil, StateDenied},
		{"restricted", AuthRestricted, nil, StateDenied},
		{"not determined", AuthNotDetermined, nil, StateDenied},
		{"error", AuthAuthorized, errors.New("prompt failed"), StateDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			lib := newMockLibrary("A")
			lib.auth = tt.auth
			lib.authErr = tt.authErr
			s := newTestSession(t, lib, newMockSets(), Options{})

			snap := startSettled(t, s)
			if snap.State != tt.want {
				t.Errorf("state = %q, want %q", snap.State, tt.want)
			}
		})
	}
}

func TestStart_RetryAfterDenied(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A")
	lib.auth = AuthDenied
	s := newTestSession(t, lib, newMockSets(), Options{})

	if snap := startSettled(t, s); snap.State != StateDenied {
		t.Fatalf("state = %q, want %q", snap.State, StateDenied)
	}

	lib.mu.Lock()
	lib.auth = AuthAuthorized
	lib.mu.Unlock()

	if snap := startSettled(t, s); snap.State != StateReady {
		t.Errorf("state after retry = %q, want %q", snap.State, StateReady)
	}
}

func TestStart_LimitedOffersPickerOnce(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A")
	lib.auth = AuthLimited
	s := newTestSession(t, lib, newMockSets(), Options{})
	ctx := context.Background()

	if snap := startSettled(t, s); !snap.OfferPicker {
		t.Error("snapshot should advertise the picker offer after limited authorization")
	}

	offer, err := s.TakePickerOffer(ctx)
	if err != nil {
		t.Fatalf("TakePickerOffer: %v", err)
	}
	if !offer {
		t.Fatal("expected picker offer after limited authorization")
	}
	if s.Snapshot().OfferPicker {
		t.Error("snapshot still advertises the picker offer after it was taken")
	}

	offer, _ = s.TakePickerOffer(ctx)
	if offer {
		t.Error("picker offer should be consumed after the first take")
	}

	startSettled(t, s)
	offer, _ = s.TakePickerOffer(ctx)
	if offer {
		t.Error("picker offer should not be re-triggered by a later start")
	}
}

func TestStart_FullAccessNoPickerOffer(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, newMockLibrary("A"), newMockSets(), Options{})
	startSettled(t, s)

	offer, err := s.TakePickerOffer(context.Background())
	if err != nil {
		t.Fatalf("TakePickerOffer: %v", err)
	}
	if offer {
		t.Error("no picker offer expected for full authorization")
	}
}

func TestStart_LoadErrorStaysIdle(t *testing.T) {
	t.Parallel()

	sets := newMockSets()
	sets.loadErr = errors.New("disk gone")
	lib := newMockLibrary("A")
	s := newTestSession(t, lib, sets, Options{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := waitFor(t, s, "load failure", func(s Snapshot) bool { return s.LastError != "" })
	if snap.State != StateIdle {
		t.Errorf("state = %q, want %q", snap.State, StateIdle)
	}

	lib.mu.Lock()
	calls := lib.authCalls
	lib.mu.Unlock()
	if calls != 0 {
		t.Errorf("authorize calls = %d, want 0 when sets cannot load", calls)
	}
}

func TestStart_ListErrorGoesEmpty(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A")
	lib.listErr = errors.New("io error")
	s := newTestSession(t, lib, newMockSets(), Options{})

	snap := startSettled(t, s)
	if snap.State != StateEmpty {
		t.Errorf("state = %q, want %q", snap.State, StateEmpty)
	}
	if snap.LastError == "" {
		t.Error("expected last_error for list failure")
	}
}

func TestKeepCurrent_MovesToKept(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A", "B", "C")
	s := newTestSession(t, lib, newMockSets(), Options{})
	ctx := context.Background()

	snap := startSettled(t, s)
	prev := *snap.Current

	if err := s.KeepCurrent(ctx); err != nil {
		t.Fatalf("KeepCurrent: %v", err)
	}

	if got := mustKept(t, s); !slices.Equal(got, []AssetID{prev}) {
		t.Errorf("kept = %v, want [%s]", got, prev)
	}
	remaining := mustRemaining(t, s)
	if len(remaining) != 2 {
		t.Fatalf("remaining = %v, want 2 elements", remaining)
	}
	if slices.Contains(remaining, prev) {
		t.Errorf("remaining %v still contains kept id %q", remaining, prev)
	}

	snap = s.Snapshot()
	if snap.Current == nil {
		t.Fatal("expected a new current photo")
	}
	if !slices.Contains(remaining, *snap.Current) {
		t.Errorf("new current %q not drawn from remaining %v", *snap.Current, remaining)
	}
}

func TestKeepCurrent_NoOpWhenNotReady(t *testing.T) {
	t.Parallel()

	sets := newMockSets()
	s := newTestSession(t, newMockLibrary("A"), sets, Options{})

	if err := s.KeepCurrent(context.Background()); err != nil {
		t.Fatalf("KeepCurrent: %v", err)
	}
	if err := s.DeleteCurrent(context.Background()); err != nil {
		t.Fatalf("DeleteCurrent: %v", err)
	}
	if got := mustKept(t, s); len(got) != 0 {
		t.Errorf("kept = %v, want empty", got)
	}
	if got := mustTrashed(t, s); len(got) != 0 {
		t.Errorf("trashed = %v, want empty", got)
	}
	if snap := s.Snapshot(); snap.State != StateIdle {
		t.Errorf("state = %q, want %q", snap.State, StateIdle)
	}
}

func TestKeepCurrent_LastPhotoGoesEmpty(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, newMockLibrary("A"), newMockSets(), Options{})
	startSettled(t, s)

	if err := s.KeepCurrent(context.Background()); err != nil {
		t.Fatalf("KeepCurrent: %v", err)
	}
	snap := s.Snapshot()
	if snap.State != StateEmpty {
		t.Errorf("state = %q, want %q", snap.State, StateEmpty)
	}
	if snap.Current != nil {
		t.Errorf("current = %q, want nil", *snap.Current)
	}
	if _, _, ok := s.Image(); ok {
		t.Error("no image expected in empty state")
	}
}

func TestDeleteCurrent_SoftDeletes(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A", "B")
	s := newTestSession(t, lib, newMockSets(), Options{})
	startSettled(t, s)

	if err := s.DeleteCurrent(context.Background()); err != nil {
		t.Fatalf("DeleteCurrent: %v", err)
	}

	if got := mustTrashed(t, s); !slices.Equal(got, []AssetID{"A"}) {
		t.Errorf("trashed = %v, want [A]", got)
	}
	lib.mu.Lock()
	deletes := len(lib.deleted)
	lib.mu.Unlock()
	if deletes != 0 {
		t.Errorf("library delete calls = %d, want 0 before purge", deletes)
	}
	if snap := s.Snapshot(); snap.Current == nil || *snap.Current != "B" {
		t.Errorf("current = %v, want B", snap.Current)
	}
}

func TestDecisions_KeptAndTrashedStayDisjoint(t *testing.T) {
	t.Parallel()

	ids := []AssetID{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	lib := newMockLibrary(ids...)
	s := newTestSession(t, lib, newMockSets(), Options{IntN: func(n int) int { return n / 2 }})
	ctx := context.Background()

	startSettled(t, s)

	for i := 0; i < len(ids)+3; i++ {
		var err error
		if i%3 == 0 {
			err = s.DeleteCurrent(ctx)
		} else {
			err = s.KeepCurrent(ctx)
		}
		if err != nil {
			t.Fatalf("decision %d: %v", i, err)
		}

		kept := mustKept(t, s)
		trashed := mustTrashed(t, s)
		remaining := mustRemaining(t, s)
		for _, id := range kept {
			if slices.Contains(trashed, id) {
				t.Fatalf("step %d: %q in both kept and trashed", i, id)
			}
			if slices.Contains(remaining, id) {
				t.Fatalf("step %d: kept %q still remaining", i, id)
			}
		}
		for _, id := range trashed {
			if slices.Contains(remaining, id) {
				t.Fatalf("step %d: trashed %q still remaining", i, id)
			}
		}
		if snap := s.Snapshot(); snap.Current != nil {
			if slices.Contains(kept, *snap.Current) || slices.Contains(trashed, *snap.Current) {
				t.Fatalf("step %d: current %q already decided", i, *snap.Current)
			}
		}
	}

	if got := len(mustKept(t, s)) + len(mustTrashed(t, s)); got != len(ids) {
		t.Errorf("decided = %d, want %d", got, len(ids))
	}
	if snap := s.Snapshot(); snap.State != StateEmpty {
		t.Errorf("state = %q, want %q", snap.State, StateEmpty)
	}
}

func TestDeleteTrashed_SinglePhotoEndsEmpty(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A")
	s := newTestSession(t, lib, newMockSets(), Options{})
	ctx := context.Background()

	startSettled(t, s)
	if err := s.DeleteCurrent(ctx); err != nil {
		t.Fatalf("DeleteCurrent: %v", err)
	}
	if err := s.DeleteTrashed(ctx); err != nil {
		t.Fatalf("DeleteTrashed: %v", err)
	}

	snap := waitFor(t, s, "purge to finish", func(s Snapshot) bool {
		return !s.Purging && s.Trashed == 0 && s.State == StateEmpty
	})
	if snap.Current != nil {
		t.Errorf("current = %q, want nil", *snap.Current)
	}
	if got := mustTrashed(t, s); len(got) != 0 {
		t.Errorf("trashed = %v, want empty", got)
	}
	if got := mustKept(t, s); len(got) != 0 {
		t.Errorf("kept = %v, want empty", got)
	}

	lib.mu.Lock()
	defer lib.mu.Unlock()
	if len(lib.deleted) != 1 || !slices.Equal(lib.deleted[0], []AssetID{"A"}) {
		t.Errorf("library deletes = %v, want [[A]]", lib.deleted)
	}
}

func TestDeleteTrashed_FailureStillClearsBookkeeping(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A", "B", "C")
	lib.deleteErr = errors.New("user cancelled")
	notifier := &mockNotifier{}
	s := newTestSession(t, lib, newMockSets(), Options{Notifier: notifier})
	ctx := context.Background()

	startSettled(t, s)
	_ = s.DeleteCurrent(ctx) // A
	_ = s.DeleteCurrent(ctx) // B
	before := s.Snapshot().Epoch

	if err := s.DeleteTrashed(ctx); err != nil {
		t.Fatalf("DeleteTrashed: %v", err)
	}
	snap := waitFor(t, s, "purge to finish", func(s Snapshot) bool {
		return !s.Purging && s.Epoch != before && settled(s)
	})

	if snap.LastError != "" {
		t.Errorf("last_error = %q, batch failures must not surface", snap.LastError)
	}
	if got := mustTrashed(t, s); len(got) != 0 {
		t.Errorf("trashed = %v, want empty", got)
	}
	remaining := mustRemaining(t, s)
	if slices.Contains(remaining, "A") || slices.Contains(remaining, "B") {
		t.Errorf("remaining = %v, previously trashed ids must stay excluded", remaining)
	}
	if !slices.Equal(remaining, []AssetID{"C"}) {
		t.Errorf("remaining = %v, want [C]", remaining)
	}

	waitCount(t, "notification", notifier.count, 1)
	notifier.mu.Lock()
	r := notifier.reports[0]
	notifier.mu.Unlock()
	if !r.Failed() {
		t.Error("expected failed purge report")
	}
	if r.Requested != 2 {
		t.Errorf("requested = %d, want 2", r.Requested)
	}
}

func TestDeleteTrashed_NoOpWhenTrashEmpty(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A")
	s := newTestSession(t, lib, newMockSets(), Options{})
	startSettled(t, s)

	if err := s.DeleteTrashed(context.Background()); err != nil {
		t.Fatalf("DeleteTrashed: %v", err)
	}
	if snap := s.Snapshot(); snap.Purging {
		t.Error("purge should not start with an empty trash")
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if len(lib.deleted) != 0 {
		t.Errorf("library deletes = %d, want 0", len(lib.deleted))
	}
}

func TestDeleteTrashed_ListFailureKeepsPurged(t *testing.T) {
	t.Parallel()

	sets := newMockSets()
	sets.sets[KeyPurged] = []AssetID{"X"}
	sets.sets[KeyTrashed] = []AssetID{"T"}
	lib := newMockLibrary("X", "A", "T")
	lib.keepOnDisk = true
	lib.listErr = errors.New("library offline")
	s := newTestSession(t, lib, sets, Options{})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, s, "empty after list failure", func(s Snapshot) bool { return s.State == StateEmpty })

	if err := s.DeleteTrashed(ctx); err != nil {
		t.Fatalf("DeleteTrashed: %v", err)
	}
	waitFor(t, s, "purge to finish", func(s Snapshot) bool {
		return !s.Purging && s.Trashed == 0 && s.State == StateEmpty
	})

	lib.mu.Lock()
	lib.listErr = nil
	lib.mu.Unlock()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	purged := sets.get(KeyPurged)
	if !slices.Contains(purged, "X") || !slices.Contains(purged, "T") {
		t.Errorf("persisted purged = %v, want X and T", purged)
	}

	restarted := newTestSession(t, lib, sets, Options{})
	startSettled(t, restarted)
	if got := mustRemaining(t, restarted); !slices.Equal(got, []AssetID{"A"}) {
		t.Errorf("remaining after restart = %v, want [A]", got)
	}
}

func TestDeleteTrashed_TrashDuringPurgeStaysTrashed(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A", "B", "C")
	lib.keepOnDisk = true
	sets := newMockSets()
	s := newTestSession(t, lib, sets, Options{})
	ctx := context.Background()

	startSettled(t, s)
	_ = s.DeleteCurrent(ctx) // A
	waitFor(t, s, "B to show", settled)

	release := lib.gateDelete()
	if err := s.DeleteTrashed(ctx); err != nil {
		t.Fatalf("DeleteTrashed: %v", err)
	}
	waitFor(t, s, "purge to start", func(s Snapshot) bool { return s.Purging })
	before := s.Snapshot().Epoch

	if err := s.DeleteCurrent(ctx); err != nil { // B
		t.Fatalf("DeleteCurrent: %v", err)
	}
	close(release)

	waitFor(t, s, "purge to finish", func(s Snapshot) bool {
		return !s.Purging && s.Epoch != before && settled(s)
	})

	if got := mustTrashed(t, s); !slices.Equal(got, []AssetID{"B"}) {
		t.Errorf("trashed = %v, want [B]", got)
	}
	if got := mustRemaining(t, s); !slices.Equal(got, []AssetID{"C"}) {
		t.Errorf("remaining = %v, want [C]", got)
	}

	lib.mu.Lock()
	deleted := lib.deleted
	lib.mu.Unlock()
	if len(deleted) != 1 || !slices.Equal(deleted[0], []AssetID{"A"}) {
		t.Errorf("library deletes = %v, want [[A]]", deleted)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := sets.get(KeyPurged); !slices.Equal(got, []AssetID{"A"}) {
		t.Errorf("persisted purged = %v, want [A]", got)
	}
	if got := sets.get(KeyTrashed); !slices.Equal(got, []AssetID{"B"}) {
		t.Errorf("persisted trashed = %v, want [B]", got)
	}
}

func TestResetData_DuringPurgeSkipsBookkeeping(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A", "B")
	lib.keepOnDisk = true
	sets := newMockSets()
	s := newTestSession(t, lib, sets, Options{})
	ctx := context.Background()

	startSettled(t, s)
	_ = s.DeleteCurrent(ctx) // A
	waitFor(t, s, "B to show", settled)

	release := lib.gateDelete()
	if err := s.DeleteTrashed(ctx); err != nil {
		t.Fatalf("DeleteTrashed: %v", err)
	}
	waitFor(t, s, "purge to start", func(s Snapshot) bool { return s.Purging })

	if err := s.ResetData(ctx); err != nil {
		t.Fatalf("ResetData: %v", err)
	}
	waitFor(t, s, "rederive", func(s Snapshot) bool { return s.State == StateReady && s.ImageReady })
	close(release)

	waitFor(t, s, "purge to finish", func(s Snapshot) bool { return !s.Purging && settled(s) })

	if got := mustTrashed(t, s); len(got) != 0 {
		t.Errorf("trashed = %v, want empty", got)
	}
	if got := mustRemaining(t, s); !slices.Equal(got, []AssetID{"A", "B"}) {
		t.Errorf("remaining = %v, want [A B]", got)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := sets.get(KeyPurged); len(got) != 0 {
		t.Errorf("persisted purged = %v, want empty", got)
	}
	if got := sets.get(KeyTrashed); len(got) != 0 {
		t.Errorf("persisted trashed = %v, want empty", got)
	}
}

func TestResetThenStart_RemainingEqualsListing(t *testing.T) {
	t.Parallel()

	sets := newMockSets()
	sets.sets[KeyKept] = []AssetID{"A"}
	sets.sets[KeyTrashed] = []AssetID{"B"}
	sets.sets[KeyPurged] = []AssetID{"C"}
	lib := newMockLibrary("A", "B", "C", "D")
	s := newTestSession(t, lib, sets, Options{})
	ctx := context.Background()

	if err := s.ResetData(ctx); err != nil {
		t.Fatalf("ResetData: %v", err)
	}
	snap := startSettled(t, s)

	if snap.Kept != 0 || snap.Trashed != 0 {
		t.Errorf("kept=%d trashed=%d, want 0/0", snap.Kept, snap.Trashed)
	}
	if got := mustRemaining(t, s); !slices.Equal(got, []AssetID{"A", "B", "C", "D"}) {
		t.Errorf("remaining = %v, want listing [A B C D]", got)
	}
}

func TestResetData_WhileReadyRederives(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A", "B")
	sets := newMockSets()
	s := newTestSession(t, lib, sets, Options{})
	ctx := context.Background()

	startSettled(t, s)
	_ = s.KeepCurrent(ctx)
	_ = s.DeleteCurrent(ctx)
	if snap := s.Snapshot(); snap.State != StateEmpty {
		t.Fatalf("state = %q, want %q", snap.State, StateEmpty)
	}

	if err := s.ResetData(ctx); err != nil {
		t.Fatalf("ResetData: %v", err)
	}
	snap := waitFor(t, s, "rederive", func(s Snapshot) bool { return s.State == StateReady && s.ImageReady })
	if snap.Remaining != 2 {
		t.Errorf("remaining = %d, want 2", snap.Remaining)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := sets.get(KeyKept); len(got) != 0 {
		t.Errorf("persisted kept = %v, want empty", got)
	}
	if got := sets.get(KeyTrashed); len(got) != 0 {
		t.Errorf("persisted trashed = %v, want empty", got)
	}
}

func TestDecisions_SurviveRestart(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A", "B", "C")
	sets := newMockSets()
	ctx := context.Background()

	first := NewSession(lib, sets, log.Nop(), Options{IntN: firstIndex})
	startSettled(t, first)
	_ = first.KeepCurrent(ctx)   // A
	_ = first.DeleteCurrent(ctx) // B
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := sets.get(KeyKept); !slices.Equal(got, []AssetID{"A"}) {
		t.Errorf("persisted kept = %v, want [A]", got)
	}
	if got := sets.get(KeyTrashed); !slices.Equal(got, []AssetID{"B"}) {
		t.Errorf("persisted trashed = %v, want [B]", got)
	}

	second := newTestSession(t, lib, sets, Options{})
	snap := startSettled(t, second)
	if snap.Current == nil || *snap.Current != "C" {
		t.Errorf("current after restart = %v, want C", snap.Current)
	}
	if snap.Kept != 1 || snap.Trashed != 1 {
		t.Errorf("kept=%d trashed=%d, want 1/1", snap.Kept, snap.Trashed)
	}
}

func TestFetch_StaleResultDiscarded(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A", "B")
	gateA := lib.gate("A")

	var mu sync.Mutex
	outcomes := map[FetchOutcome]int{}
	hooks := SessionHooks{OnFetch: func(o FetchOutcome, _ float64) {
		mu.Lock()
		outcomes[o]++
		mu.Unlock()
	}}

	s := newTestSession(t, lib, newMockSets(), Options{Hooks: hooks})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, s, "current A", func(s Snapshot) bool {
		return s.State == StateReady && s.Current != nil && *s.Current == "A"
	})

	// decide before A's image arrives
	if err := s.KeepCurrent(ctx); err != nil {
		t.Fatalf("KeepCurrent: %v", err)
	}
	waitFor(t, s, "B image", func(s Snapshot) bool {
		return s.Current != nil && *s.Current == "B" && s.ImageReady
	})

	close(gateA)
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		stale := outcomes[FetchStale]
		mu.Unlock()
		if stale == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stale fetch result was never observed")
		}
		time.Sleep(time.Millisecond)
	}

	id, img, ok := s.Image()
	if !ok {
		t.Fatal("expected image for B")
	}
	if id != "B" || img != lib.imageFor("B") {
		t.Errorf("displayed image for %q was overwritten by a stale fetch", id)
	}
}

func TestFetch_MissingAssetRedraws(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A", "B", "C")
	lib.missing["A"] = true
	lib.missing["B"] = true
	s := newTestSession(t, lib, newMockSets(), Options{})

	snap := startSettled(t, s)
	if snap.Current == nil || *snap.Current != "C" {
		t.Fatalf("current = %v, want C", snap.Current)
	}
	if got := mustRemaining(t, s); !slices.Equal(got, []AssetID{"C"}) {
		t.Errorf("remaining = %v, want [C]", got)
	}
}

func TestFetch_AllMissingEndsEmpty(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A", "B")
	lib.missing["A"] = true
	lib.missing["B"] = true
	s := newTestSession(t, lib, newMockSets(), Options{})

	snap := startSettled(t, s)
	if snap.State != StateEmpty {
		t.Errorf("state = %q, want %q", snap.State, StateEmpty)
	}
}

func TestFetch_NoImageKeepsCurrent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(*mockLibrary)
	}{
		{"nil image", func(m *mockLibrary) { m.nilImage["A"] = true }},
		{"decode error", func(m *mockLibrary) { m.fetchErr["A"] = errors.New("corrupt jpeg") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var fetched sync.WaitGroup
			fetched.Add(1)
			lib := newMockLibrary("A")
			tt.setup(lib)
			hooks := SessionHooks{OnFetch: func(FetchOutcome, float64) { fetched.Done() }}
			s := newTestSession(t, lib, newMockSets(), Options{Hooks: hooks})

			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			fetched.Wait()

			snap := s.Snapshot()
			if snap.State != StateReady {
				t.Errorf("state = %q, want %q", snap.State, StateReady)
			}
			if snap.Current == nil || *snap.Current != "A" {
				t.Errorf("current = %v, want A", snap.Current)
			}
			if snap.ImageReady {
				t.Error("image_ready = true, want placeholder")
			}
			if err := s.KeepCurrent(context.Background()); err != nil {
				t.Fatalf("KeepCurrent: %v", err)
			}
			if got := mustKept(t, s); !slices.Equal(got, []AssetID{"A"}) {
				t.Errorf("kept = %v, want [A]", got)
			}
		})
	}
}

func TestImmediateDelete_Success(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A", "B")
	s := newTestSession(t, lib, newMockSets(), Options{ImmediateDeletes: true})
	ctx := context.Background()

	startSettled(t, s)
	if err := s.DeleteCurrent(ctx); err != nil {
		t.Fatalf("DeleteCurrent: %v", err)
	}

	snap := waitFor(t, s, "advance to B", func(s Snapshot) bool {
		return s.Current != nil && *s.Current == "B"
	})
	if snap.Trashed != 0 {
		t.Errorf("trashed = %d, immediate deletes bypass the trash", snap.Trashed)
	}
	if snap.LastError != "" {
		t.Errorf("last_error = %q, want empty", snap.LastError)
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if slices.Contains(lib.ids, "A") {
		t.Error("A should be physically deleted")
	}
}

func TestImmediateDelete_FailureSurfacesMessage(t *testing.T) {
	t.Parallel()

	lib := newMockLibrary("A", "B")
	lib.deleteErr = errors.New("permission denied")
	s := newTestSession(t, lib, newMockSets(), Options{ImmediateDeletes: true})

	startSettled(t, s)
	if err := s.DeleteCurrent(context.Background()); err != nil {
		t.Fatalf("DeleteCurrent: %v", err)
	}

	snap := waitFor(t, s, "error message", func(s Snapshot) bool { return s.LastError != "" })
	if snap.Current == nil || *snap.Current != "A" {
		t.Errorf("current = %v, want A to stay displayed", snap.Current)
	}
	if snap.Remaining != 2 {
		t.Errorf("remaining = %d, want 2", snap.Remaining)
	}
}

func TestSubscribe_ReceivesTransitions(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, newMockLibrary("A"), newMockSets(), Options{})
	ch, cancel := s.Subscribe()
	defer cancel()

	first := <-ch
	if first.State != StateIdle {
		t.Fatalf("first snapshot state = %q, want %q", first.State, StateIdle)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				t.Fatal("subscription closed early")
			}
			if snap.State == StateReady && snap.ImageReady {
				return
			}
		case <-timeout:
			t.Fatal("never observed ready snapshot")
		}
	}
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, newMockLibrary("A"), newMockSets(), Options{})
	ch, cancel := s.Subscribe()
	<-ch
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after cancel")
	}
}

func TestClose_RejectsFurtherCalls(t *testing.T) {
	t.Parallel()

	s := NewSession(newMockLibrary("A"), newMockSets(), log.Nop(), Options{})
	ctx := context.Background()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestClose_EndsSubscriptions(t *testing.T) {
	t.Parallel()

	s := NewSession(newMockLibrary("A"), newMockSets(), log.Nop(), Options{})
	before, _ := s.Subscribe()
	<-before

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-before; ok {
		t.Error("subscription opened before Close should be closed")
	}

	after, cancel := s.Subscribe()
	defer cancel()
	if _, ok := <-after; ok {
		t.Error("subscription opened after Close should be closed")
	}
}

func TestPersist_SaveErrorIsBestEffort(t *testing.T) {
	t.Parallel()

	sets := newMockSets()
	var mu sync.Mutex
	var persistErrs int
	hooks := SessionHooks{OnPersist: func(err error) {
		if err != nil {
			mu.Lock()
			persistErrs++
			mu.Unlock()
		}
	}}
	s := newTestSession(t, newMockLibrary("A", "B"), sets, Options{Hooks: hooks})
	ctx := context.Background()

	startSettled(t, s)
	sets.mu.Lock()
	sets.saveErr = errors.New("read-only")
	sets.mu.Unlock()

	if err := s.KeepCurrent(ctx); err != nil {
		t.Fatalf("KeepCurrent: %v", err)
	}
	if got := mustKept(t, s); !slices.Equal(got, []AssetID{"A"}) {
		t.Errorf("in-memory kept = %v, want [A]", got)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if persistErrs == 0 {
		t.Error("expected persist hook to observe the save error")
	}
}

func waitCount(t *testing.T, desc string, get func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for get() < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: got %d, want %d", desc, get(), want)
		}
		time.Sleep(time.Millisecond)
	}
}
