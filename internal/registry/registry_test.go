package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/linwinbackup/linwin/internal/control"
)

// Both implementations must satisfy the same contract, so every test runs
// against both.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func sampleClient(id string) *Client {
	return &Client{
		ID:           id,
		Hostname:     "host-" + id,
		System:       "linux",
		Version:      "1.0.0",
		PublicKeyPEM: "-----BEGIN PUBLIC KEY-----\nfake\n-----END PUBLIC KEY-----",
		RegisteredAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		LastSeen:     time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		Schedule: []control.ScheduleEntry{
			{Type: "incremental", Cron: "0 2 * * *"},
		},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleClient("c1")
			if err := s.Put(ctx, want); err != nil {
				t.Fatal(err)
			}
			got, err := s.Get(ctx, "c1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Hostname != want.Hostname || got.PublicKeyPEM != want.PublicKeyPEM {
				t.Errorf("Get() = %+v", got)
			}
			if len(got.Schedule) != 1 || got.Schedule[0].Cron != "0 2 * * *" {
				t.Errorf("schedule lost: %+v", got.Schedule)
			}
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(context.Background(), "ghost"); !errors.Is(err, ErrClientNotFound) {
				t.Fatalf("Get() error = %v, want ErrClientNotFound", err)
			}
		})
	}
}

func TestPutUpsertsExisting(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := sampleClient("c1")
			if err := s.Put(ctx, c); err != nil {
				t.Fatal(err)
			}
			c.Version = "2.0.0"
			c.LastStatus = &control.StatusUpdate{ClientID: "c1", Status: "idle"}
			if err := s.Put(ctx, c); err != nil {
				t.Fatal(err)
			}

			got, err := s.Get(ctx, "c1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Version != "2.0.0" {
				t.Errorf("Version = %s", got.Version)
			}
			if got.LastStatus == nil || got.LastStatus.Status != "idle" {
				t.Errorf("LastStatus = %+v", got.LastStatus)
			}

			all, err := s.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 1 {
				t.Errorf("List() length = %d after upsert", len(all))
			}
		})
	}
}

func TestDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Put(ctx, sampleClient("c1")); err != nil {
				t.Fatal(err)
			}
			if err := s.Delete(ctx, "c1"); err != nil {
				t.Fatal(err)
			}
			if err := s.Delete(ctx, "c1"); !errors.Is(err, ErrClientNotFound) {
				t.Errorf("second Delete() error = %v", err)
			}
		})
	}
}

func TestResultsNewestFirst(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 3; i++ {
				r := &control.BackupResult{
					ClientID:     "c1",
					SnapshotName: "full_backup_2025020" + string(rune('1'+i)) + "_000000",
					Type:         "full",
					Outcome:      control.OutcomeSuccess,
					StartedAt:    base.AddDate(0, 0, i),
					FinishedAt:   base.AddDate(0, 0, i).Add(time.Minute),
				}
				if err := s.AppendResult(ctx, r); err != nil {
					t.Fatal(err)
				}
			}

			got, err := s.Results(ctx, "c1", 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 {
				t.Fatalf("Results() length = %d, want 2", len(got))
			}
			if !got[0].StartedAt.After(got[1].StartedAt) {
				t.Errorf("results not newest first: %v then %v", got[0].StartedAt, got[1].StartedAt)
			}
		})
	}
}

func TestWithLockSerializes(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var counter, max, cur int
			var mu sync.Mutex
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := s.WithLock("c1", func() error {
						mu.Lock()
						cur++
						if cur > max {
							max = cur
						}
						mu.Unlock()
						time.Sleep(time.Millisecond)
						mu.Lock()
						cur--
						counter++
						mu.Unlock()
						return nil
					})
					if err != nil {
						t.Error(err)
					}
				}()
			}
			wg.Wait()
			if counter != 20 {
				t.Errorf("counter = %d", counter)
			}
			if max != 1 {
				t.Errorf("observed %d concurrent holders of the same client lock", max)
			}
		})
	}
}
