// Package snapshot copies live room buffers from the state store into the
// database so a room outlives its state store entry.
package snapshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/codepair/internal/db"
	"github.com/manpreetbhatti/codepair/internal/state"
)

type Config struct {
	Interval  time.Duration
	BatchSize int
	Timeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		BatchSize: 500,
		Timeout:   10 * time.Second,
	}
}

type Service struct {
	database *db.Database
	store    state.Store
	config   Config
	log      *logrus.Entry
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(database *db.Database, store state.Store, config Config, log *logrus.Entry) *Service {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &Service{
		database: database,
		store:    store,
		config:   config,
		log:      log,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.WithField("interval", s.config.Interval).Info("Snapshot service started")
}

// Stop takes a final pass so the last flushed buffers are saved.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.SnapshotAll()
		s.log.Info("Snapshot service stopped")
	})
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.SnapshotAll()
		}
	}
}

// SnapshotAll saves every known room whose buffer changed since its last
// snapshot and returns how many were written.
func (s *Service) SnapshotAll() int {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	// Saving bumps updated_at, so collect ids before writing anything.
	var ids []string
	for offset := 0; ; offset += s.config.BatchSize {
		rooms, err := s.database.ListRooms(ctx, s.config.BatchSize, offset)
		if err != nil {
			s.log.WithError(err).Warn("Failed to list rooms")
			return 0
		}
		for _, room := range rooms {
			ids = append(ids, room.ID)
		}
		if len(rooms) < s.config.BatchSize {
			break
		}
	}

	saved := 0
	for _, id := range ids {
		ok, err := s.SnapshotRoom(ctx, id)
		if err != nil {
			s.log.WithField("room", id).WithError(err).Warn("Snapshot failed")
			if errors.Is(err, state.ErrStoreUnavailable) {
				break
			}
			continue
		}
		if ok {
			saved++
		}
	}

	if saved > 0 {
		s.log.WithField("rooms", saved).Info("Saved room snapshots")
	}
	return saved
}

// SnapshotRoom saves one room. Rooms that expired from the state store are
// skipped; their last snapshot stays as it was.
func (s *Service) SnapshotRoom(ctx context.Context, roomID string) (bool, error) {
	code, err := s.store.GetCode(ctx, roomID)
	if errors.Is(err, state.ErrRoomNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.database.SaveSnapshot(ctx, roomID, code)
}
