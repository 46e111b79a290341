// Package scheduler sends periodic JSON backups to the bot admins.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/rwaea3/relay-bot/internal/utils"
)

// Backuper writes a full backup document.
type Backuper interface {
	WriteBackup(ctx context.Context, w io.Writer) error
}

// Sender delivers a file to a chat.
type Sender interface {
	SendDocument(ctx context.Context, to int64, name string, data []byte, caption string) error
}

// Standard 5-field expressions plus descriptors such as "@daily".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Scheduler struct {
	schedule cron.Schedule
	src      Backuper
	send     Sender
	admins   []int64
	caption  func(time.Time) string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New parses expr and prepares a scheduler. caption may be nil.
func New(expr string, src Backuper, send Sender, admins []int64, caption func(time.Time) string) (*Scheduler, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("backup schedule %q: %w", expr, err)
	}
	if caption == nil {
		caption = func(time.Time) string { return "" }
	}
	return &Scheduler{
		schedule: sched,
		src:      src,
		send:     send,
		admins:   admins,
		caption:  caption,
		stopCh:   make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Next reports when the following backup is due.
func (s *Scheduler) Next(after time.Time) time.Time {
	return s.schedule.Next(after)
}

func (s *Scheduler) loop() {
	for {
		next := s.schedule.Next(time.Now())
		log.Debug().Time("next", next).Msg("backup scheduled")
		t := time.NewTimer(time.Until(next))
		select {
		case <-t.C:
		case <-s.stopCh:
			t.Stop()
			return
		}
		s.runTick()
	}
}

func (s *Scheduler) runTick() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := s.SendBackup(ctx); err != nil {
		log.Error().Err(err).Msg("scheduled backup")
	}
}

// SendBackup exports a backup and sends it to every admin. A failure for one
// admin does not stop delivery to the others.
func (s *Scheduler) SendBackup(ctx context.Context) error {
	now := time.Now()
	name, data, err := Export(ctx, s.src, now)
	if err != nil {
		return err
	}
	caption := s.caption(now)
	var errs []error
	for _, id := range s.admins {
		if err := s.send.SendDocument(ctx, id, name, data, caption); err != nil {
			errs = append(errs, fmt.Errorf("admin %d: %w", id, err))
			continue
		}
		log.Info().Int64("chat_id", id).Str("file", name).Int("bytes", len(data)).Msg("backup sent")
	}
	return errors.Join(errs...)
}

// Export renders a backup into memory and names it after t.
func Export(ctx context.Context, src Backuper, t time.Time) (string, []byte, error) {
	var buf bytes.Buffer
	if err := src.WriteBackup(ctx, &buf); err != nil {
		return "", nil, fmt.Errorf("export backup: %w", err)
	}
	return BackupName(t), buf.Bytes(), nil
}

// BackupName is "backup_<stamp>_<short id>.json".
func BackupName(t time.Time) string {
	return fmt.Sprintf("backup_%s_%s.json", utils.BackupStamp(t), uuid.NewString()[:8])
}
