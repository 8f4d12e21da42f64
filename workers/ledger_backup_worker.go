// workers/ledger_backup_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"guild-ledger/models"
	"guild-ledger/services"

	"github.com/gosimple/slug"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

// UploadFunc puts one object into blob storage (utils.UploadBytesToR2 in production).
type UploadFunc func(ctx context.Context, key string, body []byte, contentType string) error

// GuildBackup is the JSON document written per guild and run.
type GuildBackup struct {
	GuildID   string                                 `json:"guild_id"`
	TakenAt   time.Time                              `json:"taken_at"`
	Ledgers   map[models.LedgerKind][]models.Request `json:"ledgers"`
	Completed []models.CompletedRequest              `json:"completed"`
	History   []models.Action                        `json:"history"`
}

type LedgerBackupWorker struct {
	store       services.LedgerStore
	ledgers     []*services.LedgerService
	history     *services.HistoryService
	upload      UploadFunc
	interval    time.Duration
	prefix      string
	concurrency int
}

func NewLedgerBackupWorker(store services.LedgerStore, history *services.HistoryService, upload UploadFunc, interval time.Duration, ledgers ...*services.LedgerService) *LedgerBackupWorker {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &LedgerBackupWorker{
		store:       store,
		ledgers:     ledgers,
		history:     history,
		upload:      upload,
		interval:    interval,
		prefix:      "ledger-backups",
		concurrency: 4,
	}
}

func (w *LedgerBackupWorker) Start(ctx context.Context) {
	log.Printf("🔁 Starting ledger backup worker (every %s)…", w.interval)
	go w.run(ctx)
}

func (w *LedgerBackupWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := w.RunOnce(ctx, time.Now()); err != nil {
				log.Printf("[BACKUP] ❌ Backup run failed after %d guild(s): %v", n, err)
			} else {
				log.Printf("[BACKUP] ✅ Backed up %d guild(s)", n)
			}
		case <-ctx.Done():
			log.Println("⏹️ Ledger backup worker stopped")
			return
		}
	}
}

// RunOnce uploads one backup object per guild and returns how many succeeded.
func (w *LedgerBackupWorker) RunOnce(ctx context.Context, at time.Time) (int, error) {
	guilds, err := w.store.Guilds(ctx)
	if err != nil {
		return 0, fmt.Errorf("list guilds: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return 0, err
	}
	defer enc.Close()

	done := make(chan struct{}, len(guilds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, guildID := range guilds {
		g.Go(func() error {
			if err := w.backupGuild(gctx, enc, guildID, at); err != nil {
				return fmt.Errorf("guild %s: %w", guildID, err)
			}
			done <- struct{}{}
			return nil
		})
	}
	err = g.Wait()
	return len(done), err
}

func (w *LedgerBackupWorker) backupGuild(ctx context.Context, enc *zstd.Encoder, guildID string, at time.Time) error {
	doc := GuildBackup{
		GuildID: guildID,
		TakenAt: at.UTC(),
		Ledgers: make(map[models.LedgerKind][]models.Request, len(w.ledgers)),
	}
	for _, l := range w.ledgers {
		requests, err := l.List(ctx, guildID)
		if err != nil {
			return err
		}
		doc.Ledgers[l.Kind] = requests
	}
	completed, err := w.store.ListCompleted(ctx, guildID, 0)
	if err != nil {
		return err
	}
	doc.Completed = completed
	if w.history != nil {
		if doc.History, err = w.history.List(ctx, guildID, 0); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	return w.upload(ctx, BackupKey(w.prefix, guildID, at), enc.EncodeAll(raw, nil), "application/zstd")
}

// BackupKey is the object key of a guild's backup taken at at.
func BackupKey(prefix, guildID string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json.zst", prefix, slug.Make(guildID), at.UTC().Format("20060102T150405Z"))
}
