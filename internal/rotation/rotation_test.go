package rotation

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/eventres/go-rabbitmq-resilience/internal/config"
	"github.com/eventres/go-rabbitmq-resilience/internal/domain"
)

func newRotationDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.InboxEvent{}, &domain.EventProcessLog{}, &domain.OutboxEvent{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func backdate(t *testing.T, db *gorm.DB, table string, id uint, age time.Duration) {
	t.Helper()
	old := time.Now().UTC().Add(-age)
	if err := db.Table(table).Where("id = ?", id).Update("created_at", old).Error; err != nil {
		t.Fatalf("backdate %s/%d: %v", table, id, err)
	}
}

func readArchiveLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer zr.Close()

	var out []map[string]any
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestRotateOnce_ArchivesAndTrimsOldRows(t *testing.T) {
	db := newRotationDB(t)
	dir := t.TempDir()
	r := NewRotator(db, config.RotationConfig{Retention: 24 * time.Hour, ArchiveDir: dir}, zerolog.Nop())

	oldEv := &domain.InboxEvent{UUID: "old-1", Type: "order.created"}
	freshEv := &domain.InboxEvent{UUID: "new-1", Type: "order.created"}
	if err := db.Create(oldEv).Error; err != nil {
		t.Fatalf("seed old: %v", err)
	}
	if err := db.Create(freshEv).Error; err != nil {
		t.Fatalf("seed fresh: %v", err)
	}
	dur := int64(5)
	if err := db.Create(&domain.EventProcessLog{EventID: oldEv.ID, ProcessName: "p", Duration: &dur}).Error; err != nil {
		t.Fatalf("seed log: %v", err)
	}
	oldOut := &domain.OutboxEvent{UUID: "old-out", Type: "order.created"}
	if err := db.Create(oldOut).Error; err != nil {
		t.Fatalf("seed outbox: %v", err)
	}
	backdate(t, db, "inbox_events", oldEv.ID, 48*time.Hour)
	backdate(t, db, "outbox_events", oldOut.ID, 48*time.Hour)

	res, err := r.RotateOnce(context.Background())
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if res.InboxArchived != 1 || res.OutboxArchived != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	// The old rows are gone from default queries, the fresh one stays.
	var visible int64
	db.Model(&domain.InboxEvent{}).Count(&visible)
	if visible != 1 {
		t.Fatalf("expected 1 visible inbox row, got %d", visible)
	}
	var logs int64
	db.Model(&domain.EventProcessLog{}).Count(&logs)
	if logs != 0 {
		t.Fatalf("expected process logs trimmed, got %d", logs)
	}

	// And the archive holds the old event with its logs.
	day := time.Now().UTC().Format("20060102")
	lines := readArchiveLines(t, filepath.Join(dir, "inbox_events_"+day+".ndjson.gz"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 archived inbox line, got %d", len(lines))
	}
	event, _ := lines[0]["event"].(map[string]any)
	if event["uuid"] != "old-1" {
		t.Fatalf("archived wrong event: %v", lines[0])
	}
	procs, _ := lines[0]["processes"].([]any)
	if len(procs) != 1 {
		t.Fatalf("expected archived process log, got %v", lines[0]["processes"])
	}

	outLines := readArchiveLines(t, filepath.Join(dir, "outbox_events_"+day+".ndjson.gz"))
	if len(outLines) != 1 || outLines[0]["uuid"] != "old-out" {
		t.Fatalf("outbox archive: %v", outLines)
	}
}

func TestRotateOnce_NothingOldIsNoOp(t *testing.T) {
	db := newRotationDB(t)
	dir := t.TempDir()
	r := NewRotator(db, config.RotationConfig{Retention: 24 * time.Hour, ArchiveDir: dir}, zerolog.Nop())

	if err := db.Create(&domain.InboxEvent{UUID: "fresh", Type: "t"}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := r.RotateOnce(context.Background())
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if res.InboxArchived != 0 || res.OutboxArchived != 0 {
		t.Fatalf("expected no-op, got %+v", res)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no archive files, got %d", len(entries))
	}
}

func TestRotateOnce_ZeroRetentionDisabled(t *testing.T) {
	db := newRotationDB(t)
	r := NewRotator(db, config.RotationConfig{}, zerolog.Nop())

	ev := &domain.InboxEvent{UUID: "ancient", Type: "t"}
	if err := db.Create(ev).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	backdate(t, db, "inbox_events", ev.ID, 1000*time.Hour)

	res, err := r.RotateOnce(context.Background())
	if err != nil || res.InboxArchived != 0 {
		t.Fatalf("expected disabled rotation, got (%+v, %v)", res, err)
	}
}
